// Package collab implements the per-document synchronization core: one
// serialized session per live document, a registry that owns session
// lifecycle, and debounced persistence of session snapshots.
package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/yk9331/bear-plus/internal/comment"
	"github.com/yk9331/bear-plus/internal/doc"
	"github.com/yk9331/bear-plus/internal/step"
	"github.com/yk9331/bear-plus/internal/store"
)

// Store is the durable snapshot collaborator sessions load from and flush
// to.
type Store interface {
	GetNote(ctx context.Context, id string) (store.Note, error)
	SaveNote(ctx context.Context, snapshot store.NoteSnapshot) error
	ListAuthors(ctx context.Context, noteID string) ([]store.Author, error)
	EnsureAuthor(ctx context.Context, noteID, userID, color string) (string, error)
}

// authorColors is the fixed palette cycled through as new authors join a
// note. Assignments persist in note_authors so colors survive restarts.
var authorColors = []string{
	"#8FBCBB", "#A3BE8C", "#88C0D0", "#D08770",
	"#81A1C1", "#BF616A", "#5E81AC", "#EBCB8B",
}

// HistoryEntry is one accepted step tagged with the client that
// submitted it, so editors can tell their own steps apart when polling.
type HistoryEntry struct {
	Step     step.Step
	ClientID string
}

// Snapshot is the full state handed to a client on open.
type Snapshot struct {
	Doc            json.RawMessage
	Version        int
	Comments       []comment.Anchor
	CommentVersion int
	Color          string
	OnlineUsers    int
}

// Events is everything that happened after a client's last known
// versions.
type Events struct {
	Steps          []HistoryEntry
	Comments       []comment.Event
	Version        int
	CommentVersion int
}

// Session is the live, serialized state for one document. All operations
// take the session mutex, so two submits for the same document can never
// interleave; different documents are fully independent.
type Session struct {
	id           string
	store        Store
	maxHistory   int
	saveInterval time.Duration
	saveTimeout  time.Duration

	mu           sync.Mutex
	tree         *doc.Tree
	version      int
	history      []HistoryEntry
	overlay      *comment.Overlay
	online       map[string]string
	authors      map[string]string
	lastAuthor   string
	lastActivity time.Time
	changed      chan struct{}
	savePending  bool
	saveTimer    *time.Timer
	closed       bool
}

func newSession(id string, st Store, note store.Note, authors []store.Author, maxHistory int, saveInterval time.Duration) (*Session, error) {
	tree, err := doc.FromJSON(note.Doc)
	if err != nil {
		return nil, fmt.Errorf("load note %s: %w", id, err)
	}
	anchors, err := comment.AnchorsFromJSON(note.Comment)
	if err != nil {
		return nil, fmt.Errorf("load note %s: %w", id, err)
	}
	s := &Session{
		id:           id,
		store:        st,
		maxHistory:   maxHistory,
		saveInterval: saveInterval,
		saveTimeout:  30 * time.Second,
		tree:         tree,
		overlay:      comment.NewOverlay(anchors, maxHistory),
		online:       make(map[string]string),
		authors:      make(map[string]string, len(authors)),
		lastAuthor:   note.LastchangeUserID,
		lastActivity: time.Now(),
		changed:      make(chan struct{}),
	}
	for _, author := range authors {
		s.authors[author.UserID] = author.Color
	}
	return s, nil
}

func (s *Session) ID() string {
	return s.id
}

// Open registers the user's presence and returns the full snapshot a
// client needs to start editing. A color is assigned lazily: an author
// keeps their persisted color, a new participant gets the next unused
// palette entry.
func (s *Session) Open(userID string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Snapshot{}, ErrSessionClosed
	}

	color := ""
	if userID != "" {
		color = s.online[userID]
		if color == "" {
			if assigned, ok := s.authors[userID]; ok {
				color = assigned
			} else {
				color = s.nextColorLocked()
			}
			s.online[userID] = color
		}
	}

	return Snapshot{
		Doc:            s.tree.ToJSON(),
		Version:        s.version,
		Comments:       s.overlay.Anchors(),
		CommentVersion: s.overlay.Version(),
		Color:          color,
		OnlineUsers:    len(s.online),
	}, nil
}

func (s *Session) nextColorLocked() string {
	used := make(map[string]bool, len(s.authors)+len(s.online))
	known := make(map[string]struct{}, len(s.authors)+len(s.online))
	for userID, color := range s.authors {
		known[userID] = struct{}{}
		used[color] = true
	}
	for userID, color := range s.online {
		known[userID] = struct{}{}
		used[color] = true
	}
	start := len(known) % len(authorColors)
	for i := 0; i < len(authorColors); i++ {
		color := authorColors[(start+i)%len(authorColors)]
		if !used[color] {
			return color
		}
	}
	return authorColors[start]
}

// Submit applies a batch of steps and comment events against the given
// base version. The batch is atomic: either every step applies and every
// event is logged, or nothing changes. The first submission against a
// version wins; later ones get ErrVersionConflict and must poll then
// resubmit.
func (s *Session) Submit(ctx context.Context, userID, clientID string, baseVersion int, steps []step.Step, events []comment.Event) (version, commentVersion int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, 0, ErrSessionClosed
	}
	if baseVersion < 0 || baseVersion > s.version {
		return 0, 0, fmt.Errorf("%w: %d", ErrInvalidVersion, baseVersion)
	}
	if baseVersion != s.version {
		return 0, 0, ErrVersionConflict
	}
	for i, event := range events {
		if err := event.Validate(); err != nil {
			return 0, 0, fmt.Errorf("%w: event %d: %v", ErrInvalidEvent, i, err)
		}
	}

	tree := s.tree
	mapping := step.NewMapping()
	for i, st := range steps {
		next, m, applyErr := st.Apply(tree)
		if applyErr != nil {
			return 0, 0, fmt.Errorf("%w: step %d: %v", ErrInvalidStep, i, applyErr)
		}
		tree = next
		mapping.Append(m)
	}

	// The only durable write outside the save path: record this author's
	// color exactly once, before the batch commits.
	if userID != "" {
		if _, ok := s.authors[userID]; !ok {
			color := s.online[userID]
			if color == "" {
				color = s.nextColorLocked()
			}
			stored, ensureErr := s.store.EnsureAuthor(ctx, s.id, userID, color)
			if ensureErr != nil {
				return 0, 0, fmt.Errorf("persist author: %w", ensureErr)
			}
			s.authors[userID] = stored
			s.online[userID] = stored
		}
	}

	if clientID == "" {
		clientID = userID
	}
	s.tree = tree
	s.version += len(steps)
	for _, st := range steps {
		s.history = append(s.history, HistoryEntry{Step: st, ClientID: clientID})
	}
	if over := len(s.history) - s.maxHistory; over > 0 {
		s.history = append([]HistoryEntry(nil), s.history[over:]...)
	}

	// Remap existing anchors first, then apply this batch's events, so an
	// annotation created alongside a structural edit lands on post-edit
	// coordinates.
	if mapping.Len() > 0 {
		s.overlay.MapThrough(mapping)
	}
	for _, event := range events {
		if event.Type == comment.EventDelete {
			s.overlay.Delete(event.ID)
		} else {
			s.overlay.Create(*event.Anchor)
		}
	}

	if userID != "" {
		s.lastAuthor = userID
	}
	s.lastActivity = time.Now()

	// Wake every waiter before returning.
	close(s.changed)
	s.changed = make(chan struct{})

	s.scheduleSaveLocked()
	return s.version, s.overlay.Version(), nil
}

// Events returns everything accepted after the given versions. An empty
// result is valid and means nothing new yet.
func (s *Session) Events(sinceVersion, sinceCommentVersion int) (Events, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events, _, err := s.eventsLocked(sinceVersion, sinceCommentVersion)
	return events, err
}

func (s *Session) eventsLocked(sinceVersion, sinceCommentVersion int) (Events, chan struct{}, error) {
	if s.closed {
		return Events{}, nil, ErrSessionClosed
	}
	if sinceVersion < 0 || sinceVersion > s.version {
		return Events{}, nil, fmt.Errorf("%w: %d", ErrInvalidVersion, sinceVersion)
	}
	if sinceCommentVersion < 0 || sinceCommentVersion > s.overlay.Version() {
		return Events{}, nil, fmt.Errorf("%w: %d", ErrInvalidVersion, sinceCommentVersion)
	}
	start := len(s.history) - (s.version - sinceVersion)
	if start < 0 {
		return Events{}, nil, ErrHistoryGone
	}
	commentEvents, ok := s.overlay.EventsAfter(sinceCommentVersion)
	if !ok {
		return Events{}, nil, ErrHistoryGone
	}
	return Events{
		Steps:          append([]HistoryEntry(nil), s.history[start:]...),
		Comments:       commentEvents,
		Version:        s.version,
		CommentVersion: s.overlay.Version(),
	}, s.changed, nil
}

// Wait blocks the caller (never the session) until there is something new
// after the given versions, the timeout elapses, or ctx is canceled. A
// timeout returns the empty result; clients re-poll. A departed waiter
// leaves no state behind.
func (s *Session) Wait(ctx context.Context, sinceVersion, sinceCommentVersion int, timeout time.Duration) (Events, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		s.mu.Lock()
		events, changed, err := s.eventsLocked(sinceVersion, sinceCommentVersion)
		s.mu.Unlock()
		if err != nil {
			return Events{}, err
		}
		if len(events.Steps) > 0 || len(events.Comments) > 0 {
			return events, nil
		}

		select {
		case <-changed:
		case <-deadline.C:
			return events, nil
		case <-ctx.Done():
			return Events{}, ctx.Err()
		}
	}
}

// Close removes the user's presence. When the last participant leaves,
// the session flushes immediately, marks itself closed, and reports that
// it should be evicted. A closed session rejects every later operation
// with ErrSessionClosed so a caller holding a stale pointer resolves a
// fresh session through the registry instead of mutating a detached one.
// A failed flush keeps the session live (memory stays authoritative) and
// re-arms the save timer.
func (s *Session) Close(ctx context.Context, userID string) (evict bool, err error) {
	s.mu.Lock()
	delete(s.online, userID)
	if len(s.online) > 0 {
		s.mu.Unlock()
		return false, nil
	}
	s.cancelSaveLocked()
	s.mu.Unlock()

	if err := s.flush(ctx); err != nil {
		s.mu.Lock()
		s.scheduleSaveLocked()
		s.mu.Unlock()
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Someone opened the session while the flush was in flight; it stays
	// live.
	if len(s.online) > 0 {
		return false, nil
	}
	s.closed = true
	// Wake parked waiters so they see the closed state and re-resolve.
	close(s.changed)
	s.changed = make(chan struct{})
	return true, nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// OnlineUsers reports the current participant count.
func (s *Session) OnlineUsers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.online)
}

func (s *Session) scheduleSaveLocked() {
	if s.savePending {
		return
	}
	s.savePending = true
	s.saveTimer = time.AfterFunc(s.saveInterval, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.saveTimeout)
		defer cancel()
		if err := s.flush(ctx); err != nil {
			log.Printf("save note %s failed, will retry: %v", s.id, err)
			s.mu.Lock()
			s.scheduleSaveLocked()
			s.mu.Unlock()
		}
	})
}

func (s *Session) cancelSaveLocked() {
	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}
	s.savePending = false
}

// Flush writes the current snapshot to the store immediately.
func (s *Session) Flush(ctx context.Context) error {
	s.mu.Lock()
	s.cancelSaveLocked()
	s.mu.Unlock()
	return s.flush(ctx)
}

func (s *Session) flush(ctx context.Context) error {
	s.mu.Lock()
	snapshot := store.NoteSnapshot{
		ID:               s.id,
		Title:            s.tree.Title(),
		Brief:            s.tree.Brief(200),
		TextContent:      s.tree.TextContent(),
		Doc:              s.tree.ToJSON(),
		Comment:          s.overlay.MarshalAnchors(),
		Tags:             s.tree.Tags(),
		LastchangeUserID: s.lastAuthor,
		LastchangeAt:     s.lastActivity,
		SavedAt:          time.Now(),
	}
	s.savePending = false
	s.saveTimer = nil
	s.mu.Unlock()

	if err := s.store.SaveNote(ctx, snapshot); err != nil {
		return fmt.Errorf("save note %s: %w", s.id, err)
	}
	return nil
}
