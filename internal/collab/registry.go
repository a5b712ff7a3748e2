package collab

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/yk9331/bear-plus/internal/store"
)

// Registry owns session lifecycle: create-on-miss, evict after the final
// save. It is the only component shared across documents; the map lock is
// held for map operations only, never while loading from storage.
type Registry struct {
	store        Store
	maxHistory   int
	saveInterval time.Duration

	mu      sync.Mutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	once    sync.Once
	session *Session
	err     error
}

func NewRegistry(st Store, maxHistory int, saveInterval time.Duration) *Registry {
	return &Registry{
		store:        st,
		maxHistory:   maxHistory,
		saveInterval: saveInterval,
		entries:      make(map[string]*registryEntry),
	}
}

// GetOrCreate returns the live session for a note, loading it from
// storage on first access. Concurrent first accesses for the same id
// construct exactly one session; a failed load is forgotten so the next
// request retries. An entry whose session already closed is dropped and
// the lookup starts over, so callers never receive a session that will
// reject everything.
func (r *Registry) GetOrCreate(ctx context.Context, id string) (*Session, error) {
	for {
		r.mu.Lock()
		entry, ok := r.entries[id]
		if !ok {
			entry = &registryEntry{}
			r.entries[id] = entry
		}
		r.mu.Unlock()

		entry.once.Do(func() {
			entry.session, entry.err = r.load(ctx, id)
		})
		if entry.err != nil {
			r.mu.Lock()
			if r.entries[id] == entry {
				delete(r.entries, id)
			}
			r.mu.Unlock()
			return nil, entry.err
		}
		if entry.session.isClosed() {
			r.mu.Lock()
			if r.entries[id] == entry {
				delete(r.entries, id)
			}
			r.mu.Unlock()
			continue
		}
		return entry.session, nil
	}
}

func (r *Registry) load(ctx context.Context, id string) (*Session, error) {
	note, err := r.store.GetNote(ctx, id)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("load note %s: %w", id, err)
		}
		// Unknown id starts as a fresh blank document; the first save
		// creates the durable record.
		note = store.Note{ID: id}
	}
	authors, err := r.store.ListAuthors(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load note %s authors: %w", id, err)
	}
	return newSession(id, r.store, note, authors, r.maxHistory, r.saveInterval)
}

// Release drops a user's presence from a session and evicts the session
// once its final save completes. A request arriving for an evicted id
// transparently reloads through GetOrCreate.
func (r *Registry) Release(ctx context.Context, id, userID string) error {
	r.mu.Lock()
	entry, ok := r.entries[id]
	r.mu.Unlock()
	if !ok || entry.session == nil {
		return nil
	}

	evict, err := entry.session.Close(ctx, userID)
	if err != nil {
		return err
	}
	if evict {
		r.mu.Lock()
		if r.entries[id] == entry {
			delete(r.entries, id)
		}
		r.mu.Unlock()
	}
	return nil
}

// Evict removes a session from the registry without touching presence.
func (r *Registry) Evict(id string) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}

// Shutdown flushes every live session; used on graceful server shutdown.
// The first flush error is returned after every session has been tried.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.entries))
	for _, entry := range r.entries {
		if entry.session != nil {
			sessions = append(sessions, entry.session)
		}
	}
	r.mu.Unlock()

	var firstErr error
	for _, session := range sessions {
		if err := session.Flush(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
