// Package realtime is the push delivery channel: it fans "version
// advanced" notices out to websocket subscribers grouped by note. With
// Redis configured, notices travel over pub/sub so every node relays them
// to its own rooms; without it the hub is local-only.
package realtime

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const channelPrefix = "collab:"

// Notice tells subscribers that a note's version advanced; they pull the
// actual steps through poll.
type Notice struct {
	NoteID         string `json:"noteId"`
	Version        int    `json:"version"`
	CommentVersion int    `json:"commentVersion"`
}

// Subscription is one client's membership in a note's room. Receive from
// C; call Leave exactly once when done.
type Subscription struct {
	ID string
	C  <-chan []byte

	hub    *Hub
	noteID string
	ch     chan []byte
	once   sync.Once
}

func (s *Subscription) Leave() {
	s.once.Do(func() {
		s.hub.leave(s.noteID, s.ch)
	})
}

type Hub struct {
	rdb    *redis.Client
	pubsub *redis.PubSub

	mu    sync.Mutex
	rooms map[string]map[chan []byte]struct{}
}

// NewHub builds a hub. rdb may be nil for single-node deployments.
func NewHub(rdb *redis.Client) *Hub {
	h := &Hub{
		rdb:   rdb,
		rooms: make(map[string]map[chan []byte]struct{}),
	}
	if rdb != nil {
		h.pubsub = rdb.PSubscribe(context.Background(), channelPrefix+"*")
		go h.relay()
	}
	return h
}

func (h *Hub) relay() {
	for msg := range h.pubsub.Channel() {
		noteID := strings.TrimPrefix(msg.Channel, channelPrefix)
		h.deliver(noteID, []byte(msg.Payload))
	}
}

// Publish announces a version advance. With Redis the notice goes through
// pub/sub and comes back via relay, reaching local and remote rooms the
// same way; on publish failure we still deliver locally.
func (h *Hub) Publish(ctx context.Context, notice Notice) {
	payload, err := json.Marshal(notice)
	if err != nil {
		return
	}
	if h.rdb != nil {
		if err := h.rdb.Publish(ctx, channelPrefix+notice.NoteID, payload).Err(); err != nil {
			log.Printf("publish note %s notice: %v", notice.NoteID, err)
			h.deliver(notice.NoteID, payload)
		}
		return
	}
	h.deliver(notice.NoteID, payload)
}

func (h *Hub) deliver(noteID string, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[noteID]
	for ch := range room {
		select {
		case ch <- payload:
		default:
			// Subscriber is not keeping up; drop it rather than block
			// the publisher.
			delete(room, ch)
			close(ch)
		}
	}
	if room != nil && len(room) == 0 {
		delete(h.rooms, noteID)
	}
}

// Join adds a subscriber to a note's room.
func (h *Hub) Join(noteID string) *Subscription {
	ch := make(chan []byte, 16)
	h.mu.Lock()
	room := h.rooms[noteID]
	if room == nil {
		room = make(map[chan []byte]struct{})
		h.rooms[noteID] = room
	}
	room[ch] = struct{}{}
	h.mu.Unlock()

	return &Subscription{
		ID:     uuid.NewString(),
		C:      ch,
		hub:    h,
		noteID: noteID,
		ch:     ch,
	}
}

func (h *Hub) leave(noteID string, ch chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[noteID]
	if room == nil {
		return
	}
	if _, ok := room[ch]; !ok {
		return
	}
	delete(room, ch)
	close(ch)
	if len(room) == 0 {
		delete(h.rooms, noteID)
	}
}

// RoomSize reports the subscriber count for a note.
func (h *Hub) RoomSize(noteID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[noteID])
}

// Ping checks Redis reachability; always healthy when local-only.
func (h *Hub) Ping(ctx context.Context) error {
	if h.rdb == nil {
		return nil
	}
	return h.rdb.Ping(ctx).Err()
}

func (h *Hub) Close() error {
	if h.pubsub != nil {
		return h.pubsub.Close()
	}
	return nil
}
