// Package app is the HTTP surface over the collaboration core: request
// decoding, protocol error mapping, and fanout notices to the realtime
// hub.
package app

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/yk9331/bear-plus/internal/collab"
	"github.com/yk9331/bear-plus/internal/comment"
	"github.com/yk9331/bear-plus/internal/config"
	"github.com/yk9331/bear-plus/internal/realtime"
	"github.com/yk9331/bear-plus/internal/step"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type Service struct {
	cfg      config.Config
	registry *collab.Registry
	hub      *realtime.Hub
	db       Pinger
}

func New(cfg config.Config, registry *collab.Registry, hub *realtime.Hub, db Pinger) *Service {
	return &Service{cfg: cfg, registry: registry, hub: hub, db: db}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *Service) PingRealtime(ctx context.Context) error {
	return s.hub.Ping(ctx)
}

func (s *Service) Hub() *realtime.Hub {
	return s.hub
}

// Open joins the user to a note's session and returns the full editor
// bootstrap payload. Unknown note ids open as fresh blank documents. A
// session that closes between lookup and use is resolved again; the
// registry hands out a fresh one.
func (s *Service) Open(ctx context.Context, noteID, userID string) (map[string]any, error) {
	var snapshot collab.Snapshot
	for {
		session, err := s.registry.GetOrCreate(ctx, noteID)
		if err != nil {
			return nil, err
		}
		snapshot, err = session.Open(userID)
		if errors.Is(err, collab.ErrSessionClosed) {
			continue
		}
		if err != nil {
			return nil, err
		}
		break
	}

	return map[string]any{
		"doc":            snapshot.Doc,
		"version":        snapshot.Version,
		"comments":       commentPayload(snapshot.Comments),
		"commentVersion": snapshot.CommentVersion,
		"clientID":       uuid.NewString(),
		"clientColor":    snapshot.Color,
		"userId":         userID,
		"users":          snapshot.OnlineUsers,
	}, nil
}

// Submit applies a client's step batch and comment events. On success the
// new versions are broadcast so other nodes' pollers wake up.
func (s *Service) Submit(ctx context.Context, noteID, userID, clientID string, baseVersion int, steps []step.Step, events []comment.Event) (map[string]any, error) {
	var version, commentVersion int
	for {
		session, err := s.registry.GetOrCreate(ctx, noteID)
		if err != nil {
			return nil, err
		}
		version, commentVersion, err = session.Submit(ctx, userID, clientID, baseVersion, steps, events)
		if errors.Is(err, collab.ErrSessionClosed) {
			continue
		}
		if err != nil {
			return nil, err
		}
		break
	}

	s.hub.Publish(ctx, realtime.Notice{
		NoteID:         noteID,
		Version:        version,
		CommentVersion: commentVersion,
	})

	return map[string]any{
		"version":        version,
		"commentVersion": commentVersion,
	}, nil
}

// Poll long-polls for everything accepted after the given versions. A
// timeout returns the empty set with current versions; clients re-poll.
func (s *Service) Poll(ctx context.Context, noteID string, sinceVersion, sinceCommentVersion int) (map[string]any, error) {
	var events collab.Events
	for {
		session, err := s.registry.GetOrCreate(ctx, noteID)
		if err != nil {
			return nil, err
		}
		events, err = session.Wait(ctx, sinceVersion, sinceCommentVersion, s.cfg.PollTimeout)
		if errors.Is(err, collab.ErrSessionClosed) {
			continue
		}
		if err != nil {
			return nil, err
		}
		break
	}

	steps := make([]step.Step, 0, len(events.Steps))
	clientIDs := make([]string, 0, len(events.Steps))
	for _, entry := range events.Steps {
		steps = append(steps, entry.Step)
		clientIDs = append(clientIDs, entry.ClientID)
	}

	return map[string]any{
		"version":        events.Version,
		"commentVersion": events.CommentVersion,
		"steps":          steps,
		"clientIDs":      clientIDs,
		"comment":        commentEventPayload(events.Comments),
	}, nil
}

// Close drops the user's presence; the last leave flushes and evicts the
// session.
func (s *Service) Close(ctx context.Context, noteID, userID string) error {
	return s.registry.Release(ctx, noteID, userID)
}

// Shutdown flushes all live sessions during graceful server stop.
func (s *Service) Shutdown(ctx context.Context) error {
	return s.registry.Shutdown(ctx)
}

func commentPayload(anchors []comment.Anchor) []json.RawMessage {
	payload := make([]json.RawMessage, 0, len(anchors))
	for _, anchor := range anchors {
		raw, err := json.Marshal(anchor)
		if err != nil {
			continue
		}
		payload = append(payload, raw)
	}
	return payload
}

func commentEventPayload(events []comment.Event) []comment.Event {
	if events == nil {
		return []comment.Event{}
	}
	return events
}
