package store

import (
	"encoding/json"
	"time"
)

// Note is the durable snapshot of one collaborative document. The store
// only carries content and change attribution; document metadata such as
// permissions lives with its own collaborators.
type Note struct {
	ID               string
	Title            string
	Brief            string
	TextContent      string
	Doc              json.RawMessage
	Comment          json.RawMessage
	Tags             []string
	LastchangeUserID string
	LastchangeAt     time.Time
	SavedAt          time.Time
	UpdatedAt        time.Time
}

// NoteSnapshot is the flushed state of a live session.
type NoteSnapshot struct {
	ID               string
	Title            string
	Brief            string
	TextContent      string
	Doc              json.RawMessage
	Comment          json.RawMessage
	Tags             []string
	LastchangeUserID string
	LastchangeAt     time.Time
	SavedAt          time.Time
}

// Author is the persistent color assignment for one (note, user) pair,
// written once the first time the user successfully submits a change.
type Author struct {
	NoteID string
	UserID string
	Color  string
}
