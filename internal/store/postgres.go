package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetNote loads a note snapshot. Returns sql.ErrNoRows for an unknown id;
// the caller decides whether that means a fresh document.
func (s *PostgresStore) GetNote(ctx context.Context, id string) (Note, error) {
	const query = `
		SELECT id, title, brief, text_content, doc, comment, tags,
		       lastchange_user_id, lastchange_at, saved_at, updated_at
		FROM notes
		WHERE id=$1
	`
	var note Note
	var doc, comment, tags []byte
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&note.ID, &note.Title, &note.Brief, &note.TextContent,
		&doc, &comment, &tags,
		&note.LastchangeUserID, &note.LastchangeAt, &note.SavedAt, &note.UpdatedAt,
	)
	if err != nil {
		return Note{}, err
	}
	note.Doc = doc
	note.Comment = comment
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &note.Tags); err != nil {
			return Note{}, fmt.Errorf("decode note tags: %w", err)
		}
	}
	return note, nil
}

// SaveNote upserts the full snapshot of a session.
func (s *PostgresStore) SaveNote(ctx context.Context, snapshot NoteSnapshot) error {
	tags, err := json.Marshal(snapshot.Tags)
	if err != nil {
		return fmt.Errorf("encode note tags: %w", err)
	}
	const query = `
		INSERT INTO notes (id, title, brief, text_content, doc, comment, tags,
		                   lastchange_user_id, lastchange_at, saved_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (id) DO UPDATE SET
			title=EXCLUDED.title,
			brief=EXCLUDED.brief,
			text_content=EXCLUDED.text_content,
			doc=EXCLUDED.doc,
			comment=EXCLUDED.comment,
			tags=EXCLUDED.tags,
			lastchange_user_id=EXCLUDED.lastchange_user_id,
			lastchange_at=EXCLUDED.lastchange_at,
			saved_at=EXCLUDED.saved_at,
			updated_at=NOW()
	`
	_, err = s.db.ExecContext(ctx, query,
		snapshot.ID, snapshot.Title, snapshot.Brief, snapshot.TextContent,
		[]byte(snapshot.Doc), []byte(snapshot.Comment), tags,
		snapshot.LastchangeUserID, snapshot.LastchangeAt, snapshot.SavedAt,
	)
	if err != nil {
		return fmt.Errorf("save note: %w", err)
	}
	return nil
}

// ListAuthors returns every persisted color assignment for a note.
func (s *PostgresStore) ListAuthors(ctx context.Context, noteID string) ([]Author, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT note_id, user_id, color
		FROM note_authors
		WHERE note_id=$1
		ORDER BY created_at
	`, noteID)
	if err != nil {
		return nil, fmt.Errorf("list authors: %w", err)
	}
	defer rows.Close()

	authors := make([]Author, 0)
	for rows.Next() {
		var author Author
		if err := rows.Scan(&author.NoteID, &author.UserID, &author.Color); err != nil {
			return nil, fmt.Errorf("scan author: %w", err)
		}
		authors = append(authors, author)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate authors: %w", err)
	}
	return authors, nil
}

// EnsureAuthor records a color assignment the first time a user submits a
// change to a note. Find-or-create: a concurrent or repeated call returns
// the color already on record.
func (s *PostgresStore) EnsureAuthor(ctx context.Context, noteID, userID, color string) (string, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO note_authors (note_id, user_id, color)
		VALUES ($1, $2, $3)
		ON CONFLICT (note_id, user_id) DO NOTHING
	`, noteID, userID, color)
	if err != nil {
		return "", fmt.Errorf("insert author: %w", err)
	}

	var stored string
	err = s.db.QueryRowContext(ctx, `
		SELECT color FROM note_authors WHERE note_id=$1 AND user_id=$2
	`, noteID, userID).Scan(&stored)
	if err != nil {
		return "", fmt.Errorf("read author color: %w", err)
	}
	return stored, nil
}
