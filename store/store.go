// Package store persists conversation metadata and transcripts in a local
// sqlite database. Writes are last-writer-wins; transcripts are append-only
// and removed only when their conversation is deleted.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a conversation id has no record.
var ErrNotFound = errors.New("conversation not found")

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Conversation is the mutable metadata record for one chat thread.
type Conversation struct {
	ID          string
	Name        string
	WorkDir     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastMessage string
	ResumeToken string
	Processing  bool
}

// Attachment references an uploaded file associated with a message.
type Attachment struct {
	ID        string `json:"id"`
	Filename  string `json:"filename"`
	MediaType string `json:"media_type"`
}

// Message is one transcript entry.
type Message struct {
	ID             int64       `json:"id"`
	ConversationID string      `json:"conversation_id"`
	Role           string      `json:"role"`
	Content        string      `json:"content"`
	CreatedAt      time.Time   `json:"created_at"`
	Attachment     *Attachment `json:"attachment,omitempty"`
}

// Store wraps the sqlite database.
type Store struct {
	db  *sql.DB
	log *zap.SugaredLogger
}

const schema = `
CREATE TABLE IF NOT EXISTS conversation (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	work_dir     TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL,
	last_message TEXT NOT NULL DEFAULT '',
	resume_token TEXT NOT NULL DEFAULT '',
	processing   INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS message (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	created_at      INTEGER NOT NULL,
	attachment_id   TEXT,
	attachment_name TEXT,
	attachment_type TEXT
);
CREATE INDEX IF NOT EXISTS idx_message_conversation ON message(conversation_id, id);
`

// Open opens (creating if needed) the database at path.
func Open(path string, log *zap.SugaredLogger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// sqlite allows one writer; a single conn avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	log.Debugw("opened database", "Path", path)
	return &Store{db: db, log: log}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// CreateConversation inserts a new metadata record.
func (s *Store) CreateConversation(c Conversation) error {
	_, err := s.db.Exec(
		`INSERT INTO conversation (id, name, work_dir, created_at, updated_at, last_message, resume_token, processing)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.WorkDir, c.CreatedAt.UnixMilli(), c.UpdatedAt.UnixMilli(),
		c.LastMessage, c.ResumeToken, boolInt(c.Processing),
	)
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}
	return nil
}

// GetConversation loads one metadata record.
func (s *Store) GetConversation(id string) (Conversation, error) {
	row := s.db.QueryRow(
		`SELECT id, name, work_dir, created_at, updated_at, last_message, resume_token, processing
		 FROM conversation WHERE id = ?`, id)
	return scanConversation(row)
}

// ListConversations returns all conversations, most recently active first.
func (s *Store) ListConversations() ([]Conversation, error) {
	rows, err := s.db.Query(
		`SELECT id, name, work_dir, created_at, updated_at, last_message, resume_token, processing
		 FROM conversation ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()
	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SaveConversation overwrites the mutable fields of an existing record.
func (s *Store) SaveConversation(c Conversation) error {
	res, err := s.db.Exec(
		`UPDATE conversation SET name = ?, work_dir = ?, updated_at = ?, last_message = ?, resume_token = ?, processing = ?
		 WHERE id = ?`,
		c.Name, c.WorkDir, c.UpdatedAt.UnixMilli(), c.LastMessage, c.ResumeToken, boolInt(c.Processing), c.ID,
	)
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}
	return requireRow(res)
}

// SetResumeToken records the subprocess resume token once reported.
func (s *Store) SetResumeToken(id, token string) error {
	res, err := s.db.Exec(`UPDATE conversation SET resume_token = ? WHERE id = ?`, token, id)
	if err != nil {
		return fmt.Errorf("setting resume token: %w", err)
	}
	return requireRow(res)
}

// SetProcessing flips the observable generating flag.
func (s *Store) SetProcessing(id string, processing bool) error {
	res, err := s.db.Exec(`UPDATE conversation SET processing = ? WHERE id = ?`, boolInt(processing), id)
	if err != nil {
		return fmt.Errorf("setting processing flag: %w", err)
	}
	return requireRow(res)
}

// TouchActivity bumps the activity timestamp.
func (s *Store) TouchActivity(id string, at time.Time) error {
	res, err := s.db.Exec(`UPDATE conversation SET updated_at = ? WHERE id = ?`, at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("touching conversation: %w", err)
	}
	return requireRow(res)
}

// DeleteConversation removes the metadata record and its transcript.
func (s *Store) DeleteConversation(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning delete: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM message WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("deleting transcript: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM conversation WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}
	return tx.Commit()
}

// AppendMessage appends one transcript entry and refreshes the conversation's
// preview and activity timestamp in the same transaction.
func (s *Store) AppendMessage(m Message) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning append: %w", err)
	}
	defer tx.Rollback()

	var attID, attName, attType sql.NullString
	if m.Attachment != nil {
		attID = sql.NullString{String: m.Attachment.ID, Valid: true}
		attName = sql.NullString{String: m.Attachment.Filename, Valid: true}
		attType = sql.NullString{String: m.Attachment.MediaType, Valid: true}
	}
	_, err = tx.Exec(
		`INSERT INTO message (conversation_id, role, content, created_at, attachment_id, attachment_name, attachment_type)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ConversationID, m.Role, m.Content, m.CreatedAt.UnixMilli(), attID, attName, attType,
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	_, err = tx.Exec(
		`UPDATE conversation SET last_message = ?, updated_at = ? WHERE id = ?`,
		preview(m.Content), m.CreatedAt.UnixMilli(), m.ConversationID,
	)
	if err != nil {
		return fmt.Errorf("updating preview: %w", err)
	}
	return tx.Commit()
}

// Messages returns the full transcript for a conversation in append order.
func (s *Store) Messages(conversationID string) ([]Message, error) {
	rows, err := s.db.Query(
		`SELECT id, conversation_id, role, content, created_at, attachment_id, attachment_name, attachment_type
		 FROM message WHERE conversation_id = ? ORDER BY id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("loading transcript: %w", err)
	}
	defer rows.Close()
	out := []Message{}
	for rows.Next() {
		var m Message
		var createdAt int64
		var attID, attName, attType sql.NullString
		err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &createdAt, &attID, &attName, &attType)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.CreatedAt = time.UnixMilli(createdAt)
		if attID.Valid {
			m.Attachment = &Attachment{ID: attID.String, Filename: attName.String, MediaType: attType.String}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (Conversation, error) {
	var c Conversation
	var createdAt, updatedAt int64
	var processing int
	err := row.Scan(&c.ID, &c.Name, &c.WorkDir, &createdAt, &updatedAt, &c.LastMessage, &c.ResumeToken, &processing)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	if err != nil {
		return c, fmt.Errorf("scanning conversation: %w", err)
	}
	c.CreatedAt = time.UnixMilli(createdAt)
	c.UpdatedAt = time.UnixMilli(updatedAt)
	c.Processing = processing != 0
	return c, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const previewLen = 100

func preview(content string) string {
	if len(content) <= previewLen {
		return content
	}
	return content[:previewLen]
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
