package memory

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fluxmind/fluxmind/internal/message"
)

// SQLiteStore is a SQLite-backed [MessageStore]. Messages keep their
// position within a conversation via an explicit sequence number.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a store on an open database and migrates the
// schema. The caller owns db.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

// migrate creates the database schema.
func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		conversation_id TEXT NOT NULL,
		id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		parts TEXT NOT NULL,
		metadata TEXT NOT NULL,
		PRIMARY KEY (conversation_id, id),
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation_seq ON messages(conversation_id, seq);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Append adds msg to the end of a conversation. A message whose ID is
// already stored is replaced in place, keeping its position.
func (s *SQLiteStore) Append(conversationID string, msg message.Message) error {
	if msg.ID == "" {
		msg.ID = message.NewID()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := touchConversation(tx, conversationID); err != nil {
		return err
	}

	var seq int64
	err = tx.QueryRow(`SELECT seq FROM messages WHERE conversation_id = ? AND id = ?`,
		conversationID, msg.ID).Scan(&seq)
	switch {
	case err == sql.ErrNoRows:
		if err := tx.QueryRow(`SELECT COALESCE(MAX(seq), -1) + 1 FROM messages WHERE conversation_id = ?`,
			conversationID).Scan(&seq); err != nil {
			return fmt.Errorf("next sequence: %w", err)
		}
	case err != nil:
		return fmt.Errorf("lookup message: %w", err)
	}

	if err := putMessage(tx, conversationID, seq, msg); err != nil {
		return err
	}
	return tx.Commit()
}

// Load retrieves a conversation's messages in order. Returns an empty
// slice if the conversation doesn't exist.
func (s *SQLiteStore) Load(conversationID string) ([]message.Message, error) {
	rows, err := s.db.Query(`
		SELECT id, role, parts, metadata
		FROM messages
		WHERE conversation_id = ?
		ORDER BY seq ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	msgs := []message.Message{}
	for rows.Next() {
		var m message.Message
		var role, parts, metadata string
		if err := rows.Scan(&m.ID, &role, &parts, &metadata); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = message.Role(role)
		if err := json.Unmarshal([]byte(parts), &m.Parts); err != nil {
			return nil, fmt.Errorf("decode parts of message %s: %w", m.ID, err)
		}
		if err := json.Unmarshal([]byte(metadata), &m.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of message %s: %w", m.ID, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Save replaces a conversation's messages with msgs atomically.
func (s *SQLiteStore) Save(conversationID string, msgs []message.Message) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := touchConversation(tx, conversationID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	for i, m := range msgs {
		if m.ID == "" {
			m.ID = message.NewID()
		}
		if err := putMessage(tx, conversationID, int64(i), m); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Conversations lists stored conversations, most recently updated first.
func (s *SQLiteStore) Conversations() ([]Conversation, error) {
	rows, err := s.db.Query(`
		SELECT c.id, c.created_at, c.updated_at, COUNT(m.id)
		FROM conversations c
		LEFT JOIN messages m ON m.conversation_id = c.id
		GROUP BY c.id
		ORDER BY c.updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		var createdAt, updatedAt string
		if err := rows.Scan(&c.ID, &createdAt, &updatedAt, &c.Messages); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Clear removes a conversation and its messages.
func (s *SQLiteStore) Clear(conversationID string) error {
	if _, err := s.db.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM conversations WHERE id = ?`, conversationID); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

// touchConversation ensures the conversation row exists and bumps its
// updated_at timestamp.
func touchConversation(tx *sql.Tx, id string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := tx.Exec(`
		INSERT INTO conversations (id, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at
	`, id, now, now)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return nil
}

func putMessage(tx *sql.Tx, conversationID string, seq int64, m message.Message) error {
	parts := m.Parts
	if parts == nil {
		parts = []message.Part{}
	}
	partsJSON, err := json.Marshal(parts)
	if err != nil {
		return fmt.Errorf("encode parts of message %s: %w", m.ID, err)
	}
	metaJSON, err := json.Marshal(m.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata of message %s: %w", m.ID, err)
	}

	_, err = tx.Exec(`
		INSERT INTO messages (conversation_id, id, seq, role, parts, metadata)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, id) DO UPDATE SET
			role = excluded.role, parts = excluded.parts, metadata = excluded.metadata
	`, conversationID, m.ID, seq, string(m.Role), string(partsJSON), string(metaJSON))
	if err != nil {
		return fmt.Errorf("insert message %s: %w", m.ID, err)
	}
	return nil
}
