// Package memory provides conversation memory storage.
package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/fluxmind/fluxmind/internal/message"
)

// MessageStore is the interface for conversation storage. Every method
// is keyed by conversation ID; unknown conversations load as empty.
type MessageStore interface {
	Append(conversationID string, msg message.Message) error
	Load(conversationID string) ([]message.Message, error)
	Save(conversationID string, msgs []message.Message) error
	Conversations() ([]Conversation, error)
	Clear(conversationID string) error
}

// Conversation summarizes a stored conversation.
type Conversation struct {
	ID        string    `json:"id"`
	Messages  int       `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type conversation struct {
	messages  []message.Message
	createdAt time.Time
	updatedAt time.Time
}

// Store is an in-memory [MessageStore]. It is safe for concurrent use and
// loses everything on restart; it backs one-shot CLI runs and tests.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]*conversation
}

// NewStore creates a new in-memory store.
func NewStore() *Store {
	return &Store{conversations: make(map[string]*conversation)}
}

// Append adds msg to the end of a conversation, replacing any message
// with the same ID in place.
func (s *Store) Append(conversationID string, msg message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.getOrCreate(conversationID)
	conv.messages = message.Merge(conv.messages, []message.Message{msg})
	conv.updatedAt = time.Now()
	return nil
}

// Load returns a deep copy of a conversation's messages in order.
// Returns an empty slice if the conversation doesn't exist.
func (s *Store) Load(conversationID string) ([]message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return []message.Message{}, nil
	}
	return message.CloneAll(conv.messages), nil
}

// Save replaces a conversation's messages with msgs.
func (s *Store) Save(conversationID string, msgs []message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.getOrCreate(conversationID)
	conv.messages = message.CloneAll(msgs)
	conv.updatedAt = time.Now()
	return nil
}

// Conversations lists stored conversations, most recently updated first.
func (s *Store) Conversations() ([]Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Conversation, 0, len(s.conversations))
	for id, conv := range s.conversations {
		out = append(out, Conversation{
			ID:        id,
			Messages:  len(conv.messages),
			CreatedAt: conv.createdAt,
			UpdatedAt: conv.updatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// Clear removes a conversation.
func (s *Store) Clear(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, conversationID)
	return nil
}

// getOrCreate must be called with s.mu held for writing.
func (s *Store) getOrCreate(id string) *conversation {
	conv, ok := s.conversations[id]
	if !ok {
		now := time.Now()
		conv = &conversation{createdAt: now, updatedAt: now}
		s.conversations[id] = conv
	}
	return conv
}
