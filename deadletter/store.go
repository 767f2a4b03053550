package deadletter

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/glimte/relay/contracts"
)

// FailedMessage is a dead letter that ran out of replays
type FailedMessage struct {
	ID            string            `json:"id"`
	Origin        string            `json:"origin,omitempty"`
	Key           string            `json:"key"`
	Headers       contracts.Headers `json:"headers,omitempty"`
	Body          []byte            `json:"-"`
	ContentType   string            `json:"contentType,omitempty"`
	CorrelationID string            `json:"correlationId,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	RetryCount    int               `json:"retryCount"`
	FirstFailedAt time.Time         `json:"firstFailedAt,omitempty"`
	LastFailedAt  time.Time         `json:"lastFailedAt"`
}

// MarshalJSON renders the body as text
func (f FailedMessage) MarshalJSON() ([]byte, error) {
	type alias FailedMessage
	return json.Marshal(&struct {
		alias
		Body string `json:"body"`
	}{
		alias: alias(f),
		Body:  string(f.Body),
	})
}

// Filter narrows List results; zero fields match everything
type Filter struct {
	Origin     string
	Since      time.Time
	Until      time.Time
	MaxResults int
}

func (f Filter) match(m FailedMessage) bool {
	if f.Origin != "" && m.Origin != f.Origin {
		return false
	}
	if !f.Since.IsZero() && m.LastFailedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && m.LastFailedAt.After(f.Until) {
		return false
	}
	return true
}

// Store keeps parked messages
type Store interface {
	Store(ctx context.Context, message FailedMessage) error
	Get(ctx context.Context, id string) (*FailedMessage, error)
	List(ctx context.Context, filter Filter) ([]FailedMessage, error)
	Delete(ctx context.Context, id string) error
}

// MemoryStore is a Store kept in process memory
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string]FailedMessage
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string]FailedMessage),
	}
}

// Store implements Store. A message with a known id replaces the old one.
func (s *MemoryStore) Store(_ context.Context, message FailedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[message.ID] = message
	return nil
}

// Get implements Store
func (s *MemoryStore) Get(_ context.Context, id string) (*FailedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &msg, nil
}

// List implements Store. Results are ordered by LastFailedAt, oldest first.
func (s *MemoryStore) List(_ context.Context, filter Filter) ([]FailedMessage, error) {
	s.mu.RLock()
	var results []FailedMessage
	for _, msg := range s.messages {
		if filter.match(msg) {
			results = append(results, msg)
		}
	}
	s.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		return results[i].LastFailedAt.Before(results[j].LastFailedAt)
	})
	if filter.MaxResults > 0 && len(results) > filter.MaxResults {
		results = results[:filter.MaxResults]
	}
	return results, nil
}

// Delete implements Store
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[id]; !ok {
		return ErrNotFound
	}
	delete(s.messages, id)
	return nil
}
