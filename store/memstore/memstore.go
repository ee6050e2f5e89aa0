// Package memstore is the in-memory reference implementation of the
// mqadmin message store. Append order per (kind, topic) is the creation
// order the query contract exposes.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/qvcloud/mqadmin"
)

const defaultLimit = 50

type topicKey struct {
	kind  mqadmin.BrokerKind
	topic string
}

type Store struct {
	mu     sync.RWMutex
	topics map[topicKey][]mqadmin.Envelope
	// index maps envelope id to its position within the topic slice so
	// cursor validation is a lookup, not a scan.
	index map[topicKey]map[string]int
}

func New() *Store {
	return &Store{
		topics: make(map[topicKey][]mqadmin.Envelope),
		index:  make(map[topicKey]map[string]int),
	}
}

func (s *Store) Append(_ context.Context, env mqadmin.Envelope) error {
	k := topicKey{kind: env.Kind, topic: env.Topic}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.index[k] == nil {
		s.index[k] = make(map[string]int)
	}
	s.index[k][env.ID] = len(s.topics[k])
	s.topics[k] = append(s.topics[k], env)
	return nil
}

func (s *Store) Query(_ context.Context, kind mqadmin.BrokerKind, topic string, cursor string, limit int) (mqadmin.Page, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	k := topicKey{kind: kind, topic: topic}

	s.mu.RLock()
	defer s.mu.RUnlock()

	envs := s.topics[k]
	start := 0
	if cursor != "" {
		pos, ok := s.index[k][cursor]
		if !ok {
			return mqadmin.Page{}, fmt.Errorf("%w: %q", mqadmin.ErrInvalidCursor, cursor)
		}
		start = pos + 1
	}
	if start >= len(envs) {
		return mqadmin.Page{}, nil
	}

	end := start + limit
	if end > len(envs) {
		end = len(envs)
	}

	page := mqadmin.Page{Envelopes: make([]mqadmin.Envelope, end-start)}
	copy(page.Envelopes, envs[start:end])
	page.NextCursor = page.Envelopes[len(page.Envelopes)-1].ID
	return page, nil
}

// Len reports the number of envelopes held for one (kind, topic).
func (s *Store) Len(kind mqadmin.BrokerKind, topic string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.topics[topicKey{kind: kind, topic: topic}])
}
