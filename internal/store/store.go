// Package store persists post-session summaries. The orchestration layer
// makes exactly one best-effort save per session; a failed save is logged by
// the caller and never fails the session itself.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/parlancehq/parlance/pkg/types"
)

// ErrNotFound is returned when a requested summary does not exist.
var ErrNotFound = errors.New("store: summary not found")

// Store is the summary persistence collaborator.
type Store interface {
	// SaveSummary writes one session summary. Saving the same session ID
	// again overwrites the previous record.
	SaveSummary(ctx context.Context, s *types.Summary) error

	// GetSummary returns the summary for a session, or ErrNotFound.
	GetSummary(ctx context.Context, sessionID string) (*types.Summary, error)

	// RecentSummaries returns up to limit summaries for a user, newest first.
	RecentSummaries(ctx context.Context, userID string, limit int) ([]types.Summary, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error
}

// MemStore is an in-memory Store for tests and storeless deployments.
// Safe for concurrent use.
type MemStore struct {
	mu        sync.Mutex
	summaries map[string]types.Summary
}

// Compile-time interface assertion.
var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{summaries: make(map[string]types.Summary)}
}

// SaveSummary implements Store.
func (m *MemStore) SaveSummary(_ context.Context, s *types.Summary) error {
	if s == nil || s.SessionID == "" {
		return errors.New("store: summary must have a session id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries[s.SessionID] = *s
	return nil
}

// GetSummary implements Store.
func (m *MemStore) GetSummary(_ context.Context, sessionID string) (*types.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.summaries[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

// RecentSummaries implements Store.
func (m *MemStore) RecentSummaries(_ context.Context, userID string, limit int) ([]types.Summary, error) {
	m.mu.Lock()
	out := make([]types.Summary, 0)
	for _, s := range m.summaries {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].EndedAt.After(out[j].EndedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ping implements Store.
func (m *MemStore) Ping(context.Context) error { return nil }

// Len returns the number of stored summaries.
func (m *MemStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.summaries)
}
