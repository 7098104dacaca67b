// Package kvmem is an in-memory storage.KV backend: a map of
// partitions, each holding a sorted slice of rows, guarded by a single
// mutex. Waiters for PollNew are fanned out through per-partition
// broadcast channels, generalizing the teacher's idleListeners/unix
// pipe notify idiom to a partition-keyed K2V partition instead of a
// single mailbox.
package kvmem

import (
	"context"
	"sort"
	"sync"

	"github.com/aerogramme-go/aerogramme/internal/aeroerr"
	"github.com/aerogramme-go/aerogramme/internal/storage"
)

// Store is an in-memory storage.KV implementation, safe for
// concurrent use. The zero value is not usable; use New.
type Store struct {
	mu         sync.Mutex
	partitions map[string][]storage.Row
	waiters    map[string][]chan struct{}
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		partitions: make(map[string][]storage.Row),
		waiters:    make(map[string][]chan struct{}),
	}
}

func (s *Store) wake(partition string) {
	for _, ch := range s.waiters[partition] {
		close(ch)
	}
	delete(s.waiters, partition)
}

func (s *Store) Insert(ctx context.Context, row storage.Row) error {
	s.mu.Lock()
	rows := s.partitions[row.Partition]
	idx := sort.Search(len(rows), func(i int) bool { return rows[i].SortKey >= row.SortKey })
	if idx < len(rows) && rows[idx].SortKey == row.SortKey {
		s.mu.Unlock()
		return aeroerr.ErrConflict
	}
	rows = append(rows, storage.Row{})
	copy(rows[idx+1:], rows[idx:])
	rows[idx] = row
	s.partitions[row.Partition] = rows
	s.wake(row.Partition)
	s.mu.Unlock()
	return nil
}

func (s *Store) Get(ctx context.Context, partition, sortKey string) (storage.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.partitions[partition]
	idx := sort.Search(len(rows), func(i int) bool { return rows[i].SortKey >= sortKey })
	if idx < len(rows) && rows[idx].SortKey == sortKey {
		return rows[idx], nil
	}
	return storage.Row{}, aeroerr.ErrNotFound
}

func (s *Store) Range(ctx context.Context, partition, from, to string, limit int) ([]storage.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.partitions[partition]
	start := 0
	if from != "" {
		start = sort.Search(len(rows), func(i int) bool { return rows[i].SortKey >= from })
	}
	end := len(rows)
	if to != "" {
		end = sort.Search(len(rows), func(i int) bool { return rows[i].SortKey >= to })
	}
	if start > end {
		start = end
	}
	out := make([]storage.Row, end-start)
	copy(out, rows[start:end])
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, partition, sortKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.partitions[partition]
	idx := sort.Search(len(rows), func(i int) bool { return rows[i].SortKey >= sortKey })
	if idx < len(rows) && rows[idx].SortKey == sortKey {
		s.partitions[partition] = append(rows[:idx], rows[idx+1:]...)
	}
	return nil
}

func (s *Store) PollNew(ctx context.Context, partition, after string) ([]storage.Row, error) {
	for {
		s.mu.Lock()
		rows := s.partitions[partition]
		start := sort.Search(len(rows), func(i int) bool { return rows[i].SortKey > after })
		if start < len(rows) {
			out := make([]storage.Row, len(rows)-start)
			copy(out, rows[start:])
			s.mu.Unlock()
			return out, nil
		}
		ch := make(chan struct{})
		s.waiters[partition] = append(s.waiters[partition], ch)
		s.mu.Unlock()

		select {
		case <-ch:
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
