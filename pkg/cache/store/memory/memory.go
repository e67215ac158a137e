// Package memory is the in-process store backend. Contents are lost on exit.
package memory

import (
	"context"
	"sync"

	"github.com/tidwall/btree"

	"github.com/valandreev/offlinenav/pkg/cache/store"
)

// Store keeps partitions in ordered maps guarded by a single mutex.
type Store struct {
	mu         sync.RWMutex
	partitions btree.Map[string, *partition]
}

// New returns an empty store.
func New() *Store {
	return &Store{}
}

type partition struct {
	name    string
	entries btree.Map[string, store.Snapshot]
	deleted bool
}

type handle struct {
	s *Store
	p *partition
}

func (s *Store) Open(ctx context.Context, name string) (store.Partition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, store.ErrEmptyName
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.partitions.Get(name)
	if !ok {
		p = &partition{name: name}
		s.partitions.Set(name, p)
	}
	return &handle{s: s, p: p}, nil
}

func (s *Store) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := s.partitions.Keys()
	if keys == nil {
		keys = []string{}
	}
	return keys, nil
}

func (s *Store) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.partitions.Get(name)
	return ok, nil
}

func (s *Store) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.partitions.Delete(name)
	if !ok {
		return false, nil
	}
	p.deleted = true
	return true, nil
}

func (s *Store) Close() error {
	return nil
}

func (h *handle) Name() string {
	return h.p.name
}

func (h *handle) Match(ctx context.Context, identity string) (store.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return store.Snapshot{}, err
	}
	h.s.mu.RLock()
	defer h.s.mu.RUnlock()

	if h.p.deleted {
		return store.Snapshot{}, store.ErrPartitionDeleted
	}
	snap, ok := h.p.entries.Get(identity)
	if !ok {
		return store.Snapshot{}, store.ErrNotFound
	}
	return snap.Clone(), nil
}

func (h *handle) Put(ctx context.Context, identity string, snap store.Snapshot) error {
	return h.PutAll(ctx, []store.Entry{{Identity: identity, Snapshot: snap}})
}

func (h *handle) PutAll(ctx context.Context, entries []store.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := store.ValidateEntries(entries); err != nil {
		return err
	}

	// Copy outside the lock; the swap below is the only mutation.
	staged := make([]store.Entry, len(entries))
	for i, e := range entries {
		staged[i] = store.Entry{Identity: e.Identity, Snapshot: store.Stamp(e.Snapshot)}
	}

	h.s.mu.Lock()
	defer h.s.mu.Unlock()

	if h.p.deleted {
		return store.ErrPartitionDeleted
	}
	for _, e := range staged {
		h.p.entries.Set(e.Identity, e.Snapshot)
	}
	return nil
}

func (h *handle) Delete(ctx context.Context, identity string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	h.s.mu.Lock()
	defer h.s.mu.Unlock()

	if h.p.deleted {
		return false, store.ErrPartitionDeleted
	}
	_, ok := h.p.entries.Delete(identity)
	return ok, nil
}

func (h *handle) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.s.mu.RLock()
	defer h.s.mu.RUnlock()

	if h.p.deleted {
		return nil, store.ErrPartitionDeleted
	}
	keys := h.p.entries.Keys()
	if keys == nil {
		keys = []string{}
	}
	return keys, nil
}
