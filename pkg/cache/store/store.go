// Package store defines the partitioned response cache shared by the shell
// lifecycle and the request interception policy.
package store

import (
	"context"
	"errors"
	"net/http"
	"time"
)

var (
	// ErrNotFound is returned when a partition has no entry for an identity.
	ErrNotFound = errors.New("cache store: entry not found")
	// ErrPartitionDeleted is returned when a handle outlives its partition.
	ErrPartitionDeleted = errors.New("cache store: partition deleted")
	// ErrEmptyName is returned for empty partition names or identities.
	ErrEmptyName = errors.New("cache store: name must not be empty")
)

// Snapshot is a copy of a server response taken at insertion time.
type Snapshot struct {
	URL        string      `json:"url"`
	StatusCode int         `json:"status_code"`
	Header     http.Header `json:"header"`
	Body       []byte      `json:"body"`
	StoredAt   time.Time   `json:"stored_at"`
}

// Clone returns a deep copy so stored entries never alias caller memory.
func (s Snapshot) Clone() Snapshot {
	clone := s
	if s.Header != nil {
		clone.Header = s.Header.Clone()
	}
	if s.Body != nil {
		clone.Body = append([]byte(nil), s.Body...)
	}
	return clone
}

// OK reports whether the snapshot carries a 2xx status.
func (s Snapshot) OK() bool {
	return s.StatusCode >= 200 && s.StatusCode < 300
}

// Entry pairs a request identity with its snapshot.
type Entry struct {
	Identity string
	Snapshot Snapshot
}

// Store holds named partitions. Implementations are safe for concurrent use.
type Store interface {
	// Open returns the partition called name, creating it when absent.
	Open(ctx context.Context, name string) (Partition, error)
	// Keys lists every partition name in ascending order.
	Keys(ctx context.Context) ([]string, error)
	// Has reports whether a partition exists.
	Has(ctx context.Context, name string) (bool, error)
	// Delete removes a partition and all of its entries. Deleting an absent
	// partition returns false and no error.
	Delete(ctx context.Context, name string) (bool, error)
	Close() error
}

// Partition is a single named cache. Entries are replaced wholesale.
type Partition interface {
	Name() string
	// Match returns the snapshot stored for identity or ErrNotFound.
	Match(ctx context.Context, identity string) (Snapshot, error)
	// Put inserts or replaces the entry for identity.
	Put(ctx context.Context, identity string, snap Snapshot) error
	// PutAll stores every entry or none of them.
	PutAll(ctx context.Context, entries []Entry) error
	// Delete removes one entry, reporting whether it existed.
	Delete(ctx context.Context, identity string) (bool, error)
	// Keys lists stored identities in ascending order.
	Keys(ctx context.Context) ([]string, error)
}

// Stamp fills StoredAt when it is unset and returns a private copy.
func Stamp(snap Snapshot) Snapshot {
	clone := snap.Clone()
	if clone.StoredAt.IsZero() {
		clone.StoredAt = time.Now().UTC()
	}
	return clone
}

// ValidateEntries rejects batches with empty identities.
func ValidateEntries(entries []Entry) error {
	for _, e := range entries {
		if e.Identity == "" {
			return ErrEmptyName
		}
	}
	return nil
}
