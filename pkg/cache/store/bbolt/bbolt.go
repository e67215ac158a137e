// Package bbolt persists cache partitions in a single bbolt file, one nested
// bucket per partition.
package bbolt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	bolt "go.etcd.io/bbolt"

	"github.com/valandreev/offlinenav/pkg/cache/store"
)

const (
	currentSchemaVersion = 1
	bucketStats          = "stats"
	bucketPartitions     = "partitions"

	keySchemaVersion = "schema_version"
)

var errUnknownSchema = errors.New("cache store: unknown schema version")

// Options configures Open behaviour.
type Options struct {
	// Timeout controls bbolt file lock acquisition. Zero means 100ms.
	Timeout time.Duration
}

// Store implements store.Store backed by bbolt.
type Store struct {
	db *bolt.DB
}

// Open creates (or reopens) a bbolt-backed store at path.
func Open(path string, opts Options) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 100 * time.Millisecond
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("open bbolt: %w", err)
	}

	s := &Store{db: db}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Open(ctx context.Context, name string) (store.Partition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, store.ErrEmptyName
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		root, err := rootBucket(tx)
		if err != nil {
			return err
		}
		if _, err := root.CreateBucketIfNotExists([]byte(name)); err != nil {
			return fmt.Errorf("create partition %s: %w", name, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &partition{db: s.db, name: name}, nil
}

func (s *Store) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	names := make([]string, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		root, err := rootBucket(tx)
		if err != nil {
			return err
		}
		c := root.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if v == nil {
				names = append(names, string(k))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		root, err := rootBucket(tx)
		if err != nil {
			return err
		}
		ok = root.Bucket([]byte(name)) != nil
		return nil
	})
	return ok, err
}

func (s *Store) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if name == "" {
		return false, store.ErrEmptyName
	}
	var deleted bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		root, err := rootBucket(tx)
		if err != nil {
			return err
		}
		if err := root.DeleteBucket([]byte(name)); err != nil {
			if errors.Is(err, bolt.ErrBucketNotFound) {
				return nil
			}
			return fmt.Errorf("delete partition %s: %w", name, err)
		}
		deleted = true
		return nil
	})
	return deleted, err
}

type partition struct {
	db   *bolt.DB
	name string
}

func (p *partition) Name() string {
	return p.name
}

func (p *partition) Match(ctx context.Context, identity string) (store.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return store.Snapshot{}, err
	}
	var snap store.Snapshot
	err := p.db.View(func(tx *bolt.Tx) error {
		bucket, err := p.bucket(tx)
		if err != nil {
			return err
		}
		raw := bucket.Get([]byte(identity))
		if raw == nil {
			return store.ErrNotFound
		}
		decoded, err := decodeSnapshot(raw)
		if err != nil {
			return err
		}
		snap = decoded
		return nil
	})
	return snap, err
}

func (p *partition) Put(ctx context.Context, identity string, snap store.Snapshot) error {
	return p.PutAll(ctx, []store.Entry{{Identity: identity, Snapshot: snap}})
}

// PutAll writes the batch in one transaction so a failure leaves nothing behind.
func (p *partition) PutAll(ctx context.Context, entries []store.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := store.ValidateEntries(entries); err != nil {
		return err
	}
	return p.db.Update(func(tx *bolt.Tx) error {
		bucket, err := p.bucket(tx)
		if err != nil {
			return err
		}
		for _, e := range entries {
			data, err := encodeSnapshot(store.Stamp(e.Snapshot))
			if err != nil {
				return fmt.Errorf("encode %s: %w", e.Identity, err)
			}
			if err := bucket.Put([]byte(e.Identity), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *partition) Delete(ctx context.Context, identity string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var existed bool
	err := p.db.Update(func(tx *bolt.Tx) error {
		bucket, err := p.bucket(tx)
		if err != nil {
			return err
		}
		key := []byte(identity)
		existed = bucket.Get(key) != nil
		return bucket.Delete(key)
	})
	return existed, err
}

func (p *partition) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keys := make([]string, 0)
	err := p.db.View(func(tx *bolt.Tx) error {
		bucket, err := p.bucket(tx)
		if err != nil {
			return err
		}
		return bucket.ForEach(func(k, _ []byte) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (p *partition) bucket(tx *bolt.Tx) (*bolt.Bucket, error) {
	root, err := rootBucket(tx)
	if err != nil {
		return nil, err
	}
	bucket := root.Bucket([]byte(p.name))
	if bucket == nil {
		return nil, store.ErrPartitionDeleted
	}
	return bucket, nil
}

func rootBucket(tx *bolt.Tx) (*bolt.Bucket, error) {
	root := tx.Bucket([]byte(bucketPartitions))
	if root == nil {
		return nil, fmt.Errorf("missing bucket %s", bucketPartitions)
	}
	return root, nil
}

func (s *Store) ensureSchema() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketPartitions)); err != nil {
			return fmt.Errorf("ensure partitions bucket: %w", err)
		}
		stats, err := tx.CreateBucketIfNotExists([]byte(bucketStats))
		if err != nil {
			return fmt.Errorf("ensure stats bucket: %w", err)
		}
		versionBytes := stats.Get([]byte(keySchemaVersion))
		if len(versionBytes) == 0 {
			return stats.Put([]byte(keySchemaVersion), []byte(strconv.Itoa(currentSchemaVersion)))
		}
		version, err := strconv.Atoi(string(versionBytes))
		if err != nil {
			return fmt.Errorf("parse schema version: %w", err)
		}
		if version != currentSchemaVersion {
			return fmt.Errorf("%w: %d", errUnknownSchema, version)
		}
		return nil
	})
}

func encodeSnapshot(snap store.Snapshot) ([]byte, error) {
	return json.Marshal(snap)
}

func decodeSnapshot(data []byte) (store.Snapshot, error) {
	var snap store.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return store.Snapshot{}, err
	}
	return snap, nil
}
