// Package storetest holds the behavioural contract every store backend must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/valandreev/offlinenav/pkg/cache/store"
)

type StoreFactory func(tb testing.TB) store.Store

type contractTestCase struct {
	name   string
	testFn func(t *testing.T, s store.Store)
}

// RunStoreContract exercises the Store and Partition interfaces against factory.
func RunStoreContract(t *testing.T, factory StoreFactory) {
	t.Helper()

	cases := []contractTestCase{
		{
			name: "put and match round trip",
			testFn: func(t *testing.T, s store.Store) {
				ctx := context.Background()
				p := mustOpen(t, s, "shell-v1")

				snap := sampleSnapshot("https://example.com/index.html", "<html>v1</html>")
				if err := p.Put(ctx, snap.URL, snap); err != nil {
					t.Fatalf("Put returned error: %v", err)
				}

				got, err := p.Match(ctx, snap.URL)
				if err != nil {
					t.Fatalf("Match returned error: %v", err)
				}
				assertSnapshotsEqual(t, snap, got)
				if got.StoredAt.IsZero() {
					t.Fatalf("expected StoredAt to be stamped")
				}
			},
		},
		{
			name: "match missing returns ErrNotFound",
			testFn: func(t *testing.T, s store.Store) {
				p := mustOpen(t, s, "shell-v1")
				if _, err := p.Match(context.Background(), "https://example.com/missing"); !errors.Is(err, store.ErrNotFound) {
					t.Fatalf("expected ErrNotFound, got %v", err)
				}
			},
		},
		{
			name: "put replaces existing entry wholesale",
			testFn: func(t *testing.T, s store.Store) {
				ctx := context.Background()
				p := mustOpen(t, s, "map-tiles-cache")
				id := "https://a.tile.openstreetmap.org/1/1/1.png"

				first := sampleSnapshot(id, "tile-a")
				first.Header.Set("X-Version", "a")
				if err := p.Put(ctx, id, first); err != nil {
					t.Fatalf("Put first failed: %v", err)
				}
				second := sampleSnapshot(id, "tile-b")
				if err := p.Put(ctx, id, second); err != nil {
					t.Fatalf("Put second failed: %v", err)
				}

				got, err := p.Match(ctx, id)
				if err != nil {
					t.Fatalf("Match returned error: %v", err)
				}
				assertSnapshotsEqual(t, second, got)
				if got.Header.Get("X-Version") != "" {
					t.Fatalf("expected headers from first entry to be gone, got %v", got.Header)
				}

				keys, err := p.Keys(ctx)
				if err != nil {
					t.Fatalf("Keys returned error: %v", err)
				}
				if len(keys) != 1 || keys[0] != id {
					t.Fatalf("expected exactly one entry, got %v", keys)
				}
			},
		},
		{
			name: "stored snapshots are isolated from callers",
			testFn: func(t *testing.T, s store.Store) {
				ctx := context.Background()
				p := mustOpen(t, s, "shell-v1")
				snap := sampleSnapshot("https://example.com/app.js", "console.log(1)")
				if err := p.Put(ctx, snap.URL, snap); err != nil {
					t.Fatalf("Put failed: %v", err)
				}
				snap.Body[0] = 'X'
				snap.Header.Set("Content-Type", "mutated")

				got, err := p.Match(ctx, snap.URL)
				if err != nil {
					t.Fatalf("Match failed: %v", err)
				}
				if string(got.Body) != "console.log(1)" {
					t.Fatalf("stored body was mutated: %q", got.Body)
				}
				got.Body[0] = 'Y'
				again, err := p.Match(ctx, snap.URL)
				if err != nil {
					t.Fatalf("Match failed: %v", err)
				}
				if string(again.Body) != "console.log(1)" {
					t.Fatalf("returned body aliases storage: %q", again.Body)
				}
				if again.Header.Get("Content-Type") != "text/plain" {
					t.Fatalf("stored header was mutated: %v", again.Header)
				}
			},
		},
		{
			name: "put all is atomic",
			testFn: func(t *testing.T, s store.Store) {
				ctx := context.Background()
				p := mustOpen(t, s, "shell-v2")

				bad := []store.Entry{
					{Identity: "https://example.com/", Snapshot: sampleSnapshot("https://example.com/", "root")},
					{Identity: "", Snapshot: sampleSnapshot("", "broken")},
				}
				if err := p.PutAll(ctx, bad); err == nil {
					t.Fatalf("expected PutAll to reject empty identity")
				}
				keys, err := p.Keys(ctx)
				if err != nil {
					t.Fatalf("Keys failed: %v", err)
				}
				if len(keys) != 0 {
					t.Fatalf("expected no entries after failed PutAll, got %v", keys)
				}

				good := []store.Entry{
					{Identity: "https://example.com/", Snapshot: sampleSnapshot("https://example.com/", "root")},
					{Identity: "https://example.com/index.html", Snapshot: sampleSnapshot("https://example.com/index.html", "index")},
				}
				if err := p.PutAll(ctx, good); err != nil {
					t.Fatalf("PutAll failed: %v", err)
				}
				keys, err = p.Keys(ctx)
				if err != nil {
					t.Fatalf("Keys failed: %v", err)
				}
				if len(keys) != 2 || keys[0] != "https://example.com/" || keys[1] != "https://example.com/index.html" {
					t.Fatalf("unexpected keys %v", keys)
				}
			},
		},
		{
			name: "keys lists partitions in order",
			testFn: func(t *testing.T, s store.Store) {
				ctx := context.Background()
				for _, name := range []string{"st-theresa-nav-v2", "map-tiles-cache", "st-theresa-nav-v1"} {
					mustOpen(t, s, name)
				}
				keys, err := s.Keys(ctx)
				if err != nil {
					t.Fatalf("Keys failed: %v", err)
				}
				want := []string{"map-tiles-cache", "st-theresa-nav-v1", "st-theresa-nav-v2"}
				if fmt.Sprint(keys) != fmt.Sprint(want) {
					t.Fatalf("expected %v, got %v", want, keys)
				}
				ok, err := s.Has(ctx, "st-theresa-nav-v1")
				if err != nil || !ok {
					t.Fatalf("expected Has true, got %v err=%v", ok, err)
				}
			},
		},
		{
			name: "delete removes partition and is idempotent",
			testFn: func(t *testing.T, s store.Store) {
				ctx := context.Background()
				p := mustOpen(t, s, "old-generation")
				snap := sampleSnapshot("https://example.com/", "old")
				if err := p.Put(ctx, snap.URL, snap); err != nil {
					t.Fatalf("Put failed: %v", err)
				}

				deleted, err := s.Delete(ctx, "old-generation")
				if err != nil || !deleted {
					t.Fatalf("expected delete to succeed, got %v err=%v", deleted, err)
				}
				deleted, err = s.Delete(ctx, "old-generation")
				if err != nil {
					t.Fatalf("second Delete returned error: %v", err)
				}
				if deleted {
					t.Fatalf("second Delete should report nothing deleted")
				}
				if ok, _ := s.Has(ctx, "old-generation"); ok {
					t.Fatalf("expected partition to be gone")
				}
				if _, err := p.Match(ctx, snap.URL); !errors.Is(err, store.ErrPartitionDeleted) {
					t.Fatalf("expected ErrPartitionDeleted on stale handle, got %v", err)
				}

				reopened := mustOpen(t, s, "old-generation")
				if _, err := reopened.Match(ctx, snap.URL); !errors.Is(err, store.ErrNotFound) {
					t.Fatalf("expected recreated partition to be empty, got %v", err)
				}
			},
		},
		{
			name: "entries are not shared across partitions",
			testFn: func(t *testing.T, s store.Store) {
				ctx := context.Background()
				a := mustOpen(t, s, "a")
				b := mustOpen(t, s, "b")
				snap := sampleSnapshot("https://example.com/", "only-a")
				if err := a.Put(ctx, snap.URL, snap); err != nil {
					t.Fatalf("Put failed: %v", err)
				}
				if _, err := b.Match(ctx, snap.URL); !errors.Is(err, store.ErrNotFound) {
					t.Fatalf("expected miss in other partition, got %v", err)
				}
			},
		},
		{
			name: "entry delete",
			testFn: func(t *testing.T, s store.Store) {
				ctx := context.Background()
				p := mustOpen(t, s, "tiles")
				snap := sampleSnapshot("https://example.com/t.png", "t")
				if err := p.Put(ctx, snap.URL, snap); err != nil {
					t.Fatalf("Put failed: %v", err)
				}
				ok, err := p.Delete(ctx, snap.URL)
				if err != nil || !ok {
					t.Fatalf("expected entry delete, got %v err=%v", ok, err)
				}
				ok, err = p.Delete(ctx, snap.URL)
				if err != nil || ok {
					t.Fatalf("expected no-op delete, got %v err=%v", ok, err)
				}
			},
		},
		{
			name: "concurrent puts resolve last write wins",
			testFn: func(t *testing.T, s store.Store) {
				ctx := context.Background()
				p := mustOpen(t, s, "tiles")
				id := "https://basemaps.cartocdn.com/light_all/1/0/0.png"

				var wg sync.WaitGroup
				for i := 0; i < 8; i++ {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						snap := sampleSnapshot(id, fmt.Sprintf("body-%d", i))
						if err := p.Put(ctx, id, snap); err != nil {
							t.Errorf("Put %d failed: %v", i, err)
						}
					}(i)
				}
				wg.Wait()

				keys, err := p.Keys(ctx)
				if err != nil {
					t.Fatalf("Keys failed: %v", err)
				}
				if len(keys) != 1 {
					t.Fatalf("expected one entry, got %v", keys)
				}
				if _, err := p.Match(ctx, id); err != nil {
					t.Fatalf("Match failed: %v", err)
				}
			},
		},
		{
			name: "cancelled context is rejected",
			testFn: func(t *testing.T, s store.Store) {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				if _, err := s.Open(ctx, "x"); !errors.Is(err, context.Canceled) {
					t.Fatalf("expected context.Canceled, got %v", err)
				}
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := factory(t)
			tc.testFn(t, s)
		})
	}
}

func mustOpen(t *testing.T, s store.Store, name string) store.Partition {
	t.Helper()
	p, err := s.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("Open(%q) failed: %v", name, err)
	}
	if p.Name() != name {
		t.Fatalf("expected partition name %q, got %q", name, p.Name())
	}
	return p
}

func sampleSnapshot(url, body string) store.Snapshot {
	return store.Snapshot{
		URL:        url,
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"text/plain"}},
		Body:       []byte(body),
		StoredAt:   time.Unix(1700000000, 0).UTC(),
	}
}

func assertSnapshotsEqual(t *testing.T, expected, actual store.Snapshot) {
	t.Helper()

	if expected.URL != actual.URL {
		t.Fatalf("url mismatch: expected %s got %s", expected.URL, actual.URL)
	}
	if expected.StatusCode != actual.StatusCode {
		t.Fatalf("status mismatch: expected %d got %d", expected.StatusCode, actual.StatusCode)
	}
	if string(expected.Body) != string(actual.Body) {
		t.Fatalf("body mismatch: expected %q got %q", expected.Body, actual.Body)
	}
	if expected.Header.Get("Content-Type") != actual.Header.Get("Content-Type") {
		t.Fatalf("content-type mismatch: expected %q got %q", expected.Header.Get("Content-Type"), actual.Header.Get("Content-Type"))
	}
	if !expected.StoredAt.IsZero() && !expected.StoredAt.Equal(actual.StoredAt) {
		t.Fatalf("stored_at mismatch: expected %s got %s", expected.StoredAt, actual.StoredAt)
	}
}
