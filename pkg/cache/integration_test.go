package cache_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/valandreev/offlinenav/pkg/cache/fetch"
	"github.com/valandreev/offlinenav/pkg/cache/intercept"
	"github.com/valandreev/offlinenav/pkg/cache/lifecycle"
	"github.com/valandreev/offlinenav/pkg/cache/store/bbolt"
)

// TestOfflineRoundTripWithBbolt installs a shell from a live origin, takes the
// origin down and checks that the shell and previously seen tiles still serve.
func TestOfflineRoundTripWithBbolt(t *testing.T) {
	ctx := context.Background()

	var online atomic.Bool
	online.Store(true)
	var users atomic.Int64
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !online.Load() {
			// Simulate a dead network by dropping the connection.
			hj, ok := w.(http.Hijacker)
			if ok {
				conn, _, _ := hj.Hijack()
				_ = conn.Close()
				return
			}
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		users.Add(1)
		switch {
		case strings.HasPrefix(r.URL.Path, "/tiles/"):
			_, _ = w.Write([]byte("tile:" + r.URL.Path))
		default:
			_, _ = w.Write([]byte("shell:" + r.URL.Path))
		}
	}))
	defer origin.Close()

	originURL, err := url.Parse(origin.URL)
	if err != nil {
		t.Fatalf("parse origin: %v", err)
	}
	tileHost := originURL.Hostname()

	dbPath := filepath.Join(t.TempDir(), "cache.db")
	s, err := bbolt.Open(dbPath, bbolt.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	fetcher := fetch.NewHTTPFetcher(fetch.Options{})
	manager, err := lifecycle.New(lifecycle.Config{TilePartition: "map-tiles-cache", Origin: originURL}, s, fetcher)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	gen := lifecycle.Generation{Version: "st-theresa-nav-v1", Manifest: []string{"/", "/index.html", "/manifest.json"}}
	if _, err := manager.Deploy(ctx, gen); err != nil {
		t.Fatalf("deploy: %v", err)
	}

	// Tiles are addressed by the origin host here; the interceptor treats
	// them as tiles because the host is configured as a tile provider.
	interceptor, err := intercept.New(intercept.Config{
		TilePartition: "map-tiles-cache",
		TileHosts:     []string{tileHost},
	}, s, manager, fetcher)
	if err != nil {
		t.Fatalf("new interceptor: %v", err)
	}
	tile, _ := url.Parse(origin.URL + "/tiles/15/1/2.png")
	if _, err := interceptor.Serve(ctx, fetch.Get(tile)); err != nil {
		t.Fatalf("warm tile: %v", err)
	}
	interceptor.Wait()

	online.Store(false)

	res, err := interceptor.Serve(ctx, fetch.Get(tile))
	if err != nil {
		t.Fatalf("offline tile serve: %v", err)
	}
	if res.Source != intercept.SourceCache || string(res.Snapshot.Body) != "tile:/tiles/15/1/2.png" {
		t.Fatalf("unexpected offline tile result: %+v", res)
	}
	interceptor.Wait()
	if !interceptor.Offline() {
		t.Fatalf("expected the failed refresh to mark the interceptor offline")
	}

	// Every origin path classifies as a tile here, so read the shell directly.
	live, ok, err := manager.Live(ctx)
	if err != nil || !ok {
		t.Fatalf("expected live generation, ok=%v err=%v", ok, err)
	}
	snap, err := live.Match(ctx, strings.TrimSuffix(origin.URL, "/")+"/index.html")
	if err != nil {
		t.Fatalf("shell entry missing offline: %v", err)
	}
	if string(snap.Body) != "shell:/index.html" {
		t.Fatalf("unexpected shell body %q", snap.Body)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	// A restarted daemon resumes the stored generation without the network.
	s, err = bbolt.Open(dbPath, bbolt.Options{})
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer func() { _ = s.Close() }()

	restarted, err := lifecycle.New(lifecycle.Config{TilePartition: "map-tiles-cache", Origin: originURL}, s, fetcher)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	before := users.Load()
	resumed, err := restarted.Resume(ctx, gen)
	if err != nil || !resumed {
		t.Fatalf("expected resume, resumed=%v err=%v", resumed, err)
	}
	if users.Load() != before {
		t.Fatalf("resume must not contact the origin")
	}
	gens, err := restarted.Generations(ctx)
	if err != nil {
		t.Fatalf("generations: %v", err)
	}
	if len(gens) != 1 || gens[0] != "st-theresa-nav-v1" {
		t.Fatalf("unexpected generations %v", gens)
	}
}
