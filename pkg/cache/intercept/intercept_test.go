package intercept_test

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/valandreev/offlinenav/pkg/cache/fetch"
	"github.com/valandreev/offlinenav/pkg/cache/intercept"
	"github.com/valandreev/offlinenav/pkg/cache/store"
	"github.com/valandreev/offlinenav/pkg/cache/store/memory"
)

const tilePartition = "map-tiles-cache"

const tileURL = "https://a.basemaps.cartocdn.com/light_all/15/9650/12318.png"

type stubGenerations struct {
	partition store.Partition
}

func (s stubGenerations) Live(context.Context) (store.Partition, bool, error) {
	return s.partition, s.partition != nil, nil
}

type scriptedFetcher struct {
	mu     sync.Mutex
	body   string
	status int
	err    error
	gate   chan struct{}
	calls  atomic.Int64
}

func (f *scriptedFetcher) respond(body string, status int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.body, f.status, f.err = body, status, err
}

func (f *scriptedFetcher) Fetch(ctx context.Context, req fetch.Request) (store.Snapshot, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return store.Snapshot{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return store.Snapshot{}, f.err
	}
	status := f.status
	if status == 0 {
		status = http.StatusOK
	}
	return store.Snapshot{URL: req.URL.String(), StatusCode: status, Body: []byte(f.body)}, nil
}

func newInterceptor(t *testing.T, s store.Store, gens intercept.Generations, f fetch.Fetcher) *intercept.Interceptor {
	t.Helper()
	i, err := intercept.New(intercept.Config{
		TilePartition: tilePartition,
		TileHosts:     []string{"basemaps.cartocdn.com", "tile.openstreetmap.org"},
	}, s, gens, f)
	if err != nil {
		t.Fatalf("new interceptor: %v", err)
	}
	t.Cleanup(i.Wait)
	return i
}

func TestClassify(t *testing.T) {
	i := newInterceptor(t, memory.New(), stubGenerations{}, &scriptedFetcher{})

	cases := []struct {
		method string
		raw    string
		want   intercept.Strategy
	}{
		{http.MethodGet, tileURL, intercept.StrategyTile},
		{http.MethodGet, "https://b.tile.openstreetmap.org:443/1/1/1.png", intercept.StrategyTile},
		{http.MethodGet, "https://TILE.OpenStreetMap.org/2/1/1.png", intercept.StrategyTile},
		{http.MethodGet, "http://localhost:3000/index.html", intercept.StrategyShell},
		{http.MethodGet, "https://unpkg.com/leaflet@1.9.4/dist/leaflet.js", intercept.StrategyShell},
		{http.MethodPost, tileURL, intercept.StrategyBypass},
	}
	for _, tc := range cases {
		req := fetch.Request{Method: tc.method, URL: mustURL(tc.raw)}
		if got := i.Classify(req); got != tc.want {
			t.Fatalf("Classify(%s %s) = %s, want %s", tc.method, tc.raw, got, tc.want)
		}
	}
}

func TestTileMissFetchesAndStores(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	f := &scriptedFetcher{}
	f.respond("fresh", http.StatusOK, nil)
	i := newInterceptor(t, s, stubGenerations{}, f)

	res, err := i.Serve(ctx, fetch.Get(mustURL(tileURL)))
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if res.Source != intercept.SourceNetwork || res.Strategy != intercept.StrategyTile || string(res.Snapshot.Body) != "fresh" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := tileBody(t, s); got != "fresh" {
		t.Fatalf("expected the miss response to be stored, got %q", got)
	}
	if f.calls.Load() != 1 {
		t.Fatalf("expected exactly one fetch, got %d", f.calls.Load())
	}
}

func TestTileHitServesStaleThenConverges(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	seedTile(t, s, "stale")
	f := &scriptedFetcher{}
	f.respond("fresh", http.StatusOK, nil)
	i := newInterceptor(t, s, stubGenerations{}, f)

	res, err := i.Serve(ctx, fetch.Get(mustURL(tileURL)))
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if res.Source != intercept.SourceCache || string(res.Snapshot.Body) != "stale" {
		t.Fatalf("expected stale cached tile, got %+v", res)
	}

	i.Wait()
	res, err = i.Serve(ctx, fetch.Get(mustURL(tileURL)))
	if err != nil {
		t.Fatalf("second Serve: %v", err)
	}
	if string(res.Snapshot.Body) != "fresh" {
		t.Fatalf("expected refreshed tile on next lookup, got %q", res.Snapshot.Body)
	}
	i.Wait()
	if f.calls.Load() != 2 {
		t.Fatalf("expected one refresh per request, got %d", f.calls.Load())
	}
}

func TestTileHitReturnsBeforeRefreshCompletes(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	seedTile(t, s, "stale")
	f := &scriptedFetcher{gate: make(chan struct{})}
	f.respond("fresh", http.StatusOK, nil)
	i := newInterceptor(t, s, stubGenerations{}, f)

	served := make(chan intercept.Result, 1)
	go func() {
		res, err := i.Serve(ctx, fetch.Get(mustURL(tileURL)))
		if err != nil {
			t.Errorf("Serve: %v", err)
		}
		served <- res
	}()

	select {
	case res := <-served:
		if string(res.Snapshot.Body) != "stale" {
			t.Fatalf("expected stale body, got %q", res.Snapshot.Body)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("cache hit blocked on the network refresh")
	}
	if got := tileBody(t, s); got != "stale" {
		t.Fatalf("refresh must not land before the fetch resolves, got %q", got)
	}

	close(f.gate)
	i.Wait()
	if got := tileBody(t, s); got != "fresh" {
		t.Fatalf("expected refresh to replace the entry, got %q", got)
	}
}

func TestTileMissPropagatesFetchError(t *testing.T) {
	offline := errors.New("dial tcp: network unreachable")
	f := &scriptedFetcher{}
	f.respond("", 0, offline)
	s := memory.New()
	i := newInterceptor(t, s, stubGenerations{}, f)

	_, err := i.Serve(context.Background(), fetch.Get(mustURL(tileURL)))
	if err != offline {
		t.Fatalf("expected the fetch error unmodified, got %v", err)
	}
	p, _ := s.Open(context.Background(), tilePartition)
	if keys, _ := p.Keys(context.Background()); len(keys) != 0 {
		t.Fatalf("failed fetch must store nothing, got %v", keys)
	}
	if !i.Offline() {
		t.Fatalf("expected interceptor to report offline")
	}
}

func TestTileHitSwallowsRefreshFailure(t *testing.T) {
	s := memory.New()
	seedTile(t, s, "stale")
	f := &scriptedFetcher{}
	f.respond("", 0, errors.New("offline"))
	i := newInterceptor(t, s, stubGenerations{}, f)

	res, err := i.Serve(context.Background(), fetch.Get(mustURL(tileURL)))
	if err != nil {
		t.Fatalf("expected the hit to be served despite the refresh failing, got %v", err)
	}
	if string(res.Snapshot.Body) != "stale" {
		t.Fatalf("unexpected body %q", res.Snapshot.Body)
	}
	i.Wait()
	if got := tileBody(t, s); got != "stale" {
		t.Fatalf("failed refresh must leave the entry untouched, got %q", got)
	}
}

func TestTileStoresErrorResponses(t *testing.T) {
	s := memory.New()
	f := &scriptedFetcher{}
	f.respond("not found", http.StatusNotFound, nil)
	i := newInterceptor(t, s, stubGenerations{}, f)

	res, err := i.Serve(context.Background(), fetch.Get(mustURL(tileURL)))
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if res.Snapshot.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 passthrough, got %d", res.Snapshot.StatusCode)
	}
	if got := tileBody(t, s); got != "not found" {
		t.Fatalf("expected 404 to be stored, got %q", got)
	}
}

func TestConcurrentTileRequestsEachFetch(t *testing.T) {
	s := memory.New()
	seedTile(t, s, "stale")
	f := &scriptedFetcher{}
	f.respond("fresh", http.StatusOK, nil)
	i := newInterceptor(t, s, stubGenerations{}, f)

	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := i.Serve(context.Background(), fetch.Get(mustURL(tileURL))); err != nil {
				t.Errorf("Serve: %v", err)
			}
		}()
	}
	wg.Wait()
	i.Wait()
	if f.calls.Load() != 2 {
		t.Fatalf("expected two independent fetches, got %d", f.calls.Load())
	}
	if got := tileBody(t, s); got != "fresh" {
		t.Fatalf("expected converged entry, got %q", got)
	}
}

func TestShellHitUsesNoNetwork(t *testing.T) {
	live := seedShell(t, memory.New(), "http://localhost:3000/index.html", "<html>")
	f := &scriptedFetcher{}
	f.respond("", 0, errors.New("offline"))
	i := newInterceptor(t, memory.New(), stubGenerations{partition: live}, f)

	res, err := i.Serve(context.Background(), fetch.Get(mustURL("http://LOCALHOST:3000/index.html#top")))
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if res.Source != intercept.SourceCache || string(res.Snapshot.Body) != "<html>" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if f.calls.Load() != 0 {
		t.Fatalf("shell hit must not touch the network")
	}
}

func TestShellMissIsNotWrittenBack(t *testing.T) {
	ctx := context.Background()
	live := seedShell(t, memory.New(), "http://localhost:3000/index.html", "<html>")
	f := &scriptedFetcher{}
	f.respond("api payload", http.StatusOK, nil)
	i := newInterceptor(t, memory.New(), stubGenerations{partition: live}, f)

	res, err := i.Serve(ctx, fetch.Get(mustURL("http://localhost:3000/api/rooms")))
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if res.Source != intercept.SourceNetwork || string(res.Snapshot.Body) != "api payload" {
		t.Fatalf("unexpected result: %+v", res)
	}
	keys, _ := live.Keys(ctx)
	if len(keys) != 1 {
		t.Fatalf("shell miss must not be written back, got %v", keys)
	}
}

func TestShellBeforeActivationGoesToNetwork(t *testing.T) {
	offline := errors.New("offline")
	f := &scriptedFetcher{}
	f.respond("", 0, offline)
	i := newInterceptor(t, memory.New(), stubGenerations{}, f)

	_, err := i.Serve(context.Background(), fetch.Get(mustURL("http://localhost:3000/")))
	if !errors.Is(err, offline) {
		t.Fatalf("expected fetch error, got %v", err)
	}
	if f.calls.Load() != 1 {
		t.Fatalf("expected one network attempt, got %d", f.calls.Load())
	}
}

func TestNonGetBypassesCaches(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	seedTile(t, s, "stale")
	f := &scriptedFetcher{}
	f.respond("posted", http.StatusCreated, nil)
	i := newInterceptor(t, s, stubGenerations{}, f)

	res, err := i.Serve(ctx, fetch.Request{Method: http.MethodPost, URL: mustURL(tileURL)})
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if res.Strategy != intercept.StrategyBypass || res.Snapshot.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := tileBody(t, s); got != "stale" {
		t.Fatalf("bypass must not touch the tile cache, got %q", got)
	}
}

func seedTile(t *testing.T, s store.Store, body string) {
	t.Helper()
	p, err := s.Open(context.Background(), tilePartition)
	if err != nil {
		t.Fatalf("open tiles: %v", err)
	}
	snap := store.Snapshot{URL: tileURL, StatusCode: http.StatusOK, Body: []byte(body)}
	if err := p.Put(context.Background(), store.Identity(mustURL(tileURL)), snap); err != nil {
		t.Fatalf("seed tile: %v", err)
	}
}

func tileBody(t *testing.T, s store.Store) string {
	t.Helper()
	p, err := s.Open(context.Background(), tilePartition)
	if err != nil {
		t.Fatalf("open tiles: %v", err)
	}
	snap, err := p.Match(context.Background(), store.Identity(mustURL(tileURL)))
	if err != nil {
		t.Fatalf("match tile: %v", err)
	}
	return string(snap.Body)
}

func seedShell(t *testing.T, s store.Store, raw, body string) store.Partition {
	t.Helper()
	p, err := s.Open(context.Background(), "st-theresa-nav-v1")
	if err != nil {
		t.Fatalf("open shell: %v", err)
	}
	snap := store.Snapshot{URL: raw, StatusCode: http.StatusOK, Body: []byte(body)}
	if err := p.Put(context.Background(), store.Identity(mustURL(raw)), snap); err != nil {
		t.Fatalf("seed shell: %v", err)
	}
	return p
}

func mustURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		panic(err)
	}
	return u
}
