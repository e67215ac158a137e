package fetch_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/valandreev/offlinenav/pkg/cache/fetch"
	"github.com/valandreev/offlinenav/pkg/cache/store"
)

func TestHTTPFetcherCapturesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "image/png" {
			t.Errorf("expected forwarded Accept header, got %q", r.Header.Get("Accept"))
		}
		w.Header().Set("Content-Type", "image/png")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("tile-bytes"))
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL + "/1/2/3.png")
	req := fetch.Get(u)
	req.Header = http.Header{"Accept": {"image/png"}}

	snap, err := fetch.NewHTTPFetcher(fetch.Options{}).Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if snap.StatusCode != http.StatusOK || string(snap.Body) != "tile-bytes" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.Header.Get("Content-Type") != "image/png" {
		t.Fatalf("expected content type to be captured, got %q", snap.Header.Get("Content-Type"))
	}
	if snap.URL != u.String() {
		t.Fatalf("expected url %s, got %s", u, snap.URL)
	}
}

func TestHTTPFetcherReturnsErrorStatusesAsSnapshots(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL + "/missing")
	snap, err := fetch.NewHTTPFetcher(fetch.Options{}).Fetch(context.Background(), fetch.Get(u))
	if err != nil {
		t.Fatalf("expected a 404 to resolve, got error %v", err)
	}
	if snap.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", snap.StatusCode)
	}
	if err := fetch.RequireOK(snap); !errors.Is(err, fetch.ErrBadStatus) {
		t.Fatalf("expected ErrBadStatus, got %v", err)
	}
}

func TestHTTPFetcherTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	u, _ := url.Parse(srv.URL)
	f := fetch.NewHTTPFetcher(fetch.Options{Timeout: 50 * time.Millisecond})
	if _, err := f.Fetch(context.Background(), fetch.Get(u)); err == nil {
		t.Fatalf("expected timeout error")
	}
}

func TestHTTPFetcherRejectsOversizedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("0123456789"))
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	_, err := fetch.NewHTTPFetcher(fetch.Options{MaxBodyBytes: 4}).Fetch(context.Background(), fetch.Get(u))
	if !errors.Is(err, fetch.ErrBodyTooLarge) {
		t.Fatalf("expected ErrBodyTooLarge, got %v", err)
	}
}

func TestHTTPFetcherAcceptsBodyAtLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("0123456789"))
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	snap, err := fetch.NewHTTPFetcher(fetch.Options{MaxBodyBytes: 10}).Fetch(context.Background(), fetch.Get(u))
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if string(snap.Body) != "0123456789" {
		t.Fatalf("expected full body, got %q", snap.Body)
	}
}

func TestFetcherFunc(t *testing.T) {
	want := errors.New("offline")
	f := fetch.FetcherFunc(func(context.Context, fetch.Request) (store.Snapshot, error) {
		return store.Snapshot{}, want
	})
	if _, err := f.Fetch(context.Background(), fetch.Request{}); !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}
