// Package server exposes the interception proxy and the position API over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/valandreev/offlinenav/log"
	"github.com/valandreev/offlinenav/pkg/cache/fetch"
	"github.com/valandreev/offlinenav/pkg/cache/intercept"
	"github.com/valandreev/offlinenav/pkg/cache/lifecycle"
	"github.com/valandreev/offlinenav/pkg/catalog"
	"github.com/valandreev/offlinenav/pkg/geo"
)

const (
	// HeaderCache reports hit or miss for proxied responses.
	HeaderCache = "X-Offline-Cache"
	// HeaderStrategy reports the strategy applied to a proxied response.
	HeaderStrategy = "X-Offline-Strategy"

	maxRequestBody = 10 << 20
	writeTimeout   = 5 * time.Second
)

var serverLog = log.GetLogger("server")

// hop-by-hop headers are never forwarded in either direction.
var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Proxy-Connection", "Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// Lifecycle reports shell generation state.
type Lifecycle interface {
	Status() lifecycle.Status
	Generations(ctx context.Context) ([]string, error)
}

// Proxy serves intercepted requests.
type Proxy interface {
	Serve(ctx context.Context, req fetch.Request) (intercept.Result, error)
	Connectivity() intercept.Connectivity
}

// Tracker is the position state machine.
type Tracker interface {
	Status() geo.Status
	Current() (geo.Position, bool)
	Subscribe(buffer int) (<-chan geo.Event, func())
	Accept(ctx context.Context) error
	Decline(ctx context.Context) error
}

// FixSink accepts fixes pushed by the device.
type FixSink interface {
	Push(p geo.Position) (int, error)
}

// Deps are the components served over HTTP. Fixes may be nil.
type Deps struct {
	Lifecycle Lifecycle
	Proxy     Proxy
	Tracker   Tracker
	Fixes     FixSink
	Locations []catalog.Location
}

// Server routes the position API and proxies everything else.
type Server struct {
	origin *url.URL
	deps   Deps
	router *mux.Router
}

// New builds a server that resolves relative request paths against origin.
func New(origin *url.URL, deps Deps) (*Server, error) {
	if origin == nil || !origin.IsAbs() {
		return nil, errors.New("server: absolute origin is required")
	}
	if deps.Lifecycle == nil || deps.Proxy == nil || deps.Tracker == nil {
		return nil, errors.New("server: lifecycle, proxy and tracker are required")
	}
	s := &Server{origin: origin, deps: deps}
	s.router = s.routes()
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.SkipClean(true)

	api := r.PathPrefix("/_offline").MatcherFunc(localRequest).Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/position", s.handlePosition).Methods(http.MethodGet)
	api.HandleFunc("/position/stream", s.handleStream).Methods(http.MethodGet)
	api.HandleFunc("/position/fix", s.handleFix).Methods(http.MethodPost)
	api.HandleFunc("/prompt/accept", s.handlePrompt(true)).Methods(http.MethodPost)
	api.HandleFunc("/prompt/decline", s.handlePrompt(false)).Methods(http.MethodPost)
	api.HandleFunc("/locations", s.handleLocations).Methods(http.MethodGet)
	api.HandleFunc("/locations/{id}", s.handleLocation).Methods(http.MethodGet)

	r.PathPrefix("/").HandlerFunc(s.handleProxy)
	return r
}

// localRequest excludes forward-proxy requests from the API routes.
func localRequest(r *http.Request, _ *mux.RouteMatch) bool {
	return !r.URL.IsAbs()
}

type statusResponse struct {
	Lifecycle    lifecycle.Status       `json:"lifecycle"`
	Generations  []string               `json:"generations"`
	Connectivity intercept.Connectivity `json:"connectivity"`
	Tracker      geo.Status             `json:"tracker"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	gens, err := s.deps.Lifecycle.Generations(r.Context())
	if err != nil {
		serverLog.Warnf("list generations: %v", err)
		gens = []string{}
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Lifecycle:    s.deps.Lifecycle.Status(),
		Generations:  gens,
		Connectivity: s.deps.Proxy.Connectivity(),
		Tracker:      s.deps.Tracker.Status(),
	})
}

func (s *Server) handlePosition(w http.ResponseWriter, _ *http.Request) {
	pos, ok := s.deps.Tracker.Current()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, geo.Event{Latitude: pos.Latitude, Longitude: pos.Longitude})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{s.origin.Host}})
	if err != nil {
		serverLog.Warnf("position stream accept: %v", err)
		return
	}
	defer conn.CloseNow()

	events, cancel := s.deps.Tracker.Subscribe(16)
	defer cancel()

	ctx := conn.CloseRead(r.Context())
	if pos, ok := s.deps.Tracker.Current(); ok {
		if err := writeEvent(ctx, conn, geo.Event{Latitude: pos.Latitude, Longitude: pos.Longitude}); err != nil {
			return
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "tracker stopped")
				return
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				serverLog.Debugf("position stream write: %v", err)
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev geo.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

type fixRequest struct {
	Latitude   *float64  `json:"latitude"`
	Longitude  *float64  `json:"longitude"`
	CapturedAt time.Time `json:"captured_at"`
}

func (s *Server) handleFix(w http.ResponseWriter, r *http.Request) {
	if s.deps.Fixes == nil {
		writeError(w, http.StatusNotImplemented, "device fixes are not accepted")
		return
	}
	var req fixRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid fix: "+err.Error())
		return
	}
	if req.Latitude == nil || req.Longitude == nil {
		writeError(w, http.StatusBadRequest, "latitude and longitude are required")
		return
	}
	n, err := s.deps.Fixes.Push(geo.Position{Latitude: *req.Latitude, Longitude: *req.Longitude, CapturedAt: req.CapturedAt})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"watchers": n})
}

func (s *Server) handlePrompt(accept bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		if accept {
			err = s.deps.Tracker.Accept(r.Context())
		} else {
			err = s.deps.Tracker.Decline(r.Context())
		}
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, s.deps.Tracker.Status())
		case errors.Is(err, geo.ErrInvalidTransition):
			writeError(w, http.StatusConflict, "no location prompt is pending")
		case errors.Is(err, geo.ErrStopped):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
	}
}

func (s *Server) handleLocations(w http.ResponseWriter, _ *http.Request) {
	locs := s.deps.Locations
	if locs == nil {
		locs = []catalog.Location{}
	}
	writeJSON(w, http.StatusOK, locs)
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	loc, ok := catalog.Find(s.deps.Locations, mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "unknown location")
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	target := s.target(r)

	var body []byte
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, "read request body: "+err.Error())
			return
		}
		body = data
	}
	header := r.Header.Clone()
	stripHop(header)

	res, err := s.deps.Proxy.Serve(r.Context(), fetch.Request{
		Method: r.Method,
		URL:    target,
		Header: header,
		Body:   body,
	})
	if err != nil {
		serverLog.Debugf("proxy %s %s: %v", r.Method, target, err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	out := w.Header()
	for k, vs := range res.Snapshot.Header {
		out[k] = append([]string(nil), vs...)
	}
	stripHop(out)
	out.Del("Content-Length")
	out.Set("Content-Length", strconv.Itoa(len(res.Snapshot.Body)))
	if res.Source == intercept.SourceCache {
		out.Set(HeaderCache, "hit")
	} else {
		out.Set(HeaderCache, "miss")
	}
	out.Set(HeaderStrategy, string(res.Strategy))

	status := res.Snapshot.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(res.Snapshot.Body)
	}
}

// target uses an absolute request URI as-is and resolves anything else
// against the origin.
func (s *Server) target(r *http.Request) *url.URL {
	if r.URL.IsAbs() {
		u := *r.URL
		return &u
	}
	return s.origin.ResolveReference(&url.URL{Path: r.URL.Path, RawPath: r.URL.RawPath, RawQuery: r.URL.RawQuery})
}

func stripHop(h http.Header) {
	for _, k := range hopHeaders {
		h.Del(k)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		serverLog.Debugf("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ListenAndServe serves h on addr until ctx is done, then shuts down gracefully.
func ListenAndServe(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		serverLog.Infof("listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
