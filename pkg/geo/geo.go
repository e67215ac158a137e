// Package geo drives geolocation permission and tracking for the host device.
package geo

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInvalidTransition is returned for prompt answers outside the prompting state.
	ErrInvalidTransition = errors.New("geo: invalid transition")
	// ErrTimeout is delivered when no fix arrives within the watch timeout.
	ErrTimeout = errors.New("geo: position timeout")
	// ErrStopped is returned once the tracker loop has exited.
	ErrStopped = errors.New("geo: tracker stopped")
	// ErrInvalidPosition rejects coordinates outside WGS84 bounds.
	ErrInvalidPosition = errors.New("geo: invalid position")
)

// Permission is the host's geolocation permission state.
type Permission string

const (
	PermissionUnknown Permission = "unknown"
	PermissionPrompt  Permission = "prompt"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// State is the tracker phase.
type State string

const (
	StateIdle               State = "idle"
	StateQueryingPermission State = "querying-permission"
	StatePrompting          State = "prompting"
	StateSubscribing        State = "subscribing"
	StateTracking           State = "tracking"
	StateError              State = "error"
)

// Position is a single location sample.
type Position struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	CapturedAt time.Time `json:"captured_at"`
}

// Validate checks coordinate bounds.
func (p Position) Validate() error {
	if p.Latitude < -90 || p.Latitude > 90 || p.Longitude < -180 || p.Longitude > 180 {
		return ErrInvalidPosition
	}
	return nil
}

// Event is what consumers receive for each accepted sample.
type Event struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (p Position) event() Event {
	return Event{Latitude: p.Latitude, Longitude: p.Longitude}
}

// WatchOptions are passed verbatim to the locator.
type WatchOptions struct {
	HighAccuracy bool
	Timeout      time.Duration
	// MaximumAge of zero forbids serving any cached fix.
	MaximumAge time.Duration
}

// DefaultWatchOptions requests high-accuracy fresh fixes with a 10s timeout.
func DefaultWatchOptions() WatchOptions {
	return WatchOptions{HighAccuracy: true, Timeout: 10 * time.Second, MaximumAge: 0}
}

// Update is one locator outcome: a position or an error.
type Update struct {
	Position Position
	Err      error
}

// Permissions queries the current permission state.
type Permissions interface {
	Query(ctx context.Context) (Permission, error)
}

// Locator streams position updates until ctx is cancelled. The channel is
// closed when the watch ends.
type Locator interface {
	Watch(ctx context.Context, opts WatchOptions) (<-chan Update, error)
}

// StaticPermissions reports a fixed permission configured for the device.
type StaticPermissions struct {
	State Permission
	Err   error
}

func (s StaticPermissions) Query(ctx context.Context) (Permission, error) {
	if err := ctx.Err(); err != nil {
		return PermissionUnknown, err
	}
	if s.Err != nil {
		return PermissionUnknown, s.Err
	}
	if s.State == "" {
		return PermissionUnknown, nil
	}
	return s.State, nil
}
