package geo_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/valandreev/offlinenav/pkg/geo"
)

func TestPushLocatorDeliversFixes(t *testing.T) {
	loc := geo.NewPushLocator()
	defer loc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates, err := loc.Watch(ctx, geo.DefaultWatchOptions())
	require.NoError(t, err)

	n, err := loc.Push(geo.Position{Latitude: 18.2814, Longitude: 83.5415})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	select {
	case u := <-updates:
		require.NoError(t, u.Err)
		require.Equal(t, 18.2814, u.Position.Latitude)
		require.False(t, u.Position.CapturedAt.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("fix not delivered")
	}
}

func TestPushLocatorTimeout(t *testing.T) {
	loc := geo.NewPushLocator()
	defer loc.Close()

	updates, err := loc.Watch(context.Background(), geo.WatchOptions{HighAccuracy: true, Timeout: 30 * time.Millisecond})
	require.NoError(t, err)

	select {
	case u := <-updates:
		require.ErrorIs(t, u.Err, geo.ErrTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout not reported")
	}
	_, open := <-updates
	require.False(t, open, "watch ends after a timeout")
	require.Eventually(t, func() bool { return loc.Watchers() == 0 }, time.Second, 5*time.Millisecond)
}

func TestPushLocatorRejectsFixesOlderThanWatch(t *testing.T) {
	loc := geo.NewPushLocator()
	defer loc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates, err := loc.Watch(ctx, geo.WatchOptions{Timeout: time.Second})
	require.NoError(t, err)

	_, err = loc.Push(geo.Position{Latitude: 1, Longitude: 1, CapturedAt: time.Now().Add(-time.Minute)})
	require.NoError(t, err)
	_, err = loc.Push(geo.Position{Latitude: 2, Longitude: 2, CapturedAt: time.Now().Add(time.Millisecond)})
	require.NoError(t, err)

	select {
	case u := <-updates:
		require.NoError(t, u.Err)
		require.Equal(t, 2.0, u.Position.Latitude)
	case <-time.After(2 * time.Second):
		t.Fatal("fresh fix not delivered")
	}
}

func TestPushLocatorValidatesCoordinates(t *testing.T) {
	loc := geo.NewPushLocator()
	defer loc.Close()

	_, err := loc.Push(geo.Position{Latitude: 91, Longitude: 0})
	require.ErrorIs(t, err, geo.ErrInvalidPosition)
}

func TestTrackerWithPushLocatorTimesOut(t *testing.T) {
	loc := geo.NewPushLocator()
	defer loc.Close()

	tr := geo.NewTracker(geo.StaticPermissions{State: geo.PermissionGranted}, loc,
		geo.WithWatchOptions(geo.WatchOptions{HighAccuracy: true, Timeout: 30 * time.Millisecond}))
	startTracker(t, tr)

	waitForState(t, tr, geo.StateError)
	require.Equal(t, geo.ErrTimeout.Error(), tr.Status().Reason)
}
