package lifecycle_test

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/valandreev/offlinenav/pkg/cache/lifecycle"
	"github.com/valandreev/offlinenav/pkg/cache/store"
	"github.com/valandreev/offlinenav/pkg/cache/store/memory"
)

type failingDeleteStore struct {
	store.Store
	fail string
}

func (s failingDeleteStore) Delete(ctx context.Context, name string) (bool, error) {
	if name == s.fail {
		return false, errors.New("disk busy")
	}
	return s.Store.Delete(ctx, name)
}

func TestSweepKeepsListedPartitions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := memory.New()
	for _, name := range []string{"a", "b", "c", tilePartition} {
		seedPartition(t, s, name, "http://localhost/")
	}

	report, err := lifecycle.Sweep(ctx, s, nil, "b", tilePartition)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if !reflect.DeepEqual(report.Deleted, []string{"a", "c"}) {
		t.Fatalf("unexpected deleted: %v", report.Deleted)
	}
	if !reflect.DeepEqual(report.Kept, []string{"b", tilePartition}) {
		t.Fatalf("unexpected kept: %v", report.Kept)
	}
	if len(report.Before) != 4 {
		t.Fatalf("expected 4 partitions before sweep, got %v", report.Before)
	}
}

func TestSweepReportsFailuresAfterFullPass(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mem := memory.New()
	for _, name := range []string{"a", "b", "keep"} {
		seedPartition(t, mem, name, "http://localhost/")
	}

	report, err := lifecycle.Sweep(ctx, failingDeleteStore{Store: mem, fail: "a"}, nil, "keep")
	if !errors.Is(err, lifecycle.ErrSweepIncomplete) {
		t.Fatalf("expected ErrSweepIncomplete, got %v", err)
	}
	if !reflect.DeepEqual(report.Deleted, []string{"b"}) {
		t.Fatalf("expected b to be deleted despite a failing, got %v", report.Deleted)
	}
}
