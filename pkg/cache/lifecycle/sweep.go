package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/valandreev/offlinenav/pkg/cache/store"
)

// ErrSweepIncomplete indicates that some stale partitions could not be deleted.
var ErrSweepIncomplete = errors.New("cache lifecycle: sweep incomplete")

// SweepReport summarises an activation sweep.
type SweepReport struct {
	Before  []string `json:"before"`
	Deleted []string `json:"deleted"`
	Kept    []string `json:"kept"`
}

// Sweep deletes every partition whose name is not listed in keep. Failed
// deletions are logged and reported together once the pass completes.
func Sweep(ctx context.Context, s store.Store, logger Logger, keep ...string) (SweepReport, error) {
	if logger == nil {
		logger = defaultLogger()
	}
	report := SweepReport{}

	names, err := s.Keys(ctx)
	if err != nil {
		return report, fmt.Errorf("list partitions: %w", err)
	}
	report.Before = names

	retain := make(map[string]struct{}, len(keep))
	for _, name := range keep {
		if name != "" {
			retain[name] = struct{}{}
		}
	}

	var failures []error
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if _, ok := retain[name]; ok {
			report.Kept = append(report.Kept, name)
			continue
		}
		deleted, err := s.Delete(ctx, name)
		if err != nil {
			logger.Errorf("sweep: delete partition %s failed: %v", name, err)
			failures = append(failures, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if deleted {
			logger.Infof("sweep: deleted stale partition %s", name)
			report.Deleted = append(report.Deleted, name)
		}
	}

	if len(failures) > 0 {
		return report, fmt.Errorf("%w: %w", ErrSweepIncomplete, errors.Join(failures...))
	}
	return report, nil
}
