package launcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// registry holds the runners shared by every inline launcher of a
// dispatcher, plus the flag that stops inline execution from nesting.
type registry struct {
	mu      sync.RWMutex
	runners map[Kind]Runner
	active  atomic.Bool
}

func (r *registry) get(kind Kind) (Runner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runner, ok := r.runners[kind]
	return runner, ok
}

// InlineLauncher runs a bounded slice of the job in the calling goroutine.
type InlineLauncher struct {
	reg    *registry
	budget Budget
}

// Launch runs the job inline. A call made while another inline execution
// of the same dispatcher is in progress is skipped.
func (l *InlineLauncher) Launch(ctx context.Context, job Job) (Outcome, error) {
	runner, ok := l.reg.get(job.Kind)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrNoRunner, job.Kind)
	}
	if l.budget.MaxIterations <= 0 {
		return Outcome{Mode: ModeSkipped}, nil
	}
	if !l.reg.active.CompareAndSwap(false, true) {
		return Outcome{Mode: ModeSkipped}, nil
	}
	defer l.reg.active.Store(false)

	if l.budget.MaxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.budget.MaxDuration)
		defer cancel()
	}

	processed, err := runner.RunInline(ctx, job, l.budget)
	return Outcome{Mode: ModeInline, Processed: processed}, err
}
