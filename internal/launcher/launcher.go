// Package launcher gets worker loops running outside the current request
// when the host allows it, and runs them inline when it does not.
package launcher

import (
	"context"
	"errors"
	"strconv"
	"time"
)

// Kind names a worker loop.
type Kind string

const (
	KindPromotion Kind = "promotion"
	KindCrowd     Kind = "crowd"
)

// Execution modes reported in an Outcome.
const (
	ModeProcess = "process"
	ModeInline  = "inline"
	ModeSkipped = "skipped"
)

// ErrNoRunner is returned when no runner is registered for a job kind.
var ErrNoRunner = errors.New("no runner registered for job kind")

// Job identifies the work a launch should perform. Zero ids mean "any".
type Job struct {
	Kind   Kind
	RunID  int64
	TaskID int64
}

// Args renders the CLI arguments that run job in a separate process.
func (j Job) Args() []string {
	switch j.Kind {
	case KindPromotion:
		return []string{"worker", strconv.FormatInt(j.RunID, 10)}
	case KindCrowd:
		args := []string{"crowd"}
		if j.RunID > 0 {
			args = append(args, "--run="+strconv.FormatInt(j.RunID, 10))
		}
		if j.TaskID > 0 {
			args = append(args, strconv.FormatInt(j.TaskID, 10))
		}
		return args
	default:
		return nil
	}
}

// Budget caps one inline execution.
type Budget struct {
	MaxIterations int
	MaxDuration   time.Duration
	// StopWhenIdle ends the loop after the first iteration that did nothing.
	StopWhenIdle bool
}

// Runner executes a bounded slice of a worker loop in the calling goroutine
// and reports how many units of work it processed.
type Runner interface {
	RunInline(ctx context.Context, job Job, budget Budget) (int, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, job Job, budget Budget) (int, error)

// RunInline calls f.
func (f RunnerFunc) RunInline(ctx context.Context, job Job, budget Budget) (int, error) {
	return f(ctx, job, budget)
}

// Outcome describes what a launch did.
type Outcome struct {
	Mode      string `json:"mode"`
	Processed int    `json:"processed"`
	// Assisted is set when a launched process was also helped inline.
	Assisted bool `json:"assisted,omitempty"`
}

// JobLauncher starts a job.
type JobLauncher interface {
	Launch(ctx context.Context, job Job) (Outcome, error)
}
