package launcher

import (
	"context"
	"errors"

	"github.com/ksanyok/promopilot-sub004/internal/config"
	"github.com/ksanyok/promopilot-sub004/internal/logger"
	"github.com/ksanyok/promopilot-sub004/internal/metrics"
)

// Dispatcher gets jobs executing. With a process launcher it starts a
// background worker and optionally assists inline for a short while; when
// spawning is unavailable or fails it runs a larger inline slice so the
// request itself makes progress.
type Dispatcher struct {
	process  JobLauncher
	assist   *InlineLauncher
	fallback *InlineLauncher
	reg      *registry
	metrics  *metrics.Metrics
	log      logger.Logger
}

// NewDispatcher builds a dispatcher. process may be nil, meaning inline only.
func NewDispatcher(process JobLauncher, assist, fallback Budget, m *metrics.Metrics, log logger.Logger) *Dispatcher {
	reg := &registry{runners: make(map[Kind]Runner)}
	assist.StopWhenIdle = true
	return &Dispatcher{
		process:  process,
		assist:   &InlineLauncher{reg: reg, budget: assist},
		fallback: &InlineLauncher{reg: reg, budget: fallback},
		reg:      reg,
		metrics:  m,
		log:      log,
	}
}

// NewFromConfig selects the launcher once at startup: the process launcher
// is used when the mode allows it and the capability probe passes.
func NewFromConfig(cfg config.LauncherConfig, m *metrics.Metrics, log logger.Logger) *Dispatcher {
	assist := Budget{MaxIterations: cfg.AssistIterations, MaxDuration: cfg.AssistWallCap}
	fallback := Budget{MaxIterations: cfg.FallbackIterations, MaxDuration: cfg.FallbackWallCap}

	var process JobLauncher
	switch cfg.Mode {
	case config.LauncherInline:
	default:
		if err := Probe(cfg.Binary); err != nil {
			if cfg.Mode == config.LauncherProcess {
				log.Warn("Process launcher unavailable, running workers inline", logger.Error(err))
			} else {
				log.Info("Background processes unavailable, running workers inline", logger.Error(err))
			}
			break
		}
		process = NewProcessLauncher(cfg.Binary, cfg.ConfigPath)
	}
	return NewDispatcher(process, assist, fallback, m, log)
}

// Register installs the inline runner for kind. Runners are registered
// after construction because they usually depend on the dispatcher.
func (d *Dispatcher) Register(kind Kind, runner Runner) {
	d.reg.mu.Lock()
	defer d.reg.mu.Unlock()
	d.reg.runners[kind] = runner
}

// CanSpawn reports whether a process launcher was selected.
func (d *Dispatcher) CanSpawn() bool {
	return d.process != nil
}

// Dispatch gets job running. Launcher failures are never returned; they
// degrade to inline execution. Errors come only from the inline runner.
func (d *Dispatcher) Dispatch(ctx context.Context, job Job) (Outcome, error) {
	fields := []logger.Field{logger.String("kind", string(job.Kind)), logger.RunID(job.RunID)}

	if d.process != nil {
		out, err := d.process.Launch(ctx, job)
		if err == nil {
			d.metrics.Launch(string(job.Kind), ModeProcess)
			assisted, assistErr := d.assist.Launch(ctx, job)
			if assistErr != nil && !errors.Is(assistErr, context.DeadlineExceeded) {
				d.log.Warn("Inline assist failed", append(fields, logger.Error(assistErr))...)
			}
			if assisted.Mode == ModeInline {
				out.Assisted = true
				out.Processed = assisted.Processed
			}
			return out, nil
		}
		d.log.Warn("Background launch failed, falling back to inline", append(fields, logger.Error(err))...)
	}

	out, err := d.fallback.Launch(ctx, job)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		// The wall cap ended the slice; the remainder is left for the next tick.
		err = nil
	}
	if out.Mode != "" {
		d.metrics.Launch(string(job.Kind), out.Mode)
	}
	return out, err
}
