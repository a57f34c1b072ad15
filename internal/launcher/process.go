package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// ProcessLauncher starts the promoter binary as a detached process.
type ProcessLauncher struct {
	binary     string
	configPath string

	start    func(*exec.Cmd) error
	fallback func(ctx context.Context, name string, args []string) error
}

// NewProcessLauncher creates a launcher for binary. configPath is passed
// through with --config when set.
func NewProcessLauncher(binary, configPath string) *ProcessLauncher {
	return &ProcessLauncher{
		binary:     binary,
		configPath: configPath,
		start:      startDetached,
		fallback:   runShellBackground,
	}
}

func (p *ProcessLauncher) args(job Job) []string {
	var args []string
	if p.configPath != "" {
		args = append(args, "--config", p.configPath)
	}
	return append(args, job.Args()...)
}

// Launch starts job in a background process. The non-blocking start is
// tried first; if it fails, a shell backgrounds the command and its exit
// status decides the result.
func (p *ProcessLauncher) Launch(ctx context.Context, job Job) (Outcome, error) {
	jobArgs := job.Args()
	if jobArgs == nil {
		return Outcome{}, fmt.Errorf("%w: %s", ErrNoRunner, job.Kind)
	}
	args := p.args(job)

	// The child must outlive the request, so it gets no request context.
	cmd := exec.Command(p.binary, args...) //nolint:gosec,noctx // binary comes from configuration
	cmd.Env = os.Environ()
	detach(cmd)

	startErr := p.start(cmd)
	if startErr == nil {
		return Outcome{Mode: ModeProcess}, nil
	}

	if fallbackErr := p.fallback(ctx, p.binary, args); fallbackErr != nil {
		return Outcome{}, fmt.Errorf("launch %s: %w", job.Kind, errors.Join(startErr, fallbackErr))
	}
	return Outcome{Mode: ModeProcess}, nil
}

func startDetached(cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		return err
	}
	// Reap the child so a long-lived API process does not collect zombies.
	go func() { _ = cmd.Wait() }()
	return nil
}

func runShellBackground(ctx context.Context, name string, args []string) error {
	shell, shellArgs := backgroundShell(name, args)
	cmd := exec.CommandContext(ctx, shell, shellArgs...) //nolint:gosec // arguments are passed positionally
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("background shell: %w", err)
	}
	return nil
}

// Probe checks that a background process can be started at all: the
// binary must resolve and, for the fallback path, a shell must exist.
func Probe(binary string) error {
	if binary == "" {
		return errors.New("launcher binary is not configured")
	}
	if _, err := exec.LookPath(binary); err != nil {
		return fmt.Errorf("resolve launcher binary: %w", err)
	}
	shell, _ := backgroundShell(binary, nil)
	if _, err := exec.LookPath(shell); err != nil {
		return fmt.Errorf("resolve shell %s: %w", shell, err)
	}
	return nil
}
