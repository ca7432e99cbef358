package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// runner holds the metadata for an external program invocation.
type runner struct {
	executable string
	arguments  []string

	cmd *exec.Cmd
}

// runnerOpt customizes the behavior of the runner.
type runnerOpt func(r *runner) error

// newRunner builds a runner for a specific executable.
// Output is discarded unless a writer is configured.
func newRunner(ctx context.Context, executable string, opts ...runnerOpt) (*runner, error) {
	cmd := exec.CommandContext(ctx, executable)

	r := runner{
		executable: executable,
		cmd:        cmd,
	}

	for _, opt := range opts {
		if err := opt(&r); err != nil {
			return nil, err
		}
	}

	cmd.Args = append([]string{executable}, r.arguments...)

	return &r, nil
}

// exec runs the program, logging the invocation and its timing.
func (r *runner) exec() error {
	start := time.Now()
	zap.L().Debug(
		"running download command",
		zap.String("cmd", r.executable+" "+strings.Join(r.arguments, " ")),
	)

	err := r.cmd.Run()

	elapsed := time.Since(start).Round(time.Millisecond)
	if err != nil {
		zap.L().Debug("download command failed", zap.String("cmd", r.executable), zap.Duration("elapsed", elapsed), zap.Error(err))
		return fmt.Errorf("%s: %w", r.executable, err)
	}

	zap.L().Debug("download command finished", zap.String("cmd", r.executable), zap.Duration("elapsed", elapsed))
	return nil
}

// withArgs sets the command arguments.
func withArgs(args ...string) runnerOpt {
	return func(r *runner) error {
		r.arguments = args
		return nil
	}
}

// withEnv adds environment variables on top of the current environment.
func withEnv(vars ...string) runnerOpt {
	return func(r *runner) error {
		r.cmd.Env = os.Environ()
		for _, vrb := range vars {
			if name, _, ok := strings.Cut(vrb, "="); !ok || name == "" {
				return fmt.Errorf("invalid env format; %s doesn't match NAME=value expectation", vrb)
			}
			r.cmd.Env = append(r.cmd.Env, vrb)
		}
		return nil
	}
}

// withStdOut sets up the stdout writer.
func withStdOut(w io.Writer) runnerOpt {
	return func(r *runner) error {
		r.cmd.Stdout = w
		return nil
	}
}

// withStdErr sets up the stderr writer.
func withStdErr(w io.Writer) runnerOpt {
	return func(r *runner) error {
		r.cmd.Stderr = w
		return nil
	}
}
