package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const defaultGrace = 10 * time.Second

// SubprocessConfig configures an external driver command. The payload path
// is appended as the final argument and the request is also written to
// stdin.
type SubprocessConfig struct {
	Command string
	Args    []string
	Env     []string
	Dir     string
	// Grace is how long the driver gets after SIGTERM to close its browser
	// before it is killed.
	Grace time.Duration
}

// SubprocessRunner runs the driver as a child process speaking JSON on stdio.
type SubprocessRunner struct {
	cfg SubprocessConfig
}

// NewSubprocessRunner validates cfg and returns a runner.
func NewSubprocessRunner(cfg SubprocessConfig) (*SubprocessRunner, error) {
	if cfg.Command == "" {
		return nil, eris.New("automation: subprocess command is required")
	}
	if cfg.Grace <= 0 {
		cfg.Grace = defaultGrace
	}
	return &SubprocessRunner{cfg: cfg}, nil
}

// Run starts the driver and waits for its result. When ctx expires the
// process group gets SIGTERM, then SIGKILL after the grace period.
func (r *SubprocessRunner) Run(ctx context.Context, job Job) (*Result, error) {
	stdin, err := json.Marshal(job.Request)
	if err != nil {
		return nil, eris.Wrap(err, "automation: marshal request")
	}

	args := append(append([]string(nil), r.cfg.Args...), job.PayloadPath)
	cmd := exec.CommandContext(ctx, r.cfg.Command, args...)
	cmd.Dir = r.cfg.Dir
	if len(r.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), r.cfg.Env...)
	}
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// Own process group so the driver's browser children get the signal too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		zap.L().Warn("automation: driver deadline reached, sending SIGTERM",
			zap.Int("pid", cmd.Process.Pid),
			zap.Duration("grace", r.cfg.Grace),
		)
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = r.cfg.Grace

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	log := zap.L().With(
		zap.String("command", r.cfg.Command),
		zap.Int64("duration_ms", elapsed.Milliseconds()),
	)
	if stderr.Len() > 0 {
		log.Debug("automation: driver stderr", zap.String("stderr", truncate(stderr.String(), 4000)))
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil, eris.Wrapf(ErrTimeout, "driver did not finish after %s", elapsed.Round(time.Millisecond))
		}
		return nil, eris.Wrapf(ErrProcess, "driver interrupted: %v", ctxErr)
	}

	res, decErr := DecodeResult(stdout.Bytes())
	if runErr != nil {
		// A driver may exit non-zero after printing a structured failure.
		if decErr == nil {
			log.Info("automation: driver exited non-zero with result", zap.Error(runErr))
			return res, nil
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return nil, eris.Wrapf(ErrProcess, "driver exited with code %d: %s",
				exitErr.ExitCode(), truncate(lastLine(stderr.Bytes()), 300))
		}
		return nil, eris.Wrapf(ErrProcess, "%v", runErr)
	}
	if decErr != nil {
		return nil, decErr
	}
	return res, nil
}

func lastLine(b []byte) string {
	b = bytes.TrimSpace(b)
	if i := bytes.LastIndexByte(b, '\n'); i >= 0 {
		return string(b[i+1:])
	}
	return string(b)
}
