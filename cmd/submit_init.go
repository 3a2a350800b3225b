package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/customs-cli/internal/artifact"
	"github.com/sells-group/customs-cli/internal/automation"
	"github.com/sells-group/customs-cli/internal/config"
	"github.com/sells-group/customs-cli/internal/credential"
	"github.com/sells-group/customs-cli/internal/declaration"
	"github.com/sells-group/customs-cli/internal/match"
	"github.com/sells-group/customs-cli/internal/resilience"
	"github.com/sells-group/customs-cli/internal/store"
	"github.com/sells-group/customs-cli/internal/submission"
	"github.com/sells-group/customs-cli/internal/target"
	anthropicpkg "github.com/sells-group/customs-cli/pkg/anthropic"
)

// submitEnv holds everything the submit/retry/batch/serve/worker commands
// need.
type submitEnv struct {
	Store        store.Store
	Targets      *target.Registry
	Orchestrator *submission.Orchestrator
}

// Close releases resources held by the environment.
func (e *submitEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initSubmitEnv validates config for mode, opens the store, loads targets
// and builds the orchestrator. Callers should defer env.Close().
func initSubmitEnv(ctx context.Context, mode string) (*submitEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	targets, err := target.LoadFile(cfg.Targets.File)
	if err != nil {
		return nil, eris.Wrap(err, "load targets")
	}

	runner, err := newRunner(cfg)
	if err != nil {
		return nil, err
	}

	archiver, err := newArchiver(cfg)
	if err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	deps := submission.Deps{
		Store:        st,
		Targets:      targets,
		Declarations: declaration.NewFileSource(cfg.Declarations.Dir),
		Credentials:  credential.NewStatic(cfg.Credentials),
		Runner:       runner,
		Candidates:   st,
		Archiver:     archiver,
		Backend:      newMatchBackend(cfg),
	}

	orch := submission.New(deps, submission.Config{
		MaxRetries:        cfg.Submission.MaxRetries,
		AIEnabled:         cfg.Match.AIEnabled,
		AITimeout:         cfg.AITimeout(),
		Timeout:           cfg.AutomationTimeout(),
		TempDir:           cfg.Automation.TempDir,
		ScreenshotDir:     cfg.Automation.ScreenshotDir,
		UpdateDeclaration: cfg.Submission.UpdateDeclaration,
	})

	zap.L().Info("submission environment ready",
		zap.Strings("targets", targets.IDs()),
		zap.String("automation", cfg.Automation.Driver),
		zap.String("artifacts", cfg.Artifacts.Driver),
		zap.Bool("ai_enabled", deps.Backend != nil),
	)

	return &submitEnv{Store: st, Targets: targets, Orchestrator: orch}, nil
}

// newRunner builds the configured automation backend.
func newRunner(c *config.Config) (automation.Runner, error) {
	switch c.Automation.Driver {
	case "subprocess":
		return automation.NewSubprocessRunner(automation.SubprocessConfig{
			Command: c.Automation.Command,
			Args:    c.Automation.Args,
			Grace:   time.Duration(c.Automation.GraceSecs) * time.Second,
		})
	case "rod":
		return automation.NewRodRunner(automation.RodConfig{
			Headless:   c.Automation.Headless,
			ControlURL: c.Automation.ControlURL,
		}), nil
	default:
		return nil, eris.Errorf("unsupported automation driver: %s", c.Automation.Driver)
	}
}

// newMatchBackend returns nil when AI matching is off or no key is set.
func newMatchBackend(c *config.Config) match.Backend {
	// A backend is built whenever a key is set: ai_enabled only decides the
	// default, and retries force AI matching on regardless.
	if c.Anthropic.Key == "" {
		zap.L().Debug("anthropic key not set, AI matching disabled")
		return nil
	}
	retry := resilience.DefaultRetryConfig()
	if c.Match.RetryAttempts > 0 {
		retry.MaxAttempts = c.Match.RetryAttempts
	}
	return match.NewAnthropicBackend(anthropicpkg.NewClient(c.Anthropic.Key), match.BackendConfig{
		Model:      c.Anthropic.Model,
		MaxTokens:  c.Anthropic.MaxTokens,
		RatePerSec: c.Match.RatePerSec,
		Retry:      retry,
		Breaker: resilience.CircuitBreakerConfig{
			FailureThreshold: c.Match.BreakerThreshold,
			ResetTimeout:     30 * time.Second,
		},
	})
}

// newArchiver returns nil when archival is disabled.
func newArchiver(c *config.Config) (artifact.Archiver, error) {
	switch c.Artifacts.Driver {
	case "", "none":
		return nil, nil
	case "local":
		return artifact.NewLocalArchiver(c.Artifacts.Dir), nil
	case "ftp":
		return artifact.NewFTPArchiver(artifact.FTPOptions{
			URL:      c.Artifacts.FTPURL,
			User:     c.Artifacts.FTPUser,
			Password: c.Artifacts.FTPPassword,
		})
	default:
		return nil, eris.Errorf("unsupported artifacts driver: %s", c.Artifacts.Driver)
	}
}
