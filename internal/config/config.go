package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/customs-cli/internal/credential"
)

// Config holds the full application configuration.
type Config struct {
	Store        StoreConfig                       `yaml:"store" mapstructure:"store"`
	Log          LogConfig                         `yaml:"log" mapstructure:"log"`
	Server       ServerConfig                      `yaml:"server" mapstructure:"server"`
	Anthropic    AnthropicConfig                   `yaml:"anthropic" mapstructure:"anthropic"`
	Match        MatchConfig                       `yaml:"match" mapstructure:"match"`
	Automation   AutomationConfig                  `yaml:"automation" mapstructure:"automation"`
	Submission   SubmissionConfig                  `yaml:"submission" mapstructure:"submission"`
	Targets      TargetsConfig                     `yaml:"targets" mapstructure:"targets"`
	Declarations DeclarationsConfig                `yaml:"declarations" mapstructure:"declarations"`
	Credentials  map[string]credential.Credentials `yaml:"credentials" mapstructure:"credentials"`
	Artifacts    ArtifactsConfig                   `yaml:"artifacts" mapstructure:"artifacts"`
	Temporal     TemporalConfig                    `yaml:"temporal" mapstructure:"temporal"`
	Batch        BatchConfig                       `yaml:"batch" mapstructure:"batch"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	// Dispatch selects how accepted submissions run: "async" in-process or
	// "temporal" through the worker.
	Dispatch string `yaml:"dispatch" mapstructure:"dispatch"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// MatchConfig configures reference code matching.
type MatchConfig struct {
	AIEnabled     bool    `yaml:"ai_enabled" mapstructure:"ai_enabled"`
	AITimeoutSecs int     `yaml:"ai_timeout_secs" mapstructure:"ai_timeout_secs"`
	RatePerSec    float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	RetryAttempts int     `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	// BreakerThreshold is the number of consecutive AI failures that open
	// the circuit.
	BreakerThreshold int `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
}

// AutomationConfig selects and configures the portal driver.
type AutomationConfig struct {
	Driver        string   `yaml:"driver" mapstructure:"driver"` // "subprocess" or "rod"
	Command       string   `yaml:"command" mapstructure:"command"`
	Args          []string `yaml:"args" mapstructure:"args"`
	TimeoutSecs   int      `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	GraceSecs     int      `yaml:"grace_secs" mapstructure:"grace_secs"`
	ScreenshotDir string   `yaml:"screenshot_dir" mapstructure:"screenshot_dir"`
	TempDir       string   `yaml:"temp_dir" mapstructure:"temp_dir"`
	Headless      bool     `yaml:"headless" mapstructure:"headless"`
	ControlURL    string   `yaml:"control_url" mapstructure:"control_url"`
}

// SubmissionConfig holds submission policy.
type SubmissionConfig struct {
	MaxRetries        int  `yaml:"max_retries" mapstructure:"max_retries"`
	UpdateDeclaration bool `yaml:"update_declaration" mapstructure:"update_declaration"`
}

// TargetsConfig points at the portal definitions file.
type TargetsConfig struct {
	File string `yaml:"file" mapstructure:"file"`
}

// DeclarationsConfig points at the declaration snapshot directory.
type DeclarationsConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// ArtifactsConfig configures screenshot archival.
type ArtifactsConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // "none", "local" or "ftp"
	Dir         string `yaml:"dir" mapstructure:"dir"`
	FTPURL      string `yaml:"ftp_url" mapstructure:"ftp_url"`
	FTPUser     string `yaml:"ftp_user" mapstructure:"ftp_user"`
	FTPPassword string `yaml:"ftp_password" mapstructure:"ftp_password"`
}

// TemporalConfig configures the Temporal client and worker.
type TemporalConfig struct {
	HostPort  string `yaml:"host_port" mapstructure:"host_port"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue string `yaml:"task_queue" mapstructure:"task_queue"`
}

// BatchConfig configures batch submission.
type BatchConfig struct {
	MaxConcurrent int `yaml:"max_concurrent" mapstructure:"max_concurrent"`
}

// AutomationTimeout returns the default driver timeout.
func (c *Config) AutomationTimeout() time.Duration {
	return time.Duration(c.Automation.TimeoutSecs) * time.Second
}

// AITimeout returns the per-call AI matching timeout.
func (c *Config) AITimeout() time.Duration {
	return time.Duration(c.Match.AITimeoutSecs) * time.Second
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CUSTOMS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "customs.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.dispatch", "async")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 512)
	v.SetDefault("match.ai_enabled", true)
	v.SetDefault("match.ai_timeout_secs", 20)
	v.SetDefault("match.rate_per_sec", 2)
	v.SetDefault("match.retry_attempts", 3)
	v.SetDefault("match.breaker_threshold", 5)
	v.SetDefault("automation.driver", "subprocess")
	v.SetDefault("automation.command", "customs-driver")
	v.SetDefault("automation.timeout_secs", 300)
	v.SetDefault("automation.grace_secs", 10)
	v.SetDefault("automation.screenshot_dir", "screenshots")
	v.SetDefault("automation.headless", true)
	v.SetDefault("submission.max_retries", 3)
	v.SetDefault("submission.update_declaration", true)
	v.SetDefault("targets.file", "targets.yaml")
	v.SetDefault("declarations.dir", "declarations")
	v.SetDefault("artifacts.driver", "local")
	v.SetDefault("artifacts.dir", "artifacts")
	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "customs-submissions")
	v.SetDefault("batch.max_concurrent", 4)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode depends on. Modes are
// "submit", "serve", "worker" and "references".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("store.driver must be postgres or sqlite, got %q", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}

	switch mode {
	case "references":
	case "submit", "serve", "worker":
		errs = append(errs, c.validateSubmit()...)
		if mode == "serve" {
			errs = append(errs, c.validateServe()...)
		}
		if mode == "worker" && c.Temporal.TaskQueue == "" {
			errs = append(errs, "temporal.task_queue is required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateServe() []string {
	var errs []string
	if c.Server.Port <= 0 {
		errs = append(errs, "server.port must be > 0")
	}
	switch c.Server.Dispatch {
	case "", "async":
	case "temporal":
		if c.Temporal.TaskQueue == "" {
			errs = append(errs, "temporal.task_queue is required for temporal dispatch")
		}
	default:
		errs = append(errs, fmt.Sprintf("server.dispatch must be async or temporal, got %q", c.Server.Dispatch))
	}
	return errs
}

func (c *Config) validateSubmit() []string {
	var errs []string
	if c.Targets.File == "" {
		errs = append(errs, "targets.file is required")
	}
	if c.Declarations.Dir == "" {
		errs = append(errs, "declarations.dir is required")
	}

	switch c.Automation.Driver {
	case "subprocess":
		if c.Automation.Command == "" {
			errs = append(errs, "automation.command is required for the subprocess driver")
		}
	case "rod":
	default:
		errs = append(errs, fmt.Sprintf("automation.driver must be subprocess or rod, got %q", c.Automation.Driver))
	}
	if c.Automation.TimeoutSecs <= 0 {
		errs = append(errs, "automation.timeout_secs must be > 0")
	}

	if c.Match.AIEnabled && c.Anthropic.Key == "" {
		errs = append(errs, "anthropic.key is required when match.ai_enabled is set")
	}
	if c.Submission.MaxRetries < 0 || c.Submission.MaxRetries > 10 {
		errs = append(errs, "submission.max_retries must be between 0 and 10")
	}
	if c.Batch.MaxConcurrent < 1 || c.Batch.MaxConcurrent > 50 {
		errs = append(errs, "batch.max_concurrent must be between 1 and 50")
	}

	switch c.Artifacts.Driver {
	case "", "none":
	case "local":
		if c.Artifacts.Dir == "" {
			errs = append(errs, "artifacts.dir is required for the local driver")
		}
	case "ftp":
		if c.Artifacts.FTPURL == "" {
			errs = append(errs, "artifacts.ftp_url is required for the ftp driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("artifacts.driver must be none, local or ftp, got %q", c.Artifacts.Driver))
	}
	return errs
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
