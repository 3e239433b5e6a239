package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. CLAUDE_GOALS_SERVER_PORT
const EnvPrefix = "CLAUDE_GOALS"

// Config is the immutable application configuration. It is loaded once and
// passed by value into each component's constructor.
type Config struct {
	DataDir   string          `mapstructure:"data_dir" validate:"required"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	Planner   PlannerConfig   `mapstructure:"planner"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
}

// LifecycleConfig holds task fairness and duplicate policy
type LifecycleConfig struct {
	MaxActiveTasks        int           `mapstructure:"max_active_tasks" validate:"min=1"`
	MaxCyclesPerHour      int           `mapstructure:"max_cycles_per_hour" validate:"min=1"`
	DuplicateThreshold    float64       `mapstructure:"duplicate_threshold" validate:"gt=0,lte=1"`
	ScopeOverlapThreshold float64       `mapstructure:"scope_overlap_threshold" validate:"gte=0,lte=1"`
	JitterMin             float64       `mapstructure:"jitter_min" validate:"gt=0"`
	JitterMax             float64       `mapstructure:"jitter_max" validate:"gtefield=JitterMin"`
	TaskTTL               time.Duration `mapstructure:"task_ttl" validate:"gt=0"`
	DefaultMaxIterations  int           `mapstructure:"default_max_iterations" validate:"min=1"`
	DefaultPriority       int           `mapstructure:"default_priority" validate:"min=1,max=10"`
}

// PlannerConfig bounds goal decomposition
type PlannerConfig struct {
	MinSteps               int           `mapstructure:"min_steps" validate:"min=1"`
	MaxSteps               int           `mapstructure:"max_steps" validate:"gtefield=MinSteps"`
	MinConfidence          float64       `mapstructure:"min_confidence" validate:"gte=0,lte=1"`
	MinStepWords           int           `mapstructure:"min_step_words" validate:"min=1"`
	MaxStepWords           int           `mapstructure:"max_step_words" validate:"gtefield=MinStepWords"`
	StepDuplicateThreshold float64       `mapstructure:"step_duplicate_threshold" validate:"gt=0,lte=1"`
	Capabilities           []string      `mapstructure:"capabilities"`
	Command                string        `mapstructure:"command" validate:"required"`
	Timeout                time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// SchedulerConfig controls the driver loop cadence
type SchedulerConfig struct {
	CycleSpec      string        `mapstructure:"cycle_spec" validate:"required,cronspec"`
	ExpirySpec     string        `mapstructure:"expiry_spec" validate:"required,cronspec"`
	CycleDelay     time.Duration `mapstructure:"cycle_delay" validate:"gte=0"`
	RateLimitDelay time.Duration `mapstructure:"rate_limit_delay" validate:"gt=0"`
	RetryDelay     time.Duration `mapstructure:"retry_delay" validate:"gt=0"`
}

// ExecutorConfig controls how step work is run
type ExecutorConfig struct {
	Command         string        `mapstructure:"command" validate:"required"`
	WorkingDir      string        `mapstructure:"working_dir" validate:"required"`
	Timeout         time.Duration `mapstructure:"timeout" validate:"gt=0"`
	SkipPermissions bool          `mapstructure:"skip_permissions"`
}

// NotifyConfig holds optional webhook destinations
type NotifyConfig struct {
	DiscordWebhook string `mapstructure:"discord_webhook" validate:"omitempty,url"`
	SlackWebhook   string `mapstructure:"slack_webhook" validate:"omitempty,url"`
}

// ServerConfig configures the HTTP API
type ServerConfig struct {
	Port int `mapstructure:"port" validate:"min=1,max=65535"`
}

// LogConfig configures structured logging
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

// DatabasePath returns the SQLite file inside the data directory.
func (c Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "goals.db")
}

// PIDPath returns the daemon PID file inside the data directory.
func (c Config) PIDPath() string {
	return filepath.Join(c.DataDir, "daemon.pid")
}

// DefaultDataDir returns ~/.claude-goals, or ".claude-goals" when the home
// directory is unknown.
func DefaultDataDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".claude-goals"
	}
	return filepath.Join(homeDir, ".claude-goals")
}

// SetDefaults registers every key with its default value.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir())

	v.SetDefault("lifecycle.max_active_tasks", 5)
	v.SetDefault("lifecycle.max_cycles_per_hour", 3)
	v.SetDefault("lifecycle.duplicate_threshold", 0.6)
	v.SetDefault("lifecycle.scope_overlap_threshold", 0.3)
	v.SetDefault("lifecycle.jitter_min", 0.7)
	v.SetDefault("lifecycle.jitter_max", 1.3)
	v.SetDefault("lifecycle.task_ttl", 7*24*time.Hour)
	v.SetDefault("lifecycle.default_max_iterations", 50)
	v.SetDefault("lifecycle.default_priority", 5)

	v.SetDefault("planner.min_steps", 2)
	v.SetDefault("planner.max_steps", 8)
	v.SetDefault("planner.min_confidence", 0.5)
	v.SetDefault("planner.min_step_words", 4)
	v.SetDefault("planner.max_step_words", 30)
	v.SetDefault("planner.step_duplicate_threshold", 0.7)
	v.SetDefault("planner.capabilities", []string{"web_search", "web_fetch", "code_execution"})
	v.SetDefault("planner.command", "claude")
	v.SetDefault("planner.timeout", 5*time.Minute)

	v.SetDefault("scheduler.cycle_spec", "@every 30s")
	v.SetDefault("scheduler.expiry_spec", "@every 5m")
	v.SetDefault("scheduler.cycle_delay", 10*time.Minute)
	v.SetDefault("scheduler.rate_limit_delay", 20*time.Minute)
	v.SetDefault("scheduler.retry_delay", 5*time.Minute)

	v.SetDefault("executor.command", "claude")
	v.SetDefault("executor.working_dir", ".")
	v.SetDefault("executor.timeout", 30*time.Minute)
	v.SetDefault("executor.skip_permissions", true)

	v.SetDefault("notify.discord_webhook", "")
	v.SetDefault("notify.slack_webhook", "")

	v.SetDefault("server.port", 8080)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads configuration from defaults, an optional YAML file, a .env file
// and CLAUDE_GOALS_* environment variables, in increasing precedence.
// When cfgFile is empty, config.yaml in the data directory is used if present.
func Load(cfgFile string) (Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("data_dir", EnvPrefix+"_DATA")

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(v.GetString("data_dir"))
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	return FromViper(v)
}

// FromViper decodes and validates a Config from v.
func FromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the validated default configuration.
func Default() Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := FromViper(v)
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("cronspec", func(fl validator.FieldLevel) bool {
		_, err := cron.ParseStandard(fl.Field().String())
		return err == nil
	})
}

// Validate checks cfg against its field constraints.
func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
