// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Engine   EngineConfig   `mapstructure:"engine" yaml:"engine"`
	Browser  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	Humanoid HumanoidConfig `mapstructure:"humanoid" yaml:"humanoid"`
	Privacy  PrivacyConfig  `mapstructure:"privacy" yaml:"privacy"`
	Resolver ResolverConfig `mapstructure:"resolver" yaml:"resolver"`
	LLM      LLMConfig      `mapstructure:"llm" yaml:"llm"`
	Memory   MemoryConfig   `mapstructure:"memory" yaml:"memory"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
}

// LoggerConfig controls the global zap logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"` // "console" or "json"
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"` // megabytes
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"` // days
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// EngineConfig bounds the orchestrator's control loop.
type EngineConfig struct {
	// MaxIterations caps autonomous-mode iterations.
	MaxIterations int `mapstructure:"max_iterations" yaml:"max_iterations"`
	// StepTimeout is the wall-clock budget for one step.
	StepTimeout time.Duration `mapstructure:"step_timeout" yaml:"step_timeout"`
	// TaskTimeout is the wall-clock budget for a whole task.
	TaskTimeout time.Duration `mapstructure:"task_timeout" yaml:"task_timeout"`
	// StepRetryBudget bounds re-entries into Healing for a single step.
	StepRetryBudget int `mapstructure:"step_retry_budget" yaml:"step_retry_budget"`
	// SkipOnFailure advances past a failed step instead of aborting.
	SkipOnFailure bool `mapstructure:"skip_on_failure" yaml:"skip_on_failure"`
	// MaxConcurrentTasks caps independently running tasks.
	MaxConcurrentTasks int `mapstructure:"max_concurrent_tasks" yaml:"max_concurrent_tasks"`
}

// BrowserConfig controls the per-task chromedp session.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	WindowWidth       int           `mapstructure:"window_width" yaml:"window_width"`
	WindowHeight      int           `mapstructure:"window_height" yaml:"window_height"`
	UserAgent         string        `mapstructure:"user_agent" yaml:"user_agent"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	IgnoreTLSErrors   bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
}

// HumanoidConfig parameterizes the behavior modulator. All randomness
// derives from Seed so behavior is reproducible under test; Seed 0 means
// "derive from the clock".
type HumanoidConfig struct {
	Enabled           bool          `mapstructure:"enabled" yaml:"enabled"`
	Seed              int64         `mapstructure:"seed" yaml:"seed"`
	PreActionDelayMin time.Duration `mapstructure:"pre_action_delay_min" yaml:"pre_action_delay_min"`
	PreActionDelayMax time.Duration `mapstructure:"pre_action_delay_max" yaml:"pre_action_delay_max"`
	TypingDelayMin    time.Duration `mapstructure:"typing_delay_min" yaml:"typing_delay_min"`
	TypingDelayMax    time.Duration `mapstructure:"typing_delay_max" yaml:"typing_delay_max"`
	PathStepsMin      int           `mapstructure:"path_steps_min" yaml:"path_steps_min"`
	PathStepsMax      int           `mapstructure:"path_steps_max" yaml:"path_steps_max"`
	PathJitterPx      float64       `mapstructure:"path_jitter_px" yaml:"path_jitter_px"`
	// ReadingPauseEvery inserts a scroll+pause after this many actions in
	// autonomous mode; 0 disables the reading pause.
	ReadingPauseEvery int           `mapstructure:"reading_pause_every" yaml:"reading_pause_every"`
	ReadingPauseMin   time.Duration `mapstructure:"reading_pause_min" yaml:"reading_pause_min"`
	ReadingPauseMax   time.Duration `mapstructure:"reading_pause_max" yaml:"reading_pause_max"`
}

// PrivacyConfig controls the redactor.
type PrivacyConfig struct {
	// BlockSize is the mosaic cell size in pixels for the redaction
	// transform.
	BlockSize int `mapstructure:"block_size" yaml:"block_size"`
	// RegionPaddingPx expands every detected region on all sides.
	RegionPaddingPx int `mapstructure:"region_padding_px" yaml:"region_padding_px"`
}

// ResolverConfig controls the selector resolution strategy chain.
type ResolverConfig struct {
	// Strategies is the ordered chain; valid names: exact, relaxed, text,
	// contains-text, ocr.
	Strategies []string `mapstructure:"strategies" yaml:"strategies"`
	// OCROffsetMarginPx keeps the random click offset this far inside the
	// OCR box edge.
	OCROffsetMarginPx float64 `mapstructure:"ocr_offset_margin_px" yaml:"ocr_offset_margin_px"`
	// Seed drives the OCR click-offset jitter; 0 derives from the clock.
	Seed int64 `mapstructure:"seed" yaml:"seed"`
}

// LLMConfig configures the generation client shared by the planning,
// vision and OCR capabilities.
type LLMConfig struct {
	APIKey      string        `mapstructure:"api_key" yaml:"api_key"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	Model       string        `mapstructure:"model" yaml:"model"`
	VisionModel string        `mapstructure:"vision_model" yaml:"vision_model"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature float64       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	// RequestsPerMinute caps outbound capability calls client-side.
	RequestsPerMinute int `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
}

// MemoryConfig configures the sqlite user-memory store.
type MemoryConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// ServerConfig configures the HTTP/WebSocket surface.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// SetDefaults registers every default on the given viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "webpilot")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)

	v.SetDefault("engine.max_iterations", 20)
	v.SetDefault("engine.step_timeout", 30*time.Second)
	v.SetDefault("engine.task_timeout", 5*time.Minute)
	v.SetDefault("engine.step_retry_budget", 2)
	v.SetDefault("engine.skip_on_failure", false)
	v.SetDefault("engine.max_concurrent_tasks", 4)

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.window_width", 1920)
	v.SetDefault("browser.window_height", 1080)
	v.SetDefault("browser.navigation_timeout", 30*time.Second)

	v.SetDefault("humanoid.enabled", true)
	v.SetDefault("humanoid.pre_action_delay_min", 300*time.Millisecond)
	v.SetDefault("humanoid.pre_action_delay_max", 1500*time.Millisecond)
	v.SetDefault("humanoid.typing_delay_min", 50*time.Millisecond)
	v.SetDefault("humanoid.typing_delay_max", 150*time.Millisecond)
	v.SetDefault("humanoid.path_steps_min", 10)
	v.SetDefault("humanoid.path_steps_max", 20)
	v.SetDefault("humanoid.path_jitter_px", 2.0)
	v.SetDefault("humanoid.reading_pause_every", 5)
	v.SetDefault("humanoid.reading_pause_min", 1*time.Second)
	v.SetDefault("humanoid.reading_pause_max", 3*time.Second)

	v.SetDefault("privacy.block_size", 20)
	v.SetDefault("privacy.region_padding_px", 10)

	v.SetDefault("resolver.strategies", []string{"exact", "relaxed", "text", "contains-text", "ocr"})
	v.SetDefault("resolver.ocr_offset_margin_px", 3.0)

	v.SetDefault("llm.api_timeout", 60*time.Second)
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.requests_per_minute", 30)

	v.SetDefault("memory.path", "webpilot_memory.db")

	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
}

// Load reads the config file (optional) and environment into a validated
// Config. Environment variables use the WEBPILOT_ prefix with dots
// replaced by underscores.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("WEBPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// No config file; defaults and env vars apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces cross-field invariants the type system cannot.
func (c *Config) Validate() error {
	if c.Engine.MaxIterations <= 0 {
		return fmt.Errorf("engine.max_iterations must be positive, got %d", c.Engine.MaxIterations)
	}
	if c.Engine.StepTimeout <= 0 || c.Engine.TaskTimeout <= 0 {
		return fmt.Errorf("engine timeouts must be positive")
	}
	if c.Engine.StepRetryBudget < 0 {
		return fmt.Errorf("engine.step_retry_budget must not be negative")
	}
	if c.Humanoid.PreActionDelayMin > c.Humanoid.PreActionDelayMax {
		return fmt.Errorf("humanoid.pre_action_delay_min exceeds max")
	}
	if c.Humanoid.TypingDelayMin > c.Humanoid.TypingDelayMax {
		return fmt.Errorf("humanoid.typing_delay_min exceeds max")
	}
	if c.Humanoid.PathStepsMin <= 0 || c.Humanoid.PathStepsMax < c.Humanoid.PathStepsMin {
		return fmt.Errorf("humanoid path step bounds invalid: [%d,%d]", c.Humanoid.PathStepsMin, c.Humanoid.PathStepsMax)
	}
	if c.Privacy.BlockSize <= 0 {
		return fmt.Errorf("privacy.block_size must be positive")
	}
	for _, s := range c.Resolver.Strategies {
		switch s {
		case "exact", "relaxed", "text", "contains-text", "ocr":
		default:
			return fmt.Errorf("unknown resolver strategy %q", s)
		}
	}
	if len(c.Resolver.Strategies) == 0 {
		return fmt.Errorf("resolver.strategies must not be empty")
	}
	return nil
}
