package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"tw-inst-tracker/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SchedulerConfig governs the daily recompute cadence.
type SchedulerConfig struct {
	Cron            string        `mapstructure:"cron"`
	Timezone        string        `mapstructure:"timezone"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	RunOnStart      bool          `mapstructure:"run_on_start"`
}

// EngineConfig tunes ownership estimation.
type EngineConfig struct {
	Windows []int `mapstructure:"windows"`
	// HistoryDays is the warm-up lookback in calendar days; 0 loads the full history.
	// It must be at least MinHistoryDays of the largest window.
	HistoryDays int `mapstructure:"history_days"`
	// EmitDays is how many calendar days up to the trade date a scheduled run rewrites.
	EmitDays       int            `mapstructure:"emit_days"`
	Workers        int            `mapstructure:"workers"`
	SourcePriority map[string]int `mapstructure:"source_priority"`
	AnchorsFile    string         `mapstructure:"anchors_file"`
}

// AlertingConfig defines run-summary alerting.
type AlertingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// AnomalyThreshold is the calibration anomaly row count that triggers a summary.
	AnomalyThreshold int            `mapstructure:"anomaly_threshold"`
	NotifyOnSuccess  bool           `mapstructure:"notify_on_success"`
	Telegram         TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// MetricsConfig controls the Prometheus endpoint of the run command.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("TWINST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "twinst")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("scheduler.cron", "30 18 * * 1-5")
	v.SetDefault("scheduler.timezone", "Asia/Taipei")
	v.SetDefault("scheduler.advisory_lock_key", int64(0x7477696e))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.run_on_start", false)

	v.SetDefault("engine.windows", []int{5, 20, 60, 120})
	v.SetDefault("engine.history_days", 0)
	v.SetDefault("engine.emit_days", 7)
	v.SetDefault("engine.workers", 0)
	v.SetDefault("engine.source_priority", map[string]int{"twse": 20, "tpex": 20, "mirror": 10, "manual": 0})
	v.SetDefault("engine.anchors_file", "data/inst_baseline.csv")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.anomaly_threshold", 1)
	v.SetDefault("alerting.notify_on_success", false)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9464")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.WeaklyTypedInput = true
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if len(c.Engine.Windows) == 0 {
		return fmt.Errorf("engine.windows must not be empty")
	}
	seen := make(map[int]struct{}, len(c.Engine.Windows))
	maxWindow := 0
	for _, w := range c.Engine.Windows {
		if w <= 0 {
			return fmt.Errorf("engine.windows must be positive, got %d", w)
		}
		if _, dup := seen[w]; dup {
			return fmt.Errorf("engine.windows contains duplicate %d", w)
		}
		seen[w] = struct{}{}
		maxWindow = max(maxWindow, w)
	}
	if c.Engine.HistoryDays < 0 {
		return fmt.Errorf("engine.history_days cannot be negative")
	}
	if need := MinHistoryDays(maxWindow); c.Engine.HistoryDays > 0 && c.Engine.HistoryDays < need {
		return fmt.Errorf("engine.history_days (%d) 不足以覆盖 %d 个交易日窗口, 至少需要 %d 个日历日",
			c.Engine.HistoryDays, maxWindow, need)
	}
	if c.Engine.EmitDays <= 0 {
		return fmt.Errorf("engine.emit_days must be greater than zero")
	}
	if c.Engine.Workers < 0 {
		return fmt.Errorf("engine.workers cannot be negative")
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		return fmt.Errorf("scheduler.timezone 无效: %w", err)
	}
	if _, err := cron.ParseStandard(c.Scheduler.Cron); err != nil {
		return fmt.Errorf("scheduler.cron 无效: %w", err)
	}
	if c.Alerting.AnomalyThreshold < 0 {
		return fmt.Errorf("alerting.anomaly_threshold cannot be negative")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// Location returns the scheduler timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// MinHistoryDays converts a window in trading rows into the calendar days
// needed to load it: five trading days per week plus ten days for holidays.
func MinHistoryDays(window int) int {
	return window*7/5 + 10
}
