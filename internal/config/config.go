package config

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ksanyok/promopilot-sub004/internal/logger"
)

// Launcher modes.
const (
	LauncherAuto    = "auto"
	LauncherProcess = "process"
	LauncherInline  = "inline"
)

// Config is the promoter service configuration.
type Config struct {
	Debug     bool            `yaml:"debug"     env:"APP_DEBUG"`
	Logging   logger.Config   `yaml:"logging"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Server    ServerConfig    `yaml:"server"`
	Promotion PromotionConfig `yaml:"promotion"`
	Crowd     CrowdConfig     `yaml:"crowd"`
	Launcher  LauncherConfig  `yaml:"launcher"`
	Watchdog  WatchdogConfig  `yaml:"watchdog"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `yaml:"host"              env:"POSTGRES_HOST"`
	Port            int           `yaml:"port"              env:"POSTGRES_PORT"`
	User            string        `yaml:"user"              env:"POSTGRES_USER"`
	Password        string        `yaml:"password"          env:"POSTGRES_PASSWORD"` //nolint:gosec // connection config
	Database        string        `yaml:"database"          env:"POSTGRES_DB"`
	SSLMode         string        `yaml:"sslmode"           env:"POSTGRES_SSLMODE"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// DSN returns the lib/pq connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

func (c *DatabaseConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 5432
	}
	if c.User == "" {
		c.User = "postgres"
	}
	if c.Database == "" {
		c.Database = "promotion"
	}
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 2
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
}

// RedisConfig holds the publication queue connection.
type RedisConfig struct {
	Address  string        `yaml:"address"   env:"REDIS_ADDR"`
	Password string        `yaml:"password"  env:"REDIS_PASSWORD"` //nolint:gosec // connection config
	DB       int           `yaml:"db"        env:"REDIS_DB"`
	QueueKey string        `yaml:"queue_key"`
	DedupTTL time.Duration `yaml:"dedup_ttl"`
}

func (c *RedisConfig) SetDefaults() {
	if c.Address == "" {
		c.Address = "localhost:6379"
	}
	if c.QueueKey == "" {
		c.QueueKey = "promotion:publications"
	}
	if c.DedupTTL == 0 {
		c.DedupTTL = 24 * time.Hour
	}
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"             env:"PROMOTER_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Address returns host:port.
func (c *ServerConfig) Address() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

func (c *ServerConfig) SetDefaults() {
	if c.Port == 0 {
		c.Port = 8095
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 10 * time.Second
	}
	// Inline fallback runs inside the request, so writes get more room.
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 60 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
}

// PromotionConfig configures the promotion worker and default cascade
// settings. Defaults uses the same keys as the promotion_settings table.
type PromotionConfig struct {
	Defaults       map[string]string `yaml:"defaults"`
	MaxIterations  int               `yaml:"max_iterations"`
	MaxDuration    time.Duration     `yaml:"max_duration"`
	Sleep          time.Duration     `yaml:"sleep"`
	DrainBatch     int               `yaml:"drain_batch"`
	SlotStaleAfter time.Duration     `yaml:"slot_stale_after"`
}

func (c *PromotionConfig) SetDefaults() {
	if c.MaxIterations == 0 {
		c.MaxIterations = 20
	}
	if c.MaxDuration == 0 {
		c.MaxDuration = 45 * time.Second
	}
	if c.Sleep == 0 {
		c.Sleep = 200 * time.Millisecond
	}
	if c.DrainBatch == 0 {
		c.DrainBatch = 50
	}
	if c.SlotStaleAfter == 0 {
		c.SlotStaleAfter = 10 * time.Minute
	}
}

// CrowdConfig configures the crowd worker and the deep-check client.
type CrowdConfig struct {
	MaxIterations    int           `yaml:"max_iterations"`
	MaxDuration      time.Duration `yaml:"max_duration"`
	Sleep            time.Duration `yaml:"sleep"`
	DeepCheckURL     string        `yaml:"deep_check_url"     env:"CROWD_DEEP_CHECK_URL"`
	DeepCheckTimeout time.Duration `yaml:"deep_check_timeout"`
	DeepCheckRPS     float64       `yaml:"deep_check_rps"`
	MailDomains      []string      `yaml:"mail_domains"`
	LinkFetchFactor  int           `yaml:"link_fetch_factor"`
}

func (c *CrowdConfig) SetDefaults() {
	if c.MaxIterations == 0 {
		c.MaxIterations = 25
	}
	if c.MaxDuration == 0 {
		c.MaxDuration = 50 * time.Second
	}
	if c.Sleep == 0 {
		c.Sleep = 300 * time.Millisecond
	}
	if c.DeepCheckURL == "" {
		c.DeepCheckURL = "http://localhost:8096/api/v1/deep-check"
	}
	if c.DeepCheckTimeout == 0 {
		c.DeepCheckTimeout = 30 * time.Second
	}
	if c.DeepCheckRPS == 0 {
		c.DeepCheckRPS = 2
	}
	if len(c.MailDomains) == 0 {
		c.MailDomains = []string{"gmail.com", "outlook.com", "yahoo.com"}
	}
	if c.LinkFetchFactor == 0 {
		c.LinkFetchFactor = 4
	}
}

// LauncherConfig selects how workers are started.
type LauncherConfig struct {
	Mode               string        `yaml:"mode"                env:"LAUNCHER_MODE"`
	Binary             string        `yaml:"binary"              env:"LAUNCHER_BINARY"`
	ConfigPath         string        `yaml:"config_path"`
	AssistIterations   int           `yaml:"assist_iterations"`
	AssistWallCap      time.Duration `yaml:"assist_wall_cap"`
	FallbackIterations int           `yaml:"fallback_iterations"`
	FallbackWallCap    time.Duration `yaml:"fallback_wall_cap"`
}

func (c *LauncherConfig) SetDefaults() {
	if c.Mode == "" {
		c.Mode = LauncherAuto
	}
	if c.AssistIterations == 0 {
		c.AssistIterations = 2
	}
	if c.AssistWallCap == 0 {
		c.AssistWallCap = 3 * time.Second
	}
	if c.FallbackIterations == 0 {
		c.FallbackIterations = 10
	}
	if c.FallbackWallCap == 0 {
		c.FallbackWallCap = 25 * time.Second
	}
}

// WatchdogConfig configures the recovery pass run from cron.
type WatchdogConfig struct {
	Schedule       string        `yaml:"schedule"         env:"WATCHDOG_SCHEDULE"`
	NodeStuckAfter time.Duration `yaml:"node_stuck_after"`
	TaskStuckAfter time.Duration `yaml:"task_stuck_after"`
	RunStaleAfter  time.Duration `yaml:"run_stale_after"`
	RetryStuck     *bool         `yaml:"retry_stuck"`
	MaxAttempts    int           `yaml:"max_attempts"`
	DrainBatch     int           `yaml:"drain_batch"`
	RelaunchLimit  int           `yaml:"relaunch_limit"`
}

// ShouldRetry reports whether stuck items get another attempt.
func (c *WatchdogConfig) ShouldRetry() bool {
	return c.RetryStuck == nil || *c.RetryStuck
}

func (c *WatchdogConfig) SetDefaults() {
	if c.Schedule == "" {
		c.Schedule = "@every 1m"
	}
	if c.NodeStuckAfter == 0 {
		c.NodeStuckAfter = 30 * time.Minute
	}
	if c.TaskStuckAfter == 0 {
		c.TaskStuckAfter = 10 * time.Minute
	}
	if c.RunStaleAfter == 0 {
		c.RunStaleAfter = 5 * time.Minute
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 2
	}
	if c.DrainBatch == 0 {
		c.DrainBatch = 100
	}
	if c.RelaunchLimit == 0 {
		c.RelaunchLimit = 20
	}
}

// SetDefaults fills every section.
func (c *Config) SetDefaults() {
	c.Logging.SetDefaults()
	if c.Debug {
		c.Logging.Development = true
		c.Logging.Level = "debug"
	}
	c.Database.SetDefaults()
	c.Redis.SetDefaults()
	c.Server.SetDefaults()
	c.Promotion.SetDefaults()
	c.Crowd.SetDefaults()
	c.Launcher.SetDefaults()
	c.Watchdog.SetDefaults()
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	switch c.Launcher.Mode {
	case LauncherAuto, LauncherProcess, LauncherInline:
	default:
		return fmt.Errorf("launcher.mode must be auto, process or inline, got %q", c.Launcher.Mode)
	}
	if c.Redis.QueueKey == "" {
		return errors.New("redis.queue_key is required")
	}
	if c.Watchdog.MaxAttempts < 1 {
		return fmt.Errorf("watchdog.max_attempts must be positive, got %d", c.Watchdog.MaxAttempts)
	}
	if c.Promotion.MaxIterations < 1 || c.Crowd.MaxIterations < 1 {
		return errors.New("worker max_iterations must be positive")
	}
	return nil
}

// LoadService loads, defaults and validates the promoter configuration.
func LoadService(path string) (*Config, error) {
	cfg, err := Load[Config](path)
	if err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err = cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
