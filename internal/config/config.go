package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Discord        DiscordConfig        `yaml:"discord" envPrefix:"TECHRUN_DISCORD_"`
	Database       DatabaseConfig       `yaml:"database" envPrefix:"TECHRUN_DATABASE_"`
	Server         ServerConfig         `yaml:"server" envPrefix:"TECHRUN_SERVER_"`
	Telemetry      TelemetryConfig      `yaml:"telemetry" envPrefix:"TECHRUN_TELEMETRY_"`
	LeaderElection LeaderElectionConfig `yaml:"leader_election" envPrefix:"TECHRUN_LEADER_"`
	NATS           NATSConfig           `yaml:"nats" envPrefix:"TECHRUN_NATS_"`
	Game           GameConfig           `yaml:"game" envPrefix:"TECHRUN_GAME_"`
}

// DiscordConfig holds Discord bot settings. An empty token disables the bot.
type DiscordConfig struct {
	Token             string `yaml:"token" env:"TOKEN"`
	GuildID           string `yaml:"guild_id" env:"GUILD_ID"`
	AnnounceChannelID string `yaml:"announce_channel_id" env:"ANNOUNCE_CHANNEL_ID"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Driver   string `yaml:"driver" env:"DRIVER"` // "sqlx", "sqlite" or "memory"
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	User     string `yaml:"user" env:"USER"`
	Password string `yaml:"password" env:"PASSWORD"`
	DBName   string `yaml:"dbname" env:"NAME"`
	SSLMode  string `yaml:"sslmode" env:"SSLMODE"`
	// Path is the SQLite database file.
	Path string `yaml:"path" env:"PATH"`
}

// DSN returns the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" env:"PORT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name" env:"SERVICE_NAME"`
	ServiceVersion string `yaml:"service_version" env:"SERVICE_VERSION"`
	OTLPEndpoint   string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	Insecure       bool   `yaml:"insecure" env:"INSECURE"`
}

// LeaderElectionConfig holds Kubernetes leader election settings.
type LeaderElectionConfig struct {
	Enabled        bool          `yaml:"enabled" env:"ENABLED"`
	LeaseName      string        `yaml:"lease_name" env:"LEASE_NAME"`
	LeaseNamespace string        `yaml:"lease_namespace" env:"LEASE_NAMESPACE"`
	LeaseDuration  time.Duration `yaml:"lease_duration" env:"LEASE_DURATION"`
	RenewDeadline  time.Duration `yaml:"renew_deadline" env:"RENEW_DEADLINE"`
	RetryPeriod    time.Duration `yaml:"retry_period" env:"RETRY_PERIOD"`
	// Identity names this replica in the lease. Defaults to POD_NAME or the
	// hostname.
	Identity string `yaml:"identity" env:"IDENTITY"`
}

// NATSConfig holds the notification bus settings. An empty URL disables it.
type NATSConfig struct {
	URL           string        `yaml:"url" env:"URL"`
	SubjectPrefix string        `yaml:"subject_prefix" env:"SUBJECT_PREFIX"`
	MaxReconnects int           `yaml:"max_reconnects" env:"MAX_RECONNECTS"`
	ReconnectWait time.Duration `yaml:"reconnect_wait" env:"RECONNECT_WAIT"`
}

// GameConfig holds the economy and auction rules.
type GameConfig struct {
	UnskipPrice            int           `yaml:"unskip_price" env:"UNSKIP_PRICE"`
	PrepareDurationSeconds int           `yaml:"prepare_duration_seconds" env:"PREPARE_DURATION_SECONDS"`
	AuctionDurationSeconds int           `yaml:"auction_duration_seconds" env:"AUCTION_DURATION_SECONDS"`
	TickInterval           time.Duration `yaml:"tick_interval" env:"TICK_INTERVAL"`
	MinigameGroup          string        `yaml:"minigame_group" env:"MINIGAME_GROUP"`
	NotifyQueueSize        int           `yaml:"notify_queue_size" env:"NOTIFY_QUEUE_SIZE"`
}

// Defaults returns the configuration used when a setting is absent.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:  "sqlx",
			Host:    "localhost",
			Port:    5432,
			SSLMode: "disable",
			Path:    "techrun.db",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "techrun",
			ServiceVersion: "0.1.0",
		},
		LeaderElection: LeaderElectionConfig{
			Enabled:        false,
			LeaseName:      "techrun-leader",
			LeaseNamespace: "default",
			LeaseDuration:  15 * time.Second,
			RenewDeadline:  10 * time.Second,
			RetryPeriod:    2 * time.Second,
		},
		NATS: NATSConfig{
			SubjectPrefix: "techrun.notifications",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		Game: GameConfig{
			UnskipPrice:            30,
			PrepareDurationSeconds: 10,
			AuctionDurationSeconds: 60,
			TickInterval:           time.Second,
			MinigameGroup:          "minigame-station",
			NotifyQueueSize:        256,
		},
	}
}

// Load reads a YAML configuration file from the given path, then applies
// TECHRUN_* environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	switch c.Database.Driver {
	case "sqlx", "memory":
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("sqlite driver requires database.path")
		}
	default:
		return fmt.Errorf("unsupported database driver %q: must be \"sqlx\", \"sqlite\" or \"memory\"", c.Database.Driver)
	}
	if c.Game.UnskipPrice < 0 {
		return fmt.Errorf("game.unskip_price must not be negative")
	}
	if c.Game.PrepareDurationSeconds <= 0 || c.Game.AuctionDurationSeconds <= 0 {
		return fmt.Errorf("auction durations must be positive")
	}
	if c.Game.TickInterval <= 0 {
		return fmt.Errorf("game.tick_interval must be positive")
	}
	if c.Game.NotifyQueueSize <= 0 {
		return fmt.Errorf("game.notify_queue_size must be positive")
	}
	return nil
}
