package main

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/mbolaris/tank-sub003/internal/app"
	"github.com/mbolaris/tank-sub003/internal/monitoring"
)

// Config holds all server configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Identity and listen address
	ServerID      string `env:"SERVER_ID"`
	Host          string `env:"HOST" envDefault:"0.0.0.0"`
	Port          int    `env:"API_PORT" envDefault:"8000"`
	AdvertiseHost string `env:"ADVERTISE_HOST"`
	DataDir       string `env:"DATA_DIR" envDefault:"data"`

	// Federation
	DiscoveryServerURL       string `env:"DISCOVERY_SERVER_URL"`
	DiscoveryAPIKey          string `env:"DISCOVERY_API_KEY"`
	AllowPrivateRegistration bool   `env:"ALLOW_PRIVATE_SERVER_REGISTRATION" envDefault:"false"`

	// Deployment posture
	Production     bool     `env:"PRODUCTION" envDefault:"false"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`

	// Peer liveness
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"2s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"6s"`
	CleanupInterval   time.Duration `env:"CLEANUP_INTERVAL" envDefault:"5s"`
	PruneTimeout      time.Duration `env:"PRUNE_TIMEOUT" envDefault:"1h"`

	// Background cadence
	MigrationCheckInterval time.Duration `env:"MIGRATION_CHECK_INTERVAL" envDefault:"2s"`
	AutoSaveInterval       time.Duration `env:"AUTO_SAVE_INTERVAL" envDefault:"60s"`
	SnapshotKeep           int           `env:"SNAPSHOT_KEEP" envDefault:"5"`

	// Simulation pacing
	TickRate          int `env:"TICK_RATE" envDefault:"30"`
	UpdateInterval    int `env:"WEBSOCKET_UPDATE_INTERVAL" envDefault:"2"`
	DeltaSyncInterval int `env:"DELTA_SYNC_INTERVAL" envDefault:"90"`

	// Worlds and transfers
	TransfersEnabled bool   `env:"TRANSFERS_ENABLED" envDefault:"true"`
	DefaultWorldType string `env:"DEFAULT_WORLD_TYPE" envDefault:"tank"`
	WSMaxConnsPerIP  int    `env:"WS_MAX_CONNS_PER_IP" envDefault:"5"`

	// Eventing
	NATSURL string `env:"NATS_URL"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// LoadConfig reads configuration from a .env file and environment
// variables. Priority: ENV vars > .env file > defaults. A missing .env
// file is fine; production deployments set the environment directly.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.ServerID == "" {
		cfg.ServerID = "server-" + uuid.NewString()[:8]
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("API_PORT must be 1-65535, got %d", c.Port)
	}
	if c.TickRate < 1 {
		return fmt.Errorf("TICK_RATE must be > 0, got %d", c.TickRate)
	}
	if c.UpdateInterval < 1 {
		return fmt.Errorf("WEBSOCKET_UPDATE_INTERVAL must be > 0, got %d", c.UpdateInterval)
	}
	if c.DeltaSyncInterval < 1 {
		return fmt.Errorf("DELTA_SYNC_INTERVAL must be > 0, got %d", c.DeltaSyncInterval)
	}
	if c.SnapshotKeep < 1 {
		return fmt.Errorf("SNAPSHOT_KEEP must be > 0, got %d", c.SnapshotKeep)
	}
	if c.WSMaxConnsPerIP < 1 {
		return fmt.Errorf("WS_MAX_CONNS_PER_IP must be > 0, got %d", c.WSMaxConnsPerIP)
	}
	if c.HeartbeatTimeout < c.HeartbeatInterval {
		return fmt.Errorf("HEARTBEAT_TIMEOUT (%s) must be >= HEARTBEAT_INTERVAL (%s)",
			c.HeartbeatTimeout, c.HeartbeatInterval)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{
		monitoring.LogFormatJSON:   true,
		monitoring.LogFormatPretty: true,
	}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be json or pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// Options maps the parsed environment onto the app wiring.
func (c *Config) Options(version string) app.Options {
	return app.Options{
		ServerID:                 c.ServerID,
		Host:                     c.Host,
		Port:                     c.Port,
		AdvertiseHost:            c.AdvertiseHost,
		Version:                  version,
		DataDir:                  c.DataDir,
		Production:               c.Production,
		AllowedOrigins:           c.AllowedOrigins,
		DiscoveryServerURL:       c.DiscoveryServerURL,
		DiscoveryAPIKey:          c.DiscoveryAPIKey,
		AllowPrivateRegistration: c.AllowPrivateRegistration,
		HeartbeatInterval:        c.HeartbeatInterval,
		HeartbeatTimeout:         c.HeartbeatTimeout,
		CleanupInterval:          c.CleanupInterval,
		PruneTimeout:             c.PruneTimeout,
		MigrationCheckInterval:   c.MigrationCheckInterval,
		AutoSaveInterval:         c.AutoSaveInterval,
		SnapshotKeep:             c.SnapshotKeep,
		TickRate:                 c.TickRate,
		UpdateInterval:           c.UpdateInterval,
		DeltaSyncInterval:        c.DeltaSyncInterval,
		TransfersEnabled:         c.TransfersEnabled,
		DefaultWorldType:         c.DefaultWorldType,
		WSMaxConnsPerIP:          c.WSMaxConnsPerIP,
		NATSURL:                  c.NATSURL,
	}
}

// LogConfig logs the effective configuration using structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("server_id", c.ServerID).
		Str("host", c.Host).
		Int("port", c.Port).
		Str("advertise_host", c.AdvertiseHost).
		Str("data_dir", c.DataDir).
		Str("discovery_server_url", c.DiscoveryServerURL).
		Bool("allow_private_registration", c.AllowPrivateRegistration).
		Bool("production", c.Production).
		Strs("allowed_origins", c.AllowedOrigins).
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Dur("heartbeat_timeout", c.HeartbeatTimeout).
		Dur("cleanup_interval", c.CleanupInterval).
		Dur("prune_timeout", c.PruneTimeout).
		Dur("migration_check_interval", c.MigrationCheckInterval).
		Dur("auto_save_interval", c.AutoSaveInterval).
		Int("snapshot_keep", c.SnapshotKeep).
		Int("tick_rate", c.TickRate).
		Int("update_interval", c.UpdateInterval).
		Int("delta_sync_interval", c.DeltaSyncInterval).
		Bool("transfers_enabled", c.TransfersEnabled).
		Str("default_world_type", c.DefaultWorldType).
		Int("ws_max_conns_per_ip", c.WSMaxConnsPerIP).
		Str("nats_url", c.NATSURL).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
