package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "BOARDSYNC"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabaseDSN        = "boardsync.db"
	defaultLogLevel           = "info"
	defaultRedisAddress       = "127.0.0.1:6379"
	defaultAuthIssuer         = "boardsync-auth"
	defaultCookieName         = "app_session"
	defaultTokenTTL           = 12 * time.Hour
	defaultPresenceTTL        = 30 * time.Second
	defaultHeartbeatInterval  = 10 * time.Second
	defaultCursorTTL          = 10 * time.Second
	defaultEditLockTTL        = 5 * time.Minute
	defaultBoardCacheTTL      = 24 * time.Hour
	defaultReconcileInterval  = 5 * time.Second
	defaultReconcileBatchSize = 10
	defaultSnapshotEvery      = 5
	defaultMaxSnapshots       = 50
	defaultShutdownTimeout    = 10 * time.Second
	defaultSendBuffer         = 64
	defaultWriteTimeout       = 10 * time.Second
)

// AppConfig captures runtime configuration for the sync server.
type AppConfig struct {
	HTTPAddress string
	LogLevel    string
	DatabaseDSN string

	RedisAddress  string
	RedisPassword string
	RedisDB       int

	AuthSigningSecret string
	AuthIssuer        string
	AuthCookieName    string
	AuthTokenTTL      time.Duration

	PresenceTTL       time.Duration
	HeartbeatInterval time.Duration
	CursorTTL         time.Duration
	EditLockTTL       time.Duration
	BoardCacheTTL     time.Duration

	ReconcileInterval        time.Duration
	ReconcileBatchSize       int
	SnapshotEvery            int
	MaxSnapshots             int
	ReconcileShutdownTimeout time.Duration

	SendBuffer     int
	WriteTimeout   time.Duration
	AllowedOrigins []string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("redis.address", defaultRedisAddress)
	configViper.SetDefault("redis.password", "")
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("presence.ttl", defaultPresenceTTL)
	configViper.SetDefault("presence.heartbeat_interval", defaultHeartbeatInterval)
	configViper.SetDefault("cursor.ttl", defaultCursorTTL)
	configViper.SetDefault("editlock.ttl", defaultEditLockTTL)
	configViper.SetDefault("cache.board_ttl", defaultBoardCacheTTL)
	configViper.SetDefault("reconcile.interval", defaultReconcileInterval)
	configViper.SetDefault("reconcile.batch_size", defaultReconcileBatchSize)
	configViper.SetDefault("reconcile.snapshot_every", defaultSnapshotEvery)
	configViper.SetDefault("reconcile.max_snapshots", defaultMaxSnapshots)
	configViper.SetDefault("reconcile.shutdown_timeout", defaultShutdownTimeout)
	configViper.SetDefault("gateway.send_buffer", defaultSendBuffer)
	configViper.SetDefault("gateway.write_timeout", defaultWriteTimeout)
	configViper.SetDefault("gateway.allowed_origins", []string{"*"})
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress: configViper.GetString("http.address"),
		LogLevel:    configViper.GetString("log.level"),
		DatabaseDSN: configViper.GetString("database.dsn"),

		RedisAddress:  configViper.GetString("redis.address"),
		RedisPassword: configViper.GetString("redis.password"),
		RedisDB:       configViper.GetInt("redis.db"),

		AuthSigningSecret: configViper.GetString("auth.signing_secret"),
		AuthIssuer:        configViper.GetString("auth.issuer"),
		AuthCookieName:    configViper.GetString("auth.cookie_name"),
		AuthTokenTTL:      configViper.GetDuration("auth.token_ttl"),

		PresenceTTL:       configViper.GetDuration("presence.ttl"),
		HeartbeatInterval: configViper.GetDuration("presence.heartbeat_interval"),
		CursorTTL:         configViper.GetDuration("cursor.ttl"),
		EditLockTTL:       configViper.GetDuration("editlock.ttl"),
		BoardCacheTTL:     configViper.GetDuration("cache.board_ttl"),

		ReconcileInterval:        configViper.GetDuration("reconcile.interval"),
		ReconcileBatchSize:       configViper.GetInt("reconcile.batch_size"),
		SnapshotEvery:            configViper.GetInt("reconcile.snapshot_every"),
		MaxSnapshots:             configViper.GetInt("reconcile.max_snapshots"),
		ReconcileShutdownTimeout: configViper.GetDuration("reconcile.shutdown_timeout"),

		SendBuffer:     configViper.GetInt("gateway.send_buffer"),
		WriteTimeout:   configViper.GetDuration("gateway.write_timeout"),
		AllowedOrigins: configViper.GetStringSlice("gateway.allowed_origins"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.AuthIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if strings.TrimSpace(c.AuthCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if strings.TrimSpace(c.RedisAddress) == "" {
		return fmt.Errorf("redis.address is required")
	}

	durations := []struct {
		key   string
		value time.Duration
	}{
		{key: "auth.token_ttl", value: c.AuthTokenTTL},
		{key: "presence.ttl", value: c.PresenceTTL},
		{key: "presence.heartbeat_interval", value: c.HeartbeatInterval},
		{key: "cursor.ttl", value: c.CursorTTL},
		{key: "editlock.ttl", value: c.EditLockTTL},
		{key: "cache.board_ttl", value: c.BoardCacheTTL},
		{key: "reconcile.interval", value: c.ReconcileInterval},
		{key: "reconcile.shutdown_timeout", value: c.ReconcileShutdownTimeout},
		{key: "gateway.write_timeout", value: c.WriteTimeout},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive", d.key)
		}
	}
	if c.HeartbeatInterval >= c.PresenceTTL {
		return fmt.Errorf("presence.heartbeat_interval must be shorter than presence.ttl")
	}

	counts := []struct {
		key   string
		value int
	}{
		{key: "reconcile.batch_size", value: c.ReconcileBatchSize},
		{key: "reconcile.snapshot_every", value: c.SnapshotEvery},
		{key: "reconcile.max_snapshots", value: c.MaxSnapshots},
		{key: "gateway.send_buffer", value: c.SendBuffer},
	}
	for _, n := range counts {
		if n.value < 1 {
			return fmt.Errorf("%s must be at least 1", n.key)
		}
	}
	return nil
}
