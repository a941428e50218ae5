package main

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"spaceship-sync/internal/delta"
	"spaceship-sync/internal/wire"
)

// Config is the full server configuration. Values come from DefaultConfig,
// then an optional YAML/JSON/TOML file, then SYNC_* environment variables
// (SYNC_WIRE_MOVEMENT_THROTTLE=50ms and so on).
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Sync   SyncConfig   `mapstructure:"sync"`
	Wire   WireConfig   `mapstructure:"wire"`
	World  WorldConfig  `mapstructure:"world"`
	Log    LogConfig    `mapstructure:"log"`
}

type ServerConfig struct {
	Addr          string        `mapstructure:"addr"`
	ClientDir     string        `mapstructure:"client_dir"`
	DBPath        string        `mapstructure:"db_path"`
	StatsInterval time.Duration `mapstructure:"stats_interval"`
	MaxConnsPerIP int           `mapstructure:"max_conns_per_ip"`
	MaxTotalConns int           `mapstructure:"max_total_conns"`
	MaxSessions   int           `mapstructure:"max_sessions"`
	// MessagesPerSecond limits inbound messages per connection.
	MessagesPerSecond float64 `mapstructure:"messages_per_second"`
	MessageBurst      int     `mapstructure:"message_burst"`
}

type SyncConfig struct {
	SizeFallbackRatio   float64       `mapstructure:"size_fallback_ratio"`
	IdleTTL             time.Duration `mapstructure:"idle_ttl"`
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`
	Shards              int           `mapstructure:"shards"`
	PriorityFields      []string      `mapstructure:"priority_fields"`
	IgnoreFields        []string      `mapstructure:"ignore_fields"`
	PositionalFields    []string      `mapstructure:"positional_fields"`
	HealthFields        []string      `mapstructure:"health_fields"`
	PositionalThreshold float64       `mapstructure:"positional_threshold"`
	HealthThreshold     float64       `mapstructure:"health_threshold"`
	DefaultThreshold    float64       `mapstructure:"default_threshold"`
}

type WireConfig struct {
	MovementThrottle time.Duration       `mapstructure:"movement_throttle"`
	PixelThreshold   float64             `mapstructure:"pixel_threshold"`
	EnableDeltaSync  bool                `mapstructure:"enable_delta_sync"`
	Format           string              `mapstructure:"format"`
	Compression      string              `mapstructure:"compression"`
	CompressMinBytes int                 `mapstructure:"compress_min_bytes"`
	Profiles         map[string][]string `mapstructure:"profiles"`
}

type WorldConfig struct {
	TickRate      int     `mapstructure:"tick_rate"`
	BroadcastRate int     `mapstructure:"broadcast_rate"`
	Width         float64 `mapstructure:"width"`
	Height        float64 `mapstructure:"height"`
	ChunkSize     float64 `mapstructure:"chunk_size"`
	// ViewRadius is the number of chunks around a player that are synced.
	ViewRadius int `mapstructure:"view_radius"`
	Asteroids  int `mapstructure:"asteroids"`
	MaxPlayers int `mapstructure:"max_players"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// DefaultConfig returns the settings used when nothing overrides them.
func DefaultConfig() Config {
	rules := delta.DefaultFieldRules()
	return Config{
		Server: ServerConfig{
			Addr:              ":8080",
			DBPath:            "sync_stats.db",
			StatsInterval:     30 * time.Second,
			MaxConnsPerIP:     5,
			MaxTotalConns:     1000,
			MaxSessions:       100,
			MessagesPerSecond: 50,
			MessageBurst:      20,
		},
		Sync: SyncConfig{
			SizeFallbackRatio:   delta.DefaultSizeFallbackRatio,
			IdleTTL:             delta.DefaultIdleTTL,
			SweepInterval:       delta.DefaultSweepInterval,
			Shards:              delta.DefaultShards,
			PriorityFields:      rules.Priority,
			IgnoreFields:        rules.Ignore,
			PositionalFields:    rules.PositionalFields,
			HealthFields:        rules.HealthFields,
			PositionalThreshold: rules.PositionalThreshold,
			HealthThreshold:     rules.HealthThreshold,
			DefaultThreshold:    rules.DefaultThreshold,
		},
		Wire: WireConfig{
			MovementThrottle: wire.DefaultMovementThrottle,
			PixelThreshold:   wire.DefaultPixelThreshold,
			EnableDeltaSync:  true,
			Format:           wire.FormatJSON.String(),
			Compression:      wire.CompressionZstd.String(),
			CompressMinBytes: 512,
			Profiles:         wire.DefaultProfiles(),
		},
		World: WorldConfig{
			TickRate:      60,
			BroadcastRate: 20,
			Width:         4000,
			Height:        4000,
			ChunkSize:     500,
			ViewRadius:    1,
			Asteroids:     40,
			MaxPlayers:    20,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("server.addr", c.Server.Addr)
	v.SetDefault("server.client_dir", c.Server.ClientDir)
	v.SetDefault("server.db_path", c.Server.DBPath)
	v.SetDefault("server.stats_interval", c.Server.StatsInterval)
	v.SetDefault("server.max_conns_per_ip", c.Server.MaxConnsPerIP)
	v.SetDefault("server.max_total_conns", c.Server.MaxTotalConns)
	v.SetDefault("server.max_sessions", c.Server.MaxSessions)
	v.SetDefault("server.messages_per_second", c.Server.MessagesPerSecond)
	v.SetDefault("server.message_burst", c.Server.MessageBurst)

	v.SetDefault("sync.size_fallback_ratio", c.Sync.SizeFallbackRatio)
	v.SetDefault("sync.idle_ttl", c.Sync.IdleTTL)
	v.SetDefault("sync.sweep_interval", c.Sync.SweepInterval)
	v.SetDefault("sync.shards", c.Sync.Shards)
	v.SetDefault("sync.priority_fields", c.Sync.PriorityFields)
	v.SetDefault("sync.ignore_fields", c.Sync.IgnoreFields)
	v.SetDefault("sync.positional_fields", c.Sync.PositionalFields)
	v.SetDefault("sync.health_fields", c.Sync.HealthFields)
	v.SetDefault("sync.positional_threshold", c.Sync.PositionalThreshold)
	v.SetDefault("sync.health_threshold", c.Sync.HealthThreshold)
	v.SetDefault("sync.default_threshold", c.Sync.DefaultThreshold)

	v.SetDefault("wire.movement_throttle", c.Wire.MovementThrottle)
	v.SetDefault("wire.pixel_threshold", c.Wire.PixelThreshold)
	v.SetDefault("wire.enable_delta_sync", c.Wire.EnableDeltaSync)
	v.SetDefault("wire.format", c.Wire.Format)
	v.SetDefault("wire.compression", c.Wire.Compression)
	v.SetDefault("wire.compress_min_bytes", c.Wire.CompressMinBytes)
	v.SetDefault("wire.profiles", c.Wire.Profiles)

	v.SetDefault("world.tick_rate", c.World.TickRate)
	v.SetDefault("world.broadcast_rate", c.World.BroadcastRate)
	v.SetDefault("world.width", c.World.Width)
	v.SetDefault("world.height", c.World.Height)
	v.SetDefault("world.chunk_size", c.World.ChunkSize)
	v.SetDefault("world.view_radius", c.World.ViewRadius)
	v.SetDefault("world.asteroids", c.World.Asteroids)
	v.SetDefault("world.max_players", c.World.MaxPlayers)

	v.SetDefault("log.level", c.Log.Level)
	v.SetDefault("log.pretty", c.Log.Pretty)
}

// LoadConfig reads the configuration. An empty path skips the file.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetEnvPrefix("SYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, eris.Wrapf(err, "read config %s", path)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, eris.Wrap(err, "decode config")
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects settings the server cannot run with.
func (c Config) Validate() error {
	switch {
	case c.World.TickRate <= 0:
		return eris.New("world.tick_rate must be positive")
	case c.World.BroadcastRate <= 0 || c.World.BroadcastRate > c.World.TickRate:
		return eris.Errorf("world.broadcast_rate must be in 1..%d", c.World.TickRate)
	case c.World.ChunkSize <= 0:
		return eris.New("world.chunk_size must be positive")
	case c.World.Width <= 0 || c.World.Height <= 0:
		return eris.New("world size must be positive")
	case c.Sync.SizeFallbackRatio <= 0:
		return eris.New("sync.size_fallback_ratio must be positive")
	case c.Server.MessagesPerSecond <= 0:
		return eris.New("server.messages_per_second must be positive")
	case c.Server.StatsInterval <= 0:
		return eris.New("server.stats_interval must be positive")
	}
	if _, err := wire.ParseFormat(c.Wire.Format); err != nil {
		return eris.Wrap(err, "wire.format")
	}
	if _, err := wire.ParseCompression(c.Wire.Compression); err != nil {
		return eris.Wrap(err, "wire.compression")
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return eris.Wrap(err, "log.level")
	}
	return nil
}

// EncoderOptions maps the sync section onto the delta encoder.
func (c Config) EncoderOptions(log zerolog.Logger) delta.Options {
	return delta.Options{
		SizeFallbackRatio: c.Sync.SizeFallbackRatio,
		IdleTTL:           c.Sync.IdleTTL,
		SweepInterval:     c.Sync.SweepInterval,
		Shards:            c.Sync.Shards,
		Rules: delta.FieldRules{
			Priority:            c.Sync.PriorityFields,
			Ignore:              c.Sync.IgnoreFields,
			ReservedPrefix:      "_",
			PositionalFields:    c.Sync.PositionalFields,
			HealthFields:        c.Sync.HealthFields,
			PositionalThreshold: c.Sync.PositionalThreshold,
			HealthThreshold:     c.Sync.HealthThreshold,
			DefaultThreshold:    c.Sync.DefaultThreshold,
		},
		Logger: log,
	}
}

// OptimizerOptions maps the wire section onto the optimizer.
func (c Config) OptimizerOptions(log zerolog.Logger) (wire.Options, error) {
	format, err := wire.ParseFormat(c.Wire.Format)
	if err != nil {
		return wire.Options{}, err
	}
	comp, err := wire.ParseCompression(c.Wire.Compression)
	if err != nil {
		return wire.Options{}, err
	}
	return wire.Options{
		MovementThrottle: c.Wire.MovementThrottle,
		EnableDeltaSync:  c.Wire.EnableDeltaSync,
		PixelThreshold:   c.Wire.PixelThreshold,
		Profiles:         c.Wire.Profiles,
		Codec: wire.CodecOptions{
			Format:           format,
			Compression:      comp,
			CompressMinBytes: c.Wire.CompressMinBytes,
		},
		Logger: log,
	}, nil
}
