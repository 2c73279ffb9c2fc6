// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package rakgate holds the process configuration of the rakgate server.
package rakgate

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix is the prefix of every environment variable read by cmd.
const EnvPrefix = "RAKGATE_"

// MinSessionTimeout is the shortest accepted session timeout.
const MinSessionTimeout = time.Millisecond

// ErrInvalidConfig is returned when the configuration is inconsistent.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the application configuration.
type Config struct {
	// Listener
	Host            string        `env:"HOST"             envDefault:""`
	Port            string        `env:"PORT"             envDefault:"19132"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	WorkerPoolSize  int           `env:"WORKERS"          envDefault:"32"`
	QueueSize       int           `env:"QUEUE_SIZE"       envDefault:"256"`
	BufferSize      int           `env:"BUFFER_SIZE"      envDefault:"8192"`
	ReadBufferSize  int           `env:"READ_BUFFER_SIZE"`
	WriteBufferSize int           `env:"WRITE_BUFFER_SIZE"`

	// Sessions
	SessionTimeout time.Duration `env:"SESSION_TIMEOUT" envDefault:"10s"`
	MaxSessions    int           `env:"MAX_SESSIONS"    envDefault:"10000"`
	RegistryShards int           `env:"REGISTRY_SHARDS" envDefault:"64"`
	MaxMTU         uint16        `env:"MAX_MTU"         envDefault:"1500"`
	MinMTU         uint16        `env:"MIN_MTU"         envDefault:"576"`

	// Rate Limiting
	RateLimitCapacity  int64 `env:"RATE_LIMIT_CAPACITY"  envDefault:"20"`
	RateLimitRefill    int64 `env:"RATE_LIMIT_REFILL"    envDefault:"10"`
	GlobalRateCapacity int64 `env:"GLOBAL_RATE_CAPACITY" envDefault:"20000"`
	GlobalRateRefill   int64 `env:"GLOBAL_RATE_REFILL"   envDefault:"10000"`

	// Status
	Edition         string `env:"EDITION"       envDefault:"MCPE"`
	MOTD            string `env:"MOTD"          envDefault:"rakgate"`
	SubMOTD         string `env:"SUB_MOTD"      envDefault:"rakgate"`
	GameVersion     string `env:"GAME_VERSION"  envDefault:"1.21.20"`
	ProtocolVersion int    `env:"GAME_PROTOCOL" envDefault:"712"`
	GameMode        string `env:"GAME_MODE"     envDefault:"Survival"`
	GameModeID      int    `env:"GAME_MODE_ID"  envDefault:"1"`
	MaxPlayers      int    `env:"MAX_PLAYERS"`

	// Observability
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`
	HealthPort  int    `env:"HEALTH_PORT"  envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"   envDefault:"json"`
}

// NewConfig parses the configuration from the environment.
func NewConfig(opts env.Options) (Config, error) {
	c := Config{}
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the values that parsing cannot.
func (c Config) Validate() error {
	switch {
	case c.Port == "":
		return fmt.Errorf("%w: port is required", ErrInvalidConfig)
	case c.SessionTimeout < MinSessionTimeout:
		return fmt.Errorf("%w: session timeout must be at least %s", ErrInvalidConfig, MinSessionTimeout)
	case c.ShutdownTimeout < 0:
		return fmt.Errorf("%w: shutdown timeout must not be negative", ErrInvalidConfig)
	case c.MaxSessions <= 0:
		return fmt.Errorf("%w: max sessions must be positive", ErrInvalidConfig)
	case c.MinMTU > c.MaxMTU:
		return fmt.Errorf("%w: min MTU %d exceeds max MTU %d", ErrInvalidConfig, c.MinMTU, c.MaxMTU)
	case c.WorkerPoolSize < 0 || c.QueueSize < 0 || c.BufferSize < 0:
		return fmt.Errorf("%w: worker, queue and buffer sizes must not be negative", ErrInvalidConfig)
	case c.ReadBufferSize < 0 || c.WriteBufferSize < 0 || c.RegistryShards < 0:
		return fmt.Errorf("%w: socket buffers and shard count must not be negative", ErrInvalidConfig)
	case c.RateLimitCapacity < 0 || c.GlobalRateCapacity < 0:
		return fmt.Errorf("%w: rate limit capacity must not be negative", ErrInvalidConfig)
	}
	return nil
}
