package server

import (
	"time"

	"github.com/kubilitics/kubilitics-reasoner/internal/config"
)

// Version is reported by /health and the gRPC server.
var Version = "0.1.0"

// Config holds the listener and request settings of the server.
type Config struct {
	Host     string
	Port     int
	GRPCPort int // 0 disables the gRPC health listener

	// AllowedOrigins are origins permitted to open WebSocket connections.
	// Empty allows the local development front ends, ["*"] allows any.
	AllowedOrigins []string

	RateLimitRPS   float64 // per client; 0 disables
	RateLimitBurst int

	RequestTimeout  time.Duration // deadline of one orchestrate call; 0 disables
	ShutdownTimeout time.Duration
	ReadyInterval   time.Duration // readiness check period feeding the gRPC health status
}

// FromAppConfig builds a server Config from the application configuration.
func FromAppConfig(cfg *config.Config) Config {
	return Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		GRPCPort:        cfg.Server.GRPCPort,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		RateLimitRPS:    cfg.Server.RateLimitRPS,
		RateLimitBurst:  cfg.Server.RateLimitBurst,
		RequestTimeout:  time.Duration(cfg.Server.RequestTimeout) * time.Second,
		ShutdownTimeout: time.Duration(cfg.Server.ShutdownTimeout) * time.Second,
		ReadyInterval:   15 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 15 * time.Second
	}
	if c.ReadyInterval <= 0 {
		c.ReadyInterval = 15 * time.Second
	}
	return c
}
