// Package config loads the coordination plane's configuration from
// environment variables, env-first: every value except SUBSTRATE_URL
// (which Load requires) has a default, and every default can be
// overridden without a rebuild.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for a single coreplane node. It is
// loaded once in main() and passed down by constructor injection; no
// package reaches back into viper directly.
type Config struct {
	Node       NodeConfig
	Server     ServerConfig
	Substrate  SubstrateConfig
	Simulation SimulationConfig
	Signaling  SignalingConfig
	Document   DocumentConfig
	Gateway    GatewayConfig
	Logging    LoggingConfig
}

// NodeConfig identifies this process within the cluster.
type NodeConfig struct {
	ID string `mapstructure:"id"` // NODE_ID; random uuid if unset
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Host string `mapstructure:"host"`
}

// SubstrateConfig points at the shared state substrate (C1).
type SubstrateConfig struct {
	URL string `mapstructure:"url"` // SUBSTRATE_URL, e.g. redis://localhost:6379/0
}

// SimulationConfig tunes the simulation service (C2).
type SimulationConfig struct {
	LeaseTTL          time.Duration `mapstructure:"lease_ttl"` // LEASE_TTL_MS
	LeaseRenewEvery   time.Duration `mapstructure:"lease_renew_every"`
	FrameBackpressure int           `mapstructure:"frame_backpressure"` // FRAME_BACKPRESSURE
	ExecWallClock     time.Duration `mapstructure:"exec_wall_clock"`    // EXEC_WALL_CLOCK_MS
	FrameRingSize     int64         `mapstructure:"frame_ring_size"`
	MuJoCoBaseURL     string        `mapstructure:"mujoco_base_url"`   // MUJOCO_BASE_URL, sidecar HTTP endpoint
	PyBulletBaseURL   string        `mapstructure:"pybullet_base_url"` // PYBULLET_BASE_URL, sidecar HTTP endpoint
}

// SignalingConfig tunes the signaling relay (C3).
type SignalingConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"` // HEARTBEAT_INTERVAL_MS
	ServerTTL         time.Duration `mapstructure:"server_ttl"`
	ClientHeartbeat   time.Duration `mapstructure:"client_heartbeat"` // 30s client timeout, spec.md §3
}

// DocumentConfig tunes the CRDT document service (C4).
type DocumentConfig struct {
	PersistCoalesce time.Duration `mapstructure:"persist_coalesce"` // write-behind interval, <=50ms
}

// GatewayConfig tunes the edge gateway (C5).
type GatewayConfig struct {
	JWTSigningKey    string                `mapstructure:"jwt_signing_key"`
	AuthCacheTTL     time.Duration         `mapstructure:"auth_cache_ttl"`
	ResponseCacheTTL time.Duration         `mapstructure:"response_cache_ttl"`
	RateLimits       map[string]RouteLimit `mapstructure:"-"` // populated in code, not env
}

// RouteLimit is a token-bucket capacity/window pair for one route class.
type RouteLimit struct {
	Capacity int
	Window   time.Duration
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Environment string `mapstructure:"environment"` // "production" | "development"
}

// Load reads configuration from the environment, applying the defaults
// named in spec.md §6. Unlike the teacher's config loader this one can
// fail: SUBSTRATE_URL is required, and a missing URL is a fatal config
// error (exit code 1, per spec.md §6), not a silently-applied default.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("NODE_ID", "")
	v.SetDefault("SERVER_PORT", 8080)
	v.SetDefault("SERVER_HOST", "0.0.0.0")

	v.SetDefault("HEARTBEAT_INTERVAL_MS", 5000)
	v.SetDefault("LEASE_TTL_MS", 15000)
	v.SetDefault("FRAME_BACKPRESSURE", 4)
	v.SetDefault("EXEC_WALL_CLOCK_MS", 60000)
	v.SetDefault("FRAME_RING_SIZE", 64)
	v.SetDefault("MUJOCO_BASE_URL", "http://localhost:9001")
	v.SetDefault("PYBULLET_BASE_URL", "http://localhost:9002")
	v.SetDefault("SERVER_TTL_MS", 30000)
	v.SetDefault("CLIENT_HEARTBEAT_MS", 30000)
	v.SetDefault("DOC_PERSIST_COALESCE_MS", 50)

	v.SetDefault("JWT_SIGNING_KEY", "")
	v.SetDefault("AUTH_CACHE_TTL_MS", 60000)
	v.SetDefault("RESPONSE_CACHE_TTL_MS", 5000)

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_ENV", "production")

	substrateURL := v.GetString("SUBSTRATE_URL")
	if substrateURL == "" {
		return nil, fmt.Errorf("config: SUBSTRATE_URL is required")
	}

	leaseTTL := time.Duration(v.GetInt("LEASE_TTL_MS")) * time.Millisecond

	cfg := &Config{
		Node: NodeConfig{ID: v.GetString("NODE_ID")},
		Server: ServerConfig{
			Port: v.GetInt("SERVER_PORT"),
			Host: v.GetString("SERVER_HOST"),
		},
		Substrate: SubstrateConfig{URL: substrateURL},
		Simulation: SimulationConfig{
			LeaseTTL:          leaseTTL,
			LeaseRenewEvery:   leaseTTL / 3,
			FrameBackpressure: v.GetInt("FRAME_BACKPRESSURE"),
			ExecWallClock:     time.Duration(v.GetInt("EXEC_WALL_CLOCK_MS")) * time.Millisecond,
			FrameRingSize:     v.GetInt64("FRAME_RING_SIZE"),
			MuJoCoBaseURL:     v.GetString("MUJOCO_BASE_URL"),
			PyBulletBaseURL:   v.GetString("PYBULLET_BASE_URL"),
		},
		Signaling: SignalingConfig{
			HeartbeatInterval: time.Duration(v.GetInt("HEARTBEAT_INTERVAL_MS")) * time.Millisecond,
			ServerTTL:         time.Duration(v.GetInt("SERVER_TTL_MS")) * time.Millisecond,
			ClientHeartbeat:   time.Duration(v.GetInt("CLIENT_HEARTBEAT_MS")) * time.Millisecond,
		},
		Document: DocumentConfig{
			PersistCoalesce: time.Duration(v.GetInt("DOC_PERSIST_COALESCE_MS")) * time.Millisecond,
		},
		Gateway: GatewayConfig{
			JWTSigningKey:    v.GetString("JWT_SIGNING_KEY"),
			AuthCacheTTL:     time.Duration(v.GetInt("AUTH_CACHE_TTL_MS")) * time.Millisecond,
			ResponseCacheTTL: time.Duration(v.GetInt("RESPONSE_CACHE_TTL_MS")) * time.Millisecond,
			RateLimits: map[string]RouteLimit{
				"api":     {Capacity: 60, Window: time.Minute},
				"execute": {Capacity: 10, Window: time.Minute},
				"stream":  {Capacity: 120, Window: time.Minute},
			},
		},
		Logging: LoggingConfig{
			Level:       v.GetString("LOG_LEVEL"),
			Environment: v.GetString("LOG_ENV"),
		},
	}

	return cfg, nil
}
