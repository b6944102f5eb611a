package config

import (
	"errors"
	"time"
)

// Config represents the coordination node configuration
type Config struct {
	Node        NodeConfig        `mapstructure:"node"`
	Server      ServerConfig      `mapstructure:"server"`
	Cluster     ClusterConfig     `mapstructure:"cluster"`
	Consistency ConsistencyConfig `mapstructure:"consistency"`
	Election    ElectionConfig    `mapstructure:"election"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Gossip      GossipConfig      `mapstructure:"gossip"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// NodeConfig identifies this node and its local storage
type NodeConfig struct {
	NodeID      string `mapstructure:"node_id"`
	Region      string `mapstructure:"region"`
	DataDir     string `mapstructure:"data_dir"`
	QuorumSize  int    `mapstructure:"quorum_size"`
	MinReplicas int    `mapstructure:"min_replicas"`
}

// ServerConfig represents the peer HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ClusterConfig controls membership and the health/rebalance loop
type ClusterConfig struct {
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatMaxAge     time.Duration `mapstructure:"heartbeat_max_age"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	ProbeTimeout        time.Duration `mapstructure:"probe_timeout"`
	MigrationRate       float64       `mapstructure:"migration_rate"` // items per second during gradual migration
}

// ConsistencyConfig represents consistency level configuration
type ConsistencyConfig struct {
	DefaultLevel    string        `mapstructure:"default_level"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	EventualTimeout time.Duration `mapstructure:"eventual_timeout"`
	RepairAsync     bool          `mapstructure:"repair_async"`
}

// ElectionConfig represents leader election configuration
type ElectionConfig struct {
	LeaseName     string        `mapstructure:"lease_name"`
	LeaseDuration time.Duration `mapstructure:"lease_duration"`
	RenewInterval time.Duration `mapstructure:"renew_interval"`
	RenewTimeout  time.Duration `mapstructure:"renew_timeout"`
	Store         string        `mapstructure:"store"` // "redis" or "memory"
}

// RedisConfig represents the shared lease store configuration
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// GossipConfig represents memberlist gossip configuration
type GossipConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BindPort       int           `mapstructure:"bind_port"`
	SeedNodes      []string      `mapstructure:"seed_nodes"`
	GossipInterval time.Duration `mapstructure:"gossip_interval"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
	ProbeInterval  time.Duration `mapstructure:"probe_interval"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Node.NodeID == "" {
		return errors.New("node.node_id is required")
	}
	if c.Node.DataDir == "" {
		return errors.New("node.data_dir is required")
	}
	if c.Node.QuorumSize < 1 {
		return errors.New("node.quorum_size must be at least 1")
	}
	if c.Node.MinReplicas < 1 {
		return errors.New("node.min_replicas must be at least 1")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.Consistency.DefaultLevel == "" {
		c.Consistency.DefaultLevel = "quorum"
	}
	if !isValidConsistencyLevel(c.Consistency.DefaultLevel) {
		return errors.New("consistency.default_level must be one of: strong, quorum, eventual")
	}
	if c.Election.LeaseDuration <= 0 {
		return errors.New("election.lease_duration must be positive")
	}
	if c.Election.RenewInterval >= c.Election.LeaseDuration/2 {
		return errors.New("election.renew_interval must be less than half the lease duration")
	}
	if c.Election.RenewTimeout >= c.Election.LeaseDuration {
		return errors.New("election.renew_timeout must be less than the lease duration")
	}
	switch c.Election.Store {
	case "redis", "memory":
	default:
		return errors.New("election.store must be one of: redis, memory")
	}
	if c.Election.Store == "redis" && c.Redis.Host == "" {
		return errors.New("redis.host is required when election.store is redis")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// isValidConsistencyLevel checks if the consistency level is valid
func isValidConsistencyLevel(level string) bool {
	switch level {
	case "strong", "quorum", "eventual":
		return true
	default:
		return false
	}
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			NodeID:      "",
			Region:      "default",
			DataDir:     "/data",
			QuorumSize:  3,
			MinReplicas: 3,
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Cluster: ClusterConfig{
			HeartbeatInterval:   5 * time.Second,
			HeartbeatMaxAge:     30 * time.Second,
			HealthCheckInterval: 5 * time.Second,
			ProbeTimeout:        2 * time.Second,
			MigrationRate:       5,
		},
		Consistency: ConsistencyConfig{
			DefaultLevel:    "quorum",
			WriteTimeout:    5 * time.Second,
			ReadTimeout:     3 * time.Second,
			EventualTimeout: 10 * time.Second,
			RepairAsync:     true,
		},
		Election: ElectionConfig{
			LeaseName:     "storage-cluster-leader",
			LeaseDuration: 15 * time.Second,
			RenewInterval: 5 * time.Second,
			RenewTimeout:  3 * time.Second,
			Store:         "memory",
		},
		Redis: RedisConfig{
			Host:     "localhost",
			Port:     6379,
			Password: "",
			DB:       0,
		},
		Gossip: GossipConfig{
			Enabled:        false,
			BindPort:       7946,
			SeedNodes:      nil,
			GossipInterval: 200 * time.Millisecond,
			ProbeTimeout:   500 * time.Millisecond,
			ProbeInterval:  1 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
