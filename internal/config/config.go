// Package config provides configuration management for the pool daemon.
// Values start from defaults, are overridden by an optional TOML file named
// by CONFIG_FILE and finally by environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
)

// Config holds the configuration of the pool daemon
type Config struct {
	// Service identification
	ServiceName string
	Version     string
	Environment string

	// Network configuration
	ListenAddr string
	ListenPort int

	// Node connection
	NodeRPCHost     string
	NodeRPCPort     int
	NodeRPCUser     string
	NodeRPCPassword string
	NodeZMQAddr     string

	// Event sinks; an empty value disables the sink
	KafkaBrokers       []string
	RedisURL           string
	BlockNotifyChannel string
	InfluxURL          string
	InfluxToken        string
	InfluxOrg          string
	InfluxBucket       string

	// Difficulty
	MinDifficulty       float64
	MaxDifficulty       float64
	InitialDifficulty   float64
	VardiffRetarget     time.Duration
	VardiffTimeBuffer   time.Duration
	VardiffTargetShares float64
	Diff1Target         string
	DifficultyMethod    string

	// Jobs and shares
	JobRefreshInterval time.Duration
	JobHistory         int
	ExtraNonce1Size    int
	ExtraNonce2Size    int
	MaxTimeSkew        time.Duration
	SolutionSizeField  string
	NotifyConcurrency  int

	// Miner policy
	WelcomeMessage    string
	AuthorizedWorkers []string

	// Performance tuning
	MaxConnections int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int

	// Logging
	LogLevel  string
	LogFormat string
}

// fileConfig is the layout of the optional TOML file. Durations are written
// as Go duration strings ("30s"). Zero values leave the default in place.
type fileConfig struct {
	Service struct {
		Name        string `toml:"name"`
		Environment string `toml:"environment"`
	} `toml:"service"`

	Server struct {
		ListenAddr     string `toml:"listen_addr"`
		ListenPort     int    `toml:"listen_port"`
		MaxConnections int    `toml:"max_connections"`
		ReadTimeout    string `toml:"read_timeout"`
		WriteTimeout   string `toml:"write_timeout"`
		MaxMessageSize int    `toml:"max_message_size"`
	} `toml:"server"`

	Node struct {
		RPCHost     string `toml:"rpc_host"`
		RPCPort     int    `toml:"rpc_port"`
		RPCUser     string `toml:"rpc_user"`
		RPCPassword string `toml:"rpc_password"`
		ZMQAddr     string `toml:"zmq_addr"`
	} `toml:"node"`

	Pool struct {
		JobRefreshInterval string   `toml:"job_refresh_interval"`
		JobHistory         int      `toml:"job_history"`
		ExtraNonce1Size    int      `toml:"extranonce1_size"`
		ExtraNonce2Size    int      `toml:"extranonce2_size"`
		MaxTimeSkew        string   `toml:"max_time_skew"`
		SolutionSizeField  string   `toml:"solution_size_field"`
		NotifyConcurrency  int      `toml:"notify_concurrency"`
		WelcomeMessage     string   `toml:"welcome_message"`
		AuthorizedWorkers  []string `toml:"authorized_workers"`
	} `toml:"pool"`

	Difficulty struct {
		Min          float64 `toml:"min"`
		Max          float64 `toml:"max"`
		Initial      float64 `toml:"initial"`
		Diff1Target  string  `toml:"diff1_target"`
		Method       string  `toml:"method"`
		Retarget     string  `toml:"vardiff_retarget"`
		TimeBuffer   string  `toml:"vardiff_time_buffer"`
		TargetShares float64 `toml:"vardiff_target_shares"`
	} `toml:"difficulty"`

	Kafka struct {
		Brokers []string `toml:"brokers"`
	} `toml:"kafka"`

	Redis struct {
		URL                string `toml:"url"`
		BlockNotifyChannel string `toml:"blocknotify_channel"`
	} `toml:"redis"`

	Influx struct {
		URL    string `toml:"url"`
		Token  string `toml:"token"`
		Org    string `toml:"org"`
		Bucket string `toml:"bucket"`
	} `toml:"influx"`

	Log struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"log"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ServiceName: "vrscpool",
		Version:     "dev",
		Environment: "development",

		ListenAddr: "0.0.0.0",
		ListenPort: 5041,

		NodeRPCHost: "localhost",
		NodeRPCPort: 27486,

		BlockNotifyChannel: "vrscpool:blocknotify",
		InfluxOrg:          "vrscpool",
		InfluxBucket:       "mining",

		MinDifficulty:       1.0,
		MaxDifficulty:       1000000.0,
		InitialDifficulty:   5000.0,
		VardiffRetarget:     60 * time.Second,
		VardiffTimeBuffer:   2 * time.Second,
		VardiffTargetShares: 20,
		Diff1Target:         "0007ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff",
		DifficultyMethod:    "target",

		JobRefreshInterval: 30 * time.Second,
		JobHistory:         8,
		ExtraNonce1Size:    4,
		ExtraNonce2Size:    28,
		MaxTimeSkew:        10 * time.Minute,
		SolutionSizeField:  "fd4005",
		NotifyConcurrency:  64,

		WelcomeMessage: "Welcome to the pool",

		MaxConnections: 10000,
		ReadTimeout:    10 * time.Minute,
		WriteTimeout:   30 * time.Second,
		MaxMessageSize: 16 * 1024,

		LogLevel:  "info",
		LogFormat: "json",
	}
}

// Load builds the configuration from defaults, the file named by CONFIG_FILE
// and the environment, in that order.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// StratumAddr returns the host:port the Stratum listener binds.
func (c *Config) StratumAddr() string {
	return fmt.Sprintf("%s:%d", c.ListenAddr, c.ListenPort)
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file %s does not exist", path)
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return c.applyFileConfig(fc)
}

func (c *Config) applyFileConfig(fc fileConfig) error {
	setString(&c.ServiceName, fc.Service.Name)
	setString(&c.Environment, fc.Service.Environment)

	setString(&c.ListenAddr, fc.Server.ListenAddr)
	setInt(&c.ListenPort, fc.Server.ListenPort)
	setInt(&c.MaxConnections, fc.Server.MaxConnections)
	setInt(&c.MaxMessageSize, fc.Server.MaxMessageSize)

	setString(&c.NodeRPCHost, fc.Node.RPCHost)
	setInt(&c.NodeRPCPort, fc.Node.RPCPort)
	setString(&c.NodeRPCUser, fc.Node.RPCUser)
	setString(&c.NodeRPCPassword, fc.Node.RPCPassword)
	setString(&c.NodeZMQAddr, fc.Node.ZMQAddr)

	setInt(&c.JobHistory, fc.Pool.JobHistory)
	setInt(&c.ExtraNonce1Size, fc.Pool.ExtraNonce1Size)
	setInt(&c.ExtraNonce2Size, fc.Pool.ExtraNonce2Size)
	setString(&c.SolutionSizeField, fc.Pool.SolutionSizeField)
	setInt(&c.NotifyConcurrency, fc.Pool.NotifyConcurrency)
	setString(&c.WelcomeMessage, fc.Pool.WelcomeMessage)
	if len(fc.Pool.AuthorizedWorkers) > 0 {
		c.AuthorizedWorkers = cleanList(fc.Pool.AuthorizedWorkers)
	}

	setFloat(&c.MinDifficulty, fc.Difficulty.Min)
	setFloat(&c.MaxDifficulty, fc.Difficulty.Max)
	setFloat(&c.InitialDifficulty, fc.Difficulty.Initial)
	setString(&c.Diff1Target, fc.Difficulty.Diff1Target)
	setString(&c.DifficultyMethod, fc.Difficulty.Method)
	setFloat(&c.VardiffTargetShares, fc.Difficulty.TargetShares)

	if len(fc.Kafka.Brokers) > 0 {
		c.KafkaBrokers = cleanList(fc.Kafka.Brokers)
	}
	setString(&c.RedisURL, fc.Redis.URL)
	setString(&c.BlockNotifyChannel, fc.Redis.BlockNotifyChannel)
	setString(&c.InfluxURL, fc.Influx.URL)
	setString(&c.InfluxToken, fc.Influx.Token)
	setString(&c.InfluxOrg, fc.Influx.Org)
	setString(&c.InfluxBucket, fc.Influx.Bucket)

	setString(&c.LogLevel, fc.Log.Level)
	setString(&c.LogFormat, fc.Log.Format)

	durations := []struct {
		key   string
		value string
		dst   *time.Duration
	}{
		{"server.read_timeout", fc.Server.ReadTimeout, &c.ReadTimeout},
		{"server.write_timeout", fc.Server.WriteTimeout, &c.WriteTimeout},
		{"pool.job_refresh_interval", fc.Pool.JobRefreshInterval, &c.JobRefreshInterval},
		{"pool.max_time_skew", fc.Pool.MaxTimeSkew, &c.MaxTimeSkew},
		{"difficulty.vardiff_retarget", fc.Difficulty.Retarget, &c.VardiffRetarget},
		{"difficulty.vardiff_time_buffer", fc.Difficulty.TimeBuffer, &c.VardiffTimeBuffer},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	return nil
}

func (c *Config) applyEnv() {
	c.ServiceName = getEnv("SERVICE_NAME", c.ServiceName)
	c.Version = getEnv("VERSION", c.Version)
	c.Environment = getEnv("ENVIRONMENT", c.Environment)

	c.ListenAddr = getEnv("LISTEN_ADDR", c.ListenAddr)
	c.ListenPort = getEnvInt("LISTEN_PORT", c.ListenPort)

	c.NodeRPCHost = getEnv("NODE_RPC_HOST", c.NodeRPCHost)
	c.NodeRPCPort = getEnvInt("NODE_RPC_PORT", c.NodeRPCPort)
	c.NodeRPCUser = getEnv("NODE_RPC_USER", c.NodeRPCUser)
	c.NodeRPCPassword = getEnv("NODE_RPC_PASSWORD", c.NodeRPCPassword)
	c.NodeZMQAddr = getEnv("NODE_ZMQ_ADDR", c.NodeZMQAddr)

	c.KafkaBrokers = getEnvSlice("KAFKA_BROKERS", c.KafkaBrokers)
	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)
	c.BlockNotifyChannel = getEnv("BLOCKNOTIFY_CHANNEL", c.BlockNotifyChannel)
	c.InfluxURL = getEnv("INFLUX_URL", c.InfluxURL)
	c.InfluxToken = getEnv("INFLUX_TOKEN", c.InfluxToken)
	c.InfluxOrg = getEnv("INFLUX_ORG", c.InfluxOrg)
	c.InfluxBucket = getEnv("INFLUX_BUCKET", c.InfluxBucket)

	c.MinDifficulty = getEnvFloat("MIN_DIFFICULTY", c.MinDifficulty)
	c.MaxDifficulty = getEnvFloat("MAX_DIFFICULTY", c.MaxDifficulty)
	c.InitialDifficulty = getEnvFloat("INITIAL_DIFFICULTY", c.InitialDifficulty)
	c.VardiffRetarget = getEnvDuration("VARDIFF_RETARGET", c.VardiffRetarget)
	c.VardiffTimeBuffer = getEnvDuration("VARDIFF_TIME_BUFFER", c.VardiffTimeBuffer)
	c.VardiffTargetShares = getEnvFloat("VARDIFF_TARGET_SHARES", c.VardiffTargetShares)
	c.Diff1Target = getEnv("DIFF1_TARGET", c.Diff1Target)
	c.DifficultyMethod = getEnv("DIFFICULTY_METHOD", c.DifficultyMethod)

	c.JobRefreshInterval = getEnvDuration("JOB_REFRESH_INTERVAL", c.JobRefreshInterval)
	c.JobHistory = getEnvInt("JOB_HISTORY", c.JobHistory)
	c.ExtraNonce1Size = getEnvInt("EXTRANONCE1_SIZE", c.ExtraNonce1Size)
	c.ExtraNonce2Size = getEnvInt("EXTRANONCE2_SIZE", c.ExtraNonce2Size)
	c.MaxTimeSkew = getEnvDuration("MAX_TIME_SKEW", c.MaxTimeSkew)
	c.SolutionSizeField = getEnv("SOLUTION_SIZE_FIELD", c.SolutionSizeField)
	c.NotifyConcurrency = getEnvInt("NOTIFY_CONCURRENCY", c.NotifyConcurrency)

	c.WelcomeMessage = getEnv("WELCOME_MESSAGE", c.WelcomeMessage)
	c.AuthorizedWorkers = getEnvSlice("AUTHORIZED_WORKERS", c.AuthorizedWorkers)

	c.MaxConnections = getEnvInt("MAX_CONNECTIONS", c.MaxConnections)
	c.ReadTimeout = getEnvDuration("READ_TIMEOUT", c.ReadTimeout)
	c.WriteTimeout = getEnvDuration("WRITE_TIMEOUT", c.WriteTimeout)
	c.MaxMessageSize = getEnvInt("MAX_MESSAGE_SIZE", c.MaxMessageSize)

	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
}

// validate performs basic validation of configuration values
func (c *Config) validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("SERVICE_NAME cannot be empty")
	}

	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("LISTEN_PORT must be between 1 and 65535")
	}

	if c.NodeRPCPort <= 0 || c.NodeRPCPort > 65535 {
		return fmt.Errorf("NODE_RPC_PORT must be between 1 and 65535")
	}

	if c.MinDifficulty <= 0 {
		return fmt.Errorf("MIN_DIFFICULTY must be positive")
	}

	if c.MaxDifficulty <= c.MinDifficulty {
		return fmt.Errorf("MAX_DIFFICULTY must be greater than MIN_DIFFICULTY")
	}

	if c.InitialDifficulty < c.MinDifficulty || c.InitialDifficulty > c.MaxDifficulty {
		return fmt.Errorf("INITIAL_DIFFICULTY must be between MIN_DIFFICULTY and MAX_DIFFICULTY")
	}

	if c.VardiffTargetShares <= 0 {
		return fmt.Errorf("VARDIFF_TARGET_SHARES must be positive")
	}

	if c.VardiffRetarget <= 0 {
		return fmt.Errorf("VARDIFF_RETARGET must be positive")
	}

	if c.JobRefreshInterval <= 0 {
		return fmt.Errorf("JOB_REFRESH_INTERVAL must be positive")
	}

	if c.ExtraNonce1Size <= 0 || c.ExtraNonce2Size <= 0 {
		return fmt.Errorf("EXTRANONCE1_SIZE and EXTRANONCE2_SIZE must be positive")
	}

	switch c.DifficultyMethod {
	case "target", "difficulty":
	default:
		return fmt.Errorf("DIFFICULTY_METHOD must be \"target\" or \"difficulty\", got %q", c.DifficultyMethod)
	}

	if c.InfluxURL != "" && (c.InfluxOrg == "" || c.InfluxBucket == "") {
		return fmt.Errorf("INFLUX_ORG and INFLUX_BUCKET are required when INFLUX_URL is set")
	}

	return nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvSlice splits a comma-separated value, dropping empty entries.
func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return cleanList(strings.Split(value, ","))
	}
	return defaultValue
}

func cleanList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setFloat(dst *float64, v float64) {
	if v != 0 {
		*dst = v
	}
}
