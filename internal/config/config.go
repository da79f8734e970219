// Package config loads the Core configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	NATS     NATSConfig
	Security SecurityConfig
	Plugin   PluginConfig
	Audit    AuditConfig
	Runtime  RuntimeConfig
}

type ServerConfig struct {
	Port   string
	WSPath string
	NodeID string
}

type DatabaseConfig struct {
	MongoURI       string
	Database       string
	QueryMaxTimeMS int
}

type NATSConfig struct {
	URL            string
	Token          string
	StreamReplicas int
	StreamMaxBytes int64
}

type SecurityConfig struct {
	JWTSignSecret        string
	JWTVerifySecrets     []string // superset of the sign secret
	RotationGraceSeconds int
	BootstrapToken       string
}

type PluginConfig struct {
	BasePath       string
	Secret         string
	StopTimeout    time.Duration
	ReloadTimeout  time.Duration
	InvokeTimeout  time.Duration
	PingInterval   time.Duration
	PongTimeout    time.Duration
	MemoryLimitRSS int64
}

type AuditConfig struct {
	HMACSecret       string
	HMACKeyID        string
	PartitionCount   int
	BatchSize        int
	BacklogHardLimit int
	MaxRetryAttempts int
	LeaseDuration    time.Duration
	DrainInterval    time.Duration
	AnchorInterval   time.Duration
}

type RuntimeConfig struct {
	Mode string // "core" or "serve"
	Home string
}

// Load reads the environment (after a best-effort .env load) into a Config.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:   envOr("MERISTEM_SERVER_PORT", "8080"),
			WSPath: envOr("MERISTEM_SERVER_WS_PATH", "/ws"),
			NodeID: envOr("MERISTEM_NODE_ID", "core"),
		},
		Database: DatabaseConfig{
			MongoURI:       firstEnv("MERISTEM_DATABASE_MONGO_URI", "MONGO_URI"),
			Database:       envOr("MERISTEM_DATABASE_NAME", "meristem"),
			QueryMaxTimeMS: envInt("MERISTEM_DATABASE_QUERY_MAX_TIME_MS", 5000),
		},
		NATS: NATSConfig{
			URL:            envOr("MERISTEM_NATS_URL", "nats://127.0.0.1:4222"),
			Token:          os.Getenv("MERISTEM_NATS_TOKEN"),
			StreamReplicas: envInt("NATS_STREAM_REPLICAS", 1),
			StreamMaxBytes: envInt64("NATS_STREAM_MAX_BYTES", 8<<30),
		},
		Security: SecurityConfig{
			JWTSignSecret:        os.Getenv("MERISTEM_SECURITY_JWT_SIGN_SECRET"),
			JWTVerifySecrets:     splitList(os.Getenv("MERISTEM_SECURITY_JWT_VERIFY_SECRETS")),
			RotationGraceSeconds: envInt("MERISTEM_SECURITY_JWT_ROTATION_GRACE_SECONDS", 300),
			BootstrapToken:       os.Getenv("MERISTEM_BOOTSTRAP_TOKEN"),
		},
		Plugin: PluginConfig{
			BasePath:       envOr("MERISTEM_PLUGIN_BASE_PATH", "./plugins"),
			Secret:         os.Getenv("MERISTEM_PLUGIN_SECRET"),
			StopTimeout:    3 * time.Second,
			ReloadTimeout:  5 * time.Second,
			InvokeTimeout:  10 * time.Second,
			PingInterval:   5 * time.Second,
			PongTimeout:    12 * time.Second,
			MemoryLimitRSS: envInt64("MERISTEM_PLUGIN_MEMORY_LIMIT_RSS", 256<<20),
		},
		Audit: AuditConfig{
			HMACSecret:       os.Getenv("MERISTEM_AUDIT_HMAC_SECRET"),
			HMACKeyID:        envOr("MERISTEM_AUDIT_HMAC_KEY_ID", "k1"),
			PartitionCount:   envInt("MERISTEM_AUDIT_PARTITIONS", 8),
			BatchSize:        envInt("MERISTEM_AUDIT_BATCH_SIZE", 64),
			BacklogHardLimit: envInt("MERISTEM_AUDIT_BACKLOG_HARD_LIMIT", 10000),
			MaxRetryAttempts: envInt("MERISTEM_AUDIT_MAX_RETRY_ATTEMPTS", 5),
			LeaseDuration:    30 * time.Second,
			DrainInterval:    time.Second,
			AnchorInterval:   time.Minute,
		},
		Runtime: RuntimeConfig{
			Mode: envOr("MERISTEM_RUNTIME_MODE", "core"),
			Home: envOr("MERISTEM_HOME", defaultHome()),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Security.JWTSignSecret != "" {
		found := false
		for _, s := range c.Security.JWTVerifySecrets {
			if s == c.Security.JWTSignSecret {
				found = true
				break
			}
		}
		// The verify set must be a superset of the sign secret; repair rather
		// than fail so single-secret deployments keep working.
		if !found {
			c.Security.JWTVerifySecrets = append([]string{c.Security.JWTSignSecret}, c.Security.JWTVerifySecrets...)
		}
	}
	if c.Audit.PartitionCount <= 0 {
		return fmt.Errorf("audit partition count must be positive, got %d", c.Audit.PartitionCount)
	}
	return nil
}

func defaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".meristem"
	}
	return home + "/.meristem"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
