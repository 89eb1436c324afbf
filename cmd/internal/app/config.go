package app

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverSQLite   = "sqlite"

	BackendBridge = "bridge"
	BackendSim    = "sim"

	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderEcho      = "echo"

	minJWTSecretLen = 32
	redacted        = "<redacted>"
)

// Config contains all runtime configuration.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	ShutdownTimeout   time.Duration

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	DBSchema    string
	RedisURL    string
	SQLitePath  string

	StoreDriver      string
	QueueDriver      string
	QueueWorkers     int
	QueueMaxAttempts int

	Backend       string
	BridgeURL     string
	BridgeToken   string
	SimReadyAfter time.Duration

	MaxClients        int
	MaxInactivityDays int

	// SweepInterval and ConnectTimeout accept 0 to disable.
	SweepInterval  time.Duration
	ConnectTimeout time.Duration

	JWTSecret     string
	JWTIssuer     string
	AdminSubjects []string

	SendRateLimit  int
	SendRateWindow time.Duration

	LLMProvider     string
	OpenAIAPIKey    string
	OpenAIModel     string
	AnthropicAPIKey string
	AnthropicModel  string
	SystemPrompt    string

	MemoryDriver string
	MemoryLimit  int
	MemoryTTL    time.Duration

	MetricsEnabled bool
}

// LoadConfig reads RELAY_CONFIG_FILE, when set, and layers the environment over it.
func LoadConfig() (Config, error) {
	var file map[string]string
	if path := strings.TrimSpace(os.Getenv("RELAY_CONFIG_FILE")); path != "" {
		f, err := LoadConfigFile(path)
		if err != nil {
			return Config{}, err
		}
		file = f
	}
	return ConfigFrom(NewSource(file)), nil
}

// ConfigFrom resolves every key against src, with defaults.
func ConfigFrom(src Source) Config {
	return Config{
		HTTPAddr:  src.String("RELAY_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  src.String("RELAY_LOG_LEVEL", "info"),
		LogFormat: strings.ToLower(src.String("RELAY_LOG_FORMAT", "json")),

		ReadHeaderTimeout: src.Duration("RELAY_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       src.Duration("RELAY_HTTP_READ_TIMEOUT", 15*time.Second),

		// Init can wait out the connect timeout.
		WriteTimeout:    src.Duration("RELAY_HTTP_WRITE_TIMEOUT", 90*time.Second),
		IdleTimeout:     src.Duration("RELAY_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:  src.Int("RELAY_HTTP_MAX_HEADER_BYTES", 1<<20),
		ShutdownTimeout: src.Duration("RELAY_SHUTDOWN_TIMEOUT", 10*time.Second),

		DatabaseURL: src.String("RELAY_DATABASE_URL", ""),
		DBMaxConns:  src.Int32("RELAY_DB_MAX_CONNS", 10),
		DBMinConns:  src.Int32("RELAY_DB_MIN_CONNS", 0),
		DBSchema:    src.String("RELAY_DB_SCHEMA", "relay"),
		RedisURL:    src.String("RELAY_REDIS_URL", ""),
		SQLitePath:  src.String("RELAY_SQLITE_PATH", ""),

		StoreDriver:      strings.ToLower(src.String("RELAY_STORE_DRIVER", DriverMemory)),
		QueueDriver:      strings.ToLower(src.String("RELAY_QUEUE_DRIVER", DriverMemory)),
		QueueWorkers:     src.Int("RELAY_QUEUE_WORKERS", 4),
		QueueMaxAttempts: src.Int("RELAY_QUEUE_MAX_ATTEMPTS", 5),

		Backend:       strings.ToLower(src.String("RELAY_BACKEND", BackendBridge)),
		BridgeURL:     src.String("RELAY_BRIDGE_URL", ""),
		BridgeToken:   src.String("RELAY_BRIDGE_TOKEN", ""),
		SimReadyAfter: src.Duration("RELAY_SIM_READY_AFTER", 2*time.Second),

		MaxClients:        src.Int("RELAY_MAX_CLIENTS", 30),
		MaxInactivityDays: src.Int("RELAY_MAX_INACTIVITY_DAYS", 30),
		SweepInterval:     src.DurationOrOff("RELAY_SWEEP_INTERVAL", 24*time.Hour),
		ConnectTimeout:    src.DurationOrOff("RELAY_CONNECT_TIMEOUT", 60*time.Second),

		JWTSecret:     src.String("RELAY_JWT_SECRET", ""),
		JWTIssuer:     src.String("RELAY_JWT_ISSUER", "relay"),
		AdminSubjects: src.List("RELAY_ADMIN_SUBJECTS", nil),

		SendRateLimit:  src.Int("RELAY_SEND_RATE_LIMIT", 30),
		SendRateWindow: src.Duration("RELAY_SEND_RATE_WINDOW", time.Minute),

		LLMProvider:     strings.ToLower(src.String("RELAY_LLM_PROVIDER", ProviderEcho)),
		OpenAIAPIKey:    src.String("RELAY_OPENAI_API_KEY", ""),
		OpenAIModel:     src.String("RELAY_OPENAI_MODEL", ""),
		AnthropicAPIKey: src.String("RELAY_ANTHROPIC_API_KEY", ""),
		AnthropicModel:  src.String("RELAY_ANTHROPIC_MODEL", ""),
		SystemPrompt:    src.String("RELAY_SYSTEM_PROMPT", ""),

		MemoryDriver: strings.ToLower(src.String("RELAY_MEMORY_DRIVER", DriverMemory)),
		MemoryLimit:  src.Int("RELAY_MEMORY_LIMIT", 10),
		MemoryTTL:    src.Duration("RELAY_MEMORY_TTL", time.Hour),

		MetricsEnabled: src.Bool("RELAY_METRICS_ENABLED", true),
	}
}

// MaxInactivity is MaxInactivityDays as a duration.
func (c Config) MaxInactivity() time.Duration {
	return time.Duration(c.MaxInactivityDays) * 24 * time.Hour
}

// Validate reports every missing or inconsistent setting at once.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if len(c.JWTSecret) < minJWTSecretLen {
		bad("RELAY_JWT_SECRET must be at least %d bytes", minJWTSecretLen)
	}
	switch c.LogFormat {
	case "json", "text", "pretty":
	default:
		bad("RELAY_LOG_FORMAT %q: want json, text or pretty", c.LogFormat)
	}

	switch c.StoreDriver {
	case DriverMemory:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			bad("RELAY_STORE_DRIVER=postgres requires RELAY_DATABASE_URL")
		}
	case DriverRedis:
		if c.RedisURL == "" {
			bad("RELAY_STORE_DRIVER=redis requires RELAY_REDIS_URL")
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			bad("RELAY_STORE_DRIVER=sqlite requires RELAY_SQLITE_PATH")
		}
	default:
		bad("RELAY_STORE_DRIVER %q: want memory, postgres, redis or sqlite", c.StoreDriver)
	}

	switch c.QueueDriver {
	case DriverMemory:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			bad("RELAY_QUEUE_DRIVER=postgres requires RELAY_DATABASE_URL")
		}
	default:
		bad("RELAY_QUEUE_DRIVER %q: want memory or postgres", c.QueueDriver)
	}

	switch c.MemoryDriver {
	case DriverMemory:
	case DriverRedis:
		if c.RedisURL == "" {
			bad("RELAY_MEMORY_DRIVER=redis requires RELAY_REDIS_URL")
		}
	default:
		bad("RELAY_MEMORY_DRIVER %q: want memory or redis", c.MemoryDriver)
	}

	switch c.Backend {
	case BackendSim:
	case BackendBridge:
		if c.BridgeURL == "" {
			bad("RELAY_BACKEND=bridge requires RELAY_BRIDGE_URL")
		}
	default:
		bad("RELAY_BACKEND %q: want bridge or sim", c.Backend)
	}

	switch c.LLMProvider {
	case ProviderEcho:
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			bad("RELAY_LLM_PROVIDER=openai requires RELAY_OPENAI_API_KEY")
		}
	case ProviderAnthropic:
		if c.AnthropicAPIKey == "" {
			bad("RELAY_LLM_PROVIDER=anthropic requires RELAY_ANTHROPIC_API_KEY")
		}
	default:
		bad("RELAY_LLM_PROVIDER %q: want openai, anthropic or echo", c.LLMProvider)
	}

	if c.DBMinConns > c.DBMaxConns {
		bad("RELAY_DB_MIN_CONNS (%d) exceeds RELAY_DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}

	return errors.Join(errs...)
}

// Values renders c as RELAY_* keys, in the format LoadConfigFile reads. Secrets are
// replaced when set.
func (c Config) Values() map[string]string {
	secret := func(s string) string {
		if s == "" {
			return ""
		}
		return redacted
	}
	off := func(d time.Duration) string {
		if d == 0 {
			return "off"
		}
		return d.String()
	}
	itoa := strconv.Itoa

	return map[string]string{
		"RELAY_HTTP_ADDR":                c.HTTPAddr,
		"RELAY_LOG_LEVEL":                c.LogLevel,
		"RELAY_LOG_FORMAT":               c.LogFormat,
		"RELAY_HTTP_READ_HEADER_TIMEOUT": c.ReadHeaderTimeout.String(),
		"RELAY_HTTP_READ_TIMEOUT":        c.ReadTimeout.String(),
		"RELAY_HTTP_WRITE_TIMEOUT":       c.WriteTimeout.String(),
		"RELAY_HTTP_IDLE_TIMEOUT":        c.IdleTimeout.String(),
		"RELAY_HTTP_MAX_HEADER_BYTES":    itoa(c.MaxHeaderBytes),
		"RELAY_SHUTDOWN_TIMEOUT":         c.ShutdownTimeout.String(),
		"RELAY_DATABASE_URL":             secret(c.DatabaseURL),
		"RELAY_DB_MAX_CONNS":             itoa(int(c.DBMaxConns)),
		"RELAY_DB_MIN_CONNS":             itoa(int(c.DBMinConns)),
		"RELAY_DB_SCHEMA":                c.DBSchema,
		"RELAY_REDIS_URL":                secret(c.RedisURL),
		"RELAY_SQLITE_PATH":              c.SQLitePath,
		"RELAY_STORE_DRIVER":             c.StoreDriver,
		"RELAY_QUEUE_DRIVER":             c.QueueDriver,
		"RELAY_QUEUE_WORKERS":            itoa(c.QueueWorkers),
		"RELAY_QUEUE_MAX_ATTEMPTS":       itoa(c.QueueMaxAttempts),
		"RELAY_BACKEND":                  c.Backend,
		"RELAY_BRIDGE_URL":               c.BridgeURL,
		"RELAY_BRIDGE_TOKEN":             secret(c.BridgeToken),
		"RELAY_SIM_READY_AFTER":          c.SimReadyAfter.String(),
		"RELAY_MAX_CLIENTS":              itoa(c.MaxClients),
		"RELAY_MAX_INACTIVITY_DAYS":      itoa(c.MaxInactivityDays),
		"RELAY_SWEEP_INTERVAL":           off(c.SweepInterval),
		"RELAY_CONNECT_TIMEOUT":          off(c.ConnectTimeout),
		"RELAY_JWT_SECRET":               secret(c.JWTSecret),
		"RELAY_JWT_ISSUER":               c.JWTIssuer,
		"RELAY_ADMIN_SUBJECTS":           strings.Join(c.AdminSubjects, ","),
		"RELAY_SEND_RATE_LIMIT":          itoa(c.SendRateLimit),
		"RELAY_SEND_RATE_WINDOW":         c.SendRateWindow.String(),
		"RELAY_LLM_PROVIDER":             c.LLMProvider,
		"RELAY_OPENAI_API_KEY":           secret(c.OpenAIAPIKey),
		"RELAY_OPENAI_MODEL":             c.OpenAIModel,
		"RELAY_ANTHROPIC_API_KEY":        secret(c.AnthropicAPIKey),
		"RELAY_ANTHROPIC_MODEL":          c.AnthropicModel,
		"RELAY_SYSTEM_PROMPT":            c.SystemPrompt,
		"RELAY_MEMORY_DRIVER":            c.MemoryDriver,
		"RELAY_MEMORY_LIMIT":             itoa(c.MemoryLimit),
		"RELAY_MEMORY_TTL":               c.MemoryTTL.String(),
		"RELAY_METRICS_ENABLED":          strconv.FormatBool(c.MetricsEnabled),
	}
}
