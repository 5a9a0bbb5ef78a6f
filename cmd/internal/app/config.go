package app

import (
	"strings"
	"time"
)

// Fence store backends selectable with COURIER_FENCE_BACKEND.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendNATS     = "nats"
	BackendMongo    = "mongo"
)

// Config contains all runtime configuration loaded from environment variables.
// Fence timing and the WebSocket host read their own COURIER_FENCE_* and
// COURIER_WS_* variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string
	LogColor  bool

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	ShutdownTimeout   time.Duration

	Backend string

	DatabaseURL       string
	DBMaxConns        int32
	DBMinConns        int32
	DBSchema          string
	DBAutoMigrate     bool
	DBListenBackoffLo time.Duration
	DBListenBackoffHi time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	NATSURL    string
	NATSBucket string

	MongoURI        string
	MongoDatabase   string
	MongoCollection string

	// If true, /readyz returns 503 unless the fence store answers a ping.
	ReadinessRequireStore bool

	// WSRequireAuth mirrors COURIER_WS_REQUIRE_AUTH: hello must carry a
	// verified token, so the HMAC key policy is enforced at startup.
	WSRequireAuth bool
	TokenIssuer   string
	TokenTTL      time.Duration
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("COURIER_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("COURIER_LOG_LEVEL", "info"),
		LogFormat: EnvOneOf("COURIER_LOG_FORMAT", "json", "json", "text", "pretty"),
		LogColor:  EnvBool("COURIER_LOG_COLOR", false),

		ReadHeaderTimeout: EnvDuration("COURIER_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("COURIER_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("COURIER_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("COURIER_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("COURIER_HTTP_MAX_HEADER_BYTES", 1<<20),
		ShutdownTimeout:   EnvDuration("COURIER_SHUTDOWN_TIMEOUT", 10*time.Second),

		Backend: EnvOneOf("COURIER_FENCE_BACKEND", BackendMemory,
			BackendMemory, BackendPostgres, BackendRedis, BackendNATS, BackendMongo),

		DatabaseURL:       EnvString("COURIER_DATABASE_URL", ""),
		DBMaxConns:        EnvInt32("COURIER_DB_MAX_CONNS", 10),
		DBMinConns:        EnvInt32("COURIER_DB_MIN_CONNS", 0),
		DBSchema:          EnvString("COURIER_DB_SCHEMA", "courier"),
		DBAutoMigrate:     EnvBool("COURIER_DB_AUTO_MIGRATE", false),
		DBListenBackoffLo: EnvDuration("COURIER_DB_LISTEN_BACKOFF_MIN", 250*time.Millisecond),
		DBListenBackoffHi: EnvDuration("COURIER_DB_LISTEN_BACKOFF_MAX", 10*time.Second),

		RedisAddr:     EnvString("COURIER_REDIS_ADDR", ""),
		RedisPassword: EnvString("COURIER_REDIS_PASSWORD", ""),
		RedisDB:       EnvIntAllowZero("COURIER_REDIS_DB", 0),
		RedisPrefix:   EnvString("COURIER_REDIS_PREFIX", "courier"),

		NATSURL:    EnvString("COURIER_NATS_URL", ""),
		NATSBucket: EnvString("COURIER_NATS_BUCKET", "courier_sessions"),

		MongoURI:        EnvString("COURIER_MONGO_URI", ""),
		MongoDatabase:   EnvString("COURIER_MONGO_DATABASE", "courier"),
		MongoCollection: EnvString("COURIER_MONGO_COLLECTION", "active_sessions"),

		ReadinessRequireStore: EnvBool("COURIER_READINESS_REQUIRE_STORE", true),

		WSRequireAuth: EnvBool("COURIER_WS_REQUIRE_AUTH", true),
		TokenIssuer:   EnvString("COURIER_TOKEN_ISSUER", "courier"),
		TokenTTL:      EnvDuration("COURIER_TOKEN_TTL", 15*time.Minute),
	}
}

func (c Config) backend() string {
	return strings.ToLower(strings.TrimSpace(c.Backend))
}
