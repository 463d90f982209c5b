package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"

	ObjectStoreS3    = "s3"
	ObjectStoreLocal = "local"
)

type Config struct {
	Port        string
	CORSOrigins []string
	JWTSecret   string
	LogLevel    string
	LogFormat   string

	DBDriver    string
	DatabaseURL string
	SslCertPath string
	SQLitePath  string

	ObjectStore     string
	LocalStorageDir string
	AwsAccessKey    string
	AwsSecretKey    string
	AwsRegion       string
	BucketName      string

	AIAPIKey   string
	EmbedModel string
	EmbedDim   int
	GenModel   string

	RedisURL      string
	EmbedCacheTTL time.Duration

	IngestWorkers      int
	IngestQueue        int
	ChunkMaxTokens     int
	ChunkOverlapTokens int
	EmbedBatchSize     int

	EmbedConcurrency      int
	EmbedRPS              float64
	CompletionConcurrency int
	ProviderTimeout       time.Duration
	CompletionTimeout     time.Duration
	RetryMaxAttempts      int
	RetryInitialDelay     time.Duration
	RetryMaxDelay         time.Duration

	RetrievalTopK   int
	ContextTokens   int
	HistoryTokens   int
	HistoryMessages int

	MaxUploadBytes int64
	FetchTimeout   time.Duration
}

// LoadConfig loads the environment variables (and .env, if present) and
// returns a validated config.
func LoadConfig() (*Config, error) {

	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		CORSOrigins: splitList(getEnv("CORS_ORIGINS", "http://localhost:5173,http://localhost:8888")),
		JWTSecret:   getEnv("JWT_SECRET", ""),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "json"),

		DBDriver:    strings.ToLower(getEnv("DB_DRIVER", DriverPostgres)),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		SslCertPath: getEnv("SSL_CERT_PATH", ""),
		SQLitePath:  getEnv("SQLITE_PATH", "mediawhisperer.db"),

		ObjectStore:     strings.ToLower(getEnv("OBJECT_STORE", ObjectStoreS3)),
		LocalStorageDir: getEnv("LOCAL_STORAGE_DIR", "./data/uploads"),
		AwsAccessKey:    getEnv("AWS_ACCESS_KEY", ""),
		AwsSecretKey:    getEnv("AWS_SECRET_KEY", ""),
		AwsRegion:       getEnv("AWS_REGION", "us-east-2"),
		BucketName:      getEnv("BUCKET_NAME", "mediawhisperer-docs"),

		AIAPIKey:   getEnv("GEMINI_API_KEY", ""),
		EmbedModel: getEnv("EMBED_MODEL", "text-embedding-004"),
		EmbedDim:   getEnvInt("EMBED_DIM", 768),
		GenModel:   getEnv("GEN_MODEL", "gemini-1.5-flash"),

		RedisURL:      getEnv("REDIS_URL", ""),
		EmbedCacheTTL: getEnvDuration("EMBED_CACHE_TTL", 24*time.Hour),

		IngestWorkers:      getEnvInt("INGEST_WORKERS", 4),
		IngestQueue:        getEnvInt("INGEST_QUEUE", 64),
		ChunkMaxTokens:     getEnvInt("CHUNK_MAX_TOKENS", 400),
		ChunkOverlapTokens: getEnvInt("CHUNK_OVERLAP_TOKENS", 50),
		EmbedBatchSize:     getEnvInt("EMBED_BATCH_SIZE", 16),

		EmbedConcurrency:      getEnvInt("EMBED_CONCURRENCY", 4),
		EmbedRPS:              getEnvFloat("EMBED_RPS", 0),
		CompletionConcurrency: getEnvInt("COMPLETION_CONCURRENCY", 4),
		ProviderTimeout:       getEnvDuration("PROVIDER_TIMEOUT", 30*time.Second),
		CompletionTimeout:     getEnvDuration("COMPLETION_TIMEOUT", 90*time.Second),
		RetryMaxAttempts:      getEnvInt("RETRY_MAX_ATTEMPTS", 3),
		RetryInitialDelay:     getEnvDuration("RETRY_INITIAL_DELAY", 500*time.Millisecond),
		RetryMaxDelay:         getEnvDuration("RETRY_MAX_DELAY", 8*time.Second),

		RetrievalTopK:   getEnvInt("RETRIEVAL_TOP_K", 8),
		ContextTokens:   getEnvInt("CONTEXT_TOKENS", 1500),
		HistoryTokens:   getEnvInt("HISTORY_TOKENS", 1000),
		HistoryMessages: getEnvInt("HISTORY_MESSAGES", 10),

		MaxUploadBytes: int64(getEnvInt("MAX_UPLOAD_BYTES", 20<<20)),
		FetchTimeout:   getEnvDuration("FETCH_TIMEOUT", 30*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error

	switch c.DBDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL not set"))
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH not set"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown DB_DRIVER %q", c.DBDriver))
	}

	switch c.ObjectStore {
	case ObjectStoreS3:
		if c.AwsAccessKey == "" || c.AwsSecretKey == "" {
			errs = append(errs, errors.New("AWS credentials not set"))
		}
		if c.BucketName == "" {
			errs = append(errs, errors.New("BUCKET_NAME not set"))
		}
	case ObjectStoreLocal:
		if c.LocalStorageDir == "" {
			errs = append(errs, errors.New("LOCAL_STORAGE_DIR not set"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown OBJECT_STORE %q", c.ObjectStore))
	}

	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET not set"))
	}
	if c.ChunkMaxTokens <= 0 {
		errs = append(errs, errors.New("CHUNK_MAX_TOKENS must be positive"))
	}
	if c.ChunkOverlapTokens < 0 || c.ChunkOverlapTokens*2 > c.ChunkMaxTokens {
		errs = append(errs, fmt.Errorf("CHUNK_OVERLAP_TOKENS=%d must be between 0 and half of CHUNK_MAX_TOKENS", c.ChunkOverlapTokens))
	}
	for name, v := range map[string]int{
		"EMBED_DIM":              c.EmbedDim,
		"INGEST_WORKERS":         c.IngestWorkers,
		"INGEST_QUEUE":           c.IngestQueue,
		"EMBED_BATCH_SIZE":       c.EmbedBatchSize,
		"EMBED_CONCURRENCY":      c.EmbedConcurrency,
		"COMPLETION_CONCURRENCY": c.CompletionConcurrency,
		"RETRY_MAX_ATTEMPTS":     c.RetryMaxAttempts,
		"RETRIEVAL_TOP_K":        c.RetrievalTopK,
	} {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("MAX_UPLOAD_BYTES must be positive"))
	}

	return errors.Join(errs...)
}

// Helper to read environment variables with a default fallback
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		zap.S().Warnw("config: not an int, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

func getEnvFloat(key string, def float64) float64 {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		zap.S().Warnw("config: not a number, using default", "key", key, "value", v, "default", def)
		return def
	}
	return f
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		zap.S().Warnw("config: not a duration, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
