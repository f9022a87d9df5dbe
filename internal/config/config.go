package config

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(NewConfig),
)

// Config holds all application configuration
type Config struct {
	// Server settings
	ServerPort    int    `env:"PORT" envDefault:"8080"`
	ServerAddress string `env:"SERVER_ADDRESS" envDefault:"0.0.0.0"`
	Environment   string `env:"GO_ENV" envDefault:"development"`
	Debug         bool   `env:"DEBUG" envDefault:"false"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`

	// Database settings
	Database DatabaseConfig

	// Redis settings (cache, locks, sessions, event bus)
	Redis RedisConfig

	// Auth (bearer JWT) settings
	Auth AuthConfig

	// Webhook signature verification
	Webhooks WebhookConfig

	// Circuit breaker defaults for upstream clients
	CircuitBreaker CircuitBreakerConfig

	// API rate limiting defaults
	RateLimit RateLimitConfig

	// Event bus (Redis streams) settings
	EventBus EventBusConfig

	// Embeddings configuration
	Embeddings EmbeddingsConfig

	// LLM configuration (moderation, flashpoint detection)
	LLM LLMConfig

	// Scoring adapter configuration
	Scoring ScoringConfig

	// Bulk content scan configuration
	Scan ScanConfig

	// Token bucket pools seeded at startup
	TokenPools TokenPoolConfig

	// Audit trail worker pool
	Audit AuditConfig

	// Scheduler cron expressions
	Scheduler SchedulerConfig

	// Credentials encryption (secretbox envelope)
	Encryption EncryptionConfig

	// OpenTelemetry
	Otel OtelConfig

	// Server timeouts
	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"120s"`
	IdleTimeout     time.Duration `env:"SERVER_IDLE_TIMEOUT" envDefault:"300s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// DatabaseConfig holds PostgreSQL connection settings.
// DATABASE_URL wins when set; the discrete POSTGRES_* vars are the fallback.
type DatabaseConfig struct {
	URL          string        `env:"DATABASE_URL" envDefault:""`
	Host         string        `env:"POSTGRES_HOST" envDefault:"localhost"`
	Port         int           `env:"POSTGRES_PORT" envDefault:"5432"`
	User         string        `env:"POSTGRES_USER" envDefault:"opennotes"`
	Password     string        `env:"POSTGRES_PASSWORD" envDefault:""`
	Database     string        `env:"POSTGRES_DB" envDefault:"opennotes"`
	SSLMode      string        `env:"POSTGRES_SSL_MODE" envDefault:"disable"`
	MaxOpenConns int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	MaxIdleTime  time.Duration `env:"DB_MAX_IDLE_TIME" envDefault:"5m"`
	QueryDebug   bool          `env:"DB_QUERY_DEBUG" envDefault:"false"`
}

// DSN returns the PostgreSQL connection string
func (d *DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode,
	)
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	URL string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`

	// KeyPrefix namespaces every key this instance writes
	KeyPrefix string `env:"REDIS_KEY_PREFIX" envDefault:"opennotes"`

	// SessionTTL is the default session lifetime
	SessionTTL time.Duration `env:"SESSION_TTL" envDefault:"24h"`

	// LockTTL is the default distributed lock lifetime
	LockTTL time.Duration `env:"LOCK_TTL" envDefault:"10m"`
}

// AuthConfig holds bearer token settings
type AuthConfig struct {
	// JWTSecretKey signs and verifies HS256 bearer tokens
	JWTSecretKey string `env:"JWT_SECRET_KEY" envDefault:""`

	// MaxTokenAge rejects tokens issued longer ago than this
	MaxTokenAgeSeconds int `env:"MAX_TOKEN_AGE_SECONDS" envDefault:"80000"`

	// Role names carried in token claims
	AdminRoleName          string `env:"ADMIN_ROLE_NAME" envDefault:"admin"`
	ServiceAccountRoleName string `env:"SERVICE_ACCOUNT_ROLE_NAME" envDefault:"service"`

	// Disable auth entirely (tests and local tooling only)
	Disabled bool `env:"AUTH_DISABLED" envDefault:"false"`
}

// MaxTokenAge returns the maximum token age as a Duration
func (a *AuthConfig) MaxTokenAge() time.Duration {
	return time.Duration(a.MaxTokenAgeSeconds) * time.Second
}

// IsConfigured returns true if a signing secret is present
func (a *AuthConfig) IsConfigured() bool {
	return a.JWTSecretKey != ""
}

// WebhookConfig holds inbound webhook verification settings
type WebhookConfig struct {
	// DiscordPublicKey is the primary Ed25519 verification key (64 hex chars)
	DiscordPublicKey string `env:"DISCORD_PUBLIC_KEY" envDefault:""`

	// AdditionalPublicKeys is a comma-separated list of extra Ed25519 keys
	AdditionalPublicKeys string `env:"ADDITIONAL_WEBHOOK_PUBLIC_KEYS" envDefault:""`

	// MaxAgeSeconds bounds the signed timestamp skew for the HMAC scheme
	MaxAgeSeconds int `env:"MAX_WEBHOOK_AGE_SECONDS" envDefault:"300"`
}

// MaxAge returns the maximum webhook age as a Duration
func (w *WebhookConfig) MaxAge() time.Duration {
	return time.Duration(w.MaxAgeSeconds) * time.Second
}

// PublicKeys returns the hex-decoded Ed25519 keys that parse cleanly.
// Malformed entries are skipped; the caller logs them.
func (w *WebhookConfig) PublicKeys() (keys [][]byte, skipped []string) {
	candidates := []string{}
	if w.DiscordPublicKey != "" {
		candidates = append(candidates, w.DiscordPublicKey)
	}
	for _, k := range strings.Split(w.AdditionalPublicKeys, ",") {
		if k = strings.TrimSpace(k); k != "" {
			candidates = append(candidates, k)
		}
	}
	for _, c := range candidates {
		raw, err := hex.DecodeString(c)
		if err != nil || len(raw) != 32 {
			skipped = append(skipped, c)
			continue
		}
		keys = append(keys, raw)
	}
	return keys, skipped
}

// CircuitBreakerConfig holds the default breaker tuning for upstream clients
type CircuitBreakerConfig struct {
	FailureThreshold int `env:"CIRCUIT_BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	RecoveryTimeout  int `env:"CIRCUIT_BREAKER_RECOVERY_TIMEOUT_SECONDS" envDefault:"30"`
	HalfOpenMaxCalls int `env:"CIRCUIT_BREAKER_HALF_OPEN_MAX_CALLS" envDefault:"2"`
}

// RecoveryTimeoutDuration returns the recovery timeout as a Duration
func (c *CircuitBreakerConfig) RecoveryTimeoutDuration() time.Duration {
	return time.Duration(c.RecoveryTimeout) * time.Second
}

// RateLimitConfig holds the default API rate limit bucket
type RateLimitConfig struct {
	Requests      int  `env:"RATE_LIMIT_REQUESTS" envDefault:"120"`
	WindowSeconds int  `env:"RATE_LIMIT_WINDOW_SECONDS" envDefault:"60"`
	Enabled       bool `env:"RATE_LIMIT_ENABLED" envDefault:"true"`
}

// Window returns the rate limit window as a Duration
func (r *RateLimitConfig) Window() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

// EventBusConfig holds Redis stream consumer settings
type EventBusConfig struct {
	// MaxDeliver bounds redelivery before an event is dead-lettered
	MaxDeliver int `env:"EVENT_BUS_MAX_DELIVER" envDefault:"5"`

	// BlockTimeoutMs is the XREADGROUP block timeout
	BlockTimeoutMs int `env:"EVENT_BUS_BLOCK_TIMEOUT_MS" envDefault:"5000"`

	// StreamMaxLen caps stream length (approximate trim)
	StreamMaxLen int64 `env:"EVENT_BUS_STREAM_MAXLEN" envDefault:"100000"`

	// ClaimIntervalMs is how often stale pending entries are reclaimed
	ClaimIntervalMs int `env:"EVENT_BUS_CLAIM_INTERVAL_MS" envDefault:"30000"`

	// ClaimMinIdleMs is the pending-entry idle time before reclaim
	ClaimMinIdleMs int `env:"EVENT_BUS_CLAIM_MIN_IDLE_MS" envDefault:"60000"`
}

// BlockTimeout returns the block timeout as a Duration
func (e *EventBusConfig) BlockTimeout() time.Duration {
	return time.Duration(e.BlockTimeoutMs) * time.Millisecond
}

// ClaimInterval returns the reclaim interval as a Duration
func (e *EventBusConfig) ClaimInterval() time.Duration {
	return time.Duration(e.ClaimIntervalMs) * time.Millisecond
}

// ClaimMinIdle returns the reclaim idle threshold as a Duration
func (e *EventBusConfig) ClaimMinIdle() time.Duration {
	return time.Duration(e.ClaimMinIdleMs) * time.Millisecond
}

// EmbeddingsConfig holds embedding service configuration
type EmbeddingsConfig struct {
	// Provider: "vertex" (production) or "genai" (development)
	Provider string `env:"EMBEDDING_PROVIDER" envDefault:""`

	// GCP Project ID for Vertex AI
	GCPProjectID string `env:"GCP_PROJECT_ID" envDefault:""`

	// Vertex AI location (e.g., "us-central1")
	VertexAILocation string `env:"VERTEX_AI_LOCATION" envDefault:"us-central1"`

	// Embedding model name
	Model string `env:"EMBEDDING_MODEL" envDefault:"gemini-embedding-001"`

	// Embedding dimension; must match the vector(N) columns
	Dimension int `env:"EMBEDDING_DIMENSION" envDefault:"1536"`

	// Google API Key for Generative AI (development)
	GoogleAPIKey string `env:"GOOGLE_API_KEY" envDefault:""`

	// Requests per second allowed against the provider
	RequestsPerSecond float64 `env:"EMBEDDING_REQUESTS_PER_SECOND" envDefault:"5"`

	// PoolName/PoolCapacity seed the shared token bucket pool
	PoolName     string `env:"EMBEDDINGS_POOL_NAME" envDefault:"embeddings"`
	PoolCapacity int    `env:"EMBEDDINGS_POOL_CAPACITY" envDefault:"60"`

	// Disable embeddings network calls (for testing)
	NetworkDisabled bool `env:"EMBEDDINGS_NETWORK_DISABLED" envDefault:"false"`

	// Shrink the per-cycle claim size when the host is under pressure
	ScaleWithHealth bool `env:"EMBEDDING_HEALTH_SCALING" envDefault:"true"`
}

// IsEnabled returns true if embeddings are configured
func (e *EmbeddingsConfig) IsEnabled() bool {
	if e.NetworkDisabled {
		return false
	}
	return (e.GCPProjectID != "" && e.VertexAILocation != "") || e.GoogleAPIKey != ""
}

// UseVertexAI returns true if Vertex AI should be used
func (e *EmbeddingsConfig) UseVertexAI() bool {
	return e.GCPProjectID != "" && e.VertexAILocation != ""
}

// LLMConfig holds LLM (completion) configuration
type LLMConfig struct {
	// GCP Project ID for Vertex AI
	GCPProjectID string `env:"GCP_PROJECT_ID" envDefault:""`

	// Vertex AI location
	VertexAILocation string `env:"VERTEX_AI_LOCATION" envDefault:"global"`

	// Completion model name
	Model string `env:"LLM_MODEL" envDefault:"gemini-2.5-flash"`

	// Max output tokens for completions
	MaxOutputTokens int `env:"LLM_MAX_OUTPUT_TOKENS" envDefault:"8192"`

	// Temperature for completions (0.0-1.0)
	Temperature float64 `env:"LLM_TEMPERATURE" envDefault:"0"`

	// Request timeout
	Timeout time.Duration `env:"LLM_TIMEOUT" envDefault:"120s"`

	// Google API Key fallback
	GoogleAPIKey string `env:"GOOGLE_API_KEY" envDefault:""`

	// Disable LLM network calls (for testing)
	NetworkDisabled bool `env:"LLM_NETWORK_DISABLED" envDefault:"false"`
}

// IsEnabled returns true if LLM is configured
func (l *LLMConfig) IsEnabled() bool {
	if l.NetworkDisabled {
		return false
	}
	return l.UseVertexAI() || l.GoogleAPIKey != ""
}

// UseVertexAI returns true if Vertex AI should be used
func (l *LLMConfig) UseVertexAI() bool {
	return l.GCPProjectID != "" && l.VertexAILocation != ""
}

// ScoringConfig holds the note scoring adapter settings
type ScoringConfig struct {
	// EngineURL is the external matrix factorization engine; empty disables it
	EngineURL string `env:"SCORING_ENGINE_URL" envDefault:""`

	// EngineTimeout bounds a single engine call
	EngineTimeout time.Duration `env:"SCORING_ENGINE_TIMEOUT" envDefault:"60s"`

	// TriggerThreshold is the total note count that enables batch scoring
	TriggerThreshold int `env:"SCORING_TRIGGER_THRESHOLD" envDefault:"200"`

	// StubCacheTTL caches degraded (stub) results to spare a failing engine
	StubCacheTTL time.Duration `env:"SCORING_STUB_CACHE_TTL" envDefault:"5m"`
}

// EngineConfigured returns true if an engine URL is set
func (s *ScoringConfig) EngineConfigured() bool {
	return s.EngineURL != ""
}

// ScanConfig holds bulk content scan settings
type ScanConfig struct {
	// ModerationEnabled turns on the per-message moderation screen
	ModerationEnabled bool `env:"MODERATION_ENABLED" envDefault:"false"`

	// FlashpointArtifactURI locates the detection artifact (file path or s3://)
	FlashpointArtifactURI string `env:"FLASHPOINT_ARTIFACT_URI" envDefault:""`

	// FlashpointWindowSize is the sliding context window length in messages
	FlashpointWindowSize int `env:"FLASHPOINT_WINDOW_SIZE" envDefault:"10"`

	// ReportBucket archives finished scan reports when set
	ReportBucket string `env:"SCAN_REPORT_BUCKET" envDefault:""`

	// AWSRegion for the report/artifact S3 client
	AWSRegion string `env:"AWS_REGION" envDefault:"us-east-1"`

	// BatchConcurrency bounds per-batch message fan-out
	BatchConcurrency int `env:"SCAN_BATCH_CONCURRENCY" envDefault:"4"`

	// SimilarityThreshold flags messages close to known fact-check content
	SimilarityThreshold float64 `env:"SCAN_SIMILARITY_THRESHOLD" envDefault:"0.86"`

	// ProgressEveryBatches publishes progress every N batches outside debug mode
	ProgressEveryBatches int `env:"SCAN_PROGRESS_EVERY_BATCHES" envDefault:"10"`
}

// ArchiveEnabled returns true if scan reports should be written to S3
func (s *ScanConfig) ArchiveEnabled() bool {
	return s.ReportBucket != ""
}

// TokenPoolConfig seeds shared token bucket pools at startup
type TokenPoolConfig struct {
	// ReclaimInterval is how often expired holds are swept
	ReclaimInterval time.Duration `env:"TOKEN_POOL_RECLAIM_INTERVAL" envDefault:"1m"`

	// DefaultHoldTTL bounds a hold when the caller does not say
	DefaultHoldTTL time.Duration `env:"TOKEN_POOL_DEFAULT_HOLD_TTL" envDefault:"5m"`
}

// AuditConfig holds the async audit trail settings
type AuditConfig struct {
	// Workers is the persist pool size
	Workers int `env:"AUDIT_WORKERS" envDefault:"4"`

	// QueueSize is the submission buffer; overflow drops with a counter
	QueueSize int `env:"AUDIT_QUEUE_SIZE" envDefault:"256"`

	// PersistTimeout bounds a single persist attempt
	PersistTimeout time.Duration `env:"AUDIT_PERSIST_TIMEOUT" envDefault:"5s"`

	// MaxBodyBytes is the payload size above which bodies are replaced
	MaxBodyBytes int `env:"AUDIT_MAX_BODY_BYTES" envDefault:"10240"`
}

// SchedulerConfig holds cron expressions for recurring work (with seconds field)
type SchedulerConfig struct {
	Enabled bool `env:"SCHEDULER_ENABLED" envDefault:"true"`

	// StaleJobSweepCron marks day-old IN_PROGRESS jobs failed (weekly)
	StaleJobSweepCron string `env:"STALE_JOB_SWEEP_CRON" envDefault:"0 0 3 * * 0"`

	// StuckJobMonitorCron warns about jobs without recent progress
	StuckJobMonitorCron string `env:"STUCK_JOB_MONITOR_CRON" envDefault:"0 0 */6 * * *"`

	// StaleJobMaxAge is how old a running job must be before the sweep fails it
	StaleJobMaxAge time.Duration `env:"STALE_JOB_MAX_AGE" envDefault:"24h"`

	// StuckJobIdle is the no-progress window the monitor warns about
	StuckJobIdle time.Duration `env:"STUCK_JOB_IDLE" envDefault:"60m"`
}

// EncryptionConfig holds the credentials envelope key
type EncryptionConfig struct {
	// Key is a base64-encoded 32-byte secretbox key; empty disables encryption
	Key string `env:"CREDENTIALS_ENCRYPTION_KEY" envDefault:""`
}

// IsConfigured returns true if an encryption key is present
func (e *EncryptionConfig) IsConfigured() bool {
	return e.Key != ""
}

// NewConfig loads configuration from environment variables
func NewConfig(log *slog.Logger) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if _, skipped := cfg.Webhooks.PublicKeys(); len(skipped) > 0 {
		log.Warn("ignoring malformed webhook public keys",
			slog.Int("count", len(skipped)),
		)
	}

	log.Info("configuration loaded",
		slog.String("environment", cfg.Environment),
		slog.Int("port", cfg.ServerPort),
		slog.String("db_host", cfg.Database.Host),
		slog.Bool("scoring_engine", cfg.Scoring.EngineConfigured()),
	)

	return cfg, nil
}
