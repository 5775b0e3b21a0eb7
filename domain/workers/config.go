package workers

import (
	"os"
	"strconv"
	"time"
)

// Config holds worker runtime configuration
type Config struct {
	// Enabled controls whether queue runners start
	Enabled bool

	// DefaultConcurrency is the per-queue concurrency cap when the queue
	// definition does not set one
	DefaultConcurrency int

	// IdleBackoffMin is the first sleep after an empty poll
	IdleBackoffMin time.Duration

	// IdleBackoffMax caps the idle backoff between polls
	IdleBackoffMax time.Duration

	// AbortCheckInterval is how often a runner checks its owned jobs for
	// abort requests
	AbortCheckInterval time.Duration

	// AbortGrace is how long a canceled run function may keep running
	// before the job is recorded as timed out
	AbortGrace time.Duration

	// RetryBackoffBase is the first retry delay; doubles per attempt
	RetryBackoffBase time.Duration

	// RetryBackoffMax caps the retry delay
	RetryBackoffMax time.Duration

	// ProgressDelta is the minimum progress advance that reaches storage
	ProgressDelta float64

	// RecoverOnStart re-queues stale PROCESSING jobs when a runner starts
	RecoverOnStart bool

	// StaleHorizon is how old a PROCESSING lease must be before startup
	// recovery reclaims it
	StaleHorizon time.Duration

	// StorageBackoffBase is the first pause after a storage failure in the
	// dispatch loop
	StorageBackoffBase time.Duration

	// StorageBackoffMax caps the storage-failure pause
	StorageBackoffMax time.Duration

	// AdaptiveConcurrency throttles workers under system pressure
	AdaptiveConcurrency bool

	// MinConcurrency is the adaptive scaler's floor
	MinConcurrency int
}

// NewConfig creates a new Config from environment variables
func NewConfig() *Config {
	return &Config{
		Enabled:             getEnvBool("WORKERS_ENABLED", true),
		DefaultConcurrency:  getEnvInt("WORKER_CONCURRENCY", 4),
		IdleBackoffMin:      getEnvDuration("WORKER_IDLE_BACKOFF_MIN_MS", 10*time.Millisecond),
		IdleBackoffMax:      getEnvDuration("WORKER_IDLE_BACKOFF_MAX_MS", time.Second),
		AbortCheckInterval:  getEnvDuration("WORKER_ABORT_CHECK_INTERVAL_MS", 500*time.Millisecond),
		AbortGrace:          getEnvDuration("WORKER_ABORT_GRACE_MS", 30*time.Second),
		RetryBackoffBase:    getEnvDuration("WORKER_RETRY_BACKOFF_BASE_MS", time.Second),
		RetryBackoffMax:     getEnvDuration("WORKER_RETRY_BACKOFF_MAX_MS", 5*time.Minute),
		ProgressDelta:       getEnvFloat("WORKER_PROGRESS_DELTA", 1.0),
		RecoverOnStart:      getEnvBool("WORKER_RECOVER_ON_START", true),
		StaleHorizon:        getEnvDuration("WORKER_STALE_HORIZON_MS", 10*time.Minute),
		StorageBackoffBase:  getEnvDuration("WORKER_STORAGE_BACKOFF_BASE_MS", time.Second),
		StorageBackoffMax:   getEnvDuration("WORKER_STORAGE_BACKOFF_MAX_MS", 30*time.Second),
		AdaptiveConcurrency: getEnvBool("WORKER_ADAPTIVE_CONCURRENCY", false),
		MinConcurrency:      getEnvInt("WORKER_MIN_CONCURRENCY", 1),
	}
}

// getEnvBool returns a boolean from an environment variable
func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

// getEnvInt returns an integer from an environment variable
func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// getEnvDuration returns a duration from an environment variable (in milliseconds)
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultVal
}

// getEnvFloat returns a float from an environment variable
func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
