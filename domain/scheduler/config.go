package scheduler

import (
	"os"
	"strconv"
	"time"
)

// Config holds scheduler configuration
type Config struct {
	// Enabled controls whether the scheduler runs
	Enabled bool

	// RetentionSweepInterval is the interval for deleting aged terminal jobs
	RetentionSweepInterval time.Duration

	// RecoveryInterval is the interval for reclaiming stale PROCESSING
	// jobs and failing PENDING jobs past their deadline
	RecoveryInterval time.Duration

	// QueueDepthInterval is the interval for sampling per-status queue
	// depths into the metrics registry
	QueueDepthInterval time.Duration

	// Cron schedule overrides (take precedence over intervals when set)
	// Format with seconds: "second minute hour day-of-month month day-of-week"
	// Examples: "0 */5 * * * *" (every 5 min), "0 0 2 * * *" (daily at 2am)
	RetentionSweepSchedule string
	RecoverySchedule       string
	QueueDepthSchedule     string
}

// NewConfig creates a new Config from environment variables
func NewConfig() *Config {
	return &Config{
		Enabled:                getEnvBool("SCHEDULER_ENABLED", true),
		RetentionSweepInterval: getEnvDuration("RETENTION_SWEEP_INTERVAL_MS", 10*time.Minute),
		RecoveryInterval:       getEnvDuration("RECOVERY_INTERVAL_MS", time.Minute),
		QueueDepthInterval:     getEnvDuration("QUEUE_DEPTH_SAMPLE_INTERVAL_MS", 30*time.Second),
		// Cron schedule overrides (empty string means use interval)
		RetentionSweepSchedule: getEnvString("RETENTION_SWEEP_SCHEDULE", ""),
		RecoverySchedule:       getEnvString("RECOVERY_SCHEDULE", ""),
		QueueDepthSchedule:     getEnvString("QUEUE_DEPTH_SCHEDULE", ""),
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

// getEnvDuration returns a duration from an environment variable (in milliseconds)
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultVal
}

// getEnvString returns a string from an environment variable
func getEnvString(key string, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
