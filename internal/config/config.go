package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds runtime configuration for the job server and its collaborators.
type Config struct {
	Env         string
	HTTPPort    string
	MetricsAddr string
	PublicURL   string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PostgresDSN   string

	// Queueing limits.
	ConcurrentJobs   int
	UserProcessLimit int
	UserJobLimit     int

	// Saved job retention.
	PurgeSavedJobs bool
	PurgeInterval  time.Duration
	PurgeAfter     time.Duration

	NotifyOnSubmit   bool
	NotifyOnStart    bool
	NotifyOnComplete bool
	NotifyOutboxKey  string

	LoadJobsFromDisk bool
	JobsDirectory    string
	SnapshotFilename string

	// Compute worker invocation.
	Command                 string
	InputPrimaryFilename    string
	InputSecondaryFilename  string
	AuxiliarySpecFilename   string
	OutputPrimaryFilename   string
	OutputSecondaryFilename string

	ResultWait time.Duration

	RateLimitCapacity int
	RateLimitRefill   float64

	ArchiveDir          string
	ArtifactS3Bucket    string
	ArtifactS3Region    string
	ArtifactS3Endpoint  string
	ArtifactS3PathStyle bool
}

// Load reads configuration from environment variables with sane defaults for local development.
func Load() Config {
	return Config{
		Env:         getEnv("APP_ENV", "dev"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		MetricsAddr: getEnv("METRICS_ADDR", ""),
		PublicURL:   getEnv("PUBLIC_URL", "http://localhost:8080/"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		PostgresDSN:   getEnv("POSTGRES_DSN", ""),

		ConcurrentJobs:   getEnvInt("CONCURRENT_JOBS", 1),
		UserProcessLimit: getEnvInt("USER_PROCESS_LIMIT", 2),
		UserJobLimit:     getEnvInt("USER_JOB_LIMIT", 200),

		PurgeSavedJobs: getEnvBool("PURGE_SAVED_JOBS", true),
		PurgeInterval:  getEnvDuration("PURGE_INTERVAL", time.Hour),
		PurgeAfter:     getEnvDuration("PURGE_AFTER", 24*time.Hour),

		NotifyOnSubmit:   getEnvBool("NOTIFY_ON_SUBMIT", true),
		NotifyOnStart:    getEnvBool("NOTIFY_ON_START", true),
		NotifyOnComplete: getEnvBool("NOTIFY_ON_COMPLETE", true),
		NotifyOutboxKey:  getEnv("NOTIFY_OUTBOX_KEY", "notify:outbox"),

		LoadJobsFromDisk: getEnvBool("LOAD_JOBS_FROM_DISK", true),
		JobsDirectory:    getEnv("JOBS_DIRECTORY", "./jobs"),
		SnapshotFilename: getEnv("SNAPSHOT_FILENAME", "job.json"),

		Command:                 getEnv("COMPUTE_COMMAND", ""),
		InputPrimaryFilename:    getEnv("INPUT_PRIMARY_FILENAME", "input.pdb"),
		InputSecondaryFilename:  getEnv("INPUT_SECONDARY_FILENAME", "input.fasta"),
		AuxiliarySpecFilename:   getEnv("AUXILIARY_SPEC_FILENAME", "chains.txt"),
		OutputPrimaryFilename:   getEnv("OUTPUT_PRIMARY_FILENAME", "scored.pdb"),
		OutputSecondaryFilename: getEnv("OUTPUT_SECONDARY_FILENAME", "result.csv"),

		ResultWait: getEnvDuration("RESULT_WAIT", time.Second),

		RateLimitCapacity: getEnvInt("RATE_LIMIT_CAPACITY", 50),
		RateLimitRefill:   getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 1),

		ArchiveDir:          getEnv("ARCHIVE_DIR", ""),
		ArtifactS3Bucket:    getEnv("ARTIFACT_S3_BUCKET", ""),
		ArtifactS3Region:    getEnv("ARTIFACT_S3_REGION", "us-east-1"),
		ArtifactS3Endpoint:  getEnv("ARTIFACT_S3_ENDPOINT", ""),
		ArtifactS3PathStyle: getEnvBool("ARTIFACT_S3_PATH_STYLE", false),
	}
}

// Validate reports limits that would leave the queue unable to make progress.
func (c Config) Validate() error {
	var errs []error
	if c.ConcurrentJobs < 1 {
		errs = append(errs, fmt.Errorf("CONCURRENT_JOBS must be positive, got %d", c.ConcurrentJobs))
	}
	if c.UserProcessLimit < 1 {
		errs = append(errs, fmt.Errorf("USER_PROCESS_LIMIT must be positive, got %d", c.UserProcessLimit))
	}
	if c.UserJobLimit < 1 {
		errs = append(errs, fmt.Errorf("USER_JOB_LIMIT must be positive, got %d", c.UserJobLimit))
	}
	if c.PurgeSavedJobs && c.PurgeInterval <= 0 {
		errs = append(errs, errors.New("PURGE_INTERVAL must be positive when purging is enabled"))
	}
	if c.PurgeAfter <= 0 {
		errs = append(errs, errors.New("PURGE_AFTER must be positive"))
	}
	return errors.Join(errs...)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
