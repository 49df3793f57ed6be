// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Status store backends
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Object storage drivers
const (
	DriverMinio      = "minio"
	DriverS3         = "s3"
	DriverFilesystem = "filesystem"
)

// Config holds every setting of the ingest service
type Config struct {
	HTTPAddr string

	// Status store
	StatusStore string
	DatabaseURL string

	// Object storage
	StorageDriver  string
	S3Endpoint     string
	S3AccessKey    string
	S3SecretKey    string
	S3Region       string
	S3UsePathStyle bool
	S3UseSSL       bool
	SourceBucket   string
	StorageDir     string
	StorageTimeout time.Duration

	SourcePrefix      string
	DestinationPrefix string
	StagingDir        string
	SchemaVersion     string

	// Conversion service
	ConverterURL       string
	ConverterTimeout   time.Duration
	ConverterRateLimit float64

	SweepConcurrency   int
	RecoveryStaleAfter time.Duration
	RecoveryInterval   time.Duration

	// ExclusiveWorker declares this process the only one driving the status
	// store, so every in-flight record found at startup was interrupted.
	ExclusiveWorker bool

	// DBOS; in-process dispatch when DBOSDatabaseURL is empty
	DBOSDatabaseURL        string
	DBOSQueueName          string
	DBOSConcurrency        int
	DBOSApplicationVersion string

	// Bucket-event trigger; disabled when AMQPURL is empty
	AMQPURL   string
	AMQPQueue string

	LogLevel string
	LogFile  string
}

// Load reads .env (when present) and the process environment
func Load() (Config, error) {
	// Load .env file if it exists (silently ignore if not found)
	_ = godotenv.Load()
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from lookup. Unset keys are left zero for
// WithDefaults; malformed values are reported together.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	p := parser{lookup: lookup}
	cfg := Config{
		HTTPAddr: p.str("HTTP_ADDR"),

		StatusStore: strings.ToLower(p.str("STATUS_STORE")),
		DatabaseURL: p.str("DATABASE_URL"),

		StorageDriver:  strings.ToLower(p.str("STORAGE_DRIVER")),
		S3Endpoint:     p.str("S3_ENDPOINT"),
		S3AccessKey:    p.str("S3_ACCESS_KEY"),
		S3SecretKey:    p.str("S3_SECRET_KEY"),
		S3Region:       p.str("S3_REGION"),
		S3UsePathStyle: p.boolean("S3_USE_PATH_STYLE", true),
		S3UseSSL:       p.boolean("S3_USE_SSL", false),
		SourceBucket:   p.str("SOURCE_BUCKET"),
		StorageDir:     p.str("STORAGE_DIR"),
		StorageTimeout: p.duration("STORAGE_TIMEOUT"),

		SourcePrefix:      p.str("SOURCE_PREFIX"),
		DestinationPrefix: p.str("DESTINATION_PREFIX"),
		StagingDir:        p.str("STAGING_DIR"),
		SchemaVersion:     p.str("SCHEMA_VERSION"),

		ConverterURL:       p.str("CONVERTER_SERVICE_URL"),
		ConverterTimeout:   p.duration("CONVERTER_TIMEOUT"),
		ConverterRateLimit: p.float("CONVERTER_RATE_LIMIT"),

		SweepConcurrency:   p.integer("SWEEP_CONCURRENCY"),
		RecoveryStaleAfter: p.duration("RECOVERY_STALE_AFTER"),
		RecoveryInterval:   p.duration("RECOVERY_INTERVAL"),
		ExclusiveWorker:    p.boolean("EXCLUSIVE_WORKER", false),

		DBOSDatabaseURL:        p.str("DBOS_SYSTEM_DATABASE_URL"),
		DBOSQueueName:          p.str("DBOS_QUEUE_NAME"),
		DBOSConcurrency:        p.integer("DBOS_CONCURRENCY"),
		DBOSApplicationVersion: p.str("DBOS_APPLICATION_VERSION"),

		AMQPURL:   p.str("AMQP_URL"),
		AMQPQueue: p.str("AMQP_QUEUE"),

		LogLevel: p.str("LOG_LEVEL"),
		LogFile:  p.str("LOG_FILE"),
	}
	return cfg, errors.Join(p.errs...)
}

// WithDefaults fills in default values for optional fields
func (c *Config) WithDefaults() {
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8071"
	}
	if c.StatusStore == "" {
		c.StatusStore = StorePostgres
	}
	if c.StorageDriver == "" {
		c.StorageDriver = DriverMinio
	}
	if c.S3Region == "" {
		c.S3Region = "us-east-1"
	}
	if c.StorageTimeout == 0 {
		c.StorageTimeout = 30 * time.Second
	}
	if c.SourcePrefix == "" {
		c.SourcePrefix = "downloads/"
	}
	if c.DestinationPrefix == "" {
		c.DestinationPrefix = "processed/"
	}
	if c.SchemaVersion == "" {
		c.SchemaVersion = "1.0"
	}
	if c.ConverterTimeout == 0 {
		c.ConverterTimeout = 30 * time.Second
	}
	if c.SweepConcurrency == 0 {
		c.SweepConcurrency = 4
	}
	if c.RecoveryStaleAfter == 0 {
		c.RecoveryStaleAfter = 15 * time.Minute
	}
	if c.RecoveryInterval == 0 {
		c.RecoveryInterval = time.Minute
	}
	if c.DBOSQueueName == "" {
		c.DBOSQueueName = "ingest"
	}
	if c.DBOSConcurrency == 0 {
		c.DBOSConcurrency = 4
	}
	if c.AMQPQueue == "" {
		c.AMQPQueue = "bucket-events"
	}
	if c.LogLevel == "" {
		c.LogLevel = "INFO"
	}
	c.SourcePrefix = withSlash(c.SourcePrefix)
	c.DestinationPrefix = withSlash(c.DestinationPrefix)
}

// Validate reports every missing or inconsistent setting
func (c Config) Validate() error {
	var errs []error

	switch c.StatusStore {
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres status store"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("STATUS_STORE %q is not one of postgres, memory", c.StatusStore))
	}

	switch c.StorageDriver {
	case DriverMinio:
		if c.S3Endpoint == "" {
			errs = append(errs, errors.New("S3_ENDPOINT is required for the minio driver"))
		}
		if c.SourceBucket == "" {
			errs = append(errs, errors.New("SOURCE_BUCKET is required"))
		}
	case DriverS3:
		if c.SourceBucket == "" {
			errs = append(errs, errors.New("SOURCE_BUCKET is required"))
		}
	case DriverFilesystem:
		if c.StorageDir == "" {
			errs = append(errs, errors.New("STORAGE_DIR is required for the filesystem driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORAGE_DRIVER %q is not one of minio, s3, filesystem", c.StorageDriver))
	}

	if c.ConverterURL == "" {
		errs = append(errs, errors.New("CONVERTER_SERVICE_URL is required"))
	}
	if c.ConverterRateLimit < 0 {
		errs = append(errs, errors.New("CONVERTER_RATE_LIMIT must not be negative"))
	}
	if c.SourcePrefix == c.DestinationPrefix {
		errs = append(errs, fmt.Errorf("SOURCE_PREFIX and DESTINATION_PREFIX must differ, both are %q", c.SourcePrefix))
	}
	if c.RecoveryStaleAfter < 0 || c.RecoveryInterval < 0 {
		errs = append(errs, errors.New("RECOVERY_STALE_AFTER and RECOVERY_INTERVAL must not be negative"))
	}
	if c.SweepConcurrency < 0 || c.DBOSConcurrency < 0 {
		errs = append(errs, errors.New("concurrency settings must be positive"))
	}

	return errors.Join(errs...)
}

func withSlash(prefix string) string {
	if prefix == "" || strings.HasSuffix(prefix, "/") {
		return prefix
	}
	return prefix + "/"
}

type parser struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (p *parser) str(key string) string {
	v, _ := p.lookup(key)
	return strings.TrimSpace(v)
}

func (p *parser) boolean(key string, def bool) bool {
	v := p.str(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func (p *parser) integer(key string) int {
	v := p.str(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
	}
	return n
}

func (p *parser) float(key string) float64 {
	v := p.str(key)
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
	}
	return f
}

// duration accepts Go durations and bare seconds
func (p *parser) duration(key string) time.Duration {
	v := p.str(key)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
	}
	return d
}
