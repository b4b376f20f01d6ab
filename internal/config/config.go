package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Capture   CaptureConfig   `mapstructure:"capture"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Readiness ReadinessConfig `mapstructure:"readiness"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	DBOS      DBOSConfig      `mapstructure:"dbos"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
	Serving   ServingConfig   `mapstructure:"serving"`
}

type ServerConfig struct {
	Addr      string `mapstructure:"addr" validate:"required"`
	LogLevel  string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `mapstructure:"log_format" validate:"oneof=console json"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=postgres pgx sqlite"`
	DSN    string `mapstructure:"dsn" validate:"required"`
}

type StorageConfig struct {
	Backend    string           `mapstructure:"backend" validate:"oneof=s3 filesystem badger"`
	S3         S3Config         `mapstructure:"s3"`
	Filesystem FilesystemConfig `mapstructure:"filesystem"`
	Badger     BadgerConfig     `mapstructure:"badger"`
}

// S3Config holds S3-compatible storage configuration.
type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket" validate:"required_if=Enabled true"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Enabled   bool   `mapstructure:"-"`
}

type FilesystemConfig struct {
	Dir string `mapstructure:"dir"`
}

type BadgerConfig struct {
	Dir      string `mapstructure:"dir"`
	InMemory bool   `mapstructure:"in_memory"`
}

type CaptureConfig struct {
	Headless          bool          `mapstructure:"headless"`
	NoSandbox         bool          `mapstructure:"no_sandbox"`
	UserAgent         string        `mapstructure:"user_agent"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" validate:"gt=0"`
	SettleDelay       time.Duration `mapstructure:"settle_delay" validate:"gte=0"`
	ViewportWidth     int           `mapstructure:"viewport_width" validate:"gt=0"`
	ViewportHeight    int           `mapstructure:"viewport_height" validate:"gt=0"`
	// Selectors overrides the built-in photo heuristics when non-empty.
	Selectors     []string `mapstructure:"selectors"`
	ChromeFilters []string `mapstructure:"chrome_filters"`
	ClipX         float64  `mapstructure:"clip_x"`
	ClipY         float64  `mapstructure:"clip_y"`
	ClipWidth     float64  `mapstructure:"clip_width" validate:"gt=0"`
	ClipHeight    float64  `mapstructure:"clip_height" validate:"gt=0"`
}

type PipelineConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts" validate:"min=1"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff" validate:"gte=0"`
	Concurrency    int           `mapstructure:"concurrency" validate:"min=1,max=50"`
	RequestDelay   time.Duration `mapstructure:"request_delay" validate:"gte=0"`
	BatchTimeout   time.Duration `mapstructure:"batch_timeout" validate:"gt=0"`
	BatchSize      int           `mapstructure:"batch_size" validate:"min=1"`
	StallThreshold time.Duration `mapstructure:"stall_threshold" validate:"gt=0"`
}

type ReadinessConfig struct {
	MinDogs     int     `mapstructure:"min_dogs" validate:"min=0"`
	MinCats     int     `mapstructure:"min_cats" validate:"min=0"`
	MinCoverage float64 `mapstructure:"min_coverage" validate:"gte=0,lte=1"`
}

type ReconcileConfig struct {
	SampleSize  int `mapstructure:"sample_size" validate:"min=0"`
	Concurrency int `mapstructure:"concurrency" validate:"min=1"`
}

type DispatchConfig struct {
	Mode  string      `mapstructure:"mode" validate:"oneof=inline asynq kafka dbos"`
	Redis RedisConfig `mapstructure:"redis"`
	Kafka KafkaConfig `mapstructure:"kafka"`
	// Workflow is the workflow name external DBOS workers register.
	Workflow string `mapstructure:"workflow"`
	// Inline mode runs at most InlineWorkers batches (browsers) at once.
	InlineWorkers int `mapstructure:"inline_workers" validate:"min=1"`
	InlineQueue   int `mapstructure:"inline_queue" validate:"min=1"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Queue    string `mapstructure:"queue"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

// DBOSConfig enables durable job execution when DatabaseURL is set.
type DBOSConfig struct {
	DatabaseURL        string `mapstructure:"database_url"`
	AppName            string `mapstructure:"app_name"`
	QueueName          string `mapstructure:"queue_name"`
	Concurrency        int    `mapstructure:"concurrency"`
	ApplicationVersion string `mapstructure:"application_version"`
	// ServeBatches lets the worker dequeue dbos-dispatched batches itself.
	ServeBatches bool `mapstructure:"serve_batches"`
}

// ScheduleConfig holds cron expressions; an empty expression disables the entry.
type ScheduleConfig struct {
	Sweep     string `mapstructure:"sweep"`
	Reconcile string `mapstructure:"reconcile"`
	Readiness string `mapstructure:"readiness"`
}

type ServingConfig struct {
	RetryAfter   time.Duration `mapstructure:"retry_after" validate:"gt=0"`
	DedupeWindow time.Duration `mapstructure:"dedupe_window" validate:"gte=0"`
	CacheMaxAge  time.Duration `mapstructure:"cache_max_age" validate:"gte=0"`
}

var envBindings = map[string]string{
	"server.addr":                "PETSYNC_HTTP_ADDR",
	"server.log_level":           "LOG_LEVEL",
	"server.log_format":          "LOG_FORMAT",
	"database.driver":            "DATABASE_DRIVER",
	"database.dsn":               "DATABASE_URL",
	"storage.backend":            "STORAGE_BACKEND",
	"storage.s3.endpoint":        "S3_ENDPOINT",
	"storage.s3.bucket":          "S3_BUCKET",
	"storage.s3.region":          "S3_REGION",
	"storage.s3.access_key":      "S3_ACCESS_KEY",
	"storage.s3.secret_key":      "S3_SECRET_KEY",
	"storage.filesystem.dir":     "STORAGE_DIR",
	"storage.badger.dir":         "BADGER_DIR",
	"capture.headless":           "CAPTURE_HEADLESS",
	"capture.no_sandbox":         "CAPTURE_NO_SANDBOX",
	"capture.navigation_timeout": "CAPTURE_NAVIGATION_TIMEOUT",
	"pipeline.max_attempts":      "PIPELINE_MAX_ATTEMPTS",
	"pipeline.concurrency":       "PIPELINE_CONCURRENCY",
	"pipeline.batch_size":        "PIPELINE_BATCH_SIZE",
	"pipeline.batch_timeout":     "PIPELINE_BATCH_TIMEOUT",
	"readiness.min_dogs":         "READINESS_MIN_DOGS",
	"readiness.min_cats":         "READINESS_MIN_CATS",
	"readiness.min_coverage":     "READINESS_MIN_COVERAGE",
	"dispatch.mode":              "DISPATCH_MODE",
	"dispatch.workflow":          "DISPATCH_WORKFLOW",
	"dispatch.inline_workers":    "DISPATCH_INLINE_WORKERS",
	"dispatch.inline_queue":      "DISPATCH_INLINE_QUEUE",
	"dispatch.redis.addr":        "REDIS_ADDR",
	"dispatch.redis.password":    "REDIS_PASSWORD",
	"dispatch.kafka.brokers":     "KAFKA_BROKERS",
	"dispatch.kafka.topic":       "KAFKA_TOPIC",
	"dbos.database_url":          "DBOS_SYSTEM_DATABASE_URL",
	"dbos.queue_name":            "DBOS_QUEUE_NAME",
	"dbos.application_version":   "DBOS_APPLICATION_VERSION",
	"dbos.serve_batches":         "DBOS_SERVE_BATCHES",
	"schedule.sweep":             "SCHEDULE_SWEEP",
	"schedule.reconcile":         "SCHEDULE_RECONCILE",
	"schedule.readiness":         "SCHEDULE_READINESS",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8081")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "console")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "postgres://localhost:5432/pets?sslmode=disable")

	v.SetDefault("storage.backend", "filesystem")
	v.SetDefault("storage.s3.region", "auto")
	v.SetDefault("storage.filesystem.dir", "./dev-data")
	v.SetDefault("storage.badger.dir", "./dev-data/badger")

	v.SetDefault("capture.headless", true)
	v.SetDefault("capture.no_sandbox", false)
	v.SetDefault("capture.user_agent", "PetImageSync/1.0")
	v.SetDefault("capture.navigation_timeout", 30*time.Second)
	v.SetDefault("capture.settle_delay", 2*time.Second)
	v.SetDefault("capture.viewport_width", 1280)
	v.SetDefault("capture.viewport_height", 1024)
	v.SetDefault("capture.clip_x", 0)
	v.SetDefault("capture.clip_y", 120)
	v.SetDefault("capture.clip_width", 800)
	v.SetDefault("capture.clip_height", 800)

	v.SetDefault("pipeline.max_attempts", 3)
	v.SetDefault("pipeline.retry_backoff", 2*time.Second)
	v.SetDefault("pipeline.concurrency", 5)
	v.SetDefault("pipeline.request_delay", time.Second)
	v.SetDefault("pipeline.batch_timeout", 15*time.Minute)
	v.SetDefault("pipeline.batch_size", 50)
	v.SetDefault("pipeline.stall_threshold", 30*time.Minute)

	v.SetDefault("readiness.min_dogs", 30)
	v.SetDefault("readiness.min_cats", 30)
	v.SetDefault("readiness.min_coverage", 0.8)

	v.SetDefault("reconcile.sample_size", 100)
	v.SetDefault("reconcile.concurrency", 8)

	v.SetDefault("dispatch.mode", "inline")
	v.SetDefault("dispatch.workflow", "capture_pets_batch")
	v.SetDefault("dispatch.inline_workers", 1)
	v.SetDefault("dispatch.inline_queue", 256)
	v.SetDefault("dispatch.redis.addr", "localhost:6379")
	v.SetDefault("dispatch.redis.queue", "capture")
	v.SetDefault("dispatch.kafka.topic", "pet-capture-batches")
	v.SetDefault("dispatch.kafka.group_id", "pet-capture-workers")

	v.SetDefault("dbos.app_name", "pet-image-sync")
	v.SetDefault("dbos.queue_name", "default")
	v.SetDefault("dbos.concurrency", 4)
	v.SetDefault("dbos.serve_batches", false)

	v.SetDefault("schedule.sweep", "@every 15m")
	v.SetDefault("schedule.reconcile", "@hourly")
	v.SetDefault("schedule.readiness", "@every 30m")

	v.SetDefault("serving.retry_after", 30*time.Second)
	v.SetDefault("serving.dedupe_window", 10*time.Minute)
	v.SetDefault("serving.cache_max_age", 24*time.Hour)
}

// Load reads .env, an optional config.yaml and the environment, applies
// defaults and validates the result.
func Load() (*Config, error) {
	// Load .env file if it exists (silently ignore if not found)
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.Storage.S3.Enabled = cfg.Storage.Backend == "s3"

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct constraints and cross-field requirements.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	switch c.Dispatch.Mode {
	case "kafka":
		if len(c.Dispatch.Kafka.Brokers) == 0 {
			return fmt.Errorf("invalid config: dispatch.kafka.brokers is required for kafka dispatch")
		}
	case "dbos":
		if c.DBOS.DatabaseURL == "" {
			return fmt.Errorf("invalid config: dbos.database_url is required for dbos dispatch")
		}
	}
	return nil
}
