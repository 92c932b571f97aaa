package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the engine.
type Config struct {
	App          AppConfig
	Postgres     PostgresConfig
	Redis        RedisConfig
	AMQP         AMQPConfig
	Logger       LoggerConfig
	Auth         AuthConfig
	Notification NotificationConfig
	Scheduler    SchedulerConfig
	Workflow     WorkflowConfig
	SLA          SLAConfig
}

// AppConfig controls the ops HTTP server.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
}

// RedisConfig holds Redis connection values.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// AMQPConfig configures optional event forwarding. An empty URL disables it.
type AMQPConfig struct {
	URL      string
	Exchange string
	// Buffer bounds events waiting to be forwarded.
	Buffer int
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level   string
	Format  string
	Service string
}

// AuthConfig defines token verification parameters for the ops surface.
type AuthConfig struct {
	JWTSecret             string
	Issuer                string
	Audience              string
	AccessTokenTTLMinutes int
}

// NotificationConfig configures outbound delivery.
type NotificationConfig struct {
	EmailFrom     string
	WebhookURL    string
	SendTimeout   time.Duration
	TicketBaseURL string
}

// SchedulerConfig controls timer cadences and daily trigger windows.
type SchedulerConfig struct {
	Timezone           string
	WorkflowInterval   time.Duration
	SLAInterval        time.Duration
	DailyCheckInterval time.Duration
	BirthdayCron       string
	ReEngagementCron   string
	DailyWindow        time.Duration
	LockTTL            time.Duration
}

// WorkflowConfig tunes the workflow engine.
type WorkflowConfig struct {
	BatchSize              int
	Concurrency            int
	BatchDelay             time.Duration
	ReEngagementInactivity time.Duration
	ReEngagementBatch      int
	ReEngagementCooldown   time.Duration
}

// SLAConfig tunes the deadline tracker.
type SLAConfig struct {
	WarningWindow time.Duration
}

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "backoffice-engine"),
			Env:                   getEnv("APP_ENV", "development"),
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "8080"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
		},
		Postgres: PostgresConfig{
			DSN:            os.Getenv("POSTGRES_DSN"),
			MaxConns:       int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10)),
			MinConns:       int32(getEnvAsInt("POSTGRES_MIN_CONNS", 2)),
			RunMigrations:  getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true),
			ConnMaxIdleSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30)),
			ConnMaxLifeSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300)),
		},
		Redis: RedisConfig{
			Addr:      getEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password:  os.Getenv("REDIS_PASSWORD"),
			DB:        redisDB,
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "backoffice-engine:"),
		},
		AMQP: AMQPConfig{
			URL:      os.Getenv("AMQP_URL"),
			Exchange: getEnv("AMQP_EXCHANGE", "backoffice.events"),
			Buffer:   getEnvAsInt("EVENT_BUFFER_SIZE", 1024),
		},
		Logger: LoggerConfig{
			Level:   getEnv("LOG_LEVEL", "info"),
			Format:  getEnv("LOG_FORMAT", "json"),
			Service: getEnv("APP_NAME", "backoffice-engine"),
		},
		Auth: AuthConfig{
			JWTSecret:             getEnv("AUTH_JWT_SECRET", "dev-secret"),
			Issuer:                os.Getenv("AUTH_ISSUER"),
			Audience:              os.Getenv("AUTH_AUDIENCE"),
			AccessTokenTTLMinutes: getEnvAsInt("AUTH_ACCESS_TOKEN_TTL_MINUTES", 60),
		},
		Notification: NotificationConfig{
			EmailFrom:     getEnv("NOTIFY_EMAIL_FROM", "noreply@example.com"),
			WebhookURL:    getEnv("NOTIFY_WEBHOOK_URL", ""),
			SendTimeout:   getEnvAsDuration("NOTIFY_SEND_TIMEOUT_SECONDS", 15, time.Second),
			TicketBaseURL: getEnv("NOTIFY_TICKET_BASE_URL", "http://localhost:3000"),
		},
		Scheduler: SchedulerConfig{
			Timezone:           getEnv("SCHED_TIMEZONE", "Local"),
			WorkflowInterval:   getEnvAsDuration("SCHED_WORKFLOW_INTERVAL_SECONDS", 300, time.Second),
			SLAInterval:        getEnvAsDuration("SCHED_SLA_INTERVAL_SECONDS", 900, time.Second),
			DailyCheckInterval: getEnvAsDuration("SCHED_DAILY_CHECK_INTERVAL_SECONDS", 60, time.Second),
			BirthdayCron:       getEnv("SCHED_BIRTHDAY_CRON", "0 9 * * *"),
			ReEngagementCron:   getEnv("SCHED_REENGAGEMENT_CRON", "0 10 * * *"),
			DailyWindow:        getEnvAsDuration("SCHED_DAILY_WINDOW_MINUTES", 5, time.Minute),
			LockTTL:            getEnvAsDuration("SCHED_LOCK_TTL_SECONDS", 600, time.Second),
		},
		Workflow: WorkflowConfig{
			BatchSize:              getEnvAsInt("WORKFLOW_BATCH_SIZE", 50),
			Concurrency:            getEnvAsInt("WORKFLOW_CONCURRENCY", 10),
			BatchDelay:             getEnvAsDuration("WORKFLOW_BATCH_DELAY_MS", 200, time.Millisecond),
			ReEngagementInactivity: getEnvAsDuration("WORKFLOW_REENGAGEMENT_INACTIVE_DAYS", 30, 24*time.Hour),
			ReEngagementBatch:      getEnvAsInt("WORKFLOW_REENGAGEMENT_BATCH", 100),
			ReEngagementCooldown:   getEnvAsDuration("WORKFLOW_REENGAGEMENT_COOLDOWN_DAYS", 0, 24*time.Hour),
		},
		SLA: SLAConfig{
			WarningWindow: getEnvAsDuration("SLA_WARNING_WINDOW_MINUTES", 120, time.Minute),
		},
	}

	if _, err := cfg.Scheduler.Location(); err != nil {
		return nil, fmt.Errorf("invalid SCHED_TIMEZONE: %w", err)
	}

	return cfg, nil
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// Location resolves the wall-clock zone used for daily triggers and birthdays.
func (s SchedulerConfig) Location() (*time.Location, error) {
	if s.Timezone == "" || s.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(s.Timezone)
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

// getEnvAsDuration reads an integer count of unit.
func getEnvAsDuration(key string, fallback int, unit time.Duration) time.Duration {
	return time.Duration(getEnvAsInt(key, fallback)) * unit
}
