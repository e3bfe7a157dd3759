package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// MaxPicSources caps the PIC sources, HTTP and queue together.
const MaxPicSources = 5

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config (job locks)
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// AWS Services
	AWSRegion     string
	AuditTopicARN string // SNS topic for audit events, empty disables publishing

	// PIC upstream sources
	PicSourceURLs     []string
	PicSourceQueueURL string
	PicSourceTimeout  time.Duration

	// Webhook config
	WebhookTimeout int // Timeout for webhook requests in seconds

	// Scheduling
	ShortTick         time.Duration
	ReminderAt        string // HH:MM in Timezone
	Timezone          string
	DispatchBatchSize int
	JobLockTTL        time.Duration

	// Campaign generation
	TemplateLocale            string
	SystemNoregPrefix         string
	CorporateNoregPrefix      string
	DefaultApprovalOffsetDays int
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is applied first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "uarflow",
		DBPassword: "",
		DBName:     "uar",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		AWSRegion: "ap-southeast-3",

		PicSourceTimeout: 10 * time.Second,
		WebhookTimeout:   30,

		ShortTick:         time.Minute,
		ReminderAt:        "08:00",
		Timezone:          "Asia/Jakarta",
		DispatchBatchSize: 50,
		JobLockTTL:        10 * time.Minute,

		TemplateLocale:            "id",
		SystemNoregPrefix:         "SYS",
		CorporateNoregPrefix:      "C",
		DefaultApprovalOffsetDays: 7,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if arn := os.Getenv("AUDIT_TOPIC_ARN"); arn != "" {
		cfg.AuditTopicARN = arn
	}

	// PIC sources
	if urls := os.Getenv("PIC_SOURCE_URLS"); urls != "" {
		for _, u := range strings.Split(urls, ",") {
			if u = strings.TrimSpace(u); u != "" {
				cfg.PicSourceURLs = append(cfg.PicSourceURLs, u)
			}
		}
	}

	if url := os.Getenv("PIC_SOURCE_QUEUE_URL"); url != "" {
		cfg.PicSourceQueueURL = url
	}

	if n := cfg.PicSourceCount(); n > MaxPicSources {
		return nil, fmt.Errorf("invalid PIC_SOURCE_URLS: at most %d sources including the queue, got %d", MaxPicSources, n)
	}

	if timeout := os.Getenv("PIC_SOURCE_TIMEOUT"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid PIC_SOURCE_TIMEOUT: %w", err)
		}
		cfg.PicSourceTimeout = d
	}

	// Webhook config
	if timeout := os.Getenv("WEBHOOK_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid WEBHOOK_TIMEOUT: %w", err)
		}
		cfg.WebhookTimeout = t
	}

	// Scheduling
	if tick := os.Getenv("SHORT_TICK"); tick != "" {
		d, err := time.ParseDuration(tick)
		if err != nil {
			return nil, fmt.Errorf("invalid SHORT_TICK: %w", err)
		}
		cfg.ShortTick = d
	}

	if at := os.Getenv("REMINDER_AT"); at != "" {
		if _, err := time.Parse("15:04", at); err != nil {
			return nil, fmt.Errorf("invalid REMINDER_AT: %w", err)
		}
		cfg.ReminderAt = at
	}

	if tz := os.Getenv("TIMEZONE"); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return nil, fmt.Errorf("invalid TIMEZONE: %w", err)
		}
		cfg.Timezone = tz
	}

	if size := os.Getenv("DISPATCH_BATCH_SIZE"); size != "" {
		n, err := strconv.Atoi(size)
		if err != nil {
			return nil, fmt.Errorf("invalid DISPATCH_BATCH_SIZE: %w", err)
		}
		cfg.DispatchBatchSize = n
	}

	if ttl := os.Getenv("JOB_LOCK_TTL"); ttl != "" {
		d, err := time.ParseDuration(ttl)
		if err != nil {
			return nil, fmt.Errorf("invalid JOB_LOCK_TTL: %w", err)
		}
		cfg.JobLockTTL = d
	}

	// Campaign generation
	if locale := os.Getenv("TEMPLATE_LOCALE"); locale != "" {
		cfg.TemplateLocale = locale
	}

	if prefix := os.Getenv("SYSTEM_NOREG_PREFIX"); prefix != "" {
		cfg.SystemNoregPrefix = prefix
	}

	if prefix := os.Getenv("CORPORATE_NOREG_PREFIX"); prefix != "" {
		cfg.CorporateNoregPrefix = prefix
	}

	if days := os.Getenv("DEFAULT_APPROVAL_OFFSET_DAYS"); days != "" {
		n, err := strconv.Atoi(days)
		if err != nil {
			return nil, fmt.Errorf("invalid DEFAULT_APPROVAL_OFFSET_DAYS: %w", err)
		}
		cfg.DefaultApprovalOffsetDays = n
	}

	return cfg, nil
}

// PicSourceCount is the number of configured PIC sources.
func (c *Config) PicSourceCount() int {
	n := len(c.PicSourceURLs)
	if c.PicSourceQueueURL != "" {
		n++
	}
	return n
}

// Location resolves Timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
