package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

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

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Notification retry policy
	MaxRetries      int           // delivery attempts before abandonment
	RetryBaseDelay  time.Duration // first backoff step
	RetryMaxDelay   time.Duration // backoff cap
	LeaseTTL        time.Duration // claim visibility timeout
	SweepInterval   time.Duration // due-notification poll interval
	SweepBatchSize  int           // notifications claimed per sweep tick
	SweepWorkers    int           // concurrent delivery attempts
	DeliveryTimeout time.Duration // per-attempt gateway timeout

	// Payment policy
	PaymentDuePeriod     time.Duration // time allowed before overdue
	OverdueSweepInterval time.Duration
	AllowPartialPayments bool

	// AWS Services
	AWSRegion    string
	SESFromEmail string
	SNSRegion    string // AWS region for SNS (SMS)

	// SQS config for the violation event stream
	SQSRegion   string
	SQSQueueURL string
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "vigil",
		DBPassword: "",
		DBName:     "vigil",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		MaxRetries:      3,
		RetryBaseDelay:  time.Minute,
		RetryMaxDelay:   time.Hour,
		LeaseTTL:        2 * time.Minute,
		SweepInterval:   time.Minute,
		SweepBatchSize:  20,
		SweepWorkers:    4,
		DeliveryTimeout: 30 * time.Second,

		PaymentDuePeriod:     30 * 24 * time.Hour,
		OverdueSweepInterval: 24 * time.Hour,

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@vigil.local",
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

	// Retry policy
	if v := os.Getenv("MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid MAX_RETRIES: %q", v)
		}
		cfg.MaxRetries = n
	}

	if v := os.Getenv("RETRY_BASE_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid RETRY_BASE_DELAY: %w", err)
		}
		cfg.RetryBaseDelay = d
	}

	if v := os.Getenv("RETRY_MAX_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid RETRY_MAX_DELAY: %w", err)
		}
		cfg.RetryMaxDelay = d
	}

	if v := os.Getenv("LEASE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid LEASE_TTL: %w", err)
		}
		cfg.LeaseTTL = d
	}

	if v := os.Getenv("SWEEP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SWEEP_INTERVAL: %w", err)
		}
		cfg.SweepInterval = d
	}

	if v := os.Getenv("SWEEP_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid SWEEP_BATCH_SIZE: %q", v)
		}
		cfg.SweepBatchSize = n
	}

	if v := os.Getenv("SWEEP_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid SWEEP_WORKERS: %q", v)
		}
		cfg.SweepWorkers = n
	}

	if v := os.Getenv("DELIVERY_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid DELIVERY_TIMEOUT: %w", err)
		}
		cfg.DeliveryTimeout = d
	}

	// Payment policy
	if v := os.Getenv("PAYMENT_DUE_PERIOD"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid PAYMENT_DUE_PERIOD: %w", err)
		}
		cfg.PaymentDuePeriod = d
	}

	if v := os.Getenv("OVERDUE_SWEEP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid OVERDUE_SWEEP_INTERVAL: %w", err)
		}
		cfg.OverdueSweepInterval = d
	}

	if v := os.Getenv("ALLOW_PARTIAL_PAYMENTS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid ALLOW_PARTIAL_PAYMENTS: %w", err)
		}
		cfg.AllowPartialPayments = b
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	// SNS config for SMS
	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	// SQS config
	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}

	if url := os.Getenv("SQS_QUEUE_URL"); url != "" {
		cfg.SQSQueueURL = url
	}

	return cfg, nil
}
