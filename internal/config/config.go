package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
)

type Config struct {
	Port       int
	LogLevel   string
	Env        string
	InstanceID string // identity of this gateway process on the broadcast bus

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

	// Handshake auth
	JWTSecret string

	// Gateway liveness
	HeartbeatInterval time.Duration // expected client heartbeat cadence
	ReplayWindow      time.Duration // bounded replay on reconnect

	// Socket rate limiting (per connection)
	SocketRateBurst  int
	SocketRatePerSec float64

	// Delivery
	DeliveryWorkers  int
	DeliveryMaxTries int

	// SQS config (optional durable delivery queue)
	SQSRegion   string
	SQSQueueURL string

	// AWS providers
	AWSRegion    string
	SESFromEmail string
	SNSRegion    string // AWS region for SNS (push)
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Each process gets a fresh identity unless one is pinned.
		InstanceID: uuid.NewString(),

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "pulse",
		DBPassword: "",
		DBName:     "pulse",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		HeartbeatInterval: 30 * time.Second,
		ReplayWindow:      15 * time.Minute,

		SocketRateBurst:  10,
		SocketRatePerSec: 1,

		DeliveryWorkers:  4,
		DeliveryMaxTries: 5,

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@pulse.local",
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

	if id := os.Getenv("INSTANCE_ID"); id != "" {
		cfg.InstanceID = id
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

	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.JWTSecret = secret
	}

	if interval := os.Getenv("HEARTBEAT_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid HEARTBEAT_INTERVAL: %w", err)
		}
		cfg.HeartbeatInterval = d
	}

	if window := os.Getenv("REPLAY_WINDOW"); window != "" {
		d, err := time.ParseDuration(window)
		if err != nil {
			return nil, fmt.Errorf("invalid REPLAY_WINDOW: %w", err)
		}
		cfg.ReplayWindow = d
	}

	if burst := os.Getenv("SOCKET_RATE_BURST"); burst != "" {
		b, err := strconv.Atoi(burst)
		if err != nil {
			return nil, fmt.Errorf("invalid SOCKET_RATE_BURST: %w", err)
		}
		cfg.SocketRateBurst = b
	}

	if rate := os.Getenv("SOCKET_RATE_PER_SEC"); rate != "" {
		r, err := strconv.ParseFloat(rate, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid SOCKET_RATE_PER_SEC: %w", err)
		}
		cfg.SocketRatePerSec = r
	}

	if workers := os.Getenv("DELIVERY_WORKERS"); workers != "" {
		n, err := strconv.Atoi(workers)
		if err != nil {
			return nil, fmt.Errorf("invalid DELIVERY_WORKERS: %w", err)
		}
		cfg.DeliveryWorkers = n
	}

	if tries := os.Getenv("DELIVERY_MAX_TRIES"); tries != "" {
		n, err := strconv.Atoi(tries)
		if err != nil {
			return nil, fmt.Errorf("invalid DELIVERY_MAX_TRIES: %w", err)
		}
		cfg.DeliveryMaxTries = n
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
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

	// SNS config for push
	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	return cfg, nil
}
