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

	// PublicURL is the externally reachable base URL webhook callbacks
	// are registered against.
	PublicURL string

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

	// SQS webhook spool
	SQSRegion   string
	SQSQueueURL string

	// AWS services
	AWSRegion     string
	SNSRegion     string // region for the alert topic
	AlertTopicARN string

	// AMQP event publishing
	AMQPURL      string
	AMQPExchange string

	// OAuth token endpoint ({tenant} is substituted per credential)
	OAuthTokenEndpoint string

	// Provider API base URLs
	ChatAPIURL      string
	GraphAPIURL     string
	BotAPIURL       string
	MailAPIURL      string
	TeamChatAPIURL  string
	MailFromAddress string

	// Dispatch engine
	DispatchPollInterval   time.Duration
	DispatchBatchSize      int
	DispatchSendDelay      time.Duration
	DispatchAlertThreshold int

	// Mailbox polling
	MailboxPollInterval time.Duration
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:      8080,
		LogLevel:  "info",
		Env:       "development",
		PublicURL: "http://localhost:8080",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "switchboard",
		DBPassword: "",
		DBName:     "switchboard",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		AWSRegion:    "us-east-1",
		AMQPExchange: "switchboard.events",

		BotAPIURL:   "https://api.telegram.org",
		GraphAPIURL: "https://graph.facebook.com/v19.0",
		MailAPIURL:  "https://graph.microsoft.com/v1.0",

		DispatchPollInterval:   15 * time.Second,
		DispatchBatchSize:      10,
		DispatchSendDelay:      500 * time.Millisecond,
		DispatchAlertThreshold: 20,
		MailboxPollInterval:    time.Minute,
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

	if url := os.Getenv("PUBLIC_URL"); url != "" {
		cfg.PublicURL = url
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

	// SQS spool config
	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}

	if url := os.Getenv("SQS_QUEUE_URL"); url != "" {
		cfg.SQSQueueURL = url
	}

	// SNS alerting
	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	if arn := os.Getenv("ALERT_TOPIC_ARN"); arn != "" {
		cfg.AlertTopicARN = arn
	}

	// AMQP events
	if url := os.Getenv("AMQP_URL"); url != "" {
		cfg.AMQPURL = url
	}
	if exchange := os.Getenv("AMQP_EXCHANGE"); exchange != "" {
		cfg.AMQPExchange = exchange
	}

	// OAuth
	if endpoint := os.Getenv("OAUTH_TOKEN_ENDPOINT"); endpoint != "" {
		cfg.OAuthTokenEndpoint = endpoint
	}

	// Provider API base URLs
	if url := os.Getenv("CHAT_API_URL"); url != "" {
		cfg.ChatAPIURL = url
	}
	if url := os.Getenv("GRAPH_API_URL"); url != "" {
		cfg.GraphAPIURL = url
	}
	if url := os.Getenv("BOT_API_URL"); url != "" {
		cfg.BotAPIURL = url
	}
	if url := os.Getenv("MAIL_API_URL"); url != "" {
		cfg.MailAPIURL = url
	}
	if url := os.Getenv("TEAMCHAT_API_URL"); url != "" {
		cfg.TeamChatAPIURL = url
	}
	if addr := os.Getenv("MAIL_FROM_ADDRESS"); addr != "" {
		cfg.MailFromAddress = addr
	}

	// Dispatch engine
	if interval := os.Getenv("DISPATCH_POLL_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid DISPATCH_POLL_INTERVAL: %w", err)
		}
		cfg.DispatchPollInterval = d
	}

	if size := os.Getenv("DISPATCH_BATCH_SIZE"); size != "" {
		s, err := strconv.Atoi(size)
		if err != nil {
			return nil, fmt.Errorf("invalid DISPATCH_BATCH_SIZE: %w", err)
		}
		cfg.DispatchBatchSize = s
	}

	if delay := os.Getenv("DISPATCH_SEND_DELAY"); delay != "" {
		d, err := time.ParseDuration(delay)
		if err != nil {
			return nil, fmt.Errorf("invalid DISPATCH_SEND_DELAY: %w", err)
		}
		cfg.DispatchSendDelay = d
	}

	if threshold := os.Getenv("DISPATCH_ALERT_THRESHOLD"); threshold != "" {
		t, err := strconv.Atoi(threshold)
		if err != nil {
			return nil, fmt.Errorf("invalid DISPATCH_ALERT_THRESHOLD: %w", err)
		}
		cfg.DispatchAlertThreshold = t
	}

	// Mailbox polling
	if interval := os.Getenv("MAILBOX_POLL_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid MAILBOX_POLL_INTERVAL: %w", err)
		}
		cfg.MailboxPollInterval = d
	}

	return cfg, nil
}
