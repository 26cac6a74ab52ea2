package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string
	HTTPAddr    string
	NATSURL     string // optional; empty disables event publishing

	SchedulerIntervalMin int // minutes between scheduler ticks
	SyncIntervalMin      int // minutes before an account counts as due
	BatchSize            int // max accounts selected per tick
	ShutdownTimeout      int // seconds

	GoogleClientID     string
	GoogleClientSecret string
	PubSubTopic        string // Gmail watch destination topic
	MicrosoftClientID  string
	MicrosoftSecret    string
	MicrosoftTenantID  string

	WebhookBaseURL string // public callback base, e.g. https://sync.example.com
	WebhookSecret  string // shared state embedded in every channel at creation
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error in production)
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	googleClientID := os.Getenv("GOOGLE_CLIENT_ID")
	googleClientSecret := os.Getenv("GOOGLE_CLIENT_SECRET")
	if googleClientID == "" || googleClientSecret == "" {
		fmt.Println("Warning: GOOGLE_CLIENT_ID or GOOGLE_CLIENT_SECRET not set, Google webhooks will not work")
	}

	msClientID := os.Getenv("MS_CLIENT_ID")
	msSecret := os.Getenv("MS_CLIENT_SECRET")
	if msClientID == "" || msSecret == "" {
		fmt.Println("Warning: MS_CLIENT_ID or MS_CLIENT_SECRET not set, Microsoft webhooks will not work")
	}

	webhookBaseURL := os.Getenv("WEBHOOK_BASE_URL")
	if webhookBaseURL == "" {
		fmt.Println("Warning: WEBHOOK_BASE_URL not set, webhook registration will not work")
	}

	return &Config{
		DatabaseURL:          dbURL,
		HTTPAddr:             envOr("HTTP_ADDR", ":8080"),
		NATSURL:              os.Getenv("NATS_URL"),
		SchedulerIntervalMin: envInt("SCHEDULER_INTERVAL_MIN", 5),
		SyncIntervalMin:      envInt("SYNC_INTERVAL_MIN", 30),
		BatchSize:            envInt("SCHEDULER_BATCH_SIZE", 200),
		ShutdownTimeout:      30,
		GoogleClientID:       googleClientID,
		GoogleClientSecret:   googleClientSecret,
		PubSubTopic:          os.Getenv("PUBSUB_TOPIC"),
		MicrosoftClientID:    msClientID,
		MicrosoftSecret:      msSecret,
		MicrosoftTenantID:    envOr("MS_TENANT_ID", "common"),
		WebhookBaseURL:       webhookBaseURL,
		WebhookSecret:        os.Getenv("WEBHOOK_SECRET"),
	}, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		fmt.Printf("Warning: invalid %s=%q, using default %d\n", key, v, def)
		return def
	}
	return n
}
