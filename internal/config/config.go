package config

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Module provides the loaded configuration to the fx graph.
var Module = fx.Module("config",
	fx.Provide(Load),
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	// TrainingAPIBaseURL points at the external fine-tuning provider.
	TrainingAPIBaseURL string
	TrainingAPIKey     string

	ExtractionAPIBaseURL string
	ExtractionAPIKey     string

	// CreditCapPerTransaction bounds a single admin credit grant.
	CreditCapPerTransaction int64
	// MinTrainingDocuments is the floor below which a fine-tuning job
	// submission fails with insufficient data.
	MinTrainingDocuments int
	// AutoDeployStatus is the deployment status applied to model versions
	// created by the poll loop ("active" or "testing").
	AutoDeployStatus string

	// SchedulerRunInterval is the delay between scheduler cycles, in seconds.
	SchedulerRunInterval int
	// SchedulerEnabledJobs restricts which jobs run; empty means all.
	SchedulerEnabledJobs []string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "docuvine"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "docuvine"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),

		TrainingAPIBaseURL: getenv("TRAINING_API_BASE_URL", "https://api.openai.com/v1"),
		TrainingAPIKey:     strings.TrimSpace(getenv("TRAINING_API_KEY", "")),

		ExtractionAPIBaseURL: getenv("EXTRACTION_API_BASE_URL", ""),
		ExtractionAPIKey:     strings.TrimSpace(getenv("EXTRACTION_API_KEY", "")),

		CreditCapPerTransaction: getenvInt64("CREDIT_CAP_PER_TRANSACTION", 100000),
		MinTrainingDocuments:    getenvInt("MIN_TRAINING_DOCUMENTS", 10),
		AutoDeployStatus:        strings.ToLower(getenv("AUTO_DEPLOY_STATUS", "active")),

		SchedulerRunInterval: getenvInt("SCHEDULER_RUN_INTERVAL", 60),
		SchedulerEnabledJobs: getenvList("SCHEDULER_ENABLED_JOBS"),
	}

	return cfg
}

func getenv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getenvList(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			values = append(values, part)
		}
	}
	return values
}

func getenvInt(key string, fallback int) int {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid int for %s: %q, using default %d", key, raw, fallback)
		return fallback
	}
	return value
}

func getenvInt64(key string, fallback int64) int64 {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid int for %s: %q, using default %d", key, raw, fallback)
		return fallback
	}
	return value
}
