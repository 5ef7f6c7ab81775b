package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Bounds for the polling interval and monitoring duration. Values outside
// these ranges are clamped rather than rejected.
const (
	MinPollingIntervalSeconds = 10
	MaxPollingIntervalSeconds = 90
	MinDurationMinutes        = 10
	MaxDurationMinutes        = 95
)

// Config holds all configuration for the monitoring service
type Config struct {
	// Tranzy API
	TranzyURL string
	APIKey    string
	AgencyID  string

	// Storage: SQLite by default, Postgres when DATABASE_URL is set
	SQLitePath  string
	DatabaseURL string

	// Monitoring
	PollingInterval time.Duration
	DefaultDuration time.Duration
	MaxDistToStop   float64
	TimeTolerance   time.Duration

	// Raw vehicle response audit logging
	RawVehicleLogging bool
	RawLogDir         string

	// Control server
	Port       string
	CORSOrigin string
}

// Load reads configuration from .env files and environment variables with
// sensible defaults
func Load() *Config {
	// Load base .env first, then .env.local which overrides for local development
	_ = godotenv.Load(".env")
	_ = godotenv.Overload(".env.local")

	cfg := &Config{
		TranzyURL: getEnv("TRANZY_URL", "https://api.tranzy.dev/v1/opendata"),
		APIKey:    getEnv("TRANZY_API_KEY", ""),
		AgencyID:  getEnv("AGENCY_ID", "2"),

		SQLitePath:  getEnv("SQLITE_DATABASE", "tranzy.db"),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		PollingInterval: time.Duration(clamp(getEnvInt("POLLING_INTERVAL", 30),
			MinPollingIntervalSeconds, MaxPollingIntervalSeconds)) * time.Second,
		DefaultDuration: time.Duration(clamp(getEnvInt("MONITORING_DURATION", 95),
			MinDurationMinutes, MaxDurationMinutes)) * time.Minute,
		MaxDistToStop: float64(getEnvInt("MAX_DIST_TO_STOP", 300)),
		TimeTolerance: time.Duration(getEnvInt("TIME_TOLERANCE", 60)) * time.Second,

		RawVehicleLogging: getEnvBool("RAW_VEHICLE_LOGGING", false),
		RawLogDir:         getEnv("RAW_LOG_DIR", "raw_logs"),

		Port:       getEnv("PORT", "8080"),
		CORSOrigin: getEnv("CORS_ORIGIN", "http://localhost:5173"),
	}

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func clamp(value, min, max int) int {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
