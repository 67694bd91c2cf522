package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	ServiceName string
	ServicePort int
	LogLevel    string
	HTTP        HTTPConfig
	Storage     StorageConfig
	Maintenance MaintenanceConfig
	Query       QueryConfig
	Anomaly     AnomalyConfig
	Debug       DebugConfig
	Database    DatabaseConfig
	RabbitMQ    RabbitMQConfig
}

// HTTPConfig holds web server limits
type HTTPConfig struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxUploadBytes int64
}

// StorageConfig holds the locations of the persisted files
type StorageConfig struct {
	RecordFile  string
	ArchiveFile string
	LogFile     string
}

// MaintenanceConfig holds the maintenance window settings
type MaintenanceConfig struct {
	StartHour int
	EndHour   int
	// RejectWindowTimestamps rejects readings whose own timestamp falls in the window.
	RejectWindowTimestamps bool
	// PollInterval re-evaluates the flag in the background so the backup runs
	// without traffic. Zero disables polling.
	PollInterval time.Duration
}

// QueryConfig holds reading query settings
type QueryConfig struct {
	DefaultTolerance time.Duration
}

// AnomalyConfig holds anomaly detection settings
type AnomalyConfig struct {
	SpikeThreshold            float64
	MinDataPointsForDetection int
	HistoryWindow             int
}

// DebugConfig holds debug endpoint settings. An empty token disables /debug_memory.
type DebugConfig struct {
	MemoryToken string
}

// DatabaseConfig holds database connection settings. An empty URL disables the archive mirror.
type DatabaseConfig struct {
	URL string
}

// RabbitMQConfig holds RabbitMQ connection and queue settings. An empty URL disables messaging.
type RabbitMQConfig struct {
	URL              string
	IngestExchange   string
	IngestQueue      string
	IngestRoutingKey string
	EventsExchange   string
	DLQQueue         string
	PrefetchCount    int
	// RetryDelay is how long a reading refused during maintenance waits
	// before it is requeued.
	RetryDelay time.Duration
}

// Enabled reports whether a RabbitMQ URL was configured
func (c RabbitMQConfig) Enabled() bool {
	return c.URL != ""
}

// Enabled reports whether a database URL was configured
func (c DatabaseConfig) Enabled() bool {
	return c.URL != ""
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "electricity-meter-portal"),
		ServicePort: getEnvAsInt("SERVICE_PORT", 5000),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		HTTP: HTTPConfig{
			ReadTimeout:    time.Duration(getEnvAsInt("HTTP_READ_TIMEOUT_SECONDS", 15)) * time.Second,
			WriteTimeout:   time.Duration(getEnvAsInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)) * time.Second,
			MaxUploadBytes: int64(getEnvAsInt("HTTP_MAX_UPLOAD_BYTES", 10<<20)),
		},
		Storage: StorageConfig{
			RecordFile:  getEnv("RECORD_FILE", "electricity_record.json"),
			ArchiveFile: getEnv("ARCHIVE_FILE", "electricity_archive.json"),
			LogFile:     getEnv("ACTION_LOG_FILE", "logs.txt"),
		},
		Maintenance: MaintenanceConfig{
			StartHour:              getEnvAsInt("MAINTENANCE_START_HOUR", 0),
			EndHour:                getEnvAsInt("MAINTENANCE_END_HOUR", 1),
			RejectWindowTimestamps: getEnvAsBool("MAINTENANCE_REJECT_WINDOW_TIMESTAMPS", true),
			PollInterval:           time.Duration(getEnvAsInt("MAINTENANCE_POLL_SECONDS", 60)) * time.Second,
		},
		Query: QueryConfig{
			DefaultTolerance: time.Duration(getEnvAsInt("QUERY_TOLERANCE_SECONDS", 0)) * time.Second,
		},
		Anomaly: AnomalyConfig{
			SpikeThreshold:            getEnvAsFloat("ANOMALY_SPIKE_THRESHOLD", 3.0),
			MinDataPointsForDetection: getEnvAsInt("ANOMALY_MIN_DATA_POINTS", 3),
			HistoryWindow:             getEnvAsInt("ANOMALY_HISTORY_WINDOW", 10),
		},
		Debug: DebugConfig{
			MemoryToken: getEnv("DEBUG_MEMORY_TOKEN", ""),
		},
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
		RabbitMQ: RabbitMQConfig{
			URL:              getEnv("RABBITMQ_URL", ""),
			IngestExchange:   getEnv("RABBITMQ_INGEST_EXCHANGE", "meter-portal.ingest.exchange"),
			IngestQueue:      getEnv("RABBITMQ_INGEST_QUEUE", "meter-portal.readings.queue"),
			IngestRoutingKey: getEnv("RABBITMQ_INGEST_ROUTING_KEY", "meter.reading.submitted"),
			EventsExchange:   getEnv("RABBITMQ_EVENTS_EXCHANGE", "meter-portal.events.exchange"),
			DLQQueue:         getEnv("RABBITMQ_DLQ_QUEUE", "meter-portal.readings.dlq"),
			PrefetchCount:    getEnvAsInt("RABBITMQ_PREFETCH", 10),
			RetryDelay:       time.Duration(getEnvAsInt("RABBITMQ_RETRY_DELAY_SECONDS", 30)) * time.Second,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the loaded values for consistency
func (c *Config) Validate() error {
	if c.ServicePort <= 0 || c.ServicePort > 65535 {
		return fmt.Errorf("SERVICE_PORT %d is out of range", c.ServicePort)
	}
	if c.HTTP.MaxUploadBytes <= 0 {
		return fmt.Errorf("HTTP_MAX_UPLOAD_BYTES must be positive")
	}
	if c.Storage.RecordFile == "" || c.Storage.ArchiveFile == "" || c.Storage.LogFile == "" {
		return fmt.Errorf("RECORD_FILE, ARCHIVE_FILE and ACTION_LOG_FILE must not be empty")
	}
	if c.Storage.RecordFile == c.Storage.ArchiveFile {
		return fmt.Errorf("RECORD_FILE and ARCHIVE_FILE must be different files")
	}
	if !validHour(c.Maintenance.StartHour) || !validHour(c.Maintenance.EndHour) {
		return fmt.Errorf("maintenance hours must be within 0-23, got %d-%d", c.Maintenance.StartHour, c.Maintenance.EndHour)
	}
	if c.Maintenance.StartHour == c.Maintenance.EndHour {
		return fmt.Errorf("MAINTENANCE_START_HOUR and MAINTENANCE_END_HOUR must differ, got %d", c.Maintenance.StartHour)
	}
	if c.Maintenance.PollInterval < 0 {
		return fmt.Errorf("MAINTENANCE_POLL_SECONDS must not be negative")
	}
	if c.Query.DefaultTolerance < 0 {
		return fmt.Errorf("QUERY_TOLERANCE_SECONDS must not be negative")
	}
	// tolerance windows around the two query targets, 30 minutes apart, must not overlap
	if c.Query.DefaultTolerance >= 15*time.Minute {
		return fmt.Errorf("QUERY_TOLERANCE_SECONDS must be below 900")
	}
	if c.RabbitMQ.RetryDelay < 0 {
		return fmt.Errorf("RABBITMQ_RETRY_DELAY_SECONDS must not be negative")
	}
	return nil
}

func validHour(h int) bool {
	return h >= 0 && h <= 23
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
