// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"encoding/json"
	"time"
)

// AuditRecorder persists a record of every AI decision.
// Callers treat failures as non-fatal.
type AuditRecorder interface {
	RecordAIResult(ctx context.Context, userID string, result *AIResult) error
}

// Repository defines the interface for data persistence.
// All methods require the user ID for strict isolation.
type Repository interface {
	AuditRecorder

	// Transaction history
	SaveTransaction(ctx context.Context, userID string, tx *TransactionRecord) error
	GetTransaction(ctx context.Context, userID string, txID string) (*TransactionRecord, error)
	ListTransactions(ctx context.Context, userID string, since time.Time) ([]TransactionRecord, error)

	// Audit trail
	GetAIResult(ctx context.Context, userID string, id string) (*AIResult, error)

	// Anomaly reports
	SaveAnomalyReport(ctx context.Context, userID string, report *AnomalyReport) error
	GetAnomalyReport(ctx context.Context, userID string, id string) (*AnomalyReport, error)

	// Model artifacts (global, not user scoped)
	SaveArtifact(ctx context.Context, name string, data []byte) error
	LoadArtifact(ctx context.Context, name string) ([]byte, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Task types recorded in the audit trail.
const (
	TaskCategorization   = "categorization"
	TaskAnomalyDetection = "anomaly_detection"
)

// AIResult is one audit trail entry.
type AIResult struct {
	ID           string          `json:"id"`
	UserID       string          `json:"userId"`
	TaskType     string          `json:"taskType"`
	InputData    json.RawMessage `json:"inputData"`
	OutputData   json.RawMessage `json:"outputData"`
	ModelUsed    string          `json:"modelUsed"`
	Confidence   float64         `json:"confidence"`
	ProcessingMs int64           `json:"processingMs"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite", "postgres" or "pgx"
	Driver string `mapstructure:"driver"`

	// SQLite specific
	SQLitePath string `mapstructure:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `mapstructure:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password"`
	PostgresDB       string `mapstructure:"postgres_db"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode"`

	// Connection pool settings
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}
