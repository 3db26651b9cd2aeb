// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with SQLite and both PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

var _ domain.Repository = (*SQLRepository)(nil)

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case DriverSQLite:
		db, err = openSQLite(cfg)
	case DriverPostgres, DriverPgx:
		db, err = openPostgres(cfg)
	default:
		return nil, eris.Errorf("repository: unsupported driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "repository: run migrations")
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas(r.driver) {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

func requireUser(userID string) error {
	if userID == "" {
		return eris.Wrap(ErrInvalidInput, "userID is required")
	}
	return nil
}

// SaveTransaction stores or replaces a transaction in the user's history.
// Timestamps are stored in UTC so range scans compare correctly.
func (r *SQLRepository) SaveTransaction(ctx context.Context, userID string, tx *domain.TransactionRecord) error {
	if err := requireUser(userID); err != nil {
		return err
	}
	if tx == nil || tx.ID == "" {
		return eris.Wrap(ErrInvalidInput, "transaction id is required")
	}

	query := `
		INSERT INTO transactions (
			id, user_id, description, merchant, category, amount, timestamp, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, id) DO UPDATE SET
			description = excluded.description,
			merchant = excluded.merchant,
			category = excluded.category,
			amount = excluded.amount,
			timestamp = excluded.timestamp
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, userID, tx.Description, tx.Merchant, tx.Category,
		tx.Amount.String(), tx.Timestamp.UTC(), time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "repository: save transaction %s", tx.ID)
	}
	return nil
}

const transactionColumns = `id, user_id, description, merchant, category, amount, timestamp`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (domain.TransactionRecord, error) {
	var tx domain.TransactionRecord
	var merchant, category sql.NullString
	err := row.Scan(
		&tx.ID, &tx.UserID, &tx.Description,
		&merchant, &category,
		&tx.Amount, &tx.Timestamp,
	)
	tx.Merchant = merchant.String
	tx.Category = category.String
	return tx, err
}

// GetTransaction retrieves a transaction by ID with user isolation.
func (r *SQLRepository) GetTransaction(ctx context.Context, userID string, txID string) (*domain.TransactionRecord, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE user_id = ? AND id = ?`

	tx, err := scanTransaction(r.db.QueryRowContext(ctx, r.rebind(query), userID, txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "repository: get transaction %s", txID)
	}
	return &tx, nil
}

// ListTransactions returns the user's transactions at or after since,
// oldest first.
func (r *SQLRepository) ListTransactions(ctx context.Context, userID string, since time.Time) ([]domain.TransactionRecord, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}

	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE user_id = ? AND timestamp >= ?
		ORDER BY timestamp ASC, id ASC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), userID, since.UTC())
	if err != nil {
		return nil, eris.Wrap(err, "repository: list transactions")
	}
	defer rows.Close()

	var out []domain.TransactionRecord
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, eris.Wrap(err, "repository: scan transaction")
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func rawOrNull(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	return string(raw)
}

// RecordAIResult appends an entry to the audit trail.
func (r *SQLRepository) RecordAIResult(ctx context.Context, userID string, result *domain.AIResult) error {
	if err := requireUser(userID); err != nil {
		return err
	}
	if result == nil || result.ID == "" {
		return eris.Wrap(ErrInvalidInput, "audit id is required")
	}

	createdAt := result.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := `
		INSERT INTO ai_results (
			id, user_id, task_type, input_data, output_data,
			model_used, confidence, processing_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		result.ID, userID, result.TaskType,
		rawOrNull(result.InputData), rawOrNull(result.OutputData),
		result.ModelUsed, result.Confidence, result.ProcessingMs, createdAt.UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "repository: record %s result", result.TaskType)
	}
	return nil
}

// GetAIResult retrieves an audit entry with user isolation.
func (r *SQLRepository) GetAIResult(ctx context.Context, userID string, id string) (*domain.AIResult, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, user_id, task_type, input_data, output_data,
			   model_used, confidence, processing_ms, created_at
		FROM ai_results
		WHERE user_id = ? AND id = ?
	`

	var res domain.AIResult
	var input, output string
	err := r.db.QueryRowContext(ctx, r.rebind(query), userID, id).Scan(
		&res.ID, &res.UserID, &res.TaskType, &input, &output,
		&res.ModelUsed, &res.Confidence, &res.ProcessingMs, &res.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "repository: get audit entry %s", id)
	}

	res.InputData = json.RawMessage(input)
	res.OutputData = json.RawMessage(output)
	return &res, nil
}

// SaveAnomalyReport stores a detection run with user isolation.
func (r *SQLRepository) SaveAnomalyReport(ctx context.Context, userID string, report *domain.AnomalyReport) error {
	if err := requireUser(userID); err != nil {
		return err
	}
	if report == nil || report.ID == "" {
		return eris.Wrap(ErrInvalidInput, "report id is required")
	}

	anomalies, err := json.Marshal(report.Anomalies)
	if err != nil {
		return eris.Wrap(err, "repository: encode anomalies")
	}

	available := 0
	if report.ModelAvailable {
		available = 1
	}

	query := `
		INSERT INTO anomaly_reports (
			id, user_id, generated_at, batch_size, model_available, model_version, anomalies
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		report.ID, userID, report.GeneratedAt.UTC(), report.BatchSize,
		available, report.ModelVersion, string(anomalies),
	)
	if err != nil {
		return eris.Wrapf(err, "repository: save anomaly report %s", report.ID)
	}
	return nil
}

// GetAnomalyReport retrieves a stored detection run.
func (r *SQLRepository) GetAnomalyReport(ctx context.Context, userID string, id string) (*domain.AnomalyReport, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, user_id, generated_at, batch_size, model_available, model_version, anomalies
		FROM anomaly_reports
		WHERE user_id = ? AND id = ?
	`

	var report domain.AnomalyReport
	var available int
	var version sql.NullString
	var anomalies string

	err := r.db.QueryRowContext(ctx, r.rebind(query), userID, id).Scan(
		&report.ID, &report.UserID, &report.GeneratedAt, &report.BatchSize,
		&available, &version, &anomalies,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "repository: get anomaly report %s", id)
	}

	report.ModelAvailable = available == 1
	report.ModelVersion = version.String
	if err := json.Unmarshal([]byte(anomalies), &report.Anomalies); err != nil {
		return nil, eris.Wrapf(err, "repository: decode anomalies for %s", id)
	}
	return &report, nil
}

// SaveArtifact stores or replaces a named model artifact.
func (r *SQLRepository) SaveArtifact(ctx context.Context, name string, data []byte) error {
	if name == "" {
		return eris.Wrap(ErrInvalidInput, "artifact name is required")
	}

	query := `
		INSERT INTO model_artifacts (name, data, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at
	`

	if _, err := r.db.ExecContext(ctx, r.rebind(query), name, data, time.Now().UTC()); err != nil {
		return eris.Wrapf(err, "repository: save artifact %s", name)
	}
	return nil
}

// LoadArtifact returns the named artifact or ErrNotFound.
func (r *SQLRepository) LoadArtifact(ctx context.Context, name string) ([]byte, error) {
	var data []byte
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT data FROM model_artifacts WHERE name = ?`), name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "repository: load artifact %s", name)
	}
	return data, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if !isPostgres(r.driver) {
		return query
	}

	var b strings.Builder
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}
