package repository

import "strings"

// Schema definitions for the Kestrel database.
// Compatible with SQLite and PostgreSQL; {{BLOB}} is replaced per driver.

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    description TEXT NOT NULL,
    merchant TEXT,
    category TEXT,
    amount TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (user_id, id)
);

CREATE INDEX IF NOT EXISTS idx_transactions_timestamp ON transactions(user_id, timestamp);
`

const schemaAIResults = `
CREATE TABLE IF NOT EXISTS ai_results (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    task_type TEXT NOT NULL,
    input_data TEXT NOT NULL,
    output_data TEXT NOT NULL,
    model_used TEXT NOT NULL,
    confidence REAL NOT NULL,
    processing_ms INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ai_results_user ON ai_results(user_id, task_type);
`

const schemaAnomalyReports = `
CREATE TABLE IF NOT EXISTS anomaly_reports (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    generated_at TIMESTAMP NOT NULL,
    batch_size INTEGER NOT NULL,
    model_available INTEGER NOT NULL,
    model_version TEXT,
    anomalies TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_anomaly_reports_user ON anomaly_reports(user_id, generated_at);
`

const schemaModelArtifacts = `
CREATE TABLE IF NOT EXISTS model_artifacts (
    name TEXT PRIMARY KEY,
    data {{BLOB}} NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

// AllSchemas returns all schema statements in order for the given driver.
func AllSchemas(driver string) []string {
	blob := "BLOB"
	if isPostgres(driver) {
		blob = "BYTEA"
	}

	schemas := []string{
		schemaTransactions,
		schemaAIResults,
		schemaAnomalyReports,
		schemaModelArtifacts,
	}
	for i, s := range schemas {
		schemas[i] = strings.ReplaceAll(s, "{{BLOB}}", blob)
	}
	return schemas
}
