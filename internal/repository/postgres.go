package repository

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	"github.com/rotisserie/eris"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Driver names accepted by New.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverPgx      = "pgx"
)

func isPostgres(driver string) bool {
	return driver == DriverPostgres || driver == DriverPgx
}

// openPostgres opens a PostgreSQL connection through lib/pq ("postgres") or
// the pgx stdlib adapter ("pgx"). Both accept the same keyword DSN.
func openPostgres(cfg domain.RepositoryConfig) (*sql.DB, error) {
	host := cfg.PostgresHost
	if host == "" {
		host = "localhost"
	}

	port := cfg.PostgresPort
	if port == 0 {
		port = 5432
	}

	dbname := cfg.PostgresDB
	if dbname == "" {
		dbname = "kestrel"
	}

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		host,
		port,
		cfg.PostgresUser,
		cfg.PostgresPassword,
		dbname,
		getSSLMode(cfg.PostgresSSLMode),
	)

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, eris.Wrapf(err, "repository: open %s database", cfg.Driver)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, eris.Wrapf(err, "repository: ping %s database", cfg.Driver)
	}

	return db, nil
}

func getSSLMode(mode string) string {
	if mode == "" {
		return "disable"
	}
	return mode
}
