package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/digkill/StoryForge/internal/config"
)

// Connect opens the MySQL connection with sensible pooling defaults.
//
// ClientFoundRows is forced on: guarded job updates rely on RowsAffected
// counting matched rows, not only rows whose values changed.
func Connect(cfg config.Config) (*sql.DB, error) {
	dsn, err := mysql.ParseDSN(cfg.MySQLDSN)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	dsn.ParseTime = true
	dsn.ClientFoundRows = true
	if dsn.Loc == nil {
		dsn.Loc = time.UTC
	}

	connector, err := mysql.NewConnector(dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db := sql.OpenDB(connector)

	db.SetConnMaxLifetime(time.Minute * 5)
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	return db, nil
}

// Migrate runs the bootstrap schema to ensure required tables exist.
// Statements are applied one by one so the DSN does not need multiStatements.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range statements(schema) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func statements(script string) []string {
	var out []string
	for _, part := range strings.Split(script, ";") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}
