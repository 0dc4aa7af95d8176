package cache

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// open opens (or creates) the cache database, applies the base schema and
// all pending migrations, and rebuilds the search index. A failure here is
// the only fatal cache error; everything after open is surfaced per command.
func open(dbPath string, logger *logrus.Logger) (*sql.DB, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache db: %w", err)
	}

	// The worker goroutine is the sole user of this handle.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init cache schema: %w", err)
	}

	runMigrations(db, logger)

	return db, nil
}

// runMigrations applies the forward-only column/index/FTS migrations.
// Individual failures are logged, never fatal: an already-applied ALTER is
// the normal case on every open after the first.
func runMigrations(db *sql.DB, logger *logrus.Logger) {
	for _, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			if !strings.Contains(err.Error(), "duplicate column") {
				logger.WithError(err).WithField("sql", stmt).Warn("Migration failed")
			}
		}
	}

	if _, err := db.Exec(indexDDL); err != nil {
		logger.WithError(err).Warn("Index creation failed")
	}

	for _, ddl := range ftsDDL {
		if _, err := db.Exec(ddl); err != nil {
			logger.WithError(err).Warn("FTS migration failed")
		}
	}

	// Rebuild the FTS index from existing content. Idempotent, fast when
	// already current.
	if _, err := db.Exec("INSERT INTO message_fts(message_fts) VALUES('rebuild')"); err != nil {
		logger.WithError(err).Warn("FTS rebuild failed")
	}
}
