package db

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Applied to every new connection through the DSN
var pragmas = []string{
	"foreign_keys(1)",
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
}

func dsn(database string) string {
	query := url.Values{}
	for _, p := range pragmas {
		query.Add("_pragma", p)
	}
	return "file:" + database + "?" + query.Encode()
}

func ensureDir(database string) error {
	if dir := filepath.Dir(database); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	return nil
}

// connection opens the snapshot database, creating its directory when missing
func connection(database string) (*sql.DB, error) {
	if err := ensureDir(database); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dsn(database))
	if err != nil {
		return nil, err
	}

	// Snapshots are small; one writer avoids SQLITE_BUSY between the cache and tidy
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database %s: %w", database, err)
	}

	return db, nil
}
