package storage

import (
	"database/sql"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"neowatch/internal/model"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:neowatch.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers, which also keeps ":memory:"
	// databases shared across calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return &sqliteStore{baseStore{db: db, d: sqliteDialect}}, nil
}

var sqliteDialect = dialect{
	name: "sqlite",
	ddl: []string{
		`CREATE TABLE IF NOT EXISTS neos (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			neo_id TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			close_approach_date TEXT NOT NULL,
			diameter_km REAL NOT NULL,
			velocity_km_s REAL NOT NULL,
			miss_distance_au REAL NOT NULL,
			hazardous INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_close_date ON neos(close_approach_date)`,
		`CREATE TABLE IF NOT EXISTS subscribers (
			id TEXT PRIMARY KEY,
			url TEXT NOT NULL UNIQUE,
			created_at TEXT NOT NULL
		)`,
	},
	ph:      func(int) string { return "?" },
	dateCol: "close_approach_date",
	dateArg: func(t time.Time) any { return model.FormatDate(t) },
	nowArg:  func() any { return nowUTC().Format("2006-01-02T15:04:05.000000000Z07:00") },
}
