package storage

import (
	"database/sql"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"neowatch/internal/model"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/neowatch?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db, d: postgresDialect}}, nil
}

var postgresDialect = dialect{
	name: "postgres",
	ddl: []string{
		`CREATE TABLE IF NOT EXISTS neos (
			id BIGSERIAL PRIMARY KEY,
			neo_id TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			close_approach_date DATE NOT NULL,
			diameter_km DOUBLE PRECISION NOT NULL,
			velocity_km_s DOUBLE PRECISION NOT NULL,
			miss_distance_au DOUBLE PRECISION NOT NULL,
			hazardous BOOLEAN NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_close_date ON neos(close_approach_date)`,
		`CREATE TABLE IF NOT EXISTS subscribers (
			id TEXT PRIMARY KEY,
			url TEXT NOT NULL UNIQUE,
			created_at TIMESTAMPTZ NOT NULL
		)`,
	},
	ph:      func(n int) string { return "$" + strconv.Itoa(n) },
	dateCol: "to_char(close_approach_date, 'YYYY-MM-DD')",
	dateArg: func(t time.Time) any { return model.Day(t) },
	nowArg:  func() any { return nowUTC() },
}
