package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"neowatch/internal/config"
	"neowatch/internal/model"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

// Store is the persistence collaborator. InsertRecords must be atomic: it
// either commits every record it reports as inserted or returns an error
// and commits nothing. Records whose external id already exists are
// skipped and left out of the result.
type Store interface {
	Init(ctx context.Context) error
	Close() error

	Exists(ctx context.Context, externalID string) (bool, error)
	InsertRecords(ctx context.Context, recs []model.Record) ([]model.Record, error)
	GetRecord(ctx context.Context, id int64) (model.Record, error)
	ListRecords(ctx context.Context, f RecordFilter) ([]model.Record, error)

	AddSubscriber(ctx context.Context, endpoint string) (model.Subscriber, error)
	DeleteSubscriber(ctx context.Context, id string) error
	ListSubscribers(ctx context.Context) ([]model.Subscriber, error)
}

type RecordFilter struct {
	From      time.Time
	To        time.Time
	Hazardous *bool
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

// dialect captures what differs between the SQL drivers.
type dialect struct {
	name    string
	ddl     []string
	ph      func(n int) string
	dateCol string
	dateArg func(t time.Time) any
	nowArg  func() any
}

type baseStore struct {
	db *sql.DB
	d  dialect
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) Init(ctx context.Context) error {
	for _, stmt := range b.d.ddl {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s init: %w", b.d.name, err)
		}
	}
	return nil
}

func (b *baseStore) Exists(ctx context.Context, externalID string) (bool, error) {
	var one int
	err := b.db.QueryRowContext(ctx,
		`SELECT 1 FROM neos WHERE neo_id = `+b.d.ph(1), externalID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (b *baseStore) InsertRecords(ctx context.Context, recs []model.Record) ([]model.Record, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	p := b.d.ph
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO neos (neo_id, name, close_approach_date, diameter_km, velocity_km_s, miss_distance_au, hazardous)
		VALUES (%s, %s, %s, %s, %s, %s, %s)
		ON CONFLICT (neo_id) DO NOTHING
		RETURNING id`, p(1), p(2), p(3), p(4), p(5), p(6), p(7)))
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	defer stmt.Close()
	out := make([]model.Record, 0, len(recs))
	for _, r := range recs {
		var id int64
		err := stmt.QueryRowContext(ctx,
			r.ExternalID,
			r.Name,
			b.d.dateArg(r.ApproachDate),
			r.DiameterKm,
			r.VelocityKmPerSec,
			r.MissDistanceAU,
			r.Hazardous,
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			_ = tx.Rollback()
			return nil, err
		}
		r.ID = id
		out = append(out, r)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

const recordColumns = `id, neo_id, name, %s, diameter_km, velocity_km_s, miss_distance_au, hazardous`

func (b *baseStore) GetRecord(ctx context.Context, id int64) (model.Record, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT `+fmt.Sprintf(recordColumns, b.d.dateCol)+` FROM neos WHERE id = `+b.d.ph(1), id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Record{}, ErrNotFound
	}
	return r, err
}

func (b *baseStore) ListRecords(ctx context.Context, f RecordFilter) ([]model.Record, error) {
	var (
		where []string
		args  []any
	)
	if !f.From.IsZero() {
		args = append(args, b.d.dateArg(f.From))
		where = append(where, "close_approach_date >= "+b.d.ph(len(args)))
	}
	if !f.To.IsZero() {
		args = append(args, b.d.dateArg(f.To))
		where = append(where, "close_approach_date <= "+b.d.ph(len(args)))
	}
	if f.Hazardous != nil {
		args = append(args, *f.Hazardous)
		where = append(where, "hazardous = "+b.d.ph(len(args)))
	}
	q := `SELECT ` + fmt.Sprintf(recordColumns, b.d.dateCol) + ` FROM neos`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY close_approach_date, id"
	rows, err := b.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Record, 0)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (model.Record, error) {
	var (
		r   model.Record
		day string
	)
	if err := s.Scan(&r.ID, &r.ExternalID, &r.Name, &day, &r.DiameterKm, &r.VelocityKmPerSec, &r.MissDistanceAU, &r.Hazardous); err != nil {
		return model.Record{}, err
	}
	parsed, err := model.ParseDate(day)
	if err != nil {
		return model.Record{}, fmt.Errorf("record %d: %w", r.ID, err)
	}
	r.ApproachDate = parsed
	return r, nil
}

func (b *baseStore) AddSubscriber(ctx context.Context, endpoint string) (model.Subscriber, error) {
	sub := model.Subscriber{ID: uuid.NewString(), Endpoint: endpoint}
	var id string
	err := b.db.QueryRowContext(ctx, fmt.Sprintf(
		`INSERT INTO subscribers (id, url, created_at) VALUES (%s, %s, %s)
		ON CONFLICT (url) DO NOTHING
		RETURNING id`, b.d.ph(1), b.d.ph(2), b.d.ph(3)),
		sub.ID, sub.Endpoint, b.d.nowArg()).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Subscriber{}, ErrDuplicate
	}
	if err != nil {
		return model.Subscriber{}, err
	}
	return sub, nil
}

func (b *baseStore) DeleteSubscriber(ctx context.Context, id string) error {
	res, err := b.db.ExecContext(ctx, `DELETE FROM subscribers WHERE id = `+b.d.ph(1), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (b *baseStore) ListSubscribers(ctx context.Context) ([]model.Subscriber, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT id, url FROM subscribers ORDER BY created_at, url`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Subscriber, 0)
	for rows.Next() {
		var s model.Subscriber
		if err := rows.Scan(&s.ID, &s.Endpoint); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
