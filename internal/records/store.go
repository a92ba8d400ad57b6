package records

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"neowatch/internal/model"
	"neowatch/internal/storage"
)

// StoreError means a batch could not be persisted. Nothing from the batch
// is reported as stored when it is returned.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("record store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Store owns the "has this external id been seen" decision.
type Store struct {
	backend storage.Store
	locks   *keyLocks
	logger  *slog.Logger
}

func New(backend storage.Store, logger *slog.Logger) *Store {
	return &Store{backend: backend, locks: newKeyLocks(), logger: logger}
}

// InsertNew persists the records whose external id has not been stored
// before and returns exactly those, in input order and carrying their
// storage ids. Within one batch the first occurrence of an id wins.
// Concurrent calls never both return the same external id.
func (s *Store) InsertNew(ctx context.Context, recs []model.Record) ([]model.Record, error) {
	candidates := make([]model.Record, 0, len(recs))
	keys := make([]string, 0, len(recs))
	seen := make(map[string]struct{}, len(recs))
	for _, r := range recs {
		id := strings.TrimSpace(r.ExternalID)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			if s.logger != nil {
				s.logger.Debug("duplicate external id in batch", "external_id", id)
			}
			continue
		}
		seen[id] = struct{}{}
		r.ExternalID = id
		candidates = append(candidates, r)
		keys = append(keys, id)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	release := s.locks.lockAll(keys)
	defer release()

	fresh := make([]model.Record, 0, len(candidates))
	for _, r := range candidates {
		ok, err := s.backend.Exists(ctx, r.ExternalID)
		if err != nil {
			return nil, &StoreError{Op: "exists", Err: err}
		}
		if !ok {
			fresh = append(fresh, r)
		}
	}
	if len(fresh) == 0 {
		return nil, nil
	}
	inserted, err := s.backend.InsertRecords(ctx, fresh)
	if err != nil {
		return nil, &StoreError{Op: "insert", Err: err}
	}
	if s.logger != nil {
		s.logger.Debug("records stored", "candidates", len(recs), "inserted", len(inserted))
	}
	return inserted, nil
}
