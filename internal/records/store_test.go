package records

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"neowatch/internal/model"
	"neowatch/internal/storage"
)

func rec(id string, miss float64) model.Record {
	return model.Record{
		ExternalID:       id,
		Name:             "neo " + id,
		ApproachDate:     time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC),
		DiameterKm:       1,
		VelocityKmPerSec: 5,
		MissDistanceAU:   miss,
	}
}

func TestInsertNewIsIdempotent(t *testing.T) {
	s := New(storage.NewMemory(), nil)
	batch := []model.Record{rec("1", 0.01), rec("2", 0.2), rec("3", 0.3)}
	first, err := s.InsertNew(context.Background(), batch)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if len(first) != 3 {
		t.Fatalf("first run: %d", len(first))
	}
	for i, r := range first {
		if r.ExternalID != batch[i].ExternalID || r.ID == 0 {
			t.Fatalf("order or id mismatch at %d: %+v", i, r)
		}
	}
	second, err := s.InsertNew(context.Background(), batch)
	if err != nil {
		t.Fatalf("insert again: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("second run should insert nothing, got %d", len(second))
	}
}

func TestInsertNewFirstOccurrenceWins(t *testing.T) {
	s := New(storage.NewMemory(), nil)
	a := rec("dup", 0.01)
	b := rec("dup", 0.9)
	got, err := s.InsertNew(context.Background(), []model.Record{a, rec("other", 0.5), b})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if len(got) != 2 || got[0].ExternalID != "dup" || got[0].MissDistanceAU != 0.01 || got[1].ExternalID != "other" {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestConcurrentCyclesClassifyOnce(t *testing.T) {
	s := New(storage.NewMemory(), nil)
	batch := []model.Record{rec("a", 0.01), rec("b", 0.02)}
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		count = map[string]int{}
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := s.InsertNew(context.Background(), batch)
			if err != nil {
				t.Errorf("insert: %v", err)
				return
			}
			mu.Lock()
			for _, r := range got {
				count[r.ExternalID]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	if count["a"] != 1 || count["b"] != 1 {
		t.Fatalf("each id must be new exactly once: %v", count)
	}
	if n := s.locks.size(); n != 0 {
		t.Fatalf("lock table not drained: %d", n)
	}
}

type failingBackend struct {
	storage.Store
	existsErr error
	insertErr error
}

func (f failingBackend) Exists(ctx context.Context, id string) (bool, error) {
	if f.existsErr != nil {
		return false, f.existsErr
	}
	return f.Store.Exists(ctx, id)
}

func (f failingBackend) InsertRecords(ctx context.Context, recs []model.Record) ([]model.Record, error) {
	if f.insertErr != nil {
		return nil, f.insertErr
	}
	return f.Store.InsertRecords(ctx, recs)
}

func TestInsertNewSurfacesStoreError(t *testing.T) {
	boom := errors.New("disk full")
	s := New(failingBackend{Store: storage.NewMemory(), insertErr: boom}, nil)
	got, err := s.InsertNew(context.Background(), []model.Record{rec("1", 0.01)})
	var se *StoreError
	if !errors.As(err, &se) || se.Op != "insert" || !errors.Is(err, boom) {
		t.Fatalf("expected insert StoreError, got %v", err)
	}
	if got != nil {
		t.Fatalf("no records may be returned on failure: %+v", got)
	}

	s = New(failingBackend{Store: storage.NewMemory(), existsErr: boom}, nil)
	if _, err := s.InsertNew(context.Background(), []model.Record{rec("1", 0.01)}); !errors.As(err, &se) || se.Op != "exists" {
		t.Fatalf("expected exists StoreError, got %v", err)
	}
}

func TestKeyLocksSerializeSameKey(t *testing.T) {
	k := newKeyLocks()
	release := k.lockAll([]string{"b", "a"})
	acquired := make(chan struct{})
	go func() {
		r := k.lockAll([]string{"a"})
		close(acquired)
		r()
	}()
	select {
	case <-acquired:
		t.Fatalf("second holder acquired a held key")
	case <-time.After(20 * time.Millisecond):
	}
	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatalf("lock was not handed over")
	}
}
