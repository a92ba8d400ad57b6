package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"neowatch/internal/model"
)

type memSub struct {
	sub     model.Subscriber
	created time.Time
}

// memoryStore keeps everything in process. It is used for the "memory"
// driver and in tests.
type memoryStore struct {
	mu     sync.RWMutex
	nextID int64
	byExt  map[string]int64
	recs   map[int64]model.Record
	subs   map[string]memSub
	urls   map[string]string
}

func NewMemory() Store {
	return &memoryStore{
		byExt: make(map[string]int64),
		recs:  make(map[int64]model.Record),
		subs:  make(map[string]memSub),
		urls:  make(map[string]string),
	}
}

func (m *memoryStore) Init(context.Context) error { return nil }
func (m *memoryStore) Close() error { return nil }

func (m *memoryStore) Exists(_ context.Context, externalID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byExt[externalID]
	return ok, nil
}

func (m *memoryStore) InsertRecords(ctx context.Context, recs []model.Record) ([]model.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Record, 0, len(recs))
	for _, r := range recs {
		if _, ok := m.byExt[r.ExternalID]; ok {
			continue
		}
		m.nextID++
		r.ID = m.nextID
		m.byExt[r.ExternalID] = r.ID
		m.recs[r.ID] = r
		out = append(out, r)
	}
	return out, nil
}

func (m *memoryStore) GetRecord(_ context.Context, id int64) (model.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.recs[id]
	if !ok {
		return model.Record{}, ErrNotFound
	}
	return r, nil
}

func (m *memoryStore) ListRecords(_ context.Context, f RecordFilter) ([]model.Record, error) {
	m.mu.RLock()
	out := make([]model.Record, 0, len(m.recs))
	for _, r := range m.recs {
		if !f.From.IsZero() && r.ApproachDate.Before(model.Day(f.From)) {
			continue
		}
		if !f.To.IsZero() && r.ApproachDate.After(model.Day(f.To)) {
			continue
		}
		if f.Hazardous != nil && r.Hazardous != *f.Hazardous {
			continue
		}
		out = append(out, r)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ApproachDate.Equal(out[j].ApproachDate) {
			return out[i].ApproachDate.Before(out[j].ApproachDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *memoryStore) AddSubscriber(_ context.Context, endpoint string) (model.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.urls[endpoint]; ok {
		return model.Subscriber{}, ErrDuplicate
	}
	sub := model.Subscriber{ID: uuid.NewString(), Endpoint: endpoint}
	m.subs[sub.ID] = memSub{sub: sub, created: nowUTC()}
	m.urls[endpoint] = sub.ID
	return sub, nil
}

func (m *memoryStore) DeleteSubscriber(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	delete(m.urls, s.sub.Endpoint)
	return nil
}

func (m *memoryStore) ListSubscribers(context.Context) ([]model.Subscriber, error) {
	m.mu.RLock()
	list := make([]memSub, 0, len(m.subs))
	for _, s := range m.subs {
		list = append(list, s)
	}
	m.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool {
		if !list[i].created.Equal(list[j].created) {
			return list[i].created.Before(list[j].created)
		}
		return list[i].sub.Endpoint < list[j].sub.Endpoint
	})
	out := make([]model.Subscriber, 0, len(list))
	for _, s := range list {
		out = append(out, s.sub)
	}
	return out, nil
}
