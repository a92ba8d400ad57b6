package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"neowatch/internal/config"
	"neowatch/internal/model"
)

type fakePoster struct {
	mu    sync.Mutex
	calls map[string]int
	fail  func(url string, call int) error
}

func newFakePoster(fail func(url string, call int) error) *fakePoster {
	return &fakePoster{calls: map[string]int{}, fail: fail}
}

func (f *fakePoster) Post(_ context.Context, url string, _ []byte, _ time.Duration) error {
	f.mu.Lock()
	f.calls[url]++
	n := f.calls[url]
	f.mu.Unlock()
	if f.fail != nil {
		return f.fail(url, n)
	}
	return nil
}

func (f *fakePoster) count(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *fakePoster) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func testConfig() config.NotifyConfig {
	return config.NotifyConfig{
		ThresholdAU:    0.05,
		Attempts:       3,
		InitialBackoff: time.Millisecond,
		Timeout:        time.Second,
		Workers:        4,
		HistoryLimit:   100,
	}
}

func rec(id string, miss float64) model.Record {
	return model.Record{
		ExternalID:       id,
		Name:             "neo " + id,
		ApproachDate:     time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC),
		DiameterKm:       0.3,
		VelocityKmPerSec: 7.1,
		MissDistanceAU:   miss,
		Hazardous:        true,
	}
}

func subs(urls ...string) []model.Subscriber {
	out := make([]model.Subscriber, 0, len(urls))
	for i, u := range urls {
		out = append(out, model.Subscriber{ID: string(rune('a' + i)), Endpoint: u})
	}
	return out
}

func TestOnlyQualifyingRecordsAreDelivered(t *testing.T) {
	p := newFakePoster(nil)
	n := New(testConfig(), p, nil, nil)
	n.Notify(context.Background(), []model.Record{rec("close", 0.01), rec("far", 0.2), rec("edge", 0.05)}, subs("http://a", "http://b"))
	if got := p.total(); got != 2 {
		t.Fatalf("expected 2 deliveries (1 record x 2 subscribers), got %d", got)
	}
	for _, o := range n.History().List(0) {
		if o.ExternalID != "close" || !o.Delivered || o.Attempts != 1 {
			t.Fatalf("unexpected outcome: %+v", o)
		}
	}
}

func TestPermanentFailureIsAttemptedThreeTimes(t *testing.T) {
	p := newFakePoster(func(string, int) error { return errors.New("boom") })
	n := New(testConfig(), p, nil, nil)
	n.Notify(context.Background(), []model.Record{rec("x", 0.01)}, subs("http://dead"))
	if got := p.count("http://dead"); got != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", got)
	}
	list := n.History().List(0)
	if len(list) != 1 || list[0].Delivered || list[0].Attempts != 3 || list[0].Error == "" {
		t.Fatalf("unexpected history: %+v", list)
	}
}

func TestSucceedsOnThirdAttempt(t *testing.T) {
	p := newFakePoster(func(_ string, call int) error {
		if call < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	n := New(testConfig(), p, nil, nil)
	n.Notify(context.Background(), []model.Record{rec("x", 0.01)}, subs("http://flaky"))
	if got := p.count("http://flaky"); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	list := n.History().List(0)
	if len(list) != 1 || !list[0].Delivered || list[0].Attempts != 3 {
		t.Fatalf("expected delivered after 3 attempts: %+v", list)
	}
}

func TestFailingSubscriberDoesNotBlockOthers(t *testing.T) {
	p := newFakePoster(func(url string, _ int) error {
		if url == "http://dead" {
			return errors.New("refused")
		}
		return nil
	})
	n := New(testConfig(), p, nil, nil)
	n.Notify(context.Background(), []model.Record{rec("x", 0.01), rec("y", 0.02)}, subs("http://dead", "http://ok"))
	if got := p.count("http://ok"); got != 2 {
		t.Fatalf("healthy subscriber should get both records, got %d", got)
	}
	if got := p.count("http://dead"); got != 6 {
		t.Fatalf("dead subscriber: expected 3 attempts per record, got %d", got)
	}
}

func TestNoSubscribersNoWork(t *testing.T) {
	p := newFakePoster(nil)
	n := New(testConfig(), p, nil, nil)
	n.Notify(context.Background(), []model.Record{rec("x", 0.01)}, nil)
	if p.total() != 0 {
		t.Fatalf("unexpected deliveries")
	}
}

func TestBackoffDoubles(t *testing.T) {
	start := time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)
	clk := testclock.NewClock(start)
	p := newFakePoster(func(string, int) error { return errors.New("down") })
	cfg := testConfig()
	cfg.InitialBackoff = time.Second
	n := New(cfg, p, nil, nil)
	n.clock = clk

	done := make(chan struct{})
	go func() {
		n.Notify(context.Background(), []model.Record{rec("x", 0.01)}, subs("http://down"))
		close(done)
	}()
	if err := clk.WaitAdvance(time.Second, time.Second, 1); err != nil {
		t.Fatalf("first backoff: %v", err)
	}
	if err := clk.WaitAdvance(2*time.Second, time.Second, 1); err != nil {
		t.Fatalf("second backoff: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("notify did not finish after two backoffs")
	}
	if got := p.count("http://down"); got != 3 {
		t.Fatalf("attempts: %d", got)
	}
	if elapsed := clk.Now().Sub(start); elapsed != 3*time.Second {
		t.Fatalf("expected 1s+2s of backoff, got %v", elapsed)
	}
}

func TestUpdateConfigChangesThreshold(t *testing.T) {
	p := newFakePoster(nil)
	n := New(testConfig(), p, nil, nil)
	cfg := testConfig()
	cfg.ThresholdAU = 0.5
	n.UpdateConfig(cfg)
	n.Notify(context.Background(), []model.Record{rec("far", 0.2)}, subs("http://a"))
	if p.total() != 1 {
		t.Fatalf("raised threshold should qualify 0.2 AU record")
	}
}

func TestHTTPPosterSendsPayload(t *testing.T) {
	var got model.Payload
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content type: %s", r.Header.Get("Content-Type"))
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("decode: %v", err)
		}
	}))
	defer srv.Close()

	n := New(testConfig(), NewHTTPPoster(), nil, nil)
	n.Notify(context.Background(), []model.Record{rec("2000433", 0.01)}, subs(srv.URL))
	if hits.Load() != 1 {
		t.Fatalf("hits: %d", hits.Load())
	}
	if got.ExternalID != "2000433" || got.ApproachDate != "2026-10-15" || got.MissDistanceAU != 0.01 || !got.Hazardous {
		t.Fatalf("payload: %+v", got)
	}
}

func TestHTTPPosterStatusIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	err := NewHTTPPoster().Post(context.Background(), srv.URL, []byte(`{}`), time.Second)
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadGateway {
		t.Fatalf("expected StatusError 502, got %v", err)
	}
}

func TestHTTPPosterTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)
	err := NewHTTPPoster().Post(context.Background(), srv.URL, []byte(`{}`), 50*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestHistoryEvictsOldest(t *testing.T) {
	h := NewHistory(2)
	h.Add(Outcome{ExternalID: "1"})
	h.Add(Outcome{ExternalID: "2"})
	h.Add(Outcome{ExternalID: "3"})
	list := h.List(0)
	if len(list) != 2 || list[0].ExternalID != "2" || list[1].ExternalID != "3" {
		t.Fatalf("history: %+v", list)
	}
	if last := h.List(1); len(last) != 1 || last[0].ExternalID != "3" {
		t.Fatalf("limited list: %+v", last)
	}
}
