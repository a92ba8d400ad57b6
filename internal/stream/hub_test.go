package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/segmentio/kafka-go"
	"go.uber.org/goleak"

	"neowatch/internal/config"
	"neowatch/internal/model"
)

func newTestHub(t *testing.T, buffer int) (*Hub, *testclock.Clock) {
	t.Helper()
	clk := testclock.NewClock(time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC))
	h := NewHub(config.StreamConfig{Heartbeat: 15 * time.Second, ReaderBuffer: buffer}, nil, nil)
	h.SetClock(clk)
	return h, clk
}

func record(id string) model.Record {
	return model.Record{
		ID:             1,
		ExternalID:     id,
		Name:           "(2026 " + id + ")",
		ApproachDate:   time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC),
		MissDistanceAU: 0.02,
	}
}

func nextAsync(ctx context.Context, r *Reader) <-chan model.Message {
	ch := make(chan model.Message, 1)
	go func() {
		if m, ok := r.Next(ctx); ok {
			ch <- m
		}
		close(ch)
	}()
	return ch
}

func mustDecode(t *testing.T, m model.Message) model.Record {
	t.Helper()
	if m.Kind != model.KindMessage {
		t.Fatalf("expected message, got %+v", m)
	}
	var r model.Record
	if err := json.Unmarshal([]byte(m.Data), &r); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return r
}

func TestPublishReachesEveryAttachedReader(t *testing.T) {
	h, _ := newTestHub(t, 0)
	readers := []*Reader{h.Attach(), h.Attach(), h.Attach()}
	if n := h.Publish([]model.Record{record("a"), record("b")}); n != 2 {
		t.Fatalf("published %d", n)
	}
	ctx := context.Background()
	for i, r := range readers {
		for _, want := range []string{"a", "b"} {
			m, ok := r.Next(ctx)
			if !ok {
				t.Fatalf("reader %d ended early", i)
			}
			if got := mustDecode(t, m); got.ExternalID != want {
				t.Fatalf("reader %d: got %s want %s", i, got.ExternalID, want)
			}
		}
	}
}

func TestLateReaderGetsNoBacklog(t *testing.T) {
	h, clk := newTestHub(t, 0)
	h.Publish([]model.Record{record("old")})
	r := h.Attach()
	defer r.Close()

	ch := nextAsync(context.Background(), r)
	if err := clk.WaitAdvance(15*time.Second, time.Second, 1); err != nil {
		t.Fatalf("advance: %v", err)
	}
	m := <-ch
	if !m.IsHeartbeat() {
		t.Fatalf("late reader should only see a heartbeat, got %+v", m)
	}
}

func TestOneHeartbeatPerIdleInterval(t *testing.T) {
	h, clk := newTestHub(t, 0)
	r := h.Attach()
	defer r.Close()
	ctx := context.Background()

	ch := nextAsync(ctx, r)
	if err := clk.WaitAdvance(15*time.Second, time.Second, 1); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if m := <-ch; m != model.Heartbeat() {
		t.Fatalf("expected heartbeat, got %+v", m)
	}

	// The wait restarts after the heartbeat, so 10 more seconds is not enough
	// for a second one.
	ch = nextAsync(ctx, r)
	if err := clk.WaitAdvance(10*time.Second, time.Second, 1); err != nil {
		t.Fatalf("advance: %v", err)
	}
	select {
	case m := <-ch:
		t.Fatalf("unexpected message before interval elapsed: %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
	h.Publish([]model.Record{record("x")})
	if got := mustDecode(t, <-ch); got.ExternalID != "x" {
		t.Fatalf("got %s", got.ExternalID)
	}
}

func TestDisconnectDoesNotAffectOthers(t *testing.T) {
	defer goleak.VerifyNone(t)
	h, _ := newTestHub(t, 0)
	gone := h.Attach()
	stay := h.Attach()

	ctx, cancel := context.WithCancel(context.Background())
	ch := nextAsync(ctx, gone)
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("cancelled reader should end")
	}
	gone.Close()
	gone.Close()
	if h.Readers() != 1 {
		t.Fatalf("readers: %d", h.Readers())
	}

	h.Publish([]model.Record{record("z")})
	m, ok := stay.Next(context.Background())
	if !ok || mustDecode(t, m).ExternalID != "z" {
		t.Fatalf("remaining reader missed message: %+v %v", m, ok)
	}
	if _, ok := gone.Next(context.Background()); ok {
		t.Fatalf("closed reader should not yield")
	}
	if err := h.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if h.Readers() != 0 {
		t.Fatalf("hub close should detach everyone")
	}
}

func TestFullQueueDropsOldest(t *testing.T) {
	h, _ := newTestHub(t, 2)
	r := h.Attach()
	defer r.Close()
	h.Publish([]model.Record{record("1"), record("2"), record("3")})
	ctx := context.Background()
	for _, want := range []string{"2", "3"} {
		m, _ := r.Next(ctx)
		if got := mustDecode(t, m).ExternalID; got != want {
			t.Fatalf("got %s want %s", got, want)
		}
	}
}

func TestPublishNeverBlocksOnSlowReader(t *testing.T) {
	h, _ := newTestHub(t, 0)
	slow := h.Attach()
	defer slow.Close()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 5000; i++ {
			h.Publish([]model.Record{record("n")})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("publisher blocked on an idle reader")
	}
}

func TestConcurrentReaders(t *testing.T) {
	h, _ := newTestHub(t, 0)
	const readers = 8
	var wg sync.WaitGroup
	got := make([]int, readers)
	attached := make([]*Reader, readers)
	for i := range attached {
		attached[i] = h.Attach()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i, r := range attached {
		i, r := i, r
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer r.Close()
			for got[i] < 10 {
				if _, ok := r.Next(ctx); !ok {
					return
				}
				got[i]++
			}
		}()
	}
	for i := 0; i < 10; i++ {
		h.Publish([]model.Record{record("c")})
	}
	wg.Wait()
	for i, n := range got {
		if n != 10 {
			t.Fatalf("reader %d got %d messages", i, n)
		}
	}
}

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msgs...)
	return f.err
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaMirrorKeysByExternalID(t *testing.T) {
	w := &fakeWriter{}
	h, _ := newTestHub(t, 0)
	h.SetMirror(&KafkaMirror{w: w, topic: "neos"})
	h.Publish([]model.Record{record("2000433"), record("3542519")})
	if len(w.msgs) != 2 {
		t.Fatalf("mirrored %d", len(w.msgs))
	}
	if string(w.msgs[0].Key) != "2000433" || string(w.msgs[1].Key) != "3542519" {
		t.Fatalf("keys: %s %s", w.msgs[0].Key, w.msgs[1].Key)
	}
}

func TestMirrorFailureDoesNotStopFanOut(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	h, _ := newTestHub(t, 0)
	h.SetMirror(&KafkaMirror{w: w, topic: "neos"})
	r := h.Attach()
	defer r.Close()
	if n := h.Publish([]model.Record{record("m")}); n != 1 {
		t.Fatalf("published %d", n)
	}
	if m, ok := r.Next(context.Background()); !ok || mustDecode(t, m).ExternalID != "m" {
		t.Fatalf("reader missed message")
	}
}
