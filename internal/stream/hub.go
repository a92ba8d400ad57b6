package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"

	"neowatch/internal/config"
	"neowatch/internal/metrics"
	"neowatch/internal/model"
)

// Mirror receives a copy of everything published to the hub. Implementations
// must not block the caller.
type Mirror interface {
	Mirror(ctx context.Context, recs []model.Record) error
	Close() error
}

// Hub fans published records out to every attached reader. Each reader owns
// its queue, so a slow reader never holds up the publisher or other readers.
type Hub struct {
	mu        sync.Mutex
	readers   map[uint64]*Reader
	nextID    uint64
	heartbeat time.Duration
	capacity  int
	clock     clock.Clock
	mirror    Mirror
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func NewHub(cfg config.StreamConfig, m *metrics.Metrics, logger *slog.Logger) *Hub {
	hb := cfg.Heartbeat
	if hb <= 0 {
		hb = 15 * time.Second
	}
	return &Hub{
		readers:   make(map[uint64]*Reader),
		heartbeat: hb,
		capacity:  cfg.ReaderBuffer,
		clock:     clock.WallClock,
		metrics:   m,
		logger:    logger,
	}
}

// SetMirror must be called before the first Publish.
func (h *Hub) SetMirror(m Mirror) {
	h.mirror = m
}

func (h *Hub) SetClock(c clock.Clock) {
	h.clock = c
}

// Publish hands every record to every reader attached right now and returns
// the number of records published.
func (h *Hub) Publish(recs []model.Record) int {
	msgs := make([]model.Message, 0, len(recs))
	for _, r := range recs {
		data, err := json.Marshal(r)
		if err != nil {
			if h.logger != nil {
				h.logger.Error("encode stream message", "external_id", r.ExternalID, "err", err)
			}
			continue
		}
		msgs = append(msgs, model.Message{Kind: model.KindMessage, Data: string(data)})
	}
	if len(msgs) == 0 {
		return 0
	}

	h.mu.Lock()
	targets := make([]*Reader, 0, len(h.readers))
	for _, r := range h.readers {
		targets = append(targets, r)
	}
	h.mu.Unlock()

	for _, r := range targets {
		for _, m := range msgs {
			if r.push(m) {
				h.metrics.Dropped()
			}
		}
	}
	h.metrics.Published(len(msgs))

	if h.mirror != nil {
		if err := h.mirror.Mirror(context.Background(), recs); err != nil {
			h.metrics.MirrorError()
			if h.logger != nil {
				h.logger.Warn("stream mirror failed", "records", len(recs), "err", err)
			}
		}
	}
	return len(msgs)
}

// Attach registers a new reader. It only sees messages published after this
// call returns.
func (h *Hub) Attach() *Reader {
	r := &Reader{
		hub:    h,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	h.mu.Lock()
	h.nextID++
	r.id = h.nextID
	h.readers[r.id] = r
	h.mu.Unlock()
	h.metrics.ReaderAttached()
	if h.logger != nil {
		h.logger.Debug("stream reader attached", "reader", r.id)
	}
	return r
}

func (h *Hub) Readers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.readers)
}

func (h *Hub) detach(r *Reader) {
	h.mu.Lock()
	_, ok := h.readers[r.id]
	delete(h.readers, r.id)
	h.mu.Unlock()
	if ok {
		h.metrics.ReaderDetached()
		if h.logger != nil {
			h.logger.Debug("stream reader detached", "reader", r.id)
		}
	}
}

// Close detaches every reader and closes the mirror.
func (h *Hub) Close() error {
	h.mu.Lock()
	all := make([]*Reader, 0, len(h.readers))
	for _, r := range h.readers {
		all = append(all, r)
	}
	h.mu.Unlock()
	for _, r := range all {
		r.Close()
	}
	if h.mirror != nil {
		return h.mirror.Close()
	}
	return nil
}

type Reader struct {
	id     uint64
	hub    *Hub
	mu     sync.Mutex
	queue  []model.Message
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (r *Reader) ID() uint64 {
	return r.id
}

// push appends m and reports whether the oldest queued message had to be
// dropped to make room.
func (r *Reader) push(m model.Message) bool {
	dropped := false
	r.mu.Lock()
	r.queue = append(r.queue, m)
	if c := r.hub.capacity; c > 0 && len(r.queue) > c {
		r.queue[0] = model.Message{}
		r.queue = r.queue[1:]
		dropped = true
	}
	r.mu.Unlock()
	select {
	case r.signal <- struct{}{}:
	default:
	}
	return dropped
}

func (r *Reader) pop() (model.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return model.Message{}, false
	}
	m := r.queue[0]
	r.queue[0] = model.Message{}
	r.queue = r.queue[1:]
	if len(r.queue) == 0 {
		r.queue = nil
	}
	return m, true
}

// Next blocks until a message is available, the heartbeat interval passes
// with nothing to deliver, or the reader is finished. The idle interval
// starts over after every message or heartbeat. ok is false once ctx is done
// or Close has been called.
func (r *Reader) Next(ctx context.Context) (msg model.Message, ok bool) {
	for {
		select {
		case <-r.done:
			return model.Message{}, false
		case <-ctx.Done():
			return model.Message{}, false
		default:
		}
		if m, ok := r.pop(); ok {
			return m, true
		}
		timer := r.hub.clock.NewTimer(r.hub.heartbeat)
		select {
		case <-r.signal:
			timer.Stop()
		case <-timer.Chan():
			return model.Heartbeat(), true
		case <-ctx.Done():
			timer.Stop()
			return model.Message{}, false
		case <-r.done:
			timer.Stop()
			return model.Message{}, false
		}
	}
}

// Close detaches the reader. It is safe to call more than once.
func (r *Reader) Close() {
	r.once.Do(func() {
		close(r.done)
		r.hub.detach(r)
	})
}
