package notify

import (
	"sync"
	"time"
)

// Outcome is the final state of one (record, subscriber) delivery.
type Outcome struct {
	Time       time.Time `json:"time"`
	ExternalID string    `json:"external_id"`
	Endpoint   string    `json:"endpoint"`
	Attempts   int       `json:"attempts"`
	Delivered  bool      `json:"delivered"`
	Error      string    `json:"error,omitempty"`
}

// History keeps the most recent delivery outcomes, oldest evicted first.
type History struct {
	mu    sync.RWMutex
	buf   []Outcome
	limit int
}

func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = 500
	}
	return &History{limit: limit}
}

func (h *History) Add(o Outcome) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.buf) < h.limit {
		h.buf = append(h.buf, o)
		return
	}
	copy(h.buf, h.buf[1:])
	h.buf[len(h.buf)-1] = o
}

// List returns up to limit of the newest outcomes, oldest first.
func (h *History) List(limit int) []Outcome {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if limit <= 0 || limit > len(h.buf) {
		limit = len(h.buf)
	}
	out := make([]Outcome, 0, limit)
	for i := len(h.buf) - limit; i < len(h.buf); i++ {
		out = append(out, h.buf[i])
	}
	return out
}

func (h *History) Since(ts time.Time) []Outcome {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Outcome, 0)
	for _, o := range h.buf {
		if !o.Time.Before(ts) {
			out = append(out, o)
		}
	}
	return out
}
