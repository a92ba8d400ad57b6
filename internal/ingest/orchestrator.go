package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"golang.org/x/sync/errgroup"

	"neowatch/internal/metrics"
	"neowatch/internal/model"
)

// Source fetches one day of upstream close approaches.
type Source interface {
	Fetch(ctx context.Context, day time.Time) ([]model.Record, error)
}

// Recorder keeps only records it has not seen before.
type Recorder interface {
	InsertNew(ctx context.Context, recs []model.Record) ([]model.Record, error)
}

type SubscriberLister interface {
	ListSubscribers(ctx context.Context) ([]model.Subscriber, error)
}

type Notifier interface {
	Notify(ctx context.Context, recs []model.Record, subs []model.Subscriber)
}

type Broadcaster interface {
	Publish(recs []model.Record) int
}

const (
	StageFetch = "fetch"
	StageStore = "store"
)

const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
	TriggerStartup  = "startup"
)

// IngestError reports why a cycle aborted. Err is the feed or record store
// error that stopped it.
type IngestError struct {
	Stage string
	Day   time.Time
	Err   error
}

func (e *IngestError) Error() string {
	return fmt.Sprintf("ingest %s %s: %v", model.FormatDate(e.Day), e.Stage, e.Err)
}

func (e *IngestError) Unwrap() error {
	return e.Err
}

// CycleReport summarizes one finished cycle.
type CycleReport struct {
	ID       string    `json:"id"`
	Trigger  string    `json:"trigger"`
	Day      string    `json:"day"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	Fetched  int       `json:"fetched"`
	Stored   int       `json:"stored"`
	Error    string    `json:"error,omitempty"`
}

type Orchestrator struct {
	source   Source
	records  Recorder
	subs     SubscriberLister
	notifier Notifier
	hub      Broadcaster
	metrics  *metrics.Metrics
	logger   *slog.Logger
	clock    clock.Clock
	loc      *time.Location

	baseCtx  context.Context
	wg       sync.WaitGroup
	inFlight atomic.Int32

	mu   sync.Mutex
	last *CycleReport
}

func NewOrchestrator(source Source, records Recorder, subs SubscriberLister, notifier Notifier, hub Broadcaster, m *metrics.Metrics, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		source:   source,
		records:  records,
		subs:     subs,
		notifier: notifier,
		hub:      hub,
		metrics:  m,
		logger:   logger,
		clock:    clock.WallClock,
		loc:      time.UTC,
		baseCtx:  context.Background(),
	}
}

// Bind ties background cycles started by Trigger to ctx, normally the
// application lifetime.
func (o *Orchestrator) Bind(ctx context.Context) {
	o.baseCtx = ctx
}

// SetLocation picks the zone used to decide what "today" is.
func (o *Orchestrator) SetLocation(loc *time.Location) {
	if loc != nil {
		o.loc = loc
	}
}

func (o *Orchestrator) SetClock(c clock.Clock) {
	o.clock = c
}

// Today is the current calendar day in the configured zone, as a UTC
// midnight.
func (o *Orchestrator) Today() time.Time {
	now := o.clock.Now().In(o.loc)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

// RunCycle fetches day, stores the unseen records and hands them to the
// notifier and the broadcaster concurrently. It returns the number of newly
// stored records.
func (o *Orchestrator) RunCycle(ctx context.Context, day time.Time) (int, error) {
	return o.run(ctx, day, TriggerManual)
}

// Trigger starts a cycle for today in the background and returns at once.
func (o *Orchestrator) Trigger() bool {
	o.launch(TriggerManual)
	return true
}

// Wait blocks until every background cycle has returned.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) InFlight() int {
	return int(o.inFlight.Load())
}

func (o *Orchestrator) LastCycle() (CycleReport, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		return CycleReport{}, false
	}
	return *o.last, true
}

func (o *Orchestrator) launch(trigger string) {
	ctx := o.baseCtx
	day := o.Today()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		_, _ = o.run(ctx, day, trigger)
	}()
}

func (o *Orchestrator) run(ctx context.Context, day time.Time, trigger string) (stored int, err error) {
	o.inFlight.Add(1)
	defer o.inFlight.Add(-1)

	report := &CycleReport{
		ID:      uuid.NewString(),
		Trigger: trigger,
		Day:     model.FormatDate(day),
		Started: o.clock.Now().UTC(),
	}
	log := o.logger
	if log != nil {
		log = log.With("cycle_id", report.ID, "day", report.Day, "trigger", trigger)
		log.Info("ingest cycle started")
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("ingest cycle panic: %v", p)
			stored = 0
		}
		report.Finished = o.clock.Now().UTC()
		report.Stored = stored
		result := "ok"
		if err != nil {
			result = "error"
			report.Error = err.Error()
			if log != nil {
				log.Error("ingest cycle failed", "err", err)
			}
		} else if log != nil {
			log.Info("ingest cycle finished", "fetched", report.Fetched, "stored", stored, "took", report.Finished.Sub(report.Started))
		}
		o.metrics.Cycle(trigger, result, report.Finished.Sub(report.Started), stored)
		o.mu.Lock()
		o.last = report
		o.mu.Unlock()
	}()

	candidates, err := o.source.Fetch(ctx, day)
	if err != nil {
		return 0, &IngestError{Stage: StageFetch, Day: day, Err: err}
	}
	report.Fetched = len(candidates)

	fresh, err := o.records.InsertNew(ctx, candidates)
	if err != nil {
		return 0, &IngestError{Stage: StageStore, Day: day, Err: err}
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	var g errgroup.Group
	g.Go(func() error {
		o.notify(ctx, log, fresh)
		return nil
	})
	g.Go(func() error {
		if o.hub != nil {
			o.hub.Publish(fresh)
		}
		return nil
	})
	_ = g.Wait()
	return len(fresh), nil
}

func (o *Orchestrator) notify(ctx context.Context, log *slog.Logger, fresh []model.Record) {
	if o.notifier == nil || o.subs == nil {
		return
	}
	subs, err := o.subs.ListSubscribers(ctx)
	if err != nil {
		// Records are already stored; a missed notification pass is not a
		// cycle failure.
		if log != nil && !errors.Is(err, context.Canceled) {
			log.Warn("list subscribers failed, skipping notifications", "err", err)
		}
		return
	}
	o.notifier.Notify(ctx, fresh, subs)
}
