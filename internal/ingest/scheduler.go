package ingest

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"neowatch/internal/config"
)

// Scheduler fires a cycle for today on a cron spec. Descriptors such as
// @hourly and @every 30m are accepted alongside five-field expressions.
type Scheduler struct {
	orch   *Orchestrator
	cfg    config.ScheduleConfig
	parser cron.Parser
	logger *slog.Logger

	mu sync.Mutex
	c  *cron.Cron
}

func NewScheduler(cfg config.ScheduleConfig, orch *Orchestrator, logger *slog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		orch:   orch,
		cfg:    cfg,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger: logger,
	}
	if _, err := s.parser.Parse(s.spec()); err != nil {
		return nil, fmt.Errorf("schedule spec %q: %w", s.spec(), err)
	}
	if _, err := s.location(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) spec() string {
	if v := strings.TrimSpace(s.cfg.Spec); v != "" {
		return v
	}
	return "@hourly"
}

func (s *Scheduler) location() (*time.Location, error) {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("schedule timezone %q: %w", tz, err)
	}
	return loc, nil
}

// Start registers the job and starts the cron loop. A cycle is launched
// right away when run_on_start is set.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	loc, err := s.location()
	if err != nil {
		return err
	}
	s.orch.SetLocation(loc)
	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	if _, err := c.AddFunc(s.spec(), func() { s.orch.launch(TriggerSchedule) }); err != nil {
		return fmt.Errorf("schedule spec %q: %w", s.spec(), err)
	}
	c.Start()
	s.c = c
	if s.logger != nil {
		s.logger.Info("ingest scheduler started", "spec", s.spec(), "tz", loc.String(), "run_on_start", s.cfg.RunOnStart)
	}
	if s.cfg.RunOnStart {
		s.orch.launch(TriggerStartup)
	}
	return nil
}

// Next reports when the job fires next; zero before Start.
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return time.Time{}
	}
	entries := s.c.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// Stop halts the cron loop. Cycles already running are left to the
// orchestrator's Wait.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	if s.logger != nil {
		s.logger.Info("ingest scheduler stopped")
	}
}
