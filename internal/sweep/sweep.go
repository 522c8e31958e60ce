package sweep

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"studytrack/internal/observability/metrics"
	"studytrack/internal/participant"
	logx "studytrack/pkg/logx"
)

const (
	DefaultSchedule    = "@every 5m"
	DefaultHistorySize = 20
)

// ErrRunInProgress is returned by RunOnce while another run is active.
var ErrRunInProgress = errors.New("sweep already running")

// Lifecycle is the part of the lifecycle manager a sweep drives.
type Lifecycle interface {
	Now() time.Time
	GetAndUpdateParticipant(ctx context.Context, subjectID string) (participant.Entry, error)
	ParticipantsWithAvailableQuestionnaires(ctx context.Context, ref time.Time) ([]string, error)
	ParticipantsWithPendingUploads(ctx context.Context, ref time.Time) ([]string, error)
}

// StaleLister finds participants whose assignment must be recomputed at ref.
type StaleLister interface {
	ListStale(ctx context.Context, ref time.Time) ([]string, error)
}

type Config struct {
	Enabled  bool
	Schedule string
	Timezone string // IANA TZ; empty means Local
	// Timeout bounds one run; 0 means no limit.
	Timeout time.Duration
	// RefreshRatePerSec paces stale refreshes; 0 means unlimited.
	RefreshRatePerSec float64
	RefreshBurst      int
	HistorySize       int
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Schedule) == "" {
		c.Schedule = DefaultSchedule
	}
	if c.RefreshBurst <= 0 {
		c.RefreshBurst = 1
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	return c
}

// Validate reports configuration errors after defaults are applied.
func (c Config) Validate() error {
	c = c.withDefaults()
	if _, err := ParseSchedule(c.Schedule); err != nil {
		return fmt.Errorf("sweep.schedule: %w", err)
	}
	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("sweep.timezone: %w", err)
		}
	}
	if c.RefreshRatePerSec < 0 {
		return fmt.Errorf("sweep.refresh_rate_per_sec must be >= 0")
	}
	if c.Timeout < 0 {
		return fmt.Errorf("sweep.timeout must be >= 0")
	}
	return nil
}

// Report describes one sweep run.
type Report struct {
	RunID string `json:"run_id"`
	// Ref is the instant the queues were read at.
	Ref       time.Time     `json:"ref"`
	Available []string      `json:"available"`
	Pending   []string      `json:"pending"`
	Stale     int           `json:"stale"`
	Refreshed int           `json:"refreshed"`
	Failed    int           `json:"failed"`
	Took      time.Duration `json:"took_ns"`
	Error     string        `json:"error,omitempty"`
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	lc      Lifecycle
	stale   StaleLister
	metrics *metrics.Metrics

	c       *cron.Cron
	entry   cron.EntryID
	sched   Schedule
	runCtx  context.Context
	cancel  context.CancelFunc
	limiter *rate.Limiter

	running atomic.Bool

	hmu     sync.Mutex
	history []Report
}

type Option func(*Service)

func WithLogger(l logx.Logger) Option { return func(s *Service) { s.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

func New(cfg Config, lc Lifecycle, stale StaleLister, opts ...Option) (*Service, error) {
	if lc == nil || stale == nil {
		return nil, errors.New("sweep: lifecycle and stale lister are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Service{cfg: cfg.withDefaults(), lc: lc, stale: stale}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.log = s.log.With(logx.Component("sweep"))
	s.limiter = newLimiter(s.cfg)
	return s, nil
}

func newLimiter(cfg Config) *rate.Limiter {
	if cfg.RefreshRatePerSec <= 0 {
		return rate.NewLimiter(rate.Inf, cfg.RefreshBurst)
	}
	return rate.NewLimiter(rate.Limit(cfg.RefreshRatePerSec), cfg.RefreshBurst)
}

// Enabled reports the current config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Start registers the cron entry. It is a no-op when disabled or running.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return nil
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)
	return s.startLocked()
}

func (s *Service) startLocked() error {
	sched, err := ParseSchedule(s.cfg.Schedule)
	if err != nil {
		return err
	}
	loc := s.loadLocationLocked()
	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cl)),
		cron.WithLogger(cl),
	)
	id, err := c.AddFunc(sched.CronSpec(), s.scheduled)
	if err != nil {
		return fmt.Errorf("sweep schedule %q: %w", sched, err)
	}
	c.Start()
	s.c, s.entry, s.sched = c, id, sched
	s.log.Info("sweep started",
		logx.String("schedule", sched.String()),
		logx.String("tz", loc.String()),
		logx.Time("next", c.Entry(id).Next),
	)
	return nil
}

// Stop removes the cron entry and waits for an active run to return.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel, s.runCtx = nil, nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	select {
	case <-c.Stop().Done():
		s.log.Info("sweep stopped")
	case <-ctx.Done():
		s.log.Warn("sweep stop timed out", logx.Err(ctx.Err()))
	}
}

// Apply swaps configuration. A changed schedule, timezone or enabled flag
// restarts the cron entry; rate settings apply to the next run.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg = cfg.withDefaults()

	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	s.limiter = newLimiter(cfg)
	running := s.c != nil
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		s.Stop(ctx)
		return nil
	case !running:
		return s.Start(ctx)
	case prev.Schedule != cfg.Schedule || prev.Timezone != cfg.Timezone:
		return s.Reschedule(cfg.Schedule)
	}
	return nil
}

// Reschedule replaces the cron entry with spec without stopping the service.
func (s *Service) Reschedule(spec string) error {
	sched, err := ParseSchedule(spec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Schedule = spec
	if s.c == nil {
		return nil
	}
	old := s.c
	if err := s.startLocked(); err != nil {
		s.c = old
		return err
	}
	// A run in flight finishes on the old scheduler.
	old.Stop()
	s.log.Info("sweep rescheduled", logx.String("schedule", sched.String()))
	return nil
}

// Next reports when the next scheduled run fires (zero when stopped).
func (s *Service) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return time.Time{}
	}
	return s.c.Entry(s.entry).Next
}

func (s *Service) scheduled() {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil {
		return
	}
	if _, err := s.RunOnce(ctx); errors.Is(err, ErrRunInProgress) {
		s.log.Warn("sweep skipped: previous run still active")
	}
}

// RunOnce performs one sweep now.
func (s *Service) RunOnce(ctx context.Context) (Report, error) {
	if !s.running.CompareAndSwap(false, true) {
		return Report{}, ErrRunInProgress
	}
	defer s.running.Store(false)

	s.mu.Lock()
	timeout := s.cfg.Timeout
	limiter := s.limiter
	s.mu.Unlock()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	rep := Report{RunID: uuid.NewString(), Ref: s.lc.Now()}
	err := s.run(ctx, limiter, &rep)
	rep.Took = time.Since(start)
	log := s.log.With(logx.String("run_id", rep.RunID), logx.Time("ref", rep.Ref))
	if err != nil {
		rep.Error = err.Error()
		log.Error("sweep failed", logx.Int("refreshed", rep.Refreshed), logx.Duration("took", rep.Took), logx.Err(err))
	} else {
		log.Info("sweep done",
			logx.Int("available", len(rep.Available)),
			logx.Int("pending", len(rep.Pending)),
			logx.Int("stale", rep.Stale),
			logx.Int("refreshed", rep.Refreshed),
			logx.Int("failed", rep.Failed),
			logx.Duration("took", rep.Took),
		)
	}
	s.metrics.ObserveSweep(metrics.SweepStats{
		Ref:       rep.Ref,
		Available: len(rep.Available),
		Pending:   len(rep.Pending),
		Refreshed: rep.Refreshed,
		Failed:    rep.Failed,
		Took:      rep.Took,
		Err:       err,
	})
	s.record(rep)
	return rep, err
}

func (s *Service) run(ctx context.Context, limiter *rate.Limiter, rep *Report) error {
	stale, err := s.stale.ListStale(ctx, rep.Ref)
	if err != nil {
		return fmt.Errorf("list stale: %w", err)
	}
	rep.Stale = len(stale)
	for _, id := range stale {
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("refresh: %w", err)
		}
		if _, err := s.lc.GetAndUpdateParticipant(ctx, id); err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("refresh: %w", ctx.Err())
			}
			rep.Failed++
			s.log.Debug("stale refresh failed", logx.String("run_id", rep.RunID), logx.String("subject_id", id), logx.Err(err))
			continue
		}
		rep.Refreshed++
	}
	// Refreshed windows start at or after the scan instant.
	if rep.Refreshed > 0 {
		rep.Ref = s.lc.Now()
	}

	if rep.Available, err = s.lc.ParticipantsWithAvailableQuestionnaires(ctx, rep.Ref); err != nil {
		return fmt.Errorf("list available: %w", err)
	}
	if rep.Pending, err = s.lc.ParticipantsWithPendingUploads(ctx, rep.Ref); err != nil {
		return fmt.Errorf("list pending: %w", err)
	}
	return nil
}

func (s *Service) record(rep Report) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, rep)
	if size > 0 && len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
}

// History returns the most recent runs, oldest first.
func (s *Service) History() []Report {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]Report(nil), s.history...)
}

// Last returns the most recent run.
func (s *Service) Last() (Report, bool) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	if len(s.history) == 0 {
		return Report{}, false
	}
	return s.history[len(s.history)-1], true
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// cronLogger routes robfig/cron messages into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Trace("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
