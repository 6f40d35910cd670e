// Package scheduler owns the sync cadence and the resulting SyncState.
//
// A single event loop (Run) processes commands, timer ticks and cycle
// results in order. Each sync cycle runs in its own goroutine and reports
// back tagged with a generation number; a result whose generation is no
// longer current is discarded.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mrcode/nightscout-monitor/internal/models"
	"github.com/mrcode/nightscout-monitor/internal/series"
)

var (
	// ErrStopped is returned for commands sent after Run has returned
	ErrStopped = errors.New("scheduler stopped")
	// ErrAlreadyRunning is returned when Run is called twice
	ErrAlreadyRunning = errors.New("scheduler already running")
)

// Phase is the scheduler state machine position
type Phase string

// Scheduler phases
const (
	PhaseUnconfigured Phase = "unconfigured"
	PhaseIdle         Phase = "idle"
	PhaseSyncing      Phase = "syncing"
	PhaseFailed       Phase = "failed"
)

// Fetcher issues the two remote reads of a sync cycle
type Fetcher interface {
	FetchCurrent(ctx context.Context, conn models.Connection) (*models.Reading, error)
	FetchHistory(ctx context.Context, conn models.Connection, timeRange models.TimeRange) ([]models.Sample, error)
}

// SyncState is the outcome of the latest sync cycles
type SyncState struct {
	Phase       Phase
	Connection  *models.Connection
	Range       models.TimeRange
	LastReading *models.Reading
	Series      []models.ChartPoint
	LastError   error
	InFlight    bool
	LastAttempt time.Time
	LastSuccess time.Time
}

func (s SyncState) clone() SyncState {
	if s.Connection != nil {
		c := *s.Connection
		s.Connection = &c
	}
	if s.LastReading != nil {
		r := *s.LastReading
		s.LastReading = &r
	}
	if s.Series != nil {
		s.Series = append([]models.ChartPoint(nil), s.Series...)
	}
	return s
}

// Config holds the scheduler timing parameters
type Config struct {
	Interval time.Duration    // period between automatic syncs
	Timeout  time.Duration    // upper bound for one cycle
	Range    models.TimeRange // initial history window
	Location *time.Location   // zone for chart labels
}

// DefaultConfig returns the standard 5 minute cadence over 24 hours
func DefaultConfig() Config {
	return Config{
		Interval: 5 * time.Minute,
		Timeout:  30 * time.Second,
		Range:    models.Range24h,
		Location: time.Local,
	}
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithLogger sets the logger
func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics collectors
func WithMetrics(m *Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// WithNotify registers a callback that receives a snapshot after every
// applied cycle and every reset. It runs on the event loop and must not
// block or call back into the scheduler.
func WithNotify(fn func(SyncState)) Option {
	return func(s *Scheduler) {
		s.notify = fn
	}
}

type commandKind int

const (
	cmdConfigure commandKind = iota
	cmdUnconfigure
	cmdSetRange
	cmdRefresh
)

func (k commandKind) String() string {
	switch k {
	case cmdConfigure:
		return "configure"
	case cmdUnconfigure:
		return "unconfigure"
	case cmdSetRange:
		return "range"
	case cmdRefresh:
		return "manual"
	default:
		return "unknown"
	}
}

type command struct {
	kind      commandKind
	conn      models.Connection
	timeRange models.TimeRange
}

type cycleResult struct {
	id         string
	generation uint64
	reading    *models.Reading
	readingErr error
	samples    []models.Sample
	historyErr error
	started    time.Time
	finished   time.Time
}

// Scheduler drives sync cycles against a Fetcher
type Scheduler struct {
	fetcher Fetcher
	cfg     Config
	logger  logrus.FieldLogger
	metrics *Metrics
	notify  func(SyncState)

	cmds    chan command
	results chan cycleResult
	done    chan struct{}
	running atomic.Bool

	mu    sync.RWMutex
	state SyncState

	// owned by the event loop
	conn        *models.Connection
	timeRange   models.TimeRange
	generation  uint64
	cancelCycle context.CancelFunc
	// a cancelled cycle is still running; the next one waits for its result
	draining bool
	pending  string
	ticker      *time.Ticker
	tickC       <-chan time.Time
}

// New creates a scheduler in the Unconfigured phase
func New(fetcher Fetcher, cfg Config, opts ...Option) *Scheduler {
	defaults := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.Range.Validate() != nil {
		cfg.Range = defaults.Range
	}
	if cfg.Location == nil {
		cfg.Location = defaults.Location
	}

	s := &Scheduler{
		fetcher:   fetcher,
		cfg:       cfg,
		logger:    logrus.StandardLogger(),
		cmds:      make(chan command),
		results:   make(chan cycleResult),
		done:      make(chan struct{}),
		timeRange: cfg.Range,
		state: SyncState{
			Phase: PhaseUnconfigured,
			Range: cfg.Range,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}

	return s
}

// Run processes commands, timer ticks and cycle results until ctx is
// cancelled. On return the timer is stopped and any in-flight cycle is
// cancelled; its result is never applied.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(s.done)

	s.ticker = time.NewTicker(s.cfg.Interval)
	s.ticker.Stop()
	defer s.ticker.Stop()
	defer s.cancelInFlight()

	s.logger.WithField("interval", s.cfg.Interval).Info("Scheduler started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopping")
			return nil
		case cmd := <-s.cmds:
			s.handle(ctx, cmd)
		case <-s.tickC:
			s.trigger(ctx, "timer")
		case res := <-s.results:
			s.apply(ctx, res)
		}
	}
}

// Configure switches to conn and syncs immediately
func (s *Scheduler) Configure(ctx context.Context, conn models.Connection) error {
	return s.send(ctx, command{kind: cmdConfigure, conn: conn.Normalize()})
}

// Unconfigure stops syncing and clears the state
func (s *Scheduler) Unconfigure(ctx context.Context) error {
	return s.send(ctx, command{kind: cmdUnconfigure})
}

// SetRange changes the history window and syncs immediately when configured
func (s *Scheduler) SetRange(ctx context.Context, timeRange models.TimeRange) error {
	if err := timeRange.Validate(); err != nil {
		return err
	}
	return s.send(ctx, command{kind: cmdSetRange, timeRange: timeRange})
}

// Refresh requests a sync now. It is a no-op while a sync is in flight.
func (s *Scheduler) Refresh(ctx context.Context) error {
	return s.send(ctx, command{kind: cmdRefresh})
}

// Snapshot returns a copy of the current state
func (s *Scheduler) Snapshot() SyncState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.clone()
}

func (s *Scheduler) send(ctx context.Context, cmd command) error {
	select {
	case s.cmds <- cmd:
		return nil
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) update(fn func(*SyncState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.state)
}

func (s *Scheduler) publish() {
	if s.notify != nil {
		s.notify(s.Snapshot())
	}
}

func (s *Scheduler) handle(ctx context.Context, cmd command) {
	switch cmd.kind {
	case cmdConfigure:
		conn := cmd.conn
		s.conn = &conn
		s.cancelInFlight()
		s.update(func(st *SyncState) {
			st.Phase = PhaseIdle
			st.Connection = &conn
		})
		s.rearm()
		s.startCycle(ctx, cmd.kind.String())

	case cmdUnconfigure:
		s.conn = nil
		s.cancelInFlight()
		s.disarm()
		s.update(func(st *SyncState) {
			*st = SyncState{Phase: PhaseUnconfigured, Range: s.timeRange}
		})
		s.logger.Info("Sync stopped, connection cleared")
		s.publish()

	case cmdSetRange:
		s.timeRange = cmd.timeRange
		s.update(func(st *SyncState) {
			st.Range = cmd.timeRange
		})
		if s.conn == nil {
			return
		}
		s.cancelInFlight()
		s.rearm()
		s.startCycle(ctx, cmd.kind.String())

	case cmdRefresh:
		s.trigger(ctx, cmd.kind.String())
	}
}

// trigger starts a cycle unless one is already in flight
func (s *Scheduler) trigger(ctx context.Context, reason string) {
	if s.conn == nil {
		s.logger.WithField("reason", reason).Debug("Sync trigger ignored, not configured")
		return
	}
	if s.cancelCycle != nil || s.pending != "" {
		s.metrics.coalesced.Inc()
		s.logger.WithField("reason", reason).Debug("Sync already in flight, trigger coalesced")
		return
	}
	s.startCycle(ctx, reason)
}

func (s *Scheduler) rearm() {
	s.ticker.Reset(s.cfg.Interval)
	s.tickC = s.ticker.C
}

func (s *Scheduler) disarm() {
	s.ticker.Stop()
	s.tickC = nil
}

// cancelInFlight abandons the running or deferred cycle, if any
func (s *Scheduler) cancelInFlight() {
	if s.cancelCycle == nil {
		if s.pending != "" {
			s.pending = ""
			s.update(func(st *SyncState) {
				st.InFlight = false
			})
		}
		return
	}
	s.cancelCycle()
	s.cancelCycle = nil
	s.draining = true
	s.generation++
	s.update(func(st *SyncState) {
		st.InFlight = false
	})
}

func (s *Scheduler) startCycle(ctx context.Context, reason string) {
	if s.draining {
		s.pending = reason
		s.update(func(st *SyncState) {
			st.Phase = PhaseSyncing
			st.InFlight = true
		})
		s.logger.WithField("reason", reason).Debug("Sync deferred until cancelled cycle returns")
		return
	}
	s.pending = ""
	s.generation++
	generation := s.generation
	conn := *s.conn
	timeRange := s.timeRange

	cycleCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	s.cancelCycle = cancel

	id := uuid.NewString()
	started := time.Now()
	s.update(func(st *SyncState) {
		st.Phase = PhaseSyncing
		st.InFlight = true
		st.LastAttempt = started
	})

	s.logger.WithFields(logrus.Fields{
		"cycle":       id,
		"reason":      reason,
		"range_hours": timeRange.Hours(),
	}).Debug("Sync started")

	go func() {
		res := s.runCycle(cycleCtx, conn, timeRange)
		res.id = id
		res.generation = generation
		res.started = started
		res.finished = time.Now()

		select {
		case s.results <- res:
		case <-s.done:
		}
	}()
}

func (s *Scheduler) runCycle(ctx context.Context, conn models.Connection, timeRange models.TimeRange) cycleResult {
	var res cycleResult

	reading, err := s.fetcher.FetchCurrent(ctx, conn)
	if err != nil {
		res.readingErr = fmt.Errorf("current reading: %w", err)
	} else {
		res.reading = reading
	}

	samples, err := s.fetcher.FetchHistory(ctx, conn, timeRange)
	if err != nil {
		res.historyErr = fmt.Errorf("history: %w", err)
	} else {
		res.samples = samples
	}

	return res
}

func (s *Scheduler) apply(ctx context.Context, res cycleResult) {
	log := s.logger.WithField("cycle", res.id)

	if res.generation != s.generation || s.draining {
		s.metrics.discarded.Inc()
		log.Debug("Discarding stale sync result")
		s.draining = false
		if s.pending != "" && s.conn != nil {
			s.startCycle(ctx, s.pending)
		}
		return
	}
	if s.cancelCycle != nil {
		s.cancelCycle()
		s.cancelCycle = nil
	}

	err := errors.Join(res.readingErr, res.historyErr)
	s.metrics.duration.Observe(res.finished.Sub(res.started).Seconds())

	var points []models.ChartPoint
	if res.historyErr == nil {
		points = series.ToChartSeries(res.samples, s.cfg.Location)
	}

	s.update(func(st *SyncState) {
		st.InFlight = false
		if res.readingErr == nil {
			st.LastReading = res.reading
		}
		if res.historyErr == nil {
			st.Series = points
		}
		if err != nil {
			st.LastError = err
			st.Phase = PhaseFailed
		} else {
			st.LastError = nil
			st.LastSuccess = res.finished
			st.Phase = PhaseIdle
		}
	})

	if res.readingErr == nil && res.reading != nil {
		s.metrics.glucose.Set(float64(res.reading.Value))
	}

	switch {
	case err == nil:
		s.metrics.cycles.WithLabelValues(outcomeSuccess).Inc()
		s.metrics.lastSuccess.Set(float64(res.finished.Unix()))
		log.WithFields(logrus.Fields{
			"samples":  len(res.samples),
			"duration": res.finished.Sub(res.started),
		}).Info("Sync completed")
	case res.readingErr != nil && res.historyErr != nil:
		s.metrics.cycles.WithLabelValues(outcomeFailure).Inc()
		log.WithError(err).Warn("Sync failed")
	default:
		s.metrics.cycles.WithLabelValues(outcomePartial).Inc()
		log.WithError(err).Warn("Sync partially failed")
	}

	s.publish()

	if err != nil {
		s.update(func(st *SyncState) {
			st.Phase = PhaseIdle
		})
	}
}
