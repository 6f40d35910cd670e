// Package app provides the main application logic
package app

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mrcode/nightscout-monitor/internal/classify"
	"github.com/mrcode/nightscout-monitor/internal/models"
	"github.com/mrcode/nightscout-monitor/internal/scheduler"
)

// Display units
const (
	UnitMgdL  = "mg/dL"
	UnitMmolL = "mmol/L"
)

// ErrNotConfigured is returned by commands that need a connection
var ErrNotConfigured = errors.New("nightscout connection not configured")

// ConnectionStore persists the connection settings
type ConnectionStore interface {
	Load() (*models.Connection, error)
	Save(conn *models.Connection) error
	Clear() error
}

// Syncer drives background synchronization
type Syncer interface {
	Configure(ctx context.Context, conn models.Connection) error
	Unconfigure(ctx context.Context) error
	SetRange(ctx context.Context, timeRange models.TimeRange) error
	Refresh(ctx context.Context) error
	Snapshot() scheduler.SyncState
}

// StatusChecker probes a Nightscout server
type StatusChecker interface {
	Status(ctx context.Context, conn models.Connection) (*models.ServerStatus, error)
}

// ViewModel is the read-only state handed to the presentation layer
type ViewModel struct {
	Configured  bool                `json:"configured"`
	EndpointURL string              `json:"endpointUrl,omitempty"`
	HasSecret   bool                `json:"hasSecret"`
	Value       *int                `json:"value"`
	ValueMmol   *float64            `json:"valueMmol"`
	ValueText   string              `json:"valueText"`
	Unit        string              `json:"unit"`
	Level       classify.Level      `json:"level"`
	Trend       classify.Trend      `json:"trend"`
	Direction   string              `json:"direction,omitempty"`
	ReadingTime *time.Time          `json:"readingTime,omitempty"`
	TimeSince   string              `json:"timeSince,omitempty"`
	Stale       bool                `json:"stale"`
	Series      []models.ChartPoint `json:"series"`
	RangeHours  int                 `json:"rangeHours"`
	Loading     bool                `json:"loading"`
	Phase       scheduler.Phase     `json:"phase"`
	Error       string              `json:"error,omitempty"`
	LastSync    *time.Time          `json:"lastSync,omitempty"`
}

// Option configures a Monitor
type Option func(*Monitor)

// WithLogger sets the logger
func WithLogger(logger logrus.FieldLogger) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// WithUnit sets the display unit, mg/dL or mmol/L
func WithUnit(unit string) Option {
	return func(m *Monitor) {
		m.unit = unit
	}
}

// WithClock overrides the time source used for relative labels
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// Monitor is the command and query surface of the application. It owns the
// persisted connection and forwards changes to the Syncer.
type Monitor struct {
	store   ConnectionStore
	syncer  Syncer
	checker StatusChecker
	logger  logrus.FieldLogger
	unit    string
	now     func() time.Time

	cmdMu sync.Mutex

	mu        sync.RWMutex
	conn      *models.Connection
	lastLevel classify.Level
}

// NewMonitor creates a Monitor
func NewMonitor(store ConnectionStore, syncer Syncer, checker StatusChecker, opts ...Option) *Monitor {
	m := &Monitor{
		store:     store,
		syncer:    syncer,
		checker:   checker,
		logger:    logrus.StandardLogger(),
		unit:      UnitMgdL,
		now:       time.Now,
		lastLevel: classify.LevelUnknown,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.unit != UnitMmolL {
		m.unit = UnitMgdL
	}
	return m
}

// Start loads the stored connection and starts syncing when one exists.
// When the store is empty and seed is configured, seed is saved first.
func (m *Monitor) Start(ctx context.Context, seed *models.Connection) error {
	m.cmdMu.Lock()
	defer m.cmdMu.Unlock()

	conn, err := m.store.Load()
	if err != nil {
		m.logger.WithError(err).Warn("Error loading stored connection, starting unconfigured")
		conn = nil
	}

	if conn == nil && seed != nil && seed.IsConfigured() {
		normalized := seed.Normalize()
		if err := m.store.Save(&normalized); err != nil {
			return fmt.Errorf("seed connection: %w", err)
		}
		m.logger.Info("Stored connection seeded from configuration")
		conn = &normalized
	}

	if conn == nil {
		m.logger.Info("No Nightscout connection configured")
		return nil
	}

	if err := m.syncer.Configure(ctx, *conn); err != nil {
		return err
	}
	m.setConnection(conn)
	return nil
}

// SetConfiguration validates, persists and activates a connection
func (m *Monitor) SetConfiguration(ctx context.Context, conn models.Connection) error {
	conn = conn.Normalize()
	if err := conn.Validate(); err != nil {
		return err
	}

	m.cmdMu.Lock()
	defer m.cmdMu.Unlock()

	prev := m.connection()
	if err := m.store.Save(&conn); err != nil {
		return err
	}
	if err := m.syncer.Configure(ctx, conn); err != nil {
		m.restore(prev)
		return err
	}
	m.setConnection(&conn)

	m.logger.WithFields(logrus.Fields{
		"host":       hostOf(conn.NightscoutURL),
		"has_secret": conn.HasSecret(),
	}).Info("Nightscout connection saved")

	return nil
}

// ResetConfiguration forgets the connection and stops syncing
func (m *Monitor) ResetConfiguration(ctx context.Context) error {
	m.cmdMu.Lock()
	defer m.cmdMu.Unlock()

	prev := m.connection()
	if err := m.store.Clear(); err != nil {
		return err
	}
	if err := m.syncer.Unconfigure(ctx); err != nil {
		m.restore(prev)
		return err
	}
	m.setConnection(nil)

	m.logger.Info("Nightscout connection reset")
	return nil
}

// restore puts prev back in the store after the scheduler refused a change
func (m *Monitor) restore(prev *models.Connection) {
	var err error
	if prev == nil {
		err = m.store.Clear()
	} else {
		err = m.store.Save(prev)
	}
	if err != nil {
		m.logger.WithError(err).Error("Failed to restore stored connection")
	}
}

// SetTimeRange changes the history window in hours
func (m *Monitor) SetTimeRange(ctx context.Context, hours int) error {
	timeRange, err := models.ParseTimeRange(hours)
	if err != nil {
		return err
	}

	m.cmdMu.Lock()
	defer m.cmdMu.Unlock()
	return m.syncer.SetRange(ctx, timeRange)
}

// RefreshNow requests an immediate sync
func (m *Monitor) RefreshNow(ctx context.Context) error {
	m.cmdMu.Lock()
	defer m.cmdMu.Unlock()

	if !m.Configured() {
		return ErrNotConfigured
	}
	return m.syncer.Refresh(ctx)
}

// TestConnection checks conn against the server without saving it
func (m *Monitor) TestConnection(ctx context.Context, conn models.Connection) (*models.ServerStatus, error) {
	conn = conn.Normalize()
	if err := conn.Validate(); err != nil {
		return nil, err
	}
	return m.checker.Status(ctx, conn)
}

// Configured reports whether a connection is present
func (m *Monitor) Configured() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn.IsConfigured()
}

func (m *Monitor) connection() *models.Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.conn == nil {
		return nil
	}
	c := *m.conn
	return &c
}

func (m *Monitor) setConnection(conn *models.Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conn == nil {
		m.conn = nil
		m.lastLevel = classify.LevelUnknown
		return
	}
	c := *conn
	m.conn = &c
}

// ViewModel builds the current view from the sync state
func (m *Monitor) ViewModel() ViewModel {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()

	st := m.syncer.Snapshot()
	now := m.now()

	vm := ViewModel{
		Configured: conn.IsConfigured(),
		Unit:       m.unit,
		Level:      classify.LevelOf(st.LastReading),
		Trend:      classify.TrendUnknown,
		Series:     st.Series,
		RangeHours: st.Range.Hours(),
		Loading:    st.InFlight,
		Phase:      st.Phase,
	}
	if vm.Series == nil {
		vm.Series = []models.ChartPoint{}
	}
	if conn != nil {
		vm.EndpointURL = conn.NightscoutURL
		vm.HasSecret = conn.HasSecret()
	}

	if r := st.LastReading; r != nil {
		value := r.Value
		mmol := r.ValueMmolL()
		ts := r.Time
		vm.Value = &value
		vm.ValueMmol = &mmol
		vm.ValueText = m.formatValue(r)
		vm.Trend = classify.ClassifyTrend(r.Direction)
		vm.Direction = r.Direction
		vm.ReadingTime = &ts
		vm.TimeSince = classify.TimeSince(ts, now)
		vm.Stale = classify.IsStale(ts, now)
	}

	if st.LastError != nil {
		vm.Error = errorMessage(st.LastError)
	}
	if !st.LastSuccess.IsZero() {
		last := st.LastSuccess
		vm.LastSync = &last
	}

	return vm
}

// OnSync receives scheduler snapshots and logs level transitions
func (m *Monitor) OnSync(st scheduler.SyncState) {
	level := classify.LevelOf(st.LastReading)

	m.mu.Lock()
	previous := m.lastLevel
	m.lastLevel = level
	m.mu.Unlock()

	if level == previous || st.LastReading == nil {
		return
	}

	entry := m.logger.WithFields(logrus.Fields{
		"value": st.LastReading.Value,
		"from":  previous,
		"to":    level,
	})
	if level == classify.LevelInRange {
		entry.Info("Glucose in range")
		return
	}
	entry.Warn("Glucose out of range")
}

func (m *Monitor) formatValue(r *models.Reading) string {
	if m.unit == UnitMmolL {
		return fmt.Sprintf("%.1f", r.ValueMmolL())
	}
	return fmt.Sprintf("%d", r.Value)
}

func errorMessage(err error) string {
	return strings.ReplaceAll(err.Error(), "\n", "; ")
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}
