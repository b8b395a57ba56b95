package integrity

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/model"
)

const (
	// BannerTTL is how long the current-violation banner stays up.
	BannerTTL = 5 * time.Second

	writeTimeout = 5 * time.Second
	retryDelay   = 2 * time.Second
)

// Store persists the full violation log of an attempt.
type Store interface {
	LoadViolations(ctx context.Context, attemptID uuid.UUID) ([]model.Violation, error)
	SaveViolations(ctx context.Context, attemptID uuid.UUID, violations []model.Violation) error
}

// Config wires a Monitor to its attempt and callbacks.
type Config struct {
	AttemptID         uuid.UUID
	RequireFullscreen bool
	MaxViolations     int
	Store             Store
	Log               zerolog.Logger

	// OnViolation fires for every recorded violation, whether or not it was
	// persisted yet.
	OnViolation func(v model.Violation, count int)
	// OnMaxViolations fires once, the first time count reaches MaxViolations.
	OnMaxViolations func(count int)
}

// Monitor holds the in-memory violation log of one attempt. It is owned by a
// single goroutine (the session runner); only persistence runs elsewhere.
type Monitor struct {
	cfg   Config
	log   zerolog.Logger
	state State

	violations  []model.Violation
	banner      *model.Violation
	bannerUntil time.Time
	escalated   bool

	mu      sync.Mutex
	pending []model.Violation
	kick    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	started bool
	closed  bool
}

// NewMonitor creates a monitor. The tab is assumed focused, visible and in
// fullscreen until it reports otherwise.
func NewMonitor(cfg Config) *Monitor {
	if cfg.MaxViolations <= 0 {
		cfg.MaxViolations = model.DefaultMaxViolations
	}
	return &Monitor{
		cfg:   cfg,
		log:   cfg.Log.With().Str("component", "integrity").Str("attempt_id", cfg.AttemptID.String()).Logger(),
		state: State{Fullscreen: true, Focused: true, Visible: true},
		kick:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start launches the persistence writer. It must be paired with Close.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.closed {
		return
	}
	m.started = true
	go m.writer()
}

// Close flushes pending writes and stops the writer. Safe to call twice.
func (m *Monitor) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	started := m.started
	m.mu.Unlock()

	close(m.stop)
	if started {
		<-m.done
	}
}

// Seed restores a previously persisted log, for a resumed attempt. If the
// restored count already reaches the limit the escalation fires now.
func (m *Monitor) Seed(violations []model.Violation) {
	m.violations = append(m.violations[:0], violations...)
	m.escalate()
}

// Handle processes one signal and returns the directive for the tab.
func (m *Monitor) Handle(sig Signal, now time.Time) Directive {
	d, ok := Lookup(sig)
	if !ok {
		return Directive{}
	}
	if d.Apply != nil {
		d.Apply(&m.state)
	}

	dir := Directive{Suppress: d.Suppress, ConfirmUnload: d.ConfirmUnload}
	if d.logs(m.cfg.RequireFullscreen) {
		m.RecordViolation(d.Violation, d.Description, now)
		dir.Violation = d.Violation
	}
	return dir
}

// RecordViolation appends to the log, raises the banner, notifies the
// callback and queues persistence of the full log.
func (m *Monitor) RecordViolation(t model.ViolationType, description string, now time.Time) model.Violation {
	v := model.Violation{Type: t, Description: description, Timestamp: now.UTC()}
	m.violations = append(m.violations, v)

	m.banner = &v
	m.bannerUntil = now.Add(BannerTTL)

	m.enqueue(v)

	if m.cfg.OnViolation != nil {
		m.cfg.OnViolation(v, len(m.violations))
	}
	m.escalate()
	return v
}

func (m *Monitor) escalate() {
	if m.escalated || len(m.violations) < m.cfg.MaxViolations {
		return
	}
	m.escalated = true
	m.log.Warn().Int("count", len(m.violations)).Msg("Violation limit reached")
	if m.cfg.OnMaxViolations != nil {
		m.cfg.OnMaxViolations(len(m.violations))
	}
}

// ClearExpiredBanner drops the banner once its time is up. It reports
// whether a banner was cleared. The log is untouched.
func (m *Monitor) ClearExpiredBanner(now time.Time) bool {
	if m.banner == nil || now.Before(m.bannerUntil) {
		return false
	}
	m.banner = nil
	return true
}

// Banner returns the violation currently shown, if any.
func (m *Monitor) Banner() *model.Violation { return m.banner }

// Count returns the number of recorded violations.
func (m *Monitor) Count() int { return len(m.violations) }

// Escalated reports whether the limit has been reached.
func (m *Monitor) Escalated() bool { return m.escalated }

// State returns the tab state as last reported.
func (m *Monitor) State() State { return m.state }

// Violations returns a copy of the log.
func (m *Monitor) Violations() []model.Violation {
	out := make([]model.Violation, len(m.violations))
	copy(out, m.violations)
	return out
}

// ----------------------------------------------------------------
// Persistence
// ----------------------------------------------------------------

func (m *Monitor) enqueue(v model.Violation) {
	if m.cfg.Store == nil {
		return
	}
	m.mu.Lock()
	m.pending = append(m.pending, v)
	m.mu.Unlock()

	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// writer is the only goroutine that touches the store, so every
// read-modify-write of the log is serialized.
func (m *Monitor) writer() {
	defer close(m.done)

	retry := time.NewTimer(retryDelay)
	retry.Stop()
	defer retry.Stop()

	for {
		select {
		case <-m.kick:
		case <-retry.C:
		case <-m.stop:
			if err := m.flush(); err != nil {
				m.log.Error().Err(err).Msg("Final violation flush failed")
			}
			return
		}

		if err := m.flush(); err != nil {
			m.log.Warn().Err(err).Msg("Violation persistence failed, will retry")
			retry.Reset(retryDelay)
		}
	}
}

// flush merges pending violations into the latest persisted snapshot and
// saves the result. On failure the batch goes back to the front of the queue.
func (m *Monitor) flush() error {
	m.mu.Lock()
	batch := m.pending
	m.pending = nil
	m.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	err := m.persist(ctx, batch)
	if err != nil {
		m.mu.Lock()
		m.pending = append(batch, m.pending...)
		m.mu.Unlock()
	}
	return err
}

func (m *Monitor) persist(ctx context.Context, batch []model.Violation) error {
	snapshot, err := m.cfg.Store.LoadViolations(ctx, m.cfg.AttemptID)
	if err != nil {
		return err
	}
	return m.cfg.Store.SaveViolations(ctx, m.cfg.AttemptID, Merge(snapshot, batch))
}

// Merge appends to snapshot every violation of batch it does not already
// hold, keeping order. Violations are identified by type and timestamp.
func Merge(snapshot, batch []model.Violation) []model.Violation {
	seen := make(map[violationKey]struct{}, len(snapshot))
	out := make([]model.Violation, 0, len(snapshot)+len(batch))
	for _, v := range snapshot {
		seen[keyOf(v)] = struct{}{}
		out = append(out, v)
	}
	for _, v := range batch {
		k := keyOf(v)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, v)
	}
	return out
}

type violationKey struct {
	t  model.ViolationType
	ts int64
}

func keyOf(v model.Violation) violationKey {
	return violationKey{t: v.Type, ts: v.Timestamp.UnixNano()}
}
