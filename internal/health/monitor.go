// Package health scores connection health for both glucose sources on a
// fixed period and triggers corrective refreshes when the picture turns
// unstable. All counters live in a metrics struct owned exclusively by the
// monitor; readers get immutable snapshots.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/glucolink/internal/glucose"
	"github.com/srg/glucolink/internal/groutine"
)

// OverallHealth is the 5-level ordinal verdict.
type OverallHealth int

const (
	HealthUnknown OverallHealth = iota
	HealthCritical
	HealthPoor
	HealthFair
	HealthGood
	HealthExcellent
)

func (h OverallHealth) String() string {
	switch h {
	case HealthExcellent:
		return "EXCELLENT"
	case HealthGood:
		return "GOOD"
	case HealthFair:
		return "FAIR"
	case HealthPoor:
		return "POOR"
	case HealthCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ConnectionHealth is the per-source verdict.
type ConnectionHealth int

const (
	ConnUnknown ConnectionHealth = iota
	ConnError
	ConnTimeout
	ConnDisconnected
	ConnConnecting
	ConnConnected
)

func (c ConnectionHealth) String() string {
	switch c {
	case ConnConnected:
		return "CONNECTED"
	case ConnConnecting:
		return "CONNECTING"
	case ConnDisconnected:
		return "DISCONNECTED"
	case ConnTimeout:
		return "TIMEOUT"
	case ConnError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// DataFreshness grades the active source's latest reading age.
type DataFreshness int

const (
	FreshnessUnknown DataFreshness = iota
	FreshnessCritical
	FreshnessStale
	FreshnessAcceptable
	FreshnessFresh
)

func (f DataFreshness) String() string {
	switch f {
	case FreshnessFresh:
		return "FRESH"
	case FreshnessAcceptable:
		return "ACCEPTABLE"
	case FreshnessStale:
		return "STALE"
	case FreshnessCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// HealthStatus is one complete health verdict. Each tick replaces the whole
// struct atomically; it is never partially updated.
type HealthStatus struct {
	Overall      OverallHealth
	External     ConnectionHealth
	Wireless     ConnectionHealth
	Freshness    DataFreshness
	Score        int
	Stable       bool
	ActiveSource string
	CheckedAt    time.Time
}

// ConnectionMetrics is the monitor's cumulative counter snapshot.
type ConnectionMetrics struct {
	UptimeOrigin      time.Time
	ReconnectAttempts int
	SourceSwitches    int64
	DataGaps          int
	ErrorRate         float64 // percent of ticks that found a data gap
	StabilityPercent  float64 // percent of ticks judged stable
	CounterResets     int     // reconnect-ceiling resets (see Options)
}

// Orchestrator is the manager surface the monitor observes.
type Orchestrator interface {
	Status() glucose.ConnectionStatus
	ActiveSource() glucose.DataSource
	LastReading(glucose.DataSource) (glucose.Reading, bool)
	RefreshAll(ctx context.Context)
	SwitchCount() int64
}

// Options tunes the monitor.
type Options struct {
	CheckInterval time.Duration `default:"30s"`
	// SourceFreshness is the per-source reading-age bound used when
	// grading ConnectionHealth.
	SourceFreshness time.Duration `default:"5m"`
	// ReconnectCeiling caps the attempt counter. Exceeding it resets the
	// counter as a recovery action. Deliberate availability-over-honesty
	// tradeoff: a persistently failing source will look recoverable, so
	// the reset is logged loudly and counted in CounterResets.
	ReconnectCeiling int `default:"5"`
	// HistoryCap bounds the retained HealthStatus ring.
	HistoryCap uint32 `default:"64"`
}

// Freshness grade boundaries and score contributions.
const (
	freshBound      = time.Minute
	acceptableBound = 5 * time.Minute
	staleBound      = 15 * time.Minute
)

// DefaultOptions returns the standard monitor options.
func DefaultOptions() *Options {
	o := &Options{}
	defaults.SetDefaults(o)
	return o
}

// Monitor runs the periodic health check.
type Monitor struct {
	logger *logrus.Logger
	opts   *Options
	orch   Orchestrator

	// The tick path is the only writer; mu guards snapshot reads.
	mu          sync.Mutex
	current     HealthStatus
	metrics     ConnectionMetrics
	ticks       int
	stableTicks int
	history     mpmc.RichOverlappedRingBuffer[HealthStatus]

	now func() time.Time // test hook
}

// New creates a monitor over orch.
func New(orch Orchestrator, logger *logrus.Logger, opts *Options) *Monitor {
	if logger == nil {
		logger = logrus.New()
	}
	if opts == nil {
		opts = DefaultOptions()
	}
	return &Monitor{
		logger:  logger,
		opts:    opts,
		orch:    orch,
		history: mpmc.NewOverlappedRingBuffer[HealthStatus](opts.HistoryCap),
		now:     time.Now,
		metrics: ConnectionMetrics{UptimeOrigin: time.Now()},
	}
}

// Start runs the fixed-period check loop until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	groutine.Go(ctx, "health-monitor", func(ctx context.Context) {
		ticker := time.NewTicker(m.opts.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Check(ctx)
			}
		}
	})
}

// Check runs one health check synchronously and returns the fresh verdict.
// Start's loop calls the same path on every tick.
func (m *Monitor) Check(ctx context.Context) HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tick(ctx)
	return m.current
}

// Status returns the last complete health verdict.
func (m *Monitor) Status() HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Metrics returns an immutable snapshot of the cumulative counters.
func (m *Monitor) Metrics() ConnectionMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics
}

// History drains and returns the retained health snapshots, oldest first.
func (m *Monitor) History() []HealthStatus {
	var out []HealthStatus
	for !m.history.IsEmpty() {
		s, err := m.history.Dequeue()
		if err != nil {
			break
		}
		out = append(out, s)
	}
	return out
}

// tick recomputes the whole HealthStatus and applies corrective actions.
// Caller holds mu.
func (m *Monitor) tick(ctx context.Context) {
	now := m.now()
	status := m.orch.Status()
	active := m.orch.ActiveSource()

	ext := m.sourceHealth(glucose.SourceExternal, status, now)
	wl := m.sourceHealth(glucose.SourceWireless, status, now)
	freshness := m.freshness(active, now)

	score := maxInt(sourcePoints(ext), sourcePoints(wl)) + freshnessPoints(freshness)
	overall := gradeOverall(score)

	m.ticks++
	if freshness == FreshnessStale || freshness == FreshnessCritical || freshness == FreshnessUnknown {
		m.metrics.DataGaps++
		promDataGaps.Inc()
	}
	m.metrics.SourceSwitches = m.orch.SwitchCount()
	m.metrics.ErrorRate = 100 * float64(m.metrics.DataGaps) / float64(m.ticks)

	stable := (overall == HealthExcellent || overall == HealthGood) &&
		(freshness == FreshnessFresh || freshness == FreshnessAcceptable) &&
		m.metrics.ErrorRate < 10 &&
		m.metrics.ReconnectAttempts < m.opts.ReconnectCeiling
	if stable {
		m.stableTicks++
	}
	m.metrics.StabilityPercent = 100 * float64(m.stableTicks) / float64(m.ticks)

	m.current = HealthStatus{
		Overall:      overall,
		External:     ext,
		Wireless:     wl,
		Freshness:    freshness,
		Score:        score,
		Stable:       stable,
		ActiveSource: active.String(),
		CheckedAt:    now,
	}
	if _, err := m.history.EnqueueM(m.current); err != nil {
		m.logger.WithField("error", err).Debug("Health history enqueue failed")
	}
	m.export(status, active)

	m.logger.WithFields(logrus.Fields{
		"overall":   overall.String(),
		"score":     score,
		"freshness": freshness.String(),
		"stable":    stable,
	}).Debug("Health check complete")

	// Corrective action: refresh both adapters when unstable or critical.
	if !stable || overall == HealthCritical {
		m.metrics.ReconnectAttempts++
		promReconnectAttempts.Inc()
		m.orch.RefreshAll(ctx)

		if m.metrics.ReconnectAttempts > m.opts.ReconnectCeiling {
			// Recovery action, not a silent bug-mask: without the reset the
			// monitor would stay unhealthy forever once the ceiling is hit.
			m.logger.WithField("attempts", m.metrics.ReconnectAttempts).
				Warn("Too many reconnection attempts, resetting counter")
			m.metrics.ReconnectAttempts = 0
			m.metrics.CounterResets++
		}
	}
}

// sourceHealth grades one source from connectivity plus reading freshness.
func (m *Monitor) sourceHealth(source glucose.DataSource, status glucose.ConnectionStatus, now time.Time) ConnectionHealth {
	connected := status[source]
	last, has := m.orch.LastReading(source)

	if connected {
		switch {
		case !has:
			return ConnConnecting
		case last.Age(now) <= m.opts.SourceFreshness:
			return ConnConnected
		default:
			return ConnTimeout
		}
	}
	if has && last.Age(now) <= m.opts.SourceFreshness {
		// Data without a link: connectionless broadcaster or a poll that
		// has since degraded.
		return ConnConnecting
	}
	return ConnDisconnected
}

func (m *Monitor) freshness(active glucose.DataSource, now time.Time) DataFreshness {
	last, ok := m.orch.LastReading(active)
	if !ok {
		return FreshnessUnknown
	}
	age := last.Age(now)
	switch {
	case age < freshBound:
		return FreshnessFresh
	case age < acceptableBound:
		return FreshnessAcceptable
	case age < staleBound:
		return FreshnessStale
	default:
		return FreshnessCritical
	}
}

func sourcePoints(h ConnectionHealth) int {
	switch h {
	case ConnConnected:
		return 50
	case ConnConnecting:
		return 25
	case ConnTimeout:
		return 15
	default:
		return 0
	}
}

func freshnessPoints(f DataFreshness) int {
	switch f {
	case FreshnessFresh:
		return 30
	case FreshnessAcceptable:
		return 20
	case FreshnessStale:
		return 10
	default:
		return 0
	}
}

func gradeOverall(score int) OverallHealth {
	switch {
	case score >= 90:
		return HealthExcellent
	case score >= 75:
		return HealthGood
	case score >= 50:
		return HealthFair
	case score >= 25:
		return HealthPoor
	default:
		return HealthCritical
	}
}

// export mirrors the verdict into the Prometheus collectors.
func (m *Monitor) export(status glucose.ConnectionStatus, active glucose.DataSource) {
	promHealthScore.Set(float64(m.current.Score))
	promStable.Set(boolGauge(m.current.Stable))
	promSourceSwitches.Set(float64(m.metrics.SourceSwitches))
	for _, src := range []glucose.DataSource{glucose.SourceExternal, glucose.SourceWireless} {
		promSourceUp.WithLabelValues(src.String()).Set(boolGauge(status[src]))
		promActiveSource.WithLabelValues(src.String()).Set(boolGauge(src == active))
	}
}

// Summary returns a flat string-keyed map for diagnostic display.
func (m *Monitor) Summary() *orderedmap.OrderedMap[string, string] {
	m.mu.Lock()
	status := m.current
	metrics := m.metrics
	m.mu.Unlock()

	out := orderedmap.New[string, string]()
	out.Set("overall", status.Overall.String())
	out.Set("score", fmt.Sprintf("%d", status.Score))
	out.Set("freshness", status.Freshness.String())
	out.Set("stable", fmt.Sprintf("%t", status.Stable))
	out.Set("active_source", status.ActiveSource)
	out.Set("external_health", status.External.String())
	out.Set("wireless_health", status.Wireless.String())
	out.Set("source_switches", fmt.Sprintf("%d", metrics.SourceSwitches))
	out.Set("reconnect_attempts", fmt.Sprintf("%d", metrics.ReconnectAttempts))
	out.Set("data_gaps", fmt.Sprintf("%d", metrics.DataGaps))
	out.Set("error_rate", fmt.Sprintf("%.1f%%", metrics.ErrorRate))
	out.Set("stability", fmt.Sprintf("%.1f%%", metrics.StabilityPercent))
	out.Set("uptime", time.Since(metrics.UptimeOrigin).Round(time.Second).String())
	return out
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
