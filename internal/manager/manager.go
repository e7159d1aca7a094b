// Package manager orchestrates the two glucose source adapters: it owns the
// active-source failover state machine and republishes the active source's
// readings as one combined stream.
package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/glucolink/internal/glucose"
	"github.com/srg/glucolink/internal/groutine"
	"github.com/srg/glucolink/internal/stream"
)

// SourceAdapter is the manager's view of one glucose source. Both adapters
// satisfy it; tests substitute fakes.
type SourceAdapter interface {
	Source() glucose.DataSource
	Readings() <-chan glucose.Reading
	ConnectionEvents() <-chan bool
	Connected() bool
	LastUpdate() time.Time
	Start(ctx context.Context) error
	Refresh(ctx context.Context)
	Close()
}

// Options tunes the failover state machine.
type Options struct {
	// ExternalFallbackWindow is how long an EXTERNAL-preferred setup waits
	// for external data before falling over to a connected WIRELESS source.
	ExternalFallbackWindow time.Duration `default:"60s"`
	// WirelessFallbackWindow is the symmetric window for WIRELESS-preferred.
	WirelessFallbackWindow time.Duration `default:"120s"`
	// ReevalInterval is the AUTO re-evaluation period.
	ReevalInterval time.Duration `default:"30s"`
	// StreamCap sizes the combined reading channel.
	StreamCap int `default:"64"`
}

// DefaultOptions returns the standard manager options.
func DefaultOptions() *Options {
	o := &Options{}
	defaults.SetDefaults(o)
	return o
}

// Manager merges the two adapters behind one combined stream. The combined
// stream always mirrors the currently active source verbatim; the inactive
// source's readings are tracked for diagnostics but never interleaved.
type Manager struct {
	logger   *logrus.Logger
	opts     *Options
	external SourceAdapter
	wireless SourceAdapter

	mu        sync.Mutex
	active    glucose.DataSource
	preferred glucose.DataSource
	autoMode  bool
	running   bool
	cancel    context.CancelFunc
	fallback  *time.Timer

	// Lock-free registries, written only by the manager's own workers.
	status      *hashmap.Map[string, bool]
	lastReading *hashmap.Map[string, glucose.Reading]

	switchCount atomic.Int64

	combined     *stream.RingChannel[glucose.Reading]
	activeEvents *stream.RingChannel[glucose.DataSource]
	statusEvents *stream.RingChannel[glucose.ConnectionStatus]
}

// New creates a manager over the external and wireless adapters.
func New(external, wireless SourceAdapter, logger *logrus.Logger, opts *Options) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	if opts == nil {
		opts = DefaultOptions()
	}
	m := &Manager{
		logger:       logger,
		opts:         opts,
		external:     external,
		wireless:     wireless,
		active:       glucose.SourceExternal,
		status:       hashmap.New[string, bool](),
		lastReading:  hashmap.New[string, glucose.Reading](),
		combined:     stream.NewRingChannel[glucose.Reading](opts.StreamCap),
		activeEvents: stream.NewRingChannel[glucose.DataSource](8),
		statusEvents: stream.NewRingChannel[glucose.ConnectionStatus](8),
	}
	m.status.Set(glucose.SourceExternal.String(), false)
	m.status.Set(glucose.SourceWireless.String(), false)
	return m
}

// Readings is the combined stream: whichever source is active, verbatim.
func (m *Manager) Readings() <-chan glucose.Reading { return m.combined.C() }

// ActiveEvents emits the new active source after every switch.
func (m *Manager) ActiveEvents() <-chan glucose.DataSource { return m.activeEvents.C() }

// StatusEvents emits a fresh ConnectionStatus snapshot whenever either
// adapter's connection signal changes, regardless of which source is active.
func (m *Manager) StatusEvents() <-chan glucose.ConnectionStatus { return m.statusEvents.C() }

// ActiveSource returns the currently active concrete source.
func (m *Manager) ActiveSource() glucose.DataSource {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// AutoMode reports whether automatic re-evaluation is engaged.
func (m *Manager) AutoMode() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.autoMode
}

// Status returns a snapshot of both sources' connectivity.
func (m *Manager) Status() glucose.ConnectionStatus {
	cs := glucose.NewConnectionStatus()
	if v, ok := m.status.Get(glucose.SourceExternal.String()); ok {
		cs[glucose.SourceExternal] = v
	}
	if v, ok := m.status.Get(glucose.SourceWireless.String()); ok {
		cs[glucose.SourceWireless] = v
	}
	return cs
}

// LastReading returns the most recent reading seen from source, ok=false
// if that source has not produced anything yet.
func (m *Manager) LastReading(source glucose.DataSource) (glucose.Reading, bool) {
	return m.lastReading.Get(source.String())
}

// LastUpdate returns when source last produced data, zero if never.
func (m *Manager) LastUpdate(source glucose.DataSource) time.Time {
	return m.adapterFor(source).LastUpdate()
}

// SwitchCount returns the cumulative number of source switches. The health
// monitor folds this into its own metrics snapshot on each tick.
func (m *Manager) SwitchCount() int64 { return m.switchCount.Load() }

// StartMonitoring starts both adapters and engages the failover machinery
// for the preferred source. AUTO starts with EXTERNAL active and enables
// periodic re-evaluation. Calling it twice without StopMonitoring is a
// no-op.
func (m *Manager) StartMonitoring(ctx context.Context, preferred glucose.DataSource) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.autoMode = preferred == glucose.SourceAuto
	if m.autoMode {
		m.active = glucose.SourceExternal
		m.preferred = glucose.SourceExternal
	} else {
		m.active = preferred
		m.preferred = preferred
	}
	active := m.active
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"preferred": preferred.String(),
		"active":    active.String(),
	}).Info("Starting glucose monitoring")

	// Both adapters always run: the inactive one stays armed as fallback
	// and keeps feeding the status map.
	if err := m.external.Start(runCtx); err != nil {
		m.logger.WithField("error", err).Warn("External adapter failed to start")
	}
	if err := m.wireless.Start(runCtx); err != nil {
		m.logger.WithField("error", err).Warn("Wireless adapter failed to start")
	}

	m.forwardReadings(runCtx, m.external)
	m.forwardReadings(runCtx, m.wireless)
	m.watchStatus(runCtx, m.external)
	m.watchStatus(runCtx, m.wireless)

	// One-shot fallback timer, armed once at start and never re-armed.
	// AUTO relies on the re-evaluation loop instead.
	if preferred != glucose.SourceAuto {
		window := m.opts.ExternalFallbackWindow
		if preferred == glucose.SourceWireless {
			window = m.opts.WirelessFallbackWindow
		}
		m.mu.Lock()
		m.fallback = time.AfterFunc(window, func() {
			m.evaluate(runCtx, "fallback timer")
		})
		m.mu.Unlock()
	}

	groutine.Go(runCtx, "manager-reeval", func(ctx context.Context) {
		ticker := time.NewTicker(m.opts.ReevalInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if m.AutoMode() {
					m.evaluate(ctx, "auto re-evaluation")
				}
			}
		}
	})

	return nil
}

// StopMonitoring cancels timers and workers, closes both adapters, and
// leaves the status map in a deterministic both-disconnected state.
func (m *Manager) StopMonitoring() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.cancel = nil
	if m.fallback != nil {
		m.fallback.Stop()
		m.fallback = nil
	}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.external.Close()
	m.wireless.Close()

	m.status.Set(glucose.SourceExternal.String(), false)
	m.status.Set(glucose.SourceWireless.String(), false)
	m.statusEvents.Send(glucose.NewConnectionStatus())
	m.logger.Info("Glucose monitoring stopped")
}

// SwitchSource switches immediately, bypassing all timers. Switching to
// AUTO re-engages the re-evaluation loop instead of pinning a source.
func (m *Manager) SwitchSource(source glucose.DataSource) {
	if source == glucose.SourceAuto {
		m.mu.Lock()
		m.autoMode = true
		m.preferred = glucose.SourceExternal
		m.mu.Unlock()
		m.logger.Info("Automatic source selection engaged")
		return
	}

	m.mu.Lock()
	m.autoMode = false
	m.preferred = source
	m.mu.Unlock()
	m.switchTo(source, "manual switch")
}

// RefreshAll triggers a corrective refresh on both adapters.
func (m *Manager) RefreshAll(ctx context.Context) {
	m.external.Refresh(ctx)
	m.wireless.Refresh(ctx)
}

// snapshot gathers one consistent view for Decide.
func (m *Manager) snapshot() Snapshot {
	m.mu.Lock()
	active := m.active
	preferred := m.preferred
	auto := m.autoMode
	m.mu.Unlock()

	extUp, _ := m.status.Get(glucose.SourceExternal.String())
	wlUp, _ := m.status.Get(glucose.SourceWireless.String())

	return Snapshot{
		Active:             active,
		Preferred:          preferred,
		AutoMode:           auto,
		ExternalConnected:  extUp,
		WirelessConnected:  wlUp,
		ExternalLastUpdate: m.external.LastUpdate(),
		WirelessLastUpdate: m.wireless.LastUpdate(),
		Now:                time.Now(),
	}
}

// evaluate runs one pass of the switch state machine. Called from the
// one-shot fallback timer and from the AUTO re-evaluation tick; both paths
// share the same snapshot-in, decision-out function.
func (m *Manager) evaluate(ctx context.Context, trigger string) {
	snap := m.snapshot()
	d := Decide(snap, m.opts.ExternalFallbackWindow, m.opts.WirelessFallbackWindow)

	if d.RefreshBoth {
		m.logger.WithField("trigger", trigger).Info("Both sources stale, refreshing adapters")
		m.RefreshAll(ctx)
		return
	}
	if d.Switched(snap) {
		m.logger.WithFields(logrus.Fields{
			"trigger": trigger,
			"reason":  d.Reason,
		}).Info("Failover decision")
		m.switchTo(d.Next, d.Reason)
	}
}

// switchTo changes the active source. Switching is silent beyond a log
// line and a counter increment; no error is ever raised.
func (m *Manager) switchTo(next glucose.DataSource, reason string) {
	m.mu.Lock()
	prev := m.active
	if prev == next {
		m.mu.Unlock()
		return
	}
	m.active = next
	m.mu.Unlock()

	m.switchCount.Add(1)
	m.logger.WithFields(logrus.Fields{
		"from":   prev.String(),
		"to":     next.String(),
		"reason": reason,
	}).Info("Active source switched")
	m.activeEvents.Send(next)
}

// forwardReadings drains one adapter's stream. Readings are recorded for
// both sources, but only the active source's readings reach the combined
// stream.
func (m *Manager) forwardReadings(ctx context.Context, adapter SourceAdapter) {
	name := "forward-" + adapter.Source().String()
	groutine.Go(ctx, name, func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case r, ok := <-adapter.Readings():
				if !ok {
					return
				}
				m.lastReading.Set(r.Source.String(), r)
				if m.ActiveSource() == r.Source {
					m.combined.Send(r)
				}
			}
		}
	})
}

// watchStatus mirrors one adapter's connection signal into the status map.
// Status is observed for both sources even while only one is active.
func (m *Manager) watchStatus(ctx context.Context, adapter SourceAdapter) {
	name := "status-" + adapter.Source().String()
	groutine.Go(ctx, name, func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case up, ok := <-adapter.ConnectionEvents():
				if !ok {
					return
				}
				m.status.Set(adapter.Source().String(), up)
				m.statusEvents.Send(m.Status())
			}
		}
	})
}

func (m *Manager) adapterFor(source glucose.DataSource) SourceAdapter {
	if source == glucose.SourceWireless {
		return m.wireless
	}
	return m.external
}
