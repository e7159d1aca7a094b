package xdrip

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/glucolink/internal/glucose"
	"github.com/srg/glucolink/internal/groutine"
	"github.com/srg/glucolink/internal/stream"
)

// Options configures the polling adapter.
type Options struct {
	// PollInterval is the fixed period between polls once the first load
	// succeeded.
	PollInterval time.Duration `default:"30s"`
	// QueryCount bounds each poll to the most recent N rows.
	QueryCount int `default:"20"`
	// StreamCap sizes the outbound reading channel.
	StreamCap int `default:"64"`
}

// DefaultOptions returns the standard polling options.
func DefaultOptions() *Options {
	o := &Options{}
	defaults.SetDefaults(o)
	return o
}

// Adapter polls the xDrip web service and republishes rows as readings.
// It owns its own state exclusively; consumers observe via Readings,
// ConnectionEvents, and snapshot getters.
type Adapter struct {
	client *Client
	logger *logrus.Logger
	opts   *Options

	mu            sync.Mutex
	lastPoll      time.Time // time of last successful poll
	lastTimestamp int64     // newest row timestamp already emitted
	lastValue     float64   // previous accepted reading's value, for deltas
	haveValue     bool
	cancel        context.CancelFunc

	available  atomic.Bool
	suppressed atomic.Bool // permission failure: stop polling until Refresh

	readings   *stream.RingChannel[glucose.Reading]
	connEvents *stream.RingChannel[bool]
}

// NewAdapter creates an external source adapter around client.
func NewAdapter(client *Client, logger *logrus.Logger, opts *Options) *Adapter {
	if logger == nil {
		logger = logrus.New()
	}
	if opts == nil {
		opts = DefaultOptions()
	}
	return &Adapter{
		client:     client,
		logger:     logger,
		opts:       opts,
		readings:   stream.NewRingChannel[glucose.Reading](opts.StreamCap),
		connEvents: stream.NewRingChannel[bool](8),
	}
}

// Source identifies this adapter's readings.
func (a *Adapter) Source() glucose.DataSource { return glucose.SourceExternal }

// Readings is the adapter's live reading stream.
func (a *Adapter) Readings() <-chan glucose.Reading { return a.readings.C() }

// ConnectionEvents emits the availability signal: true after a successful
// poll, false once the service degrades.
func (a *Adapter) ConnectionEvents() <-chan bool { return a.connEvents.C() }

// Connected reports current availability.
func (a *Adapter) Connected() bool { return a.available.Load() }

// LastUpdate returns the time of the last successful poll, zero if none.
func (a *Adapter) LastUpdate() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastPoll
}

// Start probes the service once to derive availability, then runs the
// fixed-interval poll loop until ctx is cancelled. Transport failures
// degrade availability; they are never returned.
func (a *Adapter) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	if a.cancel != nil {
		a.mu.Unlock()
		cancel()
		return nil // already running
	}
	a.cancel = cancel
	a.mu.Unlock()

	a.poll(pollCtx) // initial probe; sets availability either way

	groutine.Go(pollCtx, "xdrip-poller", func(ctx context.Context) {
		ticker := time.NewTicker(a.opts.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if a.suppressed.Load() {
					continue // permission failure: wait for Refresh
				}
				a.poll(ctx)
			}
		}
	})
	return nil
}

// Refresh clears a permission suppression and forces an immediate poll.
func (a *Adapter) Refresh(ctx context.Context) {
	a.suppressed.Store(false)
	a.poll(ctx)
}

// Close stops polling and closes the output streams. The availability
// signal ends in a deterministic "unavailable" state.
func (a *Adapter) Close() {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	a.setAvailable(false)
	a.readings.Close()
	a.connEvents.Close()
}

// poll fetches the latest rows and emits the ones not seen yet, oldest
// first. Deltas are simple differences against the previous accepted
// reading at load time, not a signal-processing filter.
func (a *Adapter) poll(ctx context.Context) {
	entries, err := a.client.Latest(ctx, a.opts.QueryCount)
	if err != nil {
		var perm *PermissionError
		if errors.As(err, &perm) {
			a.logger.WithField("status", perm.StatusCode).Warn("xdrip permission failure, suppressing polls until refresh")
			a.suppressed.Store(true)
		} else {
			a.logger.WithField("error", err).Warn("xdrip poll failed")
		}
		a.setAvailable(false)
		return
	}

	now := time.Now()

	a.mu.Lock()
	a.lastPoll = now

	// Rows arrive newest first; walk backwards to emit chronologically.
	var fresh []glucose.Reading
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.Date <= a.lastTimestamp {
			continue
		}
		value := e.Value()
		delta := 0.0
		if a.haveValue {
			delta = value - a.lastValue
		}
		a.lastValue = value
		a.haveValue = true
		a.lastTimestamp = e.Date

		fresh = append(fresh, glucose.Reading{
			Value:     value,
			Timestamp: e.Date,
			Unit:      glucose.UnitMgDL,
			Trend:     glucose.TrendFromDirection(e.Direction),
			Source:    glucose.SourceExternal,
			Delta:     delta,
		})
	}
	a.mu.Unlock()

	a.setAvailable(true)

	for _, r := range fresh {
		a.readings.Send(r)
	}
	if len(fresh) > 0 {
		a.logger.WithField("count", len(fresh)).Debug("Emitted xdrip readings")
	}
}

func (a *Adapter) setAvailable(up bool) {
	if a.available.Swap(up) != up {
		a.connEvents.Send(up)
	}
}
