// Package blesource adapts a BLE glucose peripheral into a uniform reading
// stream. Peripherals come in two shapes: connectable GATT servers exposing
// the Glucose Service, and connectionless broadcasters carrying a raw value
// in custom service data. Both feed the same output stream.
package blesource

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ble/ble"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/glucolink/internal/device"
	"github.com/srg/glucolink/internal/gatt"
	"github.com/srg/glucolink/internal/glucose"
	"github.com/srg/glucolink/internal/groutine"
	"github.com/srg/glucolink/internal/stream"
)

// State is the adapter's connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateScanning
	StateConnecting
	StateConnected
	StateDiscovering
	StateSubscribed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDiscovering:
		return "discovering_services"
	case StateSubscribed:
		return "subscribed"
	default:
		return "unknown"
	}
}

// Options configures the adapter.
type Options struct {
	// ScanWindow bounds a scan; the scan stops on its own if no matching
	// peripheral shows up within it.
	ScanWindow     time.Duration `default:"10s"`
	ConnectTimeout time.Duration `default:"15s"`
	// BufferCap caps the recent-readings buffer (oldest evicted).
	BufferCap int `default:"20"`
	// StreamCap sizes the outbound reading channel.
	StreamCap int `default:"64"`
	// AddressFilter, when set, restricts matching to one peripheral address.
	AddressFilter string
}

// DefaultOptions returns the standard adapter options.
func DefaultOptions() *Options {
	o := &Options{}
	defaults.SetDefaults(o)
	return o
}

// Adapter owns the scan/connect/subscribe lifecycle for one glucose
// peripheral. It is the sole mutator of its own state; consumers observe
// through Readings, ConnectionEvents, and snapshot getters only.
type Adapter struct {
	logger *logrus.Logger
	opts   *Options

	mu         sync.Mutex
	state      State
	client     ble.Client
	scanCancel context.CancelFunc
	recent     []glucose.Reading
	lastValue  float64
	lastUpdate time.Time

	available atomic.Bool // radio usable (enabled + permitted)
	connected atomic.Bool

	readings   *stream.RingChannel[glucose.Reading]
	connEvents *stream.RingChannel[bool]
}

// New creates a BLE source adapter. A nil logger gets a fresh logrus.Logger;
// nil options get DefaultOptions.
func New(logger *logrus.Logger, opts *Options) *Adapter {
	if logger == nil {
		logger = logrus.New()
	}
	if opts == nil {
		opts = DefaultOptions()
	}
	a := &Adapter{
		logger:     logger,
		opts:       opts,
		state:      StateDisconnected,
		readings:   stream.NewRingChannel[glucose.Reading](opts.StreamCap),
		connEvents: stream.NewRingChannel[bool](8),
	}
	a.available.Store(true)
	return a
}

// Source identifies this adapter's readings.
func (a *Adapter) Source() glucose.DataSource { return glucose.SourceWireless }

// Readings is the adapter's live reading stream.
func (a *Adapter) Readings() <-chan glucose.Reading { return a.readings.C() }

// ConnectionEvents emits true/false whenever the underlying link comes up
// or goes down.
func (a *Adapter) ConnectionEvents() <-chan bool { return a.connEvents.C() }

// Connected reports whether a peripheral link is currently up.
func (a *Adapter) Connected() bool { return a.connected.Load() }

// Available reports whether the radio is enabled and permitted. Callers
// are expected to check this before StartScan; a scan attempted while
// unavailable is silently blocked.
func (a *Adapter) Available() bool { return a.available.Load() }

// State returns the current lifecycle state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// LastUpdate returns the receipt time of the most recent reading, zero if
// none arrived yet.
func (a *Adapter) LastUpdate() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastUpdate
}

// Recent returns a snapshot of the bounded recent-readings buffer,
// oldest first.
func (a *Adapter) Recent() []glucose.Reading {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]glucose.Reading, len(a.recent))
	copy(out, a.recent)
	return out
}

// Start begins monitoring: it kicks off a scan and returns immediately.
// Transport failures degrade Available instead of surfacing an error.
func (a *Adapter) Start(ctx context.Context) error {
	a.StartScan(ctx)
	return nil
}

// StartScan scans for a glucose peripheral and auto-connects to the first
// match. It is a no-op if a scan is already running, a link is up, or the
// radio is unavailable. The scan stops on its own after the scan window.
func (a *Adapter) StartScan(ctx context.Context) {
	a.mu.Lock()
	if a.state != StateDisconnected || !a.available.Load() {
		a.mu.Unlock()
		return
	}

	dev, err := device.Factory()
	if err != nil {
		a.mu.Unlock()
		if device.IsRadioOff(err) {
			a.logger.WithField("error", err).Warn("Radio unavailable, scan blocked")
			a.available.Store(false)
			return
		}
		a.logger.WithField("error", err).Error("Failed to create BLE device")
		return
	}

	scanCtx, cancel := context.WithTimeout(ctx, a.opts.ScanWindow)
	a.scanCancel = cancel
	a.state = StateScanning
	a.mu.Unlock()

	a.logger.WithField("window", a.opts.ScanWindow).Info("Scanning for glucose peripheral...")

	groutine.Go(ctx, "ble-scan", func(ctx context.Context) {
		defer cancel()

		var matched atomic.Bool
		err := dev.Scan(scanCtx, false, func(adv ble.Advertisement) {
			a.handleAdvertisement(ctx, scanCtx, dev, adv, &matched)
		})
		if err != nil && scanCtx.Err() == nil {
			a.logger.WithField("error", device.NormalizeError(err)).Warn("Scan failed")
		}

		a.mu.Lock()
		if a.state == StateScanning {
			// Window elapsed with no match.
			a.state = StateDisconnected
			a.scanCancel = nil
			a.mu.Unlock()
			a.logger.Info("Scan window elapsed, no glucose peripheral found")
			return
		}
		a.mu.Unlock()
	})
}

// StopScan cancels a running scan. Idempotent.
func (a *Adapter) StopScan() {
	a.mu.Lock()
	cancel := a.scanCancel
	if a.state == StateScanning {
		a.state = StateDisconnected
	}
	a.scanCancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// handleAdvertisement applies the first-match policy: the first peripheral
// that either advertises the Glucose Service or carries broadcast service
// data wins. Signal strength is not considered.
func (a *Adapter) handleAdvertisement(ctx, scanCtx context.Context, dev ble.Device, adv ble.Advertisement, matched *atomic.Bool) {
	if a.opts.AddressFilter != "" && adv.Addr().String() != a.opts.AddressFilter {
		return
	}

	// Connectionless broadcasters deliver the value right in the
	// advertisement; no connection needed.
	for _, sd := range adv.ServiceData() {
		if sd.UUID.Equal(gatt.BroadcastServiceUUID) {
			if value, ok := gatt.DecodeBroadcast(sd.Data); ok {
				a.publish(value, glucose.UnitMgDL)
			}
			return
		}
	}

	if !advertisesGlucoseService(adv) {
		return
	}
	if !matched.CompareAndSwap(false, true) {
		return // first match already taken
	}

	a.logger.WithFields(logrus.Fields{
		"address": adv.Addr().String(),
		"name":    adv.LocalName(),
		"rssi":    adv.RSSI(),
	}).Info("Glucose peripheral discovered")

	a.mu.Lock()
	if a.state != StateScanning {
		a.mu.Unlock()
		return
	}
	a.state = StateConnecting
	cancel := a.scanCancel
	a.scanCancel = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel() // stop the scan before dialing
	}

	addr := adv.Addr()
	groutine.Go(ctx, "ble-connect", func(ctx context.Context) {
		a.connect(ctx, dev, addr)
	})
}

// connect dials the peripheral, discovers the glucose service, and
// subscribes to measurement notifications.
func (a *Adapter) connect(ctx context.Context, dev ble.Device, addr ble.Addr) {
	dialCtx, cancel := context.WithTimeout(ctx, a.opts.ConnectTimeout)
	defer cancel()

	client, err := dev.Dial(dialCtx, addr)
	if err != nil {
		a.logger.WithFields(logrus.Fields{
			"address": addr.String(),
			"error":   device.NormalizeError(err),
		}).Warn("Failed to connect to glucose peripheral")
		a.setDisconnected()
		return
	}

	a.mu.Lock()
	a.client = client
	a.state = StateConnected
	a.mu.Unlock()
	a.setConnected(true)
	a.logger.WithField("address", addr.String()).Info("Glucose peripheral connected")

	a.mu.Lock()
	a.state = StateDiscovering
	a.mu.Unlock()

	char, err := a.findMeasurementCharacteristic(client)
	if err != nil {
		a.logger.WithField("error", err).Warn("Service discovery failed")
		a.teardown(client)
		return
	}

	// go-ble writes the CCCD (0x2902) as part of Subscribe.
	if err := client.Subscribe(char, false, a.handleNotification); err != nil {
		a.logger.WithField("error", device.NormalizeError(err)).Warn("Failed to enable measurement notifications")
		a.teardown(client)
		return
	}

	a.mu.Lock()
	a.state = StateSubscribed
	a.mu.Unlock()
	a.logger.Info("Subscribed to glucose measurements")

	// Any radio error surfaces as a closed Disconnected channel.
	groutine.Go(ctx, "ble-disconnect-watch", func(ctx context.Context) {
		select {
		case <-client.Disconnected():
			a.logger.Info("Glucose peripheral link lost")
			a.setDisconnected()
		case <-ctx.Done():
		}
	})
}

func (a *Adapter) findMeasurementCharacteristic(client ble.Client) (*ble.Characteristic, error) {
	profile, err := client.DiscoverProfile(true)
	if err != nil {
		return nil, device.NormalizeError(err)
	}
	for _, svc := range profile.Services {
		if !svc.UUID.Equal(gatt.ServiceUUID) {
			continue
		}
		for _, char := range svc.Characteristics {
			if char.UUID.Equal(gatt.MeasurementUUID) {
				return char, nil
			}
		}
	}
	return nil, &device.ConnectionError{State: device.NotConnected, Msg: "peripheral has no glucose measurement characteristic"}
}

// handleNotification decodes one measurement payload. Malformed or
// too-short payloads are wire noise: dropped with a debug line, never an
// error.
func (a *Adapter) handleNotification(data []byte) {
	m, ok := gatt.Decode(data)
	if !ok {
		a.logger.WithField("len", len(data)).Debug("Dropping malformed measurement payload")
		return
	}
	a.logger.WithFields(logrus.Fields{
		"seq":   m.Sequence,
		"value": m.Value,
		"unit":  m.Unit.String(),
	}).Debug("Glucose measurement received")
	a.publish(m.Value, m.Unit)
}

// publish stamps a reading at receipt time, computes the delta against the
// previous wireless reading, appends it to the bounded buffer, and emits it.
func (a *Adapter) publish(value float64, unit glucose.Unit) {
	now := time.Now()

	a.mu.Lock()
	delta := 0.0
	if a.lastValue != 0 {
		delta = value - a.lastValue
	}
	a.lastValue = value
	a.lastUpdate = now

	r := glucose.Reading{
		Value:     value,
		Timestamp: now.UnixMilli(),
		Unit:      unit,
		Trend:     glucose.TrendUnknown,
		Source:    glucose.SourceWireless,
		Delta:     delta,
	}
	a.recent = append(a.recent, r)
	if len(a.recent) > a.opts.BufferCap {
		a.recent = a.recent[len(a.recent)-a.opts.BufferCap:]
	}
	a.mu.Unlock()

	a.readings.Send(r)
}

// Refresh is the corrective action hook: if no link is up and nothing is
// in flight, start a fresh scan.
func (a *Adapter) Refresh(ctx context.Context) {
	if a.connected.Load() {
		return
	}
	a.available.Store(true) // retry even after a radio-off verdict
	a.StartScan(ctx)
}

// Disconnect tears down the link. Idempotent.
func (a *Adapter) Disconnect() {
	a.StopScan()
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		a.setDisconnected()
		return
	}
	a.teardown(client)
}

// Close disconnects and closes the output streams.
func (a *Adapter) Close() {
	a.Disconnect()
	a.readings.Close()
	a.connEvents.Close()
}

func (a *Adapter) teardown(client ble.Client) {
	if err := client.CancelConnection(); err != nil {
		a.logger.WithField("error", err).Debug("CancelConnection reported an error")
	}
	a.setDisconnected()
}

func (a *Adapter) setDisconnected() {
	a.mu.Lock()
	a.client = nil
	a.state = StateDisconnected
	a.mu.Unlock()
	a.setConnected(false)
}

func (a *Adapter) setConnected(up bool) {
	if a.connected.Swap(up) != up {
		a.connEvents.Send(up)
	}
}

func advertisesGlucoseService(adv ble.Advertisement) bool {
	for _, u := range adv.Services() {
		if u.Equal(gatt.ServiceUUID) {
			return true
		}
	}
	return false
}

// SimulateNotification feeds a raw measurement payload through the decode
// path. Test hook, mirroring the production notification callback.
func (a *Adapter) SimulateNotification(data []byte) {
	a.handleNotification(data)
}
