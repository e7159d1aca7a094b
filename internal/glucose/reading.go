// Package glucose defines the reading model shared by the source adapters,
// the data-source manager, and the downstream validators.
package glucose

import (
	"fmt"
	"time"
)

// Unit is the concentration unit a reading is expressed in.
type Unit int

const (
	UnitMgDL  Unit = iota // mg/dL
	UnitMmolL             // mmol/L
)

func (u Unit) String() string {
	switch u {
	case UnitMgDL:
		return "mg/dL"
	case UnitMmolL:
		return "mmol/L"
	default:
		return fmt.Sprintf("unit(%d)", int(u))
	}
}

// Trend is the best-effort direction label attached to a reading.
type Trend int

const (
	TrendUnknown Trend = iota
	TrendDoubleUp
	TrendSingleUp
	TrendFortyFiveUp
	TrendFlat
	TrendFortyFiveDown
	TrendSingleDown
	TrendDoubleDown
)

var trendNames = map[Trend]string{
	TrendUnknown:       "Unknown",
	TrendDoubleUp:      "DoubleUp",
	TrendSingleUp:      "SingleUp",
	TrendFortyFiveUp:   "FortyFiveUp",
	TrendFlat:          "Flat",
	TrendFortyFiveDown: "FortyFiveDown",
	TrendSingleDown:    "SingleDown",
	TrendDoubleDown:    "DoubleDown",
}

func (t Trend) String() string {
	if name, ok := trendNames[t]; ok {
		return name
	}
	return "Unknown"
}

// TrendFromDirection maps the xDrip web-service "direction" label to a Trend.
// Unrecognized labels (including "NotComputable" and "NONE") map to TrendUnknown.
func TrendFromDirection(direction string) Trend {
	for t, name := range trendNames {
		if name == direction {
			return t
		}
	}
	return TrendUnknown
}

// Arrow returns a compact arrow glyph for terminal display.
func (t Trend) Arrow() string {
	switch t {
	case TrendDoubleUp:
		return "⇈"
	case TrendSingleUp:
		return "↑"
	case TrendFortyFiveUp:
		return "↗"
	case TrendFlat:
		return "→"
	case TrendFortyFiveDown:
		return "↘"
	case TrendSingleDown:
		return "↓"
	case TrendDoubleDown:
		return "⇊"
	default:
		return "·"
	}
}

// DataSource identifies where a reading came from, or which source the
// caller wants active. SourceAuto is a request mode only: it never appears
// on a Reading and never appears as the manager's active source.
type DataSource int

const (
	SourceExternal DataSource = iota // xDrip local web service
	SourceWireless                   // BLE glucose peripheral
	SourceAuto                       // automatic selection (request mode)
)

func (s DataSource) String() string {
	switch s {
	case SourceExternal:
		return "external"
	case SourceWireless:
		return "wireless"
	case SourceAuto:
		return "auto"
	default:
		return fmt.Sprintf("source(%d)", int(s))
	}
}

// ParseDataSource parses a CLI/config source name.
func ParseDataSource(s string) (DataSource, error) {
	switch s {
	case "external", "xdrip":
		return SourceExternal, nil
	case "wireless", "ble":
		return SourceWireless, nil
	case "auto":
		return SourceAuto, nil
	default:
		return 0, fmt.Errorf("invalid data source %q: use external, wireless, or auto", s)
	}
}

// Reading is an immutable glucose measurement as delivered by one source.
// Timestamp is wall-clock milliseconds since the Unix epoch (the unit used
// by the xDrip web service; BLE readings are stamped at receipt time).
type Reading struct {
	Value     float64
	Timestamp int64
	Unit      Unit
	Trend     Trend
	Source    DataSource
	// Delta is the difference from the previous reading of the same
	// source, 0 when unknown.
	Delta float64
}

// Time converts the millisecond timestamp to a time.Time.
func (r Reading) Time() time.Time {
	return time.UnixMilli(r.Timestamp)
}

// Age reports how old the reading is relative to now.
func (r Reading) Age(now time.Time) time.Duration {
	return now.Sub(r.Time())
}

func (r Reading) String() string {
	return fmt.Sprintf("%.1f %s %s (%s, %+.1f)", r.Value, r.Unit, r.Trend.Arrow(), r.Source, r.Delta)
}

// ConnectionStatus maps each concrete source to its current connectivity.
// It always carries exactly the two concrete sources; SourceAuto is never
// a key. Values are snapshots: mutate by building a new map.
type ConnectionStatus map[DataSource]bool

// NewConnectionStatus returns a status map with both sources disconnected.
func NewConnectionStatus() ConnectionStatus {
	return ConnectionStatus{SourceExternal: false, SourceWireless: false}
}

// With returns a copy with one source's connectivity replaced.
func (cs ConnectionStatus) With(source DataSource, connected bool) ConnectionStatus {
	next := ConnectionStatus{
		SourceExternal: cs[SourceExternal],
		SourceWireless: cs[SourceWireless],
	}
	if source == SourceExternal || source == SourceWireless {
		next[source] = connected
	}
	return next
}
