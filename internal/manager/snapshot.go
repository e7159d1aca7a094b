package manager

import (
	"time"

	"github.com/srg/glucolink/internal/glucose"
)

// Snapshot is one consistent view of everything a switch decision may
// depend on. Both the one-shot fallback timers and the periodic
// re-evaluation tick build a Snapshot first and then call Decide, so the
// switching logic lives in exactly one place and never sees interleaved
// partial reads.
type Snapshot struct {
	Active    glucose.DataSource
	Preferred glucose.DataSource // concrete preference; AUTO prefers EXTERNAL
	AutoMode  bool

	ExternalConnected bool
	WirelessConnected bool

	// Last time each source produced data; zero if never.
	ExternalLastUpdate time.Time
	WirelessLastUpdate time.Time

	Now time.Time
}

// Decision is the outcome of evaluating a Snapshot.
type Decision struct {
	Next glucose.DataSource
	// RefreshBoth asks for a corrective refresh on both adapters without
	// changing the active source (both sources stale).
	RefreshBoth bool
	Reason      string
}

// Switched reports whether the decision changes the active source.
func (d Decision) Switched(s Snapshot) bool { return d.Next != s.Active }

// Decide evaluates the failover state machine on one snapshot.
//
// With EXTERNAL preferred (including AUTO mode): EXTERNAL wins whenever its
// last update is within externalWindow, regardless of the current active
// source; otherwise WIRELESS wins if connected; otherwise the active source
// stays and, with both sources stale, a refresh of both adapters is
// requested. WIRELESS preferred is symmetric with wirelessWindow.
func Decide(s Snapshot, externalWindow, wirelessWindow time.Duration) Decision {
	extFresh := within(s.ExternalLastUpdate, s.Now, externalWindow)
	wlFresh := within(s.WirelessLastUpdate, s.Now, wirelessWindow)

	if s.AutoMode || s.Preferred == glucose.SourceExternal {
		switch {
		case extFresh:
			return Decision{Next: glucose.SourceExternal, Reason: "external data fresh"}
		case s.WirelessConnected:
			return Decision{Next: glucose.SourceWireless, Reason: "external stale, wireless connected"}
		default:
			return Decision{Next: s.Active, RefreshBoth: !wlFresh, Reason: "both sources stale"}
		}
	}

	// WIRELESS preferred.
	switch {
	case wlFresh:
		return Decision{Next: glucose.SourceWireless, Reason: "wireless data fresh"}
	case s.ExternalConnected:
		return Decision{Next: glucose.SourceExternal, Reason: "wireless stale, external available"}
	default:
		return Decision{Next: s.Active, RefreshBoth: !extFresh, Reason: "both sources stale"}
	}
}

func within(last, now time.Time, window time.Duration) bool {
	return !last.IsZero() && now.Sub(last) <= window
}
