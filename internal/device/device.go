// Package device owns radio bring-up and the structured errors shared by
// everything that touches go-ble.
package device

import (
	"errors"
	"fmt"
	"strings"
)

// ConnectionState is the specific kind of connection-state failure.
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	RadioOff         ConnectionState = "radio_off"
)

// ConnectionError represents any connection-related problem.
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is lets errors.Is compare ConnectionError values by State.
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states.
var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrRadioOff         = &ConnectionError{State: RadioOff}
)

// ErrTimeout marks operations that ran out of time.
var ErrTimeout = errors.New("timeout")

// NormalizeError maps known go-ble error strings to structured errors so
// callers can branch on state even if upstream wording drifts slightly.
// The original error is preserved through wrapping.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "device not connected"):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	case strings.Contains(msg, "device already connected"):
		return fmt.Errorf("%w: %v", ErrAlreadyConnected, err)
	case strings.Contains(msg, "powered off"),
		strings.Contains(msg, "invalid state"),
		strings.Contains(msg, "operation not permitted"),
		strings.Contains(msg, "rfkill"):
		return fmt.Errorf("%w: %v", ErrRadioOff, err)
	default:
		return err
	}
}

// IsRadioOff reports whether err indicates the radio is disabled or the
// process lacks permission to use it. Both degrade availability rather
// than failing the caller.
func IsRadioOff(err error) bool {
	return errors.Is(err, ErrRadioOff)
}
