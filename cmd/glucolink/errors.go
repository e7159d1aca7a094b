package main

import (
	"errors"

	"github.com/srg/glucolink/internal/device"
	"github.com/srg/glucolink/internal/xdrip"
)

// FormatUserError turns internal errors into actionable messages.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, device.ErrRadioOff):
		return "Bluetooth is unavailable - enable the adapter (and check permissions) and retry"
	case errors.Is(err, device.ErrNotConnected):
		return "not connected to a glucose peripheral"
	case errors.Is(err, device.ErrAlreadyConnected):
		return "already connected to a glucose peripheral"
	}

	var perm *xdrip.PermissionError
	if errors.As(err, &perm) {
		return "xDrip rejected the request - set the correct api-secret (Settings > Inter-app > xDrip Web Service)"
	}

	return err.Error()
}
