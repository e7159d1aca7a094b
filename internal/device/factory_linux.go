//go:build linux

package device

import (
	"fmt"
	"strings"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

// Factory creates ble.Device instances (overridden in tests).
var Factory = func() (ble.Device, error) {
	dev, err := linux.NewDevice()
	if err != nil {
		// HCI bring-up fails with EPERM without CAP_NET_ADMIN and with
		// "can't down device"/"rfkill" when the adapter is soft-blocked.
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "operation not permitted") ||
			strings.Contains(msg, "rfkill") ||
			strings.Contains(msg, "no devices available") {
			return nil, fmt.Errorf("%w: %v", ErrRadioOff, err)
		}
		return nil, err
	}
	return dev, nil
}
