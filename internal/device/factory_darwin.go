//go:build darwin

package device

import (
	"fmt"
	"strings"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
)

// Factory creates ble.Device instances (overridden in tests).
var Factory = func() (ble.Device, error) {
	dev, err := darwin.NewDevice()
	if err != nil {
		// CoreBluetooth reports a disabled radio as an invalid central
		// manager state; have=4 is StatePoweredOff.
		if strings.Contains(err.Error(), "central manager has invalid state") {
			if strings.Contains(err.Error(), "have=4") {
				return nil, fmt.Errorf("%w: Bluetooth is turned off", ErrRadioOff)
			}
			return nil, fmt.Errorf("%w: Bluetooth is not ready: %v", ErrRadioOff, err)
		}
		return nil, err
	}
	return dev, nil
}
