// Package gatt implements the wire codec for the Bluetooth SIG Glucose
// Measurement characteristic (0x2A18). Pure functions, no I/O.
package gatt

import (
	"encoding/binary"
	"math"

	"github.com/go-ble/ble"

	"github.com/srg/glucolink/internal/glucose"
)

// Bluetooth SIG assigned numbers for the Glucose profile.
var (
	// ServiceUUID is the Glucose Service (0x1808).
	ServiceUUID = ble.UUID16(0x1808)
	// MeasurementUUID is the Glucose Measurement characteristic (0x2A18).
	MeasurementUUID = ble.UUID16(0x2A18)
	// CCCDUUID is the Client Characteristic Configuration descriptor (0x2902).
	CCCDUUID = ble.UUID16(0x2902)

	// BroadcastServiceUUID is the custom 128-bit service-data UUID used by
	// the connectionless test peripheral. Its service data carries a single
	// raw byte of glucose value in mg/dL. Not part of the SIG profile.
	BroadcastServiceUUID = ble.MustParse("f97c0d1e-5c5b-4a28-9f2e-bd2a1e571808")
)

// Measurement payload layout:
//
//	byte 0      flags bitmap (bit 2: unit is mmol/L)
//	bytes 1-2   sequence number, little-endian
//	bytes 3-9   base time (extracted, unused; receipt time wins downstream)
//	bytes 10-11 concentration as SFLOAT16
const (
	flagUnitMmolL = 1 << 2

	measurementLen = 12

	// MaxMantissa is the largest value the 12-bit SFLOAT mantissa can carry.
	MaxMantissa = 0x0FFF
)

// Measurement is a decoded Glucose Measurement notification.
type Measurement struct {
	Sequence uint16
	Value    float64
	Unit     glucose.Unit
	Flags    byte
	// BaseTime is the raw 7-byte base-time field. Kept for completeness;
	// downstream consumers stamp readings at receipt time instead.
	BaseTime [7]byte
}

// Decode parses a Glucose Measurement payload. It returns ok=false for
// buffers too short to carry a concentration value; short payloads are
// wire noise and must be skipped silently, not surfaced as errors.
func Decode(data []byte) (Measurement, bool) {
	if len(data) < measurementLen {
		return Measurement{}, false
	}

	m := Measurement{
		Flags:    data[0],
		Sequence: binary.LittleEndian.Uint16(data[1:3]),
		Unit:     glucose.UnitMgDL,
	}
	if m.Flags&flagUnitMmolL != 0 {
		m.Unit = glucose.UnitMmolL
	}
	copy(m.BaseTime[:], data[3:10])

	m.Value = decodeSFloat(binary.LittleEndian.Uint16(data[10:12]))
	return m, true
}

// Encode packs a whole-unit glucose value into a measurement payload.
// The mantissa is clamped to [0, MaxMantissa] and the exponent fixed to 0,
// so fractional values are truncated. This is a deliberately lossy encoder
// for test-fixture peripherals, not a general SFLOAT packer.
func Encode(value float64, sequence uint16, unit glucose.Unit) []byte {
	mantissa := uint16(0)
	switch {
	case value >= MaxMantissa:
		mantissa = MaxMantissa
	case value > 0:
		mantissa = uint16(value)
	}

	buf := make([]byte, measurementLen)
	if unit == glucose.UnitMmolL {
		buf[0] |= flagUnitMmolL
	}
	binary.LittleEndian.PutUint16(buf[1:3], sequence)
	// bytes 3-9: base time left zeroed
	binary.LittleEndian.PutUint16(buf[10:12], mantissa) // exponent nibble = 0
	return buf
}

// decodeSFloat expands a 16-bit short float: low 12 bits are an unsigned
// mantissa, high 4 bits a signed exponent, value = mantissa * 10^exponent.
func decodeSFloat(raw uint16) float64 {
	mantissa := float64(raw & 0x0FFF)
	exponent := int(raw >> 12)
	if exponent > 7 {
		exponent -= 16
	}
	return mantissa * math.Pow10(exponent)
}

// DecodeBroadcast extracts a glucose value from the test peripheral's
// connectionless service data: a single raw byte in mg/dL.
func DecodeBroadcast(data []byte) (float64, bool) {
	if len(data) < 1 {
		return 0, false
	}
	return float64(data[0]), true
}
