package gatt

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/glucolink/internal/glucose"
)

func TestDecodeRejectsShortPayloads(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "nil", data: nil},
		{name: "empty", data: []byte{}},
		{name: "flags only", data: []byte{0x00}},
		{name: "five bytes", data: []byte{0x00, 0x01, 0x00, 0x00, 0x00}},
		{name: "eleven bytes", data: make([]byte, 11)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := Decode(tt.data)
			assert.False(t, ok)
		})
	}
}

func TestDecodeMeasurement(t *testing.T) {
	data := make([]byte, 12)
	data[0] = 0x00
	binary.LittleEndian.PutUint16(data[1:3], 42)
	binary.LittleEndian.PutUint16(data[10:12], 120) // exponent 0

	m, ok := Decode(data)
	require.True(t, ok)
	assert.Equal(t, uint16(42), m.Sequence)
	assert.Equal(t, 120.0, m.Value)
	assert.Equal(t, glucose.UnitMgDL, m.Unit)
}

func TestDecodeUnitFlag(t *testing.T) {
	data := make([]byte, 12)
	data[0] = 1 << 2
	binary.LittleEndian.PutUint16(data[10:12], 7)

	m, ok := Decode(data)
	require.True(t, ok)
	assert.Equal(t, glucose.UnitMmolL, m.Unit)
}

func TestDecodeIgnoresExtraBytes(t *testing.T) {
	data := make([]byte, 17)
	binary.LittleEndian.PutUint16(data[1:3], 9)
	binary.LittleEndian.PutUint16(data[10:12], 250)

	m, ok := Decode(data)
	require.True(t, ok)
	assert.Equal(t, uint16(9), m.Sequence)
	assert.Equal(t, 250.0, m.Value)
}

func TestDecodeSFloatExponents(t *testing.T) {
	tests := []struct {
		name     string
		raw      uint16
		expected float64
	}{
		{name: "exponent 0", raw: 0x0078, expected: 120},
		{name: "exponent +1", raw: 0x100C, expected: 120},
		{name: "exponent -1 (0xF)", raw: 0xF4B0, expected: 120},
		{name: "max mantissa", raw: 0x0FFF, expected: 4095},
		{name: "zero", raw: 0x0000, expected: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, decodeSFloat(tt.raw), 1e-9)
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, value := range []float64{0, 1, 40, 120, 342, 600, 4095} {
		data := Encode(value, 7, glucose.UnitMgDL)
		require.Len(t, data, 12)

		m, ok := Decode(data)
		require.True(t, ok)
		assert.Equal(t, value, m.Value)
		assert.Equal(t, uint16(7), m.Sequence)
		assert.Equal(t, glucose.UnitMgDL, m.Unit)
	}
}

func TestEncodeClampsMantissa(t *testing.T) {
	m, ok := Decode(Encode(99999, 1, glucose.UnitMgDL))
	require.True(t, ok)
	assert.Equal(t, float64(MaxMantissa), m.Value)

	m, ok = Decode(Encode(-5, 1, glucose.UnitMgDL))
	require.True(t, ok)
	assert.Equal(t, 0.0, m.Value)
}

func TestEncodeUnitFlag(t *testing.T) {
	m, ok := Decode(Encode(6, 1, glucose.UnitMmolL))
	require.True(t, ok)
	assert.Equal(t, glucose.UnitMmolL, m.Unit)
}

func TestDecodeBroadcast(t *testing.T) {
	v, ok := DecodeBroadcast([]byte{118})
	require.True(t, ok)
	assert.Equal(t, 118.0, v)

	v, ok = DecodeBroadcast([]byte{95, 0xFF, 0xFF})
	require.True(t, ok)
	assert.Equal(t, 95.0, v)

	_, ok = DecodeBroadcast(nil)
	assert.False(t, ok)
}
