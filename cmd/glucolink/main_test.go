package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/srg/glucolink/internal/device"
	"github.com/srg/glucolink/internal/xdrip"
)

func TestFormatVersion(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{input: "1.2.3", expected: "v1.2.3"},
		{input: "v1.2.3", expected: "v1.2.3"},
		{input: "dev", expected: "dev"},
		{input: "", expected: ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, formatVersion(tt.input))
	}
}

func TestFormatUserError(t *testing.T) {
	assert.Empty(t, FormatUserError(nil))

	assert.Contains(t, FormatUserError(device.ErrRadioOff), "Bluetooth is unavailable")
	assert.Contains(t, FormatUserError(fmt.Errorf("scan: %w", device.ErrRadioOff)), "Bluetooth is unavailable")
	assert.Contains(t, FormatUserError(device.ErrNotConnected), "not connected")
	assert.Contains(t, FormatUserError(device.ErrAlreadyConnected), "already connected")
	assert.Contains(t, FormatUserError(&xdrip.PermissionError{StatusCode: 401}), "api-secret")

	plain := errors.New("something else entirely")
	assert.Equal(t, plain.Error(), FormatUserError(plain))
}
