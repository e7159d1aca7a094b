package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/go-ble/ble"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/srg/glucolink/internal/device"
	"github.com/srg/glucolink/internal/gatt"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Discover glucose-capable BLE peripherals",
	Long: `Scans for BLE peripherals advertising the Glucose Service (0x1808) or
carrying broadcast glucose service data, and lists what it finds.

Examples:
  # Default 10 second scan
  glucolink scan

  # Longer scan with debug logging
  glucolink scan --duration 30s --log-level debug`,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanAll      bool
)

func init() {
	scanCmd.Flags().DurationVar(&scanDuration, "duration", 10*time.Second, "Scan duration")
	scanCmd.Flags().BoolVar(&scanAll, "all", false, "List every peripheral, not just glucose-capable ones")
	scanCmd.Flags().BoolP("verbose", "V", false, "Verbose output")
}

func runScan(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}

	if !term.IsTerminal(int(os.Stdout.Fd())) {
		color.NoColor = true
	}

	dev, err := device.Factory()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), scanDuration)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Scanning for %s...\n\n", scanDuration)

	seen := map[string]bool{}
	err = dev.Scan(ctx, false, func(adv ble.Advertisement) {
		addr := adv.Addr().String()
		if seen[addr] {
			return
		}

		glucoseCapable := false
		for _, u := range adv.Services() {
			if u.Equal(gatt.ServiceUUID) {
				glucoseCapable = true
			}
		}
		broadcast := false
		for _, sd := range adv.ServiceData() {
			if sd.UUID.Equal(gatt.BroadcastServiceUUID) {
				broadcast = true
			}
		}
		if !glucoseCapable && !broadcast && !scanAll {
			return
		}
		seen[addr] = true

		name := adv.LocalName()
		if name == "" {
			name = "(unnamed)"
		}
		kind := ""
		switch {
		case glucoseCapable:
			kind = color.GreenString("glucose service")
		case broadcast:
			kind = color.CyanString("glucose broadcast")
		}
		fmt.Printf("%-20s  %-24s  rssi=%-4d  %s\n", addr, name, adv.RSSI(), kind)
		logger.WithField("address", addr).Debug("Peripheral listed")
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return device.NormalizeError(err)
	}

	fmt.Printf("\n%d peripheral(s) found\n", len(seen))
	return nil
}
