package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/srg/glucolink/internal/blesource"
	"github.com/srg/glucolink/internal/config"
	"github.com/srg/glucolink/internal/glucose"
	"github.com/srg/glucolink/internal/health"
	"github.com/srg/glucolink/internal/manager"
	"github.com/srg/glucolink/internal/validate"
	"github.com/srg/glucolink/internal/xdrip"
)

// monitorCmd represents the monitor command
var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Run the multi-source glucose monitor",
	Long: `Starts both source adapters, the failover manager, the health monitor,
and the reading validator, then streams validated readings to stdout
until interrupted.

Configuration comes from glucolink.yaml (or --config), with GLUCOLINK_*
environment variables and command-line flags layered on top.

Examples:
  # Automatic source selection
  glucolink monitor

  # Pin the external source, expose Prometheus metrics
  glucolink monitor --source external --metrics-listen :9090

  # Machine-readable output
  glucolink monitor --json --log-level warn`,
	RunE: runMonitor,
}

var (
	monitorConfigPath    string
	monitorSource        string
	monitorXDripURL      string
	monitorMetricsListen string
	monitorJSON          bool
)

func init() {
	monitorCmd.Flags().StringVarP(&monitorConfigPath, "config", "c", "", "Config file path")
	monitorCmd.Flags().StringVar(&monitorSource, "source", "", "Preferred source (external, wireless, auto)")
	monitorCmd.Flags().StringVar(&monitorXDripURL, "xdrip-url", "", "xDrip web service URL")
	monitorCmd.Flags().StringVar(&monitorMetricsListen, "metrics-listen", "", "Prometheus listen address (e.g. :9090)")
	monitorCmd.Flags().BoolVar(&monitorJSON, "json", false, "Emit readings as JSON lines")
	monitorCmd.Flags().BoolP("verbose", "V", false, "Verbose output")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}

	cfg, err := config.Load(monitorConfigPath)
	if err != nil {
		return err
	}
	// Flags win over file and environment.
	if monitorSource != "" {
		cfg.Source = monitorSource
	}
	if monitorXDripURL != "" {
		cfg.XDrip.URL = monitorXDripURL
	}
	if monitorMetricsListen != "" {
		cfg.Server.MetricsListen = monitorMetricsListen
	}

	preferred, err := glucose.ParseDataSource(cfg.Source)
	if err != nil {
		return err
	}

	if !term.IsTerminal(int(os.Stdout.Fd())) {
		color.NoColor = true
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := xdrip.NewClient(cfg.XDrip.URL, cfg.XDrip.APISecret, cfg.XDrip.Timeout, logger)
	external := xdrip.NewAdapter(client, logger, &xdrip.Options{
		PollInterval: cfg.XDrip.PollInterval,
		QueryCount:   cfg.XDrip.QueryCount,
		StreamCap:    64,
	})
	wireless := blesource.New(logger, &blesource.Options{
		ScanWindow:     cfg.BLE.ScanWindow,
		ConnectTimeout: cfg.BLE.ConnectTimeout,
		AddressFilter:  cfg.BLE.AddressFilter,
		BufferCap:      20,
		StreamCap:      64,
	})

	mgr := manager.New(external, wireless, logger, nil)
	mon := health.New(mgr, logger, &health.Options{
		CheckInterval:    cfg.Health.CheckInterval,
		SourceFreshness:  5 * time.Minute,
		ReconnectCeiling: cfg.Health.ReconnectCeiling,
		HistoryCap:       64,
	})
	validator := validate.New(logger, nil)

	if cfg.Server.MetricsListen != "" {
		startMetricsServer(ctx, cfg.Server.MetricsListen, logger)
	}

	if err := mgr.StartMonitoring(ctx, preferred); err != nil {
		return err
	}
	defer mgr.StopMonitoring()
	mon.Start(ctx)

	fmt.Printf("Monitoring (preferred: %s). Ctrl+C to stop.\n\n", preferred)

	validated := validator.Run(ctx, mgr.Readings())
	for {
		select {
		case <-ctx.Done():
			printMonitorSummary(mon, validator)
			return nil
		case src, ok := <-mgr.ActiveEvents():
			if !ok {
				continue
			}
			fmt.Printf("%s active source is now %s\n",
				color.YellowString("switch:"), src)
		case vr, ok := <-validated:
			if !ok {
				printMonitorSummary(mon, validator)
				return nil
			}
			printReading(vr)
		}
	}
}

func printReading(vr validate.ValidatedReading) {
	if monitorJSON {
		line, err := json.Marshal(vr)
		if err == nil {
			fmt.Println(string(line))
		}
		return
	}

	paint := color.New(color.FgGreen)
	switch vr.Confidence {
	case validate.ConfidenceMedium:
		paint = color.New(color.FgYellow)
	case validate.ConfidenceLow, validate.ConfidenceVeryLow:
		paint = color.New(color.FgRed)
	}

	r := vr.Reading
	line := fmt.Sprintf("%s  %6.1f %s %s  [%s]  %s",
		r.Time().Format("15:04:05"),
		vr.ProcessedValue, r.Unit, r.Trend.Arrow(),
		r.Source, vr.Confidence)
	if !vr.Valid {
		line += fmt.Sprintf("  rejected (raw %.1f)", r.Value)
	}
	for _, e := range vr.Errors {
		line += "  " + string(e)
	}
	paint.Println(line)
}

func printMonitorSummary(mon *health.Monitor, validator *validate.Validator) {
	fmt.Println("\nHealth:")
	for pair := mon.Summary().Oldest(); pair != nil; pair = pair.Next() {
		fmt.Printf("  %-22s %s\n", pair.Key, pair.Value)
	}
	fmt.Println("Validation:")
	for pair := validator.Summary().Oldest(); pair != nil; pair = pair.Next() {
		fmt.Printf("  %-22s %s\n", pair.Key, pair.Value)
	}
}

// startMetricsServer exposes /metrics on addr for the lifetime of ctx.
func startMetricsServer(ctx context.Context, addr string, logger *logrus.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		logger.WithField("addr", addr).Info("Metrics endpoint listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithField("error", err).Warn("Metrics endpoint failed")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}
