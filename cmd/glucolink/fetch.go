package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/glucolink/internal/glucose"
	"github.com/srg/glucolink/internal/xdrip"
)

// fetchCmd represents the fetch command
var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch the latest readings from xDrip once",
	Long: `Performs a single query against the xDrip+ local web service and prints
the most recent readings. Useful for checking connectivity before
starting the monitor.

Examples:
  glucolink fetch
  glucolink fetch --url http://192.168.1.20:17580 --count 5 --json`,
	RunE: runFetch,
}

var (
	fetchURL    string
	fetchSecret string
	fetchCount  int
	fetchJSON   bool
)

func init() {
	fetchCmd.Flags().StringVar(&fetchURL, "url", "http://127.0.0.1:17580", "xDrip web service URL")
	fetchCmd.Flags().StringVar(&fetchSecret, "api-secret", "", "xDrip api-secret header")
	fetchCmd.Flags().IntVar(&fetchCount, "count", 20, "Maximum rows to fetch")
	fetchCmd.Flags().BoolVar(&fetchJSON, "json", false, "Print raw JSON rows")
	fetchCmd.Flags().BoolP("verbose", "V", false, "Verbose output")
}

func runFetch(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}

	client := xdrip.NewClient(fetchURL, fetchSecret, 10*time.Second, logger)
	entries, err := client.Latest(cmd.Context(), fetchCount)
	if err != nil {
		return err
	}

	if fetchJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	for _, e := range entries {
		trend := glucose.TrendFromDirection(e.Direction)
		fmt.Printf("%s  %6.1f mg/dL  %s %s\n",
			time.UnixMilli(e.Date).Format(time.RFC3339),
			e.Value(), trend.Arrow(), e.Direction)
	}
	fmt.Printf("\n%d reading(s)\n", len(entries))
	return nil
}
