package main

import (
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foxzi/wablast/internal/config"
	"github.com/foxzi/wablast/internal/ratelimit"
)

var ratelimitCmd = &cobra.Command{
	Use:   "ratelimit",
	Short: "Rate limit commands",
}

var ratelimitShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show configured send quotas",
	RunE:  runRatelimitShow,
}

func init() {
	ratelimitCmd.AddCommand(ratelimitShowCmd)
	rootCmd.AddCommand(ratelimitCmd)
}

func runRatelimitShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	printRateLimits(os.Stdout, cfg.RateLimit)
	return nil
}

func printRateLimits(out io.Writer, rl config.RateLimitConfig) {
	fmt.Fprintln(out, "Rate Limiting Configuration")
	fmt.Fprintln(out, "===========================")
	fmt.Fprintf(out, "Enabled: %v\n\n", rl.Enabled)

	if !rl.Enabled {
		fmt.Fprintln(out, "Rate limiting is disabled")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LEVEL\tMESSAGES/HOUR\tMESSAGES/DAY")
	fmt.Fprintln(w, "-----\t-------------\t------------")
	limitRow(w, "Global", rl.Global)
	limitRow(w, "Per Device", rl.DefaultDevice)
	limitRow(w, "Per Recipient", rl.DefaultRecipient)
	w.Flush()

	if len(rl.Devices) == 0 {
		return
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Device Overrides:")
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tMESSAGES/HOUR\tMESSAGES/DAY")
	fmt.Fprintln(w, "------\t-------------\t------------")
	for _, id := range slices.Sorted(maps.Keys(rl.Devices)) {
		limitRow(w, id, rl.Devices[id])
	}
	w.Flush()
}

func limitRow(w io.Writer, name string, l *ratelimit.LimitConfig) {
	if l == nil {
		fmt.Fprintf(w, "%s\t-\t-\n", name)
		return
	}
	fmt.Fprintf(w, "%s\t%s\t%s\n", name, limitValue(l.MessagesPerHour), limitValue(l.MessagesPerDay))
}

func limitValue(n int) string {
	if n <= 0 {
		return "unlimited"
	}
	return fmt.Sprint(n)
}
