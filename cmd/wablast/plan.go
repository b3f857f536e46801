package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/wablast/internal/pacing"
)

var (
	planTargets   int
	planType      string
	planDelay     int
	planRandomize bool
	planBatch     int
	planPause     int
	planAttempts  int
	planFailures  int
	planShow      int
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the pacing plan for a broadcast",
	Long: `Compute the pacing plan for a target count without sending anything.

Examples:
  wablast plan --targets 300
  wablast plan --targets 120 --type manual --delay 8 --batch 20 --pause 120
  wablast plan --targets 300 --type adaptive --attempts 100 --failures 20`,
	RunE: runPlan,
}

func init() {
	planCmd.Flags().IntVar(&planTargets, "targets", 0, "Number of recipients (required)")
	planCmd.Flags().StringVar(&planType, "type", "auto", "Delay type: auto, manual, adaptive")
	planCmd.Flags().IntVar(&planDelay, "delay", 0, "Delay between messages in seconds (manual)")
	planCmd.Flags().BoolVar(&planRandomize, "randomize", false, "Randomize delays (manual)")
	planCmd.Flags().IntVar(&planBatch, "batch", 0, "Batch size (manual)")
	planCmd.Flags().IntVar(&planPause, "pause", 0, "Pause between batches in seconds (manual)")
	planCmd.Flags().IntVar(&planAttempts, "attempts", 0, "Recent send attempts (adaptive)")
	planCmd.Flags().IntVar(&planFailures, "failures", 0, "Recent send failures (adaptive)")
	planCmd.Flags().IntVar(&planShow, "show", 0, "Print the waits before the first N messages")
	planCmd.MarkFlagRequired("targets")

	rootCmd.AddCommand(planCmd)
}

func runPlan(cmd *cobra.Command, args []string) error {
	// the configured tier table is used when a config file is given
	var table *pacing.Table
	if cfgFile != "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		t := cfg.PacingTable()
		table = &t
	}
	planner, err := pacing.NewPlanner(table)
	if err != nil {
		return fmt.Errorf("invalid pacing table: %w", err)
	}

	policy := pacing.Policy{
		Type:                pacing.DelayType(planType),
		DelaySeconds:        planDelay,
		RandomizeDelay:      planRandomize,
		BatchSize:           planBatch,
		PauseBetweenBatches: planPause,
	}
	if planAttempts > 0 {
		policy.Feedback = &pacing.Feedback{Attempts: planAttempts, Failures: planFailures}
	}

	plan, err := buildPlan(planner, planTargets, policy)
	if err != nil {
		return err
	}
	printPlan(os.Stdout, plan, planTargets, planShow)
	return nil
}

func buildPlan(planner *pacing.Planner, targets int, policy pacing.Policy) (pacing.Plan, error) {
	if targets < 1 {
		return pacing.Plan{}, fmt.Errorf("--targets must be at least 1")
	}
	if err := pacing.ValidateManual(targets, policy); err != nil {
		return pacing.Plan{}, err
	}
	return planner.Plan(targets, policy)
}

func printPlan(out io.Writer, plan pacing.Plan, targets, show int) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Targets:\t%d\n", targets)
	fmt.Fprintf(w, "Delay type:\t%s\n", plan.DelayType)
	if plan.Randomized() {
		fmt.Fprintf(w, "Delay:\t%ds ±%.0f%%\n", plan.DelaySeconds, plan.Jitter*100)
	} else {
		fmt.Fprintf(w, "Delay:\t%ds\n", plan.DelaySeconds)
	}
	fmt.Fprintf(w, "Batch size:\t%d\n", plan.BatchSize)
	fmt.Fprintf(w, "Pause:\t%ds\n", plan.PauseSeconds)
	fmt.Fprintf(w, "Batches:\t%d\n", plan.Batches(targets))
	fmt.Fprintf(w, "Estimate:\t%s\n", plan.Estimate(targets))
	fmt.Fprintf(w, "Risk:\t%s\n", plan.Risk)
	w.Flush()

	if show <= 0 {
		return
	}
	fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tWAIT")
	for i := range min(show, targets) {
		fmt.Fprintf(w, "%d\t%s\n", i+1, plan.WaitBefore(i, nil).Round(100*time.Millisecond))
	}
	w.Flush()
}
