package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/foxzi/wablast/internal/models"
	"github.com/foxzi/wablast/internal/recurrence"
	"github.com/foxzi/wablast/internal/tz"
)

var (
	nextFile  string
	nextCount int
	nextAt    string
)

var nextCmd = &cobra.Command{
	Use:   "next",
	Short: "List upcoming fires of a campaign definition",
	Long: `Read a campaign definition from a YAML file and print its next fire times.

Example campaign.yaml:
  id: weekly-promo
  frequency: weekly
  days_of_week: [1, 3, 5]
  time_of_day: "09:00"
  timezone: Asia/Jakarta
  start_date: "2026-01-05"
  is_active: true`,
	RunE: runNext,
}

func init() {
	nextCmd.Flags().StringVarP(&nextFile, "file", "f", "", "Campaign YAML file (required)")
	nextCmd.Flags().IntVarP(&nextCount, "count", "n", 5, "Number of fires to list")
	nextCmd.Flags().StringVar(&nextAt, "at", "", "Reference time in RFC3339 (default: now)")
	nextCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(nextCmd)
}

func runNext(cmd *cobra.Command, args []string) error {
	c, err := loadCampaignFile(nextFile)
	if err != nil {
		return err
	}

	ref := time.Now()
	if nextAt != "" {
		if ref, err = time.Parse(time.RFC3339, nextAt); err != nil {
			return fmt.Errorf("--at must be RFC3339: %w", err)
		}
	}

	fires, err := recurrence.Preview(c, ref, nextCount)
	if err != nil {
		return err
	}
	return printFires(os.Stdout, c, fires)
}

// loadCampaignFile reads and validates a campaign definition. Campaigns in a file are
// treated as active unless is_active is set to false.
func loadCampaignFile(path string) (*models.RecurringCampaign, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read campaign file: %w", err)
	}

	c := &models.RecurringCampaign{IsActive: true}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("failed to parse campaign file: %w", err)
	}
	if err := recurrence.Validate(c); err != nil {
		return nil, err
	}
	return c, nil
}

func printFires(w io.Writer, c *models.RecurringCampaign, fires []time.Time) error {
	if len(fires) == 0 {
		fmt.Fprintln(w, "No upcoming fires")
		return nil
	}
	loc, err := tz.Default().Location(c.Timezone)
	if err != nil {
		return err
	}
	for _, f := range fires {
		fmt.Fprintf(w, "%s  (%s)\n", f.In(loc).Format("Mon 2006-01-02 15:04 MST"), f.UTC().Format(time.RFC3339))
	}
	return nil
}
