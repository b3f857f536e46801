package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/wablast/internal/models"
	"github.com/foxzi/wablast/internal/recurrence"
)

var (
	campaignListDevice string
	campaignListActive string
	campaignListLimit  int
)

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Recurring campaign commands",
}

var campaignListCmd = &cobra.Command{
	Use:   "list",
	Short: "List campaigns",
	RunE:  runCampaignList,
}

var campaignShowCmd = &cobra.Command{
	Use:   "show <campaign_id>",
	Short: "Show campaign details and upcoming fires",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignShow,
}

var campaignPauseCmd = &cobra.Command{
	Use:   "pause <campaign_id>",
	Short: "Pause a campaign",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setCampaignActive(args[0], false)
	},
}

var campaignResumeCmd = &cobra.Command{
	Use:   "resume <campaign_id>",
	Short: "Resume a paused campaign",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setCampaignActive(args[0], true)
	},
}

func init() {
	campaignListCmd.Flags().StringVar(&campaignListDevice, "device", "", "Filter by device ID")
	campaignListCmd.Flags().StringVar(&campaignListActive, "active", "", "Filter by state (true, false)")
	campaignListCmd.Flags().IntVar(&campaignListLimit, "limit", 50, "Maximum number of campaigns to show")

	campaignCmd.AddCommand(campaignListCmd, campaignShowCmd, campaignPauseCmd, campaignResumeCmd)
	rootCmd.AddCommand(campaignCmd)
}

func runCampaignList(cmd *cobra.Command, args []string) error {
	store, _, err := openStorage()
	if err != nil {
		return err
	}
	defer store.Close()

	filter := models.CampaignFilter{
		DeviceID: campaignListDevice,
		Limit:    campaignListLimit,
	}
	switch campaignListActive {
	case "":
	case "true", "false":
		active := campaignListActive == "true"
		filter.Active = &active
	default:
		return fmt.Errorf("--active must be true or false")
	}

	campaigns, err := store.ListCampaigns(context.Background(), filter)
	if err != nil {
		return fmt.Errorf("failed to list campaigns: %w", err)
	}
	if len(campaigns) == 0 {
		fmt.Println("No campaigns")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tDEVICE\tSCHEDULE\tACTIVE\tNEXT\tSENT/FAILED")
	fmt.Fprintln(w, "--\t----\t------\t--------\t------\t----\t-----------")
	for _, c := range campaigns {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\t%s\t%d/%d\n",
			truncateID(c.ID),
			c.Name,
			c.DeviceID,
			describeSchedule(c),
			c.IsActive,
			formatTime(c.NextSendAt),
			c.TotalSent,
			c.TotalFailed,
		)
	}
	w.Flush()
	fmt.Printf("\nTotal: %d campaigns\n", len(campaigns))

	return nil
}

func runCampaignShow(cmd *cobra.Command, args []string) error {
	store, _, err := openStorage()
	if err != nil {
		return err
	}
	defer store.Close()

	c, err := store.GetCampaign(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get campaign: %w", err)
	}

	fmt.Printf("Campaign: %s\n\n", c.ID)
	fmt.Printf("Name:        %s\n", c.Name)
	fmt.Printf("Device:      %s\n", c.DeviceID)
	fmt.Printf("Schedule:    %s\n", describeSchedule(c))
	fmt.Printf("Start:       %s\n", c.StartDate)
	if !c.EndDate.IsZero() {
		fmt.Printf("End:         %s\n", c.EndDate)
	}
	if c.MaxExecutions > 0 {
		fmt.Printf("Executions:  %d of %d\n", c.Executions(), c.MaxExecutions)
	}
	fmt.Printf("Active:      %v\n", c.IsActive)
	fmt.Printf("Targets:     %d\n", len(c.Targets))
	fmt.Printf("Pacing:      %s\n", c.Pacing.Type.Normalize())
	fmt.Printf("Sent:        %d\n", c.TotalSent)
	fmt.Printf("Failed:      %d\n", c.TotalFailed)
	if c.InFlight > 0 {
		fmt.Printf("In flight:   %d\n", c.InFlight)
	}
	fmt.Printf("Last sent:   %s\n", formatTime(c.LastSentAt))
	fmt.Printf("Next send:   %s\n", formatTime(c.NextSendAt))

	if !c.IsActive {
		return nil
	}
	ref := time.Now()
	if c.LastSentAt != nil && c.LastSentAt.After(ref) {
		ref = c.LastSentAt.Add(time.Nanosecond)
	}
	fires, err := recurrence.Preview(c, ref, 5)
	if err != nil {
		return err
	}
	fmt.Println("\nUpcoming:")
	return printFires(os.Stdout, c, fires)
}

func setCampaignActive(id string, active bool) error {
	store, cfg, err := openStorage()
	if err != nil {
		return err
	}
	defer store.Close()

	sched, err := newScheduler(cfg)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	c, err := store.MutateCampaign(context.Background(), id, func(c *models.RecurringCampaign) error {
		c.IsActive = active
		c.UpdatedAt = now
		return sched.Refresh(c, now)
	})
	if err != nil {
		return fmt.Errorf("failed to update campaign: %w", err)
	}

	if active {
		fmt.Printf("Campaign %s resumed, next send %s\n", c.ID, formatTime(c.NextSendAt))
	} else {
		fmt.Printf("Campaign %s paused\n", c.ID)
	}
	return nil
}

func describeSchedule(c *models.RecurringCampaign) string {
	at := fmt.Sprintf("%s %s", c.TimeOfDay, c.Timezone)
	n := c.Interval()
	switch c.Frequency {
	case models.FrequencyDaily, models.FrequencyCustom:
		if n == 1 {
			return "daily " + at
		}
		return fmt.Sprintf("every %d days %s", n, at)
	case models.FrequencyWeekly:
		days := make([]string, 0, len(c.DaysOfWeek))
		for _, d := range c.DaysOfWeek {
			days = append(days, time.Weekday(d).String()[:3])
		}
		if n == 1 {
			return fmt.Sprintf("weekly %s %s", strings.Join(days, ","), at)
		}
		return fmt.Sprintf("every %d weeks %s %s", n, strings.Join(days, ","), at)
	case models.FrequencyMonthly:
		if n == 1 {
			return fmt.Sprintf("monthly on day %d %s", c.DayOfMonth, at)
		}
		return fmt.Sprintf("every %d months on day %d %s", n, c.DayOfMonth, at)
	}
	return string(c.Frequency)
}
