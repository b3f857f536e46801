package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/foxzi/wablast/internal/lifecycle"
	"github.com/foxzi/wablast/internal/models"
	"github.com/foxzi/wablast/internal/scheduler"
	"github.com/foxzi/wablast/internal/storage"
)

var (
	broadcastListStatus   string
	broadcastListDevice   string
	broadcastListCampaign string
	broadcastListLimit    int
)

var broadcastCmd = &cobra.Command{
	Use:   "broadcast",
	Short: "Broadcast commands",
}

var broadcastListCmd = &cobra.Command{
	Use:   "list",
	Short: "List broadcasts",
	RunE:  runBroadcastList,
}

var broadcastShowCmd = &cobra.Command{
	Use:   "show <broadcast_id>",
	Short: "Show broadcast details",
	Args:  cobra.ExactArgs(1),
	RunE:  runBroadcastShow,
}

var broadcastCancelCmd = &cobra.Command{
	Use:   "cancel <broadcast_id>",
	Short: "Cancel a processing broadcast",
	Args:  cobra.ExactArgs(1),
	RunE:  runBroadcastCancel,
}

var broadcastRetryCmd = &cobra.Command{
	Use:   "retry <broadcast_id>",
	Short: "Requeue a failed broadcast",
	Long: `Move a failed broadcast back into processing with a fresh plan.
Sending resumes the next time wablast serve starts.`,
	Args: cobra.ExactArgs(1),
	RunE: runBroadcastRetry,
}

var broadcastDuplicateCmd = &cobra.Command{
	Use:   "duplicate <broadcast_id>",
	Short: "Copy a broadcast into a new draft",
	Args:  cobra.ExactArgs(1),
	RunE:  runBroadcastDuplicate,
}

func init() {
	broadcastListCmd.Flags().StringVar(&broadcastListStatus, "status", "", "Filter by status (draft, processing, completed, failed, cancelled)")
	broadcastListCmd.Flags().StringVar(&broadcastListDevice, "device", "", "Filter by device ID")
	broadcastListCmd.Flags().StringVar(&broadcastListCampaign, "campaign", "", "Filter by campaign ID")
	broadcastListCmd.Flags().IntVar(&broadcastListLimit, "limit", 50, "Maximum number of broadcasts to show")

	broadcastCmd.AddCommand(broadcastListCmd, broadcastShowCmd, broadcastCancelCmd, broadcastRetryCmd, broadcastDuplicateCmd)
	rootCmd.AddCommand(broadcastCmd)
}

func runBroadcastList(cmd *cobra.Command, args []string) error {
	filter := models.BroadcastFilter{
		Status:     models.BroadcastStatus(broadcastListStatus),
		DeviceID:   broadcastListDevice,
		CampaignID: broadcastListCampaign,
		Limit:      broadcastListLimit,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return fmt.Errorf("unknown status: %s", broadcastListStatus)
	}

	store, _, err := openStorage()
	if err != nil {
		return err
	}
	defer store.Close()

	broadcasts, err := store.ListBroadcasts(context.Background(), filter)
	if err != nil {
		return fmt.Errorf("failed to list broadcasts: %w", err)
	}
	if len(broadcasts) == 0 {
		fmt.Println("No broadcasts")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tDEVICE\tCAMPAIGN\tTARGETS\tSENT\tFAILED\tCREATED")
	fmt.Fprintln(w, "--\t------\t------\t--------\t-------\t----\t------\t-------")
	for _, b := range broadcasts {
		campaign := "-"
		if b.CampaignID != "" {
			campaign = truncateID(b.CampaignID)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			truncateID(b.ID),
			b.Status,
			b.DeviceID,
			campaign,
			len(b.Targets),
			b.SentCount,
			b.FailedCount,
			b.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	w.Flush()
	fmt.Printf("\nTotal: %d broadcasts\n", len(broadcasts))

	return nil
}

func runBroadcastShow(cmd *cobra.Command, args []string) error {
	store, _, err := openStorage()
	if err != nil {
		return err
	}
	defer store.Close()

	b, err := store.GetBroadcast(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get broadcast: %w", err)
	}

	fmt.Printf("Broadcast: %s\n\n", b.ID)
	fmt.Printf("Status:      %s\n", b.Status)
	fmt.Printf("Device:      %s\n", b.DeviceID)
	if b.CampaignID != "" {
		fmt.Printf("Campaign:    %s\n", b.CampaignID)
	}
	fmt.Printf("Targets:     %d\n", len(b.Targets))
	fmt.Printf("Sent:        %d\n", b.SentCount)
	fmt.Printf("Failed:      %d\n", b.FailedCount)
	fmt.Printf("Created:     %s\n", b.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Scheduled:   %s\n", formatTime(b.ScheduledAt))
	fmt.Printf("Started:     %s\n", formatTime(b.StartedAt))
	fmt.Printf("Completed:   %s\n", formatTime(b.CompletedAt))

	if b.Plan != nil {
		fmt.Printf("\nPlan:        %s\n", b.Plan)
		fmt.Printf("Estimate:    %s\n", b.Plan.Estimate(len(b.Targets)))
	} else {
		fmt.Printf("\nPacing:      %s\n", b.DelayType.Normalize())
	}

	if b.LastError != "" {
		fmt.Printf("\nLast Error:\n  %s\n", b.LastError)
	}

	if b.Message != "" {
		fmt.Println("\nMessage:")
		fmt.Println("---")
		preview := b.Message
		if len(preview) > 500 {
			preview = preview[:500] + "..."
		}
		fmt.Println(preview)
		fmt.Println("---")
	}

	return nil
}

func runBroadcastCancel(cmd *cobra.Command, args []string) error {
	store, cfg, err := openStorage()
	if err != nil {
		return err
	}
	defer store.Close()

	sched, err := newScheduler(cfg)
	if err != nil {
		return err
	}

	b, err := cancelBroadcast(context.Background(), store, sched, args[0], time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to cancel broadcast: %w", err)
	}

	fmt.Printf("Broadcast %s cancelled after %d of %d targets\n", b.ID, b.SentCount+b.FailedCount, len(b.Targets))
	return nil
}

func runBroadcastRetry(cmd *cobra.Command, args []string) error {
	store, cfg, err := openStorage()
	if err != nil {
		return err
	}
	defer store.Close()

	sched, err := newScheduler(cfg)
	if err != nil {
		return err
	}

	b, err := retryBroadcast(context.Background(), store, sched, args[0], time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to retry broadcast: %w", err)
	}

	fmt.Printf("Broadcast %s queued for retry (%s)\n", b.ID, b.Plan)
	return nil
}

func runBroadcastDuplicate(cmd *cobra.Command, args []string) error {
	store, _, err := openStorage()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	b, err := store.GetBroadcast(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to get broadcast: %w", err)
	}

	dup := lifecycle.Duplicate(b, uuid.NewString(), time.Now().UTC())
	if err := store.CreateBroadcast(ctx, dup); err != nil {
		return fmt.Errorf("failed to create broadcast: %w", err)
	}

	fmt.Printf("Created draft %s from %s\n", dup.ID, b.ID)
	return nil
}

// cancelBroadcast stops a processing broadcast and settles its campaign fire as failed.
func cancelBroadcast(ctx context.Context, store storage.Store, sched *scheduler.Scheduler, id string, now time.Time) (*models.Broadcast, error) {
	b, err := store.MutateBroadcast(ctx, id, func(b *models.Broadcast) error {
		_, err := lifecycle.Cancel(b, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	if b.CampaignID != "" {
		_, err := store.MutateCampaign(ctx, b.CampaignID, func(c *models.RecurringCampaign) error {
			sched.RecordOutcome(c, false, now)
			return nil
		})
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return b, err
		}
	}
	return b, nil
}

// retryBroadcast replans a failed broadcast and claims it back into processing. The
// campaign fire it belongs to counts as in flight again.
func retryBroadcast(ctx context.Context, store storage.Store, sched *scheduler.Scheduler, id string, now time.Time) (*models.Broadcast, error) {
	b, err := store.GetBroadcast(ctx, id)
	if err != nil {
		return nil, err
	}
	plan, err := sched.Planner().Plan(len(b.Targets), b.Policy())
	if err != nil {
		return nil, err
	}
	b, _, err = store.ClaimBroadcast(ctx, id, models.StatusFailed, plan, now)
	if err != nil {
		return nil, err
	}
	if b.CampaignID != "" {
		_, err := store.MutateCampaign(ctx, b.CampaignID, func(c *models.RecurringCampaign) error {
			sched.Reopen(c, now)
			return nil
		})
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return b, err
		}
	}
	return b, nil
}
