package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/blastline/blastline/internal/campaign"
	"github.com/blastline/blastline/internal/queue"
)

var (
	campaignsListStatus  string
	campaignsListAccount string
)

var campaignsCmd = &cobra.Command{
	Use:   "campaigns",
	Short: "Campaign inspection commands",
}

var campaignsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List campaigns",
	RunE:  runCampaignsList,
}

var campaignsShowCmd = &cobra.Command{
	Use:   "show <campaign_id>",
	Short: "Show campaign details",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignsShow,
}

var campaignsStatsCmd = &cobra.Command{
	Use:   "stats <campaign_id>",
	Short: "Show queue statistics for a campaign",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignsStats,
}

func init() {
	campaignsListCmd.Flags().StringVar(&campaignsListStatus, "status", "", "Filter by status (idle, running, paused, completed, stopped, failed, error)")
	campaignsListCmd.Flags().StringVar(&campaignsListAccount, "account", "", "Filter by account ID")

	campaignsCmd.AddCommand(campaignsListCmd, campaignsShowCmd, campaignsStatsCmd)
	rootCmd.AddCommand(campaignsCmd)
}

// openStorage gives the inspection commands direct (read mostly) access
// to the configured backend. A running daemon holds the bolt file lock,
// so with the bolt driver these commands require the daemon to be down.
func openStorage() (campaign.Store, queue.Queue, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}

	switch cfg.Storage.Driver {
	case "bolt":
		q, err := queue.NewBoltQueue(cfg.Storage.Path)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open task queue: %w", err)
		}
		store, err := campaign.NewBoltStore(q.DB())
		if err != nil {
			q.Close()
			return nil, nil, nil, fmt.Errorf("failed to open campaign store: %w", err)
		}
		return store, q, func() { q.Close() }, nil

	case "postgres":
		db, err := sql.Open("postgres", cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		q, err := queue.NewPostgresQueue(db)
		if err != nil {
			db.Close()
			return nil, nil, nil, err
		}
		store, err := campaign.NewPostgresStore(db)
		if err != nil {
			db.Close()
			return nil, nil, nil, err
		}
		return store, q, func() { db.Close() }, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown storage driver: %s", cfg.Storage.Driver)
	}
}

func runCampaignsList(cmd *cobra.Command, args []string) error {
	store, _, closeFn, err := openStorage()
	if err != nil {
		return err
	}
	defer closeFn()

	campaigns, err := store.List(context.Background(), campaign.ListFilter{
		Status:    campaign.Status(campaignsListStatus),
		AccountID: campaignsListAccount,
	})
	if err != nil {
		return fmt.Errorf("failed to list campaigns: %w", err)
	}

	if len(campaigns) == 0 {
		fmt.Println("No campaigns")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tPROGRESS\tSENT\tFAILED\tSKIPPED\tACCOUNT")
	fmt.Fprintln(w, "--\t----\t------\t--------\t----\t------\t-------\t-------")

	for _, c := range campaigns {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.1f%%\t%d\t%d\t%d\t%s\n",
			truncateID(c.ID), c.Name, c.Status, c.Progress(),
			c.Sent, c.Failed, c.Skipped, c.AccountID)
	}

	return w.Flush()
}

func runCampaignsShow(cmd *cobra.Command, args []string) error {
	store, _, closeFn, err := openStorage()
	if err != nil {
		return err
	}
	defer closeFn()

	c, err := store.Get(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get campaign: %w", err)
	}

	fmt.Printf("ID:         %s\n", c.ID)
	fmt.Printf("Name:       %s\n", c.Name)
	fmt.Printf("Account:    %s\n", c.AccountID)
	fmt.Printf("Channel:    %s\n", c.ChannelID)
	fmt.Printf("Status:     %s\n", c.Status)
	fmt.Printf("Progress:   %.1f%% (%d/%d)\n", c.Progress(), c.Processed(), c.TotalTasks)
	fmt.Printf("Sent:       %d\n", c.Sent)
	fmt.Printf("Failed:     %d\n", c.Failed)
	fmt.Printf("Skipped:    %d\n", c.Skipped)
	fmt.Printf("Created:    %s\n", c.CreatedAt.Format("2006-01-02 15:04:05"))
	if c.StartedAt != nil {
		fmt.Printf("Started:    %s\n", c.StartedAt.Format("2006-01-02 15:04:05"))
	}
	if c.ResumeAt != nil {
		fmt.Printf("Resume at:  %s\n", c.ResumeAt.Format("2006-01-02 15:04:05"))
	}
	if c.LastError != "" {
		fmt.Printf("Last error: %s\n", c.LastError)
	}

	return nil
}

func runCampaignsStats(cmd *cobra.Command, args []string) error {
	_, q, closeFn, err := openStorage()
	if err != nil {
		return err
	}
	defer closeFn()

	stats, err := q.Stats(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get queue stats: %w", err)
	}

	fmt.Printf("Total:      %d\n", stats.Total)
	fmt.Printf("Pending:    %d\n", stats.Pending)
	fmt.Printf("Processing: %d\n", stats.Processing)
	fmt.Printf("Sent:       %d\n", stats.Sent)
	fmt.Printf("Failed:     %d\n", stats.Failed)
	fmt.Printf("Skipped:    %d\n", stats.Skipped)
	fmt.Printf("Remaining:  %d\n", stats.Remaining)

	return nil
}

func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
