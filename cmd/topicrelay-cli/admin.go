package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newAdminCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Admin commands (requires admin privileges)",
		Long:  "Administrative commands for monitoring the relay",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "subscriptions",
		Short: "List all subscriptions across all clients",
		RunE:  runAdminSubscriptions,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show relay statistics",
		RunE:  runAdminStats,
	})

	return cmd
}

func runAdminSubscriptions(cmd *cobra.Command, args []string) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	subscriptions, err := client.AdminListSubscriptions(ctx)
	if err != nil {
		return err
	}

	printSubscriptions(cmd.OutOrStdout(), subscriptions, true)
	return nil
}

func runAdminStats(cmd *cobra.Command, args []string) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	stats, err := client.AdminGetStats(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "📊 Relay %s statistics:\n\n", stats.NodeID)
	fmt.Fprintf(out, "Subscriptions: %d\n", stats.Subscriptions)
	fmt.Fprintf(out, "Active Streams: %d\n", stats.ActiveStreams)
	fmt.Fprintf(out, "Published: %d\n", stats.Published)
	fmt.Fprintf(out, "Matched: %d\n", stats.Matched)
	fmt.Fprintf(out, "Unrouted: %d\n", stats.Unrouted)
	fmt.Fprintf(out, "Rejected: %d\n", stats.Rejected)
	fmt.Fprintf(out, "Queued: %d\n", stats.Delivery.Queued)
	fmt.Fprintf(out, "Delivered: %d\n", stats.Delivery.Delivered)
	fmt.Fprintf(out, "Failed: %d\n", stats.Delivery.Failed)
	fmt.Fprintf(out, "Dropped: %d\n", stats.Delivery.Dropped)
	fmt.Fprintf(out, "Expired: %d\n", stats.Delivery.Expired)

	return nil
}
