package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/topicrelay-go/pkg/httpclient"
)

func newSubscriptionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscriptions",
		Short: "Manage subscriptions",
		Long:  "List and delete the subscriptions owned by this client",
	}

	cmd.AddCommand(newSubscriptionsListCommand())
	cmd.AddCommand(newSubscriptionsDeleteCommand())

	return cmd
}

func newSubscriptionsListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all subscriptions for this client",
		RunE:  runSubscriptionsList,
	}

	return cmd
}

func newSubscriptionsDeleteCommand() *cobra.Command {
	var subscriptionID string

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a subscription",
		Long:  "Delete a subscription by its ID. Its stream, if open, ends.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubscriptionsDelete(cmd, subscriptionID)
		},
	}

	cmd.Flags().StringVar(&subscriptionID, "id", "", "Subscription ID to delete (required)")
	if err := cmd.MarkFlagRequired("id"); err != nil {
		panic(fmt.Sprintf("Failed to mark id as required: %v", err))
	}

	return cmd
}

func runSubscriptionsList(cmd *cobra.Command, args []string) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	subscriptions, err := client.ListSubscriptions(ctx)
	if err != nil {
		return err
	}

	printSubscriptions(out, subscriptions, false)
	return nil
}

func runSubscriptionsDelete(cmd *cobra.Command, subscriptionID string) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	fmt.Fprintf(out, "Deleting subscription '%s'...\n", subscriptionID)

	if err := client.DeleteSubscription(ctx, subscriptionID); err != nil {
		return err
	}

	fmt.Fprintf(out, "✅ Subscription deleted successfully!\n")
	return nil
}

func printSubscriptions(out io.Writer, subscriptions []httpclient.SubscriptionResponse, showOwner bool) {
	if len(subscriptions) == 0 {
		fmt.Fprintln(out, "No subscriptions found")
		return
	}

	fmt.Fprintf(out, "Found %d subscription(s):\n\n", len(subscriptions))
	for i, sub := range subscriptions {
		fmt.Fprintf(out, "%d. ID: %s\n", i+1, sub.ID)
		switch sub.Kind {
		case "headers":
			fmt.Fprintf(out, "   Binding: headers %v (match %s)\n", sub.Headers, sub.Match)
		case "fanout":
			fmt.Fprintf(out, "   Binding: fanout\n")
		default:
			fmt.Fprintf(out, "   Binding: %s %s\n", sub.Kind, sub.Pattern)
		}
		if showOwner {
			fmt.Fprintf(out, "   Client ID: %s\n", sub.ClientID)
		}
		fmt.Fprintf(out, "   State: %s\n", sub.State)
		fmt.Fprintf(out, "   Queue: %d/%d (%s)\n", sub.Stats.Queued, sub.QueueCapacity, sub.Overflow)
		fmt.Fprintf(out, "   Delivered: %d  Failed: %d  Dropped: %d  Expired: %d\n",
			sub.Stats.Delivered, sub.Stats.Failed, sub.Stats.Dropped, sub.Stats.Expired)
		fmt.Fprintf(out, "   Created: %s\n", sub.CreatedAt.Format("2006-01-02 15:04:05"))
		if i < len(subscriptions)-1 {
			fmt.Fprintln(out)
		}
	}
}
