package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newPublishCommand() *cobra.Command {
	var (
		routingKey string
		payload    string
		headers    map[string]string
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a message under a routing key",
		Long: `Publish a message under a dot-separated routing key. The payload should be
valid JSON. Headers are matched by headers bindings.`,
		Example: `  topicrelay-cli publish --key orders.eu.created --payload '{"id":1}' --header region=eu`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPublish(cmd, routingKey, payload, headers)
		},
	}

	cmd.Flags().StringVar(&routingKey, "key", "", "Routing key to publish under (required)")
	cmd.Flags().StringVar(&payload, "payload", "{}", "Message payload as JSON")
	cmd.Flags().StringToStringVar(&headers, "header", nil, "Message header as key=value (repeatable)")
	if err := cmd.MarkFlagRequired("key"); err != nil {
		panic(fmt.Sprintf("Failed to mark key as required: %v", err))
	}

	return cmd
}

func runPublish(cmd *cobra.Command, routingKey, payloadStr string, headers map[string]string) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	var payload interface{}
	if payloadStr != "" {
		if err := json.Unmarshal([]byte(payloadStr), &payload); err != nil {
			return fmt.Errorf("invalid JSON payload: %w", err)
		}
	}

	fmt.Fprintf(out, "Publishing message with routing key '%s'...\n", routingKey)

	response, err := client.PublishWithHeaders(ctx, routingKey, payload, headers)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "✅ Message published!\n")
	fmt.Fprintf(out, "Message ID: %s\n", response.MessageID)
	fmt.Fprintf(out, "Matched subscriptions: %d\n", response.Matched)
	fmt.Fprintf(out, "Timestamp: %s\n", response.Timestamp.Format("2006-01-02 15:04:05"))

	return nil
}
