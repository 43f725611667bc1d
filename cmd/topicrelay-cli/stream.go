package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/topicrelay-go/pkg/httpclient"
)

func newStreamCommand() *cobra.Command {
	var (
		config       httpclient.StreamConfig
		maxMessages  int
		prettyFormat bool
	)

	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Stream matching messages in real-time",
		Long: `Stream messages in real-time using Server-Sent Events.
The stream creates a subscription for its binding that lives as long as the
connection. Press Ctrl+C to stop streaming.`,
		Example: `  topicrelay-cli stream --pattern 'orders.*.created'
  topicrelay-cli stream --kind headers --header region=eu --match any
  topicrelay-cli stream --kind fanout --overflow drop-newest --capacity 64`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStream(cmd, config, maxMessages, prettyFormat)
		},
	}

	cmd.Flags().StringVar(&config.Kind, "kind", "topic", "Binding kind: topic, direct, fanout or headers")
	cmd.Flags().StringVar(&config.Pattern, "pattern", "", "Topic pattern or direct routing key (default matches everything)")
	cmd.Flags().StringToStringVar(&config.Headers, "header", nil, "Header to match as key=value (headers kind)")
	cmd.Flags().StringVar(&config.Match, "match", "", "Headers match mode: all or any")
	cmd.Flags().StringVar(&config.Overflow, "overflow", "", "Queue overflow policy: drop-oldest, drop-newest or block")
	cmd.Flags().IntVar(&config.Capacity, "capacity", 0, "Server-side queue capacity")
	cmd.Flags().DurationVar(&config.TTL, "ttl", 0, "Drop messages that wait longer than this")
	cmd.Flags().IntVar(&config.BufferSize, "buffer-size", 100, "Client buffer size")
	cmd.Flags().IntVar(&maxMessages, "max", 0, "Stop after this many messages (0 = unlimited)")
	cmd.Flags().BoolVar(&prettyFormat, "pretty", false, "Pretty print JSON payloads")

	return cmd
}

func runStream(cmd *cobra.Command, config httpclient.StreamConfig, maxMessages int, prettyFormat bool) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(out, "🌊 Streaming from %s (%s)...\n", serverURL, describeBinding(config))
	fmt.Fprintln(out, "Press Ctrl+C to stop streaming")

	streamClient, err := client.Stream(ctx, config)
	if err != nil {
		return fmt.Errorf("failed to start streaming: %w", err)
	}
	defer streamClient.Close()

	count := 0
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(out, "\n✅ Stream stopped. Received %d messages.\n", count)
			return nil

		case msg, ok := <-streamClient.Events():
			if !ok {
				fmt.Fprintf(out, "\n🔌 Stream closed. Received %d messages.\n", count)
				return nil
			}

			count++
			printMessage(out, msg, count, prettyFormat)
			if maxMessages > 0 && count >= maxMessages {
				return nil
			}

		case err, ok := <-streamClient.Errors():
			if ok {
				// errors are non-fatal while the client reconnects
				fmt.Fprintf(out, "❌ Stream error: %v\n", err)
			}
		}
	}
}

func describeBinding(config httpclient.StreamConfig) string {
	switch config.Kind {
	case "fanout":
		return "fanout"
	case "headers":
		match := config.Match
		if match == "" {
			match = "all"
		}
		return fmt.Sprintf("headers %v match %s", config.Headers, match)
	default:
		pattern := config.Pattern
		if pattern == "" {
			pattern = "#"
		}
		return fmt.Sprintf("%s %s", config.Kind, pattern)
	}
}

func printMessage(out io.Writer, msg httpclient.EventStreamMessage, count int, pretty bool) {
	fmt.Fprintf(out, "📨 Message #%d:\n", count)
	fmt.Fprintf(out, "   ID: %s\n", msg.MessageID)
	fmt.Fprintf(out, "   Routing Key: %s\n", msg.RoutingKey)
	fmt.Fprintf(out, "   Time: %s\n", msg.Timestamp.Format("2006-01-02 15:04:05.000"))
	for k, v := range msg.Headers {
		fmt.Fprintf(out, "   Header %s: %s\n", k, v)
	}

	if len(msg.Payload) == 0 {
		fmt.Fprintf(out, "   Payload: null\n\n")
		return
	}

	if pretty {
		var buf bytes.Buffer
		if err := json.Indent(&buf, msg.Payload, "            ", "  "); err == nil {
			fmt.Fprintf(out, "   Payload:\n            %s\n\n", buf.String())
			return
		}
	}
	fmt.Fprintf(out, "   Payload: %s\n\n", string(msg.Payload))
}
