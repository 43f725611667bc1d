// Package routingtable provides interfaces for routing-key-to-subscription routing.
//
// This package defines the core abstractions for the relay's routing component:
//   - Binding: what a subscription selects (exchange kind, pattern, headers)
//   - Matcher: decides whether one published message is selected by one binding
//   - Subscription: a read-only snapshot of a registered subscription
//   - RoutingTable: the subscription registry (subscribe, unsubscribe, match)
//
// Routing keys are dot-delimited, case-sensitive token sequences ("user.update").
// Binding patterns use the same grammar plus two wildcard tokens:
//   - "*" matches exactly one token
//   - "#" matches zero or more tokens, anywhere in the pattern
//
// Pattern examples:
//   - "user.*" matches "user.update" but not "user" or "user.update.v2"
//   - "a.#.c" matches "a.c", "a.b.c" and "a.b.b.c"
//   - "#" matches every key, including the empty key
//
// The four RabbitMQ exchange kinds are expressed as binding kinds:
//   - Topic: full wildcard grammar
//   - Direct: literal patterns only, exact key equality
//   - Fanout: every message, pattern ignored
//   - Headers: routing key ignored, message headers compared with x-match all/any
//
// Example usage:
//
//	id, err := table.Subscribe(ctx, routingtable.TopicBinding("orders.*"), handler, routingtable.SubscribeOptions{})
//	if err != nil {
//		return err
//	}
//	defer table.Unsubscribe(ctx, id)
//
//	ids, err := table.MatchAll(ctx, "orders.created")
package routingtable
