// Package relay provides the interface of the publish/subscribe relay orchestrator.
//
// A Relay owns a routing table and the delivery loops of its subscriptions. It is
// the single entry point used by every transport (in-process callers, the HTTP
// API, the gRPC peer link and the AMQP bridge):
//   - Subscribe / SubscribeBinding register a handler and return a subscription ID
//   - Unsubscribe stops a subscription (unknown IDs are a no-op)
//   - Publish / PublishMessage route one message to every matching subscription
//
// Publishing never invokes handlers directly; it only enqueues. Handler latency
// and handler failures therefore never reach the publisher.
//
// Example usage:
//
//	r, err := relay.NewRelay(relay.NewConfig("relay-1"))
//	if err != nil {
//		return err
//	}
//	if err := r.Start(ctx); err != nil {
//		return err
//	}
//	defer r.Close()
//
//	id, err := r.Subscribe(ctx, "user.*", delivery.HandlerFunc(func(key string, payload []byte) error {
//		fmt.Printf("%s: %s\n", key, payload)
//		return nil
//	}))
//
//	matched, err := r.Publish(ctx, "user.update", []byte(`{"Name":"ada"}`))
package relay
