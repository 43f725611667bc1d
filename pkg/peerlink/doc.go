// Package peerlink defines the gRPC link between relays and remote clients.
//
// The wire service is topicrelay.peerlink.v1.Relay. Its messages are
// google.protobuf.Struct values, so no generated code is needed on either side:
//   - Publish (unary) routes one message through the remote relay
//   - Subscribe (server streaming) registers a binding on the remote relay and
//     streams every message it selects until the caller cancels
//
// Payloads travel base64-encoded; headers travel as a nested string map.
// A server started with authentication expects a JWT bearer token in the
// "authorization" metadata of every call.
//
// Example usage:
//
//	link, err := peerlink.Dial("relay-2:9090", peerlink.WithToken(token))
//	if err != nil {
//		return err
//	}
//	defer link.Close()
//
//	stream, err := link.Subscribe(ctx, routingtable.TopicBinding("orders.#"), routingtable.SubscribeOptions{})
//	if err != nil {
//		return err
//	}
//	for msg := range stream.Messages() {
//		process(msg)
//	}
//	if err := stream.Err(); err != nil {
//		return err
//	}
package peerlink
