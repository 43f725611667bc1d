// Package message defines the immutable message value that flows through the relay.
//
// A Message is created once per publish and the same pointer is handed to every
// matching subscription's queue. Constructors copy the payload and headers so the
// caller may reuse its buffers after Publish returns; nothing in the relay mutates
// a Message after construction.
//
// Example usage:
//
//	msg := message.NewWithHeaders("user.update", body, map[string]string{"account": "new"})
//	matched, err := r.PublishMessage(ctx, msg)
package message
