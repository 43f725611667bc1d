package peerlink

import (
	"encoding/base64"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rmacdonaldsmith/topicrelay-go/pkg/delivery"
	"github.com/rmacdonaldsmith/topicrelay-go/pkg/message"
	"github.com/rmacdonaldsmith/topicrelay-go/pkg/routingtable"
)

// Struct field names on the wire
const (
	fieldMessageID  = "messageId"
	fieldRoutingKey = "routingKey"
	fieldPayload    = "payload"
	fieldHeaders    = "headers"
	fieldEnqueuedAt = "enqueuedAt"
	fieldMatched    = "matched"
	fieldKind       = "kind"
	fieldPattern    = "pattern"
	fieldMatch      = "match"
	fieldOverflow   = "overflow"
	fieldCapacity   = "capacity"
	fieldTTL        = "ttl"
)

// encodeMessage renders a message as a Struct
func encodeMessage(msg *message.Message) *structpb.Struct {
	fields := map[string]*structpb.Value{
		fieldMessageID:  structpb.NewStringValue(msg.ID),
		fieldRoutingKey: structpb.NewStringValue(msg.RoutingKey),
		fieldPayload:    structpb.NewStringValue(base64.StdEncoding.EncodeToString(msg.Payload)),
	}
	if len(msg.Headers) > 0 {
		fields[fieldHeaders] = structpb.NewStructValue(encodeHeaders(msg.Headers))
	}
	if !msg.EnqueuedAt.IsZero() {
		fields[fieldEnqueuedAt] = structpb.NewStringValue(msg.EnqueuedAt.UTC().Format(time.RFC3339Nano))
	}
	return &structpb.Struct{Fields: fields}
}

// decodeMessage is the inverse of encodeMessage. A missing message ID gets a fresh one.
func decodeMessage(s *structpb.Struct) (*message.Message, error) {
	payload, err := base64.StdEncoding.DecodeString(stringField(s, fieldPayload))
	if err != nil {
		return nil, fmt.Errorf("invalid payload encoding: %w", err)
	}
	headers, err := decodeHeaders(s)
	if err != nil {
		return nil, err
	}

	msg := message.NewWithHeaders(stringField(s, fieldRoutingKey), payload, headers)
	if id := stringField(s, fieldMessageID); id != "" {
		msg.ID = id
	}
	if ts := stringField(s, fieldEnqueuedAt); ts != "" {
		enqueuedAt, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", fieldEnqueuedAt, err)
		}
		msg.EnqueuedAt = enqueuedAt
	}
	return msg, nil
}

// encodeSubscribe renders a binding and its queue options as a Struct
func encodeSubscribe(binding routingtable.Binding, opts routingtable.SubscribeOptions) *structpb.Struct {
	fields := map[string]*structpb.Value{
		fieldKind:    structpb.NewStringValue(binding.Kind.String()),
		fieldPattern: structpb.NewStringValue(binding.Pattern),
	}
	if binding.Kind == routingtable.Headers {
		fields[fieldHeaders] = structpb.NewStructValue(encodeHeaders(binding.Headers))
		fields[fieldMatch] = structpb.NewStringValue(binding.Match.String())
	}
	if opts.Overflow != nil {
		fields[fieldOverflow] = structpb.NewStringValue(opts.Overflow.String())
	}
	if opts.QueueCapacity != 0 {
		fields[fieldCapacity] = structpb.NewNumberValue(float64(opts.QueueCapacity))
	}
	if opts.MessageTTL > 0 {
		fields[fieldTTL] = structpb.NewStringValue(opts.MessageTTL.String())
	}
	return &structpb.Struct{Fields: fields}
}

// decodeSubscribe is the inverse of encodeSubscribe
func decodeSubscribe(s *structpb.Struct) (routingtable.Binding, routingtable.SubscribeOptions, error) {
	var binding routingtable.Binding
	var opts routingtable.SubscribeOptions

	kind, err := routingtable.ParseExchangeKind(stringField(s, fieldKind))
	if err != nil {
		return binding, opts, fmt.Errorf("%w: %v", routingtable.ErrInvalidPattern, err)
	}
	binding.Kind = kind
	binding.Pattern = stringField(s, fieldPattern)

	if kind == routingtable.Headers {
		match, err := routingtable.ParseHeadersMatch(stringField(s, fieldMatch))
		if err != nil {
			return binding, opts, fmt.Errorf("%w: %v", routingtable.ErrInvalidPattern, err)
		}
		binding.Match = match
		if binding.Headers, err = decodeHeaders(s); err != nil {
			return binding, opts, err
		}
	}

	if v := stringField(s, fieldOverflow); v != "" {
		policy, err := delivery.ParseOverflowPolicy(v)
		if err != nil {
			return binding, opts, err
		}
		opts.Overflow = &policy
	}
	if v, ok := s.GetFields()[fieldCapacity]; ok {
		capacity := v.GetNumberValue()
		if capacity < 0 {
			return binding, opts, fmt.Errorf("invalid %s %v", fieldCapacity, capacity)
		}
		opts.QueueCapacity = int(capacity)
	}
	if v := stringField(s, fieldTTL); v != "" {
		ttl, err := time.ParseDuration(v)
		if err != nil {
			return binding, opts, fmt.Errorf("invalid %s %q", fieldTTL, v)
		}
		opts.MessageTTL = ttl
	}
	return binding, opts, nil
}

func encodeHeaders(headers map[string]string) *structpb.Struct {
	fields := make(map[string]*structpb.Value, len(headers))
	for k, v := range headers {
		fields[k] = structpb.NewStringValue(v)
	}
	return &structpb.Struct{Fields: fields}
}

func decodeHeaders(s *structpb.Struct) (map[string]string, error) {
	v, ok := s.GetFields()[fieldHeaders]
	if !ok {
		return nil, nil
	}
	nested := v.GetStructValue()
	if nested == nil {
		return nil, fmt.Errorf("%s must be an object", fieldHeaders)
	}

	headers := make(map[string]string, len(nested.GetFields()))
	for k, hv := range nested.GetFields() {
		sv, ok := hv.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, fmt.Errorf("header %q must be a string", k)
		}
		headers[k] = sv.StringValue
	}
	return headers, nil
}

func stringField(s *structpb.Struct, name string) string {
	return s.GetFields()[name].GetStringValue()
}
