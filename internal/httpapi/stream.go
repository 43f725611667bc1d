package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rmacdonaldsmith/topicrelay-go/pkg/delivery"
	"github.com/rmacdonaldsmith/topicrelay-go/pkg/message"
	"github.com/rmacdonaldsmith/topicrelay-go/pkg/routingtable"
)

// headerParamPrefix marks binding headers in stream query strings: ?h.account=new
const headerParamPrefix = "h."

const (
	wsWriteWait      = 10 * time.Second
	wsMaxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// streamSink is the subscription handler behind a stream. It hands each message
// to the connection's writer and waits until it is taken, so a slow client backs
// up its own subscription queue, where the overflow policy applies.
type streamSink struct {
	messages chan *message.Message
	done     <-chan struct{}
}

func newStreamSink(done <-chan struct{}) *streamSink {
	return &streamSink{
		messages: make(chan *message.Message),
		done:     done,
	}
}

func (s *streamSink) HandleMessage(msg *message.Message) error {
	select {
	case s.messages <- msg:
		return nil
	case <-s.done:
		// Unsubscribe is on its way
		return nil
	}
}

// parseStreamQuery builds the binding and queue options of a stream request.
//
//	pattern   topic or direct pattern ("#" when absent)
//	kind      topic | direct | fanout | headers
//	x-match   all | any (headers kind)
//	h.<name>  binding header (headers kind)
//	overflow  drop-oldest | drop-newest | block
//	capacity  queue bound, capped by Config.MaxQueueCapacity
//	ttl       message TTL, Go duration syntax
func parseStreamQuery(query url.Values) (routingtable.Binding, routingtable.SubscribeOptions, error) {
	var binding routingtable.Binding
	var opts routingtable.SubscribeOptions

	kind, err := routingtable.ParseExchangeKind(query.Get("kind"))
	if err != nil {
		return binding, opts, fmt.Errorf("%w: %v", routingtable.ErrInvalidPattern, err)
	}
	binding.Kind = kind

	switch kind {
	case routingtable.Topic, routingtable.Direct:
		binding.Pattern = routingtable.MultiWildcard
		if query.Has("pattern") {
			binding.Pattern = query.Get("pattern")
		}
	case routingtable.Headers:
		match, err := routingtable.ParseHeadersMatch(query.Get("x-match"))
		if err != nil {
			return binding, opts, fmt.Errorf("%w: %v", routingtable.ErrInvalidPattern, err)
		}
		binding.Match = match
		binding.Headers = make(map[string]string)
		for key, values := range query {
			if name, ok := strings.CutPrefix(key, headerParamPrefix); ok && name != "" && len(values) > 0 {
				binding.Headers[name] = values[0]
			}
		}
	}

	if v := query.Get("overflow"); v != "" {
		policy, err := delivery.ParseOverflowPolicy(v)
		if err != nil {
			return binding, opts, err
		}
		opts.Overflow = &policy
	}
	if v := query.Get("capacity"); v != "" {
		capacity, err := strconv.Atoi(v)
		if err != nil || capacity < 0 {
			return binding, opts, fmt.Errorf("invalid capacity %q", v)
		}
		opts.QueueCapacity = capacity
	}
	if v := query.Get("ttl"); v != "" {
		ttl, err := time.ParseDuration(v)
		if err != nil || ttl < 0 {
			return binding, opts, fmt.Errorf("invalid ttl %q", v)
		}
		opts.MessageTTL = ttl
	}

	return binding, opts, nil
}

// openStream subscribes a sink on behalf of the requesting client and returns
// the subscription ID together with a cleanup function that unsubscribes it.
func (h *Handlers) openStream(ctx context.Context, r *http.Request, binding routingtable.Binding, opts routingtable.SubscribeOptions) (string, *streamSink, func(), error) {
	opts.Owner = GetClientID(r)
	if limit := h.config.MaxQueueCapacity; limit > 0 && opts.QueueCapacity > limit {
		opts.QueueCapacity = limit
	}

	// The sink is released as soon as the stream ends, not only when the request does
	streamCtx, cancel := context.WithCancel(ctx)
	sink := newStreamSink(streamCtx.Done())
	id, err := h.relay.SubscribeBinding(ctx, binding, sink, opts)
	if err != nil {
		cancel()
		return "", nil, nil, err
	}

	h.activeStreams.Add(1)
	log.Infow("stream opened", "subscription", id, "client", opts.Owner, "binding", binding.String())

	cleanup := func() {
		cancel()
		h.activeStreams.Add(-1)
		if err := h.relay.Unsubscribe(context.Background(), id); err != nil {
			log.Warnw("failed to unsubscribe stream", "subscription", id, "error", err)
		}
		log.Infow("stream closed", "subscription", id)
	}
	return id, sink, cleanup, nil
}

// StreamEvents handles GET /api/v1/events/stream (Server-Sent Events)
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	binding, opts, err := parseStreamQuery(r.URL.Query())
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	id, sink, cleanup, err := h.openStream(ctx, r, binding, opts)
	if err != nil {
		writeRelayError(w, "Failed to subscribe", err)
		return
	}
	defer cleanup()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Subscription-Id", id)
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, "subscribed", "", StreamOpenedMessage{SubscriptionID: id, Binding: binding.String()}); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(h.config.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()

		case msg := <-sink.messages:
			if err := writeSSE(w, "message", msg.ID, newEventStreamMessage(id, msg)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// ServeWS handles GET /api/v1/ws, the same stream over a WebSocket.
// The client only reads; anything it sends is discarded.
func (h *Handlers) ServeWS(w http.ResponseWriter, r *http.Request) {
	// Validate before upgrading so errors are still plain HTTP responses
	binding, opts, err := parseStreamQuery(r.URL.Query())
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader already wrote the error response
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	id, sink, cleanup, err := h.openStream(ctx, r, binding, opts)
	if err != nil {
		closeMsg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error())
		_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(wsWriteWait))
		return
	}
	defer cleanup()

	pongWait := 2 * h.config.KeepaliveInterval
	conn.SetReadLimit(wsMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Reader: detects the client going away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(v interface{}) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(v)
	}

	if err := write(StreamOpenedMessage{SubscriptionID: id, Binding: binding.String()}); err != nil {
		return
	}

	ticker := time.NewTicker(h.config.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteWait))
			return

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}

		case msg := <-sink.messages:
			if err := write(newEventStreamMessage(id, msg)); err != nil {
				return
			}
		}
	}
}

func newEventStreamMessage(subscriptionID string, msg *message.Message) EventStreamMessage {
	return EventStreamMessage{
		MessageID:      msg.ID,
		SubscriptionID: subscriptionID,
		RoutingKey:     msg.RoutingKey,
		Payload:        payloadJSON(msg.Payload),
		Headers:        msg.Headers,
		Timestamp:      msg.EnqueuedAt,
	}
}

// payloadJSON embeds JSON payloads verbatim and quotes anything else
func payloadJSON(payload []byte) json.RawMessage {
	if len(payload) == 0 {
		return nil
	}
	if json.Valid(payload) {
		return json.RawMessage(payload)
	}
	quoted, _ := json.Marshal(string(payload))
	return quoted
}

// writeSSE writes one Server-Sent Event frame
func writeSSE(w http.ResponseWriter, event, id string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal SSE message: %w", err)
	}

	var b strings.Builder
	if id != "" {
		fmt.Fprintf(&b, "id: %s\n", id)
	}
	if event != "" {
		fmt.Fprintf(&b, "event: %s\n", event)
	}
	fmt.Fprintf(&b, "data: %s\n\n", payload)

	_, err = w.Write([]byte(b.String()))
	return err
}
