// Package amqpbridge feeds messages from a RabbitMQ exchange into a relay.
//
// The bridge declares the exchange, binds a queue to it and republishes every
// delivery with its routing key and string headers. Deliveries are acknowledged
// once the relay accepted them; deliveries with a routing key the relay rejects
// are dropped with Nack(requeue=false). Lost connections are re-established with
// exponential backoff until the context ends.
package amqpbridge

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	logging "github.com/ipfs/go-log/v2"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/rmacdonaldsmith/topicrelay-go/pkg/message"
	"github.com/rmacdonaldsmith/topicrelay-go/pkg/routingtable"
)

var log = logging.Logger("relay/amqpbridge")

var errDeliveriesClosed = errors.New("delivery channel closed")

// Publisher is the relay side of the bridge
type Publisher interface {
	PublishMessage(ctx context.Context, msg *message.Message) (int, error)
}

// Stats counts what the bridge did with deliveries
type Stats struct {
	Forwarded  uint64 `json:"forwarded"`
	Rejected   uint64 `json:"rejected"`
	Requeued   uint64 `json:"requeued"`
	Reconnects uint64 `json:"reconnects"`
}

// Bridge consumes from one exchange binding and publishes into a relay
type Bridge struct {
	config    Config
	publisher Publisher
	dial      Dialer

	forwarded  atomic.Uint64
	rejected   atomic.Uint64
	requeued   atomic.Uint64
	reconnects atomic.Uint64
}

// NewBridge creates a bridge. A nil dial uses DialAMQP.
func NewBridge(publisher Publisher, config Config, dial Dialer) (*Bridge, error) {
	if publisher == nil {
		return nil, errors.New("publisher cannot be nil")
	}
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid amqp bridge config: %w", err)
	}
	if dial == nil {
		dial = DialAMQP
	}
	return &Bridge{config: config, publisher: publisher, dial: dial}, nil
}

// Stats returns a snapshot of the bridge counters
func (b *Bridge) Stats() Stats {
	return Stats{
		Forwarded:  b.forwarded.Load(),
		Rejected:   b.rejected.Load(),
		Requeued:   b.requeued.Load(),
		Reconnects: b.reconnects.Load(),
	}
}

// Run consumes until ctx is done, reconnecting on failure. It returns nil when
// ctx ends.
func (b *Bridge) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.config.InitialBackoff
	bo.MaxInterval = b.config.MaxBackoff
	bo.MaxElapsedTime = 0

	operation := func() error {
		err := b.consume(ctx, bo.Reset)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		b.reconnects.Add(1)
		log.Warnw("amqp connection lost, reconnecting", "error", err, "in", wait)
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(bo, ctx), notify)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// consume runs one connection until it fails or ctx ends. connected is called
// once the consumer is set up.
func (b *Bridge) consume(ctx context.Context, connected func()) error {
	conn, err := b.dial(b.config.URL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	queue, err := b.declare(ch)
	if err != nil {
		return err
	}

	deliveries, err := ch.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	connected()
	log.Infow("amqp bridge consuming", "exchange", b.config.Exchange, "type", b.config.ExchangeType, "queue", queue)

	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr, ok := <-closed:
			if ok && amqpErr != nil {
				return amqpErr
			}
			return errDeliveriesClosed
		case d, ok := <-deliveries:
			if !ok {
				return errDeliveriesClosed
			}
			b.handle(ctx, d)
		}
	}
}

// declare sets up QoS, exchange, queue and binding and returns the queue name
func (b *Bridge) declare(ch Channel) (string, error) {
	if err := ch.Qos(b.config.PrefetchCount, 0, false); err != nil {
		return "", fmt.Errorf("set qos: %w", err)
	}

	kind, _ := routingtable.ParseExchangeKind(b.config.ExchangeType)
	if b.config.Exchange != "" {
		err := ch.ExchangeDeclare(
			b.config.Exchange, // name
			exchangeType(kind),
			b.config.Durable, // durable
			false,            // auto-deleted
			false,            // internal
			false,            // no-wait
			nil,              // arguments
		)
		if err != nil {
			return "", fmt.Errorf("declare exchange %s: %w", b.config.Exchange, err)
		}
	}

	var args amqp.Table
	if b.config.MessageTTL > 0 {
		args = amqp.Table{"x-message-ttl": b.config.MessageTTL.Milliseconds()}
	}
	anonymous := b.config.Queue == ""
	q, err := ch.QueueDeclare(
		b.config.Queue,
		b.config.Durable && !anonymous, // durable
		anonymous,                      // auto-delete when unused
		anonymous,                      // exclusive
		false,                          // no-wait
		args,
	)
	if err != nil {
		return "", fmt.Errorf("declare queue: %w", err)
	}

	if b.config.Exchange == "" {
		return q.Name, nil
	}

	key, bindArgs := b.config.BindingKey, amqp.Table(nil)
	switch kind {
	case routingtable.Fanout:
		key = ""
	case routingtable.Headers:
		key = ""
		match, _ := routingtable.ParseHeadersMatch(b.config.Match)
		bindArgs = amqp.Table{"x-match": match.String()}
		for k, v := range b.config.BindHeaders {
			bindArgs[k] = v
		}
	}
	if err := ch.QueueBind(q.Name, key, b.config.Exchange, false, bindArgs); err != nil {
		return "", fmt.Errorf("bind queue %s: %w", q.Name, err)
	}
	return q.Name, nil
}

// handle republishes one delivery and settles it
func (b *Bridge) handle(ctx context.Context, d amqp.Delivery) {
	msg := message.NewWithHeaders(d.RoutingKey, d.Body, stringHeaders(d.Headers))
	if d.MessageId != "" {
		msg.ID = d.MessageId
	}

	matched, err := b.publisher.PublishMessage(ctx, msg)
	switch {
	case err == nil:
		b.forwarded.Add(1)
		log.Debugw("forwarded", "routingKey", d.RoutingKey, "matched", matched)
		if err := d.Ack(false); err != nil {
			log.Warnw("failed to ack delivery", "tag", d.DeliveryTag, "error", err)
		}

	case errors.Is(err, routingtable.ErrInvalidRoutingKey):
		// Redelivery cannot fix a bad key
		b.rejected.Add(1)
		log.Warnw("dropping delivery with invalid routing key", "routingKey", d.RoutingKey, "error", err)
		if err := d.Nack(false, false); err != nil {
			log.Warnw("failed to nack delivery", "tag", d.DeliveryTag, "error", err)
		}

	default:
		b.requeued.Add(1)
		log.Warnw("relay refused delivery, requeueing", "routingKey", d.RoutingKey, "error", err)
		if err := d.Nack(false, true); err != nil {
			log.Warnw("failed to nack delivery", "tag", d.DeliveryTag, "error", err)
		}
	}
}

// stringHeaders keeps the string and byte-slice valued AMQP headers
func stringHeaders(table amqp.Table) map[string]string {
	if len(table) == 0 {
		return nil
	}
	headers := make(map[string]string, len(table))
	for k, v := range table {
		switch val := v.(type) {
		case string:
			headers[k] = val
		case []byte:
			headers[k] = string(val)
		}
	}
	return headers
}

func exchangeType(kind routingtable.ExchangeKind) string {
	switch kind {
	case routingtable.Direct:
		return amqp.ExchangeDirect
	case routingtable.Fanout:
		return amqp.ExchangeFanout
	case routingtable.Headers:
		return amqp.ExchangeHeaders
	default:
		return amqp.ExchangeTopic
	}
}
