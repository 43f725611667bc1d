package delivery

import (
	logging "github.com/ipfs/go-log/v2"

	"github.com/rmacdonaldsmith/topicrelay-go/pkg/delivery"
	"github.com/rmacdonaldsmith/topicrelay-go/pkg/message"
)

var log = logging.Logger("relay/delivery")

// LogObserver reports delivery outcomes through the package logger.
// Failures are warnings, drops and expiries are debug noise under load.
type LogObserver struct{}

// NewLogObserver returns an observer that logs through go-log
func NewLogObserver() *LogObserver {
	return &LogObserver{}
}

func (o *LogObserver) Delivered(subscriptionID string, msg *message.Message) {}

func (o *LogObserver) HandlerFailed(subscriptionID string, msg *message.Message, err error) {
	log.Warnw("handler failed",
		"subscription", subscriptionID,
		"messageId", msg.ID,
		"routingKey", msg.RoutingKey,
		"error", err)
}

func (o *LogObserver) Dropped(subscriptionID string, msg *message.Message, policy delivery.OverflowPolicy) {
	log.Debugw("message dropped",
		"subscription", subscriptionID,
		"messageId", msg.ID,
		"routingKey", msg.RoutingKey,
		"policy", policy.String())
}

func (o *LogObserver) Expired(subscriptionID string, msg *message.Message) {
	log.Debugw("message expired",
		"subscription", subscriptionID,
		"messageId", msg.ID,
		"routingKey", msg.RoutingKey,
		"enqueuedAt", msg.EnqueuedAt)
}

var _ delivery.Observer = (*LogObserver)(nil)
