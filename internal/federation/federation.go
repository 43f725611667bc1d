// Package federation makes a relay follow upstream relays over the peer link.
//
// For every upstream peer the federation holds one Subscribe stream with a
// topic binding and republishes what arrives into the local relay. Upstreams
// stamp their node ID onto every streamed message; a message that has already
// passed through the local node is dropped, so relays may follow each other
// without echoing messages back and forth.
package federation

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"

	"github.com/rmacdonaldsmith/topicrelay-go/internal/discovery"
	"github.com/rmacdonaldsmith/topicrelay-go/internal/peerlink"
	"github.com/rmacdonaldsmith/topicrelay-go/pkg/message"
	pkgpeerlink "github.com/rmacdonaldsmith/topicrelay-go/pkg/peerlink"
	"github.com/rmacdonaldsmith/topicrelay-go/pkg/routingtable"
)

var log = logging.Logger("relay/federation")

var errStreamEnded = errors.New("upstream stream ended")

// Publisher is the local relay
type Publisher interface {
	PublishMessage(ctx context.Context, msg *message.Message) (int, error)
}

// Dialer opens a peer link to an upstream address
type Dialer func(address string) (pkgpeerlink.Link, error)

// DialPeerLink returns a Dialer using the gRPC peer link client
func DialPeerLink(token string) Dialer {
	return func(address string) (pkgpeerlink.Link, error) {
		var opts []peerlink.ClientOption
		if token != "" {
			opts = append(opts, peerlink.WithToken(token))
		}
		client, err := peerlink.Dial(address, opts...)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

// Stats counts what the federation did with upstream messages
type Stats struct {
	Forwarded  uint64 `json:"forwarded"`
	Looped     uint64 `json:"looped"`
	Rejected   uint64 `json:"rejected"`
	Reconnects uint64 `json:"reconnects"`
}

// Federation follows every peer returned by discovery
type Federation struct {
	nodeID    string
	config    Config
	local     Publisher
	discovery discovery.Discovery
	dial      Dialer

	forwarded  atomic.Uint64
	looped     atomic.Uint64
	rejected   atomic.Uint64
	reconnects atomic.Uint64
}

// New creates a federation for the local relay nodeID. A nil dial uses
// DialPeerLink with the configured token.
func New(local Publisher, nodeID string, disc discovery.Discovery, config Config, dial Dialer) (*Federation, error) {
	if local == nil {
		return nil, errors.New("local relay cannot be nil")
	}
	if disc == nil {
		return nil, errors.New("discovery cannot be nil")
	}
	if nodeID == "" {
		return nil, errors.New("node ID cannot be empty")
	}
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid federation config: %w", err)
	}
	if dial == nil {
		dial = DialPeerLink(config.Token)
	}
	return &Federation{nodeID: nodeID, config: config, local: local, discovery: disc, dial: dial}, nil
}

// Stats returns a snapshot of the federation counters
func (f *Federation) Stats() Stats {
	return Stats{
		Forwarded:  f.forwarded.Load(),
		Looped:     f.looped.Load(),
		Rejected:   f.rejected.Load(),
		Reconnects: f.reconnects.Load(),
	}
}

// Run follows every discovered peer until ctx ends. It returns nil when ctx ends.
func (f *Federation) Run(ctx context.Context) error {
	peers, err := f.discovery.FindPeers(ctx)
	if err != nil {
		return fmt.Errorf("find peers: %w", err)
	}
	if len(peers) == 0 {
		log.Infow("no upstream peers configured")
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, peer := range peers {
		peer := peer
		g.Go(func() error {
			return f.follow(gctx, peer)
		})
	}
	return g.Wait()
}

// follow keeps one upstream stream open, reconnecting with backoff
func (f *Federation) follow(ctx context.Context, peer discovery.Peer) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = f.config.InitialBackoff
	bo.MaxInterval = f.config.MaxBackoff
	bo.MaxElapsedTime = 0

	operation := func() error {
		err := f.stream(ctx, peer, bo.Reset)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		f.reconnects.Add(1)
		log.Warnw("upstream lost, reconnecting", "peer", peer.String(), "error", err, "in", wait)
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(bo, ctx), notify)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// stream runs one upstream subscription until it fails or ctx ends
func (f *Federation) stream(ctx context.Context, peer discovery.Peer, connected func()) error {
	link, err := f.dial(peer.Address)
	if err != nil {
		return fmt.Errorf("dial %s: %w", peer.Address, err)
	}
	defer link.Close()

	stream, err := link.Subscribe(ctx, routingtable.TopicBinding(f.config.Pattern), routingtable.SubscribeOptions{
		QueueCapacity: f.config.QueueCapacity,
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", peer.Address, err)
	}
	defer stream.Close()

	connected()
	log.Infow("following upstream", "peer", peer.String(), "pattern", f.config.Pattern, "subscription", stream.ID())

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-stream.Messages():
			if !ok {
				if err := stream.Err(); err != nil {
					return err
				}
				return errStreamEnded
			}
			f.forward(ctx, peer, msg)
		}
	}
}

// forward republishes msg locally unless it has been here before
func (f *Federation) forward(ctx context.Context, peer discovery.Peer, msg *message.Message) {
	if peerlink.Visited(msg, f.nodeID) {
		f.looped.Add(1)
		log.Debugw("dropping looped message", "peer", peer.String(), "message", msg.ID)
		return
	}

	if _, err := f.local.PublishMessage(ctx, msg); err != nil {
		f.rejected.Add(1)
		log.Warnw("local relay refused upstream message", "peer", peer.String(), "routingKey", msg.RoutingKey, "error", err)
		return
	}
	f.forwarded.Add(1)
}
