package peerlink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rmacdonaldsmith/topicrelay-go/pkg/message"
	"github.com/rmacdonaldsmith/topicrelay-go/pkg/peerlink"
	"github.com/rmacdonaldsmith/topicrelay-go/pkg/routingtable"
)

// Client is a Link to a remote relay over gRPC
type Client struct {
	conn  *grpc.ClientConn
	token string
}

// ClientOption configures a Client
type ClientOption func(*clientOptions)

type clientOptions struct {
	token       string
	dialOptions []grpc.DialOption
}

// WithToken sends token as a bearer credential on every call
func WithToken(token string) ClientOption {
	return func(o *clientOptions) {
		o.token = token
	}
}

// WithDialOptions appends raw gRPC dial options (transport credentials, dialers)
func WithDialOptions(opts ...grpc.DialOption) ClientOption {
	return func(o *clientOptions) {
		o.dialOptions = append(o.dialOptions, opts...)
	}
}

// Dial creates a client for the relay at target. The connection is established
// lazily on the first call. Without WithDialOptions the transport is insecure.
func Dial(target string, opts ...ClientOption) (*Client, error) {
	options := clientOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	dialOptions := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, options.dialOptions...)

	conn, err := grpc.NewClient(target, dialOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC client for %s: %w", target, err)
	}
	return &Client{conn: conn, token: options.token}, nil
}

// Close closes the underlying connection, ending open streams
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) outgoing(ctx context.Context) context.Context {
	if c.token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, peerlink.AuthorizationKey, "Bearer "+c.token)
}

// Publish routes msg through the remote relay and returns its match count
func (c *Client) Publish(ctx context.Context, msg *message.Message) (int, error) {
	if msg == nil {
		return 0, errors.New("message cannot be nil")
	}

	out := new(structpb.Struct)
	if err := c.conn.Invoke(c.outgoing(ctx), peerlink.PublishMethod, encodeMessage(msg), out); err != nil {
		return 0, fmt.Errorf("publish %q: %w", msg.RoutingKey, err)
	}
	return int(out.GetFields()[fieldMatched].GetNumberValue()), nil
}

// Subscribe registers binding on the remote relay and streams its messages
func (c *Client) Subscribe(ctx context.Context, binding routingtable.Binding, opts routingtable.SubscribeOptions) (peerlink.Stream, error) {
	streamCtx, cancel := context.WithCancel(c.outgoing(ctx))

	cs, err := c.conn.NewStream(streamCtx, &serviceDesc.Streams[0], peerlink.SubscribeMethod)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", binding, err)
	}
	if err := cs.SendMsg(encodeSubscribe(binding, opts)); err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", binding, err)
	}
	if err := cs.CloseSend(); err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", binding, err)
	}

	// Blocks until the server registered the subscription or rejected the call
	header, err := cs.Header()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", binding, err)
	}
	ids := header.Get(peerlink.SubscriptionIDKey)
	if len(ids) == 0 {
		// A rejected call ends without headers; the status is on the first receive
		rerr := cs.RecvMsg(new(structpb.Struct))
		cancel()
		if rerr == nil || rerr == io.EOF {
			rerr = errors.New("server did not acknowledge subscription")
		}
		return nil, fmt.Errorf("subscribe %s: %w", binding, rerr)
	}

	s := &clientStream{
		id:       ids[0],
		messages: make(chan *message.Message),
		cancel:   cancel,
	}
	go s.receive(streamCtx, cs)
	return s, nil
}

// clientStream implements peerlink.Stream over a gRPC client stream
type clientStream struct {
	id       string
	messages chan *message.Message
	cancel   context.CancelFunc

	mu  sync.Mutex
	err error
}

func (s *clientStream) receive(ctx context.Context, cs grpc.ClientStream) {
	defer close(s.messages)

	for {
		in := new(structpb.Struct)
		if err := cs.RecvMsg(in); err != nil {
			if err != io.EOF && status.Code(err) != codes.Canceled {
				s.setErr(err)
			}
			return
		}

		msg, err := decodeMessage(in)
		if err != nil {
			s.setErr(err)
			s.cancel()
			return
		}

		select {
		case s.messages <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (s *clientStream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *clientStream) ID() string {
	return s.id
}

func (s *clientStream) Messages() <-chan *message.Message {
	return s.messages
}

func (s *clientStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *clientStream) Close() error {
	s.cancel()
	return nil
}

var _ peerlink.Link = (*Client)(nil)
