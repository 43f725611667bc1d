package peerlink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rmacdonaldsmith/topicrelay-go/internal/auth"
	"github.com/rmacdonaldsmith/topicrelay-go/pkg/message"
	"github.com/rmacdonaldsmith/topicrelay-go/pkg/peerlink"
	"github.com/rmacdonaldsmith/topicrelay-go/pkg/relay"
	"github.com/rmacdonaldsmith/topicrelay-go/pkg/routingtable"
)

var log = logging.Logger("relay/peerlink")

// gracefulStopTimeout bounds GracefulStop for in-flight calls
const gracefulStopTimeout = 5 * time.Second

// ErrServerClosed is returned when starting a server that has been closed
var ErrServerClosed = errors.New("peerlink server is closed")

// RelayServer is the server side of the peer link service
type RelayServer interface {
	Publish(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Subscribe(req *structpb.Struct, stream grpc.ServerStream) error
}

// serviceDesc is written by hand: requests and responses are structpb.Struct,
// which the default proto codec already handles.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: peerlink.ServiceName,
	HandlerType: (*RelayServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Publish",
			Handler:    publishHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "topicrelay/peerlink/v1/relay.proto",
}

func publishHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RelayServer).Publish(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: peerlink.PublishMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RelayServer).Publish(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func subscribeHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(RelayServer).Subscribe(in, stream)
}

// GRPCServer exposes a relay over gRPC
type GRPCServer struct {
	config  *Config
	relay   relay.Relay
	jwtAuth *auth.JWTAuth
	server  *grpc.Server
	health  *health.Server

	// done ends open Subscribe streams on Close
	done chan struct{}

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

// NewGRPCServer creates a peer link server in front of r
func NewGRPCServer(r relay.Relay, config *Config) (*GRPCServer, error) {
	if r == nil {
		return nil, errors.New("relay cannot be nil")
	}
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}

	// Make a copy and set defaults
	configCopy := *config
	configCopy.SetDefaults()
	if err := configCopy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid peerlink config: %w", err)
	}

	s := &GRPCServer{
		config: &configCopy,
		relay:  r,
		health: health.NewServer(),
		done:   make(chan struct{}),
	}
	if configCopy.RequireAuth {
		s.jwtAuth = auth.NewJWTAuth(configCopy.SecretKey)
	}

	s.server = grpc.NewServer(
		grpc.MaxRecvMsgSize(configCopy.MaxMessageSize),
		grpc.KeepaliveParams(keepalive.ServerParameters{Time: configCopy.HeartbeatInterval}),
		grpc.ChainUnaryInterceptor(s.unaryAuth),
		grpc.ChainStreamInterceptor(s.streamAuth),
	)
	s.server.RegisterService(&serviceDesc, &relayService{server: s})
	healthpb.RegisterHealthServer(s.server, s.health)

	return s, nil
}

// Start listens on the configured address and serves in the background
func (s *GRPCServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddress, err)
	}

	go func() {
		if err := s.Serve(lis); err != nil && !errors.Is(err, ErrServerClosed) {
			log.Errorw("peerlink server stopped", "error", err)
		}
	}()
	return nil
}

// Serve serves on lis until Close. It blocks.
func (s *GRPCServer) Serve(lis net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		lis.Close()
		return ErrServerClosed
	}
	s.listener = lis
	s.mu.Unlock()

	s.health.SetServingStatus(peerlink.ServiceName, healthpb.HealthCheckResponse_SERVING)
	log.Infow("peerlink listening", "addr", lis.Addr().String(), "auth", s.jwtAuth != nil)

	if err := s.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Addr returns the listening address, or "" before Start
func (s *GRPCServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close stops the server, ending open Subscribe streams. Safe to call multiple times.
func (s *GRPCServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.health.Shutdown()
	close(s.done)

	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(gracefulStopTimeout):
		s.server.Stop()
		<-done
	}
	return nil
}

// Authentication

func (s *GRPCServer) authenticate(ctx context.Context) (context.Context, error) {
	if s.jwtAuth == nil {
		return ctx, nil
	}

	md, _ := metadata.FromIncomingContext(ctx)
	values := md.Get(peerlink.AuthorizationKey)
	if len(values) == 0 {
		return nil, status.Error(codes.Unauthenticated, "missing bearer token")
	}

	claims, err := s.jwtAuth.ValidateToken(values[0])
	if err != nil {
		return nil, status.Errorf(codes.Unauthenticated, "invalid token: %v", err)
	}
	return auth.WithClaims(ctx, claims), nil
}

func (s *GRPCServer) unaryAuth(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	// Health checks stay open
	if info.FullMethod == healthpb.Health_Check_FullMethodName {
		return handler(ctx, req)
	}
	ctx, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	return handler(ctx, req)
}

func (s *GRPCServer) streamAuth(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	if info.FullMethod == healthpb.Health_Watch_FullMethodName {
		return handler(srv, ss)
	}
	ctx, err := s.authenticate(ss.Context())
	if err != nil {
		return err
	}
	return handler(srv, &authenticatedStream{ServerStream: ss, ctx: ctx})
}

// authenticatedStream carries the claims context into the stream handler
type authenticatedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authenticatedStream) Context() context.Context {
	return s.ctx
}

// relayService implements RelayServer on top of the relay
type relayService struct {
	server *GRPCServer
}

func (rs *relayService) Publish(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	msg, err := decodeMessage(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	matched, err := rs.server.relay.PublishMessage(ctx, msg)
	if err != nil {
		return nil, toStatus(err)
	}

	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldMessageID: structpb.NewStringValue(msg.ID),
		fieldMatched:   structpb.NewNumberValue(float64(matched)),
	}}, nil
}

func (rs *relayService) Subscribe(req *structpb.Struct, stream grpc.ServerStream) error {
	binding, opts, err := decodeSubscribe(req)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if opts.QueueCapacity == 0 {
		opts.QueueCapacity = rs.server.config.SendQueueSize
	}
	if limit := rs.server.config.MaxQueueCapacity; limit > 0 && opts.QueueCapacity > limit {
		opts.QueueCapacity = limit
	}

	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()
	opts.Owner = ownerFromContext(ctx)

	messages := make(chan *message.Message)
	handler := streamHandler{messages: messages, done: ctx.Done()}

	id, err := rs.server.relay.SubscribeBinding(ctx, binding, handler, opts)
	if err != nil {
		return toStatus(err)
	}
	defer func() {
		cancel()
		if err := rs.server.relay.Unsubscribe(context.Background(), id); err != nil {
			log.Warnw("failed to unsubscribe stream", "subscription", id, "error", err)
		}
		log.Infow("remote subscription closed", "subscription", id, "owner", opts.Owner)
	}()

	// The header tells the client its subscription is live
	if err := stream.SendHeader(metadata.Pairs(peerlink.SubscriptionIDKey, id)); err != nil {
		return err
	}
	log.Infow("remote subscription opened", "subscription", id, "owner", opts.Owner, "binding", binding.String())

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-rs.server.done:
			return status.Error(codes.Unavailable, "server shutting down")
		case msg := <-messages:
			if err := stream.SendMsg(encodeMessage(StampPath(msg, rs.server.relay.NodeID()))); err != nil {
				return err
			}
		}
	}
}

// streamHandler hands messages to the stream goroutine, waiting until the
// stream takes them or ends.
type streamHandler struct {
	messages chan<- *message.Message
	done     <-chan struct{}
}

func (h streamHandler) HandleMessage(msg *message.Message) error {
	select {
	case h.messages <- msg:
		return nil
	case <-h.done:
		return nil
	}
}

// ownerFromContext names a remote subscriber by token client ID, else by peer address
func ownerFromContext(ctx context.Context) string {
	if claims := auth.ClaimsFromContext(ctx); claims != nil {
		return claims.ClientID
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return "peer:" + p.Addr.String()
	}
	return "peer"
}

// toStatus maps relay errors onto gRPC status codes
func toStatus(err error) error {
	switch {
	case errors.Is(err, routingtable.ErrInvalidRoutingKey),
		errors.Is(err, routingtable.ErrInvalidPattern),
		errors.Is(err, relay.ErrNilMessage):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, relay.ErrRelayClosed),
		errors.Is(err, relay.ErrRelayNotStarted):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
