package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/uber-go/tally/v4"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const deliverMethod = "/gms.v1.Messaging/Deliver"

// messagingServer is the server side of the gms.v1.Messaging service.
type messagingServer interface {
	Deliver(ctx context.Context, in *envelope) (*envelope, error)
}

var messagingServiceDesc = grpc.ServiceDesc{
	ServiceName: "gms.v1.Messaging",
	HandlerType: (*messagingServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Deliver",
			Handler:    deliverHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "api/gossip/v1/messaging.proto",
}

func deliverHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(messagingServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: deliverMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(messagingServer).Deliver(ctx, req.(*envelope))
	}
	return interceptor(ctx, in, info, handler)
}

// GRPCOptions tunes a GRPC messenger.
type GRPCOptions struct {
	// InOrder serialises sends per peer so handlers see send order.
	InOrder bool
	Log     logrus.FieldLogger
	Scope   tally.Scope
}

// GRPC is a Messenger over unary gRPC calls.
type GRPC struct {
	router

	addr  string
	srv   *grpc.Server
	lis   net.Listener
	pool  connectionPool
	out   *outbound
	log   logrus.FieldLogger
	scope tally.Scope

	mu      sync.Mutex
	serving chan struct{}
}

func NewGRPC(addr string, opts GRPCOptions) (*GRPC, error) {
	if addr == "" || !strings.Contains(addr, ":") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	if opts.Scope == nil {
		opts.Scope = tally.NoopScope
	}

	g := &GRPC{
		addr:  addr,
		srv:   grpc.NewServer(grpc.ForceServerCodec(envelopeCodec{})),
		log:   opts.Log,
		scope: opts.Scope.SubScope("transport"),
	}
	g.out = newOutbound(g.deliver, opts.InOrder)
	g.srv.RegisterService(&messagingServiceDesc, &grpcServer{transport: g})
	return g, nil
}

// Start binds synchronously and serves in a background goroutine, so a port
// already in use is reported here rather than lost in the serve loop.
func (g *GRPC) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.lis != nil {
		return nil
	}

	lis, err := net.Listen("tcp", g.addr)
	if err != nil {
		return fmt.Errorf("%w %s: %v", ErrBind, g.addr, err)
	}
	g.lis = lis
	// Listening on port 0 picks a free port; advertise the real one.
	g.addr = lis.Addr().String()
	g.serving = make(chan struct{})

	go func() {
		defer close(g.serving)
		if err := g.srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			g.log.Errorf("gRPC server on %s stopped: %v", g.addr, err)
		}
	}()
	g.log.Infof("Messaging server listening on %s", g.addr)
	return nil
}

func (g *GRPC) Addr() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addr
}

func (g *GRPC) Send(ctx context.Context, to string, verb Verb, payload []byte) ([]byte, error) {
	msg := Message{Verb: verb, From: g.Addr(), Payload: payload}
	reply, err := g.out.send(ctx, to, msg)
	if err != nil {
		g.scope.Tagged(map[string]string{"verb": string(verb)}).Counter("send_errors").Inc(1)
		return nil, err
	}
	g.scope.Tagged(map[string]string{"verb": string(verb)}).Counter("sent").Inc(1)
	return reply, nil
}

func (g *GRPC) deliver(ctx context.Context, to string, msg Message) ([]byte, error) {
	conn, err := g.pool.getConnection(to)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnection, to, err)
	}
	req := &envelope{Verb: msg.Verb, From: msg.From, Payload: msg.Payload}
	resp := new(envelope)
	if err := conn.Invoke(ctx, deliverMethod, req, resp); err != nil {
		return nil, fromStatus(to, err)
	}
	return resp.Payload, nil
}

// Shutdown drains in-flight sends, closes peer connections and stops the
// server gracefully. If ctx expires first the server is stopped hard.
func (g *GRPC) Shutdown(ctx context.Context) error {
	drainErr := g.out.close(ctx)
	poolErr := g.pool.closeAll()

	stopped := make(chan struct{})
	go func() {
		g.srv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		g.srv.Stop()
	}

	g.mu.Lock()
	serving := g.serving
	g.mu.Unlock()
	if serving != nil {
		<-serving
	}

	if drainErr != nil {
		return fmt.Errorf("drain pending sends: %w", drainErr)
	}
	return poolErr
}

// grpcServer implements the gRPC Messaging service
type grpcServer struct {
	transport *GRPC
}

func (s *grpcServer) Deliver(ctx context.Context, in *envelope) (*envelope, error) {
	g := s.transport
	g.scope.Tagged(map[string]string{"verb": string(in.Verb)}).Counter("received").Inc(1)

	reply, err := g.dispatch(ctx, Message{Verb: in.Verb, From: in.From, Payload: in.Payload})
	if err != nil {
		return nil, toStatus(err)
	}
	return &envelope{Verb: in.Verb, From: g.Addr(), Payload: reply}, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, ErrUnknownVerb):
		return status.Error(codes.Unimplemented, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.FailedPrecondition, err.Error())
	}
}

func fromStatus(to string, err error) error {
	st := status.Convert(err)
	switch st.Code() {
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s: %s", ErrTimeout, to, st.Message())
	case codes.Canceled:
		return fmt.Errorf("send to %s: %w", to, context.Canceled)
	case codes.Unavailable:
		return fmt.Errorf("%w: %s: %s", ErrConnection, to, st.Message())
	case codes.Unimplemented:
		return fmt.Errorf("%w: %s", ErrUnknownVerb, st.Message())
	default:
		return fmt.Errorf("%w: %s: %s", ErrRemote, to, st.Message())
	}
}
