package meterrpc

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/toolink/meter/balance"
	"github.com/toolink/meter/limiter"
)

// DefaultListenAddr is used when no listen address is configured.
const DefaultListenAddr = ":7070"

// Meter is the accounting core served over gRPC.
type Meter interface {
	Charge(ctx context.Context, ev balance.UsageEvent) (balance.ChargeResult, error)
	Reset(ctx context.Context) (int64, error)
	Balance(ctx context.Context) (int64, error)
}

type serverOptions struct {
	listenAddr  string
	limiter     *limiter.Limiter
	trustCaller bool
	grpcOpts    []grpc.ServerOption
}

// ServerOption configures a Server.
type ServerOption func(*serverOptions)

// WithListenAddr sets the address Load listens on.
func WithListenAddr(addr string) ServerOption {
	return func(o *serverOptions) {
		if addr != "" {
			o.listenAddr = addr
		}
	}
}

// WithLimiter throttles calls through l.
func WithLimiter(l *limiter.Limiter) ServerOption {
	return func(o *serverOptions) {
		o.limiter = l
	}
}

// WithTrustedCallers throttles by the client-supplied caller id instead of
// the peer host. Enable it only when an authenticating proxy sets x-caller-id.
func WithTrustedCallers(trust bool) ServerOption {
	return func(o *serverOptions) {
		o.trustCaller = trust
	}
}

// WithGRPCOptions passes extra options to grpc.NewServer.
func WithGRPCOptions(opts ...grpc.ServerOption) ServerOption {
	return func(o *serverOptions) {
		o.grpcOpts = append(o.grpcOpts, opts...)
	}
}

// Server serves meter.v1.Meter and the standard health service.
type Server struct {
	meter  Meter
	opts   serverOptions
	grpc   *grpc.Server
	health *health.Server

	mu       sync.Mutex
	lis      net.Listener
	serveErr chan error
}

// NewServer builds the gRPC server with its interceptor chain and registers
// the Meter and health services on it.
func NewServer(meter Meter, opts ...ServerOption) *Server {
	cfg := serverOptions{listenAddr: DefaultListenAddr}
	for _, opt := range opts {
		opt(&cfg)
	}

	chain := []grpc.UnaryServerInterceptor{metadataInterceptor, loggingInterceptor, errorInterceptor}
	if cfg.limiter != nil {
		chain = append(chain, throttleInterceptor(cfg.limiter, cfg.trustCaller))
	}

	grpcOpts := append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(chain...)}, cfg.grpcOpts...)

	s := &Server{
		meter:  meter,
		opts:   cfg,
		grpc:   grpc.NewServer(grpcOpts...),
		health: health.NewServer(),
	}
	RegisterMeterServer(s.grpc, s)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// Charge implements MeterServer.
func (s *Server) Charge(ctx context.Context, req *ChargeRequest) (*ChargeReply, error) {
	res, err := s.meter.Charge(ctx, balance.UsageEvent{ServiceType: req.ServiceType, Unit: req.Unit})
	if err != nil {
		return nil, err
	}
	return &ChargeReply{
		RemainingBalance: res.RemainingBalance,
		Charges:          res.Charges,
		IsAuthorized:     res.IsAuthorized,
	}, nil
}

// Reset implements MeterServer.
func (s *Server) Reset(ctx context.Context, _ *ResetRequest) (*ResetReply, error) {
	v, err := s.meter.Reset(ctx)
	if err != nil {
		return nil, err
	}
	return &ResetReply{Balance: v}, nil
}

// Balance implements MeterServer.
func (s *Server) Balance(ctx context.Context, _ *BalanceRequest) (*BalanceReply, error) {
	v, err := s.meter.Balance(ctx)
	if err != nil {
		return nil, err
	}
	return &BalanceReply{Balance: v}, nil
}

// Serve accepts connections on lis until the server stops.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	s.lis = lis
	s.mu.Unlock()
	log.Info().Str("addr", lis.Addr().String()).Msg("grpc server listening")
	return s.grpc.Serve(lis)
}

// Addr returns the bound address once serving, or "".
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis == nil {
		return ""
	}
	return s.lis.Addr().String()
}

// Name implements extension.Extension.
func (s *Server) Name() string {
	return "grpc"
}

// Load listens on the configured address and serves in the background.
func (s *Server) Load(ctx context.Context) error {
	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, "tcp", s.opts.listenAddr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.lis = lis
	s.mu.Unlock()

	s.serveErr = make(chan error, 1)
	go func() {
		if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Error().Err(err).Msg("grpc server stopped unexpectedly")
			s.serveErr <- err
		}
		close(s.serveErr)
	}()
	return nil
}

// Shutdown drains in-flight calls, forcing a stop when ctx ends first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Err(ctx.Err()).Msg("graceful stop timed out, forcing grpc stop")
		s.grpc.Stop()
		<-done
	}

	if s.serveErr != nil {
		return <-s.serveErr
	}
	return nil
}
