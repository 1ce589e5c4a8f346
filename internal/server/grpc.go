package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"RiskCore/internal/observability"
	"RiskCore/internal/query"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// GRPCServer serves the RiskCore service over gRPC and the same operations
// as REST routes on a grpc-gateway mux.
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	health        *health.Server
	gateway       *runtime.ServeMux
	grpcAddr      string
	httpAddr      string
	healthChecker *observability.HealthChecker
	metrics       *observability.Metrics
	log           zerolog.Logger
}

// ServerDeps holds everything the server needs.
type ServerDeps struct {
	QueryService  *query.QueryService
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	// RequestTimeout bounds calls that arrive without a deadline.
	RequestTimeout time.Duration
	// ExposeMetrics serves /metrics on the gateway port.
	ExposeMetrics bool
}

func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps, log zerolog.Logger) *GRPCServer {
	s := &GRPCServer{
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		healthChecker: deps.HealthChecker,
		metrics:       deps.Metrics,
		log:           log.With().Str("component", "server").Logger(),
	}

	timeout := deps.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(
		s.recoveryUnaryInterceptor,
		s.loggingUnaryInterceptor,
		timeoutUnaryInterceptor(timeout),
		scopeUnaryInterceptor,
	))
	s.grpcServer.RegisterService(&ServiceDesc, &riskService{qs: deps.QueryService})

	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(s.grpcServer)

	s.gateway = newGateway(deps.QueryService, s.healthChecker, deps.ExposeMetrics, s.metrics, s.log)
	return s
}

// SetServing flips the gRPC health status, normally once recovery is done.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Handler is the HTTP gateway, for embedding and tests.
func (s *GRPCServer) Handler() http.Handler { return s.gateway }

// Serve serves gRPC on lis until it fails or the server stops.
func (s *GRPCServer) Serve(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.log.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway starts the REST gateway (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.gateway,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Warn().Err(err).Msg("HTTP gateway shutdown")
		}
	}()

	s.log.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ============================================================================
// Interceptors
// ============================================================================

// scopeUnaryInterceptor resolves the caller scope from metadata and maps
// returned errors to status codes. It runs innermost so every handler sees
// the scope.
func scopeUnaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if _, ok := info.Server.(riskCoreServer); !ok {
		return handler(ctx, req)
	}
	resp, err := handler(WithScope(ctx, scopeFromMetadata(ctx)), req)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *GRPCServer) loggingUnaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	dur := time.Since(start)

	code := status.Code(err)
	if s.metrics != nil {
		s.metrics.QueryRequests.WithLabelValues(info.FullMethod).Inc()
		s.metrics.QueryDuration.WithLabelValues(info.FullMethod).Observe(dur.Seconds())
		if err != nil {
			s.metrics.QueryErrors.WithLabelValues(info.FullMethod, code.String()).Inc()
		}
	}

	ev := s.log.Debug()
	if err != nil {
		ev = s.log.Warn().Err(err)
	}
	ev.Str("method", info.FullMethod).
		Dur("duration", dur).
		Str("grpc_code", code.String()).
		Msg("gRPC call")
	return resp, err
}

func (s *GRPCServer) recoveryUnaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().
				Str("method", info.FullMethod).
				Interface("panic", r).
				Msg("gRPC call panic recovered")
			err = status.Error(codes.Internal, "internal server error")
		}
	}()
	return handler(ctx, req)
}

func timeoutUnaryInterceptor(timeout time.Duration) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		return handler(ctx, req)
	}
}
