package server

import (
	"PerpOptions/internal/observability"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Server runs the gRPC listener (health and reflection) and the HTTP
// listener serving the JSON API, probes and metrics.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	httpServer *http.Server
	handler    http.Handler
	grpcAddr   string
	httpAddr   string
	checker    *observability.HealthChecker
	log        zerolog.Logger
}

// Deps holds what the listeners serve.
type Deps struct {
	API           *API
	HealthChecker *observability.HealthChecker
	Gatherer      prometheus.Gatherer
	Logger        zerolog.Logger
}

func New(grpcAddr, httpAddr string, deps Deps) (*Server, error) {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	gw := runtime.NewServeMux()
	if deps.API != nil {
		if err := deps.API.Register(gw); err != nil {
			return nil, err
		}
	}

	checker := deps.HealthChecker
	if checker == nil {
		checker = observability.NewHealthChecker()
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	httpMux := http.NewServeMux()
	httpMux.HandleFunc("/healthz", checker.LivenessHandler)
	httpMux.HandleFunc("/readyz", checker.ReadinessHandler)
	httpMux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	httpMux.Handle("/", gw)

	return &Server{
		grpcServer: grpcServer,
		health:     healthServer,
		handler:    httpMux,
		grpcAddr:   grpcAddr,
		httpAddr:   httpAddr,
		checker:    checker,
		log:        deps.Logger,
	}, nil
}

// Handler is the complete HTTP handler; tests drive it through httptest.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// SetServing flips both the HTTP readiness flag and the gRPC health status.
func (s *Server) SetServing(serving bool) {
	s.checker.SetReady(serving)
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
}

// StartGRPC serves until ctx is cancelled, then stops gracefully.
func (s *Server) StartGRPC(ctx context.Context) error {
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

// StartHTTP serves the JSON API until ctx is cancelled.
func (s *Server) StartHTTP(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.httpAddr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
