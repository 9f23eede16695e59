// Package server hosts the engine's two listeners: a gRPC endpoint
// carrying the standard health service for probes and grpcurl, and an
// HTTP endpoint with the JSON trading API, Prometheus metrics, and
// liveness/readiness handlers.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"LeverEngine/internal/observability"
)

type Server struct {
	grpcServer *grpc.Server
	healthSrv  *health.Server
	httpServer *http.Server

	grpcAddr string
	httpAddr string

	checker *observability.HealthChecker
	log     zerolog.Logger
}

func New(grpcAddr, httpAddr string, api *API, checker *observability.HealthChecker, log zerolog.Logger) *Server {
	grpcServer := grpc.NewServer()

	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	reflection.Register(grpcServer)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", checker.LivenessHandler)
	mux.HandleFunc("/readyz", checker.ReadinessHandler)
	mux.Handle("/metrics", promhttp.Handler())
	api.Register(mux)

	return &Server{
		grpcServer: grpcServer,
		healthSrv:  healthSrv,
		httpServer: &http.Server{
			Addr:              httpAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		grpcAddr: grpcAddr,
		httpAddr: httpAddr,
		checker:  checker,
		log:      log,
	}
}

// SetReady flips both the HTTP readiness probe and the gRPC health
// service.
func (s *Server) SetReady(ready bool) {
	s.checker.SetReady(ready)
	if ready {
		s.healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		return
	}
	s.healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
}

// StartGRPC serves until ctx is cancelled, then stops gracefully.
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("grpc server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.log.Info().Str("addr", s.grpcAddr).Msg("grpc server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTP serves the JSON API and ops endpoints until ctx is
// cancelled.
func (s *Server) StartHTTP(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.log.Info().Msg("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Error().Err(err).Msg("http shutdown")
		}
	}()

	s.log.Info().Str("addr", s.httpAddr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
