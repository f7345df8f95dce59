package api

import (
	"context"
	"fmt"
	"net"
	"time"

	"caresync/internal/config"
	"caresync/internal/logging"
	"caresync/internal/network"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// SyncServiceName is the health service that reports SERVING only while
// the remote API is reachable.
const SyncServiceName = "caresync.sync"

const shutdownGrace = 10 * time.Second

// GRPCServer exposes the standard gRPC health service so supervisors can
// watch the agent and its connectivity.
type GRPCServer struct {
	cfg         *config.APIConfig
	server      *grpc.Server
	health      *health.Server
	listener    net.Listener
	unsubscribe func()
	log         zerolog.Logger
}

func NewGRPCServer(cfg *config.APIConfig, monitor *network.Monitor, logger *zerolog.Logger) (*GRPCServer, error) {
	addr := fmt.Sprintf(":%d", cfg.GRPC.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("grpc listen %s: %w", addr, err)
	}

	auth := NewAuthenticator(*cfg)
	unary := ChainUnaryInterceptors(
		LoggingUnaryInterceptor(logger),
		auth.Unary(),
	)
	stream := ChainStreamInterceptors(
		LoggingStreamInterceptor(logger),
		auth.Stream(),
	)

	serverOpts := []grpc.ServerOption{grpc.UnaryInterceptor(unary), grpc.StreamInterceptor(stream)}
	if cfg.GRPC.TLS.Enabled {
		tlsCfg, err := serverTLS(cfg.GRPC.TLS)
		if err != nil {
			lis.Close()
			return nil, err
		}
		serverOpts = append(serverOpts, grpc.Creds(credentials.NewTLS(tlsCfg)))
	}

	grpcServer := grpc.NewServer(serverOpts...)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	if cfg.GRPC.Reflection {
		reflection.Register(grpcServer)
	}

	s := &GRPCServer{
		cfg:      cfg,
		server:   grpcServer,
		health:   hs,
		listener: lis,
		log:      *logging.Component(logger, "grpc"),
	}

	if monitor != nil {
		s.setSyncStatus(monitor.IsOnline())
		s.unsubscribe = monitor.Subscribe(func(ev network.Event) {
			s.setSyncStatus(ev.Online)
		})
	}

	return s, nil
}

func (s *GRPCServer) setSyncStatus(online bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if online {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(SyncServiceName, st)
}

func (s *GRPCServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *GRPCServer) Serve() error {
	s.log.Info().Str("addr", s.Addr()).Msg("gRPC health listening")
	return s.server.Serve(s.listener)
}

// Shutdown flips every health status to NOT_SERVING and drains in-flight
// RPCs. Calls still running when ctx expires are cut off.
func (s *GRPCServer) Shutdown(ctx context.Context) {
	if s.server == nil {
		return
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		s.server.GracefulStop()
	}()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, shutdownGrace)
		defer cancel()
	}

	select {
	case <-stopped:
	case <-ctx.Done():
		s.log.Warn().Err(ctx.Err()).Msg("gRPC drain cut short")
		s.server.Stop()
	}
}
