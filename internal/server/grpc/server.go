// Package grpcserver runs the gRPC listener: the standard health service
// reflecting backend readiness, behind logging, recovery and auth interceptors.
package grpcserver

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/medconsent/internal/identity"
)

// ServiceName is the health service name reported alongside the overall status.
const ServiceName = "medconsent"

const healthPrefix = "/grpc.health.v1.Health/"

// Server wraps a grpc.Server with health reporting.
type Server struct {
	srv      *grpc.Server
	health   *health.Server
	ready    func(ctx context.Context) error
	interval time.Duration
	log      *zap.Logger
}

// Options configures New.
type Options struct {
	Verifier *identity.Verifier
	// Ready is called every CheckEvery; nil means always serving.
	Ready      func(ctx context.Context) error
	CheckEvery time.Duration
	// TLSCert and TLSKey enable TLS when both are set.
	TLSCert, TLSKey string
	// Reflection registers server reflection (dev only).
	Reflection bool
	Log        *zap.Logger
}

// New constructs the gRPC server.
func New(o Options) (*Server, error) {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.CheckEvery <= 0 {
		o.CheckEvery = 10 * time.Second
	}
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			RecoverUnary(o.Log),
			LoggingUnary(o.Log),
			AuthUnary(o.Verifier, healthPrefix, "/grpc.reflection."),
		),
		grpc.ChainStreamInterceptor(
			RecoverStream(o.Log),
			LoggingStream(o.Log),
		),
	}
	if o.TLSCert != "" && o.TLSKey != "" {
		creds, err := credentials.NewServerTLSFromFile(o.TLSCert, o.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("load TLS cert/key: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	}
	srv := grpc.NewServer(opts...)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	if o.Reflection {
		reflection.Register(srv)
	}
	return &Server{srv: srv, health: hs, ready: o.Ready, interval: o.CheckEvery, log: o.Log}, nil
}

// GRPC exposes the underlying server for registering more services.
func (s *Server) GRPC() *grpc.Server { return s.srv }

// Serve accepts connections on lis until ctx is done, then stops gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.checkReady(ctx)
	go s.watch(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(lis) }()
	s.log.Info("grpc listening", zap.String("addr", lis.Addr().String()))

	select {
	case <-ctx.Done():
		s.health.Shutdown()
		done := make(chan struct{})
		go func() {
			s.srv.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			s.srv.Stop()
		}
		return nil
	case err := <-errCh:
		return err
	}
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, lis)
}

func (s *Server) watch(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.checkReady(ctx)
		}
	}
}

func (s *Server) checkReady(ctx context.Context) {
	st := healthpb.HealthCheckResponse_SERVING
	if s.ready != nil {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := s.ready(pctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("readiness check failed", zap.Error(err))
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}
