package cmd

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/iti/atmnet"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricsServer serves the simulator's Prometheus counters over HTTP
type metricsServer struct {
	addr   string
	path   string
	server *http.Server
	lis    net.Listener
}

func newMetricsServer(addr, path string) *metricsServer {
	if path == "" {
		path = "/metrics"
	}
	return &metricsServer{addr: addr, path: path}
}

// Start binds the address and serves in the background
func (s *metricsServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "metrics listener on %s", s.addr)
	}
	s.lis = lis

	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.Handler())
	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	log := atmnet.Logger()
	log.WithField("addr", s.Addr()).WithField("path", s.path).Info("starting metrics server")
	go func() {
		if err := s.server.Serve(lis); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server")
		}
	}()
	return nil
}

// Addr is the address actually bound, which differs from the one asked for when its port is 0
func (s *metricsServer) Addr() string {
	if s.lis == nil {
		return s.addr
	}
	return s.lis.Addr().String()
}

// Stop shuts the server down, waiting a few seconds for scrapes in progress
func (s *metricsServer) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "metrics server shutdown")
	}
	atmnet.Logger().Info("metrics server stopped")
	return nil
}
