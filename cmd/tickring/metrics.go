package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/nmxmxh/tickring/kernel/metrics"
	"github.com/nmxmxh/tickring/kernel/utils"
)

// serveMetrics starts a /metrics endpoint for collector on addr and
// registers its shutdown with shutdown.
func serveMetrics(addr string, collector *metrics.Collector, logger *utils.Logger, shutdown *utils.GracefulShutdown) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(metrics.NewRegistry(collector)))
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", utils.Err(err))
		}
	}()
	logger.Info("serving metrics", utils.String("addr", listener.Addr().String()))

	shutdown.Register("metrics-server", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	})
	return nil
}
