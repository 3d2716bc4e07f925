// Command server runs the central-mcp-server core: registry, health
// prober, load balancer, and service discovery, fronted by a thin HTTP
// adapter.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/central-mcp/server/internal/config"
	"github.com/central-mcp/server/internal/core"
	"github.com/central-mcp/server/internal/health"
	transporthttp "github.com/central-mcp/server/internal/transport/http"
	"github.com/central-mcp/server/pkg/observability"
	"github.com/central-mcp/server/pkg/resilience"
)

func main() {
	logger := observability.NewLogger("central-mcp-server")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("failed to load configuration: %v", err)
	}

	metrics := observability.NewPrometheusMetricsClient("central_mcp", "server", nil)

	c := core.New(core.Config{
		Probe: health.Config{
			ProbeInterval:       time.Duration(cfg.Probe.IntervalMs) * time.Millisecond,
			ProbeTimeout:        time.Duration(cfg.Probe.TimeoutMs) * time.Millisecond,
			MaxConcurrentProbes: cfg.Probe.MaxConcurrentProbes,
			OnDemandRateLimit:   cfg.Probe.OnDemandRateLimit,
			OnDemandRatePeriod:  time.Duration(cfg.Probe.OnDemandRatePeriodMs) * time.Millisecond,
			CircuitBreaker: resilience.CircuitBreakerConfig{
				FailureThreshold: cfg.Probe.CircuitFailureThreshold,
				FailureRatio:     cfg.Probe.CircuitFailureRatio,
				ResetTimeout:     time.Duration(cfg.Probe.CircuitResetTimeoutMs) * time.Millisecond,
				SuccessThreshold: 1,
				TimeoutThreshold: time.Duration(cfg.Probe.TimeoutMs) * time.Millisecond,
			},
		},
		DiscoveryCache: cfg.Discovery.CacheSize,
	}, logger, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	adapter := transporthttp.NewServer(c, transporthttp.Config{
		JWTSigningKey: cfg.Auth.JWTSigningKey,
		ReadTimeout:   cfg.HTTP.ReadTimeout,
		WriteTimeout:  cfg.HTTP.WriteTimeout,
	}, logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.ListenPort),
		Handler:      adapter.Engine(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	go func() {
		logger.Infof("central-mcp-server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown signal received", nil)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("http server shutdown error: %v", err)
	}
	c.Shutdown(shutdownCtx)
	cancel()
}
