// Package core wires the four subsystems — Registry, Health Prober, Load
// Balancer, Service Discovery — into a single handle with a coordinated
// startup and shutdown sequence.
package core

import (
	"context"
	"time"

	"github.com/central-mcp/server/internal/discovery"
	"github.com/central-mcp/server/internal/events"
	"github.com/central-mcp/server/internal/health"
	"github.com/central-mcp/server/internal/loadbalancer"
	"github.com/central-mcp/server/internal/registry"
	"github.com/central-mcp/server/pkg/observability"
)

// Core bundles the four subsystems and the event sink connecting them.
type Core struct {
	Registry     *registry.Registry
	Prober       *health.Prober
	LoadBalancer *loadbalancer.LoadBalancer
	Discovery    *discovery.Discovery

	logger observability.Logger
}

// Config aggregates the per-subsystem configuration needed to build a Core.
type Config struct {
	Probe          health.Config
	DiscoveryCache int
}

// New builds a fully wired Core. The Registry's sink (also used by the Load
// Balancer for its warning events) fans every event out to Service
// Discovery's index invalidation and subscriber dispatch, and calls
// LoadBalancer.Forget for each ServerUnregistered event.
func New(cfg Config, logger observability.Logger, metrics observability.MetricsClient) *Core {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}

	c := &Core{logger: logger}

	fanout := events.SinkFunc(func(e events.Event) {
		c.Discovery.HandleRegistryEvent(e)
		if unreg, ok := e.(events.ServerUnregistered); ok {
			// Purge the departed id from the load balancer's connection
			// counter map so it never grows unboundedly (spec §9).
			c.LoadBalancer.Forget(unreg.ID)
		}
	})

	// prober is constructed after reg but reg's on-register hook needs to
	// call it — the closure captures the variable, not its value at
	// construction time, so this wiring order is safe.
	var prober *health.Prober
	reg := registry.New(
		registry.WithSink(fanout),
		registry.WithLogger(logger),
		registry.WithOnRegistered(func(id string) {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = prober.ProbeNow(ctx, id)
			}()
		}),
	)
	prober = health.New(reg, cfg.Probe, logger, metrics)

	lb := loadbalancer.New(reg, fanout, logger)
	disc := discovery.New(reg, logger, cfg.DiscoveryCache)

	c.Registry = reg
	c.Prober = prober
	c.LoadBalancer = lb
	c.Discovery = disc
	return c
}

// Start begins the Health Prober's background scheduler.
func (c *Core) Start(ctx context.Context) {
	c.Prober.Start(ctx)
}

// Shutdown stops the probe scheduler, waits for in-flight probes to drain
// (bounded by ctx), and clears Service Discovery subscriptions — the
// graceful sequencing described in SPEC_FULL.md's supplemented features.
func (c *Core) Shutdown(ctx context.Context) {
	c.Prober.Stop(ctx)
	c.Discovery.Clear()
}
