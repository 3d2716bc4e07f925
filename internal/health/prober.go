// Package health implements the periodic health-probing engine: a ticker
// driven scheduler that probes every registered server, bounded by a
// bulkhead for tick-loop concurrency and protected per-server by a circuit
// breaker so a known-dead host fails fast instead of being redialed.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/central-mcp/server/internal/registry"
	"github.com/central-mcp/server/pkg/observability"
	"github.com/central-mcp/server/pkg/resilience"
)

const userAgent = "Central-MCP-Server/1.0"

// Config tunes the prober's scheduling and resilience behavior.
type Config struct {
	ProbeInterval       time.Duration
	ProbeTimeout        time.Duration
	MaxConcurrentProbes int
	OnDemandRateLimit   int // on-demand probes allowed per OnDemandRatePeriod, per server
	OnDemandRatePeriod  time.Duration
	CircuitBreaker      resilience.CircuitBreakerConfig
}

// DefaultConfig matches spec.md §4.2 / §6 defaults.
func DefaultConfig() Config {
	return Config{
		ProbeInterval:       30 * time.Second,
		ProbeTimeout:        5 * time.Second,
		MaxConcurrentProbes: 64,
		OnDemandRateLimit:   5,
		OnDemandRatePeriod:  time.Minute,
		CircuitBreaker: resilience.CircuitBreakerConfig{
			FailureThreshold:    3,
			FailureRatio:        0.6,
			ResetTimeout:        30 * time.Second,
			SuccessThreshold:    1,
			TimeoutThreshold:    5 * time.Second,
			MaxRequestsHalfOpen: 1,
			MinimumRequestCount: 3,
		},
	}
}

// Prober owns the periodic scheduler described in spec §4.2.
type Prober struct {
	cfg        Config
	reg        *registry.Registry
	logger     observability.Logger
	metrics    observability.MetricsClient
	httpClient *http.Client

	bulkhead *resilience.Bulkhead

	mu           sync.Mutex
	running      bool
	stopCh       chan struct{}
	doneCh       chan struct{}
	rateLimiters map[string]*resilience.RateLimiter
	breakers     map[string]*resilience.CircuitBreaker
}

// New builds a Prober bound to a Registry. The Registry is never created by
// the Prober — it is an injected collaborator, matching the Registry's own
// position as the bottom layer of the core.
func New(reg *registry.Registry, cfg Config, logger observability.Logger, metrics observability.MetricsClient) *Prober {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}
	return &Prober{
		cfg:     cfg,
		reg:     reg,
		logger:  logger,
		metrics: metrics,
		httpClient: &http.Client{
			Timeout: cfg.ProbeTimeout,
		},
		bulkhead:     resilience.NewBulkhead("health-prober", resilience.BulkheadConfig{MaxConcurrentCalls: cfg.MaxConcurrentProbes}, logger, metrics),
		rateLimiters: make(map[string]*resilience.RateLimiter),
		breakers:     make(map[string]*resilience.CircuitBreaker),
	}
}

// Start begins the ticker-driven scheduler. It is idempotent: calling Start
// on an already-running Prober is a no-op.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.mu.Unlock()

	go p.run(ctx)
}

func (p *Prober) run(ctx context.Context) {
	defer close(p.doneCh)
	ticker := time.NewTicker(p.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick dispatches a probe for every currently registered id, bounded by the
// bulkhead. The bulkhead has no queue, so probes beyond MaxConcurrentProbes
// are rejected by it and skipped for this tick. Each probe goroutine recovers
// its own panic, so one panicking probe does not abort the tick for the
// others; run itself has no panic recovery and is not restarted.
func (p *Prober) tick(ctx context.Context) {
	ids := p.reg.AllIDs()
	var wg sync.WaitGroup
	for _, id := range ids {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer p.recoverPanic(id)
			_, _ = p.bulkhead.Execute(ctx, func(ctx context.Context) (interface{}, error) {
				p.probeOne(ctx, id)
				return nil, nil
			})
		}()
	}
	wg.Wait()
}

func (p *Prober) recoverPanic(id string) {
	if r := recover(); r != nil {
		p.logger.Error("probe panicked, tick continues for other servers", map[string]interface{}{
			"id":    id,
			"panic": fmt.Sprintf("%v", r),
		})
	}
}

// ProbeNow issues an immediate, rate-limited probe for a single id outside
// the tick loop. It follows the same Registry update rules as a scheduled
// probe (spec §4.2 "On-demand probe").
func (p *Prober) ProbeNow(ctx context.Context, id string) error {
	if !p.limiterFor(id).Allow() {
		return fmt.Errorf("on-demand probe rate limit exceeded for %s", id)
	}
	p.probeOne(ctx, id)
	return nil
}

// breakerFor returns the per-server circuit breaker, creating it on first
// use. Breakers persist for the lifetime of the Prober so trip state
// survives across ticks; Unregister does not need to clear them since a
// dangling breaker for a departed id is harmless and bounded by id reuse
// never happening (spec §3: ids never reappear).
func (p *Prober) breakerFor(id string) *resilience.CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.breakers[id]
	if !ok {
		b = resilience.NewCircuitBreaker(id, p.cfg.CircuitBreaker, p.logger, p.metrics)
		p.breakers[id] = b
	}
	return b
}

func (p *Prober) limiterFor(id string) *resilience.RateLimiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.rateLimiters[id]
	if !ok {
		l = resilience.NewRateLimiter(id, resilience.RateLimiterConfig{
			Limit:  p.cfg.OnDemandRateLimit,
			Period: p.cfg.OnDemandRatePeriod,
		})
		p.rateLimiters[id] = l
	}
	return l
}

// probeOne performs the HTTP GET, applies the circuit breaker, and writes
// the result back through Registry.ApplyProbeResult. A probe whose target
// was unregistered before completion is silently dropped — the Registry
// lookup inside ApplyProbeResult is the gate (spec §4.2 re-entrancy rule).
func (p *Prober) probeOne(ctx context.Context, id string) {
	server := p.reg.Get(id)
	if server == nil {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()

	probeCtx, span := observability.StartSpan(probeCtx, "health.probe")
	span.SetAttribute("server.id", id)
	defer span.End()

	breaker := p.breakerFor(id)

	start := time.Now()
	result, err := breaker.Execute(probeCtx, func() (interface{}, error) {
		return p.doProbe(probeCtx, server)
	})
	latency := time.Since(start).Milliseconds()

	ok := err == nil
	if !ok {
		span.RecordError(err)
		span.SetStatus(2, err.Error())
	}
	var capabilities []string
	if ok {
		if parsed, isParsed := result.(probeResult); isParsed {
			capabilities = parsed.capabilities
		}
	}

	applied, changed, completed := p.reg.ApplyProbeResult(id, ok, latency, time.Now())
	if !applied {
		return
	}
	p.reg.Publish(completed)
	if changed != nil {
		p.reg.Publish(*changed)
	}
	if ok && len(capabilities) > 0 {
		p.reg.UpdateCapabilities(id, capabilities)
	}
}

type probeResult struct {
	capabilities []string
}

type healthBody struct {
	Capabilities []string `json:"capabilities"`
}

// doProbe performs the bare HTTP GET described in spec §6: success is HTTP
// 200; any other status, a transport error, or exceeding the deadline is a
// failure.
func (p *Prober) doProbe(ctx context.Context, server *registry.Server) (interface{}, error) {
	target := server.URL + server.HealthEndpoint()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("probe returned status %d", resp.StatusCode)
	}

	var body healthBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		return probeResult{capabilities: body.Capabilities}, nil
	}
	return probeResult{}, nil
}

// BreakerMetrics returns GetMetrics() for every per-server circuit breaker
// created so far, keyed by server id — the admin introspection surface
// named in SPEC_FULL.md's supplemented features, shaped like
// CircuitBreakerManager.GetAllMetrics but keyed by ServerId instead of a
// fixed named-service set.
func (p *Prober) BreakerMetrics() map[string]map[string]interface{} {
	p.mu.Lock()
	breakers := make([]*resilience.CircuitBreaker, 0, len(p.breakers))
	ids := make([]string, 0, len(p.breakers))
	for id, b := range p.breakers {
		ids = append(ids, id)
		breakers = append(breakers, b)
	}
	p.mu.Unlock()

	out := make(map[string]map[string]interface{}, len(ids))
	for i, id := range ids {
		out[id] = breakers[i].GetMetrics()
	}
	return out
}

// BulkheadStats returns the tick-loop bulkhead's current stats — the other
// half of the admin introspection surface named in SPEC_FULL.md.
func (p *Prober) BulkheadStats() resilience.BulkheadStats {
	return p.bulkhead.GetStats()
}

// Stop halts the scheduler, waiting for the in-flight tick to finish (bounded
// by ctx). No new ticks are dispatched after Stop returns.
func (p *Prober) Stop(ctx context.Context) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	doneCh := p.doneCh
	p.mu.Unlock()

	select {
	case <-doneCh:
	case <-ctx.Done():
	}
	_ = p.bulkhead.Close()
}
