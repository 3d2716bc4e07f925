// Package registry implements the in-memory worker registry: the single
// source of truth for server records, guarded by one read-write mutex. It
// is the bottom layer of the core — the health prober, load balancer, and
// service discovery all read and write through it.
package registry

import (
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/central-mcp/server/internal/events"
	"github.com/central-mcp/server/pkg/apierrors"
	"github.com/central-mcp/server/pkg/observability"
)

const defaultHistorySize = 10

// Stats is the aggregate snapshot returned by Registry.Stats.
type Stats struct {
	Total        int
	Healthy      int
	Unhealthy    int
	Unknown      int
	Capabilities []string
	ByCapability map[string]CapabilityStats
}

// CapabilityStats is the supplemented per-capability healthy/unhealthy
// breakdown carried on Stats.
type CapabilityStats struct {
	Healthy   int
	Unhealthy int
	Unknown   int
}

// Registry stores the set of known workers keyed by ServerId.
type Registry struct {
	mu          sync.RWMutex
	servers     map[string]*Server
	nextSeq     uint64
	sink        events.Sink
	logger      observability.Logger
	historySize int

	// onRegistered, when set, is invoked with the new server's id after the
	// write lock is released — the health prober wires this to schedule the
	// spec's "one-shot health probe on register" without the Registry
	// importing the prober package.
	onRegistered func(id string)
}

// Option configures a Registry at construction.
type Option func(*Registry)

// WithSink overrides the event sink (default: events.NopSink{}).
func WithSink(sink events.Sink) Option {
	return func(r *Registry) { r.sink = sink }
}

// WithLogger overrides the logger (default: observability.NewNoopLogger()).
func WithLogger(logger observability.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithHistorySize bounds the number of kept ProbeOutcome entries per server.
func WithHistorySize(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.historySize = n
		}
	}
}

// WithOnRegistered installs a hook fired (outside the lock) after each
// successful Register call.
func WithOnRegistered(fn func(id string)) Option {
	return func(r *Registry) { r.onRegistered = fn }
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		servers:     make(map[string]*Server),
		sink:        events.NopSink{},
		logger:      observability.NewNoopLogger(),
		historySize: defaultHistorySize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register validates input, allocates a fresh id, stores the server with
// status Unknown, emits ServerRegistered, and (via the onRegistered hook)
// triggers the one-shot probe described in spec §4.1.
func (r *Registry) Register(input RegisterInput) (string, error) {
	if input.Name == "" {
		return "", apierrors.InvalidInput("name is required")
	}
	parsed, err := url.Parse(input.URL)
	if err != nil || !parsed.IsAbs() {
		return "", apierrors.InvalidInput("url must be an absolute, parseable URL")
	}

	id := uuid.NewString()
	now := time.Now()
	metadata := make(map[string]interface{}, len(input.Metadata)+1)
	for k, v := range input.Metadata {
		metadata[k] = v
	}

	server := &Server{
		ID:           id,
		Name:         input.Name,
		URL:          input.URL,
		Description:  input.Description,
		Capabilities: append([]string(nil), input.Capabilities...),
		Status:       StatusUnknown,
		RegisteredAt: now,
		Metadata:     metadata,
	}

	r.mu.Lock()
	// 128-bit uuid collisions are not supposed to happen; treat one as a
	// fatal invariant violation per spec §4.1 rather than silently
	// overwriting an existing server.
	if _, exists := r.servers[id]; exists {
		r.mu.Unlock()
		r.logger.Error("uuid collision on register", map[string]interface{}{"id": id})
		return "", apierrors.Internal(nil, "server id collision")
	}
	r.nextSeq++
	server.seq = r.nextSeq
	r.servers[id] = server
	r.mu.Unlock()

	r.sink.Publish(events.NewServerRegistered(id, snapshotOf(server), now))
	r.logger.Info("server registered", map[string]interface{}{"id": id, "name": input.Name})

	if r.onRegistered != nil {
		r.onRegistered(id)
	}
	return id, nil
}

// Unregister removes a server, returning true iff it existed. Idempotent:
// a second call returns false and emits no event.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	server, exists := r.servers[id]
	if !exists {
		r.mu.Unlock()
		return false
	}
	delete(r.servers, id)
	r.mu.Unlock()

	r.sink.Publish(events.NewServerUnregistered(id, server.Capabilities, time.Now()))
	r.logger.Info("server unregistered", map[string]interface{}{"id": id})
	return true
}

// Get returns a deep-copied snapshot, or nil if id is absent.
func (r *Registry) Get(id string) *Server {
	r.mu.RLock()
	defer r.mu.RUnlock()
	server, ok := r.servers[id]
	if !ok {
		return nil
	}
	return server.clone()
}

// All returns a snapshot of every registered server, ordered by registration
// sequence. Go does not guarantee map iteration order is stable call-to-call
// even on an unchanged map, so every accessor that returns a candidate slice
// sorts it before returning — position-dependent callers (the load
// balancer's round-robin and weighted-round-robin policies index into these
// slices by a persistent cursor, and need the same server at the same index
// every call, in the order servers were registered: spec Scenario 1 pins the
// round-robin sequence to registration order, and a server's ID is a random
// uuid unrelated to it, so sorting by ID would not do).
func (r *Registry) All() []*Server {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Server, 0, len(r.servers))
	for _, s := range r.servers {
		out = append(out, s.clone())
	}
	sortByRegistration(out)
	return out
}

// Healthy returns every server whose status is currently Healthy, ordered
// by registration sequence (see All for why).
func (r *Registry) Healthy() []*Server {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Server, 0, len(r.servers))
	for _, s := range r.servers {
		if s.Status == StatusHealthy {
			out = append(out, s.clone())
		}
	}
	sortByRegistration(out)
	return out
}

// ByCapability returns every Healthy server advertising the given
// capability, ordered by registration sequence (see All for why).
func (r *Registry) ByCapability(cap string) []*Server {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Server, 0)
	for _, s := range r.servers {
		if s.Status == StatusHealthy && s.hasCapability(cap) {
			out = append(out, s.clone())
		}
	}
	sortByRegistration(out)
	return out
}

func sortByRegistration(servers []*Server) {
	sort.Slice(servers, func(i, j int) bool { return servers[i].seq < servers[j].seq })
}

// UpdateMetadata merges patch over the server's existing metadata, returning
// false if id is absent. A "status" key in patch is treated as an explicit
// status override and emits ServerStatusChanged like a probe result would.
func (r *Registry) UpdateMetadata(id string, patch map[string]interface{}) bool {
	r.mu.Lock()
	server, ok := r.servers[id]
	if !ok {
		r.mu.Unlock()
		return false
	}

	var statusEvent *events.ServerStatusChanged
	from := server.Status
	if server.Metadata == nil {
		server.Metadata = make(map[string]interface{}, len(patch))
	}
	for k, v := range patch {
		if k == "status" {
			if s, ok := v.(string); ok {
				newStatus := Status(s)
				if newStatus != from {
					ev := events.NewServerStatusChanged(id, string(from), string(newStatus), append([]string(nil), server.Capabilities...), time.Now())
					statusEvent = &ev
				}
				server.Status = newStatus
			}
			continue
		}
		server.Metadata[k] = v
	}
	r.mu.Unlock()

	if statusEvent != nil {
		r.sink.Publish(*statusEvent)
	}
	return true
}

// UpdateCapabilities replaces a server's capability set, as used when the
// Health Prober observes a `{capabilities: string[]}` body on a successful
// probe (spec §6). Returns false if id is absent.
func (r *Registry) UpdateCapabilities(id string, capabilities []string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	server, ok := r.servers[id]
	if !ok {
		return false
	}
	server.Capabilities = append([]string(nil), capabilities...)
	return true
}

// ApplyProbeResult applies the Health Prober's state-update rules (spec
// §4.2) under the write lock, and returns the events to publish — the
// caller (health.Prober) publishes them outside any lock it itself holds.
// Re-entrancy: if id is no longer present the result is silently dropped,
// per spec §4.2 "the Registry lookup during update is the gate".
func (r *Registry) ApplyProbeResult(id string, ok bool, latencyMs int64, at time.Time) (applied bool, changed *events.ServerStatusChanged, completed events.HealthCheckCompleted) {
	r.mu.Lock()
	server, exists := r.servers[id]
	if !exists {
		r.mu.Unlock()
		return false, nil, events.HealthCheckCompleted{}
	}

	from := server.Status
	if ok {
		server.Status = StatusHealthy
		if from != StatusHealthy {
			ev := events.NewServerStatusChanged(id, string(from), string(StatusHealthy), append([]string(nil), server.Capabilities...), at)
			changed = &ev
		}
		prevAvg, hadAvg := server.AvgResponseTime()
		var newAvg float64
		if hadAvg {
			newAvg = (prevAvg + float64(latencyMs)) / 2
		} else {
			newAvg = float64(latencyMs)
		}
		if server.Metadata == nil {
			server.Metadata = make(map[string]interface{})
		}
		server.Metadata["avgResponseTime"] = newAvg
		server.Metadata["errorRate"] = maxFloat(0, server.ErrorRate()-0.01)
	} else {
		server.Status = StatusUnhealthy
		if from == StatusHealthy {
			ev := events.NewServerStatusChanged(id, string(from), string(StatusUnhealthy), append([]string(nil), server.Capabilities...), at)
			changed = &ev
		}
		if server.Metadata == nil {
			server.Metadata = make(map[string]interface{})
		}
		server.Metadata["errorRate"] = minFloat(1, server.ErrorRate()+0.1)
	}
	server.LastHealthCheckAt = &at
	server.HealthCheckCount++
	server.History = append(server.History, ProbeOutcome{OK: ok, LatencyMs: latencyMs, At: at})
	if len(server.History) > r.historySize {
		server.History = server.History[len(server.History)-r.historySize:]
	}
	r.mu.Unlock()

	return true, changed, events.NewHealthCheckCompleted(id, ok, latencyMs, at)
}

// Publish exposes the registry's event sink to collaborators (the health
// prober) that need to emit events produced outside a Registry write.
func (r *Registry) Publish(e events.Event) {
	r.sink.Publish(e)
}

// AllIDs returns every currently registered id, for the prober's tick loop.
func (r *Registry) AllIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.servers))
	for id := range r.servers {
		out = append(out, id)
	}
	return out
}

// Stats reports the registry's aggregate counts and capability breakdown.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{ByCapability: make(map[string]CapabilityStats)}
	capSet := make(map[string]struct{})
	for _, s := range r.servers {
		stats.Total++
		switch s.Status {
		case StatusHealthy:
			stats.Healthy++
		case StatusUnhealthy:
			stats.Unhealthy++
		default:
			stats.Unknown++
		}
		for _, cap := range s.Capabilities {
			capSet[cap] = struct{}{}
			cs := stats.ByCapability[cap]
			switch s.Status {
			case StatusHealthy:
				cs.Healthy++
			case StatusUnhealthy:
				cs.Unhealthy++
			default:
				cs.Unknown++
			}
			stats.ByCapability[cap] = cs
		}
	}
	stats.Capabilities = make([]string, 0, len(capSet))
	for cap := range capSet {
		stats.Capabilities = append(stats.Capabilities, cap)
	}
	return stats
}

func snapshotOf(s *Server) events.ServerSnapshot {
	return events.ServerSnapshot{
		ID:           s.ID,
		Name:         s.Name,
		URL:          s.URL,
		Capabilities: append([]string(nil), s.Capabilities...),
		Status:       string(s.Status),
	}
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
