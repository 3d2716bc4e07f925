// Package loadbalancer implements the pure selection layer over the
// healthy-server snapshot for a capability. Its cursor and connection-count
// state is deliberately independent of the Registry's mutex — this is the
// hot path and must never contend with Registry writes.
package loadbalancer

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/central-mcp/server/internal/events"
	"github.com/central-mcp/server/internal/registry"
	"github.com/central-mcp/server/pkg/observability"
)

// Policy names a selection algorithm.
type Policy string

const (
	PolicyRoundRobin         Policy = "round-robin"
	PolicyLeastConnections   Policy = "least-connections"
	PolicyWeightedRoundRobin Policy = "weighted-round-robin"
	PolicyRandom             Policy = "random"
	PolicyHealthBased        Policy = "health-based"
	PolicyResponseTime       Policy = "response-time"
)

// Options carries the optional per-call tuning accepted by Next — currently
// only per-id weight overrides for weighted-round-robin.
type Options struct {
	Weights map[string]int
}

// LoadBalancer selects a server for a capability under one of six policies.
type LoadBalancer struct {
	reg    *registry.Registry
	sink   events.Sink
	logger observability.Logger

	mu          sync.Mutex
	cursors     map[string]uint64
	connections map[string]uint64
}

// New builds a LoadBalancer bound to a Registry.
func New(reg *registry.Registry, sink events.Sink, logger observability.Logger) *LoadBalancer {
	if sink == nil {
		sink = events.NopSink{}
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &LoadBalancer{
		reg:         reg,
		sink:        sink,
		logger:      logger,
		cursors:     make(map[string]uint64),
		connections: make(map[string]uint64),
	}
}

// Next returns a healthy server for the capability chosen by policy, or nil
// if no healthy candidate exists. A successful selection increments the
// returned server's active-connection counter and emits LoadBalancerSelected.
func (lb *LoadBalancer) Next(capability string, policy Policy, options Options) *registry.Server {
	candidates := lb.reg.ByCapability(capability)
	if len(candidates) == 0 {
		return nil
	}

	resolved := policy
	if !validPolicy(policy) {
		lb.logger.Warn("unknown load balancer policy, falling back to round-robin", map[string]interface{}{
			"policy": string(policy),
		})
		resolved = PolicyRoundRobin
	}

	var chosen *registry.Server
	switch resolved {
	case PolicyRoundRobin:
		chosen = lb.pickRoundRobin(capability, candidates)
	case PolicyLeastConnections:
		chosen = lb.pickLeastConnections(candidates)
	case PolicyWeightedRoundRobin:
		chosen = lb.pickWeightedRoundRobin(capability, candidates, options)
	case PolicyRandom:
		chosen = candidates[rand.Intn(len(candidates))]
	case PolicyHealthBased:
		chosen = lb.pickHealthBased(candidates)
	case PolicyResponseTime:
		chosen = lb.pickResponseTime(candidates)
	}

	if chosen == nil {
		return nil
	}

	lb.mu.Lock()
	lb.connections[chosen.ID]++
	lb.mu.Unlock()

	lb.sink.Publish(events.NewLoadBalancerSelected(capability, string(resolved), chosen.ID, time.Now()))
	return chosen
}

// Release decrements the active-connection counter for id, clamping at zero.
func (lb *LoadBalancer) Release(id string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if lb.connections[id] > 0 {
		lb.connections[id]--
	}
}

// Forget deletes id's active-connection count, called on Unregister so
// counters for departed servers never grow unboundedly (spec §9).
func (lb *LoadBalancer) Forget(id string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	delete(lb.connections, id)
}

func validPolicy(p Policy) bool {
	switch p {
	case PolicyRoundRobin, PolicyLeastConnections, PolicyWeightedRoundRobin, PolicyRandom, PolicyHealthBased, PolicyResponseTime:
		return true
	default:
		return false
	}
}

func (lb *LoadBalancer) pickRoundRobin(capability string, candidates []*registry.Server) *registry.Server {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	n := uint64(len(candidates))
	cursor := lb.cursors[capability] % n
	lb.cursors[capability] = cursor + 1
	return candidates[cursor]
}

func (lb *LoadBalancer) connectionCount(id string) uint64 {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.connections[id]
}

func (lb *LoadBalancer) pickLeastConnections(candidates []*registry.Server) *registry.Server {
	var best *registry.Server
	var bestCount uint64
	for _, s := range candidates {
		count := lb.connectionCount(s.ID)
		if best == nil || count < bestCount {
			best = s
			bestCount = count
		}
	}
	return best
}

// pickWeightedRoundRobin expands each candidate into `weight` virtual slots
// and round-robins over the expanded sequence using a cursor keyed
// "{capability}_weighted", distinct from the plain round-robin cursor.
func (lb *LoadBalancer) pickWeightedRoundRobin(capability string, candidates []*registry.Server, options Options) *registry.Server {
	slots := make([]*registry.Server, 0, len(candidates))
	for _, s := range candidates {
		weight := s.Weight()
		if options.Weights != nil {
			if w, ok := options.Weights[s.ID]; ok && w > 0 {
				weight = w
			}
		}
		for i := 0; i < weight; i++ {
			slots = append(slots, s)
		}
	}
	if len(slots) == 0 {
		return nil
	}

	key := capability + "_weighted"
	lb.mu.Lock()
	defer lb.mu.Unlock()
	n := uint64(len(slots))
	cursor := lb.cursors[key] % n
	lb.cursors[key] = cursor + 1
	return slots[cursor]
}

func (lb *LoadBalancer) pickHealthBased(candidates []*registry.Server) *registry.Server {
	var best *registry.Server
	bestScore := -1.0
	for _, s := range candidates {
		score := lb.healthScore(s)
		if best == nil || score > bestScore {
			best = s
			bestScore = score
		}
	}
	return best
}

// healthScore computes the spec §4.3 formula fresh at selection time — it is
// never cached on the server record.
func (lb *LoadBalancer) healthScore(s *registry.Server) float64 {
	score := 100.0
	if avg, ok := s.AvgResponseTime(); ok {
		if avg > 1000 {
			score -= 20
		} else if avg > 500 {
			score -= 10
		}
	}
	score -= s.ErrorRate() * 50
	score -= float64(lb.connectionCount(s.ID)) * 2
	if s.LastHealthCheckAt != nil && time.Since(*s.LastHealthCheckAt) < 60*time.Second {
		score += 10
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

func (lb *LoadBalancer) pickResponseTime(candidates []*registry.Server) *registry.Server {
	var best *registry.Server
	bestAvg := -1.0
	for _, s := range candidates {
		avg, ok := s.AvgResponseTime()
		if !ok {
			avg = math.MaxFloat64
		}
		if best == nil || avg < bestAvg {
			best = s
			bestAvg = avg
		}
	}
	return best
}
