// Package discovery implements the capability index, BestServer selection,
// and subscription fan-out described in spec §4.4. It is the topmost layer
// of the core — it reads the Registry but writes nothing to it.
package discovery

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/central-mcp/server/internal/events"
	"github.com/central-mcp/server/internal/registry"
	"github.com/central-mcp/server/pkg/observability"
)

// Strategy names a BestServer tie-break algorithm.
type Strategy string

const (
	StrategyRandom      Strategy = "random"
	StrategyLeastRecent  Strategy = "least-recent"
	StrategyMostRecent   Strategy = "most-recent"
	StrategyRoundRobin   Strategy = "round-robin"
)

// Criteria filters and ranks candidates for BestServer.
type Criteria struct {
	Metadata  map[string]interface{}
	MinUptime time.Duration
	Strategy  Strategy
}

// Subscription is one client's standing interest in a set of capabilities.
type Subscription struct {
	ClientID     string
	Capabilities map[string]struct{}
	Callback     func(Notification)
}

// NotificationKind distinguishes the payloads delivered to a subscriber.
type NotificationKind string

const (
	NotificationInitialState NotificationKind = "InitialState"
	NotificationAdded        NotificationKind = "added"
	NotificationRemoved      NotificationKind = "removed"
	NotificationStatusChange NotificationKind = "status-changed"
)

// Notification is delivered to a subscriber's callback.
type Notification struct {
	Kind        NotificationKind
	Index       map[string][]*registry.Server // present on InitialState
	Capability  string                         // present on added/removed/status-changed
	Server      *registry.Server               // present on added/removed/status-changed
}

// Discovery maintains the capability index and subscriber map.
type Discovery struct {
	reg    *registry.Registry
	logger observability.Logger

	subMu sync.Mutex
	subs  map[string]*Subscription

	cache      *lru.Cache[string, []*registry.Server]
	cacheMu    sync.Mutex
	cacheEpoch uint64
}

// New builds a Discovery bound to a Registry. cacheSize of 0 disables the
// BestServer result cache.
func New(reg *registry.Registry, logger observability.Logger, cacheSize int) *Discovery {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	d := &Discovery{
		reg:    reg,
		logger: logger,
		subs:   make(map[string]*Subscription),
	}
	if cacheSize > 0 {
		c, err := lru.New[string, []*registry.Server](cacheSize)
		if err == nil {
			d.cache = c
		}
	}
	return d
}

// Discover returns the current healthy-server snapshot for a capability.
func (d *Discovery) Discover(capability string) []*registry.Server {
	return d.reg.ByCapability(capability)
}

// Capabilities returns the distinct set of capabilities across all healthy
// servers.
func (d *Discovery) Capabilities() []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, s := range d.reg.Healthy() {
		for _, c := range s.Capabilities {
			if _, ok := seen[c]; !ok {
				seen[c] = struct{}{}
				out = append(out, c)
			}
		}
	}
	return out
}

// BestServer filters the capability's healthy candidates by criteria, then
// applies the chosen strategy to pick one. Filtering and strategy are
// recomputed fresh on each call when caching is disabled; when enabled, the
// capability's resolved candidate list is cached and invalidated whenever
// HandleRegistryEvent observes a change (spec §4.4 "implementations MAY
// cache with invalidation on events").
func (d *Discovery) BestServer(capability string, criteria Criteria) *registry.Server {
	candidates := d.filteredCandidates(capability, criteria)
	if len(candidates) == 0 {
		return nil
	}

	switch criteria.Strategy {
	case StrategyLeastRecent:
		sort.SliceStable(candidates, func(i, j int) bool {
			return lastCheckOrZero(candidates[i]).Before(lastCheckOrZero(candidates[j]))
		})
		return candidates[0]
	case StrategyMostRecent:
		sort.SliceStable(candidates, func(i, j int) bool {
			return lastCheckOrZero(candidates[i]).After(lastCheckOrZero(candidates[j]))
		})
		return candidates[0]
	case StrategyRoundRobin:
		// Stateless, time-seeded: deliberately sensitive to clock skew
		// across callers, per spec §9 "Ambiguous source behavior".
		idx := int(time.Now().Unix()) % len(candidates)
		return candidates[idx]
	case StrategyRandom:
		fallthrough
	default:
		return candidates[rand.Intn(len(candidates))]
	}
}

func lastCheckOrZero(s *registry.Server) time.Time {
	if s.LastHealthCheckAt == nil {
		return time.Time{}
	}
	return *s.LastHealthCheckAt
}

func (d *Discovery) filteredCandidates(capability string, criteria Criteria) []*registry.Server {
	all := d.cachedCandidates(capability)
	out := make([]*registry.Server, 0, len(all))
	for _, s := range all {
		if !matchesMetadata(s, criteria.Metadata) {
			continue
		}
		if criteria.MinUptime > 0 && time.Since(s.RegisteredAt) < criteria.MinUptime {
			continue
		}
		out = append(out, s)
	}
	return out
}

func matchesMetadata(s *registry.Server, want map[string]interface{}) bool {
	for k, v := range want {
		got, ok := s.Metadata[k]
		if !ok || got != v {
			return false
		}
	}
	return true
}

func (d *Discovery) cachedCandidates(capability string) []*registry.Server {
	if d.cache == nil {
		return d.reg.ByCapability(capability)
	}
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	if v, ok := d.cache.Get(capability); ok {
		return v
	}
	fresh := d.reg.ByCapability(capability)
	d.cache.Add(capability, fresh)
	return fresh
}

func (d *Discovery) invalidateCache(capability string) {
	if d.cache == nil {
		return
	}
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	d.cache.Remove(capability)
}

// Subscribe records a client's interest and immediately delivers an
// InitialState notification built from the current index.
func (d *Discovery) Subscribe(clientID string, capabilities []string, callback func(Notification)) {
	capSet := make(map[string]struct{}, len(capabilities))
	for _, c := range capabilities {
		capSet[c] = struct{}{}
	}

	sub := &Subscription{ClientID: clientID, Capabilities: capSet, Callback: callback}

	d.subMu.Lock()
	d.subs[clientID] = sub
	d.subMu.Unlock()

	initial := make(map[string][]*registry.Server, len(capabilities))
	for cap := range capSet {
		initial[cap] = d.Discover(cap)
	}
	d.dispatch(sub, Notification{Kind: NotificationInitialState, Index: initial})
}

// Clear removes every subscription, used during graceful shutdown.
func (d *Discovery) Clear() {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	d.subs = make(map[string]*Subscription)
}

// Unsubscribe removes a client's subscription, returning true iff it existed.
func (d *Discovery) Unsubscribe(clientID string) bool {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	if _, ok := d.subs[clientID]; !ok {
		return false
	}
	delete(d.subs, clientID)
	return true
}

// HandleRegistryEvent walks the subscription map and dispatches change
// notifications to every subscriber whose capability set overlaps the
// changed server's capabilities. Removal events are always considered
// relevant, since a subscriber may have cached a server whose capability
// list it no longer knows (spec §4.4).
func (d *Discovery) HandleRegistryEvent(e events.Event) {
	switch ev := e.(type) {
	case events.ServerRegistered:
		d.invalidateAll(ev.Snapshot.Capabilities)
		snapshotServer := &registry.Server{
			ID:           ev.Snapshot.ID,
			Name:         ev.Snapshot.Name,
			URL:          ev.Snapshot.URL,
			Capabilities: ev.Snapshot.Capabilities,
			Status:       registry.Status(ev.Snapshot.Status),
		}
		d.notifyFixed(ev.Snapshot.Capabilities, NotificationAdded, snapshotServer)
	case events.ServerUnregistered:
		d.invalidateAll(ev.Capabilities)
		d.notifyRemoval(ev.ID, ev.Capabilities)
	case events.ServerStatusChanged:
		d.invalidateAll(ev.Capabilities)
		d.notifyCapabilities(ev.Capabilities, Notification{
			Kind: NotificationStatusChange,
		}, ev.Capabilities, ev.ID)
	}
}

// notifyFixed delivers the same Notification (capability varying) to every
// subscriber overlapping capabilities, without re-deriving the server from
// the (possibly not-yet-Healthy) index — used for ServerRegistered, whose
// payload comes from the event itself.
func (d *Discovery) notifyFixed(capabilities []string, kind NotificationKind, server *registry.Server) {
	d.subMu.Lock()
	var relevant []*Subscription
	for _, sub := range d.subs {
		if overlaps(sub.Capabilities, capabilities) {
			relevant = append(relevant, sub)
		}
	}
	d.subMu.Unlock()

	for _, cap := range capabilities {
		n := Notification{Kind: kind, Capability: cap, Server: server}
		for _, sub := range relevant {
			if _, ok := sub.Capabilities[cap]; ok {
				d.dispatch(sub, n)
			}
		}
	}
}

func (d *Discovery) invalidateAll(capabilities []string) {
	for _, cap := range capabilities {
		d.invalidateCache(cap)
	}
}

// notifyCapabilities delivers a per-capability notification (filling in the
// capability and a fresh server snapshot) to subscribers overlapping the
// given capability set.
func (d *Discovery) notifyCapabilities(capabilities []string, template Notification, affected []string, id string) {
	d.subMu.Lock()
	var relevant []*Subscription
	for _, sub := range d.subs {
		if overlaps(sub.Capabilities, affected) {
			relevant = append(relevant, sub)
		}
	}
	d.subMu.Unlock()

	for _, cap := range capabilities {
		server := d.lookupInCapability(cap, id)
		n := template
		n.Capability = cap
		n.Server = server
		for _, sub := range relevant {
			if _, ok := sub.Capabilities[cap]; ok {
				d.dispatch(sub, n)
			}
		}
	}
}

func (d *Discovery) lookupInCapability(cap, id string) *registry.Server {
	for _, s := range d.Discover(cap) {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// notifyRemoval delivers a removed notification to every subscriber,
// regardless of capability overlap — spec §4.4 calls removal "always
// considered relevant," since a subscriber may have cached a server whose
// capability list it no longer knows post-removal. Every subscriber gets
// one notification per capability the server used to advertise.
func (d *Discovery) notifyRemoval(id string, capabilities []string) {
	d.subMu.Lock()
	subs := make([]*Subscription, 0, len(d.subs))
	for _, sub := range d.subs {
		subs = append(subs, sub)
	}
	d.subMu.Unlock()

	for _, sub := range subs {
		for _, cap := range capabilities {
			d.dispatch(sub, Notification{Kind: NotificationRemoved, Capability: cap, Server: &registry.Server{ID: id}})
		}
	}
}

func overlaps(subCaps map[string]struct{}, changed []string) bool {
	for _, c := range changed {
		if _, ok := subCaps[c]; ok {
			return true
		}
	}
	return false
}

// dispatch invokes a subscriber's callback outside any lock, recovering a
// panic so one bad subscriber never affects others (spec §4.4).
func (d *Discovery) dispatch(sub *Subscription, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("subscriber callback panicked", map[string]interface{}{
				"clientId": sub.ClientID,
				"panic":    r,
			})
		}
	}()
	sub.Callback(n)
}
