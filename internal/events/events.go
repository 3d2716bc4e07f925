// Package events defines the typed internal events emitted by the registry,
// health prober, and load balancer. Service discovery and the observability
// collaborator are the consumers.
package events

import "time"

// Type names an event's concrete shape so a consumer can switch on it
// without a type assertion chain.
type Type string

const (
	TypeServerRegistered     Type = "ServerRegistered"
	TypeServerUnregistered   Type = "ServerUnregistered"
	TypeServerStatusChanged  Type = "ServerStatusChanged"
	TypeHealthCheckCompleted Type = "HealthCheckCompleted"
	TypeLoadBalancerSelected Type = "LoadBalancerSelected"
)

// Event is the common envelope every typed event satisfies.
type Event interface {
	EventType() Type
	OccurredAt() time.Time
}

type base struct {
	at time.Time
}

func (b base) OccurredAt() time.Time { return b.at }

// ServerSnapshot is the minimal, copy-safe view of a server carried on
// ServerRegistered — the full Server type lives in the registry package;
// events live below registry in the dependency graph so they declare their
// own narrow snapshot shape instead of importing it back.
type ServerSnapshot struct {
	ID           string
	Name         string
	URL          string
	Capabilities []string
	Status       string
}

// ServerRegistered fires once Registry.Register commits a new server.
type ServerRegistered struct {
	base
	ID       string
	Snapshot ServerSnapshot
}

func NewServerRegistered(id string, snapshot ServerSnapshot, at time.Time) ServerRegistered {
	return ServerRegistered{base: base{at: at}, ID: id, Snapshot: snapshot}
}

func (ServerRegistered) EventType() Type { return TypeServerRegistered }

// ServerUnregistered fires once Registry.Unregister removes a server.
type ServerUnregistered struct {
	base
	ID           string
	Capabilities []string
}

func NewServerUnregistered(id string, capabilities []string, at time.Time) ServerUnregistered {
	return ServerUnregistered{base: base{at: at}, ID: id, Capabilities: capabilities}
}

func (ServerUnregistered) EventType() Type { return TypeServerUnregistered }

// ServerStatusChanged fires when a server's status transitions, carrying
// the previous and new status strings.
type ServerStatusChanged struct {
	base
	ID           string
	From         string
	To           string
	Capabilities []string
}

func NewServerStatusChanged(id, from, to string, capabilities []string, at time.Time) ServerStatusChanged {
	return ServerStatusChanged{base: base{at: at}, ID: id, From: from, To: to, Capabilities: capabilities}
}

func (ServerStatusChanged) EventType() Type { return TypeServerStatusChanged }

// HealthCheckCompleted fires after every probe, success or failure.
type HealthCheckCompleted struct {
	base
	ID        string
	OK        bool
	LatencyMs int64
}

func NewHealthCheckCompleted(id string, ok bool, latencyMs int64, at time.Time) HealthCheckCompleted {
	return HealthCheckCompleted{base: base{at: at}, ID: id, OK: ok, LatencyMs: latencyMs}
}

func (HealthCheckCompleted) EventType() Type { return TypeHealthCheckCompleted }

// LoadBalancerSelected fires whenever Next returns a non-null server.
type LoadBalancerSelected struct {
	base
	Capability string
	Policy     string
	ID         string
}

func NewLoadBalancerSelected(capability, policy, id string, at time.Time) LoadBalancerSelected {
	return LoadBalancerSelected{base: base{at: at}, Capability: capability, Policy: policy, ID: id}
}

func (LoadBalancerSelected) EventType() Type { return TypeLoadBalancerSelected }

// Sink receives emitted events. Implementations must not block the emitter
// for long; the registry and prober call Publish synchronously on their
// write path.
type Sink interface {
	Publish(Event)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Event)

func (f SinkFunc) Publish(e Event) { f(e) }

// NopSink discards every event. Useful as a default collaborator in tests.
type NopSink struct{}

func (NopSink) Publish(Event) {}
