package registry

import "time"

// Status is a server's current health classification.
type Status string

const (
	StatusUnknown   Status = "Unknown"
	StatusHealthy   Status = "Healthy"
	StatusUnhealthy Status = "Unhealthy"
)

// Server is a registered worker. Values handed out by the Registry are deep
// copies; callers may read them freely but must never mutate internal
// Registry state through them.
type Server struct {
	ID                string
	Name              string
	URL               string
	Description       string
	Capabilities      []string
	Status            Status
	RegisteredAt      time.Time
	LastHealthCheckAt *time.Time
	HealthCheckCount  uint64
	Metadata          map[string]interface{}
	History           []ProbeOutcome

	// seq is a monotonic registration-order counter assigned by Registry.Register.
	// ID is a random uuid and RegisteredAt can tie at clock resolution, so
	// every position-dependent accessor (All/Healthy/ByCapability) orders by
	// seq instead — it's the only field that actually reflects registration
	// order.
	seq uint64
}

// ProbeOutcome is one entry of a server's bounded health-check history,
// kept for diagnostics only — it never feeds status/avgResponseTime/
// errorRate, which follow the update rules in Registry.ApplyProbeResult.
type ProbeOutcome struct {
	OK        bool
	LatencyMs int64
	At        time.Time
}

// RegisterInput is the payload accepted by Registry.Register.
type RegisterInput struct {
	Name         string
	URL          string
	Description  string
	Capabilities []string
	Metadata     map[string]interface{}
}

// Weight returns metadata["weight"] coerced to a positive int, defaulting to
// 1 when absent or non-positive.
func (s *Server) Weight() int {
	return metadataInt(s.Metadata, "weight", 1)
}

// AvgResponseTime returns metadata["avgResponseTime"] in milliseconds and
// true, or 0 and false when it is absent or not numeric.
func (s *Server) AvgResponseTime() (float64, bool) {
	if s.Metadata == nil {
		return 0, false
	}
	v, ok := s.Metadata["avgResponseTime"]
	if !ok {
		return 0, false
	}
	f, ok := toFloat(v)
	return f, ok
}

// ErrorRate returns metadata["errorRate"], defaulting to 0 when absent.
func (s *Server) ErrorRate() float64 {
	if s.Metadata == nil {
		return 0
	}
	f, ok := toFloat(s.Metadata["errorRate"])
	if !ok {
		return 0
	}
	return f
}

// HealthEndpoint returns metadata["healthEndpoint"], defaulting to "/health".
func (s *Server) HealthEndpoint() string {
	if s.Metadata == nil {
		return "/health"
	}
	if v, ok := s.Metadata["healthEndpoint"].(string); ok && v != "" {
		return v
	}
	return "/health"
}

func metadataInt(meta map[string]interface{}, key string, def int) int {
	if meta == nil {
		return def
	}
	v, ok := meta[key]
	if !ok {
		return def
	}
	f, ok := toFloat(v)
	if !ok || f <= 0 {
		return def
	}
	return int(f)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// clone returns a deep copy safe to hand to callers outside the lock.
func (s *Server) clone() *Server {
	c := *s
	c.Capabilities = append([]string(nil), s.Capabilities...)
	if s.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	if s.LastHealthCheckAt != nil {
		t := *s.LastHealthCheckAt
		c.LastHealthCheckAt = &t
	}
	c.History = append([]ProbeOutcome(nil), s.History...)
	return &c
}

func (s *Server) hasCapability(cap string) bool {
	for _, c := range s.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}
