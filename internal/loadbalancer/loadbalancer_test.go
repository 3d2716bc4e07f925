package loadbalancer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/central-mcp/server/internal/events"
	"github.com/central-mcp/server/internal/registry"
)

func newHealthyServer(t *testing.T, r *registry.Registry, name, capability string, metadata map[string]interface{}) string {
	t.Helper()
	id, err := r.Register(registry.RegisterInput{Name: name, URL: "http://" + name, Capabilities: []string{capability}, Metadata: metadata})
	require.NoError(t, err)
	require.True(t, r.UpdateMetadata(id, map[string]interface{}{"status": string(registry.StatusHealthy)}))
	return id
}

func TestRoundRobin_VisitsEachExactlyOncePerCycle(t *testing.T) {
	r := registry.New()
	s1 := newHealthyServer(t, r, "s1", "chat", nil)
	s2 := newHealthyServer(t, r, "s2", "chat", nil)
	s3 := newHealthyServer(t, r, "s3", "chat", nil)

	lb := New(r, events.NopSink{}, nil)

	var got []string
	for i := 0; i < 10; i++ {
		server := lb.Next("chat", PolicyRoundRobin, Options{})
		require.NotNil(t, server)
		got = append(got, server.ID)
	}

	want := []string{s1, s2, s3, s1, s2, s3, s1, s2, s3, s1}
	assert.Equal(t, want, got)
}

func TestLeastConnections_PrefersFewerConnections(t *testing.T) {
	r := registry.New()
	s1 := newHealthyServer(t, r, "s1", "x", nil)
	s2 := newHealthyServer(t, r, "s2", "x", nil)

	lb := New(r, events.NopSink{}, nil)

	first := lb.Next("x", PolicyLeastConnections, Options{})
	second := lb.Next("x", PolicyLeastConnections, Options{})
	require.NotNil(t, first)
	require.NotNil(t, second)

	lb.Release(s2)

	third := lb.Next("x", PolicyLeastConnections, Options{})
	require.NotNil(t, third)
	assert.Equal(t, s2, third.ID)
	_ = s1
}

func TestWeightedRoundRobin_DistributesByWeight(t *testing.T) {
	r := registry.New()
	s1 := newHealthyServer(t, r, "s1", "y", map[string]interface{}{"weight": 1})
	s2 := newHealthyServer(t, r, "s2", "y", map[string]interface{}{"weight": 2})

	lb := New(r, events.NopSink{}, nil)

	counts := map[string]int{}
	for i := 0; i < 6; i++ {
		server := lb.Next("y", PolicyWeightedRoundRobin, Options{})
		require.NotNil(t, server)
		counts[server.ID]++
	}

	assert.Equal(t, 2, counts[s1])
	assert.Equal(t, 4, counts[s2])
}

func TestRelease_NeverDrivesCounterBelowZero(t *testing.T) {
	r := registry.New()
	s1 := newHealthyServer(t, r, "s1", "x", nil)
	lb := New(r, events.NopSink{}, nil)

	lb.Release(s1) // no prior Next call
	assert.Equal(t, uint64(0), lb.connectionCount(s1))
}

func TestUnknownPolicy_FallsBackToRoundRobin(t *testing.T) {
	r := registry.New()
	newHealthyServer(t, r, "s1", "chat", nil)
	lb := New(r, events.NopSink{}, nil)

	server := lb.Next("chat", Policy("not-a-real-policy"), Options{})
	require.NotNil(t, server)
}

func TestNext_EmptyCandidates_ReturnsNil(t *testing.T) {
	r := registry.New()
	lb := New(r, events.NopSink{}, nil)

	assert.Nil(t, lb.Next("nonexistent", PolicyRoundRobin, Options{}))
}

func TestHealthBased_PenalizesErrorRateAndLatency(t *testing.T) {
	r := registry.New()
	s1 := newHealthyServer(t, r, "s1", "q", map[string]interface{}{"avgResponseTime": 2000.0, "errorRate": 0.2})
	s2 := newHealthyServer(t, r, "s2", "q", map[string]interface{}{"avgResponseTime": 100.0, "errorRate": 0.0})

	lb := New(r, events.NopSink{}, nil)
	server := lb.Next("q", PolicyHealthBased, Options{})
	require.NotNil(t, server)
	assert.Equal(t, s2, server.ID)
	_ = s1
}

func TestResponseTime_AbsentValueTreatedAsInfinity(t *testing.T) {
	r := registry.New()
	s1 := newHealthyServer(t, r, "s1", "q", nil)
	s2 := newHealthyServer(t, r, "s2", "q", map[string]interface{}{"avgResponseTime": 50.0})

	lb := New(r, events.NopSink{}, nil)
	server := lb.Next("q", PolicyResponseTime, Options{})
	require.NotNil(t, server)
	assert.Equal(t, s2, server.ID)
	_ = s1
}
