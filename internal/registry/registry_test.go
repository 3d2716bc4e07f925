package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister_InvalidInput(t *testing.T) {
	r := New()

	_, err := r.Register(RegisterInput{Name: "", URL: "http://example.com"})
	require.Error(t, err)

	_, err = r.Register(RegisterInput{Name: "worker-1", URL: "not-a-url"})
	require.Error(t, err)
}

func TestRegisterGetUnregister_Lifecycle(t *testing.T) {
	r := New()

	id, err := r.Register(RegisterInput{Name: "worker-1", URL: "http://localhost:9001", Capabilities: []string{"chat"}})
	require.NoError(t, err)

	got := r.Get(id)
	require.NotNil(t, got)
	assert.Equal(t, StatusUnknown, got.Status)

	assert.True(t, r.Unregister(id))
	assert.Nil(t, r.Get(id))

	// Idempotent: second call returns false.
	assert.False(t, r.Unregister(id))
}

func TestHealthy_FiltersOnStatus(t *testing.T) {
	r := New()
	id, err := r.Register(RegisterInput{Name: "worker-1", URL: "http://localhost:9001", Capabilities: []string{"chat"}})
	require.NoError(t, err)

	assert.Empty(t, r.Healthy())

	r.UpdateMetadata(id, map[string]interface{}{"status": string(StatusHealthy)})
	healthy := r.Healthy()
	require.Len(t, healthy, 1)
	assert.Equal(t, id, healthy[0].ID)
}

func TestByCapability_FiltersOnCapabilityAndHealth(t *testing.T) {
	r := New()
	id1, _ := r.Register(RegisterInput{Name: "s1", URL: "http://h1", Capabilities: []string{"chat"}})
	id2, _ := r.Register(RegisterInput{Name: "s2", URL: "http://h2", Capabilities: []string{"search"}})

	r.UpdateMetadata(id1, map[string]interface{}{"status": string(StatusHealthy)})
	r.UpdateMetadata(id2, map[string]interface{}{"status": string(StatusHealthy)})

	chat := r.ByCapability("chat")
	require.Len(t, chat, 1)
	assert.Equal(t, id1, chat[0].ID)
}

func TestApplyProbeResult_SuccessRules(t *testing.T) {
	r := New()
	id, _ := r.Register(RegisterInput{Name: "s1", URL: "http://h1", Capabilities: []string{"chat"}})

	applied, changed, completed := r.ApplyProbeResult(id, true, 100, time.Now())
	require.True(t, applied)
	require.NotNil(t, changed)
	assert.Equal(t, string(StatusUnknown), changed.From)
	assert.Equal(t, string(StatusHealthy), changed.To)
	assert.True(t, completed.OK)

	server := r.Get(id)
	assert.Equal(t, StatusHealthy, server.Status)
	avg, ok := server.AvgResponseTime()
	require.True(t, ok)
	assert.Equal(t, 100.0, avg)
	assert.EqualValues(t, 1, server.HealthCheckCount)

	// Second success: pairwise average, no status-change event since already Healthy.
	_, changed2, _ := r.ApplyProbeResult(id, true, 300, time.Now())
	assert.Nil(t, changed2)
	server = r.Get(id)
	avg, _ = server.AvgResponseTime()
	assert.Equal(t, 200.0, avg) // (100+300)/2
}

func TestApplyProbeResult_FailureRules(t *testing.T) {
	r := New()
	id, _ := r.Register(RegisterInput{Name: "s1", URL: "http://h1"})
	r.ApplyProbeResult(id, true, 50, time.Now())

	_, changed, completed := r.ApplyProbeResult(id, false, 0, time.Now())
	require.NotNil(t, changed)
	assert.Equal(t, string(StatusHealthy), changed.From)
	assert.Equal(t, string(StatusUnhealthy), changed.To)
	assert.False(t, completed.OK)

	server := r.Get(id)
	assert.InDelta(t, 0.1, server.ErrorRate(), 1e-9)
}

func TestApplyProbeResult_DroppedAfterUnregister(t *testing.T) {
	r := New()
	id, _ := r.Register(RegisterInput{Name: "s1", URL: "http://h1"})
	r.Unregister(id)

	applied, _, _ := r.ApplyProbeResult(id, true, 10, time.Now())
	assert.False(t, applied)
}

func TestErrorRate_ClampedToUnitInterval(t *testing.T) {
	r := New()
	id, _ := r.Register(RegisterInput{Name: "s1", URL: "http://h1"})

	for i := 0; i < 20; i++ {
		r.ApplyProbeResult(id, false, 0, time.Now())
	}
	assert.Equal(t, 1.0, r.Get(id).ErrorRate())

	for i := 0; i < 200; i++ {
		r.ApplyProbeResult(id, true, 1, time.Now())
	}
	assert.Equal(t, 0.0, r.Get(id).ErrorRate())
}

func TestStats_CapabilityBreakdown(t *testing.T) {
	r := New()
	id1, _ := r.Register(RegisterInput{Name: "s1", URL: "http://h1", Capabilities: []string{"chat"}})
	id2, _ := r.Register(RegisterInput{Name: "s2", URL: "http://h2", Capabilities: []string{"chat"}})
	r.UpdateMetadata(id1, map[string]interface{}{"status": string(StatusHealthy)})
	r.UpdateMetadata(id2, map[string]interface{}{"status": string(StatusUnhealthy)})

	stats := r.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Healthy)
	assert.Equal(t, 1, stats.Unhealthy)
	assert.Equal(t, CapabilityStats{Healthy: 1, Unhealthy: 1}, stats.ByCapability["chat"])
}
