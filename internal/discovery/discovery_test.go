package discovery

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/central-mcp/server/internal/events"
	"github.com/central-mcp/server/internal/registry"
)

func newHealthyServer(t *testing.T, r *registry.Registry, name string, capabilities []string, metadata map[string]interface{}) string {
	t.Helper()
	id, err := r.Register(registry.RegisterInput{Name: name, URL: "http://" + name, Capabilities: capabilities, Metadata: metadata})
	require.NoError(t, err)
	require.True(t, r.UpdateMetadata(id, map[string]interface{}{"status": string(registry.StatusHealthy)}))
	return id
}

func TestDiscover_EmptyWhenNoCapabilityMatch(t *testing.T) {
	r := registry.New()
	d := New(r, nil, 0)
	assert.Empty(t, d.Discover("nonexistent"))
}

func TestBestServer_FiltersOnMetadata(t *testing.T) {
	r := registry.New()
	usEast1 := newHealthyServer(t, r, "s1", []string{"q"}, map[string]interface{}{"region": "us-east"})
	newHealthyServer(t, r, "s2", []string{"q"}, map[string]interface{}{"region": "us-west"})
	usEast2 := newHealthyServer(t, r, "s3", []string{"q"}, map[string]interface{}{"region": "us-east"})

	d := New(r, nil, 0)

	for i := 0; i < 20; i++ {
		got := d.BestServer("q", Criteria{Metadata: map[string]interface{}{"region": "us-east"}, Strategy: StrategyRandom})
		require.NotNil(t, got)
		assert.Contains(t, []string{usEast1, usEast2}, got.ID)
	}
}

func TestSubscribe_DeliversInitialStateThenAddedEvents(t *testing.T) {
	var mu sync.Mutex
	var received []Notification

	var d *Discovery
	fanout := events.SinkFunc(func(e events.Event) { d.HandleRegistryEvent(e) })
	r := registry.New(registry.WithSink(fanout))
	d = New(r, nil, 0)

	s1 := newHealthyServer(t, r, "s1", []string{"a"}, nil)
	s2 := newHealthyServer(t, r, "s2", []string{"a", "b"}, nil)

	d.Subscribe("c1", []string{"a"}, func(n Notification) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, n)
	})

	mu.Lock()
	require.Len(t, received, 1)
	initial := received[0]
	mu.Unlock()
	require.Equal(t, NotificationInitialState, initial.Kind)
	ids := []string{}
	for _, s := range initial.Index["a"] {
		ids = append(ids, s.ID)
	}
	assert.ElementsMatch(t, []string{s1, s2}, ids)

	// Register S3 (cap "b" only) — no new event for c1.
	newHealthyServer(t, r, "s3", []string{"b"}, nil)
	mu.Lock()
	countAfterB := len(received)
	mu.Unlock()
	assert.Equal(t, 1, countAfterB)

	// Register S4 (cap "a") and force it healthy — c1 receives an added
	// event followed by a status-changed event.
	newHealthyServer(t, r, "s4", []string{"a"}, nil)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 3)
	assert.Equal(t, NotificationAdded, received[1].Kind)
	assert.Equal(t, "a", received[1].Capability)
	assert.Equal(t, NotificationStatusChange, received[2].Kind)
}

func TestUnsubscribe_ReturnsFalseWhenAbsent(t *testing.T) {
	r := registry.New()
	d := New(r, nil, 0)
	assert.False(t, d.Unsubscribe("never-subscribed"))
}

func TestDispatch_PanickingSubscriberDoesNotAffectOthers(t *testing.T) {
	var d *Discovery
	fanout := events.SinkFunc(func(e events.Event) { d.HandleRegistryEvent(e) })
	r := registry.New(registry.WithSink(fanout))
	d = New(r, nil, 0)

	var goodCalled bool
	d.Subscribe("bad", []string{"a"}, func(Notification) { panic("boom") })
	d.Subscribe("good", []string{"a"}, func(Notification) { goodCalled = true })

	newHealthyServer(t, r, "s1", []string{"a"}, nil)
	assert.True(t, goodCalled)
}

func TestNotifyRemoval_DeliveredEvenWithoutCapabilityOverlap(t *testing.T) {
	var mu sync.Mutex
	var received []Notification

	var d *Discovery
	fanout := events.SinkFunc(func(e events.Event) { d.HandleRegistryEvent(e) })
	r := registry.New(registry.WithSink(fanout))
	d = New(r, nil, 0)

	s1 := newHealthyServer(t, r, "s1", []string{"a"}, nil)

	// Subscribed to "b" only — does not overlap s1's capability ("a") — but
	// removal must still be delivered per spec's "always relevant" rule.
	d.Subscribe("c1", []string{"b"}, func(n Notification) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, n)
	})

	mu.Lock()
	received = nil // discard the InitialState notification
	mu.Unlock()

	r.Unregister(s1)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, NotificationRemoved, received[0].Kind)
	assert.Equal(t, s1, received[0].Server.ID)
}
