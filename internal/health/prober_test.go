package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/central-mcp/server/internal/events"
	"github.com/central-mcp/server/internal/registry"
)

func TestProbeNow_SuccessTransitionsUnknownToHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var published []events.Event
	reg := registry.New(registry.WithSink(events.SinkFunc(func(e events.Event) {
		published = append(published, e)
	})))
	id, err := reg.Register(registry.RegisterInput{Name: "s1", URL: srv.URL})
	require.NoError(t, err)

	p := New(reg, DefaultConfig(), nil, nil)
	require.NoError(t, p.ProbeNow(context.Background(), id))

	server := reg.Get(id)
	assert.Equal(t, registry.StatusHealthy, server.Status)
	assert.EqualValues(t, 1, server.HealthCheckCount)

	var sawStatusChange bool
	for _, e := range published {
		if _, ok := e.(events.ServerStatusChanged); ok {
			sawStatusChange = true
		}
	}
	assert.True(t, sawStatusChange)
}

func TestProbeNow_RecoveryAfterFailureEmitsExactlyOneTransition(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var statusChanges []events.ServerStatusChanged
	reg := registry.New(registry.WithSink(events.SinkFunc(func(e events.Event) {
		if sc, ok := e.(events.ServerStatusChanged); ok {
			statusChanges = append(statusChanges, sc)
		}
	})))
	id, _ := reg.Register(registry.RegisterInput{Name: "s1", URL: srv.URL})

	p := New(reg, DefaultConfig(), nil, nil)

	require.NoError(t, p.ProbeNow(context.Background(), id))
	assert.Equal(t, registry.StatusUnhealthy, reg.Get(id).Status)

	require.NoError(t, p.ProbeNow(context.Background(), id))
	assert.Equal(t, registry.StatusHealthy, reg.Get(id).Status)

	var recoveries int
	for _, sc := range statusChanges {
		if sc.From == string(registry.StatusUnhealthy) && sc.To == string(registry.StatusHealthy) {
			recoveries++
		}
	}
	assert.Equal(t, 1, recoveries)
}

func TestProbeNow_UnreachableHostCountsAsFailure(t *testing.T) {
	reg := registry.New()
	id, _ := reg.Register(registry.RegisterInput{Name: "s1", URL: "http://127.0.0.1:1"})

	cfg := DefaultConfig()
	cfg.ProbeTimeout = 200 * time.Millisecond
	p := New(reg, cfg, nil, nil)

	require.NoError(t, p.ProbeNow(context.Background(), id))
	assert.Equal(t, registry.StatusUnhealthy, reg.Get(id).Status)
}

func TestProbeNow_DroppedAfterUnregister(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := registry.New()
	id, _ := reg.Register(registry.RegisterInput{Name: "s1", URL: srv.URL})
	reg.Unregister(id)

	p := New(reg, DefaultConfig(), nil, nil)
	require.NoError(t, p.ProbeNow(context.Background(), id))
	assert.Nil(t, reg.Get(id))
}

func TestStartStop_NoTicksAfterStop(t *testing.T) {
	reg := registry.New()
	cfg := DefaultConfig()
	cfg.ProbeInterval = 10 * time.Millisecond
	p := New(reg, cfg, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	p.Stop(stopCtx)
}
