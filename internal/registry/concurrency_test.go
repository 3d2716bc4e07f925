package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestConcurrentRegisterUnregisterGet hammers Register/Unregister/Get from
// many goroutines; run with -race to catch torn reads across a Server's
// fields (spec §5 ordering guarantee: snapshots are internally consistent).
func TestConcurrentRegisterUnregisterGet(t *testing.T) {
	r := New()
	const goroutines = 50
	const perGoroutine = 40

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				id, err := r.Register(RegisterInput{Name: "s", URL: "http://example.com", Capabilities: []string{"chat"}})
				if err != nil {
					continue
				}
				r.ApplyProbeResult(id, true, 10, time.Now())
				_ = r.Get(id)
				_ = r.Healthy()
				_ = r.ByCapability("chat")
				r.Unregister(id)
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, r.All())
}
