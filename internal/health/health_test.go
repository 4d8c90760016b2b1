package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy, "empty registry should be healthy")
	assert.Empty(t, statuses)
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(_ context.Context) Status {
		return Status{Name: "database", Healthy: true}
	})
	r.Register("receipt_cache", func(_ context.Context) Status {
		return Status{Name: "receipt_cache", Healthy: false, Detail: "connection refused"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	require.Len(t, statuses, 2)
	assert.Equal(t, "database", statuses[0].Name)
	assert.Equal(t, "connection refused", statuses[1].Detail)
}

func TestRegistryFillsMissingName(t *testing.T) {
	r := NewRegistry()
	r.Register("chain_rpc", func(_ context.Context) Status { return Status{Healthy: true} })

	_, statuses := r.CheckAll(context.Background())
	require.Len(t, statuses, 1)
	assert.Equal(t, "chain_rpc", statuses[0].Name)
}

func TestPing(t *testing.T) {
	ok := Ping("chain_rpc", PingerFunc(func(context.Context) error { return nil }))
	st := ok(context.Background())
	assert.True(t, st.Healthy)
	assert.Equal(t, "chain_rpc", st.Name)
	assert.Empty(t, st.Detail)

	bad := Ping("database", PingerFunc(func(context.Context) error { return errors.New("dial tcp: refused") }))
	st = bad(context.Background())
	assert.False(t, st.Healthy)
	assert.Equal(t, "dial tcp: refused", st.Detail)
}

func TestPingAppliesDefaultTimeout(t *testing.T) {
	check := Ping("slow", PingerFunc(func(ctx context.Context) error {
		deadline, ok := ctx.Deadline()
		if !ok {
			return errors.New("no deadline")
		}
		if time.Until(deadline) > DefaultTimeout {
			return errors.New("deadline too far")
		}
		return nil
	}))
	assert.True(t, check(context.Background()).Healthy)
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Register("checker", func(_ context.Context) Status {
				return Status{Name: "checker", Healthy: true}
			})
		}()
	}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}

	wg.Wait()
}
