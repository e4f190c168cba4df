package mixer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshaler_DispatchFromForeignGoroutineRunsOnHomeGoroutine(t *testing.T) {
	instance, homeGid := runMarshaler(t)

	got := make(chan int64, 1)
	instance.Dispatch(func() {
		got <- gid()
	})

	select {
	case v := <-got:
		assert.Equal(t, homeGid, v)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatched function was never executed")
	}
}

func TestMarshaler_DispatchOnHomeGoroutineIsSynchronous(t *testing.T) {
	instance, _ := runMarshaler(t)

	result := make(chan bool, 1)
	instance.Dispatch(func() {
		executed := false
		instance.Dispatch(func() {
			executed = true
		})
		result <- executed
	})

	select {
	case v := <-result:
		assert.True(t, v, "nested dispatch on the home goroutine must run before Dispatch returns")
	case <-time.After(2 * time.Second):
		t.Fatal("dispatched function was never executed")
	}
}

func TestMarshaler_PreservesPostingOrder(t *testing.T) {
	instance, _ := runMarshaler(t)

	const n = 100
	got := make(chan int, n)
	for i := 0; i < n; i++ {
		i := i
		instance.Dispatch(func() {
			got <- i
		})
	}

	for i := 0; i < n; i++ {
		select {
		case v := <-got:
			require.Equal(t, i, v)
		case <-time.After(2 * time.Second):
			t.Fatalf("function %d was never executed", i)
		}
	}
}

func TestMarshaler_DispatchBeforeRunIsDeliveredOnRun(t *testing.T) {
	instance := NewMarshaler()

	got := make(chan int, 2)
	instance.Dispatch(func() { got <- 1 })
	instance.Dispatch(func() { got <- 2 })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go instance.Run(ctx)

	for i := 1; i <= 2; i++ {
		select {
		case v := <-got:
			require.Equal(t, i, v)
		case <-time.After(2 * time.Second):
			t.Fatalf("function %d was never executed", i)
		}
	}
}

func runMarshaler(t *testing.T) (*Marshaler, int64) {
	t.Helper()

	instance := NewMarshaler()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	homeGid := make(chan int64, 1)
	go func() {
		homeGid <- gid()
		instance.Run(ctx)
	}()
	return instance, <-homeGid
}
