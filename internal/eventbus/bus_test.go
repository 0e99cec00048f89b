package eventbus_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathanpeterwu/stackmemory-sub004/internal/eventbus"
)

func TestDispatchDebouncesBurstsIntoOneInvocation(t *testing.T) {
	bus := eventbus.New(nil).WithTimings(20*time.Millisecond, time.Millisecond)
	var calls int32
	done := make(chan struct{}, 1)
	bus.Register(&eventbus.FuncHandler{
		IDValue:    "h1",
		EventTypes: []eventbus.EventType{eventbus.EventFileChange},
		Fn: func(ctx context.Context, event *eventbus.Event, result *eventbus.Result) error {
			atomic.AddInt32(&calls, 1)
			select {
			case done <- struct{}{}:
			default:
			}
			return nil
		},
	})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Dispatch(ctx, &eventbus.Event{Type: eventbus.EventFileChange}))
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler never fired")
	}
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "5 rapid dispatches must coalesce into 1 call")
}

func TestHandlerErrorDoesNotPanicOrBlockDispatcher(t *testing.T) {
	bus := eventbus.New(nil).WithTimings(time.Millisecond, time.Millisecond)
	called := make(chan struct{}, 1)
	bus.Register(&eventbus.FuncHandler{
		IDValue:    "h-err",
		EventTypes: []eventbus.EventType{eventbus.EventSessionEnd},
		Fn: func(ctx context.Context, event *eventbus.Event, result *eventbus.Result) error {
			called <- struct{}{}
			return assert.AnError
		},
	})
	require.NoError(t, bus.Dispatch(context.Background(), &eventbus.Event{Type: eventbus.EventSessionEnd}))
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("handler never fired")
	}
}
