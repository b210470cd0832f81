package engine_test

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/nimbusfed/nimbus/pkg/engine"
)

// Example_lifecycle walks a volume order through a successful request.
func Example_lifecycle() {
	index := engine.NewIndex()
	transitioner := engine.NewTransitioner(index, nil, zerolog.Nop())
	ctx := context.Background()

	order := &engine.Order{
		ID:        "7d3a9c1e-0000-4000-8000-000000000001",
		Type:      engine.OrderTypeVolume,
		State:     engine.OrderStateOpen,
		Requester: engine.SystemUser{ID: "alice", IdentityProvider: "provider-a"},
		Provider:  "provider-a",
		CloudName: "default",
		Volume:    &engine.VolumeSpec{Size: 10},
	}
	if err := index.Add(order); err != nil {
		fmt.Println(err)
		return
	}

	order.Lock()
	order.SetInstanceID("vol-1")
	_ = transitioner.Transition(ctx, order, engine.OrderStateSpawning)
	_ = transitioner.Transition(ctx, order, engine.OrderStateFulfilled)
	order.Unlock()

	fulfilled, _ := index.ListFor(engine.OrderStateFulfilled)
	fmt.Println(order.State, order.InstanceID, fulfilled.Len())

	// Output: fulfilled vol-1 1
}

// ExampleCanTransition shows a check against the lifecycle graph.
func ExampleCanTransition() {
	fmt.Println(engine.CanTransition(engine.OrderStateOpen, engine.OrderStatePending))
	fmt.Println(engine.CanTransition(engine.OrderStateClosed, engine.OrderStateOpen))

	// Output:
	// true
	// false
}
