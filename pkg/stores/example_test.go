package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nimbusfed/nimbus/pkg/engine"
	"github.com/nimbusfed/nimbus/pkg/stores"
)

// ExampleNewSQLStore demonstrates creating and initializing an in-memory SQLite store.
func ExampleNewSQLStore() {
	store, err := stores.NewSQLStore(stores.Config{
		Driver: stores.DriverSQLite,
		Path:   ":memory:",
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLStore_RegisterStateChange demonstrates recording the lifecycle of an order.
func ExampleSQLStore_RegisterStateChange() {
	store, _ := stores.NewSQLStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	now := time.Now()
	order := &engine.Order{
		ID:        "7d3a9c1e-0000-4000-8000-000000000001",
		Type:      engine.OrderTypeVolume,
		State:     engine.OrderStateOpen,
		Requester: engine.SystemUser{ID: "alice", IdentityProvider: "provider-a"},
		Provider:  "provider-a",
		CloudName: "default",
		Volume:    &engine.VolumeSpec{Name: "data", Size: 10},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.Save(ctx, order); err != nil {
		log.Fatal(err)
	}

	order.State = engine.OrderStateSpawning
	order.InstanceID = "vol-1"
	order.UpdatedAt = now.Add(time.Second)
	if err := store.RegisterStateChange(ctx, order); err != nil {
		log.Fatal(err)
	}

	changes, _ := store.ListStateChanges(ctx, order.ID)
	for _, c := range changes {
		fmt.Println(c.State)
	}
	// Output:
	// open
	// spawning
}
