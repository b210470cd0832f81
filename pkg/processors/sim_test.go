package processors

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nimbusfed/nimbus/pkg/connector"
	"github.com/nimbusfed/nimbus/pkg/engine"
	"github.com/nimbusfed/nimbus/pkg/providers"
	"github.com/nimbusfed/nimbus/pkg/providers/sim"
)

func TestLifecycleOnSimulatedCloud(t *testing.T) {
	ctx := context.Background()

	registry := providers.NewRegistry(zerolog.Nop())
	if err := registry.RegisterKind(sim.Kind, sim.Factory); err != nil {
		t.Fatal(err)
	}
	if err := registry.Register(ctx, &providers.CloudManifest{Name: "lab", Kind: sim.Kind}); err != nil {
		t.Fatal(err)
	}
	mapper := providers.NewStaticUserMapper(map[string]providers.CloudCredentials{
		"lab": {Default: &providers.Credential{UserID: "svc"}},
	})

	index := engine.NewIndex()
	store := &mockPersistence{}
	trans := engine.NewTransitioner(index, store, zerolog.Nop())
	factory := connector.NewFactory(connector.Options{
		LocalProvider: localProvider,
		Drivers:       registry,
		Mapper:        mapper,
		Logger:        zerolog.Nop(),
	})

	ctrl, err := NewController(DefaultConfig(), Deps{
		LocalProvider: localProvider,
		Index:         index,
		Transitioner:  trans,
		Connectors:    factory,
		Store:         store,
		Logger:        zerolog.Nop(),
	})
	if err != nil {
		t.Fatal(err)
	}

	order := &engine.Order{
		ID:        uuid.New().String(),
		Type:      engine.OrderTypeCompute,
		State:     engine.OrderStateOpen,
		Requester: engine.SystemUser{ID: "alice", IdentityProvider: localProvider},
		Provider:  localProvider,
		CloudName: "lab",
		Compute:   &engine.ComputeSpec{VCPU: 2, RAM: 1024, Disk: 10, ImageID: "ubuntu"},
	}
	if err := index.Add(order); err != nil {
		t.Fatal(err)
	}

	ctrl.RunOnce(ctx)
	ctrl.RunOnce(ctx)

	order.Lock()
	if order.State != engine.OrderStateFulfilled || order.InstanceID == "" {
		t.Fatalf("order = %s with instance %q, want fulfilled", order.State, order.InstanceID)
	}
	if order.Compute.Allocation == nil || order.Compute.Allocation.VCPU != 2 {
		t.Errorf("allocation = %+v", order.Compute.Allocation)
	}
	if err := trans.Transition(ctx, order, engine.OrderStateAssignedForDeletion); err != nil {
		t.Fatal(err)
	}
	order.Unlock()

	ctrl.RunOnce(ctx)
	ctrl.RunOnce(ctx)

	if _, err := index.Get(order.ID); !engine.IsNotFound(err) {
		t.Errorf("order should be closed and purged, lookup error = %v (state %s)", err, order.State)
	}
}
