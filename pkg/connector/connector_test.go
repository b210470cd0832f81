package connector

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/nimbusfed/nimbus/pkg/engine"
	"github.com/nimbusfed/nimbus/pkg/providers"
	"github.com/nimbusfed/nimbus/pkg/providers/sim"
)

type mockAuditStore struct {
	mu      sync.Mutex
	records []*engine.AuditRecord
}

func (m *mockAuditStore) Save(context.Context, *engine.Order) error   { return nil }
func (m *mockAuditStore) Update(context.Context, *engine.Order) error { return nil }
func (m *mockAuditStore) ReadActiveOrders(context.Context, engine.OrderState) ([]*engine.Order, error) {
	return nil, nil
}
func (m *mockAuditStore) RegisterStateChange(context.Context, *engine.Order) error { return nil }

func (m *mockAuditStore) RegisterRequest(_ context.Context, r *engine.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
	return nil
}

func (m *mockAuditStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

type mockPeer struct {
	createErr error
	instance  *engine.Instance
	deleted   []string
	quotaErr  error
}

func (p *mockPeer) CreateOrder(context.Context, *engine.Order) error { return p.createErr }

func (p *mockPeer) GetOrder(_ context.Context, id string, _ engine.SystemUser) (*engine.RemoteOrderStatus, error) {
	return &engine.RemoteOrderStatus{OrderID: id, State: engine.OrderStateSpawning}, nil
}

func (p *mockPeer) GetInstance(_ context.Context, id string, t engine.OrderType, _ engine.SystemUser) (*engine.Instance, error) {
	if p.instance == nil {
		return nil, engine.NewInstanceNotFoundError("no instance", nil)
	}
	return p.instance, nil
}

func (p *mockPeer) DeleteOrder(_ context.Context, id string, _ engine.OrderType, _ engine.SystemUser) error {
	p.deleted = append(p.deleted, id)
	return nil
}

func (p *mockPeer) GetUserQuota(_ context.Context, cloud string, _ engine.SystemUser) (*engine.Quota, error) {
	if p.quotaErr != nil {
		return nil, p.quotaErr
	}
	return &engine.Quota{Total: engine.ResourceAllocation{Instances: 5}}, nil
}

type mockDirectory map[string]engine.RemoteProvider

func (d mockDirectory) Peer(id string) (engine.RemoteProvider, error) {
	if p, ok := d[id]; ok {
		return p, nil
	}
	return nil, engine.NewInvalidParameterError("unknown provider "+id, nil)
}

type testEnv struct {
	factory *Factory
	cloud   *sim.Cloud
	store   *mockAuditStore
	peer    *mockPeer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	registry := providers.NewRegistry(zerolog.Nop())
	_ = registry.RegisterKind(sim.Kind, sim.Factory)
	if err := registry.Register(context.Background(), &providers.CloudManifest{Name: "default", Kind: sim.Kind}); err != nil {
		t.Fatal(err)
	}
	driver, _ := registry.Driver("default")

	mapper := providers.NewStaticUserMapper(map[string]providers.CloudCredentials{
		"default": {Default: &providers.Credential{UserID: "svc"}},
	})
	store := &mockAuditStore{}
	peer := &mockPeer{}

	factory := NewFactory(Options{
		LocalProvider: "provider-a",
		Drivers:       registry,
		Mapper:        mapper,
		Peers:         mockDirectory{"provider-b": peer},
		Store:         store,
		Logger:        zerolog.Nop(),
	})

	return &testEnv{factory: factory, cloud: driver.(*sim.Cloud), store: store, peer: peer}
}

func volumeOrder(provider string) *engine.Order {
	return &engine.Order{
		ID:        "7d3a9c1e-0000-4000-8000-000000000001",
		Type:      engine.OrderTypeVolume,
		State:     engine.OrderStateOpen,
		Requester: engine.SystemUser{ID: "alice", IdentityProvider: "provider-a"},
		Provider:  provider,
		Volume:    &engine.VolumeSpec{Size: 1},
	}
}

func TestFactoryGet(t *testing.T) {
	env := newTestEnv(t)

	for _, provider := range []string{"", "provider-a"} {
		c, err := env.factory.Get(provider, "")
		if err != nil {
			t.Fatalf("Get(%q) error = %v", provider, err)
		}
		local, ok := c.(*LocalConnector)
		if !ok {
			t.Fatalf("Get(%q) = %T, want local connector", provider, c)
		}
		if !local.Auditing() {
			t.Error("fresh local connectors audit")
		}
	}

	c, err := env.factory.Get("provider-b", "east")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := c.(*RemoteConnector); !ok {
		t.Errorf("Get(provider-b) = %T, want remote connector", c)
	}

	if _, err := env.factory.Get("provider-z", ""); !engine.IsInvalidParameter(err) {
		t.Errorf("Get(unknown peer) error = %v", err)
	}

	a, _ := env.factory.Get("", "")
	a.(engine.Auditable).SwitchOffAuditing()
	b, _ := env.factory.Get("", "")
	if !b.(*LocalConnector).Auditing() {
		t.Error("switching off auditing must not leak into other connectors")
	}
}

func TestLocalConnectorLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c, _ := env.factory.Get("", "")

	order := volumeOrder("provider-a")

	instance, err := c.GetInstance(ctx, order)
	if err != nil || instance.State != engine.InstanceStateCreating {
		t.Errorf("GetInstance without instance id = %+v, %v", instance, err)
	}
	if env.store.count() != 0 {
		t.Error("no driver call, no audit record")
	}

	id, err := c.RequestInstance(ctx, order)
	if err != nil || id == "" {
		t.Fatalf("RequestInstance() = %q, %v", id, err)
	}
	order.InstanceID = id

	instance, err = c.GetInstance(ctx, order)
	if err != nil {
		t.Fatal(err)
	}
	if instance.State != engine.InstanceStateReady || instance.ID != id || instance.OrderID != order.ID {
		t.Errorf("instance = %+v", instance)
	}

	if err := c.DeleteInstance(ctx, order); err != nil {
		t.Fatalf("DeleteInstance() error = %v", err)
	}
	if _, err := c.GetInstance(ctx, order); !engine.IsInstanceNotFound(err) {
		t.Errorf("GetInstance after delete error = %v", err)
	}

	if got := env.store.count(); got != 4 {
		t.Errorf("audit records = %d, want 4", got)
	}
	last := env.store.records[3]
	if last.Outcome != string(engine.KindInstanceNotFound) || last.CloudName != "default" {
		t.Errorf("last audit record = %+v", last)
	}
}

func TestLocalConnectorErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c, _ := env.factory.Get("", "")
	c.(engine.Auditable).SwitchOffAuditing()

	order := volumeOrder("")

	env.cloud.Fail(engine.OperationCreate, engine.OrderTypeVolume, errors.New("driver exploded"))
	_, err := c.RequestInstance(ctx, order)
	if !engine.IsUnexpected(err) {
		t.Errorf("unclassified driver error = %v, want unexpected", err)
	}

	env.cloud.Fail(engine.OperationCreate, engine.OrderTypeVolume, context.DeadlineExceeded)
	if _, err := c.RequestInstance(ctx, order); !engine.IsUnavailable(err) {
		t.Errorf("timeout = %v, want unavailable", err)
	}

	env.cloud.SetOutage(true)
	if _, err := c.RequestInstance(ctx, order); !engine.IsUnavailable(err) {
		t.Errorf("outage = %v, want unavailable", err)
	}
	env.cloud.SetOutage(false)

	stranger := volumeOrder("")
	stranger.Requester = engine.SystemUser{ID: "bob", IdentityProvider: "provider-b"}
	if _, err := c.RequestInstance(ctx, stranger); err != nil {
		t.Errorf("default credential covers every user: %v", err)
	}

	unknownCloud, _ := env.factory.Get("", "north")
	if _, err := unknownCloud.RequestInstance(ctx, order); !engine.IsInvalidParameter(err) {
		t.Errorf("unknown cloud = %v, want invalid parameter", err)
	}

	if env.store.count() != 0 {
		t.Errorf("auditing was switched off, got %d records", env.store.count())
	}
}

func TestLocalConnectorBrokenInstance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c, _ := env.factory.Get("", "")

	order := volumeOrder("")
	order.InstanceID, _ = c.RequestInstance(ctx, order)
	env.cloud.Break(order.InstanceID, "backend lost")

	instance, err := c.GetInstance(ctx, order)
	if err != nil {
		t.Fatal(err)
	}
	if instance.State != engine.InstanceStateFailed || instance.FaultMessage != "backend lost" {
		t.Errorf("instance = %+v", instance)
	}
}

func TestLocalConnectorQuota(t *testing.T) {
	env := newTestEnv(t)
	c, _ := env.factory.Get("", "")

	quota, err := c.GetUserQuota(context.Background(), engine.SystemUser{ID: "alice", IdentityProvider: "provider-a"})
	if err != nil {
		t.Fatal(err)
	}
	if quota.Total.Instances == 0 || quota.Available.Instances != quota.Total.Instances {
		t.Errorf("quota = %+v", quota)
	}
}

func TestRemoteConnector(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c, _ := env.factory.Get("provider-b", "east")
	order := volumeOrder("provider-b")

	id, err := c.RequestInstance(ctx, order)
	if err != nil || id != "" {
		t.Errorf("RequestInstance() = %q, %v; remote ids are learned later", id, err)
	}

	env.peer.createErr = errors.New("connection refused")
	if _, err := c.RequestInstance(ctx, order); !engine.IsUnavailable(err) {
		t.Errorf("transport failure = %v, want unavailable", err)
	}

	env.peer.createErr = engine.NewQuotaExceededError("full", nil)
	if _, err := c.RequestInstance(ctx, order); !engine.IsQuotaExceeded(err) {
		t.Errorf("classified peer error = %v, want quota exceeded", err)
	}

	if _, err := c.GetInstance(ctx, order); !engine.IsInstanceNotFound(err) {
		t.Errorf("GetInstance() error = %v", err)
	}
	env.peer.instance = &engine.Instance{ID: "vol-9", State: engine.InstanceStateReady}
	if inst, err := c.GetInstance(ctx, order); err != nil || inst.ID != "vol-9" {
		t.Errorf("GetInstance() = %+v, %v", inst, err)
	}

	if err := c.DeleteInstance(ctx, order); err != nil || len(env.peer.deleted) != 1 {
		t.Errorf("DeleteInstance() = %v, deleted %v", err, env.peer.deleted)
	}

	if q, err := c.GetUserQuota(ctx, order.Requester); err != nil || q.Total.Instances != 5 {
		t.Errorf("GetUserQuota() = %+v, %v", q, err)
	}
}

func TestInstanceFromOrder(t *testing.T) {
	tests := []struct {
		state engine.OrderState
		want  engine.InstanceState
	}{
		{engine.OrderStateOpen, engine.InstanceStateCreating},
		{engine.OrderStatePending, engine.InstanceStateCreating},
		{engine.OrderStateFailedOnRequest, engine.InstanceStateFailed},
		{engine.OrderStateAssignedForDeletion, engine.InstanceStateDeleting},
		{engine.OrderStateClosed, engine.InstanceStateDeleting},
		{engine.OrderStateFulfilled, engine.InstanceStateUnknown},
	}
	for _, tt := range tests {
		order := &engine.Order{ID: "o", Type: engine.OrderTypeVolume, State: tt.state}
		if got := InstanceFromOrder(order).State; got != tt.want {
			t.Errorf("InstanceFromOrder(%s) = %s, want %s", tt.state, got, tt.want)
		}
	}
}
