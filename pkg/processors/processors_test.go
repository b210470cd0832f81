package processors

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nimbusfed/nimbus/pkg/engine"
	"github.com/nimbusfed/nimbus/pkg/telemetry"
)

const localProvider = "provider-a"

// stubCloud scripts what the connectors of a test return.
type stubCloud struct {
	mu sync.Mutex

	requestID  string
	requestErr error
	state      engine.InstanceState
	attrs      map[string]string
	fault      string
	getErr     error
	deleteErr  error
	panicOn    engine.Operation

	seq      int
	requests int
	gets     int
	deletes  []string
	audited  map[engine.Operation]int
}

func newStubCloud() *stubCloud {
	return &stubCloud{state: engine.InstanceStateCreating, audited: make(map[engine.Operation]int)}
}

func (s *stubCloud) set(fn func(s *stubCloud)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *stubCloud) Get(providerID, cloudName string) (engine.CloudConnector, error) {
	return &stubConnector{cloud: s, auditing: true}, nil
}

type stubConnector struct {
	cloud    *stubCloud
	auditing bool
}

func (c *stubConnector) SwitchOffAuditing() { c.auditing = false }

func (c *stubConnector) enter(op engine.Operation) *stubCloud {
	s := c.cloud
	s.mu.Lock()
	if c.auditing {
		s.audited[op]++
	}
	if s.panicOn == op {
		s.mu.Unlock()
		panic("driver bug")
	}
	return s
}

func (c *stubConnector) RequestInstance(_ context.Context, order *engine.Order) (string, error) {
	s := c.enter(engine.OperationCreate)
	defer s.mu.Unlock()
	s.requests++
	if s.requestErr != nil {
		return "", s.requestErr
	}
	if s.requestID != "" {
		return s.requestID, nil
	}
	s.seq++
	return fmt.Sprintf("i-%d", s.seq), nil
}

func (c *stubConnector) GetInstance(_ context.Context, order *engine.Order) (*engine.Instance, error) {
	s := c.enter(engine.OperationGet)
	defer s.mu.Unlock()
	s.gets++
	if s.getErr != nil {
		return nil, s.getErr
	}
	return &engine.Instance{
		ID:           order.InstanceID,
		OrderID:      order.ID,
		Type:         order.Type,
		State:        s.state,
		Attributes:   s.attrs,
		FaultMessage: s.fault,
	}, nil
}

func (c *stubConnector) DeleteInstance(_ context.Context, order *engine.Order) error {
	s := c.enter(engine.OperationDelete)
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, order.ID)
	return s.deleteErr
}

func (c *stubConnector) GetUserQuota(context.Context, engine.SystemUser) (*engine.Quota, error) {
	return &engine.Quota{}, nil
}

type mockPersistence struct {
	mu      sync.Mutex
	changes []engine.OrderState
	updates int
}

func (m *mockPersistence) Save(context.Context, *engine.Order) error { return nil }

func (m *mockPersistence) Update(context.Context, *engine.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates++
	return nil
}

func (m *mockPersistence) ReadActiveOrders(context.Context, engine.OrderState) ([]*engine.Order, error) {
	return nil, nil
}

func (m *mockPersistence) RegisterStateChange(_ context.Context, order *engine.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changes = append(m.changes, order.State)
	return nil
}

func (m *mockPersistence) RegisterRequest(context.Context, *engine.AuditRecord) error { return nil }

// mockPeer answers GetOrder with a scripted status.
type mockPeer struct {
	mu     sync.Mutex
	status *engine.RemoteOrderStatus
	err    error
	calls  int
}

func (p *mockPeer) script(status *engine.RemoteOrderStatus, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status, p.err = status, err
}

func (p *mockPeer) Peer(string) (engine.RemoteProvider, error) { return p, nil }

func (p *mockPeer) CreateOrder(context.Context, *engine.Order) error { return nil }

func (p *mockPeer) GetOrder(_ context.Context, id string, _ engine.SystemUser) (*engine.RemoteOrderStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	status := *p.status
	status.OrderID = id
	return &status, nil
}

func (p *mockPeer) GetInstance(context.Context, string, engine.OrderType, engine.SystemUser) (*engine.Instance, error) {
	return nil, engine.NewInstanceNotFoundError("not implemented", nil)
}

func (p *mockPeer) DeleteOrder(context.Context, string, engine.OrderType, engine.SystemUser) error {
	return nil
}

func (p *mockPeer) GetUserQuota(context.Context, string, engine.SystemUser) (*engine.Quota, error) {
	return &engine.Quota{}, nil
}

type testEnv struct {
	index   *engine.Index
	trans   *engine.Transitioner
	cloud   *stubCloud
	peer    *mockPeer
	store   *mockPersistence
	metrics *telemetry.Metrics
	ctrl    *Controller
	config  Config
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()

	index := engine.NewIndex()
	store := &mockPersistence{}
	trans := engine.NewTransitioner(index, store, zerolog.Nop())
	cloud := newStubCloud()
	peer := &mockPeer{status: &engine.RemoteOrderStatus{State: engine.OrderStatePending}}

	cfg := DefaultConfig()
	for _, m := range mutate {
		m(&cfg)
	}

	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: true, Namespace: "test"})
	if err != nil {
		t.Fatal(err)
	}

	ctrl, err := NewController(cfg, Deps{
		LocalProvider: localProvider,
		Index:         index,
		Transitioner:  trans,
		Connectors:    cloud,
		Peers:         peer,
		Store:         store,
		Metrics:       metrics,
		Logger:        zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewController() error = %v", err)
	}

	return &testEnv{index: index, trans: trans, cloud: cloud, peer: peer, store: store, metrics: metrics, ctrl: ctrl, config: cfg}
}

func (e *testEnv) pass(t *testing.T, name string) {
	t.Helper()
	p, err := e.ctrl.Processor(name)
	if err != nil {
		t.Fatal(err)
	}
	p.RunOnce(context.Background())
}

// add indexes a compute order in the given state. Remote orders past the hand-over go to
// the remote list.
func (e *testEnv) add(t *testing.T, provider string, state engine.OrderState, instanceID string) *engine.Order {
	t.Helper()
	order := &engine.Order{
		ID:         uuid.New().String(),
		Type:       engine.OrderTypeCompute,
		State:      state,
		Requester:  engine.SystemUser{ID: "alice", IdentityProvider: localProvider},
		Provider:   provider,
		InstanceID: instanceID,
		Compute:    &engine.ComputeSpec{VCPU: 2, RAM: 2048, Disk: 20, ImageID: "img-1"},
	}
	var err error
	if provider != localProvider && handedOver(state) {
		err = e.index.AddRemote(order)
	} else {
		err = e.index.Add(order)
	}
	if err != nil {
		t.Fatalf("add order: %v", err)
	}
	return order
}

// handedOver reports the states a remote-owned order only reaches after its provider
// accepted it.
func handedOver(state engine.OrderState) bool {
	switch state {
	case engine.OrderStateOpen, engine.OrderStateFailedOnRequest, engine.OrderStateClosed:
		return false
	default:
		return true
	}
}

func (e *testEnv) assertIn(t *testing.T, order *engine.Order, state engine.OrderState, remote bool) {
	t.Helper()
	order.Lock()
	defer order.Unlock()
	if order.State != state {
		t.Errorf("order state = %s, want %s", order.State, state)
	}
	want := e.index.RemoteList()
	if !remote {
		want, _ = e.index.ListFor(state)
	}
	if got, ok := e.index.Locate(order.ID); !ok || got != want {
		t.Errorf("order is in list %v, want %s", got, want.Name())
	}
}

func TestHappyPath(t *testing.T) {
	env := newTestEnv(t)
	env.cloud.set(func(s *stubCloud) { s.requestID = "i-1" })
	order := env.add(t, localProvider, engine.OrderStateOpen, "")

	env.pass(t, NameOpen)
	env.assertIn(t, order, engine.OrderStateSpawning, false)
	if order.InstanceID != "i-1" {
		t.Errorf("InstanceID = %q, want i-1", order.InstanceID)
	}

	env.pass(t, NameSpawning)
	env.assertIn(t, order, engine.OrderStateSpawning, false)

	env.cloud.set(func(s *stubCloud) {
		s.state = engine.InstanceStateReady
		s.attrs = map[string]string{"vcpu": "4"}
	})
	env.pass(t, NameSpawning)
	env.assertIn(t, order, engine.OrderStateFulfilled, false)

	alloc := order.Compute.Allocation
	if alloc == nil || alloc.VCPU != 4 || alloc.RAM != 2048 || alloc.Instances != 1 {
		t.Errorf("allocation = %+v, want vcpu from the cloud and ram from the request", alloc)
	}

	want := []engine.OrderState{engine.OrderStateSpawning, engine.OrderStateFulfilled}
	if fmt.Sprint(env.store.changes) != fmt.Sprint(want) {
		t.Errorf("persisted changes = %v, want %v", env.store.changes, want)
	}
}

// listGauges reads the per-list order gauges.
func (e *testEnv) listGauges(t *testing.T) map[string]float64 {
	t.Helper()
	families, err := e.metrics.Registry().Gather()
	if err != nil {
		t.Fatal(err)
	}
	gauges := make(map[string]float64)
	for _, f := range families {
		if f.GetName() != "test_orders" {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "list" {
					gauges[l.GetValue()] = m.GetGauge().GetValue()
				}
			}
		}
	}
	return gauges
}

func TestPassReportsEveryList(t *testing.T) {
	env := newTestEnv(t)
	env.cloud.set(func(s *stubCloud) { s.requestID = "i-1" })
	env.add(t, localProvider, engine.OrderStateOpen, "")
	env.add(t, localProvider, engine.OrderStateFulfilled, "i-2")
	env.add(t, "provider-b", engine.OrderStatePending, "")

	env.pass(t, NameOpen)

	gauges := env.listGauges(t)
	want := map[string]float64{
		string(engine.OrderStateOpen):      0,
		string(engine.OrderStateSpawning):  1,
		string(engine.OrderStateFulfilled): 1,
		engine.RemoteListName:              1,
	}
	for list, n := range want {
		got, ok := gauges[list]
		if !ok {
			t.Errorf("no gauge for list %s", list)
			continue
		}
		if got != n {
			t.Errorf("gauge %s = %v, want %v", list, got, n)
		}
	}
}

func TestDriverRejection(t *testing.T) {
	env := newTestEnv(t)
	env.cloud.set(func(s *stubCloud) {
		s.requestErr = engine.NewInvalidParameterError("flavor not found", nil)
	})
	order := env.add(t, localProvider, engine.OrderStateOpen, "")

	env.pass(t, NameOpen)
	env.assertIn(t, order, engine.OrderStateFailedOnRequest, false)
	if !strings.Contains(order.FaultMessage, "flavor not found") {
		t.Errorf("FaultMessage = %q", order.FaultMessage)
	}
	if order.InstanceID != "" {
		t.Errorf("InstanceID = %q, want empty", order.InstanceID)
	}
}

func TestOpenRetriesWhenUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.cloud.set(func(s *stubCloud) {
		s.requestErr = engine.NewUnavailableError("cloud down", nil)
	})
	order := env.add(t, localProvider, engine.OrderStateOpen, "")

	env.pass(t, NameOpen)
	env.assertIn(t, order, engine.OrderStateOpen, false)
	if order.FaultMessage != "" {
		t.Errorf("transient failures leave no fault, got %q", order.FaultMessage)
	}

	env.cloud.set(func(s *stubCloud) { s.requestErr = nil })
	env.pass(t, NameOpen)
	env.assertIn(t, order, engine.OrderStateSpawning, false)
	if env.cloud.requests != 2 {
		t.Errorf("requests = %d, want 2", env.cloud.requests)
	}
}

func TestUnreachableThenRecovery(t *testing.T) {
	env := newTestEnv(t)
	order := env.add(t, localProvider, engine.OrderStateFulfilled, "i-1")

	env.cloud.set(func(s *stubCloud) {
		s.getErr = engine.NewUnauthenticatedError("token expired", nil)
	})
	env.pass(t, NameFulfilled)
	env.assertIn(t, order, engine.OrderStateUnableToCheckStatus, false)
	if order.FaultMessage == "" {
		t.Error("losing track of an instance sets the fault message")
	}

	env.pass(t, NameUnableToCheckStatus)
	env.assertIn(t, order, engine.OrderStateUnableToCheckStatus, false)

	env.cloud.set(func(s *stubCloud) {
		s.getErr = nil
		s.state = engine.InstanceStateReady
	})
	env.pass(t, NameUnableToCheckStatus)
	env.assertIn(t, order, engine.OrderStateFulfilled, false)
	if order.FaultMessage != "" {
		t.Errorf("FaultMessage = %q, want cleared", order.FaultMessage)
	}
}

func TestFulfilledDemotions(t *testing.T) {
	tests := []struct {
		name  string
		setup func(s *stubCloud)
		want  engine.OrderState
	}{
		{"ready", func(s *stubCloud) { s.state = engine.InstanceStateReady }, engine.OrderStateFulfilled},
		{"rebuilding", func(s *stubCloud) { s.state = engine.InstanceStateCreating }, engine.OrderStateSpawning},
		{"failed", func(s *stubCloud) { s.state = engine.InstanceStateFailed }, engine.OrderStateFailedAfterSuccessfulRequest},
		{"gone", func(s *stubCloud) { s.getErr = engine.NewInstanceNotFoundError("gone", nil) }, engine.OrderStateFailedAfterSuccessfulRequest},
		{"unreachable", func(s *stubCloud) { s.getErr = engine.NewUnavailableError("timeout", nil) }, engine.OrderStateUnableToCheckStatus},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			order := env.add(t, localProvider, engine.OrderStateFulfilled, "i-1")
			env.cloud.set(tt.setup)

			env.pass(t, NameFulfilled)
			env.assertIn(t, order, tt.want, false)
		})
	}
}

func TestSpawningOutcomes(t *testing.T) {
	tests := []struct {
		name  string
		setup func(s *stubCloud)
		want  engine.OrderState
		fault string
	}{
		{"creating", func(s *stubCloud) {}, engine.OrderStateSpawning, ""},
		{"failed", func(s *stubCloud) {
			s.state = engine.InstanceStateFailed
			s.fault = "no valid host"
		}, engine.OrderStateFailedAfterSuccessfulRequest, "no valid host"},
		{"not found", func(s *stubCloud) {
			s.getErr = engine.NewInstanceNotFoundError("instance i-1 not found", nil)
		}, engine.OrderStateFailedAfterSuccessfulRequest, "instance i-1 not found"},
		{"unauthorized", func(s *stubCloud) {
			s.getErr = engine.NewUnauthorizedError("forbidden", nil)
		}, engine.OrderStateUnableToCheckStatus, "forbidden"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			order := env.add(t, localProvider, engine.OrderStateSpawning, "i-1")
			env.cloud.set(tt.setup)

			env.pass(t, NameSpawning)
			env.assertIn(t, order, tt.want, false)
			if !strings.Contains(order.FaultMessage, tt.fault) || (tt.fault == "" && order.FaultMessage != "") {
				t.Errorf("FaultMessage = %q, want %q", order.FaultMessage, tt.fault)
			}
		})
	}
}

func TestFirstFaultMessageWins(t *testing.T) {
	env := newTestEnv(t)
	order := env.add(t, localProvider, engine.OrderStateSpawning, "i-1")

	env.cloud.set(func(s *stubCloud) { s.getErr = engine.NewUnavailableError("first failure", nil) })
	env.pass(t, NameSpawning)

	env.cloud.set(func(s *stubCloud) {
		s.getErr = nil
		s.state = engine.InstanceStateFailed
		s.fault = "second failure"
	})
	env.pass(t, NameUnableToCheckStatus)

	env.assertIn(t, order, engine.OrderStateFailedAfterSuccessfulRequest, false)
	if !strings.Contains(order.FaultMessage, "first failure") || strings.Contains(order.FaultMessage, "second") {
		t.Errorf("FaultMessage = %q, want the first failure only", order.FaultMessage)
	}
}

func TestDeletionFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.add(t, localProvider, engine.OrderStateFulfilled, "i-1")

	order.Lock()
	err := env.trans.Transition(ctx, order, engine.OrderStateAssignedForDeletion)
	order.Unlock()
	if err != nil {
		t.Fatal(err)
	}

	env.pass(t, NameAssignedForDeletion)
	env.assertIn(t, order, engine.OrderStateCheckingDeletion, false)
	if len(env.cloud.deletes) != 1 {
		t.Fatalf("deletes = %v", env.cloud.deletes)
	}

	env.cloud.set(func(s *stubCloud) { s.state = engine.InstanceStateDeleting })
	env.pass(t, NameCheckingDeletion)
	env.assertIn(t, order, engine.OrderStateCheckingDeletion, false)

	env.cloud.set(func(s *stubCloud) { s.getErr = engine.NewInstanceNotFoundError("gone", nil) })
	env.pass(t, NameCheckingDeletion)
	env.assertIn(t, order, engine.OrderStateClosed, false)

	env.pass(t, NameClosed)
	if _, err := env.index.Get(order.ID); !engine.IsNotFound(err) {
		t.Errorf("closed order still indexed: %v", err)
	}

	if env.cloud.audited[engine.OperationDelete] != 1 || env.cloud.audited[engine.OperationGet] != 0 {
		t.Errorf("audited calls = %v, want the delete only", env.cloud.audited)
	}
}

func TestDeletionRetries(t *testing.T) {
	env := newTestEnv(t)
	order := env.add(t, localProvider, engine.OrderStateAssignedForDeletion, "i-1")

	env.cloud.set(func(s *stubCloud) { s.deleteErr = engine.NewUnavailableError("cloud down", nil) })
	env.pass(t, NameAssignedForDeletion)
	env.assertIn(t, order, engine.OrderStateAssignedForDeletion, false)
	if order.FaultMessage == "" {
		t.Error("failed deletion sets the fault message")
	}
	if env.store.updates == 0 {
		t.Error("fault message was not persisted")
	}

	env.cloud.set(func(s *stubCloud) { s.deleteErr = engine.NewInstanceNotFoundError("already gone", nil) })
	env.pass(t, NameAssignedForDeletion)
	env.assertIn(t, order, engine.OrderStateCheckingDeletion, false)

	env.cloud.set(func(s *stubCloud) { s.state = engine.InstanceStateReady })
	env.pass(t, NameCheckingDeletion)
	env.assertIn(t, order, engine.OrderStateAssignedForDeletion, false)
}

func TestDeletionWithoutInstance(t *testing.T) {
	env := newTestEnv(t)
	order := env.add(t, localProvider, engine.OrderStateFailedOnRequest, "")

	order.Lock()
	if err := env.trans.Transition(context.Background(), order, engine.OrderStateAssignedForDeletion); err != nil {
		t.Fatal(err)
	}
	order.Unlock()

	env.pass(t, NameAssignedForDeletion)
	env.pass(t, NameCheckingDeletion)
	env.assertIn(t, order, engine.OrderStateClosed, false)
	if len(env.cloud.deletes) != 0 || env.cloud.gets != 0 {
		t.Errorf("no cloud call expected, got %d deletes and %d gets", len(env.cloud.deletes), env.cloud.gets)
	}
}

func TestRemoteOrderRouting(t *testing.T) {
	env := newTestEnv(t)

	// A remote order sitting in a local monitoring list is an anomaly.
	order := &engine.Order{
		ID:        uuid.New().String(),
		Type:      engine.OrderTypeVolume,
		State:     engine.OrderStateUnableToCheckStatus,
		Requester: engine.SystemUser{ID: "alice", IdentityProvider: localProvider},
		Provider:  "provider-b",
		Volume:    &engine.VolumeSpec{Size: 1},
	}
	if err := env.index.Add(order); err != nil {
		t.Fatal(err)
	}
	local := env.add(t, localProvider, engine.OrderStateUnableToCheckStatus, "i-1")
	env.cloud.set(func(s *stubCloud) { s.getErr = engine.NewUnavailableError("cloud down", nil) })

	env.pass(t, NameUnableToCheckStatus)
	env.assertIn(t, order, engine.OrderStatePending, true)
	env.assertIn(t, local, engine.OrderStateUnableToCheckStatus, false)

	env.cloud.set(func(s *stubCloud) {
		s.getErr = nil
		s.state = engine.InstanceStateReady
	})
	env.pass(t, NameSpawning)
	env.pass(t, NameFulfilled)
	env.assertIn(t, order, engine.OrderStatePending, true)
	if env.cloud.gets != 1 {
		t.Errorf("gets = %d, only the local order is polled", env.cloud.gets)
	}
}

func TestLocalProcessorsSkipRemoteOrders(t *testing.T) {
	env := newTestEnv(t)
	order := &engine.Order{
		ID:       uuid.New().String(),
		Type:     engine.OrderTypeVolume,
		State:    engine.OrderStateSpawning,
		Provider: "provider-b",
		Volume:   &engine.VolumeSpec{Size: 1},
	}
	if err := env.index.Add(order); err != nil {
		t.Fatal(err)
	}
	env.cloud.set(func(s *stubCloud) { s.state = engine.InstanceStateReady })

	env.pass(t, NameSpawning)
	env.assertIn(t, order, engine.OrderStateSpawning, false)
	if env.cloud.gets != 0 {
		t.Errorf("remote order was polled %d times", env.cloud.gets)
	}
}

func TestRemoteOpenDispatch(t *testing.T) {
	env := newTestEnv(t)
	order := env.add(t, "provider-b", engine.OrderStateOpen, "")

	env.pass(t, NameOpen)
	env.assertIn(t, order, engine.OrderStatePending, true)

	rejected := env.add(t, "provider-b", engine.OrderStateOpen, "")
	env.cloud.set(func(s *stubCloud) { s.requestErr = engine.NewQuotaExceededError("no room", nil) })
	env.pass(t, NameOpen)
	env.assertIn(t, rejected, engine.OrderStateFailedOnRequest, false)
}

func TestRemoteSync(t *testing.T) {
	env := newTestEnv(t)
	order := env.add(t, "provider-b", engine.OrderStatePending, "")

	env.peer.script(&engine.RemoteOrderStatus{State: engine.OrderStateSpawning, InstanceID: "vm-7"}, nil)
	env.pass(t, NameRemoteSync)
	env.assertIn(t, order, engine.OrderStateSpawning, true)
	if order.InstanceID != "vm-7" {
		t.Errorf("InstanceID = %q, want the peer's", order.InstanceID)
	}

	env.peer.script(nil, engine.NewUnavailableError("peer down", nil))
	env.pass(t, NameRemoteSync)
	env.assertIn(t, order, engine.OrderStateSpawning, true)

	env.peer.script(&engine.RemoteOrderStatus{State: engine.OrderStateFailedAfterSuccessfulRequest, FaultMessage: "no host"}, nil)
	env.pass(t, NameRemoteSync)
	env.assertIn(t, order, engine.OrderStateFailedAfterSuccessfulRequest, true)
	if order.FaultMessage != "no host" {
		t.Errorf("FaultMessage = %q", order.FaultMessage)
	}

	env.peer.script(&engine.RemoteOrderStatus{State: engine.OrderStateClosed}, nil)
	env.pass(t, NameRemoteSync)
	env.assertIn(t, order, engine.OrderStateClosed, false)
}

func TestRemoteSyncVanishedOrders(t *testing.T) {
	tests := []struct {
		from   engine.OrderState
		want   engine.OrderState
		remote bool
	}{
		{engine.OrderStatePending, engine.OrderStateOpen, false},
		{engine.OrderStateCheckingDeletion, engine.OrderStateClosed, false},
		{engine.OrderStateFulfilled, engine.OrderStateFailedAfterSuccessfulRequest, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.from), func(t *testing.T) {
			env := newTestEnv(t)
			order := env.add(t, "provider-b", tt.from, "vm-1")
			env.peer.script(nil, engine.NewNotFoundError("unknown order", nil))

			env.pass(t, NameRemoteSync)
			env.assertIn(t, order, tt.want, tt.remote)
		})
	}
}

func TestHandlerPanicIsContained(t *testing.T) {
	env := newTestEnv(t)
	first := env.add(t, localProvider, engine.OrderStateOpen, "")
	second := env.add(t, localProvider, engine.OrderStateOpen, "")
	env.cloud.set(func(s *stubCloud) { s.panicOn = engine.OperationCreate })

	env.pass(t, NameOpen)

	for _, order := range []*engine.Order{first, second} {
		env.assertIn(t, order, engine.OrderStateFailedOnRequest, false)
		if !strings.Contains(order.FaultMessage, "panicked") {
			t.Errorf("FaultMessage = %q", order.FaultMessage)
		}
	}
}

func TestWorkersProcessEveryOrder(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.Workers = 4 })

	var orders []*engine.Order
	for i := 0; i < 20; i++ {
		orders = append(orders, env.add(t, localProvider, engine.OrderStateOpen, ""))
	}

	env.pass(t, NameOpen)

	seen := make(map[string]bool)
	for _, order := range orders {
		env.assertIn(t, order, engine.OrderStateSpawning, false)
		if seen[order.InstanceID] {
			t.Errorf("instance id %s handed out twice", order.InstanceID)
		}
		seen[order.InstanceID] = true
	}
}

func TestControllerStartStop(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.Open = 5 * time.Millisecond
		c.Spawning = 5 * time.Millisecond
	})
	env.cloud.set(func(s *stubCloud) { s.state = engine.InstanceStateReady })
	order := env.add(t, localProvider, engine.OrderStateOpen, "")

	if err := env.ctrl.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := env.ctrl.Start(context.Background()); err == nil {
		t.Error("starting twice should fail")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		order.Lock()
		state := order.State
		order.Unlock()
		if state == engine.OrderStateFulfilled {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("order stuck in %s", state)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := env.ctrl.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if err := env.ctrl.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestNewControllerValidation(t *testing.T) {
	if _, err := NewController(DefaultConfig(), Deps{}); err == nil {
		t.Error("missing dependencies should fail")
	}

	cfg := DefaultConfig()
	cfg.Closed = 0
	index := engine.NewIndex()
	_, err := NewController(cfg, Deps{
		Index:        index,
		Transitioner: engine.NewTransitioner(index, nil, zerolog.Nop()),
		Connectors:   newStubCloud(),
	})
	if err == nil {
		t.Error("zero interval should fail")
	}

	ctrl, err := NewController(DefaultConfig(), Deps{
		Index:        index,
		Transitioner: engine.NewTransitioner(index, nil, zerolog.Nop()),
		Connectors:   newStubCloud(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ctrl.Processor(NameRemoteSync); err == nil {
		t.Error("remote sync runs only with federation configured")
	}
	if got := len(ctrl.Processors()); got != 7 {
		t.Errorf("processors = %d, want 7", got)
	}
}
