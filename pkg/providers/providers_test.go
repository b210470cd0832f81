package providers

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nimbusfed/nimbus/pkg/engine"
)

type mockDriver struct {
	name   string
	closed bool
}

func (d *mockDriver) Name() string { return d.name }

func (d *mockDriver) Plugin(engine.OrderType) (engine.Plugin, error) {
	return nil, errors.New("no plugins")
}

func (d *mockDriver) Quota() (engine.QuotaPlugin, error) {
	return nil, errors.New("no quota")
}

func (d *mockDriver) Close() error {
	d.closed = true
	return nil
}

func mockFactory(_ context.Context, m *CloudManifest) (engine.CloudDriver, error) {
	if m.Options["broken"] == "true" {
		return nil, errors.New("broken driver")
	}
	return &mockDriver{name: m.Name}, nil
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(zerolog.Nop())
	if err := r.RegisterKind("mock", mockFactory); err != nil {
		t.Fatalf("RegisterKind() error = %v", err)
	}
	return r
}

func TestRegistryRegister(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if err := r.RegisterKind("mock", mockFactory); err == nil {
		t.Error("registering a kind twice should fail")
	}

	if err := r.Register(ctx, &CloudManifest{Name: "east", Kind: "mock"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Register(ctx, &CloudManifest{Name: "west", Kind: "mock", Default: true}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if got := r.DefaultCloud(); got != "west" {
		t.Errorf("DefaultCloud() = %s, want west", got)
	}

	d, err := r.Driver("")
	if err != nil || d.Name() != "west" {
		t.Errorf("Driver(\"\") = %v, %v", d, err)
	}

	if _, err := r.Driver("north"); !engine.IsInvalidParameter(err) {
		t.Errorf("Driver(unknown) error = %v, want invalid parameter", err)
	}

	tests := []struct {
		name     string
		manifest *CloudManifest
	}{
		{name: "duplicate", manifest: &CloudManifest{Name: "east", Kind: "mock"}},
		{name: "unknown kind", manifest: &CloudManifest{Name: "south", Kind: "openstack"}},
		{name: "factory error", manifest: &CloudManifest{Name: "south", Kind: "mock", Options: map[string]string{"broken": "true"}}},
		{name: "missing kind", manifest: &CloudManifest{Name: "south"}},
		{name: "bad name", manifest: &CloudManifest{Name: "not a name", Kind: "mock"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := r.Register(ctx, tt.manifest); err == nil {
				t.Error("Register() should fail")
			}
		})
	}

	if got := r.Clouds(); len(got) != 2 || got[0] != "east" || got[1] != "west" {
		t.Errorf("Clouds() = %v", got)
	}
}

func TestRegistryUnregisterAndClose(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	_ = r.Register(ctx, &CloudManifest{Name: "east", Kind: "mock"})
	_ = r.Register(ctx, &CloudManifest{Name: "west", Kind: "mock"})

	east, _ := r.Driver("east")
	if err := r.Unregister("east"); err != nil {
		t.Fatalf("Unregister() error = %v", err)
	}
	if !east.(*mockDriver).closed {
		t.Error("Unregister should close the driver")
	}
	if r.DefaultCloud() != "" {
		t.Errorf("default cloud should be cleared, got %q", r.DefaultCloud())
	}

	west, _ := r.Driver("west")
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if !west.(*mockDriver).closed {
		t.Error("Close should close every driver")
	}
	if len(r.Clouds()) != 0 {
		t.Error("Close should empty the registry")
	}
}

func TestScanDirectory(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"east.yaml":  "name: east\nkind: mock\n",
		"west.yml":   "name: west\nkind: mock\ndefault: true\noptions:\n  region: w1\n",
		"broken.yml": "name: [\n",
		"notes.txt":  "ignored",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	r := newTestRegistry(t)
	if err := r.ScanDirectory(context.Background(), dir); err != nil {
		t.Fatalf("ScanDirectory() error = %v", err)
	}

	if got := r.Clouds(); len(got) != 2 {
		t.Fatalf("Clouds() = %v, want east and west", got)
	}
	m, ok := r.Manifest("west")
	if !ok || m.String("region", "") != "w1" || m.Path == "" {
		t.Errorf("west manifest = %+v", m)
	}

	if err := r.ScanDirectory(context.Background(), filepath.Join(dir, "missing")); err == nil {
		t.Error("scanning a missing directory should fail")
	}
}

func TestManifestOptions(t *testing.T) {
	m := &CloudManifest{Name: "east", Kind: "mock", Options: map[string]string{
		"ready_after": "2s",
		"quota_vcpu":  "8",
		"bad_int":     "eight",
		"bad_dur":     "soon",
	}}

	if d, err := m.Duration("ready_after", 0); err != nil || d != 2*time.Second {
		t.Errorf("Duration() = %v, %v", d, err)
	}
	if d, _ := m.Duration("missing", time.Minute); d != time.Minute {
		t.Errorf("Duration(missing) = %v, want fallback", d)
	}
	if n, err := m.Int("quota_vcpu", 0); err != nil || n != 8 {
		t.Errorf("Int() = %v, %v", n, err)
	}
	if _, err := m.Int("bad_int", 0); err == nil {
		t.Error("Int(bad) should fail")
	}
	if _, err := m.Duration("bad_dur", 0); err == nil {
		t.Error("Duration(bad) should fail")
	}
}

func TestStaticUserMapper(t *testing.T) {
	mapper := NewStaticUserMapper(map[string]CloudCredentials{
		"east": {
			Default: &Credential{UserID: "svc", Token: "t0"},
			Users: map[string]Credential{
				"alice@provider-a": {UserID: "alice-east", Token: "t1", Options: map[string]string{"project": "p1"}},
			},
		},
		"west": {},
	})
	ctx := context.Background()
	alice := engine.SystemUser{ID: "alice", IdentityProvider: "provider-a"}
	bob := engine.SystemUser{ID: "bob", IdentityProvider: "provider-b"}

	u, err := mapper.Map(ctx, alice, "east")
	if err != nil || u.ID != "alice-east" || u.Credentials["project"] != "p1" {
		t.Errorf("Map(alice) = %+v, %v", u, err)
	}

	u, err = mapper.Map(ctx, bob, "east")
	if err != nil || u.ID != "svc" {
		t.Errorf("Map(bob) = %+v, %v, want default credential", u, err)
	}

	if _, err := mapper.Map(ctx, bob, "west"); !engine.IsUnauthenticated(err) {
		t.Errorf("Map(no credentials) error = %v, want unauthenticated", err)
	}
	if _, err := mapper.Map(ctx, bob, "north"); !engine.IsUnauthenticated(err) {
		t.Errorf("Map(unknown cloud) error = %v, want unauthenticated", err)
	}

	mapper.SetCloud("west", CloudCredentials{Default: &Credential{UserID: "svc-west"}})
	if u, err := mapper.Map(ctx, bob, "west"); err != nil || u.ID != "svc-west" {
		t.Errorf("Map after SetCloud = %+v, %v", u, err)
	}
}

func TestWaitForJob(t *testing.T) {
	ctx := context.Background()
	policy := RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond}

	calls := 0
	err := WaitForJob(ctx, policy, func(context.Context) (bool, error) {
		calls++
		return calls == 2, nil
	})
	if err != nil || calls != 2 {
		t.Errorf("WaitForJob() = %v after %d calls", err, calls)
	}

	calls = 0
	err = WaitForJob(ctx, policy, func(context.Context) (bool, error) {
		calls++
		return false, nil
	})
	if !engine.IsUnavailable(err) || calls != 3 {
		t.Errorf("exhausted WaitForJob() = %v after %d calls", err, calls)
	}
	var ee *engine.EngineError
	if !errors.As(err, &ee) || ee.Code != engine.ErrCodeJobTimeout {
		t.Errorf("error code = %v, want job timeout", err)
	}

	boom := engine.NewInstanceNotFoundError("gone", nil)
	calls = 0
	err = WaitForJob(ctx, policy, func(context.Context) (bool, error) {
		calls++
		return false, boom
	})
	if !engine.IsInstanceNotFound(err) || calls != 1 {
		t.Errorf("check error should end the wait at once, got %v after %d calls", err, calls)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err = WaitForJob(cancelled, RetryPolicy{MaxAttempts: 5, Delay: time.Hour}, func(context.Context) (bool, error) {
		return false, nil
	})
	if !engine.IsUnavailable(err) {
		t.Errorf("cancelled WaitForJob() = %v, want unavailable", err)
	}
}
