package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nimbusfed/nimbus/pkg/stores"
	"github.com/nimbusfed/nimbus/pkg/transports/peer"
)

const testHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

func peerConfig(id string) peer.Config {
	return peer.Config{ID: id, URL: "https://" + id + ".example.org", Secret: "x", SecretHash: testHash}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

const yamlConfig = `
provider:
  id: provider-a
api:
  listen_address: 127.0.0.1:9000
peer:
  listen_address: 127.0.0.1:9443
  peers:
    - id: provider-b
      url: https://b.example.org
      secret: s3cret
      secret_hash: "` + testHash + `"
      timeout: 5s
clouds:
  directory: /etc/nimbus/clouds
  credentials:
    default:
      default:
        user_id: nimbus
store:
  driver: sqlite
  path: /var/lib/nimbus/nimbus.db
processors:
  open: 250ms
  workers: 4
policy:
  paths: [/etc/nimbus/policies]
  data:
    read_only_clouds: [legacy]
telemetry:
  logging:
    level: debug
`

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "nimbus.yaml", yamlConfig)

	cfg, err := NewLoader().Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Source != path {
		t.Errorf("Source = %s, want %s", cfg.Source, path)
	}
	if cfg.Provider.ID != "provider-a" {
		t.Errorf("Provider.ID = %s", cfg.Provider.ID)
	}
	if cfg.API.ListenAddress != "127.0.0.1:9000" {
		t.Errorf("API.ListenAddress = %s", cfg.API.ListenAddress)
	}
	if cfg.API.ShutdownTimeout != 15*time.Second {
		t.Errorf("defaults should survive, ShutdownTimeout = %s", cfg.API.ShutdownTimeout)
	}
	if len(cfg.Peer.Peers) != 1 || cfg.Peer.Peers[0].Timeout != 5*time.Second {
		t.Errorf("Peers = %+v", cfg.Peer.Peers)
	}
	if cred := cfg.Clouds.Credentials["default"].Default; cred == nil || cred.UserID != "nimbus" {
		t.Errorf("Credentials = %+v", cfg.Clouds.Credentials)
	}
	if cfg.Processors.Open != 250*time.Millisecond || cfg.Processors.Workers != 4 {
		t.Errorf("Processors = %+v", cfg.Processors)
	}
	if cfg.Processors.Closed != time.Minute {
		t.Errorf("unset intervals should keep defaults, Closed = %s", cfg.Processors.Closed)
	}
	if !cfg.Policy.Enabled || !cfg.Policy.Watch {
		t.Error("policy defaults should survive")
	}
	if cfg.Telemetry.Logging.Level != "debug" || cfg.Telemetry.Logging.Format != "console" {
		t.Errorf("Logging = %+v", cfg.Telemetry.Logging)
	}
}

func TestLoad_TelemetryEnvironment(t *testing.T) {
	tests := []struct {
		name        string
		environment string
		format      string
		tracing     bool
		sampled     bool
	}{
		{"production preset", "production", "json", true, true},
		{"development preset", "development", "console", false, false},
		{"other environment", "staging", "console", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := "provider:\n  id: provider-a\ntelemetry:\n  environment: " + tt.environment + "\n"
			cfg, err := NewLoader().LoadYAML([]byte(doc))
			if err != nil {
				t.Fatalf("LoadYAML() error = %v", err)
			}
			if cfg.Telemetry.Environment != tt.environment {
				t.Errorf("Environment = %s, want %s", cfg.Telemetry.Environment, tt.environment)
			}
			if cfg.Telemetry.Logging.Format != tt.format {
				t.Errorf("Logging.Format = %s, want %s", cfg.Telemetry.Logging.Format, tt.format)
			}
			if cfg.Telemetry.Tracing.Enabled != tt.tracing {
				t.Errorf("Tracing.Enabled = %v, want %v", cfg.Telemetry.Tracing.Enabled, tt.tracing)
			}
			if cfg.Telemetry.Logging.EnableSampling != tt.sampled {
				t.Errorf("Logging.EnableSampling = %v, want %v", cfg.Telemetry.Logging.EnableSampling, tt.sampled)
			}
		})
	}

	overridden, err := NewLoader().LoadYAML([]byte("provider:\n  id: provider-a\ntelemetry:\n  environment: production\n  logging:\n    format: console\n"))
	if err != nil {
		t.Fatal(err)
	}
	if overridden.Telemetry.Logging.Format != "console" || overridden.Telemetry.Logging.Level != "info" {
		t.Errorf("explicit fields should win over the preset: %+v", overridden.Telemetry.Logging)
	}
}

func TestLoad_CUE(t *testing.T) {
	cueConfig := `
provider: id: "provider-a"

_peers: ["provider-b", "provider-c"]

peer: peers: [ for p in _peers {
	id:          p
	url:         "https://\(p).example.org"
	secret:      "s3cret"
	secret_hash: "` + testHash + `"
}]

store: {
	driver: "postgres"
	dsn:    "postgres://nimbus@db/nimbus"
}

processors: fulfilled: "1m"
`
	path := writeFile(t, t.TempDir(), "nimbus.cue", cueConfig)

	cfg, err := NewLoader().Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if len(cfg.Peer.Peers) != 2 || cfg.Peer.Peers[1].URL != "https://provider-c.example.org" {
		t.Errorf("Peers = %+v", cfg.Peer.Peers)
	}
	if cfg.Store.Driver != stores.DriverPostgres || cfg.Store.DSN == "" {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if cfg.Processors.Fulfilled != time.Minute {
		t.Errorf("Fulfilled = %s", cfg.Processors.Fulfilled)
	}
}

func TestLoad_CUESchemaViolation(t *testing.T) {
	path := writeFile(t, t.TempDir(), "nimbus.cue", `
provider: id: "provider-a"
store: driver: "mysql"
`)

	_, err := NewLoader().Load(path)
	if err == nil {
		t.Fatal("expected schema violation")
	}
	if !strings.Contains(err.Error(), "schema validation failed") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"unsupported type", "nimbus.toml", "provider = 1"},
		{"invalid yaml", "bad.yaml", "provider: [unclosed"},
		{"empty file", "empty.yaml", ""},
		{"no provider", "noprovider.yaml", "api:\n  listen_address: :8080\n"},
		{
			"peer named like local provider",
			"self.yaml",
			"provider:\n  id: provider-a\npeer:\n  peers:\n    - id: provider-a\n      url: https://a.example.org\n      secret: x\n      secret_hash: \"" + testHash + "\"\n",
		},
		{
			"postgres without dsn",
			"pg.yaml",
			"provider:\n  id: provider-a\nstore:\n  driver: postgres\n",
		},
		{
			"shared listener",
			"listen.yaml",
			"provider:\n  id: provider-a\napi:\n  listen_address: :8080\npeer:\n  listen_address: :8080\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, dir, tt.file, tt.content)
			if _, err := NewLoader().Load(path); err == nil {
				t.Error("expected error")
			}
		})
	}

	if _, err := NewLoader().Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestDefaultIsValidOnceProviderSet(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil {
		t.Error("default configuration has no provider id and should not validate")
	}

	cfg.Provider.ID = "provider-a"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestPolicyData(t *testing.T) {
	cfg := Default()
	cfg.Provider.ID = "provider-a"
	cfg.Peer.Peers = append(cfg.Peer.Peers, peerConfig("provider-b"))
	cfg.Policy.Data = map[string]interface{}{"blocked_users": []string{"mallory@provider-b"}}

	data := cfg.PolicyData()
	providers, ok := data["providers"].([]string)
	if !ok || len(providers) != 2 || providers[0] != "provider-a" || providers[1] != "provider-b" {
		t.Errorf("providers = %v", data["providers"])
	}
	if _, ok := data["blocked_users"]; !ok {
		t.Error("configured data should be kept")
	}

	cfg.Policy.Data["providers"] = []string{"provider-a"}
	if got := cfg.PolicyData()["providers"].([]string); len(got) != 1 {
		t.Errorf("explicit provider list should win, got %v", got)
	}
}

func TestValidateCloudDirectory(t *testing.T) {
	loader := NewLoader()

	dir := t.TempDir()
	writeFile(t, dir, "default.yaml", "name: default\nkind: sim\ndefault: true\n")
	writeFile(t, dir, "east.yml", "name: east\nkind: sim\noptions:\n  ready_after: 2s\n")
	writeFile(t, dir, "notes.txt", "ignored")

	names, err := loader.ValidateCloudDirectory(dir)
	if err != nil {
		t.Fatalf("ValidateCloudDirectory() error = %v", err)
	}
	if strings.Join(names, ",") != "default,east" {
		t.Errorf("names = %v", names)
	}

	tests := []struct {
		name  string
		files map[string]string
	}{
		{"empty", map[string]string{}},
		{"two defaults", map[string]string{"a.yaml": "name: a\nkind: sim\ndefault: true\n", "b.yaml": "name: b\nkind: sim\ndefault: true\n"}},
		{"duplicate name", map[string]string{"a.yaml": "name: a\nkind: sim\n", "b.yaml": "name: a\nkind: sim\n"}},
		{"missing kind", map[string]string{"a.yaml": "name: a\n"}},
		{"unknown field", map[string]string{"a.yaml": "name: a\nkind: sim\nregion: eu\n"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			for name, content := range tt.files {
				writeFile(t, dir, name, content)
			}
			if _, err := loader.ValidateCloudDirectory(dir); err == nil {
				t.Error("expected error")
			}
		})
	}
}
