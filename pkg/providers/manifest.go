package providers

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// CloudManifest describes one configured cloud: which driver kind serves it and the
// driver-specific options.
type CloudManifest struct {
	// Name is the cloud name orders refer to.
	Name string `yaml:"name" validate:"required,hostname_rfc1123"`

	// Kind selects the registered driver factory.
	Kind string `yaml:"kind" validate:"required"`

	// Default marks the cloud used when an order names none.
	Default bool `yaml:"default,omitempty"`

	// Options are passed verbatim to the driver factory.
	Options map[string]string `yaml:"options,omitempty"`

	// Path is the file the manifest was loaded from, if any.
	Path string `yaml:"-"`
}

var manifestValidator = validator.New(validator.WithRequiredStructEnabled())

// LoadManifestFile loads a cloud manifest from a YAML file.
func LoadManifestFile(path string) (*CloudManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}

	manifest, err := LoadManifestBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	manifest.Path = path
	return manifest, nil
}

// LoadManifestBytes parses and validates a cloud manifest.
func LoadManifestBytes(data []byte) (*CloudManifest, error) {
	var manifest CloudManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	return &manifest, nil
}

// Validate checks the manifest's required fields.
func (m *CloudManifest) Validate() error {
	if err := manifestValidator.Struct(m); err != nil {
		return fmt.Errorf("invalid manifest: %w", err)
	}
	return nil
}

// String returns an option or the fallback.
func (m *CloudManifest) String(key, fallback string) string {
	if v, ok := m.Options[key]; ok && v != "" {
		return v
	}
	return fallback
}

// Int returns an integer option or the fallback.
func (m *CloudManifest) Int(key string, fallback int) (int, error) {
	v, ok := m.Options[key]
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("cloud %s: option %s: %w", m.Name, key, err)
	}
	return n, nil
}

// Duration returns a duration option or the fallback.
func (m *CloudManifest) Duration(key string, fallback time.Duration) (time.Duration, error) {
	v, ok := m.Options[key]
	if !ok || v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("cloud %s: option %s: %w", m.Name, key, err)
	}
	return d, nil
}
