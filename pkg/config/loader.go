package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/nimbusfed/nimbus/pkg/providers"
	"github.com/nimbusfed/nimbus/pkg/telemetry"
)

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// ValidationError is one schema violation with its location.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the path to the offending field (e.g., "peer.peers.0.url").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

// String formats the error with its location.
func (e ValidationError) String() string {
	switch {
	case e.File != "" && e.Line > 0:
		return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
	case e.Path != "":
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	default:
		return e.Message
	}
}

// SchemaError collects the violations found by a schema check.
type SchemaError struct {
	Errors []ValidationError
}

func (e *SchemaError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		msgs[i] = ve.String()
	}
	return "schema validation failed: " + strings.Join(msgs, "; ")
}

// newSchemaError converts CUE errors into a SchemaError.
func newSchemaError(err error) error {
	se := &SchemaError{}
	for _, e := range errors.Errors(err) {
		ve := ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: errors.Details(e, nil),
		}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		se.Errors = append(se.Errors, ve)
	}
	if len(se.Errors) == 0 {
		se.Errors = []ValidationError{{Message: err.Error()}}
	}
	return se
}

// Loader reads configuration files written in YAML or CUE.
type Loader struct {
	schemas *SchemaRegistry
}

// NewLoader creates a loader with the built-in schemas.
func NewLoader() *Loader {
	return &Loader{schemas: NewSchemaRegistry()}
}

// Load reads a configuration file. The format follows the extension: .yaml, .yml or .cue.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg *Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		cfg, err = l.LoadYAML(data)
	case ".cue":
		cfg, err = l.LoadCUE(data, path)
	default:
		return nil, fmt.Errorf("unsupported config file type: %s", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	cfg.Source = path
	return cfg, nil
}

// LoadYAML parses a YAML configuration, checks it against the config schema and
// applies it over the defaults.
func (l *Loader) LoadYAML(data []byte) (*Config, error) {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("configuration is empty")
	}
	if err := l.schemas.Validate(SchemaConfig, doc); err != nil {
		return nil, err
	}

	return decode(data)
}

// LoadCUE evaluates a CUE configuration, unifies it with the config schema and
// applies the result over the defaults.
func (l *Loader) LoadCUE(data []byte, filename string) (*Config, error) {
	val := l.schemas.Context().CompileBytes(data, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, newSchemaError(err)
	}

	unified, err := l.schemas.unify(SchemaConfig, val)
	if err != nil {
		return nil, err
	}

	// JSON is valid YAML, so the evaluated document decodes like a YAML file.
	js, err := unified.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to export configuration: %w", err)
	}
	return decode(js)
}

// decode applies data over the defaults. The telemetry section starts from the preset
// of its environment.
func decode(data []byte) (*Config, error) {
	var env struct {
		Telemetry struct {
			Environment string `yaml:"environment"`
		} `yaml:"telemetry"`
	}
	if err := yaml.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	cfg := Default()
	cfg.Telemetry = *telemetry.ConfigFor(env.Telemetry.Environment)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ValidateManifest checks a cloud manifest against the cloud schema and the
// manifest's own field rules.
func (l *Loader) ValidateManifest(data []byte) (*providers.CloudManifest, error) {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := l.schemas.Validate(SchemaCloud, doc); err != nil {
		return nil, err
	}
	return providers.LoadManifestBytes(data)
}

// ValidateCloudDirectory checks every manifest in dir and returns the cloud names.
// Unlike the driver registry, which skips broken manifests, any invalid manifest
// fails the check.
func (l *Loader) ValidateCloudDirectory(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read cloud directory: %w", err)
	}

	var names []string
	defaults := 0
	seen := make(map[string]string)
	for _, entry := range entries {
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read manifest: %w", err)
		}
		m, err := l.ValidateManifest(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if other, dup := seen[m.Name]; dup {
			return nil, fmt.Errorf("cloud %s is defined in both %s and %s", m.Name, other, path)
		}
		seen[m.Name] = path
		if m.Default {
			defaults++
		}
		names = append(names, m.Name)
	}

	if len(names) == 0 {
		return nil, fmt.Errorf("no cloud manifests in %s", dir)
	}
	if defaults > 1 {
		return nil, fmt.Errorf("%d clouds are marked default", defaults)
	}

	sort.Strings(names)
	return names, nil
}
