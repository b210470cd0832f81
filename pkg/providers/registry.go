package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nimbusfed/nimbus/pkg/engine"
)

// DriverFactory builds the driver of one configured cloud.
type DriverFactory func(ctx context.Context, manifest *CloudManifest) (engine.CloudDriver, error)

// Registry holds the driver factories by kind and the configured clouds by name.
type Registry struct {
	// mu protects the registry state.
	mu sync.RWMutex

	// factories maps driver kind to its factory.
	factories map[string]DriverFactory

	// drivers maps cloud name to its driver.
	drivers map[string]engine.CloudDriver

	// manifests maps cloud name to its manifest.
	manifests map[string]*CloudManifest

	// defaultCloud is used when an order names no cloud.
	defaultCloud string

	logger zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		factories: make(map[string]DriverFactory),
		drivers:   make(map[string]engine.CloudDriver),
		manifests: make(map[string]*CloudManifest),
		logger:    logger.With().Str("component", "providers").Logger(),
	}
}

// RegisterKind makes a driver kind available to manifests.
func (r *Registry) RegisterKind(kind string, factory DriverFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("driver kind %s already registered", kind)
	}
	r.factories[kind] = factory
	return nil
}

// Register builds the driver described by manifest and adds the cloud.
func (r *Registry) Register(ctx context.Context, manifest *CloudManifest) error {
	if err := manifest.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.drivers[manifest.Name]; exists {
		return fmt.Errorf("cloud %s already registered", manifest.Name)
	}

	factory, ok := r.factories[manifest.Kind]
	if !ok {
		return fmt.Errorf("cloud %s: unknown driver kind %q", manifest.Name, manifest.Kind)
	}

	driver, err := factory(ctx, manifest)
	if err != nil {
		return fmt.Errorf("failed to create driver for cloud %s: %w", manifest.Name, err)
	}

	r.drivers[manifest.Name] = driver
	r.manifests[manifest.Name] = manifest

	if manifest.Default || r.defaultCloud == "" {
		r.defaultCloud = manifest.Name
	}

	r.logger.Info().
		Str("cloud", manifest.Name).
		Str("kind", manifest.Kind).
		Bool("default", r.defaultCloud == manifest.Name).
		Msg("Cloud registered")

	return nil
}

// RegisterFromPath registers the cloud described by a manifest file.
func (r *Registry) RegisterFromPath(ctx context.Context, path string) error {
	manifest, err := LoadManifestFile(path)
	if err != nil {
		return fmt.Errorf("failed to load manifest: %w", err)
	}
	return r.Register(ctx, manifest)
}

// ScanDirectory registers every *.yaml and *.yml manifest in dir. Invalid manifests are
// logged and skipped.
func (r *Registry) ScanDirectory(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := r.RegisterFromPath(ctx, path); err != nil {
			r.logger.Warn().Err(err).Str("path", path).Msg("Failed to register cloud")
		}
	}

	return nil
}

// Driver returns the driver of the named cloud, or of the default cloud when name is empty.
func (r *Registry) Driver(name string) (engine.CloudDriver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name == "" {
		name = r.defaultCloud
	}
	driver, ok := r.drivers[name]
	if !ok {
		return nil, engine.NewInvalidParameterError(fmt.Sprintf("cloud %q is not configured", name), nil).
			WithDetail("cloud", name)
	}
	return driver, nil
}

// DefaultCloud returns the name of the default cloud.
func (r *Registry) DefaultCloud() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultCloud
}

// Clouds lists the configured cloud names.
func (r *Registry) Clouds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Manifest returns the manifest of a configured cloud.
func (r *Registry) Manifest(name string) (*CloudManifest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.manifests[name]
	return m, ok
}

// Unregister removes a cloud, closing its driver if it holds resources.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	driver, ok := r.drivers[name]
	if !ok {
		return fmt.Errorf("cloud %s not registered", name)
	}
	delete(r.drivers, name)
	delete(r.manifests, name)
	if r.defaultCloud == name {
		r.defaultCloud = ""
	}

	if closer, ok := driver.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			return fmt.Errorf("failed to close driver of cloud %s: %w", name, err)
		}
	}
	return nil
}

// Close closes every driver that holds resources and empties the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for name, driver := range r.drivers {
		if closer, ok := driver.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close driver of cloud %s: %w", name, err))
			}
		}
	}

	r.drivers = make(map[string]engine.CloudDriver)
	r.manifests = make(map[string]*CloudManifest)
	r.defaultCloud = ""

	return errors.Join(errs...)
}
