package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// defaultReloadDelay debounces bursts of file events into one reload.
const defaultReloadDelay = 500 * time.Millisecond

// Loader reads policies from .rego files, JSON policy files and JSON bundles.
//
// A .rego file becomes one policy named after the file. Leading comment lines form its
// description, except "# severity: <level>" which sets its severity (error by default).
// A .json file holds either one Policy or a Bundle with a "policies" array.
type Loader struct {
	logger      zerolog.Logger
	cache       map[string][]Policy
	mu          sync.RWMutex
	watcher     *fsnotify.Watcher
	reloadDelay time.Duration
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger:      logger.With().Str("component", "policy-loader").Logger(),
		cache:       make(map[string][]Policy),
		reloadDelay: defaultReloadDelay,
	}
}

// LoadFromPaths loads policies from a list of file or directory paths.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var allPolicies []Policy

	for _, path := range paths {
		policies, err := l.loadFromPath(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		allPolicies = append(allPolicies, policies...)
	}

	l.logger.Debug().
		Int("total", len(allPolicies)).
		Int("sources", len(paths)).
		Msg("Policies loaded from paths")

	return allPolicies, nil
}

// loadFromPath loads policies from a single path (file or directory).
func (l *Loader) loadFromPath(ctx context.Context, path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}

	if info.IsDir() {
		return l.loadFromDirectory(ctx, path)
	}
	return l.loadFromFile(ctx, path)
}

// loadFromDirectory loads every policy file under a directory. Unreadable files are skipped.
func (l *Loader) loadFromDirectory(ctx context.Context, dirPath string) ([]Policy, error) {
	var policies []Policy

	err := filepath.WalkDir(dirPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isPolicyFile(path) {
			return nil
		}

		loaded, err := l.loadFromFile(ctx, path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to load policy file")
			return nil
		}

		policies = append(policies, loaded...)
		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	return policies, nil
}

func isPolicyFile(path string) bool {
	return strings.HasSuffix(path, ".rego") || strings.HasSuffix(path, ".json")
}

// loadFromFile loads the policies of a single file.
func (l *Loader) loadFromFile(_ context.Context, filePath string) ([]Policy, error) {
	l.mu.RLock()
	if cached, exists := l.cache[filePath]; exists {
		l.mu.RUnlock()
		return clonePolicies(cached), nil
	}
	l.mu.RUnlock()

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var policies []Policy
	switch {
	case strings.HasSuffix(filePath, ".rego"):
		policies = []Policy{parseRegoFile(filePath, data)}
	case strings.HasSuffix(filePath, ".json"):
		policies, err = parseJSONFile(filePath, data)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported file type: %s", filePath)
	}

	l.mu.Lock()
	l.cache[filePath] = policies
	l.mu.Unlock()

	l.logger.Debug().
		Str("path", filePath).
		Int("policies", len(policies)).
		Msg("Policy file loaded")

	return clonePolicies(policies), nil
}

func clonePolicies(in []Policy) []Policy {
	out := make([]Policy, len(in))
	copy(out, in)
	return out
}

// parseRegoFile parses a .rego file into a Policy.
func parseRegoFile(filePath string, data []byte) Policy {
	name := strings.TrimSuffix(filepath.Base(filePath), ".rego")
	description, severity := parseHeader(string(data))
	now := time.Now()

	return Policy{
		Name:        name,
		Description: description,
		Rego:        string(data),
		Severity:    severity,
		Enabled:     true,
		Tags:        []string{},
		Metadata: map[string]interface{}{
			"source": filePath,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// parseJSONFile parses a JSON policy or bundle.
func parseJSONFile(filePath string, data []byte) ([]Policy, error) {
	var head struct {
		Policies json.RawMessage `json:"policies"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
	}

	var policies []Policy
	if head.Policies != nil {
		var bundle Bundle
		if err := json.Unmarshal(data, &bundle); err != nil {
			return nil, fmt.Errorf("failed to parse bundle: %w", err)
		}
		policies = bundle.Policies
	} else {
		var policy Policy
		if err := json.Unmarshal(data, &policy); err != nil {
			return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
		}
		policies = []Policy{policy}
	}

	now := time.Now()
	for i := range policies {
		p := &policies[i]
		if p.Name == "" {
			return nil, fmt.Errorf("policy %d in %s has no name", i, filePath)
		}
		if p.Severity == "" {
			p.Severity = SeverityError
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		if p.UpdatedAt.IsZero() {
			p.UpdatedAt = now
		}
		p.Builtin = false
		if p.Metadata == nil {
			p.Metadata = map[string]interface{}{}
		}
		p.Metadata["source"] = filePath
	}
	return policies, nil
}

// parseHeader reads the leading comment block of a Rego file.
func parseHeader(content string) (string, Severity) {
	var description strings.Builder
	severity := SeverityError

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if description.Len() > 0 {
				break
			}
			continue
		}
		if !strings.HasPrefix(trimmed, "#") {
			break
		}

		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		if level, ok := strings.CutPrefix(comment, "severity:"); ok {
			switch s := Severity(strings.TrimSpace(level)); s {
			case SeverityInfo, SeverityWarning, SeverityError:
				severity = s
			}
			continue
		}
		if comment == "" {
			continue
		}
		if description.Len() > 0 {
			description.WriteString(" ")
		}
		description.WriteString(comment)
	}

	return description.String(), severity
}

// Watch starts watching paths for policy changes and calls reloadFn with the full set of
// policies after every change.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to stat path for watching")
			continue
		}

		if info.IsDir() {
			if err := l.watchDirectory(watcher, path); err != nil {
				l.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch directory")
			}
		} else if err := watcher.Add(path); err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch file")
		}
	}

	go l.processEvents(ctx, watcher, paths, reloadFn)

	l.logger.Info().
		Int("paths", len(paths)).
		Msg("Started watching policy paths")

	return nil
}

// watchDirectory adds a directory and its subdirectories to the watcher.
func (l *Loader) watchDirectory(watcher *fsnotify.Watcher, dirPath string) error {
	return filepath.WalkDir(dirPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}

// processEvents turns file system events into debounced reloads.
func (l *Loader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, paths []string, reloadFn func([]Policy) error) {
	var reloadTimer *time.Timer
	defer func() {
		if reloadTimer != nil {
			reloadTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = watcher.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}

			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := l.watchDirectory(watcher, event.Name); err != nil {
						l.logger.Warn().Err(err).Str("path", event.Name).Msg("Failed to watch directory")
					}
					continue
				}
			}

			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 || !isPolicyFile(event.Name) {
				continue
			}

			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Policy file changed")

			l.mu.Lock()
			delete(l.cache, event.Name)
			l.mu.Unlock()

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(l.reloadDelay, func() {
				if err := l.triggerReload(ctx, paths, reloadFn); err != nil {
					l.logger.Error().Err(err).Msg("Failed to reload policies")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// triggerReload reloads all policies from watched paths.
func (l *Loader) triggerReload(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	l.logger.Info().Msg("Reloading policies")

	policies, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to reload policies: %w", err)
	}

	if err := reloadFn(policies); err != nil {
		return fmt.Errorf("failed to apply reloaded policies: %w", err)
	}

	l.logger.Info().
		Int("count", len(policies)).
		Msg("Policies reloaded successfully")

	return nil
}

// StopWatching stops watching for file changes.
func (l *Loader) StopWatching() error {
	l.mu.Lock()
	watcher := l.watcher
	l.watcher = nil
	l.mu.Unlock()

	if watcher != nil {
		return watcher.Close()
	}
	return nil
}

// ClearCache clears the policy cache.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cache = make(map[string][]Policy)
	l.logger.Debug().Msg("Policy cache cleared")
}
