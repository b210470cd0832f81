package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"github.com/open-policy-agent/opa/v1/util"
	"github.com/rs/zerolog"

	"github.com/nimbusfed/nimbus/pkg/engine"
	"github.com/nimbusfed/nimbus/pkg/telemetry"
)

// Options configures an Engine.
type Options struct {
	// LocalProvider is the id of this provider. Users of other identity providers are foreign.
	LocalProvider string

	// Paths lists policy files and directories loaded after the built-in policies.
	Paths []string

	// Data is exposed to policies as data.nimbus.
	Data map[string]interface{}

	// Disabled names built-in policies that start disabled.
	Disabled []string

	// Events receives a policy.denied event for every denied request. May be nil.
	Events *telemetry.EventPublisher
}

// Engine evaluates Rego policies and implements engine.Authorizer.
//
// Every enabled policy contributes the messages of its deny set. A request is denied when
// any violation has error severity; warnings are only logged.
type Engine struct {
	mu              sync.RWMutex
	policies        map[string]*compiledPolicy
	store           storage.Store
	opts            Options
	logger          zerolog.Logger
	loader          *Loader
	builtinPolicies []Policy
	now             func() time.Time
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in policies and the policies found
// under opts.Paths.
func NewEngine(logger zerolog.Logger, opts Options) (*Engine, error) {
	store, err := newDataStore(opts.Data)
	if err != nil {
		return nil, err
	}

	logger = logger.With().Str("component", "policy-engine").Logger()
	e := &Engine{
		policies:        make(map[string]*compiledPolicy),
		store:           store,
		opts:            opts,
		logger:          logger,
		loader:          NewLoader(logger),
		builtinPolicies: GetBuiltinPolicies(),
		now:             time.Now,
	}

	ctx := context.Background()
	if err := e.loadBuiltinPolicies(ctx); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}
	if len(opts.Paths) > 0 {
		if err := e.LoadPolicies(ctx, opts.Paths); err != nil {
			return nil, err
		}
	}

	return e, nil
}

// newDataStore exposes data under data.nimbus.
func newDataStore(data map[string]interface{}) (storage.Store, error) {
	if data == nil {
		data = map[string]interface{}{}
	}
	var doc interface{} = map[string]interface{}{"nimbus": data}
	if err := util.RoundTrip(&doc); err != nil {
		return nil, fmt.Errorf("invalid policy data: %w", err)
	}
	obj, ok := doc.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid policy data: not an object")
	}
	return inmem.NewFromObject(obj), nil
}

// Authorize evaluates the policies for a request and returns an unauthorized error when
// they deny it. A policy that fails to evaluate denies the request with an unexpected error.
func (e *Engine) Authorize(ctx context.Context, user engine.SystemUser, req engine.AuthorizationRequest) error {
	input := e.inputFor(user, req)

	decision, err := e.Evaluate(ctx, input)
	if err != nil {
		return engine.NewUnexpectedError("policy evaluation failed", err).
			WithOperation(string(req.Operation))
	}

	for _, w := range decision.Warnings {
		e.logger.Warn().
			Str("policy", w.Policy).
			Str("user", input.User.Key).
			Str("operation", input.Operation).
			Msg(w.Message)
	}
	if decision.Allowed {
		return nil
	}

	reason := decision.Reason()
	policies := make([]string, 0, len(decision.Violations))
	for _, v := range decision.Violations {
		policies = append(policies, v.Policy)
	}
	e.logger.Info().
		Str("user", input.User.Key).
		Str("operation", input.Operation).
		Str("resource_type", input.ResourceType).
		Strs("policies", policies).
		Msg("Request denied by policy")
	if err := e.opts.Events.PublishPolicyDenied(input.User.Key, input.Operation, input.ResourceType, reason); err != nil {
		e.logger.Debug().Err(err).Msg("Failed to publish policy denied event")
	}

	return engine.NewUnauthorizedError(reason, nil).
		WithCode(engine.ErrCodePolicyDenied).
		WithOperation(string(req.Operation)).
		WithDetail("policies", policies)
}

func (e *Engine) inputFor(user engine.SystemUser, req engine.AuthorizationRequest) *Input {
	return &Input{
		User: InputUser{
			ID:               user.ID,
			Name:             user.Name,
			IdentityProvider: user.IdentityProvider,
			Key:              user.String(),
			Foreign:          user.IdentityProvider != e.opts.LocalProvider,
		},
		Operation:     string(req.Operation),
		ResourceType:  string(req.ResourceType),
		Provider:      req.Provider,
		CloudName:     req.CloudName,
		OrderID:       req.OrderID,
		LocalProvider: e.opts.LocalProvider,
		Timestamp:     e.now().UTC(),
	}
}

// Evaluate evaluates every enabled policy against input.
func (e *Engine) Evaluate(ctx context.Context, input *Input) (*Decision, error) {
	startTime := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	decision := &Decision{
		Allowed:           true,
		EvaluatedPolicies: make([]string, 0, len(e.policies)),
	}

	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		decision.EvaluatedPolicies = append(decision.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", name).
				Msg("Policy evaluation failed")
			return nil, fmt.Errorf("policy %s: %w", name, err)
		}

		for _, v := range violations {
			if v.Severity.Blocks() {
				decision.Allowed = false
				decision.Violations = append(decision.Violations, v)
			} else {
				decision.Warnings = append(decision.Warnings, v)
			}
		}
	}

	decision.Duration = time.Since(startTime)
	e.logger.Debug().
		Str("operation", input.Operation).
		Bool("allowed", decision.Allowed).
		Int("violations", len(decision.Violations)).
		Dur("duration", decision.Duration).
		Msg("Policy evaluation completed")

	return decision, nil
}

// LoadPolicies loads policy files and directories, replacing previously loaded ones.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.ReplacePolicies(ctx, policies)
}

// ReplacePolicies compiles policies and swaps them in for the loaded (non built-in) ones.
// Nothing changes when any of them fails to compile. A loaded policy named like a built-in
// one replaces it.
func (e *Engine) ReplacePolicies(ctx context.Context, policies []Policy) error {
	compiled := make([]*compiledPolicy, 0, len(policies))
	for i := range policies {
		cp, err := e.compile(ctx, &policies[i])
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", policies[i].Name).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
		compiled = append(compiled, cp)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for name, cp := range e.policies {
		if !cp.policy.Builtin {
			delete(e.policies, name)
		}
	}
	for _, cp := range compiled {
		e.policies[cp.policy.Name] = cp
	}

	e.logger.Info().
		Int("count", len(compiled)).
		Msg("Policies loaded successfully")

	return nil
}

// Watch reloads the configured policy paths whenever they change, until ctx is done.
func (e *Engine) Watch(ctx context.Context) error {
	if len(e.opts.Paths) == 0 {
		return nil
	}
	return e.loader.Watch(ctx, e.opts.Paths, func(policies []Policy) error {
		return e.ReplacePolicies(ctx, policies)
	})
}

// StopWatching stops the policy watcher.
func (e *Engine) StopWatching() error {
	return e.loader.StopWatching()
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d))
		}
	}
	return violations, nil
}

// createViolation creates a Violation from a deny set element, either a message or an
// object with message and severity.
func createViolation(policy *Policy, result interface{}) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}
	if violation.Message == "" {
		violation.Message = "denied by policy " + policy.Name
	}

	return violation
}

// compile parses a policy and prepares the query for its deny set.
func (e *Engine) compile(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if policy.Severity == "" {
		policy.Severity = SeverityError
	}

	r := rego.New(
		rego.ParsedModule(module),
		rego.Store(e.store),
		rego.Query(module.Package.Path.String()+".deny"),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	e.logger.Debug().
		Str("policy", policy.Name).
		Msg("Policy compiled successfully")

	return &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}, nil
}

// loadBuiltinPolicies compiles the built-in policies. Callers hold no lock.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	disabled := make(map[string]bool, len(e.opts.Disabled))
	for _, name := range e.opts.Disabled {
		disabled[name] = true
	}

	compiled := make([]*compiledPolicy, 0, len(e.builtinPolicies))
	for i := range e.builtinPolicies {
		p := e.builtinPolicies[i]
		p.Enabled = !disabled[p.Name]
		cp, err := e.compile(ctx, &p)
		if err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
		compiled = append(compiled, cp)
	}

	e.mu.Lock()
	for _, cp := range compiled {
		e.policies[cp.policy.Name] = cp
	}
	e.mu.Unlock()

	e.logger.Info().
		Int("count", len(compiled)).
		Int("disabled", len(disabled)).
		Msg("Built-in policies loaded")

	return nil
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}

	return policies
}

// ReloadPolicies recompiles the built-in policies and reloads the configured paths.
func (e *Engine) ReloadPolicies(ctx context.Context) error {
	e.mu.Lock()
	e.policies = make(map[string]*compiledPolicy)
	e.mu.Unlock()

	e.loader.ClearCache()
	if err := e.loadBuiltinPolicies(ctx); err != nil {
		return err
	}
	if len(e.opts.Paths) == 0 {
		return nil
	}
	return e.LoadPolicies(ctx, e.opts.Paths)
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")

	return nil
}

var _ engine.Authorizer = (*Engine)(nil)
