package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/statecraft/statecraft/pkg/state"
)

// Engine evaluates admission policies against resources. It satisfies
// the state manager's AdmissionPolicy interface: blocking violations
// reject the mutation, evaluation failures admit it with a logged
// warning.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	builtin  map[string]bool
	loader   *Loader
	logger   zerolog.Logger
}

// compiledPolicy pairs a policy with its prepared deny query.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the embedded baseline policies
// loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		builtin:  make(map[string]bool),
		loader:   NewLoader(logger),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	builtins := GetBuiltinPolicies()
	for i := range builtins {
		cp, err := e.compilePolicy(context.Background(), &builtins[i])
		if err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
		e.policies[builtins[i].Name] = cp
		e.builtin[builtins[i].Name] = true
	}

	e.logger.Info().
		Int("count", len(builtins)).
		Msg("Built-in policies loaded")

	return e, nil
}

// Admit gates a resource mutation. It implements the state manager's
// AdmissionPolicy: a blocking violation returns a validation error, and
// an evaluation failure fails open.
func (e *Engine) Admit(ctx context.Context, r *state.Resource, operation string) error {
	result, err := e.EvaluateResource(ctx, r, &Context{
		Operation: operation,
		Timestamp: time.Now(),
	})
	if err != nil {
		e.logger.Warn().Err(err).
			Str("resource", r.ID).
			Str("operation", operation).
			Msg("Policy evaluation failed, admitting mutation")
		return nil
	}

	for _, warning := range result.Warnings {
		e.logger.Warn().
			Str("resource", r.ID).
			Str("operation", operation).
			Msg(warning)
	}

	if result.Allowed {
		return nil
	}

	blocking := result.BlockingViolation()
	return state.NewValidationError(
		fmt.Sprintf("policy %s rejected %s: %s", blocking.Policy, operation, blocking.Message), nil)
}

// EvaluateResource evaluates all enabled policies against a resource.
// Policies whose evaluation fails are reported as warnings and never
// block; the error return is reserved for engine-level failures.
func (e *Engine) EvaluateResource(ctx context.Context, resource *state.Resource, pctx *Context) (*Result, error) {
	start := time.Now()
	if pctx == nil {
		pctx = &Context{Operation: "validate"}
	}
	if pctx.Timestamp.IsZero() {
		pctx.Timestamp = start
	}

	input := &Input{
		Resource: resource,
		Context:  pctx,
	}

	var violations []Violation
	var warnings []string
	var evaluated []string

	for _, cp := range e.snapshot() {
		evaluated = append(evaluated, cp.policy.Name)

		found, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", cp.policy.Name).
				Str("resource", resource.ID).
				Msg("Policy evaluation failed")
			warnings = append(warnings, fmt.Sprintf("policy %s evaluation failed: %v", cp.policy.Name, err))
			continue
		}
		violations = append(violations, found...)
	}

	allowed := true
	for i := range violations {
		if violations[i].Severity.Blocks() {
			allowed = false
			break
		}
	}

	duration := time.Since(start)
	e.logger.Debug().
		Str("resource_id", resource.ID).
		Str("operation", pctx.Operation).
		Int("violations", len(violations)).
		Bool("allowed", allowed).
		Dur("duration", duration).
		Msg("Resource policy evaluation completed")

	return &Result{
		Allowed:           allowed,
		Violations:        violations,
		Warnings:          warnings,
		EvaluatedAt:       start,
		EvaluatedPolicies: evaluated,
		Duration:          duration,
	}, nil
}

// snapshot returns the enabled compiled policies in name order, so
// evaluation runs without holding the lock and results are
// deterministic.
func (e *Engine) snapshot() []*compiledPolicy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.policies))
	for name, cp := range e.policies {
		if cp.policy.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	ordered := make([]*compiledPolicy, 0, len(names))
	for _, name := range names {
		ordered = append(ordered, e.policies[name])
	}
	return ordered
}

// evaluatePolicy runs a single prepared deny query.
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
			violations = append(violations, e.newViolation(cp.policy, d, input))
		}
	}

	return violations, nil
}

// newViolation converts one deny result into a Violation. String
// results become the message; object results may override severity,
// resource, and remediation.
func (e *Engine) newViolation(policy *Policy, result interface{}, input *Input) Violation {
	violation := Violation{
		Policy:     policy.Name,
		Severity:   policy.Severity,
		DetectedAt: time.Now(),
	}
	if input.Resource != nil {
		violation.ResourceID = input.Resource.ID
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
		if res, ok := v["resource"].(string); ok {
			violation.ResourceID = res
		}
		if fix, ok := v["remediation"].(string); ok {
			violation.Remediation = fix
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compilePolicy parses a policy module and prepares its deny query for
// repeated evaluation.
func (e *Engine) compilePolicy(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	query := fmt.Sprintf("%s.deny", module.Package.Path.String())
	r := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Query(query),
	)

	prepared, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	e.logger.Debug().
		Str("policy", policy.Name).
		Str("query", query).
		Msg("Policy compiled")

	return &compiledPolicy{
		policy:   policy,
		query:    prepared,
		compiled: time.Now(),
	}, nil
}

// LoadPolicies loads and compiles policy files from the given paths.
// A compile failure here is fatal so operators get startup feedback.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range policies {
		cp, err := e.compilePolicy(ctx, &policies[i])
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
		e.policies[policies[i].Name] = cp
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")

	return nil
}

// ReplaceFilePolicies swaps the file-loaded policy set while keeping
// built-ins. A policy that fails to compile keeps its previous compiled
// version when one exists, so a half-edited file cannot open the gate.
func (e *Engine) ReplaceFilePolicies(ctx context.Context, policies []Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	previous := e.policies
	next := make(map[string]*compiledPolicy, len(e.builtin)+len(policies))
	for name := range e.builtin {
		next[name] = previous[name]
	}

	var failed int
	for i := range policies {
		name := policies[i].Name
		if e.builtin[name] {
			e.logger.Warn().Str("policy", name).Msg("File policy shadows a built-in, skipping")
			continue
		}
		cp, err := e.compilePolicy(ctx, &policies[i])
		if err != nil {
			failed++
			e.logger.Error().Err(err).Str("policy", name).Msg("Failed to compile policy, keeping previous version")
			if prev, ok := previous[name]; ok {
				next[name] = prev
			}
			continue
		}
		next[name] = cp
	}

	e.policies = next

	e.logger.Info().
		Int("loaded", len(policies)-failed).
		Int("failed", failed).
		Msg("File policies replaced")

	return nil
}

// WatchPaths starts hot reload: changes under the given paths rebuild
// the file-policy set through ReplaceFilePolicies.
func (e *Engine) WatchPaths(ctx context.Context, paths []string) error {
	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.ReplaceFilePolicies(ctx, policies)
	})
}

// Close stops the policy file watcher.
func (e *Engine) Close() error {
	return e.loader.StopWatching()
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	return cp.policy, nil
}

// ListPolicies returns all loaded policies in name order.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)

	policies := make([]Policy, 0, len(names))
	for _, name := range names {
		policies = append(policies, *e.policies[name].policy)
	}

	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = true
	e.logger.Info().Str("policy", name).Msg("Policy enabled")

	return nil
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = false
	e.logger.Info().Str("policy", name).Msg("Policy disabled")

	return nil
}
