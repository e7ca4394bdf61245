package policy

import (
	"time"

	"github.com/statecraft/statecraft/pkg/state"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed but do not
	// block admission.
	SeverityWarning Severity = "warning"

	// SeverityError is for violations that reject the mutation.
	SeverityError Severity = "error"

	// SeverityCritical is for violations that reject the mutation and
	// demand immediate attention.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation at this severity rejects the
// mutation. Info and warning findings are advisory.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents an admission policy with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// ResourceID is the resource that violated the policy.
	ResourceID string `json:"resource_id,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// Remediation provides a suggested fix.
	Remediation string `json:"remediation,omitempty"`

	// DetectedAt is when the violation was detected.
	DetectedAt time.Time `json:"detected_at"`
}

// Result represents the outcome of evaluating all enabled policies
// against one resource.
type Result struct {
	// Allowed reports whether the mutation may proceed. Only error and
	// critical violations block.
	Allowed bool `json:"allowed"`

	// Violations lists every policy violation, blocking or advisory.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists policies whose evaluation itself failed. Failed
	// policies never block admission.
	Warnings []string `json:"warnings,omitempty"`

	// EvaluatedAt is when the evaluation ran.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// EvaluatedPolicies lists the names of the policies that ran.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// BlockingViolation returns the most severe violation that rejects the
// mutation, or nil when the result is allowed.
func (r *Result) BlockingViolation() *Violation {
	var blocking *Violation
	for i := range r.Violations {
		v := &r.Violations[i]
		if !v.Severity.Blocks() {
			continue
		}
		if blocking == nil || (v.Severity == SeverityCritical && blocking.Severity != SeverityCritical) {
			blocking = v
		}
	}
	return blocking
}

// Input is the document handed to Rego evaluation.
type Input struct {
	// Resource is the resource being admitted.
	Resource *state.Resource `json:"resource,omitempty"`

	// Context carries evaluation circumstances.
	Context *Context `json:"context"`
}

// Context provides circumstances for policy evaluation.
type Context struct {
	// Operation is the mutation being gated ("register", "update",
	// "validate").
	Operation string `json:"operation,omitempty"`

	// Environment is the deployment environment of this node.
	Environment string `json:"environment,omitempty"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`

	// DryRun indicates the mutation will not be persisted.
	DryRun bool `json:"dry_run"`

	// Metadata contains additional context metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Bundle represents a versioned collection of related policies,
// distributed as a single JSON document.
type Bundle struct {
	// Name is the unique name of the bundle.
	Name string `json:"name"`

	// Version is the bundle version.
	Version string `json:"version"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Policies are the policies in this bundle.
	Policies []Policy `json:"policies"`

	// CreatedAt is when the bundle was created.
	CreatedAt time.Time `json:"created_at"`
}
