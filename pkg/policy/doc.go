// Package policy provides Open Policy Agent (OPA) admission control for
// statecraft.
//
// This package gates resource registration and updates using the Rego
// policy language. It includes built-in baseline policies and supports
// loading custom policies from files with hot reload. Policy here is
// advisory infrastructure for a state store: evaluation failures fail
// open with a logged warning, while actual blocking violations reject
// the mutation as a validation error.
//
// # Architecture
//
// The policy system consists of four main components:
//
//  1. Engine - Compiles and evaluates Rego policies, implements the
//     state manager's AdmissionPolicy interface
//  2. Loader - Loads policies from files, directories, and bundles
//  3. Types - Data structures for policies, violations, and results
//  4. Built-in Policies - Embedded baseline policies
//
// # Usage
//
// Creating a policy engine and wiring it into the manager:
//
//	logger := zerolog.New(os.Stdout)
//	gate, err := policy.NewEngine(logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	mgr := state.NewManager(backend, state.Options{
//	    Policy: gate,
//	})
//
// Evaluating a resource directly:
//
//	result, err := gate.EvaluateResource(ctx, resource, &policy.Context{
//	    Operation: "register",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if !result.Allowed {
//	    for _, violation := range result.Violations {
//	        fmt.Printf("Policy %s violated: %s\n", violation.Policy, violation.Message)
//	    }
//	}
//
// Loading custom policies:
//
//	paths := []string{
//	    "/etc/statecraft/policies",
//	    "/opt/policies/custom.rego",
//	}
//
//	err = gate.LoadPolicies(ctx, paths)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # Built-in Policies
//
// The following policies are embedded and load at engine construction:
//
//  1. resource-identity - Every resource must have a name and a valid type
//  2. resource-naming - Naming conventions (advisory)
//  3. security-encryption - Security-sensitive properties require an
//     encryption tag
//  4. production-ownership - Production-tagged resources require an
//     owner tag
//
// Built-ins survive file-policy reloads and cannot be shadowed by a
// file policy of the same name.
//
// # Custom Policies
//
// Custom policies are written in Rego and loaded from files. A deny
// rule may return a plain string or an object with message, severity,
// resource, and remediation keys:
//
//	package custom.policies.backup
//
//	import rego.v1
//
//	deny contains violation if {
//	    input.resource
//	    resource := input.resource
//
//	    # Require backup tag for production resources
//	    resource.tags.env == "production"
//	    not resource.tags.backup
//
//	    violation := {
//	        "message": "Production resources must have a backup tag",
//	        "severity": "error",
//	        "resource": resource.id,
//	    }
//	}
//
// # Severity Levels
//
// Violations have four severity levels:
//
//   - info: Informational messages
//   - warning: Issues that should be reviewed but don't block admission
//   - error: Issues that reject the mutation
//   - critical: Severe issues requiring immediate attention
//
// # Hot Reload
//
// The engine watches policy paths for changes and swaps the file-policy
// set in place. A policy that fails to compile keeps its previous
// compiled version, so a half-edited file never opens the gate:
//
//	err = gate.LoadPolicies(ctx, paths)
//	err = gate.WatchPaths(ctx, paths)
//	defer gate.Close()
//
// # Performance
//
// Policies are compiled once into OPA PreparedEvalQuery values and
// reused for every evaluation. The loader caches parsed files until the
// watcher sees them change.
package policy
