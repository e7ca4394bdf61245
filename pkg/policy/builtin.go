package policy

import (
	"time"
)

// GetBuiltinPolicies returns the embedded baseline policies. They load
// at engine construction and survive file-policy reloads.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		resourceIdentityPolicy(),
		resourceNamingPolicy(),
		securityEncryptionPolicy(),
		productionOwnershipPolicy(),
	}
}

// resourceIdentityPolicy requires every resource to carry a name and a
// recognized type.
func resourceIdentityPolicy() Policy {
	return Policy{
		Name:        "resource-identity",
		Description: "Requires every resource to have a name and a valid resource type",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"identity", "baseline"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package statecraft.policies.identity

import rego.v1

valid_types := [
	"server",
	"network_device",
	"service",
	"cloud_object",
	"database",
	"load_balancer",
	"storage",
	"custom",
]

deny contains violation if {
	input.resource
	resource := input.resource

	not resource.name
	violation := {
		"message": sprintf("Resource %s must have a name", [resource.id]),
		"severity": "error",
		"resource": resource.id,
	}
}

deny contains violation if {
	input.resource
	resource := input.resource

	resource.name == ""
	violation := {
		"message": sprintf("Resource %s must have a name", [resource.id]),
		"severity": "error",
		"resource": resource.id,
	}
}

deny contains violation if {
	input.resource
	resource := input.resource

	not resource.type in valid_types
	violation := {
		"message": sprintf("Resource %s has unrecognized type '%s'", [resource.id, resource.type]),
		"severity": "error",
		"resource": resource.id,
	}
}`,
	}
}

// resourceNamingPolicy enforces naming conventions. Violations are
// advisory so legacy names keep tracking.
func resourceNamingPolicy() Policy {
	return Policy{
		Name:        "resource-naming",
		Description: "Enforces resource naming conventions (lowercase, alphanumeric, hyphens only)",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"naming", "conventions"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package statecraft.policies.naming

import rego.v1

deny contains violation if {
	input.resource
	resource := input.resource
	name := resource.name
	name != ""

	# Name must be lowercase
	lower(name) != name
	violation := {
		"message": sprintf("Resource name '%s' should be lowercase", [name]),
		"severity": "warning",
		"resource": resource.id,
	}
}

deny contains violation if {
	input.resource
	resource := input.resource
	name := resource.name
	name != ""

	# Name must match pattern: alphanumeric and hyphens only
	not regex.match("^[a-z0-9-]+$", lower(name))
	violation := {
		"message": sprintf("Resource name '%s' should contain only letters, numbers, and hyphens", [name]),
		"severity": "warning",
		"resource": resource.id,
	}
}

deny contains violation if {
	input.resource
	resource := input.resource
	name := resource.name
	name != ""

	# Name must not start or end with hyphen
	regex.match("^-|-$", name)
	violation := {
		"message": sprintf("Resource name '%s' should not start or end with a hyphen", [name]),
		"severity": "warning",
		"resource": resource.id,
	}
}

deny contains violation if {
	input.resource
	resource := input.resource
	name := resource.name
	name != ""

	# Name must be between 3 and 63 characters
	count(name) < 3
	violation := {
		"message": sprintf("Resource name '%s' should be at least 3 characters long", [name]),
		"severity": "warning",
		"resource": resource.id,
	}
}

deny contains violation if {
	input.resource
	resource := input.resource
	name := resource.name
	name != ""

	count(name) > 63
	violation := {
		"message": sprintf("Resource name '%s' should not exceed 63 characters", [name]),
		"severity": "warning",
		"resource": resource.id,
	}
}`,
	}
}

// securityEncryptionPolicy blocks resources that declare security
// sensitive properties without an encryption tag. The sensitive name
// fragments track the drift analyzer's critical property set.
func securityEncryptionPolicy() Policy {
	return Policy{
		Name:        "security-encryption",
		Description: "Requires an encryption tag on resources with security-sensitive properties",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"security", "baseline"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package statecraft.policies.security

import rego.v1

sensitive_fragments := [
	"password",
	"secret",
	"credential",
	"private_key",
	"api_key",
	"token",
	"certificate",
	"tls_cert",
]

has_sensitive_property(resource) if {
	some name, _ in resource.properties
	some fragment in sensitive_fragments
	contains(lower(name), fragment)
}

deny contains violation if {
	input.resource
	resource := input.resource

	has_sensitive_property(resource)
	not resource.tags.encryption
	violation := {
		"message": sprintf("Resource %s carries security-sensitive properties but no encryption tag", [resource.id]),
		"severity": "error",
		"resource": resource.id,
		"remediation": "Add an 'encryption' tag describing how sensitive values are protected",
	}
}

deny contains violation if {
	input.resource
	resource := input.resource

	has_sensitive_property(resource)
	resource.tags.encryption == ""
	violation := {
		"message": sprintf("Resource %s has an empty encryption tag", [resource.id]),
		"severity": "error",
		"resource": resource.id,
		"remediation": "Add an 'encryption' tag describing how sensitive values are protected",
	}
}`,
	}
}

// productionOwnershipPolicy blocks production resources that have no
// owner tag.
func productionOwnershipPolicy() Policy {
	return Policy{
		Name:        "production-ownership",
		Description: "Requires an owner tag on resources tagged for production",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"production", "ownership", "baseline"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package statecraft.policies.production

import rego.v1

production_envs := ["production", "prod"]

deny contains violation if {
	input.resource
	resource := input.resource

	resource.tags.env in production_envs
	not resource.tags.owner
	violation := {
		"message": sprintf("Production resource %s must declare an owner tag", [resource.id]),
		"severity": "error",
		"resource": resource.id,
		"remediation": "Add an 'owner' tag naming the team responsible for this resource",
	}
}

deny contains violation if {
	input.resource
	resource := input.resource

	resource.tags.env in production_envs
	resource.tags.owner == ""
	violation := {
		"message": sprintf("Production resource %s has an empty owner tag", [resource.id]),
		"severity": "error",
		"resource": resource.id,
		"remediation": "Add an 'owner' tag naming the team responsible for this resource",
	}
}`,
	}
}
