package config

import (
	"context"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for manifest validation. Each
// schema source must be self-contained: the named definition may not
// reference definitions compiled from other sources.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]schemaEntry
	mu      sync.RWMutex
}

type schemaEntry struct {
	value      cue.Value
	definition string
}

// NewSchemaRegistry creates a registry with the built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]schemaEntry),
	}

	// Built-in sources are compile-checked by tests; errors here mean a
	// broken binary, not broken user input.
	_ = sr.RegisterSchema("resource", "#Resource", builtinResourceSchema)
	_ = sr.RegisterSchema("manifest", "#Manifest", builtinManifestSchema)

	return sr
}

// RegisterSchema compiles source and registers definition (e.g.
// "#Resource") under name.
func (sr *SchemaRegistry) RegisterSchema(name, definition, source string) error {
	val := sr.ctx.CompileString(source)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not define %s", name, definition)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.schemas[name] = schemaEntry{value: val, definition: definition}
	return nil
}

// GetSchema returns the named schema's definition value.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	entry, ok := sr.schemas[name]
	sr.mu.RUnlock()
	if !ok {
		return cue.Value{}, false
	}
	return entry.value.LookupPath(cue.ParsePath(entry.definition)), true
}

// ValidateAgainstSchema validates data against the named schema's
// definition.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	def, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := def.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	return names
}

// ValidateResource validates a declared resource against the resource
// schema.
func (sr *SchemaRegistry) ValidateResource(ctx context.Context, resource ResourceManifest) error {
	return sr.ValidateAgainstSchema(ctx, "resource", resource)
}

// ValidateManifest validates a manifest block against the manifest
// schema.
func (sr *SchemaRegistry) ValidateManifest(ctx context.Context, manifest ManifestMeta) error {
	return sr.ValidateAgainstSchema(ctx, "manifest", manifest)
}

// Built-in schema definitions.

const builtinResourceSchema = `
// Resource schema for declared resources. The ID is optional here
// because map-form manifests supply it through the key; required-ness
// is enforced after decode.
#Resource: {
	// ID is the stable unique identifier
	id?: string & =~"^[a-zA-Z0-9][a-zA-Z0-9_.-]*$"

	// Type is the resource type
	type: "server" | "network_device" | "service" | "cloud_object" | "database" | "load_balancer" | "storage" | "custom"

	// Name is the human-readable name
	name: string & != ""

	// State is the declared lifecycle state
	state?: "active" | "inactive" | "maintenance"

	// Properties is the declared configuration
	properties?: {...}

	// Metadata holds additional declared metadata
	metadata?: {...}

	// Tags are key-value pairs for organizing resources
	tags?: {[string]: string}

	// ParentID is the parent resource ID
	parent_id?: string
}
`

const builtinManifestSchema = `
// Manifest schema for the manifest block.
#Manifest: {
	// Name is the manifest name
	name: string & =~"^[a-zA-Z0-9][a-zA-Z0-9_-]*$"

	// Version is the manifest version
	version?: string

	// Description is a human-readable summary
	description?: string

	// Defaults are merged into every declared resource
	defaults?: {
		tags?: {[string]: string}
		metadata?: {...}
	}
}
`
