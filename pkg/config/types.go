package config

import (
	"fmt"
	"time"

	"github.com/statecraft/statecraft/pkg/state"
)

// ManifestMeta describes a manifest: identity plus defaults applied to
// every resource it declares.
type ManifestMeta struct {
	// Name is the manifest name.
	Name string `json:"name" validate:"required"`

	// Version is the manifest version.
	Version string `json:"version,omitempty"`

	// Description is a human-readable summary.
	Description string `json:"description,omitempty"`

	// Defaults are merged into every declared resource.
	Defaults ManifestDefaults `json:"defaults,omitempty"`
}

// ManifestDefaults are manifest-wide values merged under each declared
// resource. A resource's own entry always wins over a default.
type ManifestDefaults struct {
	// Tags are default resource tags (env, owner, team).
	Tags map[string]string `json:"tags,omitempty"`

	// Metadata are default metadata entries.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// ResourceManifest is one declared resource in a manifest.
type ResourceManifest struct {
	// ID is the stable unique identifier. When resources are declared
	// as a map, the map key supplies the ID.
	ID string `json:"id" validate:"required"`

	// Type is the resource type.
	Type string `json:"type" validate:"required,oneof=server network_device service cloud_object database load_balancer storage custom"`

	// Name is the human-readable name.
	Name string `json:"name" validate:"required"`

	// State is the declared lifecycle state. Empty means active.
	State string `json:"state,omitempty" validate:"omitempty,oneof=active inactive maintenance"`

	// Properties is the declared configuration.
	Properties map[string]interface{} `json:"properties,omitempty"`

	// Metadata holds additional declared metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// Tags are key-value pairs for organizing and selecting resources.
	Tags map[string]string `json:"tags,omitempty"`

	// ParentID is the ID of the parent resource, if any.
	ParentID string `json:"parent_id,omitempty"`
}

// ParsedManifest is the result of parsing one or more CUE sources.
type ParsedManifest struct {
	// Manifest is the manifest block.
	Manifest ManifestMeta `json:"manifest"`

	// Resources are the declared resources in source order.
	Resources []ResourceManifest `json:"resources"`

	// SourceFiles are the CUE files that were parsed.
	SourceFiles []string `json:"source_files"`

	// ParsedAt is when the manifest was parsed.
	ParsedAt time.Time `json:"parsed_at"`

	// Errors lists validation errors; a manifest with errors must not
	// be applied.
	Errors []ValidationError `json:"errors,omitempty"`
}

// ValidationError is a parse or validation error with source location.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the CUE path to the error (e.g., "resources.web").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity"`
}

// String renders the error in file:line:column form for CLI output.
func (e ValidationError) String() string {
	loc := e.File
	if e.Line > 0 {
		loc = fmt.Sprintf("%s:%d:%d", e.File, e.Line, e.Column)
	}
	if e.Path != "" {
		if loc != "" {
			loc = fmt.Sprintf("%s (%s)", loc, e.Path)
		} else {
			loc = e.Path
		}
	}
	if loc == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", loc, e.Message)
}

// ToResources converts the declared resources into state resources,
// applying manifest defaults.
func (pm *ParsedManifest) ToResources() []*state.Resource {
	resources := make([]*state.Resource, len(pm.Resources))
	for i := range pm.Resources {
		resources[i] = pm.Resources[i].ToResource(pm.Manifest.Defaults)
	}
	return resources
}

// ToResource converts one declared resource into a state resource. The
// declared state defaults to active; defaults merge under the
// resource's own tags and metadata.
func (rm *ResourceManifest) ToResource(defaults ManifestDefaults) *state.Resource {
	declared := state.StateActive
	if rm.State != "" {
		declared = state.ResourceState(rm.State)
	}

	r := &state.Resource{
		ID:       rm.ID,
		Type:     state.ResourceType(rm.Type),
		Name:     rm.Name,
		State:    declared,
		ParentID: rm.ParentID,
	}

	if len(rm.Properties) > 0 {
		r.Properties = make(map[string]interface{}, len(rm.Properties))
		for k, v := range rm.Properties {
			r.Properties[k] = v
		}
	}

	r.Tags = mergeTags(defaults.Tags, rm.Tags)
	r.Metadata = mergeMetadata(defaults.Metadata, rm.Metadata)

	return r
}

func mergeTags(defaults, own map[string]string) map[string]string {
	if len(defaults) == 0 && len(own) == 0 {
		return nil
	}
	merged := make(map[string]string, len(defaults)+len(own))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range own {
		merged[k] = v
	}
	return merged
}

func mergeMetadata(defaults, own map[string]interface{}) map[string]interface{} {
	if len(defaults) == 0 && len(own) == 0 {
		return nil
	}
	merged := make(map[string]interface{}, len(defaults)+len(own))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range own {
		merged[k] = v
	}
	return merged
}
