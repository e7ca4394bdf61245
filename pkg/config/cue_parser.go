package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"

	"github.com/statecraft/statecraft/pkg/state"
)

// CUEParser parses and validates CUE resource manifests. Declared
// resources pass two gates: the embedded CUE schema (shape, enums,
// unknown fields) and validator struct tags after decode
// (required-ness once map keys have supplied IDs).
type CUEParser struct {
	ctx       *cue.Context
	schemas   *SchemaRegistry
	validator *validator.Validate
}

// NewCUEParser creates a new manifest parser.
func NewCUEParser() *CUEParser {
	return &CUEParser{
		ctx:       cuecontext.New(),
		schemas:   NewSchemaRegistry(),
		validator: validator.New(),
	}
}

// Evaluate parses sources and converts them straight to state
// resources. Any validation error fails the evaluation; use Parse when
// per-error locations are needed.
func (cp *CUEParser) Evaluate(ctx context.Context, sources []string) ([]*state.Resource, error) {
	pm, err := cp.Parse(ctx, sources)
	if err != nil {
		return nil, err
	}

	if len(pm.Errors) > 0 {
		return nil, fmt.Errorf("validation errors: %v", pm.Errors)
	}

	return pm.ToResources(), nil
}

// Parse parses CUE manifests from the given sources. Sources may be
// files or directories; multiple sources unify into one manifest.
func (cp *CUEParser) Parse(ctx context.Context, sources []string) (*ParsedManifest, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var cueValue cue.Value
	var sourceFiles []string
	var parseErrors []ValidationError

	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		if info.IsDir() {
			val, files, errs := cp.loadDirectory(source)
			if len(errs) > 0 {
				parseErrors = append(parseErrors, errs...)
			}
			if val.Exists() {
				if cueValue.Exists() {
					cueValue = cueValue.Unify(val)
				} else {
					cueValue = val
				}
			}
			sourceFiles = append(sourceFiles, files...)
		} else {
			val, errs := cp.loadFile(source)
			if len(errs) > 0 {
				parseErrors = append(parseErrors, errs...)
			}
			if val.Exists() {
				if cueValue.Exists() {
					cueValue = cueValue.Unify(val)
				} else {
					cueValue = val
				}
			}
			sourceFiles = append(sourceFiles, source)
		}
	}

	if len(parseErrors) > 0 {
		return &ParsedManifest{
			SourceFiles: sourceFiles,
			ParsedAt:    time.Now(),
			Errors:      parseErrors,
		}, nil
	}

	if err := cueValue.Err(); err != nil {
		return &ParsedManifest{
			SourceFiles: sourceFiles,
			ParsedAt:    time.Now(),
			Errors:      cp.convertCUEErrors(err),
		}, nil
	}

	return cp.extractManifest(cueValue, sourceFiles)
}

// ParseInline parses inline CUE content.
func (cp *CUEParser) ParseInline(ctx context.Context, content string) (*ParsedManifest, error) {
	val := cp.ctx.CompileString(content)
	if err := val.Err(); err != nil {
		return &ParsedManifest{
			SourceFiles: []string{"inline"},
			ParsedAt:    time.Now(),
			Errors:      cp.convertCUEErrors(err),
		}, nil
	}

	return cp.extractManifest(val, []string{"inline"})
}

// loadDirectory loads a directory as a CUE package.
func (cp *CUEParser) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	buildInstances := load.Instances([]string{dir}, nil)
	if len(buildInstances) == 0 {
		return cue.Value{}, nil, []ValidationError{{
			File:     dir,
			Message:  "no CUE files found",
			Severity: "error",
		}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, cp.convertCUEErrors(inst.Err)
	}

	val := cp.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, cp.convertCUEErrors(err)
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}

	return val, files, nil
}

// loadFile loads a single CUE file.
func (cp *CUEParser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	val := cp.ctx.CompileString(string(content), cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, cp.convertCUEErrors(err)
	}

	return val, nil
}

// extractManifest extracts the manifest block and declared resources
// from a CUE value.
func (cp *CUEParser) extractManifest(val cue.Value, sourceFiles []string) (*ParsedManifest, error) {
	pm := &ParsedManifest{
		SourceFiles: sourceFiles,
		ParsedAt:    time.Now(),
	}

	manifestVal := val.LookupPath(cue.ParsePath("manifest"))
	if manifestVal.Exists() {
		if def, ok := cp.schemas.GetSchema("manifest"); ok {
			if err := def.Unify(manifestVal).Validate(cue.Concrete(true)); err != nil {
				pm.Errors = append(pm.Errors, ValidationError{
					Path:     "manifest",
					Message:  errors.Details(err, nil),
					Severity: "error",
				})
			}
		}

		var meta ManifestMeta
		if err := manifestVal.Decode(&meta); err != nil {
			pm.Errors = append(pm.Errors, ValidationError{
				Path:     "manifest",
				Message:  fmt.Sprintf("failed to decode manifest: %v", err),
				Severity: "error",
			})
		} else if err := cp.validator.Struct(meta); err != nil {
			pm.Errors = append(pm.Errors, ValidationError{
				Path:     "manifest",
				Message:  err.Error(),
				Severity: "error",
			})
		} else {
			pm.Manifest = meta
		}
	}

	resourcesVal := val.LookupPath(cue.ParsePath("resources"))
	if resourcesVal.Exists() {
		switch resourcesVal.Kind() {
		case cue.StructKind:
			iter, err := resourcesVal.Fields(cue.All())
			if err != nil {
				pm.Errors = append(pm.Errors, ValidationError{
					Path:     "resources",
					Message:  fmt.Sprintf("failed to iterate resources: %v", err),
					Severity: "error",
				})
				break
			}
			for iter.Next() {
				key := selectorKey(iter.Selector())
				resource, err := cp.extractResource(key, iter.Value())
				if err != nil {
					pm.Errors = append(pm.Errors, ValidationError{
						Path:     fmt.Sprintf("resources.%s", key),
						Message:  err.Error(),
						Severity: "error",
					})
					continue
				}
				pm.Resources = append(pm.Resources, resource)
			}

		case cue.ListKind:
			list, err := resourcesVal.List()
			if err != nil {
				pm.Errors = append(pm.Errors, ValidationError{
					Path:     "resources",
					Message:  fmt.Sprintf("failed to list resources: %v", err),
					Severity: "error",
				})
				break
			}
			idx := 0
			for list.Next() {
				resource, err := cp.extractResource("", list.Value())
				if err != nil {
					pm.Errors = append(pm.Errors, ValidationError{
						Path:     fmt.Sprintf("resources[%d]", idx),
						Message:  err.Error(),
						Severity: "error",
					})
				} else {
					pm.Resources = append(pm.Resources, resource)
				}
				idx++
			}

		default:
			pm.Errors = append(pm.Errors, ValidationError{
				Path:     "resources",
				Message:  "resources must be a map or a list",
				Severity: "error",
			})
		}
	}

	// Unified sources can still collide on explicit ids
	seen := make(map[string]string, len(pm.Resources))
	for _, rm := range pm.Resources {
		if prev, dup := seen[rm.ID]; dup {
			pm.Errors = append(pm.Errors, ValidationError{
				Path:     fmt.Sprintf("resources.%s", rm.ID),
				Message:  fmt.Sprintf("duplicate resource id %q (also declared as %s)", rm.ID, prev),
				Severity: "error",
			})
			continue
		}
		seen[rm.ID] = rm.Name
	}

	return pm, nil
}

// extractResource validates one declared resource against the embedded
// schema, decodes it, and applies the map key as the ID when the value
// carries none.
func (cp *CUEParser) extractResource(id string, val cue.Value) (ResourceManifest, error) {
	var resource ResourceManifest

	if def, ok := cp.schemas.GetSchema("resource"); ok {
		if err := def.Unify(val).Validate(cue.Concrete(true)); err != nil {
			return resource, fmt.Errorf("schema validation failed: %s", errors.Details(err, nil))
		}
	}

	if err := val.Decode(&resource); err != nil {
		return resource, fmt.Errorf("failed to decode resource: %w", err)
	}

	if resource.ID == "" && id != "" {
		resource.ID = id
	}

	if err := cp.validator.Struct(resource); err != nil {
		return resource, fmt.Errorf("validation failed: %w", err)
	}

	return resource, nil
}

// selectorKey returns the unquoted label for string selectors so
// quoted map keys ("res-web-1") become clean IDs.
func selectorKey(sel cue.Selector) string {
	if sel.IsString() {
		return sel.Unquoted()
	}
	return sel.String()
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func (cp *CUEParser) convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	errs := errors.Errors(err)
	for _, e := range errs {
		pos := errors.Positions(e)
		var file string
		var line, column int

		if len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Message:  errors.Details(e, nil),
			Severity: "error",
		})
	}

	return validationErrors
}

// ValidateWithSchema validates data against a registered schema.
func (cp *CUEParser) ValidateWithSchema(ctx context.Context, data interface{}, schemaName string) error {
	return cp.schemas.ValidateAgainstSchema(ctx, schemaName, data)
}

// GetSchemaRegistry returns the schema registry.
func (cp *CUEParser) GetSchemaRegistry() *SchemaRegistry {
	return cp.schemas
}
