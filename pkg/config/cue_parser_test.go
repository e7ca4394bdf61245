package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/statecraft/statecraft/pkg/state"
)

func TestCUEParser_ParseInline(t *testing.T) {
	parser := NewCUEParser()
	ctx := context.Background()

	tests := []struct {
		name      string
		content   string
		wantErr   bool
		errCount  int
		checkFunc func(*testing.T, *ParsedManifest)
	}{
		{
			name: "valid simple manifest",
			content: `
manifest: {
	name: "edge-fleet"
	version: "1.0.0"
}

resources: {
	web: {
		type: "server"
		name: "web-01.fra.example.net"
		properties: {
			cpu_cores: 8
			memory_gb: 32
		}
	}
}
`,
			wantErr: false,
			checkFunc: func(t *testing.T, pm *ParsedManifest) {
				if pm.Manifest.Name != "edge-fleet" {
					t.Errorf("expected manifest name 'edge-fleet', got %s", pm.Manifest.Name)
				}
				if len(pm.Resources) != 1 {
					t.Errorf("expected 1 resource, got %d", len(pm.Resources))
				}
				if len(pm.Resources) > 0 && pm.Resources[0].Type != "server" {
					t.Errorf("expected resource type 'server', got %s", pm.Resources[0].Type)
				}
			},
		},
		{
			name: "map key becomes resource id",
			content: `
resources: {
	"res-web-1": {
		type: "server"
		name: "web"
	}
	cache_node: {
		type: "service"
		name: "redis"
	}
}
`,
			wantErr: false,
			checkFunc: func(t *testing.T, pm *ParsedManifest) {
				if len(pm.Resources) != 2 {
					t.Fatalf("expected 2 resources, got %d", len(pm.Resources))
				}
				ids := map[string]bool{}
				for _, rm := range pm.Resources {
					ids[rm.ID] = true
				}
				if !ids["res-web-1"] {
					t.Error("expected quoted map key 'res-web-1' as resource id")
				}
				if !ids["cache_node"] {
					t.Error("expected map key 'cache_node' as resource id")
				}
			},
		},
		{
			name: "list form with explicit ids",
			content: `
resources: [
	{id: "web-01", type: "server", name: "web-01"},
	{id: "orders-db", type: "database", name: "orders"},
]
`,
			wantErr: false,
			checkFunc: func(t *testing.T, pm *ParsedManifest) {
				if len(pm.Resources) != 2 {
					t.Fatalf("expected 2 resources, got %d", len(pm.Resources))
				}
				if pm.Resources[0].ID != "web-01" {
					t.Errorf("expected first resource id 'web-01', got %s", pm.Resources[0].ID)
				}
				if pm.Resources[1].Type != "database" {
					t.Errorf("expected second resource type 'database', got %s", pm.Resources[1].Type)
				}
			},
		},
		{
			name: "invalid CUE syntax",
			content: `
manifest: {
	name: "test"
	invalid syntax here
}
`,
			wantErr:  true,
			errCount: 1,
		},
		{
			name: "missing required name",
			content: `
resources: {
	web: {
		type: "server"
	}
}
`,
			wantErr:  true,
			errCount: 1,
		},
		{
			name: "unknown resource type",
			content: `
resources: {
	mf: {
		type: "mainframe"
		name: "mf-01"
	}
}
`,
			wantErr:  true,
			errCount: 1,
		},
		{
			name: "misspelled field rejected",
			content: `
resources: {
	web: {
		type: "server"
		name: "web-01"
		ownre: "platform"
	}
}
`,
			wantErr:  true,
			errCount: 1,
		},
		{
			name: "duplicate explicit ids",
			content: `
resources: {
	a: {id: "same", type: "server", name: "first"}
	b: {id: "same", type: "server", name: "second"}
}
`,
			wantErr:  true,
			errCount: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pm, err := parser.ParseInline(ctx, tt.content)

			if tt.wantErr {
				if err == nil && len(pm.Errors) == 0 {
					t.Errorf("expected error, got none")
				}
				if tt.errCount > 0 && len(pm.Errors) != tt.errCount {
					t.Errorf("expected %d errors, got %d: %v", tt.errCount, len(pm.Errors), pm.Errors)
				}
			} else {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				if len(pm.Errors) > 0 {
					t.Errorf("unexpected validation errors: %v", pm.Errors)
				}
				if tt.checkFunc != nil {
					tt.checkFunc(t, pm)
				}
			}
		})
	}
}

func TestCUEParser_ParseFile(t *testing.T) {
	parser := NewCUEParser()
	ctx := context.Background()

	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "fleet.cue")

	content := `
manifest: {
	name: "filetest"
	version: "1.0.0"
}

resources: {
	"web-01": {
		type: "server"
		name: "web-01.fra.example.net"
		tags: {
			env: "production"
		}
	}
}
`

	if err := os.WriteFile(testFile, []byte(content), 0644); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}

	pm, err := parser.Parse(ctx, []string{testFile})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(pm.Errors) > 0 {
		t.Fatalf("unexpected validation errors: %v", pm.Errors)
	}

	if pm.Manifest.Name != "filetest" {
		t.Errorf("expected manifest name 'filetest', got %s", pm.Manifest.Name)
	}

	if len(pm.Resources) != 1 {
		t.Fatalf("expected 1 resource, got %d", len(pm.Resources))
	}

	res := pm.Resources[0]
	if res.ID != "web-01" {
		t.Errorf("expected resource ID 'web-01', got %s", res.ID)
	}
	if res.Tags["env"] != "production" {
		t.Errorf("expected tag env='production', got %s", res.Tags["env"])
	}

	if len(pm.SourceFiles) != 1 || pm.SourceFiles[0] != testFile {
		t.Errorf("expected source files [%s], got %v", testFile, pm.SourceFiles)
	}
}

func TestCUEParser_MultiSourceUnify(t *testing.T) {
	parser := NewCUEParser()
	ctx := context.Background()

	tmpDir := t.TempDir()
	baseFile := filepath.Join(tmpDir, "base.cue")
	overlayFile := filepath.Join(tmpDir, "prod.cue")

	baseContent := `
manifest: {name: "layered", version: "1.0.0"}

resources: {
	web: {
		type: "server"
		name: "web-01"
		properties: {cpu_cores: 8}
	}
}
`

	overlayContent := `
resources: {
	web: {
		tags: {env: "production"}
	}
	db: {
		type: "database"
		name: "orders"
	}
}
`

	if err := os.WriteFile(baseFile, []byte(baseContent), 0644); err != nil {
		t.Fatalf("failed to create base file: %v", err)
	}
	if err := os.WriteFile(overlayFile, []byte(overlayContent), 0644); err != nil {
		t.Fatalf("failed to create overlay file: %v", err)
	}

	pm, err := parser.Parse(ctx, []string{baseFile, overlayFile})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(pm.Errors) > 0 {
		t.Fatalf("unexpected validation errors: %v", pm.Errors)
	}

	if len(pm.Resources) != 2 {
		t.Fatalf("expected 2 resources after unification, got %d", len(pm.Resources))
	}

	var web *ResourceManifest
	for i := range pm.Resources {
		if pm.Resources[i].ID == "web" {
			web = &pm.Resources[i]
			break
		}
	}

	if web == nil {
		t.Fatal("web resource not found")
	}

	if web.Properties["cpu_cores"] == nil {
		t.Error("expected base properties to survive unification")
	}
	if web.Tags["env"] != "production" {
		t.Errorf("expected overlay tag env='production', got %s", web.Tags["env"])
	}
}

func TestCUEParser_ParseDirectory(t *testing.T) {
	parser := NewCUEParser()
	ctx := context.Background()

	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "fleet.cue")

	content := `package fleet

manifest: {name: "dirtest", version: "1.0.0"}

resources: {
	web: {
		type: "server"
		name: "web-01"
	}
}
`

	if err := os.WriteFile(testFile, []byte(content), 0644); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}

	pm, err := parser.Parse(ctx, []string{tmpDir})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(pm.Errors) > 0 {
		t.Fatalf("unexpected validation errors: %v", pm.Errors)
	}

	if pm.Manifest.Name != "dirtest" {
		t.Errorf("expected manifest name 'dirtest', got %s", pm.Manifest.Name)
	}

	if len(pm.Resources) != 1 {
		t.Errorf("expected 1 resource, got %d", len(pm.Resources))
	}

	if len(pm.SourceFiles) == 0 {
		t.Error("expected source files to be recorded")
	}
}

func TestCUEParser_Evaluate(t *testing.T) {
	parser := NewCUEParser()
	ctx := context.Background()

	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "fleet.cue")

	content := `
manifest: {
	name: "integration"
	version: "1.0.0"
	defaults: tags: {team: "platform"}
}

resources: {
	web: {
		type: "server"
		name: "web-01"
	}
}
`

	if err := os.WriteFile(testFile, []byte(content), 0644); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}

	resources, err := parser.Evaluate(ctx, []string{testFile})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(resources) != 1 {
		t.Fatalf("expected 1 resource, got %d", len(resources))
	}

	r := resources[0]
	if r.Type != state.ResourceTypeServer {
		t.Errorf("expected type %s, got %s", state.ResourceTypeServer, r.Type)
	}
	if r.State != state.StateActive {
		t.Errorf("expected default state %s, got %s", state.StateActive, r.State)
	}
	if r.Tags["team"] != "platform" {
		t.Errorf("expected manifest default tag team='platform', got %s", r.Tags["team"])
	}
}

func TestCUEParser_EvaluateFailsOnErrors(t *testing.T) {
	parser := NewCUEParser()
	ctx := context.Background()

	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "broken.cue")

	content := `
resources: {
	web: {
		type: "server"
	}
}
`

	if err := os.WriteFile(testFile, []byte(content), 0644); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}

	if _, err := parser.Evaluate(ctx, []string{testFile}); err == nil {
		t.Error("expected evaluation to fail for invalid manifest")
	}
}

func TestCUEParser_NonexistentSource(t *testing.T) {
	parser := NewCUEParser()
	ctx := context.Background()

	if _, err := parser.Parse(ctx, []string{"/no/such/manifest.cue"}); err == nil {
		t.Error("expected error for nonexistent source")
	}

	if _, err := parser.Parse(ctx, nil); err == nil {
		t.Error("expected error for empty source list")
	}
}

func TestCUEParser_ValidateWithSchema(t *testing.T) {
	parser := NewCUEParser()
	ctx := context.Background()

	valid := map[string]interface{}{
		"id":   "web-01",
		"type": "server",
		"name": "web-01.fra.example.net",
	}

	if err := parser.ValidateWithSchema(ctx, valid, "resource"); err != nil {
		t.Errorf("unexpected validation error: %v", err)
	}

	invalid := map[string]interface{}{
		"id":   "web-01",
		"type": "mainframe",
		"name": "web",
	}

	if err := parser.ValidateWithSchema(ctx, invalid, "resource"); err == nil {
		t.Error("expected validation error for unknown type")
	}
}
