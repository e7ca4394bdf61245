// Package config provides daemon configuration loading and CUE manifest
// parsing for statecraft.
//
// # Overview
//
// The package covers the two configuration surfaces of the state store:
// the daemon configuration that wires the server together (YAML file
// plus environment overrides), and declarative CUE manifests that
// describe the resources the store should track.
//
// # Daemon Configuration
//
// Config is loaded in layers: built-in defaults, then an optional YAML
// file, then STATECRAFT_* environment variables, then validation.
// Later layers win.
//
//	cfg, err := config.Load("/etc/statecraft/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	backend, err := stores.NewSQLiteStore(cfg.Store.SQLite())
//	if err := backend.Init(ctx); err != nil { ... }
//	mgr := state.NewManager(backend, cfg.ManagerOptions())
//
// The mapping helpers (ManagerOptions, Store.SQLite, Store.Memory,
// Cache.Options, Discovery.SSH.Options, Telemetry.Telemetry) translate
// the flat configuration tree into the option structs each subsystem
// takes, so command wiring stays declarative.
//
// # Manifests
//
// CUEParser parses resource manifests from files, directories, or
// inline content. Multiple sources unify into one manifest, so a base
// file and an environment overlay compose naturally:
//
//	parser := config.NewCUEParser()
//	parsed, err := parser.Parse(ctx, []string{"base.cue", "prod.cue"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if len(parsed.Errors) > 0 {
//	    // report and refuse to apply
//	}
//	resources := parsed.ToResources()
//
// A typical manifest:
//
//	manifest: {
//	    name:    "edge-fleet"
//	    version: "1.4.0"
//	    defaults: tags: {team: "platform"}
//	}
//
//	resources: {
//	    "web-01": {
//	        type: "server"
//	        name: "web-01.fra.example.net"
//	        properties: {cpu_cores: 8, memory_gb: 32}
//	        tags: {env: "production", owner: "platform"}
//	    }
//	    "web-lb": {
//	        type:      "load_balancer"
//	        name:      "web-lb.fra.example.net"
//	        parent_id: "web-01"
//	    }
//	}
//
// Resources may be declared as a map (the key becomes the resource ID)
// or as a list of objects carrying explicit ids. Manifest defaults
// merge into every resource; per-resource values win.
//
// # Schema Validation
//
// Declared resources validate against an embedded CUE schema before
// decoding. The schema is closed, so misspelled fields are rejected
// rather than silently dropped, and type and state enums are enforced
// at parse time. SchemaRegistry supports registering additional
// schemas for domain-specific property validation.
//
// # Error Handling
//
// Parse and validation problems are collected as ValidationError
// values with file, line, column, and CUE path, so a single run
// reports every problem in a manifest:
//
//	ValidationError{
//	    File:     "prod.cue",
//	    Line:     12,
//	    Column:   9,
//	    Path:     "resources.web-01",
//	    Message:  "type: 2 errors in empty disjunction",
//	    Severity: "error",
//	}
//
// A manifest with errors must not be applied; Evaluate enforces this
// by failing when any error was collected.
//
// # Thread Safety
//
// Config values are plain data and safe to share once loaded.
// CUEParser and SchemaRegistry are safe for concurrent use.
package config
