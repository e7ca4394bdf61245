// Package drift compares the declared state of infrastructure resources
// against what discovery actually observed, and classifies every
// divergence into severity-ranked findings.
//
// # Overview
//
// The analyzer runs a fixed pipeline of pure detectors: lifecycle state
// diff, security-sensitive property diff, numeric performance diff, and
// a general property walk for everything else. Checksum divergence is
// reported only when none of those detectors explain it, so a finding
// is never duplicated across detectors. Repeated findings of the same
// drift type on one resource escalate one severity level, because a
// pattern is a stronger signal than any single divergence.
//
// # Classification
//
// Rules carries the typed configuration: the always-critical property
// set, the numeric relative-change thresholds, the auto-remediation
// allow/deny table, and the identity properties that are never
// remediated automatically. DefaultRules provides the standard set, and
// the struct binds directly from YAML daemon configuration.
//
// # Usage Example
//
//	analyzer := drift.NewAnalyzer(drift.DefaultRules())
//	findings := analyzer.Analyze(expected, observed)
//	for _, f := range findings {
//		fmt.Println(f.Severity, f.DriftType, f.Description)
//	}
package drift
