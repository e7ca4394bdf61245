package drift

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/statecraft/statecraft/pkg/state"
)

// Analyzer diffs an expected resource against its observed counterpart
// and produces severity-ranked drift findings. It is stateless and safe
// for concurrent use.
type Analyzer struct {
	rules Rules
}

// NewAnalyzer returns an analyzer using the given rules. Callers
// normally start from DefaultRules.
func NewAnalyzer(rules Rules) *Analyzer {
	return &Analyzer{rules: rules}
}

// Rules returns the classification rules the analyzer was built with.
func (a *Analyzer) Rules() Rules {
	return a.rules
}

// Analyze runs the detector pipeline: state diff, security-sensitive
// properties, numeric performance properties, then the general property
// walk. Checksum divergence is reported only when none of those
// detectors explain it. Findings for the same (resource, drift type)
// pair escalate one severity level when there is more than one of them,
// and the result is ordered by severity descending, then detection time
// ascending. Identical inputs return nil; a nil actual means the
// resource was not observed at all.
func (a *Analyzer) Analyze(expected, actual *state.Resource) []state.DriftDetection {
	if expected == nil {
		return nil
	}
	now := time.Now().UTC()

	if actual == nil {
		return a.finalize([]state.DriftDetection{{
			ID:          uuid.New().String(),
			ResourceID:  expected.ID,
			DriftType:   state.DriftTypeStateChanged,
			Expected:    string(expected.State),
			Actual:      string(state.StateRemoved),
			Severity:    state.SeverityCritical,
			Description: fmt.Sprintf("resource expected in state %s was not observed", expected.State),
			DetectedAt:  now,
		}})
	}

	var findings []state.DriftDetection
	findings = append(findings, detectStateDrift(expected, actual, now)...)
	findings = append(findings, detectSecurityDrift(a.rules, expected, actual, now)...)
	findings = append(findings, detectPerformanceDrift(a.rules, expected, actual, now)...)
	findings = append(findings, detectPropertyDrift(a.rules, expected, actual, now)...)
	if len(findings) == 0 {
		findings = detectConfigDrift(expected, actual, now)
	}
	if len(findings) == 0 {
		return nil
	}
	return a.finalize(findings)
}

// finalize applies pattern escalation, synthesizes remediation, and
// orders the findings.
func (a *Analyzer) finalize(findings []state.DriftDetection) []state.DriftDetection {
	escalatePatterns(findings)
	for i := range findings {
		applyRemediation(a.rules, &findings[i])
	}
	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].Severity.Rank() != findings[j].Severity.Rank() {
			return findings[i].Severity.Rank() > findings[j].Severity.Rank()
		}
		return findings[i].DetectedAt.Before(findings[j].DetectedAt)
	})
	return findings
}

// escalatePatterns raises every member of a multi-finding
// (resource, drift type) group one severity level and annotates the
// description. Repeated drift of the same kind on one resource is a
// stronger signal than any single finding.
func escalatePatterns(findings []state.DriftDetection) {
	type groupKey struct {
		resourceID string
		driftType  state.DriftType
	}
	counts := make(map[groupKey]int, len(findings))
	for _, f := range findings {
		counts[groupKey{f.ResourceID, f.DriftType}]++
	}
	for i := range findings {
		n := counts[groupKey{findings[i].ResourceID, findings[i].DriftType}]
		if n < 2 {
			continue
		}
		findings[i].Severity = findings[i].Severity.Escalate()
		findings[i].Description += fmt.Sprintf(" (escalated: one of %d %s findings)", n, findings[i].DriftType)
	}
}
