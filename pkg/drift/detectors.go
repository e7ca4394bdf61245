package drift

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/statecraft/statecraft/pkg/state"
)

// redacted replaces security-sensitive property values in findings, so
// drift events never carry credentials into the journal.
const redacted = "[redacted]"

// detectStateDrift reports a lifecycle state divergence. An observed
// error state is critical; any other divergence is high.
func detectStateDrift(expected, actual *state.Resource, now time.Time) []state.DriftDetection {
	if expected.State == actual.State {
		return nil
	}
	severity := state.SeverityHigh
	if actual.State == state.StateError {
		severity = state.SeverityCritical
	}
	return []state.DriftDetection{{
		ID:          uuid.New().String(),
		ResourceID:  expected.ID,
		DriftType:   state.DriftTypeStateChanged,
		Expected:    string(expected.State),
		Actual:      string(actual.State),
		Severity:    severity,
		Description: fmt.Sprintf("lifecycle state diverged: expected %s, observed %s", expected.State, actual.State),
		DetectedAt:  now,
	}}
}

// detectSecurityDrift reports divergence on security-sensitive
// properties. Every finding is critical regardless of magnitude, and
// values are redacted.
func detectSecurityDrift(rules Rules, expected, actual *state.Resource, now time.Time) []state.DriftDetection {
	var findings []state.DriftDetection
	for _, name := range sortedPropertyUnion(expected.Properties, actual.Properties) {
		if !rules.IsCritical(name) {
			continue
		}
		ev, inExpected := expected.Properties[name]
		av, inActual := actual.Properties[name]

		var description string
		var expectedShown, actualShown interface{}
		switch {
		case inExpected && inActual:
			if state.CanonicalValue(ev) == state.CanonicalValue(av) {
				continue
			}
			description = fmt.Sprintf("security-sensitive property %q changed", name)
			expectedShown, actualShown = redacted, redacted
		case inExpected:
			description = fmt.Sprintf("security-sensitive property %q is missing from the observed resource", name)
			expectedShown = redacted
		default:
			description = fmt.Sprintf("undeclared security-sensitive property %q appeared on the observed resource", name)
			actualShown = redacted
		}

		findings = append(findings, state.DriftDetection{
			ID:           uuid.New().String(),
			ResourceID:   expected.ID,
			DriftType:    state.DriftTypeSecurityDrift,
			PropertyName: name,
			Expected:     expectedShown,
			Actual:       actualShown,
			Severity:     state.SeverityCritical,
			Description:  description,
			DetectedAt:   now,
		})
	}
	return findings
}

// detectPerformanceDrift reports numeric properties present on both
// sides whose values differ, classified by relative change. Security
// and identity properties are owned by other detectors.
func detectPerformanceDrift(rules Rules, expected, actual *state.Resource, now time.Time) []state.DriftDetection {
	var findings []state.DriftDetection
	for _, name := range sortedPropertyUnion(expected.Properties, actual.Properties) {
		if rules.IsCritical(name) || rules.IsIdentity(name) {
			continue
		}
		ev, inExpected := expected.Properties[name]
		av, inActual := actual.Properties[name]
		if !inExpected || !inActual {
			continue
		}
		ef, eok := asFloat(ev)
		af, aok := asFloat(av)
		if !eok || !aok || ef == af {
			continue
		}

		pct := relativeChangePct(ef, af)
		findings = append(findings, state.DriftDetection{
			ID:           uuid.New().String(),
			ResourceID:   expected.ID,
			DriftType:    state.DriftTypePerformanceDrift,
			PropertyName: name,
			Expected:     ev,
			Actual:       av,
			Severity:     numericSeverity(rules, pct),
			Description:  fmt.Sprintf("numeric property %q moved %s from its declared value", name, formatPct(pct)),
			DetectedAt:   now,
		})
	}
	return findings
}

// detectPropertyDrift reports changed, missing, and added properties
// not owned by the security or performance detectors.
func detectPropertyDrift(rules Rules, expected, actual *state.Resource, now time.Time) []state.DriftDetection {
	var findings []state.DriftDetection
	for _, name := range sortedPropertyUnion(expected.Properties, actual.Properties) {
		if rules.IsCritical(name) {
			continue
		}
		ev, inExpected := expected.Properties[name]
		av, inActual := actual.Properties[name]

		var finding state.DriftDetection
		switch {
		case inExpected && inActual:
			if state.CanonicalValue(ev) == state.CanonicalValue(av) {
				continue
			}
			// Numeric pairs belong to the performance detector, unless
			// the property is identity-like.
			if _, eok := asFloat(ev); eok {
				if _, aok := asFloat(av); aok && !rules.IsIdentity(name) {
					continue
				}
			}
			finding = state.DriftDetection{
				DriftType:    state.DriftTypePropertyChanged,
				PropertyName: name,
				Expected:     ev,
				Actual:       av,
				Severity:     state.SeverityMedium,
				Description:  fmt.Sprintf("property %q diverged from its declared value", name),
			}
		case inExpected:
			finding = state.DriftDetection{
				DriftType:    state.DriftTypePropertyMissing,
				PropertyName: name,
				Expected:     ev,
				Severity:     state.SeverityHigh,
				Description:  fmt.Sprintf("declared property %q is missing from the observed resource", name),
			}
		default:
			finding = state.DriftDetection{
				DriftType:    state.DriftTypePropertyAdded,
				PropertyName: name,
				Actual:       av,
				Severity:     state.SeverityLow,
				Description:  fmt.Sprintf("undeclared property %q appeared on the observed resource", name),
			}
		}

		finding.ID = uuid.New().String()
		finding.ResourceID = expected.ID
		finding.DetectedAt = now
		findings = append(findings, finding)
	}
	return findings
}

// detectConfigDrift reports diverging resource checksums. The analyzer
// only consults it when no finer-grained detector explained the
// divergence, so it catches drift outside the property and state walks
// (name, metadata).
func detectConfigDrift(expected, actual *state.Resource, now time.Time) []state.DriftDetection {
	expectedSum := state.ComputeChecksum(expected)
	actualSum := state.ComputeChecksum(actual)
	if expectedSum == actualSum {
		return nil
	}
	return []state.DriftDetection{{
		ID:          uuid.New().String(),
		ResourceID:  expected.ID,
		DriftType:   state.DriftTypeConfigDrift,
		Expected:    expectedSum,
		Actual:      actualSum,
		Severity:    state.SeverityMedium,
		Description: "resource checksums diverge without a property-level explanation",
		DetectedAt:  now,
	}}
}

// numericSeverity classifies a relative change percentage against the
// configured thresholds. Below high, changes above half the high
// threshold are medium and the rest low.
func numericSeverity(rules Rules, pct float64) state.DriftSeverity {
	switch {
	case pct > rules.NumericCriticalPct:
		return state.SeverityCritical
	case pct > rules.NumericHighPct:
		return state.SeverityHigh
	case pct > rules.NumericHighPct/2:
		return state.SeverityMedium
	default:
		return state.SeverityLow
	}
}

// relativeChangePct returns the magnitude of the change from expected
// to actual as a percentage of expected. A change away from zero has no
// finite relative size and classifies as infinite.
func relativeChangePct(expected, actual float64) float64 {
	if expected == 0 {
		if actual == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return math.Abs(actual-expected) / math.Abs(expected) * 100
}

func formatPct(pct float64) string {
	if math.IsInf(pct, 1) {
		return "from zero"
	}
	return fmt.Sprintf("%.1f%%", pct)
}

// asFloat converts JSON-like numeric values to float64. Strings and
// other non-numeric types report false.
func asFloat(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case int:
		return float64(val), true
	case int8:
		return float64(val), true
	case int16:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint8:
		return float64(val), true
	case uint16:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint64:
		return float64(val), true
	case float32:
		return float64(val), true
	case float64:
		return val, true
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// sortedPropertyUnion returns the union of both property maps' keys in
// sorted order, so detector output is deterministic.
func sortedPropertyUnion(a, b map[string]interface{}) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		seen[k] = struct{}{}
	}
	for k := range b {
		seen[k] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
