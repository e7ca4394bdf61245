package drift

import (
	"fmt"
	"strings"
)

// Rules is the typed configuration for drift classification and
// auto-remediation. All matching is case-insensitive on property names
// and drift type names. The zero value is not useful; start from
// DefaultRules and override fields as needed.
type Rules struct {
	// CriticalProperties are property names whose divergence is always
	// reported as critical security drift, regardless of magnitude.
	CriticalProperties []string `json:"critical_properties" yaml:"critical_properties"`

	// NumericCriticalPct is the relative change (percent) above which a
	// numeric property divergence is critical.
	NumericCriticalPct float64 `json:"numeric_critical_pct" yaml:"numeric_critical_pct" validate:"gt=0"`

	// NumericHighPct is the relative change (percent) above which a
	// numeric property divergence is high. Must be below
	// NumericCriticalPct.
	NumericHighPct float64 `json:"numeric_high_pct" yaml:"numeric_high_pct" validate:"gt=0"`

	// AutoRemediationAllow lists drift types and property names whose
	// findings may be auto-remediated. An empty list allows nothing.
	AutoRemediationAllow []string `json:"auto_remediation_allow" yaml:"auto_remediation_allow"`

	// AutoRemediationDeny lists drift types and property names that are
	// never auto-remediated. Deny entries override allow entries.
	AutoRemediationDeny []string `json:"auto_remediation_deny" yaml:"auto_remediation_deny"`

	// IdentityProperties are properties that identify the physical or
	// logical resource itself. They are never eligible for
	// auto-remediation, and numeric identity values are excluded from
	// performance classification.
	IdentityProperties []string `json:"identity_properties" yaml:"identity_properties"`
}

// DefaultRules returns the built-in classification rules: the standard
// security-sensitive property set, 50%/20% numeric thresholds, and an
// auto-remediation table that opts in ordinary property and state drift
// while keeping security, performance, and unexplained checksum drift
// under human review.
func DefaultRules() Rules {
	return Rules{
		CriticalProperties: []string{
			"credentials",
			"password",
			"secret",
			"private_key",
			"certificate",
			"firewall_rules",
			"security_group",
			"iam_role",
			"encryption",
			"public_access",
			"api_key",
			"tls_cert",
		},
		NumericCriticalPct: 50,
		NumericHighPct:     20,
		AutoRemediationAllow: []string{
			"property_changed",
			"property_missing",
			"property_added",
			"state_changed",
		},
		AutoRemediationDeny: []string{
			"security_drift",
			"config_drift",
			"performance_drift",
		},
		IdentityProperties: []string{
			"ip_address",
			"mac_address",
			"hardware_id",
			"certificate_fingerprint",
			"serial_number",
			"uuid",
		},
	}
}

// Validate checks that the numeric thresholds are ordered and positive.
func (r Rules) Validate() error {
	if r.NumericHighPct <= 0 {
		return fmt.Errorf("numeric_high_pct must be positive, got %v", r.NumericHighPct)
	}
	if r.NumericCriticalPct <= r.NumericHighPct {
		return fmt.Errorf("numeric_critical_pct (%v) must be above numeric_high_pct (%v)",
			r.NumericCriticalPct, r.NumericHighPct)
	}
	return nil
}

// IsCritical reports whether the property name is in the always-critical
// security-sensitive set.
func (r Rules) IsCritical(name string) bool {
	return containsFold(r.CriticalProperties, name)
}

// IsIdentity reports whether the property name identifies the resource
// itself.
func (r Rules) IsIdentity(name string) bool {
	return containsFold(r.IdentityProperties, name)
}

func containsFold(list []string, name string) bool {
	for _, entry := range list {
		if strings.EqualFold(entry, name) {
			return true
		}
	}
	return false
}
