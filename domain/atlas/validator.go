package atlas

import (
	"fmt"
	"regexp"
	"strings"
)

// semverPattern is a pragmatic MAJOR.MINOR.PATCH check (optional
// pre-release/build metadata), deliberately not a full SemVer 2.0 grammar —
// atlases are internal manifests, not published packages, so malformed
// corners of the spec (leading zeros, etc.) are left to the author.
var semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(-[0-9A-Za-z.-]+)?(\+[0-9A-Za-z.-]+)?$`)

// ValidationFinding is one structural or cross-reference defect found in an
// atlas manifest. String() renders it the way InvalidAtlas attaches findings
// to a CRAError (a flat []string of human-readable messages).
type ValidationFinding struct {
	Field   string
	Message string
}

func (f ValidationFinding) String() string {
	return fmt.Sprintf("%s: %s", f.Field, f.Message)
}

var validRiskTiers = map[RiskTier]bool{
	RiskLow: true, RiskMedium: true, RiskHigh: true, RiskCritical: true,
}

var validPolicyKinds = map[PolicyKind]bool{
	PolicyKindDeny: true, PolicyKindRequiresApproval: true, PolicyKindRateLimit: true,
	PolicyKindAllow: true, PolicyKindAudit: true,
}

var validInjectModes = map[InjectMode]bool{
	InjectAlways: true, InjectOnMatch: true, InjectOnDemand: true, InjectRiskBased: true,
}

// Validate runs every structural and cross-reference check over a, returning
// one finding per defect. An empty result means a is safe to load.
func Validate(a *Atlas) []ValidationFinding {
	var findings []ValidationFinding

	if a.ID == "" {
		findings = append(findings, ValidationFinding{"id", "must not be empty"})
	}
	if a.Version == "" {
		findings = append(findings, ValidationFinding{"version", "must not be empty"})
	} else if !semverPattern.MatchString(a.Version) {
		findings = append(findings, ValidationFinding{"version", fmt.Sprintf("not a valid semver: %q", a.Version)})
	}
	if a.SchemaVersion == "" {
		findings = append(findings, ValidationFinding{"schema_version", "must not be empty"})
	}

	capabilityGroups := make(map[string]bool, len(a.CapabilityGroups))
	for i, g := range a.CapabilityGroups {
		field := fmt.Sprintf("capability_groups[%d]", i)
		if g.ID == "" {
			findings = append(findings, ValidationFinding{field + ".id", "must not be empty"})
			continue
		}
		if capabilityGroups[g.ID] {
			findings = append(findings, ValidationFinding{field + ".id", fmt.Sprintf("duplicate capability group id %q", g.ID)})
		}
		capabilityGroups[g.ID] = true
	}

	actionIDs := make(map[string]bool, len(a.Actions))
	for i, act := range a.Actions {
		field := fmt.Sprintf("actions[%d]", i)
		if act.ID == "" {
			findings = append(findings, ValidationFinding{field + ".id", "must not be empty"})
		} else if actionIDs[act.ID] {
			findings = append(findings, ValidationFinding{field + ".id", fmt.Sprintf("duplicate action id %q", act.ID)})
		}
		actionIDs[act.ID] = true

		if !validRiskTiers[act.RiskTier] {
			findings = append(findings, ValidationFinding{field + ".risk_tier", fmt.Sprintf("unknown risk tier %q", act.RiskTier)})
		}
		if act.Capability != "" && !capabilityGroups[act.Capability] {
			findings = append(findings, ValidationFinding{field + ".capability", fmt.Sprintf("references undeclared capability group %q", act.Capability)})
		}
	}

	for i, grp := range a.CapabilityGroups {
		field := fmt.Sprintf("capability_groups[%d].actions", i)
		for _, actID := range grp.Actions {
			if !actionIDs[actID] {
				findings = append(findings, ValidationFinding{field, fmt.Sprintf("references undeclared action id %q", actID)})
			}
		}
	}

	policyIDs := make(map[string]bool, len(a.Policies))
	for i, p := range a.Policies {
		field := fmt.Sprintf("policies[%d]", i)
		if p.ID == "" {
			findings = append(findings, ValidationFinding{field + ".id", "must not be empty"})
		} else if policyIDs[p.ID] {
			findings = append(findings, ValidationFinding{field + ".id", fmt.Sprintf("duplicate policy id %q", p.ID)})
		}
		policyIDs[p.ID] = true

		if !validPolicyKinds[p.Kind] {
			findings = append(findings, ValidationFinding{field + ".kind", fmt.Sprintf("unknown policy kind %q", p.Kind)})
		}
		if len(p.Patterns) == 0 {
			findings = append(findings, ValidationFinding{field + ".patterns", "must declare at least one action-id pattern"})
		}
		for _, pat := range p.Patterns {
			if err := validatePatternSyntax(pat); err != nil {
				findings = append(findings, ValidationFinding{field + ".patterns", err.Error()})
			}
		}

		switch p.Kind {
		case PolicyKindRequiresApproval:
			if p.Approver == "" {
				findings = append(findings, ValidationFinding{field + ".approver", "required for requires_approval policies"})
			}
			if p.Reason == "" {
				findings = append(findings, ValidationFinding{field + ".reason", "required for requires_approval policies"})
			}
		case PolicyKindRateLimit:
			if p.MaxCalls <= 0 {
				findings = append(findings, ValidationFinding{field + ".max_calls", "must be positive for rate_limit policies"})
			}
			if p.WindowSeconds <= 0 {
				findings = append(findings, ValidationFinding{field + ".window_seconds", "must be positive for rate_limit policies"})
			}
		case PolicyKindDeny:
			if p.Reason == "" {
				findings = append(findings, ValidationFinding{field + ".reason", "required for deny policies"})
			}
		}
	}

	blockIDs := make(map[string]bool, len(a.ContextBlocks))
	for _, b := range a.ContextBlocks {
		blockIDs[b.ID] = true
	}
	for i, b := range a.ContextBlocks {
		field := fmt.Sprintf("context_blocks[%d]", i)
		if b.ID == "" {
			findings = append(findings, ValidationFinding{field + ".id", "must not be empty"})
		}
		if !validInjectModes[b.InjectMode] {
			findings = append(findings, ValidationFinding{field + ".inject_mode", fmt.Sprintf("unknown inject mode %q", b.InjectMode)})
		}
		for _, tier := range b.RiskTiers {
			if !validRiskTiers[tier] {
				findings = append(findings, ValidationFinding{field + ".risk_tiers", fmt.Sprintf("unknown risk tier %q", tier)})
			}
		}
		for _, target := range b.AlsoInject {
			if !blockIDs[target] {
				findings = append(findings, ValidationFinding{field + ".also_inject", fmt.Sprintf("references undeclared context block id %q", target)})
			}
		}
		for _, pat := range b.InjectWhen {
			if err := validatePatternSyntax(pat); err != nil {
				findings = append(findings, ValidationFinding{field + ".inject_when", err.Error()})
			}
		}
	}

	return findings
}

// validatePatternSyntax rejects empty patterns and multiple '*' wildcards
// within one dotted segment path, matching the four shapes §4.5 recognizes:
// exact, prefix wildcard, suffix wildcard, full wildcard.
func validatePatternSyntax(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("pattern must not be empty")
	}
	if pattern == "*" {
		return nil
	}
	stars := strings.Count(pattern, "*")
	if stars == 0 {
		return nil
	}
	if stars > 1 {
		return fmt.Errorf("pattern %q has more than one wildcard", pattern)
	}
	if !strings.HasPrefix(pattern, "*.") && !strings.HasSuffix(pattern, ".*") {
		return fmt.Errorf("pattern %q must be a prefix wildcard (a.*) or suffix wildcard (*.a)", pattern)
	}
	return nil
}
