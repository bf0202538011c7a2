// Package atlas implements the versioned capability/policy/context package a
// resolver loads: the Atlas manifest, its structural validator, and a
// copy-on-replace registry of concurrently-loaded atlases.
package atlas

// RiskTier is the closed set of action risk levels.
type RiskTier string

const (
	RiskLow      RiskTier = "low"
	RiskMedium   RiskTier = "medium"
	RiskHigh     RiskTier = "high"
	RiskCritical RiskTier = "critical"
)

// PolicyKind is the closed set of policy behaviors.
type PolicyKind string

const (
	PolicyKindDeny             PolicyKind = "deny"
	PolicyKindRequiresApproval PolicyKind = "requires_approval"
	PolicyKindRateLimit        PolicyKind = "rate_limit"
	PolicyKindAllow            PolicyKind = "allow"
	PolicyKindAudit            PolicyKind = "audit"
)

// InjectMode is the closed set of context-block selection strategies.
type InjectMode string

const (
	InjectAlways    InjectMode = "always"
	InjectOnMatch   InjectMode = "on_match"
	InjectOnDemand  InjectMode = "on_demand"
	InjectRiskBased InjectMode = "risk_based"
)

// CapabilityGroup is a named set of action ids, used by Action.Capability to
// reference a broader permission bucket than a single action.
type CapabilityGroup struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Actions []string `json:"actions"`
}

// Action is one callable operation an atlas makes known to the resolver.
type Action struct {
	ID             string                 `json:"id"`
	Name           string                 `json:"name"`
	Description    string                 `json:"description,omitempty"`
	Capability     string                 `json:"capability,omitempty"`
	RiskTier       RiskTier               `json:"risk_tier"`
	ParameterSchema map[string]interface{} `json:"parameter_schema,omitempty"`
	ReturnSchema    map[string]interface{} `json:"return_schema,omitempty"`
}

// Policy governs a set of action-id patterns (§4.5) with one behavior.
// Kind-specific parameters are optional and validated against Kind by the
// validator rather than by separate Go types, matching the manifest's loose
// on-disk shape.
type Policy struct {
	ID       string     `json:"id"`
	Kind     PolicyKind `json:"kind"`
	Patterns []string   `json:"patterns"`

	// requires_approval
	Approver       string `json:"approver,omitempty"`
	Reason         string `json:"reason,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`

	// rate_limit
	MaxCalls      int `json:"max_calls,omitempty"`
	WindowSeconds int `json:"window_seconds,omitempty"`
}

// ContextBlock is a unit of injectable context content.
type ContextBlock struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Priority    int        `json:"priority"`
	InjectMode  InjectMode `json:"inject_mode"`
	Keywords    []string   `json:"keywords,omitempty"`
	ContentType string     `json:"content_type,omitempty"`
	Content     string     `json:"content"`
	AlsoInject  []string   `json:"also_inject,omitempty"`
	RiskTiers   []RiskTier `json:"risk_tiers,omitempty"`
	InjectWhen  []string   `json:"inject_when,omitempty"`

	// declOrder records position within the manifest's context_blocks array,
	// since JSON object/array order in Go's decoder is otherwise lost for
	// maps but preserved for slices — kept explicit for clarity at call sites.
	declOrder int
}

// DeclOrder returns the block's position within its atlas's context_blocks
// array, used as the final sort tie-break in §4.8.
func (c ContextBlock) DeclOrder() int { return c.declOrder }

// Atlas is an immutable, versioned bundle of capabilities, actions, policies,
// and context blocks. Replacement is by loading a new version and unloading
// the old one; there is no in-place mutation.
type Atlas struct {
	ID            string `json:"id"`
	Version       string `json:"version"`
	SchemaVersion string `json:"schema_version"`
	Name          string `json:"name,omitempty"`
	Description   string `json:"description,omitempty"`

	CapabilityGroups []CapabilityGroup `json:"capability_groups,omitempty"`
	Actions          []Action          `json:"actions,omitempty"`
	Policies         []Policy          `json:"policies,omitempty"`
	ContextBlocks    []ContextBlock    `json:"context_blocks,omitempty"`

	// LoadOrder is assigned by the Registry at Load time, not carried in the
	// manifest itself; it is the across-atlas tie-break in §4.5 and §4.8.
	LoadOrder int `json:"-"`
}

// ActionByID returns the action with the given id, if present.
func (a *Atlas) ActionByID(id string) (Action, bool) {
	for _, act := range a.Actions {
		if act.ID == id {
			return act, true
		}
	}
	return Action{}, false
}

// ContextBlockByID returns the context block with the given id, if present.
func (a *Atlas) ContextBlockByID(id string) (ContextBlock, bool) {
	for _, b := range a.ContextBlocks {
		if b.ID == id {
			return b, true
		}
	}
	return ContextBlock{}, false
}

// CapabilityGroupByID returns the capability group with the given id, if present.
func (a *Atlas) CapabilityGroupByID(id string) (CapabilityGroup, bool) {
	for _, g := range a.CapabilityGroups {
		if g.ID == id {
			return g, true
		}
	}
	return CapabilityGroup{}, false
}
