package resolver

import (
	"encoding/json"
	"testing"

	"github.com/R3E-Network/cra/domain/atlas"
)

// blockAtlas round-trips through the real loader so declOrder is assigned
// the same way a production manifest load would assign it, rather than
// left at its zero value as a hand-built struct literal would leave it.
func blockAtlas(t *testing.T, blocks ...atlas.ContextBlock) *atlas.Atlas {
	t.Helper()
	raw, err := json.Marshal(atlas.Atlas{
		ID: "com.example.ctx", Version: "1.0.0", SchemaVersion: "1",
		ContextBlocks: blocks,
	})
	if err != nil {
		t.Fatalf("marshal fixture atlas: %v", err)
	}
	a, err := atlas.NewLoader().Load(raw)
	if err != nil {
		t.Fatalf("load fixture atlas: %v", err)
	}
	return a
}

func TestContextSelector_AlwaysModeIsUnconditional(t *testing.T) {
	a := blockAtlas(t, atlas.ContextBlock{ID: "always-1", InjectMode: atlas.InjectAlways, Priority: 1})
	out := ContextSelector{}.Select([]*atlas.Atlas{a}, Request{Goal: "unrelated"}, map[string]bool{})
	if len(out) != 1 || out[0].ID != "always-1" || out[0].Reason != "always" {
		t.Fatalf("out = %+v", out)
	}
}

func TestContextSelector_OnMatchRequiresKeyword(t *testing.T) {
	a := blockAtlas(t, atlas.ContextBlock{ID: "kw-1", InjectMode: atlas.InjectOnMatch, Keywords: []string{"refund"}})
	noMatch := ContextSelector{}.Select([]*atlas.Atlas{a}, Request{Goal: "ship a package"}, map[string]bool{})
	if len(noMatch) != 0 {
		t.Fatalf("noMatch = %+v, want empty", noMatch)
	}
	match := ContextSelector{}.Select([]*atlas.Atlas{a}, Request{Goal: "process a refund for order 5"}, map[string]bool{})
	if len(match) != 1 || match[0].ID != "kw-1" {
		t.Fatalf("match = %+v", match)
	}
}

func TestContextSelector_OnMatchHintsAlsoCount(t *testing.T) {
	a := blockAtlas(t, atlas.ContextBlock{ID: "kw-1", InjectMode: atlas.InjectOnMatch, Keywords: []string{"billing"}})
	out := ContextSelector{}.Select([]*atlas.Atlas{a}, Request{Goal: "help", Hints: []string{"billing issue"}}, map[string]bool{})
	if len(out) != 1 {
		t.Fatalf("out = %+v, want 1 match from hint", out)
	}
}

func TestContextSelector_RiskBasedMatchesRequestRiskTier(t *testing.T) {
	a := blockAtlas(t, atlas.ContextBlock{ID: "risk-1", InjectMode: atlas.InjectRiskBased, RiskTiers: []atlas.RiskTier{atlas.RiskHigh}})
	low := ContextSelector{}.Select([]*atlas.Atlas{a}, Request{RiskTier: atlas.RiskLow}, map[string]bool{})
	if len(low) != 0 {
		t.Fatalf("low = %+v, want empty", low)
	}
	high := ContextSelector{}.Select([]*atlas.Atlas{a}, Request{RiskTier: atlas.RiskHigh}, map[string]bool{})
	if len(high) != 1 {
		t.Fatalf("high = %+v, want 1", high)
	}
}

func TestContextSelector_OnDemandRequiresHintNamingTheBlock(t *testing.T) {
	a := blockAtlas(t, atlas.ContextBlock{ID: "faq-refunds", InjectMode: atlas.InjectOnDemand})
	none := ContextSelector{}.Select([]*atlas.Atlas{a}, Request{Hints: []string{"something else"}}, map[string]bool{})
	if len(none) != 0 {
		t.Fatalf("none = %+v, want empty", none)
	}
	got := ContextSelector{}.Select([]*atlas.Atlas{a}, Request{Hints: []string{"faq-refunds"}}, map[string]bool{})
	if len(got) != 1 {
		t.Fatalf("got = %+v, want 1", got)
	}
}

func TestContextSelector_OnDemandMatchesHyphenatedDottedID(t *testing.T) {
	a := blockAtlas(t, atlas.ContextBlock{ID: "vib3-overview.v2", InjectMode: atlas.InjectOnDemand})
	none := ContextSelector{}.Select([]*atlas.Atlas{a}, Request{Hints: []string{"vib3"}}, map[string]bool{})
	if len(none) != 0 {
		t.Fatalf("none = %+v, want empty: a single token from the id must not match", none)
	}
	got := ContextSelector{}.Select([]*atlas.Atlas{a}, Request{Hints: []string{"VIB3-Overview.v2"}}, map[string]bool{})
	if len(got) != 1 {
		t.Fatalf("got = %+v, want 1: the whole hyphenated/dotted id, case-insensitively, must match", got)
	}
}

func TestContextSelector_InjectWhenFiltersOnAllowedActions(t *testing.T) {
	a := blockAtlas(t, atlas.ContextBlock{
		ID: "payments-ctx", InjectMode: atlas.InjectAlways, InjectWhen: []string{"payments.*"},
	})
	notAllowed := ContextSelector{}.Select([]*atlas.Atlas{a}, Request{}, map[string]bool{"ticket.get": true})
	if len(notAllowed) != 0 {
		t.Fatalf("notAllowed = %+v, want empty since payments.* isn't in allowed set", notAllowed)
	}
	allowed := ContextSelector{}.Select([]*atlas.Atlas{a}, Request{}, map[string]bool{"payments.charge": true})
	if len(allowed) != 1 {
		t.Fatalf("allowed = %+v, want 1", allowed)
	}
}

func TestContextSelector_AlsoInjectExpandsTransitively(t *testing.T) {
	a := blockAtlas(t,
		atlas.ContextBlock{ID: "root", InjectMode: atlas.InjectAlways, AlsoInject: []string{"child"}},
		atlas.ContextBlock{ID: "child", InjectMode: atlas.InjectOnDemand, AlsoInject: []string{"grandchild"}},
		atlas.ContextBlock{ID: "grandchild", InjectMode: atlas.InjectOnDemand},
	)
	out := ContextSelector{}.Select([]*atlas.Atlas{a}, Request{}, map[string]bool{})
	ids := map[string]bool{}
	for _, b := range out {
		ids[b.ID] = true
	}
	if !ids["root"] || !ids["child"] || !ids["grandchild"] {
		t.Fatalf("out = %+v, want root+child+grandchild all present", out)
	}
}

func TestContextSelector_AlsoInjectCycleTerminates(t *testing.T) {
	a := blockAtlas(t,
		atlas.ContextBlock{ID: "a", InjectMode: atlas.InjectAlways, AlsoInject: []string{"b"}},
		atlas.ContextBlock{ID: "b", InjectMode: atlas.InjectOnDemand, AlsoInject: []string{"a"}},
	)
	out := ContextSelector{}.Select([]*atlas.Atlas{a}, Request{}, map[string]bool{})
	if len(out) != 2 {
		t.Fatalf("out = %+v, want exactly 2 (cycle must not loop forever or duplicate)", out)
	}
}

func TestContextSelector_SortsByPriorityDescThenDeclOrder(t *testing.T) {
	a := blockAtlas(t,
		atlas.ContextBlock{ID: "low-pri", InjectMode: atlas.InjectAlways, Priority: 1},
		atlas.ContextBlock{ID: "high-pri", InjectMode: atlas.InjectAlways, Priority: 10},
		atlas.ContextBlock{ID: "same-pri-a", InjectMode: atlas.InjectAlways, Priority: 5},
		atlas.ContextBlock{ID: "same-pri-b", InjectMode: atlas.InjectAlways, Priority: 5},
	)
	out := ContextSelector{}.Select([]*atlas.Atlas{a}, Request{}, map[string]bool{})
	if len(out) != 4 {
		t.Fatalf("out len = %d, want 4", len(out))
	}
	if out[0].ID != "high-pri" || out[3].ID != "low-pri" {
		t.Fatalf("out = %+v, want high-pri first and low-pri last", out)
	}
	if out[1].ID != "same-pri-a" || out[2].ID != "same-pri-b" {
		t.Fatalf("out[1:3] = %+v, want declaration order preserved among equal priority", out[1:3])
	}
}

func TestContextSelector_NoMatchReturnsEmpty(t *testing.T) {
	a := blockAtlas(t, atlas.ContextBlock{ID: "never", InjectMode: atlas.InjectOnMatch, Keywords: []string{"xyz"}})
	out := ContextSelector{}.Select([]*atlas.Atlas{a}, Request{Goal: "totally different"}, map[string]bool{})
	if len(out) != 0 {
		t.Fatalf("out = %+v, want empty", out)
	}
}
