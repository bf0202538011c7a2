package resolver

import (
	"regexp"
	"strings"

	"github.com/R3E-Network/cra/domain/atlas"
	"github.com/R3E-Network/cra/domain/pattern"
)

func compileInjectWhen(patterns []string) *pattern.Matcher {
	return pattern.NewMatcher(patterns)
}

var tokenSplitter = regexp.MustCompile(`[^a-z0-9]+`)

// tokenize splits s on non-alphanumerics and casefolds it, per §4.8's input
// normalization for goal/hint matching.
func tokenize(s string) map[string]bool {
	lower := strings.ToLower(s)
	parts := tokenSplitter.Split(lower, -1)
	out := make(map[string]bool, len(parts))
	for _, p := range parts {
		if p != "" {
			out[p] = true
		}
	}
	return out
}

type blockRef struct {
	block     atlas.ContextBlock
	atlasID   string
	loadOrder int
}

// ContextSelector implements §4.8: it decides which context blocks a
// resolution should inject, expands also_inject transitively, and sorts the
// final list.
type ContextSelector struct{}

// Select returns the context blocks req should carry, already expanded and
// sorted, along with the match reason recorded against each.
func (ContextSelector) Select(atlases []*atlas.Atlas, req Request, allowed map[string]bool) []SelectedBlock {
	goalTokens := tokenize(req.Goal)
	hintTokens := make(map[string]bool, len(req.Hints))
	for _, h := range req.Hints {
		for tok := range tokenize(h) {
			hintTokens[tok] = true
		}
	}

	all := make(map[string]blockRef) // id -> ref, across all loaded atlases
	for _, a := range atlases {
		for _, b := range a.ContextBlocks {
			all[b.ID] = blockRef{block: b, atlasID: a.ID, loadOrder: a.LoadOrder}
		}
	}

	selected := make(map[string]string) // id -> reason
	var order []string

	include := func(id, reason string) {
		if _, already := selected[id]; already {
			return
		}
		selected[id] = reason
		order = append(order, id)
	}

	for _, ref := range all {
		b := ref.block
		reason, ok := matchReason(b, goalTokens, hintTokens, req.Hints, req.RiskTier, allowed)
		if !ok {
			continue
		}
		include(b.ID, reason)
	}

	// Transitive also_inject expansion, breadth-first, deduplicated by id so
	// a cyclic also_inject graph can never cause infinite recursion.
	queue := append([]string(nil), order...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		ref, ok := all[id]
		if !ok {
			continue
		}
		for _, target := range ref.block.AlsoInject {
			if _, already := selected[target]; already {
				continue
			}
			include(target, "also_inject:"+id)
			queue = append(queue, target)
		}
	}

	out := make([]SelectedBlock, 0, len(order))
	for _, id := range order {
		ref := all[id]
		out = append(out, SelectedBlock{
			ID:          ref.block.ID,
			Name:        ref.block.Name,
			ContentType: defaultContentType(ref.block.ContentType),
			Content:     ref.block.Content,
			Priority:    ref.block.Priority,
			Reason:      selected[id],
		})
	}

	sortSelectedBlocks(out, all)
	return out
}

func defaultContentType(ct string) string {
	if ct == "" {
		return "text/markdown"
	}
	return ct
}

// matchReason decides whether b should be selected, per §4.8, returning a
// human-readable reason for the resulting context.injected event.
func matchReason(b atlas.ContextBlock, goalTokens, hintTokens map[string]bool, rawHints []string, riskTier atlas.RiskTier, allowed map[string]bool) (string, bool) {
	matched := false
	reason := ""

	switch b.InjectMode {
	case atlas.InjectAlways:
		matched = true
		reason = "always"
	case atlas.InjectOnMatch:
		for _, kw := range b.Keywords {
			kw = strings.ToLower(kw)
			if goalTokens[kw] || hintTokens[kw] {
				matched = true
				reason = "keyword:" + kw
				break
			}
		}
	case atlas.InjectRiskBased:
		for _, tier := range b.RiskTiers {
			if tier == riskTier {
				matched = true
				reason = "risk_tier:" + string(tier)
				break
			}
		}
	case atlas.InjectOnDemand:
		// Compared against the raw hint strings, not the tokenized set:
		// tokenize() splits on non-alphanumerics, so a hyphenated or
		// dotted block id (e.g. "vib3-overview") would never appear as a
		// single token and could never match here.
		idLower := strings.ToLower(b.ID)
		for _, h := range rawHints {
			if strings.ToLower(h) == idLower {
				matched = true
				reason = "on_demand"
				break
			}
		}
	}

	if !matched {
		return "", false
	}

	if len(b.InjectWhen) > 0 {
		m := compileInjectWhen(b.InjectWhen)
		anyAllowedMatches := false
		for actionID := range allowed {
			if _, ok := m.MatchBest(actionID); ok {
				anyAllowedMatches = true
				break
			}
		}
		if !anyAllowedMatches {
			return "", false
		}
	}

	return reason, true
}

// sortSelectedBlocks orders by descending priority; ties break by
// declaration order within an atlas, then load order across atlases.
func sortSelectedBlocks(blocks []SelectedBlock, all map[string]blockRef) {
	less := func(i, j int) bool {
		bi, bj := all[blocks[i].ID], all[blocks[j].ID]
		if bi.block.Priority != bj.block.Priority {
			return bi.block.Priority > bj.block.Priority
		}
		if bi.loadOrder != bj.loadOrder {
			return bi.loadOrder < bj.loadOrder
		}
		return bi.block.DeclOrder() < bj.block.DeclOrder()
	}
	for i := 1; i < len(blocks); i++ {
		for j := i; j > 0 && less(j, j-1); j-- {
			blocks[j], blocks[j-1] = blocks[j-1], blocks[j]
		}
	}
}
