// Package policy contains domain types and the engine for signature-based
// permission evaluation.
package policy

// Action is the outcome of evaluating a signature against the ruleset.
type Action string

const (
	// ActionAllow permits the tool call to proceed.
	ActionAllow Action = "allow"
	// ActionDeny blocks the tool call.
	ActionDeny Action = "deny"
	// ActionAsk defers the tool call to the guardian.
	ActionAsk Action = "ask"
)

// Valid reports whether a is one of the three recognized actions.
func (a Action) Valid() bool {
	switch a {
	case ActionAllow, ActionDeny, ActionAsk:
		return true
	}
	return false
}

// Rule matches signatures against a glob pattern.
type Rule struct {
	// Pattern is a glob over the full signature (* ? [set], case-sensitive).
	Pattern string
	// Action is the decision when the pattern matches.
	Action Action
	// Description is optional operator documentation.
	Description string
}

// Ruleset is the loaded permissions document: explicit overrides plus a
// baseline.
type Ruleset struct {
	// Rules are explicit policy overrides. Deny rules take precedence over
	// allow rules, which take precedence over ask rules, regardless of
	// declaration order.
	Rules []Rule
	// Defaults are the baseline: first match wins in declaration order.
	Defaults []Rule
}
