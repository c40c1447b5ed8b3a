package policy

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// The pattern grammar is *, ?, and [set]. gobwas/glob would additionally
// expand {a,b} as alternation and treat backslash as an escape; both are
// made literal before compiling.
var globEscaper = strings.NewReplacer(`\`, `\\`, "{", `\{`, "}", `\}`)

// compiledRule pairs a rule with its compiled pattern.
type compiledRule struct {
	rule    Rule
	matcher glob.Glob
}

// Engine evaluates signatures against a fixed ruleset. Evaluation is pure:
// the same signature always yields the same action.
type Engine struct {
	rules    []compiledRule
	defaults []compiledRule
}

// NewEngine compiles the ruleset. Invalid glob patterns or actions are load
// errors.
func NewEngine(rs Ruleset) (*Engine, error) {
	rules, err := compile(rs.Rules, "rules")
	if err != nil {
		return nil, err
	}
	defaults, err := compile(rs.Defaults, "defaults")
	if err != nil {
		return nil, err
	}
	return &Engine{rules: rules, defaults: defaults}, nil
}

func compile(rules []Rule, section string) ([]compiledRule, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		if !r.Action.Valid() {
			return nil, fmt.Errorf("%s[%d]: invalid action %q (must be allow/deny/ask)", section, i, r.Action)
		}
		m, err := glob.Compile(globEscaper.Replace(r.Pattern))
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: invalid pattern %q: %w", section, i, r.Pattern, err)
		}
		compiled = append(compiled, compiledRule{rule: r, matcher: m})
	}
	return compiled, nil
}

// Evaluate returns the action for a signature.
//
// Rules are scanned in three passes by action priority (deny, allow, ask);
// within a pass, declaration order decides. Deny therefore beats allow even
// when the allow rule is declared first and is more specific. When no rule
// matches, defaults are scanned once in declaration order and the first
// match wins regardless of action. When nothing matches, the answer is ask.
func (e *Engine) Evaluate(signature string) Action {
	for _, action := range []Action{ActionDeny, ActionAllow, ActionAsk} {
		for _, cr := range e.rules {
			if cr.rule.Action == action && cr.matcher.Match(signature) {
				return action
			}
		}
	}

	for _, cr := range e.defaults {
		if cr.matcher.Match(signature) {
			return cr.rule.Action
		}
	}

	return ActionAsk
}
