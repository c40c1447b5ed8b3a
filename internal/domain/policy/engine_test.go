package policy

import "testing"

func mustEngine(t *testing.T, rs Ruleset) *Engine {
	t.Helper()
	e, err := NewEngine(rs)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func TestEvaluate_DenyBeatsAllow(t *testing.T) {
	// The allow rule is declared first and is more specific; deny still wins.
	e := mustEngine(t, Ruleset{
		Rules: []Rule{
			{Pattern: "ha_call_service(lock.unlock, lock.front_door)", Action: ActionAllow},
			{Pattern: "ha_call_service(lock.*)", Action: ActionDeny},
		},
	})
	got := e.Evaluate("ha_call_service(lock.unlock, lock.front_door)")
	if got != ActionDeny {
		t.Errorf("expected deny, got %s", got)
	}
}

func TestEvaluate_AllowBeatsAsk(t *testing.T) {
	e := mustEngine(t, Ruleset{
		Rules: []Rule{
			{Pattern: "ha_get_*", Action: ActionAsk},
			{Pattern: "ha_get_state(sensor.temp)", Action: ActionAllow},
		},
	})
	if got := e.Evaluate("ha_get_state(sensor.temp)"); got != ActionAllow {
		t.Errorf("expected allow, got %s", got)
	}
}

func TestEvaluate_RuleDeclarationOrderWithinPass(t *testing.T) {
	e := mustEngine(t, Ruleset{
		Rules: []Rule{
			{Pattern: "tool_a*", Action: ActionAllow},
			{Pattern: "tool_*", Action: ActionAllow},
		},
	})
	if got := e.Evaluate("tool_a"); got != ActionAllow {
		t.Errorf("expected allow, got %s", got)
	}
}

func TestEvaluate_DefaultsFirstMatchWins(t *testing.T) {
	e := mustEngine(t, Ruleset{
		Defaults: []Rule{
			{Pattern: "ha_get_*", Action: ActionAllow},
			{Pattern: "*", Action: ActionAsk},
		},
	})
	if got := e.Evaluate("ha_get_state(sensor.temp)"); got != ActionAllow {
		t.Errorf("expected allow from first default, got %s", got)
	}
	if got := e.Evaluate("ha_call_service(light.turn_on, light.bedroom)"); got != ActionAsk {
		t.Errorf("expected ask from catch-all default, got %s", got)
	}
}

func TestEvaluate_RulesShadowDefaults(t *testing.T) {
	e := mustEngine(t, Ruleset{
		Rules: []Rule{
			{Pattern: "ha_get_state(sensor.secret)", Action: ActionDeny},
		},
		Defaults: []Rule{
			{Pattern: "ha_get_*", Action: ActionAllow},
		},
	})
	if got := e.Evaluate("ha_get_state(sensor.secret)"); got != ActionDeny {
		t.Errorf("expected rule to shadow default, got %s", got)
	}
}

func TestEvaluate_NothingMatchesIsAsk(t *testing.T) {
	e := mustEngine(t, Ruleset{
		Defaults: []Rule{
			{Pattern: "ha_*", Action: ActionAllow},
		},
	})
	if got := e.Evaluate("unknown_tool(x)"); got != ActionAsk {
		t.Errorf("expected ask fallback, got %s", got)
	}
}

func TestEvaluate_EmptyRulesetIsAsk(t *testing.T) {
	e := mustEngine(t, Ruleset{})
	if got := e.Evaluate("anything"); got != ActionAsk {
		t.Errorf("expected ask, got %s", got)
	}
}

func TestEvaluate_GlobSetAndQuestion(t *testing.T) {
	e := mustEngine(t, Ruleset{
		Defaults: []Rule{
			{Pattern: "ha_get_state(sensor.temp[123])", Action: ActionAllow},
			{Pattern: "ha_get_state(sensor.hum?)", Action: ActionDeny},
		},
	})
	if got := e.Evaluate("ha_get_state(sensor.temp2)"); got != ActionAllow {
		t.Errorf("set match failed: %s", got)
	}
	if got := e.Evaluate("ha_get_state(sensor.hum1)"); got != ActionDeny {
		t.Errorf("? match failed: %s", got)
	}
}

func TestEvaluate_BracesAreLiteral(t *testing.T) {
	e := mustEngine(t, Ruleset{
		Rules: []Rule{
			{Pattern: "ha_call_service({light,switch}.*)", Action: ActionDeny},
		},
	})
	if got := e.Evaluate("ha_call_service(light.turn_on, light.bedroom)"); got == ActionDeny {
		t.Error("braces expanded as alternation")
	}
	if got := e.Evaluate("ha_call_service({light,switch}.on)"); got != ActionDeny {
		t.Errorf("literal brace match failed: %s", got)
	}
}

func TestEvaluate_Pure(t *testing.T) {
	e := mustEngine(t, Ruleset{
		Rules: []Rule{
			{Pattern: "ha_call_service(lock.*)", Action: ActionDeny},
		},
		Defaults: []Rule{
			{Pattern: "*", Action: ActionAsk},
		},
	})
	sig := "ha_call_service(lock.lock, lock.front_door)"
	first := e.Evaluate(sig)
	for i := 0; i < 100; i++ {
		if got := e.Evaluate(sig); got != first {
			t.Fatalf("evaluation not pure: %s vs %s", got, first)
		}
	}
}

func TestNewEngine_InvalidAction(t *testing.T) {
	_, err := NewEngine(Ruleset{
		Rules: []Rule{{Pattern: "*", Action: Action("maybe")}},
	})
	if err == nil {
		t.Fatal("expected error for invalid action")
	}
}

func TestNewEngine_InvalidPattern(t *testing.T) {
	_, err := NewEngine(Ruleset{
		Defaults: []Rule{{Pattern: "tool[", Action: ActionAllow}},
	})
	if err == nil {
		t.Fatal("expected error for invalid glob pattern")
	}
}
