// Package signature reduces a tool call to a canonical, deterministic
// string. The signature is the only thing the policy engine ever sees, so
// argument values that could forge a different-looking signature are
// rejected here.
package signature

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// homeControllerPrefix marks the tools whose identifier arguments follow the
// home controller grammar.
const homeControllerPrefix = "ha_"

// forbiddenChars would let an argument value masquerade as glob syntax or
// signature punctuation. Control characters are banned outright.
var forbiddenChars = regexp.MustCompile(`[*?\[\](),\x00-\x1f]`)

// haIdentifier is the controller's identifier grammar: lowercase snake_case,
// optionally one dot separating domain from object id.
var haIdentifier = regexp.MustCompile(`^[a-z_][a-z0-9_]*(\.[a-z0-9_]+)?$`)

// identifierFields are the argument keys that must satisfy haIdentifier on
// home controller tools.
var identifierFields = map[string]bool{
	"entity_id":  true,
	"domain":     true,
	"service":    true,
	"event_type": true,
}

// builders projects the known tools onto their signature parts. A nil slice
// means the signature is the bare tool name.
var builders = map[string]func(args map[string]any) []string{
	"ha_call_service": func(args map[string]any) []string {
		// entity_id stays as an empty part when absent so the signature
		// shape is stable for pattern authors.
		return []string{
			stringArg(args, "domain") + "." + stringArg(args, "service"),
			stringArg(args, "entity_id"),
		}
	},
	"ha_get_state": func(args map[string]any) []string {
		return []string{stringArg(args, "entity_id")}
	},
	"ha_get_states": func(args map[string]any) []string {
		return nil
	},
	"ha_fire_event": func(args map[string]any) []string {
		return []string{stringArg(args, "event_type")}
	},
}

// ValidationError reports the argument that made a tool call unprojectable.
type ValidationError struct {
	Key    string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("argument %q: %s", e.Key, e.Reason)
}

// ValidateArgs rejects argument values that could alter how a signature
// reads. Only string values participate in signatures, so only strings are
// checked.
func ValidateArgs(tool string, args map[string]any) error {
	for key, val := range args {
		s, ok := val.(string)
		if !ok {
			continue
		}
		if forbiddenChars.MatchString(s) {
			return &ValidationError{Key: key, Reason: "contains forbidden characters"}
		}
		if strings.HasPrefix(tool, homeControllerPrefix) && identifierFields[key] {
			if !haIdentifier.MatchString(s) {
				return &ValidationError{Key: key, Reason: "not a valid identifier"}
			}
		}
	}
	return nil
}

// Build validates the arguments and produces the canonical signature. Known
// tools project onto their meaningful arguments; unknown tools fall back to
// every argument in sorted key order so the projection stays deterministic.
func Build(tool string, args map[string]any) (string, error) {
	if err := ValidateArgs(tool, args); err != nil {
		return "", err
	}

	var parts []string
	if build, ok := builders[tool]; ok {
		parts = build(args)
	} else {
		keys := make([]string, 0, len(args))
		for k := range args {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%v", args[k]))
		}
	}

	if len(parts) == 0 {
		return tool, nil
	}
	return fmt.Sprintf("%s(%s)", tool, strings.Join(parts, ", ")), nil
}

func stringArg(args map[string]any, key string) string {
	if s, ok := args[key].(string); ok {
		return s
	}
	return ""
}
