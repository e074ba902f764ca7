// Package compiler turns an authored flow graph into a linear action script.
//
// This file implements {{var}} token interpolation over action parameters.
package compiler

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/trihai306/agentphone/internal/models"
)

var tokenPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// InterpolateString substitutes {{name}} tokens in s from vars. Dotted names
// traverse nested maps (e.g. {{item.username}}). Unmatched tokens are left
// literal, which also makes interpolation idempotent on token-free strings.
func InterpolateString(s string, vars map[string]any) string {
	if vars == nil || !strings.Contains(s, "{{") {
		return s
	}
	return tokenPattern.ReplaceAllStringFunc(s, func(token string) string {
		name := strings.TrimSpace(token[2 : len(token)-2])
		if value, ok := lookupVar(vars, name); ok {
			return stringify(value)
		}
		return token
	})
}

// InterpolateValue recursively interpolates every string leaf of value,
// descending through maps and slices. Non-string leaves pass through.
func InterpolateValue(value any, vars map[string]any) any {
	switch v := value.(type) {
	case string:
		return InterpolateString(v, vars)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, elem := range v {
			out[k] = InterpolateValue(elem, vars)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			out[i] = InterpolateValue(elem, vars)
		}
		return out
	default:
		return value
	}
}

// InterpolateActions returns a copy of actions with every string leaf of
// every action's params interpolated against vars. Inputs are not mutated.
func InterpolateActions(actions []models.CompiledAction, vars map[string]any) []models.CompiledAction {
	if len(actions) == 0 {
		return actions
	}
	out := make([]models.CompiledAction, len(actions))
	for i, action := range actions {
		out[i] = action
		if action.Params != nil {
			out[i].Params = InterpolateValue(action.Params, vars).(map[string]any)
		}
	}
	return out
}

// lookupVar resolves a possibly dotted variable name against nested maps.
func lookupVar(vars map[string]any, name string) (any, bool) {
	if v, ok := vars[name]; ok {
		return v, true
	}
	parts := strings.Split(name, ".")
	if len(parts) < 2 {
		return nil, false
	}
	var current any = vars
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		// Render integral floats without a trailing .0 so ids and counts
		// survive a JSON round trip unchanged.
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%v", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
