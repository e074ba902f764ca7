// Package compiler turns an authored flow graph into a linear, parameterized
// action script ready for delivery to a device.
//
// This file maps visual-editor node types onto the closed action-kind set and
// extracts per-kind parameters with their documented fallbacks.
package compiler

import (
	"github.com/trihai306/agentphone/internal/models"
)

// structuralTypes are node types that organize the graph but never execute on
// a device. They map to no action and are skipped during linear traversal.
var structuralTypes = map[string]bool{
	"start":       true,
	"end":         true,
	"condition":   true,
	"if":          true,
	"variable":    true,
	"data_source": true,
	"dataSource":  true,
	"data-source": true,
	"loop_start":  true,
	"loop_end":    true,
	"loopStart":   true,
	"loopEnd":     true,
	"note":        true,
	"group":       true,
}

// nodeTypeKinds maps editor node type strings (including legacy aliases) onto
// action kinds.
var nodeTypeKinds = map[string]models.ActionKind{
	"tap":              models.ActionTap,
	"click":            models.ActionTap,
	"double_tap":       models.ActionDoubleTap,
	"doubleTap":        models.ActionDoubleTap,
	"double_click":     models.ActionDoubleTap,
	"long_press":       models.ActionLongPress,
	"longPress":        models.ActionLongPress,
	"scroll":           models.ActionScroll,
	"swipe":            models.ActionSwipe,
	"text_input":       models.ActionTextInput,
	"textInput":        models.ActionTextInput,
	"input":            models.ActionTextInput,
	"type_text":        models.ActionTextInput,
	"wait":             models.ActionWait,
	"delay":            models.ActionWait,
	"back":             models.ActionBack,
	"home":             models.ActionHome,
	"recents":          models.ActionRecents,
	"recent_apps":      models.ActionRecents,
	"screenshot":       models.ActionScreenshot,
	"start_app":        models.ActionStartApp,
	"open_app":         models.ActionStartApp,
	"launch_app":       models.ActionStartApp,
	"assert":           models.ActionAssert,
	"element_check":    models.ActionElementCheck,
	"check_element":    models.ActionElementCheck,
	"wait_for_element": models.ActionWaitForElement,
	"waitForElement":   models.ActionWaitForElement,
}

// legacyDirections resolves a scroll/swipe direction from the old event-type
// field used by early versions of the editor.
var legacyDirections = map[string]string{
	"scroll_up":    "up",
	"scroll_down":  "down",
	"scroll_left":  "left",
	"scroll_right": "right",
	"swipe_up":     "up",
	"swipe_down":   "down",
	"swipe_left":   "left",
	"swipe_right":  "right",
}

// KindForNodeType is the total mapping from a node type string to an action
// kind. Structural types return (ActionNone, false); any unrecognized
// non-structural type maps to ActionCustom so no authored step is silently
// lost.
func KindForNodeType(nodeType string) (models.ActionKind, bool) {
	if structuralTypes[nodeType] || isLoopType(nodeType) {
		return models.ActionNone, false
	}
	if kind, ok := nodeTypeKinds[nodeType]; ok {
		return kind, true
	}
	return models.ActionCustom, true
}

func isLoopType(nodeType string) bool {
	switch nodeType {
	case "loop", "for_each", "forEach":
		return true
	default:
		return false
	}
}

// selector keys shared by touch and element actions, copied when present.
var selectorKeys = []string{"resource_id", "content_desc", "text", "class_name", "bounds"}

// extractParams builds the parameter map for one action kind from the node's
// local data. Missing fields fall back per kind; unknown kinds pass the raw
// data through untouched.
func extractParams(kind models.ActionKind, data map[string]any) map[string]any {
	params := map[string]any{}
	switch kind {
	case models.ActionTap, models.ActionDoubleTap, models.ActionLongPress:
		copyNumber(params, data, "x", "x")
		copyNumber(params, data, "y", "y")
		copySelector(params, data)
		if kind == models.ActionLongPress {
			params["duration_ms"] = intField(data, 800, "duration_ms", "duration")
		}
	case models.ActionScroll, models.ActionSwipe:
		params["direction"] = resolveDirection(data)
		params["distance"] = intField(data, 300, "distance")
		copyNumber(params, data, "speed", "speed")
		if kind == models.ActionSwipe {
			copyNumber(params, data, "start_x", "start_x")
			copyNumber(params, data, "start_y", "start_y")
			copyNumber(params, data, "end_x", "end_x")
			copyNumber(params, data, "end_y", "end_y")
		}
	case models.ActionTextInput:
		params["text"] = stringField(data, "", "text", "value", "content")
		params["clear_first"] = boolField(data, false, "clear_first", "clearFirst")
		copySelector(params, data)
	case models.ActionWait:
		params["duration_ms"] = intField(data, 1000, "duration_ms", "duration", "wait")
	case models.ActionStartApp:
		params["package"] = stringField(data, "", "package", "package_name", "app_package")
		if activity := stringField(data, "", "activity"); activity != "" {
			params["activity"] = activity
		}
	case models.ActionScreenshot:
		if name := stringField(data, "", "filename", "name"); name != "" {
			params["filename"] = name
		}
	case models.ActionAssert, models.ActionElementCheck, models.ActionWaitForElement:
		copySelector(params, data)
		params["condition"] = stringField(data, "exists", "condition", "expected")
		params["timeout_ms"] = intField(data, 5000, "timeout_ms", "timeout")
	case models.ActionBack, models.ActionHome, models.ActionRecents:
		// navigation keys carry no parameters
	case models.ActionCustom:
		for k, v := range data {
			params[k] = v
		}
	}
	return params
}

// resolveDirection reads an explicit direction field, falling back to the
// legacy event-type alias table, defaulting to "down".
func resolveDirection(data map[string]any) string {
	if dir := stringField(data, "", "direction"); dir != "" {
		return dir
	}
	eventType := stringField(data, "", "event_type", "eventType")
	if dir, ok := legacyDirections[eventType]; ok {
		return dir
	}
	return "down"
}

func copySelector(params, data map[string]any) {
	for _, key := range selectorKeys {
		if v, ok := data[key]; ok {
			params[key] = v
		}
	}
}

func copyNumber(params, data map[string]any, dst, src string) {
	if v, ok := data[src]; ok {
		params[dst] = v
	}
}

// stringField returns the first non-empty string among the candidate keys.
func stringField(data map[string]any, fallback string, keys ...string) string {
	for _, key := range keys {
		if v, ok := data[key].(string); ok && v != "" {
			return v
		}
	}
	return fallback
}

// intField returns the first numeric value among the candidate keys.
// JSON decoding yields float64, so both forms are accepted.
func intField(data map[string]any, fallback int, keys ...string) int {
	for _, key := range keys {
		switch v := data[key].(type) {
		case float64:
			return int(v)
		case int:
			return v
		}
	}
	return fallback
}

func boolField(data map[string]any, fallback bool, keys ...string) bool {
	for _, key := range keys {
		if v, ok := data[key].(bool); ok {
			return v
		}
	}
	return fallback
}
