// Package models defines the core data structures shared across the
// automation pipeline.
//
// This file holds the compiled action types and the wire envelopes handed to
// device channels.
package models

import (
	"time"
)

// ActionKind is the closed set of directly-executable step kinds a compiled
// script may contain. Node types the compiler does not recognize map to
// ActionCustom carrying their raw parameters; structural node types map to
// ActionNone and produce no step.
type ActionKind string

const (
	ActionNone           ActionKind = ""
	ActionTap            ActionKind = "tap"
	ActionDoubleTap      ActionKind = "double_tap"
	ActionLongPress      ActionKind = "long_press"
	ActionScroll         ActionKind = "scroll"
	ActionSwipe          ActionKind = "swipe"
	ActionTextInput      ActionKind = "text_input"
	ActionWait           ActionKind = "wait"
	ActionBack           ActionKind = "back"
	ActionHome           ActionKind = "home"
	ActionRecents        ActionKind = "recents"
	ActionScreenshot     ActionKind = "screenshot"
	ActionStartApp       ActionKind = "start_app"
	ActionAssert         ActionKind = "assert"
	ActionElementCheck   ActionKind = "element_check"
	ActionWaitForElement ActionKind = "wait_for_element"
	ActionCustom         ActionKind = "custom"
)

// IsValidActionKind checks if the given action kind is part of the closed set.
func IsValidActionKind(k ActionKind) bool {
	switch k {
	case ActionTap, ActionDoubleTap, ActionLongPress, ActionScroll, ActionSwipe,
		ActionTextInput, ActionWait, ActionBack, ActionHome, ActionRecents,
		ActionScreenshot, ActionStartApp, ActionAssert, ActionElementCheck,
		ActionWaitForElement, ActionCustom:
		return true
	default:
		return false
	}
}

// CompiledAction is one linear, parameterized, directly-executable step
// produced by the compiler. Only full lists are ever persisted, never
// mid-compilation state.
type CompiledAction struct {
	ID                string         `json:"id"`
	Type              ActionKind     `json:"type"`
	Params            map[string]any `json:"params,omitempty"`
	WaitAfter         int            `json:"wait_after"` // milliseconds
	OnError           string         `json:"on_error,omitempty"`
	RetryAttempts     int            `json:"retry_attempts"`
	HasErrorBranch    bool           `json:"has_error_branch"`
	ErrorBranchTarget string         `json:"error_branch_target,omitempty"`
}

// PriorityTier is the coarse delivery tier derived from a job's numeric
// priority.
type PriorityTier string

const (
	TierImmediate PriorityTier = "immediate"
	TierHigh      PriorityTier = "high"
	TierNormal    PriorityTier = "normal"
	TierLow       PriorityTier = "low"
)

// TierForPriority maps a numeric priority (0-10) to its delivery tier.
func TierForPriority(priority int) PriorityTier {
	switch {
	case priority >= 9:
		return TierImmediate
	case priority >= 7:
		return TierHigh
	case priority >= 4:
		return TierNormal
	default:
		return TierLow
	}
}

// EnvelopeVersion identifies the dispatch envelope schema sent to devices.
const EnvelopeVersion = "1.0"

// DispatchEnvelope is the payload handed to a device's message channel for
// one job execution.
type DispatchEnvelope struct {
	Version      string           `json:"version"`
	JobID        string           `json:"job_id"`
	FlowID       string           `json:"flow_id"`
	FlowName     string           `json:"flow_name"`
	Actions      []CompiledAction `json:"actions"`
	OnError      string           `json:"on_error,omitempty"`
	Variables    map[string]any   `json:"variables,omitempty"`
	RecordID     string           `json:"record_id,omitempty"`
	RecordIndex  int              `json:"record_index"`
	TotalRecords int              `json:"total_records"`
	RecordData   map[string]any   `json:"record_data,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

// Control message event tags understood by devices.
const (
	EventJobDispatch = "job:dispatch"
	EventJobCancel   = "job:cancel"
	EventJobPause    = "job:pause"
	EventJobResume   = "job:resume"
)

// ControlMessage is the body of job:cancel / job:pause / job:resume frames.
type ControlMessage struct {
	JobID string `json:"job_id"`
}
