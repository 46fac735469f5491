package conflict

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// Kind classifies a conflict. The set is closed; dispatch on it is
// exhaustive so an unhandled kind cannot slip through silently.
type Kind string

const (
	KindResource Kind = "resource"
	KindDeadline Kind = "deadline"
	KindPriority Kind = "priority"
)

// Valid reports whether k is a known conflict kind.
func (k Kind) Valid() bool {
	switch k {
	case KindResource, KindDeadline, KindPriority:
		return true
	default:
		return false
	}
}

// Severity grades how urgent a conflict is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Status is the lifecycle of a conflict record.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

// ActionKind classifies the auto-resolution applied to a conflict.
type ActionKind string

const (
	ActionSerialize   ActionKind = "serialize"
	ActionEscalate    ActionKind = "escalate"
	ActionFlag        ActionKind = "flag"
	ActionReorderHint ActionKind = "reorder-hint"
	ActionNone        ActionKind = "none"
)

// ResolutionAction records what the engine did about a conflict.
type ResolutionAction struct {
	Kind      ActionKind `json:"kind"`
	Detail    string     `json:"detail,omitempty"`
	TaskOrder []string   `json:"task_order,omitempty"`
	AppliedAt time.Time  `json:"applied_at"`
}

// Conflict is a detected incompatibility between runnable tasks.
//
// The ID is deterministic over (kind, sorted task ids, resource), so the
// same situation re-detected later maps to the same identity.
type Conflict struct {
	ID         string            `json:"id"`
	Kind       Kind              `json:"kind"`
	TaskIDs    []string          `json:"task_ids"`
	Resource   string            `json:"resource,omitempty"`
	Severity   Severity          `json:"severity"`
	Status     Status            `json:"status"`
	DetectedAt time.Time         `json:"detected_at"`
	Resolution *ResolutionAction `json:"resolution,omitempty"`
}

func conflictID(kind Kind, taskIDs []string, resource string) string {
	ids := append([]string(nil), taskIDs...)
	sort.Strings(ids)
	h := sha256.Sum256([]byte(string(kind) + "|" + strings.Join(ids, ",") + "|" + resource))
	return string(kind) + "-" + hex.EncodeToString(h[:8])
}
