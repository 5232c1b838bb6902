package protocol

// DirectiveType classifies an oversight directive.
type DirectiveType string

// Directive type constants. All types are advisory except AbortTask, which
// is mandatory and highest priority.
const (
	DirectiveGuidance       DirectiveType = "guidance"
	DirectiveConstraint     DirectiveType = "constraint"
	DirectivePriorityChange DirectiveType = "priority_change"
	DirectiveEscalationRule DirectiveType = "escalation_rule"
	DirectiveAbortTask      DirectiveType = "abort_task"
)

// Valid reports whether d is one of the five known directive types.
func (d DirectiveType) Valid() bool {
	switch d {
	case DirectiveGuidance, DirectiveConstraint, DirectivePriorityChange,
		DirectiveEscalationRule, DirectiveAbortTask:
		return true
	default:
		return false
	}
}

// Directive status constants.
const (
	DirectivePending      = "pending"
	DirectiveAcknowledged = "acknowledged"
)

// TargetAll addresses a directive to every worker.
const TargetAll = "all"

// Directive represents a row in the directives table. Oversight writes
// directives; the dispatcher and health monitor consult them before acting.
type Directive struct {
	ID             string        `json:"id"`
	Type           DirectiveType `json:"type"`
	Content        string        `json:"content"`
	Target         string        `json:"target"`
	Status         string        `json:"status"`
	IssuedAt       string        `json:"issued_at"`
	AcknowledgedAt string        `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string        `json:"acknowledged_by,omitempty"`
}
