package domain

// JobWorkflow is the aggregate root for one job posting. State is mutated only
// through validated transitions; the transition history is the source of truth
// for what happened when.
type JobWorkflow struct {
	ID              string  `json:"id"`
	CompanyID       string  `json:"company_id"`
	ApplicantID     *string `json:"applicant_guard_id,omitempty"`
	SelectedGuardID *string `json:"selected_guard_id,omitempty"`
	Title           string  `json:"title"`
	Description     string  `json:"description,omitempty"`
	HourlyRate      float64 `json:"hourly_rate"`
	State           string  `json:"state" enum:"posted,applied,under_review,accepted,in_progress,completed,rated,paid,closed,cancelled"`

	CompanyVerified     bool    `json:"company_verified"`
	GuardVerified       bool    `json:"guard_verified"`
	RateCompliant       bool    `json:"rate_compliant"`
	CompanyVerifiedAt   *string `json:"company_verified_at,omitempty" format:"date-time"`
	GuardVerifiedAt     *string `json:"guard_verified_at,omitempty" format:"date-time"`
	ConversationID      *string `json:"conversation_id,omitempty"`

	// Promoted from transition metadata: consumed by coordination logic.
	ActualStartTime  *string  `json:"actual_start_time,omitempty" format:"date-time"`
	TotalHoursWorked *float64 `json:"total_hours_worked,omitempty"`

	RatingWindowNotified bool `json:"rating_window_notified,omitempty"`

	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// WorkflowTransition is one immutable audit record, never mutated or deleted.
// Metadata stays an open key/value map for job-specific context.
type WorkflowTransition struct {
	ID         int64          `json:"id"`
	WorkflowID string         `json:"workflow_id"`
	FromState  string         `json:"from_state"`
	ToState    string         `json:"to_state"`
	ActorID    string         `json:"actor_id"`
	Reason     string         `json:"reason,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	TS         string         `json:"ts" format:"date-time"`
}

// RatingRecord is write-once per (workflow, rater role).
type RatingRecord struct {
	WorkflowID  string  `json:"workflow_id"`
	RaterRole   string  `json:"rater_role" enum:"guard,company"`
	Rating      float64 `json:"rating"`
	Comment     string  `json:"comment,omitempty"`
	SubmittedAt string  `json:"submitted_at" format:"date-time"`
}

// PaymentTrigger is the at-most-once token guarding payment initiation.
type PaymentTrigger struct {
	WorkflowID  string  `json:"workflow_id"`
	Triggered   bool    `json:"triggered"`
	TriggeredAt *string `json:"triggered_at,omitempty" format:"date-time"`
	ReferenceID *string `json:"reference_id,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	WorkflowID string `json:"workflow_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role" enum:"company,guard,admin"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
