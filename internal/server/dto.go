package server

import (
	"guardline/internal/domain"
)

type CreateJobRequest struct {
	ID             string  `json:"id,omitempty"`
	CompanyID      string  `json:"company_id,omitempty"`
	RegistrationID string  `json:"registration_id,omitempty"`
	Title          string  `json:"title"`
	Description    string  `json:"description,omitempty"`
	HourlyRate     float64 `json:"hourly_rate"`
}

type ApplyRequest struct {
	GuardID       string `json:"guard_id,omitempty"`
	CertificateID string `json:"certificate_id,omitempty"`
}

type StartRequest struct {
	StartTime string `json:"start_time,omitempty" format:"date-time"`
}

type CompleteRequest struct {
	TotalHoursWorked float64 `json:"total_hours_worked"`
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

type SubmitRatingRequest struct {
	Rating  float64 `json:"rating"`
	Comment string  `json:"comment,omitempty"`
}

type JobResponse struct {
	ID              string  `json:"id"`
	CompanyID       string  `json:"company_id"`
	ApplicantID     *string `json:"applicant_guard_id,omitempty"`
	SelectedGuardID *string `json:"selected_guard_id,omitempty"`
	Title           string  `json:"title"`
	Description     string  `json:"description,omitempty"`
	HourlyRate      float64 `json:"hourly_rate"`
	State           string  `json:"state"`
	CompanyVerified bool    `json:"company_verified"`
	GuardVerified   bool    `json:"guard_verified"`
	ConversationID  *string `json:"conversation_id,omitempty"`
	ActualStartTime *string `json:"actual_start_time,omitempty"`
	TotalHours      *float64 `json:"total_hours_worked,omitempty"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
}

func jobResponse(w domain.JobWorkflow) JobResponse {
	return JobResponse{
		ID:              w.ID,
		CompanyID:       w.CompanyID,
		ApplicantID:     w.ApplicantID,
		SelectedGuardID: w.SelectedGuardID,
		Title:           w.Title,
		Description:     w.Description,
		HourlyRate:      w.HourlyRate,
		State:           w.State,
		CompanyVerified: w.CompanyVerified,
		GuardVerified:   w.GuardVerified,
		ConversationID:  w.ConversationID,
		ActualStartTime: w.ActualStartTime,
		TotalHours:      w.TotalHoursWorked,
		CreatedAt:       w.CreatedAt,
		UpdatedAt:       w.UpdatedAt,
	}
}

func mapJobs(items []domain.JobWorkflow) []JobResponse {
	res := make([]JobResponse, 0, len(items))
	for _, w := range items {
		res = append(res, jobResponse(w))
	}
	return res
}

type TransitionResponse struct {
	ID        int64          `json:"id"`
	FromState string         `json:"from_state"`
	ToState   string         `json:"to_state"`
	ActorID   string         `json:"actor_id"`
	Reason    string         `json:"reason,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	TS        string         `json:"ts"`
}

func mapTransitions(items []domain.WorkflowTransition) []TransitionResponse {
	res := make([]TransitionResponse, 0, len(items))
	for _, t := range items {
		res = append(res, TransitionResponse{
			ID:        t.ID,
			FromState: t.FromState,
			ToState:   t.ToState,
			ActorID:   t.ActorID,
			Reason:    t.Reason,
			Metadata:  t.Metadata,
			TS:        t.TS,
		})
	}
	return res
}

type RatingResponse struct {
	WorkflowID  string  `json:"workflow_id"`
	RaterRole   string  `json:"rater_role"`
	Rating      float64 `json:"rating"`
	Comment     string  `json:"comment,omitempty"`
	SubmittedAt string  `json:"submitted_at"`
}

func mapRatings(items []domain.RatingRecord) []RatingResponse {
	res := make([]RatingResponse, 0, len(items))
	for _, r := range items {
		res = append(res, RatingResponse{
			WorkflowID:  r.WorkflowID,
			RaterRole:   r.RaterRole,
			Rating:      r.Rating,
			Comment:     r.Comment,
			SubmittedAt: r.SubmittedAt,
		})
	}
	return res
}

type PaymentResponse struct {
	WorkflowID  string  `json:"workflow_id"`
	Triggered   bool    `json:"triggered"`
	TriggeredAt *string `json:"triggered_at,omitempty"`
	ReferenceID *string `json:"reference_id,omitempty"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	WorkflowID string `json:"workflow_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json,omitempty"`
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, EventResponse{
			ID:         e.ID,
			TS:         e.TS,
			Type:       e.Type,
			WorkflowID: e.WorkflowID,
			EntityKind: e.EntityKind,
			EntityID:   e.EntityID,
			ActorID:    e.ActorID,
			Payload:    e.Payload,
		})
	}
	return res
}

type paginatedJobs struct {
	Items      []JobResponse `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}
