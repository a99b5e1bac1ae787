package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"guardline/internal/domain"
	"guardline/internal/events"
	"guardline/internal/repo"
)

// ComplianceGate validates actor eligibility before state-advancing actions.
// Implemented by compliance.Gate.
type ComplianceGate interface {
	CheckRate(rate float64) error
	CheckCompany(ctx context.Context, w *domain.JobWorkflow, registrationID string) error
	CheckGuard(ctx context.Context, w *domain.JobWorkflow, guardID, certificateID string) error
}

// Dispatcher receives committed transitions for best-effort side effects
// (notifications, chat-thread creation). It is invoked after the commit and
// after the per-workflow lock is released; its failures never reverse a
// transition.
type Dispatcher interface {
	TransitionCommitted(w domain.JobWorkflow, t domain.WorkflowTransition)
}

// Engine owns workflow state. Every transition is validated against the
// transition table and the per-transition authorization rule, then the state
// update and the audit record commit in one transaction.
type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Gate    ComplianceGate
	Effects Dispatcher
	Now     func() time.Time
	Log     *zap.Logger

	locks lockTable
}

func New(db *sql.DB, gate ComplianceGate, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Gate:   gate,
		Now:    time.Now,
		Log:    log,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// WithLock serializes read-modify-write cycles for one workflow. Calls for
// different workflows do not contend.
func (e *Engine) WithLock(workflowID string, fn func() error) error {
	unlock := e.locks.acquire(workflowID)
	defer unlock()
	return fn()
}

// CreateJobOptions are parameters for posting a job.
type CreateJobOptions struct {
	ID             string
	CompanyID      string
	RegistrationID string
	Title          string
	Description    string
	HourlyRate     float64
	ActorID        string
}

// CreateJob runs the company compliance gate and creates the workflow in
// state posted. A rate below the statutory minimum never creates a workflow.
func (e *Engine) CreateJob(ctx context.Context, opts CreateJobOptions) (domain.JobWorkflow, error) {
	if opts.CompanyID == "" {
		return domain.JobWorkflow{}, errors.New("company_id is required")
	}
	if opts.Title == "" {
		return domain.JobWorkflow{}, errors.New("title is required")
	}
	if err := e.Gate.CheckRate(opts.HourlyRate); err != nil {
		return domain.JobWorkflow{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	w := domain.JobWorkflow{
		ID:            opts.ID,
		CompanyID:     opts.CompanyID,
		Title:         opts.Title,
		Description:   opts.Description,
		HourlyRate:    opts.HourlyRate,
		State:         string(StatePosted),
		RateCompliant: true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.Gate.CheckCompany(ctx, &w, opts.RegistrationID); err != nil {
		return domain.JobWorkflow{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.JobWorkflow{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertWorkflowTx(ctx, tx, w); err != nil {
		return domain.JobWorkflow{}, fmt.Errorf("insert workflow: %w", err)
	}
	if err := e.Repo.InsertPaymentTriggerTx(ctx, tx, w.ID); err != nil {
		return domain.JobWorkflow{}, fmt.Errorf("insert payment trigger: %w", err)
	}
	t := domain.WorkflowTransition{
		WorkflowID: w.ID,
		FromState:  "",
		ToState:    string(StatePosted),
		ActorID:    opts.ActorID,
		Reason:     "job posted",
		TS:         now,
	}
	if err := e.Repo.AppendTransitionTx(ctx, tx, t); err != nil {
		return domain.JobWorkflow{}, err
	}
	if err := e.Events.Append(ctx, tx, "job.created", w.ID, "workflow", w.ID, opts.ActorID, events.EventPayload{
		"state":       w.State,
		"hourly_rate": w.HourlyRate,
	}); err != nil {
		return domain.JobWorkflow{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.JobWorkflow{}, err
	}
	e.dispatch(w, t)
	return w, nil
}

// TransitionRequest describes one requested state change.
type TransitionRequest struct {
	WorkflowID string
	To         State
	Actor      Actor
	Reason     string
	Metadata   map[string]any

	// mutate applies typed field changes inside the same commit.
	mutate func(*domain.JobWorkflow) error
}

// RequestTransition validates and commits a single transition: state update
// plus audit record in one transaction, side effects dispatched afterwards.
func (e *Engine) RequestTransition(ctx context.Context, req TransitionRequest) (domain.JobWorkflow, error) {
	var w domain.JobWorkflow
	var t domain.WorkflowTransition
	err := e.WithLock(req.WorkflowID, func() error {
		var err error
		w, t, err = e.commitTransition(ctx, req)
		return err
	})
	if err != nil {
		return w, err
	}
	e.dispatch(w, t)
	return w, nil
}

func (e *Engine) commitTransition(ctx context.Context, req TransitionRequest) (domain.JobWorkflow, domain.WorkflowTransition, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.JobWorkflow{}, domain.WorkflowTransition{}, err
	}
	defer tx.Rollback()

	w, err := e.Repo.GetWorkflowTx(ctx, tx, req.WorkflowID)
	if err != nil {
		return w, domain.WorkflowTransition{}, err
	}
	from := State(w.State)
	if !CanTransition(from, req.To) {
		return w, domain.WorkflowTransition{}, InvalidTransitionError{From: from, To: req.To}
	}
	if err := authorize(w, from, req.To, req.Actor); err != nil {
		return w, domain.WorkflowTransition{}, err
	}
	if req.mutate != nil {
		if err := req.mutate(&w); err != nil {
			return w, domain.WorkflowTransition{}, err
		}
	}
	now := e.now().UTC().Format(time.RFC3339)
	w.State = string(req.To)
	w.UpdatedAt = now
	if err := e.Repo.UpdateWorkflowTx(ctx, tx, w); err != nil {
		return w, domain.WorkflowTransition{}, err
	}
	t := domain.WorkflowTransition{
		WorkflowID: w.ID,
		FromState:  string(from),
		ToState:    string(req.To),
		ActorID:    req.Actor.ID,
		Reason:     req.Reason,
		Metadata:   req.Metadata,
		TS:         now,
	}
	if err := e.Repo.AppendTransitionTx(ctx, tx, t); err != nil {
		return w, t, err
	}
	if err := e.Events.Append(ctx, tx, "workflow.transition", w.ID, "workflow", w.ID, req.Actor.ID, events.EventPayload{
		"from":   string(from),
		"to":     string(req.To),
		"reason": req.Reason,
	}); err != nil {
		return w, t, err
	}
	if err := tx.Commit(); err != nil {
		return w, t, err
	}
	return w, t, nil
}

// Apply runs the guard compliance gate, records the application and
// auto-advances to under_review in the same commit.
func (e *Engine) Apply(ctx context.Context, workflowID, guardID, certificateID string) (domain.JobWorkflow, error) {
	var w domain.JobWorkflow
	var applied, reviewed domain.WorkflowTransition
	err := e.WithLock(workflowID, func() error {
		current, err := e.Repo.GetWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		if State(current.State) != StatePosted {
			return InvalidTransitionError{From: State(current.State), To: StateApplied}
		}
		// Gate before any state change: a rejected application leaves the
		// workflow exactly where it was.
		if err := e.Gate.CheckGuard(ctx, &current, guardID, certificateID); err != nil {
			return err
		}
		snapshot := current
		w, applied, err = e.commitTransition(ctx, TransitionRequest{
			WorkflowID: workflowID,
			To:         StateApplied,
			Actor:      Actor{ID: guardID, Role: RoleGuard},
			Reason:     "guard applied",
			mutate: func(mw *domain.JobWorkflow) error {
				mw.ApplicantID = &guardID
				mw.GuardVerified = snapshot.GuardVerified
				mw.GuardVerifiedAt = snapshot.GuardVerifiedAt
				return nil
			},
		})
		if err != nil {
			return err
		}
		w, reviewed, err = e.commitTransition(ctx, TransitionRequest{
			WorkflowID: workflowID,
			To:         StateUnderReview,
			Actor:      SystemActor,
			Reason:     "application received",
		})
		return err
	})
	if err != nil {
		return w, err
	}
	e.dispatch(w, applied)
	e.dispatch(w, reviewed)
	return w, nil
}

// Accept selects the applicant; only the posting company may accept.
func (e *Engine) Accept(ctx context.Context, workflowID string, actor Actor) (domain.JobWorkflow, error) {
	return e.RequestTransition(ctx, TransitionRequest{
		WorkflowID: workflowID,
		To:         StateAccepted,
		Actor:      actor,
		Reason:     "application accepted",
		mutate: func(w *domain.JobWorkflow) error {
			if w.ApplicantID == nil {
				return errors.New("no applicant recorded")
			}
			w.SelectedGuardID = w.ApplicantID
			return nil
		},
	})
}

// Start marks execution begun; only the selected guard may start.
func (e *Engine) Start(ctx context.Context, workflowID string, actor Actor, startTime time.Time) (domain.JobWorkflow, error) {
	ts := startTime.UTC().Format(time.RFC3339)
	return e.RequestTransition(ctx, TransitionRequest{
		WorkflowID: workflowID,
		To:         StateInProgress,
		Actor:      actor,
		Reason:     "execution started",
		mutate: func(w *domain.JobWorkflow) error {
			w.ActualStartTime = &ts
			return nil
		},
	})
}

// Complete marks execution finished with the hours worked.
func (e *Engine) Complete(ctx context.Context, workflowID string, actor Actor, hoursWorked float64) (domain.JobWorkflow, error) {
	if hoursWorked <= 0 {
		return domain.JobWorkflow{}, errors.New("hours worked must be positive")
	}
	return e.RequestTransition(ctx, TransitionRequest{
		WorkflowID: workflowID,
		To:         StateCompleted,
		Actor:      actor,
		Reason:     "execution completed",
		Metadata:   map[string]any{"total_hours_worked": hoursWorked},
		mutate: func(w *domain.JobWorkflow) error {
			w.TotalHoursWorked = &hoursWorked
			return nil
		},
	})
}

// Cancel is valid from every state except the terminal ones and is
// unconditional on compliance or rating state.
func (e *Engine) Cancel(ctx context.Context, workflowID string, actor Actor, reason string) (domain.JobWorkflow, error) {
	current, err := e.Repo.GetWorkflow(ctx, workflowID)
	if err != nil {
		return current, err
	}
	if State(current.State).Terminal() {
		return current, AlreadyTerminalError{State: State(current.State)}
	}
	return e.RequestTransition(ctx, TransitionRequest{
		WorkflowID: workflowID,
		To:         StateCancelled,
		Actor:      actor,
		Reason:     reason,
	})
}

// Close retires a paid workflow.
func (e *Engine) Close(ctx context.Context, workflowID string, actor Actor) (domain.JobWorkflow, error) {
	return e.RequestTransition(ctx, TransitionRequest{
		WorkflowID: workflowID,
		To:         StateClosed,
		Actor:      actor,
		Reason:     "workflow closed",
	})
}

// SetConversationRef records the externally-owned chat thread id. The
// workflow does not own the thread's lifecycle; this is a weak reference
// written best-effort after thread creation.
func (e *Engine) SetConversationRef(ctx context.Context, workflowID, threadID, actorID string) error {
	return e.WithLock(workflowID, func() error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		w, err := e.Repo.GetWorkflowTx(ctx, tx, workflowID)
		if err != nil {
			return err
		}
		w.ConversationID = &threadID
		w.UpdatedAt = e.now().UTC().Format(time.RFC3339)
		if err := e.Repo.UpdateWorkflowTx(ctx, tx, w); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "conversation.linked", workflowID, "conversation", threadID, actorID, nil); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (e *Engine) dispatch(w domain.JobWorkflow, t domain.WorkflowTransition) {
	if e.Effects == nil {
		return
	}
	e.Effects.TransitionCommitted(w, t)
}

// authorize applies the per-transition actor rule. The system actor drives
// orchestrator-internal transitions (auto-review, payment release).
func authorize(w domain.JobWorkflow, from, to State, actor Actor) error {
	if actor.Role == RoleSystem {
		return nil
	}
	denied := UnauthorizedError{ActorID: actor.ID, From: from, To: to}
	if to == StateCancelled {
		if isParty(w, actor.ID) {
			return nil
		}
		return denied
	}
	switch to {
	case StateApplied:
		if actor.Role == RoleGuard {
			return nil
		}
	case StateAccepted:
		if actor.ID == w.CompanyID {
			return nil
		}
	case StateInProgress, StateCompleted:
		if w.SelectedGuardID != nil && actor.ID == *w.SelectedGuardID {
			return nil
		}
	case StateClosed:
		if actor.ID == w.CompanyID {
			return nil
		}
	}
	return denied
}

func isParty(w domain.JobWorkflow, actorID string) bool {
	if actorID == w.CompanyID {
		return true
	}
	if w.SelectedGuardID != nil && actorID == *w.SelectedGuardID {
		return true
	}
	if w.ApplicantID != nil && actorID == *w.ApplicantID {
		return true
	}
	return false
}
