package payment

import (
	"context"
	"time"

	"go.uber.org/zap"

	"guardline/internal/domain"
	"guardline/internal/events"
	"guardline/internal/workflow"
)

// Initiation is the payment rail's answer to an initiation request.
type Initiation struct {
	Accepted    bool
	ReferenceID string
}

// Initiator is the external payment rail. Initiate may be retried with the
// same workflow id; the rail is expected to dedupe on it.
type Initiator interface {
	Initiate(ctx context.Context, workflowID, payeeID string, amount float64) (Initiation, error)
}

// Coordinator releases payment exactly once per workflow. The trigger row is
// the at-most-once token: whoever flips it owns initiation, and a failed
// initiation leaves the workflow in rated for a later retry without ever
// re-flipping the token.
type Coordinator struct {
	Engine    *workflow.Engine
	Initiator Initiator
	Timeout   time.Duration
	Now       func() time.Time
	Log       *zap.Logger
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Coordinator) log() *zap.Logger {
	if c.Log != nil {
		return c.Log
	}
	return zap.NewNop()
}

// OnLedgerComplete is called when both ratings for a workflow exist. It
// claims the payment trigger, advances completed to rated, then initiates
// payment and on success advances rated to paid. Losing the claim race is a
// quiet no-op.
func (c *Coordinator) OnLedgerComplete(ctx context.Context, workflowID string) error {
	var w domain.JobWorkflow
	var t domain.WorkflowTransition
	claimed := false

	err := c.Engine.WithLock(workflowID, func() error {
		tx, err := c.Engine.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		w, err = c.Engine.Repo.GetWorkflowTx(ctx, tx, workflowID)
		if err != nil {
			return err
		}
		if workflow.State(w.State) != workflow.StateCompleted {
			return nil
		}
		now := c.now().UTC().Format(time.RFC3339)
		won, err := c.Engine.Repo.ClaimPaymentTriggerTx(ctx, tx, workflowID, now)
		if err != nil {
			return err
		}
		if !won {
			return nil
		}
		w.State = string(workflow.StateRated)
		w.UpdatedAt = now
		if err := c.Engine.Repo.UpdateWorkflowTx(ctx, tx, w); err != nil {
			return err
		}
		t = domain.WorkflowTransition{
			WorkflowID: workflowID,
			FromState:  string(workflow.StateCompleted),
			ToState:    string(workflow.StateRated),
			ActorID:    workflow.SystemActor.ID,
			Reason:     "both ratings submitted",
			TS:         now,
		}
		if err := c.Engine.Repo.AppendTransitionTx(ctx, tx, t); err != nil {
			return err
		}
		if err := c.Engine.Events.Append(ctx, tx, "payment.triggered", workflowID, "payment", workflowID, workflow.SystemActor.ID, nil); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	if err != nil || !claimed {
		return err
	}
	if c.Engine.Effects != nil {
		c.Engine.Effects.TransitionCommitted(w, t)
	}
	return c.initiate(ctx, w)
}

// RetryInitiation re-runs initiation for a workflow whose trigger was claimed
// but whose payment never got a reference, typically after a rail outage.
func (c *Coordinator) RetryInitiation(ctx context.Context, workflowID string) error {
	w, err := c.Engine.Repo.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if workflow.State(w.State) != workflow.StateRated {
		return workflow.InvalidTransitionError{From: workflow.State(w.State), To: workflow.StatePaid}
	}
	trigger, err := c.Engine.Repo.GetPaymentTrigger(ctx, workflowID)
	if err != nil {
		return err
	}
	if !trigger.Triggered {
		return workflow.PaymentInitiationError{WorkflowID: workflowID, Err: errNotTriggered}
	}
	if trigger.ReferenceID != nil {
		// Initiation already succeeded; the rated->paid commit must have been
		// interrupted. Finish it without talking to the rail again.
		return c.finalize(ctx, w, *trigger.ReferenceID)
	}
	return c.initiate(ctx, w)
}

func (c *Coordinator) initiate(ctx context.Context, w domain.JobWorkflow) error {
	if w.SelectedGuardID == nil || w.TotalHoursWorked == nil {
		return workflow.PaymentInitiationError{WorkflowID: w.ID, Err: errMissingPayout}
	}
	amount := w.HourlyRate * *w.TotalHoursWorked
	payee := *w.SelectedGuardID

	ictx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ictx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	res, err := c.Initiator.Initiate(ictx, w.ID, payee, amount)
	if err != nil {
		c.log().Warn("payment initiation failed",
			zap.String("workflow_id", w.ID),
			zap.Error(err))
		return workflow.PaymentInitiationError{WorkflowID: w.ID, Err: err}
	}
	if !res.Accepted {
		c.log().Warn("payment initiation rejected", zap.String("workflow_id", w.ID))
		return workflow.PaymentInitiationError{WorkflowID: w.ID, Err: errRejected}
	}
	return c.finalize(ctx, w, res.ReferenceID)
}

func (c *Coordinator) finalize(ctx context.Context, w domain.JobWorkflow, referenceID string) error {
	var t domain.WorkflowTransition
	err := c.Engine.WithLock(w.ID, func() error {
		tx, err := c.Engine.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		w, err = c.Engine.Repo.GetWorkflowTx(ctx, tx, w.ID)
		if err != nil {
			return err
		}
		if workflow.State(w.State) != workflow.StateRated {
			return nil
		}
		now := c.now().UTC().Format(time.RFC3339)
		if err := c.Engine.Repo.SetPaymentReferenceTx(ctx, tx, w.ID, referenceID); err != nil {
			return err
		}
		w.State = string(workflow.StatePaid)
		w.UpdatedAt = now
		if err := c.Engine.Repo.UpdateWorkflowTx(ctx, tx, w); err != nil {
			return err
		}
		t = domain.WorkflowTransition{
			WorkflowID: w.ID,
			FromState:  string(workflow.StateRated),
			ToState:    string(workflow.StatePaid),
			ActorID:    workflow.SystemActor.ID,
			Reason:     "payment released",
			Metadata:   map[string]any{"reference_id": referenceID},
			TS:         now,
		}
		if err := c.Engine.Repo.AppendTransitionTx(ctx, tx, t); err != nil {
			return err
		}
		if err := c.Engine.Events.Append(ctx, tx, "payment.released", w.ID, "payment", referenceID, workflow.SystemActor.ID, events.EventPayload{
			"reference_id": referenceID,
		}); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	if t.ToState != "" && c.Engine.Effects != nil {
		c.Engine.Effects.TransitionCommitted(w, t)
	}
	return nil
}

type coordErr string

func (e coordErr) Error() string { return string(e) }

const (
	errNotTriggered  = coordErr("payment trigger not claimed")
	errMissingPayout = coordErr("workflow has no selected guard or recorded hours")
	errRejected      = coordErr("payment rail rejected initiation")
)
