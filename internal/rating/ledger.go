package rating

import (
	"context"
	"time"

	"go.uber.org/zap"

	"guardline/internal/domain"
	"guardline/internal/events"
	"guardline/internal/payment"
	"guardline/internal/repo"
	"guardline/internal/workflow"
)

// Ledger records the dual post-completion ratings. Each side writes at most
// once; when the second rating lands the payment coordinator takes over.
type Ledger struct {
	Engine      *workflow.Engine
	Coordinator *payment.Coordinator
	Min         float64
	Max         float64
	Window      time.Duration
	Now         func() time.Time
	Log         *zap.Logger
}

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *Ledger) log() *zap.Logger {
	if l.Log != nil {
		return l.Log
	}
	return zap.NewNop()
}

// SubmitRating stores one side's rating. The company rates the guard and the
// guard rates the company; each may do so exactly once, and only after the
// job completed. Returns the record plus whether the ledger is now complete.
func (l *Ledger) SubmitRating(ctx context.Context, workflowID string, actor workflow.Actor, score float64, comment string) (domain.RatingRecord, error) {
	if score < l.Min || score > l.Max {
		return domain.RatingRecord{}, workflow.RatingOutOfRangeError{Rating: score, Min: l.Min, Max: l.Max}
	}

	var rec domain.RatingRecord
	complete := false
	err := l.Engine.WithLock(workflowID, func() error {
		tx, err := l.Engine.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		w, err := l.Engine.Repo.GetWorkflowTx(ctx, tx, workflowID)
		if err != nil {
			return err
		}
		state := workflow.State(w.State)
		if state != workflow.StateCompleted && state != workflow.StateRated {
			return workflow.InvalidStateForRatingError{State: state}
		}
		role, err := raterRole(w, actor)
		if err != nil {
			return err
		}
		if _, err := l.Engine.Repo.GetRatingTx(ctx, tx, workflowID, role); err == nil {
			return workflow.DuplicateRatingError{WorkflowID: workflowID, RaterRole: role}
		} else if err != repo.ErrNotFound {
			return err
		}
		rec = domain.RatingRecord{
			WorkflowID:  workflowID,
			RaterRole:   role,
			Rating:      score,
			Comment:     comment,
			SubmittedAt: l.now().UTC().Format(time.RFC3339),
		}
		if err := l.Engine.Repo.InsertRatingTx(ctx, tx, rec); err != nil {
			return err
		}
		n, err := l.Engine.Repo.CountRatingsTx(ctx, tx, workflowID)
		if err != nil {
			return err
		}
		if err := l.Engine.Events.Append(ctx, tx, "rating.submitted", workflowID, "rating", role, actor.ID, events.EventPayload{
			"rater_role": role,
			"rating":     score,
		}); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		complete = n == 2
		return nil
	})
	if err != nil {
		return rec, err
	}

	if complete && l.Coordinator != nil {
		// Payment release rides on its own trigger token; a rail failure here
		// must not unwind an already-committed rating.
		if err := l.Coordinator.OnLedgerComplete(ctx, workflowID); err != nil {
			l.log().Warn("payment release after ledger completion failed",
				zap.String("workflow_id", workflowID),
				zap.Error(err))
		}
	}
	return rec, nil
}

// SweepExpiredWindows flags workflows where one party rated and the other let
// the rating window lapse. Flagged workflows stay in completed; the notice is
// emitted once per workflow.
func (l *Ledger) SweepExpiredWindows(ctx context.Context) (int, error) {
	cutoff := l.now().Add(-l.Window).UTC().Format(time.RFC3339)
	ids, err := l.Engine.Repo.StaleSingleRatings(ctx, string(workflow.StateCompleted), cutoff)
	if err != nil {
		return 0, err
	}
	flagged := 0
	for _, id := range ids {
		err := l.Engine.WithLock(id, func() error {
			tx, err := l.Engine.DB.BeginTx(ctx, nil)
			if err != nil {
				return err
			}
			defer tx.Rollback()
			if err := l.Engine.Repo.MarkRatingWindowNotifiedTx(ctx, tx, id); err != nil {
				return err
			}
			if err := l.Engine.Events.Append(ctx, tx, "rating.window.expired", id, "rating", id, workflow.SystemActor.ID, nil); err != nil {
				return err
			}
			return tx.Commit()
		})
		if err != nil {
			l.log().Warn("rating window sweep failed", zap.String("workflow_id", id), zap.Error(err))
			continue
		}
		flagged++
	}
	return flagged, nil
}

// RunSweeper loops SweepExpiredWindows until the context is cancelled.
func (l *Ledger) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.SweepExpiredWindows(ctx); err != nil {
				l.log().Warn("rating window sweep failed", zap.Error(err))
			}
		}
	}
}

func raterRole(w domain.JobWorkflow, actor workflow.Actor) (string, error) {
	switch {
	case actor.ID == w.CompanyID:
		return "company", nil
	case w.SelectedGuardID != nil && actor.ID == *w.SelectedGuardID:
		return "guard", nil
	}
	return "", workflow.UnauthorizedError{ActorID: actor.ID, From: workflow.State(w.State), To: workflow.State(w.State)}
}
