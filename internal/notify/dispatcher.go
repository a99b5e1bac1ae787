package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"guardline/internal/domain"
	"guardline/internal/workflow"
)

// Notifier delivers a notification to one participant. Delivery is
// best-effort; the workflow never blocks on it.
type Notifier interface {
	Notify(ctx context.Context, recipientID, title, body string, payload map[string]any) error
}

// ThreadFactory creates a chat thread in the external messaging system and
// returns its id. The workflow keeps only a weak reference to the thread.
type ThreadFactory interface {
	CreateThread(ctx context.Context, participants []string, subject string) (string, error)
}

// Dispatcher fans committed transitions out to notifications and chat-thread
// creation. It runs effects on their own goroutines so a slow or dead
// downstream never holds up a transition response.
type Dispatcher struct {
	Engine   *workflow.Engine
	Notifier Notifier
	Threads  ThreadFactory
	Timeout  time.Duration
	Log      *zap.Logger
}

func (d *Dispatcher) log() *zap.Logger {
	if d.Log != nil {
		return d.Log
	}
	return zap.NewNop()
}

func (d *Dispatcher) timeout() time.Duration {
	if d.Timeout > 0 {
		return d.Timeout
	}
	return 10 * time.Second
}

// TransitionCommitted implements workflow.Dispatcher.
func (d *Dispatcher) TransitionCommitted(w domain.JobWorkflow, t domain.WorkflowTransition) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout())
		defer cancel()
		d.apply(ctx, w, t)
	}()
}

func (d *Dispatcher) apply(ctx context.Context, w domain.JobWorkflow, t domain.WorkflowTransition) {
	switch workflow.State(t.ToState) {
	case workflow.StateUnderReview:
		d.notify(ctx, w.CompanyID, "New application",
			fmt.Sprintf("A guard applied to %q.", w.Title), w, t)
	case workflow.StateAccepted:
		d.openThread(ctx, w, t)
		if w.SelectedGuardID != nil {
			d.notify(ctx, *w.SelectedGuardID, "Application accepted",
				fmt.Sprintf("You were selected for %q.", w.Title), w, t)
		}
	case workflow.StateInProgress:
		d.notify(ctx, w.CompanyID, "Job started",
			fmt.Sprintf("Work on %q has started.", w.Title), w, t)
	case workflow.StateCompleted:
		d.notify(ctx, w.CompanyID, "Job completed",
			fmt.Sprintf("Work on %q is done. Please submit your rating.", w.Title), w, t)
		if w.SelectedGuardID != nil {
			d.notify(ctx, *w.SelectedGuardID, "Job completed",
				fmt.Sprintf("Please submit your rating for %q.", w.Title), w, t)
		}
	case workflow.StatePaid:
		if w.SelectedGuardID != nil {
			d.notify(ctx, *w.SelectedGuardID, "Payment released",
				fmt.Sprintf("Payment for %q is on its way.", w.Title), w, t)
		}
	case workflow.StateCancelled:
		for _, id := range counterparties(w, t.ActorID) {
			d.notify(ctx, id, "Job cancelled",
				fmt.Sprintf("%q was cancelled: %s", w.Title, t.Reason), w, t)
		}
	}
}

func (d *Dispatcher) notify(ctx context.Context, recipientID, title, body string, w domain.JobWorkflow, t domain.WorkflowTransition) {
	if d.Notifier == nil || recipientID == "" {
		return
	}
	payload := map[string]any{
		"workflow_id": w.ID,
		"state":       t.ToState,
	}
	if err := d.Notifier.Notify(ctx, recipientID, title, body, payload); err != nil {
		d.log().Warn("notification delivery failed",
			zap.String("workflow_id", w.ID),
			zap.String("recipient", recipientID),
			zap.Error(err))
	}
}

// openThread creates the company/guard conversation on acceptance and writes
// the reference back. Failures are logged; the acceptance stands either way.
func (d *Dispatcher) openThread(ctx context.Context, w domain.JobWorkflow, t domain.WorkflowTransition) {
	if d.Threads == nil || w.SelectedGuardID == nil || w.ConversationID != nil {
		return
	}
	threadID, err := d.Threads.CreateThread(ctx, []string{w.CompanyID, *w.SelectedGuardID}, w.Title)
	if err != nil {
		d.log().Warn("conversation creation failed",
			zap.String("workflow_id", w.ID),
			zap.Error(err))
		return
	}
	if err := d.Engine.SetConversationRef(ctx, w.ID, threadID, workflow.SystemActor.ID); err != nil {
		d.log().Warn("conversation reference write failed",
			zap.String("workflow_id", w.ID),
			zap.String("thread_id", threadID),
			zap.Error(err))
	}
}

func counterparties(w domain.JobWorkflow, actorID string) []string {
	var ids []string
	if w.CompanyID != "" && w.CompanyID != actorID {
		ids = append(ids, w.CompanyID)
	}
	guard := w.SelectedGuardID
	if guard == nil {
		guard = w.ApplicantID
	}
	if guard != nil && *guard != actorID {
		ids = append(ids, *guard)
	}
	return ids
}
