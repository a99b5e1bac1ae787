package workflow_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"guardline/internal/compliance"
	"guardline/internal/db"
	"guardline/internal/migrate"
	"guardline/internal/repo"
	"guardline/internal/workflow"
)

type testEnv struct {
	Engine *workflow.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	gate := &compliance.Gate{
		Verifier:    compliance.StaticVerifier{},
		MinimumRate: 12.0,
		SnapshotTTL: 24 * time.Hour,
		Timeout:     time.Second,
	}
	eng := workflow.New(conn, gate, nil)
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func createJob(t *testing.T, env testEnv) string {
	t.Helper()
	w, err := env.Engine.CreateJob(env.Ctx, workflow.CreateJobOptions{
		ID:         "job-1",
		CompanyID:  "acme",
		Title:      "Night shift at warehouse",
		HourlyRate: 20,
		ActorID:    "acme",
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if w.State != "posted" {
		t.Fatalf("state after create = %s", w.State)
	}
	return w.ID
}

func TestCreateJobRecordsInitialTransition(t *testing.T) {
	env := newTestEnv(t)
	id := createJob(t, env)

	history, err := env.Engine.Repo.ListTransitions(env.Ctx, id)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 transition, got %d", len(history))
	}
	if history[0].FromState != "" || history[0].ToState != "posted" {
		t.Fatalf("initial transition = %s -> %s", history[0].FromState, history[0].ToState)
	}

	trigger, err := env.Engine.Repo.GetPaymentTrigger(env.Ctx, id)
	if err != nil {
		t.Fatalf("payment trigger: %v", err)
	}
	if trigger.Triggered {
		t.Fatal("trigger must start unclaimed")
	}
}

func TestCreateJobRejectsRateBelowMinimum(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateJob(env.Ctx, workflow.CreateJobOptions{
		ID: "job-low", CompanyID: "acme", Title: "Cheap gig", HourlyRate: 5, ActorID: "acme",
	})
	var rb workflow.RateBelowMinimumError
	if !errors.As(err, &rb) {
		t.Fatalf("expected RateBelowMinimumError, got %v", err)
	}
	if _, err := env.Engine.Repo.GetWorkflow(env.Ctx, "job-low"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("rejected job must not exist, got %v", err)
	}
}

type denyVerifier struct{}

func (denyVerifier) VerifyCompany(ctx context.Context, registrationID string) (compliance.CompanyVerification, error) {
	return compliance.CompanyVerification{Verified: false}, nil
}

func (denyVerifier) VerifyGuardCertificate(ctx context.Context, certificateID string) (bool, error) {
	return false, nil
}

func TestCreateJobRejectsUnverifiedCompany(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Gate = &compliance.Gate{
		Verifier:    denyVerifier{},
		MinimumRate: 12.0,
		SnapshotTTL: 24 * time.Hour,
		Timeout:     time.Second,
	}
	_, err := env.Engine.CreateJob(env.Ctx, workflow.CreateJobOptions{
		ID: "job-x", CompanyID: "shady", Title: "Gig", HourlyRate: 20, ActorID: "shady",
	})
	var cu workflow.CompanyUnverifiedError
	if !errors.As(err, &cu) {
		t.Fatalf("expected CompanyUnverifiedError, got %v", err)
	}
}

func TestApplyAdvancesToUnderReview(t *testing.T) {
	env := newTestEnv(t)
	id := createJob(t, env)

	w, err := env.Engine.Apply(env.Ctx, id, "guard-7", "cert-7")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if w.State != "under_review" {
		t.Fatalf("state after apply = %s", w.State)
	}
	if w.ApplicantID == nil || *w.ApplicantID != "guard-7" {
		t.Fatal("applicant not recorded")
	}
	history, _ := env.Engine.Repo.ListTransitions(env.Ctx, id)
	if len(history) != 3 {
		t.Fatalf("expected 3 transitions, got %d", len(history))
	}
	if history[2].ActorID != "system" {
		t.Fatalf("auto-review actor = %s", history[2].ActorID)
	}
}

func TestApplyRejectsUncertifiedGuardWithoutStateChange(t *testing.T) {
	env := newTestEnv(t)
	id := createJob(t, env)
	env.Engine.Gate = &compliance.Gate{
		Verifier:    denyVerifier{},
		MinimumRate: 12.0,
		SnapshotTTL: 24 * time.Hour,
		Timeout:     time.Second,
	}
	_, err := env.Engine.Apply(env.Ctx, id, "guard-7", "cert-bad")
	var gn workflow.GuardNotCertifiedError
	if !errors.As(err, &gn) {
		t.Fatalf("expected GuardNotCertifiedError, got %v", err)
	}
	w, _ := env.Engine.Repo.GetWorkflow(env.Ctx, id)
	if w.State != "posted" {
		t.Fatalf("rejected application must leave state unchanged, got %s", w.State)
	}
}

func advanceToCompleted(t *testing.T, env testEnv, id string) {
	t.Helper()
	if _, err := env.Engine.Apply(env.Ctx, id, "guard-7", "cert-7"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	company := workflow.Actor{ID: "acme", Role: workflow.RoleCompany}
	guard := workflow.Actor{ID: "guard-7", Role: workflow.RoleGuard}
	if _, err := env.Engine.Accept(env.Ctx, id, company); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := env.Engine.Start(env.Ctx, id, guard, time.Now()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := env.Engine.Complete(env.Ctx, id, guard, 8.5); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

func TestHappyPathThroughCompleted(t *testing.T) {
	env := newTestEnv(t)
	id := createJob(t, env)
	advanceToCompleted(t, env, id)

	w, _ := env.Engine.Repo.GetWorkflow(env.Ctx, id)
	if w.State != "completed" {
		t.Fatalf("state = %s", w.State)
	}
	if w.SelectedGuardID == nil || *w.SelectedGuardID != "guard-7" {
		t.Fatal("selected guard not recorded on accept")
	}
	if w.ActualStartTime == nil {
		t.Fatal("actual start time not recorded")
	}
	if w.TotalHoursWorked == nil || *w.TotalHoursWorked != 8.5 {
		t.Fatal("total hours not recorded")
	}
	history, _ := env.Engine.Repo.ListTransitions(env.Ctx, id)
	if len(history) != 6 {
		t.Fatalf("expected 6 transitions through completed, got %d", len(history))
	}
}

func TestTransitionAuthorization(t *testing.T) {
	env := newTestEnv(t)
	id := createJob(t, env)
	if _, err := env.Engine.Apply(env.Ctx, id, "guard-7", "cert-7"); err != nil {
		t.Fatalf("apply: %v", err)
	}

	// Only the posting company may accept.
	_, err := env.Engine.Accept(env.Ctx, id, workflow.Actor{ID: "guard-7", Role: workflow.RoleGuard})
	var ua workflow.UnauthorizedError
	if !errors.As(err, &ua) {
		t.Fatalf("expected UnauthorizedError, got %v", err)
	}
	if _, err := env.Engine.Accept(env.Ctx, id, workflow.Actor{ID: "acme", Role: workflow.RoleCompany}); err != nil {
		t.Fatalf("accept by company: %v", err)
	}

	// Only the selected guard may start.
	_, err = env.Engine.Start(env.Ctx, id, workflow.Actor{ID: "guard-9", Role: workflow.RoleGuard}, time.Now())
	if !errors.As(err, &ua) {
		t.Fatalf("expected UnauthorizedError for other guard, got %v", err)
	}
	// An outsider cannot cancel.
	_, err = env.Engine.Cancel(env.Ctx, id, workflow.Actor{ID: "stranger", Role: workflow.RoleGuard}, "nope")
	if !errors.As(err, &ua) {
		t.Fatalf("expected UnauthorizedError for outsider cancel, got %v", err)
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	env := newTestEnv(t)
	id := createJob(t, env)
	_, err := env.Engine.Accept(env.Ctx, id, workflow.Actor{ID: "acme", Role: workflow.RoleCompany})
	var it workflow.InvalidTransitionError
	if !errors.As(err, &it) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
}

func TestCancelledIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	id := createJob(t, env)
	if _, err := env.Engine.Cancel(env.Ctx, id, workflow.Actor{ID: "acme", Role: workflow.RoleCompany}, "weather"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	_, err := env.Engine.Cancel(env.Ctx, id, workflow.Actor{ID: "acme", Role: workflow.RoleCompany}, "again")
	var at workflow.AlreadyTerminalError
	if !errors.As(err, &at) {
		t.Fatalf("expected AlreadyTerminalError, got %v", err)
	}
	_, err = env.Engine.Apply(env.Ctx, id, "guard-7", "cert-7")
	if err == nil {
		t.Fatal("expected apply on cancelled job to fail")
	}
}

func TestConcurrentTransitionsSerialize(t *testing.T) {
	env := newTestEnv(t)
	id := createJob(t, env)

	var wg sync.WaitGroup
	successes := make(chan struct{}, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.Engine.Apply(env.Ctx, id, "guard-7", "cert-7"); err == nil {
				successes <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(successes)
	n := 0
	for range successes {
		n++
	}
	if n != 1 {
		t.Fatalf("expected exactly one successful application, got %d", n)
	}
	history, _ := env.Engine.Repo.ListTransitions(env.Ctx, id)
	if len(history) != 3 {
		t.Fatalf("expected 3 transitions after racing applies, got %d", len(history))
	}
}
