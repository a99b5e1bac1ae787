package payment_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"guardline/internal/compliance"
	"guardline/internal/db"
	"guardline/internal/migrate"
	"guardline/internal/payment"
	"guardline/internal/workflow"
)

type fakeInitiator struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (f *fakeInitiator) Initiate(ctx context.Context, workflowID, payeeID string, amount float64) (payment.Initiation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return payment.Initiation{}, errors.New("rail unavailable")
	}
	return payment.Initiation{Accepted: true, ReferenceID: "ref-42"}, nil
}

func (f *fakeInitiator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type testEnv struct {
	Engine      *workflow.Engine
	Coordinator *payment.Coordinator
	Initiator   *fakeInitiator
	Ctx         context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
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
	init := &fakeInitiator{}
	coord := &payment.Coordinator{Engine: eng, Initiator: init, Timeout: time.Second}
	return testEnv{Engine: eng, Coordinator: coord, Initiator: init, Ctx: context.Background()}
}

func completedJob(t *testing.T, env testEnv) string {
	t.Helper()
	w, err := env.Engine.CreateJob(env.Ctx, workflow.CreateJobOptions{
		ID: "job-1", CompanyID: "acme", Title: "Patrol", HourlyRate: 20, ActorID: "acme",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.Engine.Apply(env.Ctx, w.ID, "guard-7", "cert-7"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	company := workflow.Actor{ID: "acme", Role: workflow.RoleCompany}
	guard := workflow.Actor{ID: "guard-7", Role: workflow.RoleGuard}
	if _, err := env.Engine.Accept(env.Ctx, w.ID, company); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := env.Engine.Start(env.Ctx, w.ID, guard, time.Now()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := env.Engine.Complete(env.Ctx, w.ID, guard, 8); err != nil {
		t.Fatalf("complete: %v", err)
	}
	return w.ID
}

func TestOnLedgerCompleteReleasesPayment(t *testing.T) {
	env := newTestEnv(t)
	id := completedJob(t, env)

	if err := env.Coordinator.OnLedgerComplete(env.Ctx, id); err != nil {
		t.Fatalf("on ledger complete: %v", err)
	}
	w, _ := env.Engine.Repo.GetWorkflow(env.Ctx, id)
	if w.State != "paid" {
		t.Fatalf("state = %s", w.State)
	}
	trigger, _ := env.Engine.Repo.GetPaymentTrigger(env.Ctx, id)
	if !trigger.Triggered || trigger.ReferenceID == nil || *trigger.ReferenceID != "ref-42" {
		t.Fatalf("trigger = %+v", trigger)
	}
	history, _ := env.Engine.Repo.ListTransitions(env.Ctx, id)
	last := history[len(history)-1]
	if last.FromState != "rated" || last.ToState != "paid" {
		t.Fatalf("last transition %s -> %s", last.FromState, last.ToState)
	}
	if last.Metadata["reference_id"] != "ref-42" {
		t.Fatalf("reference metadata = %v", last.Metadata)
	}
}

func TestOnLedgerCompleteNoopBeforeCompleted(t *testing.T) {
	env := newTestEnv(t)
	w, err := env.Engine.CreateJob(env.Ctx, workflow.CreateJobOptions{
		ID: "job-1", CompanyID: "acme", Title: "Patrol", HourlyRate: 20, ActorID: "acme",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := env.Coordinator.OnLedgerComplete(env.Ctx, w.ID); err != nil {
		t.Fatalf("noop expected, got %v", err)
	}
	if env.Initiator.callCount() != 0 {
		t.Fatal("initiator must not be called")
	}
	trigger, _ := env.Engine.Repo.GetPaymentTrigger(env.Ctx, w.ID)
	if trigger.Triggered {
		t.Fatal("trigger must remain unclaimed")
	}
}

func TestExactlyOnceUnderConcurrency(t *testing.T) {
	env := newTestEnv(t)
	id := completedJob(t, env)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = env.Coordinator.OnLedgerComplete(env.Ctx, id)
		}()
	}
	wg.Wait()
	if n := env.Initiator.callCount(); n != 1 {
		t.Fatalf("expected exactly one initiation, got %d", n)
	}
	w, _ := env.Engine.Repo.GetWorkflow(env.Ctx, id)
	if w.State != "paid" {
		t.Fatalf("state = %s", w.State)
	}
}

func TestFailedInitiationStaysRatedAndRetries(t *testing.T) {
	env := newTestEnv(t)
	id := completedJob(t, env)
	env.Initiator.fail = true

	err := env.Coordinator.OnLedgerComplete(env.Ctx, id)
	var pi workflow.PaymentInitiationError
	if !errors.As(err, &pi) {
		t.Fatalf("expected PaymentInitiationError, got %v", err)
	}
	w, _ := env.Engine.Repo.GetWorkflow(env.Ctx, id)
	if w.State != "rated" {
		t.Fatalf("state after failure = %s", w.State)
	}
	trigger, _ := env.Engine.Repo.GetPaymentTrigger(env.Ctx, id)
	if !trigger.Triggered || trigger.ReferenceID != nil {
		t.Fatalf("trigger = %+v", trigger)
	}

	env.Initiator.fail = false
	if err := env.Coordinator.RetryInitiation(env.Ctx, id); err != nil {
		t.Fatalf("retry: %v", err)
	}
	w, _ = env.Engine.Repo.GetWorkflow(env.Ctx, id)
	if w.State != "paid" {
		t.Fatalf("state after retry = %s", w.State)
	}
}

func TestRetryRequiresRatedState(t *testing.T) {
	env := newTestEnv(t)
	id := completedJob(t, env)
	err := env.Coordinator.RetryInitiation(env.Ctx, id)
	var it workflow.InvalidTransitionError
	if !errors.As(err, &it) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
}

func TestRetrySkipsRailWhenReferenceExists(t *testing.T) {
	env := newTestEnv(t)
	id := completedJob(t, env)
	env.Initiator.fail = true
	_ = env.Coordinator.OnLedgerComplete(env.Ctx, id)

	// Simulate a crash between a successful initiation and the rated->paid
	// commit: the reference is stored but the workflow is still rated.
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := env.Engine.Repo.SetPaymentReferenceTx(env.Ctx, tx, id, "ref-recovered"); err != nil {
		t.Fatalf("set reference: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	before := env.Initiator.callCount()
	if err := env.Coordinator.RetryInitiation(env.Ctx, id); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if env.Initiator.callCount() != before {
		t.Fatal("retry with stored reference must not hit the rail again")
	}
	w, _ := env.Engine.Repo.GetWorkflow(env.Ctx, id)
	if w.State != "paid" {
		t.Fatalf("state = %s", w.State)
	}
}
