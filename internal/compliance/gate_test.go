package compliance_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"guardline/internal/compliance"
	"guardline/internal/domain"
	"guardline/internal/workflow"
)

type countingVerifier struct {
	companyCalls int
	guardCalls   int
	verified     bool
	err          error
}

func (v *countingVerifier) VerifyCompany(ctx context.Context, registrationID string) (compliance.CompanyVerification, error) {
	v.companyCalls++
	return compliance.CompanyVerification{Verified: v.verified}, v.err
}

func (v *countingVerifier) VerifyGuardCertificate(ctx context.Context, certificateID string) (bool, error) {
	v.guardCalls++
	return v.verified, v.err
}

func newGate(v compliance.Verifier, now time.Time) *compliance.Gate {
	return &compliance.Gate{
		Verifier:    v,
		MinimumRate: 12.0,
		SnapshotTTL: 24 * time.Hour,
		Timeout:     time.Second,
		Now:         func() time.Time { return now },
	}
}

func TestCheckRateFloor(t *testing.T) {
	g := newGate(&countingVerifier{verified: true}, time.Now())
	if err := g.CheckRate(12.0); err != nil {
		t.Fatalf("rate at floor must pass: %v", err)
	}
	err := g.CheckRate(11.99)
	var rb workflow.RateBelowMinimumError
	if !errors.As(err, &rb) {
		t.Fatalf("expected RateBelowMinimumError, got %v", err)
	}
}

func TestCheckCompanyRecordsSnapshot(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := &countingVerifier{verified: true}
	g := newGate(v, now)
	w := domain.JobWorkflow{ID: "job-1", CompanyID: "acme"}
	if err := g.CheckCompany(context.Background(), &w, "reg-1"); err != nil {
		t.Fatalf("check company: %v", err)
	}
	if !w.CompanyVerified || w.CompanyVerifiedAt == nil {
		t.Fatal("snapshot not recorded")
	}
	if v.companyCalls != 1 {
		t.Fatalf("verifier calls = %d", v.companyCalls)
	}
}

func TestFreshSnapshotSkipsVerifier(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := &countingVerifier{verified: true}
	g := newGate(v, now)
	at := now.Add(-time.Hour).Format(time.RFC3339)
	w := domain.JobWorkflow{ID: "job-1", CompanyID: "acme", CompanyVerified: true, CompanyVerifiedAt: &at}
	if err := g.CheckCompany(context.Background(), &w, "reg-1"); err != nil {
		t.Fatalf("check company: %v", err)
	}
	if v.companyCalls != 0 {
		t.Fatalf("fresh snapshot must not hit verifier, calls = %d", v.companyCalls)
	}
}

func TestStaleSnapshotReverifies(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := &countingVerifier{verified: true}
	g := newGate(v, now)
	at := now.Add(-25 * time.Hour).Format(time.RFC3339)
	w := domain.JobWorkflow{ID: "job-1", CompanyID: "acme", CompanyVerified: true, CompanyVerifiedAt: &at}
	if err := g.CheckCompany(context.Background(), &w, "reg-1"); err != nil {
		t.Fatalf("check company: %v", err)
	}
	if v.companyCalls != 1 {
		t.Fatalf("stale snapshot must re-verify, calls = %d", v.companyCalls)
	}
	if *w.CompanyVerifiedAt != now.Format(time.RFC3339) {
		t.Fatal("snapshot timestamp not refreshed")
	}
}

func TestVerifierFailureWrapsError(t *testing.T) {
	v := &countingVerifier{err: errors.New("service down")}
	g := newGate(v, time.Now())
	w := domain.JobWorkflow{ID: "job-1", CompanyID: "acme"}
	err := g.CheckCompany(context.Background(), &w, "reg-1")
	var cf workflow.ComplianceCheckFailedError
	if !errors.As(err, &cf) {
		t.Fatalf("expected ComplianceCheckFailedError, got %v", err)
	}
	if w.CompanyVerified {
		t.Fatal("failed check must not record a snapshot")
	}
}

func TestGuardCertificateDenied(t *testing.T) {
	v := &countingVerifier{verified: false}
	g := newGate(v, time.Now())
	w := domain.JobWorkflow{ID: "job-1", CompanyID: "acme"}
	err := g.CheckGuard(context.Background(), &w, "guard-7", "cert-bad")
	var gn workflow.GuardNotCertifiedError
	if !errors.As(err, &gn) {
		t.Fatalf("expected GuardNotCertifiedError, got %v", err)
	}
}
