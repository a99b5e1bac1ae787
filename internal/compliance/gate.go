package compliance

import (
	"context"
	"time"

	"guardline/internal/domain"
	"guardline/internal/workflow"
)

// CompanyVerification is the result of a company registration check.
type CompanyVerification struct {
	Verified    bool
	DisplayName string
}

// Verifier is the external identity-verification collaborator. Calls are
// network I/O and may fail or time out.
type Verifier interface {
	VerifyCompany(ctx context.Context, registrationID string) (CompanyVerification, error)
	VerifyGuardCertificate(ctx context.Context, certificateID string) (bool, error)
}

// Gate blocks job creation and guard applications unless verification
// predicates hold. Verification results are cached on the workflow's
// compliance snapshot; a snapshot older than SnapshotTTL is re-verified.
type Gate struct {
	Verifier    Verifier
	MinimumRate float64
	SnapshotTTL time.Duration
	Timeout     time.Duration
	Now         func() time.Time
}

func (g *Gate) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// CheckRate enforces the statutory rate floor.
func (g *Gate) CheckRate(rate float64) error {
	if rate < g.MinimumRate {
		return workflow.RateBelowMinimumError{Rate: rate, Minimum: g.MinimumRate}
	}
	return nil
}

// CheckCompany verifies company registration and records the snapshot on the
// workflow. A fresh positive snapshot short-circuits the external call.
func (g *Gate) CheckCompany(ctx context.Context, w *domain.JobWorkflow, registrationID string) error {
	if w.CompanyVerified && g.fresh(w.CompanyVerifiedAt) {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, g.Timeout)
	defer cancel()
	res, err := g.Verifier.VerifyCompany(ctx, registrationID)
	if err != nil {
		return workflow.ComplianceCheckFailedError{Err: err}
	}
	if !res.Verified {
		return workflow.CompanyUnverifiedError{CompanyID: w.CompanyID}
	}
	now := g.now().UTC().Format(time.RFC3339)
	w.CompanyVerified = true
	w.CompanyVerifiedAt = &now
	return nil
}

// CheckGuard verifies the applying guard's professional certification and
// records the snapshot on the workflow.
func (g *Gate) CheckGuard(ctx context.Context, w *domain.JobWorkflow, guardID, certificateID string) error {
	if w.GuardVerified && g.fresh(w.GuardVerifiedAt) {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, g.Timeout)
	defer cancel()
	ok, err := g.Verifier.VerifyGuardCertificate(ctx, certificateID)
	if err != nil {
		return workflow.ComplianceCheckFailedError{Err: err}
	}
	if !ok {
		return workflow.GuardNotCertifiedError{GuardID: guardID}
	}
	now := g.now().UTC().Format(time.RFC3339)
	w.GuardVerified = true
	w.GuardVerifiedAt = &now
	return nil
}

func (g *Gate) fresh(verifiedAt *string) bool {
	if verifiedAt == nil {
		return false
	}
	at, err := time.Parse(time.RFC3339, *verifiedAt)
	if err != nil {
		return false
	}
	return g.now().Sub(at) < g.SnapshotTTL
}
