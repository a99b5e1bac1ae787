package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"guardline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const workflowColumns = `id,company_id,applicant_guard_id,selected_guard_id,title,description,hourly_rate,state,
company_verified,guard_verified,rate_compliant,company_verified_at,guard_verified_at,conversation_id,
actual_start_time,total_hours_worked,rating_window_notified,created_at,updated_at`

type workflowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row workflowScanner) (domain.JobWorkflow, error) {
	var w domain.JobWorkflow
	var applicant, selected, description, companyVerifiedAt, guardVerifiedAt, conversation, actualStart sql.NullString
	var totalHours sql.NullFloat64
	var companyVerified, guardVerified, rateCompliant, windowNotified int
	err := row.Scan(&w.ID, &w.CompanyID, &applicant, &selected, &w.Title, &description, &w.HourlyRate, &w.State,
		&companyVerified, &guardVerified, &rateCompliant, &companyVerifiedAt, &guardVerifiedAt, &conversation,
		&actualStart, &totalHours, &windowNotified, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	if applicant.Valid {
		w.ApplicantID = &applicant.String
	}
	if selected.Valid {
		w.SelectedGuardID = &selected.String
	}
	if description.Valid {
		w.Description = description.String
	}
	if companyVerifiedAt.Valid {
		w.CompanyVerifiedAt = &companyVerifiedAt.String
	}
	if guardVerifiedAt.Valid {
		w.GuardVerifiedAt = &guardVerifiedAt.String
	}
	if conversation.Valid {
		w.ConversationID = &conversation.String
	}
	if actualStart.Valid {
		w.ActualStartTime = &actualStart.String
	}
	if totalHours.Valid {
		w.TotalHoursWorked = &totalHours.Float64
	}
	w.CompanyVerified = companyVerified != 0
	w.GuardVerified = guardVerified != 0
	w.RateCompliant = rateCompliant != 0
	w.RatingWindowNotified = windowNotified != 0
	return w, nil
}

func (r Repo) InsertWorkflowTx(ctx context.Context, tx *sql.Tx, w domain.JobWorkflow) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workflows(`+workflowColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.CompanyID, nullableStringPtr(w.ApplicantID), nullableStringPtr(w.SelectedGuardID), w.Title, nullable(w.Description),
		w.HourlyRate, w.State, boolInt(w.CompanyVerified), boolInt(w.GuardVerified), boolInt(w.RateCompliant),
		nullableStringPtr(w.CompanyVerifiedAt), nullableStringPtr(w.GuardVerifiedAt), nullableStringPtr(w.ConversationID),
		nullableStringPtr(w.ActualStartTime), nullableFloatPtr(w.TotalHoursWorked), boolInt(w.RatingWindowNotified),
		w.CreatedAt, w.UpdatedAt)
	return err
}

func (r Repo) UpdateWorkflowTx(ctx context.Context, tx *sql.Tx, w domain.JobWorkflow) error {
	res, err := tx.ExecContext(ctx, `UPDATE workflows SET applicant_guard_id=?, selected_guard_id=?, state=?,
company_verified=?, guard_verified=?, rate_compliant=?, company_verified_at=?, guard_verified_at=?, conversation_id=?,
actual_start_time=?, total_hours_worked=?, rating_window_notified=?, updated_at=? WHERE id=?`,
		nullableStringPtr(w.ApplicantID), nullableStringPtr(w.SelectedGuardID), w.State,
		boolInt(w.CompanyVerified), boolInt(w.GuardVerified), boolInt(w.RateCompliant),
		nullableStringPtr(w.CompanyVerifiedAt), nullableStringPtr(w.GuardVerifiedAt), nullableStringPtr(w.ConversationID),
		nullableStringPtr(w.ActualStartTime), nullableFloatPtr(w.TotalHoursWorked), boolInt(w.RatingWindowNotified),
		w.UpdatedAt, w.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetWorkflow(ctx context.Context, id string) (domain.JobWorkflow, error) {
	return scanWorkflow(r.DB.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id=?`, id))
}

func (r Repo) GetWorkflowTx(ctx context.Context, tx *sql.Tx, id string) (domain.JobWorkflow, error) {
	return scanWorkflow(tx.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id=?`, id))
}

type WorkflowFilters struct {
	CompanyID       string
	GuardID         string
	State           string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListWorkflows(ctx context.Context, f WorkflowFilters) ([]domain.JobWorkflow, error) {
	var clauses []string
	var args []any
	if f.CompanyID != "" {
		clauses = append(clauses, "company_id=?")
		args = append(args, f.CompanyID)
	}
	if f.GuardID != "" {
		clauses = append(clauses, "(applicant_guard_id=? OR selected_guard_id=?)")
		args = append(args, f.GuardID, f.GuardID)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + workflowColumns + ` FROM workflows ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.JobWorkflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func (r Repo) AppendTransitionTx(ctx context.Context, tx *sql.Tx, t domain.WorkflowTransition) error {
	var metadata any
	if len(t.Metadata) > 0 {
		data, err := json.Marshal(t.Metadata)
		if err != nil {
			return fmt.Errorf("marshal transition metadata: %w", err)
		}
		metadata = string(data)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO workflow_transitions(workflow_id,from_state,to_state,actor_id,reason,metadata_json,ts)
VALUES (?,?,?,?,?,?,?)`,
		t.WorkflowID, t.FromState, t.ToState, t.ActorID, nullable(t.Reason), metadata, t.TS)
	return err
}

func (r Repo) ListTransitions(ctx context.Context, workflowID string) ([]domain.WorkflowTransition, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,workflow_id,from_state,to_state,actor_id,reason,metadata_json,ts
FROM workflow_transitions WHERE workflow_id=? ORDER BY id ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowTransition
	for rows.Next() {
		var t domain.WorkflowTransition
		var reason, metadata sql.NullString
		if err := rows.Scan(&t.ID, &t.WorkflowID, &t.FromState, &t.ToState, &t.ActorID, &reason, &metadata, &t.TS); err != nil {
			return nil, err
		}
		if reason.Valid {
			t.Reason = reason.String
		}
		if metadata.Valid && metadata.String != "" {
			_ = json.Unmarshal([]byte(metadata.String), &t.Metadata)
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) InsertRatingTx(ctx context.Context, tx *sql.Tx, rec domain.RatingRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO rating_records(workflow_id,rater_role,rating,comment,submitted_at) VALUES (?,?,?,?,?)`,
		rec.WorkflowID, rec.RaterRole, rec.Rating, nullable(rec.Comment), rec.SubmittedAt)
	return err
}

func (r Repo) GetRatingTx(ctx context.Context, tx *sql.Tx, workflowID, raterRole string) (domain.RatingRecord, error) {
	var rec domain.RatingRecord
	var comment sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT workflow_id,rater_role,rating,comment,submitted_at FROM rating_records WHERE workflow_id=? AND rater_role=?`,
		workflowID, raterRole).Scan(&rec.WorkflowID, &rec.RaterRole, &rec.Rating, &comment, &rec.SubmittedAt)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if comment.Valid {
		rec.Comment = comment.String
	}
	return rec, err
}

func (r Repo) ListRatings(ctx context.Context, workflowID string) ([]domain.RatingRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT workflow_id,rater_role,rating,comment,submitted_at FROM rating_records WHERE workflow_id=? ORDER BY submitted_at ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RatingRecord
	for rows.Next() {
		var rec domain.RatingRecord
		var comment sql.NullString
		if err := rows.Scan(&rec.WorkflowID, &rec.RaterRole, &rec.Rating, &comment, &rec.SubmittedAt); err != nil {
			return nil, err
		}
		if comment.Valid {
			rec.Comment = comment.String
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

func (r Repo) CountRatingsTx(ctx context.Context, tx *sql.Tx, workflowID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM rating_records WHERE workflow_id=?`, workflowID).Scan(&n)
	return n, err
}

func (r Repo) InsertPaymentTriggerTx(ctx context.Context, tx *sql.Tx, workflowID string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO payment_triggers(workflow_id,triggered) VALUES (?,0)`, workflowID)
	return err
}

func (r Repo) GetPaymentTrigger(ctx context.Context, workflowID string) (domain.PaymentTrigger, error) {
	var t domain.PaymentTrigger
	var triggered int
	var triggeredAt, reference sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT workflow_id,triggered,triggered_at,reference_id FROM payment_triggers WHERE workflow_id=?`,
		workflowID).Scan(&t.WorkflowID, &triggered, &triggeredAt, &reference)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Triggered = triggered != 0
	if triggeredAt.Valid {
		t.TriggeredAt = &triggeredAt.String
	}
	if reference.Valid {
		t.ReferenceID = &reference.String
	}
	return t, nil
}

// ClaimPaymentTriggerTx flips the at-most-once token. Exactly one caller per
// workflow observes true; everyone else sees the token already set.
func (r Repo) ClaimPaymentTriggerTx(ctx context.Context, tx *sql.Tx, workflowID, at string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE payment_triggers SET triggered=1, triggered_at=? WHERE workflow_id=? AND triggered=0`,
		at, workflowID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r Repo) SetPaymentReferenceTx(ctx context.Context, tx *sql.Tx, workflowID, referenceID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE payment_triggers SET reference_id=? WHERE workflow_id=?`, referenceID, workflowID)
	return err
}

// StaleSingleRatings returns workflows still in the given state with exactly
// one rating submitted before the cutoff and no expiry notice sent yet.
func (r Repo) StaleSingleRatings(ctx context.Context, state, cutoff string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT w.id FROM workflows w
JOIN rating_records rr ON rr.workflow_id = w.id
WHERE w.state=? AND w.rating_window_notified=0
GROUP BY w.id
HAVING count(*) = 1 AND max(rr.submitted_at) < ?`, state, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) MarkRatingWindowNotifiedTx(ctx context.Context, tx *sql.Tx, workflowID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE workflows SET rating_window_notified=1 WHERE id=?`, workflowID)
	return err
}

func (r Repo) LatestEvents(ctx context.Context, limit int, cursor int64, workflowID, evtType string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if workflowID != "" {
		clauses = append(clauses, "workflow_id=?")
		args = append(args, workflowID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,workflow_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,type,workflow_id,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var workflowID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &workflowID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if workflowID.Valid {
			e.WorkflowID = workflowID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
