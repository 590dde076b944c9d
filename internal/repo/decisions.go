package repo

import (
	"context"
	"database/sql"

	"taskmaster/internal/domain"
)

func (r Repo) InsertDecisionTx(ctx context.Context, tx *sql.Tx, d domain.Decision) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO decisions(id,request_id,unit_id,role,approved,escalated,confidence,threshold,reason,actor_id,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.RequestID, nullable(d.UnitID), string(d.Role), boolInt(d.Approved), boolInt(d.Escalated), d.Confidence, d.Threshold,
		nullable(d.Reason), nullable(d.ActorID), formatTime(d.CreatedAt))
	return err
}

// ListDecisions returns a request's decisions oldest first. An empty unitID
// includes request-level decisions.
func (r Repo) ListDecisions(ctx context.Context, requestID, unitID string) ([]domain.Decision, error) {
	query := `SELECT id,request_id,COALESCE(unit_id,''),role,approved,escalated,confidence,threshold,COALESCE(reason,''),COALESCE(actor_id,''),created_at FROM decisions WHERE request_id=?`
	args := []any{requestID}
	if unitID != "" {
		query += ` AND unit_id=?`
		args = append(args, unitID)
	}
	rows, err := r.DB.QueryContext(ctx, query+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Decision
	for rows.Next() {
		var (
			d                   domain.Decision
			role, created       string
			approved, escalated int
		)
		if err := rows.Scan(&d.ID, &d.RequestID, &d.UnitID, &role, &approved, &escalated, &d.Confidence, &d.Threshold, &d.Reason, &d.ActorID, &created); err != nil {
			return nil, err
		}
		d.Role = domain.Role(role)
		d.Approved = approved != 0
		d.Escalated = escalated != 0
		if d.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// CountAutoApprovals reports how many unit decisions of a request were automatic approvals.
func (r Repo) CountAutoApprovals(ctx context.Context, requestID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM decisions WHERE request_id=? AND unit_id IS NOT NULL AND role=? AND approved=1`,
		requestID, string(domain.RoleAuto)).Scan(&n)
	return n, err
}

func (r Repo) InsertFeedbackTx(ctx context.Context, tx *sql.Tx, f domain.Feedback) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO feedback(id,request_id,unit_id,score,comment,actor_id,created_at) VALUES (?,?,?,?,?,?,?)`,
		f.ID, f.RequestID, f.UnitID, f.Score, nullable(f.Comment), f.ActorID, formatTime(f.CreatedAt))
	return err
}

// ListFeedback returns all feedback oldest first, optionally for one unit.
func (r Repo) ListFeedback(ctx context.Context, unitID string) ([]domain.Feedback, error) {
	query := `SELECT id,request_id,unit_id,score,COALESCE(comment,''),actor_id,created_at FROM feedback`
	var args []any
	if unitID != "" {
		query += ` WHERE unit_id=?`
		args = append(args, unitID)
	}
	rows, err := r.DB.QueryContext(ctx, query+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Feedback
	for rows.Next() {
		var f domain.Feedback
		var created string
		if err := rows.Scan(&f.ID, &f.RequestID, &f.UnitID, &f.Score, &f.Comment, &f.ActorID, &created); err != nil {
			return nil, err
		}
		if f.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}
