package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"taskmaster/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const unitColumns = `id,request_id,parent_id,seq,title,description,priority,due_date,status,awaiting_event,attempts,rejections,failed,not_before,details,confidence,approved_by,approved_at,started_at,last_sample_json,created_at,updated_at`

func (r Repo) InsertRequest(ctx context.Context, tx *sql.Tx, req domain.Request) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO requests(id,description,split_details,status,approved,approved_by,confidence,created_at,completed_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		req.ID, req.Description, nullable(req.SplitDetails), string(req.Status), boolInt(req.Approved), nullable(string(req.ApprovedBy)),
		nullableFloat(req.Confidence), formatTime(req.CreatedAt), nullableTime(req.CompletedAt))
	return err
}

func (r Repo) UpdateRequest(ctx context.Context, tx *sql.Tx, req domain.Request) error {
	res, err := tx.ExecContext(ctx, `UPDATE requests SET status=?,approved=?,approved_by=?,confidence=?,completed_at=? WHERE id=?`,
		string(req.Status), boolInt(req.Approved), nullable(string(req.ApprovedBy)), nullableFloat(req.Confidence), nullableTime(req.CompletedAt), req.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteRequest(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM requests WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRequests returns requests without their units, newest first.
func (r Repo) ListRequests(ctx context.Context) ([]domain.Request, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,description,COALESCE(split_details,''),status,approved,COALESCE(approved_by,''),confidence,created_at,completed_at FROM requests ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Request
	for rows.Next() {
		var (
			req        domain.Request
			status     string
			approvedBy string
			approved   int
			conf       sql.NullFloat64
			created    string
			completed  sql.NullString
		)
		if err := rows.Scan(&req.ID, &req.Description, &req.SplitDetails, &status, &approved, &approvedBy, &conf, &created, &completed); err != nil {
			return nil, err
		}
		req.Status = domain.RequestStatus(status)
		req.Approved = approved != 0
		req.ApprovedBy = domain.Role(approvedBy)
		req.Confidence = floatPtr(conf)
		if req.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if req.CompletedAt, err = parseTimePtr(completed); err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

func (r Repo) InsertUnit(ctx context.Context, tx *sql.Tx, u domain.Unit) error {
	args, err := unitArgs(u)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO units(`+unitColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...)
	return err
}

func (r Repo) UpdateUnit(ctx context.Context, tx *sql.Tx, u domain.Unit) error {
	args, err := unitArgs(u)
	if err != nil {
		return err
	}
	// drop id,request_id,parent_id,seq and created_at; append id for WHERE
	set := append(args[4:20:20], args[21], u.ID)
	res, err := tx.ExecContext(ctx, `UPDATE units SET title=?,description=?,priority=?,due_date=?,status=?,awaiting_event=?,attempts=?,rejections=?,failed=?,not_before=?,details=?,confidence=?,approved_by=?,approved_at=?,started_at=?,last_sample_json=?,updated_at=? WHERE id=?`, set...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteUnit(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM units WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetUnit(ctx context.Context, id string) (domain.Unit, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+unitColumns+` FROM units WHERE id=?`, id)
	if err != nil {
		return domain.Unit{}, err
	}
	units, err := scanUnits(rows)
	if err != nil {
		return domain.Unit{}, err
	}
	if len(units) == 0 {
		return domain.Unit{}, ErrNotFound
	}
	return units[0], nil
}

// ListUnits returns every unit in creation order.
func (r Repo) ListUnits(ctx context.Context) ([]domain.Unit, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+unitColumns+` FROM units ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	return scanUnits(rows)
}

func (r Repo) CountUnitsByStatus(ctx context.Context, requestID string) (map[domain.Status]int, error) {
	query := `SELECT status, COUNT(*) FROM units GROUP BY status`
	var args []any
	if requestID != "" {
		query = `SELECT status, COUNT(*) FROM units WHERE request_id=? GROUP BY status`
		args = append(args, requestID)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := make(map[domain.Status]int)
	for rows.Next() {
		var s string
		var c int
		if err := rows.Scan(&s, &c); err != nil {
			return nil, err
		}
		res[domain.Status(s)] = c
	}
	return res, rows.Err()
}

func (r Repo) MaxSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM units`).Scan(&seq)
	return seq, err
}

func unitArgs(u domain.Unit) ([]any, error) {
	var sample any
	if u.LastSample != nil {
		b, err := json.Marshal(u.LastSample)
		if err != nil {
			return nil, fmt.Errorf("marshal last sample: %w", err)
		}
		sample = string(b)
	}
	return []any{
		u.ID, u.RequestID, nullable(u.ParentID), u.Seq,
		u.Title, nullable(u.Description), string(u.Priority), nullableTime(u.DueDate), string(u.Status),
		boolInt(u.AwaitingEvent), u.Attempts, u.Rejections, boolInt(u.Failed), nullableTime(u.NotBefore),
		nullable(u.Details), nullableFloat(u.Confidence), nullable(string(u.ApprovedBy)), nullableTime(u.ApprovedAt),
		nullableTime(u.StartedAt), sample, formatTime(u.CreatedAt), formatTime(u.UpdatedAt),
	}, nil
}

func scanUnits(rows *sql.Rows) ([]domain.Unit, error) {
	defer rows.Close()
	var res []domain.Unit
	for rows.Next() {
		var (
			u                                     domain.Unit
			parent, desc, details, approvedBy     sql.NullString
			due, notBefore, approvedAt, startedAt sql.NullString
			sample                                sql.NullString
			priority, status, created, updated    string
			awaiting, failed                      int
			conf                                  sql.NullFloat64
		)
		if err := rows.Scan(&u.ID, &u.RequestID, &parent, &u.Seq, &u.Title, &desc, &priority, &due, &status,
			&awaiting, &u.Attempts, &u.Rejections, &failed, &notBefore, &details, &conf, &approvedBy, &approvedAt,
			&startedAt, &sample, &created, &updated); err != nil {
			return nil, err
		}
		u.ParentID = parent.String
		u.Description = desc.String
		u.Details = details.String
		u.ApprovedBy = domain.Role(approvedBy.String)
		u.Priority = domain.Priority(priority)
		u.Status = domain.Status(status)
		u.AwaitingEvent = awaiting != 0
		u.Failed = failed != 0
		u.Confidence = floatPtr(conf)
		var err error
		for _, f := range []struct {
			dst **time.Time
			src sql.NullString
		}{{&u.DueDate, due}, {&u.NotBefore, notBefore}, {&u.ApprovedAt, approvedAt}, {&u.StartedAt, startedAt}} {
			if *f.dst, err = parseTimePtr(f.src); err != nil {
				return nil, err
			}
		}
		if u.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if u.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, err
		}
		if sample.Valid && sample.String != "" {
			var s domain.Sample
			if err := json.Unmarshal([]byte(sample.String), &s); err != nil {
				return nil, fmt.Errorf("unit %s last sample: %w", u.ID, err)
			}
			u.LastSample = &s
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
