package repo

import (
	"context"
	"database/sql"

	"taskmaster/internal/domain"
	"taskmaster/internal/metrics"
)

var _ metrics.Sink = Repo{}

// AppendSample persists one sample. Samples are never updated.
func (r Repo) AppendSample(ctx context.Context, s domain.Sample) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO samples(id,unit_id,request_id,attempt,execution_time,error_occurred,resource_usage,final,ts) VALUES (?,?,?,?,?,?,?,?,?)`,
		s.ID, s.UnitID, s.RequestID, s.Attempt, s.ExecutionTime, boolInt(s.ErrorOccurred), s.ResourceUsage, boolInt(s.Final), formatTime(s.Timestamp))
	return err
}

// ListSamples returns samples in append order, optionally for one unit.
func (r Repo) ListSamples(ctx context.Context, unitID string) ([]domain.Sample, error) {
	query := `SELECT id,unit_id,request_id,attempt,execution_time,error_occurred,resource_usage,final,ts FROM samples ORDER BY ts, id`
	var args []any
	if unitID != "" {
		query = `SELECT id,unit_id,request_id,attempt,execution_time,error_occurred,resource_usage,final,ts FROM samples WHERE unit_id=? ORDER BY ts, id`
		args = append(args, unitID)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Sample
	for rows.Next() {
		var (
			s            domain.Sample
			errored, fin int
			ts           string
		)
		if err := rows.Scan(&s.ID, &s.UnitID, &s.RequestID, &s.Attempt, &s.ExecutionTime, &errored, &s.ResourceUsage, &fin, &ts); err != nil {
			return nil, err
		}
		s.ErrorOccurred = errored != 0
		s.Final = fin != 0
		if s.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// SampleAggregates computes error rate and means over final samples.
func (r Repo) SampleAggregates(ctx context.Context) (metrics.Aggregates, error) {
	var (
		agg                 metrics.Aggregates
		errRate, avgT, avgR sql.NullFloat64
	)
	err := r.DB.QueryRowContext(ctx, `SELECT
  (SELECT COUNT(*) FROM samples),
  COUNT(*),
  AVG(error_occurred),
  AVG(execution_time),
  AVG(resource_usage)
FROM samples WHERE final=1`).Scan(&agg.Samples, &agg.FinalSamples, &errRate, &avgT, &avgR)
	if err != nil {
		return metrics.Aggregates{}, err
	}
	agg.ErrorRate = errRate.Float64
	agg.AvgExecutionTime = avgT.Float64
	agg.AvgResourceUsage = avgR.Float64
	return agg, nil
}
