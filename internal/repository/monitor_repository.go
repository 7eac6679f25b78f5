package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// MonitorRepository provides data access for the live exam monitoring feature.
type MonitorRepository struct {
	pool *pgxpool.Pool
}

// NewMonitorRepository creates a new MonitorRepository.
func NewMonitorRepository(pool *pgxpool.Pool) *MonitorRepository {
	return &MonitorRepository{pool: pool}
}

// GetAnsweredCounts returns the number of persisted answers per attempt of an exam.
func (r *MonitorRepository) GetAnsweredCounts(ctx context.Context, examID uuid.UUID) (map[uuid.UUID]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT aa.attempt_id, COUNT(*)
		 FROM attempt_answers aa
		 JOIN attempts a ON a.id = aa.attempt_id
		 WHERE a.exam_id = $1
		 GROUP BY aa.attempt_id`,
		examID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[uuid.UUID]int64)
	for rows.Next() {
		var id uuid.UUID
		var count int64
		if err := rows.Scan(&id, &count); err != nil {
			return nil, err
		}
		counts[id] = count
	}
	return counts, rows.Err()
}

// GetViolationCounts returns the number of recorded proctor logs per attempt of an exam.
func (r *MonitorRepository) GetViolationCounts(ctx context.Context, examID uuid.UUID) (map[uuid.UUID]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT attempt_id, COUNT(*)
		 FROM proctor_logs
		 WHERE exam_id = $1
		 GROUP BY attempt_id`,
		examID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[uuid.UUID]int64)
	for rows.Next() {
		var id uuid.UUID
		var count int64
		if err := rows.Scan(&id, &count); err != nil {
			return nil, err
		}
		counts[id] = count
	}
	return counts, rows.Err()
}

// ListProctorLogs returns an attempt's recorded violations in emission order.
func (r *MonitorRepository) ListProctorLogs(ctx context.Context, attemptID uuid.UUID) ([]model.ProctorLog, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, attempt_id, exam_id, kind, severity, COALESCE(detail, ''),
		        warnings, offset_seconds, recorded_at
		 FROM proctor_logs
		 WHERE attempt_id = $1
		 ORDER BY recorded_at, id`,
		attemptID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []model.ProctorLog
	for rows.Next() {
		var l model.ProctorLog
		if err := rows.Scan(&l.ID, &l.AttemptID, &l.ExamID, &l.Kind, &l.Severity, &l.Detail,
			&l.Warnings, &l.Offset, &l.RecordedAt); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
