package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

const attemptColumns = `id, exam_id, candidate_id, status, started_at, submitted_at,
	duration_seconds, warning_count, time_spent, COALESCE(terminate_reason, '')`

// AttemptRepository handles attempt data access.
type AttemptRepository struct {
	pool *pgxpool.Pool
}

// NewAttemptRepository creates a new AttemptRepository.
func NewAttemptRepository(pool *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{pool: pool}
}

// Create inserts an in-progress attempt. A second attempt for the same exam
// and candidate violates the unique constraint.
func (r *AttemptRepository) Create(ctx context.Context, a *model.Attempt) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO attempts (id, exam_id, candidate_id, status, started_at, duration_seconds)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.ExamID, a.CandidateID, a.Status, a.StartedAt, a.DurationSeconds)
	return err
}

// Finalize writes the final state of an in-progress attempt. It returns
// pgx.ErrNoRows when the attempt is missing or already final.
func (r *AttemptRepository) Finalize(ctx context.Context, id uuid.UUID, u model.AttemptUpdate) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE attempts
		 SET status = $1, time_spent = $2, submitted_at = $3, warning_count = $4,
		     terminate_reason = NULLIF($5, '')
		 WHERE id = $6 AND status = $7`,
		u.Status, u.TimeSpent, u.SubmittedAt, u.WarningCount, u.TerminateReason,
		id, model.AttemptStatusInProgress)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// GetByID retrieves an attempt by its UUID.
func (r *AttemptRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Attempt, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+attemptColumns+` FROM attempts WHERE id = $1`, id)
	return scanAttempt(row)
}

// GetByExamAndCandidate retrieves a candidate's attempt at an exam.
func (r *AttemptRepository) GetByExamAndCandidate(ctx context.Context, examID uuid.UUID, candidateID string) (*model.Attempt, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE exam_id = $1 AND candidate_id = $2`,
		examID, candidateID)
	return scanAttempt(row)
}

// ListByExam retrieves every attempt of an exam, newest first.
func (r *AttemptRepository) ListByExam(ctx context.Context, examID uuid.UUID) ([]model.Attempt, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE exam_id = $1 ORDER BY started_at DESC`,
		examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []model.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, *a)
	}
	return attempts, rows.Err()
}

func scanAttempt(row pgx.Row) (*model.Attempt, error) {
	a := &model.Attempt{}
	err := row.Scan(&a.ID, &a.ExamID, &a.CandidateID, &a.Status, &a.StartedAt, &a.SubmittedAt,
		&a.DurationSeconds, &a.WarningCount, &a.TimeSpent, &a.TerminateReason)
	if err != nil {
		return nil, err
	}
	return a, nil
}
