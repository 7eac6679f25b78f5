package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ExamRepository handles exam data access.
type ExamRepository struct {
	pool *pgxpool.Pool
}

// NewExamRepository creates a new ExamRepository.
func NewExamRepository(pool *pgxpool.Pool) *ExamRepository {
	return &ExamRepository{pool: pool}
}

// GetByID retrieves an exam by its UUID. A NULL proctoring column is reported
// as a nil Proctoring pointer through hasProctoring=false.
func (r *ExamRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Exam, bool, error) {
	e := &model.Exam{}
	var proctoring *model.ProctoringConfig
	err := r.pool.QueryRow(ctx,
		`SELECT id, title, examiner_id, duration_minutes, entry_token,
		        question_count, proctoring, status, created_at, updated_at
		 FROM exams WHERE id = $1`, id,
	).Scan(&e.ID, &e.Title, &e.ExaminerID, &e.DurationMinutes, &e.EntryToken,
		&e.QuestionCount, &proctoring, &e.Status, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, false, err
	}
	if proctoring != nil {
		e.Proctoring = *proctoring
	}
	return e, proctoring != nil, nil
}

// MarkInProgress moves a published exam to IN_PROGRESS when its first attempt begins.
func (r *ExamRepository) MarkInProgress(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE exams SET status = $1, updated_at = NOW()
		 WHERE id = $2 AND status = $3`,
		model.ExamStatusInProgress, id, model.ExamStatusPublished)
	return err
}

// UpdateStatus sets the exam status unconditionally.
func (r *ExamRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status model.ExamStatus) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE exams SET status = $1, updated_at = NOW() WHERE id = $2`, status, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}
