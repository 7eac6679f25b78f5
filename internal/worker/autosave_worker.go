package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// AutosaveWorker consumes persist_answers_queue and UPSERTs answers to PostgreSQL.
type AutosaveWorker struct {
	db      DB
	rdb     redis.Cmdable
	log     zerolog.Logger
	backoff time.Duration
}

// NewAutosaveWorker creates a new AutosaveWorker.
func NewAutosaveWorker(db DB, rdb redis.Cmdable, log zerolog.Logger) *AutosaveWorker {
	return &AutosaveWorker{
		db:      db,
		rdb:     rdb,
		log:     log.With().Str("component", "autosave_worker").Logger(),
		backoff: 5 * time.Second,
	}
}

// Start begins the infinite worker loop. Call in a goroutine.
func (w *AutosaveWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopping...")
			// Drain remaining items before exit.
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			w.drain(drainCtx)
			cancel()
			w.log.Info().Msg("Worker stopped")
			return
		default:
			w.processNext(ctx)
		}
	}
}

func (w *AutosaveWorker) processNext(ctx context.Context) {
	// BLPop blocks until an item is available or timeout (1 second).
	result, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.PersistAnswersQueue).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("BLPop error")
			sleepCtx(ctx, w.backoff)
		}
		return
	}
	if len(result) < 2 {
		return
	}

	answer, err := decodeAnswer(result[1])
	if err != nil {
		w.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed answer")
		return
	}

	if err := w.persistAnswer(ctx, answer); err != nil {
		w.log.Error().Err(err).
			Str("attempt_id", answer.AttemptID.String()).
			Msg("Persist error, retrying later")
		// Push back to queue for retry.
		if err := w.rdb.RPush(ctx, config.WorkerKey.PersistAnswersQueue, result[1]).Err(); err != nil {
			w.log.Error().Err(err).Msg("CRITICAL: Failed to requeue answer. Data loss occurred.")
		}
		sleepCtx(ctx, w.backoff)
	}
}

func decodeAnswer(raw string) (*model.Answer, error) {
	var a model.Answer
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, err
	}
	if a.AttemptID == uuid.Nil || a.QuestionID == uuid.Nil {
		return nil, errors.New("answer without attempt or question id")
	}
	if !json.Valid(a.Value) {
		return nil, errors.New("answer value is not JSON")
	}
	return &a, nil
}

func (w *AutosaveWorker) persistAnswer(ctx context.Context, a *model.Answer) error {
	// UPSERT the answer; the latest autosave wins.
	_, err := w.db.Exec(ctx,
		`INSERT INTO attempt_answers (attempt_id, question_id, value)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (attempt_id, question_id) DO UPDATE
		 SET value = EXCLUDED.value, updated_at = NOW()`,
		a.AttemptID, a.QuestionID, string(a.Value),
	)
	return err
}

// drain processes all remaining items in the queue before shutdown.
func (w *AutosaveWorker) drain(ctx context.Context) {
	drained := 0
	for {
		result, err := w.rdb.LPop(ctx, config.WorkerKey.PersistAnswersQueue).Result()
		if err != nil {
			break
		}

		answer, err := decodeAnswer(result)
		if err != nil {
			w.log.Error().Err(err).Msg("Drain unmarshal error")
			continue
		}

		if err := w.persistAnswer(ctx, answer); err != nil {
			w.log.Error().Err(err).Msg("Drain persist error")
			w.rdb.RPush(ctx, config.WorkerKey.PersistAnswersQueue, result)
			break
		}
		drained++
	}

	if drained > 0 {
		w.log.Info().Int("count", drained).Msg("Drained remaining items")
	}
}
