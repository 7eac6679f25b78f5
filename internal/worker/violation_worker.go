package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
	PollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
)

// DB is the subset of *pgxpool.Pool the workers write through.
type DB interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

var proctorLogColumns = []string{
	"attempt_id", "exam_id", "kind", "severity", "detail", "warnings", "offset_seconds", "recorded_at",
}

// ViolationWorker drains persist_violations_queue into proctor_logs in batches.
type ViolationWorker struct {
	db      DB
	rdb     redis.Cmdable
	log     zerolog.Logger
	backoff time.Duration
}

func NewViolationWorker(db DB, rdb redis.Cmdable, log zerolog.Logger) *ViolationWorker {
	return &ViolationWorker{
		db:      db,
		rdb:     rdb,
		log:     log.With().Str("component", "violation_worker").Logger(),
		backoff: 2 * time.Second,
	}
}

func (w *ViolationWorker) Start(ctx context.Context) {
	w.log.Info().Msg("ViolationWorker started")

	buffer := make([]*model.ProctorLog, 0, BatchSize)
	lastFlushTime := time.Now()

	for {
		// 1. Flush on size or age
		if len(buffer) > 0 {
			if len(buffer) >= BatchSize || time.Since(lastFlushTime) >= BatchTimeout {
				w.flushSafe(ctx, buffer)
				buffer = buffer[:0]
				lastFlushTime = time.Now()
			}
		}

		// 2. Graceful shutdown
		select {
		case <-ctx.Done():
			w.shutdown(buffer)
			return
		default:
		}

		// 3. Fetch from Redis
		result, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.PersistViolationsQueue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			w.log.Error().Err(err).Msg("Redis connection error, backing off")
			sleepCtx(ctx, w.backoff)
			continue
		}
		if len(result) < 2 {
			continue
		}

		// 4. Decode; malformed entries cannot be retried
		entry, err := decodeViolation(result[1])
		if err != nil {
			w.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed violation")
			continue
		}
		buffer = append(buffer, entry)
	}
}

func decodeViolation(raw string) (*model.ProctorLog, error) {
	var entry model.ProctorLog
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, err
	}
	if !entry.Kind.Valid() {
		return nil, errors.New("unknown violation kind " + string(entry.Kind))
	}
	if entry.Severity == "" {
		entry.Severity = entry.Kind.Severity()
	}
	return &entry, nil
}

// flushSafe attempts bulk insert, then row-by-row insert, then requeue.
func (w *ViolationWorker) flushSafe(ctx context.Context, batch []*model.ProctorLog) {
	if err := w.bulkInsert(ctx, batch); err != nil {
		w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk insert failed, attempting row-by-row recovery")
		w.fallbackInsert(ctx, batch)
		return
	}
	w.log.Debug().Int("count", len(batch)).Msg("Violations persisted")
}

func (w *ViolationWorker) bulkInsert(ctx context.Context, batch []*model.ProctorLog) error {
	rows := make([][]interface{}, 0, len(batch))
	for _, e := range batch {
		rows = append(rows, violationRow(e))
	}
	_, err := w.db.CopyFrom(ctx, pgx.Identifier{"proctor_logs"}, proctorLogColumns, pgx.CopyFromRows(rows))
	return err
}

func (w *ViolationWorker) fallbackInsert(ctx context.Context, batch []*model.ProctorLog) {
	requeueList := make([]*model.ProctorLog, 0)

	for _, e := range batch {
		_, err := w.db.Exec(ctx,
			`INSERT INTO proctor_logs (attempt_id, exam_id, kind, severity, detail, warnings, offset_seconds, recorded_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			violationRow(e)...,
		)
		if err == nil {
			continue
		}

		// A foreign-key or check violation will never succeed; anything else is retried.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && (pgErr.Code == "23503" || pgErr.Code == "23514") {
			w.log.Error().Err(err).Str("attempt_id", e.AttemptID.String()).Msg("Dropping unpersistable violation")
			continue
		}
		w.log.Error().Err(err).Str("attempt_id", e.AttemptID.String()).Msg("Insert failed, requeueing")
		requeueList = append(requeueList, e)
	}

	if len(requeueList) > 0 {
		w.requeue(ctx, requeueList)
	}
}

func (w *ViolationWorker) requeue(ctx context.Context, items []*model.ProctorLog) {
	values := make([]interface{}, 0, len(items))
	for _, e := range items {
		data, _ := json.Marshal(e)
		values = append(values, data)
	}
	if err := w.rdb.RPush(ctx, config.WorkerKey.PersistViolationsQueue, values...).Err(); err != nil {
		w.log.Error().Err(err).Int("count", len(items)).Msg("CRITICAL: Failed to requeue violations. Data loss occurred.")
		return
	}
	w.log.Info().Int("count", len(items)).Msg("Requeued failed violations")
	// Avoid thrashing while the database is down.
	sleepCtx(ctx, w.backoff)
}

func (w *ViolationWorker) shutdown(buffer []*model.ProctorLog) {
	w.log.Info().Msg("Worker stopping, flushing remaining buffer...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if len(buffer) > 0 {
		w.flushSafe(shutdownCtx, buffer)
	}
}

func violationRow(e *model.ProctorLog) []interface{} {
	var detail *string
	if e.Detail != "" {
		detail = &e.Detail
	}
	return []interface{}{
		e.AttemptID, e.ExamID, string(e.Kind), string(e.Severity), detail, e.Warnings, e.Offset, e.RecordedAt,
	}
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
