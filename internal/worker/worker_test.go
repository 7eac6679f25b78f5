package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDB struct {
	mu       sync.Mutex
	copyErr  error
	execErrs map[uuid.UUID]error
	copied   [][]interface{}
	execs    [][]interface{}
}

func (d *fakeDB) CopyFrom(_ context.Context, table pgx.Identifier, _ []string, src pgx.CopyFromSource) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.copyErr != nil {
		return 0, d.copyErr
	}
	var n int64
	for src.Next() {
		vals, err := src.Values()
		if err != nil {
			return n, err
		}
		d.copied = append(d.copied, vals)
		n++
	}
	return n, nil
}

func (d *fakeDB) Exec(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id, ok := args[0].(uuid.UUID); ok {
		if err := d.execErrs[id]; err != nil {
			return pgconn.CommandTag{}, err
		}
	}
	d.execs = append(d.execs, args)
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

// fakeQueue is a Redis list store. Other commands panic through the nil interface.
type fakeQueue struct {
	redis.Cmdable

	mu    sync.Mutex
	lists map[string][]string
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{lists: make(map[string][]string)}
}

func (q *fakeQueue) push(key string, v interface{}) {
	data, _ := json.Marshal(v)
	q.mu.Lock()
	q.lists[key] = append(q.lists[key], string(data))
	q.mu.Unlock()
}

func (q *fakeQueue) pop(key string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	l := q.lists[key]
	if len(l) == 0 {
		return "", false
	}
	q.lists[key] = l[1:]
	return l[0], true
}

func (q *fakeQueue) length(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lists[key])
}

func (q *fakeQueue) BLPop(ctx context.Context, _ time.Duration, keys ...string) *redis.StringSliceCmd {
	cmd := redis.NewStringSliceCmd(ctx, "blpop")
	if v, ok := q.pop(keys[0]); ok {
		cmd.SetVal([]string{keys[0], v})
		return cmd
	}
	// Stand in for the blocking wait without spinning.
	select {
	case <-time.After(5 * time.Millisecond):
	case <-ctx.Done():
	}
	cmd.SetErr(redis.Nil)
	return cmd
}

func (q *fakeQueue) LPop(ctx context.Context, key string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx, "lpop", key)
	if v, ok := q.pop(key); ok {
		cmd.SetVal(v)
		return cmd
	}
	cmd.SetErr(redis.Nil)
	return cmd
}

func (q *fakeQueue) RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, v := range values {
		switch x := v.(type) {
		case []byte:
			q.lists[key] = append(q.lists[key], string(x))
		case string:
			q.lists[key] = append(q.lists[key], x)
		}
	}
	cmd := redis.NewIntCmd(ctx, "rpush", key)
	cmd.SetVal(int64(len(q.lists[key])))
	return cmd
}

func violation(kind model.ViolationKind) *model.ProctorLog {
	return &model.ProctorLog{
		AttemptID:  uuid.New(),
		ExamID:     uuid.New(),
		Kind:       kind,
		Severity:   kind.Severity(),
		Warnings:   1,
		Offset:     42,
		RecordedAt: time.Date(2025, 3, 1, 8, 0, 42, 0, time.UTC),
	}
}

func TestViolationWorker_BulkInsert(t *testing.T) {
	db := &fakeDB{}
	w := NewViolationWorker(db, newFakeQueue(), zerolog.Nop())

	w.flushSafe(context.Background(), []*model.ProctorLog{
		violation(model.ViolationTabSwitch),
		violation(model.ViolationRightClick),
	})

	require.Len(t, db.copied, 2)
	assert.Equal(t, "tab_switch", db.copied[0][2])
	assert.Equal(t, "medium", db.copied[0][3])
	assert.Nil(t, db.copied[0][4].(*string))
	assert.Equal(t, 42, db.copied[0][6])
	assert.Empty(t, db.execs)
}

func TestViolationWorker_FallbackAndRequeue(t *testing.T) {
	good := violation(model.ViolationCopyPaste)
	orphan := violation(model.ViolationTabSwitch)
	flaky := violation(model.ViolationFullscreenExit)

	db := &fakeDB{
		copyErr: errors.New("copy failed"),
		execErrs: map[uuid.UUID]error{
			orphan.AttemptID: &pgconn.PgError{Code: "23503"},
			flaky.AttemptID:  errors.New("connection reset"),
		},
	}
	q := newFakeQueue()
	w := NewViolationWorker(db, q, zerolog.Nop())
	w.backoff = time.Millisecond

	w.flushSafe(context.Background(), []*model.ProctorLog{good, orphan, flaky})

	require.Len(t, db.execs, 1)
	assert.Equal(t, good.AttemptID, db.execs[0][0])

	require.Equal(t, 1, q.length(config.WorkerKey.PersistViolationsQueue))
	raw, _ := q.pop(config.WorkerKey.PersistViolationsQueue)
	entry, err := decodeViolation(raw)
	require.NoError(t, err)
	assert.Equal(t, flaky.AttemptID, entry.AttemptID)
}

func TestDecodeViolation(t *testing.T) {
	_, err := decodeViolation(`{"kind":"teleport"}`)
	assert.Error(t, err)

	_, err = decodeViolation(`not json`)
	assert.Error(t, err)

	e, err := decodeViolation(`{"kind":"multiple_faces"}`)
	require.NoError(t, err)
	assert.Equal(t, model.SeverityHigh, e.Severity)
}

func TestViolationWorker_StartFlushesOnShutdown(t *testing.T) {
	db := &fakeDB{}
	q := newFakeQueue()
	q.push(config.WorkerKey.PersistViolationsQueue, violation(model.ViolationTabSwitch))
	q.push(config.WorkerKey.PersistViolationsQueue, "garbage")
	q.push(config.WorkerKey.PersistViolationsQueue, violation(model.ViolationCopyPaste))

	w := NewViolationWorker(db, q, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return q.length(config.WorkerKey.PersistViolationsQueue) == 0
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	db.mu.Lock()
	defer db.mu.Unlock()
	assert.Len(t, db.copied, 2)
}

func answer(value string) model.Answer {
	return model.Answer{AttemptID: uuid.New(), QuestionID: uuid.New(), Value: json.RawMessage(value)}
}

func TestAutosaveWorker_ProcessNext(t *testing.T) {
	db := &fakeDB{}
	q := newFakeQueue()
	a := answer(`{"choice":"C"}`)
	q.push(config.WorkerKey.PersistAnswersQueue, a)

	w := NewAutosaveWorker(db, q, zerolog.Nop())
	w.processNext(context.Background())

	require.Len(t, db.execs, 1)
	assert.Equal(t, a.AttemptID, db.execs[0][0])
	assert.Equal(t, a.QuestionID, db.execs[0][1])
	assert.JSONEq(t, `{"choice":"C"}`, db.execs[0][2].(string))
}

func TestAutosaveWorker_RequeuesOnFailure(t *testing.T) {
	a := answer(`"A"`)
	db := &fakeDB{execErrs: map[uuid.UUID]error{a.AttemptID: errors.New("db down")}}
	q := newFakeQueue()
	q.push(config.WorkerKey.PersistAnswersQueue, a)

	w := NewAutosaveWorker(db, q, zerolog.Nop())
	w.backoff = time.Millisecond
	w.processNext(context.Background())

	assert.Empty(t, db.execs)
	assert.Equal(t, 1, q.length(config.WorkerKey.PersistAnswersQueue))
}

func TestAutosaveWorker_DrainOnShutdown(t *testing.T) {
	db := &fakeDB{}
	q := newFakeQueue()
	q.push(config.WorkerKey.PersistAnswersQueue, answer(`1`))
	q.push(config.WorkerKey.PersistAnswersQueue, model.Answer{Value: json.RawMessage(`2`)})
	q.push(config.WorkerKey.PersistAnswersQueue, answer(`3`))

	w := NewAutosaveWorker(db, q, zerolog.Nop())
	w.drain(context.Background())

	assert.Len(t, db.execs, 2)
	assert.Zero(t, q.length(config.WorkerKey.PersistAnswersQueue))
}
