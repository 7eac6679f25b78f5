package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/session"
	"github.com/stretchr/testify/mock"
	testingclock "k8s.io/utils/clock/testing"
)

// fakeRedis implements the handful of commands the services issue. Any other
// command panics through the nil embedded interface.
type fakeRedis struct {
	redis.Cmdable

	mu        sync.Mutex
	err       error
	kv        map[string]string
	hashes    map[string]map[string]string
	lists     map[string][]string
	published []publishedMessage
}

type publishedMessage struct {
	Channel string
	Payload string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		kv:     make(map[string]string),
		hashes: make(map[string]map[string]string),
		lists:  make(map[string][]string),
	}
}

func asString(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}

func (r *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd := redis.NewStringCmd(ctx, "get", key)
	if r.err != nil {
		cmd.SetErr(r.err)
		return cmd
	}
	v, ok := r.kv[key]
	if !ok {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	cmd.SetVal(v)
	return cmd
}

func (r *fakeRedis) Set(ctx context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd := redis.NewStatusCmd(ctx, "set", key)
	if r.err != nil {
		cmd.SetErr(r.err)
		return cmd
	}
	r.kv[key] = asString(value)
	cmd.SetVal("OK")
	return cmd
}

func (r *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd := redis.NewIntCmd(ctx, "del")
	var n int64
	for _, k := range keys {
		if _, ok := r.kv[k]; ok {
			delete(r.kv, k)
			n++
		}
	}
	cmd.SetVal(n)
	return cmd
}

func (r *fakeRedis) HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd := redis.NewIntCmd(ctx, "hset", key)
	if r.err != nil {
		cmd.SetErr(r.err)
		return cmd
	}
	h := r.hashes[key]
	if h == nil {
		h = make(map[string]string)
		r.hashes[key] = h
	}
	for i := 0; i+1 < len(values); i += 2 {
		h[asString(values[i])] = asString(values[i+1])
	}
	cmd.SetVal(int64(len(values) / 2))
	return cmd
}

func (r *fakeRedis) RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd := redis.NewIntCmd(ctx, "rpush", key)
	if r.err != nil {
		cmd.SetErr(r.err)
		return cmd
	}
	for _, v := range values {
		r.lists[key] = append(r.lists[key], asString(v))
	}
	cmd.SetVal(int64(len(r.lists[key])))
	return cmd
}

func (r *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd := redis.NewIntCmd(ctx, "publish", channel)
	if r.err != nil {
		cmd.SetErr(r.err)
		return cmd
	}
	r.published = append(r.published, publishedMessage{Channel: channel, Payload: asString(message)})
	cmd.SetVal(1)
	return cmd
}

func (r *fakeRedis) list(key string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lists[key]...)
}

func (r *fakeRedis) messages() []publishedMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]publishedMessage(nil), r.published...)
}

// mockExamStore is a testify mock of ExamStore.
type mockExamStore struct {
	mock.Mock
}

func (m *mockExamStore) GetByID(ctx context.Context, id uuid.UUID) (*model.Exam, bool, error) {
	args := m.Called(ctx, id)
	exam, _ := args.Get(0).(*model.Exam)
	return exam, args.Bool(1), args.Error(2)
}

func (m *mockExamStore) MarkInProgress(ctx context.Context, id uuid.UUID) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockExamStore) UpdateStatus(ctx context.Context, id uuid.UUID, status model.ExamStatus) error {
	return m.Called(ctx, id, status).Error(0)
}

// mockMonitorStore is a testify mock of MonitorStore.
type mockMonitorStore struct {
	mock.Mock
}

func (m *mockMonitorStore) GetAnsweredCounts(ctx context.Context, examID uuid.UUID) (map[uuid.UUID]int64, error) {
	args := m.Called(ctx, examID)
	counts, _ := args.Get(0).(map[uuid.UUID]int64)
	return counts, args.Error(1)
}

func (m *mockMonitorStore) GetViolationCounts(ctx context.Context, examID uuid.UUID) (map[uuid.UUID]int64, error) {
	args := m.Called(ctx, examID)
	counts, _ := args.Get(0).(map[uuid.UUID]int64)
	return counts, args.Error(1)
}

func (m *mockMonitorStore) ListProctorLogs(ctx context.Context, attemptID uuid.UUID) ([]model.ProctorLog, error) {
	args := m.Called(ctx, attemptID)
	logs, _ := args.Get(0).([]model.ProctorLog)
	return logs, args.Error(1)
}

// memAttempts is an in-memory AttemptStore that enforces one attempt per
// candidate and exam, like the attempts table.
type memAttempts struct {
	mu       sync.Mutex
	attempts map[uuid.UUID]model.Attempt
	finalErr error
}

func newMemAttempts() *memAttempts {
	return &memAttempts{attempts: make(map[uuid.UUID]model.Attempt)}
}

func (s *memAttempts) Create(_ context.Context, a *model.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.attempts {
		if existing.ExamID == a.ExamID && existing.CandidateID == a.CandidateID {
			return fmt.Errorf("duplicate attempt")
		}
	}
	s.attempts[a.ID] = *a
	return nil
}

func (s *memAttempts) Finalize(_ context.Context, id uuid.UUID, u model.AttemptUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalErr != nil {
		return s.finalErr
	}
	a, ok := s.attempts[id]
	if !ok || a.Status != model.AttemptStatusInProgress {
		return pgx.ErrNoRows
	}
	at := u.SubmittedAt
	a.Status = u.Status
	a.TimeSpent = u.TimeSpent
	a.SubmittedAt = &at
	a.WarningCount = u.WarningCount
	a.TerminateReason = u.TerminateReason
	s.attempts[id] = a
	return nil
}

func (s *memAttempts) GetByID(_ context.Context, id uuid.UUID) (*model.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &a, nil
}

func (s *memAttempts) GetByExamAndCandidate(_ context.Context, examID uuid.UUID, candidateID string) (*model.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.attempts {
		if a.ExamID == examID && a.CandidateID == candidateID {
			return &a, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (s *memAttempts) ListByExam(_ context.Context, examID uuid.UUID) ([]model.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Attempt
	for _, a := range s.attempts {
		if a.ExamID == examID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *memAttempts) put(a model.Attempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[a.ID] = a
}

// harness wires the services the way the server does, over fakes.
type harness struct {
	clock    *testingclock.FakeClock
	rdb      *fakeRedis
	examRepo *mockExamStore
	store    *memAttempts
	manager  *session.Manager
	cfg      *config.Config
	exams    *ExamService
	audit    *AuditService
	attempts *AttemptService
}

var testStart = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func newHarness() *harness {
	h := &harness{
		clock:    testingclock.NewFakeClock(testStart),
		rdb:      newFakeRedis(),
		examRepo: &mockExamStore{},
		store:    newMemAttempts(),
		manager:  session.NewManager(zerolog.Nop()),
		cfg: &config.Config{
			TimerWarning:      5 * time.Minute,
			HighRiskWarnings:  3,
			CameraOpenTimeout: time.Second,
			PersistTimeout:    time.Second,
			Proctoring:        model.DefaultProctoringConfig(),
		},
	}
	h.exams = NewExamService(h.examRepo, h.rdb, h.cfg, zerolog.Nop())
	h.audit = NewAuditService(h.rdb, zerolog.Nop())
	h.attempts = NewAttemptService(h.store, h.exams, h.audit, h.rdb, h.manager, h.cfg, zerolog.Nop()).
		WithClock(h.clock)
	return h
}

// exam registers a published exam with the mocked repository.
func (h *harness) exam(token string) *model.Exam {
	exam := &model.Exam{
		ID:              uuid.New(),
		Title:           "Fisika Dasar",
		ExaminerID:      "examiner-1",
		DurationMinutes: 60,
		EntryToken:      token,
		Status:          model.ExamStatusPublished,
	}
	h.examRepo.On("GetByID", mock.Anything, exam.ID).Return(exam, false, nil).Maybe()
	h.examRepo.On("MarkInProgress", mock.Anything, exam.ID).Return(nil).Maybe()
	return exam
}
