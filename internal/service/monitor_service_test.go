package service

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestMonitorService_SnapshotMergesLiveSessions(t *testing.T) {
	h := newHarness()
	t.Cleanup(h.manager.Dispose)
	exam := h.exam("")
	ctx := context.Background()

	live, err := h.attempts.Begin(ctx, exam.ID, "cand-1", "")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		live.Controller.HandleSignal(proctor.Signal{Type: proctor.SignalCopy})
	}

	finished := model.Attempt{ID: uuid.New(), ExamID: exam.ID, CandidateID: "cand-2", Status: model.AttemptStatusSubmitted}
	h.store.put(finished)

	repo := &mockMonitorStore{}
	repo.On("GetAnsweredCounts", mock.Anything, exam.ID).
		Return(map[uuid.UUID]int64{live.Controller.ID(): 7, finished.ID: 20}, nil)
	repo.On("GetViolationCounts", mock.Anything, exam.ID).
		Return(map[uuid.UUID]int64{live.Controller.ID(): 3}, nil)

	svc := NewMonitorService(repo, h.store, h.manager, nil, zerolog.Nop())
	snap, err := svc.Snapshot(ctx, exam.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, snap.LiveCount)
	assert.Equal(t, 1, snap.HighRiskCount)
	assert.EqualValues(t, 3, snap.TotalViolations)
	require.Len(t, snap.Attempts, 2)

	rows := map[uuid.UUID]AttemptProgress{}
	for _, r := range snap.Attempts {
		rows[r.ID] = r
	}
	liveRow := rows[live.Controller.ID()]
	require.NotNil(t, liveRow.Live)
	assert.Equal(t, 3, liveRow.WarningCount)
	assert.EqualValues(t, 7, liveRow.Answered)
	assert.Equal(t, 3600, liveRow.Live.RemainingSeconds)

	doneRow := rows[finished.ID]
	assert.Nil(t, doneRow.Live)
	assert.EqualValues(t, 20, doneRow.Answered)
}

func TestMonitorService_SnapshotViolationCountsBestEffort(t *testing.T) {
	h := newHarness()
	examID := uuid.New()
	h.store.put(model.Attempt{ID: uuid.New(), ExamID: examID, CandidateID: "c", Status: model.AttemptStatusSubmitted})

	repo := &mockMonitorStore{}
	repo.On("GetAnsweredCounts", mock.Anything, examID).Return(map[uuid.UUID]int64{}, nil)
	repo.On("GetViolationCounts", mock.Anything, examID).Return(nil, errors.New("timeout"))

	svc := NewMonitorService(repo, h.store, h.manager, nil, zerolog.Nop())
	snap, err := svc.Snapshot(context.Background(), examID)
	require.NoError(t, err)
	assert.Len(t, snap.Attempts, 1)
	assert.Zero(t, snap.TotalViolations)
}

func TestMonitorService_SnapshotAnsweredCountsRequired(t *testing.T) {
	h := newHarness()
	examID := uuid.New()

	repo := &mockMonitorStore{}
	repo.On("GetAnsweredCounts", mock.Anything, examID).Return(nil, errors.New("db down"))
	repo.On("GetViolationCounts", mock.Anything, examID).Return(map[uuid.UUID]int64{}, nil).Maybe()

	svc := NewMonitorService(repo, h.store, h.manager, nil, zerolog.Nop())
	_, err := svc.Snapshot(context.Background(), examID)
	assert.ErrorContains(t, err, "db down")
}

func TestMonitorService_ProctorLogsNeverNil(t *testing.T) {
	id := uuid.New()
	repo := &mockMonitorStore{}
	repo.On("ListProctorLogs", mock.Anything, id).Return(nil, nil)

	svc := NewMonitorService(repo, newMemAttempts(), nil, nil, zerolog.Nop())
	logs, err := svc.ProctorLogs(context.Background(), id)
	require.NoError(t, err)
	assert.NotNil(t, logs)
	assert.Empty(t, logs)
}
