package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inducer/relate-sub000/internal/models"
	"github.com/inducer/relate-sub000/internal/repository"
	appErrors "github.com/inducer/relate-sub000/pkg/errors"
	"github.com/inducer/relate-sub000/pkg/jobs"
)

type fakeSessionLister struct {
	repo  *fakeSessionRepo
	extra []models.FlowSession
}

func (f *fakeSessionLister) List(_ context.Context, filter repository.SessionFilter) ([]models.FlowSession, error) {
	var out []models.FlowSession
	for _, s := range f.repo.sessions {
		if s.CourseID != filter.CourseID || s.FlowID != filter.FlowID {
			continue
		}
		if filter.InProgress != nil && s.InProgress != *filter.InProgress {
			continue
		}
		if filter.RuleTag != nil {
			if *filter.RuleTag == "" {
				if s.AccessRulesTag != nil {
					continue
				}
			} else if s.AccessRulesTag == nil || *s.AccessRulesTag != *filter.RuleTag {
				continue
			}
		}
		out = append(out, s)
	}
	return append(out, f.extra...), nil
}

type batchHarness struct {
	*sessionHarness
	lister *fakeSessionLister
	batch  *BatchService
}

func newBatchHarness(t *testing.T) *batchHarness {
	t.Helper()
	h := newSessionHarness(twoPageFlow())
	lister := &fakeSessionLister{repo: h.sessions}
	return &batchHarness{
		sessionHarness: h,
		lister:         lister,
		batch:          NewBatchService(lister, h.svc, nil, nil, nil),
	}
}

func (h *batchHarness) startAnonymous(t *testing.T) *models.FlowSession {
	t.Helper()
	session, err := h.svc.Start(context.Background(), StartSessionRequest{
		CourseID: "course-1",
		FlowID:   "quiz-1",
		Now:      h.now,
	})
	require.NoError(t, err)
	return session
}

func batchReq() BatchRequest {
	return BatchRequest{CourseID: "course-1", FlowID: "quiz-1"}
}

func TestBatchFinishSessions(t *testing.T) {
	h := newBatchHarness(t)
	first := h.start(t)
	second := h.start(t)

	result, err := h.batch.FinishSessions(context.Background(), batchReq())
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Total: 2, Processed: 2}, result)

	for _, id := range []string{first.ID, second.ID} {
		stored := h.storedSession(t, id)
		assert.False(t, stored.InProgress)
	}
}

func TestBatchExpireSkipsAnonymousSessions(t *testing.T) {
	h := newBatchHarness(t)
	owned := h.start(t)
	h.startAnonymous(t)

	result, err := h.batch.ExpireSessions(context.Background(), batchReq())
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Total: 2, Processed: 1, Skipped: 1}, result)

	stored := h.storedSession(t, owned.ID)
	assert.False(t, stored.InProgress)
}

func TestBatchRecalculateTargetsEndedSessions(t *testing.T) {
	h := newBatchHarness(t)
	ended := h.start(t)
	_, err := h.svc.Finish(context.Background(), ended.ID, h.now.Add(time.Hour))
	require.NoError(t, err)
	h.start(t)

	result, err := h.batch.RecalculateSessions(context.Background(), batchReq())
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Total: 1, Processed: 1}, result)
}

func TestBatchRuleTagFilter(t *testing.T) {
	h := newBatchHarness(t)
	tagged := h.start(t)
	tag := "exam"
	tagged.AccessRulesTag = &tag
	require.NoError(t, h.sessions.Update(context.Background(), tagged))
	h.start(t)

	req := batchReq()
	req.RuleTag = &tag
	result, err := h.batch.FinishSessions(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Total: 1, Processed: 1}, result)

	stored := h.storedSession(t, tagged.ID)
	assert.False(t, stored.InProgress)
}

func TestBatchCountsFailuresAndContinues(t *testing.T) {
	h := newBatchHarness(t)
	h.start(t)
	h.lister.extra = append(h.lister.extra, models.FlowSession{
		ID: "missing", CourseID: "course-1", FlowID: "quiz-1", InProgress: true,
	})

	result, err := h.batch.FinishSessions(context.Background(), batchReq())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.Failed)
}

func TestBatchValidatesRequest(t *testing.T) {
	h := newBatchHarness(t)

	_, err := h.batch.FinishSessions(context.Background(), BatchRequest{CourseID: "course-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestBatchHonorsCancellation(t *testing.T) {
	h := newBatchHarness(t)
	h.start(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.batch.FinishSessions(ctx, batchReq())
	require.Error(t, err)
}

func TestHandleJobDispatch(t *testing.T) {
	h := newBatchHarness(t)
	session := h.start(t)

	err := h.batch.HandleJob(context.Background(), jobs.Job{
		ID:      "job-1",
		Type:    JobFinishSessions,
		Payload: batchReq(),
	})
	require.NoError(t, err)
	stored := h.storedSession(t, session.ID)
	assert.False(t, stored.InProgress)
}

func TestHandleJobRejectsUnknownTypeAndPayload(t *testing.T) {
	h := newBatchHarness(t)

	err := h.batch.HandleJob(context.Background(), jobs.Job{
		ID: "job-1", Type: "defragment_sessions", Payload: batchReq(),
	})
	require.Error(t, err)

	err = h.batch.HandleJob(context.Background(), jobs.Job{
		ID: "job-2", Type: JobFinishSessions, Payload: "not a request",
	})
	require.Error(t, err)
}

func TestEnqueueRequiresAttachedQueue(t *testing.T) {
	h := newBatchHarness(t)

	_, err := h.batch.Enqueue(JobFinishSessions, batchReq())
	require.Error(t, err)
	assert.ErrorIs(t, err, appErrors.ErrInternal)
}
