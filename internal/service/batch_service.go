package service

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/inducer/relate-sub000/internal/models"
	"github.com/inducer/relate-sub000/internal/repository"
	appErrors "github.com/inducer/relate-sub000/pkg/errors"
	"github.com/inducer/relate-sub000/pkg/jobs"
)

// Batch job types.
const (
	JobExpireSessions      = "expire_sessions"
	JobFinishSessions      = "finish_sessions"
	JobRegradeSessions     = "regrade_sessions"
	JobRecalculateSessions = "recalculate_sessions"
)

type sessionLister interface {
	List(ctx context.Context, filter repository.SessionFilter) ([]models.FlowSession, error)
}

// BatchRequest selects the sessions a bulk operation applies to.
type BatchRequest struct {
	CourseID string `json:"course_id" validate:"required"`
	FlowID   string `json:"flow_id" validate:"required"`

	// RuleTag narrows the batch to sessions carrying the given access rules
	// tag. Nil matches any tag; a pointer to "" matches untagged sessions.
	RuleTag *string `json:"rule_tag,omitempty"`

	// PastDueOnly makes expiration skip sessions whose grading rule has no
	// due time or whose due time has not yet passed.
	PastDueOnly bool `json:"past_due_only,omitempty"`
}

// BatchResult summarizes one bulk run. A session that errors does not stop
// the batch; its failure is counted and logged.
type BatchResult struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// BatchService runs lifecycle operations over every session matching a
// filter, either synchronously or via a background queue. Each per-session
// operation is idempotent, so an interrupted batch can simply be rerun.
type BatchService struct {
	sessions  sessionLister
	lifecycle *SessionService
	queue     *jobs.Queue
	validator *validator.Validate
	metrics   *MetricsService
	logger    *zap.Logger
}

// NewBatchService constructs BatchService. metrics may be nil. Call
// AttachQueue before using the Enqueue methods.
func NewBatchService(sessions sessionLister, lifecycle *SessionService, validate *validator.Validate, metrics *MetricsService, logger *zap.Logger) *BatchService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchService{
		sessions:  sessions,
		lifecycle: lifecycle,
		validator: validate,
		metrics:   metrics,
		logger:    logger,
	}
}

// AttachQueue wires the background queue the Enqueue methods dispatch to.
func (s *BatchService) AttachQueue(q *jobs.Queue) {
	s.queue = q
}

// HandleJob is the queue handler for batch jobs.
func (s *BatchService) HandleJob(ctx context.Context, job jobs.Job) error {
	req, ok := job.Payload.(BatchRequest)
	if !ok {
		return fmt.Errorf("job %s: unexpected payload %T", job.ID, job.Payload)
	}

	var (
		result BatchResult
		err    error
	)
	switch job.Type {
	case JobExpireSessions:
		result, err = s.ExpireSessions(ctx, req)
	case JobFinishSessions:
		result, err = s.FinishSessions(ctx, req)
	case JobRegradeSessions:
		result, err = s.RegradeSessions(ctx, req)
	case JobRecalculateSessions:
		result, err = s.RecalculateSessions(ctx, req)
	default:
		return fmt.Errorf("job %s: unknown type %q", job.ID, job.Type)
	}
	if err != nil {
		return err
	}

	s.logger.Sugar().Infow("batch job done",
		"job_id", job.ID, "type", job.Type,
		"course_id", req.CourseID, "flow_id", req.FlowID,
		"total", result.Total, "processed", result.Processed,
		"skipped", result.Skipped, "failed", result.Failed)
	return nil
}

// Enqueue schedules a batch job of the given type.
func (s *BatchService) Enqueue(jobType string, req BatchRequest) (string, error) {
	if err := s.validator.Struct(req); err != nil {
		return "", appErrors.WrapAs(err, appErrors.ErrValidation, "invalid batch request")
	}
	if s.queue == nil {
		return "", appErrors.Clone(appErrors.ErrInternal, "batch queue not attached")
	}
	id := uuid.NewString()
	if err := s.queue.Enqueue(jobs.Job{ID: id, Type: jobType, Payload: req}); err != nil {
		return "", appErrors.WrapAs(err, appErrors.ErrInternal, "failed to enqueue batch job")
	}
	return id, nil
}

// ExpireSessions applies expiration to every matching in-progress session.
func (s *BatchService) ExpireSessions(ctx context.Context, req BatchRequest) (BatchResult, error) {
	inProgress := true
	return s.run(ctx, JobExpireSessions, req, &inProgress,
		func(ctx context.Context, session *models.FlowSession, now time.Time) (bool, error) {
			if session.Anonymous() {
				return false, nil
			}
			return s.lifecycle.Expire(ctx, session.ID, now, req.PastDueOnly)
		})
}

// FinishSessions ends and grades every matching in-progress session.
func (s *BatchService) FinishSessions(ctx context.Context, req BatchRequest) (BatchResult, error) {
	inProgress := true
	return s.run(ctx, JobFinishSessions, req, &inProgress,
		func(ctx context.Context, session *models.FlowSession, now time.Time) (bool, error) {
			if _, err := s.lifecycle.Finish(ctx, session.ID, now); err != nil {
				return false, err
			}
			return true, nil
		})
}

// RegradeSessions re-runs page graders over every matching session.
func (s *BatchService) RegradeSessions(ctx context.Context, req BatchRequest) (BatchResult, error) {
	return s.run(ctx, JobRegradeSessions, req, nil,
		func(ctx context.Context, session *models.FlowSession, now time.Time) (bool, error) {
			if !session.InProgress && session.Anonymous() {
				return false, nil
			}
			if err := s.lifecycle.Regrade(ctx, session.ID, now); err != nil {
				return false, err
			}
			return true, nil
		})
}

// RecalculateSessions re-derives the final grade of every matching ended
// session from existing page grades.
func (s *BatchService) RecalculateSessions(ctx context.Context, req BatchRequest) (BatchResult, error) {
	ended := false
	return s.run(ctx, JobRecalculateSessions, req, &ended,
		func(ctx context.Context, session *models.FlowSession, now time.Time) (bool, error) {
			if session.Anonymous() {
				return false, nil
			}
			if err := s.lifecycle.Recalculate(ctx, session.ID, now); err != nil {
				return false, err
			}
			return true, nil
		})
}

// run is the shared batch loop. Cancellation is honored between sessions;
// sessions already processed stay processed.
func (s *BatchService) run(
	ctx context.Context,
	op string,
	req BatchRequest,
	inProgress *bool,
	apply func(ctx context.Context, session *models.FlowSession, now time.Time) (bool, error),
) (BatchResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return BatchResult{}, appErrors.WrapAs(err, appErrors.ErrValidation, "invalid batch request")
	}

	sessions, err := s.sessions.List(ctx, repository.SessionFilter{
		CourseID:   req.CourseID,
		FlowID:     req.FlowID,
		InProgress: inProgress,
		RuleTag:    req.RuleTag,
	})
	if err != nil {
		return BatchResult{}, appErrors.WrapAs(err, appErrors.ErrInternal, "failed to list sessions")
	}

	result := BatchResult{Total: len(sessions)}
	now := time.Now().UTC()
	for i := range sessions {
		if err := ctx.Err(); err != nil {
			return result, appErrors.WrapAs(err, appErrors.ErrInternal, "batch interrupted")
		}
		session := &sessions[i]
		done, err := apply(ctx, session, now)
		switch {
		case err != nil:
			result.Failed++
			s.metrics.RecordBatchSession(op, "error")
			s.logger.Sugar().Errorw("batch operation failed for session",
				"operation", op, "session_id", session.ID, "error", err)
		case done:
			result.Processed++
			s.metrics.RecordBatchSession(op, "processed")
		default:
			result.Skipped++
			s.metrics.RecordBatchSession(op, "skipped")
		}
	}
	return result, nil
}
