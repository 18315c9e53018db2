package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/inducer/relate-sub000/internal/models"
	appErrors "github.com/inducer/relate-sub000/pkg/errors"
)

type opportunityRepo interface {
	GetOrCreate(ctx context.Context, opp *models.GradingOpportunity) (*models.GradingOpportunity, error)
	Get(ctx context.Context, id string) (*models.GradingOpportunity, error)
}

type gradeChangeRepo interface {
	Append(ctx context.Context, change *models.GradeChange) error
	List(ctx context.Context, opportunityID, participationID string) ([]models.GradeChange, error)
	LastGraded(ctx context.Context, opportunityID, participationID, attemptID, sessionID string) (*models.GradeChange, error)
	LastForSession(ctx context.Context, sessionID string) (*models.GradeChange, error)
}

type gradeStateCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// GradeService owns grading opportunities and the grade change log. The log
// is authoritative; the derived state is replayed on read, with an optional
// memento cache invalidated on every append.
type GradeService struct {
	opportunities opportunityRepo
	changes       gradeChangeRepo
	cache         gradeStateCache
	cacheTTL      time.Duration
	cacheEnabled  bool
	metrics       *MetricsService
	logger        *zap.Logger
}

// NewGradeService constructs GradeService. cache may be nil, disabling the
// memento; metrics may be nil.
func NewGradeService(opportunities opportunityRepo, changes gradeChangeRepo, cache gradeStateCache, cacheTTL time.Duration, cacheEnabled bool, metrics *MetricsService, logger *zap.Logger) *GradeService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &GradeService{
		opportunities: opportunities,
		changes:       changes,
		cache:         cache,
		cacheTTL:      cacheTTL,
		cacheEnabled:  cacheEnabled && cache != nil,
		metrics:       metrics,
		logger:        logger,
	}
}

// EnsureOpportunity registers the flow's grade slot in the grade book,
// returning the stored record. The grading rule must carry a grade
// identifier.
func (s *GradeService) EnsureOpportunity(ctx context.Context, course *models.Course, flowID, flowTitle string, rule *models.GradingRule) (*models.GradingOpportunity, error) {
	if rule.GradeIdentifier == nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "grading rule has no grade identifier")
	}
	opp := &models.GradingOpportunity{
		CourseID:   course.ID,
		Identifier: *rule.GradeIdentifier,
		Name:       fmt.Sprintf("Flow: %s", flowTitle),
		FlowID:     &flowID,
		DueTime:    rule.Due,
	}
	if rule.AggregationStrategy != nil {
		opp.AggregationStrategy = *rule.AggregationStrategy
	}
	stored, err := s.opportunities.GetOrCreate(ctx, opp)
	if err != nil {
		return nil, appErrors.WrapAs(err, appErrors.ErrInternal, "failed to register grading opportunity")
	}
	return stored, nil
}

// RecordGraded logs a graded change for a session's attempt, skipping the
// append when it would duplicate the most recent one. A first change with
// nil points is also skipped: there is nothing to supersede yet.
func (s *GradeService) RecordGraded(ctx context.Context, opp *models.GradingOpportunity, session *models.FlowSession, points *float64, maxPoints float64, comment *string) error {
	if session.ParticipationID == nil {
		return nil
	}
	attemptID := session.AttemptID()
	previous, err := s.changes.LastGraded(ctx, opp.ID, *session.ParticipationID, attemptID, session.ID)
	if err != nil {
		return appErrors.WrapAs(err, appErrors.ErrInternal, "failed to look up previous grade change")
	}
	if previous != nil {
		if floatPtrEqual(previous.Points, points) &&
			previous.MaxPoints == maxPoints &&
			strPtrEqual(previous.Comment, comment) {
			return nil
		}
	} else if points == nil {
		return nil
	}

	change := &models.GradeChange{
		OpportunityID:   opp.ID,
		ParticipationID: *session.ParticipationID,
		State:           models.GradeStateGraded,
		AttemptID:       &attemptID,
		Points:          points,
		MaxPoints:       maxPoints,
		Comment:         comment,
		FlowSessionID:   &session.ID,
	}
	return s.Append(ctx, change)
}

// Append records a grade change and invalidates the state memento.
func (s *GradeService) Append(ctx context.Context, change *models.GradeChange) error {
	if err := s.changes.Append(ctx, change); err != nil {
		return appErrors.WrapAs(err, appErrors.ErrInternal, "failed to append grade change")
	}
	s.metrics.RecordGradeChange(string(change.State))
	s.invalidate(ctx, change.OpportunityID, change.ParticipationID)
	return nil
}

// MarkUnavailable duplicates the session's most recent grade change as an
// "unavailable" event with cleared points. Sessions that never produced a
// grade change are left alone.
func (s *GradeService) MarkUnavailable(ctx context.Context, session *models.FlowSession, now time.Time) error {
	last, err := s.changes.LastForSession(ctx, session.ID)
	if err != nil {
		return appErrors.WrapAs(err, appErrors.ErrInternal, "failed to look up session grade changes")
	}
	if last == nil {
		return nil
	}
	change := *last
	change.ID = ""
	change.Points = nil
	change.GradeTime = now
	change.State = models.GradeStateUnavailable
	return s.Append(ctx, &change)
}

// GradeStateFor replays the grade change stream for (opportunity,
// participation) into the current derived state.
func (s *GradeService) GradeStateFor(ctx context.Context, opp *models.GradingOpportunity, participationID string) (*GradeState, error) {
	key := gradeStateKey(opp.ID, participationID)
	if s.cacheEnabled {
		var cached GradeState
		err := s.cache.Get(ctx, key, &cached)
		if err == nil {
			s.metrics.RecordCacheLookup(true)
			return &cached, nil
		}
		s.metrics.RecordCacheLookup(false)
		if !errors.Is(err, appErrors.ErrCacheMiss) {
			s.logger.Warn("grade state cache read failed", zap.String("key", key), zap.Error(err))
		}
	}

	changes, err := s.changes.List(ctx, opp.ID, participationID)
	if err != nil {
		return nil, appErrors.WrapAs(err, appErrors.ErrInternal, "failed to list grade changes")
	}
	state, err := newGradeStateMachine(opp.DueTime).consume(changes)
	if err != nil {
		return nil, err
	}

	if s.cacheEnabled {
		if err := s.cache.Set(ctx, key, state, s.cacheTTL); err != nil {
			s.logger.Warn("grade state cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return state, nil
}

// Opportunity returns a stored grading opportunity.
func (s *GradeService) Opportunity(ctx context.Context, id string) (*models.GradingOpportunity, error) {
	return s.opportunities.Get(ctx, id)
}

func (s *GradeService) invalidate(ctx context.Context, opportunityID, participationID string) {
	if !s.cacheEnabled {
		return
	}
	key := gradeStateKey(opportunityID, participationID)
	if err := s.cache.Delete(ctx, key); err != nil {
		s.logger.Warn("grade state cache invalidation failed", zap.String("key", key), zap.Error(err))
	}
}

func gradeStateKey(opportunityID, participationID string) string {
	return fmt.Sprintf("grade-state:%s:%s", opportunityID, participationID)
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func strPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
