package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/inducer/relate-sub000/internal/content"
	"github.com/inducer/relate-sub000/internal/models"
	"github.com/inducer/relate-sub000/internal/page"
	appErrors "github.com/inducer/relate-sub000/pkg/errors"
)

type courseReader interface {
	GetCourse(ctx context.Context, id string) (*models.Course, error)
	GetParticipation(ctx context.Context, id string) (*models.Participation, error)
	HasMatchingExamTicket(ctx context.Context, participationID, flowID string) (bool, error)
}

type sessionRepo interface {
	Get(ctx context.Context, id string) (*models.FlowSession, error)
	Create(ctx context.Context, session *models.FlowSession) error
	Update(ctx context.Context, session *models.FlowSession) error
}

type pageDataRepo interface {
	ListBySession(ctx context.Context, sessionID string) ([]models.FlowPageData, error)
	GetByOrdinal(ctx context.Context, sessionID string, ordinal int) (*models.FlowPageData, error)
	AdjustLayout(ctx context.Context, sessionID, revisionKey string,
		plan func(existing []models.FlowPageData) ([]models.FlowPageData, int, error)) (bool, error)
	SetBookmarked(ctx context.Context, pageDataID string, bookmarked bool) error
}

type visitRepo interface {
	CreateVisit(ctx context.Context, visit *models.FlowPageVisit) error
	CreateGrade(ctx context.Context, grade *models.FlowPageVisitGrade) error
	AnswerVisitsBySession(ctx context.Context, sessionID string, includeUnsubmitted bool) (map[string]models.AnswerVisit, error)
	MostRecentAnswerVisit(ctx context.Context, pageDataID string, submittedOnly bool) (*models.FlowPageVisit, error)
	MostRecentGrade(ctx context.Context, visitID string) (*models.FlowPageVisitGrade, error)
	MarkSubmitted(ctx context.Context, visitID string) error
	LastActivity(ctx context.Context, sessionID string) (*time.Time, error)
}

// StartSessionRequest carries the inputs for starting a flow session.
type StartSessionRequest struct {
	CourseID        string  `validate:"required"`
	ParticipationID *string `validate:"omitempty"`
	FlowID          string  `validate:"required"`

	Facilities map[string]struct{}
	ExamTicket *models.ExamTicket
	Now        time.Time
}

// SessionService drives the flow session lifecycle: start, finish, expire,
// reopen, regrade and recalculate.
type SessionService struct {
	courses  courseReader
	sessions sessionRepo
	pageData pageDataRepo
	visits   visitRepo

	rules        *RuleService
	grades       *GradeService
	provider     content.Provider
	instantiator page.Instantiator

	validator *validator.Validate
	metrics   *MetricsService
	logger    *zap.Logger
	newRand   func() *rand.Rand
}

// NewSessionService constructs SessionService. metrics may be nil.
func NewSessionService(
	courses courseReader,
	sessions sessionRepo,
	pageData pageDataRepo,
	visits visitRepo,
	rules *RuleService,
	grades *GradeService,
	provider content.Provider,
	instantiator page.Instantiator,
	validate *validator.Validate,
	metrics *MetricsService,
	logger *zap.Logger,
) *SessionService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionService{
		courses:      courses,
		sessions:     sessions,
		pageData:     pageData,
		visits:       visits,
		rules:        rules,
		grades:       grades,
		provider:     provider,
		instantiator: instantiator,
		validator:    validate,
		metrics:      metrics,
		logger:       logger,
		newRand: func() *rand.Rand {
			return rand.New(rand.NewSource(time.Now().UnixNano()))
		},
	}
}

// sessionEnv bundles everything lifecycle operations need about one session.
type sessionEnv struct {
	session       *models.FlowSession
	course        *models.Course
	participation *models.Participation
	desc          *content.FlowDesc
	revision      string
}

func (s *SessionService) loadEnv(ctx context.Context, sessionID string) (*sessionEnv, error) {
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	course, err := s.courses.GetCourse(ctx, session.CourseID)
	if err != nil {
		return nil, err
	}
	var participation *models.Participation
	if session.ParticipationID != nil {
		participation, err = s.courses.GetParticipation(ctx, *session.ParticipationID)
		if err != nil {
			return nil, err
		}
	}
	desc, revision, err := s.provider.FlowDesc(course.ID, session.FlowID)
	if err != nil {
		return nil, err
	}
	return &sessionEnv{
		session:       session,
		course:        course,
		participation: participation,
		desc:          desc,
		revision:      revision,
	}, nil
}

func (env *sessionEnv) ruleContext(now time.Time) RuleContext {
	return RuleContext{
		Course:        env.course,
		Participation: env.participation,
		FlowID:        env.session.FlowID,
		Now:           now,
	}
}

// Start begins a new flow session if the start rules permit one, registers
// the flow's grading opportunity and lays out the session's pages.
func (s *SessionService) Start(ctx context.Context, req StartSessionRequest) (session *models.FlowSession, err error) {
	defer func() { s.metrics.ObserveSessionOperation("start", err) }()

	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.WrapAs(err, appErrors.ErrValidation, "invalid start session payload")
	}
	if req.Now.IsZero() {
		req.Now = time.Now().UTC()
	}

	course, err := s.courses.GetCourse(ctx, req.CourseID)
	if err != nil {
		return nil, err
	}
	var participation *models.Participation
	if req.ParticipationID != nil {
		participation, err = s.courses.GetParticipation(ctx, *req.ParticipationID)
		if err != nil {
			return nil, err
		}
	}
	desc, revision, err := s.provider.FlowDesc(course.ID, req.FlowID)
	if err != nil {
		return nil, err
	}
	ticket, err := s.verifyTicket(ctx, participation, req.ExamTicket)
	if err != nil {
		return nil, err
	}

	rc := RuleContext{
		Course:        course,
		Participation: participation,
		FlowID:        req.FlowID,
		Now:           req.Now,
		Facilities:    req.Facilities,
		ExamTicket:    ticket,
	}
	startRule, err := s.rules.ResolveStartRule(ctx, rc, desc)
	if err != nil {
		return nil, err
	}
	if !startRule.MayStartNewSession {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "starting a new session is not allowed")
	}

	expirationMode := models.ExpirationModeEnd
	if startRule.DefaultExpirationMode != nil {
		expirationMode = *startRule.DefaultExpirationMode
	}

	session = &models.FlowSession{
		CourseID:        course.ID,
		ParticipationID: req.ParticipationID,
		FlowID:          req.FlowID,
		StartTime:       req.Now,
		InProgress:      true,
		ExpirationMode:  expirationMode,
		AccessRulesTag:  startRule.TagSession,
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, appErrors.WrapAs(err, appErrors.ErrInternal, "failed to create flow session")
	}

	// Make the flow show up in the grade book right away.
	if desc.Rules != nil && desc.Rules.GradeIdentifier != nil {
		rule := &models.GradingRule{
			GradeIdentifier:     desc.Rules.GradeIdentifier,
			AggregationStrategy: desc.Rules.GradeAggregationStrategy,
		}
		if _, err := s.grades.EnsureOpportunity(ctx, course, req.FlowID, desc.Title, rule); err != nil {
			return nil, err
		}
	}

	env := &sessionEnv{
		session:       session,
		course:        course,
		participation: participation,
		desc:          desc,
		revision:      revision,
	}
	if err := s.adjustPageData(ctx, env); err != nil {
		return nil, err
	}
	if err := s.sessions.Update(ctx, session); err != nil {
		return nil, appErrors.WrapAs(err, appErrors.ErrInternal, "failed to store session layout")
	}
	return session, nil
}

// adjustPageData reconciles the session's page layout with the current flow
// content. Idempotent per content revision.
func (s *SessionService) adjustPageData(ctx context.Context, env *sessionEnv) error {
	pctx := page.Context{Course: env.course, Session: env.session}
	rng := s.newRand()
	adjusted, err := s.pageData.AdjustLayout(ctx, env.session.ID, env.revision,
		func(existing []models.FlowPageData) ([]models.FlowPageData, int, error) {
			rows, count, err := planLayout(env.desc, s.instantiator, pctx, rng, existing)
			if err != nil {
				return nil, 0, err
			}
			env.session.PageCount = count
			return rows, count, nil
		})
	if err != nil {
		return err
	}
	if adjusted {
		env.session.PageDataRevisionKey = env.revision
	}
	return nil
}

// AccessState is the outcome of access resolution for one session.
type AccessState struct {
	Session *models.FlowSession `json:"session"`
	Rule    *models.AccessRule  `json:"rule"`
}

// ResolveAccess reports what the given requester may currently do with a
// session.
func (s *SessionService) ResolveAccess(ctx context.Context, sessionID string, facilities map[string]struct{}, ticket *models.ExamTicket, now time.Time) (*AccessState, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	env, err := s.loadEnv(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	rule, err := s.accessFor(ctx, env, facilities, ticket, now)
	if err != nil {
		return nil, err
	}
	return &AccessState{Session: env.session, Rule: rule}, nil
}

// verifyTicket drops forwarded exam ticket claims that have no backing
// ticket on record.
func (s *SessionService) verifyTicket(ctx context.Context, participation *models.Participation, ticket *models.ExamTicket) (*models.ExamTicket, error) {
	if ticket == nil || participation == nil {
		return ticket, nil
	}
	ok, err := s.courses.HasMatchingExamTicket(ctx, participation.ID, ticket.FlowID)
	if err != nil {
		return nil, appErrors.WrapAs(err, appErrors.ErrInternal, "failed to verify exam ticket")
	}
	if !ok {
		return nil, nil
	}
	return ticket, nil
}

// accessFor resolves the access rule for a loaded session environment.
func (s *SessionService) accessFor(ctx context.Context, env *sessionEnv, facilities map[string]struct{}, ticket *models.ExamTicket, now time.Time) (*models.AccessRule, error) {
	ticket, err := s.verifyTicket(ctx, env.participation, ticket)
	if err != nil {
		return nil, err
	}
	rc := env.ruleContext(now)
	rc.Facilities = facilities
	rc.ExamTicket = ticket
	return s.rules.ResolveAccessRule(ctx, rc, env.desc, env.session)
}

// SaveAnswer stores an uncommitted answer for the page at the given ordinal.
func (s *SessionService) SaveAnswer(ctx context.Context, sessionID string, ordinal int, answer json.RawMessage, facilities map[string]struct{}, ticket *models.ExamTicket, now time.Time) (*models.FlowPageVisit, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	env, pd, p, err := s.loadPage(ctx, sessionID, ordinal)
	if err != nil {
		return nil, err
	}
	if !env.session.InProgress {
		return nil, appErrors.Clone(appErrors.ErrSessionState, "session is not in progress")
	}
	if !p.ExpectsAnswer() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "page does not accept answers")
	}

	rule, err := s.accessFor(ctx, env, facilities, ticket, now)
	if err != nil {
		return nil, err
	}
	if !rule.Has(models.PermissionSubmitAnswer) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "answering this page is not allowed")
	}

	visit := &models.FlowPageVisit{
		FlowSessionID: env.session.ID,
		PageDataID:    pd.ID,
		VisitTime:     now,
		Answer:        models.RawJSON(answer),
	}
	if err := s.visits.CreateVisit(ctx, visit); err != nil {
		return nil, appErrors.WrapAs(err, appErrors.ErrInternal, "failed to store answer")
	}
	return visit, nil
}

// SubmitAnswer commits an answer for the page at the given ordinal and
// grades it immediately when the page supports automatic grading. Changing
// an already committed answer additionally requires the change_answer
// permission.
func (s *SessionService) SubmitAnswer(ctx context.Context, sessionID string, ordinal int, answer json.RawMessage, facilities map[string]struct{}, ticket *models.ExamTicket, now time.Time) (*models.AnswerVisit, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	env, pd, p, err := s.loadPage(ctx, sessionID, ordinal)
	if err != nil {
		return nil, err
	}
	if !env.session.InProgress {
		return nil, appErrors.Clone(appErrors.ErrSessionState, "session is not in progress")
	}
	if !p.ExpectsAnswer() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "page does not accept answers")
	}

	rule, err := s.accessFor(ctx, env, facilities, ticket, now)
	if err != nil {
		return nil, err
	}
	if !rule.Has(models.PermissionSubmitAnswer) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "answering this page is not allowed")
	}
	previous, err := s.visits.MostRecentAnswerVisit(ctx, pd.ID, true)
	if err != nil {
		return nil, appErrors.WrapAs(err, appErrors.ErrInternal, "failed to look up previous answer")
	}
	if previous != nil && !rule.Has(models.PermissionChangeAnswer) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "changing the submitted answer is not allowed")
	}

	visit := &models.FlowPageVisit{
		FlowSessionID: env.session.ID,
		PageDataID:    pd.ID,
		VisitTime:     now,
		Answer:        models.RawJSON(answer),
		IsSubmitted:   true,
	}
	if err := s.visits.CreateVisit(ctx, visit); err != nil {
		return nil, appErrors.WrapAs(err, appErrors.ErrInternal, "failed to store answer")
	}

	out := &models.AnswerVisit{Visit: *visit}
	if p.IsAnswerGradable() {
		pctx := page.Context{Course: env.course, Session: env.session}
		grade, err := s.gradeVisit(ctx, pctx, p, pd, visit)
		if err != nil {
			return nil, err
		}
		out.Grade = grade
	}
	return out, nil
}

// PageState is the current view of one laid-out page within a session.
type PageState struct {
	Data  *models.FlowPageData       `json:"data"`
	Title string                     `json:"title"`
	Visit *models.FlowPageVisit      `json:"visit,omitempty"`
	Grade *models.FlowPageVisitGrade `json:"grade,omitempty"`
}

// PageAt returns the page at the given ordinal together with its most
// recent answer and grade.
func (s *SessionService) PageAt(ctx context.Context, sessionID string, ordinal int) (*PageState, error) {
	env, pd, p, err := s.loadPage(ctx, sessionID, ordinal)
	if err != nil {
		return nil, err
	}
	state := &PageState{
		Data:  pd,
		Title: p.Title(page.Context{Course: env.course, Session: env.session}, json.RawMessage(pd.Data)),
	}
	visit, err := s.visits.MostRecentAnswerVisit(ctx, pd.ID, false)
	if err != nil {
		return nil, appErrors.WrapAs(err, appErrors.ErrInternal, "failed to look up answer")
	}
	if visit == nil {
		return state, nil
	}
	state.Visit = visit
	grade, err := s.visits.MostRecentGrade(ctx, visit.ID)
	if err != nil {
		return nil, appErrors.WrapAs(err, appErrors.ErrInternal, "failed to look up grade")
	}
	state.Grade = grade
	return state, nil
}

// ListPages returns the session's page rows, laid-out ones first in ordinal
// order.
func (s *SessionService) ListPages(ctx context.Context, sessionID string) ([]models.FlowPageData, error) {
	if _, err := s.sessions.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	pages, err := s.pageData.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, appErrors.WrapAs(err, appErrors.ErrInternal, "failed to list session pages")
	}
	return pages, nil
}

// SetBookmark flags or unflags the page at the given ordinal.
func (s *SessionService) SetBookmark(ctx context.Context, sessionID string, ordinal int, bookmarked bool) error {
	_, pd, _, err := s.loadPage(ctx, sessionID, ordinal)
	if err != nil {
		return err
	}
	if err := s.pageData.SetBookmarked(ctx, pd.ID, bookmarked); err != nil {
		return appErrors.WrapAs(err, appErrors.ErrInternal, "failed to update bookmark")
	}
	return nil
}

// loadPage resolves a session's page at one ordinal along with its
// instantiated page object.
func (s *SessionService) loadPage(ctx context.Context, sessionID string, ordinal int) (*sessionEnv, *models.FlowPageData, page.Page, error) {
	env, err := s.loadEnv(ctx, sessionID)
	if err != nil {
		return nil, nil, nil, err
	}
	pd, err := s.pageData.GetByOrdinal(ctx, sessionID, ordinal)
	if err != nil {
		return nil, nil, nil, err
	}
	desc, ok := env.desc.FindPage(pd.GroupID, pd.PageID)
	if !ok {
		desc = content.PageDesc{ID: pd.PageID, Type: pd.PageType}
	}
	p, err := s.instantiator.Instantiate(pd.GroupID, desc)
	if err != nil {
		return nil, nil, nil, appErrors.WrapAs(err, appErrors.ErrInternal,
			fmt.Sprintf("failed to instantiate page %s/%s", pd.GroupID, pd.PageID))
	}
	return env, pd, p, nil
}

// Finish ends an in-progress session: commits saved answers, synthesizes
// empty submissions for never-answered pages, grades everything and logs
// the session grade.
func (s *SessionService) Finish(ctx context.Context, sessionID string, now time.Time) (info *GradeInfo, err error) {
	defer func() { s.metrics.ObserveSessionOperation("finish", err) }()

	if now.IsZero() {
		now = time.Now().UTC()
	}
	env, err := s.loadEnv(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.adjustPageData(ctx, env); err != nil {
		return nil, err
	}
	gradingRule, err := s.resolveGradingRule(ctx, env, now)
	if err != nil {
		return nil, err
	}
	return s.finish(ctx, env, gradingRule, false, now)
}

func (s *SessionService) resolveGradingRule(ctx context.Context, env *sessionEnv, now time.Time) (*models.GradingRule, error) {
	lastActivity, err := s.visits.LastActivity(ctx, env.session.ID)
	if err != nil {
		return nil, appErrors.WrapAs(err, appErrors.ErrInternal, "failed to determine last activity")
	}
	return s.rules.ResolveGradingRule(ctx, env.ruleContext(now), env.desc,
		SessionGradingInput{Session: env.session, LastActivity: lastActivity})
}

// finish implements the end-of-session transition. The session must be in
// progress.
func (s *SessionService) finish(ctx context.Context, env *sessionEnv, gradingRule *models.GradingRule, forceRegrade bool, now time.Time) (*GradeInfo, error) {
	session := env.session
	if !session.InProgress {
		return nil, appErrors.Clone(appErrors.ErrSessionState, "cannot end a session that has already ended")
	}

	pages, pageObjs, err := s.laidOutPages(ctx, env)
	if err != nil {
		return nil, err
	}
	visits, err := s.visits.AnswerVisitsBySession(ctx, session.ID, true)
	if err != nil {
		return nil, appErrors.WrapAs(err, appErrors.ErrInternal, "failed to assemble answer visits")
	}
	if err := s.gradePageVisits(ctx, env, pages, pageObjs, visits, forceRegrade, now); err != nil {
		return nil, err
	}

	completionTime := now
	if gradingRule.UseLastActivityAsCompletionTime {
		lastActivity, err := s.visits.LastActivity(ctx, session.ID)
		if err != nil {
			return nil, appErrors.WrapAs(err, appErrors.ErrInternal, "failed to determine last activity")
		}
		if lastActivity != nil {
			completionTime = *lastActivity
		}
	}
	session.CompletionTime = &completionTime
	session.InProgress = false
	if err := s.sessions.Update(ctx, session); err != nil {
		return nil, appErrors.WrapAs(err, appErrors.ErrInternal, "failed to end session")
	}

	return s.gradeSession(ctx, env, gradingRule)
}

// gradePageVisits commits each laid-out page's answer, manufacturing a
// submitted synthetic visit where no answer exists, and grades any visit
// that is ungraded (or everything under forceRegrade). Must run before the
// grade tally.
func (s *SessionService) gradePageVisits(
	ctx context.Context,
	env *sessionEnv,
	pages []models.FlowPageData,
	pageObjs []page.Page,
	visits map[string]models.AnswerVisit,
	forceRegrade bool,
	now time.Time,
) error {
	pctx := page.Context{Course: env.course, Session: env.session}

	for i := range pages {
		pd := &pages[i]
		p := pageObjs[i]

		av, ok := visits[pd.ID]
		if ok {
			if !av.Visit.IsSubmitted {
				if err := s.visits.MarkSubmitted(ctx, av.Visit.ID); err != nil {
					return appErrors.WrapAs(err, appErrors.ErrInternal, "failed to submit answer visit")
				}
				av.Visit.IsSubmitted = true
				visits[pd.ID] = av
			}
		} else {
			if !p.ExpectsAnswer() {
				continue
			}
			visit := &models.FlowPageVisit{
				FlowSessionID: env.session.ID,
				PageDataID:    pd.ID,
				VisitTime:     now,
				IsSubmitted:   true,
				IsSynthetic:   true,
			}
			if err := s.visits.CreateVisit(ctx, visit); err != nil {
				return appErrors.WrapAs(err, appErrors.ErrInternal, "failed to create synthetic visit")
			}
			av = models.AnswerVisit{Visit: *visit}
			visits[pd.ID] = av
			if !p.IsAnswerGradable() {
				continue
			}
		}

		if !p.ExpectsAnswer() || !p.IsAnswerGradable() {
			continue
		}
		if av.Grade != nil && !forceRegrade {
			continue
		}
		grade, err := s.gradeVisit(ctx, pctx, p, pd, &av.Visit)
		if err != nil {
			return err
		}
		av.Grade = grade
		visits[pd.ID] = av
	}
	return nil
}

// gradeVisit runs the page's grader over one visit and appends the grade.
func (s *SessionService) gradeVisit(ctx context.Context, pctx page.Context, p page.Page, pd *models.FlowPageData, visit *models.FlowPageVisit) (*models.FlowPageVisitGrade, error) {
	feedback, err := p.Grade(pctx, json.RawMessage(pd.Data), json.RawMessage(visit.Answer))
	if err != nil {
		return nil, appErrors.WrapAs(err, appErrors.ErrInternal,
			fmt.Sprintf("failed to grade page %s/%s", pd.GroupID, pd.PageID))
	}

	grade := &models.FlowPageVisitGrade{
		VisitID:   visit.ID,
		MaxPoints: p.MaxPoints(json.RawMessage(pd.Data)),
	}
	if feedback != nil {
		grade.Correctness = feedback.Correctness
		if feedback.Message != "" {
			msg := feedback.Message
			grade.Feedback = &msg
		}
		grade.GradeData = models.RawJSON(feedback.GradeData)
	}
	if err := s.visits.CreateGrade(ctx, grade); err != nil {
		return nil, appErrors.WrapAs(err, appErrors.ErrInternal, "failed to store page grade")
	}
	s.metrics.RecordPageGrade()
	return grade, nil
}

// gradeSession recomputes the session's final score and logs a grade
// change. A grade record is written even when no numeric grade is
// available, because a stale earlier record might otherwise be mistaken for
// current.
func (s *SessionService) gradeSession(ctx context.Context, env *sessionEnv, gradingRule *models.GradingRule) (*GradeInfo, error) {
	session := env.session

	pages, pageObjs, err := s.laidOutPages(ctx, env)
	if err != nil {
		return nil, err
	}
	visits, err := s.visits.AnswerVisitsBySession(ctx, session.ID, session.InProgress)
	if err != nil {
		return nil, appErrors.WrapAs(err, appErrors.ErrInternal, "failed to assemble answer visits")
	}

	info := gatherGradeInfo(gradingRule, pages, pageObjs, visits)

	var comment *string
	points := info.Points
	if points != nil && gradingRule.CreditPercent != 100 {
		c := fmt.Sprintf("Counted at %.1f%% of %.1f points",
			gradingRule.CreditPercent, *points)
		comment = &c
		scaled := *points * gradingRule.CreditPercent / 100
		points = &scaled
	}

	session.Points = points
	maxPoints := info.MaxPoints
	session.MaxPoints = &maxPoints
	if comment != nil {
		session.AppendNote(*comment)
	}
	if err := s.sessions.Update(ctx, session); err != nil {
		return nil, appErrors.WrapAs(err, appErrors.ErrInternal, "failed to store session grade")
	}

	if gradingRule.GradeIdentifier != nil && gradingRule.GeneratesGrade && session.ParticipationID != nil {
		opp, err := s.grades.EnsureOpportunity(ctx, env.course, session.FlowID, env.desc.Title, gradingRule)
		if err != nil {
			return nil, err
		}
		if err := s.grades.RecordGraded(ctx, opp, session, points, info.MaxPoints, comment); err != nil {
			return nil, err
		}
	}
	return &info, nil
}

// Expire applies the session's expiration mode. With pastDueOnly the call
// is a no-op unless the grading rule's due time has passed. Returns whether
// anything happened.
func (s *SessionService) Expire(ctx context.Context, sessionID string, now time.Time, pastDueOnly bool) (processed bool, err error) {
	defer func() { s.metrics.ObserveSessionOperation("expire", err) }()

	if now.IsZero() {
		now = time.Now().UTC()
	}
	env, err := s.loadEnv(ctx, sessionID)
	if err != nil {
		return false, err
	}
	session := env.session
	if !session.InProgress {
		return false, appErrors.Clone(appErrors.ErrSessionState, "cannot expire a session that is not in progress")
	}
	if session.Anonymous() {
		return false, appErrors.Clone(appErrors.ErrSessionState, "cannot expire an anonymous session")
	}

	gradingRule, err := s.resolveGradingRule(ctx, env, now)
	if err != nil {
		return false, err
	}
	if pastDueOnly {
		if gradingRule.Due == nil || now.Before(*gradingRule.Due) {
			return false, nil
		}
	}

	if err := s.adjustPageData(ctx, env); err != nil {
		return false, err
	}

	switch session.ExpirationMode {
	case models.ExpirationModeRollOver:
		rc := env.ruleContext(now)
		rc.ForRollover = true
		startRule, err := s.rules.ResolveStartRule(ctx, rc, env.desc)
		if err != nil {
			return false, err
		}
		if !startRule.MayStartNewSession {
			if _, err := s.finish(ctx, env, gradingRule, false, now); err != nil {
				return false, err
			}
			return true, nil
		}

		session.AccessRulesTag = startRule.TagSession
		if startRule.DefaultExpirationMode != nil {
			session.ExpirationMode = *startRule.DefaultExpirationMode
		} else {
			accessRule, err := s.rules.ResolveAccessRule(ctx, env.ruleContext(now), env.desc, session)
			if err != nil {
				return false, err
			}
			if !expirationModeAllowed(session.ExpirationMode, accessRule) {
				session.ExpirationMode = models.ExpirationModeEnd
			}
		}
		if err := s.sessions.Update(ctx, session); err != nil {
			return false, appErrors.WrapAs(err, appErrors.ErrInternal, "failed to roll over session")
		}
		return true, nil

	case models.ExpirationModeEnd:
		if _, err := s.finish(ctx, env, gradingRule, false, now); err != nil {
			return false, err
		}
		return true, nil

	default:
		return false, appErrors.Clone(appErrors.ErrSessionState,
			fmt.Sprintf("invalid expiration mode %q on session %s", session.ExpirationMode, session.ID))
	}
}

// expirationModeAllowed reports whether the session may stay in the given
// expiration mode under the resolved access rule.
func expirationModeAllowed(mode models.ExpirationMode, rule *models.AccessRule) bool {
	switch mode {
	case models.ExpirationModeEnd:
		return true
	case models.ExpirationModeRollOver:
		return rule.Has(models.PermissionSetRollOverExpiration)
	}
	return false
}

// Reopen puts a finished session back in progress. With unsubmitPages each
// previously submitted answer is re-created as a fresh unsubmitted
// synthetic visit (history stays intact); without it, the session's last
// grade change is re-logged as unavailable so the stale grade cannot be
// mistaken for current.
func (s *SessionService) Reopen(ctx context.Context, sessionID string, now time.Time, unsubmitPages bool) (err error) {
	defer func() { s.metrics.ObserveSessionOperation("reopen", err) }()

	if now.IsZero() {
		now = time.Now().UTC()
	}
	env, err := s.loadEnv(ctx, sessionID)
	if err != nil {
		return err
	}
	return s.reopen(ctx, env, now, unsubmitPages, false)
}

func (s *SessionService) reopen(ctx context.Context, env *sessionEnv, now time.Time, unsubmitPages, suppressLog bool) error {
	session := env.session
	if session.InProgress {
		return appErrors.Clone(appErrors.ErrSessionState, "cannot reopen a session that is already in progress")
	}
	if session.Anonymous() {
		return appErrors.Clone(appErrors.ErrSessionState, "cannot reopen an anonymous session")
	}

	if !suppressLog {
		previous := "unknown"
		if session.CompletionTime != nil {
			previous = session.CompletionTime.UTC().Format(time.RFC3339)
		}
		session.AppendNote(fmt.Sprintf(
			"Session reopened at %s, previous completion time was '%s'.",
			now.UTC().Format(time.RFC3339), previous))
	}

	session.InProgress = true
	session.Points = nil
	session.MaxPoints = nil
	session.CompletionTime = nil
	if err := s.sessions.Update(ctx, session); err != nil {
		return appErrors.WrapAs(err, appErrors.ErrInternal, "failed to reopen session")
	}

	if unsubmitPages {
		visits, err := s.visits.AnswerVisitsBySession(ctx, session.ID, false)
		if err != nil {
			return appErrors.WrapAs(err, appErrors.ErrInternal, "failed to assemble answer visits")
		}
		for _, av := range visits {
			fresh := av.Visit
			fresh.ID = ""
			fresh.VisitTime = now
			fresh.IsSynthetic = true
			fresh.IsSubmitted = false
			if err := s.visits.CreateVisit(ctx, &fresh); err != nil {
				return appErrors.WrapAs(err, appErrors.ErrInternal, "failed to unsubmit page")
			}
		}
		return nil
	}
	if suppressLog {
		// The caller re-finishes immediately; an unavailable event here
		// would block the fresh grade from being accepted.
		return nil
	}
	return s.grades.MarkUnavailable(ctx, session, now)
}

// Regrade re-runs page graders. In-progress sessions only regrade pages
// that already carry a grade; finished sessions are silently reopened and
// re-finished with forced regrading at their original completion time.
func (s *SessionService) Regrade(ctx context.Context, sessionID string, now time.Time) (err error) {
	defer func() { s.metrics.ObserveSessionOperation("regrade", err) }()

	if now.IsZero() {
		now = time.Now().UTC()
	}
	env, err := s.loadEnv(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := s.adjustPageData(ctx, env); err != nil {
		return err
	}
	session := env.session

	if session.InProgress {
		pages, pageObjs, err := s.laidOutPages(ctx, env)
		if err != nil {
			return err
		}
		visits, err := s.visits.AnswerVisitsBySession(ctx, session.ID, true)
		if err != nil {
			return appErrors.WrapAs(err, appErrors.ErrInternal, "failed to assemble answer visits")
		}
		pctx := page.Context{Course: env.course, Session: session}
		for i := range pages {
			pd := &pages[i]
			av, ok := visits[pd.ID]
			if !ok || av.Grade == nil {
				// Only make a new grade if there already is one.
				continue
			}
			if _, err := s.gradeVisit(ctx, pctx, pageObjs[i], pd, &av.Visit); err != nil {
				return err
			}
		}
		return nil
	}

	previousCompletion := now
	if session.CompletionTime != nil {
		previousCompletion = *session.CompletionTime
	}
	session.AppendNote(fmt.Sprintf("Session regraded at %s.", now.UTC().Format(time.RFC3339)))
	if err := s.sessions.Update(ctx, session); err != nil {
		return appErrors.WrapAs(err, appErrors.ErrInternal, "failed to annotate session")
	}
	if err := s.reopen(ctx, env, now, false, true); err != nil {
		return err
	}
	gradingRule, err := s.resolveGradingRule(ctx, env, previousCompletion)
	if err != nil {
		return err
	}
	_, err = s.finish(ctx, env, gradingRule, true, previousCompletion)
	return err
}

// Recalculate re-derives the session's final grade from existing page
// grades, without re-running any grader.
func (s *SessionService) Recalculate(ctx context.Context, sessionID string, now time.Time) (err error) {
	defer func() { s.metrics.ObserveSessionOperation("recalculate", err) }()

	if now.IsZero() {
		now = time.Now().UTC()
	}
	env, err := s.loadEnv(ctx, sessionID)
	if err != nil {
		return err
	}
	session := env.session
	if session.InProgress {
		return appErrors.Clone(appErrors.ErrSessionState, "cannot recalculate the grade of an in-progress session")
	}

	if err := s.adjustPageData(ctx, env); err != nil {
		return err
	}

	previousCompletion := now
	if session.CompletionTime != nil {
		previousCompletion = *session.CompletionTime
	}
	session.AppendNote(fmt.Sprintf("Session grade recomputed at %s.", now.UTC().Format(time.RFC3339)))
	if err := s.sessions.Update(ctx, session); err != nil {
		return appErrors.WrapAs(err, appErrors.ErrInternal, "failed to annotate session")
	}
	if err := s.reopen(ctx, env, now, false, true); err != nil {
		return err
	}
	gradingRule, err := s.resolveGradingRule(ctx, env, previousCompletion)
	if err != nil {
		return err
	}
	_, err = s.finish(ctx, env, gradingRule, false, previousCompletion)
	return err
}

// laidOutPages returns the session's laid-out page rows in ordinal order
// together with their instantiated page objects.
func (s *SessionService) laidOutPages(ctx context.Context, env *sessionEnv) ([]models.FlowPageData, []page.Page, error) {
	all, err := s.pageData.ListBySession(ctx, env.session.ID)
	if err != nil {
		return nil, nil, appErrors.WrapAs(err, appErrors.ErrInternal, "failed to list session pages")
	}
	var pages []models.FlowPageData
	for _, pd := range all {
		if pd.LaidOut() {
			pages = append(pages, pd)
		}
	}

	pageObjs := make([]page.Page, len(pages))
	for i := range pages {
		pd := &pages[i]
		desc, ok := env.desc.FindPage(pd.GroupID, pd.PageID)
		if !ok {
			desc = content.PageDesc{ID: pd.PageID, Type: pd.PageType}
		}
		p, err := s.instantiator.Instantiate(pd.GroupID, desc)
		if err != nil {
			return nil, nil, appErrors.WrapAs(err, appErrors.ErrInternal,
				fmt.Sprintf("failed to instantiate page %s/%s", pd.GroupID, pd.PageID))
		}
		pageObjs[i] = p
	}
	return pages, pageObjs, nil
}
