package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/inducer/relate-sub000/internal/content"
	"github.com/inducer/relate-sub000/internal/models"
	appErrors "github.com/inducer/relate-sub000/pkg/errors"
)

type exceptionStore interface {
	ListActive(ctx context.Context, participationID, flowID string, kind models.RuleKind, now time.Time) ([]models.FlowRuleException, error)
	Create(ctx context.Context, exc *models.FlowRuleException) error
	Deactivate(ctx context.Context, id string) error
}

type sessionCounter interface {
	CountSessions(ctx context.Context, participationID, flowID string, tag *string) (int, error)
	HasInProgressSession(ctx context.Context, participationID, flowID string) (bool, error)
}

// RuleContext carries everything guard evaluation may consult. Facilities
// and the exam ticket describe the requesting user's current sign-in, not
// the session owner's.
type RuleContext struct {
	Course        *models.Course
	Participation *models.Participation
	FlowID        string
	Now           time.Time

	Facilities map[string]struct{}
	ExamTicket *models.ExamTicket

	// ForRollover skips facility and session-count guards: those
	// characterize fresh starts, and a session being rolled over already
	// exists.
	ForRollover bool
}

// RuleService resolves the winning rule of each kind for a participant and
// flow. Resolution never errors out for lack of a matching rule; it falls
// back to a deny-everything outcome.
type RuleService struct {
	exceptions exceptionStore
	sessions   sessionCounter
	metrics    *MetricsService
	logger     *zap.Logger
}

// NewRuleService constructs RuleService. metrics may be nil.
func NewRuleService(exceptions exceptionStore, sessions sessionCounter, metrics *MetricsService, logger *zap.Logger) *RuleService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RuleService{
		exceptions: exceptions,
		sessions:   sessions,
		metrics:    metrics,
		logger:     logger,
	}
}

func (s *RuleService) observe(kind models.RuleKind, start time.Time) {
	s.metrics.ObserveRuleResolution(string(kind), time.Since(start))
}

// ResolveStartRule determines whether and how the participant may start or
// list sessions of the flow.
func (s *RuleService) ResolveStartRule(ctx context.Context, rc RuleContext, desc *content.FlowDesc) (*models.StartRule, error) {
	defer s.observe(models.RuleKindStart, time.Now())

	defaultTrue := true
	defaultFalse := false
	rules := []content.StartRuleDesc{{
		MayStartNewSession:      &defaultTrue,
		MayListExistingSessions: &defaultFalse,
	}}
	if desc.Rules != nil && len(desc.Rules.Start) > 0 {
		rules = append([]content.StartRuleDesc(nil), desc.Rules.Start...)
	}
	rules, err := s.prependStartExceptions(ctx, rc, rules)
	if err != nil {
		return nil, err
	}

	for i := range rules {
		rule := &rules[i]
		match, err := s.evalGenericConditions(ctx, rc, &rule.RuleGuards)
		if err != nil {
			return nil, err
		}
		if !match {
			continue
		}
		match, err = s.evalCountConditions(ctx, rc, &rule.RuleGuards)
		if err != nil {
			return nil, err
		}
		if !match {
			continue
		}

		out := &models.StartRule{
			TagSession:             rule.TagSession,
			MayStartNewSession:     true,
			MayListExistingSession: true,
			DefaultExpirationMode:  rule.DefaultExpirationMode,
		}
		if rule.MayStartNewSession != nil {
			out.MayStartNewSession = *rule.MayStartNewSession
		}
		if rule.MayListExistingSessions != nil {
			out.MayListExistingSession = *rule.MayListExistingSessions
		}
		return out, nil
	}

	return &models.StartRule{MayStartNewSession: false, MayListExistingSession: false}, nil
}

// ResolveAccessRule determines the permission set governing an existing
// session right now.
func (s *RuleService) ResolveAccessRule(ctx context.Context, rc RuleContext, desc *content.FlowDesc, session *models.FlowSession) (*models.AccessRule, error) {
	defer s.observe(models.RuleKindAccess, time.Now())

	rules := []content.AccessRuleDesc{{
		Permissions: []string{string(models.PermissionView)},
	}}
	if desc.Rules != nil && len(desc.Rules.Access) > 0 {
		rules = append([]content.AccessRuleDesc(nil), desc.Rules.Access...)
	}
	rules, err := s.prependAccessExceptions(ctx, rc, rules)
	if err != nil {
		return nil, err
	}

	for i := range rules {
		rule := &rules[i]
		match, err := s.evalGenericConditions(ctx, rc, &rule.RuleGuards)
		if err != nil {
			return nil, err
		}
		if !match {
			continue
		}
		match, err = s.evalSessionConditions(rc, &rule.RuleGuards, session)
		if err != nil {
			return nil, err
		}
		if !match {
			continue
		}
		if rule.IfInProgress != nil && session.InProgress != *rule.IfInProgress {
			continue
		}
		if rule.IfExpirationMode != nil && session.ExpirationMode != *rule.IfExpirationMode {
			continue
		}
		if rule.IfSessionDurationShorterThanMinutes != nil {
			durationMin := rc.Now.Sub(session.StartTime).Minutes()
			if rc.Participation != nil && rc.Participation.TimeFactor > 0 {
				durationMin /= rc.Participation.TimeFactor
			}
			if durationMin > *rule.IfSessionDurationShorterThanMinutes {
				continue
			}
		}

		permissions := models.NormalizePermissions(rule.Permissions)
		// Sessions that are no longer in progress cannot be modified,
		// whatever the rule says.
		if !session.InProgress {
			delete(permissions, models.PermissionSubmitAnswer)
			delete(permissions, models.PermissionEndSession)
		}
		return &models.AccessRule{Permissions: permissions, Message: rule.Message}, nil
	}

	return &models.AccessRule{Permissions: map[models.FlowPermission]struct{}{}}, nil
}

// SessionGradingInput augments a session with derived inputs grading-rule
// guards need.
type SessionGradingInput struct {
	Session      *models.FlowSession
	LastActivity *time.Time
}

// ResolveGradingRule determines how the session is to be graded. Guards for
// grading rules are role, session and completion-time conditions only; the
// generic if_before/if_after clock guards do not apply.
func (s *RuleService) ResolveGradingRule(ctx context.Context, rc RuleContext, desc *content.FlowDesc, in SessionGradingInput) (*models.GradingRule, error) {
	defer s.observe(models.RuleKindGrading, time.Now())

	defaultFalse := false
	rules := []content.GradingRuleDesc{{GeneratesGrade: &defaultFalse}}
	if desc.Rules != nil && len(desc.Rules.Grading) > 0 {
		rules = append([]content.GradingRuleDesc(nil), desc.Rules.Grading...)
	}
	rules, err := s.prependGradingExceptions(ctx, rc, rules)
	if err != nil {
		return nil, err
	}

	session := in.Session
	for i := range rules {
		rule := &rules[i]
		if len(rule.IfHasRole) > 0 && !anyRoleMatches(models.EffectiveRoles(rc.Course, rc.Participation), rule.IfHasRole) {
			continue
		}
		match, err := s.evalSessionConditions(rc, &rule.RuleGuards, session)
		if err != nil {
			return nil, err
		}
		if !match {
			continue
		}
		if !evalParticipationTags(&rule.RuleGuards, rc.Participation) {
			continue
		}
		if rule.IfCompletedBefore != nil {
			ds, err := content.ParseDateSpec(rc.Course, *rule.IfCompletedBefore)
			if err != nil {
				return nil, err
			}
			completionTime := rc.Now
			if rule.UseLastActivityAsCompletionTime != nil && *rule.UseLastActivityAsCompletionTime {
				if in.LastActivity != nil {
					completionTime = *in.LastActivity
				}
			} else if !session.InProgress && session.CompletionTime != nil {
				completionTime = *session.CompletionTime
			}
			if completionTime.After(ds) {
				continue
			}
		}

		return s.buildGradingRule(rc, desc, rule)
	}

	// No matching rule: the session's grade simply does not count.
	out := &models.GradingRule{GeneratesGrade: false, CreditPercent: 100}
	if desc.Rules != nil {
		out.GradeIdentifier = desc.Rules.GradeIdentifier
		out.AggregationStrategy = desc.Rules.GradeAggregationStrategy
	}
	return out, nil
}

// GrantExceptionRequest carries the inputs for granting a rule exception.
type GrantExceptionRequest struct {
	ParticipationID string          `json:"participation_id"`
	FlowID          string          `json:"flow_id"`
	Kind            models.RuleKind `json:"kind"`
	Rule            json.RawMessage `json:"rule"`
	Expiration      *time.Time      `json:"expiration,omitempty"`
	Comment         *string         `json:"comment,omitempty"`
}

// GrantException stores a participant-scoped rule override after checking
// that its blob decodes as a rule of the stated kind.
func (s *RuleService) GrantException(ctx context.Context, req GrantExceptionRequest) (*models.FlowRuleException, error) {
	if req.ParticipationID == "" || req.FlowID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "participation_id and flow_id are required")
	}
	if len(req.Rule) == 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "rule body is required")
	}
	var err error
	switch req.Kind {
	case models.RuleKindStart:
		_, err = content.DecodeStartRule(req.Rule)
	case models.RuleKindAccess:
		_, err = content.DecodeAccessRule(req.Rule)
	case models.RuleKindGrading:
		_, err = content.DecodeGradingRule(req.Rule)
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown rule kind %q", req.Kind))
	}
	if err != nil {
		return nil, err
	}

	exc := &models.FlowRuleException{
		ParticipationID: req.ParticipationID,
		FlowID:          req.FlowID,
		Kind:            req.Kind,
		Rule:            req.Rule,
		Active:          true,
		Expiration:      req.Expiration,
		Comment:         req.Comment,
	}
	if err := s.exceptions.Create(ctx, exc); err != nil {
		return nil, appErrors.WrapAs(err, appErrors.ErrInternal, "failed to store rule exception")
	}
	return exc, nil
}

// RevokeException deactivates a stored rule exception.
func (s *RuleService) RevokeException(ctx context.Context, id string) error {
	if err := s.exceptions.Deactivate(ctx, id); err != nil {
		return appErrors.WrapAs(err, appErrors.ErrInternal, "failed to revoke rule exception")
	}
	return nil
}

func (s *RuleService) buildGradingRule(rc RuleContext, desc *content.FlowDesc, rule *content.GradingRuleDesc) (*models.GradingRule, error) {
	out := &models.GradingRule{
		GeneratesGrade: true,
		CreditPercent:  100,
		Description:    rule.Description,
	}
	if desc.Rules != nil {
		out.GradeIdentifier = desc.Rules.GradeIdentifier
		out.AggregationStrategy = desc.Rules.GradeAggregationStrategy
	}
	if rule.GeneratesGrade != nil {
		out.GeneratesGrade = *rule.GeneratesGrade
	}
	if rule.CreditPercent != nil {
		out.CreditPercent = *rule.CreditPercent
	}
	if rule.UseLastActivityAsCompletionTime != nil {
		out.UseLastActivityAsCompletionTime = *rule.UseLastActivityAsCompletionTime
	}
	if rule.Due != nil {
		due, err := content.ParseDateSpec(rc.Course, *rule.Due)
		if err != nil {
			return nil, err
		}
		out.Due = &due
	}

	// Point fields fall back from the rule to the flow-level defaults.
	if rule.BonusPoints != nil {
		out.BonusPoints = *rule.BonusPoints
	} else if desc.BonusPoints != nil {
		out.BonusPoints = *desc.BonusPoints
	}
	out.MaxPoints = firstNonNil(rule.MaxPoints, desc.MaxPoints)
	out.MaxPointsEnforcedCap = firstNonNil(rule.MaxPointsEnforcedCap, desc.MaxPointsEnforcedCap)
	return out, nil
}

func firstNonNil(values ...*float64) *float64 {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

// evalGenericConditions checks the guards shared by start and access rules:
// the resolution clock, roles, exam tickets, participation tags and the
// facility guard (skipped on rollover).
func (s *RuleService) evalGenericConditions(ctx context.Context, rc RuleContext, g *content.RuleGuards) (bool, error) {
	if g.IfBefore != nil {
		ds, err := content.ParseDateSpec(rc.Course, *g.IfBefore)
		if err != nil {
			return false, err
		}
		if rc.Now.After(ds) {
			return false, nil
		}
	}
	if g.IfAfter != nil {
		ds, err := content.ParseDateSpec(rc.Course, *g.IfAfter)
		if err != nil {
			return false, err
		}
		if rc.Now.Before(ds) {
			return false, nil
		}
	}
	if len(g.IfHasRole) > 0 && !anyRoleMatches(models.EffectiveRoles(rc.Course, rc.Participation), g.IfHasRole) {
		return false, nil
	}
	if g.IfSignedInWithMatchingExamTicket != nil && *g.IfSignedInWithMatchingExamTicket {
		if rc.ExamTicket == nil || rc.ExamTicket.FlowID != rc.FlowID {
			return false, nil
		}
	}
	if !evalParticipationTags(g, rc.Participation) {
		return false, nil
	}
	if !rc.ForRollover && g.IfInFacility != nil {
		if _, ok := rc.Facilities[*g.IfInFacility]; !ok {
			return false, nil
		}
	}
	return true, nil
}

// evalCountConditions checks the session-count guards of start rules. All
// of them are skipped on rollover. Anonymous users have no countable
// sessions.
func (s *RuleService) evalCountConditions(ctx context.Context, rc RuleContext, g *content.RuleGuards) (bool, error) {
	if rc.ForRollover {
		return true, nil
	}

	if g.IfHasInProgressSession != nil {
		has := false
		if rc.Participation != nil {
			var err error
			has, err = s.sessions.HasInProgressSession(ctx, rc.Participation.ID, rc.FlowID)
			if err != nil {
				return false, err
			}
		}
		if has != *g.IfHasInProgressSession {
			return false, nil
		}
	}
	if g.IfHasSessionTagged != nil {
		count := 0
		if rc.Participation != nil {
			var err error
			count, err = s.sessions.CountSessions(ctx, rc.Participation.ID, rc.FlowID, g.IfHasSessionTagged)
			if err != nil {
				return false, err
			}
		}
		if count == 0 {
			return false, nil
		}
	}
	if g.IfHasFewerSessionsThan != nil {
		count := 0
		if rc.Participation != nil {
			var err error
			count, err = s.sessions.CountSessions(ctx, rc.Participation.ID, rc.FlowID, nil)
			if err != nil {
				return false, err
			}
		}
		if count >= *g.IfHasFewerSessionsThan {
			return false, nil
		}
	}
	if g.IfHasFewerTaggedSessionsThan != nil {
		count := 0
		if rc.Participation != nil {
			var err error
			count, err = s.countTaggedSessions(ctx, rc.Participation.ID, rc.FlowID)
			if err != nil {
				return false, err
			}
		}
		if count >= *g.IfHasFewerTaggedSessionsThan {
			return false, nil
		}
	}
	return true, nil
}

// countTaggedSessions counts sessions carrying any tag.
func (s *RuleService) countTaggedSessions(ctx context.Context, participationID, flowID string) (int, error) {
	all, err := s.sessions.CountSessions(ctx, participationID, flowID, nil)
	if err != nil {
		return 0, err
	}
	empty := ""
	untagged, err := s.sessions.CountSessions(ctx, participationID, flowID, &empty)
	if err != nil {
		return 0, err
	}
	return all - untagged, nil
}

// evalSessionConditions checks the session-scoped guards shared by access
// and grading rules.
func (s *RuleService) evalSessionConditions(rc RuleContext, g *content.RuleGuards, session *models.FlowSession) (bool, error) {
	if g.IfHasTag != nil {
		if session.AccessRulesTag == nil || *session.AccessRulesTag != *g.IfHasTag {
			return false, nil
		}
	}
	if g.IfStartedBefore != nil {
		ds, err := content.ParseDateSpec(rc.Course, *g.IfStartedBefore)
		if err != nil {
			return false, err
		}
		if !session.StartTime.Before(ds) {
			return false, nil
		}
	}
	return true, nil
}

func evalParticipationTags(g *content.RuleGuards, participation *models.Participation) bool {
	if len(g.IfHasParticipationTagsAny) == 0 && len(g.IfHasParticipationTagsAll) == 0 {
		return true
	}
	if participation == nil || len(participation.Tags) == 0 {
		return false
	}
	tags := make(map[string]struct{}, len(participation.Tags))
	for _, t := range participation.Tags {
		tags[t] = struct{}{}
	}
	if len(g.IfHasParticipationTagsAny) > 0 {
		found := false
		for _, t := range g.IfHasParticipationTagsAny {
			if _, ok := tags[t]; ok {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, t := range g.IfHasParticipationTagsAll {
		if _, ok := tags[t]; !ok {
			return false
		}
	}
	return true
}

func anyRoleMatches(roles, wanted []string) bool {
	for _, r := range roles {
		for _, w := range wanted {
			if r == w {
				return true
			}
		}
	}
	return false
}

func (s *RuleService) prependStartExceptions(ctx context.Context, rc RuleContext, rules []content.StartRuleDesc) ([]content.StartRuleDesc, error) {
	raw, err := s.activeExceptions(ctx, rc, models.RuleKindStart)
	if err != nil {
		return nil, err
	}
	for _, exc := range raw {
		rule, err := content.DecodeStartRule(exc.Rule)
		if err != nil {
			return nil, appErrors.WrapAs(err, appErrors.ErrValidation, "stored start rule exception is invalid")
		}
		rules = append([]content.StartRuleDesc{*rule}, rules...)
	}
	return rules, nil
}

func (s *RuleService) prependAccessExceptions(ctx context.Context, rc RuleContext, rules []content.AccessRuleDesc) ([]content.AccessRuleDesc, error) {
	raw, err := s.activeExceptions(ctx, rc, models.RuleKindAccess)
	if err != nil {
		return nil, err
	}
	for _, exc := range raw {
		rule, err := content.DecodeAccessRule(exc.Rule)
		if err != nil {
			return nil, appErrors.WrapAs(err, appErrors.ErrValidation, "stored access rule exception is invalid")
		}
		rules = append([]content.AccessRuleDesc{*rule}, rules...)
	}
	return rules, nil
}

func (s *RuleService) prependGradingExceptions(ctx context.Context, rc RuleContext, rules []content.GradingRuleDesc) ([]content.GradingRuleDesc, error) {
	raw, err := s.activeExceptions(ctx, rc, models.RuleKindGrading)
	if err != nil {
		return nil, err
	}
	for _, exc := range raw {
		rule, err := content.DecodeGradingRule(exc.Rule)
		if err != nil {
			return nil, appErrors.WrapAs(err, appErrors.ErrValidation, "stored grading rule exception is invalid")
		}
		rules = append([]content.GradingRuleDesc{*rule}, rules...)
	}
	return rules, nil
}

// activeExceptions returns the participant's live exceptions in creation
// order. Prepending one at a time leaves the newest exception in front.
func (s *RuleService) activeExceptions(ctx context.Context, rc RuleContext, kind models.RuleKind) ([]models.FlowRuleException, error) {
	if rc.Participation == nil {
		return nil, nil
	}
	return s.exceptions.ListActive(ctx, rc.Participation.ID, rc.FlowID, kind, rc.Now)
}
