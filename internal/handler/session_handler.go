package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/inducer/relate-sub000/internal/models"
	"github.com/inducer/relate-sub000/internal/service"
	appErrors "github.com/inducer/relate-sub000/pkg/errors"
	"github.com/inducer/relate-sub000/pkg/response"
)

// SessionHandler exposes the flow session lifecycle endpoints.
type SessionHandler struct {
	sessions *service.SessionService
}

// NewSessionHandler constructs handler.
func NewSessionHandler(sessions *service.SessionService) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

type startSessionPayload struct {
	CourseID        string   `json:"course_id"`
	ParticipationID *string  `json:"participation_id"`
	FlowID          string   `json:"flow_id"`
	Facilities      []string `json:"facilities"`
	ExamTicketFlow  *string  `json:"exam_ticket_flow_id"`
}

// Start begins a new flow session.
func (h *SessionHandler) Start(c *gin.Context) {
	var payload startSessionPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	req := service.StartSessionRequest{
		CourseID:        payload.CourseID,
		ParticipationID: payload.ParticipationID,
		FlowID:          payload.FlowID,
		Facilities:      facilitySet(payload.Facilities),
		ExamTicket:      ticketFor(payload.ExamTicketFlow, payload.ParticipationID),
	}
	session, err := h.sessions.Start(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, session)
}

// Access resolves what the requester may currently do with a session.
func (h *SessionHandler) Access(c *gin.Context) {
	examTicketFlow := queryPtr(c, "exam_ticket_flow_id")
	state, err := h.sessions.ResolveAccess(c.Request.Context(), c.Param("id"),
		facilitySet(c.QueryArray("facility")), ticketFor(examTicketFlow, nil), time.Time{})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{
		"session":     state.Session,
		"permissions": state.Rule.PermissionList(),
		"message":     state.Rule.Message,
	})
}

// Finish ends and grades an in-progress session.
func (h *SessionHandler) Finish(c *gin.Context) {
	info, err := h.sessions.Finish(c.Request.Context(), c.Param("id"), time.Time{})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, info)
}

type expirePayload struct {
	PastDueOnly bool `json:"past_due_only"`
}

// Expire applies the session's expiration mode.
func (h *SessionHandler) Expire(c *gin.Context) {
	var payload expirePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	processed, err := h.sessions.Expire(c.Request.Context(), c.Param("id"), time.Time{}, payload.PastDueOnly)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"processed": processed})
}

type reopenPayload struct {
	UnsubmitPages bool `json:"unsubmit_pages"`
}

// Reopen puts a finished session back in progress.
func (h *SessionHandler) Reopen(c *gin.Context) {
	var payload reopenPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	if err := h.sessions.Reopen(c.Request.Context(), c.Param("id"), time.Time{}, payload.UnsubmitPages); err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"status": "reopened"})
}

// Regrade re-runs page graders over the session.
func (h *SessionHandler) Regrade(c *gin.Context) {
	if err := h.sessions.Regrade(c.Request.Context(), c.Param("id"), time.Time{}); err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"status": "regraded"})
}

// Recalculate re-derives the session grade from existing page grades.
func (h *SessionHandler) Recalculate(c *gin.Context) {
	if err := h.sessions.Recalculate(c.Request.Context(), c.Param("id"), time.Time{}); err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"status": "recalculated"})
}

// Pages lists the session's page rows.
func (h *SessionHandler) Pages(c *gin.Context) {
	pages, err := h.sessions.ListPages(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, pages)
}

// Page returns one page with its most recent answer and grade.
func (h *SessionHandler) Page(c *gin.Context) {
	ordinal, err := strconv.Atoi(c.Param("ordinal"))
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid page ordinal"))
		return
	}
	state, err := h.sessions.PageAt(c.Request.Context(), c.Param("id"), ordinal)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, state)
}

type answerPayload struct {
	Answer         json.RawMessage `json:"answer"`
	Facilities     []string        `json:"facilities"`
	ExamTicketFlow *string         `json:"exam_ticket_flow_id"`
}

// SaveAnswer stores an uncommitted answer.
func (h *SessionHandler) SaveAnswer(c *gin.Context) {
	ordinal, err := strconv.Atoi(c.Param("ordinal"))
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid page ordinal"))
		return
	}
	var payload answerPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	visit, err := h.sessions.SaveAnswer(c.Request.Context(), c.Param("id"), ordinal,
		payload.Answer, facilitySet(payload.Facilities), ticketFor(payload.ExamTicketFlow, nil), time.Time{})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, visit)
}

// SubmitAnswer commits an answer and grades it where possible.
func (h *SessionHandler) SubmitAnswer(c *gin.Context) {
	ordinal, err := strconv.Atoi(c.Param("ordinal"))
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid page ordinal"))
		return
	}
	var payload answerPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	result, err := h.sessions.SubmitAnswer(c.Request.Context(), c.Param("id"), ordinal,
		payload.Answer, facilitySet(payload.Facilities), ticketFor(payload.ExamTicketFlow, nil), time.Time{})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result)
}

type bookmarkPayload struct {
	Bookmarked bool `json:"bookmarked"`
}

// Bookmark flags or unflags a page.
func (h *SessionHandler) Bookmark(c *gin.Context) {
	ordinal, err := strconv.Atoi(c.Param("ordinal"))
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid page ordinal"))
		return
	}
	var payload bookmarkPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	if err := h.sessions.SetBookmark(c.Request.Context(), c.Param("id"), ordinal, payload.Bookmarked); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

func facilitySet(names []string) map[string]struct{} {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

// ticketFor builds the rule-evaluation view of an exam ticket from the
// authenticated sign-in state the caller forwards.
func ticketFor(flowID, participationID *string) *models.ExamTicket {
	if flowID == nil {
		return nil
	}
	ticket := &models.ExamTicket{FlowID: *flowID}
	if participationID != nil {
		ticket.ParticipationID = *participationID
	}
	return ticket
}

func queryPtr(c *gin.Context, key string) *string {
	if v, ok := c.GetQuery(key); ok {
		return &v
	}
	return nil
}
