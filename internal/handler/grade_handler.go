package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/inducer/relate-sub000/internal/service"
	"github.com/inducer/relate-sub000/pkg/response"
)

// GradeHandler exposes grading opportunity and grade state endpoints.
type GradeHandler struct {
	grades *service.GradeService
}

// NewGradeHandler constructs handler.
func NewGradeHandler(grades *service.GradeService) *GradeHandler {
	return &GradeHandler{grades: grades}
}

// Opportunity returns one grading opportunity.
func (h *GradeHandler) Opportunity(c *gin.Context) {
	opp, err := h.grades.Opportunity(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, opp)
}

// GradeState replays the grade change log for one participation into the
// current derived state, including the aggregated percentage.
func (h *GradeHandler) GradeState(c *gin.Context) {
	opp, err := h.grades.Opportunity(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	state, err := h.grades.GradeStateFor(c.Request.Context(), opp, c.Param("participationId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{
		"state":      state,
		"percentage": state.Percentage(opp.AggregationStrategy),
	})
}
