package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/inducer/relate-sub000/internal/service"
	appErrors "github.com/inducer/relate-sub000/pkg/errors"
	"github.com/inducer/relate-sub000/pkg/response"
)

// ExceptionHandler exposes rule exception management.
type ExceptionHandler struct {
	rules *service.RuleService
}

// NewExceptionHandler constructs handler.
func NewExceptionHandler(rules *service.RuleService) *ExceptionHandler {
	return &ExceptionHandler{rules: rules}
}

// Grant stores a participant-scoped rule override.
func (h *ExceptionHandler) Grant(c *gin.Context) {
	var req service.GrantExceptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	exc, err := h.rules.GrantException(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, exc)
}

// Revoke deactivates a rule exception.
func (h *ExceptionHandler) Revoke(c *gin.Context) {
	if err := h.rules.RevokeException(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}
