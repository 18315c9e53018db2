package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/inducer/relate-sub000/internal/service"
	appErrors "github.com/inducer/relate-sub000/pkg/errors"
	"github.com/inducer/relate-sub000/pkg/response"
)

// BatchHandler exposes bulk lifecycle operations over session scopes.
type BatchHandler struct {
	batches *service.BatchService
}

// NewBatchHandler constructs handler.
func NewBatchHandler(batches *service.BatchService) *BatchHandler {
	return &BatchHandler{batches: batches}
}

var batchOperations = map[string]string{
	"expire":      service.JobExpireSessions,
	"finish":      service.JobFinishSessions,
	"regrade":     service.JobRegradeSessions,
	"recalculate": service.JobRecalculateSessions,
}

// Run executes a batch operation. With ?async=true the batch is queued and
// the job id returned instead.
func (h *BatchHandler) Run(c *gin.Context) {
	jobType, ok := batchOperations[c.Param("operation")]
	if !ok {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "unknown batch operation"))
		return
	}
	var req service.BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}

	if c.Query("async") == "true" {
		jobID, err := h.batches.Enqueue(jobType, req)
		if err != nil {
			response.Error(c, err)
			return
		}
		response.JSON(c, http.StatusAccepted, gin.H{"job_id": jobID})
		return
	}

	var (
		result service.BatchResult
		err    error
	)
	ctx := c.Request.Context()
	switch jobType {
	case service.JobExpireSessions:
		result, err = h.batches.ExpireSessions(ctx, req)
	case service.JobFinishSessions:
		result, err = h.batches.FinishSessions(ctx, req)
	case service.JobRegradeSessions:
		result, err = h.batches.RegradeSessions(ctx, req)
	case service.JobRecalculateSessions:
		result, err = h.batches.RecalculateSessions(ctx, req)
	}
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result)
}
