package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/genjob/internal/api/dto"
	"github.com/cuongbtq/genjob/internal/domain"
)

// writeError maps a service error onto an HTTP response. Internal errors
// are logged and answered with a generic message.
func (h *JobHandler) writeError(c *gin.Context, err error) {
	var rejected *domain.AdmissionRejectedError
	switch {
	case errors.As(err, &rejected):
		c.JSON(http.StatusUnprocessableEntity, dto.ErrorResponse{
			Error:  "submission rejected",
			Rule:   rejected.Rule,
			Reason: rejected.Reason,
		})
	case errors.Is(err, domain.ErrJobNotFound):
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "job not found"})
	case errors.Is(err, domain.ErrNotCancellable):
		c.JSON(http.StatusConflict, dto.ErrorResponse{Error: "job is not cancellable"})
	case errors.Is(err, domain.ErrNotRetryable):
		c.JSON(http.StatusConflict, dto.ErrorResponse{Error: "only failed jobs can be retried"})
	default:
		h.logger.Error("Request failed",
			slog.String("path", c.Request.URL.Path),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "internal server error"})
	}
}
