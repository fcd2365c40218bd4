package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/registry/internal/collections"
	"github.com/MarcoPoloResearchLab/registry/internal/records"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type codedError interface {
	Code() string
}

// writeServiceError maps store errors onto HTTP statuses with a {"error": code} body.
func (h *httpHandler) writeServiceError(c *gin.Context, operation string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, records.ErrUnknownCollection):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_collection"})
		return
	case errors.Is(err, collections.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, collections.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, collections.ErrInvalidRecord):
		status = http.StatusBadRequest
	case errors.Is(err, collections.ErrForbidden):
		status = http.StatusForbidden
	}

	code := "internal_error"
	var coded codedError
	if errors.As(err, &coded) && status != http.StatusInternalServerError {
		code = coded.Code()
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("operation", operation), zap.Error(err))
	} else {
		h.logger.Info("request rejected", zap.String("operation", operation), zap.Int("status", status), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code})
}
