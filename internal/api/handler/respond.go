package handler

import (
	"errors"
	"net/http"

	"github.com/blackroad/repoplane/internal/domain"
	"github.com/gin-gonic/gin"
)

// ErrorResponse is the error body every operation returns on failure.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// respondError maps component sentinel errors onto transport status codes.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	label := "internal_error"
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
		label = "not_found"
	case errors.Is(err, domain.ErrConflict):
		status = http.StatusConflict
		label = "conflict"
	case errors.Is(err, domain.ErrValidation):
		status = http.StatusBadRequest
		label = "validation_failed"
	}
	c.JSON(status, ErrorResponse{Error: label, Message: err.Error()})
}
