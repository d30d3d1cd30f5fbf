package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	syncerrors "github.com/kimhsiao/mealsync/internal/errors"
)

type apiResponse struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    any            `json:"data,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

func ok(c *gin.Context, status int, data any, meta map[string]any) {
	c.JSON(status, apiResponse{
		Code:    0,
		Message: "ok",
		Data:    data,
		Meta:    meta,
	})
}

func fail(c *gin.Context, status int, message string, meta map[string]any) {
	c.JSON(status, apiResponse{
		Code:    status,
		Message: message,
		Meta:    meta,
	})
}

// failSync reports a taxonomy error with its code and retry hints.
func failSync(c *gin.Context, err error) {
	se := syncerrors.Classify(err)
	status := http.StatusInternalServerError
	switch {
	case se.Code == syncerrors.ErrNoInternet:
		status = http.StatusServiceUnavailable
	case se.RequiresReauthentication():
		status = http.StatusUnauthorized
	case se.Code == syncerrors.ErrCancelled:
		status = http.StatusConflict
	case se.Retryable():
		status = http.StatusBadGateway
	}
	fail(c, status, se.Error(), map[string]any{
		"error_code": string(se.Code),
		"retryable":  se.Retryable(),
	})
}
