package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"crypto-rate-tracker/internal/analytics"
	"crypto-rate-tracker/internal/fetcher"
	"crypto-rate-tracker/internal/service"
)

// Response is the envelope of every API reply. Code mirrors the HTTP status.
type Response struct {
	Code      int    `json:"code"`
	Msg       string `json:"msg"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Response{
		Code:      http.StatusOK,
		Msg:       "success",
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
}

func fail(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, Response{
		Code:      status,
		Msg:       msg,
		Timestamp: time.Now().UnixMilli(),
	})
}

// statusFor maps error kinds to HTTP statuses.
func statusFor(err error) int {
	var verr *analytics.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, fetcher.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, fetcher.ErrProvider), errors.Is(err, fetcher.ErrEmptyResult):
		return http.StatusBadGateway
	case errors.Is(err, service.ErrSyncInProgress):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
