// Package handlers provides the HTTP handlers of the procurement API.
//
// This file holds the response helpers shared by every endpoint: the error
// envelope, the service error mapping and the pagination block.
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-procurement-bot/internal/http/middleware"
	"github.com/tbourn/go-procurement-bot/internal/services"
	"github.com/tbourn/go-procurement-bot/internal/utils"
)

// ErrorResponse is the error envelope returned by all endpoints.
type ErrorResponse struct {
	// Correlates server logs and client errors
	RequestID string `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	// Stable, machine-readable code (see errors.go)
	Code string `json:"code" example:"not_found"`
	// Human-readable next step
	Message string `json:"message" example:"application not found; check the id"`
}

// Pagination carries page metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

func newPagination(page, size int, total int64) Pagination {
	pages := utils.TotalPages(total, size)
	return Pagination{Page: page, PageSize: size, Total: total, TotalPages: pages, HasNext: page < pages}
}

// clampPagination reads page and page_size from the query string.
func clampPagination(c *gin.Context) (page, pageSize int) {
	return utils.ClampPage(c.Query("page"), c.Query("page_size"))
}

// fail aborts with the envelope. 5xx responses are logged.
func fail(c *gin.Context, status int, code, msg string) {
	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}
	c.AbortWithStatusJSON(status, ErrorResponse{
		RequestID: c.Writer.Header().Get(middleware.HeaderRequestID),
		Code:      code,
		Message:   msg,
	})
}

// Fail is the exported variant of fail for the router.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// serviceError maps a service sentinel to status, code and message.
func serviceError(err error) (int, string, string) {
	switch {
	case errors.Is(err, services.ErrApplicationNotFound):
		return http.StatusNotFound, ErrCodeNotFound, "application not found; check the id"
	case errors.Is(err, services.ErrSupplierNotFound):
		return http.StatusNotFound, ErrCodeNotFound, "supplier not found; pick one from the supplier list"
	case errors.Is(err, services.ErrRequesterNotFound):
		return http.StatusNotFound, ErrCodeNotFound, "requester not found; they must write to the bot first"
	case errors.Is(err, services.ErrInvalidTransition):
		return http.StatusConflict, ErrCodeInvalidTransition, "this action is not allowed in the current status; reload the application"
	case errors.Is(err, services.ErrNoSupplier):
		return http.StatusConflict, ErrCodeNoSupplier, "assign a supplier before starting a negotiation"
	case errors.Is(err, services.ErrUnknownAction):
		return http.StatusBadRequest, ErrCodeUnknownAction, "action must be one of negotiation, request_info, reject, invoice"
	case errors.Is(err, services.ErrInvalidStatus):
		return http.StatusBadRequest, ErrCodeBadRequest, "unknown status filter"
	case errors.Is(err, services.ErrEmptyMessage):
		return http.StatusBadRequest, ErrCodeBadRequest, "message text is required"
	case errors.Is(err, services.ErrMissingFields):
		return http.StatusUnprocessableEntity, ErrCodeMissingFields, "the application lacks product, city or address; continue intake"
	case errors.Is(err, services.ErrDraftFailed):
		return http.StatusBadGateway, ErrCodeDraftFailed, "the e-mail could not be drafted; retry the negotiation action later"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, ErrCodeInternal, "the operation timed out; retry later"
	default:
		return http.StatusInternalServerError, ErrCodeInternal, "internal error; retry later"
	}
}

// failService writes the mapped error for err.
func failService(c *gin.Context, err error) {
	status, code, msg := serviceError(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	fail(c, status, code, msg)
}

// ok writes a JSON success response.
func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}
