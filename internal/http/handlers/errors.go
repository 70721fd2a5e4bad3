// Package handlers defines the error codes returned by the API.
//
// Every error response carries an HTTP status and one of these codes in the
// ErrorResponse envelope. Clients branch on the code; the message tells a
// human what to do next.
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "invalid_transition",
//	  "message": "the application is closed; open a new request instead"
//	}
package handlers

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Domain-specific:
	ErrCodeInvalidTransition = "invalid_transition"
	ErrCodeNoSupplier        = "no_supplier"
	ErrCodeUnknownAction     = "unknown_action"
	ErrCodeMissingFields     = "missing_fields"
	ErrCodeDraftFailed       = "draft_failed"
	ErrCodeIntakeFailed      = "intake_failed"
	ErrCodeListFailed        = "list_failed"
	ErrCodePollFailed        = "poll_failed"
)
