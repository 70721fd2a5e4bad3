// Package services implements the procurement workflow: intake, supplier
// search, manager decisions, e-mail negotiation and reply correlation.
// This file centralizes common service-level error values so that they can be
// consistently returned by service methods and checked by callers.
//
// Translation into user-facing messages or HTTP status codes is performed at
// the handler layer.
package services

import (
	"errors"

	"github.com/tbourn/go-procurement-bot/internal/domain"
)

var (
	// ErrApplicationNotFound indicates that the referenced application does not exist.
	ErrApplicationNotFound = errors.New("application not found")

	// ErrSupplierNotFound indicates that the referenced supplier does not exist.
	ErrSupplierNotFound = errors.New("supplier not found")

	// ErrRequesterNotFound indicates that the referenced requester does not exist.
	ErrRequesterNotFound = errors.New("requester not found")

	// ErrInvalidTransition is the state machine rejection, re-exported so
	// callers only depend on this package.
	ErrInvalidTransition = domain.ErrInvalidTransition

	// ErrInvalidStatus is returned when a status filter is not a known status.
	ErrInvalidStatus = errors.New("unknown application status")

	// ErrDraftFailed is returned when the generator could not draft a
	// negotiation e-mail. No status change is made.
	ErrDraftFailed = errors.New("could not draft negotiation e-mail")

	// ErrMissingFields is returned when intake details lack product, city or address.
	ErrMissingFields = errors.New("required application fields are missing")

	// ErrNoSupplier is returned when an operation needs an assigned supplier.
	ErrNoSupplier = errors.New("application has no supplier")

	// ErrUnknownAction is returned for a manager action outside the known set.
	ErrUnknownAction = errors.New("unknown manager action")

	// ErrEmptyMessage is returned when a requester message is blank.
	ErrEmptyMessage = errors.New("message is empty")
)
