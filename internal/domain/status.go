package domain

import (
	"errors"
	"fmt"
)

// Status is the closed set of lifecycle states of an Application.
type Status string

const (
	StatusIntake               Status = "intake"
	StatusSearching            Status = "searching"
	StatusManagerReview        Status = "manager_review"
	StatusNegotiating          Status = "negotiating"
	StatusNegotiationEmailSent Status = "negotiation_email_sent"
	StatusNegotiationAgreed    Status = "negotiation_agreed"
	StatusInfoRequested        Status = "info_requested"
	StatusClosed               Status = "closed"
	StatusRejected             Status = "rejected"
)

// ErrInvalidTransition is returned when a status change is not in the table.
var ErrInvalidTransition = errors.New("invalid status transition")

// transitions lists every permitted from -> to edge. Anything absent is rejected.
var transitions = map[Status][]Status{
	StatusIntake:               {StatusSearching, StatusRejected},
	StatusSearching:            {StatusManagerReview, StatusRejected},
	StatusManagerReview:        {StatusNegotiating, StatusInfoRequested, StatusRejected},
	StatusNegotiating:          {StatusNegotiationEmailSent, StatusInfoRequested, StatusRejected},
	StatusNegotiationEmailSent: {StatusNegotiationAgreed, StatusInfoRequested, StatusRejected},
	StatusNegotiationAgreed:    {StatusClosed, StatusRejected},
	StatusInfoRequested:        {StatusNegotiating, StatusRejected},
}

// AllStatuses returns every known status in lifecycle order.
func AllStatuses() []Status {
	return []Status{
		StatusIntake, StatusSearching, StatusManagerReview, StatusNegotiating,
		StatusNegotiationEmailSent, StatusNegotiationAgreed, StatusInfoRequested,
		StatusClosed, StatusRejected,
	}
}

// Valid reports whether s is a member of the enumeration.
func (s Status) Valid() bool {
	switch s {
	case StatusIntake, StatusSearching, StatusManagerReview, StatusNegotiating,
		StatusNegotiationEmailSent, StatusNegotiationAgreed, StatusInfoRequested,
		StatusClosed, StatusRejected:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool { return s == StatusClosed || s == StatusRejected }

// Active reports whether s is a known, non-terminal status.
func (s Status) Active() bool { return s.Valid() && !s.Terminal() }

// Negotiation reports whether s belongs to the negotiation family
// (negotiating and every negotiation_* state).
func (s Status) Negotiation() bool {
	switch s {
	case StatusNegotiating, StatusNegotiationEmailSent, StatusNegotiationAgreed:
		return true
	}
	return false
}

// NegotiationStatuses returns the statuses matched by Negotiation.
func NegotiationStatuses() []Status {
	return []Status{StatusNegotiating, StatusNegotiationEmailSent, StatusNegotiationAgreed}
}

// CanTransition reports whether from -> to is a permitted edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates from -> to and returns an error wrapping
// ErrInvalidTransition when the edge is not permitted.
func Transition(from, to Status) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("%w: unknown status %q -> %q", ErrInvalidTransition, from, to)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
