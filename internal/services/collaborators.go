package services

import (
	"context"

	"github.com/tbourn/go-procurement-bot/internal/domain"
	"github.com/tbourn/go-procurement-bot/internal/listing"
	"github.com/tbourn/go-procurement-bot/internal/mail"
)

// Listings is the business listing service used by supplier search.
type Listings interface {
	Search(ctx context.Context, query, location string) ([]listing.Listing, error)
	RawSearch(ctx context.Context, query, location string) ([]listing.Listing, error)
	Details(ctx context.Context, placeID string) ([]byte, error)
}

// MailTransport sends one plain-text e-mail.
type MailTransport interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Inbox is the monitored mailbox read by the correlator.
type Inbox interface {
	ListUnread(ctx context.Context) ([]mail.Message, error)
	MarkSeen(ctx context.Context, uid uint32) error
}

// CRM is the external sales pipeline. A zero lead id means none was created.
type CRM interface {
	CreateLead(ctx context.Context, app *domain.Application, buyer *domain.Buyer) (int64, error)
	SyncStatus(ctx context.Context, leadID int64, status domain.Status) error
}

// Notifier delivers messages to the conversational front end.
type Notifier interface {
	NotifyRequester(ctx context.Context, requester domain.Requester, text string, attachment *string) error
	NotifyManager(ctx context.Context, text string) error
}
