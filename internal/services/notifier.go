package services

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-procurement-bot/internal/domain"
	"github.com/tbourn/go-procurement-bot/internal/repo"
)

// OutboxNotifier stores notifications for the front end to poll.
type OutboxNotifier struct {
	DB *gorm.DB
}

// NotifyRequester queues text (and an optional document handle) for the requester.
func (n *OutboxNotifier) NotifyRequester(ctx context.Context, requester domain.Requester, text string, attachment *string) error {
	id := requester.ID
	_, err := repo.CreateNotification(ctx, n.DB, repo.AudienceRequester, &id, text, attachment)
	return err
}

// NotifyManager queues text for the manager desk.
func (n *OutboxNotifier) NotifyManager(ctx context.Context, text string) error {
	_, err := repo.CreateNotification(ctx, n.DB, repo.AudienceManager, nil, text, nil)
	return err
}

// LogNotifier only writes notifications to the log.
type LogNotifier struct {
	Log *zerolog.Logger
	// ManagerChatID is included in manager entries so operators can route them.
	ManagerChatID string
}

func (n *LogNotifier) logger() *zerolog.Logger {
	if n.Log != nil {
		return n.Log
	}
	return &log.Logger
}

// NotifyRequester logs the notification.
func (n *LogNotifier) NotifyRequester(_ context.Context, requester domain.Requester, text string, attachment *string) error {
	ev := n.logger().Info().Str("requester_id", requester.ID).Str("external_id", requester.ExternalID)
	if attachment != nil {
		ev = ev.Str("attachment", *attachment)
	}
	ev.Str("text", text).Msg("notify requester")
	return nil
}

// NotifyManager logs the notification.
func (n *LogNotifier) NotifyManager(_ context.Context, text string) error {
	n.logger().Info().Str("manager_chat_id", n.ManagerChatID).Str("text", text).Msg("notify manager")
	return nil
}

// Notifiers fans every notification out to each member. All members are
// tried; their errors are joined.
type Notifiers []Notifier

// NotifyRequester implements Notifier.
func (ns Notifiers) NotifyRequester(ctx context.Context, requester domain.Requester, text string, attachment *string) error {
	var errs []error
	for _, n := range ns {
		if err := n.NotifyRequester(ctx, requester, text, attachment); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NotifyManager implements Notifier.
func (ns Notifiers) NotifyManager(ctx context.Context, text string) error {
	var errs []error
	for _, n := range ns {
		if err := n.NotifyManager(ctx, text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
