// Package services – Correlator
//
// Correlator polls the inbox on a fixed interval and routes each unread
// message to a negotiation: first to the suppliers whose e-mail matches the
// sender, then to the most recently created application of those suppliers
// in the negotiation family. Two open negotiations with the same supplier are
// not told apart; the newer application receives the reply.
//
// A message is marked seen only after Advance returned without error.
// Unknown senders, unmatched messages, errors and panics leave it unread so
// the next tick retries it.
package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-procurement-bot/internal/mail"
	"github.com/tbourn/go-procurement-bot/internal/repo"
)

// ReplyHandler advances a negotiation with a supplier reply.
type ReplyHandler interface {
	Advance(ctx context.Context, applicationID string, in InboundReply) error
}

// Tick outcomes.
const (
	outcomeRouted        = "routed"
	outcomeUnknownFrom   = "unknown_sender"
	outcomeNoNegotiation = "no_negotiation"
	outcomeFailed        = "failed"
)

// TickResult summarizes one poll.
type TickResult struct {
	Unread  int `json:"unread"`
	Routed  int `json:"routed"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Correlator routes inbox replies to negotiations.
type Correlator struct {
	DB       *gorm.DB
	Inbox    Inbox
	Handler  ReplyHandler
	Interval time.Duration
	Log      *zerolog.Logger

	tickMu sync.Mutex
}

func (c *Correlator) logger() *zerolog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return &log.Logger
}

// Run ticks every Interval until ctx is done.
func (c *Correlator) Run(ctx context.Context) {
	interval := c.Interval
	if interval <= 0 {
		interval = 3 * time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	lg := c.logger()
	lg.Info().Dur("interval", interval).Msg("inbound correlator started")
	for {
		select {
		case <-ctx.Done():
			lg.Info().Msg("inbound correlator stopped")
			return
		case <-t.C:
			res, err := c.Tick(ctx)
			if err != nil {
				lg.Error().Err(err).Msg("inbox poll failed")
				continue
			}
			if res.Unread > 0 {
				lg.Info().Interface("result", res).Msg("inbox polled")
			}
		}
	}
}

// Tick runs one poll. Concurrent calls are serialized.
func (c *Correlator) Tick(ctx context.Context) (TickResult, error) {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	var res TickResult
	if c.Inbox == nil {
		return res, nil
	}
	msgs, err := c.Inbox.ListUnread(ctx)
	if err != nil {
		return res, fmt.Errorf("list unread: %w", err)
	}
	res.Unread = len(msgs)
	for _, m := range msgs {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		outcome := c.route(ctx, m)
		inboundMessages.WithLabelValues(outcome).Inc()
		switch outcome {
		case outcomeRouted:
			res.Routed++
			if err := c.Inbox.MarkSeen(ctx, m.UID); err != nil {
				c.logger().Warn().Err(err).Uint32("uid", m.UID).Msg("mark seen failed")
			}
		case outcomeFailed:
			res.Failed++
		default:
			res.Skipped++
		}
	}
	return res, nil
}

// route resolves and advances one message; it never marks it seen.
func (c *Correlator) route(ctx context.Context, m mail.Message) (outcome string) {
	lg := c.logger().With().Uint32("uid", m.UID).Str("from", m.From).Logger()
	defer func() {
		if r := recover(); r != nil {
			lg.Error().Interface("panic", r).Msg("advance panicked; message left unread")
			outcome = outcomeFailed
		}
	}()

	suppliers, err := repo.FindSuppliersByEmail(ctx, c.DB, m.From)
	if err != nil {
		lg.Error().Err(err).Msg("supplier lookup failed")
		return outcomeFailed
	}
	if len(suppliers) == 0 {
		lg.Debug().Msg("sender is not a known supplier")
		return outcomeUnknownFrom
	}
	ids := make([]string, 0, len(suppliers))
	for _, s := range suppliers {
		ids = append(ids, s.ID)
	}
	app, err := repo.LatestNegotiationForSuppliers(ctx, c.DB, ids)
	if errors.Is(err, repo.ErrNotFound) {
		lg.Debug().Msg("no open negotiation for sender")
		return outcomeNoNegotiation
	}
	if err != nil {
		lg.Error().Err(err).Msg("negotiation lookup failed")
		return outcomeFailed
	}

	err = c.Handler.Advance(ctx, app.ID, InboundReply{
		MessageID: m.MessageID,
		UID:       m.UID,
		From:      m.From,
		Subject:   m.Subject,
		Body:      m.Body,
	})
	if err != nil {
		lg.Error().Err(err).Str("application_id", app.ID).Msg("advance failed; message left unread")
		return outcomeFailed
	}
	lg.Info().Str("application_id", app.ID).Msg("reply routed")
	return outcomeRouted
}
