// Package services – Negotiator
//
// Negotiator drives the e-mail negotiation of one application with its
// supplier. Each round hands a JSON turn to the generator under the
// application's memory key and expects a decision
// {"subject", "body", "done", "summary"} back. A reply without a parseable
// decision is sent as-is under a default subject with done=false.
//
// Transcript durability comes first: the inbound reply is written before the
// generator is asked, and an outbound record is written whether or not the
// transport accepted the message. A send failure is logged and never rolls a
// status back.
package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-procurement-bot/internal/domain"
	"github.com/tbourn/go-procurement-bot/internal/llm"
	"github.com/tbourn/go-procurement-bot/internal/repo"
)

const (
	openingSubject = "Запрос коммерческого предложения"
	counterSubject = "Ответ"
	inboundSubject = "RE: переговоры"

	msgRequestSent = "Мы отправили запрос поставщику, сообщим о ходе переговоров."
	msgAgreed      = "Условия согласованы! Формируем счёт..."
	msgCounterSent = "Отправлен встречный ответ поставщику."
)

// errNoTransport is recorded on outbound rows when no mail transport is wired.
var errNoTransport = errors.New("mail transport not configured")

// InboundReply is a supplier e-mail handed to Advance.
type InboundReply struct {
	MessageID string
	// UID is the mailbox uid; it only feeds the dedup key of replies
	// without a Message-ID.
	UID       uint32
	From      string
	Subject   string
	Body      string
}

// Negotiator runs negotiation rounds.
type Negotiator struct {
	Apps *ApplicationService
	// Conv carries the generator, the memory and the negotiation persona.
	Conv     *llm.Conversation
	Mail     MailTransport
	From     string
	Notifier Notifier
	Invoices *InvoiceService
	Log      *zerolog.Logger
}

type decision struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
	Done    bool   `json:"done"`
	Summary string `json:"summary"`
}

// parseDecision extracts the decision from a reply, falling back to the raw
// text as body under fallbackSubject.
func parseDecision(reply, fallbackSubject string) decision {
	var d decision
	if err := llm.ExtractJSON(reply, &d); err != nil {
		return decision{Subject: fallbackSubject, Body: strings.TrimSpace(reply)}
	}
	if strings.TrimSpace(d.Subject) == "" {
		d.Subject = fallbackSubject
	}
	if strings.TrimSpace(d.Body) == "" && !d.Done {
		d.Body = strings.TrimSpace(reply)
	}
	return d
}

type turnInput struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type openingContext struct {
	Supplier struct {
		Name    string `json:"name"`
		Email   string `json:"email,omitempty"`
		Phone   string `json:"phone,omitempty"`
		City    string `json:"city,omitempty"`
		Address string `json:"address,omitempty"`
	} `json:"supplier"`
	Requester struct {
		Name string `json:"name"`
	} `json:"requester"`
	Application struct {
		ID         string         `json:"id"`
		SearchTerm string         `json:"search_term"`
		Details    map[string]any `json:"details"`
	} `json:"application"`
}

func buildOpeningContext(app *domain.Application) openingContext {
	var oc openingContext
	if sup := app.Supplier; sup != nil {
		oc.Supplier.Name = sup.Name
		oc.Supplier.Email = deref(sup.Email)
		oc.Supplier.Phone = deref(sup.Phone)
		oc.Supplier.City = sup.City
		oc.Supplier.Address = deref(sup.Address)
	}
	oc.Requester.Name = app.Requester.DisplayName()
	oc.Application.ID = app.ID
	oc.Application.SearchTerm = app.SearchTerm
	oc.Application.Details = map[string]any(app.Details)
	return oc
}

func (n *Negotiator) logger() *zerolog.Logger {
	if n.Log != nil {
		return n.Log
	}
	return &log.Logger
}

// Open sends the opening e-mail of a negotiation. The application must be in
// StatusNegotiating with a supplier assigned.
func (n *Negotiator) Open(ctx context.Context, applicationID string) error {
	unlock := n.Apps.lock(applicationID)
	defer unlock()

	app, err := n.Apps.load(ctx, applicationID)
	if err != nil {
		return err
	}
	return n.open(ctx, app)
}

// open runs Open with the application lock held.
func (n *Negotiator) open(ctx context.Context, app *domain.Application) error {
	tr := otel.Tracer("services/Negotiator")
	ctx, span := tr.Start(ctx, "Open", trace.WithAttributes(attribute.String("application.id", app.ID)))
	defer span.End()

	if app.SupplierID == nil || app.Supplier == nil {
		return ErrNoSupplier
	}
	if app.Status != domain.StatusNegotiating {
		return fmt.Errorf("%w: cannot open negotiation from %s", ErrInvalidTransition, app.Status)
	}

	input := llm.Encode(turnInput{Role: "system", Content: buildOpeningContext(app)})
	reply, err := n.Conv.Reply(ctx, negotiationKeyPrefix+app.ID, input)
	if err != nil {
		n.logger().Error().Err(err).Str("application_id", app.ID).Msg("draft opening e-mail failed")
		return fmt.Errorf("%w: %v", ErrDraftFailed, err)
	}
	d := parseDecision(reply, openingSubject)

	if _, err := n.sendAndRecord(ctx, app, d); err != nil {
		return err
	}
	if err := n.Apps.transition(ctx, app, domain.StatusNegotiationEmailSent); err != nil {
		return err
	}
	n.notifyRequester(ctx, app, msgRequestSent)
	return nil
}

// Advance records a supplier reply and runs the next round. The reply is
// recorded once per MessageID, so a retried delivery does not repeat it in
// the transcript. An error means the round did not complete and the reply
// should be retried.
func (n *Negotiator) Advance(ctx context.Context, applicationID string, in InboundReply) error {
	unlock := n.Apps.lock(applicationID)
	defer unlock()

	tr := otel.Tracer("services/Negotiator")
	ctx, span := tr.Start(ctx, "Advance", trace.WithAttributes(attribute.String("application.id", applicationID)))
	defer span.End()

	app, err := n.Apps.load(ctx, applicationID)
	if err != nil {
		return err
	}
	if !app.Status.Negotiation() {
		return fmt.Errorf("%w: application %s is %s", ErrInvalidTransition, app.ID, app.Status)
	}
	lg := n.logger().With().Str("application_id", app.ID).Logger()

	if err := n.recordInbound(ctx, app, in); err != nil {
		return err
	}

	if app.Status == domain.StatusNegotiationAgreed {
		n.notifyManager(ctx, fmt.Sprintf("Поставщик прислал письмо по заявке #%s после согласования условий:\n%s", app.ID, in.Body))
		return nil
	}

	input := llm.Encode(turnInput{Role: "supplier", Content: in.Body})
	reply, err := n.Conv.Reply(ctx, negotiationKeyPrefix+app.ID, input)
	if err != nil {
		lg.Error().Err(err).Msg("draft counter e-mail failed")
		return fmt.Errorf("%w: %v", ErrDraftFailed, err)
	}
	d := parseDecision(reply, counterSubject)

	if d.Done {
		return n.conclude(ctx, app, d)
	}

	if _, err := n.sendAndRecord(ctx, app, d); err != nil {
		return err
	}
	if app.Status == domain.StatusNegotiating {
		if err := n.Apps.transition(ctx, app, domain.StatusNegotiationEmailSent); err != nil {
			return err
		}
	}
	n.notifyRequester(ctx, app, msgCounterSent)
	return nil
}

// conclude moves an agreed negotiation to StatusNegotiationAgreed and fires
// the invoice trigger once.
func (n *Negotiator) conclude(ctx context.Context, app *domain.Application, d decision) error {
	if app.Status == domain.StatusNegotiating {
		if err := n.Apps.transition(ctx, app, domain.StatusNegotiationEmailSent); err != nil {
			return err
		}
	}
	if err := n.Apps.transition(ctx, app, domain.StatusNegotiationAgreed); err != nil {
		return err
	}
	n.notifyRequester(ctx, app, msgAgreed)

	summary := strings.TrimSpace(d.Summary)
	if n.Invoices != nil {
		inv, err := n.Invoices.Trigger(ctx, app, AmountFromSummary(summary))
		if err != nil {
			n.logger().Error().Err(err).Str("application_id", app.ID).Msg("invoice trigger failed")
		} else {
			summary = fmt.Sprintf("%s\nСчёт № %s", summary, inv.Number)
		}
	}
	n.notifyManager(ctx, fmt.Sprintf("Завершены переговоры по заявке #%s. %s", app.ID, strings.TrimSpace(summary)))
	return nil
}

// dedupKey identifies one inbound message across correlator retries. Replies
// without a Message-ID get a synthetic one derived from the uid and content.
func (in InboundReply) dedupKey() string {
	if id := strings.TrimSpace(in.MessageID); id != "" {
		return id
	}
	h := sha256.New()
	fmt.Fprintf(h, "%d\x00%s\x00%s\x00%s", in.UID, strings.ToLower(strings.TrimSpace(in.From)), in.Subject, in.Body)
	return "<" + hex.EncodeToString(h.Sum(nil)[:16]) + "@inbound.local>"
}

// recordInbound appends the supplier reply unless its dedup key is already
// in the transcript.
func (n *Negotiator) recordInbound(ctx context.Context, app *domain.Application, in InboundReply) error {
	key := in.dedupKey()
	dup, err := repo.HasInboundMessage(ctx, n.Apps.DB, app.ID, key)
	if err != nil {
		return err
	}
	if dup {
		return nil
	}
	subject := strings.TrimSpace(in.Subject)
	if subject == "" {
		subject = inboundSubject
	}
	if _, err := repo.AppendEmail(ctx, n.Apps.DB, repo.NewEmail{
		ApplicationID: app.ID,
		Direction:     domain.DirectionIn,
		ToAddress:     n.From,
		Subject:       subject,
		Body:          in.Body,
		MessageID:     key,
	}); err != nil {
		return fmt.Errorf("record inbound e-mail: %w", err)
	}
	negotiationEmails.WithLabelValues(domain.DirectionIn, "received").Inc()
	return nil
}

// sendAndRecord sends d to the supplier and appends the outbound row. The
// returned error is only a persistence error; a send failure is stored on
// the row and logged.
func (n *Negotiator) sendAndRecord(ctx context.Context, app *domain.Application, d decision) (*domain.EmailRecord, error) {
	to := ""
	if app.Supplier != nil {
		to = strings.TrimSpace(deref(app.Supplier.Email))
	}
	sendErr := errNoTransport
	if n.Mail != nil {
		sendErr = n.Mail.Send(ctx, to, d.Subject, d.Body)
	}
	outcome := "sent"
	if sendErr != nil {
		outcome = "failed"
		n.logger().Warn().Err(sendErr).
			Str("application_id", app.ID).
			Str("to", to).
			Msg("negotiation e-mail send failed")
	}
	negotiationEmails.WithLabelValues(domain.DirectionOut, outcome).Inc()

	rec, err := repo.AppendEmail(ctx, n.Apps.DB, repo.NewEmail{
		ApplicationID: app.ID,
		Direction:     domain.DirectionOut,
		ToAddress:     to,
		Subject:       d.Subject,
		Body:          d.Body,
		SendError:     sendErr,
	})
	if err != nil {
		return nil, fmt.Errorf("record outbound e-mail: %w", err)
	}
	return rec, nil
}

func (n *Negotiator) notifyRequester(ctx context.Context, app *domain.Application, text string) {
	if n.Notifier == nil {
		return
	}
	if err := n.Notifier.NotifyRequester(ctx, app.Requester, text, nil); err != nil {
		n.logger().Warn().Err(err).Str("application_id", app.ID).Msg("notify requester failed")
	}
}

func (n *Negotiator) notifyManager(ctx context.Context, text string) {
	if n.Notifier == nil {
		return
	}
	if err := n.Notifier.NotifyManager(ctx, text); err != nil {
		n.logger().Warn().Err(err).Msg("notify manager failed")
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
