// Package services – IntakeService
//
// IntakeService turns requester messages into a complete application. Each
// message is one generator round under the application's intake memory key.
// The generator answers {"status":"done","details":{...}} or
// {"status":"ask","question":"..."}. A reply that is not such a structure is
// shown to the requester verbatim and changes nothing.
//
// Once product, city and address are known the details are stored, the
// application moves to searching and supplier search runs. With at least one
// supplier the first one is assigned and the application moves to
// manager_review; otherwise it stays in searching and the manager is told
// nothing was found.
//
// Intake is capped at MaxRounds rounds. When the cap is reached the
// application is handed to the manager and the generator is not asked again.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-procurement-bot/internal/domain"
	"github.com/tbourn/go-procurement-bot/internal/extract"
	"github.com/tbourn/go-procurement-bot/internal/llm"
	"github.com/tbourn/go-procurement-bot/internal/repo"
)

// ActionIntakeHandoff is recorded when intake hits the round cap.
const ActionIntakeHandoff = "intake_handoff"

// requiredFields are the details needed to leave intake, with their Russian names.
var requiredFields = []struct{ key, label string }{
	{"product", "товар"},
	{"city", "город"},
	{"address", "адрес доставки"},
}

const (
	msgUnavailable = "Сервис временно недоступен, попробуйте, пожалуйста, чуть позже."
	msgHandoff     = "Спасибо! Передаём вашу заявку менеджеру, он свяжется с вами и уточнит детали."
)

// RequesterIdentity is the front-end identity of a requester.
type RequesterIdentity struct {
	ExternalID string
	Username   string
	FullName   string
}

// IntakeResult is the outcome of one requester message.
type IntakeResult struct {
	Application *domain.Application `json:"application"`
	Reply       string              `json:"reply"`
	Complete    bool                `json:"complete"`
	Suppliers   []domain.Supplier   `json:"suppliers,omitempty"`
}

// IntakeService runs the requester conversation.
type IntakeService struct {
	Apps      *ApplicationService
	Suppliers *SupplierService
	// Conv carries the generator, the memory and the intake persona.
	Conv      *llm.Conversation
	Notifier  Notifier
	MaxRounds int
	Log       *zerolog.Logger
}

type intakeReply struct {
	Status   string         `json:"status"`
	Details  map[string]any `json:"details"`
	Question string         `json:"question"`
}

func (s *IntakeService) logger() *zerolog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return &log.Logger
}

func (s *IntakeService) db() *gorm.DB { return s.Apps.DB }

func (s *IntakeService) maxRounds() int64 {
	if s.MaxRounds <= 0 {
		return 8
	}
	return int64(s.MaxRounds)
}

// requesterLockPrefix keys the per-requester lock in the application locks.
// Application ids are UUIDs, so the namespaces never collide.
const requesterLockPrefix = "requester:"

// Handle routes a message to the requester's open intake, or starts a new one.
// Messages from one requester are handled one at a time, so concurrent first
// messages open a single application.
func (s *IntakeService) Handle(ctx context.Context, who RequesterIdentity, text string) (*IntakeResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	unlock := s.Apps.lock(requesterLockPrefix + who.ExternalID)
	defer unlock()

	req, err := repo.UpsertRequester(ctx, s.db(), who.ExternalID, who.Username, who.FullName)
	if err != nil {
		return nil, err
	}
	app, err := repo.LatestIntakeForRequester(ctx, s.db(), req.ID)
	switch {
	case err == nil:
		return s.Process(ctx, app.ID, text)
	case errors.Is(err, repo.ErrNotFound):
		return s.start(ctx, req, text)
	default:
		return nil, err
	}
}

// Start registers the requester, opens a new application and processes the
// first message.
func (s *IntakeService) Start(ctx context.Context, who RequesterIdentity, text string) (*IntakeResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	unlock := s.Apps.lock(requesterLockPrefix + who.ExternalID)
	defer unlock()

	req, err := repo.UpsertRequester(ctx, s.db(), who.ExternalID, who.Username, who.FullName)
	if err != nil {
		return nil, err
	}
	return s.start(ctx, req, text)
}

func (s *IntakeService) start(ctx context.Context, req *domain.Requester, text string) (*IntakeResult, error) {
	app, err := repo.CreateApplication(ctx, s.db(), req.ID)
	if err != nil {
		return nil, err
	}
	app.Requester = *req
	s.Apps.createLead(ctx, app)
	return s.Process(ctx, app.ID, text)
}

// Process runs one intake round for an application in StatusIntake.
func (s *IntakeService) Process(ctx context.Context, applicationID, text string) (*IntakeResult, error) {
	tr := otel.Tracer("services/IntakeService")
	ctx, span := tr.Start(ctx, "Process", trace.WithAttributes(attribute.String("application.id", applicationID)))
	defer span.End()

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}

	unlock := s.Apps.lock(applicationID)
	defer unlock()

	app, err := s.Apps.load(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	if app.Status != domain.StatusIntake {
		return nil, fmt.Errorf("%w: application %s is %s", ErrInvalidTransition, app.ID, app.Status)
	}
	res := &IntakeResult{Application: app}

	handedOff, err := s.handedOff(ctx, app.ID)
	if err != nil {
		return nil, err
	}
	if handedOff {
		res.Reply = msgHandoff
		return res, nil
	}

	s.attachBuyer(ctx, app, text)

	key := intakeKeyPrefix + app.ID
	raw, err := s.Conv.Reply(ctx, key, text)
	if err != nil {
		s.logger().Error().Err(err).Str("application_id", app.ID).Msg("intake generation failed")
		res.Reply = msgUnavailable
		return res, nil
	}

	var out intakeReply
	if err := llm.ExtractJSON(raw, &out); err != nil {
		res.Reply = strings.TrimSpace(raw)
		return s.capRounds(ctx, app, res)
	}

	switch out.Status {
	case "done":
		details := normalizeDetails(out.Details)
		if missing := missingFields(details); len(missing) > 0 {
			res.Reply = fmt.Sprintf("Уточните, пожалуйста: %s.", strings.Join(missing, ", "))
			return s.capRounds(ctx, app, res)
		}
		return s.complete(ctx, app, details, res)
	case "ask":
		res.Reply = strings.TrimSpace(out.Question)
		if res.Reply == "" {
			res.Reply = strings.TrimSpace(raw)
		}
	default:
		res.Reply = strings.TrimSpace(raw)
	}
	return s.capRounds(ctx, app, res)
}

// capRounds hands the application off when the stored rounds reach the cap.
func (s *IntakeService) capRounds(ctx context.Context, app *domain.Application, res *IntakeResult) (*IntakeResult, error) {
	rounds, err := repo.CountTurns(ctx, s.db(), intakeKeyPrefix+app.ID, llm.RoleUser)
	if err != nil {
		return nil, err
	}
	if rounds < s.maxRounds() {
		return res, nil
	}
	if _, err := repo.CreateManagerAction(ctx, s.db(), app.ID, ActionIntakeHandoff,
		fmt.Sprintf("intake stopped after %d rounds", rounds)); err != nil {
		return nil, err
	}
	s.notifyManager(ctx, s.handoffSummary(ctx, app))
	s.logger().Warn().Str("application_id", app.ID).Int64("rounds", rounds).Msg("intake handed to manager")
	res.Reply = msgHandoff
	return res, nil
}

func (s *IntakeService) handedOff(ctx context.Context, appID string) (bool, error) {
	actions, err := repo.ListManagerActions(ctx, s.db(), appID)
	if err != nil {
		return false, err
	}
	for _, a := range actions {
		if a.Action == ActionIntakeHandoff {
			return true, nil
		}
	}
	return false, nil
}

func (s *IntakeService) handoffSummary(ctx context.Context, app *domain.Application) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Заявка #%s (%s): не удалось собрать данные автоматически, нужна ручная обработка.\n",
		app.ID, app.Requester.DisplayName())
	turns, err := repo.ListTurns(ctx, s.db(), intakeKeyPrefix+app.ID, 0)
	if err != nil {
		s.logger().Warn().Err(err).Str("application_id", app.ID).Msg("load intake transcript failed")
		return b.String()
	}
	for _, t := range turns {
		who := "Бот"
		if t.Role == llm.RoleUser {
			who = "Клиент"
		}
		fmt.Fprintf(&b, "%s: %s\n", who, t.Content)
	}
	return b.String()
}

// complete stores the details and runs supplier search.
func (s *IntakeService) complete(ctx context.Context, app *domain.Application, details map[string]any, res *IntakeResult) (*IntakeResult, error) {
	product, _ := details["product"].(string)
	city, _ := details["city"].(string)
	term := strings.TrimSpace(product + " " + city)
	if err := repo.SetApplicationDetails(ctx, s.db(), app.ID, details, term); err != nil {
		return nil, err
	}
	app.Details = details
	app.SearchTerm = term
	if err := s.Apps.transition(ctx, app, domain.StatusSearching); err != nil {
		return nil, err
	}
	res.Complete = true

	var suppliers []domain.Supplier
	if s.Suppliers != nil {
		found, err := s.Suppliers.Search(ctx, term, city)
		if err != nil {
			s.logger().Error().Err(err).Str("application_id", app.ID).Msg("supplier search failed")
		} else {
			suppliers = found
		}
	}
	res.Suppliers = suppliers

	if len(suppliers) == 0 {
		s.notifyManager(ctx, fmt.Sprintf(
			"Заявка #%s (%s): поставщики не найдены.\nЗапрос: %s\nГород: %s\nНужен ручной подбор поставщика.",
			app.ID, app.Requester.DisplayName(), term, city))
		res.Reply = fmt.Sprintf("Спасибо! Заявка #%s принята, подбираем поставщиков. Мы сообщим, как только будут новости.", app.ID)
		return res, nil
	}

	first := suppliers[0]
	if err := repo.SetApplicationSupplier(ctx, s.db(), app.ID, first.ID); err != nil {
		return nil, err
	}
	app.SupplierID = &first.ID
	app.Supplier = &first
	if err := s.Apps.transition(ctx, app, domain.StatusManagerReview); err != nil {
		return nil, err
	}
	s.notifyManager(ctx, reviewSummary(app, suppliers))
	res.Reply = fmt.Sprintf("Спасибо! Заявка #%s принята, нашли поставщиков: %d. Менеджер проверит и свяжется с вами.", app.ID, len(suppliers))
	return res, nil
}

// attachBuyer creates a buyer from contacts typed by the requester when the
// application has none yet.
func (s *IntakeService) attachBuyer(ctx context.Context, app *domain.Application, text string) {
	if app.BuyerID != nil {
		return
	}
	c := extract.FromText(text)
	if c.Phone == "" && c.Email == "" {
		return
	}
	name := app.Requester.DisplayName()
	if name == "" {
		name = "Покупатель"
	}
	var phone, email *string
	if c.Phone != "" {
		p := extract.NormalizePhone(c.Phone)
		phone = &p
	}
	if c.Email != "" {
		e := strings.ToLower(c.Email)
		email = &e
	}
	buyer, err := repo.CreateBuyer(ctx, s.db(), name, &name, phone, email)
	if err != nil {
		s.logger().Warn().Err(err).Str("application_id", app.ID).Msg("create buyer failed")
		return
	}
	if err := repo.SetApplicationBuyer(ctx, s.db(), app.ID, buyer.ID); err != nil {
		s.logger().Warn().Err(err).Str("application_id", app.ID).Msg("attach buyer failed")
		return
	}
	app.BuyerID = &buyer.ID
	app.Buyer = buyer
}

func (s *IntakeService) notifyManager(ctx context.Context, text string) {
	if s.Notifier == nil {
		return
	}
	if err := s.Notifier.NotifyManager(ctx, text); err != nil {
		s.logger().Warn().Err(err).Msg("notify manager failed")
	}
}

// reviewSummary is the manager notice for an application awaiting review.
func reviewSummary(app *domain.Application, suppliers []domain.Supplier) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Заявка #%s\nКлиент: %s\nЗапрос: %s\n", app.ID, app.Requester.DisplayName(), app.SearchTerm)
	for _, k := range []string{"volume", "address", "deadline", "wishes"} {
		if v := app.Detail(k); v != "" {
			fmt.Fprintf(&b, "%s: %s\n", k, v)
		}
	}
	b.WriteString("Поставщики:\n")
	for i, sup := range suppliers {
		if i == 5 {
			break
		}
		addr := deref(sup.Address)
		if addr == "" {
			addr = "-"
		}
		fmt.Fprintf(&b, "• %s, %s\n", sup.Name, addr)
	}
	b.WriteString("Действия: negotiation, request_info, reject")
	return b.String()
}

// normalizeDetails keeps non-empty values, rendering non-strings as text.
func normalizeDetails(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		var s string
		switch t := v.(type) {
		case nil:
			continue
		case string:
			s = t
		default:
			s = fmt.Sprint(t)
		}
		if s = strings.TrimSpace(s); s != "" {
			out[k] = s
		}
	}
	return out
}

// missingFields names the absent required fields in Russian.
func missingFields(details map[string]any) []string {
	var missing []string
	for _, f := range requiredFields {
		if v, _ := details[f.key].(string); v == "" {
			missing = append(missing, f.label)
		}
	}
	return missing
}
