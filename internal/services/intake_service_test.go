package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/tbourn/go-procurement-bot/internal/domain"
	"github.com/tbourn/go-procurement-bot/internal/listing"
	"github.com/tbourn/go-procurement-bot/internal/repo"
)

const doneConcrete = `{"status":"done","details":{"product":"бетон М400","volume":"20 м³","city":"Уфа","address":"ул. Омская 64"}}`

var ivan = RequesterIdentity{ExternalID: "tg-1", Username: "ivan", FullName: "Иван Петров"}

func TestIntake_SingleMessageCompletesIntake(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.intakeGen.script(doneConcrete)

	res, err := h.intake.Start(ctx, ivan, "бетон М400, 20 м³, Уфа, ул. Омская 64")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !res.Complete || h.intakeGen.callCount() != 1 {
		t.Fatalf("expected completion in one round, complete=%v calls=%d", res.Complete, h.intakeGen.callCount())
	}
	app := h.reload(t, res.Application.ID)
	if app.Status != domain.StatusSearching {
		t.Fatalf("status = %s, want searching", app.Status)
	}
	if app.SearchTerm != "бетон М400 Уфа" || app.Detail("address") != "ул. Омская 64" {
		t.Fatalf("details not stored: term=%q details=%v", app.SearchTerm, app.Details)
	}
	if app.SupplierID != nil {
		t.Fatalf("no supplier expected, got %v", *app.SupplierID)
	}
	if app.CRMID == nil || len(h.crm.leads) != 1 {
		t.Fatalf("expected crm lead, got crm_id=%v leads=%v", app.CRMID, h.crm.leads)
	}
	if len(h.crm.synced) == 0 || h.crm.synced[len(h.crm.synced)-1] != domain.StatusSearching {
		t.Fatalf("status not mirrored: %v", h.crm.synced)
	}
	if len(h.notes.manager) != 1 || !strings.Contains(h.notes.manager[0], "не найдены") {
		t.Fatalf("expected zero-result manager notice, got %v", h.notes.manager)
	}
}

func TestIntake_CompleteWithSuppliersMovesToReview(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.listings.search["бетон М400 Уфа|Уфа"] = []listing.Listing{
		{Title: "ООО Бетон", Address: "Уфа, ул. Заводская 1", Phone: "8 (917) 000-00-00"},
		{Title: "Без контактов"},
	}
	h.intakeGen.script(doneConcrete)

	res, err := h.intake.Start(ctx, ivan, "бетон М400, 20 м³, Уфа, ул. Омская 64")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(res.Suppliers) != 1 {
		t.Fatalf("suppliers = %d, want 1", len(res.Suppliers))
	}
	app := h.reload(t, res.Application.ID)
	if app.Status != domain.StatusManagerReview || app.Supplier == nil || app.Supplier.Name != "ООО Бетон" {
		t.Fatalf("unexpected application: status=%s supplier=%+v", app.Status, app.Supplier)
	}
	if len(h.notes.manager) != 1 || !strings.Contains(h.notes.manager[0], "ООО Бетон") {
		t.Fatalf("manager notice should list the supplier: %v", h.notes.manager)
	}
}

func TestIntake_AskAndUnparseable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.intakeGen.script(`{"status":"ask","question":"Какой объём нужен?"}`, "Здравствуйте! Чем могу помочь?")

	res, err := h.intake.Start(ctx, ivan, "нужен бетон")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if res.Reply != "Какой объём нужен?" || res.Complete {
		t.Fatalf("unexpected ask result: %+v", res)
	}

	res, err = h.intake.Handle(ctx, ivan, "привет")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Reply != "Здравствуйте! Чем могу помочь?" {
		t.Fatalf("raw reply expected, got %q", res.Reply)
	}
	if h.reload(t, res.Application.ID).Status != domain.StatusIntake {
		t.Fatal("unparseable reply must not change state")
	}
}

func TestIntake_HandleContinuesOpenIntake(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.intakeGen.script(`{"status":"ask","question":"Город?"}`, `{"status":"ask","question":"Адрес?"}`)

	first, err := h.intake.Handle(ctx, ivan, "бетон М400")
	if err != nil {
		t.Fatalf("Handle #1: %v", err)
	}
	second, err := h.intake.Handle(ctx, ivan, "Уфа")
	if err != nil {
		t.Fatalf("Handle #2: %v", err)
	}
	if first.Application.ID != second.Application.ID {
		t.Fatalf("expected same application, got %s and %s", first.Application.ID, second.Application.ID)
	}
	// Second round carries the first round in history.
	if got := len(h.intakeGen.calls[1].History); got != 2 {
		t.Fatalf("history len = %d, want 2", got)
	}
}

func TestIntake_ConcurrentFirstMessagesOpenOneApplication(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const n = 6
	for i := 0; i < n; i++ {
		h.intakeGen.script(`{"status":"ask","question":"Город?"}`)
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.intake.Handle(ctx, ivan, "бетон М400"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Handle: %v", err)
	}

	req, err := repo.GetRequesterByExternalID(ctx, h.db, ivan.ExternalID)
	if err != nil {
		t.Fatalf("GetRequesterByExternalID: %v", err)
	}
	apps, err := repo.ListApplicationsForRequester(ctx, h.db, req.ID)
	if err != nil {
		t.Fatalf("ListApplicationsForRequester: %v", err)
	}
	if len(apps) != 1 {
		t.Fatalf("applications = %d, want 1", len(apps))
	}
	if held := h.apps.Locks.held(); held != 0 {
		t.Fatalf("locks left held: %d", held)
	}
}

func TestIntake_MissingFieldsNamedInRussian(t *testing.T) {
	h := newHarness(t)
	h.intakeGen.script(`{"status":"done","details":{"product":"бетон","city":""}}`)

	res, err := h.intake.Start(context.Background(), ivan, "бетон")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if res.Reply != "Уточните, пожалуйста: город, адрес доставки." {
		t.Fatalf("reply = %q", res.Reply)
	}
	if res.Complete || h.reload(t, res.Application.ID).Status != domain.StatusIntake {
		t.Fatal("incomplete details must keep intake")
	}
}

func TestIntake_GeneratorFailureIsNotAnError(t *testing.T) {
	h := newHarness(t)
	h.intakeGen.err = errors.New("upstream down")

	res, err := h.intake.Start(context.Background(), ivan, "бетон")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if res.Reply != msgUnavailable {
		t.Fatalf("reply = %q", res.Reply)
	}
	n, _ := repo.CountTurns(context.Background(), h.db, intakeKeyPrefix+res.Application.ID, "")
	if n != 0 {
		t.Fatalf("failed round must not be stored, got %d turns", n)
	}
}

func TestIntake_RoundCapHandsOff(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.intakeGen.script(
		`{"status":"ask","question":"1?"}`,
		`{"status":"ask","question":"2?"}`,
		`{"status":"ask","question":"3?"}`,
	)

	var res *IntakeResult
	var err error
	for i := 0; i < 3; i++ {
		if res, err = h.intake.Handle(ctx, ivan, "не знаю"); err != nil {
			t.Fatalf("round %d: %v", i+1, err)
		}
	}
	if res.Reply != msgHandoff {
		t.Fatalf("third round reply = %q, want handoff", res.Reply)
	}
	actions, _ := repo.ListManagerActions(ctx, h.db, res.Application.ID)
	if len(actions) != 1 || actions[0].Action != ActionIntakeHandoff {
		t.Fatalf("expected one handoff action, got %+v", actions)
	}
	if len(h.notes.manager) != 1 || !strings.Contains(h.notes.manager[0], "Клиент: не знаю") {
		t.Fatalf("manager should receive the transcript: %v", h.notes.manager)
	}

	res, err = h.intake.Handle(ctx, ivan, "ещё сообщение")
	if err != nil {
		t.Fatalf("after handoff: %v", err)
	}
	if res.Reply != msgHandoff || h.intakeGen.callCount() != 3 {
		t.Fatalf("generator must not be called after handoff: reply=%q calls=%d", res.Reply, h.intakeGen.callCount())
	}
}

func TestIntake_AttachesBuyerFromContacts(t *testing.T) {
	h := newHarness(t)
	h.intakeGen.script(`{"status":"ask","question":"Город?"}`)

	res, err := h.intake.Start(context.Background(), ivan, "бетон, звоните +7 917 123-45-67, почта Ivan@Example.com")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	app := h.reload(t, res.Application.ID)
	if app.Buyer == nil {
		t.Fatal("expected buyer")
	}
	if app.Buyer.Phone == nil || *app.Buyer.Phone != "+79171234567" {
		t.Fatalf("phone = %v", app.Buyer.Phone)
	}
	if app.Buyer.Email == nil || *app.Buyer.Email != "ivan@example.com" {
		t.Fatalf("email = %v", app.Buyer.Email)
	}
	if app.Buyer.Name != "Иван Петров" {
		t.Fatalf("name = %q", app.Buyer.Name)
	}
}

func TestIntake_Guards(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.intake.Start(ctx, ivan, "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
	app := h.application(t, domain.StatusSearching, nil)
	if _, err := h.intake.Process(ctx, app.ID, "ещё"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := h.intake.Process(ctx, "missing", "ещё"); !errors.Is(err, ErrApplicationNotFound) {
		t.Fatalf("expected ErrApplicationNotFound, got %v", err)
	}
}

func TestMissingFieldsAndNormalize(t *testing.T) {
	got := normalizeDetails(map[string]any{"product": " бетон ", "volume": 20, "city": nil, "address": ""})
	if got["product"] != "бетон" || got["volume"] != "20" {
		t.Fatalf("normalize = %v", got)
	}
	if _, ok := got["city"]; ok {
		t.Fatal("nil values must be dropped")
	}
	if m := missingFields(got); strings.Join(m, ",") != "город,адрес доставки" {
		t.Fatalf("missing = %v", m)
	}
}
