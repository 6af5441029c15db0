package lending_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"lendpath.io/internal/apperr"
	"lendpath.io/internal/audit"
	"lendpath.io/internal/auth"
	"lendpath.io/internal/lending"
	"lendpath.io/internal/pii"
	"lendpath.io/internal/store/memstore"
	"lendpath.io/internal/trace"
)

type recorder struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *recorder) Log(_ context.Context, e audit.Entry) {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

func (r *recorder) actions(resource string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.entries {
		if e.Resource == resource {
			out = append(out, e.Action)
		}
	}
	return out
}

type fixture struct {
	svc   *lending.Service
	db    *memstore.DB
	audit *recorder
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	keys, err := pii.NewKeyManager(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatal(err)
	}
	db := memstore.New()
	rec := &recorder{}
	svc, err := lending.NewService(db.Lending(), keys, lending.WithAuditor(rec))
	if err != nil {
		t.Fatal(err)
	}
	return fixture{svc: svc, db: db, audit: rec}
}

func as(role auth.Role, userID, orgID string) auth.Principal {
	return auth.Principal{User: &auth.User{ID: userID, OrganizationID: orgID, Role: role}}
}

var (
	broker       = as(auth.RoleBroker, "broker-1", "org-1")
	otherBroker  = as(auth.RoleBroker, "broker-2", "org-1")
	underwriter  = as(auth.RoleUnderwriter, "uw-1", "org-1")
	underwriter2 = as(auth.RoleUnderwriter, "uw-2", "org-1")
	admin        = as(auth.RoleAdmin, "admin-1", "org-1")
	foreignAdm   = as(auth.RoleAdmin, "admin-9", "org-2")
)

func TestLeadPIIIsSealedAtRest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lead, err := f.svc.CreateLead(ctx, broker, lending.LeadInput{
		FirstName: "Jane", LastName: "Doe", Email: "Jane@Example.com", Phone: "(555) 010-2000",
		SSN: "123-45-6789", AnnualIncome: "85000", LoanAmountCents: 25_000_00,
	})
	if err != nil {
		t.Fatal(err)
	}
	if lead.SSNMasked != "***-**-6789" || lead.SSN != "" || lead.Email != "Jane@Example.com" {
		t.Fatalf("unexpected lead view: %+v", lead)
	}

	stored, err := f.db.Lending().Leads(ctx).Find(ctx, "org-1", lead.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Email != "" || stored.Phone != "" || stored.AnnualIncome != "" {
		t.Fatalf("plaintext persisted: %+v", stored)
	}
	if stored.SSNSealed.Field == nil || stored.SSNSealed.Hash != "" {
		t.Fatalf("ssn should be encrypted without a search hash: %+v", stored.SSNSealed)
	}
	if stored.EmailSealed.Hash == "" {
		t.Fatal("email should carry a search hash")
	}
}

func TestLeadSearchByEmail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, email := range []string{"a@example.com", "b@example.com"} {
		if _, err := f.svc.CreateLead(ctx, broker, lending.LeadInput{FirstName: "A", LastName: "B", Email: email}); err != nil {
			t.Fatal(err)
		}
	}
	leads, err := f.svc.ListLeads(ctx, broker, lending.LeadQuery{Email: "  B@EXAMPLE.com "})
	if err != nil {
		t.Fatal(err)
	}
	if len(leads) != 1 || leads[0].Email != "b@example.com" {
		t.Fatalf("unexpected search result: %+v", leads)
	}
}

func TestStoreCallsAreTraced(t *testing.T) {
	f := newFixture(t)
	tracer := trace.New()
	ctx, tr := tracer.Begin(context.Background(), "corr-leads", "POST", "/api/leads")
	if _, err := f.svc.CreateLead(ctx, broker, lending.LeadInput{FirstName: "A", LastName: "B", Email: "a@example.com"}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.ListLeads(ctx, broker, lending.LeadQuery{}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.GetLead(ctx, broker, "missing"); err == nil {
		t.Fatal("expected not found")
	}
	tracer.Finish(tr, "/api/leads", 200)

	got, ok := tracer.Find("corr-leads")
	if !ok {
		t.Fatal("trace not stored")
	}
	spans := map[string]string{}
	for _, sp := range got.Spans {
		spans[sp.Name] = sp.Error
	}
	for _, name := range []string{"db.leads.create", "db.leads.list", "db.leads.find"} {
		if _, ok := spans[name]; !ok {
			t.Fatalf("missing span %s in %+v", name, got.Spans)
		}
	}
	if spans["db.leads.find"] == "" {
		t.Fatalf("failed lookup should mark its span with the error")
	}
}

func TestBrokersSeeOnlyTheirOwnLeads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mine, err := f.svc.CreateLead(ctx, broker, lending.LeadInput{FirstName: "Mine", LastName: "Lead"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.CreateLead(ctx, otherBroker, lending.LeadInput{FirstName: "Their", LastName: "Lead"}); err != nil {
		t.Fatal(err)
	}

	leads, _ := f.svc.ListLeads(ctx, broker, lending.LeadQuery{})
	if len(leads) != 1 || leads[0].ID != mine.ID {
		t.Fatalf("broker sees %d leads", len(leads))
	}
	all, _ := f.svc.ListLeads(ctx, underwriter, lending.LeadQuery{})
	if len(all) != 2 {
		t.Fatalf("underwriter sees %d leads, want 2", len(all))
	}
	if _, err := f.svc.GetLead(ctx, otherBroker, mine.ID); !errors.Is(err, apperr.NotFound("")) {
		t.Fatalf("cross-broker read: %v", err)
	}
	if _, err := f.svc.GetLead(ctx, foreignAdm, mine.ID); !errors.Is(err, apperr.NotFound("")) {
		t.Fatalf("cross-tenant read: %v", err)
	}
}

func TestGetLeadIsAudited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lead, _ := f.svc.CreateLead(ctx, broker, lending.LeadInput{FirstName: "A", LastName: "B", SSN: "111-22-3333"})
	if _, err := f.svc.GetLead(ctx, broker, lead.ID); err != nil {
		t.Fatal(err)
	}
	got := f.audit.actions("lead")
	if len(got) != 2 || got[0] != audit.ActionCreate || got[1] != audit.ActionRead {
		t.Fatalf("audit actions = %v", got)
	}
}

func seedProduct(t *testing.T, f fixture, loanType string) *lending.LoanProduct {
	t.Helper()
	p, err := f.svc.CreateProduct(context.Background(), admin, lending.ProductInput{
		Name: "Term " + loanType, LoanType: loanType, MinAmountCents: 10_000_00, MaxAmountCents: 500_000_00,
		MinTermMonths: 12, MaxTermMonths: 120, BaseRateBps: 725,
	})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestProductValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateProduct(context.Background(), admin, lending.ProductInput{
		Name: "Bad", LoanType: "sba", MinAmountCents: 100, MaxAmountCents: 50, MinTermMonths: 12, MaxTermMonths: 6,
	})
	e := apperr.As(err)
	if e == nil || e.Kind != apperr.KindValidation || e.Fields["maxAmountCents"] == "" || e.Fields["maxTermMonths"] == "" {
		t.Fatalf("expected field errors, got %v", err)
	}
}

func TestConvertLeadCarriesSealedPII(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	product := seedProduct(t, f, "term")
	lead, _ := f.svc.CreateLead(ctx, broker, lending.LeadInput{
		FirstName: "Carl", LastName: "Convert", Email: "carl@example.com", SSN: "987-65-4321", LoanAmountCents: 50_000_00,
	})
	app, err := f.svc.ConvertLead(ctx, broker, lead.ID, lending.ConvertInput{LoanProductID: product.ID, TermMonths: 36})
	if err != nil {
		t.Fatal(err)
	}
	if app.Status != lending.StatusDraft || app.LeadID != lead.ID || app.BorrowerEmail != "carl@example.com" || app.BorrowerSSNMasked != "***-**-4321" {
		t.Fatalf("unexpected application: %+v", app)
	}
	converted, _ := f.svc.GetLead(ctx, broker, lead.ID)
	if converted.Status != lending.LeadConverted || converted.ConvertedApplicationID != app.ID {
		t.Fatalf("lead not marked converted: %+v", converted)
	}
	if _, err := f.svc.ConvertLead(ctx, broker, lead.ID, lending.ConvertInput{}); !errors.Is(err, apperr.Duplicate("")) {
		t.Fatalf("double conversion: %v", err)
	}
	if err := f.svc.DeleteLead(ctx, broker, lead.ID); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("converted lead deleted: %v", err)
	}
}

func TestApplicationLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	product := seedProduct(t, f, "sba")
	queue, err := f.svc.CreateQueue(ctx, admin, lending.QueueInput{Name: "SBA desk", LoanTypes: []string{"SBA"}})
	if err != nil {
		t.Fatal(err)
	}
	tpl, err := f.svc.CreateTemplate(ctx, admin, lending.TemplateInput{
		Name: "SBA intake", LoanType: "sba", IsDefault: true,
		Fields: []lending.TemplateField{{Name: "businessName", Type: "text", Required: true}, {Name: "ssn", Type: "ssn"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	app, err := f.svc.CreateApplication(ctx, broker, lending.ApplicationInput{
		LoanProductID: product.ID, TemplateID: tpl.ID, BorrowerFirstName: "Ben", BorrowerLastName: "Borrower",
		BorrowerSSN: "555-44-3333", AmountCents: 100_000_00, TermMonths: 60,
		FormData: map[string]any{"ssn": "555-44-3333"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if app.FormData["ssn"] != "***-**-3333" {
		t.Fatalf("form ssn not masked: %v", app.FormData["ssn"])
	}

	if _, err := f.svc.SubmitApplication(ctx, broker, app.ID); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("submitted without required field: %v", err)
	}
	if _, err := f.svc.UpdateApplication(ctx, broker, app.ID, lending.ApplicationPatch{FormData: map[string]any{"businessName": "Ben's Bikes"}}); err != nil {
		t.Fatal(err)
	}
	submitted, err := f.svc.SubmitApplication(ctx, broker, app.ID)
	if err != nil {
		t.Fatal(err)
	}
	if submitted.Status != lending.StatusSubmitted || submitted.QueueID != queue.ID || submitted.SubmittedAt == nil {
		t.Fatalf("unexpected submission: %+v", submitted)
	}
	if submitted.FormData["ssn"] != "***-**-3333" {
		t.Fatalf("form ssn lost on update: %v", submitted.FormData)
	}

	if _, err := f.svc.ChangeStatus(ctx, underwriter, app.ID, lending.StatusChange{Status: lending.StatusApproved}); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("skipped review: %v", err)
	}
	claimed, err := f.svc.ClaimApplication(ctx, underwriter, app.ID)
	if err != nil {
		t.Fatal(err)
	}
	if claimed.UnderwriterID != underwriter.UserID() || claimed.Status != lending.StatusUnderReview {
		t.Fatalf("unexpected claim: %+v", claimed)
	}
	if _, err := f.svc.ClaimApplication(ctx, underwriter2, app.ID); !errors.Is(err, apperr.Duplicate("")) {
		t.Fatalf("second claim: %v", err)
	}
	if _, err := f.svc.ChangeStatus(ctx, underwriter2, app.ID, lending.StatusChange{Status: lending.StatusApproved}); apperr.KindOf(err) != apperr.KindAuthorization {
		t.Fatalf("other underwriter decided: %v", err)
	}
	approved, err := f.svc.ChangeStatus(ctx, underwriter, app.ID, lending.StatusChange{Status: lending.StatusApproved, Notes: "strong cash flow"})
	if err != nil {
		t.Fatal(err)
	}
	if approved.DecidedAt == nil || approved.DecisionNotes != "strong cash flow" {
		t.Fatalf("decision not recorded: %+v", approved)
	}
	if _, err := f.svc.UpdateApplication(ctx, broker, app.ID, lending.ApplicationPatch{}); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("approved application edited: %v", err)
	}
	if err := f.svc.DeleteApplication(ctx, broker, app.ID); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("approved application deleted: %v", err)
	}
	funded, err := f.svc.ChangeStatus(ctx, admin, app.ID, lending.StatusChange{Status: lending.StatusFunded})
	if err != nil || funded.FundedAt == nil {
		t.Fatalf("funding failed: %v", err)
	}
}

func TestSubmitChecksProductLimits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	product := seedProduct(t, f, "term")
	app, err := f.svc.CreateApplication(ctx, broker, lending.ApplicationInput{
		LoanProductID: product.ID, BorrowerFirstName: "T", BorrowerLastName: "L", TermMonths: 24,
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.svc.SubmitApplication(ctx, broker, app.ID)
	if e := apperr.As(err); e == nil || e.Fields["amountCents"] == "" {
		t.Fatalf("expected amountCents error, got %v", err)
	}
	over := int64(900_000_00)
	if _, err := f.svc.UpdateApplication(ctx, broker, app.ID, lending.ApplicationPatch{AmountCents: &over}); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("amount above product max accepted: %v", err)
	}
}

func TestTemplateDefaultIsExclusive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, err := f.svc.CreateTemplate(ctx, admin, lending.TemplateInput{Name: "One", LoanType: "heloc", IsDefault: true})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.CreateTemplate(ctx, admin, lending.TemplateInput{Name: "Two", LoanType: "heloc", IsDefault: true}); err != nil {
		t.Fatal(err)
	}
	got, _ := f.svc.GetTemplate(ctx, admin, first.ID)
	if got.IsDefault {
		t.Fatal("previous default kept its flag")
	}
	_, err = f.svc.CreateTemplate(ctx, admin, lending.TemplateInput{
		Name: "Bad", LoanType: "heloc", Fields: []lending.TemplateField{{Name: "x", Type: "select"}},
	})
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("select without options accepted: %v", err)
	}
}

func TestTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	app, err := f.svc.CreateApplication(ctx, broker, lending.ApplicationInput{BorrowerFirstName: "T", BorrowerLastName: "K"})
	if err != nil {
		t.Fatal(err)
	}
	task, err := f.svc.CreateTask(ctx, broker, app.ID, lending.TaskInput{Title: "Collect bank statements", AssignedTo: broker.UserID()})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.CreateTask(ctx, otherBroker, app.ID, lending.TaskInput{Title: "x"}); !errors.Is(err, apperr.NotFound("")) {
		t.Fatalf("other broker added a task: %v", err)
	}
	done := lending.TaskCompleted
	updated, err := f.svc.UpdateTask(ctx, broker, task.ID, lending.TaskPatch{Status: &done})
	if err != nil || updated.CompletedAt == nil {
		t.Fatalf("complete task: %v", err)
	}
	title := "again"
	if _, err := f.svc.UpdateTask(ctx, broker, task.ID, lending.TaskPatch{Title: &title}); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("completed task edited: %v", err)
	}
	tasks, _ := f.svc.ListTasks(ctx, broker, app.ID)
	if len(tasks) != 1 {
		t.Fatalf("got %d tasks", len(tasks))
	}
}

func TestSummaryIsRoleScoped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := f.svc.CreateLead(ctx, broker, lending.LeadInput{FirstName: "A", LastName: "B"}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := f.svc.CreateLead(ctx, otherBroker, lending.LeadInput{FirstName: "C", LastName: "D"}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.CreateApplication(ctx, broker, lending.ApplicationInput{BorrowerFirstName: "E", BorrowerLastName: "F"}); err != nil {
		t.Fatal(err)
	}

	own, err := f.svc.Summary(ctx, broker)
	if err != nil {
		t.Fatal(err)
	}
	if own.Scope != "own" || own.TotalLeads != 3 || own.TotalApplications != 1 || own.LeadsByStatus[lending.LeadNew] != 3 {
		t.Fatalf("broker summary: %+v", own)
	}
	org, err := f.svc.Summary(ctx, admin)
	if err != nil {
		t.Fatal(err)
	}
	if org.Scope != "organization" || org.TotalLeads != 4 {
		t.Fatalf("admin summary: %+v", org)
	}
}
