package pg

import (
	"bytes"
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"lendpath.io/internal/apperr"
	"lendpath.io/internal/audit"
	"lendpath.io/internal/auth"
	"lendpath.io/internal/lending"
	"lendpath.io/internal/pii"
	"lendpath.io/internal/session"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	return New(db), mock
}

func TestInvalidateReportsSingleWinner(t *testing.T) {
	store, mock := newMock(t)
	ctx := context.Background()
	now := time.Now()

	mock.ExpectExec("update user_sessions set is_active = false").
		WithArgs("sess-1", "manual", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update user_sessions set is_active = false").
		WithArgs("sess-1", "manual", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	first, err := store.Sessions().Invalidate(ctx, "sess-1", session.ReasonManual, now)
	if err != nil || !first {
		t.Fatalf("first invalidate = %v, %v", first, err)
	}
	second, err := store.Sessions().Invalidate(ctx, "sess-1", session.ReasonManual, now)
	if err != nil || second {
		t.Fatalf("second invalidate = %v, %v", second, err)
	}
}

func TestTouchMissingSession(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectExec("update user_sessions set last_activity").
		WithArgs("missing", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select exists").WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	err := store.Sessions().Touch(context.Background(), "missing", time.Now())
	if !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFindSessionByTokenHash(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()
	cols := []string{"id", "user_id", "organization_id", "token_hash", "ip_address", "user_agent", "device_info",
		"expires_at", "last_activity", "is_active", "invalidated_reason", "invalidated_at", "created_at"}

	mock.ExpectQuery("from user_sessions where token_hash").WithArgs("abc").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("sess-1", "user-1", "org-1", "abc", "10.0.0.1", nil, nil,
			now.Add(time.Hour), now, true, nil, nil, now))

	s, err := store.Sessions().FindByTokenHash(context.Background(), "abc")
	if err != nil {
		t.Fatalf("FindByTokenHash: %v", err)
	}
	if s.IPAddress != "10.0.0.1" || s.UserAgent != "" || !s.IsActive || s.InvalidatedAt != nil {
		t.Fatalf("unexpected session %+v", s)
	}

	mock.ExpectQuery("from user_sessions where token_hash").WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(cols))
	if _, err := store.Sessions().FindByTokenHash(context.Background(), "nope"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateUserDuplicateEmail(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec("insert into users").
		WillReturnError(&pgconn.PgError{Code: apperr.PgUniqueViolation, ConstraintName: "users_email_key"})

	err := store.Auth().Users(context.Background()).Create(context.Background(), &auth.User{
		ID: "user-1", OrganizationID: "org-1", Email: "a@example.com", Role: auth.RoleAdmin,
	})
	if apperr.KindOf(err) != apperr.KindDuplicate {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if e := apperr.As(err); e == nil || e.Fields["email"] == "" {
		t.Fatalf("expected email field error, got %v", err)
	}
}

func TestAuthInTxRollsBack(t *testing.T) {
	store, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("insert into organizations").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into users").WillReturnError(&pgconn.PgError{Code: apperr.PgCheckViolation})
	mock.ExpectRollback()

	err := store.Auth().InTx(ctx, func(tx auth.Store) error {
		org := &auth.Organization{ID: "org-1", Name: "Acme", Slug: "acme", Settings: auth.DefaultSettings()}
		if err := tx.Organizations(ctx).Create(ctx, org); err != nil {
			return err
		}
		return tx.Users(ctx).Create(ctx, &auth.User{ID: "user-1", OrganizationID: "org-1", Role: "nobody"})
	})
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestMarkVerificationUsedOnce(t *testing.T) {
	store, mock := newMock(t)
	ctx := context.Background()
	mock.ExpectExec("update email_verifications set used_at").WithArgs("v-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := store.Auth().Verifications(ctx).MarkUsed(ctx, "v-1", time.Now())
	if err != nil || ok {
		t.Fatalf("MarkUsed = %v, %v", ok, err)
	}
}

func leadRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "organization_id", "broker_id", "first_name", "last_name",
		"email_encrypted", "email_hash", "phone_encrypted", "phone_hash", "ssn_encrypted", "annual_income_encrypted",
		"loan_amount_cents", "loan_purpose", "source", "status", "notes", "converted_application_id",
		"created_at", "updated_at"})
}

func TestListLeadsByEmailHashRevealsSealedColumns(t *testing.T) {
	store, mock := newMock(t)
	ctx := context.Background()
	keys, err := pii.NewKeyManager(bytes.Repeat([]byte{9}, 32))
	if err != nil {
		t.Fatalf("NewKeyManager: %v", err)
	}
	email, err := keys.Protect(pii.Email, "Jane@Example.com")
	if err != nil {
		t.Fatalf("Protect: %v", err)
	}
	raw, err := email.Field.Value()
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	now := time.Now().UTC()

	query := regexp.QuoteMeta("where organization_id = $1 and broker_id = $2 and email_hash in ($3, $4)") +
		".*" + regexp.QuoteMeta("limit $5 offset $6")
	mock.ExpectQuery(query).
		WithArgs("org-1", "broker-1", email.Hash, "older-hash", lending.DefaultPageSize, 0).
		WillReturnRows(leadRows().AddRow("lead-1", "org-1", "broker-1", "Jane", "Doe",
			raw, email.Hash, nil, nil, nil, nil,
			int64(2500000), "refinance", nil, "new", nil, nil, now, now))

	leads, err := store.Lending().Leads(ctx).List(ctx, lending.LeadFilter{
		OrganizationID: "org-1",
		BrokerID:       "broker-1",
		EmailHashes:    []string{email.Hash, "older-hash"},
	})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(leads) != 1 {
		t.Fatalf("expected one lead, got %d", len(leads))
	}
	l := leads[0]
	if l.Status != lending.LeadNew || l.LoanPurpose != "refinance" || !l.PhoneSealed.IsZero() {
		t.Fatalf("unexpected lead %+v", l)
	}
	got, err := keys.Reveal(pii.Email, l.EmailSealed)
	if err != nil {
		t.Fatalf("Reveal: %v", err)
	}
	if !strings.EqualFold(got, "jane@example.com") {
		t.Fatalf("revealed %q", got)
	}
}

func TestClaimLosesRace(t *testing.T) {
	store, mock := newMock(t)
	ctx := context.Background()
	mock.ExpectExec("update loan_applications set underwriter_id").
		WithArgs("org-1", "app-1", "uw-2", "under_review", sqlmock.AnyArg(), "submitted").
		WillReturnResult(sqlmock.NewResult(0, 0))

	won, err := store.Lending().Applications(ctx).Claim(ctx, "org-1", "app-1", "uw-2", time.Now())
	if err != nil || won {
		t.Fatalf("Claim = %v, %v", won, err)
	}
}

func TestDeleteProductInUse(t *testing.T) {
	store, mock := newMock(t)
	ctx := context.Background()
	mock.ExpectQuery("select exists").WithArgs("prod-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	err := store.Lending().Products(ctx).Delete(ctx, "org-1", "prod-1")
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestUpdateTaskOutsideTenant(t *testing.T) {
	store, mock := newMock(t)
	ctx := context.Background()
	mock.ExpectExec("update application_tasks").WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Lending().Tasks(ctx).Update(ctx, &lending.Task{ID: "task-1", OrganizationID: "org-2", Status: lending.TaskPending})
	if !errors.Is(err, apperr.NotFound("")) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSumAmountByStatus(t *testing.T) {
	store, mock := newMock(t)
	ctx := context.Background()
	mock.ExpectQuery(regexp.QuoteMeta("where organization_id = $1 and status in ($2, $3)")).
		WithArgs("org-1", "approved", "funded").
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(750000)))

	sum, err := store.Lending().Applications(ctx).SumAmount(ctx, "org-1", "",
		[]lending.ApplicationStatus{lending.StatusApproved, lending.StatusFunded})
	if err != nil || sum != 750000 {
		t.Fatalf("SumAmount = %d, %v", sum, err)
	}
}

func TestAuditQueryFilters(t *testing.T) {
	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	query, args := auditQuery(audit.Filter{
		OrganizationID: "org-1",
		Action:         "LOGIN",
		Since:          since,
		Limit:          10,
		Offset:         20,
	})
	want := "where organization_id = $1 and action = $2 and created_at >= $3 order by created_at desc, id desc limit $4 offset $5"
	if !strings.HasSuffix(query, want) {
		t.Fatalf("query = %q", query)
	}
	if len(args) != 5 || args[0] != "org-1" || args[3] != 10 || args[4] != 20 {
		t.Fatalf("args = %v", args)
	}
}

func TestAppendAuditEntry(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec("insert into audit_logs").
		WithArgs("e-1", "AUTHENTICATION", "LOGIN", "user-1", "org-1", nil, nil, sqlmock.AnyArg(),
			"success", "low", nil, nil, "corr-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.Audit().Append(context.Background(), &audit.Entry{
		ID:             "e-1",
		EventType:      audit.EventAuthentication,
		Action:         "LOGIN",
		UserID:         "user-1",
		OrganizationID: "org-1",
		Details:        map[string]any{"method": "password"},
		Outcome:        audit.OutcomeSuccess,
		RiskLevel:      audit.RiskLow,
		CorrelationID:  "corr-1",
		Timestamp:      time.Now(),
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
}
