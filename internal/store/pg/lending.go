package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"lendpath.io/internal/apperr"
	"lendpath.io/internal/lending"
)

// lendingStore serves lending.Store. db is nil inside a transaction.
type lendingStore struct {
	q  queryer
	db *sql.DB
}

func (s lendingStore) Leads(context.Context) lending.LeadStore               { return leadStore{q: s.q} }
func (s lendingStore) Applications(context.Context) lending.ApplicationStore { return appStore{q: s.q} }
func (s lendingStore) Products(context.Context) lending.ProductStore         { return productStore{q: s.q} }
func (s lendingStore) Templates(context.Context) lending.TemplateStore       { return templateStore{q: s.q} }
func (s lendingStore) Tasks(context.Context) lending.TaskStore               { return taskStore{q: s.q} }
func (s lendingStore) Queues(context.Context) lending.QueueStore             { return queueStore{q: s.q} }

func (s lendingStore) InTx(ctx context.Context, fn func(lending.Store) error) error {
	return inTx(ctx, s.db, s.q, func(q queryer) error {
		return fn(lendingStore{q: q})
	})
}

// where accumulates numbered conditions.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, v any) {
	w.args = append(w.args, v)
	w.conds = append(w.conds, fmt.Sprintf(cond, len(w.args)))
}

// in adds "column in (...)" for a non-empty set.
func (w *where) in(column string, values []string) {
	if len(values) == 0 {
		return
	}
	start := len(w.args) + 1
	for _, v := range values {
		w.args = append(w.args, v)
	}
	w.conds = append(w.conds, column+" in ("+placeholders(start, len(values))+")")
}

func (w *where) page(p lending.Page) string {
	w.args = append(w.args, p.Limit, p.Offset)
	return fmt.Sprintf(" limit $%d offset $%d", len(w.args)-1, len(w.args))
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " where " + strings.Join(w.conds, " and ")
}

func statusStrings[T ~string](in []T) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

type leadStore struct{ q queryer }

const leadColumns = `id, organization_id, broker_id, first_name, last_name,
	email_encrypted, email_hash, phone_encrypted, phone_hash, ssn_encrypted, annual_income_encrypted,
	loan_amount_cents, loan_purpose, source, status, notes, converted_application_id, created_at, updated_at`

func scanLead(row interface{ Scan(...any) error }) (*lending.Lead, error) {
	var (
		l                           lending.Lead
		email, phone, ssn, income   []byte
		emailHash, phoneHash        sql.NullString
		purpose, source, notes, app sql.NullString
	)
	err := row.Scan(&l.ID, &l.OrganizationID, &l.BrokerID, &l.FirstName, &l.LastName,
		&email, &emailHash, &phone, &phoneHash, &ssn, &income,
		&l.LoanAmountCents, &purpose, &source, &l.Status, &notes, &app, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	l.LoanPurpose, l.Source, l.Notes, l.ConvertedApplicationID = purpose.String, source.String, notes.String, app.String
	if l.EmailSealed, err = unseal(email, emailHash); err != nil {
		return nil, err
	}
	if l.PhoneSealed, err = unseal(phone, phoneHash); err != nil {
		return nil, err
	}
	if l.SSNSealed, err = unseal(ssn, sql.NullString{}); err != nil {
		return nil, err
	}
	if l.IncomeSealed, err = unseal(income, sql.NullString{}); err != nil {
		return nil, err
	}
	return &l, nil
}

// leadArgs returns the sealed column values shared by insert and update.
func leadArgs(l *lending.Lead) ([]any, error) {
	email, emailHash, err := sealed(l.EmailSealed)
	if err != nil {
		return nil, err
	}
	phone, phoneHash, err := sealed(l.PhoneSealed)
	if err != nil {
		return nil, err
	}
	ssn, _, err := sealed(l.SSNSealed)
	if err != nil {
		return nil, err
	}
	income, _, err := sealed(l.IncomeSealed)
	if err != nil {
		return nil, err
	}
	return []any{email, emailHash, phone, phoneHash, ssn, income}, nil
}

func (s leadStore) Create(ctx context.Context, l *lending.Lead) error {
	sealedArgs, err := leadArgs(l)
	if err != nil {
		return err
	}
	args := append([]any{l.ID, l.OrganizationID, l.BrokerID, l.FirstName, l.LastName}, sealedArgs...)
	args = append(args, l.LoanAmountCents, nullIfEmpty(l.LoanPurpose), nullIfEmpty(l.Source), string(l.Status),
		nullIfEmpty(l.Notes), nullIfEmpty(l.ConvertedApplicationID), l.CreatedAt, l.UpdatedAt)
	_, err = s.q.ExecContext(ctx, `
		insert into leads (`+leadColumns+`)
		values (`+placeholders(1, 19)+`)`, args...)
	return apperr.FromDB(err)
}

func (s leadStore) Find(ctx context.Context, orgID, id string) (*lending.Lead, error) {
	l, err := scanLead(s.q.QueryRowContext(ctx,
		`select `+leadColumns+` from leads where organization_id = $1 and id = $2`, orgID, id))
	if err != nil {
		return nil, notFound(err, "Lead")
	}
	return l, nil
}

func (s leadStore) List(ctx context.Context, f lending.LeadFilter) ([]*lending.Lead, error) {
	w := &where{}
	w.add("organization_id = $%d", f.OrganizationID)
	if f.BrokerID != "" {
		w.add("broker_id = $%d", f.BrokerID)
	}
	if f.Status != "" {
		w.add("status = $%d", string(f.Status))
	}
	w.in("email_hash", f.EmailHashes)
	query := `select ` + leadColumns + ` from leads` + w.String() + ` order by created_at desc, id desc`
	query += w.page(f.Page.Normalize())
	rows, err := s.q.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, apperr.FromDB(err)
	}
	defer rows.Close()
	out := []*lending.Lead{}
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, apperr.FromDB(err)
		}
		out = append(out, l)
	}
	return out, apperr.FromDB(rows.Err())
}

func (s leadStore) Update(ctx context.Context, l *lending.Lead) error {
	sealedArgs, err := leadArgs(l)
	if err != nil {
		return err
	}
	args := append([]any{l.OrganizationID, l.ID, l.FirstName, l.LastName}, sealedArgs...)
	args = append(args, l.LoanAmountCents, nullIfEmpty(l.LoanPurpose), nullIfEmpty(l.Source), string(l.Status),
		nullIfEmpty(l.Notes), nullIfEmpty(l.ConvertedApplicationID), l.UpdatedAt)
	return exec(ctx, s.q, "Lead", `
		update leads set first_name = $3, last_name = $4,
			email_encrypted = $5, email_hash = $6, phone_encrypted = $7, phone_hash = $8,
			ssn_encrypted = $9, annual_income_encrypted = $10,
			loan_amount_cents = $11, loan_purpose = $12, source = $13, status = $14, notes = $15,
			converted_application_id = $16, updated_at = $17
		where organization_id = $1 and id = $2`, args...)
}

// Delete relies on the foreign key to clear lead_id on applications.
func (s leadStore) Delete(ctx context.Context, orgID, id string) error {
	return exec(ctx, s.q, "Lead", `delete from leads where organization_id = $1 and id = $2`, orgID, id)
}

func (s leadStore) CountByStatus(ctx context.Context, orgID, brokerID string) (map[lending.LeadStatus]int, error) {
	out := map[lending.LeadStatus]int{}
	err := countBy(ctx, s.q, "leads", orgID, brokerID, func(status string, n int) {
		out[lending.LeadStatus(status)] = n
	})
	return out, err
}

// countBy groups a tenant's rows by status, optionally for one broker.
func countBy(ctx context.Context, q queryer, table, orgID, brokerID string, fn func(string, int)) error {
	w := &where{}
	w.add("organization_id = $%d", orgID)
	if brokerID != "" {
		w.add("broker_id = $%d", brokerID)
	}
	rows, err := q.QueryContext(ctx, `select status, count(*) from `+table+w.String()+` group by status`, w.args...)
	if err != nil {
		return apperr.FromDB(err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return apperr.FromDB(err)
		}
		fn(status, n)
	}
	return apperr.FromDB(rows.Err())
}

type appStore struct{ q queryer }

const appColumns = `id, organization_id, lead_id, loan_product_id, template_id, broker_id, underwriter_id, queue_id,
	borrower_first_name, borrower_last_name, borrower_email_encrypted, borrower_email_hash,
	borrower_ssn_encrypted, borrower_annual_income_encrypted, amount_cents, term_months, form_data,
	status, decision_notes, submitted_at, decided_at, funded_at, created_at, updated_at`

func scanApp(row interface{ Scan(...any) error }) (*lending.Application, error) {
	var (
		a                                     lending.Application
		lead, product, tmpl, uw, queue, notes sql.NullString
		email, ssn, income, form              []byte
		emailHash                             sql.NullString
		submitted, decided, funded            sql.NullTime
	)
	err := row.Scan(&a.ID, &a.OrganizationID, &lead, &product, &tmpl, &a.BrokerID, &uw, &queue,
		&a.BorrowerFirstName, &a.BorrowerLastName, &email, &emailHash,
		&ssn, &income, &a.AmountCents, &a.TermMonths, &form,
		&a.Status, &notes, &submitted, &decided, &funded, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.LeadID, a.LoanProductID, a.TemplateID = lead.String, product.String, tmpl.String
	a.UnderwriterID, a.QueueID, a.DecisionNotes = uw.String, queue.String, notes.String
	a.SubmittedAt, a.DecidedAt, a.FundedAt = timePtr(submitted), timePtr(decided), timePtr(funded)
	if a.EmailSealed, err = unseal(email, emailHash); err != nil {
		return nil, err
	}
	if a.SSNSealed, err = unseal(ssn, sql.NullString{}); err != nil {
		return nil, err
	}
	if a.IncomeSealed, err = unseal(income, sql.NullString{}); err != nil {
		return nil, err
	}
	if len(form) > 0 {
		if err := json.Unmarshal(form, &a.FormDataSealed); err != nil {
			return nil, fmt.Errorf("decode form data: %w", err)
		}
	}
	return &a, nil
}

func appArgs(a *lending.Application) (email any, emailHash sql.NullString, ssn, income any, form []byte, err error) {
	if email, emailHash, err = sealed(a.EmailSealed); err != nil {
		return
	}
	if ssn, _, err = sealed(a.SSNSealed); err != nil {
		return
	}
	if income, _, err = sealed(a.IncomeSealed); err != nil {
		return
	}
	formData := a.FormDataSealed
	if formData == nil {
		formData = map[string]any{}
	}
	form, err = jsonArg(formData)
	return
}

func (s appStore) Create(ctx context.Context, a *lending.Application) error {
	email, emailHash, ssn, income, form, err := appArgs(a)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `
		insert into loan_applications (`+appColumns+`)
		values (`+placeholders(1, 24)+`)`,
		a.ID, a.OrganizationID, nullIfEmpty(a.LeadID), nullIfEmpty(a.LoanProductID), nullIfEmpty(a.TemplateID),
		a.BrokerID, nullIfEmpty(a.UnderwriterID), nullIfEmpty(a.QueueID),
		a.BorrowerFirstName, a.BorrowerLastName, email, emailHash,
		ssn, income, a.AmountCents, a.TermMonths, form,
		string(a.Status), nullIfEmpty(a.DecisionNotes), nullTime(a.SubmittedAt), nullTime(a.DecidedAt),
		nullTime(a.FundedAt), a.CreatedAt, a.UpdatedAt)
	return apperr.FromDB(err)
}

func (s appStore) Find(ctx context.Context, orgID, id string) (*lending.Application, error) {
	a, err := scanApp(s.q.QueryRowContext(ctx,
		`select `+appColumns+` from loan_applications where organization_id = $1 and id = $2`, orgID, id))
	if err != nil {
		return nil, notFound(err, "Application")
	}
	return a, nil
}

func (s appStore) List(ctx context.Context, f lending.ApplicationFilter) ([]*lending.Application, error) {
	w := &where{}
	w.add("organization_id = $%d", f.OrganizationID)
	if f.BrokerID != "" {
		w.add("broker_id = $%d", f.BrokerID)
	}
	if f.UnderwriterID != "" {
		w.add("underwriter_id = $%d", f.UnderwriterID)
	}
	if f.QueueID != "" {
		w.add("queue_id = $%d", f.QueueID)
	}
	w.in("status", statusStrings(f.Statuses))
	if f.Unassigned {
		w.conds = append(w.conds, "underwriter_id is null")
	}
	query := `select ` + appColumns + ` from loan_applications` + w.String() + ` order by created_at desc, id desc`
	query += w.page(f.Page.Normalize())
	rows, err := s.q.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, apperr.FromDB(err)
	}
	defer rows.Close()
	out := []*lending.Application{}
	for rows.Next() {
		a, err := scanApp(rows)
		if err != nil {
			return nil, apperr.FromDB(err)
		}
		out = append(out, a)
	}
	return out, apperr.FromDB(rows.Err())
}

func (s appStore) Update(ctx context.Context, a *lending.Application) error {
	email, emailHash, ssn, income, form, err := appArgs(a)
	if err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx, `
		update loan_applications set lead_id = $3, loan_product_id = $4, template_id = $5,
			underwriter_id = $6, queue_id = $7, borrower_first_name = $8, borrower_last_name = $9,
			borrower_email_encrypted = $10, borrower_email_hash = $11, borrower_ssn_encrypted = $12,
			borrower_annual_income_encrypted = $13, amount_cents = $14, term_months = $15, form_data = $16,
			status = $17, decision_notes = $18, submitted_at = $19, decided_at = $20, funded_at = $21,
			updated_at = $22
		where organization_id = $1 and id = $2`,
		a.OrganizationID, a.ID, nullIfEmpty(a.LeadID), nullIfEmpty(a.LoanProductID), nullIfEmpty(a.TemplateID),
		nullIfEmpty(a.UnderwriterID), nullIfEmpty(a.QueueID), a.BorrowerFirstName, a.BorrowerLastName,
		email, emailHash, ssn,
		income, a.AmountCents, a.TermMonths, form,
		string(a.Status), nullIfEmpty(a.DecisionNotes), nullTime(a.SubmittedAt), nullTime(a.DecidedAt), nullTime(a.FundedAt),
		a.UpdatedAt)
	if err != nil {
		return apperr.FromDB(err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return apperr.FromDB(err)
	} else if n == 0 {
		return apperr.NotFound("Application not found")
	}
	return nil
}

// Delete removes the application; its tasks go with it through the cascade.
func (s appStore) Delete(ctx context.Context, orgID, id string) error {
	return exec(ctx, s.q, "Application",
		`delete from loan_applications where organization_id = $1 and id = $2`, orgID, id)
}

// Claim is a single conditional update so concurrent claims have one winner.
func (s appStore) Claim(ctx context.Context, orgID, id, underwriterID string, at time.Time) (bool, error) {
	n, err := changed(ctx, s.q, `
		update loan_applications set underwriter_id = $3, status = $4, updated_at = $5
		where organization_id = $1 and id = $2 and status = $6 and underwriter_id is null`,
		orgID, id, underwriterID, string(lending.StatusUnderReview), at, string(lending.StatusSubmitted))
	return n == 1, err
}

func (s appStore) CountByStatus(ctx context.Context, orgID, brokerID string) (map[lending.ApplicationStatus]int, error) {
	out := map[lending.ApplicationStatus]int{}
	err := countBy(ctx, s.q, "loan_applications", orgID, brokerID, func(status string, n int) {
		out[lending.ApplicationStatus(status)] = n
	})
	return out, err
}

func (s appStore) SumAmount(ctx context.Context, orgID, brokerID string, statuses []lending.ApplicationStatus) (int64, error) {
	w := &where{}
	w.add("organization_id = $%d", orgID)
	if brokerID != "" {
		w.add("broker_id = $%d", brokerID)
	}
	w.in("status", statusStrings(statuses))
	var sum int64
	err := s.q.QueryRowContext(ctx,
		`select coalesce(sum(amount_cents), 0) from loan_applications`+w.String(), w.args...).Scan(&sum)
	return sum, apperr.FromDB(err)
}
