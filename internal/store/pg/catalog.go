package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"lendpath.io/internal/apperr"
	"lendpath.io/internal/lending"
)

type productStore struct{ q queryer }

const productColumns = `id, organization_id, name, loan_type, min_amount_cents, max_amount_cents,
	min_term_months, max_term_months, base_rate_bps, is_active, created_at, updated_at`

func scanProduct(row interface{ Scan(...any) error }) (*lending.LoanProduct, error) {
	var p lending.LoanProduct
	err := row.Scan(&p.ID, &p.OrganizationID, &p.Name, &p.LoanType, &p.MinAmountCents, &p.MaxAmountCents,
		&p.MinTermMonths, &p.MaxTermMonths, &p.BaseRateBps, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s productStore) Create(ctx context.Context, p *lending.LoanProduct) error {
	_, err := s.q.ExecContext(ctx, `
		insert into loan_products (`+productColumns+`)
		values (`+placeholders(1, 12)+`)`,
		p.ID, p.OrganizationID, p.Name, p.LoanType, p.MinAmountCents, p.MaxAmountCents,
		p.MinTermMonths, p.MaxTermMonths, p.BaseRateBps, p.IsActive, p.CreatedAt, p.UpdatedAt)
	return apperr.FromDB(err)
}

func (s productStore) Find(ctx context.Context, orgID, id string) (*lending.LoanProduct, error) {
	p, err := scanProduct(s.q.QueryRowContext(ctx,
		`select `+productColumns+` from loan_products where organization_id = $1 and id = $2`, orgID, id))
	if err != nil {
		return nil, notFound(err, "Loan product")
	}
	return p, nil
}

func (s productStore) List(ctx context.Context, orgID string, activeOnly bool) ([]*lending.LoanProduct, error) {
	query := `select ` + productColumns + ` from loan_products where organization_id = $1`
	if activeOnly {
		query += ` and is_active`
	}
	rows, err := s.q.QueryContext(ctx, query+` order by name`, orgID)
	if err != nil {
		return nil, apperr.FromDB(err)
	}
	defer rows.Close()
	out := []*lending.LoanProduct{}
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, apperr.FromDB(err)
		}
		out = append(out, p)
	}
	return out, apperr.FromDB(rows.Err())
}

func (s productStore) Update(ctx context.Context, p *lending.LoanProduct) error {
	return exec(ctx, s.q, "Loan product", `
		update loan_products set name = $3, loan_type = $4, min_amount_cents = $5, max_amount_cents = $6,
			min_term_months = $7, max_term_months = $8, base_rate_bps = $9, is_active = $10, updated_at = $11
		where organization_id = $1 and id = $2`,
		p.OrganizationID, p.ID, p.Name, p.LoanType, p.MinAmountCents, p.MaxAmountCents,
		p.MinTermMonths, p.MaxTermMonths, p.BaseRateBps, p.IsActive, p.UpdatedAt)
}

func (s productStore) Delete(ctx context.Context, orgID, id string) error {
	if err := inUse(ctx, s.q, "loan_product_id", id, "Loan product is used by applications"); err != nil {
		return err
	}
	return exec(ctx, s.q, "Loan product", `delete from loan_products where organization_id = $1 and id = $2`, orgID, id)
}

// inUse rejects deleting a catalog row that applications still reference.
func inUse(ctx context.Context, q queryer, column, id, msg string) error {
	var used bool
	err := q.QueryRowContext(ctx,
		`select exists (select 1 from loan_applications where `+column+` = $1)`, id).Scan(&used)
	if err != nil {
		return apperr.FromDB(err)
	}
	if used {
		return apperr.Validation(msg)
	}
	return nil
}

type templateStore struct{ q queryer }

const templateColumns = `id, organization_id, name, description, loan_type, fields, is_default, is_active,
	created_at, updated_at`

func scanTemplate(row interface{ Scan(...any) error }) (*lending.ApplicationTemplate, error) {
	var (
		t      lending.ApplicationTemplate
		desc   sql.NullString
		fields []byte
	)
	err := row.Scan(&t.ID, &t.OrganizationID, &t.Name, &desc, &t.LoanType, &fields, &t.IsDefault, &t.IsActive,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Description = desc.String
	t.Fields = []lending.TemplateField{}
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &t.Fields); err != nil {
			return nil, fmt.Errorf("decode template fields: %w", err)
		}
	}
	return &t, nil
}

func templateFields(t *lending.ApplicationTemplate) ([]byte, error) {
	fields := t.Fields
	if fields == nil {
		fields = []lending.TemplateField{}
	}
	return jsonArg(fields)
}

func (s templateStore) Create(ctx context.Context, t *lending.ApplicationTemplate) error {
	fields, err := templateFields(t)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `
		insert into application_templates (`+templateColumns+`)
		values (`+placeholders(1, 10)+`)`,
		t.ID, t.OrganizationID, t.Name, nullIfEmpty(t.Description), t.LoanType, fields, t.IsDefault, t.IsActive,
		t.CreatedAt, t.UpdatedAt)
	return apperr.FromDB(err)
}

func (s templateStore) Find(ctx context.Context, orgID, id string) (*lending.ApplicationTemplate, error) {
	t, err := scanTemplate(s.q.QueryRowContext(ctx,
		`select `+templateColumns+` from application_templates where organization_id = $1 and id = $2`, orgID, id))
	if err != nil {
		return nil, notFound(err, "Template")
	}
	return t, nil
}

func (s templateStore) List(ctx context.Context, orgID, loanType string) ([]*lending.ApplicationTemplate, error) {
	w := &where{}
	w.add("organization_id = $%d", orgID)
	if loanType != "" {
		w.add("loan_type = $%d", loanType)
	}
	rows, err := s.q.QueryContext(ctx,
		`select `+templateColumns+` from application_templates`+w.String()+` order by is_default desc, name`, w.args...)
	if err != nil {
		return nil, apperr.FromDB(err)
	}
	defer rows.Close()
	out := []*lending.ApplicationTemplate{}
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, apperr.FromDB(err)
		}
		out = append(out, t)
	}
	return out, apperr.FromDB(rows.Err())
}

func (s templateStore) Update(ctx context.Context, t *lending.ApplicationTemplate) error {
	fields, err := templateFields(t)
	if err != nil {
		return err
	}
	return exec(ctx, s.q, "Template", `
		update application_templates set name = $3, description = $4, loan_type = $5, fields = $6,
			is_default = $7, is_active = $8, updated_at = $9
		where organization_id = $1 and id = $2`,
		t.OrganizationID, t.ID, t.Name, nullIfEmpty(t.Description), t.LoanType, fields,
		t.IsDefault, t.IsActive, t.UpdatedAt)
}

func (s templateStore) Delete(ctx context.Context, orgID, id string) error {
	if err := inUse(ctx, s.q, "template_id", id, "Template is used by applications"); err != nil {
		return err
	}
	return exec(ctx, s.q, "Template", `delete from application_templates where organization_id = $1 and id = $2`, orgID, id)
}

func (s templateStore) ClearDefault(ctx context.Context, orgID, loanType, exceptID string) error {
	_, err := s.q.ExecContext(ctx, `
		update application_templates set is_default = false
		where organization_id = $1 and loan_type = $2 and id <> $3 and is_default`, orgID, loanType, exceptID)
	return apperr.FromDB(err)
}

type taskStore struct{ q queryer }

const taskColumns = `id, organization_id, application_id, title, description, assigned_to, created_by, status,
	due_at, completed_at, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*lending.Task, error) {
	var (
		t              lending.Task
		desc, assignee sql.NullString
		due, completed sql.NullTime
	)
	err := row.Scan(&t.ID, &t.OrganizationID, &t.ApplicationID, &t.Title, &desc, &assignee, &t.CreatedBy, &t.Status,
		&due, &completed, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Description, t.AssignedTo = desc.String, assignee.String
	t.DueAt, t.CompletedAt = timePtr(due), timePtr(completed)
	return &t, nil
}

func (s taskStore) Create(ctx context.Context, t *lending.Task) error {
	_, err := s.q.ExecContext(ctx, `
		insert into application_tasks (`+taskColumns+`)
		values (`+placeholders(1, 12)+`)`,
		t.ID, t.OrganizationID, t.ApplicationID, t.Title, nullIfEmpty(t.Description), nullIfEmpty(t.AssignedTo),
		t.CreatedBy, string(t.Status), nullTime(t.DueAt), nullTime(t.CompletedAt), t.CreatedAt, t.UpdatedAt)
	return apperr.FromDB(err)
}

func (s taskStore) Find(ctx context.Context, orgID, id string) (*lending.Task, error) {
	t, err := scanTask(s.q.QueryRowContext(ctx,
		`select `+taskColumns+` from application_tasks where organization_id = $1 and id = $2`, orgID, id))
	if err != nil {
		return nil, notFound(err, "Task")
	}
	return t, nil
}

func (s taskStore) ListByApplication(ctx context.Context, orgID, applicationID string) ([]*lending.Task, error) {
	rows, err := s.q.QueryContext(ctx, `
		select `+taskColumns+` from application_tasks
		where organization_id = $1 and application_id = $2 order by created_at`, orgID, applicationID)
	if err != nil {
		return nil, apperr.FromDB(err)
	}
	defer rows.Close()
	out := []*lending.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, apperr.FromDB(err)
		}
		out = append(out, t)
	}
	return out, apperr.FromDB(rows.Err())
}

func (s taskStore) Update(ctx context.Context, t *lending.Task) error {
	return exec(ctx, s.q, "Task", `
		update application_tasks set title = $3, description = $4, assigned_to = $5, status = $6,
			due_at = $7, completed_at = $8, updated_at = $9
		where organization_id = $1 and id = $2`,
		t.OrganizationID, t.ID, t.Title, nullIfEmpty(t.Description), nullIfEmpty(t.AssignedTo), string(t.Status),
		nullTime(t.DueAt), nullTime(t.CompletedAt), t.UpdatedAt)
}

func (s taskStore) CountOpen(ctx context.Context, orgID, assignee string) (int, error) {
	w := &where{}
	w.add("organization_id = $%d", orgID)
	w.in("status", statusStrings([]lending.TaskStatus{lending.TaskPending, lending.TaskInProgress}))
	if assignee != "" {
		w.add("assigned_to = $%d", assignee)
	}
	var n int
	err := s.q.QueryRowContext(ctx, `select count(*) from application_tasks`+w.String(), w.args...).Scan(&n)
	return n, apperr.FromDB(err)
}

type queueStore struct{ q queryer }

const queueColumns = `id, organization_id, name, description, loan_types, is_active, created_at, updated_at`

func scanQueue(row interface{ Scan(...any) error }) (*lending.Queue, error) {
	var (
		q         lending.Queue
		desc      sql.NullString
		loanTypes []byte
	)
	if err := row.Scan(&q.ID, &q.OrganizationID, &q.Name, &desc, &loanTypes, &q.IsActive, &q.CreatedAt, &q.UpdatedAt); err != nil {
		return nil, err
	}
	q.Description = desc.String
	if len(loanTypes) > 0 {
		if err := json.Unmarshal(loanTypes, &q.LoanTypes); err != nil {
			return nil, fmt.Errorf("decode queue loan types: %w", err)
		}
	}
	return &q, nil
}

func (s queueStore) Create(ctx context.Context, q *lending.Queue) error {
	loanTypes := q.LoanTypes
	if loanTypes == nil {
		loanTypes = []string{}
	}
	raw, err := jsonArg(loanTypes)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `
		insert into underwriting_queues (`+queueColumns+`)
		values (`+placeholders(1, 8)+`)`,
		q.ID, q.OrganizationID, q.Name, nullIfEmpty(q.Description), raw, q.IsActive, q.CreatedAt, q.UpdatedAt)
	if uniqueOn(err, "name") {
		return apperr.Duplicate("Queue already exists").WithField("name", q.Name)
	}
	return apperr.FromDB(err)
}

func (s queueStore) Find(ctx context.Context, orgID, id string) (*lending.Queue, error) {
	q, err := scanQueue(s.q.QueryRowContext(ctx,
		`select `+queueColumns+` from underwriting_queues where organization_id = $1 and id = $2`, orgID, id))
	if err != nil {
		return nil, notFound(err, "Queue")
	}
	return q, nil
}

func (s queueStore) List(ctx context.Context, orgID string) ([]*lending.Queue, error) {
	rows, err := s.q.QueryContext(ctx,
		`select `+queueColumns+` from underwriting_queues where organization_id = $1 order by created_at, name`, orgID)
	if err != nil {
		return nil, apperr.FromDB(err)
	}
	defer rows.Close()
	out := []*lending.Queue{}
	for rows.Next() {
		q, err := scanQueue(rows)
		if err != nil {
			return nil, apperr.FromDB(err)
		}
		out = append(out, q)
	}
	return out, apperr.FromDB(rows.Err())
}
