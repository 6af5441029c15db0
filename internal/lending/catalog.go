package lending

import (
	"context"
	"strings"

	"lendpath.io/internal/apperr"
	"lendpath.io/internal/audit"
	"lendpath.io/internal/auth"
	"lendpath.io/internal/ids"
	"lendpath.io/internal/trace"
)

// ProductInput creates or fully describes a loan product.
type ProductInput struct {
	Name           string
	LoanType       string
	MinAmountCents int64
	MaxAmountCents int64
	MinTermMonths  int
	MaxTermMonths  int
	BaseRateBps    int
	IsActive       *bool
}

// ProductPatch is a partial product update.
type ProductPatch struct {
	Name           *string
	LoanType       *string
	MinAmountCents *int64
	MaxAmountCents *int64
	MinTermMonths  *int
	MaxTermMonths  *int
	BaseRateBps    *int
	IsActive       *bool
}

func validateProduct(p *LoanProduct) error {
	verr := apperr.Validation("Invalid loan product")
	if p.Name == "" {
		verr.WithField("name", "is required")
	}
	if p.LoanType == "" {
		verr.WithField("loanType", "is required")
	}
	if p.MinAmountCents <= 0 || p.MaxAmountCents < p.MinAmountCents {
		verr.WithField("maxAmountCents", "must be at least minAmountCents, which must be positive")
	}
	if p.MinTermMonths <= 0 || p.MaxTermMonths < p.MinTermMonths {
		verr.WithField("maxTermMonths", "must be at least minTermMonths, which must be positive")
	}
	if p.BaseRateBps < 0 || p.BaseRateBps > 100_00 {
		verr.WithField("baseRateBps", "must be between 0 and 10000")
	}
	if len(verr.Fields) > 0 {
		return verr
	}
	return nil
}

// ListProducts lists products. Only admins see inactive ones.
func (s *Service) ListProducts(ctx context.Context, p auth.Principal) ([]*LoanProduct, error) {
	return s.store.Products(ctx).List(ctx, p.OrgID(), !p.IsAdmin())
}

// GetProduct returns one product.
func (s *Service) GetProduct(ctx context.Context, p auth.Principal, id string) (*LoanProduct, error) {
	span := trace.StartSpan(ctx, "db.products.find")
	product, err := s.store.Products(ctx).Find(ctx, p.OrgID(), id)
	span(err)
	if err != nil {
		return nil, err
	}
	if !product.IsActive && !p.IsAdmin() {
		return nil, notFound("Loan product")
	}
	return product, nil
}

// CreateProduct adds a loan product.
func (s *Service) CreateProduct(ctx context.Context, p auth.Principal, in ProductInput) (*LoanProduct, error) {
	now := s.now().UTC()
	product := &LoanProduct{
		ID:             ids.New(),
		OrganizationID: p.OrgID(),
		Name:           strings.TrimSpace(in.Name),
		LoanType:       strings.ToLower(strings.TrimSpace(in.LoanType)),
		MinAmountCents: in.MinAmountCents,
		MaxAmountCents: in.MaxAmountCents,
		MinTermMonths:  in.MinTermMonths,
		MaxTermMonths:  in.MaxTermMonths,
		BaseRateBps:    in.BaseRateBps,
		IsActive:       in.IsActive == nil || *in.IsActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := validateProduct(product); err != nil {
		return nil, err
	}
	if err := traced(ctx, "db.products.create", func() error { return s.store.Products(ctx).Create(ctx, product) }); err != nil {
		return nil, err
	}
	s.record(ctx, audit.EventAdministration, audit.ActionCreate, "loan_product", product.ID, map[string]any{"name": product.Name})
	return product, nil
}

// UpdateProduct applies a partial update.
func (s *Service) UpdateProduct(ctx context.Context, p auth.Principal, id string, patch ProductPatch) (*LoanProduct, error) {
	span := trace.StartSpan(ctx, "db.products.find")
	product, err := s.store.Products(ctx).Find(ctx, p.OrgID(), id)
	span(err)
	if err != nil {
		return nil, err
	}
	if v := trimPtr(patch.Name); v != nil {
		product.Name = *v
	}
	if v := trimPtr(patch.LoanType); v != nil {
		product.LoanType = strings.ToLower(*v)
	}
	if patch.MinAmountCents != nil {
		product.MinAmountCents = *patch.MinAmountCents
	}
	if patch.MaxAmountCents != nil {
		product.MaxAmountCents = *patch.MaxAmountCents
	}
	if patch.MinTermMonths != nil {
		product.MinTermMonths = *patch.MinTermMonths
	}
	if patch.MaxTermMonths != nil {
		product.MaxTermMonths = *patch.MaxTermMonths
	}
	if patch.BaseRateBps != nil {
		product.BaseRateBps = *patch.BaseRateBps
	}
	if patch.IsActive != nil {
		product.IsActive = *patch.IsActive
	}
	if err := validateProduct(product); err != nil {
		return nil, err
	}
	product.UpdatedAt = s.now().UTC()
	if err := traced(ctx, "db.products.update", func() error { return s.store.Products(ctx).Update(ctx, product) }); err != nil {
		return nil, err
	}
	s.record(ctx, audit.EventAdministration, audit.ActionUpdate, "loan_product", product.ID, nil)
	return product, nil
}

// DeleteProduct removes a product. Products referenced by applications fail
// with a validation error from the foreign key.
func (s *Service) DeleteProduct(ctx context.Context, p auth.Principal, id string) error {
	if err := traced(ctx, "db.products.delete", func() error { return s.store.Products(ctx).Delete(ctx, p.OrgID(), id) }); err != nil {
		return err
	}
	s.record(ctx, audit.EventAdministration, audit.ActionDelete, "loan_product", id, nil)
	return nil
}

var fieldTypes = map[string]bool{
	"text": true, "textarea": true, "number": true, "currency": true, "email": true,
	"phone": true, "date": true, "select": true, "checkbox": true, "ssn": true,
}

// TemplateInput creates a template.
type TemplateInput struct {
	Name        string
	Description string
	LoanType    string
	Fields      []TemplateField
	IsDefault   bool
	IsActive    *bool
}

// TemplatePatch is a partial template update.
type TemplatePatch struct {
	Name        *string
	Description *string
	LoanType    *string
	Fields      []TemplateField
	IsDefault   *bool
	IsActive    *bool
}

func validateTemplate(t *ApplicationTemplate) error {
	verr := apperr.Validation("Invalid template")
	if t.Name == "" {
		verr.WithField("name", "is required")
	}
	if t.LoanType == "" {
		verr.WithField("loanType", "is required")
	}
	seen := map[string]bool{}
	for i, f := range t.Fields {
		key := "fields." + f.Name
		switch {
		case f.Name == "":
			verr.WithField("fields", "every field needs a name")
		case seen[f.Name]:
			verr.WithField(key, "is duplicated")
		case !fieldTypes[f.Type]:
			verr.WithField(key, "has an unknown type "+f.Type)
		case f.Type == "select" && len(f.Options) == 0:
			verr.WithField(key, "select fields need options")
		}
		seen[f.Name] = true
		if t.Fields[i].Label == "" {
			t.Fields[i].Label = f.Name
		}
	}
	if len(verr.Fields) > 0 {
		return verr
	}
	return nil
}

// ListTemplates lists templates, optionally for one loan type.
func (s *Service) ListTemplates(ctx context.Context, p auth.Principal, loanType string) ([]*ApplicationTemplate, error) {
	return s.store.Templates(ctx).List(ctx, p.OrgID(), strings.ToLower(strings.TrimSpace(loanType)))
}

// GetTemplate returns one template.
func (s *Service) GetTemplate(ctx context.Context, p auth.Principal, id string) (*ApplicationTemplate, error) {
	return s.store.Templates(ctx).Find(ctx, p.OrgID(), id)
}

// CreateTemplate adds a template. A new default replaces the previous
// default of the same loan type.
func (s *Service) CreateTemplate(ctx context.Context, p auth.Principal, in TemplateInput) (*ApplicationTemplate, error) {
	now := s.now().UTC()
	t := &ApplicationTemplate{
		ID:             ids.New(),
		OrganizationID: p.OrgID(),
		Name:           strings.TrimSpace(in.Name),
		Description:    strings.TrimSpace(in.Description),
		LoanType:       strings.ToLower(strings.TrimSpace(in.LoanType)),
		Fields:         in.Fields,
		IsDefault:      in.IsDefault,
		IsActive:       in.IsActive == nil || *in.IsActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if t.Fields == nil {
		t.Fields = []TemplateField{}
	}
	if err := validateTemplate(t); err != nil {
		return nil, err
	}
	err := s.store.InTx(ctx, func(tx Store) error {
		if t.IsDefault {
			if err := tx.Templates(ctx).ClearDefault(ctx, t.OrganizationID, t.LoanType, t.ID); err != nil {
				return err
			}
		}
		return tx.Templates(ctx).Create(ctx, t)
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, audit.EventAdministration, audit.ActionCreate, "template", t.ID, map[string]any{"name": t.Name})
	return t, nil
}

// UpdateTemplate applies a partial update.
func (s *Service) UpdateTemplate(ctx context.Context, p auth.Principal, id string, patch TemplatePatch) (*ApplicationTemplate, error) {
	span := trace.StartSpan(ctx, "db.templates.find")
	t, err := s.store.Templates(ctx).Find(ctx, p.OrgID(), id)
	span(err)
	if err != nil {
		return nil, err
	}
	if v := trimPtr(patch.Name); v != nil {
		t.Name = *v
	}
	if v := trimPtr(patch.Description); v != nil {
		t.Description = *v
	}
	if v := trimPtr(patch.LoanType); v != nil {
		t.LoanType = strings.ToLower(*v)
	}
	if patch.Fields != nil {
		t.Fields = patch.Fields
	}
	if patch.IsDefault != nil {
		t.IsDefault = *patch.IsDefault
	}
	if patch.IsActive != nil {
		t.IsActive = *patch.IsActive
	}
	if err := validateTemplate(t); err != nil {
		return nil, err
	}
	t.UpdatedAt = s.now().UTC()
	err = s.store.InTx(ctx, func(tx Store) error {
		if t.IsDefault {
			if err := tx.Templates(ctx).ClearDefault(ctx, t.OrganizationID, t.LoanType, t.ID); err != nil {
				return err
			}
		}
		return tx.Templates(ctx).Update(ctx, t)
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, audit.EventAdministration, audit.ActionUpdate, "template", t.ID, nil)
	return t, nil
}

// DeleteTemplate removes a template.
func (s *Service) DeleteTemplate(ctx context.Context, p auth.Principal, id string) error {
	if err := traced(ctx, "db.templates.delete", func() error { return s.store.Templates(ctx).Delete(ctx, p.OrgID(), id) }); err != nil {
		return err
	}
	s.record(ctx, audit.EventAdministration, audit.ActionDelete, "template", id, nil)
	return nil
}

// QueueInput creates an underwriting queue.
type QueueInput struct {
	Name        string
	Description string
	LoanTypes   []string
}

// ListQueues lists the organization's queues.
func (s *Service) ListQueues(ctx context.Context, p auth.Principal) ([]*Queue, error) {
	return s.store.Queues(ctx).List(ctx, p.OrgID())
}

// CreateQueue adds an underwriting queue.
func (s *Service) CreateQueue(ctx context.Context, p auth.Principal, in QueueInput) (*Queue, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, apperr.Validation("Queue name is required").WithField("name", "is required")
	}
	types := make([]string, 0, len(in.LoanTypes))
	for _, t := range in.LoanTypes {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			types = append(types, t)
		}
	}
	now := s.now().UTC()
	q := &Queue{
		ID:             ids.New(),
		OrganizationID: p.OrgID(),
		Name:           name,
		Description:    strings.TrimSpace(in.Description),
		LoanTypes:      types,
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := traced(ctx, "db.queues.create", func() error { return s.store.Queues(ctx).Create(ctx, q) }); err != nil {
		return nil, err
	}
	s.record(ctx, audit.EventAdministration, audit.ActionCreate, "queue", q.ID, map[string]any{"name": name})
	return q, nil
}

// QueueApplications lists applications waiting in or claimed from a queue.
func (s *Service) QueueApplications(ctx context.Context, p auth.Principal, queueID string, page Page) ([]*Application, error) {
	if _, err := s.store.Queues(ctx).Find(ctx, p.OrgID(), queueID); err != nil {
		return nil, err
	}
	apps, err := s.store.Applications(ctx).List(ctx, ApplicationFilter{
		OrganizationID: p.OrgID(),
		QueueID:        queueID,
		Statuses:       []ApplicationStatus{StatusSubmitted, StatusUnderReview},
		Page:           page.Normalize(),
	})
	if err != nil {
		return nil, err
	}
	for _, a := range apps {
		if err := s.revealApplication(a); err != nil {
			return nil, apperr.Internal(err)
		}
	}
	return apps, nil
}

// ClaimApplication assigns a submitted application to the calling
// underwriter and starts review. Only one caller can win a claim.
func (s *Service) ClaimApplication(ctx context.Context, p auth.Principal, id string) (*Application, error) {
	span := trace.StartSpan(ctx, "db.applications.claim")
	claimed, err := s.store.Applications(ctx).Claim(ctx, p.OrgID(), id, p.UserID(), s.now().UTC())
	span(err)
	if err != nil {
		return nil, err
	}
	a, err := s.store.Applications(ctx).Find(ctx, p.OrgID(), id)
	if err != nil {
		return nil, err
	}
	if !claimed {
		if a.UnderwriterID == p.UserID() {
			return nil, apperr.Duplicate("Application is already claimed by you")
		}
		if a.UnderwriterID != "" {
			return nil, apperr.Duplicate("Application is already claimed")
		}
		return nil, apperr.Validation("Application is not awaiting review")
	}
	s.record(ctx, audit.EventDataModification, audit.ActionClaim, "application", id, nil)
	if err := s.revealApplication(a); err != nil {
		return nil, apperr.Internal(err)
	}
	return a, nil
}
