package lending

import (
	"context"
	"strings"

	"lendpath.io/internal/apperr"
	"lendpath.io/internal/audit"
	"lendpath.io/internal/auth"
	"lendpath.io/internal/ids"
	"lendpath.io/internal/pii"
	"lendpath.io/internal/trace"
)

// LeadInput creates a lead.
type LeadInput struct {
	FirstName       string
	LastName        string
	Email           string
	Phone           string
	SSN             string
	AnnualIncome    string
	LoanAmountCents int64
	LoanPurpose     string
	Source          string
	Notes           string
}

// LeadPatch is a partial lead update.
type LeadPatch struct {
	FirstName       *string
	LastName        *string
	Email           *string
	Phone           *string
	SSN             *string
	AnnualIncome    *string
	LoanAmountCents *int64
	LoanPurpose     *string
	Source          *string
	Status          *LeadStatus
	Notes           *string
}

// LeadQuery filters ListLeads.
type LeadQuery struct {
	Status LeadStatus
	Email  string
	Page
}

func (s *Service) sealLead(l *Lead) error {
	var err error
	if l.EmailSealed, err = s.keys.Protect(pii.Email, l.Email); err != nil {
		return err
	}
	if l.PhoneSealed, err = s.keys.Protect(pii.Phone, l.Phone); err != nil {
		return err
	}
	if l.SSNSealed, err = s.keys.Protect(pii.SSN, l.SSN); err != nil {
		return err
	}
	if l.IncomeSealed, err = s.keys.Protect(pii.AnnualIncome, l.AnnualIncome); err != nil {
		return err
	}
	return nil
}

func (s *Service) revealLead(l *Lead) error {
	var err error
	if l.Email, err = s.keys.Reveal(pii.Email, l.EmailSealed); err != nil {
		return err
	}
	if l.Phone, err = s.keys.Reveal(pii.Phone, l.PhoneSealed); err != nil {
		return err
	}
	ssn, err := s.keys.Reveal(pii.SSN, l.SSNSealed)
	if err != nil {
		return err
	}
	l.SSN = ""
	l.SSNMasked = ""
	if ssn != "" {
		l.SSNMasked = maskSSN(ssn)
	}
	if l.AnnualIncome, err = s.keys.Reveal(pii.AnnualIncome, l.IncomeSealed); err != nil {
		return err
	}
	return nil
}

func validateLead(l *Lead) error {
	verr := apperr.Validation("Invalid lead")
	if l.FirstName == "" {
		verr.WithField("firstName", "is required")
	}
	if l.LastName == "" {
		verr.WithField("lastName", "is required")
	}
	if l.LoanAmountCents < 0 {
		verr.WithField("loanAmountCents", "must not be negative")
	}
	if !l.Status.Valid() {
		verr.WithField("status", "is not a known lead status")
	}
	if l.Email != "" && !strings.Contains(l.Email, "@") {
		verr.WithField("email", "must be a valid email address")
	}
	if len(verr.Fields) > 0 {
		return verr
	}
	return nil
}

// ListLeads lists leads visible to p. Brokers see their own leads only.
func (s *Service) ListLeads(ctx context.Context, p auth.Principal, q LeadQuery) ([]*Lead, error) {
	f := LeadFilter{OrganizationID: p.OrgID(), Status: q.Status, Page: q.Page.Normalize()}
	if q.Status != "" && !q.Status.Valid() {
		return nil, apperr.Validation("Unknown lead status").WithField("status", "is not a known lead status")
	}
	if !p.SeesWholeOrg() {
		f.BrokerID = p.UserID()
	}
	if email := strings.TrimSpace(q.Email); email != "" {
		f.EmailHashes = s.keys.LookupHashes(pii.Email, email)
	}
	span := trace.StartSpan(ctx, "db.leads.list")
	leads, err := s.store.Leads(ctx).List(ctx, f)
	span(err)
	if err != nil {
		return nil, err
	}
	for _, l := range leads {
		if err := s.revealLead(l); err != nil {
			return nil, apperr.Internal(err)
		}
	}
	return leads, nil
}

func (s *Service) findLead(ctx context.Context, p auth.Principal, id string) (*Lead, error) {
	span := trace.StartSpan(ctx, "db.leads.find")
	l, err := s.store.Leads(ctx).Find(ctx, p.OrgID(), id)
	span(err)
	if err != nil {
		return nil, err
	}
	if !owns(p, l.BrokerID) {
		return nil, notFound("Lead")
	}
	return l, nil
}

// GetLead returns one lead with PII revealed. Access is audited.
func (s *Service) GetLead(ctx context.Context, p auth.Principal, id string) (*Lead, error) {
	l, err := s.findLead(ctx, p, id)
	if err != nil {
		return nil, err
	}
	if err := s.revealLead(l); err != nil {
		return nil, apperr.Internal(err)
	}
	s.record(ctx, audit.EventDataAccess, audit.ActionRead, "lead", l.ID, nil)
	return l, nil
}

// CreateLead stores a new lead owned by the caller.
func (s *Service) CreateLead(ctx context.Context, p auth.Principal, in LeadInput) (*Lead, error) {
	now := s.now().UTC()
	l := &Lead{
		ID:              ids.New(),
		OrganizationID:  p.OrgID(),
		BrokerID:        p.UserID(),
		FirstName:       strings.TrimSpace(in.FirstName),
		LastName:        strings.TrimSpace(in.LastName),
		Email:           strings.TrimSpace(in.Email),
		Phone:           strings.TrimSpace(in.Phone),
		SSN:             strings.TrimSpace(in.SSN),
		AnnualIncome:    strings.TrimSpace(in.AnnualIncome),
		LoanAmountCents: in.LoanAmountCents,
		LoanPurpose:     strings.TrimSpace(in.LoanPurpose),
		Source:          strings.TrimSpace(in.Source),
		Notes:           strings.TrimSpace(in.Notes),
		Status:          LeadNew,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := validateLead(l); err != nil {
		return nil, err
	}
	if err := s.sealLead(l); err != nil {
		return nil, apperr.Internal(err)
	}
	if err := traced(ctx, "db.leads.create", func() error { return s.store.Leads(ctx).Create(ctx, l) }); err != nil {
		return nil, err
	}
	s.record(ctx, audit.EventDataModification, audit.ActionCreate, "lead", l.ID, map[string]any{"source": l.Source})
	if err := s.revealLead(l); err != nil {
		return nil, apperr.Internal(err)
	}
	return l, nil
}

// UpdateLead applies a partial update.
func (s *Service) UpdateLead(ctx context.Context, p auth.Principal, id string, patch LeadPatch) (*Lead, error) {
	l, err := s.findLead(ctx, p, id)
	if err != nil {
		return nil, err
	}
	if err := s.revealLead(l); err != nil {
		return nil, apperr.Internal(err)
	}
	ssn, err := s.keys.Reveal(pii.SSN, l.SSNSealed)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	l.SSN = ssn

	changed := []string{}
	set := func(name string, dst *string, v *string) {
		if v = trimPtr(v); v != nil {
			*dst = *v
			changed = append(changed, name)
		}
	}
	set("firstName", &l.FirstName, patch.FirstName)
	set("lastName", &l.LastName, patch.LastName)
	set("email", &l.Email, patch.Email)
	set("phone", &l.Phone, patch.Phone)
	set("ssn", &l.SSN, patch.SSN)
	set("annualIncome", &l.AnnualIncome, patch.AnnualIncome)
	set("loanPurpose", &l.LoanPurpose, patch.LoanPurpose)
	set("source", &l.Source, patch.Source)
	set("notes", &l.Notes, patch.Notes)
	if patch.LoanAmountCents != nil {
		l.LoanAmountCents = *patch.LoanAmountCents
		changed = append(changed, "loanAmountCents")
	}
	if patch.Status != nil {
		if *patch.Status == LeadConverted && l.Status != LeadConverted {
			return nil, apperr.Validation("Use the convert action to convert a lead")
		}
		l.Status = *patch.Status
		changed = append(changed, "status")
	}
	if err := validateLead(l); err != nil {
		return nil, err
	}
	if err := s.sealLead(l); err != nil {
		return nil, apperr.Internal(err)
	}
	l.UpdatedAt = s.now().UTC()
	if err := traced(ctx, "db.leads.update", func() error { return s.store.Leads(ctx).Update(ctx, l) }); err != nil {
		return nil, err
	}
	s.record(ctx, audit.EventDataModification, audit.ActionUpdate, "lead", l.ID, map[string]any{"fields": changed})
	if err := s.revealLead(l); err != nil {
		return nil, apperr.Internal(err)
	}
	return l, nil
}

// DeleteLead removes a lead that has not been converted.
func (s *Service) DeleteLead(ctx context.Context, p auth.Principal, id string) error {
	l, err := s.findLead(ctx, p, id)
	if err != nil {
		return err
	}
	if l.Status == LeadConverted {
		return apperr.Validation("Converted leads cannot be deleted")
	}
	if err := traced(ctx, "db.leads.delete", func() error { return s.store.Leads(ctx).Delete(ctx, p.OrgID(), id) }); err != nil {
		return err
	}
	s.record(ctx, audit.EventDataModification, audit.ActionDelete, "lead", id, nil)
	return nil
}

// ConvertInput controls the application created from a lead.
type ConvertInput struct {
	LoanProductID string
	TemplateID    string
	AmountCents   int64
	TermMonths    int
}

// ConvertLead creates a draft application from the lead and marks the lead
// converted. Borrower PII is carried over sealed.
func (s *Service) ConvertLead(ctx context.Context, p auth.Principal, id string, in ConvertInput) (*Application, error) {
	l, err := s.findLead(ctx, p, id)
	if err != nil {
		return nil, err
	}
	if l.Status == LeadConverted {
		return nil, apperr.Duplicate("Lead is already converted")
	}
	if l.Status == LeadLost {
		return nil, apperr.Validation("Lost leads cannot be converted")
	}
	amount := in.AmountCents
	if amount == 0 {
		amount = l.LoanAmountCents
	}
	now := s.now().UTC()
	app := &Application{
		ID:                ids.New(),
		OrganizationID:    l.OrganizationID,
		LeadID:            l.ID,
		LoanProductID:     strings.TrimSpace(in.LoanProductID),
		TemplateID:        strings.TrimSpace(in.TemplateID),
		BrokerID:          l.BrokerID,
		BorrowerFirstName: l.FirstName,
		BorrowerLastName:  l.LastName,
		AmountCents:       amount,
		TermMonths:        in.TermMonths,
		Status:            StatusDraft,
		EmailSealed:       l.EmailSealed,
		SSNSealed:         l.SSNSealed,
		IncomeSealed:      l.IncomeSealed,
		FormDataSealed:    map[string]any{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.checkProduct(ctx, p.OrgID(), app, false); err != nil {
		return nil, err
	}
	err = s.store.InTx(ctx, func(tx Store) error {
		if err := tx.Applications(ctx).Create(ctx, app); err != nil {
			return err
		}
		l.Status = LeadConverted
		l.ConvertedApplicationID = app.ID
		l.UpdatedAt = now
		return tx.Leads(ctx).Update(ctx, l)
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, audit.EventDataModification, audit.ActionConvert, "lead", l.ID, map[string]any{"application_id": app.ID})
	if err := s.revealApplication(app); err != nil {
		return nil, apperr.Internal(err)
	}
	return app, nil
}
