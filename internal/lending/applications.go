package lending

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"lendpath.io/internal/apperr"
	"lendpath.io/internal/audit"
	"lendpath.io/internal/auth"
	"lendpath.io/internal/ids"
	"lendpath.io/internal/pii"
	"lendpath.io/internal/trace"
)

// ApplicationInput creates an application.
type ApplicationInput struct {
	LeadID               string
	LoanProductID        string
	TemplateID           string
	BorrowerFirstName    string
	BorrowerLastName     string
	BorrowerEmail        string
	BorrowerSSN          string
	BorrowerAnnualIncome string
	AmountCents          int64
	TermMonths           int
	FormData             map[string]any
}

// ApplicationPatch is a partial update of a draft or submitted application.
type ApplicationPatch struct {
	LoanProductID        *string
	TemplateID           *string
	BorrowerFirstName    *string
	BorrowerLastName     *string
	BorrowerEmail        *string
	BorrowerSSN          *string
	BorrowerAnnualIncome *string
	AmountCents          *int64
	TermMonths           *int
	FormData             map[string]any
}

// ApplicationQuery filters ListApplications.
type ApplicationQuery struct {
	Status  ApplicationStatus
	QueueID string
	Mine    bool
	Page
}

// StatusChange moves an application through underwriting.
type StatusChange struct {
	Status ApplicationStatus
	Notes  string
}

func (s *Service) sealApplication(a *Application) error {
	var err error
	if a.EmailSealed, err = s.keys.Protect(pii.Email, a.BorrowerEmail); err != nil {
		return err
	}
	if a.SSNSealed, err = s.keys.Protect(pii.SSN, a.BorrowerSSN); err != nil {
		return err
	}
	if a.IncomeSealed, err = s.keys.Protect(pii.AnnualIncome, a.BorrowerAnnualIncome); err != nil {
		return err
	}
	if a.FormData != nil {
		sealed, err := s.keys.EncryptRecord(a.FormData)
		if err != nil {
			return err
		}
		a.FormDataSealed = sealed
	}
	return nil
}

func (s *Service) revealApplication(a *Application) error {
	var err error
	if a.BorrowerEmail, err = s.keys.Reveal(pii.Email, a.EmailSealed); err != nil {
		return err
	}
	ssn, err := s.keys.Reveal(pii.SSN, a.SSNSealed)
	if err != nil {
		return err
	}
	a.BorrowerSSN = ""
	a.BorrowerSSNMasked = ""
	if ssn != "" {
		a.BorrowerSSNMasked = maskSSN(ssn)
	}
	if a.BorrowerAnnualIncome, err = s.keys.Reveal(pii.AnnualIncome, a.IncomeSealed); err != nil {
		return err
	}
	form, err := s.keys.DecryptRecord(a.FormDataSealed)
	if err != nil {
		return err
	}
	for k, v := range form {
		if k == string(pii.SSN) {
			if str, ok := v.(string); ok {
				form[k] = maskSSN(str)
			}
		}
	}
	a.FormData = form
	return nil
}

func (s *Service) findApplication(ctx context.Context, p auth.Principal, id string) (*Application, error) {
	span := trace.StartSpan(ctx, "db.applications.find")
	a, err := s.store.Applications(ctx).Find(ctx, p.OrgID(), id)
	span(err)
	if err != nil {
		return nil, err
	}
	if !owns(p, a.BrokerID) {
		return nil, notFound("Application")
	}
	return a, nil
}

// checkProduct validates the referenced product and template. When strict,
// amount and term must fall inside the product limits.
func (s *Service) checkProduct(ctx context.Context, orgID string, a *Application, strict bool) error {
	verr := apperr.Validation("Invalid application")
	if a.AmountCents < 0 {
		verr.WithField("amountCents", "must not be negative")
	}
	if a.TermMonths < 0 {
		verr.WithField("termMonths", "must not be negative")
	}
	if a.LoanProductID != "" {
		span := trace.StartSpan(ctx, "db.products.find")
		product, err := s.store.Products(ctx).Find(ctx, orgID, a.LoanProductID)
		span(err)
		if errors.Is(err, apperr.NotFound("")) {
			verr.WithField("loanProductId", "does not exist")
		} else if err != nil {
			return err
		} else {
			if !product.IsActive {
				verr.WithField("loanProductId", "is not active")
			}
			if strict || a.AmountCents > 0 {
				if a.AmountCents < product.MinAmountCents || a.AmountCents > product.MaxAmountCents {
					verr.WithField("amountCents", fmt.Sprintf("must be between %d and %d", product.MinAmountCents, product.MaxAmountCents))
				}
			}
			if strict || a.TermMonths > 0 {
				if a.TermMonths < product.MinTermMonths || a.TermMonths > product.MaxTermMonths {
					verr.WithField("termMonths", fmt.Sprintf("must be between %d and %d", product.MinTermMonths, product.MaxTermMonths))
				}
			}
		}
	}
	if a.TemplateID != "" {
		if _, err := s.store.Templates(ctx).Find(ctx, orgID, a.TemplateID); errors.Is(err, apperr.NotFound("")) {
			verr.WithField("templateId", "does not exist")
		} else if err != nil {
			return err
		}
	}
	if len(verr.Fields) > 0 {
		return verr
	}
	return nil
}

// ListApplications lists applications visible to p.
func (s *Service) ListApplications(ctx context.Context, p auth.Principal, q ApplicationQuery) ([]*Application, error) {
	if q.Status != "" && !q.Status.Valid() {
		return nil, apperr.Validation("Unknown application status").WithField("status", "is not a known status")
	}
	f := ApplicationFilter{OrganizationID: p.OrgID(), QueueID: q.QueueID, Page: q.Page.Normalize()}
	if q.Status != "" {
		f.Statuses = []ApplicationStatus{q.Status}
	}
	switch {
	case !p.SeesWholeOrg():
		f.BrokerID = p.UserID()
	case q.Mine && p.Role() == auth.RoleUnderwriter:
		f.UnderwriterID = p.UserID()
	}
	span := trace.StartSpan(ctx, "db.applications.list")
	apps, err := s.store.Applications(ctx).List(ctx, f)
	span(err)
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

// GetApplication returns one application with PII revealed. Access is audited.
func (s *Service) GetApplication(ctx context.Context, p auth.Principal, id string) (*Application, error) {
	a, err := s.findApplication(ctx, p, id)
	if err != nil {
		return nil, err
	}
	if err := s.revealApplication(a); err != nil {
		return nil, apperr.Internal(err)
	}
	s.record(ctx, audit.EventDataAccess, audit.ActionRead, "application", a.ID, nil)
	return a, nil
}

// CreateApplication stores a draft application owned by the caller.
func (s *Service) CreateApplication(ctx context.Context, p auth.Principal, in ApplicationInput) (*Application, error) {
	now := s.now().UTC()
	a := &Application{
		ID:                   ids.New(),
		OrganizationID:       p.OrgID(),
		LeadID:               strings.TrimSpace(in.LeadID),
		LoanProductID:        strings.TrimSpace(in.LoanProductID),
		TemplateID:           strings.TrimSpace(in.TemplateID),
		BrokerID:             p.UserID(),
		BorrowerFirstName:    strings.TrimSpace(in.BorrowerFirstName),
		BorrowerLastName:     strings.TrimSpace(in.BorrowerLastName),
		BorrowerEmail:        strings.TrimSpace(in.BorrowerEmail),
		BorrowerSSN:          strings.TrimSpace(in.BorrowerSSN),
		BorrowerAnnualIncome: strings.TrimSpace(in.BorrowerAnnualIncome),
		AmountCents:          in.AmountCents,
		TermMonths:           in.TermMonths,
		FormData:             in.FormData,
		Status:               StatusDraft,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if a.FormData == nil {
		a.FormData = map[string]any{}
	}
	if a.BorrowerFirstName == "" || a.BorrowerLastName == "" {
		return nil, apperr.Validation("Borrower name is required").
			WithField("borrowerFirstName", "is required").
			WithField("borrowerLastName", "is required")
	}
	if a.LeadID != "" {
		if _, err := s.findLead(ctx, p, a.LeadID); err != nil {
			if errors.Is(err, apperr.NotFound("")) {
				return nil, apperr.Validation("Invalid application").WithField("leadId", "does not exist")
			}
			return nil, err
		}
	}
	if err := s.checkProduct(ctx, p.OrgID(), a, false); err != nil {
		return nil, err
	}
	if err := s.sealApplication(a); err != nil {
		return nil, apperr.Internal(err)
	}
	if err := traced(ctx, "db.applications.create", func() error { return s.store.Applications(ctx).Create(ctx, a) }); err != nil {
		return nil, err
	}
	s.record(ctx, audit.EventDataModification, audit.ActionCreate, "application", a.ID, nil)
	if err := s.revealApplication(a); err != nil {
		return nil, apperr.Internal(err)
	}
	return a, nil
}

// UpdateApplication edits an application before a decision is made.
func (s *Service) UpdateApplication(ctx context.Context, p auth.Principal, id string, patch ApplicationPatch) (*Application, error) {
	a, err := s.findApplication(ctx, p, id)
	if err != nil {
		return nil, err
	}
	editable := a.Status == StatusDraft || (p.SeesWholeOrg() && (a.Status == StatusSubmitted || a.Status == StatusUnderReview))
	if !editable {
		return nil, apperr.Validation(fmt.Sprintf("Applications in status %s cannot be edited", a.Status))
	}
	if err := s.revealApplication(a); err != nil {
		return nil, apperr.Internal(err)
	}
	if patch.BorrowerSSN == nil {
		ssn, err := s.keys.Reveal(pii.SSN, a.SSNSealed)
		if err != nil {
			return nil, apperr.Internal(err)
		}
		a.BorrowerSSN = ssn
	}
	// Reveal masks the SSN inside form data, so start from the unmasked record.
	form, err := s.keys.DecryptRecord(a.FormDataSealed)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	a.FormData = form

	changed := []string{}
	set := func(name string, dst *string, v *string) {
		if v = trimPtr(v); v != nil {
			*dst = *v
			changed = append(changed, name)
		}
	}
	set("loanProductId", &a.LoanProductID, patch.LoanProductID)
	set("templateId", &a.TemplateID, patch.TemplateID)
	set("borrowerFirstName", &a.BorrowerFirstName, patch.BorrowerFirstName)
	set("borrowerLastName", &a.BorrowerLastName, patch.BorrowerLastName)
	set("borrowerEmail", &a.BorrowerEmail, patch.BorrowerEmail)
	set("borrowerSsn", &a.BorrowerSSN, patch.BorrowerSSN)
	set("borrowerAnnualIncome", &a.BorrowerAnnualIncome, patch.BorrowerAnnualIncome)
	if patch.AmountCents != nil {
		a.AmountCents = *patch.AmountCents
		changed = append(changed, "amountCents")
	}
	if patch.TermMonths != nil {
		a.TermMonths = *patch.TermMonths
		changed = append(changed, "termMonths")
	}
	if patch.FormData != nil {
		for k, v := range patch.FormData {
			if v == nil {
				delete(a.FormData, k)
				continue
			}
			a.FormData[k] = v
		}
		changed = append(changed, "formData")
	}
	if a.BorrowerFirstName == "" || a.BorrowerLastName == "" {
		return nil, apperr.Validation("Borrower name is required")
	}
	if err := s.checkProduct(ctx, p.OrgID(), a, a.Status != StatusDraft); err != nil {
		return nil, err
	}
	if err := s.sealApplication(a); err != nil {
		return nil, apperr.Internal(err)
	}
	a.UpdatedAt = s.now().UTC()
	if err := traced(ctx, "db.applications.update", func() error { return s.store.Applications(ctx).Update(ctx, a) }); err != nil {
		return nil, err
	}
	s.record(ctx, audit.EventDataModification, audit.ActionUpdate, "application", a.ID, map[string]any{"fields": changed})
	if err := s.revealApplication(a); err != nil {
		return nil, apperr.Internal(err)
	}
	return a, nil
}

// DeleteApplication removes a draft.
func (s *Service) DeleteApplication(ctx context.Context, p auth.Principal, id string) error {
	a, err := s.findApplication(ctx, p, id)
	if err != nil {
		return err
	}
	if a.Status != StatusDraft {
		return apperr.Validation("Only draft applications can be deleted")
	}
	if err := traced(ctx, "db.applications.delete", func() error { return s.store.Applications(ctx).Delete(ctx, p.OrgID(), id) }); err != nil {
		return err
	}
	s.record(ctx, audit.EventDataModification, audit.ActionDelete, "application", id, nil)
	return nil
}

// SubmitApplication moves a draft to submitted and routes it to the first
// active queue accepting the product's loan type.
func (s *Service) SubmitApplication(ctx context.Context, p auth.Principal, id string) (*Application, error) {
	a, err := s.findApplication(ctx, p, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(a.Status, StatusSubmitted) {
		return nil, apperr.Validation(fmt.Sprintf("Cannot submit an application in status %s", a.Status))
	}
	verr := apperr.Validation("Application is incomplete")
	if a.AmountCents <= 0 {
		verr.WithField("amountCents", "is required")
	}
	if a.TermMonths <= 0 {
		verr.WithField("termMonths", "is required")
	}
	if len(verr.Fields) > 0 {
		return nil, verr
	}
	if err := s.checkProduct(ctx, p.OrgID(), a, true); err != nil {
		return nil, err
	}
	if err := s.checkTemplateFields(ctx, p.OrgID(), a); err != nil {
		return nil, err
	}

	queueID, err := s.routeQueue(ctx, p.OrgID(), a)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	a.Status = StatusSubmitted
	a.SubmittedAt = timePtr(now)
	a.QueueID = queueID
	a.UpdatedAt = now
	if err := traced(ctx, "db.applications.update", func() error { return s.store.Applications(ctx).Update(ctx, a) }); err != nil {
		return nil, err
	}
	s.record(ctx, audit.EventDataModification, audit.ActionStatusChanged, "application", a.ID,
		map[string]any{"from": string(StatusDraft), "to": string(StatusSubmitted), "queue_id": queueID})
	if err := s.revealApplication(a); err != nil {
		return nil, apperr.Internal(err)
	}
	return a, nil
}

func (s *Service) checkTemplateFields(ctx context.Context, orgID string, a *Application) error {
	if a.TemplateID == "" {
		return nil
	}
	span := trace.StartSpan(ctx, "db.templates.find")
	tpl, err := s.store.Templates(ctx).Find(ctx, orgID, a.TemplateID)
	span(err)
	if err != nil {
		return err
	}
	form, err := s.keys.DecryptRecord(a.FormDataSealed)
	if err != nil {
		return apperr.Internal(err)
	}
	verr := apperr.Validation("Application form is incomplete")
	for _, f := range tpl.Fields {
		if !f.Required {
			continue
		}
		if v, ok := form[f.Name]; !ok || v == nil || v == "" {
			verr.WithField("formData."+f.Name, "is required")
		}
	}
	if len(verr.Fields) > 0 {
		return verr
	}
	return nil
}

func (s *Service) routeQueue(ctx context.Context, orgID string, a *Application) (string, error) {
	loanType := ""
	if a.LoanProductID != "" {
		span := trace.StartSpan(ctx, "db.products.find")
		product, err := s.store.Products(ctx).Find(ctx, orgID, a.LoanProductID)
		span(err)
		if err != nil {
			return "", err
		}
		loanType = product.LoanType
	}
	queues, err := s.store.Queues(ctx).List(ctx, orgID)
	if err != nil {
		return "", err
	}
	for _, q := range queues {
		if q.IsActive && q.Accepts(loanType) {
			return q.ID, nil
		}
	}
	return "", nil
}

// ChangeStatus applies an underwriting transition. Submission goes through
// SubmitApplication instead.
func (s *Service) ChangeStatus(ctx context.Context, p auth.Principal, id string, change StatusChange) (*Application, error) {
	if !change.Status.Valid() {
		return nil, apperr.Validation("Unknown application status").WithField("status", "is not a known status")
	}
	if change.Status == StatusSubmitted {
		return nil, apperr.Validation("Use the submit action to submit an application")
	}
	a, err := s.findApplication(ctx, p, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(a.Status, change.Status) {
		return nil, apperr.Validation(fmt.Sprintf("Cannot move an application from %s to %s", a.Status, change.Status))
	}
	if a.UnderwriterID != "" && a.UnderwriterID != p.UserID() && !p.IsAdmin() {
		return nil, apperr.Forbidden("Application is assigned to another underwriter")
	}
	now := s.now().UTC()
	from := a.Status
	a.Status = change.Status
	if notes := strings.TrimSpace(change.Notes); notes != "" {
		a.DecisionNotes = notes
	}
	switch change.Status {
	case StatusUnderReview:
		if a.UnderwriterID == "" {
			a.UnderwriterID = p.UserID()
		}
	case StatusApproved, StatusDeclined:
		a.DecidedAt = timePtr(now)
	case StatusFunded:
		a.FundedAt = timePtr(now)
	}
	a.UpdatedAt = now
	if err := traced(ctx, "db.applications.update", func() error { return s.store.Applications(ctx).Update(ctx, a) }); err != nil {
		return nil, err
	}
	s.audit.Log(ctx, audit.Entry{
		EventType:  audit.EventDataModification,
		Action:     audit.ActionStatusChanged,
		Resource:   "application",
		ResourceID: a.ID,
		RiskLevel:  audit.RiskMedium,
		Details:    map[string]any{"from": string(from), "to": string(change.Status)},
	})
	if err := s.revealApplication(a); err != nil {
		return nil, apperr.Internal(err)
	}
	return a, nil
}
