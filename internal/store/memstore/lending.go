package memstore

import (
	"context"
	"sort"
	"time"

	"lendpath.io/internal/apperr"
	"lendpath.io/internal/lending"
)

type lendingStore struct{ db *DB }

func (s lendingStore) Leads(context.Context) lending.LeadStore               { return leadStore(s) }
func (s lendingStore) Applications(context.Context) lending.ApplicationStore { return appStore(s) }
func (s lendingStore) Products(context.Context) lending.ProductStore         { return productStore(s) }
func (s lendingStore) Templates(context.Context) lending.TemplateStore       { return templateStore(s) }
func (s lendingStore) Tasks(context.Context) lending.TaskStore               { return taskStore(s) }
func (s lendingStore) Queues(context.Context) lending.QueueStore             { return queueStore(s) }

func (s lendingStore) InTx(_ context.Context, fn func(lending.Store) error) error {
	return s.db.inTx(func() error { return fn(s) })
}

func contains[T comparable](items []T, v T) bool {
	for _, item := range items {
		if item == v {
			return true
		}
	}
	return false
}

type leadStore struct{ db *DB }

func storedLead(l *lending.Lead) lending.Lead {
	cp := *l
	cp.Email = ""
	cp.Phone = ""
	cp.SSN = ""
	cp.SSNMasked = ""
	cp.AnnualIncome = ""
	return cp
}

func (s leadStore) Create(_ context.Context, l *lending.Lead) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.leads[l.ID]; ok {
		return apperr.Duplicate("Lead already exists")
	}
	s.db.leads[l.ID] = storedLead(l)
	return nil
}

func (s leadStore) Find(_ context.Context, orgID, id string) (*lending.Lead, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	l, ok := s.db.leads[id]
	if !ok || l.OrganizationID != orgID {
		return nil, apperr.NotFound("Lead not found")
	}
	return &l, nil
}

func (s leadStore) List(_ context.Context, f lending.LeadFilter) ([]*lending.Lead, error) {
	f.Page = f.Page.Normalize()
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	out := []*lending.Lead{}
	for _, l := range s.db.leads {
		switch {
		case l.OrganizationID != f.OrganizationID,
			f.BrokerID != "" && l.BrokerID != f.BrokerID,
			f.Status != "" && l.Status != f.Status,
			len(f.EmailHashes) > 0 && !contains(f.EmailHashes, l.EmailSealed.Hash):
			continue
		}
		l := l
		out = append(out, &l)
	}
	sortNewestFirst(out, func(l *lending.Lead) time.Time { return l.CreatedAt }, func(l *lending.Lead) string { return l.ID })
	return page(out, f.Offset, f.Limit), nil
}

func (s leadStore) Update(_ context.Context, l *lending.Lead) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	existing, ok := s.db.leads[l.ID]
	if !ok || existing.OrganizationID != l.OrganizationID {
		return apperr.NotFound("Lead not found")
	}
	s.db.leads[l.ID] = storedLead(l)
	return nil
}

func (s leadStore) Delete(_ context.Context, orgID, id string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	l, ok := s.db.leads[id]
	if !ok || l.OrganizationID != orgID {
		return apperr.NotFound("Lead not found")
	}
	delete(s.db.leads, id)
	for appID, a := range s.db.apps {
		if a.LeadID == id {
			a.LeadID = ""
			s.db.apps[appID] = a
		}
	}
	return nil
}

func (s leadStore) CountByStatus(_ context.Context, orgID, brokerID string) (map[lending.LeadStatus]int, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	out := map[lending.LeadStatus]int{}
	for _, l := range s.db.leads {
		if l.OrganizationID == orgID && (brokerID == "" || l.BrokerID == brokerID) {
			out[l.Status]++
		}
	}
	return out, nil
}

type appStore struct{ db *DB }

func copyApp(a lending.Application) *lending.Application {
	if a.FormDataSealed != nil {
		a.FormDataSealed = copyMap(a.FormDataSealed)
	}
	if a.FormData != nil {
		a.FormData = copyMap(a.FormData)
	}
	a.SubmittedAt = copyTime(a.SubmittedAt)
	a.DecidedAt = copyTime(a.DecidedAt)
	a.FundedAt = copyTime(a.FundedAt)
	return &a
}

// stored drops the plaintext views so only sealed values are kept.
func stored(a *lending.Application) lending.Application {
	cp := *copyApp(*a)
	cp.BorrowerEmail = ""
	cp.BorrowerSSN = ""
	cp.BorrowerSSNMasked = ""
	cp.BorrowerAnnualIncome = ""
	cp.FormData = nil
	return cp
}

func (s appStore) checkRefs(a *lending.Application) error {
	if a.LoanProductID != "" {
		if p, ok := s.db.products[a.LoanProductID]; !ok || p.OrganizationID != a.OrganizationID {
			return apperr.Validation("Referenced resource does not exist")
		}
	}
	if a.TemplateID != "" {
		if t, ok := s.db.templates[a.TemplateID]; !ok || t.OrganizationID != a.OrganizationID {
			return apperr.Validation("Referenced resource does not exist")
		}
	}
	return nil
}

func (s appStore) Create(_ context.Context, a *lending.Application) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.apps[a.ID]; ok {
		return apperr.Duplicate("Application already exists")
	}
	if err := s.checkRefs(a); err != nil {
		return err
	}
	s.db.apps[a.ID] = stored(a)
	return nil
}

func (s appStore) Find(_ context.Context, orgID, id string) (*lending.Application, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	a, ok := s.db.apps[id]
	if !ok || a.OrganizationID != orgID {
		return nil, apperr.NotFound("Application not found")
	}
	return copyApp(a), nil
}

func (s appStore) List(_ context.Context, f lending.ApplicationFilter) ([]*lending.Application, error) {
	f.Page = f.Page.Normalize()
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	out := []*lending.Application{}
	for _, a := range s.db.apps {
		switch {
		case a.OrganizationID != f.OrganizationID,
			f.BrokerID != "" && a.BrokerID != f.BrokerID,
			f.UnderwriterID != "" && a.UnderwriterID != f.UnderwriterID,
			f.QueueID != "" && a.QueueID != f.QueueID,
			len(f.Statuses) > 0 && !contains(f.Statuses, a.Status),
			f.Unassigned && a.UnderwriterID != "":
			continue
		}
		out = append(out, copyApp(a))
	}
	sortNewestFirst(out, func(a *lending.Application) time.Time { return a.CreatedAt }, func(a *lending.Application) string { return a.ID })
	return page(out, f.Offset, f.Limit), nil
}

func (s appStore) Update(_ context.Context, a *lending.Application) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	existing, ok := s.db.apps[a.ID]
	if !ok || existing.OrganizationID != a.OrganizationID {
		return apperr.NotFound("Application not found")
	}
	if err := s.checkRefs(a); err != nil {
		return err
	}
	s.db.apps[a.ID] = stored(a)
	return nil
}

func (s appStore) Delete(_ context.Context, orgID, id string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	a, ok := s.db.apps[id]
	if !ok || a.OrganizationID != orgID {
		return apperr.NotFound("Application not found")
	}
	delete(s.db.apps, id)
	for taskID, t := range s.db.tasks {
		if t.ApplicationID == id {
			delete(s.db.tasks, taskID)
		}
	}
	return nil
}

func (s appStore) Claim(_ context.Context, orgID, id, underwriterID string, at time.Time) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	a, ok := s.db.apps[id]
	if !ok || a.OrganizationID != orgID {
		return false, apperr.NotFound("Application not found")
	}
	if a.Status != lending.StatusSubmitted || a.UnderwriterID != "" {
		return false, nil
	}
	a.UnderwriterID = underwriterID
	a.Status = lending.StatusUnderReview
	a.UpdatedAt = at
	s.db.apps[id] = a
	return true, nil
}

func (s appStore) CountByStatus(_ context.Context, orgID, brokerID string) (map[lending.ApplicationStatus]int, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	out := map[lending.ApplicationStatus]int{}
	for _, a := range s.db.apps {
		if a.OrganizationID == orgID && (brokerID == "" || a.BrokerID == brokerID) {
			out[a.Status]++
		}
	}
	return out, nil
}

func (s appStore) SumAmount(_ context.Context, orgID, brokerID string, statuses []lending.ApplicationStatus) (int64, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var sum int64
	for _, a := range s.db.apps {
		if a.OrganizationID == orgID && (brokerID == "" || a.BrokerID == brokerID) && contains(statuses, a.Status) {
			sum += a.AmountCents
		}
	}
	return sum, nil
}

type productStore struct{ db *DB }

func (s productStore) Create(_ context.Context, p *lending.LoanProduct) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.products[p.ID]; ok {
		return apperr.Duplicate("Loan product already exists")
	}
	s.db.products[p.ID] = *p
	return nil
}

func (s productStore) Find(_ context.Context, orgID, id string) (*lending.LoanProduct, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	p, ok := s.db.products[id]
	if !ok || p.OrganizationID != orgID {
		return nil, apperr.NotFound("Loan product not found")
	}
	return &p, nil
}

func (s productStore) List(_ context.Context, orgID string, activeOnly bool) ([]*lending.LoanProduct, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	out := []*lending.LoanProduct{}
	for _, p := range s.db.products {
		if p.OrganizationID == orgID && (!activeOnly || p.IsActive) {
			p := p
			out = append(out, &p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s productStore) Update(_ context.Context, p *lending.LoanProduct) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	existing, ok := s.db.products[p.ID]
	if !ok || existing.OrganizationID != p.OrganizationID {
		return apperr.NotFound("Loan product not found")
	}
	s.db.products[p.ID] = *p
	return nil
}

func (s productStore) Delete(_ context.Context, orgID, id string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	p, ok := s.db.products[id]
	if !ok || p.OrganizationID != orgID {
		return apperr.NotFound("Loan product not found")
	}
	for _, a := range s.db.apps {
		if a.LoanProductID == id {
			return apperr.Validation("Loan product is used by applications")
		}
	}
	delete(s.db.products, id)
	return nil
}

type templateStore struct{ db *DB }

func copyTemplate(t lending.ApplicationTemplate) *lending.ApplicationTemplate {
	fields := make([]lending.TemplateField, len(t.Fields))
	for i, f := range t.Fields {
		f.Options = append([]string(nil), f.Options...)
		fields[i] = f
	}
	t.Fields = fields
	return &t
}

func (s templateStore) Create(_ context.Context, t *lending.ApplicationTemplate) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.templates[t.ID]; ok {
		return apperr.Duplicate("Template already exists")
	}
	s.db.templates[t.ID] = *copyTemplate(*t)
	return nil
}

func (s templateStore) Find(_ context.Context, orgID, id string) (*lending.ApplicationTemplate, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	t, ok := s.db.templates[id]
	if !ok || t.OrganizationID != orgID {
		return nil, apperr.NotFound("Template not found")
	}
	return copyTemplate(t), nil
}

func (s templateStore) List(_ context.Context, orgID, loanType string) ([]*lending.ApplicationTemplate, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	out := []*lending.ApplicationTemplate{}
	for _, t := range s.db.templates {
		if t.OrganizationID == orgID && (loanType == "" || t.LoanType == loanType) {
			out = append(out, copyTemplate(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsDefault != out[j].IsDefault {
			return out[i].IsDefault
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s templateStore) Update(_ context.Context, t *lending.ApplicationTemplate) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	existing, ok := s.db.templates[t.ID]
	if !ok || existing.OrganizationID != t.OrganizationID {
		return apperr.NotFound("Template not found")
	}
	s.db.templates[t.ID] = *copyTemplate(*t)
	return nil
}

func (s templateStore) Delete(_ context.Context, orgID, id string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	t, ok := s.db.templates[id]
	if !ok || t.OrganizationID != orgID {
		return apperr.NotFound("Template not found")
	}
	for _, a := range s.db.apps {
		if a.TemplateID == id {
			return apperr.Validation("Template is used by applications")
		}
	}
	delete(s.db.templates, id)
	return nil
}

func (s templateStore) ClearDefault(_ context.Context, orgID, loanType, exceptID string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for id, t := range s.db.templates {
		if t.OrganizationID == orgID && t.LoanType == loanType && id != exceptID && t.IsDefault {
			t.IsDefault = false
			s.db.templates[id] = t
		}
	}
	return nil
}

type taskStore struct{ db *DB }

func copyTask(t lending.Task) *lending.Task {
	t.DueAt = copyTime(t.DueAt)
	t.CompletedAt = copyTime(t.CompletedAt)
	return &t
}

func (s taskStore) Create(_ context.Context, t *lending.Task) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.tasks[t.ID]; ok {
		return apperr.Duplicate("Task already exists")
	}
	if a, ok := s.db.apps[t.ApplicationID]; !ok || a.OrganizationID != t.OrganizationID {
		return apperr.Validation("Referenced resource does not exist")
	}
	s.db.tasks[t.ID] = *copyTask(*t)
	return nil
}

func (s taskStore) Find(_ context.Context, orgID, id string) (*lending.Task, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	t, ok := s.db.tasks[id]
	if !ok || t.OrganizationID != orgID {
		return nil, apperr.NotFound("Task not found")
	}
	return copyTask(t), nil
}

func (s taskStore) ListByApplication(_ context.Context, orgID, applicationID string) ([]*lending.Task, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	out := []*lending.Task{}
	for _, t := range s.db.tasks {
		if t.OrganizationID == orgID && t.ApplicationID == applicationID {
			out = append(out, copyTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s taskStore) Update(_ context.Context, t *lending.Task) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	existing, ok := s.db.tasks[t.ID]
	if !ok || existing.OrganizationID != t.OrganizationID {
		return apperr.NotFound("Task not found")
	}
	s.db.tasks[t.ID] = *copyTask(*t)
	return nil
}

func (s taskStore) CountOpen(_ context.Context, orgID, assignee string) (int, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	n := 0
	for _, t := range s.db.tasks {
		if t.OrganizationID == orgID && !t.Status.Terminal() && (assignee == "" || t.AssignedTo == assignee) {
			n++
		}
	}
	return n, nil
}

type queueStore struct{ db *DB }

func copyQueue(q lending.Queue) *lending.Queue {
	q.LoanTypes = append([]string(nil), q.LoanTypes...)
	return &q
}

func (s queueStore) Create(_ context.Context, q *lending.Queue) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, existing := range s.db.queues {
		if existing.ID == q.ID || (existing.OrganizationID == q.OrganizationID && existing.Name == q.Name) {
			return apperr.Duplicate("Queue already exists")
		}
	}
	s.db.queues[q.ID] = *copyQueue(*q)
	return nil
}

func (s queueStore) Find(_ context.Context, orgID, id string) (*lending.Queue, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	q, ok := s.db.queues[id]
	if !ok || q.OrganizationID != orgID {
		return nil, apperr.NotFound("Queue not found")
	}
	return copyQueue(q), nil
}

func (s queueStore) List(_ context.Context, orgID string) ([]*lending.Queue, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	out := []*lending.Queue{}
	for _, q := range s.db.queues {
		if q.OrganizationID == orgID {
			out = append(out, copyQueue(q))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}
