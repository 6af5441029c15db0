package lending

import (
	"context"
	"time"
)

// Page bounds list queries.
type Page struct {
	Limit  int
	Offset int
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// Normalize clamps paging values.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageSize
	}
	if p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// LeadFilter narrows lead listing. EmailHashes matches any of the hashes.
type LeadFilter struct {
	OrganizationID string
	BrokerID       string
	Status         LeadStatus
	EmailHashes    []string
	Page
}

// ApplicationFilter narrows application listing.
type ApplicationFilter struct {
	OrganizationID string
	BrokerID       string
	UnderwriterID  string
	QueueID        string
	Statuses       []ApplicationStatus
	Unassigned     bool
	Page
}

// Store describes persistence for the lending domain. Every method is
// scoped by organization; implementations return apperr not-found errors
// for rows outside the tenant.
type Store interface {
	Leads(ctx context.Context) LeadStore
	Applications(ctx context.Context) ApplicationStore
	Products(ctx context.Context) ProductStore
	Templates(ctx context.Context) TemplateStore
	Tasks(ctx context.Context) TaskStore
	Queues(ctx context.Context) QueueStore
	InTx(ctx context.Context, fn func(Store) error) error
}

type LeadStore interface {
	Create(ctx context.Context, l *Lead) error
	Find(ctx context.Context, orgID, id string) (*Lead, error)
	List(ctx context.Context, f LeadFilter) ([]*Lead, error)
	Update(ctx context.Context, l *Lead) error
	Delete(ctx context.Context, orgID, id string) error
	CountByStatus(ctx context.Context, orgID, brokerID string) (map[LeadStatus]int, error)
}

type ApplicationStore interface {
	Create(ctx context.Context, a *Application) error
	Find(ctx context.Context, orgID, id string) (*Application, error)
	List(ctx context.Context, f ApplicationFilter) ([]*Application, error)
	Update(ctx context.Context, a *Application) error
	Delete(ctx context.Context, orgID, id string) error
	// Claim assigns an unassigned application to underwriterID and moves it
	// to under_review. It reports false when someone else claimed it first.
	Claim(ctx context.Context, orgID, id, underwriterID string, at time.Time) (bool, error)
	CountByStatus(ctx context.Context, orgID, brokerID string) (map[ApplicationStatus]int, error)
	SumAmount(ctx context.Context, orgID, brokerID string, statuses []ApplicationStatus) (int64, error)
}

type ProductStore interface {
	Create(ctx context.Context, p *LoanProduct) error
	Find(ctx context.Context, orgID, id string) (*LoanProduct, error)
	List(ctx context.Context, orgID string, activeOnly bool) ([]*LoanProduct, error)
	Update(ctx context.Context, p *LoanProduct) error
	Delete(ctx context.Context, orgID, id string) error
}

type TemplateStore interface {
	Create(ctx context.Context, t *ApplicationTemplate) error
	Find(ctx context.Context, orgID, id string) (*ApplicationTemplate, error)
	List(ctx context.Context, orgID, loanType string) ([]*ApplicationTemplate, error)
	Update(ctx context.Context, t *ApplicationTemplate) error
	Delete(ctx context.Context, orgID, id string) error
	// ClearDefault unsets is_default on other templates of the loan type.
	ClearDefault(ctx context.Context, orgID, loanType, exceptID string) error
}

type TaskStore interface {
	Create(ctx context.Context, t *Task) error
	Find(ctx context.Context, orgID, id string) (*Task, error)
	ListByApplication(ctx context.Context, orgID, applicationID string) ([]*Task, error)
	Update(ctx context.Context, t *Task) error
	CountOpen(ctx context.Context, orgID, assignee string) (int, error)
}

type QueueStore interface {
	Create(ctx context.Context, q *Queue) error
	Find(ctx context.Context, orgID, id string) (*Queue, error)
	List(ctx context.Context, orgID string) ([]*Queue, error)
}
