// Package lending holds the loan-origination domain: leads, applications,
// products, templates, tasks and underwriting queues.
package lending

import (
	"time"

	"lendpath.io/internal/pii"
)

// LeadStatus is a lead's pipeline stage.
type LeadStatus string

const (
	LeadNew       LeadStatus = "new"
	LeadContacted LeadStatus = "contacted"
	LeadQualified LeadStatus = "qualified"
	LeadConverted LeadStatus = "converted"
	LeadLost      LeadStatus = "lost"
)

func (s LeadStatus) Valid() bool {
	switch s {
	case LeadNew, LeadContacted, LeadQualified, LeadConverted, LeadLost:
		return true
	}
	return false
}

// Lead is a prospective borrower captured by a broker. Email, Phone, SSN and
// AnnualIncome are plaintext views; only the sealed columns are persisted.
type Lead struct {
	ID                     string     `json:"id"`
	OrganizationID         string     `json:"organizationId"`
	BrokerID               string     `json:"brokerId"`
	FirstName              string     `json:"firstName"`
	LastName               string     `json:"lastName"`
	Email                  string     `json:"email,omitempty"`
	Phone                  string     `json:"phone,omitempty"`
	SSN                    string     `json:"-"`
	SSNMasked              string     `json:"ssnMasked,omitempty"`
	AnnualIncome           string     `json:"annualIncome,omitempty"`
	LoanAmountCents        int64      `json:"loanAmountCents"`
	LoanPurpose            string     `json:"loanPurpose,omitempty"`
	Source                 string     `json:"source,omitempty"`
	Status                 LeadStatus `json:"status"`
	Notes                  string     `json:"notes,omitempty"`
	ConvertedApplicationID string     `json:"convertedApplicationId,omitempty"`
	CreatedAt              time.Time  `json:"createdAt"`
	UpdatedAt              time.Time  `json:"updatedAt"`

	EmailSealed  pii.Protected `json:"-"`
	PhoneSealed  pii.Protected `json:"-"`
	SSNSealed    pii.Protected `json:"-"`
	IncomeSealed pii.Protected `json:"-"`
}

// ApplicationStatus is an application's lifecycle state.
type ApplicationStatus string

const (
	StatusDraft       ApplicationStatus = "draft"
	StatusSubmitted   ApplicationStatus = "submitted"
	StatusUnderReview ApplicationStatus = "under_review"
	StatusApproved    ApplicationStatus = "approved"
	StatusDeclined    ApplicationStatus = "declined"
	StatusFunded      ApplicationStatus = "funded"
)

var transitions = map[ApplicationStatus][]ApplicationStatus{
	StatusDraft:       {StatusSubmitted},
	StatusSubmitted:   {StatusUnderReview},
	StatusUnderReview: {StatusApproved, StatusDeclined},
	StatusApproved:    {StatusFunded},
}

func (s ApplicationStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusSubmitted, StatusUnderReview, StatusApproved, StatusDeclined, StatusFunded:
		return true
	}
	return false
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to ApplicationStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Application is a loan application.
type Application struct {
	ID                   string            `json:"id"`
	OrganizationID       string            `json:"organizationId"`
	LeadID               string            `json:"leadId,omitempty"`
	LoanProductID        string            `json:"loanProductId,omitempty"`
	TemplateID           string            `json:"templateId,omitempty"`
	BrokerID             string            `json:"brokerId"`
	UnderwriterID        string            `json:"underwriterId,omitempty"`
	QueueID              string            `json:"queueId,omitempty"`
	BorrowerFirstName    string            `json:"borrowerFirstName"`
	BorrowerLastName     string            `json:"borrowerLastName"`
	BorrowerEmail        string            `json:"borrowerEmail,omitempty"`
	BorrowerSSN          string            `json:"-"`
	BorrowerSSNMasked    string            `json:"borrowerSsnMasked,omitempty"`
	BorrowerAnnualIncome string            `json:"borrowerAnnualIncome,omitempty"`
	AmountCents          int64             `json:"amountCents"`
	TermMonths           int               `json:"termMonths"`
	FormData             map[string]any    `json:"formData,omitempty"`
	Status               ApplicationStatus `json:"status"`
	DecisionNotes        string            `json:"decisionNotes,omitempty"`
	SubmittedAt          *time.Time        `json:"submittedAt,omitempty"`
	DecidedAt            *time.Time        `json:"decidedAt,omitempty"`
	FundedAt             *time.Time        `json:"fundedAt,omitempty"`
	CreatedAt            time.Time         `json:"createdAt"`
	UpdatedAt            time.Time         `json:"updatedAt"`

	EmailSealed    pii.Protected  `json:"-"`
	SSNSealed      pii.Protected  `json:"-"`
	IncomeSealed   pii.Protected  `json:"-"`
	FormDataSealed map[string]any `json:"-"`
}

// LoanProduct is an offering configured by a tenant admin.
type LoanProduct struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organizationId"`
	Name           string    `json:"name"`
	LoanType       string    `json:"loanType"`
	MinAmountCents int64     `json:"minAmountCents"`
	MaxAmountCents int64     `json:"maxAmountCents"`
	MinTermMonths  int       `json:"minTermMonths"`
	MaxTermMonths  int       `json:"maxTermMonths"`
	BaseRateBps    int       `json:"baseRateBps"`
	IsActive       bool      `json:"isActive"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// TemplateField describes one input of an application form.
type TemplateField struct {
	Name     string   `json:"name"`
	Label    string   `json:"label"`
	Type     string   `json:"type"`
	Required bool     `json:"required"`
	Options  []string `json:"options,omitempty"`
}

// ApplicationTemplate is a reusable application form.
type ApplicationTemplate struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organizationId"`
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	LoanType       string          `json:"loanType"`
	Fields         []TemplateField `json:"fields"`
	IsDefault      bool            `json:"isDefault"`
	IsActive       bool            `json:"isActive"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// TaskStatus is an application task's state.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskCancelled  TaskStatus = "cancelled"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskInProgress, TaskCompleted, TaskCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further changes are allowed.
func (s TaskStatus) Terminal() bool { return s == TaskCompleted || s == TaskCancelled }

// Task is a to-do item attached to an application.
type Task struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organizationId"`
	ApplicationID  string     `json:"applicationId"`
	Title          string     `json:"title"`
	Description    string     `json:"description,omitempty"`
	AssignedTo     string     `json:"assignedTo,omitempty"`
	CreatedBy      string     `json:"createdBy"`
	Status         TaskStatus `json:"status"`
	DueAt          *time.Time `json:"dueAt,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Queue routes submitted applications to underwriters by loan type.
type Queue struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organizationId"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	LoanTypes      []string  `json:"loanTypes"`
	IsActive       bool      `json:"isActive"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Accepts reports whether the queue takes loanType. A queue without loan
// types accepts everything.
func (q *Queue) Accepts(loanType string) bool {
	if len(q.LoanTypes) == 0 {
		return true
	}
	for _, t := range q.LoanTypes {
		if t == loanType {
			return true
		}
	}
	return false
}

// Summary is the role-aware dashboard payload.
type Summary struct {
	Scope                string                    `json:"scope"`
	LeadsByStatus        map[LeadStatus]int        `json:"leadsByStatus"`
	ApplicationsByStatus map[ApplicationStatus]int `json:"applicationsByStatus"`
	TotalLeads           int                       `json:"totalLeads"`
	TotalApplications    int                       `json:"totalApplications"`
	OpenTasks            int                       `json:"openTasks"`
	AwaitingReview       int                       `json:"awaitingReview"`
	ApprovedVolumeCents  int64                     `json:"approvedVolumeCents"`
}
