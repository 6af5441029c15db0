package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"lendpath.io/internal/apperr"
	"lendpath.io/internal/lending"
)

type leadRequest struct {
	FirstName       string `json:"firstName" validate:"required,max=100"`
	LastName        string `json:"lastName" validate:"required,max=100"`
	Email           string `json:"email" validate:"omitempty,email,max=254"`
	Phone           string `json:"phone" validate:"max=32"`
	SSN             string `json:"ssn" validate:"max=11"`
	AnnualIncome    string `json:"annualIncome" validate:"max=32"`
	LoanAmountCents int64  `json:"loanAmountCents" validate:"gte=0"`
	LoanPurpose     string `json:"loanPurpose" validate:"max=500"`
	Source          string `json:"source" validate:"max=100"`
	Notes           string `json:"notes" validate:"max=5000"`
}

type leadPatchRequest struct {
	FirstName       *string `json:"firstName" validate:"omitempty,min=1,max=100"`
	LastName        *string `json:"lastName" validate:"omitempty,min=1,max=100"`
	Email           *string `json:"email" validate:"omitempty,max=254"`
	Phone           *string `json:"phone" validate:"omitempty,max=32"`
	SSN             *string `json:"ssn" validate:"omitempty,max=11"`
	AnnualIncome    *string `json:"annualIncome" validate:"omitempty,max=32"`
	LoanAmountCents *int64  `json:"loanAmountCents" validate:"omitempty,gte=0"`
	LoanPurpose     *string `json:"loanPurpose" validate:"omitempty,max=500"`
	Source          *string `json:"source" validate:"omitempty,max=100"`
	Status          *string `json:"status"`
	Notes           *string `json:"notes" validate:"omitempty,max=5000"`
}

type convertRequest struct {
	LoanProductID string `json:"loanProductId"`
	TemplateID    string `json:"templateId"`
	AmountCents   int64  `json:"amountCents" validate:"gte=0"`
	TermMonths    int    `json:"termMonths" validate:"gte=0,lte=600"`
}

type applicationRequest struct {
	LeadID               string         `json:"leadId"`
	LoanProductID        string         `json:"loanProductId"`
	TemplateID           string         `json:"templateId"`
	BorrowerFirstName    string         `json:"borrowerFirstName" validate:"required,max=100"`
	BorrowerLastName     string         `json:"borrowerLastName" validate:"required,max=100"`
	BorrowerEmail        string         `json:"borrowerEmail" validate:"omitempty,email,max=254"`
	BorrowerSSN          string         `json:"borrowerSsn" validate:"max=11"`
	BorrowerAnnualIncome string         `json:"borrowerAnnualIncome" validate:"max=32"`
	AmountCents          int64          `json:"amountCents" validate:"gte=0"`
	TermMonths           int            `json:"termMonths" validate:"gte=0,lte=600"`
	FormData             map[string]any `json:"formData"`
}

type applicationPatchRequest struct {
	LoanProductID        *string        `json:"loanProductId"`
	TemplateID           *string        `json:"templateId"`
	BorrowerFirstName    *string        `json:"borrowerFirstName" validate:"omitempty,min=1,max=100"`
	BorrowerLastName     *string        `json:"borrowerLastName" validate:"omitempty,min=1,max=100"`
	BorrowerEmail        *string        `json:"borrowerEmail" validate:"omitempty,max=254"`
	BorrowerSSN          *string        `json:"borrowerSsn" validate:"omitempty,max=11"`
	BorrowerAnnualIncome *string        `json:"borrowerAnnualIncome" validate:"omitempty,max=32"`
	AmountCents          *int64         `json:"amountCents" validate:"omitempty,gte=0"`
	TermMonths           *int           `json:"termMonths" validate:"omitempty,gte=0,lte=600"`
	FormData             map[string]any `json:"formData"`
}

type statusRequest struct {
	Status string `json:"status" validate:"required"`
	Notes  string `json:"notes" validate:"max=5000"`
}

type taskRequest struct {
	Title       string     `json:"title" validate:"required,max=200"`
	Description string     `json:"description" validate:"max=5000"`
	AssignedTo  string     `json:"assignedTo"`
	DueAt       *time.Time `json:"dueAt"`
}

type taskPatchRequest struct {
	Title       *string    `json:"title" validate:"omitempty,min=1,max=200"`
	Description *string    `json:"description" validate:"omitempty,max=5000"`
	AssignedTo  *string    `json:"assignedTo"`
	Status      *string    `json:"status"`
	DueAt       *time.Time `json:"dueAt"`
}

func (a *API) handleListLeads(w http.ResponseWriter, r *http.Request) {
	page, err := pageFromQuery(r)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	q := r.URL.Query()
	leads, err := a.lending.ListLeads(r.Context(), principal(r), lending.LeadQuery{
		Status: lending.LeadStatus(q.Get("status")),
		Email:  q.Get("email"),
		Page:   page,
	})
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(leads))
}

func (a *API) handleCreateLead(w http.ResponseWriter, r *http.Request) {
	var req leadRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}
	lead, err := a.lending.CreateLead(r.Context(), principal(r), lending.LeadInput{
		FirstName:       req.FirstName,
		LastName:        req.LastName,
		Email:           req.Email,
		Phone:           req.Phone,
		SSN:             req.SSN,
		AnnualIncome:    req.AnnualIncome,
		LoanAmountCents: req.LoanAmountCents,
		LoanPurpose:     req.LoanPurpose,
		Source:          req.Source,
		Notes:           req.Notes,
	})
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/leads/"+lead.ID)
	writeJSON(w, http.StatusCreated, lead)
}

func (a *API) handleGetLead(w http.ResponseWriter, r *http.Request) {
	lead, err := a.lending.GetLead(r.Context(), principal(r), urlID(r))
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lead)
}

func (a *API) handleUpdateLead(w http.ResponseWriter, r *http.Request) {
	var req leadPatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}
	patch := lending.LeadPatch{
		FirstName:       req.FirstName,
		LastName:        req.LastName,
		Email:           req.Email,
		Phone:           req.Phone,
		SSN:             req.SSN,
		AnnualIncome:    req.AnnualIncome,
		LoanAmountCents: req.LoanAmountCents,
		LoanPurpose:     req.LoanPurpose,
		Source:          req.Source,
		Notes:           req.Notes,
	}
	if req.Status != nil {
		s := lending.LeadStatus(*req.Status)
		patch.Status = &s
	}
	lead, err := a.lending.UpdateLead(r.Context(), principal(r), urlID(r), patch)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lead)
}

func (a *API) handleDeleteLead(w http.ResponseWriter, r *http.Request) {
	if err := a.lending.DeleteLead(r.Context(), principal(r), urlID(r)); err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{Success: true})
}

func (a *API) handleConvertLead(w http.ResponseWriter, r *http.Request) {
	var req convertRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}
	app, err := a.lending.ConvertLead(r.Context(), principal(r), urlID(r), lending.ConvertInput{
		LoanProductID: req.LoanProductID,
		TemplateID:    req.TemplateID,
		AmountCents:   req.AmountCents,
		TermMonths:    req.TermMonths,
	})
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/applications/"+app.ID)
	writeJSON(w, http.StatusCreated, app)
}

func (a *API) handleListApplications(w http.ResponseWriter, r *http.Request) {
	page, err := pageFromQuery(r)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	q := r.URL.Query()
	mine := false
	if raw := q.Get("mine"); raw != "" {
		if mine, err = strconv.ParseBool(raw); err != nil {
			a.respondError(w, r, apperr.Validation("Invalid query").WithField("mine", "must be a boolean"))
			return
		}
	}
	apps, err := a.lending.ListApplications(r.Context(), principal(r), lending.ApplicationQuery{
		Status:  lending.ApplicationStatus(q.Get("status")),
		QueueID: q.Get("queueId"),
		Mine:    mine,
		Page:    page,
	})
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(apps))
}

func (a *API) handleCreateApplication(w http.ResponseWriter, r *http.Request) {
	var req applicationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}
	app, err := a.lending.CreateApplication(r.Context(), principal(r), lending.ApplicationInput{
		LeadID:               req.LeadID,
		LoanProductID:        req.LoanProductID,
		TemplateID:           req.TemplateID,
		BorrowerFirstName:    req.BorrowerFirstName,
		BorrowerLastName:     req.BorrowerLastName,
		BorrowerEmail:        req.BorrowerEmail,
		BorrowerSSN:          req.BorrowerSSN,
		BorrowerAnnualIncome: req.BorrowerAnnualIncome,
		AmountCents:          req.AmountCents,
		TermMonths:           req.TermMonths,
		FormData:             req.FormData,
	})
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/applications/"+app.ID)
	writeJSON(w, http.StatusCreated, app)
}

func (a *API) handleGetApplication(w http.ResponseWriter, r *http.Request) {
	app, err := a.lending.GetApplication(r.Context(), principal(r), urlID(r))
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (a *API) handleUpdateApplication(w http.ResponseWriter, r *http.Request) {
	var req applicationPatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}
	app, err := a.lending.UpdateApplication(r.Context(), principal(r), urlID(r), lending.ApplicationPatch{
		LoanProductID:        req.LoanProductID,
		TemplateID:           req.TemplateID,
		BorrowerFirstName:    req.BorrowerFirstName,
		BorrowerLastName:     req.BorrowerLastName,
		BorrowerEmail:        req.BorrowerEmail,
		BorrowerSSN:          req.BorrowerSSN,
		BorrowerAnnualIncome: req.BorrowerAnnualIncome,
		AmountCents:          req.AmountCents,
		TermMonths:           req.TermMonths,
		FormData:             req.FormData,
	})
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (a *API) handleDeleteApplication(w http.ResponseWriter, r *http.Request) {
	if err := a.lending.DeleteApplication(r.Context(), principal(r), urlID(r)); err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{Success: true})
}

func (a *API) handleSubmitApplication(w http.ResponseWriter, r *http.Request) {
	app, err := a.lending.SubmitApplication(r.Context(), principal(r), urlID(r))
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (a *API) handleChangeStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}
	app, err := a.lending.ChangeStatus(r.Context(), principal(r), urlID(r), lending.StatusChange{
		Status: lending.ApplicationStatus(req.Status),
		Notes:  req.Notes,
	})
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (a *API) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := a.lending.ListTasks(r.Context(), principal(r), urlID(r))
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(tasks))
}

func (a *API) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}
	task, err := a.lending.CreateTask(r.Context(), principal(r), urlID(r), lending.TaskInput{
		Title:       req.Title,
		Description: req.Description,
		AssignedTo:  req.AssignedTo,
		DueAt:       req.DueAt,
	})
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (a *API) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var req taskPatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}
	patch := lending.TaskPatch{
		Title:       req.Title,
		Description: req.Description,
		AssignedTo:  req.AssignedTo,
		DueAt:       req.DueAt,
	}
	if req.Status != nil {
		s := lending.TaskStatus(*req.Status)
		patch.Status = &s
	}
	task, err := a.lending.UpdateTask(r.Context(), principal(r), urlID(r), patch)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}
