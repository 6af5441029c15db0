package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"lendpath.io/internal/apperr"
	"lendpath.io/internal/audit"
	"lendpath.io/internal/auth"
	"lendpath.io/internal/lending"
)

type productRequest struct {
	Name           string `json:"name" validate:"required,max=200"`
	LoanType       string `json:"loanType" validate:"required,max=50"`
	MinAmountCents int64  `json:"minAmountCents" validate:"gte=0"`
	MaxAmountCents int64  `json:"maxAmountCents" validate:"gte=0"`
	MinTermMonths  int    `json:"minTermMonths" validate:"gte=0"`
	MaxTermMonths  int    `json:"maxTermMonths" validate:"gte=0,lte=600"`
	BaseRateBps    int    `json:"baseRateBps" validate:"gte=0,lte=10000"`
	IsActive       *bool  `json:"isActive"`
}

type productPatchRequest struct {
	Name           *string `json:"name" validate:"omitempty,min=1,max=200"`
	LoanType       *string `json:"loanType" validate:"omitempty,min=1,max=50"`
	MinAmountCents *int64  `json:"minAmountCents" validate:"omitempty,gte=0"`
	MaxAmountCents *int64  `json:"maxAmountCents" validate:"omitempty,gte=0"`
	MinTermMonths  *int    `json:"minTermMonths" validate:"omitempty,gte=0"`
	MaxTermMonths  *int    `json:"maxTermMonths" validate:"omitempty,gte=0,lte=600"`
	BaseRateBps    *int    `json:"baseRateBps" validate:"omitempty,gte=0,lte=10000"`
	IsActive       *bool   `json:"isActive"`
}

type templateRequest struct {
	Name        string                  `json:"name" validate:"required,max=200"`
	Description string                  `json:"description" validate:"max=2000"`
	LoanType    string                  `json:"loanType" validate:"required,max=50"`
	Fields      []lending.TemplateField `json:"fields"`
	IsDefault   bool                    `json:"isDefault"`
	IsActive    *bool                   `json:"isActive"`
}

type templatePatchRequest struct {
	Name        *string                 `json:"name" validate:"omitempty,min=1,max=200"`
	Description *string                 `json:"description" validate:"omitempty,max=2000"`
	LoanType    *string                 `json:"loanType" validate:"omitempty,min=1,max=50"`
	Fields      []lending.TemplateField `json:"fields"`
	IsDefault   *bool                   `json:"isDefault"`
	IsActive    *bool                   `json:"isActive"`
}

type queueRequest struct {
	Name        string   `json:"name" validate:"required,max=200"`
	Description string   `json:"description" validate:"max=2000"`
	LoanTypes   []string `json:"loanTypes"`
}

func (a *API) handleListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := a.lending.ListProducts(r.Context(), principal(r))
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(products))
}

func (a *API) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	product, err := a.lending.GetProduct(r.Context(), principal(r), urlID(r))
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

func (a *API) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var req productRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}
	product, err := a.lending.CreateProduct(r.Context(), principal(r), lending.ProductInput{
		Name:           req.Name,
		LoanType:       req.LoanType,
		MinAmountCents: req.MinAmountCents,
		MaxAmountCents: req.MaxAmountCents,
		MinTermMonths:  req.MinTermMonths,
		MaxTermMonths:  req.MaxTermMonths,
		BaseRateBps:    req.BaseRateBps,
		IsActive:       req.IsActive,
	})
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/loan-products/"+product.ID)
	writeJSON(w, http.StatusCreated, product)
}

func (a *API) handleUpdateProduct(w http.ResponseWriter, r *http.Request) {
	var req productPatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}
	product, err := a.lending.UpdateProduct(r.Context(), principal(r), urlID(r), lending.ProductPatch{
		Name:           req.Name,
		LoanType:       req.LoanType,
		MinAmountCents: req.MinAmountCents,
		MaxAmountCents: req.MaxAmountCents,
		MinTermMonths:  req.MinTermMonths,
		MaxTermMonths:  req.MaxTermMonths,
		BaseRateBps:    req.BaseRateBps,
		IsActive:       req.IsActive,
	})
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

func (a *API) handleDeleteProduct(w http.ResponseWriter, r *http.Request) {
	if err := a.lending.DeleteProduct(r.Context(), principal(r), urlID(r)); err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{Success: true})
}

func (a *API) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := a.lending.ListTemplates(r.Context(), principal(r), r.URL.Query().Get("loanType"))
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(templates))
}

func (a *API) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := a.lending.GetTemplate(r.Context(), principal(r), urlID(r))
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

func (a *API) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}
	tpl, err := a.lending.CreateTemplate(r.Context(), principal(r), lending.TemplateInput{
		Name:        req.Name,
		Description: req.Description,
		LoanType:    req.LoanType,
		Fields:      req.Fields,
		IsDefault:   req.IsDefault,
		IsActive:    req.IsActive,
	})
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/templates/"+tpl.ID)
	writeJSON(w, http.StatusCreated, tpl)
}

func (a *API) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	var req templatePatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}
	tpl, err := a.lending.UpdateTemplate(r.Context(), principal(r), urlID(r), lending.TemplatePatch{
		Name:        req.Name,
		Description: req.Description,
		LoanType:    req.LoanType,
		Fields:      req.Fields,
		IsDefault:   req.IsDefault,
		IsActive:    req.IsActive,
	})
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

func (a *API) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := a.lending.DeleteTemplate(r.Context(), principal(r), urlID(r)); err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{Success: true})
}

func (a *API) handleListQueues(w http.ResponseWriter, r *http.Request) {
	queues, err := a.lending.ListQueues(r.Context(), principal(r))
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(queues))
}

func (a *API) handleCreateQueue(w http.ResponseWriter, r *http.Request) {
	var req queueRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}
	q, err := a.lending.CreateQueue(r.Context(), principal(r), lending.QueueInput{
		Name:        req.Name,
		Description: req.Description,
		LoanTypes:   req.LoanTypes,
	})
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, q)
}

func (a *API) handleQueueApplications(w http.ResponseWriter, r *http.Request) {
	page, err := pageFromQuery(r)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	apps, err := a.lending.QueueApplications(r.Context(), principal(r), urlID(r), page)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(apps))
}

func (a *API) handleClaimApplication(w http.ResponseWriter, r *http.Request) {
	app, err := a.lending.ClaimApplication(r.Context(), principal(r), urlID(r))
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (a *API) handleDashboardSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := a.lending.Summary(r.Context(), principal(r))
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// auditFilter reads the audit viewer query. Tenant admins are pinned to
// their organization; super admins may pick one or see all.
func auditFilter(r *http.Request, p auth.Principal) (audit.Filter, error) {
	q := r.URL.Query()
	f := audit.Filter{
		OrganizationID: p.OrgID(),
		UserID:         q.Get("userId"),
		Action:         q.Get("action"),
		EventType:      audit.EventType(q.Get("eventType")),
		Resource:       q.Get("resource"),
		Outcome:        audit.Outcome(q.Get("outcome")),
	}
	if p.Role() == auth.RoleSuperAdmin {
		f.OrganizationID = q.Get("organizationId")
	}
	for name, dst := range map[string]*time.Time{"since": &f.Since, "until": &f.Until} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, apperr.Validation("Invalid query").WithField(name, "must be an RFC 3339 timestamp")
		}
		*dst = t
	}
	for name, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return f, apperr.Validation("Invalid query").WithField(name, "must be a non-negative integer")
		}
		*dst = n
	}
	return f.Normalize(), nil
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	f, err := auditFilter(r, p)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	entries, err := a.audit.List(r.Context(), f)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	a.audit.Log(r.Context(), audit.Entry{
		EventType:      audit.EventDataAccess,
		Action:         audit.ActionRead,
		UserID:         p.UserID(),
		OrganizationID: p.OrgID(),
		Resource:       "audit_log",
		Details:        map[string]any{"returned": len(entries)},
	})
	writeJSON(w, http.StatusOK, list(entries))
}
