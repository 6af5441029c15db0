package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"lendpath.io/internal/apperr"
	"lendpath.io/internal/lending"
	"lendpath.io/internal/obs"
)

const maxJSONBody = 1 << 20

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type errorBody struct {
	Error         string            `json:"error"`
	Message       string            `json:"message"`
	CorrelationID string            `json:"correlationId,omitempty"`
	Fields        map[string]string `json:"fields,omitempty"`
	Detail        string            `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// respondError renders err as {error, message, correlationId}. Server side
// failures are logged with the correlation id; their cause is only echoed
// outside production.
func (a *API) respondError(w http.ResponseWriter, r *http.Request, err error) {
	e := apperr.As(err)
	status := apperr.Status(e.Kind)
	corr := obs.CorrelationID(r.Context())
	body := errorBody{
		Error:         apperr.Code(e.Kind),
		Message:       e.Message,
		CorrelationID: corr,
		Fields:        e.Fields,
	}
	if status >= http.StatusInternalServerError {
		a.log.Error("request failed",
			zap.String("correlation_id", corr),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("kind", string(e.Kind)),
			zap.Error(err),
		)
		if !a.production && e.Err != nil {
			body.Detail = e.Err.Error()
		}
	}
	writeJSON(w, status, body)
}

// decodeJSON reads a single JSON object into dst and runs struct validation.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, maxJSONBody)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return apperr.Validation("Request body is required")
		case errors.As(err, &tooLarge):
			return apperr.Validation("Request body is too large")
		default:
			return apperr.Wrap(apperr.KindValidation, "Malformed JSON body", err)
		}
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return apperr.Validation("Unexpected data after JSON body")
	}
	return validateStruct(dst)
}

func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Internal(err)
	}
	out := apperr.Validation("Invalid request")
	for _, fe := range verrs {
		out.WithField(fe.Field(), fieldMessage(fe))
	}
	return out
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "min":
		return "must be at least " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	case "oneof":
		return "must be one of " + fe.Param()
	default:
		return "is invalid"
	}
}

// pageFromQuery parses limit/offset query parameters.
func pageFromQuery(r *http.Request) (lending.Page, error) {
	var p lending.Page
	q := r.URL.Query()
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return p, apperr.Validation("Invalid pagination").WithField("limit", "must be a non-negative integer")
		}
		p.Limit = n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return p, apperr.Validation("Invalid pagination").WithField("offset", "must be a non-negative integer")
		}
		p.Offset = n
	}
	return p.Normalize(), nil
}

func urlID(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "id"))
}

type listResponse[T any] struct {
	Items []T `json:"items"`
	Count int `json:"count"`
}

func list[T any](items []T) listResponse[T] {
	if items == nil {
		items = []T{}
	}
	return listResponse[T]{Items: items, Count: len(items)}
}

type okResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}
