package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/worklog/guard/internal/model"
	"github.com/worklog/guard/internal/service"
)

// maxBodyBytes bounds request bodies decoded by WithValidation
const maxBodyBytes = 1 << 20

// ValidationError lists the request fields that failed validation
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return "validation failed: " + strings.Join(names, ", ")
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their JSON names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			name = f.Tag.Get("query")
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return v
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	case "email":
		return "must be a valid email address"
	case "jwt":
		return "must be a JWT"
	case "uuid4", "uuid":
		return "must be a UUID"
	case "printascii", "alphanum":
		return "contains invalid characters"
	case "dive":
		return "contains an invalid item"
	}
	return "is invalid"
}

// Validate runs struct validation on v and returns a *ValidationError listing failing fields
func (m *Middleware) Validate(v interface{}) error {
	err := m.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &ValidationError{Fields: map[string]string{"body": "is invalid"}}
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		// Namespace minus the root type name, e.g. "permissions[0]"
		name := fe.Namespace()
		if _, rest, ok := strings.Cut(name, "."); ok {
			name = rest
		}
		fields[name] = fieldMessage(fe)
	}
	return &ValidationError{Fields: fields}
}

// Reject writes a 400 for a failed validation and records it in the audit trail
func (m *Middleware) Reject(w http.ResponseWriter, r *http.Request, verr *ValidationError) {
	m.audit.Record(r.Context(), service.AuditEvent{
		EventType: model.EventValidationFailed,
		Outcome:   model.OutcomeRejected,
		Metadata:  model.ValidationMetadata{Fields: verr.Fields},
	})
	writeErrorWithDetails(w, http.StatusBadRequest, "validation_error", "The request is invalid", verr.Fields)
}

// decodeJSON reads a single JSON document into v. Unknown fields and trailing data are rejected.
func decodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return &ValidationError{Fields: map[string]string{"body": "is required"}}
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes+1))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return bodyError(err)
	}
	if decoder.More() {
		return &ValidationError{Fields: map[string]string{"body": "must contain a single JSON object"}}
	}
	return nil
}

func bodyError(err error) *ValidationError {
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.Is(err, io.EOF):
		return &ValidationError{Fields: map[string]string{"body": "is required"}}
	case errors.As(err, &typeErr) && typeErr.Field != "":
		return &ValidationError{Fields: map[string]string{typeErr.Field: "has the wrong type"}}
	case strings.HasPrefix(err.Error(), "json: unknown field "):
		field := strings.Trim(strings.TrimPrefix(err.Error(), "json: unknown field "), `"`)
		return &ValidationError{Fields: map[string]string{field: "is not allowed"}}
	}
	return &ValidationError{Fields: map[string]string{"body": "is not valid JSON"}}
}

type bodyKey struct{}

// decodeRequest decodes and validates a JSON body of type T, answering 400 itself on failure
func decodeRequest[T any](m *Middleware, w http.ResponseWriter, r *http.Request) (*T, bool) {
	req := new(T)
	err := decodeJSON(r, req)
	if err == nil {
		err = m.Validate(req)
	}
	if err != nil {
		var verr *ValidationError
		if !errors.As(err, &verr) {
			verr = &ValidationError{Fields: map[string]string{"body": "is invalid"}}
		}
		m.Reject(w, r, verr)
		return nil, false
	}
	return req, true
}

// WithValidation decodes and validates a JSON body of type T before calling fn.
// Invalid requests get a 400 listing the failing fields and are audited as validation.failed.
func WithValidation[T any](m *Middleware, fn func(w http.ResponseWriter, r *http.Request, req *T)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeRequest[T](m, w, r)
		if !ok {
			return
		}
		fn(w, r, req)
	}
}

// ValidateBody is WithValidation as a middleware, for routes that validate
// before authenticating. Inner handlers read the body back with Bind.
func ValidateBody[T any](m *Middleware) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req, ok := decodeRequest[T](m, w, r)
			if !ok {
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), bodyKey{}, req)))
		})
	}
}

// Bind adapts fn to a handler fed by an outer ValidateBody[T]
func Bind[T any](fn func(w http.ResponseWriter, r *http.Request, req *T)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := r.Context().Value(bodyKey{}).(*T)
		if !ok {
			writeError(w, http.StatusInternalServerError, "internal_error", "Request body was not validated")
			return
		}
		fn(w, r, req)
	}
}
