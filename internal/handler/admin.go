package handler

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/worklog/guard/internal/auth"
	"github.com/worklog/guard/internal/middleware"
	"github.com/worklog/guard/internal/model"
	"github.com/worklog/guard/internal/service"
)

// AuditQuery is the query string accepted by the audit endpoint
type AuditQuery struct {
	Actor     string     `query:"actor" validate:"omitempty,max=255"`
	EventType string     `query:"eventType" validate:"omitempty,max=100"`
	From      *time.Time `query:"from"`
	To        *time.Time `query:"to"`
	Outcome   string     `query:"outcome" validate:"omitempty,oneof=success failure rejected error"`
	Page      int        `query:"page" validate:"min=0"`
	PageSize  int        `query:"pageSize" validate:"min=0"`
	CountOnly bool       `query:"countOnly"`
}

// AlertQuery is the query string accepted by the alert listing
type AlertQuery struct {
	Status   string `query:"status" validate:"omitempty,oneof=open acknowledged resolved"`
	Severity string `query:"severity" validate:"omitempty,oneof=low medium high critical"`
	Page     int    `query:"page" validate:"min=0"`
	PageSize int    `query:"pageSize" validate:"min=0"`
}

// CreateAPIKeyRequest issues a key for the calling operator
type CreateAPIKeyRequest struct {
	Name        string   `json:"name" validate:"required,max=100"`
	Permissions []string `json:"permissions" validate:"required,min=1,dive,required"`
}

// PutSecretRequest stores an integration credential
type PutSecretRequest struct {
	Value string `json:"value" validate:"required,max=65536"`
}

// queryParser collects conversion failures per parameter
type queryParser struct {
	values url.Values
	fields map[string]string
}

func newQueryParser(r *http.Request) *queryParser {
	return &queryParser{values: r.URL.Query(), fields: map[string]string{}}
}

func (p *queryParser) int(name string) int {
	raw := p.values.Get(name)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		p.fields[name] = "must be an integer"
	}
	return n
}

func (p *queryParser) bool(name string) bool {
	raw := p.values.Get(name)
	if raw == "" {
		return false
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		p.fields[name] = "must be true or false"
	}
	return b
}

func (p *queryParser) time(name string) *time.Time {
	raw := p.values.Get(name)
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		p.fields[name] = "must be an RFC 3339 timestamp"
		return nil
	}
	return &t
}

func (p *queryParser) err() *middleware.ValidationError {
	if len(p.fields) == 0 {
		return nil
	}
	return &middleware.ValidationError{Fields: p.fields}
}

// validQuery reports whether q passed validation, writing the 400 when it did not
func (h *Handler) validQuery(w http.ResponseWriter, r *http.Request, p *queryParser, q interface{}) bool {
	if verr := p.err(); verr != nil {
		h.mw.Reject(w, r, verr)
		return false
	}
	if err := h.mw.Validate(q); err != nil {
		var verr *middleware.ValidationError
		if errors.As(err, &verr) {
			h.mw.Reject(w, r, verr)
			return false
		}
		h.internalError(w, r, err, "query validation failed")
		return false
	}
	return true
}

// --- Audit ---

// QueryAudit returns a page of audit entries, or only their count
func (h *Handler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	p := newQueryParser(r)
	q := AuditQuery{
		Actor:     p.values.Get("actor"),
		EventType: p.values.Get("eventType"),
		From:      p.time("from"),
		To:        p.time("to"),
		Outcome:   p.values.Get("outcome"),
		Page:      p.int("page"),
		PageSize:  p.int("pageSize"),
		CountOnly: p.bool("countOnly"),
	}
	if q.From != nil && q.To != nil && q.To.Before(*q.From) {
		p.fields["to"] = "must not be before from"
	}
	if !h.validQuery(w, r, p, &q) {
		return
	}

	filter := model.AuditFilter{
		ActorID:   q.Actor,
		EventType: model.EventType(q.EventType),
		From:      q.From,
		To:        q.To,
		Outcome:   model.Outcome(q.Outcome),
	}

	total, err := h.audit.Count(r.Context(), filter)
	if err != nil {
		h.internalError(w, r, err, "failed to count audit entries")
		return
	}
	if q.CountOnly {
		writeJSON(w, http.StatusOK, map[string]int64{"count": total})
		return
	}

	result, err := h.audit.Query(r.Context(), filter, model.Page{Number: q.Page, Size: q.PageSize})
	if err != nil {
		h.internalError(w, r, err, "failed to query audit entries")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries":  result.Entries,
		"page":     result.Page,
		"pageSize": result.PageSize,
		"total":    total,
	})
}

// --- Alerts ---

// ListAlerts returns a page of security alerts, newest first
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	p := newQueryParser(r)
	q := AlertQuery{
		Status:   p.values.Get("status"),
		Severity: p.values.Get("severity"),
		Page:     p.int("page"),
		PageSize: p.int("pageSize"),
	}
	if !h.validQuery(w, r, p, &q) {
		return
	}

	filter := model.AlertFilter{
		Status:   model.AlertStatus(q.Status),
		Severity: model.Severity(q.Severity),
	}
	alerts, page, err := h.monitor.ListAlerts(r.Context(), filter, model.Page{Number: q.Page, Size: q.PageSize})
	if err != nil {
		h.internalError(w, r, err, "failed to list alerts")
		return
	}
	total, err := h.monitor.CountAlerts(r.Context(), filter)
	if err != nil {
		h.internalError(w, r, err, "failed to count alerts")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts":   alerts,
		"page":     page.Number,
		"pageSize": page.Size,
		"total":    total,
	})
}

// GetAlert returns one alert
func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := h.monitor.GetAlert(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeAlertError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// AcknowledgeAlert moves an open alert to acknowledged
func (h *Handler) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := h.monitor.Acknowledge(r.Context(), r.PathValue("id"), operator(r))
	if err != nil {
		h.writeAlertError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// ResolveAlert moves an acknowledged alert to resolved
func (h *Handler) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := h.monitor.Resolve(r.Context(), r.PathValue("id"), operator(r))
	if err != nil {
		h.writeAlertError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (h *Handler) writeAlertError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrAlertNotFound):
		writeError(w, http.StatusNotFound, "not_found", "Alert not found")
	case errors.Is(err, service.ErrInvalidStateTransition):
		writeError(w, http.StatusConflict, "invalid_state_transition", "The alert cannot move to the requested status")
	default:
		h.internalError(w, r, err, "alert operation failed")
	}
}

// --- API keys ---

// CreateAPIKey issues a key owned by the calling operator. The full key is returned once.
func (h *Handler) CreateAPIKey(w http.ResponseWriter, r *http.Request, req *CreateAPIKeyRequest) {
	issued, err := h.apiKeys.GenerateAPIKey(r.Context(), operator(r), req.Name, req.Permissions)
	if err != nil {
		if errors.Is(err, service.ErrInvalidKeyInput) {
			h.mw.Reject(w, r, &middleware.ValidationError{Fields: map[string]string{"body": err.Error()}})
			return
		}
		h.internalError(w, r, err, "failed to create api key")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"key":    issued.Key,
		"apiKey": issued.APIKey,
	})
}

// ListAPIKeys lists keys, optionally narrowed to one owner
func (h *Handler) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.apiKeys.List(r.Context(), r.URL.Query().Get("owner"))
	if err != nil {
		h.internalError(w, r, err, "failed to list api keys")
		return
	}
	if keys == nil {
		keys = []*model.APIKey{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"apiKeys": keys})
}

// RevokeAPIKey revokes a key
func (h *Handler) RevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	if err := h.apiKeys.Revoke(r.Context(), r.PathValue("id"), operator(r)); err != nil {
		if errors.Is(err, service.ErrAPIKeyNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "API key not found")
			return
		}
		h.internalError(w, r, err, "failed to revoke api key")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Secrets ---

// secretOwner is the owner query parameter, defaulting to the calling operator
func secretOwner(r *http.Request) string {
	if owner := r.URL.Query().Get("owner"); owner != "" {
		return owner
	}
	return operator(r)
}

// PutSecret encrypts and stores a named secret
func (h *Handler) PutSecret(w http.ResponseWriter, r *http.Request, req *PutSecretRequest) {
	name := r.PathValue("name")

	rec, err := h.secrets.Put(r.Context(), secretOwner(r), name, req.Value)
	if err != nil {
		if errors.Is(err, service.ErrInvalidSecret) {
			h.mw.Reject(w, r, &middleware.ValidationError{Fields: map[string]string{"name": "is invalid"}})
			return
		}
		h.internalError(w, r, err, "failed to store secret")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":       rec.Name,
		"keyVersion": rec.Field.KeyVersion,
		"updatedAt":  rec.UpdatedAt,
	})
}

// GetSecret decrypts and returns a named secret
func (h *Handler) GetSecret(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	value, err := h.secrets.Get(r.Context(), secretOwner(r), name)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrSecretNotFound):
			writeError(w, http.StatusNotFound, "not_found", "Secret not found")
		case errors.Is(err, service.ErrInvalidSecret):
			h.mw.Reject(w, r, &middleware.ValidationError{Fields: map[string]string{"name": "is invalid"}})
		case errors.Is(err, auth.ErrSecurityIntegrity):
			// Never say which check failed
			h.internalError(w, r, err, "secret failed integrity check")
		default:
			h.internalError(w, r, err, "failed to read secret")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"name": name, "value": value})
}
