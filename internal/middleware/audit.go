package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/worklog/guard/internal/model"
	"github.com/worklog/guard/internal/service"
)

// AuditRequests records an api.request entry for API calls that did not
// record a more specific audit event themselves.
func (m *Middleware) AuditRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}

		wrapped := newResponseWriter(w)
		next.ServeHTTP(wrapped, r)

		info := service.RequestInfoFrom(r.Context())
		if info == nil || info.Recorded() {
			return
		}
		m.audit.Record(r.Context(), service.AuditEvent{
			EventType: model.EventAPIRequest,
			Outcome:   outcomeForStatus(wrapped.statusCode),
			Metadata: model.OpaqueMetadata{
				"status":     wrapped.statusCode,
				"durationMs": time.Since(GetStartTime(r.Context())).Milliseconds(),
			},
		})
	})
}

func outcomeForStatus(status int) model.Outcome {
	switch {
	case status >= 500:
		return model.OutcomeError
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return model.OutcomeFailure
	case status >= 400:
		return model.OutcomeRejected
	}
	return model.OutcomeSuccess
}
