package service

import (
	"context"
	"sync/atomic"
)

type requestInfoKey struct{}

// RequestInfo describes the HTTP request a service call is made for.
// Audit entries recorded under a context carrying it inherit these fields.
type RequestInfo struct {
	RequestID     string
	ActorID       string
	SourceAddress string
	UserAgent     string
	Endpoint      string
	Method        string

	recorded atomic.Bool
}

// Recorded reports whether an audit entry has already been recorded for the request
func (r *RequestInfo) Recorded() bool {
	return r.recorded.Load()
}

// WithRequestInfo attaches request information to ctx
func WithRequestInfo(ctx context.Context, info *RequestInfo) context.Context {
	return context.WithValue(ctx, requestInfoKey{}, info)
}

// RequestInfoFrom returns the request information attached to ctx, or nil
func RequestInfoFrom(ctx context.Context) *RequestInfo {
	info, _ := ctx.Value(requestInfoKey{}).(*RequestInfo)
	return info
}

// System endpoints used for audit entries that are not tied to a request
const (
	SystemMethod = "SYSTEM"
)

// SystemEndpoint names an internal job in audit entries
func SystemEndpoint(job string) string {
	return "internal:" + job
}
