package httpapi

import (
	"context"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/libervia/gateway/internal/core"
	"github.com/rs/zerolog/log"
)

type contextKey string

const (
	requestIDKey contextKey = "requestId"
	startTimeKey contextKey = "startTime"
	tenantIDKey  contextKey = "tenantId"
	instanceKey  contextKey = "tenantInstance"
	authCtxKey   contextKey = "authContext"
)

// requestIDPattern limits what a client-supplied X-Request-Id may look like;
// anything else gets replaced with a generated UUID.
var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// RequestIDMiddleware accepts or generates the request id, echoes it in the
// response header, stamps the monotonic start time and binds a contextual
// logger so every log line in this request carries the id.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if !requestIDPattern.MatchString(requestID) {
			requestID = uuid.New().String()
		}

		w.Header().Set("X-Request-Id", requestID)

		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		ctx = context.WithValue(ctx, startTimeKey, time.Now())

		logger := log.With().Str("request_id", requestID).Logger()
		ctx = logger.WithContext(ctx)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID retrieves the request id from context
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// RequestStart retrieves the monotonic start time recorded by the request-id
// middleware.
func RequestStart(ctx context.Context) (time.Time, bool) {
	t, ok := ctx.Value(startTimeKey).(time.Time)
	return t, ok
}

// TenantID returns the resolved tenant id bound to the request, if any.
func TenantID(ctx context.Context) string {
	if id, ok := ctx.Value(tenantIDKey).(string); ok {
		return id
	}
	return ""
}

// TenantInstance returns the live core bound by the tenant resolver.
func TenantInstance(ctx context.Context) *core.Core {
	if c, ok := ctx.Value(instanceKey).(*core.Core); ok {
		return c
	}
	return nil
}

// telemetryMiddleware measures every request and emits the HTTP metric set
// once the handler finishes. The route label comes from chi's matched
// pattern, never the raw URL.
func (s *Server) telemetryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		start, ok := RequestStart(r.Context())
		if !ok {
			start = time.Now()
		}
		durationMs := float64(time.Since(start)) / float64(time.Millisecond)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = normalizeRoute(r.URL.Path)
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.Metrics.RecordHTTPRequest(r.Method, route, status, TenantID(r.Context()), durationMs)
	})
}

var (
	uuidSegment    = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	numericSegment = regexp.MustCompile(`^[0-9]+$`)
	longIDSegment  = regexp.MustCompile(`^[a-z0-9]{25,}$`)
)

// normalizeRoute is the fallback when no route matched: dynamic-looking path
// segments collapse to :id so metric labels stay low-cardinality.
func normalizeRoute(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if uuidSegment.MatchString(seg) || numericSegment.MatchString(seg) || longIDSegment.MatchString(seg) {
			segments[i] = ":id"
		}
	}
	return strings.Join(segments, "/")
}
