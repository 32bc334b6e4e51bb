package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"momentwatch/internal/types"
)

// unmatchedRoute labels requests no route matched, keeping metric cardinality
// independent of what clients send.
const unmatchedRoute = "unmatched"

// statusRecorder remembers the first status a handler wrote.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	return sr.ResponseWriter.Write(b)
}

// Unwrap exposes the wrapped writer to http.ResponseController.
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

func (sr *statusRecorder) code() int {
	if sr.status == 0 {
		return http.StatusOK
	}
	return sr.status
}

// sensorAccess is filled in by the sensor handlers and read by Observe once
// the response is written.
type sensorAccess struct {
	region   string
	instance types.Instance
	listed   int
	reported int
}

type sensorAccessKey struct{}

func accessFrom(r *http.Request) *sensorAccess {
	a, _ := r.Context().Value(sensorAccessKey{}).(*sensorAccess)
	return a
}

// noteSensor records which sensor a request asked for and, when it has
// reported, the instance that was served.
func noteSensor(r *http.Request, region string, report *types.Report) {
	a := accessFrom(r)
	if a == nil {
		return
	}
	a.region = region
	if report != nil {
		a.instance = report.Value
	}
}

// noteListing records how many sensors a listing returned and how many of
// them had reported.
func noteListing(r *http.Request, listed, reported int) {
	if a := accessFrom(r); a != nil {
		a.listed, a.reported = listed, reported
	}
}

func (a *sensorAccess) attrs() []slog.Attr {
	var attrs []slog.Attr
	if a.region != "" {
		attrs = append(attrs, slog.String("region", a.region))
	}
	if a.instance != "" {
		attrs = append(attrs, slog.String("instance", string(a.instance)))
	}
	if a.listed > 0 {
		attrs = append(attrs, slog.Int("sensors", a.listed), slog.Int("sensors_reported", a.reported))
	}
	return attrs
}

// Observe writes one access log line per request and records its latency and
// count under the matched route pattern. Sensor handlers enrich the log line
// with the region and instance they served.
func (s *Server) Observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		access := &sensorAccess{}
		rec := &statusRecorder{ResponseWriter: w}

		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), sensorAccessKey{}, access)))

		elapsed := time.Since(start)
		status := rec.code()
		route := routePattern(r)

		attrs := []slog.Attr{
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Duration("duration", elapsed),
			slog.String("request_id", types.GetRequestID(r.Context())),
		}
		attrs = append(attrs, access.attrs()...)

		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}
		s.Logger.LogAttrs(r.Context(), level, "request completed", attrs...)

		if s.Metrics != nil {
			s.Metrics.RecordRequest(r.Method, route, strconv.Itoa(status), elapsed)
		}
	})
}

// routePattern returns the matched chi pattern, e.g. /v1/sensors/{region}.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return unmatchedRoute
}

// Recoverer turns a handler panic into internal_unexpected_error. It sits
// inside Observe so recovered requests are still logged and counted.
func (s *Server) Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rvr := recover()
			if rvr == nil {
				return
			}
			if rvr == http.ErrAbortHandler {
				panic(rvr)
			}

			s.Logger.LogAttrs(r.Context(), slog.LevelError, "panic recovered",
				slog.String("request_id", types.GetRequestID(r.Context())),
				slog.String("route", routePattern(r)),
				slog.String("region", chi.URLParam(r, "region")),
				slog.String("panic", fmt.Sprint(rvr)),
				slog.String("stack", string(debug.Stack())),
			)
			writeError(w, r, http.StatusInternalServerError, types.ErrCodeInternalUnexpected, "an unexpected error occurred", nil)
		}()

		next.ServeHTTP(w, r)
	})
}

// SecurityHeadersMiddleware sets hardening headers. Reports change every few
// seconds, so responses are never cached.
func (s *Server) SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
