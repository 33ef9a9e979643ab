package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

// HTTP metrics, labelled by route pattern rather than raw path.
var (
	requestCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pacslink_http_requests_total",
		Help: "Total number of requests by route and status code",
	}, []string{"method", "route", "code"})

	requestSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pacslink_http_request_seconds",
		Help:    "Request latency by route",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)

// Logging writes one structured line per request and records its metrics.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := routePattern(r)
		elapsed := time.Since(start)

		requestCount.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		requestSeconds.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())

		evt := log.Info()
		if status >= http.StatusInternalServerError {
			evt = log.Error()
		} else if status >= http.StatusBadRequest {
			evt = log.Warn()
		}
		evt.Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("route", route).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", elapsed).
			Str("remote_addr", r.RemoteAddr).
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return "unmatched"
	}
	if pattern := rctx.RoutePattern(); pattern != "" {
		return pattern
	}
	return "unmatched"
}
