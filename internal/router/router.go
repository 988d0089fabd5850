package router

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/unrolled/secure"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-identity/internal/observability"
	"github.com/ovaphlow/pitchfork/service-identity/pkg/utilities"
)

const RequestIDHeader = "X-Request-Id"

type ctxKey struct{}

// Mounter is implemented by every feature handler.
type Mounter interface {
	MountRoutes(r chi.Router)
}

// Deps carries the feature handlers and router settings. Nil handlers are not mounted.
type Deps struct {
	Logger  *zap.SugaredLogger
	Metrics *observability.Metrics

	Users    Mounter
	Sessions Mounter
	OAuth    Mounter
	Reset    Mounter
	Billing  Mounter

	BillingAPIKey string
	SnowflakeNode int64
	// AuthRateLimit is requests per minute per IP on credential routes.
	AuthRateLimit int
	Production    bool
}

// loggingResponseWriter wraps http.ResponseWriter to capture status and size.
type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.status = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lrw.status == 0 {
		lrw.status = http.StatusOK
	}
	n, err := lrw.ResponseWriter.Write(b)
	lrw.size += n
	return n, err
}

// RequestIDFromContext returns the id assigned by RequestIDMiddleware.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// RequestIDMiddleware keeps a caller supplied X-Request-Id or mints a snowflake id.
func RequestIDMiddleware(node int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if id == "" || len(id) > 64 {
				id = utilities.NewSnowflakeIDWithNode(node)
			}
			w.Header().Set(RequestIDHeader, id)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
		})
	}
}

// LoggingMiddleware returns a middleware that logs requests at debug level using the provided sugared logger.
func LoggingMiddleware(logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			lrw := &loggingResponseWriter{ResponseWriter: w}
			next.ServeHTTP(lrw, r)
			status := lrw.status
			if status == 0 {
				status = http.StatusOK
			}
			logger.Debugw("http request",
				"request_id", RequestIDFromContext(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"remote", r.RemoteAddr,
				"status", status,
				"duration_ms", float64(time.Since(start).Microseconds())/1000.0,
				"size", lrw.size,
			)
		})
	}
}

// SecurityHeadersMiddleware sets the standard response hardening headers.
func SecurityHeadersMiddleware(production bool, logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	sm := secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		ReferrerPolicy:        "no-referrer",
		PermissionsPolicy:     "camera=(), microphone=(), geolocation=()",
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		STSSeconds:            2592000,
		STSIncludeSubdomains:  true,
		SSLRedirect:           production,
		SSLProxyHeaders:       map[string]string{"X-Forwarded-Proto": "https"},
		IsDevelopment:         !production,
	})
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := sm.Process(w, r); err != nil {
				logger.Warnw("secure headers blocked request", "path", r.URL.Path, "err", err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimit throttles credential endpoints per client IP.
func rateLimit(perMinute int) func(http.Handler) http.Handler {
	if perMinute <= 0 {
		perMinute = 10
	}
	return httprate.Limit(perMinute, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			utilities.WriteError(w, http.StatusTooManyRequests, "too many requests")
		}),
	)
}

// New mounts the service routes behind the common middleware chain.
func New(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(
		RequestIDMiddleware(d.SnowflakeNode),
		middleware.Recoverer,
		LoggingMiddleware(d.Logger),
		SecurityHeadersMiddleware(d.Production, d.Logger),
		d.Metrics.Middleware,
	)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(rateLimit(d.AuthRateLimit))
		if d.Users != nil {
			d.Users.MountRoutes(r)
		}
		if d.Reset != nil {
			r.Route("/password", d.Reset.MountRoutes)
		}
	})
	if d.Sessions != nil {
		d.Sessions.MountRoutes(r)
	}
	if d.OAuth != nil {
		r.Route("/oauth", d.OAuth.MountRoutes)
	}
	if d.Billing != nil && d.BillingAPIKey != "" {
		r.Route("/billing", func(r chi.Router) {
			r.Use(utilities.RequireKey(d.BillingAPIKey))
			d.Billing.MountRoutes(r)
		})
	} else {
		d.Logger.Warnw("billing routes disabled", "reason", "BILLING_API_KEY not set")
	}
	return r
}
