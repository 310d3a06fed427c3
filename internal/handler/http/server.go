package http

import (
	"net/http"
	"time"

	"referral-engine/internal/auth"
	"referral-engine/internal/metrics"

	"go.uber.org/zap"
)

// Server wires the handlers to routes.
type Server struct {
	clicks      *ClicksHandler
	redirect    *RedirectHandler
	conversions *ConversionsHandler
	commissions *CommissionsHandler
	health      *HealthHandler
	auth        *auth.Middleware
	limiter     *IPRateLimiter
	clientIP    *ClientIPResolver
	metrics     *metrics.Metrics
	log         *zap.Logger
}

// Deps groups the server collaborators.
type Deps struct {
	Clicks      *ClicksHandler
	Redirect    *RedirectHandler
	Conversions *ConversionsHandler
	Commissions *CommissionsHandler
	Health      *HealthHandler
	Auth        *auth.Middleware
	Limiter     *IPRateLimiter
	// ClientIP decides which forwarding headers to believe. Nil trusts none.
	ClientIP *ClientIPResolver
	Metrics  *metrics.Metrics
}

func NewServer(d Deps, log *zap.Logger) *Server {
	return &Server{
		clicks:      d.Clicks,
		redirect:    d.Redirect,
		conversions: d.Conversions,
		commissions: d.Commissions,
		health:      d.Health,
		auth:        d.Auth,
		limiter:     d.Limiter,
		clientIP:    d.ClientIP,
		metrics:     d.Metrics,
		log:         log,
	}
}

// SetupRoutes builds the HTTP handler.
func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.health.Health)
	mux.HandleFunc("GET /ready", s.health.Ready)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	// Public tracking redirect.
	mux.HandleFunc("GET /r/{code}", s.limited(s.redirect.HandleRedirect))

	mux.HandleFunc("POST /api/clicks", s.api(auth.ScopeClicksWrite, s.limited(s.clicks.CreateClick)))

	mux.HandleFunc("POST /api/conversions", s.api(auth.ScopeConversionsWrite, s.conversions.RecordConversion))
	mux.HandleFunc("GET /api/conversions/{id}", s.api(auth.ScopeConversionsRead, s.conversions.GetConversion))
	mux.HandleFunc("POST /api/conversions/{id}/confirm", s.api(auth.ScopeConversionsWrite, s.conversions.Confirm))
	mux.HandleFunc("POST /api/conversions/{id}/cancel", s.api(auth.ScopeConversionsWrite, s.conversions.Cancel))
	mux.HandleFunc("POST /api/conversions/{id}/refund", s.api(auth.ScopeConversionsWrite, s.conversions.Refund))

	mux.HandleFunc("POST /api/commissions/quote", s.api(auth.ScopeCommissionsRead, s.commissions.Quote))

	// Preflight requests carry no token; CORS answers them itself.
	mux.HandleFunc("OPTIONS /api/", s.auth.CORS(func(http.ResponseWriter, *http.Request) {}))

	return s.clientIP.Middleware(s.observe(mux))
}

func (s *Server) api(scope string, h http.HandlerFunc) http.HandlerFunc {
	return s.auth.CORS(s.auth.RequireScope(scope, h))
}

func (s *Server) limited(h http.HandlerFunc) http.HandlerFunc {
	if s.limiter == nil {
		return h
	}
	return s.limiter.Middleware(h)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// observe records request metrics and logs each request.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		// Label by route pattern to keep metric cardinality bounded.
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		if s.metrics != nil {
			s.metrics.RecordHTTPRequest(r.Method, path, rec.status, elapsed)
		}
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", elapsed),
		)
	})
}
