package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"referral-engine/internal/attribution"
	"referral-engine/internal/auth"
	"referral-engine/internal/commission"
	"referral-engine/internal/conversion"
	"referral-engine/internal/domain"
	"referral-engine/internal/metrics"
	"referral-engine/internal/repository/memory"
	"referral-engine/internal/tracking"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const chromeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

type fakeQueue struct {
	submitted []domain.RawClickInput
	err       error
}

func (q *fakeQueue) Submit(in domain.RawClickInput) error {
	q.submitted = append(q.submitted, in)
	return q.err
}

func (q *fakeQueue) Stats() map[string]interface{} {
	return map[string]interface{}{"queue_length": len(q.submitted)}
}

type testEnv struct {
	store   *memory.MemStorage
	queue   *fakeQueue
	handler http.Handler
}

func newTestEnv(t *testing.T, jwtService *auth.JWTService, convCfg conversion.Config) *testEnv {
	t.Helper()
	ctx := context.Background()
	log := zap.NewNop()

	store := memory.New()
	require.NoError(t, store.SavePartner(ctx, &domain.Partner{
		ID: "p-1", ReferralCode: "PARTNER1", Name: "Partner One", Tier: "gold", Status: domain.PartnerStatusActive,
	}))
	require.NoError(t, store.CreatePolicy(ctx, &domain.CommissionPolicy{
		ID: "pol-std", PolicyCode: "standard", Status: domain.PolicyStatusActive,
		CommissionType: domain.CommissionPercentage, CommissionRate: decimal.NewFromInt(10),
	}))

	m := metrics.New(prometheus.NewRegistry())
	filter := tracking.NewDedupBotFilter(0, tracking.UserAgentSubstrings{"bot"})
	ingestor := tracking.NewIngestor(store, store, filter, nil, tracking.Config{DedupWindow: time.Hour}, m, log)
	commissions := commission.NewService(store, log)
	if convCfg.DefaultCurrency == "" {
		convCfg.DefaultCurrency = "USD"
	}
	recorder := conversion.NewRecorder(
		store,
		attribution.NewResolver(store, attribution.LastTouch{}, 30, log),
		commissions,
		nil,
		convCfg,
		m,
		log,
	)

	clientIP, err := NewClientIPResolver([]string{"10.0.0.0/8"})
	require.NoError(t, err)

	queue := &fakeQueue{}
	srv := NewServer(Deps{
		Clicks:      NewClicksHandler(ingestor, log),
		Redirect:    NewRedirectHandler(queue, RedirectConfig{LandingURL: "https://shop.example/", SessionCookie: "ref_sid", SessionTTL: time.Hour}, log),
		Conversions: NewConversionsHandler(recorder, log),
		Commissions: NewCommissionsHandler(commissions, store, "USD", log),
		Health:      NewHealthHandler(store, queue, log),
		Auth:        auth.NewMiddleware(jwtService, []string{"https://admin.example"}, log),
		Limiter:     NewIPRateLimiter(100, 100, log),
		ClientIP:    clientIP,
		Metrics:     m,
	}, log)

	return &testEnv{store: store, queue: queue, handler: srv.SetupRoutes()}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("User-Agent", chromeUA)
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestServer_ClickToRefund(t *testing.T) {
	env := newTestEnv(t, nil, conversion.Config{})

	rr := env.do(t, http.MethodPost, "/api/clicks", map[string]string{
		"referral_code": "PARTNER1",
		"fingerprint":   "fp-1",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	click := decodeBody[clickResponse](t, rr)
	assert.Equal(t, domain.ClickStatusValid, click.Status)
	assert.Equal(t, click.ClickID, click.CanonicalClickID)

	order := map[string]interface{}{
		"order_id":          "order-1",
		"referral_click_id": click.ClickID,
		"order_amount":      "100",
		"currency":          "USD",
	}
	rr = env.do(t, http.MethodPost, "/api/conversions", order)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	rec := decodeBody[recordResponse](t, rr)
	require.NotNil(t, rec.Conversion)
	assert.True(t, rec.Created)
	assert.True(t, rec.Attributed)
	assert.True(t, decimal.NewFromInt(10).Equal(rec.Conversion.CommissionAmount), rec.Conversion.CommissionAmount.String())
	id := rec.Conversion.ID

	rr = env.do(t, http.MethodPost, "/api/conversions", order)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, id, decodeBody[recordResponse](t, rr).Conversion.ID)

	rr = env.do(t, http.MethodGet, "/api/conversions/"+id, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, domain.ConversionPending, decodeBody[domain.ConversionEvent](t, rr).Status)

	rr = env.do(t, http.MethodPost, "/api/conversions/"+id+"/confirm", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, domain.ConversionConfirmed, decodeBody[domain.ConversionEvent](t, rr).Status)

	rr = env.do(t, http.MethodPost, "/api/conversions/"+id+"/confirm", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = env.do(t, http.MethodPost, "/api/conversions/"+id+"/refund", map[string]interface{}{"amount": "100", "quantity": 1})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, domain.ConversionRefunded, decodeBody[domain.ConversionEvent](t, rr).Status)

	rr = env.do(t, http.MethodPost, "/api/conversions/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestServer_ConversionErrors(t *testing.T) {
	env := newTestEnv(t, nil, conversion.Config{})

	rr := env.do(t, http.MethodGet, "/api/conversions/missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/conversions", strings.NewReader("{not json"))
	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "body", decodeBody[errorResponse](t, rr).Field)

	rr = env.do(t, http.MethodPost, "/api/conversions", map[string]interface{}{"referral_code": "PARTNER1"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "order_id", decodeBody[errorResponse](t, rr).Field)

	rr = env.do(t, http.MethodPost, "/api/clicks", map[string]string{"referral_code": "UNKNOWN"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, http.MethodDelete, "/api/conversions/x", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestServer_DroppedConversion(t *testing.T) {
	env := newTestEnv(t, nil, conversion.Config{DropUnattributed: true})

	rr := env.do(t, http.MethodPost, "/api/conversions", map[string]interface{}{
		"order_id":      "order-1",
		"referral_code": "PARTNER1",
		"order_amount":  "50",
	})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	rec := decodeBody[recordResponse](t, rr)
	assert.Nil(t, rec.Conversion)
	assert.False(t, rec.Attributed)
	assert.Equal(t, attribution.ReasonNotFound, rec.Reason)
}

func TestServer_Quote(t *testing.T) {
	env := newTestEnv(t, nil, conversion.Config{})

	rr := env.do(t, http.MethodPost, "/api/commissions/quote", map[string]interface{}{
		"referral_code": "PARTNER1",
		"order_amount":  "250",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	q := decodeBody[quoteResponse](t, rr)
	assert.Equal(t, "p-1", q.PartnerID)
	assert.Equal(t, "USD", q.Currency)
	assert.True(t, decimal.NewFromInt(25).Equal(q.TotalAmount), q.TotalAmount.String())
	require.Len(t, q.Policies, 1)
	assert.Equal(t, "standard", q.Policies[0].PolicyCode)

	// A quote grants no usage.
	p, err := env.store.GetPolicyByCode(context.Background(), "standard")
	require.NoError(t, err)
	assert.Zero(t, p.CurrentUsageCount)

	rr = env.do(t, http.MethodPost, "/api/commissions/quote", map[string]interface{}{"order_amount": "10"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, http.MethodPost, "/api/commissions/quote", map[string]interface{}{"partner_id": "nope", "order_amount": "10"})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRedirect(t *testing.T) {
	env := newTestEnv(t, nil, conversion.Config{})

	req := httptest.NewRequest(http.MethodGet, "/r/PARTNER1?utm_campaign=spring&product_id=sku-1&to=/products/sku-1", nil)
	req.Header.Set("User-Agent", chromeUA)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	req.RemoteAddr = "10.0.0.2:5555"
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusFound, rr.Code)
	assert.Equal(t, "/products/sku-1", rr.Header().Get("Location"))
	cookies := rr.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "ref_sid", cookies[0].Name)

	require.Len(t, env.queue.submitted, 1)
	in := env.queue.submitted[0]
	assert.Equal(t, "PARTNER1", in.ReferralCode)
	assert.Equal(t, "spring", in.Campaign)
	assert.Equal(t, "sku-1", in.ProductID)
	assert.Equal(t, "203.0.113.7", in.IPAddress)
	assert.Equal(t, cookies[0].Value, in.SessionID)

	// Existing session is reused and off-site targets are refused.
	req = httptest.NewRequest(http.MethodGet, "/r/PARTNER1?to=//evil.example", nil)
	req.AddCookie(&http.Cookie{Name: "ref_sid", Value: "sess-1"})
	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	assert.Equal(t, "https://shop.example/", rr.Header().Get("Location"))
	assert.Empty(t, rr.Result().Cookies())
	assert.Equal(t, "sess-1", env.queue.submitted[1].SessionID)
}

func TestRedirect_IgnoresForwardingHeadersFromUntrustedPeer(t *testing.T) {
	env := newTestEnv(t, nil, conversion.Config{})

	req := httptest.NewRequest(http.MethodGet, "/r/PARTNER1", nil)
	req.Header.Set("User-Agent", chromeUA)
	req.Header.Set("X-Forwarded-For", "1.2.3.4")
	req.Header.Set("X-Real-IP", "5.6.7.8")
	req.RemoteAddr = "198.51.100.9:40000"
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusFound, rr.Code)
	require.Len(t, env.queue.submitted, 1)
	assert.Equal(t, "198.51.100.9", env.queue.submitted[0].IPAddress)
}

func TestRedirect_QueueFull(t *testing.T) {
	env := newTestEnv(t, nil, conversion.Config{})
	env.queue.err = tracking.ErrQueueFull

	rr := env.do(t, http.MethodGet, "/r/PARTNER1", nil)
	assert.Equal(t, http.StatusFound, rr.Code)
}

func TestServer_Auth(t *testing.T) {
	secret := []byte("test-secret")
	env := newTestEnv(t, auth.NewJWTService(&auth.JWTConfig{SecretKey: secret}), conversion.Config{})

	rr := env.do(t, http.MethodGet, "/api/conversions/x", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		Scope: auth.ScopeClicksWrite,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "order-service",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString(secret)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/conversions/x", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	// The redirect and probes stay public.
	assert.Equal(t, http.StatusFound, env.do(t, http.MethodGet, "/r/PARTNER1", nil).Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health", nil).Code)

	req = httptest.NewRequest(http.MethodOptions, "/api/conversions", nil)
	req.Header.Set("Origin", "https://admin.example")
	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "https://admin.example", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_HealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, nil, conversion.Config{})

	rr := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	h := decodeBody[healthResponse](t, rr)
	assert.Equal(t, "healthy", h.Status)
	assert.NotNil(t, h.Queue)

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/ready", nil).Code)

	rr = env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `http_requests_total{method="GET",path="GET /health",status="200"} 1`)
}

type downStore struct{}

func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

func TestHealth_StorageDown(t *testing.T) {
	h := NewHealthHandler(downStore{}, nil, zap.NewNop())

	rr := httptest.NewRecorder()
	h.Health(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "unhealthy", decodeBody[healthResponse](t, rr).DatabaseStatus)

	rr = httptest.NewRecorder()
	h.Ready(rr, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestIPRateLimiter(t *testing.T) {
	l := NewIPRateLimiter(1, 2, zap.NewNop())
	h := l.Middleware(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/clicks", nil)
		req.RemoteAddr = "198.51.100.1:4321"
		rr := httptest.NewRecorder()
		h(rr, req)
		codes = append(codes, rr.Code)
	}
	assert.Equal(t, []int{http.StatusNoContent, http.StatusNoContent, http.StatusTooManyRequests}, codes)

	req := httptest.NewRequest(http.MethodPost, "/api/clicks", nil)
	req.RemoteAddr = "198.51.100.2:4321"
	rr := httptest.NewRecorder()
	h(rr, req)
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestClientIPResolver(t *testing.T) {
	resolver, err := NewClientIPResolver([]string{"10.0.0.0/8", "192.0.2.10"})
	require.NoError(t, err)

	tests := []struct {
		name   string
		remote string
		xff    string
		realIP string
		want   string
	}{
		{"no headers", "198.51.100.1:1000", "", "", "198.51.100.1"},
		{"untrusted peer spoofs xff", "198.51.100.1:1000", "1.2.3.4", "", "198.51.100.1"},
		{"untrusted peer spoofs real ip", "198.51.100.1:1000", "", "1.2.3.4", "198.51.100.1"},
		{"trusted proxy", "10.1.2.3:1000", "203.0.113.7", "", "203.0.113.7"},
		{"client prepends fake hop", "10.1.2.3:1000", "1.2.3.4, 203.0.113.7, 10.0.0.5", "", "203.0.113.7"},
		{"single host proxy", "192.0.2.10:1000", "", "203.0.113.8", "203.0.113.8"},
		{"trusted proxy without headers", "10.1.2.3:1000", "", "", "10.1.2.3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/r/PARTNER1", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			assert.Equal(t, tt.want, resolver.Resolve(req))
		})
	}

	_, err = NewClientIPResolver([]string{"not-a-cidr"})
	assert.Error(t, err)
}

func TestIPRateLimiter_RotatingForwardedFor(t *testing.T) {
	var resolver *ClientIPResolver
	l := NewIPRateLimiter(1, 2, zap.NewNop())
	h := resolver.Middleware(l.Middleware(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/r/PARTNER1", nil)
		req.RemoteAddr = "198.51.100.1:4321"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i+1))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
	}
	assert.Equal(t, []int{http.StatusNoContent, http.StatusNoContent, http.StatusTooManyRequests}, codes)
}
