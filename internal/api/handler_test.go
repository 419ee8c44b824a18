package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mesamirh/ArbitrumEthDistributionBot/internal/claim"
	"github.com/mesamirh/ArbitrumEthDistributionBot/internal/ledger"
)

func init() { gin.SetMode(gin.TestMode) }

// ── Mock claimer ──────────────────────────────────────────────────────────────

type call struct {
	address, asset, network string
}

type mockClaimer struct {
	mu        sync.Mutex
	calls     []call
	result    claim.Result
	entry     ledger.Entry
	lookupErr error
}

func (m *mockClaimer) SubmitClaim(_ context.Context, address, asset, network string) claim.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call{address, asset, network})
	return m.result
}

func (m *mockClaimer) Lookup(context.Context, string, string, string) (ledger.Entry, error) {
	return m.entry, m.lookupErr
}

func (m *mockClaimer) Networks() []string { return []string{"arbitrum"} }

func (m *mockClaimer) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// ── helpers ───────────────────────────────────────────────────────────────────

const testToken = "s3cret"

func testRouter(t *testing.T, m *mockClaimer, token string) *gin.Engine {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	h := NewHandler(m, zap.NewNop())
	r := gin.New()
	r.GET("/healthz", h.Health)
	rg := r.Group("/api", BearerAuth(token), RequestDedup(rdb, time.Minute))
	h.Register(rg)
	return r
}

func postClaim(t *testing.T, r *gin.Engine, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/claim", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func auth() map[string]string {
	return map[string]string{"Authorization": "Bearer " + testToken}
}

func decodeResult(t *testing.T, w *httptest.ResponseRecorder) claim.Result {
	t.Helper()
	var res claim.Result
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode body %q: %v", w.Body.String(), err)
	}
	return res
}

// ── POST /api/claim ───────────────────────────────────────────────────────────

func TestClaim_Confirmed(t *testing.T) {
	m := &mockClaimer{result: claim.Confirmed("c1", "0xabc")}
	r := testRouter(t, m, testToken)

	w := postClaim(t, r, map[string]string{"address": "0xabc", "asset": "USDC", "network": "arbitrum"}, auth())
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	res := decodeResult(t, w)
	if res.Status != claim.ResultConfirmed || res.TxHash != "0xabc" {
		t.Errorf("body: %+v", res)
	}
	if got := m.calls[0]; got != (call{"0xabc", "USDC", "arbitrum"}) {
		t.Errorf("forwarded: %+v", got)
	}
}

func TestClaim_MissingAddress(t *testing.T) {
	m := &mockClaimer{}
	r := testRouter(t, m, testToken)

	w := postClaim(t, r, map[string]string{"asset": "ETH"}, auth())
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if m.callCount() != 0 {
		t.Error("engine called for invalid body")
	}
}

func TestClaim_StatusMapping(t *testing.T) {
	cases := []struct {
		kind claim.Kind
		want int
	}{
		{claim.KindValidation, http.StatusBadRequest},
		{claim.KindNotEligible, http.StatusForbidden},
		{claim.KindAlreadyPaid, http.StatusConflict},
		{claim.KindInsufficientFunds, http.StatusServiceUnavailable},
		{claim.KindTransientRPC, http.StatusServiceUnavailable},
		{claim.KindBroadcast, http.StatusBadGateway},
		{claim.KindRevert, http.StatusBadGateway},
		{claim.KindConfirmationTimeout, http.StatusGatewayTimeout},
		{claim.KindAmbiguous, http.StatusGatewayTimeout},
	}
	for _, c := range cases {
		res := claim.ResultFromError("c1", claim.NewError(c.kind, "reason", nil))
		m := &mockClaimer{result: res}
		r := testRouter(t, m, testToken)

		w := postClaim(t, r, map[string]string{"address": "0xabc"}, auth())
		if w.Code != c.want {
			t.Errorf("%s: got %d want %d", c.kind, w.Code, c.want)
		}
		if body := decodeResult(t, w); body.Message != "reason" || body.Kind != c.kind.String() {
			t.Errorf("%s: body %+v", c.kind, body)
		}
	}
}

// ── auth ──────────────────────────────────────────────────────────────────────

func TestBearerAuth_Rejects(t *testing.T) {
	m := &mockClaimer{result: claim.Confirmed("c1", "0xabc")}
	r := testRouter(t, m, testToken)

	for _, h := range []map[string]string{
		nil,
		{"Authorization": "Bearer wrong"},
		{"Authorization": testToken},
	} {
		w := postClaim(t, r, map[string]string{"address": "0xabc"}, h)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("headers %v: expected 401, got %d", h, w.Code)
		}
	}
	if m.callCount() != 0 {
		t.Error("unauthorized request reached the engine")
	}
}

func TestBearerAuth_DisabledWithoutToken(t *testing.T) {
	m := &mockClaimer{result: claim.Confirmed("c1", "0xabc")}
	r := testRouter(t, m, "")

	if w := postClaim(t, r, map[string]string{"address": "0xabc"}, nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

// ── request dedup ─────────────────────────────────────────────────────────────

func TestRequestDedup_RefusesReplay(t *testing.T) {
	m := &mockClaimer{result: claim.Confirmed("c1", "0xabc")}
	r := testRouter(t, m, testToken)

	headers := auth()
	headers[RequestIDHeader] = "msg-42"

	if w := postClaim(t, r, map[string]string{"address": "0xabc"}, headers); w.Code != http.StatusOK {
		t.Fatalf("first: %d", w.Code)
	}
	w := postClaim(t, r, map[string]string{"address": "0xabc"}, headers)
	if w.Code != http.StatusConflict {
		t.Fatalf("replay: expected 409, got %d", w.Code)
	}
	if m.callCount() != 1 {
		t.Errorf("engine called %d times", m.callCount())
	}

	headers[RequestIDHeader] = "msg-43"
	if w := postClaim(t, r, map[string]string{"address": "0xabc"}, headers); w.Code != http.StatusOK {
		t.Fatalf("new id: %d", w.Code)
	}
}

func TestRequestDedup_RetryableFailureFreesID(t *testing.T) {
	m := &mockClaimer{result: claim.ResultFromError("c1", claim.NewError(claim.KindTransientRPC, "try again", nil))}
	r := testRouter(t, m, testToken)

	headers := auth()
	headers[RequestIDHeader] = "msg-7"

	if w := postClaim(t, r, map[string]string{"address": "0xabc"}, headers); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("first: %d", w.Code)
	}
	m.mu.Lock()
	m.result = claim.Confirmed("c2", "0xabc")
	m.mu.Unlock()
	if w := postClaim(t, r, map[string]string{"address": "0xabc"}, headers); w.Code != http.StatusOK {
		t.Fatalf("retry after 503: expected 200, got %d", w.Code)
	}
	if w := postClaim(t, r, map[string]string{"address": "0xabc"}, headers); w.Code != http.StatusConflict {
		t.Fatalf("replay after success: expected 409, got %d", w.Code)
	}
	if m.callCount() != 2 {
		t.Errorf("engine called %d times", m.callCount())
	}
}

func TestRequestDedup_InFlightOutcomeKeepsID(t *testing.T) {
	m := &mockClaimer{result: claim.ResultFromError("c1", claim.NewError(claim.KindConfirmationTimeout, "confirmation timeout", nil))}
	r := testRouter(t, m, testToken)

	headers := auth()
	headers[RequestIDHeader] = "msg-8"

	if w := postClaim(t, r, map[string]string{"address": "0xabc"}, headers); w.Code != http.StatusGatewayTimeout {
		t.Fatalf("first: %d", w.Code)
	}
	if w := postClaim(t, r, map[string]string{"address": "0xabc"}, headers); w.Code != http.StatusConflict {
		t.Fatalf("replay of in-flight claim: expected 409, got %d", w.Code)
	}
}

func TestRequestDedup_RedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	r := gin.New()
	r.POST("/x", RequestDedup(rdb, time.Minute), func(c *gin.Context) { c.Status(http.StatusOK) })
	mr.Close()

	req := httptest.NewRequest(http.MethodPost, "/x", nil)
	req.Header.Set(RequestIDHeader, "id-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}

// ── GET /api/claim/:address ──────────────────────────────────────────────────

func TestStatus_Paid(t *testing.T) {
	m := &mockClaimer{entry: ledger.Entry{State: ledger.StatePaid, TxHash: "0xfeed"}}
	r := testRouter(t, m, testToken)

	req := httptest.NewRequest(http.MethodGet, "/api/claim/0xabc?asset=ETH", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body statusResponse
	json.Unmarshal(w.Body.Bytes(), &body) //nolint:errcheck
	if body.State != "paid" || body.TxHash != "0xfeed" || body.Asset != "ETH" {
		t.Errorf("body: %+v", body)
	}
}

func TestStatus_Errors(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{claim.NewError(claim.KindValidation, "invalid address", nil), http.StatusBadRequest},
		{errors.New("redis: connection refused"), http.StatusServiceUnavailable},
	}
	for _, c := range cases {
		m := &mockClaimer{lookupErr: c.err}
		r := testRouter(t, m, "")

		req := httptest.NewRequest(http.MethodGet, "/api/claim/bogus", nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != c.want {
			t.Errorf("%v: got %d want %d", c.err, w.Code, c.want)
		}
	}
}

// ── /healthz ──────────────────────────────────────────────────────────────────

func TestHealth(t *testing.T) {
	r := testRouter(t, &mockClaimer{}, testToken)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
