package httpserver

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/CreditRail/gateway/internal/config"
	"github.com/CreditRail/gateway/internal/gate"
	"github.com/CreditRail/gateway/internal/inflight"
	"github.com/CreditRail/gateway/internal/keystore"
	"github.com/CreditRail/gateway/internal/quota"
	"github.com/CreditRail/gateway/internal/reservation"
	"github.com/CreditRail/gateway/internal/scheduler"
	"github.com/CreditRail/gateway/internal/scopedtoken"
	"github.com/CreditRail/gateway/internal/usage"
)

const testAdminKey = "test-admin-key"

type testEnv struct {
	cfg      *config.Config
	store    *keystore.Store
	gate     *gate.Gate
	resv     *reservation.Manager
	inflight *inflight.Limiter
	tokens   *scopedtoken.Issuer
	srv      *httptest.Server
}

// newTestEnv stands up the full transport over in-memory components.
// The supplied config drives both the gate and the router.
func newTestEnv(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{}
	}

	store, err := keystore.Open("")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	meter := usage.NewMeter(1000)

	tools := make(map[string]gate.ToolPolicy, len(cfg.Gate.Tools))
	for name, tc := range cfg.Gate.Tools {
		tools[name] = gate.ToolPolicy{CreditsPerCall: tc.CreditsPerCall, RateLimitPerMin: tc.RateLimitPerMin}
	}
	g := gate.New(store, quota.New(quota.Limits{}), meter, gate.Config{
		DefaultCreditsPerCall: cfg.Gate.DefaultCreditsPerCall,
		CreditsPerKbInput:     cfg.Gate.CreditsPerKbInput,
		Tools:                 tools,
		GlobalRateLimitPerMin: cfg.Gate.GlobalRateLimitPerMin,
		ShadowMode:            cfg.Gate.ShadowMode,
		FreeMethods:           cfg.Gate.FreeMethods,
	})

	resv := reservation.NewManager(store)
	lim := inflight.New(cfg.Concurrency.MaxPerKey, cfg.Concurrency.MaxPerTool)
	sched := scheduler.New(store, scheduler.WithInterval(10*time.Millisecond))

	var tokens *scopedtoken.Issuer
	if cfg.Tokens.Secret != "" {
		tokens, err = scopedtoken.NewIssuer(cfg.Tokens.Secret, cfg.Tokens.DefaultTTL.Duration)
		if err != nil {
			t.Fatalf("new issuer: %v", err)
		}
	}

	router := chi.NewRouter()
	ConfigureRouter(router, Deps{
		Config:       cfg,
		Gate:         g,
		Store:        store,
		Reservations: resv,
		Inflight:     lim,
		Scheduler:    sched,
		Tokens:       tokens,
		Logger:       zerolog.Nop(),
	})
	srv := httptest.NewServer(router)

	t.Cleanup(func() {
		srv.Close()
		sched.Close()
		resv.Close()
		g.Destroy()
		store.Close()
	})
	return &testEnv{cfg: cfg, store: store, gate: g, resv: resv, inflight: lim, tokens: tokens, srv: srv}
}

// rpcRaw posts a raw body to /mcp and decodes the JSON response.
func (e *testEnv) rpcRaw(t *testing.T, apiKey, body string) map[string]any {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/mcp", strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post /mcp: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /mcp status = %d, want 200", resp.StatusCode)
	}
	return decodeMap(t, resp.Body)
}

// rpcCall posts a well-formed envelope for method with params.
func (e *testEnv) rpcCall(t *testing.T, apiKey, method string, params any) map[string]any {
	t.Helper()
	envelope := map[string]any{"jsonrpc": "2.0", "id": 1, "method": method}
	if params != nil {
		envelope["params"] = params
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return e.rpcRaw(t, apiKey, string(raw))
}

// admin sends an authenticated admin request and returns the response.
// The caller owns the body.
func (e *testEnv) admin(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(AdminKeyHeader, e.cfg.Admin.APIKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeMap(t *testing.T, r io.Reader) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

// rpcErrorOf digs the error object out of a response envelope.
func rpcErrorOf(t *testing.T, resp map[string]any) map[string]any {
	t.Helper()
	errObj, ok := resp["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error in response, got %v", resp)
	}
	return errObj
}

func rpcResultOf(t *testing.T, resp map[string]any) map[string]any {
	t.Helper()
	result, ok := resp["result"].(map[string]any)
	if !ok {
		t.Fatalf("expected result in response, got %v", resp)
	}
	return result
}

func TestRPCContentTypeRequired(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Post(env.srv.URL+"/mcp", "text/plain", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Errorf("status = %d, want 415", resp.StatusCode)
	}
}

func TestRPCContentTypeWithCharset(t *testing.T) {
	env := newTestEnv(t, nil)

	body := env.rpcRawWithContentType(t, "application/json; charset=utf-8",
		`{"jsonrpc":"2.0","id":7,"method":"initialize"}`)
	if body["error"] != nil {
		t.Fatalf("unexpected error: %v", body["error"])
	}
}

func (e *testEnv) rpcRawWithContentType(t *testing.T, contentType, body string) map[string]any {
	t.Helper()
	resp, err := http.Post(e.srv.URL+"/mcp", contentType, strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	return decodeMap(t, resp.Body)
}

func TestRPCEnvelopeValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name     string
		body     string
		wantCode float64
	}{
		{"parse error", `{not json`, -32700},
		{"non-object", `[1,2,3]`, -32600},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"x"}`, -32600},
		{"missing method", `{"jsonrpc":"2.0","id":1}`, -32600},
		{"unknown method", `{"jsonrpc":"2.0","id":1,"method":"nope"}`, -32601},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.rpcRaw(t, "", tt.body)
			errObj := rpcErrorOf(t, resp)
			if errObj["code"] != tt.wantCode {
				t.Errorf("code = %v, want %v", errObj["code"], tt.wantCode)
			}
		})
	}
}

func TestRPCErrorEchoesID(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.rpcRaw(t, "", `{"jsonrpc":"1.0","id":"req-42","method":"x"}`)
	if resp["id"] != "req-42" {
		t.Errorf("id = %v, want req-42", resp["id"])
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.srv.URL + "/mcp")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	env.store.CreateKey("probe", 10, keystore.Options{})

	resp, err := http.Get(env.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
	if body := decodeMap(t, resp.Body); body["status"] != "ok" {
		t.Errorf("healthz body = %v", body)
	}

	resp2, err := http.Get(env.srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("get readyz: %v", err)
	}
	defer resp2.Body.Close()
	body := decodeMap(t, resp2.Body)
	if body["status"] != "ready" || body["keys"] != float64(1) {
		t.Errorf("readyz body = %v", body)
	}
}

func TestRoutePrefix(t *testing.T) {
	env := newTestEnv(t, &config.Config{
		Server: config.ServerConfig{RoutePrefix: "/api"},
	})

	resp, err := http.Post(env.srv.URL+"/api/mcp", "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("prefixed /api/mcp status = %d, want 200", resp.StatusCode)
	}

	resp2, err := http.Post(env.srv.URL+"/mcp", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("unprefixed /mcp status = %d, want 404", resp2.StatusCode)
	}

	// Probes stay at the root regardless of the prefix.
	resp3, err := http.Get(env.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp3.Body.Close()
	if resp3.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", resp3.StatusCode)
	}
}

func TestPricingSheet(t *testing.T) {
	env := newTestEnv(t, &config.Config{
		Gate: config.GateConfig{
			DefaultCreditsPerCall: 2,
			Tools: map[string]config.ToolConfig{
				"search": {CreditsPerCall: 5, RateLimitPerMin: 10},
				"echo":   {CreditsPerCall: 0},
			},
			TopUpURL: "https://pay.example/topup",
		},
	})

	resp, err := http.Get(env.srv.URL + "/pricing")
	if err != nil {
		t.Fatalf("get pricing: %v", err)
	}
	defer resp.Body.Close()
	body := decodeMap(t, resp.Body)

	if body["defaultCreditsPerCall"] != float64(2) {
		t.Errorf("defaultCreditsPerCall = %v", body["defaultCreditsPerCall"])
	}
	if body["topUpUrl"] != "https://pay.example/topup" {
		t.Errorf("topUpUrl = %v", body["topUpUrl"])
	}
	tools, ok := body["tools"].([]any)
	if !ok || len(tools) != 2 {
		t.Fatalf("tools = %v", body["tools"])
	}
	first := tools[0].(map[string]any)
	if first["tool"] != "echo" {
		t.Errorf("tools not sorted by name: first = %v", first["tool"])
	}
	second := tools[1].(map[string]any)
	if second["creditsPerCall"] != float64(5) || second["rateLimitPerMin"] != float64(10) {
		t.Errorf("search pricing row = %v", second)
	}
}

func TestMetricsEndpointAuth(t *testing.T) {
	env := newTestEnv(t, &config.Config{
		Server: config.ServerConfig{MetricsAPIKey: "metrics-secret"},
	})

	resp, err := http.Get(env.srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/metrics", nil)
	req.Header.Set("Authorization", "Bearer metrics-secret")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get with bearer: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("authenticated status = %d, want 200", resp2.StatusCode)
	}
}

func TestIPRateLimit(t *testing.T) {
	env := newTestEnv(t, &config.Config{
		Server: config.ServerConfig{
			IPRateLimit:  2,
			IPRateWindow: config.Duration{Duration: time.Minute},
		},
	})

	for i := 0; i < 2; i++ {
		resp, err := http.Post(env.srv.URL+"/mcp", "application/json",
			strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`))
		if err != nil {
			t.Fatalf("post %d: %v", i, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("post %d status = %d", i, resp.StatusCode)
		}
	}

	resp, err := http.Post(env.srv.URL+"/mcp", "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
	body := decodeMap(t, resp.Body)
	if body["error"] != "rate_limit_exceeded" {
		t.Errorf("body = %v", body)
	}

	// Probes are outside the limited group.
	resp2, err := http.Get(env.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", resp2.StatusCode)
	}
}

func TestSecurityHeaders(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if got := resp.Header.Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q", got)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	env := newTestEnv(t, nil)

	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/healthz", nil)
	req.Header.Set("X-Request-ID", "trace-me-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "trace-me-123" {
		t.Errorf("X-Request-ID = %q, want trace-me-123", got)
	}
}
