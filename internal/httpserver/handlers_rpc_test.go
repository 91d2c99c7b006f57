package httpserver

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CreditRail/gateway/internal/config"
	"github.com/CreditRail/gateway/internal/keystore"
	"github.com/CreditRail/gateway/internal/usage"
)

// pricedConfig returns a config with one 5-credit tool and one
// 3-credit tool.
func pricedConfig() *config.Config {
	return &config.Config{
		Gate: config.GateConfig{
			DefaultCreditsPerCall: 1,
			Tools: map[string]config.ToolConfig{
				"search": {CreditsPerCall: 5},
				"fetch":  {CreditsPerCall: 3},
			},
			TopUpURL:   "https://pay.example/topup",
			PricingURL: "https://pay.example/pricing",
		},
	}
}

func callParams(tool string) map[string]any {
	return map[string]any{"name": tool, "arguments": map[string]any{"q": "abc"}}
}

func TestToolsCallChargesAndResponds(t *testing.T) {
	env := newTestEnv(t, pricedConfig())
	key, _ := env.store.CreateKey("client", 100, keystore.Options{})

	resp := env.rpcCall(t, key, "tools/call", callParams("search"))
	result := rpcResultOf(t, resp)

	if result["allowed"] != true {
		t.Fatalf("allowed = %v", result["allowed"])
	}
	if result["creditsCharged"] != float64(5) {
		t.Errorf("creditsCharged = %v, want 5", result["creditsCharged"])
	}
	if result["remainingCredits"] != float64(95) {
		t.Errorf("remainingCredits = %v, want 95", result["remainingCredits"])
	}
	if balance, _ := env.store.CreditBalance(key); balance != 95 {
		t.Errorf("stored balance = %d, want 95", balance)
	}
}

func TestToolsCallAuthDenials(t *testing.T) {
	env := newTestEnv(t, pricedConfig())

	tests := []struct {
		name       string
		key        string
		wantPrefix string
	}{
		{"missing key", "", "missing_api_key"},
		{"unknown key", keystore.KeyPrefix + strings.Repeat("0", 32), "invalid_api_key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.rpcCall(t, tt.key, "tools/call", callParams("search"))
			errObj := rpcErrorOf(t, resp)
			if errObj["code"] != float64(-32401) {
				t.Errorf("code = %v, want -32401", errObj["code"])
			}
			if msg, _ := errObj["message"].(string); !strings.HasPrefix(msg, tt.wantPrefix) {
				t.Errorf("message = %q, want prefix %q", msg, tt.wantPrefix)
			}
		})
	}
}

func TestToolsCallPaymentDenialCarriesData(t *testing.T) {
	env := newTestEnv(t, pricedConfig())
	key, _ := env.store.CreateKey("poor", 3, keystore.Options{})

	resp := env.rpcCall(t, key, "tools/call", callParams("search"))
	errObj := rpcErrorOf(t, resp)

	if errObj["code"] != float64(-32402) {
		t.Fatalf("code = %v, want -32402", errObj["code"])
	}
	data, ok := errObj["data"].(map[string]any)
	if !ok {
		t.Fatalf("expected data block, got %v", errObj["data"])
	}
	if data["version"] != "1" || data["scheme"] != "credits" {
		t.Errorf("version/scheme = %v/%v", data["version"], data["scheme"])
	}
	if data["creditsRequired"] != float64(5) || data["creditsAvailable"] != float64(3) {
		t.Errorf("credits = %v/%v, want 5/3", data["creditsRequired"], data["creditsAvailable"])
	}
	if data["topUpUrl"] != "https://pay.example/topup" {
		t.Errorf("topUpUrl = %v", data["topUpUrl"])
	}
	accepts, _ := data["accepts"].([]any)
	if len(accepts) != 2 {
		t.Errorf("accepts = %v", data["accepts"])
	}
	if balance, _ := env.store.CreditBalance(key); balance != 3 {
		t.Errorf("denied call must not charge; balance = %d", balance)
	}
}

func TestToolsCallInvalidParams(t *testing.T) {
	env := newTestEnv(t, pricedConfig())
	key, _ := env.store.CreateKey("client", 100, keystore.Options{})

	resp := env.rpcCall(t, key, "tools/call", map[string]any{"arguments": map[string]any{}})
	errObj := rpcErrorOf(t, resp)
	if errObj["code"] != float64(-32602) {
		t.Errorf("code = %v, want -32602", errObj["code"])
	}
}

// rpcWithAuth posts an envelope with an Authorization header instead
// of X-API-Key.
func (e *testEnv) rpcWithAuth(t *testing.T, bearer, method string, params any) map[string]any {
	t.Helper()
	envelope := map[string]any{"jsonrpc": "2.0", "id": 1, "method": method, "params": params}
	raw, _ := json.Marshal(envelope)
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/mcp", strings.NewReader(string(raw)))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	return decodeMap(t, resp.Body)
}

func TestToolsCallBearerRawKey(t *testing.T) {
	env := newTestEnv(t, pricedConfig())
	key, _ := env.store.CreateKey("bearer", 100, keystore.Options{})

	resp := env.rpcWithAuth(t, key, "tools/call", callParams("search"))
	result := rpcResultOf(t, resp)
	if result["allowed"] != true {
		t.Errorf("bearer raw key rejected: %v", resp)
	}
}

func TestScopedTokenFlow(t *testing.T) {
	cfg := pricedConfig()
	cfg.Tokens.Secret = "hmac-test-secret"
	env := newTestEnv(t, cfg)
	key, _ := env.store.CreateKey("delegated", 100, keystore.Options{})

	token, err := env.tokens.Mint(key, []string{"search"}, time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	resp := env.rpcWithAuth(t, token, "tools/call", callParams("search"))
	if result := rpcResultOf(t, resp); result["allowed"] != true {
		t.Fatalf("in-scope call rejected: %v", resp)
	}

	resp = env.rpcWithAuth(t, token, "tools/call", callParams("fetch"))
	errObj := rpcErrorOf(t, resp)
	if errObj["code"] != float64(-32401) {
		t.Errorf("out-of-scope code = %v, want -32401", errObj["code"])
	}
	if msg, _ := errObj["message"].(string); !strings.HasPrefix(msg, "token_tool_not_allowed") {
		t.Errorf("message = %q", msg)
	}

	resp = env.rpcWithAuth(t, "sct_bogus.token", "tools/call", callParams("search"))
	if errObj := rpcErrorOf(t, resp); errObj["code"] != float64(-32401) {
		t.Errorf("garbage token code = %v, want -32401", errObj["code"])
	}
}

func TestScopedTokenWhenDisabled(t *testing.T) {
	env := newTestEnv(t, pricedConfig())

	resp := env.rpcWithAuth(t, "sct_anything.at-all", "tools/call", callParams("search"))
	errObj := rpcErrorOf(t, resp)
	if errObj["code"] != float64(-32401) {
		t.Errorf("code = %v, want -32401", errObj["code"])
	}
	if msg, _ := errObj["message"].(string); !strings.Contains(msg, "not enabled") {
		t.Errorf("message = %q", msg)
	}
}

func TestToolsCallShadowMode(t *testing.T) {
	cfg := pricedConfig()
	cfg.Gate.ShadowMode = true
	env := newTestEnv(t, cfg)
	key, _ := env.store.CreateKey("shadow", 3, keystore.Options{})

	resp := env.rpcCall(t, key, "tools/call", callParams("search"))
	result := rpcResultOf(t, resp)

	if result["allowed"] != true {
		t.Fatalf("shadow mode must allow: %v", resp)
	}
	if reason, _ := result["reason"].(string); !strings.HasPrefix(reason, "shadow:insufficient_credits") {
		t.Errorf("reason = %q", reason)
	}
	if result["creditsCharged"] != float64(0) {
		t.Errorf("creditsCharged = %v, want 0", result["creditsCharged"])
	}
	if balance, _ := env.store.CreditBalance(key); balance != 3 {
		t.Errorf("balance = %d, want 3", balance)
	}
}

func TestToolsCallInflightLimit(t *testing.T) {
	cfg := pricedConfig()
	cfg.Concurrency.MaxPerKey = 1
	env := newTestEnv(t, cfg)
	key, _ := env.store.CreateKey("busy", 100, keystore.Options{})

	// Saturate the key's slot as a parked call would.
	if acq := env.inflight.Acquire(key, "search"); !acq.Acquired {
		t.Fatalf("setup acquire failed: %v", acq.Reason)
	}
	defer env.inflight.Release(key, "search")

	resp := env.rpcCall(t, key, "tools/call", callParams("search"))
	errObj := rpcErrorOf(t, resp)
	if errObj["code"] != float64(-32001) {
		t.Errorf("code = %v, want -32001", errObj["code"])
	}
	if msg, _ := errObj["message"].(string); !strings.HasPrefix(msg, "concurrency_limit_key") {
		t.Errorf("message = %q", msg)
	}
	if balance, _ := env.store.CreditBalance(key); balance != 100 {
		t.Errorf("concurrency denial must not charge; balance = %d", balance)
	}
	// The gate never saw the call, so no usage event exists.
	if events := env.gate.Meter().Recent(10, usage.Filter{}); len(events) != 0 {
		t.Errorf("expected no usage events, got %d", len(events))
	}
}

func TestFreeMethodStubs(t *testing.T) {
	cfg := pricedConfig()
	cfg.Gate.FreeMethods = []string{"ping"}
	env := newTestEnv(t, cfg)

	resp := env.rpcCall(t, "", "initialize", nil)
	result := rpcResultOf(t, resp)
	if result["protocolVersion"] != "2024-11-05" {
		t.Errorf("protocolVersion = %v", result["protocolVersion"])
	}

	resp = env.rpcCall(t, "", "tools/list", nil)
	result = rpcResultOf(t, resp)
	tools, _ := result["tools"].([]any)
	if len(tools) != 2 {
		t.Fatalf("tools = %v", result["tools"])
	}
	if first := tools[0].(map[string]any); first["name"] != "fetch" {
		t.Errorf("tools not sorted: %v", tools)
	}

	resp = env.rpcCall(t, "", "ping", nil)
	if _, ok := resp["result"]; !ok {
		t.Errorf("configured free method got %v", resp)
	}
}

// newUpstream starts a stub backend and wires it into cfg.
func newUpstream(t *testing.T, cfg *config.Config, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	backend := httptest.NewServer(handler)
	t.Cleanup(backend.Close)
	cfg.Upstream.URL = backend.URL
	return backend
}

func TestUpstreamPassthrough(t *testing.T) {
	cfg := pricedConfig()
	var gotMethod atomic.Value
	newUpstream(t, cfg, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var envelope map[string]any
		if err := json.Unmarshal(body, &envelope); err != nil {
			t.Errorf("upstream got invalid JSON: %v", err)
		}
		gotMethod.Store(envelope["method"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"output":"hi"}}`))
	})
	env := newTestEnv(t, cfg)
	key, _ := env.store.CreateKey("fwd", 100, keystore.Options{})

	resp := env.rpcCall(t, key, "tools/call", callParams("search"))
	result := rpcResultOf(t, resp)
	if result["output"] != "hi" {
		t.Errorf("result = %v, want upstream passthrough", result)
	}
	if gotMethod.Load() != "tools/call" {
		t.Errorf("upstream saw method %v", gotMethod.Load())
	}
	if balance, _ := env.store.CreditBalance(key); balance != 95 {
		t.Errorf("balance = %d, want 95", balance)
	}
}

func TestUpstreamStripsPollutionKeys(t *testing.T) {
	cfg := pricedConfig()
	var forwarded atomic.Value
	newUpstream(t, cfg, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		forwarded.Store(string(body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`))
	})
	env := newTestEnv(t, cfg)
	key, _ := env.store.CreateKey("clean", 100, keystore.Options{})

	env.rpcCall(t, key, "tools/call", map[string]any{
		"name":      "search",
		"arguments": map[string]any{"q": "x", "__proto__": map[string]any{"polluted": true}},
	})

	body, _ := forwarded.Load().(string)
	if body == "" {
		t.Fatal("upstream never called")
	}
	if strings.Contains(body, "__proto__") {
		t.Errorf("forwarded body kept pollution key: %s", body)
	}
	if !strings.Contains(body, `"q":"x"`) {
		t.Errorf("forwarded body lost legitimate arguments: %s", body)
	}
}

func TestUpstreamFailureRefunds(t *testing.T) {
	cfg := pricedConfig()
	cfg.Gate.RefundOnFailure = true
	newUpstream(t, cfg, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend down", http.StatusInternalServerError)
	})
	env := newTestEnv(t, cfg)
	key, _ := env.store.CreateKey("refunded", 100, keystore.Options{})

	resp := env.rpcCall(t, key, "tools/call", callParams("search"))
	errObj := rpcErrorOf(t, resp)
	if errObj["code"] != float64(-32603) {
		t.Errorf("code = %v, want -32603", errObj["code"])
	}
	if balance, _ := env.store.CreditBalance(key); balance != 100 {
		t.Errorf("balance = %d, want 100 after refund", balance)
	}
}

func TestUpstreamFailureWithoutRefund(t *testing.T) {
	cfg := pricedConfig()
	newUpstream(t, cfg, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend down", http.StatusInternalServerError)
	})
	env := newTestEnv(t, cfg)
	key, _ := env.store.CreateKey("charged", 100, keystore.Options{})

	env.rpcCall(t, key, "tools/call", callParams("search"))
	if balance, _ := env.store.CreditBalance(key); balance != 95 {
		t.Errorf("balance = %d, want 95 (refund disabled)", balance)
	}
}

func TestFreeMethodForwarded(t *testing.T) {
	cfg := pricedConfig()
	var gotMethod atomic.Value
	newUpstream(t, cfg, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var envelope map[string]any
		_ = json.Unmarshal(body, &envelope)
		gotMethod.Store(envelope["method"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"from":"backend"}}`))
	})
	env := newTestEnv(t, cfg)

	resp := env.rpcCall(t, "", "tools/list", nil)
	result := rpcResultOf(t, resp)
	if result["from"] != "backend" {
		t.Errorf("result = %v, want backend passthrough", result)
	}
	if gotMethod.Load() != "tools/list" {
		t.Errorf("upstream saw method %v", gotMethod.Load())
	}
}

func batchParams(tools ...string) map[string]any {
	calls := make([]map[string]any, 0, len(tools))
	for _, tool := range tools {
		calls = append(calls, map[string]any{"name": tool, "arguments": map[string]any{}})
	}
	return map[string]any{"calls": calls}
}

func TestBatchAllAllowed(t *testing.T) {
	env := newTestEnv(t, pricedConfig())
	key, _ := env.store.CreateKey("batcher", 100, keystore.Options{})

	resp := env.rpcCall(t, key, "tools/call_batch", batchParams("search", "fetch"))
	result := rpcResultOf(t, resp)

	if result["allAllowed"] != true {
		t.Fatalf("allAllowed = %v: %v", result["allAllowed"], resp)
	}
	if result["totalCreditsCharged"] != float64(8) {
		t.Errorf("totalCreditsCharged = %v, want 8", result["totalCreditsCharged"])
	}
	decisions, _ := result["decisions"].([]any)
	if len(decisions) != 2 {
		t.Errorf("decisions = %v", result["decisions"])
	}
	if balance, _ := env.store.CreditBalance(key); balance != 92 {
		t.Errorf("balance = %d, want 92", balance)
	}
}

func TestBatchInsufficientCreditsIsAtomic(t *testing.T) {
	env := newTestEnv(t, pricedConfig())
	key, _ := env.store.CreateKey("poor", 10, keystore.Options{})

	resp := env.rpcCall(t, key, "tools/call_batch", batchParams("search", "fetch", "search"))
	errObj := rpcErrorOf(t, resp)

	if errObj["code"] != float64(-32402) {
		t.Fatalf("code = %v, want -32402", errObj["code"])
	}
	data, ok := errObj["data"].(map[string]any)
	if !ok {
		t.Fatalf("expected x402 data, got %v", errObj["data"])
	}
	if data["creditsRequired"] != float64(13) || data["creditsAvailable"] != float64(10) {
		t.Errorf("credits = %v/%v, want 13/10", data["creditsRequired"], data["creditsAvailable"])
	}
	if balance, _ := env.store.CreditBalance(key); balance != 10 {
		t.Errorf("rejected batch must not charge; balance = %d", balance)
	}
}

func TestBatchACLRejectionCarriesDecisions(t *testing.T) {
	env := newTestEnv(t, pricedConfig())
	key, _ := env.store.CreateKey("limited", 100, keystore.Options{DeniedTools: []string{"fetch"}})

	resp := env.rpcCall(t, key, "tools/call_batch", batchParams("search", "fetch"))
	errObj := rpcErrorOf(t, resp)

	if errObj["code"] != float64(-32401) {
		t.Errorf("code = %v, want -32401", errObj["code"])
	}
	data, ok := errObj["data"].(map[string]any)
	if !ok {
		t.Fatalf("expected data, got %v", errObj["data"])
	}
	if data["failedIndex"] != float64(1) {
		t.Errorf("failedIndex = %v, want 1", data["failedIndex"])
	}
	if _, ok := data["decisions"].([]any); !ok {
		t.Errorf("decisions missing: %v", data)
	}
}

func TestBatchInvalidParams(t *testing.T) {
	env := newTestEnv(t, pricedConfig())
	key, _ := env.store.CreateKey("client", 100, keystore.Options{})

	tests := []struct {
		name   string
		params map[string]any
	}{
		{"calls not array", map[string]any{"calls": "nope"}},
		{"entry without name", map[string]any{"calls": []map[string]any{{"arguments": map[string]any{}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.rpcCall(t, key, "tools/call_batch", tt.params)
			if errObj := rpcErrorOf(t, resp); errObj["code"] != float64(-32602) {
				t.Errorf("code = %v, want -32602", errObj["code"])
			}
		})
	}
}

func TestBatchUpstreamPerCallResponses(t *testing.T) {
	cfg := pricedConfig()
	var calls atomic.Int64
	newUpstream(t, cfg, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if strings.Contains(string(body), `"fetch"`) {
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`))
	})
	cfg.Gate.RefundOnFailure = true
	env := newTestEnv(t, cfg)
	key, _ := env.store.CreateKey("batchfwd", 100, keystore.Options{})

	resp := env.rpcCall(t, key, "tools/call_batch", batchParams("search", "fetch"))
	result := rpcResultOf(t, resp)

	responses, ok := result["responses"].([]any)
	if !ok || len(responses) != 2 {
		t.Fatalf("responses = %v", result["responses"])
	}
	okResp := responses[0].(map[string]any)
	if _, hasResult := okResp["result"]; !hasResult {
		t.Errorf("responses[0] = %v, want upstream result", okResp)
	}
	failResp := responses[1].(map[string]any)
	errObj, _ := failResp["error"].(map[string]any)
	if errObj == nil || errObj["code"] != float64(-32603) {
		t.Errorf("responses[1] = %v, want synthesized -32603", failResp)
	}

	// The failing call's 3 credits come back; the aggregate was 8.
	if balance, _ := env.store.CreditBalance(key); balance != 95 {
		t.Errorf("balance = %d, want 95", balance)
	}
}
