package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/CreditRail/gateway/internal/gate"
	"github.com/CreditRail/gateway/internal/logger"
	"github.com/CreditRail/gateway/internal/metrics"
	"github.com/CreditRail/gateway/internal/reasons"
	"github.com/CreditRail/gateway/internal/scopedtoken"
	"github.com/CreditRail/gateway/pkg/responders"
	"github.com/CreditRail/gateway/pkg/x402"
)

// maxRPCBytes caps request bodies on the gateway endpoint.
const maxRPCBytes = 1 << 20

// protocolVersion is echoed in the initialize stub when no upstream
// answers for itself.
const protocolVersion = "2024-11-05"

// batchForwardParallelism bounds concurrent upstream forwards for one
// batch.
const batchForwardParallelism = 4

// rpc handles POST /mcp: parse the JSON-RPC envelope, authenticate,
// dispatch to the method handlers.
func (h *handlers) rpc(w http.ResponseWriter, r *http.Request) {
	if !isJSONContent(r.Header.Get("Content-Type")) {
		responders.Error(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRPCBytes))
	if err != nil {
		writeRPCError(w, nil, &rpcError{Code: reasons.CodeParseError, Message: "Parse error"})
		return
	}

	req, rpcErr := parseRPC(body)
	if rpcErr != nil {
		var id any
		if req != nil {
			id = req.ID
		}
		writeRPCError(w, id, rpcErr)
		return
	}

	switch req.Method {
	case "tools/call":
		h.toolsCall(w, r, req)
	case "tools/call_batch":
		h.toolsCallBatch(w, r, req)
	default:
		if h.gate.IsFreeMethod(req.Method) {
			h.freeMethod(w, r, req)
			return
		}
		writeRPCError(w, req.ID, &rpcError{Code: reasons.CodeMethodNotFound, Message: "Method not found: " + req.Method})
	}
}

// credentials resolves the caller's API key from X-API-Key or a bearer
// value. A bearer with the scoped-token prefix is verified and narrows
// the tool set; anything else is treated as a raw key. An empty return
// key flows into the gate, which denies it as missing_api_key.
func (h *handlers) credentials(r *http.Request) (key string, tokenScoped bool, scopedTools []string, rpcErr *rpcError) {
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k, false, nil, nil
	}

	bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	bearer = strings.TrimSpace(bearer)
	if !ok || bearer == "" {
		return "", false, nil, nil
	}
	if !scopedtoken.IsToken(bearer) {
		return bearer, false, nil, nil
	}

	if h.tokens == nil {
		return "", false, nil, &rpcError{Code: reasons.CodeUnauthorized, Message: "scoped tokens are not enabled"}
	}
	claims, err := h.tokens.Verify(bearer)
	if err != nil {
		return "", false, nil, &rpcError{Code: reasons.CodeUnauthorized, Message: "invalid scoped token"}
	}
	return claims.Key, true, claims.Tools, nil
}

// callResult is the stub answer when no upstream is configured: the
// decision metadata stands in for the tool's output.
type callResult struct {
	Tool             string `json:"tool"`
	Allowed          bool   `json:"allowed"`
	Reason           string `json:"reason,omitempty"`
	CreditsCharged   int64  `json:"creditsCharged"`
	RemainingCredits int64  `json:"remainingCredits"`
}

// toolsCall gates a single tool invocation and forwards it upstream on
// allow.
func (h *handlers) toolsCall(w http.ResponseWriter, r *http.Request, req *rpcRequest) {
	name, _ := req.Params["name"].(string)
	if name == "" {
		writeRPCError(w, req.ID, &rpcError{Code: reasons.CodeInvalidParams, Message: "Invalid params: name is required"})
		return
	}
	args := req.Params["arguments"]

	key, tokenScoped, scopedTools, authErr := h.credentials(r)
	if authErr != nil {
		writeRPCError(w, req.ID, authErr)
		return
	}

	if acq := h.inflight.Acquire(key, name); !acq.Acquired {
		if h.metrics != nil {
			h.metrics.ObserveDenial(string(reasons.TagOf(acq.Reason)))
		}
		writeRPCError(w, req.ID, h.denialError(acq.Reason, 0, 0))
		return
	}
	h.setInflightGauge()
	defer func() {
		h.inflight.Release(key, name)
		h.setInflightGauge()
	}()

	stop := metrics.MeasureEvaluate(h.metrics, "single")
	decision := h.gate.Evaluate(r.Context(), gate.Request{
		APIKey:      key,
		Tool:        name,
		Args:        args,
		ClientIP:    logger.ClientIP(r),
		TokenScoped: tokenScoped,
		ScopedTools: scopedTools,
	})
	stop()

	if !decision.Allowed {
		required := h.gate.Price(name, args, key)
		writeRPCError(w, req.ID, h.denialError(decision.Reason, required, decision.RemainingCredits))
		return
	}

	if h.upstream != nil {
		h.forwardCall(w, r, req, key, name, decision)
		return
	}

	writeRPCResult(w, req.ID, callResult{
		Tool:             name,
		Allowed:          true,
		Reason:           decision.Reason,
		CreditsCharged:   decision.CreditsCharged,
		RemainingCredits: decision.RemainingCredits,
	})
}

// forwardCall relays an allowed call to the upstream backend and
// passes the response through. A transport-level failure refunds the
// charge when refund-on-failure is configured.
func (h *handlers) forwardCall(w http.ResponseWriter, r *http.Request, req *rpcRequest, key, tool string, decision gate.Decision) {
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      req.ID,
		"method":  req.Method,
		"params":  req.Params,
	})
	if err != nil {
		writeRPCError(w, req.ID, &rpcError{Code: reasons.CodeInternalError, Message: "Internal error"})
		return
	}

	data, err := h.upstream.do(r.Context(), body)
	if err != nil {
		h.logger.Warn().Err(err).Str("tool", tool).Msg("upstream call failed")
		if h.cfg.Gate.RefundOnFailure && decision.CreditsCharged > 0 {
			h.gate.Refund(key, tool, decision.CreditsCharged)
		}
		writeRPCError(w, req.ID, &rpcError{Code: reasons.CodeInternalError, Message: "upstream request failed"})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// batchProxyResult extends the evaluation result with the upstream
// response of each call when the gateway executes the batch itself.
type batchProxyResult struct {
	gate.BatchResult
	Responses []json.RawMessage `json:"responses"`
}

// toolsCallBatch gates a batch atomically, then executes the calls
// against the upstream (when configured) with bounded parallelism.
func (h *handlers) toolsCallBatch(w http.ResponseWriter, r *http.Request, req *rpcRequest) {
	rawCalls, ok := req.Params["calls"].([]any)
	if !ok {
		writeRPCError(w, req.ID, &rpcError{Code: reasons.CodeInvalidParams, Message: "Invalid params: calls must be an array"})
		return
	}

	calls := make([]gate.Call, 0, len(rawCalls))
	for i, raw := range rawCalls {
		obj, ok := raw.(map[string]any)
		if !ok {
			writeRPCError(w, req.ID, &rpcError{Code: reasons.CodeInvalidParams, Message: fmt.Sprintf("Invalid params: calls[%d] must be an object", i)})
			return
		}
		name, _ := obj["name"].(string)
		if name == "" {
			writeRPCError(w, req.ID, &rpcError{Code: reasons.CodeInvalidParams, Message: fmt.Sprintf("Invalid params: calls[%d].name is required", i)})
			return
		}
		calls = append(calls, gate.Call{Tool: name, Args: obj["arguments"]})
	}

	key, tokenScoped, scopedTools, authErr := h.credentials(r)
	if authErr != nil {
		writeRPCError(w, req.ID, authErr)
		return
	}

	// Bracket every call of the batch; a saturated slot rejects the
	// whole batch with nothing held.
	for i, c := range calls {
		if acq := h.inflight.Acquire(key, c.Tool); !acq.Acquired {
			for _, held := range calls[:i] {
				h.inflight.Release(key, held.Tool)
			}
			if h.metrics != nil {
				h.metrics.ObserveDenial(string(reasons.TagOf(acq.Reason)))
			}
			e := h.denialError(acq.Reason, 0, 0)
			e.Data = map[string]any{"failedIndex": i}
			writeRPCError(w, req.ID, e)
			return
		}
	}
	h.setInflightGauge()
	defer func() {
		for _, c := range calls {
			h.inflight.Release(key, c.Tool)
		}
		h.setInflightGauge()
	}()

	stop := metrics.MeasureEvaluate(h.metrics, "batch")
	result := h.gate.EvaluateBatch(r.Context(), gate.BatchRequest{
		APIKey:      key,
		Calls:       calls,
		ClientIP:    logger.ClientIP(r),
		TokenScoped: tokenScoped,
		ScopedTools: scopedTools,
	})
	stop()

	if !result.AllAllowed {
		tag := reasons.TagOf(result.Reason)
		e := &rpcError{Code: tag.JSONRPCCode(), Message: result.Reason}
		if tag.IsPayment() {
			var required int64
			for _, c := range calls {
				required += h.gate.Price(c.Tool, c.Args, key)
			}
			e.Data = x402.NewPaymentRequired(required, result.RemainingCredits, h.cfg.Gate.TopUpURL, h.cfg.Gate.PricingURL)
		} else {
			e.Data = map[string]any{"failedIndex": result.FailedIndex, "decisions": result.Decisions}
		}
		writeRPCError(w, req.ID, e)
		return
	}

	if h.upstream == nil {
		writeRPCResult(w, req.ID, result)
		return
	}

	// Forward the allowed calls in parallel; the semaphore keeps one
	// batch from monopolizing upstream connections. A dead request
	// context fails Acquire, and the forward then fails fast through
	// the same refund path.
	responses := make([]json.RawMessage, len(calls))
	sem := semaphore.NewWeighted(batchForwardParallelism)
	var wg sync.WaitGroup
	for i, c := range calls {
		i, c := i, c // per-iteration copies: module language version predates Go 1.22 loop scoping
		wg.Add(1)
		go func() {
			defer wg.Done()
			if sem.Acquire(r.Context(), 1) == nil {
				defer sem.Release(1)
			}
			responses[i] = h.forwardBatchCall(r.Context(), key, i, c, result.Decisions[i].CreditsCharged)
		}()
	}
	wg.Wait()

	writeRPCResult(w, req.ID, batchProxyResult{BatchResult: result, Responses: responses})
}

// forwardBatchCall relays one batch entry and renders its response
// document. A transport failure yields a per-call error response and
// refunds that call's charge when refunds are configured.
func (h *handlers) forwardBatchCall(ctx context.Context, key string, idx int, c gate.Call, charged int64) json.RawMessage {
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      idx + 1,
		"method":  "tools/call",
		"params":  map[string]any{"name": c.Tool, "arguments": c.Args},
	})
	if err == nil {
		var data []byte
		data, err = h.upstream.do(ctx, body)
		if err == nil {
			return data
		}
	}

	h.logger.Warn().Err(err).Str("tool", c.Tool).Int("index", idx).Msg("upstream batch call failed")
	if h.cfg.Gate.RefundOnFailure && charged > 0 {
		h.gate.Refund(key, c.Tool, charged)
	}
	fail, _ := json.Marshal(rpcResponse{
		JSONRPC: "2.0",
		ID:      idx + 1,
		Error:   &rpcError{Code: reasons.CodeInternalError, Message: "upstream request failed"},
	})
	return fail
}

// freeMethod serves ungated methods: forwarded verbatim when an
// upstream is configured, answered with discovery stubs otherwise.
func (h *handlers) freeMethod(w http.ResponseWriter, r *http.Request, req *rpcRequest) {
	if h.upstream != nil {
		body, err := json.Marshal(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"method":  req.Method,
			"params":  req.Params,
		})
		if err == nil {
			var data []byte
			if data, err = h.upstream.do(r.Context(), body); err == nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write(data)
				return
			}
		}
		h.logger.Warn().Err(err).Str("method", req.Method).Msg("upstream call failed")
		writeRPCError(w, req.ID, &rpcError{Code: reasons.CodeInternalError, Message: "upstream request failed"})
		return
	}

	switch req.Method {
	case "initialize":
		writeRPCResult(w, req.ID, map[string]any{
			"protocolVersion": protocolVersion,
			"serverInfo":      map[string]any{"name": "creditrail-gateway"},
			"capabilities":    map[string]any{"tools": map[string]any{}},
		})
	case "tools/list":
		names := make([]string, 0, len(h.cfg.Gate.Tools))
		for name := range h.cfg.Gate.Tools {
			names = append(names, name)
		}
		sort.Strings(names)
		tools := make([]map[string]any, 0, len(names))
		for _, n := range names {
			tools = append(tools, map[string]any{"name": n})
		}
		writeRPCResult(w, req.ID, map[string]any{"tools": tools})
	default:
		writeRPCResult(w, req.ID, struct{}{})
	}
}

func (h *handlers) setInflightGauge() {
	if h.metrics != nil {
		h.metrics.SetInflight(h.inflight.Total())
	}
}
