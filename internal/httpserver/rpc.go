package httpserver

import (
	"mime"
	"net/http"

	"github.com/CreditRail/gateway/internal/jsonsafe"
	"github.com/CreditRail/gateway/internal/reasons"
	"github.com/CreditRail/gateway/pkg/responders"
	"github.com/CreditRail/gateway/pkg/x402"
)

// rpcRequest is the decoded JSON-RPC 2.0 envelope. Params is the
// pollution-stripped params object; non-object params decode to nil.
type rpcRequest struct {
	JSONRPC string
	ID      any
	Method  string
	Params  map[string]any
}

// rpcError is a JSON-RPC 2.0 error object.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// rpcResponse is a JSON-RPC 2.0 response envelope.
type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

// parseRPC decodes and validates the envelope. The whole document goes
// through the pollution-safe parse, so params and arguments come out
// stripped at every depth. A nil request with a parse error means the
// id could not be recovered.
func parseRPC(body []byte) (*rpcRequest, *rpcError) {
	v, err := jsonsafe.Decode(body)
	if err != nil {
		return nil, &rpcError{Code: reasons.CodeParseError, Message: "Parse error"}
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, &rpcError{Code: reasons.CodeInvalidRequest, Message: "Invalid Request: expected a JSON object"}
	}

	req := &rpcRequest{ID: obj["id"]}
	if s, ok := obj["jsonrpc"].(string); ok {
		req.JSONRPC = s
	}
	if s, ok := obj["method"].(string); ok {
		req.Method = s
	}
	if p, ok := obj["params"].(map[string]any); ok {
		req.Params = p
	}

	if req.JSONRPC != "2.0" {
		return req, &rpcError{Code: reasons.CodeInvalidRequest, Message: "Invalid Request: jsonrpc must be '2.0'"}
	}
	if req.Method == "" {
		return req, &rpcError{Code: reasons.CodeInvalidRequest, Message: "Invalid Request: method is required"}
	}
	return req, nil
}

// writeRPCResult sends a success envelope. JSON-RPC responses ride
// HTTP 200 regardless of outcome.
func writeRPCResult(w http.ResponseWriter, id, result any) {
	responders.JSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: id, Result: result})
}

// writeRPCError sends an error envelope on HTTP 200.
func writeRPCError(w http.ResponseWriter, id any, rpcErr *rpcError) {
	responders.JSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: id, Error: rpcErr})
}

// denialError maps a full deny reason to its JSON-RPC error. Payment
// denials carry the x402-style data block advertising how to pay.
func (h *handlers) denialError(full string, required, available int64) *rpcError {
	tag := reasons.TagOf(full)
	e := &rpcError{Code: tag.JSONRPCCode(), Message: full}
	if tag.IsPayment() {
		e.Data = x402.NewPaymentRequired(required, available, h.cfg.Gate.TopUpURL, h.cfg.Gate.PricingURL)
	}
	return e
}

// isJSONContent accepts application/json with optional parameters
// (charset and friends).
func isJSONContent(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json"
}

// methodNotAllowed answers non-POST hits on POST-only patterns (and the
// reverse) with a JSON 405 instead of chi's plain-text default.
func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	responders.Error(w, http.StatusMethodNotAllowed, "method not allowed")
}
