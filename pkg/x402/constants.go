// Package x402 defines the payment-required signalling block the
// gateway attaches to JSON-RPC errors in the payment family. The shape
// follows the x402 pattern (https://github.com/coinbase/x402) with a
// prepaid-credits scheme instead of on-chain settlement: the block
// tells the caller how many credits the call needed, how many remain,
// and where to top up.
package x402

// Version is the signalling version carried in every block.
const Version = "1"

// SchemeCredits identifies the prepaid-credits scheme.
const SchemeCredits = "credits"

// Credential carriers listed in the accepts field, so clients know how
// to present an API key or scoped token.
const (
	AcceptAPIKeyHeader = "X-API-Key"
	AcceptBearer       = "Bearer"
)
