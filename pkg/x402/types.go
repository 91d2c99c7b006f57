package x402

// PaymentRequired is the data block attached to JSON-RPC errors in the
// payment family (insufficient credits, spending limit exceeded, team
// budget exceeded). Field names are part of the wire contract.
type PaymentRequired struct {
	Version          string   `json:"version"`
	Scheme           string   `json:"scheme"`
	CreditsRequired  int64    `json:"creditsRequired"`
	CreditsAvailable int64    `json:"creditsAvailable"`
	TopUpURL         string   `json:"topUpUrl"`
	PricingURL       string   `json:"pricingUrl"`
	Accepts          []string `json:"accepts"`
}

// NewPaymentRequired builds a credits-scheme block for a call that
// needed required credits against a balance of available.
func NewPaymentRequired(required, available int64, topUpURL, pricingURL string) PaymentRequired {
	return PaymentRequired{
		Version:          Version,
		Scheme:           SchemeCredits,
		CreditsRequired:  required,
		CreditsAvailable: available,
		TopUpURL:         topUpURL,
		PricingURL:       pricingURL,
		Accepts:          []string{AcceptAPIKeyHeader, AcceptBearer},
	}
}
