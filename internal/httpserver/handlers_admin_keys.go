package httpserver

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/CreditRail/gateway/internal/keystore"
	"github.com/CreditRail/gateway/internal/logger"
	"github.com/CreditRail/gateway/pkg/responders"
)

// createKeyRequest mirrors keystore.Options plus the name and starting
// balance. Clamping happens in the store, not here.
type createKeyRequest struct {
	Name                string              `json:"name"`
	Credits             int64               `json:"credits"`
	SpendingLimit       int64               `json:"spendingLimit"`
	AllowedTools        []string            `json:"allowedTools"`
	DeniedTools         []string            `json:"deniedTools"`
	ExpiresAt           *time.Time          `json:"expiresAt"`
	IPAllowlist         []string            `json:"ipAllowlist"`
	Tags                map[string]string   `json:"tags"`
	Namespace           string              `json:"namespace"`
	Group               string              `json:"group"`
	QuotaDailyCalls     int64               `json:"quotaDailyCalls"`
	QuotaMonthlyCalls   int64               `json:"quotaMonthlyCalls"`
	QuotaDailyCredits   int64               `json:"quotaDailyCredits"`
	QuotaMonthlyCredits int64               `json:"quotaMonthlyCredits"`
	AutoTopup           *keystore.AutoTopup `json:"autoTopup"`
}

func (req *createKeyRequest) options() keystore.Options {
	return keystore.Options{
		SpendingLimit:       req.SpendingLimit,
		AllowedTools:        req.AllowedTools,
		DeniedTools:         req.DeniedTools,
		ExpiresAt:           req.ExpiresAt,
		IPAllowlist:         req.IPAllowlist,
		Tags:                req.Tags,
		Namespace:           req.Namespace,
		Group:               req.Group,
		QuotaDailyCalls:     req.QuotaDailyCalls,
		QuotaMonthlyCalls:   req.QuotaMonthlyCalls,
		QuotaDailyCredits:   req.QuotaDailyCredits,
		QuotaMonthlyCredits: req.QuotaMonthlyCredits,
		AutoTopup:           req.AutoTopup,
	}
}

// createKey handles POST /admin/keys. The full key string appears only
// in this response; listings mask it.
func (h *handlers) createKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := decodeBody(r, &req); err != nil {
		responders.Error(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Name == "" {
		responders.Error(w, http.StatusBadRequest, "name is required")
		return
	}

	key, rec := h.store.CreateKey(req.Name, req.Credits, req.options())
	responders.JSON(w, http.StatusCreated, map[string]any{"key": key, "record": rec})
}

type importKeyRequest struct {
	Key string `json:"key"`
	createKeyRequest
}

// importKey handles POST /admin/keys/import: install a record under a
// caller-supplied key string, for migrations.
func (h *handlers) importKey(w http.ResponseWriter, r *http.Request) {
	var req importKeyRequest
	if err := decodeBody(r, &req); err != nil {
		responders.Error(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Key == "" {
		responders.Error(w, http.StatusBadRequest, "key is required")
		return
	}
	if req.Name == "" {
		responders.Error(w, http.StatusBadRequest, "name is required")
		return
	}

	rec, err := h.store.ImportKey(req.Key, req.Name, req.Credits, req.options())
	switch {
	case errors.Is(err, keystore.ErrMalformedKey):
		responders.Error(w, http.StatusBadRequest, "key must have the generated shape ("+keystore.KeyPrefix+"<32 hex>)")
		return
	case errors.Is(err, keystore.ErrKeyExists):
		responders.Error(w, http.StatusConflict, "key already exists")
		return
	case err != nil:
		responders.Error(w, http.StatusInternalServerError, "import failed")
		return
	}

	h.logger.Info().Str("key", logger.MaskKey(req.Key)).Str("name", req.Name).Msg("api key imported")
	responders.JSON(w, http.StatusCreated, map[string]any{"key": req.Key, "record": rec})
}

// keyEntry is one row of a key listing; the key string is masked.
type keyEntry struct {
	Key    string           `json:"key"`
	Record *keystore.Record `json:"record"`
}

// listKeys handles GET /admin/keys?namespace=. Keys are masked so a
// listing never leaks usable credentials.
func (h *handlers) listKeys(w http.ResponseWriter, r *http.Request) {
	entries := h.store.List(r.URL.Query().Get("namespace"))
	keys := make([]keyEntry, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, keyEntry{Key: logger.MaskKey(e.Key), Record: e.Record})
	}
	responders.JSON(w, http.StatusOK, map[string]any{"count": len(keys), "keys": keys})
}

// getKey handles GET /admin/keys/{key}: an unfiltered admin read, so
// revoked and expired records are still visible.
func (h *handlers) getKey(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	rec := h.store.Lookup(key)
	if rec == nil {
		responders.Error(w, http.StatusNotFound, "key not found")
		return
	}
	responders.JSON(w, http.StatusOK, map[string]any{
		"key":         logger.MaskKey(key),
		"record":      rec,
		"heldCredits": h.reservations.Held(key),
	})
}

type updateKeyRequest struct {
	Name           *string             `json:"name"`
	SpendingLimit  *int64              `json:"spendingLimit"`
	AllowedTools   *[]string           `json:"allowedTools"`
	DeniedTools    *[]string           `json:"deniedTools"`
	ExpiresAt      *time.Time          `json:"expiresAt"`
	ClearExpiresAt bool                `json:"clearExpiresAt"`
	IPAllowlist    *[]string           `json:"ipAllowlist"`
	Tags           *map[string]string  `json:"tags"`
	Namespace      *string             `json:"namespace"`
	Group          *string             `json:"group"`
	QuotaDaily     *int64              `json:"quotaDailyCalls"`
	QuotaMonthly   *int64              `json:"quotaMonthlyCalls"`
	QuotaDailyCr   *int64              `json:"quotaDailyCredits"`
	QuotaMonthlyCr *int64              `json:"quotaMonthlyCredits"`
	AutoTopup      *keystore.AutoTopup `json:"autoTopup"`
	ClearAutoTopup bool                `json:"clearAutoTopup"`
}

// updateKey handles PATCH /admin/keys/{key}: absent fields stay
// untouched, list fields are replaced whole.
func (h *handlers) updateKey(w http.ResponseWriter, r *http.Request) {
	var req updateKeyRequest
	if err := decodeBody(r, &req); err != nil {
		responders.Error(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	key := chi.URLParam(r, "key")
	rec, err := h.store.UpdatePolicy(key, keystore.PolicyUpdate{
		Name:                req.Name,
		SpendingLimit:       req.SpendingLimit,
		AllowedTools:        req.AllowedTools,
		DeniedTools:         req.DeniedTools,
		ExpiresAt:           req.ExpiresAt,
		ClearExpiresAt:      req.ClearExpiresAt,
		IPAllowlist:         req.IPAllowlist,
		Tags:                req.Tags,
		Namespace:           req.Namespace,
		Group:               req.Group,
		QuotaDailyCalls:     req.QuotaDaily,
		QuotaMonthlyCalls:   req.QuotaMonthly,
		QuotaDailyCredits:   req.QuotaDailyCr,
		QuotaMonthlyCredits: req.QuotaMonthlyCr,
		AutoTopup:           req.AutoTopup,
		ClearAutoTopup:      req.ClearAutoTopup,
	})
	if errors.Is(err, keystore.ErrKeyNotFound) {
		responders.Error(w, http.StatusNotFound, "key not found")
		return
	}
	if err != nil {
		responders.Error(w, http.StatusInternalServerError, "update failed")
		return
	}

	h.logger.Info().Str("key", logger.MaskKey(key)).Msg("key policy updated")
	responders.JSON(w, http.StatusOK, map[string]any{"key": logger.MaskKey(key), "record": rec})
}

// deleteKey handles DELETE /admin/keys/{key}: revoke by default so the
// record stays auditable, remove outright with ?hard=true.
func (h *handlers) deleteKey(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	if r.URL.Query().Get("hard") == "true" {
		if !h.store.DeleteKey(key) {
			responders.Error(w, http.StatusNotFound, "key not found")
			return
		}
		h.logger.Info().Str("key", logger.MaskKey(key)).Msg("api key deleted")
		responders.JSON(w, http.StatusOK, map[string]any{"deleted": true})
		return
	}

	if !h.store.RevokeKey(key) {
		responders.Error(w, http.StatusNotFound, "key not found")
		return
	}
	h.logger.Info().Str("key", logger.MaskKey(key)).Msg("api key revoked")
	responders.JSON(w, http.StatusOK, map[string]any{"revoked": true})
}

type addCreditsRequest struct {
	Credits int64 `json:"credits"`
}

// addCredits handles POST /admin/keys/{key}/credits. Negative amounts
// adjust the balance down (floored at zero by the store).
func (h *handlers) addCredits(w http.ResponseWriter, r *http.Request) {
	var req addCreditsRequest
	if err := decodeBody(r, &req); err != nil {
		responders.Error(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Credits == 0 {
		responders.Error(w, http.StatusBadRequest, "credits must be non-zero")
		return
	}

	key := chi.URLParam(r, "key")
	balance, ok := h.store.AddCredits(key, req.Credits)
	if !ok {
		responders.Error(w, http.StatusNotFound, "key not found")
		return
	}

	h.logger.Info().Str("key", logger.MaskKey(key)).Int64("credits", req.Credits).Int64("balance", balance).Msg("credits adjusted")
	responders.JSON(w, http.StatusOK, map[string]any{"key": logger.MaskKey(key), "balance": balance})
}

// suspendKey handles POST /admin/keys/{key}/suspend.
func (h *handlers) suspendKey(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !h.store.SuspendKey(key) {
		responders.Error(w, http.StatusNotFound, "key not found")
		return
	}
	h.logger.Info().Str("key", logger.MaskKey(key)).Msg("api key suspended")
	responders.JSON(w, http.StatusOK, map[string]any{"suspended": true})
}

// reactivateKey handles POST /admin/keys/{key}/reactivate.
func (h *handlers) reactivateKey(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !h.store.ReactivateKey(key) {
		responders.Error(w, http.StatusNotFound, "key not found")
		return
	}
	h.logger.Info().Str("key", logger.MaskKey(key)).Msg("api key reactivated")
	responders.JSON(w, http.StatusOK, map[string]any{"reactivated": true})
}

type aliasRequest struct {
	Alias string `json:"alias"`
}

// setAlias handles POST /admin/keys/{key}/alias: register an alternate
// lookup string (deployment migrations, friendly names).
func (h *handlers) setAlias(w http.ResponseWriter, r *http.Request) {
	var req aliasRequest
	if err := decodeBody(r, &req); err != nil {
		responders.Error(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	key := chi.URLParam(r, "key")
	err := h.store.SetAlias(req.Alias, key)
	switch {
	case errors.Is(err, keystore.ErrMalformedKey):
		responders.Error(w, http.StatusBadRequest, "alias must be non-empty and differ from the key")
		return
	case errors.Is(err, keystore.ErrKeyNotFound):
		responders.Error(w, http.StatusNotFound, "key not found")
		return
	case errors.Is(err, keystore.ErrAliasExists):
		responders.Error(w, http.StatusConflict, "alias already in use")
		return
	case errors.Is(err, keystore.ErrAliasLimit):
		responders.Error(w, http.StatusConflict, "alias table is full")
		return
	case err != nil:
		responders.Error(w, http.StatusInternalServerError, "alias registration failed")
		return
	}

	responders.JSON(w, http.StatusCreated, map[string]any{"alias": req.Alias, "key": logger.MaskKey(key)})
}

// removeAlias handles DELETE /admin/aliases/{alias}.
func (h *handlers) removeAlias(w http.ResponseWriter, r *http.Request) {
	alias := chi.URLParam(r, "alias")
	if !h.store.RemoveAlias(alias) {
		responders.Error(w, http.StatusNotFound, "alias not found")
		return
	}
	responders.JSON(w, http.StatusOK, map[string]any{"removed": true})
}

type mintTokenRequest struct {
	Key        string   `json:"key"`
	Tools      []string `json:"tools"`
	TTLSeconds int64    `json:"ttlSeconds"`
}

// mintToken handles POST /admin/tokens: issue a scoped bearer token
// delegating a subset of a key's tools.
func (h *handlers) mintToken(w http.ResponseWriter, r *http.Request) {
	if h.tokens == nil {
		responders.Error(w, http.StatusServiceUnavailable, "scoped tokens are not enabled")
		return
	}

	var req mintTokenRequest
	if err := decodeBody(r, &req); err != nil {
		responders.Error(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Key == "" {
		responders.Error(w, http.StatusBadRequest, "key is required")
		return
	}
	if !h.store.Exists(req.Key) {
		responders.Error(w, http.StatusNotFound, "key not found")
		return
	}

	token, err := h.tokens.Mint(req.Key, req.Tools, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		responders.Error(w, http.StatusInternalServerError, "token minting failed")
		return
	}
	claims, err := h.tokens.Verify(token)
	if err != nil {
		responders.Error(w, http.StatusInternalServerError, "token minting failed")
		return
	}

	h.logger.Info().Str("key", logger.MaskKey(req.Key)).Strs("tools", req.Tools).Time("expires_at", claims.ExpiresAt()).Msg("scoped token minted")
	responders.JSON(w, http.StatusCreated, map[string]any{
		"token":     token,
		"key":       logger.MaskKey(req.Key),
		"tools":     claims.Tools,
		"expiresAt": claims.ExpiresAt(),
	})
}
