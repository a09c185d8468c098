/*
handlers.go - HTTP API handlers for the credit and provisioning engine

PURPOSE:
  Exposes the credit engine, the provisioning waterfall, inventory health
  and the billing ledger via REST API. Handles HTTP request/response and
  JSON serialization, and delegates everything else to the domain packages.

ENDPOINTS:
  Credit:
    POST   /credit/accounts                   Onboard an account
    GET    /credit/accounts/{id}              Account with its statement
    GET    /credit/accounts/{id}/transactions Ledger rows, oldest first
    POST   /credit/accounts/{id}/status       Suspend / reactivate
    POST   /credit/allocate                   Parent -> child transfer
    POST   /credit/purchase                   Funds entering the tree
    POST   /credit/adjust                     Signed operator correction
    POST   /credit/refund                     Refund of a redemption debit

  Gift cards:
    POST   /giftcards/provision               Run the waterfall
    GET    /giftcards/redemptions/{code}      Look a redemption up
    POST   /giftcards/redemptions/{id}/delivered
    POST   /giftcards/redemptions/{id}/redrive

  Inventory:
    POST   /brands                            Create or update a brand
    POST   /inventory/units                   Load csv/buffer cards
    GET    /inventory/health                  Live health of one bucket
    GET    /inventory/snapshot                Last background refresh

  Billing:
    GET    /billing/summary                   Totals per entity and range
    GET    /billing/entries                   Entries per entity and range

REQUEST FLOW:
  1. Decode the body (unknown fields rejected)
  2. Call the domain operation
  3. Serialize the response
  4. Map errors to a status code (see statusFor)

ERROR HANDLING:
  - 400: Validation errors, malformed input
  - 402: Insufficient funds
  - 404: Unknown account, brand, redemption or unit
  - 409: Suspended account, no inventory, invalid transition, duplicates
  - 503: Concurrent modification (safe to retry)
  - 500: Internal errors

SECURITY NOTE:
  No authentication or authorization. The service is expected to sit behind
  an authenticating gateway which sets X-Actor-ID.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warp/credit-engine/billing"
	"github.com/warp/credit-engine/credit"
	"github.com/warp/credit-engine/inventory"
	"github.com/warp/credit-engine/metrics"
	"github.com/warp/credit-engine/provisioning"
)

// maxBodyBytes caps request bodies. A unit batch is the largest payload.
const maxBodyBytes = 4 << 20

// ActorHeader carries the operator identity when the body doesn't.
const ActorHeader = "X-Actor-ID"

// errBadRequest marks malformed input detected by the HTTP layer itself.
var errBadRequest = errors.New("bad request")

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Services are the components the handlers delegate to.
type Services struct {
	Credit    *credit.Engine
	Waterfall *provisioning.Waterfall
	Inventory inventory.Store
	Monitor   *inventory.Monitor
	Billing   *billing.Ledger
	Metrics   *metrics.Metrics

	// Ping reports whether the backing store is reachable.
	Ping func(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	credit    *credit.Engine
	waterfall *provisioning.Waterfall
	inventory inventory.Store
	monitor   *inventory.Monitor
	billing   *billing.Ledger
	metrics   *metrics.Metrics
	ping      func(ctx context.Context) error
	log       zerolog.Logger
	now       func() time.Time
}

// NewHandler creates a handler over svc.
func NewHandler(svc Services, log zerolog.Logger) *Handler {
	ping := svc.Ping
	if ping == nil {
		ping = func(context.Context) error { return nil }
	}
	return &Handler{
		credit:    svc.Credit,
		waterfall: svc.Waterfall,
		inventory: svc.Inventory,
		monitor:   svc.Monitor,
		billing:   svc.Billing,
		metrics:   svc.Metrics,
		ping:      ping,
		log:       log,
		now:       time.Now,
	}
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

// CreateAccount onboards an account.
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if !h.decode(w, r, &req) {
		return
	}

	accountType := credit.AccountType(req.Type)
	if !accountType.Valid() {
		h.writeError(w, r, fmt.Errorf("%w: unknown account type %q", credit.ErrInvalidHierarchy, req.Type))
		return
	}

	account, err := h.credit.CreateAccount(r.Context(), credit.NewAccount{
		ID:       credit.AccountID(req.ID),
		Type:     accountType,
		ParentID: credit.AccountID(req.ParentID),
		Name:     req.Name,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountDTO(*account))
}

// GetAccount returns an account with its derived statement.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id := credit.AccountID(chi.URLParam(r, "id"))

	account, err := h.credit.Account(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	statement, err := h.credit.Statement(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	dto := toAccountDTO(*account)
	dto.Statement = toStatementDTO(statement)
	writeJSON(w, http.StatusOK, dto)
}

// GetTransactions returns the ledger of an account.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.credit.Transactions(r.Context(), credit.AccountID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// SetAccountStatus suspends or reactivates an account.
func (h *Handler) SetAccountStatus(w http.ResponseWriter, r *http.Request) {
	id := credit.AccountID(chi.URLParam(r, "id"))

	var req SetStatusRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.credit.SetStatus(r.Context(), id, credit.AccountStatus(req.Status)); err != nil {
		h.writeError(w, r, err)
		return
	}

	account, err := h.credit.Account(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(*account))
}

// =============================================================================
// CREDIT MOVEMENT HANDLERS
// =============================================================================

// Allocate moves credit down one level of the hierarchy.
func (h *Handler) Allocate(w http.ResponseWriter, r *http.Request) {
	var req AllocateRequest
	if !h.decode(w, r, &req) {
		return
	}

	alloc, err := h.credit.Allocate(r.Context(), credit.AllocateRequest{
		From:    credit.AccountID(req.FromAccountID),
		To:      credit.AccountID(req.ToAccountID),
		Amount:  req.Amount,
		Notes:   req.Notes,
		ActorID: actor(r, req.ActorID),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.metrics.Posting(string(credit.TxAllocationOut))
	h.metrics.Posting(string(credit.TxAllocationIn))

	writeJSON(w, http.StatusCreated, AllocationDTO{
		Out:         toTransactionDTO(alloc.Out),
		In:          toTransactionDTO(alloc.In),
		FromBalance: money(alloc.FromBalance),
		ToBalance:   money(alloc.ToBalance),
	})
}

// Purchase credits an account from an external payment. A repeated payment
// reference returns the original purchase with 200.
func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if !h.decode(w, r, &req) {
		return
	}

	posting, err := h.credit.Purchase(r.Context(), credit.PurchaseRequest{
		AccountID:        credit.AccountID(req.AccountID),
		Amount:           req.Amount,
		PaymentMethod:    req.PaymentMethod,
		PaymentReference: req.PaymentReference,
		ActorID:          actor(r, req.ActorID),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if posting.Replayed {
		writeJSON(w, http.StatusOK, toPostingDTO(posting))
		return
	}
	h.metrics.Posting(string(credit.TxPurchase))
	writeJSON(w, http.StatusCreated, toPostingDTO(posting))
}

// Adjust writes a signed operator correction.
func (h *Handler) Adjust(w http.ResponseWriter, r *http.Request) {
	var req AdjustRequest
	if !h.decode(w, r, &req) {
		return
	}

	posting, err := h.credit.Adjust(r.Context(), credit.AdjustRequest{
		AccountID: credit.AccountID(req.AccountID),
		Amount:    req.Amount,
		Reason:    req.Reason,
		ActorID:   actor(r, req.ActorID),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.metrics.Posting(string(credit.TxAdjustment))
	writeJSON(w, http.StatusCreated, toPostingDTO(posting))
}

// Refund returns credit for a redemption. Without an amount it refunds the
// outstanding remainder and answers 200 with refunded=false when there is
// none.
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if !h.decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	accountID := credit.AccountID(req.AccountID)

	if req.Amount != nil {
		posting, err := h.credit.Refund(ctx, accountID, *req.Amount, req.RedemptionID)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		h.metrics.Posting(string(credit.TxRefund))
		writeJSON(w, http.StatusCreated, toPostingDTO(posting))
		return
	}

	posting, refunded, err := h.credit.RefundRedemption(ctx, accountID, req.RedemptionID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !refunded {
		balance, err := h.credit.Balance(ctx, accountID)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, PostingDTO{Balance: money(balance), Refunded: &refunded})
		return
	}
	h.metrics.Posting(string(credit.TxRefund))
	dto := toPostingDTO(posting)
	dto.Refunded = &refunded
	writeJSON(w, http.StatusCreated, dto)
}

// =============================================================================
// GIFT CARD HANDLERS
// =============================================================================

// Provision runs the waterfall. A new redemption answers 201, a replay of
// an existing code 200.
func (h *Handler) Provision(w http.ResponseWriter, r *http.Request) {
	var req ProvisionRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.waterfall.Provision(r.Context(), provisioning.Request{
		CampaignID:      credit.AccountID(req.CampaignID),
		BrandID:         req.BrandID,
		Denomination:    req.Denomination,
		RecipientID:     req.RecipientID,
		RedemptionCode:  req.RedemptionCode,
		PayingAccountID: credit.AccountID(req.PayingAccountID),
	})
	h.writeRedemption(w, r, res, err, http.StatusCreated)
}

// GetRedemption looks a redemption up by code.
func (h *Handler) GetRedemption(w http.ResponseWriter, r *http.Request) {
	res, err := h.waterfall.Redemption(r.Context(), chi.URLParam(r, "code"))
	h.writeRedemption(w, r, res, err, http.StatusOK)
}

// MarkDelivered records delivery confirmation.
func (h *Handler) MarkDelivered(w http.ResponseWriter, r *http.Request) {
	red, err := h.waterfall.MarkDelivered(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.waterfall.Redemption(r.Context(), red.Code)
	h.writeRedemption(w, r, res, err, http.StatusOK)
}

// Redrive re-runs a failed redemption under its original code.
func (h *Handler) Redrive(w http.ResponseWriter, r *http.Request) {
	res, err := h.waterfall.Redrive(r.Context(), chi.URLParam(r, "id"))
	h.writeRedemption(w, r, res, err, http.StatusOK)
}

func (h *Handler) writeRedemption(w http.ResponseWriter, r *http.Request, res provisioning.Result, err error, created int) {
	if err != nil {
		status, code := statusFor(err)
		resp := ErrorResponse{Error: http.StatusText(status), Code: code, Details: err.Error()}
		if res.Redemption.ID != "" {
			dto := toRedemptionDTO(res)
			resp.Redemption = &dto
		}
		h.logError(r, status, err)
		writeJSON(w, status, resp)
		return
	}

	status := created
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, toRedemptionDTO(res))
}

// =============================================================================
// INVENTORY HANDLERS
// =============================================================================

// SaveBrand creates or updates a brand.
func (h *Handler) SaveBrand(w http.ResponseWriter, r *http.Request) {
	var req BrandRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.ID == "" || req.Name == "" {
		h.writeError(w, r, fmt.Errorf("%w: brand id and name are required", errBadRequest))
		return
	}

	brand := inventory.Brand{
		ID:           req.ID,
		Name:         req.Name,
		ProviderCode: req.ProviderCode,
		Enabled:      req.Enabled == nil || *req.Enabled,
		CreatedAt:    h.now().UTC(),
	}
	if err := h.inventory.SaveBrand(r.Context(), brand); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBrandDTO(brand))
}

// LoadUnits loads a batch of cards into the csv or buffer pool. The batch is
// all-or-nothing.
func (h *Handler) LoadUnits(w http.ResponseWriter, r *http.Request) {
	var req LoadUnitsRequest
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.Units) == 0 {
		h.writeError(w, r, fmt.Errorf("%w: no units in batch", errBadRequest))
		return
	}

	now := h.now().UTC()
	units := make([]inventory.Unit, len(req.Units))
	ids := make([]string, len(req.Units))
	for i, u := range req.Units {
		pool := inventory.Pool(u.Pool)
		if pool != inventory.PoolCSV && pool != inventory.PoolBuffer {
			h.writeError(w, r, fmt.Errorf("%w: unit %d: pool must be csv or buffer", inventory.ErrInvalidUnit, i))
			return
		}
		id := u.ID
		if id == "" {
			id = uuid.NewString()
		}
		units[i] = inventory.Unit{
			ID:           id,
			BrandID:      u.BrandID,
			Denomination: credit.Quantize(u.Denomination),
			Pool:         pool,
			Status:       inventory.UnitAvailable,
			CardCode:     u.CardCode,
			CardNumber:   u.CardNumber,
			ExpiresAt:    u.ExpiresAt,
			CostBasis:    credit.Quantize(u.CostBasis),
			CreatedAt:    now,
		}
		ids[i] = id
	}

	if err := h.inventory.AddUnits(r.Context(), units); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.log.Info().Int("units", len(units)).Msg("inventory loaded")
	writeJSON(w, http.StatusCreated, LoadUnitsDTO{Loaded: len(units), IDs: ids})
}

// GetHealth returns the live health of one bucket. An empty pool
// aggregates csv and buffer stock.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	brandID := q.Get("brand")
	if brandID == "" {
		brandID = q.Get("brandId")
	}
	if brandID == "" {
		h.writeError(w, r, fmt.Errorf("%w: brand is required", errBadRequest))
		return
	}
	denomination, err := decimal.NewFromString(q.Get("denomination"))
	if err != nil {
		h.writeError(w, r, fmt.Errorf("%w: denomination: %v", errBadRequest, err))
		return
	}
	pool := inventory.Pool(q.Get("pool"))
	if pool != "" && !pool.Valid() {
		h.writeError(w, r, fmt.Errorf("%w: unknown pool %q", errBadRequest, pool))
		return
	}

	health, err := h.monitor.Health(r.Context(), inventory.Key{
		Pool:         pool,
		BrandID:      brandID,
		Denomination: credit.Quantize(denomination),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toHealthDTO(health))
}

// GetSnapshot returns the last background refresh, or a fresh one with
// ?refresh=true.
func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	var (
		buckets []inventory.Health
		at      time.Time
	)
	if r.URL.Query().Get("refresh") == "true" {
		fresh, err := h.monitor.Refresh(r.Context())
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		buckets, at = fresh, h.now().UTC()
	} else {
		buckets, at = h.monitor.Snapshot()
	}

	dto := SnapshotDTO{RefreshedAt: timestamp(at), Buckets: make([]HealthDTO, len(buckets))}
	for i, b := range buckets {
		dto.Buckets[i] = toHealthDTO(b)
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// BILLING HANDLERS
// =============================================================================

// GetBillingSummary totals an entity's billing entries in [from, to).
func (h *Handler) GetBillingSummary(w http.ResponseWriter, r *http.Request) {
	f, err := billingFilter(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	summary, err := h.billing.SummarizeByEntity(r.Context(), f.EntityType, f.EntityID, f.From, f.To)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryDTO(summary))
}

// GetBillingEntries lists an entity's billing entries in [from, to).
func (h *Handler) GetBillingEntries(w http.ResponseWriter, r *http.Request) {
	f, err := billingFilter(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	entries, err := h.billing.Entries(r.Context(), f.EntityType, f.EntityID, f.From, f.To)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// billingFilter reads entityType, entityId, from and to. Dates accept
// RFC 3339 or YYYY-MM-DD.
func billingFilter(r *http.Request) (billing.Filter, error) {
	q := r.URL.Query()
	f := billing.Filter{
		EntityType: credit.AccountType(q.Get("entityType")),
		EntityID:   credit.AccountID(q.Get("entityId")),
	}
	if f.EntityType != credit.AccountAgency && f.EntityType != credit.AccountClient {
		return f, fmt.Errorf("%w: entityType must be agency or client", errBadRequest)
	}
	if f.EntityID == "" {
		return f, fmt.Errorf("%w: entityId is required", errBadRequest)
	}

	var err error
	if f.From, err = parseDate(q.Get("from")); err != nil {
		return f, fmt.Errorf("%w: from: %v", errBadRequest, err)
	}
	if f.To, err = parseDate(q.Get("to")); err != nil {
		return f, fmt.Errorf("%w: to: %v", errBadRequest, err)
	}
	if !f.From.IsZero() && !f.To.IsZero() && !f.From.Before(f.To) {
		return f, fmt.Errorf("%w: from must be before to", errBadRequest)
	}
	return f, nil
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Parse("2006-01-02", s)
}

// =============================================================================
// OPERATIONS
// =============================================================================

// Healthz reports whether the store answers.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

// statusFor maps a domain error to an HTTP status and a stable error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, credit.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, credit.ErrInvalidHierarchy):
		return http.StatusBadRequest, "invalid_hierarchy"
	case errors.Is(err, credit.ErrInvalidAdjustment), errors.Is(err, credit.ErrInvalidStatus),
		errors.Is(err, provisioning.ErrInvalidRequest), errors.Is(err, inventory.ErrInvalidUnit),
		errors.Is(err, billing.ErrInvalidEntry):
		return http.StatusBadRequest, "validation_failed"
	case errors.Is(err, credit.ErrAccountExists):
		return http.StatusBadRequest, "account_exists"

	case errors.Is(err, credit.ErrAccountNotFound), errors.Is(err, inventory.ErrBrandNotFound),
		errors.Is(err, inventory.ErrUnitNotFound), errors.Is(err, provisioning.ErrRedemptionNotFound):
		return http.StatusNotFound, "not_found"

	case errors.Is(err, credit.ErrInsufficientFunds):
		return http.StatusPaymentRequired, "insufficient_funds"

	case errors.Is(err, credit.ErrAccountSuspended):
		return http.StatusConflict, "account_suspended"
	case errors.Is(err, provisioning.ErrNoInventoryAvailable):
		return http.StatusConflict, "no_inventory_available"
	case errors.Is(err, provisioning.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, inventory.ErrDuplicateCard), errors.Is(err, billing.ErrDuplicateEntry):
		return http.StatusConflict, "duplicate"

	case errors.Is(err, credit.ErrConcurrentModification):
		return http.StatusServiceUnavailable, "concurrent_modification"
	}

	var failed *provisioning.FailedError
	if errors.As(err, &failed) {
		return http.StatusConflict, "redemption_failed"
	}
	return http.StatusInternalServerError, "internal"
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError answers with the mapped status. Internal details are only
// exposed for client errors.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	h.logError(r, status, err)

	resp := ErrorResponse{Error: http.StatusText(status), Code: code}
	if status < http.StatusInternalServerError || status == http.StatusServiceUnavailable {
		resp.Details = err.Error()
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, resp)
}

func (h *Handler) logError(r *http.Request, status int, err error) {
	event := h.log.Debug()
	if status >= http.StatusInternalServerError {
		event = h.log.Error()
	}
	event.Err(err).Str("method", r.Method).Str("path", r.URL.Path).Int("status", status).Msg("request failed")
}

// decode reads a JSON body into dst and answers 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("empty body")
		}
		h.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return false
	}
	if dec.More() {
		h.writeError(w, r, fmt.Errorf("%w: trailing data after JSON body", errBadRequest))
		return false
	}
	return true
}

// actor prefers the body field and falls back to the gateway header.
func actor(r *http.Request, fromBody string) string {
	if a := strings.TrimSpace(fromBody); a != "" {
		return a
	}
	return r.Header.Get(ActorHeader)
}
