/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the domain model from the external contract: domain types never carry
  json tags.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Request amounts are decimal.Decimal, which accepts "25.00" as well as 25.
  Response amounts are strings fixed to the minor unit ("600.00") so no
  client ever parses money through a float.

VALIDATION:
  Validation is done by the domain packages, not in DTOs. DTOs are pure
  data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/credit-engine/billing"
	"github.com/warp/credit-engine/credit"
	"github.com/warp/credit-engine/inventory"
	"github.com/warp/credit-engine/provisioning"
)

// =============================================================================
// CREDIT
// =============================================================================

// CreateAccountRequest onboards an account under its parent.
type CreateAccountRequest struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	ParentID string `json:"parentId"`
	Name     string `json:"name"`
}

// AccountDTO represents an account in API responses.
type AccountDTO struct {
	ID        string        `json:"id"`
	Type      string        `json:"type"`
	ParentID  string        `json:"parentId,omitempty"`
	Name      string        `json:"name"`
	Status    string        `json:"status"`
	Version   int64         `json:"version"`
	CreatedAt string        `json:"createdAt"`
	Statement *StatementDTO `json:"statement,omitempty"`
}

// StatementDTO breaks a derived balance into its components.
type StatementDTO struct {
	Balance      string `json:"balance"`
	Purchased    string `json:"purchased"`
	AllocatedIn  string `json:"allocatedIn"`
	AllocatedOut string `json:"allocatedOut"`
	Redeemed     string `json:"redeemed"`
	Refunded     string `json:"refunded"`
	Adjusted     string `json:"adjusted"`
	Transactions int    `json:"transactions"`
}

// SetStatusRequest suspends or reactivates an account.
type SetStatusRequest struct {
	Status string `json:"status"`
}

// AllocateRequest moves credit from a parent to a direct child.
type AllocateRequest struct {
	FromAccountID string          `json:"fromAccountId"`
	ToAccountID   string          `json:"toAccountId"`
	Amount        decimal.Decimal `json:"amount"`
	Notes         string          `json:"notes"`
	ActorID       string          `json:"actorId"`
}

// PurchaseRequest records funds entering the hierarchy.
type PurchaseRequest struct {
	AccountID        string          `json:"accountId"`
	Amount           decimal.Decimal `json:"amount"`
	PaymentMethod    string          `json:"paymentMethod"`
	PaymentReference string          `json:"paymentReference"`
	ActorID          string          `json:"actorId"`
}

// AdjustRequest is a signed operator correction.
type AdjustRequest struct {
	AccountID string          `json:"accountId"`
	Amount    decimal.Decimal `json:"amount"`
	Reason    string          `json:"reason"`
	ActorID   string          `json:"actorId"`
}

// RefundRequest returns credit for a redemption. An empty amount refunds
// whatever is still outstanding.
type RefundRequest struct {
	AccountID    string           `json:"accountId"`
	RedemptionID string           `json:"redemptionId"`
	Amount       *decimal.Decimal `json:"amount,omitempty"`
}

// TransactionDTO represents a ledger row.
type TransactionDTO struct {
	ID                   string `json:"id"`
	AccountID            string `json:"accountId"`
	Type                 string `json:"type"`
	Amount               string `json:"amount"`
	RelatedTransactionID string `json:"relatedTransactionId,omitempty"`
	RelatedRedemptionID  string `json:"relatedRedemptionId,omitempty"`
	PaymentMethod        string `json:"paymentMethod,omitempty"`
	PaymentReference     string `json:"paymentReference,omitempty"`
	Reason               string `json:"reason,omitempty"`
	Notes                string `json:"notes,omitempty"`
	CreatedBy            string `json:"createdBy,omitempty"`
	CreatedAt            string `json:"createdAt"`
}

// PostingDTO is a committed transaction and the balance right after it.
type PostingDTO struct {
	Transaction TransactionDTO `json:"transaction"`
	Balance     string         `json:"balance"`
	Refunded    *bool          `json:"refunded,omitempty"`
}

// AllocationDTO is the committed pair of a transfer.
type AllocationDTO struct {
	Out         TransactionDTO `json:"out"`
	In          TransactionDTO `json:"in"`
	FromBalance string         `json:"fromBalance"`
	ToBalance   string         `json:"toBalance"`
}

// =============================================================================
// GIFT CARDS
// =============================================================================

// ProvisionRequest asks for one gift card.
type ProvisionRequest struct {
	CampaignID      string          `json:"campaignId"`
	BrandID         string          `json:"brandId"`
	Denomination    decimal.Decimal `json:"denomination"`
	RecipientID     string          `json:"recipientId"`
	RedemptionCode  string          `json:"redemptionCode"`
	PayingAccountID string          `json:"payingAccountId"`
}

// RedemptionDTO represents a redemption and, once provisioned, its card.
type RedemptionDTO struct {
	ID              string   `json:"id"`
	Code            string   `json:"code"`
	CampaignID      string   `json:"campaignId"`
	PayingAccountID string   `json:"payingAccountId"`
	RecipientID     string   `json:"recipientId"`
	BrandID         string   `json:"brandId"`
	Denomination    string   `json:"denomination"`
	Status          string   `json:"status"`
	Source          string   `json:"source,omitempty"`
	CardReference   string   `json:"cardReference,omitempty"`
	TransactionID   string   `json:"transactionId,omitempty"`
	AmountBilled    string   `json:"amountBilled"`
	FailureReason   string   `json:"failureReason,omitempty"`
	Attempts        int      `json:"attempts"`
	CreatedAt       string   `json:"createdAt"`
	ProvisionedAt   string   `json:"provisionedAt,omitempty"`
	DeliveredAt     string   `json:"deliveredAt,omitempty"`
	Card            *CardDTO `json:"card,omitempty"`
	Replayed        bool     `json:"replayed,omitempty"`
}

// CardDTO is the deliverable gift card.
type CardDTO struct {
	Code      string `json:"code"`
	Number    string `json:"number,omitempty"`
	ExpiresAt string `json:"expiresAt,omitempty"`
}

// =============================================================================
// INVENTORY
// =============================================================================

// BrandRequest creates or updates a brand. Enabled defaults to true.
type BrandRequest struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ProviderCode string `json:"providerCode"`
	Enabled      *bool  `json:"enabled,omitempty"`
}

// BrandDTO represents a brand.
type BrandDTO struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ProviderCode string `json:"providerCode,omitempty"`
	Enabled      bool   `json:"enabled"`
}

// UnitRequest is one card to load into the csv or buffer pool.
type UnitRequest struct {
	ID           string          `json:"id"`
	BrandID      string          `json:"brandId"`
	Denomination decimal.Decimal `json:"denomination"`
	Pool         string          `json:"pool"`
	CardCode     string          `json:"cardCode"`
	CardNumber   string          `json:"cardNumber"`
	ExpiresAt    *time.Time      `json:"expiresAt,omitempty"`
	CostBasis    decimal.Decimal `json:"costBasis"`
}

// LoadUnitsRequest loads a batch atomically.
type LoadUnitsRequest struct {
	Units []UnitRequest `json:"units"`
}

// LoadUnitsDTO reports a committed batch.
type LoadUnitsDTO struct {
	Loaded int      `json:"loaded"`
	IDs    []string `json:"ids"`
}

// HealthDTO is the health of one stock bucket.
type HealthDTO struct {
	Pool                   string  `json:"pool,omitempty"`
	BrandID                string  `json:"brandId"`
	Denomination           string  `json:"denomination"`
	Available              int     `json:"available"`
	Total                  int     `json:"total"`
	AvailabilityPercentage float64 `json:"availabilityPercentage"`
	Status                 string  `json:"status"`
	CheckedAt              string  `json:"checkedAt"`
}

// SnapshotDTO is the last background health refresh.
type SnapshotDTO struct {
	RefreshedAt string      `json:"refreshedAt,omitempty"`
	Buckets     []HealthDTO `json:"buckets"`
}

// =============================================================================
// BILLING
// =============================================================================

// SummaryDTO aggregates billing entries of one entity.
type SummaryDTO struct {
	EntityType   string `json:"entityType"`
	EntityID     string `json:"entityId"`
	From         string `json:"from,omitempty"`
	To           string `json:"to,omitempty"`
	TotalRevenue string `json:"totalRevenue"`
	TotalCost    string `json:"totalCost"`
	TotalProfit  string `json:"totalProfit"`
	Count        int    `json:"count"`
}

// EntryDTO is one billed redemption.
type EntryDTO struct {
	ID           string `json:"id"`
	RedemptionID string `json:"redemptionId"`
	EntityType   string `json:"entityType"`
	EntityID     string `json:"entityId"`
	BrandID      string `json:"brandId,omitempty"`
	Denomination string `json:"denomination,omitempty"`
	Source       string `json:"source,omitempty"`
	AmountBilled string `json:"amountBilled"`
	CostBasis    string `json:"costBasis"`
	Profit       string `json:"profit"`
	BilledAt     string `json:"billedAt"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the standard error response. Redemption is set when a
// provision failed after its redemption was recorded, so the caller can
// redrive it.
type ErrorResponse struct {
	Error      string         `json:"error"`
	Code       string         `json:"code,omitempty"`
	Details    any            `json:"details,omitempty"`
	Redemption *RedemptionDTO `json:"redemption,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func money(d decimal.Decimal) string {
	return d.StringFixed(credit.MinorUnitPlaces)
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func optionalTimestamp(t *time.Time) string {
	if t == nil {
		return ""
	}
	return timestamp(*t)
}

func toAccountDTO(a credit.Account) AccountDTO {
	return AccountDTO{
		ID:        string(a.ID),
		Type:      string(a.Type),
		ParentID:  string(a.ParentID),
		Name:      a.Name,
		Status:    string(a.Status),
		Version:   a.Version,
		CreatedAt: timestamp(a.CreatedAt),
	}
}

func toStatementDTO(s credit.Statement) *StatementDTO {
	return &StatementDTO{
		Balance:      money(s.Balance),
		Purchased:    money(s.Purchased),
		AllocatedIn:  money(s.AllocatedIn),
		AllocatedOut: money(s.AllocatedOut),
		Redeemed:     money(s.Redeemed),
		Refunded:     money(s.Refunded),
		Adjusted:     money(s.Adjusted),
		Transactions: s.Transactions,
	}
}

func toTransactionDTO(tx credit.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:                   string(tx.ID),
		AccountID:            string(tx.AccountID),
		Type:                 string(tx.Type),
		Amount:               money(tx.Amount),
		RelatedTransactionID: string(tx.RelatedTransactionID),
		RelatedRedemptionID:  tx.RelatedRedemptionID,
		PaymentMethod:        tx.PaymentMethod,
		PaymentReference:     tx.PaymentReference,
		Reason:               tx.Reason,
		Notes:                tx.Notes,
		CreatedBy:            tx.CreatedBy,
		CreatedAt:            timestamp(tx.CreatedAt),
	}
}

func toPostingDTO(p credit.Posting) PostingDTO {
	return PostingDTO{Transaction: toTransactionDTO(p.Transaction), Balance: money(p.Balance)}
}

func toRedemptionDTO(res provisioning.Result) RedemptionDTO {
	r := res.Redemption
	dto := RedemptionDTO{
		ID:              r.ID,
		Code:            r.Code,
		CampaignID:      string(r.CampaignID),
		PayingAccountID: string(r.PayingAccountID),
		RecipientID:     r.RecipientID,
		BrandID:         r.BrandID,
		Denomination:    money(r.Denomination),
		Status:          string(r.Status),
		Source:          string(r.Source),
		CardReference:   r.CardReference,
		TransactionID:   string(r.TransactionID),
		AmountBilled:    money(r.AmountBilled),
		FailureReason:   r.FailureReason,
		Attempts:        r.Attempts,
		CreatedAt:       timestamp(r.CreatedAt),
		ProvisionedAt:   optionalTimestamp(r.ProvisionedAt),
		DeliveredAt:     optionalTimestamp(r.DeliveredAt),
		Replayed:        res.Replayed,
	}
	if res.Card != nil {
		dto.Card = &CardDTO{
			Code:      res.Card.Code,
			Number:    res.Card.Number,
			ExpiresAt: optionalTimestamp(res.Card.ExpiresAt),
		}
	}
	return dto
}

func toBrandDTO(b inventory.Brand) BrandDTO {
	return BrandDTO{ID: b.ID, Name: b.Name, ProviderCode: b.ProviderCode, Enabled: b.Enabled}
}

func toHealthDTO(h inventory.Health) HealthDTO {
	return HealthDTO{
		Pool:                   string(h.Pool),
		BrandID:                h.BrandID,
		Denomination:           inventory.DenominationKey(h.Denomination),
		Available:              h.Available,
		Total:                  h.Total,
		AvailabilityPercentage: h.AvailabilityPercentage,
		Status:                 string(h.Status),
		CheckedAt:              timestamp(h.CheckedAt),
	}
}

func toSummaryDTO(s billing.Summary) SummaryDTO {
	return SummaryDTO{
		EntityType:   string(s.EntityType),
		EntityID:     string(s.EntityID),
		From:         timestamp(s.From),
		To:           timestamp(s.To),
		TotalRevenue: money(s.TotalRevenue),
		TotalCost:    money(s.TotalCost),
		TotalProfit:  money(s.TotalProfit),
		Count:        s.Count,
	}
}

func toEntryDTO(e billing.Entry) EntryDTO {
	dto := EntryDTO{
		ID:           e.ID,
		RedemptionID: e.RedemptionID,
		EntityType:   string(e.EntityType),
		EntityID:     string(e.EntityID),
		BrandID:      e.BrandID,
		Source:       e.Source,
		AmountBilled: money(e.AmountBilled),
		CostBasis:    money(e.CostBasis),
		Profit:       money(e.Profit),
		BilledAt:     timestamp(e.BilledAt),
	}
	if !e.Denomination.IsZero() {
		dto.Denomination = money(e.Denomination)
	}
	return dto
}
