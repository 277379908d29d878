/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the domain model from the external API contract. Money always travels
  as a decimal string.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry go-playground/validator tags. Handlers call
  Handler.decode, which rejects malformed bodies with 400 before any
  domain code runs. Business rules are not expressed here.

SEE ALSO:
  - handlers.go: Uses these types
  - microcredit/factory.go: CampaignJSON and EditJSON
*/
package api

import (
	"time"

	"github.com/warp/community-ledger/ledger"
	"github.com/warp/community-ledger/loyalty"
	"github.com/warp/community-ledger/microcredit"
	"github.com/warp/community-ledger/partner"
	"github.com/warp/community-ledger/storage"
)

// =============================================================================
// REFERENCE DATA
// =============================================================================

// PartnerRequest creates or replaces a partner.
type PartnerRequest struct {
	ID             string                 `json:"id" validate:"required,max=64"`
	Name           string                 `json:"name" validate:"required"`
	PaymentMethods []PaymentMethodRequest `json:"payment_methods" validate:"dive"`
}

type PaymentMethodRequest struct {
	ID      string `json:"id" validate:"required,max=64"`
	Name    string `json:"name" validate:"required"`
	Details string `json:"details,omitempty"`
}

// OfferRequest creates or replaces an offer of the partner in the path.
type OfferRequest struct {
	ID        string     `json:"id" validate:"required,max=64"`
	Title     string     `json:"title" validate:"required"`
	Cost      string     `json:"cost" validate:"required,numeric"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// =============================================================================
// POINTS
// =============================================================================

// EarnRequest grants points.
type EarnRequest struct {
	PartnerID string `json:"partner_id" validate:"required"`
	MemberID  string `json:"member_id" validate:"required"`
	Amount    string `json:"amount" validate:"required,numeric"`
	OfferID   string `json:"offer_id,omitempty"`
}

// RedeemRequest spends points.
type RedeemRequest struct {
	PartnerID string `json:"partner_id" validate:"required"`
	MemberID  string `json:"member_id" validate:"required"`
	Amount    string `json:"amount" validate:"required,numeric"`
}

// RedeemOfferRequest spends points on an offer.
type RedeemOfferRequest struct {
	PartnerID string `json:"partner_id" validate:"required"`
	MemberID  string `json:"member_id" validate:"required"`
	OfferID   string `json:"offer_id" validate:"required"`
	Quantity  int64  `json:"quantity"`
}

// BalanceDTO is a folded points balance.
type BalanceDTO struct {
	MemberID  string `json:"member_id"`
	PartnerID string `json:"partner_id,omitempty"`
	Earned    string `json:"earned"`
	Redeemed  string `json:"redeemed"`
	Available string `json:"available"`
	Entries   int    `json:"entries"`
}

// BalanceSummaryDTO is the member's total plus the per-partner breakdown.
type BalanceSummaryDTO struct {
	Total    BalanceDTO   `json:"total"`
	Partners []BalanceDTO `json:"partners"`
}

// =============================================================================
// MICROCREDIT
// =============================================================================

// PledgeRequest pledges to the campaign in the path.
type PledgeRequest struct {
	MemberID      string `json:"member_id" validate:"required"`
	Amount        string `json:"amount" validate:"required,numeric"`
	PaymentMethod string `json:"payment_method,omitempty"`
	PaymentID     string `json:"payment_id,omitempty"`
	Paid          bool   `json:"paid,omitempty"`
}

// ConfirmRequest moves a support forward.
type ConfirmRequest struct {
	Status string `json:"status" validate:"required,oneof=confirmation paid"`
}

// RedeemTokensRequest spends support tokens.
type RedeemTokensRequest struct {
	Tokens int64 `json:"tokens"`
}

// SupportDTO represents a support in API responses.
type SupportDTO struct {
	ID              string              `json:"id"`
	CampaignID      string              `json:"campaign_id"`
	PartnerID       string              `json:"partner_id"`
	MemberID        string              `json:"member_id"`
	Amount          string              `json:"amount"`
	Status          string              `json:"status"`
	InitialTokens   int64               `json:"initial_tokens"`
	RedeemedTokens  int64               `json:"redeemed_tokens"`
	RemainingTokens int64               `json:"remaining_tokens"`
	Payment         microcredit.Payment `json:"payment"`
	Version         int64               `json:"version"`
	CreatedAt       string              `json:"created_at"`
	UpdatedAt       string              `json:"updated_at"`
}

// CampaignDTO wraps the factory representation with derived values.
type CampaignDTO struct {
	microcredit.CampaignJSON
	Remaining *string `json:"remaining,omitempty"`
}

// =============================================================================
// LEDGER
// =============================================================================

// EntryDTO represents a ledger entry in API responses.
type EntryDTO struct {
	ID        string           `json:"id"`
	Kind      string           `json:"kind"`
	PartnerID string           `json:"partner_id"`
	MemberID  string           `json:"member_id"`
	Amount    string           `json:"amount"`
	Tokens    int64            `json:"tokens,omitempty"`
	Reference ledger.Reference `json:"reference"`
	Receipt   string           `json:"receipt"`
	CreatedAt string           `json:"created_at"`
}

// ResultDTO is the response of an applied operation.
type ResultDTO struct {
	Entry    EntryDTO     `json:"entry"`
	Balance  *BalanceDTO  `json:"balance,omitempty"`
	Campaign *CampaignDTO `json:"campaign,omitempty"`
	Support  *SupportDTO  `json:"support,omitempty"`
}

// VerifyDTO reports a receipt verification pass.
type VerifyDTO struct {
	Checked int      `json:"checked"`
	Invalid []string `json:"invalid"`
}

// ReconcileStatusDTO describes the scheduler and its recent runs.
type ReconcileStatusDTO struct {
	NextRun *time.Time             `json:"next_run,omitempty"`
	Runs    []storage.ReconcileRun `json:"runs"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toPartner(req PartnerRequest) partner.Partner {
	p := partner.Partner{ID: ledger.PartnerID(req.ID), Name: req.Name}
	for _, m := range req.PaymentMethods {
		p.PaymentMethods = append(p.PaymentMethods, partner.PaymentMethod{ID: m.ID, Name: m.Name, Details: m.Details})
	}
	return p
}

func toOffer(partnerID string, req OfferRequest, cost ledger.Money) loyalty.Offer {
	o := loyalty.Offer{ID: req.ID, PartnerID: ledger.PartnerID(partnerID), Title: req.Title, Cost: cost}
	if req.ExpiresAt != nil {
		o.ExpiresAt = *req.ExpiresAt
	}
	return o
}

func toBalanceDTO(b ledger.PointsBalance) BalanceDTO {
	return BalanceDTO{
		MemberID:  string(b.Member),
		PartnerID: string(b.Partner),
		Earned:    b.Earned.String(),
		Redeemed:  b.Redeemed.String(),
		Available: b.Available().String(),
		Entries:   b.Entries,
	}
}

func toEntryDTO(e ledger.Entry) EntryDTO {
	return EntryDTO{
		ID:        string(e.ID),
		Kind:      string(e.Kind),
		PartnerID: string(e.Subject),
		MemberID:  string(e.Counterpart),
		Amount:    e.Amount.String(),
		Tokens:    e.Tokens,
		Reference: e.Reference,
		Receipt:   e.Receipt,
		CreatedAt: e.CreatedAt.Format(time.RFC3339Nano),
	}
}

func toSupportDTO(s microcredit.Support) SupportDTO {
	return SupportDTO{
		ID:              s.ID,
		CampaignID:      s.CampaignID,
		PartnerID:       string(s.PartnerID),
		MemberID:        string(s.MemberID),
		Amount:          s.Amount.String(),
		Status:          string(s.Status),
		InitialTokens:   s.InitialTokens,
		RedeemedTokens:  s.RedeemedTokens,
		RemainingTokens: s.RemainingTokens(),
		Payment:         s.Payment,
		Version:         s.Version,
		CreatedAt:       s.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:       s.UpdatedAt.Format(time.RFC3339Nano),
	}
}
