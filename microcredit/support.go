package microcredit

import (
	"errors"
	"fmt"
	"time"

	"github.com/warp/community-ledger/ledger"
	"github.com/warp/community-ledger/partner"
)

var (
	// ErrIllegalTransition is returned for a status change outside the DAG.
	ErrIllegalTransition = errors.New("illegal support transition")

	// ErrTokensExhausted is returned when a redemption would exceed InitialTokens.
	ErrTokensExhausted = errors.New("redemption exceeds issued tokens")
)

// =============================================================================
// SUPPORT STATUS - Pledge lifecycle DAG
// =============================================================================
//
//   order ──────────────▶ paid
//     │  ▲                  ▲
//     │  │ revert           │
//     ▼  │                  │
//   confirmation ───────────┘
//
// Confirm edges: order→confirmation, order→paid, confirmation→paid.
// Revert edge:   confirmation→order.
// paid is terminal; only token redemption mutates a paid support.

type SupportStatus string

const (
	StatusOrder        SupportStatus = "order"
	StatusConfirmation SupportStatus = "confirmation"
	StatusPaid         SupportStatus = "paid"
)

func (s SupportStatus) Valid() bool {
	return s == StatusOrder || s == StatusConfirmation || s == StatusPaid
}

// Transition names the kind of status change.
type Transition string

const (
	TransitionConfirm Transition = "confirm"
	TransitionRevert  Transition = "revert"
)

var edges = map[SupportStatus]map[SupportStatus]Transition{
	StatusOrder: {
		StatusConfirmation: TransitionConfirm,
		StatusPaid:         TransitionConfirm,
	},
	StatusConfirmation: {
		StatusPaid:  TransitionConfirm,
		StatusOrder: TransitionRevert,
	},
}

// CanTransition reports whether from→to is an edge of the given kind.
func CanTransition(kind Transition, from, to SupportStatus) bool {
	return edges[from][to] == kind
}

// InitialStatus is the status of a freshly pledged support.
// Paying at the store, or asserting payment up front, skips confirmation.
func InitialStatus(method string, paid bool) SupportStatus {
	if paid || method == partner.MethodStore {
		return StatusPaid
	}
	return StatusOrder
}

// =============================================================================
// SUPPORT
// =============================================================================

// Payment records how the member paid.
type Payment struct {
	Method string `json:"method"`
	ID     string `json:"id,omitempty"`
}

// Support is one member's pledge to one campaign.
//
// INVARIANTS:
//   - 0 <= RedeemedTokens <= InitialTokens
//   - InitialTokens is fixed when the pledge is made
//   - RedeemedTokens never decreases
type Support struct {
	ID             string
	CampaignID     string
	PartnerID      ledger.PartnerID
	MemberID       ledger.MemberID
	Amount         ledger.Money
	Status         SupportStatus
	InitialTokens  int64
	RedeemedTokens int64
	Payment        Payment
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RemainingTokens returns InitialTokens - RedeemedTokens.
func (s Support) RemainingTokens() int64 {
	return s.InitialTokens - s.RedeemedTokens
}

// IsPaid reports whether tokens may be spent. Only order blocks spending.
func (s Support) IsPaid() bool {
	return s.Status != StatusOrder
}

// MoveTo returns the support in status to, if kind allows from→to.
func (s Support) MoveTo(kind Transition, to SupportStatus, at time.Time) (Support, error) {
	if !CanTransition(kind, s.Status, to) {
		return s, fmt.Errorf("%w: %s %s→%s", ErrIllegalTransition, kind, s.Status, to)
	}
	s.Status = to
	s.UpdatedAt = at
	return s, nil
}

// Spend returns the support with tokens more redeemed.
func (s Support) Spend(tokens int64, at time.Time) (Support, error) {
	if tokens <= 0 || tokens > s.RemainingTokens() {
		return s, fmt.Errorf("%w: %d requested, %d remaining", ErrTokensExhausted, tokens, s.RemainingTokens())
	}
	s.RedeemedTokens += tokens
	s.UpdatedAt = at
	return s, nil
}
