/*
Package ledger provides the append-only value ledger shared by the loyalty
and microcredit subsystems.

PURPOSE:
  Every balance-changing event (points earned, points redeemed, funds
  pledged, pledge confirmed or reverted, pledge tokens spent) is recorded
  as one immutable Entry. Balances and campaign aggregates are derived by
  folding entries; stored counters are materialized views only.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: non-negative fixed-point quantity (points, currency)
  - Entry: an immutable ledger record anchored by an external receipt
  - EntryKind: what kind of event the entry records
  - Filter: selection of entries for projection and history

DESIGN PRINCIPLES:
  1. Immutability: entries are never modified, corrections are new entries
  2. Precision: Money uses decimal.Decimal, never float64
  3. Non-negativity: Money cannot be constructed or subtracted below zero
  4. Non-repudiation: an entry without a receipt is not committed

SEE ALSO:
  - projector.go: balance fold over entries
  - anchor.go: receipt capability consumed by the service
  - errors.go: sentinel errors
*/
package ledger

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Non-negative fixed-point quantity
// =============================================================================

// Money is a non-negative decimal quantity. The zero value is zero.
type Money struct {
	value decimal.Decimal
}

// Zero is the zero Money.
var Zero = Money{}

// NewMoney returns Money for d, or ErrNegativeMoney if d < 0.
func NewMoney(d decimal.Decimal) (Money, error) {
	if d.IsNegative() {
		return Money{}, fmt.Errorf("%w: %s", ErrNegativeMoney, d.String())
	}
	return Money{value: d}, nil
}

// NewMoneyFromInt panics on negative input; use it for constants and tests.
func NewMoneyFromInt(n int64) Money {
	m, err := NewMoney(decimal.NewFromInt(n))
	if err != nil {
		panic(err)
	}
	return m
}

// ParseMoney parses a decimal string such as "12.50".
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("invalid money %q: %w", s, err)
	}
	return NewMoney(d)
}

// MustParseMoney is ParseMoney that panics; tests and fixtures only.
func MustParseMoney(s string) Money {
	m, err := ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return m
}

func (m Money) Decimal() decimal.Decimal { return m.value }
func (m Money) String() string           { return m.value.String() }
func (m Money) IsZero() bool             { return m.value.IsZero() }
func (m Money) IsPositive() bool         { return m.value.IsPositive() }
func (m Money) IsInteger() bool          { return m.value.IsInteger() }
func (m Money) IntPart() int64           { return m.value.IntPart() }
func (m Money) Cmp(o Money) int          { return m.value.Cmp(o.value) }
func (m Money) Equal(o Money) bool       { return m.value.Equal(o.value) }
func (m Money) LessThan(o Money) bool    { return m.value.LessThan(o.value) }
func (m Money) GreaterThan(o Money) bool { return m.value.GreaterThan(o.value) }
func (m Money) Add(o Money) Money        { return Money{value: m.value.Add(o.value)} }

// Sub returns m - o. A negative result is reported as ErrNegativeMoney and
// must be surfaced by callers as a rule violation, never stored.
func (m Money) Sub(o Money) (Money, error) {
	if m.value.LessThan(o.value) {
		return Money{}, fmt.Errorf("%w: %s - %s", ErrNegativeMoney, m.value, o.value)
	}
	return Money{value: m.value.Sub(o.value)}, nil
}

// Mul multiplies by a non-negative count.
func (m Money) Mul(n int64) (Money, error) {
	if n < 0 {
		return Money{}, fmt.Errorf("%w: multiplier %d", ErrNegativeMoney, n)
	}
	return Money{value: m.value.Mul(decimal.NewFromInt(n))}, nil
}

var maxInt64 = decimal.NewFromInt(math.MaxInt64)

// Int64 returns the integral part of m; ok is false when it does not fit.
func (m Money) Int64() (n int64, ok bool) {
	whole := m.value.Truncate(0)
	if whole.GreaterThan(maxInt64) {
		return 0, false
	}
	return whole.IntPart(), true
}

// DivMod returns how many whole times step fits in m and the remainder.
// ok is false when the quotient does not fit in an int64.
func (m Money) DivMod(step Money) (q int64, rest Money, ok bool) {
	if step.IsZero() {
		return 0, m, true
	}
	whole := m.value.Div(step.value).Floor()
	if whole.GreaterThan(maxInt64) {
		return 0, m, false
	}
	return whole.IntPart(), Money{value: m.value.Sub(whole.Mul(step.value))}, true
}

func (m Money) MarshalText() ([]byte, error) { return []byte(m.value.String()), nil }

func (m *Money) UnmarshalText(b []byte) error {
	parsed, err := ParseMoney(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type EntryID string
type PartnerID string
type MemberID string

// =============================================================================
// ENTRY - Immutable record of one balance-changing event
// =============================================================================

type EntryKind string

const (
	KindEarnPoints         EntryKind = "earn_points"
	KindRedeemPoints       EntryKind = "redeem_points"
	KindRedeemPointsOffer  EntryKind = "redeem_points_offer"
	KindPledgeFund         EntryKind = "pledge_fund"
	KindConfirmPledge      EntryKind = "confirm_pledge"
	KindRevertPledge       EntryKind = "revert_pledge"
	KindRedeemPledgeTokens EntryKind = "redeem_pledge_tokens"
)

// Kinds lists every entry kind in a stable order.
var Kinds = []EntryKind{
	KindEarnPoints, KindRedeemPoints, KindRedeemPointsOffer,
	KindPledgeFund, KindConfirmPledge, KindRevertPledge, KindRedeemPledgeTokens,
}

// Valid reports whether k is a known kind.
func (k EntryKind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// IsPoints reports whether the kind moves a loyalty points balance.
func (k EntryKind) IsPoints() bool {
	return k == KindEarnPoints || k == KindRedeemPoints || k == KindRedeemPointsOffer
}

// Reference ties an entry to the documents it affects.
type Reference struct {
	OfferID    string `json:"offer_id,omitempty"`
	Quantity   int64  `json:"quantity,omitempty"`
	CampaignID string `json:"campaign_id,omitempty"`
	SupportID  string `json:"support_id,omitempty"`
	// Status is the support status resulting from a microcredit entry.
	Status string `json:"status,omitempty"`
	// PaymentMethod and PaymentID are set on pledge entries.
	PaymentMethod string `json:"payment_method,omitempty"`
	PaymentID     string `json:"payment_id,omitempty"`
}

// Entry is one immutable ledger record.
//
// INVARIANTS:
//   - Never updated or deleted once appended.
//   - Receipt is non-empty for every committed entry.
//   - Amount is non-negative; direction is given by Kind, not by sign.
type Entry struct {
	ID          EntryID
	Kind        EntryKind
	Subject     PartnerID
	Counterpart MemberID
	Amount      Money
	Tokens      int64
	Reference   Reference
	Receipt     string
	CreatedAt   time.Time
}

// Validate checks the structural invariants a store enforces before append.
func (e Entry) Validate() error {
	switch {
	case e.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidEntry)
	case !e.Kind.Valid():
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEntry, e.Kind)
	case e.Receipt == "":
		return fmt.Errorf("%w: entry %s has no anchoring receipt", ErrInvalidEntry, e.ID)
	case e.Tokens < 0:
		return fmt.Errorf("%w: negative tokens on %s", ErrInvalidEntry, e.ID)
	case e.CreatedAt.IsZero():
		return fmt.Errorf("%w: entry %s has no timestamp", ErrInvalidEntry, e.ID)
	}
	return nil
}

// =============================================================================
// FILTER - Entry selection
// =============================================================================

// Filter selects entries. Zero fields match everything.
type Filter struct {
	Subject     PartnerID
	Counterpart MemberID
	CampaignID  string
	SupportID   string
	Kinds       []EntryKind
	Limit       int
}

// Match reports whether e satisfies the filter (Limit is ignored).
func (f Filter) Match(e Entry) bool {
	if f.Subject != "" && e.Subject != f.Subject {
		return false
	}
	if f.Counterpart != "" && e.Counterpart != f.Counterpart {
		return false
	}
	if f.CampaignID != "" && e.Reference.CampaignID != f.CampaignID {
		return false
	}
	if f.SupportID != "" && e.Reference.SupportID != f.SupportID {
		return false
	}
	if len(f.Kinds) > 0 {
		for _, k := range f.Kinds {
			if e.Kind == k {
				return true
			}
		}
		return false
	}
	return true
}
