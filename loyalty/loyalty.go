/*
Package loyalty holds the points-side documents: partner offers and the
materialized per-(member, partner) balance view.

BALANCE VIEW:
  BalanceView is a cache of ledger.FoldPoints for one pair. It is written in
  the same unit of work as every points entry and doubles as the
  optimistic-concurrency token for that pair: two redemptions racing on the
  same pair both read version N, only one can store N+1.

  The view is never consulted by the rules. Rules run against the fold of
  the log; the view only serializes writers and answers cheap reads. The
  reconcile operation rebuilds it from entries.

SEE ALSO:
  - ledger/projector.go: the authoritative fold
  - service/reconcile.go: drift detection and repair
*/
package loyalty

import (
	"time"

	"github.com/warp/community-ledger/ledger"
)

// Offer is a catalogue item a member can buy with points.
type Offer struct {
	ID        string           `json:"id"`
	PartnerID ledger.PartnerID `json:"partner_id"`
	Title     string           `json:"title"`
	// Cost is the points price of one unit.
	Cost ledger.Money `json:"cost"`
	// ExpiresAt is exclusive; the zero time means the offer never expires.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the offer can no longer be used at now.
func (o Offer) Expired(now time.Time) bool {
	return !o.ExpiresAt.IsZero() && !now.Before(o.ExpiresAt)
}

// Price returns Cost × quantity.
func (o Offer) Price(quantity int64) (ledger.Money, error) {
	return o.Cost.Mul(quantity)
}

// BalanceView is the materialized points balance of one (member, partner) pair.
// Version 0 means the row does not exist yet.
type BalanceView struct {
	Member    ledger.MemberID  `json:"member"`
	Partner   ledger.PartnerID `json:"partner"`
	Earned    ledger.Money     `json:"earned"`
	Redeemed  ledger.Money     `json:"redeemed"`
	Entries   int              `json:"entries"`
	Version   int64            `json:"version"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Available returns Earned - Redeemed.
func (v BalanceView) Available() ledger.Money {
	return v.Balance().Available()
}

// Balance converts the view to the projector's representation.
func (v BalanceView) Balance() ledger.PointsBalance {
	return ledger.PointsBalance{
		Member:   v.Member,
		Partner:  v.Partner,
		Earned:   v.Earned,
		Redeemed: v.Redeemed,
		Entries:  v.Entries,
	}
}

// WithBalance returns a copy of the view carrying b, keeping the version.
func (v BalanceView) WithBalance(b ledger.PointsBalance, at time.Time) BalanceView {
	v.Member = b.Member
	v.Partner = b.Partner
	v.Earned = b.Earned
	v.Redeemed = b.Redeemed
	v.Entries = b.Entries
	v.UpdatedAt = at
	return v
}

// Matches reports whether the view agrees with a fold of the log.
func (v BalanceView) Matches(b ledger.PointsBalance) bool {
	return v.Earned.Equal(b.Earned) && v.Redeemed.Equal(b.Redeemed) && v.Entries == b.Entries
}
