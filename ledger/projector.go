/*
projector.go - Balance derivation by folding entries

PURPOSE:
  Answers "how many points does this member have?" by replaying the
  append-only log. There is no authoritative balance counter anywhere:
  materialized views (loyalty.BalanceView) are checked against this fold
  by the reconcile operation.

VIEWS:
  Per counterpart pair:  Balance(member, partner)
  Across all partners:   Balance(member, "")

FOLD RULES:
  earn_points           +Amount
  redeem_points         -Amount
  redeem_points_offer   -Amount
  every other kind       ignored (microcredit entries do not move points)

  The running balance is checked after every step. A log that would go
  negative is corrupted and reported as ErrNegativeBalance.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
)

// ErrNegativeBalance is returned when a fold would go below zero.
var ErrNegativeBalance = errors.New("ledger fold produced a negative balance")

// EntrySource is the read side of an entry store.
type EntrySource interface {
	Entries(ctx context.Context, filter Filter) ([]Entry, error)
}

// PointsBalance is the result of folding points entries.
type PointsBalance struct {
	Member   MemberID
	Partner  PartnerID // empty when folded across all partners
	Earned   Money
	Redeemed Money
	Entries  int
}

// Available returns Earned - Redeemed. The fold guarantees it is non-negative.
func (b PointsBalance) Available() Money {
	available, err := b.Earned.Sub(b.Redeemed)
	if err != nil {
		return Zero
	}
	return available
}

// Apply folds one entry into the balance.
func (b PointsBalance) Apply(e Entry) (PointsBalance, error) {
	switch e.Kind {
	case KindEarnPoints:
		b.Earned = b.Earned.Add(e.Amount)
	case KindRedeemPoints, KindRedeemPointsOffer:
		if b.Available().LessThan(e.Amount) {
			return b, fmt.Errorf("%w: entry %s redeems %s with %s available",
				ErrNegativeBalance, e.ID, e.Amount, b.Available())
		}
		b.Redeemed = b.Redeemed.Add(e.Amount)
	default:
		return b, nil
	}
	b.Entries++
	return b, nil
}

// FoldPoints replays entries in order into a balance.
// Entries for other members or partners must be filtered out by the caller.
func FoldPoints(member MemberID, partner PartnerID, entries []Entry) (PointsBalance, error) {
	b := PointsBalance{Member: member, Partner: partner}
	for _, e := range entries {
		var err error
		if partner == "" {
			// Across partners each partner's sub-ledger must stay non-negative,
			// which the per-pair view already guarantees; the total only sums.
			b, err = b.applyUnchecked(e)
		} else {
			b, err = b.Apply(e)
		}
		if err != nil {
			return b, err
		}
	}
	return b, nil
}

func (b PointsBalance) applyUnchecked(e Entry) (PointsBalance, error) {
	switch e.Kind {
	case KindEarnPoints:
		b.Earned = b.Earned.Add(e.Amount)
	case KindRedeemPoints, KindRedeemPointsOffer:
		b.Redeemed = b.Redeemed.Add(e.Amount)
	default:
		return b, nil
	}
	b.Entries++
	if b.Redeemed.GreaterThan(b.Earned) {
		return b, fmt.Errorf("%w: member %s total", ErrNegativeBalance, b.Member)
	}
	return b, nil
}

// =============================================================================
// PROJECTOR
// =============================================================================

// Projector derives balances from an EntrySource.
type Projector struct {
	Source EntrySource
}

func NewProjector(src EntrySource) *Projector {
	return &Projector{Source: src}
}

var pointsKinds = []EntryKind{KindEarnPoints, KindRedeemPoints, KindRedeemPointsOffer}

// Balance folds the member's points, scoped to partner unless partner is empty.
func (p *Projector) Balance(ctx context.Context, member MemberID, partner PartnerID) (PointsBalance, error) {
	entries, err := p.Source.Entries(ctx, Filter{
		Subject:     partner,
		Counterpart: member,
		Kinds:       pointsKinds,
	})
	if err != nil {
		return PointsBalance{}, err
	}
	return FoldPoints(member, partner, entries)
}

// Breakdown folds the member's points per partner.
func (p *Projector) Breakdown(ctx context.Context, member MemberID) (map[PartnerID]PointsBalance, error) {
	entries, err := p.Source.Entries(ctx, Filter{Counterpart: member, Kinds: pointsKinds})
	if err != nil {
		return nil, err
	}

	grouped := make(map[PartnerID][]Entry)
	for _, e := range entries {
		grouped[e.Subject] = append(grouped[e.Subject], e)
	}

	out := make(map[PartnerID]PointsBalance, len(grouped))
	for partner, es := range grouped {
		b, err := FoldPoints(member, partner, es)
		if err != nil {
			return nil, err
		}
		out[partner] = b
	}
	return out, nil
}
