package microcredit

import (
	"errors"
	"fmt"

	"github.com/warp/community-ledger/ledger"
)

// ErrCorruptHistory is returned when entries cannot be replayed into a
// consistent support.
var ErrCorruptHistory = errors.New("support history cannot be replayed")

// ReplaySupport rebuilds a support from its entries in append order.
// The first entry must be its pledge. Version is not derived from the log.
func ReplaySupport(entries []ledger.Entry) (Support, error) {
	if len(entries) == 0 {
		return Support{}, fmt.Errorf("%w: no entries", ErrCorruptHistory)
	}
	first := entries[0]
	if first.Kind != ledger.KindPledgeFund {
		return Support{}, fmt.Errorf("%w: first entry %s is %s, not a pledge", ErrCorruptHistory, first.ID, first.Kind)
	}

	s := Support{
		ID:            first.Reference.SupportID,
		CampaignID:    first.Reference.CampaignID,
		PartnerID:     first.Subject,
		MemberID:      first.Counterpart,
		Amount:        first.Amount,
		Status:        SupportStatus(first.Reference.Status),
		InitialTokens: first.Tokens,
		Payment: Payment{
			Method: first.Reference.PaymentMethod,
			ID:     first.Reference.PaymentID,
		},
		CreatedAt: first.CreatedAt,
		UpdatedAt: first.CreatedAt,
	}
	if !s.Status.Valid() {
		return Support{}, fmt.Errorf("%w: pledge %s has status %q", ErrCorruptHistory, first.ID, s.Status)
	}

	for _, e := range entries[1:] {
		if e.Reference.SupportID != s.ID {
			return Support{}, fmt.Errorf("%w: entry %s belongs to support %s", ErrCorruptHistory, e.ID, e.Reference.SupportID)
		}
		var err error
		switch e.Kind {
		case ledger.KindConfirmPledge:
			s, err = s.MoveTo(TransitionConfirm, SupportStatus(e.Reference.Status), e.CreatedAt)
		case ledger.KindRevertPledge:
			s, err = s.MoveTo(TransitionRevert, SupportStatus(e.Reference.Status), e.CreatedAt)
		case ledger.KindRedeemPledgeTokens:
			s, err = s.Spend(e.Tokens, e.CreatedAt)
		default:
			err = fmt.Errorf("unexpected %s entry", e.Kind)
		}
		if err != nil {
			return Support{}, fmt.Errorf("%w: entry %s: %v", ErrCorruptHistory, e.ID, err)
		}
	}
	return s, nil
}

// ReplayTotals folds the pledge entries of one campaign into its totals.
// Other kinds do not move the totals and are skipped.
func ReplayTotals(entries []ledger.Entry) Totals {
	var t Totals
	for _, e := range entries {
		if e.Kind == ledger.KindPledgeFund {
			t = t.Add(e.Amount, e.Tokens)
		}
	}
	return t
}

// GroupBySupport splits a campaign's entries per support, preserving order.
func GroupBySupport(entries []ledger.Entry) map[string][]ledger.Entry {
	out := make(map[string][]ledger.Entry)
	for _, e := range entries {
		if e.Reference.SupportID == "" {
			continue
		}
		out[e.Reference.SupportID] = append(out[e.Reference.SupportID], e)
	}
	return out
}
