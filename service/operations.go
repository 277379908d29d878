package service

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/community-ledger/ledger"
	"github.com/warp/community-ledger/loyalty"
	"github.com/warp/community-ledger/microcredit"
	"github.com/warp/community-ledger/rules"
	"github.com/warp/community-ledger/storage"
)

// Operation is one balance-changing request. The set is closed: only the
// types in this file implement it.
type Operation interface {
	Kind() ledger.EntryKind
	plan(ctx context.Context, r storage.Reader, env planEnv) (*plan, error)
}

// planEnv carries the values fixed once per Apply call, so that the plan
// built before anchoring and the plan rebuilt inside the transaction agree.
type planEnv struct {
	now       time.Time
	supportID string
}

// plan is the outcome of loading the snapshots an operation needs.
type plan struct {
	check rules.Check
	facts rules.Facts
	entry ledger.Entry // ID, Receipt and CreatedAt are filled in by Apply

	// commit performs the conditional writes that accompany the entry.
	commit func(ctx context.Context, tx storage.Tx, e ledger.Entry, res *Result) error
}

// =============================================================================
// LOYALTY POINTS
// =============================================================================

// EarnPoints grants points to a member. OfferID is optional; when set the
// offer must belong to the partner and must not be expired.
type EarnPoints struct {
	Partner ledger.PartnerID
	Member  ledger.MemberID
	Amount  ledger.Money
	OfferID string
}

func (EarnPoints) Kind() ledger.EntryKind { return ledger.KindEarnPoints }

func (op EarnPoints) plan(ctx context.Context, r storage.Reader, env planEnv) (*plan, error) {
	if err := requireIDs("earn_points", "partner", string(op.Partner), "member", string(op.Member)); err != nil {
		return nil, err
	}
	if _, err := r.Partner(ctx, op.Partner); err != nil {
		return nil, err
	}

	var offer *loyalty.Offer
	if op.OfferID != "" {
		o, err := loadOffer(ctx, r, op.OfferID, op.Partner)
		if err != nil {
			return nil, err
		}
		offer = &o
	}

	p := &plan{
		check: rules.CheckEarnPoints,
		facts: rules.Facts{Now: env.now, Amount: op.Amount, Offer: offer},
		entry: ledger.Entry{
			Kind:        ledger.KindEarnPoints,
			Subject:     op.Partner,
			Counterpart: op.Member,
			Amount:      op.Amount,
			Reference:   ledger.Reference{OfferID: op.OfferID},
		},
	}
	p.commit = commitPoints(op.Member, op.Partner)
	return p, nil
}

// RedeemPoints spends points at a partner.
type RedeemPoints struct {
	Partner ledger.PartnerID
	Member  ledger.MemberID
	Amount  ledger.Money
}

func (RedeemPoints) Kind() ledger.EntryKind { return ledger.KindRedeemPoints }

func (op RedeemPoints) plan(ctx context.Context, r storage.Reader, env planEnv) (*plan, error) {
	if err := requireIDs("redeem_points", "partner", string(op.Partner), "member", string(op.Member)); err != nil {
		return nil, err
	}
	if _, err := r.Partner(ctx, op.Partner); err != nil {
		return nil, err
	}
	balance, err := ledger.NewProjector(r).Balance(ctx, op.Member, op.Partner)
	if err != nil {
		return nil, err
	}

	p := &plan{
		check: rules.CheckRedeemPoints,
		facts: rules.Facts{Now: env.now, Amount: op.Amount, Balance: balance.Available()},
		entry: ledger.Entry{
			Kind:        ledger.KindRedeemPoints,
			Subject:     op.Partner,
			Counterpart: op.Member,
			Amount:      op.Amount,
		},
	}
	p.commit = commitPoints(op.Member, op.Partner)
	return p, nil
}

// RedeemOffer spends Cost × Quantity points on an offer.
type RedeemOffer struct {
	Partner  ledger.PartnerID
	Member   ledger.MemberID
	OfferID  string
	Quantity int64
}

func (RedeemOffer) Kind() ledger.EntryKind { return ledger.KindRedeemPointsOffer }

func (op RedeemOffer) plan(ctx context.Context, r storage.Reader, env planEnv) (*plan, error) {
	if err := requireIDs("redeem_points_offer", "partner", string(op.Partner), "member", string(op.Member), "offer", op.OfferID); err != nil {
		return nil, err
	}
	offer, err := loadOffer(ctx, r, op.OfferID, op.Partner)
	if err != nil {
		return nil, err
	}
	balance, err := ledger.NewProjector(r).Balance(ctx, op.Member, op.Partner)
	if err != nil {
		return nil, err
	}

	// A non-positive quantity is rejected by the rules; the entry amount
	// only matters when they pass.
	price := ledger.Zero
	if op.Quantity > 0 {
		if price, err = offer.Price(op.Quantity); err != nil {
			return nil, err
		}
	}

	p := &plan{
		check: rules.CheckRedeemOffer,
		facts: rules.Facts{Now: env.now, Quantity: op.Quantity, Offer: &offer, Balance: balance.Available()},
		entry: ledger.Entry{
			Kind:        ledger.KindRedeemPointsOffer,
			Subject:     op.Partner,
			Counterpart: op.Member,
			Amount:      price,
			Reference:   ledger.Reference{OfferID: op.OfferID, Quantity: op.Quantity},
		},
	}
	p.commit = commitPoints(op.Member, op.Partner)
	return p, nil
}

func loadOffer(ctx context.Context, r storage.Reader, id string, owner ledger.PartnerID) (loyalty.Offer, error) {
	o, err := r.Offer(ctx, id)
	if err != nil {
		return o, err
	}
	if o.PartnerID != owner {
		return o, fmt.Errorf("%w: offer %s belongs to partner %s", ErrInvalidOperation, id, o.PartnerID)
	}
	return o, nil
}

// commitPoints folds the new entry into the pair's view and writes it back
// under the view's version.
func commitPoints(member ledger.MemberID, p ledger.PartnerID) func(context.Context, storage.Tx, ledger.Entry, *Result) error {
	return func(ctx context.Context, tx storage.Tx, e ledger.Entry, res *Result) error {
		balance, err := ledger.NewProjector(tx).Balance(ctx, member, p)
		if err != nil {
			return err
		}
		view, err := tx.PointsView(ctx, member, p)
		if err != nil {
			return err
		}
		if _, err := tx.PutPointsView(ctx, view.WithBalance(balance, e.CreatedAt)); err != nil {
			return err
		}
		res.Balance = &balance
		return nil
	}
}

// =============================================================================
// MICROCREDIT
// =============================================================================

// PledgeFund pledges Amount to a campaign and creates a support.
//
// Method names one of the partner's payment methods, or "store" for payment
// at the counter. Paid asserts that payment already happened.
type PledgeFund struct {
	Campaign  string
	Member    ledger.MemberID
	Amount    ledger.Money
	Method    string
	PaymentID string
	Paid      bool
}

func (PledgeFund) Kind() ledger.EntryKind { return ledger.KindPledgeFund }

func (op PledgeFund) plan(ctx context.Context, r storage.Reader, env planEnv) (*plan, error) {
	if err := requireIDs("pledge_fund", "campaign", op.Campaign, "member", string(op.Member)); err != nil {
		return nil, err
	}
	campaign, err := r.Campaign(ctx, op.Campaign)
	if err != nil {
		return nil, err
	}
	owner, err := r.Partner(ctx, campaign.PartnerID)
	if err != nil {
		return nil, err
	}

	// Terms errors are reported by the fits_terms rule.
	tokens, _ := campaign.Tokens(op.Amount)
	status := microcredit.InitialStatus(op.Method, op.Paid)

	p := &plan{
		check: rules.CheckPledge,
		facts: rules.Facts{
			Now:      env.now,
			Amount:   op.Amount,
			Method:   op.Method,
			Campaign: &campaign,
			Partner:  &owner,
		},
		entry: ledger.Entry{
			Kind:        ledger.KindPledgeFund,
			Subject:     campaign.PartnerID,
			Counterpart: op.Member,
			Amount:      op.Amount,
			Tokens:      tokens,
			Reference: ledger.Reference{
				CampaignID:    campaign.ID,
				SupportID:     env.supportID,
				Status:        string(status),
				PaymentMethod: op.Method,
				PaymentID:     op.PaymentID,
			},
		},
	}

	p.commit = func(ctx context.Context, tx storage.Tx, e ledger.Entry, res *Result) error {
		campaign.Totals = campaign.Totals.Add(e.Amount, e.Tokens)
		stored, err := tx.PutCampaign(ctx, campaign)
		if err != nil {
			return err
		}
		support, err := tx.PutSupport(ctx, microcredit.Support{
			ID:            env.supportID,
			CampaignID:    campaign.ID,
			PartnerID:     campaign.PartnerID,
			MemberID:      op.Member,
			Amount:        e.Amount,
			Status:        status,
			InitialTokens: e.Tokens,
			Payment:       microcredit.Payment{Method: op.Method, ID: op.PaymentID},
			CreatedAt:     e.CreatedAt,
			UpdatedAt:     e.CreatedAt,
		})
		if err != nil {
			return err
		}
		res.Campaign, res.Support = &stored, &support
		return nil
	}
	return p, nil
}

// ConfirmPledge moves a support forward to Target (confirmation or paid).
type ConfirmPledge struct {
	Support string
	Target  microcredit.SupportStatus
}

func (ConfirmPledge) Kind() ledger.EntryKind { return ledger.KindConfirmPledge }

func (op ConfirmPledge) plan(ctx context.Context, r storage.Reader, env planEnv) (*plan, error) {
	return planTransition(ctx, r, env, op.Support, microcredit.TransitionConfirm, op.Target)
}

// RevertPledge moves a confirmed support back to order.
type RevertPledge struct {
	Support string
}

func (RevertPledge) Kind() ledger.EntryKind { return ledger.KindRevertPledge }

func (op RevertPledge) plan(ctx context.Context, r storage.Reader, env planEnv) (*plan, error) {
	return planTransition(ctx, r, env, op.Support, microcredit.TransitionRevert, microcredit.StatusOrder)
}

func planTransition(ctx context.Context, r storage.Reader, env planEnv, supportID string,
	kind microcredit.Transition, target microcredit.SupportStatus) (*plan, error) {
	if err := requireIDs(string(kind), "support", supportID); err != nil {
		return nil, err
	}
	support, campaign, err := loadSupport(ctx, r, supportID)
	if err != nil {
		return nil, err
	}

	check, entryKind := rules.CheckConfirm, ledger.KindConfirmPledge
	if kind == microcredit.TransitionRevert {
		check, entryKind = rules.CheckRevert, ledger.KindRevertPledge
	}

	p := &plan{
		check: check,
		facts: rules.Facts{Now: env.now, Target: target, Campaign: &campaign, Support: &support},
		entry: ledger.Entry{
			Kind:        entryKind,
			Subject:     support.PartnerID,
			Counterpart: support.MemberID,
			Amount:      support.Amount,
			Reference: ledger.Reference{
				CampaignID: support.CampaignID,
				SupportID:  support.ID,
				Status:     string(target),
			},
		},
	}
	p.commit = func(ctx context.Context, tx storage.Tx, e ledger.Entry, res *Result) error {
		moved, err := support.MoveTo(kind, target, e.CreatedAt)
		if err != nil {
			return err
		}
		stored, err := tx.PutSupport(ctx, moved)
		if err != nil {
			return err
		}
		res.Support = &stored
		return nil
	}
	return p, nil
}

// RedeemPledgeTokens spends tokens of a paid support at the partner.
type RedeemPledgeTokens struct {
	Support string
	Tokens  int64
}

func (RedeemPledgeTokens) Kind() ledger.EntryKind { return ledger.KindRedeemPledgeTokens }

func (op RedeemPledgeTokens) plan(ctx context.Context, r storage.Reader, env planEnv) (*plan, error) {
	if err := requireIDs("redeem_pledge_tokens", "support", op.Support); err != nil {
		return nil, err
	}
	support, campaign, err := loadSupport(ctx, r, op.Support)
	if err != nil {
		return nil, err
	}

	p := &plan{
		check: rules.CheckRedeemTokens,
		facts: rules.Facts{Now: env.now, Tokens: op.Tokens, Campaign: &campaign, Support: &support},
		entry: ledger.Entry{
			Kind:        ledger.KindRedeemPledgeTokens,
			Subject:     support.PartnerID,
			Counterpart: support.MemberID,
			Amount:      ledger.Zero,
			Tokens:      op.Tokens,
			Reference: ledger.Reference{
				CampaignID: support.CampaignID,
				SupportID:  support.ID,
				Status:     string(support.Status),
			},
		},
	}
	p.commit = func(ctx context.Context, tx storage.Tx, e ledger.Entry, res *Result) error {
		spent, err := support.Spend(e.Tokens, e.CreatedAt)
		if err != nil {
			return err
		}
		stored, err := tx.PutSupport(ctx, spent)
		if err != nil {
			return err
		}
		res.Support = &stored
		return nil
	}
	return p, nil
}

func loadSupport(ctx context.Context, r storage.Reader, id string) (microcredit.Support, microcredit.Campaign, error) {
	support, err := r.Support(ctx, id)
	if err != nil {
		return support, microcredit.Campaign{}, err
	}
	campaign, err := r.Campaign(ctx, support.CampaignID)
	if err != nil {
		return support, campaign, fmt.Errorf("support %s: %w", id, err)
	}
	return support, campaign, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// requireIDs takes name/value pairs and reports the first empty value.
func requireIDs(op string, pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return fmt.Errorf("%w: %s requires a %s id", ErrInvalidOperation, op, pairs[i])
		}
	}
	return nil
}
