package rules

import (
	"errors"
	"fmt"

	"github.com/warp/community-ledger/microcredit"
)

// ErrMissingFacts is returned when a check is evaluated without the
// snapshots its rules read. It signals a caller bug, not a rule failure.
var ErrMissingFacts = errors.New("missing facts for rule check")

// Check names an operation the engine can validate.
type Check string

const (
	CheckEarnPoints   Check = "earn_points"
	CheckRedeemPoints Check = "redeem_points"
	CheckRedeemOffer  Check = "redeem_points_offer"
	CheckPledge       Check = "pledge_fund"
	CheckConfirm      Check = "confirm_pledge"
	CheckRevert       Check = "revert_pledge"
	CheckRedeemTokens Check = "redeem_pledge_tokens"
	CheckPublish      Check = "publish_campaign"
	CheckEdit         Check = "edit_campaign"
)

// Rule is one named predicate bound to a code.
type Rule struct {
	Name     string
	Code     Code
	Violated Predicate
}

// =============================================================================
// RULE TABLES - order is the contract
// =============================================================================

var tables = map[Check][]Rule{
	CheckEarnPoints: {
		{"positive_amount", CodeZeroAmount, positiveAmount},
		{"offer_not_expired", CodeOfferExpired, offerNotExpired},
	},
	CheckRedeemPoints: {
		{"positive_amount", CodeZeroAmount, positiveAmount},
		{"enough_points", CodeNotEnoughPoints, enoughPoints},
	},
	CheckRedeemOffer: {
		{"offer_not_expired", CodeOfferExpired, offerNotExpired},
		{"positive_quantity", CodeZeroAmount, positiveQuantity},
		{"enough_points_for_offer", CodeNotEnoughPoints, enoughPointsForOffer},
	},
	CheckPledge: {
		{"campaign_published", CodeCampaignNotPublished, campaignPublished},
		{"campaign_started", CodeCampaignNotStarted, campaignStarted},
		{"campaign_not_expired", CodeCampaignExpired, campaignNotExpired},
		{"positive_amount", CodeZeroAmount, positiveAmount},
		{"within_total_max", CodeOverTotalMax, withinTotalMax},
		{"within_max_allowed", CodeOverMaxAmount, withinMaxAllowed},
		{"above_min_allowed", CodeUnderMinAmount, aboveMinAllowed},
		{"fits_terms", CodeInvalidStep, fitsTerms},
		{"method_available", CodeMethodUnavailable, methodAvailable},
	},
	CheckPublish: {
		{"partner_has_methods", CodePaymentMethodsRequired, partnerHasMethods},
		{"campaign_draft", CodeCampaignPublished, campaignDraft},
	},
	CheckEdit: {
		{"campaign_draft", CodeCampaignPublished, campaignDraft},
		{"edit_keeps_campaign_valid", CodeInvalidTerms, editKeepsCampaignValid},
	},
	CheckConfirm: {
		{"campaign_published", CodeCampaignNotPublished, campaignPublished},
		{"redeem_not_ended", CodeCampaignRedeemEnded, redeemNotEnded},
		{"redeem_not_started", CodeCampaignRedeemStarted, redeemNotStarted},
		{"campaign_started", CodeCampaignNotStarted, campaignStarted},
		{"legal_confirm", CodeInvalidTransition, legalTransition(microcredit.TransitionConfirm)},
	},
	CheckRevert: {
		{"campaign_published", CodeCampaignNotPublished, campaignPublished},
		{"redeem_not_ended", CodeCampaignRedeemEnded, redeemNotEnded},
		{"no_tokens_redeemed", CodeTokensRedeemed, noTokensRedeemed},
		{"redeem_not_started", CodeCampaignRedeemStarted, redeemNotStarted},
		{"campaign_started", CodeCampaignNotStarted, campaignStarted},
		{"legal_revert", CodeInvalidTransition, legalTransition(microcredit.TransitionRevert)},
	},
	CheckRedeemTokens: {
		{"campaign_redeemable", CodeCampaignNotRedeemable, campaignRedeemable},
		{"redeem_started", CodeCampaignRedeemNotStarted, redeemStarted},
		{"redeem_not_ended", CodeCampaignRedeemEnded, redeemNotEnded},
		{"support_paid", CodeSupportNotPaid, supportPaid},
		{"positive_tokens", CodeZeroAmount, positiveTokens},
		{"enough_tokens", CodeNotEnoughTokens, enoughTokens},
	},
}

type need struct {
	offer, partner, campaign, support, edit bool
}

var required = map[Check]need{
	CheckEarnPoints:   {},
	CheckRedeemPoints: {},
	CheckRedeemOffer:  {offer: true},
	CheckPledge:       {campaign: true, partner: true},
	CheckPublish:      {campaign: true, partner: true},
	CheckEdit:         {campaign: true, edit: true},
	CheckConfirm:      {campaign: true, support: true},
	CheckRevert:       {campaign: true, support: true},
	CheckRedeemTokens: {campaign: true, support: true},
}

// =============================================================================
// EVALUATION
// =============================================================================

// Evaluate runs the rules of check in order and returns the first failure
// as a *Violation, or nil when every rule passes.
func Evaluate(check Check, f Facts) error {
	table, ok := tables[check]
	if !ok {
		return fmt.Errorf("unknown rule check %q", check)
	}
	if err := checkFacts(check, f); err != nil {
		return err
	}
	for _, r := range table {
		if detail, violated := r.Violated(f); violated {
			return &Violation{Code: r.Code, Rule: r.Name, Detail: detail}
		}
	}
	return nil
}

// Rules returns the ordered rules of check.
func Rules(check Check) []Rule {
	out := make([]Rule, len(tables[check]))
	copy(out, tables[check])
	return out
}

func checkFacts(check Check, f Facts) error {
	n := required[check]
	missing := func(what string) error {
		return fmt.Errorf("%w: %s needs %s", ErrMissingFacts, check, what)
	}
	switch {
	case f.Now.IsZero():
		return missing("now")
	case n.offer && f.Offer == nil:
		return missing("offer")
	case n.partner && f.Partner == nil:
		return missing("partner")
	case n.campaign && f.Campaign == nil:
		return missing("campaign")
	case n.support && f.Support == nil:
		return missing("support")
	case n.edit && f.Edit == nil:
		return missing("edit")
	}
	return nil
}
