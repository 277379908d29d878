package rules

import (
	"errors"
	"fmt"
	"time"

	"github.com/warp/community-ledger/ledger"
	"github.com/warp/community-ledger/loyalty"
	"github.com/warp/community-ledger/microcredit"
	"github.com/warp/community-ledger/partner"
)

// Facts is the read-only input of a check. Which fields must be set depends
// on the Check; see required in table.go.
type Facts struct {
	Now time.Time

	// Proposed values.
	Amount   ledger.Money
	Tokens   int64
	Quantity int64
	Method   string
	Target   microcredit.SupportStatus
	Edit     *microcredit.CampaignEdit

	// Snapshots.
	Balance  ledger.Money // available points for the (member, partner) pair
	Offer    *loyalty.Offer
	Partner  *partner.Partner
	Campaign *microcredit.Campaign
	Support  *microcredit.Support
}

// Predicate returns a non-empty detail and true when the rule is violated.
type Predicate func(f Facts) (detail string, violated bool)

func pass() (string, bool) { return "", false }

func fail(format string, args ...any) (string, bool) {
	return fmt.Sprintf(format, args...), true
}

// =============================================================================
// AMOUNTS
// =============================================================================

func positiveAmount(f Facts) (string, bool) {
	if !f.Amount.IsPositive() {
		return fail("amount must be positive, got %s", f.Amount)
	}
	return pass()
}

func positiveQuantity(f Facts) (string, bool) {
	if f.Quantity <= 0 {
		return fail("quantity must be positive, got %d", f.Quantity)
	}
	return pass()
}

func positiveTokens(f Facts) (string, bool) {
	if f.Tokens <= 0 {
		return fail("tokens must be positive, got %d", f.Tokens)
	}
	return pass()
}

// =============================================================================
// POINTS
// =============================================================================

func offerNotExpired(f Facts) (string, bool) {
	if f.Offer != nil && f.Offer.Expired(f.Now) {
		return fail("offer %s expired at %s", f.Offer.ID, f.Offer.ExpiresAt.Format(time.RFC3339))
	}
	return pass()
}

func enoughPoints(f Facts) (string, bool) {
	if f.Balance.LessThan(f.Amount) {
		return fail("redeeming %s with %s available", f.Amount, f.Balance)
	}
	return pass()
}

func enoughPointsForOffer(f Facts) (string, bool) {
	price, err := f.Offer.Price(f.Quantity)
	if err != nil {
		return fail("offer price: %v", err)
	}
	if f.Balance.LessThan(price) {
		return fail("%d × %s = %s with %s available", f.Quantity, f.Offer.Cost, price, f.Balance)
	}
	return pass()
}

// =============================================================================
// CAMPAIGN TIMING
// =============================================================================

func campaignPublished(f Facts) (string, bool) {
	if !f.Campaign.IsPublished() {
		return fail("campaign %s is a draft", f.Campaign.ID)
	}
	return pass()
}

func campaignDraft(f Facts) (string, bool) {
	if f.Campaign.IsPublished() {
		return fail("campaign %s was published at %s", f.Campaign.ID, f.Campaign.PublishedAt.Format(time.RFC3339))
	}
	return pass()
}

func campaignStarted(f Facts) (string, bool) {
	if !f.Campaign.Started(f.Now) {
		return fail("campaign starts at %s", f.Campaign.Window.StartsAt.Format(time.RFC3339))
	}
	return pass()
}

func campaignNotExpired(f Facts) (string, bool) {
	if f.Campaign.Expired(f.Now) {
		return fail("campaign expired at %s", f.Campaign.Window.ExpiresAt.Format(time.RFC3339))
	}
	return pass()
}

func campaignRedeemable(f Facts) (string, bool) {
	if !f.Campaign.Redeemable {
		return fail("campaign %s does not issue redeemable tokens", f.Campaign.ID)
	}
	return pass()
}

func redeemNotStarted(f Facts) (string, bool) {
	if f.Campaign.RedeemStarted(f.Now) {
		return fail("redeem window opened at %s", f.Campaign.Redeem.StartsAt.Format(time.RFC3339))
	}
	return pass()
}

func redeemStarted(f Facts) (string, bool) {
	if !f.Campaign.RedeemStarted(f.Now) {
		return fail("redeem window opens at %s", f.Campaign.Redeem.StartsAt.Format(time.RFC3339))
	}
	return pass()
}

func redeemNotEnded(f Facts) (string, bool) {
	if f.Campaign.RedeemEnded(f.Now) {
		return fail("redeem window closed at %s", f.Campaign.Redeem.EndsAt.Format(time.RFC3339))
	}
	return pass()
}

// =============================================================================
// PLEDGE CAPS
// =============================================================================

func withinTotalMax(f Facts) (string, bool) {
	maxAmount := f.Campaign.Caps.MaxAmount
	if maxAmount.IsZero() {
		return pass()
	}
	after := f.Campaign.Totals.Pledged.Add(f.Amount)
	if after.GreaterThan(maxAmount) {
		return fail("%s pledged + %s exceeds campaign maximum %s", f.Campaign.Totals.Pledged, f.Amount, maxAmount)
	}
	return pass()
}

func withinMaxAllowed(f Facts) (string, bool) {
	maxAllowed := f.Campaign.Caps.MaxAllowed
	if !maxAllowed.IsZero() && f.Amount.GreaterThan(maxAllowed) {
		return fail("%s exceeds per-pledge maximum %s", f.Amount, maxAllowed)
	}
	return pass()
}

func aboveMinAllowed(f Facts) (string, bool) {
	if f.Amount.LessThan(f.Campaign.Caps.MinAllowed) {
		return fail("%s is below per-pledge minimum %s", f.Amount, f.Campaign.Caps.MinAllowed)
	}
	return pass()
}

func fitsTerms(f Facts) (string, bool) {
	if _, err := f.Campaign.Tokens(f.Amount); err != nil {
		return fail("%v", err)
	}
	return pass()
}

func methodAvailable(f Facts) (string, bool) {
	if !f.Partner.AcceptsMethod(f.Method) {
		return fail("partner %s has no payment method %q", f.Partner.ID, f.Method)
	}
	return pass()
}

// =============================================================================
// CAMPAIGN MANAGEMENT
// =============================================================================

func partnerHasMethods(f Facts) (string, bool) {
	if !f.Partner.HasPaymentMethods() {
		return fail("partner %s has no configured payment method", f.Partner.ID)
	}
	return pass()
}

func editKeepsCampaignValid(f Facts) (string, bool) {
	if _, err := f.Campaign.Edit(*f.Edit); err != nil && !errors.Is(err, microcredit.ErrAlreadyPublished) {
		return fail("%v", err)
	}
	return pass()
}

// =============================================================================
// SUPPORT
// =============================================================================

func noTokensRedeemed(f Facts) (string, bool) {
	if f.Support.RedeemedTokens > 0 {
		return fail("support %s already redeemed %d tokens", f.Support.ID, f.Support.RedeemedTokens)
	}
	return pass()
}

func legalTransition(kind microcredit.Transition) Predicate {
	return func(f Facts) (string, bool) {
		if !microcredit.CanTransition(kind, f.Support.Status, f.Target) {
			return fail("cannot %s support %s from %s to %s", kind, f.Support.ID, f.Support.Status, f.Target)
		}
		return pass()
	}
}

func supportPaid(f Facts) (string, bool) {
	if !f.Support.IsPaid() {
		return fail("support %s is still %s", f.Support.ID, f.Support.Status)
	}
	return pass()
}

func enoughTokens(f Facts) (string, bool) {
	if f.Tokens > f.Support.RemainingTokens() {
		return fail("%d requested, %d of %d remaining", f.Tokens, f.Support.RemainingTokens(), f.Support.InitialTokens)
	}
	return pass()
}
