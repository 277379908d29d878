package rules_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/community-ledger/ledger"
	"github.com/warp/community-ledger/loyalty"
	"github.com/warp/community-ledger/microcredit"
	"github.com/warp/community-ledger/partner"
	"github.com/warp/community-ledger/rules"
)

// =============================================================================
// FIXTURES
// =============================================================================

var (
	startsAt       = time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
	expiresAt      = time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC)
	redeemStartsAt = time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)
	redeemEndsAt   = time.Date(2025, time.December, 1, 0, 0, 0, 0, time.UTC)
	during         = startsAt.Add(48 * time.Hour)
	duringRedeem   = redeemStartsAt.Add(48 * time.Hour)
)

func money(n int64) ledger.Money { return ledger.NewMoneyFromInt(n) }

func bakery() *partner.Partner {
	return &partner.Partner{
		ID:             "bakery",
		Name:           "Bakery",
		PaymentMethods: []partner.PaymentMethod{{ID: "bank", Name: "Bank transfer"}},
	}
}

func publishedCampaign() *microcredit.Campaign {
	return &microcredit.Campaign{
		ID:         "c1",
		PartnerID:  "bakery",
		Status:     microcredit.StatusPublished,
		Terms:      microcredit.FlatTerms{},
		Redeemable: true,
		Window:     microcredit.Window{StartsAt: startsAt, ExpiresAt: expiresAt},
		Redeem:     microcredit.RedeemWindow{StartsAt: redeemStartsAt, EndsAt: redeemEndsAt},
		Caps:       microcredit.Caps{MinAllowed: money(10), MaxAllowed: money(100), MaxAmount: money(30000)},
	}
}

func pledgeFacts(amount int64) rules.Facts {
	return rules.Facts{
		Now:      during,
		Amount:   money(amount),
		Method:   "bank",
		Campaign: publishedCampaign(),
		Partner:  bakery(),
	}
}

func support(status microcredit.SupportStatus, initial, redeemed int64) *microcredit.Support {
	return &microcredit.Support{
		ID:             "s1",
		CampaignID:     "c1",
		Status:         status,
		InitialTokens:  initial,
		RedeemedTokens: redeemed,
	}
}

func assertCode(t *testing.T, want rules.Code, err error) {
	t.Helper()
	require.Error(t, err)
	v, ok := rules.AsViolation(err)
	require.True(t, ok, "expected a rule violation, got %v", err)
	assert.Equal(t, want, v.Code, "detail: %s", v.Detail)
}

// =============================================================================
// POINTS
// =============================================================================

func TestEarnPoints(t *testing.T) {
	f := rules.Facts{Now: during, Amount: money(10)}
	assert.NoError(t, rules.Evaluate(rules.CheckEarnPoints, f))

	f.Amount = ledger.Zero
	assertCode(t, rules.CodeZeroAmount, rules.Evaluate(rules.CheckEarnPoints, f))

	f.Amount = money(10)
	f.Offer = &loyalty.Offer{ID: "o1", ExpiresAt: during}
	assertCode(t, rules.CodeOfferExpired, rules.Evaluate(rules.CheckEarnPoints, f))
}

func TestRedeemPoints(t *testing.T) {
	f := rules.Facts{Now: during, Amount: money(50), Balance: money(50)}
	assert.NoError(t, rules.Evaluate(rules.CheckRedeemPoints, f), "redeeming the whole balance is allowed")

	f.Amount = money(51)
	assertCode(t, rules.CodeNotEnoughPoints, rules.Evaluate(rules.CheckRedeemPoints, f))

	f.Amount = ledger.Zero
	assertCode(t, rules.CodeZeroAmount, rules.Evaluate(rules.CheckRedeemPoints, f))
}

func TestRedeemOffer(t *testing.T) {
	offer := &loyalty.Offer{ID: "coffee", Cost: money(15), ExpiresAt: expiresAt}
	f := rules.Facts{Now: during, Offer: offer, Quantity: 2, Balance: money(30)}
	assert.NoError(t, rules.Evaluate(rules.CheckRedeemOffer, f))

	f.Quantity = 3
	assertCode(t, rules.CodeNotEnoughPoints, rules.Evaluate(rules.CheckRedeemOffer, f))

	f.Quantity = 0
	assertCode(t, rules.CodeZeroAmount, rules.Evaluate(rules.CheckRedeemOffer, f))

	// Expiry is reported before the quantity problem.
	f.Now = expiresAt
	assertCode(t, rules.CodeOfferExpired, rules.Evaluate(rules.CheckRedeemOffer, f))
}

// =============================================================================
// PLEDGES
// =============================================================================

func TestPledge_BoundariesAreInclusive(t *testing.T) {
	assert.NoError(t, rules.Evaluate(rules.CheckPledge, pledgeFacts(10)), "exactly min_allowed")
	assert.NoError(t, rules.Evaluate(rules.CheckPledge, pledgeFacts(100)), "exactly max_allowed")

	assertCode(t, rules.CodeUnderMinAmount, rules.Evaluate(rules.CheckPledge, pledgeFacts(9)))
	assertCode(t, rules.CodeOverMaxAmount, rules.Evaluate(rules.CheckPledge, pledgeFacts(101)))
}

func TestPledge_UnboundedMaximums(t *testing.T) {
	f := pledgeFacts(5000)
	f.Campaign.Caps = microcredit.Caps{}
	f.Campaign.Totals.Pledged = money(1_000_000)
	assert.NoError(t, rules.Evaluate(rules.CheckPledge, f))
}

func TestPledge_EndToEndCapScenario(t *testing.T) {
	// GIVEN: min 10, max 100, campaign-wide 30000
	// WHEN: pledging 5
	// THEN: below the minimum
	assertCode(t, rules.CodeUnderMinAmount, rules.Evaluate(rules.CheckPledge, pledgeFacts(5)))

	// WHEN: pledging 3 with 29998 already pledged
	// THEN: the campaign-wide cap wins over the minimum
	f := pledgeFacts(3)
	f.Campaign.Totals.Pledged = money(29998)
	assertCode(t, rules.CodeOverTotalMax, rules.Evaluate(rules.CheckPledge, f))

	// AND: reaching the cap exactly is allowed
	f = pledgeFacts(10)
	f.Campaign.Totals.Pledged = money(29990)
	assert.NoError(t, rules.Evaluate(rules.CheckPledge, f))
}

func TestPledge_TimingAndStatusOrder(t *testing.T) {
	f := pledgeFacts(0)
	f.Campaign.Status = microcredit.StatusDraft
	f.Now = startsAt.Add(-time.Hour)
	assertCode(t, rules.CodeCampaignNotPublished, rules.Evaluate(rules.CheckPledge, f))

	f.Campaign.Status = microcredit.StatusPublished
	assertCode(t, rules.CodeCampaignNotStarted, rules.Evaluate(rules.CheckPledge, f))

	f.Now = expiresAt
	assertCode(t, rules.CodeCampaignExpired, rules.Evaluate(rules.CheckPledge, f))

	f.Now = startsAt
	assertCode(t, rules.CodeZeroAmount, rules.Evaluate(rules.CheckPledge, f))
}

func TestPledge_TermsAndMethod(t *testing.T) {
	f := pledgeFacts(25)
	f.Campaign.Terms = microcredit.QuantitativeTerms{StepAmount: money(10), TokensPerStep: 1}
	assertCode(t, rules.CodeInvalidStep, rules.Evaluate(rules.CheckPledge, f))

	f = pledgeFacts(20)
	f.Method = "paypal"
	assertCode(t, rules.CodeMethodUnavailable, rules.Evaluate(rules.CheckPledge, f))

	f.Method = partner.MethodStore
	assert.NoError(t, rules.Evaluate(rules.CheckPledge, f))
}

// =============================================================================
// CAMPAIGN MANAGEMENT
// =============================================================================

func TestPublish(t *testing.T) {
	draft := publishedCampaign()
	draft.Status = microcredit.StatusDraft
	f := rules.Facts{Now: during, Campaign: draft, Partner: bakery()}
	assert.NoError(t, rules.Evaluate(rules.CheckPublish, f))

	f.Partner = &partner.Partner{ID: "bakery"}
	f.Campaign = publishedCampaign()
	assertCode(t, rules.CodePaymentMethodsRequired, rules.Evaluate(rules.CheckPublish, f))

	f.Partner = bakery()
	assertCode(t, rules.CodeCampaignPublished, rules.Evaluate(rules.CheckPublish, f))
}

func TestEdit(t *testing.T) {
	title := "renamed"
	edit := &microcredit.CampaignEdit{Title: &title}

	draft := publishedCampaign()
	draft.Status = microcredit.StatusDraft
	assert.NoError(t, rules.Evaluate(rules.CheckEdit, rules.Facts{Now: during, Campaign: draft, Edit: edit}))

	assertCode(t, rules.CodeCampaignPublished,
		rules.Evaluate(rules.CheckEdit, rules.Facts{Now: during, Campaign: publishedCampaign(), Edit: edit}))

	bad := &microcredit.CampaignEdit{Terms: microcredit.QuantitativeTerms{StepAmount: money(10)}}
	assertCode(t, rules.CodeInvalidTerms,
		rules.Evaluate(rules.CheckEdit, rules.Facts{Now: during, Campaign: draft, Edit: bad}))
}

// =============================================================================
// CONFIRM / REVERT
// =============================================================================

func TestConfirm(t *testing.T) {
	f := rules.Facts{
		Now:      during,
		Campaign: publishedCampaign(),
		Support:  support(microcredit.StatusOrder, 10, 0),
		Target:   microcredit.StatusPaid,
	}
	assert.NoError(t, rules.Evaluate(rules.CheckConfirm, f))

	f.Now = expiresAt.Add(time.Hour)
	assert.NoError(t, rules.Evaluate(rules.CheckConfirm, f), "pledge expiry does not block confirmation")

	f.Now = redeemStartsAt
	assertCode(t, rules.CodeCampaignRedeemStarted, rules.Evaluate(rules.CheckConfirm, f))

	f.Now = redeemEndsAt
	assertCode(t, rules.CodeCampaignRedeemEnded, rules.Evaluate(rules.CheckConfirm, f))

	f.Now = startsAt.Add(-time.Hour)
	assertCode(t, rules.CodeCampaignNotStarted, rules.Evaluate(rules.CheckConfirm, f))

	f.Now = during
	f.Support = support(microcredit.StatusPaid, 10, 0)
	assertCode(t, rules.CodeInvalidTransition, rules.Evaluate(rules.CheckConfirm, f))
}

func TestRevert(t *testing.T) {
	f := rules.Facts{
		Now:      during,
		Campaign: publishedCampaign(),
		Support:  support(microcredit.StatusConfirmation, 10, 0),
		Target:   microcredit.StatusOrder,
	}
	assert.NoError(t, rules.Evaluate(rules.CheckRevert, f))

	// Redeemed tokens are reported before the redeem window.
	f.Now = duringRedeem
	f.Support = support(microcredit.StatusConfirmation, 10, 2)
	assertCode(t, rules.CodeTokensRedeemed, rules.Evaluate(rules.CheckRevert, f))

	f.Support = support(microcredit.StatusConfirmation, 10, 0)
	assertCode(t, rules.CodeCampaignRedeemStarted, rules.Evaluate(rules.CheckRevert, f))

	f.Now = during
	f.Support = support(microcredit.StatusPaid, 10, 0)
	assertCode(t, rules.CodeInvalidTransition, rules.Evaluate(rules.CheckRevert, f))

	f.Campaign.Status = microcredit.StatusDraft
	assertCode(t, rules.CodeCampaignNotPublished, rules.Evaluate(rules.CheckRevert, f))
}

// =============================================================================
// TOKEN REDEMPTION
// =============================================================================

func TestRedeemTokens(t *testing.T) {
	f := rules.Facts{
		Now:      duringRedeem,
		Campaign: publishedCampaign(),
		Support:  support(microcredit.StatusPaid, 10, 0),
		Tokens:   10,
	}
	assert.NoError(t, rules.Evaluate(rules.CheckRedeemTokens, f))

	f.Tokens = 15
	assertCode(t, rules.CodeNotEnoughTokens, rules.Evaluate(rules.CheckRedeemTokens, f))

	f.Tokens = 0
	assertCode(t, rules.CodeZeroAmount, rules.Evaluate(rules.CheckRedeemTokens, f))

	f.Tokens = 1
	f.Support = support(microcredit.StatusOrder, 10, 0)
	assertCode(t, rules.CodeSupportNotPaid, rules.Evaluate(rules.CheckRedeemTokens, f))

	f.Support = support(microcredit.StatusConfirmation, 10, 0)
	assert.NoError(t, rules.Evaluate(rules.CheckRedeemTokens, f), "confirmation may spend")

	f.Now = during
	assertCode(t, rules.CodeCampaignRedeemNotStarted, rules.Evaluate(rules.CheckRedeemTokens, f))

	f.Now = redeemEndsAt
	assertCode(t, rules.CodeCampaignRedeemEnded, rules.Evaluate(rules.CheckRedeemTokens, f))

	f.Campaign.Redeemable = false
	assertCode(t, rules.CodeCampaignNotRedeemable, rules.Evaluate(rules.CheckRedeemTokens, f))
}

// =============================================================================
// ENGINE
// =============================================================================

func TestEvaluate_MissingFactsIsNotAViolation(t *testing.T) {
	err := rules.Evaluate(rules.CheckPledge, rules.Facts{Now: during, Amount: money(10)})
	assert.ErrorIs(t, err, rules.ErrMissingFacts)
	assert.Equal(t, rules.Code(""), rules.CodeOf(err))
}

func TestEvaluate_IsPure(t *testing.T) {
	f := pledgeFacts(10)
	before := *f.Campaign
	for i := 0; i < 3; i++ {
		assert.NoError(t, rules.Evaluate(rules.CheckPledge, f))
	}
	assert.Equal(t, before.Totals, f.Campaign.Totals)
}

func TestViolation_IsMatchesByCode(t *testing.T) {
	err := rules.Evaluate(rules.CheckPledge, pledgeFacts(5))
	assert.True(t, errors.Is(err, &rules.Violation{Code: rules.CodeUnderMinAmount}))
	assert.False(t, errors.Is(err, &rules.Violation{Code: rules.CodeOverMaxAmount}))
	assert.Equal(t, rules.CodeUnderMinAmount, rules.CodeOf(err))
}

func TestRules_OrderIsStable(t *testing.T) {
	var names []string
	for _, r := range rules.Rules(rules.CheckRedeemTokens) {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{
		"campaign_redeemable", "redeem_started", "redeem_not_ended",
		"support_paid", "positive_tokens", "enough_tokens",
	}, names)
}
