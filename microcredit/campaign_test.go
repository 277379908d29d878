package microcredit_test

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/community-ledger/ledger"
	"github.com/warp/community-ledger/microcredit"
)

var (
	startsAt       = time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
	expiresAt      = time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC)
	redeemStartsAt = time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)
	redeemEndsAt   = time.Date(2025, time.December, 1, 0, 0, 0, 0, time.UTC)
)

func draftCampaign() microcredit.Campaign {
	return microcredit.Campaign{
		ID:         "c1",
		PartnerID:  "bakery",
		Title:      "New oven",
		Status:     microcredit.StatusDraft,
		Terms:      microcredit.FlatTerms{},
		Redeemable: true,
		Window:     microcredit.Window{StartsAt: startsAt, ExpiresAt: expiresAt},
		Redeem:     microcredit.RedeemWindow{StartsAt: redeemStartsAt, EndsAt: redeemEndsAt},
		Caps: microcredit.Caps{
			MinAllowed: ledger.NewMoneyFromInt(10),
			MaxAllowed: ledger.NewMoneyFromInt(100),
			MaxAmount:  ledger.NewMoneyFromInt(30000),
		},
	}
}

func TestCampaign_PhaseIsDerivedFromClock(t *testing.T) {
	c, err := draftCampaign().Publish(startsAt.Add(-time.Hour))
	require.NoError(t, err)

	tests := []struct {
		name string
		now  time.Time
		want microcredit.Phase
	}{
		{"before start", startsAt.Add(-time.Second), microcredit.PhaseNotStarted},
		{"exactly at start", startsAt, microcredit.PhaseActive},
		{"mid window", startsAt.Add(24 * time.Hour), microcredit.PhaseActive},
		{"exactly at expiry", expiresAt, microcredit.PhaseRedeemPending},
		{"exactly at redeem start", redeemStartsAt, microcredit.PhaseRedeemOpen},
		{"exactly at redeem end", redeemEndsAt, microcredit.PhaseRedeemClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Phase(tt.now))
		})
	}

	assert.Equal(t, microcredit.PhaseDraft, draftCampaign().Phase(startsAt))

	c.Redeemable = false
	assert.Equal(t, microcredit.PhaseExpired, c.Phase(redeemStartsAt))
}

func TestCampaign_PublishIsIrreversible(t *testing.T) {
	c, err := draftCampaign().Publish(startsAt)
	require.NoError(t, err)
	assert.True(t, c.IsPublished())

	_, err = c.Publish(startsAt)
	assert.ErrorIs(t, err, microcredit.ErrAlreadyPublished)
}

func TestCampaign_EditOnlyWhileDraft(t *testing.T) {
	// GIVEN: a draft campaign
	title := "Bigger oven"
	edit := microcredit.CampaignEdit{Title: &title}

	// WHEN: it is edited
	edited, err := draftCampaign().Edit(edit)

	// THEN: the edit applies
	require.NoError(t, err)
	assert.Equal(t, "Bigger oven", edited.Title)

	// AND: a published campaign rejects every edit
	published, err := draftCampaign().Publish(startsAt)
	require.NoError(t, err)
	_, err = published.Edit(edit)
	assert.ErrorIs(t, err, microcredit.ErrAlreadyPublished)
}

func TestCampaign_EditValidatesResult(t *testing.T) {
	inverted := microcredit.Window{StartsAt: expiresAt, ExpiresAt: startsAt}
	_, err := draftCampaign().Edit(microcredit.CampaignEdit{Window: &inverted})
	assert.ErrorIs(t, err, microcredit.ErrInvalidCampaign)

	_, err = draftCampaign().Edit(microcredit.CampaignEdit{
		Terms: microcredit.QuantitativeTerms{StepAmount: ledger.Zero, TokensPerStep: 1},
	})
	assert.ErrorIs(t, err, microcredit.ErrInvalidCampaign)
}

func TestTerms_TokenConversion(t *testing.T) {
	flat := microcredit.FlatTerms{}
	tokens, err := flat.Tokens(ledger.NewMoneyFromInt(10))
	require.NoError(t, err)
	assert.Equal(t, int64(10), tokens)

	_, err = flat.Tokens(ledger.MustParseMoney("10.5"))
	assert.ErrorIs(t, err, microcredit.ErrInvalidStep)

	quant := microcredit.QuantitativeTerms{StepAmount: ledger.NewMoneyFromInt(10), TokensPerStep: 12}
	tokens, err = quant.Tokens(ledger.NewMoneyFromInt(30))
	require.NoError(t, err)
	assert.Equal(t, int64(36), tokens)

	_, err = quant.Tokens(ledger.NewMoneyFromInt(25))
	assert.ErrorIs(t, err, microcredit.ErrInvalidStep)
}

func TestTerms_TokenConversionRejectsOverflow(t *testing.T) {
	// GIVEN: amounts whose token count does not fit in an int64
	huge := ledger.MustParseMoney("18446744073709551617")

	// WHEN/THEN: flat terms refuse the conversion instead of wrapping
	_, err := microcredit.FlatTerms{}.Tokens(huge)
	assert.ErrorIs(t, err, microcredit.ErrInvalidStep)

	// WHEN/THEN: the quantitative product overflows
	quant := microcredit.QuantitativeTerms{StepAmount: ledger.NewMoneyFromInt(1), TokensPerStep: 4}
	_, err = quant.Tokens(ledger.MustParseMoney("4611686018427387904"))
	assert.ErrorIs(t, err, microcredit.ErrInvalidStep)

	// WHEN/THEN: the step count itself overflows
	_, err = quant.Tokens(huge)
	assert.ErrorIs(t, err, microcredit.ErrInvalidStep)

	// AND: the largest representable count still converts
	tokens, err := quant.Tokens(ledger.MustParseMoney("2305843009213693951"))
	require.NoError(t, err)
	assert.Equal(t, int64(9223372036854775804), tokens)
}

func TestQuantitativeTerms_CapsTokensPerStep(t *testing.T) {
	step := ledger.NewMoneyFromInt(10)

	assert.NoError(t, microcredit.QuantitativeTerms{StepAmount: step, TokensPerStep: microcredit.MaxTokensPerStep}.Validate())

	err := microcredit.QuantitativeTerms{StepAmount: step, TokensPerStep: microcredit.MaxTokensPerStep + 1}.Validate()
	assert.ErrorIs(t, err, microcredit.ErrInvalidCampaign)
}

func TestCampaign_TokensRejectIssuedTotalOverflow(t *testing.T) {
	// GIVEN: a campaign that has already issued close to the int64 limit
	c := draftCampaign()
	c.Totals.IssuedTokens = math.MaxInt64 - 5

	// WHEN: a pledge would push issued tokens past the limit
	_, err := c.Tokens(ledger.NewMoneyFromInt(10))

	// THEN: it is rejected as an invalid step
	assert.ErrorIs(t, err, microcredit.ErrInvalidStep)

	// AND: a pledge that still fits is accepted
	tokens, err := c.Tokens(ledger.NewMoneyFromInt(5))
	require.NoError(t, err)
	assert.Equal(t, int64(5), tokens)
}
