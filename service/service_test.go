package service_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/community-ledger/anchor"
	"github.com/warp/community-ledger/ledger"
	"github.com/warp/community-ledger/loyalty"
	"github.com/warp/community-ledger/metrics"
	"github.com/warp/community-ledger/microcredit"
	"github.com/warp/community-ledger/partner"
	"github.com/warp/community-ledger/rules"
	"github.com/warp/community-ledger/service"
	"github.com/warp/community-ledger/storage"
	"github.com/warp/community-ledger/storage/memory"
	"github.com/warp/community-ledger/storage/sqlite"
)

// =============================================================================
// FIXTURE
// =============================================================================

var base = time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fixture struct {
	svc     *service.Service
	store   storage.Store
	chain   *anchor.HashChain
	clock   *clock
	metrics *metrics.Metrics
	logs    *test.Hook
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	chain, err := anchor.NewHashChain([]byte("test-key"))
	require.NoError(t, err)
	return newFixtureWith(t, chain, chain)
}

func newFixtureWith(t *testing.T, anchorer ledger.Anchorer, chain *anchor.HashChain) *fixture {
	t.Helper()
	return newFixtureOn(t, memory.New(), anchorer, chain)
}

func newFixtureOn(t *testing.T, store storage.Store, anchorer ledger.Anchorer, chain *anchor.HashChain) *fixture {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	f := &fixture{
		store:   store,
		chain:   chain,
		clock:   &clock{now: base.Add(24 * time.Hour)},
		metrics: metrics.New(prometheus.NewRegistry()),
		logs:    hook,
	}
	f.svc = service.New(f.store, anchorer, service.Options{
		AnchorTimeout: 200 * time.Millisecond,
		Logger:        logger,
		Metrics:       f.metrics,
		Clock:         f.clock.Now,
	})

	ctx := context.Background()
	require.NoError(t, f.svc.RegisterPartner(ctx, partner.Partner{
		ID:             "bakery",
		Name:           "Bakery",
		PaymentMethods: []partner.PaymentMethod{{ID: "bank", Name: "Bank transfer"}},
	}))
	require.NoError(t, f.svc.RegisterPartner(ctx, partner.Partner{ID: "florist", Name: "Florist"}))
	return f
}

// stores runs fn once per storage backend.
func stores(t *testing.T, fn func(t *testing.T, f *fixture)) {
	backends := map[string]func(t *testing.T) storage.Store{
		"memory": func(*testing.T) storage.Store { return memory.New() },
		"sqlite": func(t *testing.T) storage.Store {
			s, err := sqlite.New(filepath.Join(t.TempDir(), "ledger.db"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			chain, err := anchor.NewHashChain([]byte("test-key"))
			require.NoError(t, err)
			fn(t, newFixtureOn(t, open(t), chain, chain))
		})
	}
}

func money(s string) ledger.Money { return ledger.MustParseMoney(s) }

func draftCampaign(partnerID ledger.PartnerID) microcredit.Campaign {
	return microcredit.Campaign{
		PartnerID:  partnerID,
		Title:      "New oven",
		Terms:      microcredit.QuantitativeTerms{StepAmount: money("2.5"), TokensPerStep: 3},
		Redeemable: true,
		Window:     microcredit.Window{StartsAt: base, ExpiresAt: base.Add(30 * 24 * time.Hour)},
		Redeem: microcredit.RedeemWindow{
			StartsAt: base.Add(60 * 24 * time.Hour),
			EndsAt:   base.Add(90 * 24 * time.Hour),
		},
		Caps: microcredit.Caps{
			MinAllowed: money("10"),
			MaxAllowed: money("100"),
			MaxAmount:  money("150"),
		},
	}
}

func (f *fixture) publishedCampaign(t *testing.T) microcredit.Campaign {
	t.Helper()
	ctx := context.Background()
	c, err := f.svc.CreateCampaign(ctx, draftCampaign("bakery"))
	require.NoError(t, err)
	c, err = f.svc.PublishCampaign(ctx, c.ID)
	require.NoError(t, err)
	return c
}

func (f *fixture) earn(t *testing.T, member ledger.MemberID, amount string) {
	t.Helper()
	_, err := f.svc.Apply(context.Background(), service.EarnPoints{Partner: "bakery", Member: member, Amount: money(amount)})
	require.NoError(t, err)
}

func (f *fixture) entries(t *testing.T) []ledger.Entry {
	t.Helper()
	es, err := f.svc.History(context.Background(), ledger.Filter{})
	require.NoError(t, err)
	return es
}

func assertCode(t *testing.T, err error, code rules.Code) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, rules.CodeOf(err), "error: %v", err)
}

// =============================================================================
// LOYALTY POINTS
// =============================================================================

func TestApply_EarnAndRedeemPoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Apply(ctx, service.EarnPoints{Partner: "bakery", Member: "alice", Amount: money("100")})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Entry.ID)
	assert.NotEmpty(t, res.Entry.Receipt)
	require.NotNil(t, res.Balance)
	assert.True(t, res.Balance.Available().Equal(money("100")))

	res, err = f.svc.Apply(ctx, service.RedeemPoints{Partner: "bakery", Member: "alice", Amount: money("30.5")})
	require.NoError(t, err)
	assert.True(t, res.Balance.Available().Equal(money("69.5")))

	balance, err := f.svc.CurrentBalance(ctx, "alice", "bakery")
	require.NoError(t, err)
	assert.True(t, balance.Available().Equal(money("69.5")))
	assert.Equal(t, 2, balance.Entries)

	view, err := f.store.PointsView(ctx, "alice", "bakery")
	require.NoError(t, err)
	assert.Equal(t, int64(2), view.Version)
	assert.True(t, view.Matches(balance))

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Operations.WithLabelValues("earn_points", metrics.OutcomeApplied)))
}

func TestApply_RejectionsAppendNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.earn(t, "alice", "50")

	tests := []struct {
		name string
		op   service.Operation
		code rules.Code
	}{
		{"overdraw", service.RedeemPoints{Partner: "bakery", Member: "alice", Amount: money("50.01")}, rules.CodeNotEnoughPoints},
		{"zero earn", service.EarnPoints{Partner: "bakery", Member: "alice", Amount: ledger.Zero}, rules.CodeZeroAmount},
		{"zero redeem", service.RedeemPoints{Partner: "bakery", Member: "alice", Amount: ledger.Zero}, rules.CodeZeroAmount},
		{"other partner balance", service.RedeemPoints{Partner: "florist", Member: "alice", Amount: money("1")}, rules.CodeNotEnoughPoints},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Apply(ctx, tt.op)
			assertCode(t, err, tt.code)
		})
	}

	assert.Len(t, f.entries(t), 1)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.RuleViolations.WithLabelValues(string(rules.CodeNotEnoughPoints))))
}

func TestApply_StructuralErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Apply(ctx, service.EarnPoints{Partner: "butcher", Member: "alice", Amount: money("1")})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = f.svc.Apply(ctx, service.EarnPoints{Partner: "bakery", Amount: money("1")})
	assert.ErrorIs(t, err, service.ErrInvalidOperation)

	_, err = f.svc.Apply(ctx, service.ConfirmPledge{Support: "missing", Target: microcredit.StatusPaid})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestApply_RedeemOffer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.RegisterOffer(ctx, loyalty.Offer{ID: "croissant", PartnerID: "bakery", Cost: money("12.5")}))
	require.NoError(t, f.svc.RegisterOffer(ctx, loyalty.Offer{
		ID: "easter", PartnerID: "bakery", Cost: money("1"), ExpiresAt: f.clock.Now(),
	}))
	require.NoError(t, f.svc.RegisterOffer(ctx, loyalty.Offer{ID: "tulips", PartnerID: "florist", Cost: money("1")}))
	f.earn(t, "alice", "30")

	res, err := f.svc.Apply(ctx, service.RedeemOffer{Partner: "bakery", Member: "alice", OfferID: "croissant", Quantity: 2})
	require.NoError(t, err)
	assert.True(t, res.Entry.Amount.Equal(money("25")))
	assert.Equal(t, ledger.Reference{OfferID: "croissant", Quantity: 2}, res.Entry.Reference)
	assert.True(t, res.Balance.Available().Equal(money("5")))

	_, err = f.svc.Apply(ctx, service.RedeemOffer{Partner: "bakery", Member: "alice", OfferID: "croissant", Quantity: 1})
	assertCode(t, err, rules.CodeNotEnoughPoints)

	_, err = f.svc.Apply(ctx, service.RedeemOffer{Partner: "bakery", Member: "alice", OfferID: "croissant", Quantity: 0})
	assertCode(t, err, rules.CodeZeroAmount)

	_, err = f.svc.Apply(ctx, service.RedeemOffer{Partner: "bakery", Member: "alice", OfferID: "easter", Quantity: 1})
	assertCode(t, err, rules.CodeOfferExpired)

	_, err = f.svc.Apply(ctx, service.RedeemOffer{Partner: "bakery", Member: "alice", OfferID: "tulips", Quantity: 1})
	assert.ErrorIs(t, err, service.ErrInvalidOperation)

	_, err = f.svc.Apply(ctx, service.EarnPoints{Partner: "bakery", Member: "alice", Amount: money("1"), OfferID: "easter"})
	assertCode(t, err, rules.CodeOfferExpired)
}

func TestApply_ConcurrentRedemptionsNeverOverdraw(t *testing.T) {
	// GIVEN a balance of 100 points
	f := newFixture(t)
	ctx := context.Background()
	f.earn(t, "alice", "100")

	// WHEN 25 clients redeem 10 points at the same time
	const clients = 25
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		applied  int
		rejected int
	)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.ApplyWithRetry(ctx, service.RedeemPoints{Partner: "bakery", Member: "alice", Amount: money("10")}, 20)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				applied++
			case rules.CodeOf(err) == rules.CodeNotEnoughPoints:
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	// THEN exactly ten succeed and the balance is exhausted, never negative
	assert.Equal(t, 10, applied)
	assert.Equal(t, clients-10, rejected)

	balance, err := f.svc.CurrentBalance(ctx, "alice", "bakery")
	require.NoError(t, err)
	assert.True(t, balance.Available().IsZero())
	assert.Len(t, f.entries(t), 11)
}

// =============================================================================
// ANCHORING
// =============================================================================

func TestApply_AnchoringFailurePersistsNothing(t *testing.T) {
	boom := errors.New("anchor service unavailable")
	f := newFixtureWith(t, ledger.AnchorFunc(func(context.Context, ledger.AnchorRequest) (string, error) {
		return "", boom
	}), nil)
	ctx := context.Background()

	_, err := f.svc.Apply(ctx, service.EarnPoints{Partner: "bakery", Member: "alice", Amount: money("10")})
	require.Error(t, err)

	var anchoringErr *ledger.AnchoringError
	require.ErrorAs(t, err, &anchoringErr)
	assert.ErrorIs(t, err, ledger.ErrAnchoringFailed)
	assert.ErrorIs(t, err, boom)
	assert.True(t, service.IsRetryable(err))

	assert.Empty(t, f.entries(t))
	view, err := f.store.PointsView(ctx, "alice", "bakery")
	require.NoError(t, err)
	assert.Equal(t, int64(0), view.Version)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Operations.WithLabelValues("earn_points", metrics.OutcomeAnchoring)))
}

func TestApply_AnchoringTimeout(t *testing.T) {
	f := newFixtureWith(t, ledger.AnchorFunc(func(ctx context.Context, _ ledger.AnchorRequest) (string, error) {
		<-ctx.Done()
		return "late", nil
	}), nil)

	_, err := f.svc.Apply(context.Background(), service.EarnPoints{Partner: "bakery", Member: "alice", Amount: money("10")})
	assert.ErrorIs(t, err, ledger.ErrAnchoringFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, f.entries(t))
}

func TestApply_RejectedBeforeAnchoring(t *testing.T) {
	calls := 0
	f := newFixtureWith(t, ledger.AnchorFunc(func(context.Context, ledger.AnchorRequest) (string, error) {
		calls++
		return "receipt", nil
	}), nil)

	_, err := f.svc.Apply(context.Background(), service.RedeemPoints{Partner: "bakery", Member: "alice", Amount: money("1")})
	assertCode(t, err, rules.CodeNotEnoughPoints)
	assert.Zero(t, calls)
}

func TestVerifyReceipts(t *testing.T) {
	f := newFixture(t)
	f.earn(t, "alice", "10")
	f.earn(t, "bob", "20")

	checked, invalid, err := f.svc.VerifyReceipts(context.Background(), f.chain, ledger.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 2, checked)
	assert.Empty(t, invalid)
}

// =============================================================================
// CAMPAIGN LIFECYCLE
// =============================================================================

func TestCampaign_CreateEditPublish(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.svc.CreateCampaign(ctx, draftCampaign("bakery"))
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, microcredit.StatusDraft, c.Status)
	assert.Equal(t, int64(1), c.Version)

	title := "Bigger oven"
	c, err = f.svc.EditCampaign(ctx, c.ID, microcredit.CampaignEdit{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, "Bigger oven", c.Title)
	assert.Equal(t, int64(2), c.Version)

	badCaps := microcredit.Caps{MinAllowed: money("50"), MaxAllowed: money("10")}
	_, err = f.svc.EditCampaign(ctx, c.ID, microcredit.CampaignEdit{Caps: &badCaps})
	assertCode(t, err, rules.CodeInvalidTerms)

	c, err = f.svc.PublishCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, microcredit.StatusPublished, c.Status)
	assert.Equal(t, f.clock.Now(), c.PublishedAt)

	_, err = f.svc.EditCampaign(ctx, c.ID, microcredit.CampaignEdit{Title: &title})
	assertCode(t, err, rules.CodeCampaignPublished)

	_, err = f.svc.PublishCampaign(ctx, c.ID)
	assertCode(t, err, rules.CodeCampaignPublished)

	snap, err := f.svc.Campaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, microcredit.PhaseActive, snap.Phase)
	assert.True(t, snap.Remaining.Equal(money("150")))
}

func TestCampaign_PublishNeedsPaymentMethods(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.svc.CreateCampaign(ctx, draftCampaign("florist"))
	require.NoError(t, err)

	_, err = f.svc.PublishCampaign(ctx, c.ID)
	assertCode(t, err, rules.CodePaymentMethodsRequired)
}

func TestCampaign_CreateRejectsInvalid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bad := draftCampaign("bakery")
	bad.Window.ExpiresAt = bad.Window.StartsAt
	_, err := f.svc.CreateCampaign(ctx, bad)
	assertCode(t, err, rules.CodeInvalidTerms)

	_, err = f.svc.CreateCampaign(ctx, draftCampaign("butcher"))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// =============================================================================
// MICROCREDIT
// =============================================================================

func TestPledge_Lifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.publishedCampaign(t)

	// GIVEN a pledge paid by bank transfer, not yet received
	res, err := f.svc.Apply(ctx, service.PledgeFund{Campaign: c.ID, Member: "alice", Amount: money("10"), Method: "bank", PaymentID: "tx-1"})
	require.NoError(t, err)
	require.NotNil(t, res.Support)
	require.NotNil(t, res.Campaign)
	support := *res.Support
	assert.Equal(t, microcredit.StatusOrder, support.Status)
	assert.Equal(t, int64(12), support.InitialTokens)
	assert.Equal(t, "tx-1", support.Payment.ID)
	assert.True(t, res.Campaign.Totals.Pledged.Equal(money("10")))
	assert.Equal(t, int64(1), res.Campaign.Totals.Supporters)
	assert.Equal(t, int64(12), res.Campaign.Totals.IssuedTokens)

	// WHEN it is confirmed, reverted, and finally paid
	res, err = f.svc.Apply(ctx, service.ConfirmPledge{Support: support.ID, Target: microcredit.StatusConfirmation})
	require.NoError(t, err)
	assert.Equal(t, microcredit.StatusConfirmation, res.Support.Status)

	res, err = f.svc.Apply(ctx, service.RevertPledge{Support: support.ID})
	require.NoError(t, err)
	assert.Equal(t, microcredit.StatusOrder, res.Support.Status)

	_, err = f.svc.Apply(ctx, service.RedeemPledgeTokens{Support: support.ID, Tokens: 1})
	assertCode(t, err, rules.CodeCampaignRedeemNotStarted)

	res, err = f.svc.Apply(ctx, service.ConfirmPledge{Support: support.ID, Target: microcredit.StatusPaid})
	require.NoError(t, err)
	assert.Equal(t, microcredit.StatusPaid, res.Support.Status)

	_, err = f.svc.Apply(ctx, service.RevertPledge{Support: support.ID})
	assertCode(t, err, rules.CodeInvalidTransition)

	// THEN tokens can be spent once the redeem window opens
	f.clock.Set(c.Redeem.StartsAt.Add(time.Hour))

	res, err = f.svc.Apply(ctx, service.RedeemPledgeTokens{Support: support.ID, Tokens: 5})
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Support.RedeemedTokens)
	assert.Equal(t, int64(7), res.Support.RemainingTokens())

	_, err = f.svc.Apply(ctx, service.RedeemPledgeTokens{Support: support.ID, Tokens: 8})
	assertCode(t, err, rules.CodeNotEnoughTokens)

	_, err = f.svc.Apply(ctx, service.RevertPledge{Support: support.ID})
	assertCode(t, err, rules.CodeTokensRedeemed)

	_, err = f.svc.Apply(ctx, service.ConfirmPledge{Support: support.ID, Target: microcredit.StatusPaid})
	assertCode(t, err, rules.CodeCampaignRedeemStarted)

	f.clock.Set(c.Redeem.EndsAt)
	_, err = f.svc.Apply(ctx, service.RedeemPledgeTokens{Support: support.ID, Tokens: 1})
	assertCode(t, err, rules.CodeCampaignRedeemEnded)

	// The stored support is exactly what the log replays to.
	stored, err := f.svc.Support(ctx, support.ID)
	require.NoError(t, err)
	replayed, err := f.svc.ReplaySupport(ctx, support.ID)
	require.NoError(t, err)
	replayed.Version = stored.Version
	assert.Equal(t, stored, replayed)

	history, err := f.svc.History(ctx, ledger.Filter{SupportID: support.ID})
	require.NoError(t, err)
	kinds := make([]ledger.EntryKind, 0, len(history))
	for _, e := range history {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []ledger.EntryKind{
		ledger.KindPledgeFund, ledger.KindConfirmPledge, ledger.KindRevertPledge,
		ledger.KindConfirmPledge, ledger.KindRedeemPledgeTokens,
	}, kinds)
}

func TestPledge_Rules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.publishedCampaign(t)

	pledge := func(amount, method string) error {
		_, err := f.svc.Apply(ctx, service.PledgeFund{Campaign: c.ID, Member: "alice", Amount: money(amount), Method: method})
		return err
	}

	assertCode(t, pledge("0", "bank"), rules.CodeZeroAmount)
	assertCode(t, pledge("102.5", "bank"), rules.CodeOverMaxAmount)
	assertCode(t, pledge("5", "bank"), rules.CodeUnderMinAmount)
	assertCode(t, pledge("11", "bank"), rules.CodeInvalidStep)
	assertCode(t, pledge("10", "paypal"), rules.CodeMethodUnavailable)

	require.NoError(t, pledge("100", "bank"))
	assertCode(t, pledge("55", "bank"), rules.CodeOverTotalMax)
	require.NoError(t, pledge("50", "store"))

	snap, err := f.svc.Campaign(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, snap.Campaign.Totals.Pledged.Equal(money("150")))
	assert.True(t, snap.Remaining.IsZero())

	supports, err := f.svc.Supports(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, supports, 2)

	f.clock.Set(c.Window.ExpiresAt)
	assertCode(t, pledge("10", "bank"), rules.CodeCampaignExpired)
}

func TestPledge_StoreMethodIsPaid(t *testing.T) {
	f := newFixture(t)
	c := f.publishedCampaign(t)

	res, err := f.svc.Apply(context.Background(), service.PledgeFund{Campaign: c.ID, Member: "bob", Amount: money("20"), Method: "store"})
	require.NoError(t, err)
	assert.Equal(t, microcredit.StatusPaid, res.Support.Status)
	assert.Equal(t, "paid", res.Entry.Reference.Status)
}

func TestPledge_DraftAndNotStarted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	draft, err := f.svc.CreateCampaign(ctx, draftCampaign("bakery"))
	require.NoError(t, err)
	_, err = f.svc.Apply(ctx, service.PledgeFund{Campaign: draft.ID, Member: "alice", Amount: money("10"), Method: "bank"})
	assertCode(t, err, rules.CodeCampaignNotPublished)

	f.clock.Set(base.Add(-time.Hour))
	c := f.publishedCampaign(t)
	_, err = f.svc.Apply(ctx, service.PledgeFund{Campaign: c.ID, Member: "alice", Amount: money("10"), Method: "bank"})
	assertCode(t, err, rules.CodeCampaignNotStarted)
}

func TestRedeemTokens_NonRedeemableCampaign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	draft := draftCampaign("bakery")
	draft.Redeemable = false
	draft.Redeem = microcredit.RedeemWindow{}
	c, err := f.svc.CreateCampaign(ctx, draft)
	require.NoError(t, err)
	_, err = f.svc.PublishCampaign(ctx, c.ID)
	require.NoError(t, err)

	res, err := f.svc.Apply(ctx, service.PledgeFund{Campaign: c.ID, Member: "alice", Amount: money("10"), Method: "store"})
	require.NoError(t, err)

	_, err = f.svc.Apply(ctx, service.RedeemPledgeTokens{Support: res.Support.ID, Tokens: 1})
	assertCode(t, err, rules.CodeCampaignNotRedeemable)
}

func TestPledge_TokenOverflowIsInvalidStep(t *testing.T) {
	tests := []struct {
		name   string
		terms  microcredit.Terms
		amount string
	}{
		{"flat beyond int64", microcredit.FlatTerms{}, "18446744073709551617"},
		{"quantitative product beyond int64", microcredit.QuantitativeTerms{StepAmount: money("1"), TokensPerStep: 4}, "4611686018427387904"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// GIVEN: a published campaign without any cap
			f := newFixture(t)
			ctx := context.Background()
			draft := draftCampaign("bakery")
			draft.Terms = tt.terms
			draft.Caps = microcredit.Caps{MinAllowed: money("1")}
			c, err := f.svc.CreateCampaign(ctx, draft)
			require.NoError(t, err)
			c, err = f.svc.PublishCampaign(ctx, c.ID)
			require.NoError(t, err)

			// WHEN: a pledge converts to more tokens than an int64 holds
			_, err = f.svc.Apply(ctx, service.PledgeFund{Campaign: c.ID, Member: "alice", Amount: money(tt.amount), Method: "store"})

			// THEN: it is rejected and nothing is recorded
			assertCode(t, err, rules.CodeInvalidStep)
			assert.Empty(t, f.entries(t))
			supports, err := f.svc.Supports(ctx, c.ID)
			require.NoError(t, err)
			assert.Empty(t, supports)
		})
	}
}

func TestRedeemTokens_ConcurrentRedemptionsStopAtInitialTokens(t *testing.T) {
	stores(t, func(t *testing.T, f *fixture) {
		// GIVEN: a paid support holding 12 tokens, inside the redeem window
		ctx := context.Background()
		c := f.publishedCampaign(t)
		res, err := f.svc.Apply(ctx, service.PledgeFund{Campaign: c.ID, Member: "alice", Amount: money("10"), Method: "store"})
		require.NoError(t, err)
		require.Equal(t, int64(12), res.Support.InitialTokens)
		f.clock.Set(c.Redeem.StartsAt.Add(24 * time.Hour))

		// WHEN: 20 clients each redeem one token at the same time
		const clients = 20
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			applied  int
			rejected int
		)
		for i := 0; i < clients; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.svc.ApplyWithRetry(ctx, service.RedeemPledgeTokens{Support: res.Support.ID, Tokens: 1}, 50)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					applied++
				case rules.CodeOf(err) == rules.CodeNotEnoughTokens:
					rejected++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		// THEN: exactly the initial tokens are redeemed, never more
		assert.Equal(t, 12, applied)
		assert.Equal(t, clients-12, rejected)

		stored, err := f.svc.Support(ctx, res.Support.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(12), stored.RedeemedTokens)
		assert.Equal(t, int64(0), stored.RemainingTokens())

		history, err := f.svc.History(ctx, ledger.Filter{SupportID: res.Support.ID})
		require.NoError(t, err)
		assert.Len(t, history, 1+12)
	})
}

func TestPledge_ConcurrentPledgesStopAtMaxAmount(t *testing.T) {
	stores(t, func(t *testing.T, f *fixture) {
		// GIVEN: a campaign capped at 150 in total
		ctx := context.Background()
		c := f.publishedCampaign(t)

		// WHEN: 25 members pledge 10 each at the same time
		const clients = 25
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			applied  int
			rejected int
		)
		for i := 0; i < clients; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				op := service.PledgeFund{Campaign: c.ID, Member: ledger.MemberID(fmt.Sprintf("member-%d", i)), Amount: money("10"), Method: "bank"}
				_, err := f.svc.ApplyWithRetry(ctx, op, 50)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					applied++
				case rules.CodeOf(err) == rules.CodeOverTotalMax:
					rejected++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()

		// THEN: the campaign fills exactly to its cap
		assert.Equal(t, 15, applied)
		assert.Equal(t, clients-15, rejected)

		snap, err := f.svc.Campaign(ctx, c.ID)
		require.NoError(t, err)
		assert.True(t, snap.Campaign.Totals.Pledged.Equal(money("150")), "pledged %s", snap.Campaign.Totals.Pledged)
		assert.Equal(t, int64(15), snap.Campaign.Totals.Supporters)
		assert.Equal(t, int64(15*12), snap.Campaign.Totals.IssuedTokens)

		supports, err := f.svc.Supports(ctx, c.ID)
		require.NoError(t, err)
		assert.Len(t, supports, 15)
	})
}

// =============================================================================
// RECONCILE
// =============================================================================

func TestReconcile_RepairsDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.publishedCampaign(t)

	f.earn(t, "alice", "40")
	res, err := f.svc.Apply(ctx, service.PledgeFund{Campaign: c.ID, Member: "alice", Amount: money("10"), Method: "store"})
	require.NoError(t, err)
	supportID := res.Support.ID

	// GIVEN three documents corrupted behind the service's back
	require.NoError(t, f.store.WithTx(ctx, func(tx storage.Tx) error {
		view, err := tx.PointsView(ctx, "alice", "bakery")
		if err != nil {
			return err
		}
		view.Earned = money("4000")
		if _, err := tx.PutPointsView(ctx, view); err != nil {
			return err
		}

		campaign, err := tx.Campaign(ctx, c.ID)
		if err != nil {
			return err
		}
		campaign.Totals.Supporters = 9
		if _, err := tx.PutCampaign(ctx, campaign); err != nil {
			return err
		}

		support, err := tx.Support(ctx, supportID)
		if err != nil {
			return err
		}
		support.RedeemedTokens = 3
		_, err = tx.PutSupport(ctx, support)
		return err
	}))

	// WHEN reconcile runs
	run, err := f.svc.Reconcile(ctx)
	require.NoError(t, err)

	// THEN each is rebuilt from the log
	assert.Equal(t, storage.RunCompleted, run.Status)
	assert.Equal(t, 3, run.Checked)
	assert.Equal(t, 3, run.Drifted)
	assert.Equal(t, 3, run.Repaired)
	require.NotNil(t, run.CompletedAt)

	view, err := f.store.PointsView(ctx, "alice", "bakery")
	require.NoError(t, err)
	assert.True(t, view.Available().Equal(money("40")))

	snap, err := f.svc.Campaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Campaign.Totals.Supporters)

	support, err := f.svc.Support(ctx, supportID)
	require.NoError(t, err)
	assert.Zero(t, support.RedeemedTokens)

	// A second pass finds nothing to do.
	run, err = f.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, run.Drifted)

	runs, err := f.svc.ReconcileRuns(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.ReconcileDrift))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.ReconcileRuns.WithLabelValues(storage.RunCompleted)))
}

func TestReconcile_CleanLedger(t *testing.T) {
	f := newFixture(t)
	f.earn(t, "alice", "10")
	f.earn(t, "bob", "10")

	run, err := f.svc.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, run.Checked)
	assert.Zero(t, run.Drifted)

	var warned bool
	for _, e := range f.logs.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warned = true
		}
	}
	assert.False(t, warned)
}
