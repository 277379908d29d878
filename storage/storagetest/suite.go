// Package storagetest is the behaviour suite every storage.Store runs.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/community-ledger/ledger"
	"github.com/warp/community-ledger/loyalty"
	"github.com/warp/community-ledger/microcredit"
	"github.com/warp/community-ledger/partner"
	"github.com/warp/community-ledger/storage"
)

// Factory returns an empty store. It should register its own cleanup.
type Factory func(t *testing.T) storage.Store

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("AppendAndFilter", func(t *testing.T) { testAppendAndFilter(t, newStore(t)) })
	t.Run("AppendRejectsInvalid", func(t *testing.T) { testAppendRejectsInvalid(t, newStore(t)) })
	t.Run("RollbackOnError", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("CampaignVersioning", func(t *testing.T) { testCampaignVersioning(t, newStore(t)) })
	t.Run("SupportVersioning", func(t *testing.T) { testSupportVersioning(t, newStore(t)) })
	t.Run("PointsViewVersioning", func(t *testing.T) { testPointsView(t, newStore(t)) })
	t.Run("ReferenceData", func(t *testing.T) { testReferenceData(t, newStore(t)) })
	t.Run("ReconcileRuns", func(t *testing.T) { testReconcileRuns(t, newStore(t)) })
}

// =============================================================================
// FIXTURES
// =============================================================================

var base = time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)

// Entry builds a valid entry for the i-th position of a test log.
func Entry(i int, kind ledger.EntryKind, member ledger.MemberID, amount int64) ledger.Entry {
	return ledger.Entry{
		ID:          ledger.EntryID(fmt.Sprintf("entry-%03d", i)),
		Kind:        kind,
		Subject:     "bakery",
		Counterpart: member,
		Amount:      ledger.NewMoneyFromInt(amount),
		Receipt:     fmt.Sprintf("receipt-%d", i),
		CreatedAt:   base.Add(time.Duration(i) * time.Second),
	}
}

// Campaign builds a valid draft campaign.
func Campaign(id string) microcredit.Campaign {
	return microcredit.Campaign{
		ID:         id,
		PartnerID:  "bakery",
		Title:      "Oven",
		Status:     microcredit.StatusDraft,
		Terms:      microcredit.QuantitativeTerms{StepAmount: ledger.MustParseMoney("2.5"), TokensPerStep: 3},
		Redeemable: true,
		Window:     microcredit.Window{StartsAt: base, ExpiresAt: base.Add(30 * 24 * time.Hour)},
		Redeem: microcredit.RedeemWindow{
			StartsAt: base.Add(60 * 24 * time.Hour),
			EndsAt:   base.Add(90 * 24 * time.Hour),
		},
		Caps: microcredit.Caps{
			MinAllowed: ledger.NewMoneyFromInt(10),
			MaxAllowed: ledger.NewMoneyFromInt(100),
			MaxAmount:  ledger.NewMoneyFromInt(30000),
		},
		CreatedAt: base,
	}
}

func appendAll(t *testing.T, s storage.Store, entries ...ledger.Entry) {
	t.Helper()
	require.NoError(t, s.WithTx(context.Background(), func(tx storage.Tx) error {
		for _, e := range entries {
			if err := tx.Append(context.Background(), e); err != nil {
				return err
			}
		}
		return nil
	}))
}

// =============================================================================
// TESTS
// =============================================================================

func testAppendAndFilter(t *testing.T, s storage.Store) {
	ctx := context.Background()

	pledge := Entry(3, ledger.KindPledgeFund, "alice", 10)
	pledge.Tokens = 12
	pledge.Reference = ledger.Reference{CampaignID: "c1", SupportID: "s1", Status: "order", PaymentMethod: "bank"}

	appendAll(t, s,
		Entry(1, ledger.KindEarnPoints, "alice", 100),
		Entry(2, ledger.KindEarnPoints, "bob", 50),
		pledge,
		Entry(4, ledger.KindRedeemPoints, "alice", 30),
	)

	all, err := s.Entries(ctx, ledger.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i, e := range all {
		assert.Equal(t, ledger.EntryID(fmt.Sprintf("entry-%03d", i+1)), e.ID, "append order")
	}

	alicePoints, err := s.Entries(ctx, ledger.Filter{
		Counterpart: "alice",
		Kinds:       []ledger.EntryKind{ledger.KindEarnPoints, ledger.KindRedeemPoints},
	})
	require.NoError(t, err)
	require.Len(t, alicePoints, 2)
	assert.Equal(t, "30", alicePoints[1].Amount.String())

	bySupport, err := s.Entries(ctx, ledger.Filter{SupportID: "s1"})
	require.NoError(t, err)
	require.Len(t, bySupport, 1)
	got := bySupport[0]
	assert.Equal(t, int64(12), got.Tokens)
	assert.Equal(t, pledge.Reference, got.Reference)
	assert.Equal(t, "receipt-3", got.Receipt)
	assert.True(t, pledge.CreatedAt.Equal(got.CreatedAt))

	last, err := s.Entries(ctx, ledger.Filter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, ledger.EntryID("entry-003"), last[0].ID)
	assert.Equal(t, ledger.EntryID("entry-004"), last[1].ID)
}

func testAppendRejectsInvalid(t *testing.T, s storage.Store) {
	ctx := context.Background()
	e := Entry(1, ledger.KindEarnPoints, "alice", 10)
	appendAll(t, s, e)

	err := s.WithTx(ctx, func(tx storage.Tx) error { return tx.Append(ctx, e) })
	assert.ErrorIs(t, err, storage.ErrDuplicateEntry)

	unanchored := Entry(2, ledger.KindEarnPoints, "alice", 10)
	unanchored.Receipt = ""
	err = s.WithTx(ctx, func(tx storage.Tx) error { return tx.Append(ctx, unanchored) })
	assert.ErrorIs(t, err, ledger.ErrInvalidEntry)

	all, err := s.Entries(ctx, ledger.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func testRollback(t *testing.T, s storage.Store) {
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx storage.Tx) error {
		if err := tx.Append(ctx, Entry(1, ledger.KindEarnPoints, "alice", 10)); err != nil {
			return err
		}
		if _, err := tx.PutCampaign(ctx, Campaign("c1")); err != nil {
			return err
		}
		v, err := tx.PointsView(ctx, "alice", "bakery")
		if err != nil {
			return err
		}
		v.Earned = ledger.NewMoneyFromInt(10)
		if _, err := tx.PutPointsView(ctx, v); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	entries, err := s.Entries(ctx, ledger.Filter{})
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = s.Campaign(ctx, "c1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	v, err := s.PointsView(ctx, "alice", "bakery")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v.Version)
}

func testCampaignVersioning(t *testing.T, s storage.Store) {
	ctx := context.Background()
	c := Campaign("c1")

	var stored microcredit.Campaign
	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		stored, err = tx.PutCampaign(ctx, c)
		return err
	}))
	assert.Equal(t, int64(1), stored.Version)

	// A second create with version 0 conflicts.
	err := s.WithTx(ctx, func(tx storage.Tx) error {
		_, err := tx.PutCampaign(ctx, c)
		return err
	})
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)

	var conflict *ledger.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "campaign", conflict.Aggregate)

	// Updating from the current version succeeds.
	stored.Totals = stored.Totals.Add(ledger.NewMoneyFromInt(25), 30)
	stored.Status = microcredit.StatusPublished
	stored.PublishedAt = base.Add(time.Hour)
	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		_, err := tx.PutCampaign(ctx, stored)
		return err
	}))

	loaded, err := s.Campaign(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), loaded.Version)
	assert.Equal(t, microcredit.StatusPublished, loaded.Status)
	assert.Equal(t, "25", loaded.Totals.Pledged.String())
	assert.Equal(t, int64(1), loaded.Totals.Supporters)
	assert.Equal(t, int64(30), loaded.Totals.IssuedTokens)
	assert.True(t, c.Window.ExpiresAt.Equal(loaded.Window.ExpiresAt))
	assert.True(t, c.Redeem.StartsAt.Equal(loaded.Redeem.StartsAt))
	assert.Equal(t, "30000", loaded.Caps.MaxAmount.String())

	terms, ok := loaded.Terms.(microcredit.QuantitativeTerms)
	require.True(t, ok, "terms survive storage")
	assert.Equal(t, "2.5", terms.StepAmount.String())
	assert.Equal(t, int64(3), terms.TokensPerStep)

	// A stale writer loses.
	err = s.WithTx(ctx, func(tx storage.Tx) error {
		_, err := tx.PutCampaign(ctx, stored)
		return err
	})
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)

	all, err := s.Campaigns(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func testSupportVersioning(t *testing.T, s storage.Store) {
	ctx := context.Background()
	sup := microcredit.Support{
		ID:            "s1",
		CampaignID:    "c1",
		PartnerID:     "bakery",
		MemberID:      "alice",
		Amount:        ledger.NewMoneyFromInt(10),
		Status:        microcredit.StatusOrder,
		InitialTokens: 10,
		Payment:       microcredit.Payment{Method: "bank", ID: "tx-1"},
		CreatedAt:     base,
		UpdatedAt:     base,
	}
	other := sup
	other.ID, other.CampaignID = "s2", "c2"

	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.PutSupport(ctx, sup); err != nil {
			return err
		}
		_, err := tx.PutSupport(ctx, other)
		return err
	}))

	loaded, err := s.Support(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), loaded.Version)
	assert.Equal(t, sup.Payment, loaded.Payment)

	loaded.RedeemedTokens = 4
	loaded.Status = microcredit.StatusPaid
	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		_, err := tx.PutSupport(ctx, loaded)
		return err
	}))

	// Two writers that both read version 2: only one wins.
	reread, err := s.Support(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), reread.RedeemedTokens)

	first, second := reread, reread
	first.RedeemedTokens, second.RedeemedTokens = 6, 9
	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		_, err := tx.PutSupport(ctx, first)
		return err
	}))
	err = s.WithTx(ctx, func(tx storage.Tx) error {
		_, err := tx.PutSupport(ctx, second)
		return err
	})
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)

	final, err := s.Support(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(6), final.RedeemedTokens)

	inCampaign, err := s.Supports(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, inCampaign, 1)
	assert.Equal(t, "s1", inCampaign[0].ID)

	_, err = s.Support(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testPointsView(t *testing.T, s storage.Store) {
	ctx := context.Background()

	v, err := s.PointsView(ctx, "alice", "bakery")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v.Version)
	assert.Equal(t, ledger.MemberID("alice"), v.Member)

	v.Earned = ledger.NewMoneyFromInt(100)
	v.Entries = 1
	v.UpdatedAt = base
	require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
		_, err := tx.PutPointsView(ctx, v)
		return err
	}))

	// v still carries version 0: replaying the same write conflicts.
	err = s.WithTx(ctx, func(tx storage.Tx) error {
		_, err := tx.PutPointsView(ctx, v)
		return err
	})
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)

	loaded, err := s.PointsView(ctx, "alice", "bakery")
	require.NoError(t, err)
	assert.Equal(t, int64(1), loaded.Version)
	assert.Equal(t, "100", loaded.Available().String())

	views, err := s.PointsViews(ctx)
	require.NoError(t, err)
	assert.Len(t, views, 1)
}

func testReferenceData(t *testing.T, s storage.Store) {
	ctx := context.Background()

	p := partner.Partner{
		ID:             "bakery",
		Name:           "Bakery",
		PaymentMethods: []partner.PaymentMethod{{ID: "bank", Name: "Bank", Details: "IBAN FR76"}},
	}
	require.NoError(t, s.SavePartner(ctx, p))

	loaded, err := s.Partner(ctx, "bakery")
	require.NoError(t, err)
	assert.Equal(t, p, loaded)

	// Saving again replaces.
	p.Name = "Bakery & Co"
	require.NoError(t, s.SavePartner(ctx, p))
	loaded, err = s.Partner(ctx, "bakery")
	require.NoError(t, err)
	assert.Equal(t, "Bakery & Co", loaded.Name)

	o := loyalty.Offer{ID: "coffee", PartnerID: "bakery", Title: "Coffee", Cost: ledger.MustParseMoney("1.5"), ExpiresAt: base}
	require.NoError(t, s.SaveOffer(ctx, o))
	gotOffer, err := s.Offer(ctx, "coffee")
	require.NoError(t, err)
	assert.Equal(t, "1.5", gotOffer.Cost.String())
	assert.True(t, base.Equal(gotOffer.ExpiresAt))

	noExpiry := loyalty.Offer{ID: "tea", PartnerID: "bakery", Cost: ledger.NewMoneyFromInt(1)}
	require.NoError(t, s.SaveOffer(ctx, noExpiry))
	gotOffer, err = s.Offer(ctx, "tea")
	require.NoError(t, err)
	assert.True(t, gotOffer.ExpiresAt.IsZero())

	_, err = s.Partner(ctx, "nobody")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.Offer(ctx, "nothing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testReconcileRuns(t *testing.T, s storage.Store) {
	ctx := context.Background()

	first := storage.ReconcileRun{ID: "run-1", Status: storage.RunRunning, StartedAt: base}
	require.NoError(t, s.SaveReconcileRun(ctx, first))

	done := base.Add(time.Minute)
	first.Status, first.Checked, first.Drifted, first.Repaired, first.CompletedAt = storage.RunCompleted, 5, 1, 1, &done
	require.NoError(t, s.SaveReconcileRun(ctx, first))

	second := storage.ReconcileRun{ID: "run-2", Status: storage.RunFailed, Error: "db gone", StartedAt: base.Add(time.Hour)}
	require.NoError(t, s.SaveReconcileRun(ctx, second))

	runs, err := s.ReconcileRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID, "most recent first")
	assert.Equal(t, storage.RunCompleted, runs[1].Status)
	assert.Equal(t, 1, runs[1].Repaired)
	require.NotNil(t, runs[1].CompletedAt)
	assert.True(t, done.Equal(*runs[1].CompletedAt))

	limited, err := s.ReconcileRuns(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
