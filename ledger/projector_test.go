package ledger_test

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/community-ledger/ledger"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type sliceSource []ledger.Entry

func (s sliceSource) Entries(_ context.Context, f ledger.Filter) ([]ledger.Entry, error) {
	var out []ledger.Entry
	for _, e := range s {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

var t0 = time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)

func pointsEntry(i int, kind ledger.EntryKind, partner ledger.PartnerID, member ledger.MemberID, amount int64) ledger.Entry {
	return ledger.Entry{
		ID:          ledger.EntryID(fmt.Sprintf("e-%d", i)),
		Kind:        kind,
		Subject:     partner,
		Counterpart: member,
		Amount:      ledger.NewMoneyFromInt(amount),
		Receipt:     fmt.Sprintf("r-%d", i),
		CreatedAt:   t0.Add(time.Duration(i) * time.Minute),
	}
}

// =============================================================================
// FOLD TESTS
// =============================================================================

func TestFoldPoints_EarnMinusRedeem(t *testing.T) {
	entries := []ledger.Entry{
		pointsEntry(1, ledger.KindEarnPoints, "cafe", "alice", 100),
		pointsEntry(2, ledger.KindEarnPoints, "cafe", "alice", 100), // identical earns both count
		pointsEntry(3, ledger.KindRedeemPoints, "cafe", "alice", 30),
		pointsEntry(4, ledger.KindRedeemPointsOffer, "cafe", "alice", 20),
	}

	b, err := ledger.FoldPoints("alice", "cafe", entries)
	require.NoError(t, err)
	assert.Equal(t, "200", b.Earned.String())
	assert.Equal(t, "50", b.Redeemed.String())
	assert.Equal(t, "150", b.Available().String())
	assert.Equal(t, 4, b.Entries)
}

func TestFoldPoints_NegativeLogIsCorruption(t *testing.T) {
	entries := []ledger.Entry{
		pointsEntry(1, ledger.KindEarnPoints, "cafe", "alice", 10),
		pointsEntry(2, ledger.KindRedeemPoints, "cafe", "alice", 11),
	}

	_, err := ledger.FoldPoints("alice", "cafe", entries)
	assert.ErrorIs(t, err, ledger.ErrNegativeBalance)
}

func TestFoldPoints_IgnoresMicrocreditEntries(t *testing.T) {
	pledge := pointsEntry(2, ledger.KindPledgeFund, "cafe", "alice", 500)
	entries := []ledger.Entry{pointsEntry(1, ledger.KindEarnPoints, "cafe", "alice", 10), pledge}

	b, err := ledger.FoldPoints("alice", "cafe", entries)
	require.NoError(t, err)
	assert.Equal(t, "10", b.Available().String())
	assert.Equal(t, 1, b.Entries)
}

func TestProjector_ScopedAndTotal(t *testing.T) {
	ctx := context.Background()
	src := sliceSource{
		pointsEntry(1, ledger.KindEarnPoints, "cafe", "alice", 100),
		pointsEntry(2, ledger.KindEarnPoints, "bakery", "alice", 40),
		pointsEntry(3, ledger.KindRedeemPoints, "cafe", "alice", 25),
		pointsEntry(4, ledger.KindEarnPoints, "cafe", "bob", 999),
	}
	p := ledger.NewProjector(src)

	cafe, err := p.Balance(ctx, "alice", "cafe")
	require.NoError(t, err)
	assert.Equal(t, "75", cafe.Available().String())

	total, err := p.Balance(ctx, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, "115", total.Available().String())

	breakdown, err := p.Breakdown(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, breakdown, 2)
	assert.Equal(t, "40", breakdown["bakery"].Available().String())
	assert.Equal(t, "75", breakdown["cafe"].Available().String())
}

// For any sequence of earns and redeems that never overdraws, the fold equals
// the running sum and is never negative.
func TestFoldPoints_RandomSequencesMatchRunningSum(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for run := 0; run < 200; run++ {
		var (
			entries []ledger.Entry
			running int64
		)
		for i := 0; i < 50; i++ {
			if running > 0 && rng.Intn(2) == 0 {
				amt := rng.Int63n(running) + 1
				entries = append(entries, pointsEntry(i, ledger.KindRedeemPoints, "p", "m", amt))
				running -= amt
				continue
			}
			amt := rng.Int63n(100) + 1
			entries = append(entries, pointsEntry(i, ledger.KindEarnPoints, "p", "m", amt))
			running += amt
		}

		b, err := ledger.FoldPoints("m", "p", entries)
		require.NoError(t, err)
		assert.Equal(t, ledger.NewMoneyFromInt(running).String(), b.Available().String(), "run %d", run)
		assert.False(t, b.Available().Decimal().IsNegative())
	}
}

func TestEntry_ValidateRequiresReceipt(t *testing.T) {
	e := pointsEntry(1, ledger.KindEarnPoints, "cafe", "alice", 10)
	require.NoError(t, e.Validate())

	e.Receipt = ""
	assert.ErrorIs(t, e.Validate(), ledger.ErrInvalidEntry)

	e = pointsEntry(1, "bogus", "cafe", "alice", 10)
	assert.ErrorIs(t, e.Validate(), ledger.ErrInvalidEntry)
}
