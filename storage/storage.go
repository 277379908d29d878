/*
Package storage defines the persistence contracts of the ledger.

PURPOSE:
  The service owns every write. Stores only persist what they are given,
  under two rules:

  1. Entries are append-only. There is no Update or Delete for entries.
  2. Every mutable document (campaign, support, points balance view) is
     versioned. A Put succeeds only if the stored version still equals the
     version the caller read, and then stores Version+1. Otherwise it
     returns *ledger.ConflictError, which unwraps to
     ledger.ErrConcurrentModification.

UNIT OF WORK:
  WithTx runs fn against a Tx. If fn returns an error nothing fn wrote is
  kept; otherwise all writes become visible together. An entry is therefore
  never visible without the aggregate update that accompanies it.

VERSIONING:
  Version 0 means "the caller believes this document does not exist yet".
  PointsView returns a zero-version view for a pair that has no row, so the
  first earn creates it with the same code path as every later one.

IMPLEMENTATIONS:
  - storage/memory: in-process, for tests and development
  - storage/sqlite: mattn/go-sqlite3
  - storage/postgres: jackc/pgx/v5

SEE ALSO:
  - storage/storagetest: behaviour suite every implementation runs
*/
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/warp/community-ledger/ledger"
	"github.com/warp/community-ledger/loyalty"
	"github.com/warp/community-ledger/microcredit"
	"github.com/warp/community-ledger/partner"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateEntry is returned when an entry id is appended twice.
	ErrDuplicateEntry = errors.New("entry already appended")
)

// =============================================================================
// READ SIDE
// =============================================================================

// Reader is the read side shared by Store and Tx.
type Reader interface {
	// Entries returns matching entries in append order. A positive
	// Filter.Limit keeps only the most recent Limit entries.
	Entries(ctx context.Context, filter ledger.Filter) ([]ledger.Entry, error)

	Partner(ctx context.Context, id ledger.PartnerID) (partner.Partner, error)
	Offer(ctx context.Context, id string) (loyalty.Offer, error)

	Campaign(ctx context.Context, id string) (microcredit.Campaign, error)
	Campaigns(ctx context.Context) ([]microcredit.Campaign, error)

	Support(ctx context.Context, id string) (microcredit.Support, error)
	Supports(ctx context.Context, campaignID string) ([]microcredit.Support, error)

	// PointsView never returns ErrNotFound; see VERSIONING above.
	PointsView(ctx context.Context, member ledger.MemberID, p ledger.PartnerID) (loyalty.BalanceView, error)
	PointsViews(ctx context.Context) ([]loyalty.BalanceView, error)
}

// =============================================================================
// WRITE SIDE
// =============================================================================

// Tx is the unit of work handed to WithTx callbacks.
// Put methods return the stored document with its new version.
type Tx interface {
	Reader

	Append(ctx context.Context, e ledger.Entry) error
	PutCampaign(ctx context.Context, c microcredit.Campaign) (microcredit.Campaign, error)
	PutSupport(ctx context.Context, s microcredit.Support) (microcredit.Support, error)
	PutPointsView(ctx context.Context, v loyalty.BalanceView) (loyalty.BalanceView, error)
}

// Store is a complete ledger store.
type Store interface {
	Reader

	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Reference data, written outside the ledger flow.
	SavePartner(ctx context.Context, p partner.Partner) error
	SaveOffer(ctx context.Context, o loyalty.Offer) error

	SaveReconcileRun(ctx context.Context, r ReconcileRun) error
	ReconcileRuns(ctx context.Context, limit int) ([]ReconcileRun, error)

	Close() error
}

// =============================================================================
// RECONCILE RUNS
// =============================================================================

// ReconcileRun records one pass of the view reconciliation.
type ReconcileRun struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"` // running, completed, failed
	Checked     int        `json:"checked"`
	Drifted     int        `json:"drifted"`
	Repaired    int        `json:"repaired"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// =============================================================================
// HELPERS FOR IMPLEMENTATIONS
// =============================================================================

// CheckVersion returns a conflict unless stored == expected.
func CheckVersion(aggregate, id string, stored, expected int64) error {
	if stored != expected {
		return &ledger.ConflictError{Aggregate: aggregate, ID: id, Expected: expected}
	}
	return nil
}

// ViewID is the conflict identifier of a points view.
func ViewID(member ledger.MemberID, p ledger.PartnerID) string {
	return string(member) + "@" + string(p)
}

// Tail keeps the last n entries when n > 0.
func Tail(entries []ledger.Entry, n int) []ledger.Entry {
	if n > 0 && len(entries) > n {
		return entries[len(entries)-n:]
	}
	return entries
}
