package service

import (
	"context"
	"fmt"

	"github.com/warp/community-ledger/ledger"
	"github.com/warp/community-ledger/microcredit"
	"github.com/warp/community-ledger/storage"
)

// CurrentBalance folds the member's points from the log. With an empty
// partner the balance is summed across partners.
//
// The log is the source of truth; the materialized views are only used to
// serialize writers.
func (s *Service) CurrentBalance(ctx context.Context, member ledger.MemberID, p ledger.PartnerID) (ledger.PointsBalance, error) {
	if member == "" {
		return ledger.PointsBalance{}, fmt.Errorf("%w: balance requires a member id", ErrInvalidOperation)
	}
	return ledger.NewProjector(s.store).Balance(ctx, member, p)
}

// Breakdown returns the member's balance per partner.
func (s *Service) Breakdown(ctx context.Context, member ledger.MemberID) (map[ledger.PartnerID]ledger.PointsBalance, error) {
	if member == "" {
		return nil, fmt.Errorf("%w: breakdown requires a member id", ErrInvalidOperation)
	}
	return ledger.NewProjector(s.store).Breakdown(ctx, member)
}

// Support returns the stored support.
func (s *Service) Support(ctx context.Context, id string) (microcredit.Support, error) {
	return s.store.Support(ctx, id)
}

// Supports lists the supports of a campaign.
func (s *Service) Supports(ctx context.Context, campaignID string) ([]microcredit.Support, error) {
	if _, err := s.store.Campaign(ctx, campaignID); err != nil {
		return nil, err
	}
	return s.store.Supports(ctx, campaignID)
}

// ReplaySupport rebuilds a support from the log, ignoring the stored copy.
func (s *Service) ReplaySupport(ctx context.Context, id string) (microcredit.Support, error) {
	entries, err := s.store.Entries(ctx, ledger.Filter{SupportID: id})
	if err != nil {
		return microcredit.Support{}, err
	}
	if len(entries) == 0 {
		return microcredit.Support{}, fmt.Errorf("support %s: %w", id, storage.ErrNotFound)
	}
	return microcredit.ReplaySupport(entries)
}

// History returns entries in append order.
func (s *Service) History(ctx context.Context, filter ledger.Filter) ([]ledger.Entry, error) {
	for _, k := range filter.Kinds {
		if !k.Valid() {
			return nil, fmt.Errorf("%w: unknown entry kind %q", ErrInvalidOperation, k)
		}
	}
	if filter.Limit < 0 {
		return nil, fmt.Errorf("%w: negative limit", ErrInvalidOperation)
	}
	return s.store.Entries(ctx, filter)
}

// ReconcileRuns returns the most recent reconcile runs first.
func (s *Service) ReconcileRuns(ctx context.Context, limit int) ([]storage.ReconcileRun, error) {
	return s.store.ReconcileRuns(ctx, limit)
}
