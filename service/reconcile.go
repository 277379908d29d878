package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/warp/community-ledger/ledger"
	"github.com/warp/community-ledger/loyalty"
	"github.com/warp/community-ledger/microcredit"
	"github.com/warp/community-ledger/storage"
)

// =============================================================================
// RECONCILIATION
// =============================================================================
//
// Every materialized document can be rebuilt from the log:
//
//   points view  = FoldPoints(points entries of the pair)
//   totals       = ReplayTotals(pledges of the campaign)
//   support      = ReplaySupport(entries of the support)
//
// Reconcile compares each stored document with its rebuild and, on drift,
// rewrites it inside a transaction that re-derives it from the log again,
// so a write racing the reconcile is never overwritten with stale data.

var pointsFilter = ledger.Filter{
	Kinds: []ledger.EntryKind{ledger.KindEarnPoints, ledger.KindRedeemPoints, ledger.KindRedeemPointsOffer},
}

type viewKey struct {
	member  ledger.MemberID
	partner ledger.PartnerID
}

// Reconcile checks every materialized document against the log, repairs
// drift, and records the run.
func (s *Service) Reconcile(ctx context.Context) (storage.ReconcileRun, error) {
	run := storage.ReconcileRun{
		ID:        s.newID(),
		Status:    storage.RunRunning,
		StartedAt: s.clock(),
	}
	log := s.log.WithField("run_id", run.ID)

	if err := s.store.SaveReconcileRun(ctx, run); err != nil {
		return run, fmt.Errorf("failed to record reconcile run: %w", err)
	}
	log.Info("reconcile started")

	err := s.reconcile(ctx, &run, log)

	completed := s.clock()
	run.CompletedAt = &completed
	run.Status = storage.RunCompleted
	if err != nil {
		run.Status = storage.RunFailed
		run.Error = err.Error()
	}

	// The run is recorded even when ctx was cancelled mid-way.
	if saveErr := s.store.SaveReconcileRun(context.WithoutCancel(ctx), run); saveErr != nil {
		log.WithError(saveErr).Error("failed to record reconcile outcome")
		err = errors.Join(err, saveErr)
	}
	s.metrics.ObserveReconcile(run.Status, run.Drifted, completed)

	fields := logrus.Fields{"checked": run.Checked, "drifted": run.Drifted, "repaired": run.Repaired}
	if err != nil {
		log.WithFields(fields).WithError(err).Error("reconcile failed")
		return run, err
	}
	if run.Drifted > 0 {
		log.WithFields(fields).Warn("reconcile repaired drift")
	} else {
		log.WithFields(fields).Info("reconcile completed")
	}
	return run, nil
}

func (s *Service) reconcile(ctx context.Context, run *storage.ReconcileRun, log logrus.FieldLogger) error {
	if err := s.reconcilePoints(ctx, run, log); err != nil {
		return fmt.Errorf("points views: %w", err)
	}

	campaigns, err := s.store.Campaigns(ctx)
	if err != nil {
		return err
	}
	for _, c := range campaigns {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.reconcileCampaign(ctx, c, run, log); err != nil {
			return fmt.Errorf("campaign %s: %w", c.ID, err)
		}
	}
	return nil
}

// =============================================================================
// POINTS VIEWS
// =============================================================================

func (s *Service) reconcilePoints(ctx context.Context, run *storage.ReconcileRun, log logrus.FieldLogger) error {
	entries, err := s.store.Entries(ctx, pointsFilter)
	if err != nil {
		return err
	}
	views, err := s.store.PointsViews(ctx)
	if err != nil {
		return err
	}

	grouped := make(map[viewKey][]ledger.Entry)
	for _, e := range entries {
		k := viewKey{e.Counterpart, e.Subject}
		grouped[k] = append(grouped[k], e)
	}
	stored := make(map[viewKey]loyalty.BalanceView, len(views))
	for _, v := range views {
		k := viewKey{v.Member, v.Partner}
		stored[k] = v
		if _, ok := grouped[k]; !ok {
			// A view without entries must fold to zero.
			grouped[k] = nil
		}
	}

	for k, es := range grouped {
		run.Checked++
		folded, err := ledger.FoldPoints(k.member, k.partner, es)
		if err != nil {
			run.Drifted++
			log.WithError(err).WithField("view", storage.ViewID(k.member, k.partner)).Error("points history cannot be folded")
			continue
		}
		if stored[k].Matches(folded) {
			continue
		}

		run.Drifted++
		log.WithFields(logrus.Fields{
			"view":     storage.ViewID(k.member, k.partner),
			"stored":   stored[k].Available().String(),
			"expected": folded.Available().String(),
		}).Warn("points view drifted")
		if err := s.repairView(ctx, k); err != nil {
			return err
		}
		run.Repaired++
	}
	return nil
}

func (s *Service) repairView(ctx context.Context, k viewKey) error {
	return s.store.WithTx(ctx, func(tx storage.Tx) error {
		balance, err := ledger.NewProjector(tx).Balance(ctx, k.member, k.partner)
		if err != nil {
			return err
		}
		view, err := tx.PointsView(ctx, k.member, k.partner)
		if err != nil {
			return err
		}
		if view.Matches(balance) {
			return nil
		}
		_, err = tx.PutPointsView(ctx, view.WithBalance(balance, s.clock()))
		return err
	})
}

// =============================================================================
// CAMPAIGNS AND SUPPORTS
// =============================================================================

func (s *Service) reconcileCampaign(ctx context.Context, c microcredit.Campaign, run *storage.ReconcileRun, log logrus.FieldLogger) error {
	entries, err := s.store.Entries(ctx, ledger.Filter{CampaignID: c.ID})
	if err != nil {
		return err
	}
	log = log.WithField("campaign", c.ID)

	run.Checked++
	if !totalsEqual(c.Totals, microcredit.ReplayTotals(entries)) {
		run.Drifted++
		log.Warn("campaign totals drifted")
		if err := s.repairTotals(ctx, c.ID); err != nil {
			return err
		}
		run.Repaired++
	}

	supports, err := s.store.Supports(ctx, c.ID)
	if err != nil {
		return err
	}
	stored := make(map[string]microcredit.Support, len(supports))
	for _, sp := range supports {
		stored[sp.ID] = sp
	}

	for id, es := range microcredit.GroupBySupport(entries) {
		run.Checked++
		replayed, err := microcredit.ReplaySupport(es)
		if err != nil {
			run.Drifted++
			log.WithError(err).WithField("support", id).Error("support history cannot be replayed")
			continue
		}
		if current, ok := stored[id]; ok && supportEqual(current, replayed) {
			continue
		}

		run.Drifted++
		log.WithField("support", id).Warn("support drifted")
		if err := s.repairSupport(ctx, id); err != nil {
			return err
		}
		run.Repaired++
	}
	return nil
}

func (s *Service) repairTotals(ctx context.Context, campaignID string) error {
	return s.store.WithTx(ctx, func(tx storage.Tx) error {
		c, err := tx.Campaign(ctx, campaignID)
		if err != nil {
			return err
		}
		entries, err := tx.Entries(ctx, ledger.Filter{CampaignID: campaignID, Kinds: []ledger.EntryKind{ledger.KindPledgeFund}})
		if err != nil {
			return err
		}
		c.Totals = microcredit.ReplayTotals(entries)
		_, err = tx.PutCampaign(ctx, c)
		return err
	})
}

func (s *Service) repairSupport(ctx context.Context, id string) error {
	return s.store.WithTx(ctx, func(tx storage.Tx) error {
		entries, err := tx.Entries(ctx, ledger.Filter{SupportID: id})
		if err != nil {
			return err
		}
		replayed, err := microcredit.ReplaySupport(entries)
		if err != nil {
			return err
		}
		current, err := tx.Support(ctx, id)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			replayed.Version = 0
		case err != nil:
			return err
		default:
			if supportEqual(current, replayed) {
				return nil
			}
			replayed.Version = current.Version
		}
		_, err = tx.PutSupport(ctx, replayed)
		return err
	})
}

func totalsEqual(a, b microcredit.Totals) bool {
	return a.Pledged.Equal(b.Pledged) && a.Supporters == b.Supporters && a.IssuedTokens == b.IssuedTokens
}

func supportEqual(a, b microcredit.Support) bool {
	return a.CampaignID == b.CampaignID &&
		a.PartnerID == b.PartnerID &&
		a.MemberID == b.MemberID &&
		a.Amount.Equal(b.Amount) &&
		a.Status == b.Status &&
		a.InitialTokens == b.InitialTokens &&
		a.RedeemedTokens == b.RedeemedTokens
}

// =============================================================================
// RECEIPT VERIFICATION
// =============================================================================

// ReceiptVerifier checks that an entry's receipt covers its content.
type ReceiptVerifier interface {
	Verify(e ledger.Entry) error
}

// VerifyReceipts checks the receipt of every entry matching filter and
// returns the IDs of the entries whose receipt does not verify.
func (s *Service) VerifyReceipts(ctx context.Context, v ReceiptVerifier, filter ledger.Filter) (checked int, invalid []ledger.EntryID, err error) {
	entries, err := s.store.Entries(ctx, filter)
	if err != nil {
		return 0, nil, err
	}
	for _, e := range entries {
		if err := v.Verify(e); err != nil {
			s.log.WithError(err).WithField("entry_id", e.ID).Warn("receipt does not verify")
			invalid = append(invalid, e.ID)
		}
	}
	return len(entries), invalid, nil
}
