/*
Package service applies operations to the ledger.

PURPOSE:
  Service is the only writer of the ledger. Every balance-changing request
  goes through Apply, which guarantees that an entry is appended together
  with the updates of the documents it affects, or not at all.

KEY CONCEPTS:
  - Operation: one of EarnPoints, RedeemPoints, RedeemOffer, PledgeFund,
    ConfirmPledge, RevertPledge, RedeemPledgeTokens
  - Plan: the snapshots an operation reads, the rule check it runs and the
    entry it proposes
  - Anchoring: an external receipt obtained before the write, bounded by a
    timeout, never inside the store transaction

APPLY PIPELINE:
  1. Plan against the store and evaluate the rules (cheap rejection)
  2. Anchor the proposed entry with a timeout
  3. In one transaction: plan again, evaluate again, check the entry still
     matches what was anchored, append it, write the affected documents
     under their versions
  4. A version conflict aborts the transaction; the caller may retry

SEE ALSO:
  - rules: the check tables
  - storage: the transaction and versioning contract
  - ledger: entries, folds and the Anchorer interface
*/
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/warp/community-ledger/ledger"
	"github.com/warp/community-ledger/metrics"
	"github.com/warp/community-ledger/microcredit"
	"github.com/warp/community-ledger/rules"
	"github.com/warp/community-ledger/storage"
)

// ErrInvalidOperation is returned for structurally malformed requests:
// missing identifiers or references that do not fit together.
var ErrInvalidOperation = errors.New("invalid operation")

// DefaultAnchorTimeout bounds one anchoring call when no timeout is set.
const DefaultAnchorTimeout = 5 * time.Second

// Clock returns the current time.
type Clock func() time.Time

// Options configure a Service. Zero values select the defaults.
type Options struct {
	AnchorTimeout time.Duration
	Logger        logrus.FieldLogger
	Metrics       *metrics.Metrics
	Clock         Clock
	NewID         func() string
}

// Service applies operations and answers balance queries.
type Service struct {
	store         storage.Store
	anchorer      ledger.Anchorer
	anchorTimeout time.Duration
	log           logrus.FieldLogger
	metrics       *metrics.Metrics
	now           Clock
	newID         func() string
}

// New creates a Service over store, anchoring entries with anchorer.
func New(store storage.Store, anchorer ledger.Anchorer, opts Options) *Service {
	s := &Service{
		store:         store,
		anchorer:      anchorer,
		anchorTimeout: opts.AnchorTimeout,
		log:           opts.Logger,
		metrics:       opts.Metrics,
		now:           opts.Clock,
		newID:         opts.NewID,
	}
	if s.anchorTimeout <= 0 {
		s.anchorTimeout = DefaultAnchorTimeout
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	return s
}

// Store exposes the underlying store for reference-data writes.
func (s *Service) Store() storage.Store { return s.store }

// Now returns the service clock, as used to stamp entries and derive phases.
func (s *Service) Now() time.Time { return s.clock() }

// clock truncates to microseconds: every store keeps that precision, and
// anchoring receipts cover the exact timestamp.
func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// =============================================================================
// APPLY
// =============================================================================

// Result is what an applied operation produced. Only the documents the
// operation touched are set.
type Result struct {
	Entry    ledger.Entry
	Balance  *ledger.PointsBalance
	Campaign *microcredit.Campaign
	Support  *microcredit.Support
}

// Apply validates, anchors and commits op.
//
// Errors:
//   - *rules.Violation when a business rule rejects the operation
//   - *ledger.AnchoringError when no receipt was obtained in time
//   - *ledger.ConflictError when a concurrent write won the race
//   - storage.ErrNotFound, ErrInvalidOperation for bad references
func (s *Service) Apply(ctx context.Context, op Operation) (Result, error) {
	start := time.Now()
	kind := string(op.Kind())
	log := s.log.WithField("kind", kind)

	res, err := s.apply(ctx, op, log)

	outcome := outcomeOf(err)
	s.metrics.ObserveApply(kind, outcome, time.Since(start))
	switch outcome {
	case metrics.OutcomeApplied:
		log.WithField("entry_id", res.Entry.ID).Info("entry appended")
	case metrics.OutcomeRejected:
		code := rules.CodeOf(err)
		s.metrics.ObserveViolation(string(code))
		log.WithField("code", code).Debug("operation rejected")
	case metrics.OutcomeConflict:
		log.WithError(err).Warn("concurrent modification")
	case metrics.OutcomeAnchoring:
		log.WithError(err).Warn("anchoring failed")
	default:
		if !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, ErrInvalidOperation) {
			log.WithError(err).Error("apply failed")
		}
	}
	return res, err
}

func (s *Service) apply(ctx context.Context, op Operation, log logrus.FieldLogger) (Result, error) {
	env := planEnv{now: s.clock()}
	if op.Kind() == ledger.KindPledgeFund {
		env.supportID = s.newID()
	}

	p, err := op.plan(ctx, s.store, env)
	if err != nil {
		return Result{}, err
	}
	if err := rules.Evaluate(p.check, p.facts); err != nil {
		return Result{}, err
	}

	entry := p.entry
	entry.ID = ledger.EntryID(s.newID())
	entry.CreatedAt = env.now
	req := ledger.RequestFor(entry)

	receipt, err := s.anchor(ctx, req)
	if err != nil {
		return Result{}, err
	}
	entry.Receipt = receipt

	var res Result
	err = s.store.WithTx(ctx, func(tx storage.Tx) error {
		p, err := op.plan(ctx, tx, env)
		if err != nil {
			return err
		}
		if err := rules.Evaluate(p.check, p.facts); err != nil {
			return err
		}
		if !sameAnchoredFields(p.entry, req) {
			// The state moved between planning and commit in a way that
			// changes the entry itself; the receipt no longer covers it.
			return &ledger.ConflictError{Aggregate: "entry", ID: string(entry.ID)}
		}
		if err := tx.Append(ctx, entry); err != nil {
			return err
		}
		res.Entry = entry
		return p.commit(ctx, tx, entry, &res)
	})
	if err != nil {
		log.WithField("entry_id", entry.ID).Debug("anchored entry discarded")
		return Result{}, err
	}
	return res, nil
}

// anchor obtains a receipt within the configured timeout.
func (s *Service) anchor(ctx context.Context, req ledger.AnchorRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.anchorTimeout)
	defer cancel()

	start := time.Now()
	receipt, err := s.anchorer.Anchor(ctx, req)
	s.metrics.ObserveAnchor(time.Since(start))

	if err == nil && receipt == "" {
		err = errors.New("empty receipt")
	}
	if err == nil && ctx.Err() != nil {
		// A receipt that arrives after the deadline is not trusted.
		err = ctx.Err()
	}
	if err != nil {
		return "", &ledger.AnchoringError{EntryID: req.EntryID, Err: err}
	}
	return receipt, nil
}

func sameAnchoredFields(e ledger.Entry, req ledger.AnchorRequest) bool {
	return e.Kind == req.Kind &&
		e.Subject == req.Subject &&
		e.Counterpart == req.Counterpart &&
		e.Amount.Equal(req.Amount) &&
		e.Tokens == req.Tokens &&
		e.Reference == req.Reference
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeApplied
	case rules.CodeOf(err) != "":
		return metrics.OutcomeRejected
	case errors.Is(err, ledger.ErrConcurrentModification):
		return metrics.OutcomeConflict
	case errors.Is(err, ledger.ErrAnchoringFailed):
		return metrics.OutcomeAnchoring
	default:
		return metrics.OutcomeError
	}
}

// IsRetryable reports whether err may succeed when the same operation is
// applied again: a lost version race or a failed anchoring.
func IsRetryable(err error) bool {
	return errors.Is(err, ledger.ErrConcurrentModification) || errors.Is(err, ledger.ErrAnchoringFailed)
}

// ApplyWithRetry applies op up to attempts times while the error is retryable.
func (s *Service) ApplyWithRetry(ctx context.Context, op Operation, attempts int) (Result, error) {
	var (
		res Result
		err error
	)
	for i := 0; i < max(attempts, 1); i++ {
		res, err = s.Apply(ctx, op)
		if err == nil || !IsRetryable(err) {
			return res, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, fmt.Errorf("%w (last error: %v)", ctxErr, err)
		}
	}
	return res, err
}
