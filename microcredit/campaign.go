/*
Package microcredit models crowdfunding campaigns run by partners and the
member pledges ("supports") made to them.

PURPOSE:
  A partner publishes a time-boxed campaign. Members pledge money during the
  pledge window and receive tokens. Later, during the redeem window, they
  spend those tokens at the partner's premises, possibly in installments.

KEY CONCEPTS IN THIS FILE (campaign.go):
  - Campaign: the partner-owned document, draft until published
  - Terms: sum type deciding how pledged money converts to tokens
  - Phase: time-derived sub-state of a published campaign, never stored
  - Totals: aggregate of all pledges, guarded by the campaign Version

CAMPAIGN TIMELINE:

    draft ──publish──▶ published
                          │
      ┌───────────────────┼───────────────────────────────┐
      ▼                   ▼                               ▼
  not_started ──▶ active ──▶ expired / redeem_pending ──▶ redeem_open ──▶ redeem_closed
              StartsAt   ExpiresAt               Redeem.StartsAt   Redeem.EndsAt

  All window bounds are [start, end): a campaign is active at exactly
  StartsAt and expired at exactly ExpiresAt.

TERMS:
  FlatTerms          one token per whole currency unit, amount must be integral
  QuantitativeTerms  amount must be a multiple of StepAmount,
                     tokens = amount / StepAmount × TokensPerStep

SEE ALSO:
  - support.go: per-pledge lifecycle
  - replay.go: rebuilding supports and totals from ledger entries
  - factory.go: JSON conversion for the HTTP adapter
*/
package microcredit

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/warp/community-ledger/ledger"
)

var (
	// ErrInvalidCampaign is returned when timing, caps or terms are inconsistent.
	ErrInvalidCampaign = errors.New("invalid campaign")

	// ErrAlreadyPublished is returned when mutating a published campaign.
	ErrAlreadyPublished = errors.New("campaign already published")

	// ErrInvalidStep is returned when an amount does not fit the campaign terms.
	ErrInvalidStep = errors.New("amount does not fit campaign terms")
)

// =============================================================================
// STATUS AND PHASE
// =============================================================================

type Status string

const (
	StatusDraft     Status = "draft"
	StatusPublished Status = "published"
)

// Phase is derived from Status and the clock. It is recomputed on every read.
type Phase string

const (
	PhaseDraft         Phase = "draft"
	PhaseNotStarted    Phase = "not_started"
	PhaseActive        Phase = "active"
	PhaseExpired       Phase = "expired"
	PhaseRedeemPending Phase = "redeem_pending"
	PhaseRedeemOpen    Phase = "redeem_open"
	PhaseRedeemClosed  Phase = "redeem_closed"
)

// =============================================================================
// TERMS - Money to tokens conversion
// =============================================================================

// Terms decides how a pledged amount converts to tokens.
// Implementations: FlatTerms, QuantitativeTerms.
type Terms interface {
	// Kind is "flat" or "quantitative".
	Kind() string
	// Tokens converts a pledged amount, or returns ErrInvalidStep.
	Tokens(amount ledger.Money) (int64, error)
	// Validate checks the terms themselves.
	Validate() error
	sealed()
}

const (
	TermsFlat         = "flat"
	TermsQuantitative = "quantitative"
)

// MaxTokensPerStep bounds QuantitativeTerms.TokensPerStep.
const MaxTokensPerStep = 1_000_000

// FlatTerms issues one token per whole currency unit.
type FlatTerms struct{}

func (FlatTerms) Kind() string    { return TermsFlat }
func (FlatTerms) Validate() error { return nil }
func (FlatTerms) sealed()         {}

func (FlatTerms) Tokens(amount ledger.Money) (int64, error) {
	if !amount.IsInteger() {
		return 0, fmt.Errorf("%w: %s is not a whole amount", ErrInvalidStep, amount)
	}
	n, ok := amount.Int64()
	if !ok {
		return 0, fmt.Errorf("%w: %s exceeds the token range", ErrInvalidStep, amount)
	}
	return n, nil
}

// QuantitativeTerms sells tokens in fixed steps, e.g. 10 EUR buys 12 tokens.
type QuantitativeTerms struct {
	StepAmount    ledger.Money
	TokensPerStep int64
}

func (QuantitativeTerms) Kind() string { return TermsQuantitative }
func (QuantitativeTerms) sealed()      {}

func (t QuantitativeTerms) Validate() error {
	if !t.StepAmount.IsPositive() {
		return fmt.Errorf("%w: step amount must be positive", ErrInvalidCampaign)
	}
	if t.TokensPerStep <= 0 || t.TokensPerStep > MaxTokensPerStep {
		return fmt.Errorf("%w: tokens per step must be in 1..%d", ErrInvalidCampaign, MaxTokensPerStep)
	}
	return nil
}

func (t QuantitativeTerms) Tokens(amount ledger.Money) (int64, error) {
	steps, rest, ok := amount.DivMod(t.StepAmount)
	if !ok || (t.TokensPerStep > 0 && steps > math.MaxInt64/t.TokensPerStep) {
		return 0, fmt.Errorf("%w: %s exceeds the token range", ErrInvalidStep, amount)
	}
	if !rest.IsZero() {
		return 0, fmt.Errorf("%w: %s is not a multiple of %s", ErrInvalidStep, amount, t.StepAmount)
	}
	return steps * t.TokensPerStep, nil
}

// =============================================================================
// CAMPAIGN
// =============================================================================

// Window is the pledge window [StartsAt, ExpiresAt).
type Window struct {
	StartsAt  time.Time
	ExpiresAt time.Time
}

// RedeemWindow is the token spending window [StartsAt, EndsAt).
type RedeemWindow struct {
	StartsAt time.Time
	EndsAt   time.Time
}

// Caps bound pledges. Zero MaxAllowed or MaxAmount means unbounded.
type Caps struct {
	MinAllowed ledger.Money // per pledge, inclusive
	MaxAllowed ledger.Money // per pledge, inclusive
	MaxAmount  ledger.Money // campaign-wide, inclusive
}

// Totals aggregate every pledge ever made to the campaign. A reverted pledge
// goes back to order status and still counts.
type Totals struct {
	Pledged      ledger.Money `json:"pledged"`
	Supporters   int64        `json:"supporters"`
	IssuedTokens int64        `json:"issued_tokens"`
}

// Add folds one pledge into the totals.
func (t Totals) Add(amount ledger.Money, tokens int64) Totals {
	t.Pledged = t.Pledged.Add(amount)
	t.Supporters++
	t.IssuedTokens += tokens
	return t
}

// Campaign is a partner-owned microcredit campaign.
//
// INVARIANTS:
//   - Window.StartsAt < Window.ExpiresAt
//   - Redeemable implies Redeem.StartsAt < Redeem.EndsAt
//   - MaxAllowed == 0 or MinAllowed <= MaxAllowed
//   - Once published, only Totals and Version change
type Campaign struct {
	ID         string
	PartnerID  ledger.PartnerID
	Title      string
	Status     Status
	Terms      Terms
	Redeemable bool
	Window     Window
	Redeem     RedeemWindow
	Caps       Caps
	Totals     Totals
	// Version is the optimistic-concurrency token; 0 means not yet stored.
	Version     int64
	CreatedAt   time.Time
	PublishedAt time.Time
}

// Validate checks the campaign invariants.
func (c Campaign) Validate() error {
	if c.ID == "" || c.PartnerID == "" {
		return fmt.Errorf("%w: id and partner are required", ErrInvalidCampaign)
	}
	if c.Terms == nil {
		return fmt.Errorf("%w: terms are required", ErrInvalidCampaign)
	}
	if err := c.Terms.Validate(); err != nil {
		return err
	}
	if !c.Window.StartsAt.Before(c.Window.ExpiresAt) {
		return fmt.Errorf("%w: starts_at must be before expires_at", ErrInvalidCampaign)
	}
	if c.Redeemable && !c.Redeem.StartsAt.Before(c.Redeem.EndsAt) {
		return fmt.Errorf("%w: redeem window must start before it ends", ErrInvalidCampaign)
	}
	if c.Caps.MaxAllowed.IsPositive() && c.Caps.MinAllowed.GreaterThan(c.Caps.MaxAllowed) {
		return fmt.Errorf("%w: min_allowed %s exceeds max_allowed %s",
			ErrInvalidCampaign, c.Caps.MinAllowed, c.Caps.MaxAllowed)
	}
	return nil
}

func (c Campaign) IsPublished() bool { return c.Status == StatusPublished }

// Started reports now >= StartsAt.
func (c Campaign) Started(now time.Time) bool { return !now.Before(c.Window.StartsAt) }

// Expired reports now >= ExpiresAt.
func (c Campaign) Expired(now time.Time) bool { return !now.Before(c.Window.ExpiresAt) }

// AcceptingPledges reports whether the campaign is published and active.
func (c Campaign) AcceptingPledges(now time.Time) bool {
	return c.IsPublished() && c.Started(now) && !c.Expired(now)
}

// RedeemStarted reports now >= Redeem.StartsAt for redeemable campaigns.
func (c Campaign) RedeemStarted(now time.Time) bool {
	return c.Redeemable && !now.Before(c.Redeem.StartsAt)
}

// RedeemEnded reports now >= Redeem.EndsAt for redeemable campaigns.
func (c Campaign) RedeemEnded(now time.Time) bool {
	return c.Redeemable && !now.Before(c.Redeem.EndsAt)
}

// RedeemOpen reports Redeem.StartsAt <= now < Redeem.EndsAt.
func (c Campaign) RedeemOpen(now time.Time) bool {
	return c.RedeemStarted(now) && !c.RedeemEnded(now)
}

// Phase derives the campaign phase at now.
// Redeem phases take precedence when the windows overlap.
func (c Campaign) Phase(now time.Time) Phase {
	switch {
	case !c.IsPublished():
		return PhaseDraft
	case c.RedeemEnded(now):
		return PhaseRedeemClosed
	case c.RedeemStarted(now):
		return PhaseRedeemOpen
	case !c.Started(now):
		return PhaseNotStarted
	case !c.Expired(now):
		return PhaseActive
	case c.Redeemable:
		return PhaseRedeemPending
	default:
		return PhaseExpired
	}
}

// Tokens converts a pledge amount under the campaign terms.
func (c Campaign) Tokens(amount ledger.Money) (int64, error) {
	if c.Terms == nil {
		return 0, fmt.Errorf("%w: campaign %s has no terms", ErrInvalidCampaign, c.ID)
	}
	tokens, err := c.Terms.Tokens(amount)
	if err != nil {
		return 0, err
	}
	if tokens > math.MaxInt64-c.Totals.IssuedTokens {
		return 0, fmt.Errorf("%w: campaign %s cannot issue %d more tokens", ErrInvalidStep, c.ID, tokens)
	}
	return tokens, nil
}

// Publish returns the published copy of a draft campaign.
func (c Campaign) Publish(at time.Time) (Campaign, error) {
	if c.IsPublished() {
		return c, ErrAlreadyPublished
	}
	c.Status = StatusPublished
	c.PublishedAt = at
	return c, nil
}

// =============================================================================
// EDITS
// =============================================================================

// CampaignEdit is a partial update. Nil fields are left unchanged.
type CampaignEdit struct {
	Title      *string
	Terms      Terms
	Redeemable *bool
	Window     *Window
	Redeem     *RedeemWindow
	Caps       *Caps
}

// Edit returns the edited copy of a draft campaign.
// The result is validated; ErrInvalidCampaign reports inconsistent terms.
func (c Campaign) Edit(e CampaignEdit) (Campaign, error) {
	if c.IsPublished() {
		return c, ErrAlreadyPublished
	}
	if e.Title != nil {
		c.Title = *e.Title
	}
	if e.Terms != nil {
		c.Terms = e.Terms
	}
	if e.Redeemable != nil {
		c.Redeemable = *e.Redeemable
	}
	if e.Window != nil {
		c.Window = *e.Window
	}
	if e.Redeem != nil {
		c.Redeem = *e.Redeem
	}
	if e.Caps != nil {
		c.Caps = *e.Caps
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}
