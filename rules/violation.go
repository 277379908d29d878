/*
Package rules is the pure rule engine gating every balance-changing
operation.

PURPOSE:
  Given snapshots of current state (Facts) and the kind of operation being
  attempted (Check), return the first rule that blocks it, or nil. The
  engine never reads storage, never reads the clock and never mutates its
  inputs: the same Facts always produce the same verdict.

KEY CONCEPTS:
  - Check: tagged union of the operations that can be validated
  - Rule: a named predicate bound to one stable Code
  - Violation: the typed verdict returned to callers
  - Facts: everything a predicate may look at, including "now"

ORDERING:
  Each Check maps to an ordered slice of rules. Evaluation stops at the
  first failure, so the earliest blocking reason is what the member sees.
  Reordering a table is a behaviour change.

SEE ALSO:
  - table.go: the rule tables
  - predicates.go: the named predicates
*/
package rules

import (
	"errors"
	"fmt"
)

// Code is a stable, caller-facing rule failure code.
type Code string

const (
	CodeNotEnoughPoints          Code = "NOT_ENOUGH_POINTS"
	CodeOfferExpired             Code = "OFFER_EXPIRED"
	CodePaymentMethodsRequired   Code = "PAYMENT_METHODS_REQUIRED"
	CodeCampaignPublished        Code = "CAMPAIGN_PUBLISHED"
	CodeCampaignNotPublished     Code = "CAMPAIGN_NOT_PUBLISHED"
	CodeCampaignNotStarted       Code = "CAMPAIGN_NOT_STARTED"
	CodeCampaignExpired          Code = "CAMPAIGN_EXPIRED"
	CodeOverTotalMax             Code = "OVER_TOTAL_MAX"
	CodeOverMaxAmount            Code = "OVER_MAX_AMOUNT"
	CodeUnderMinAmount           Code = "UNDER_MIN_AMOUNT"
	CodeZeroAmount               Code = "ZERO_AMOUNT"
	CodeMethodUnavailable        Code = "METHOD_UNAVAILABLE"
	CodeTokensRedeemed           Code = "TOKENS_REDEEMED"
	CodeCampaignRedeemStarted    Code = "CAMPAIGN_REDEEM_STARTED"
	CodeCampaignRedeemEnded      Code = "CAMPAIGN_REDEEM_ENDED"
	CodeCampaignRedeemNotStarted Code = "CAMPAIGN_REDEEM_NOT_STARTED"
	CodeSupportNotPaid           Code = "SUPPORT_NOT_PAID"
	CodeNotEnoughTokens          Code = "NOT_ENOUGH_TOKENS"
	CodeInvalidStep              Code = "INVALID_STEP"
	CodeInvalidTerms             Code = "INVALID_TERMS"
	CodeInvalidTransition        Code = "INVALID_TRANSITION"
	CodeCampaignNotRedeemable    Code = "CAMPAIGN_NOT_REDEEMABLE"

	// CodeAnchoringFailed is not produced by the engine. It is the code
	// callers report for ledger.ErrAnchoringFailed.
	CodeAnchoringFailed Code = "ANCHORING_FAILED"
)

// Violation is the verdict of a failed rule.
type Violation struct {
	Code   Code   `json:"code"`
	Rule   string `json:"rule"`
	Detail string `json:"detail,omitempty"`
}

func (v *Violation) Error() string {
	if v.Detail == "" {
		return fmt.Sprintf("rule %s failed: %s", v.Rule, v.Code)
	}
	return fmt.Sprintf("rule %s failed: %s: %s", v.Rule, v.Code, v.Detail)
}

// Is matches another Violation with the same Code, so callers can write
// errors.Is(err, &rules.Violation{Code: rules.CodeZeroAmount}).
func (v *Violation) Is(target error) bool {
	t, ok := target.(*Violation)
	return ok && t.Code == v.Code
}

// AsViolation extracts a Violation from err.
func AsViolation(err error) (*Violation, bool) {
	var v *Violation
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}

// CodeOf returns the rule code carried by err, or "" if err is not a violation.
func CodeOf(err error) Code {
	if v, ok := AsViolation(err); ok {
		return v.Code
	}
	return ""
}
