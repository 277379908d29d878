/*
Package partner models the merchants that run loyalty programmes and
microcredit campaigns.

PURPOSE:
  A partner is the Subject of every ledger entry. The core only needs two
  facts about it: who it is, and which payment methods it has configured.
  Everything else about a merchant (profile, address, images) belongs to
  the surrounding platform.

PAYMENT METHODS:
  Pledges name the method the member paid with. "store" means payment at
  the partner's premises and is always available; any other method must be
  configured on the partner. Publishing a campaign requires at least one
  configured method.

SEE ALSO:
  - rules: METHOD_UNAVAILABLE and PAYMENT_METHODS_REQUIRED checks
*/
package partner

import (
	"errors"
	"fmt"

	"github.com/warp/community-ledger/ledger"
)

// MethodStore is the pay-at-premises method. It never needs configuration
// and moves a new support straight to paid.
const MethodStore = "store"

// PaymentMethod is one configured way of paying a partner.
type PaymentMethod struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// Details is free text shown to members (IBAN, instructions).
	Details string `json:"details,omitempty"`
}

// Partner is a merchant taking part in the platform.
type Partner struct {
	ID             ledger.PartnerID `json:"id"`
	Name           string           `json:"name"`
	PaymentMethods []PaymentMethod  `json:"payment_methods"`
}

// ErrInvalidPartner is returned by Validate.
var ErrInvalidPartner = errors.New("invalid partner")

// Validate checks structural fields before a partner is saved.
func (p Partner) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidPartner)
	}
	seen := make(map[string]bool, len(p.PaymentMethods))
	for _, m := range p.PaymentMethods {
		if m.ID == "" {
			return fmt.Errorf("%w: payment method without id", ErrInvalidPartner)
		}
		if m.ID == MethodStore {
			return fmt.Errorf("%w: %q is implicit and cannot be configured", ErrInvalidPartner, MethodStore)
		}
		if seen[m.ID] {
			return fmt.Errorf("%w: duplicate payment method %q", ErrInvalidPartner, m.ID)
		}
		seen[m.ID] = true
	}
	return nil
}

// HasPaymentMethods reports whether at least one method is configured.
func (p Partner) HasPaymentMethods() bool {
	return len(p.PaymentMethods) > 0
}

// AcceptsMethod reports whether a pledge may name method.
// An empty method and MethodStore are always accepted.
func (p Partner) AcceptsMethod(method string) bool {
	if method == "" || method == MethodStore {
		return true
	}
	for _, m := range p.PaymentMethods {
		if m.ID == method {
			return true
		}
	}
	return false
}
