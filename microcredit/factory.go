/*
factory.go - JSON to Campaign conversion

PURPOSE:
  Converts the JSON campaign documents the HTTP adapter receives into
  Campaign and CampaignEdit values, and back. Money is carried as decimal
  strings so no precision is lost on the wire.

JSON SCHEMA:
  {
    "id": "c-bakery-oven",
    "partner_id": "bakery",
    "title": "New oven",
    "terms": {"type": "quantitative", "step_amount": "10", "tokens_per_step": 12},
    "redeemable": true,
    "starts_at": "2025-03-01T00:00:00Z",
    "expires_at": "2025-04-01T00:00:00Z",
    "redeem_starts_at": "2025-06-01T00:00:00Z",
    "redeem_ends_at": "2025-12-31T00:00:00Z",
    "min_allowed": "10",
    "max_allowed": "100",
    "max_amount": "30000"
  }

  "terms" defaults to {"type": "flat"}. Caps default to zero (unbounded
  maximums, no minimum).

USAGE:
  f := NewCampaignFactory()
  campaign, err := f.ParseCampaign(body)
  edit, err := f.ParseEdit(body, current)
  doc := f.ToJSON(campaign, now)
*/
package microcredit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/warp/community-ledger/ledger"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// CampaignJSON is the JSON representation of a campaign.
type CampaignJSON struct {
	ID             string     `json:"id"`
	PartnerID      string     `json:"partner_id"`
	Title          string     `json:"title"`
	Status         string     `json:"status,omitempty"`
	Phase          string     `json:"phase,omitempty"` // output only
	Terms          *TermsJSON `json:"terms,omitempty"`
	Redeemable     bool       `json:"redeemable"`
	StartsAt       time.Time  `json:"starts_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	RedeemStartsAt *time.Time `json:"redeem_starts_at,omitempty"`
	RedeemEndsAt   *time.Time `json:"redeem_ends_at,omitempty"`
	MinAllowed     *string    `json:"min_allowed,omitempty"`
	MaxAllowed     *string    `json:"max_allowed,omitempty"`
	MaxAmount      *string    `json:"max_amount,omitempty"`
	Totals         *Totals    `json:"totals,omitempty"` // output only
	Version        int64      `json:"version,omitempty"`
}

// TermsJSON represents the campaign terms.
type TermsJSON struct {
	Type          string `json:"type"` // flat, quantitative
	StepAmount    string `json:"step_amount,omitempty"`
	TokensPerStep int64  `json:"tokens_per_step,omitempty"`
}

// EditJSON is a partial update; absent fields are left unchanged.
type EditJSON struct {
	Title          *string    `json:"title,omitempty"`
	Terms          *TermsJSON `json:"terms,omitempty"`
	Redeemable     *bool      `json:"redeemable,omitempty"`
	StartsAt       *time.Time `json:"starts_at,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	RedeemStartsAt *time.Time `json:"redeem_starts_at,omitempty"`
	RedeemEndsAt   *time.Time `json:"redeem_ends_at,omitempty"`
	MinAllowed     *string    `json:"min_allowed,omitempty"`
	MaxAllowed     *string    `json:"max_allowed,omitempty"`
	MaxAmount      *string    `json:"max_amount,omitempty"`
}

// =============================================================================
// CAMPAIGN FACTORY
// =============================================================================

// CampaignFactory converts JSON campaigns to Go values.
type CampaignFactory struct{}

func NewCampaignFactory() *CampaignFactory {
	return &CampaignFactory{}
}

// ParseCampaign parses a JSON document into a draft Campaign.
// The result is not validated; the service validates on create.
func (f *CampaignFactory) ParseCampaign(data []byte) (Campaign, error) {
	var cj CampaignJSON
	if err := json.Unmarshal(data, &cj); err != nil {
		return Campaign{}, fmt.Errorf("failed to parse campaign JSON: %w", err)
	}
	return f.FromJSON(cj)
}

// FromJSON converts CampaignJSON to a draft Campaign.
func (f *CampaignFactory) FromJSON(cj CampaignJSON) (Campaign, error) {
	terms, err := TermsFromJSON(cj.Terms)
	if err != nil {
		return Campaign{}, err
	}

	c := Campaign{
		ID:         cj.ID,
		PartnerID:  ledger.PartnerID(cj.PartnerID),
		Title:      cj.Title,
		Status:     StatusDraft,
		Terms:      terms,
		Redeemable: cj.Redeemable,
		Window:     Window{StartsAt: cj.StartsAt, ExpiresAt: cj.ExpiresAt},
	}
	if cj.RedeemStartsAt != nil {
		c.Redeem.StartsAt = *cj.RedeemStartsAt
	}
	if cj.RedeemEndsAt != nil {
		c.Redeem.EndsAt = *cj.RedeemEndsAt
	}

	if c.Caps.MinAllowed, err = parseOptionalMoney("min_allowed", cj.MinAllowed); err != nil {
		return Campaign{}, err
	}
	if c.Caps.MaxAllowed, err = parseOptionalMoney("max_allowed", cj.MaxAllowed); err != nil {
		return Campaign{}, err
	}
	if c.Caps.MaxAmount, err = parseOptionalMoney("max_amount", cj.MaxAmount); err != nil {
		return Campaign{}, err
	}
	return c, nil
}

// ParseEdit parses a JSON partial update against the campaign being edited.
// Window and cap fields are merged into the current values.
func (f *CampaignFactory) ParseEdit(data []byte, current Campaign) (CampaignEdit, error) {
	var ej EditJSON
	if err := json.Unmarshal(data, &ej); err != nil {
		return CampaignEdit{}, fmt.Errorf("failed to parse campaign edit JSON: %w", err)
	}

	edit := CampaignEdit{Title: ej.Title, Redeemable: ej.Redeemable}

	if ej.Terms != nil {
		terms, err := TermsFromJSON(ej.Terms)
		if err != nil {
			return CampaignEdit{}, err
		}
		edit.Terms = terms
	}

	if ej.StartsAt != nil || ej.ExpiresAt != nil {
		w := current.Window
		if ej.StartsAt != nil {
			w.StartsAt = *ej.StartsAt
		}
		if ej.ExpiresAt != nil {
			w.ExpiresAt = *ej.ExpiresAt
		}
		edit.Window = &w
	}

	if ej.RedeemStartsAt != nil || ej.RedeemEndsAt != nil {
		r := current.Redeem
		if ej.RedeemStartsAt != nil {
			r.StartsAt = *ej.RedeemStartsAt
		}
		if ej.RedeemEndsAt != nil {
			r.EndsAt = *ej.RedeemEndsAt
		}
		edit.Redeem = &r
	}

	if ej.MinAllowed != nil || ej.MaxAllowed != nil || ej.MaxAmount != nil {
		caps := current.Caps
		var err error
		if ej.MinAllowed != nil {
			if caps.MinAllowed, err = parseOptionalMoney("min_allowed", ej.MinAllowed); err != nil {
				return CampaignEdit{}, err
			}
		}
		if ej.MaxAllowed != nil {
			if caps.MaxAllowed, err = parseOptionalMoney("max_allowed", ej.MaxAllowed); err != nil {
				return CampaignEdit{}, err
			}
		}
		if ej.MaxAmount != nil {
			if caps.MaxAmount, err = parseOptionalMoney("max_amount", ej.MaxAmount); err != nil {
				return CampaignEdit{}, err
			}
		}
		edit.Caps = &caps
	}

	return edit, nil
}

// ToJSON converts a Campaign to CampaignJSON, including its phase at now.
func (f *CampaignFactory) ToJSON(c Campaign, now time.Time) CampaignJSON {
	totals := c.Totals
	cj := CampaignJSON{
		ID:         c.ID,
		PartnerID:  string(c.PartnerID),
		Title:      c.Title,
		Status:     string(c.Status),
		Phase:      string(c.Phase(now)),
		Redeemable: c.Redeemable,
		StartsAt:   c.Window.StartsAt,
		ExpiresAt:  c.Window.ExpiresAt,
		MinAllowed: moneyPtr(c.Caps.MinAllowed),
		MaxAllowed: moneyPtr(c.Caps.MaxAllowed),
		MaxAmount:  moneyPtr(c.Caps.MaxAmount),
		Totals:     &totals,
		Version:    c.Version,
	}
	if c.Redeemable {
		rs, re := c.Redeem.StartsAt, c.Redeem.EndsAt
		cj.RedeemStartsAt = &rs
		cj.RedeemEndsAt = &re
	}

	cj.Terms = TermsToJSON(c.Terms)
	return cj
}

// TermsToJSON encodes terms; stores use it for their terms column.
func TermsToJSON(t Terms) *TermsJSON {
	switch t := t.(type) {
	case QuantitativeTerms:
		return &TermsJSON{
			Type:          TermsQuantitative,
			StepAmount:    t.StepAmount.String(),
			TokensPerStep: t.TokensPerStep,
		}
	case FlatTerms:
		return &TermsJSON{Type: TermsFlat}
	}
	return nil
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

// TermsFromJSON decodes terms. Nil or an empty type means flat terms.
func TermsFromJSON(tj *TermsJSON) (Terms, error) {
	if tj == nil {
		return FlatTerms{}, nil
	}
	switch tj.Type {
	case "", TermsFlat:
		return FlatTerms{}, nil
	case TermsQuantitative:
		step, err := ledger.ParseMoney(tj.StepAmount)
		if err != nil {
			return nil, fmt.Errorf("%w: step_amount: %v", ErrInvalidCampaign, err)
		}
		return QuantitativeTerms{StepAmount: step, TokensPerStep: tj.TokensPerStep}, nil
	default:
		return nil, fmt.Errorf("%w: unknown terms type %q", ErrInvalidCampaign, tj.Type)
	}
}

func parseOptionalMoney(field string, s *string) (ledger.Money, error) {
	if s == nil || *s == "" {
		return ledger.Zero, nil
	}
	m, err := ledger.ParseMoney(*s)
	if err != nil {
		return ledger.Zero, fmt.Errorf("%w: %s: %v", ErrInvalidCampaign, field, err)
	}
	return m, nil
}

func moneyPtr(m ledger.Money) *string {
	s := m.String()
	return &s
}
