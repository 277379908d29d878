package service

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/community-ledger/ledger"
	"github.com/warp/community-ledger/loyalty"
	"github.com/warp/community-ledger/microcredit"
	"github.com/warp/community-ledger/partner"
	"github.com/warp/community-ledger/rules"
	"github.com/warp/community-ledger/storage"
)

// =============================================================================
// REFERENCE DATA
// =============================================================================

// RegisterPartner creates or replaces a partner.
func (s *Service) RegisterPartner(ctx context.Context, p partner.Partner) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}
	if err := s.store.SavePartner(ctx, p); err != nil {
		return err
	}
	s.log.WithField("partner", p.ID).Info("partner saved")
	return nil
}

// RegisterOffer creates or replaces an offer of an existing partner.
func (s *Service) RegisterOffer(ctx context.Context, o loyalty.Offer) error {
	switch {
	case o.ID == "" || o.PartnerID == "":
		return fmt.Errorf("%w: offer requires id and partner", ErrInvalidOperation)
	case !o.Cost.IsPositive():
		return fmt.Errorf("%w: offer %s must cost a positive amount", ErrInvalidOperation, o.ID)
	}
	o.ExpiresAt = normTime(o.ExpiresAt)
	if err := s.store.SaveOffer(ctx, o); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"partner": o.PartnerID, "offer": o.ID}).Info("offer saved")
	return nil
}

// =============================================================================
// CAMPAIGN LIFECYCLE
// =============================================================================

// CreateCampaign stores c as a new draft. An empty ID is generated.
// Inconsistent terms, windows or caps are reported as INVALID_TERMS.
func (s *Service) CreateCampaign(ctx context.Context, c microcredit.Campaign) (microcredit.Campaign, error) {
	if c.ID == "" {
		c.ID = s.newID()
	}
	if c.Terms == nil {
		c.Terms = microcredit.FlatTerms{}
	}
	c.Status = microcredit.StatusDraft
	c.Totals = microcredit.Totals{}
	c.Version = 0
	c.CreatedAt = s.clock()
	c.PublishedAt = time.Time{}
	normWindows(&c)

	if err := c.Validate(); err != nil {
		return c, &rules.Violation{Code: rules.CodeInvalidTerms, Rule: "campaign_valid", Detail: err.Error()}
	}

	var stored microcredit.Campaign
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.Partner(ctx, c.PartnerID); err != nil {
			return fmt.Errorf("partner %s: %w", c.PartnerID, err)
		}
		var err error
		stored, err = tx.PutCampaign(ctx, c)
		return err
	})
	if err != nil {
		return c, err
	}
	s.log.WithFields(logrus.Fields{"campaign": stored.ID, "partner": stored.PartnerID}).Info("campaign created")
	return stored, nil
}

// EditCampaign applies a partial update to a draft campaign.
func (s *Service) EditCampaign(ctx context.Context, id string, edit microcredit.CampaignEdit) (microcredit.Campaign, error) {
	if edit.Window != nil {
		w := microcredit.Window{StartsAt: normTime(edit.Window.StartsAt), ExpiresAt: normTime(edit.Window.ExpiresAt)}
		edit.Window = &w
	}
	if edit.Redeem != nil {
		r := microcredit.RedeemWindow{StartsAt: normTime(edit.Redeem.StartsAt), EndsAt: normTime(edit.Redeem.EndsAt)}
		edit.Redeem = &r
	}
	return s.updateCampaign(ctx, id, rules.CheckEdit, func(facts *rules.Facts) {
		facts.Edit = &edit
	}, func(c microcredit.Campaign) (microcredit.Campaign, error) {
		return c.Edit(edit)
	})
}

// PublishCampaign publishes a draft campaign. The partner must have at
// least one configured payment method.
func (s *Service) PublishCampaign(ctx context.Context, id string) (microcredit.Campaign, error) {
	now := s.clock()
	return s.updateCampaign(ctx, id, rules.CheckPublish, nil, func(c microcredit.Campaign) (microcredit.Campaign, error) {
		return c.Publish(now)
	})
}

// updateCampaign loads the campaign and its partner in a transaction, runs
// check, and writes the result of mutate under the loaded version.
func (s *Service) updateCampaign(
	ctx context.Context,
	id string,
	check rules.Check,
	prepare func(*rules.Facts),
	mutate func(microcredit.Campaign) (microcredit.Campaign, error),
) (microcredit.Campaign, error) {
	var stored microcredit.Campaign
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		c, err := tx.Campaign(ctx, id)
		if err != nil {
			return err
		}
		owner, err := tx.Partner(ctx, c.PartnerID)
		if err != nil {
			return err
		}

		facts := rules.Facts{Now: s.clock(), Campaign: &c, Partner: &owner}
		if prepare != nil {
			prepare(&facts)
		}
		if err := rules.Evaluate(check, facts); err != nil {
			return err
		}

		next, err := mutate(c)
		if err != nil {
			return err
		}
		stored, err = tx.PutCampaign(ctx, next)
		return err
	})
	if err != nil {
		if code := rules.CodeOf(err); code != "" {
			s.metrics.ObserveViolation(string(code))
			s.log.WithFields(logrus.Fields{"campaign": id, "code": code}).Debug("campaign update rejected")
		}
		return stored, err
	}
	s.log.WithFields(logrus.Fields{"campaign": id, "check": check, "version": stored.Version}).Info("campaign updated")
	return stored, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// CampaignSnapshot is a campaign with its phase derived at a given time.
type CampaignSnapshot struct {
	Campaign microcredit.Campaign
	Phase    microcredit.Phase
	// Remaining is the room left under Caps.MaxAmount; zero when unbounded.
	Remaining ledger.Money
}

// Campaign returns the campaign with its current phase.
func (s *Service) Campaign(ctx context.Context, id string) (CampaignSnapshot, error) {
	c, err := s.store.Campaign(ctx, id)
	if err != nil {
		return CampaignSnapshot{}, err
	}
	return s.snapshot(c), nil
}

// Campaigns lists every campaign with its current phase.
func (s *Service) Campaigns(ctx context.Context) ([]CampaignSnapshot, error) {
	cs, err := s.store.Campaigns(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]CampaignSnapshot, 0, len(cs))
	for _, c := range cs {
		out = append(out, s.snapshot(c))
	}
	return out, nil
}

func (s *Service) snapshot(c microcredit.Campaign) CampaignSnapshot {
	snap := CampaignSnapshot{Campaign: c, Phase: c.Phase(s.clock())}
	if c.Caps.MaxAmount.IsPositive() {
		if room, err := c.Caps.MaxAmount.Sub(c.Totals.Pledged); err == nil {
			snap.Remaining = room
		}
	}
	return snap
}

// normTime drops the monotonic reading and sub-microsecond precision so a
// stored time reads back equal from every store.
func normTime(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Truncate(time.Microsecond)
}

func normWindows(c *microcredit.Campaign) {
	c.Window.StartsAt = normTime(c.Window.StartsAt)
	c.Window.ExpiresAt = normTime(c.Window.ExpiresAt)
	c.Redeem.StartsAt = normTime(c.Redeem.StartsAt)
	c.Redeem.EndsAt = normTime(c.Redeem.EndsAt)
}
