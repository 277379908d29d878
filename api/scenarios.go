/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the ledger with realistic
	data for demos. Every write goes through the service, so demo entries
	are anchored and validated like any other.

AVAILABLE SCENARIOS:

	bakery-loyalty:  Partner with offers, members earning and redeeming points
	oven-campaign:   Quantitative microcredit campaign with pledges in every status
	florist-flat:    Flat, non-redeemable campaign paid at the store

HOW SCENARIOS WORK:
 1. Register partners and offers
 2. Create and publish campaigns around the current time
 3. Apply member operations through the service

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "oven-campaign"}

NOTE:

	The ledger is append-only, so scenarios cannot reset it. Loading a
	scenario whose partner already exists is refused with 409.

SEE ALSO:
  - handlers.go: Handler and error mapping
  - service: the operations applied here
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/community-ledger/ledger"
	"github.com/warp/community-ledger/loyalty"
	"github.com/warp/community-ledger/microcredit"
	"github.com/warp/community-ledger/partner"
	"github.com/warp/community-ledger/service"
	"github.com/warp/community-ledger/storage"
)

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category,omitempty"` // "loyalty" or "microcredit"
}

// LoadScenarioRequest selects a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "bakery-loyalty",
		Name:        "Bakery Loyalty",
		Description: "A bakery with two offers; members earn points and spend them",
		Category:    "loyalty",
	},
	{
		ID:          "oven-campaign",
		Name:        "Oven Campaign",
		Description: "10 EUR buys 12 tokens; pledges in order, confirmation and paid",
		Category:    "microcredit",
	},
	{
		ID:          "florist-flat",
		Name:        "Florist Flat Campaign",
		Description: "One token per euro, no redemption window, paid at the store",
		Category:    "microcredit",
	},
}

var scenarioLoaders = map[string]func(*Handler, context.Context) error{
	"bakery-loyalty": (*Handler).loadBakeryLoyalty,
	"oven-campaign":  (*Handler).loadOvenCampaign,
	"florist-flat":   (*Handler).loadFloristFlat,
}

// errScenarioLoaded is returned when the scenario's partner already exists.
var errScenarioLoaded = errors.New("scenario data already present")

// ListScenarios returns all available demo scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the last loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		h.writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			h.writeJSON(w, http.StatusOK, s)
			return
		}
	}
	h.writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	load, ok := scenarioLoaders[req.ScenarioID]
	if !ok {
		h.writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("%q", req.ScenarioID))
		return
	}

	if err := load(h, r.Context()); err != nil {
		if errors.Is(err, errScenarioLoaded) {
			h.writeError(w, http.StatusConflict, "Scenario already loaded", err)
			return
		}
		h.writeServiceError(w, fmt.Errorf("load scenario %s: %w", req.ScenarioID, err))
		return
	}

	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()
	h.log.WithField("scenario", req.ScenarioID).Info("scenario loaded")

	h.writeJSON(w, http.StatusOK, map[string]string{
		"status":   "loaded",
		"scenario": req.ScenarioID,
	})
}

// =============================================================================
// LOADERS
// =============================================================================

func (h *Handler) loadBakeryLoyalty(ctx context.Context) error {
	if err := h.registerPartner(ctx, partner.Partner{
		ID:             "bakery",
		Name:           "Le Fournil",
		PaymentMethods: []partner.PaymentMethod{{ID: "bank", Name: "Bank transfer"}},
	}); err != nil {
		return err
	}
	offers := []loyalty.Offer{
		{ID: "croissant", PartnerID: "bakery", Title: "Croissant", Cost: ledger.MustParseMoney("2.5")},
		{ID: "coffee", PartnerID: "bakery", Title: "Coffee", Cost: ledger.MustParseMoney("1.8")},
	}
	for _, o := range offers {
		if err := h.Service.RegisterOffer(ctx, o); err != nil {
			return err
		}
	}

	return h.applyAll(ctx,
		service.EarnPoints{Partner: "bakery", Member: "alice", Amount: ledger.NewMoneyFromInt(40)},
		service.EarnPoints{Partner: "bakery", Member: "bob", Amount: ledger.MustParseMoney("15.5")},
		service.RedeemOffer{Partner: "bakery", Member: "alice", OfferID: "croissant", Quantity: 2},
		service.RedeemPoints{Partner: "bakery", Member: "bob", Amount: ledger.NewMoneyFromInt(5)},
	)
}

func (h *Handler) loadOvenCampaign(ctx context.Context) error {
	if err := h.registerPartner(ctx, partner.Partner{
		ID:             "oven-bakery",
		Name:           "Pain & Co",
		PaymentMethods: []partner.PaymentMethod{{ID: "bank", Name: "Bank transfer", Details: "FR76 0000 0000 0000"}},
	}); err != nil {
		return err
	}

	now := h.Service.Now()
	day := 24 * time.Hour
	c, err := h.createAndPublish(ctx, microcredit.Campaign{
		PartnerID:  "oven-bakery",
		Title:      "A new wood-fired oven",
		Terms:      microcredit.QuantitativeTerms{StepAmount: ledger.NewMoneyFromInt(10), TokensPerStep: 12},
		Redeemable: true,
		Window:     microcredit.Window{StartsAt: now.Add(-day), ExpiresAt: now.Add(29 * day)},
		Redeem:     microcredit.RedeemWindow{StartsAt: now.Add(60 * day), EndsAt: now.Add(180 * day)},
		Caps: microcredit.Caps{
			MinAllowed: ledger.NewMoneyFromInt(10),
			MaxAllowed: ledger.NewMoneyFromInt(500),
			MaxAmount:  ledger.NewMoneyFromInt(20000),
		},
	})
	if err != nil {
		return err
	}

	if _, err := h.Service.Apply(ctx, service.PledgeFund{Campaign: c.ID, Member: "alice", Amount: ledger.NewMoneyFromInt(50), Method: "bank"}); err != nil {
		return err
	}
	confirmed, err := h.Service.Apply(ctx, service.PledgeFund{Campaign: c.ID, Member: "carol", Amount: ledger.NewMoneyFromInt(100), Method: "bank", PaymentID: "VIR-0042"})
	if err != nil {
		return err
	}

	return h.applyAll(ctx,
		service.ConfirmPledge{Support: confirmed.Support.ID, Target: microcredit.StatusConfirmation},
		service.PledgeFund{Campaign: c.ID, Member: "bob", Amount: ledger.NewMoneyFromInt(20), Method: partner.MethodStore},
	)
}

func (h *Handler) loadFloristFlat(ctx context.Context) error {
	if err := h.registerPartner(ctx, partner.Partner{
		ID:             "florist",
		Name:           "Fleurs du Quartier",
		PaymentMethods: []partner.PaymentMethod{{ID: "card", Name: "Card at the counter"}},
	}); err != nil {
		return err
	}

	now := h.Service.Now()
	c, err := h.createAndPublish(ctx, microcredit.Campaign{
		PartnerID: "florist",
		Title:     "Greenhouse roof",
		Terms:     microcredit.FlatTerms{},
		Window:    microcredit.Window{StartsAt: now.Add(-time.Hour), ExpiresAt: now.Add(14 * 24 * time.Hour)},
		Caps:      microcredit.Caps{MinAllowed: ledger.NewMoneyFromInt(5)},
	})
	if err != nil {
		return err
	}

	return h.applyAll(ctx,
		service.PledgeFund{Campaign: c.ID, Member: "alice", Amount: ledger.NewMoneyFromInt(25), Method: partner.MethodStore},
		service.PledgeFund{Campaign: c.ID, Member: "dan", Amount: ledger.NewMoneyFromInt(40), Method: "card", Paid: true},
		service.PledgeFund{Campaign: c.ID, Member: "erin", Amount: ledger.NewMoneyFromInt(5), Method: partner.MethodStore},
	)
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) registerPartner(ctx context.Context, p partner.Partner) error {
	_, err := h.Service.Store().Partner(ctx, p.ID)
	switch {
	case err == nil:
		return fmt.Errorf("%w: partner %s", errScenarioLoaded, p.ID)
	case !errors.Is(err, storage.ErrNotFound):
		return err
	}
	return h.Service.RegisterPartner(ctx, p)
}

func (h *Handler) createAndPublish(ctx context.Context, c microcredit.Campaign) (microcredit.Campaign, error) {
	c, err := h.Service.CreateCampaign(ctx, c)
	if err != nil {
		return c, err
	}
	return h.Service.PublishCampaign(ctx, c.ID)
}

func (h *Handler) applyAll(ctx context.Context, ops ...service.Operation) error {
	for _, op := range ops {
		if _, err := h.Service.ApplyWithRetry(ctx, op, applyAttempts); err != nil {
			return fmt.Errorf("%s: %w", op.Kind(), err)
		}
	}
	return nil
}
