/*
handlers.go - HTTP API handlers for the community ledger

PURPOSE:
  Exposes the ledger service via REST API. Handles HTTP request/response,
  JSON serialization and validation, and delegates to package service.

ENDPOINTS:
  Partners:
    POST   /api/partners                   Create or replace a partner
    GET    /api/partners/{id}              Get a partner
    POST   /api/partners/{id}/offers       Create or replace an offer

  Points:
    POST   /api/points/earn                Earn points
    POST   /api/points/redeem              Redeem points
    POST   /api/points/redeem-offer        Redeem an offer
    GET    /api/members/{id}/balance       Balance (?partner= to scope)
    GET    /api/members/{id}/history       Member entries

  Campaigns:
    GET    /api/campaigns                  List campaigns
    POST   /api/campaigns                  Create a draft
    GET    /api/campaigns/{id}             Get a campaign
    PATCH  /api/campaigns/{id}             Edit a draft
    POST   /api/campaigns/{id}/publish     Publish
    GET    /api/campaigns/{id}/supports    List supports
    POST   /api/campaigns/{id}/pledges     Pledge

  Supports:
    GET    /api/supports/{id}              Get a support
    GET    /api/supports/{id}/replay       Rebuild a support from the log
    POST   /api/supports/{id}/confirm      Confirm
    POST   /api/supports/{id}/revert       Revert to order
    POST   /api/supports/{id}/redeem       Redeem tokens

  Ledger and admin:
    GET    /api/entries                    Filtered entries
    POST   /api/admin/reconcile            Run a reconcile pass now
    GET    /api/admin/reconcile            Scheduler status and recent runs
    POST   /api/admin/verify               Verify anchoring receipts

ERROR HANDLING:
  Errors are returned as ErrorResponse with an HTTP status:
  - 400: malformed body, failed validation, invalid references
  - 404: unknown partner, offer, campaign or support
  - 409: lost a concurrent modification race (retry), reconcile running
  - 422: business rule violation; "code" carries the rule code
  - 503: anchoring failed (retry)
  - 500: anything else

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/warp/community-ledger/ledger"
	"github.com/warp/community-ledger/microcredit"
	"github.com/warp/community-ledger/partner"
	"github.com/warp/community-ledger/rules"
	"github.com/warp/community-ledger/service"
	"github.com/warp/community-ledger/storage"
)

const maxBodyBytes = 1 << 20

// applyAttempts bounds transparent retries of conflicting operations.
const applyAttempts = 3

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service   *service.Service
	Campaigns *microcredit.CampaignFactory
	Scheduler *ReconcileScheduler
	// Verifier checks receipts for /api/admin/verify; nil disables it.
	Verifier service.ReceiptVerifier

	log      logrus.FieldLogger
	validate *validator.Validate

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler over svc.
func NewHandler(svc *service.Service, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{
		Service:   svc,
		Campaigns: microcredit.NewCampaignFactory(),
		log:       log,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
	}
}

// =============================================================================
// PARTNERS AND OFFERS
// =============================================================================

// CreatePartner handles POST /api/partners
func (h *Handler) CreatePartner(w http.ResponseWriter, r *http.Request) {
	var req PartnerRequest
	if !h.decode(w, r, &req) {
		return
	}
	p := toPartner(req)
	if err := h.Service.RegisterPartner(r.Context(), p); err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, p)
}

// GetPartner handles GET /api/partners/{id}
func (h *Handler) GetPartner(w http.ResponseWriter, r *http.Request) {
	p, err := h.Service.Store().Partner(r.Context(), ledger.PartnerID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if p.PaymentMethods == nil {
		p.PaymentMethods = []partner.PaymentMethod{}
	}
	h.writeJSON(w, http.StatusOK, p)
}

// CreateOffer handles POST /api/partners/{id}/offers
func (h *Handler) CreateOffer(w http.ResponseWriter, r *http.Request) {
	var req OfferRequest
	if !h.decode(w, r, &req) {
		return
	}
	cost, ok := h.parseMoney(w, "cost", req.Cost)
	if !ok {
		return
	}
	o := toOffer(chi.URLParam(r, "id"), req, cost)
	if err := h.Service.RegisterOffer(r.Context(), o); err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, o)
}

// =============================================================================
// POINTS
// =============================================================================

// Earn handles POST /api/points/earn
func (h *Handler) Earn(w http.ResponseWriter, r *http.Request) {
	var req EarnRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, ok := h.parseMoney(w, "amount", req.Amount)
	if !ok {
		return
	}
	h.apply(w, r, service.EarnPoints{
		Partner: ledger.PartnerID(req.PartnerID),
		Member:  ledger.MemberID(req.MemberID),
		Amount:  amount,
		OfferID: req.OfferID,
	})
}

// Redeem handles POST /api/points/redeem
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, ok := h.parseMoney(w, "amount", req.Amount)
	if !ok {
		return
	}
	h.apply(w, r, service.RedeemPoints{
		Partner: ledger.PartnerID(req.PartnerID),
		Member:  ledger.MemberID(req.MemberID),
		Amount:  amount,
	})
}

// RedeemOffer handles POST /api/points/redeem-offer
func (h *Handler) RedeemOffer(w http.ResponseWriter, r *http.Request) {
	var req RedeemOfferRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.apply(w, r, service.RedeemOffer{
		Partner:  ledger.PartnerID(req.PartnerID),
		Member:   ledger.MemberID(req.MemberID),
		OfferID:  req.OfferID,
		Quantity: req.Quantity,
	})
}

// GetBalance handles GET /api/members/{id}/balance
//
// With ?partner= the balance of that partner only; otherwise the total and
// the per-partner breakdown.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	member := ledger.MemberID(chi.URLParam(r, "id"))

	if p := r.URL.Query().Get("partner"); p != "" {
		b, err := h.Service.CurrentBalance(ctx, member, ledger.PartnerID(p))
		if err != nil {
			h.writeServiceError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, toBalanceDTO(b))
		return
	}

	total, err := h.Service.CurrentBalance(ctx, member, "")
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	breakdown, err := h.Service.Breakdown(ctx, member)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	summary := BalanceSummaryDTO{Total: toBalanceDTO(total), Partners: make([]BalanceDTO, 0, len(breakdown))}
	for _, b := range breakdown {
		summary.Partners = append(summary.Partners, toBalanceDTO(b))
	}
	sort.Slice(summary.Partners, func(i, j int) bool {
		return summary.Partners[i].PartnerID < summary.Partners[j].PartnerID
	})
	h.writeJSON(w, http.StatusOK, summary)
}

// GetHistory handles GET /api/members/{id}/history
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	filter, ok := h.parseFilter(w, r)
	if !ok {
		return
	}
	filter.Counterpart = ledger.MemberID(chi.URLParam(r, "id"))
	h.writeEntries(w, r, filter)
}

// ListEntries handles GET /api/entries
//
// Query: partner, member, campaign, support, kind (repeatable or comma
// separated), limit.
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	filter, ok := h.parseFilter(w, r)
	if !ok {
		return
	}
	h.writeEntries(w, r, filter)
}

func (h *Handler) writeEntries(w http.ResponseWriter, r *http.Request, filter ledger.Filter) {
	entries, err := h.Service.History(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	out := make([]EntryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, toEntryDTO(e))
	}
	h.writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// CAMPAIGNS
// =============================================================================

// ListCampaigns handles GET /api/campaigns
func (h *Handler) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.Service.Campaigns(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	out := make([]CampaignDTO, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, h.campaignDTO(s.Campaign))
	}
	h.writeJSON(w, http.StatusOK, out)
}

// CreateCampaign handles POST /api/campaigns
//
// The body is a microcredit.CampaignJSON document.
func (h *Handler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	c, err := h.Campaigns.ParseCampaign(body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid campaign", err)
		return
	}
	if c.PartnerID == "" {
		h.writeError(w, http.StatusBadRequest, "Invalid campaign", errors.New("partner_id is required"))
		return
	}

	c, err = h.Service.CreateCampaign(r.Context(), c)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, h.campaignDTO(c))
}

// GetCampaign handles GET /api/campaigns/{id}
func (h *Handler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Service.Campaign(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.campaignDTO(snap.Campaign))
}

// EditCampaign handles PATCH /api/campaigns/{id}
//
// The body is a microcredit.EditJSON document; absent fields are unchanged.
func (h *Handler) EditCampaign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	current, err := h.Service.Campaign(ctx, id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	edit, err := h.Campaigns.ParseEdit(body, current.Campaign)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid campaign edit", err)
		return
	}

	c, err := h.Service.EditCampaign(ctx, id, edit)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.campaignDTO(c))
}

// PublishCampaign handles POST /api/campaigns/{id}/publish
func (h *Handler) PublishCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.Service.PublishCampaign(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.campaignDTO(c))
}

// ListSupports handles GET /api/campaigns/{id}/supports
func (h *Handler) ListSupports(w http.ResponseWriter, r *http.Request) {
	supports, err := h.Service.Supports(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	out := make([]SupportDTO, 0, len(supports))
	for _, s := range supports {
		out = append(out, toSupportDTO(s))
	}
	h.writeJSON(w, http.StatusOK, out)
}

// Pledge handles POST /api/campaigns/{id}/pledges
func (h *Handler) Pledge(w http.ResponseWriter, r *http.Request) {
	var req PledgeRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, ok := h.parseMoney(w, "amount", req.Amount)
	if !ok {
		return
	}
	h.apply(w, r, service.PledgeFund{
		Campaign:  chi.URLParam(r, "id"),
		Member:    ledger.MemberID(req.MemberID),
		Amount:    amount,
		Method:    req.PaymentMethod,
		PaymentID: req.PaymentID,
		Paid:      req.Paid,
	})
}

func (h *Handler) campaignDTO(c microcredit.Campaign) CampaignDTO {
	dto := CampaignDTO{CampaignJSON: h.Campaigns.ToJSON(c, h.Service.Now())}
	if c.Caps.MaxAmount.IsPositive() {
		if room, err := c.Caps.MaxAmount.Sub(c.Totals.Pledged); err == nil {
			s := room.String()
			dto.Remaining = &s
		}
	}
	return dto
}

// =============================================================================
// SUPPORTS
// =============================================================================

// GetSupport handles GET /api/supports/{id}
func (h *Handler) GetSupport(w http.ResponseWriter, r *http.Request) {
	s, err := h.Service.Support(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toSupportDTO(s))
}

// ReplaySupport handles GET /api/supports/{id}/replay
func (h *Handler) ReplaySupport(w http.ResponseWriter, r *http.Request) {
	s, err := h.Service.ReplaySupport(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toSupportDTO(s))
}

// ConfirmSupport handles POST /api/supports/{id}/confirm
func (h *Handler) ConfirmSupport(w http.ResponseWriter, r *http.Request) {
	var req ConfirmRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.apply(w, r, service.ConfirmPledge{
		Support: chi.URLParam(r, "id"),
		Target:  microcredit.SupportStatus(req.Status),
	})
}

// RevertSupport handles POST /api/supports/{id}/revert
func (h *Handler) RevertSupport(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, service.RevertPledge{Support: chi.URLParam(r, "id")})
}

// RedeemTokens handles POST /api/supports/{id}/redeem
func (h *Handler) RedeemTokens(w http.ResponseWriter, r *http.Request) {
	var req RedeemTokensRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.apply(w, r, service.RedeemPledgeTokens{Support: chi.URLParam(r, "id"), Tokens: req.Tokens})
}

// =============================================================================
// ADMIN
// =============================================================================

// TriggerReconcile handles POST /api/admin/reconcile
func (h *Handler) TriggerReconcile(w http.ResponseWriter, r *http.Request) {
	var (
		run storage.ReconcileRun
		err error
	)
	if h.Scheduler != nil {
		run, err = h.Scheduler.RunNow(r.Context())
	} else {
		run, err = h.Service.Reconcile(r.Context())
	}
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, run)
}

// ReconcileStatus handles GET /api/admin/reconcile
func (h *Handler) ReconcileStatus(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			h.writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	runs, err := h.Service.ReconcileRuns(r.Context(), limit)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	status := ReconcileStatusDTO{Runs: runs}
	if status.Runs == nil {
		status.Runs = []storage.ReconcileRun{}
	}
	if h.Scheduler != nil {
		if next := h.Scheduler.NextRun(); !next.IsZero() {
			status.NextRun = &next
		}
	}
	h.writeJSON(w, http.StatusOK, status)
}

// VerifyReceipts handles POST /api/admin/verify
//
// Accepts the same query filters as /api/entries.
func (h *Handler) VerifyReceipts(w http.ResponseWriter, r *http.Request) {
	if h.Verifier == nil {
		h.writeError(w, http.StatusNotImplemented, "Receipt verification is not available for this anchor mode", nil)
		return
	}
	filter, ok := h.parseFilter(w, r)
	if !ok {
		return
	}
	checked, invalid, err := h.Service.VerifyReceipts(r.Context(), h.Verifier, filter)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	out := VerifyDTO{Checked: checked, Invalid: make([]string, 0, len(invalid))}
	for _, id := range invalid {
		out.Invalid = append(out.Invalid, string(id))
	}
	h.writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) apply(w http.ResponseWriter, r *http.Request, op service.Operation) {
	res, err := h.Service.ApplyWithRetry(r.Context(), op, applyAttempts)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	out := ResultDTO{Entry: toEntryDTO(res.Entry)}
	if res.Balance != nil {
		b := toBalanceDTO(*res.Balance)
		out.Balance = &b
	}
	if res.Campaign != nil {
		c := h.campaignDTO(*res.Campaign)
		out.Campaign = &c
	}
	if res.Support != nil {
		s := toSupportDTO(*res.Support)
		out.Support = &s
	}
	h.writeJSON(w, http.StatusCreated, out)
}

// decode reads a JSON body into dst and validates it. On failure it writes
// a 400 response and returns false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, "Validation failed", validationError(err))
		return false
	}
	return true
}

// validationError flattens validator errors to "field: tag" pairs.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s: %s", fe.Namespace(), fe.Tag()))
	}
	return errors.New(strings.Join(parts, "; "))
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Failed to read body", err)
		return nil, false
	}
	return body, true
}

func (h *Handler) parseMoney(w http.ResponseWriter, field, s string) (ledger.Money, bool) {
	m, err := ledger.ParseMoney(s)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid "+field, err)
		return ledger.Zero, false
	}
	return m, true
}

func (h *Handler) parseFilter(w http.ResponseWriter, r *http.Request) (ledger.Filter, bool) {
	q := r.URL.Query()
	f := ledger.Filter{
		Subject:     ledger.PartnerID(q.Get("partner")),
		Counterpart: ledger.MemberID(q.Get("member")),
		CampaignID:  q.Get("campaign"),
		SupportID:   q.Get("support"),
	}
	for _, v := range q["kind"] {
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				f.Kinds = append(f.Kinds, ledger.EntryKind(k))
			}
		}
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			h.writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return f, false
		}
		f.Limit = n
	}
	return f, true
}

// writeServiceError maps service errors to HTTP statuses.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	if v, ok := rules.AsViolation(err); ok {
		h.writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:   "Rule violation",
			Code:    string(v.Code),
			Details: v.Detail,
		})
		return
	}

	switch {
	case errors.Is(err, storage.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "Not found", err)
	case errors.Is(err, service.ErrInvalidOperation),
		errors.Is(err, ledger.ErrNegativeMoney),
		errors.Is(err, ledger.ErrInvalidEntry),
		errors.Is(err, microcredit.ErrInvalidCampaign),
		errors.Is(err, partner.ErrInvalidPartner):
		h.writeError(w, http.StatusBadRequest, "Invalid request", err)
	case errors.Is(err, ledger.ErrConcurrentModification):
		h.writeJSON(w, http.StatusConflict, ErrorResponse{
			Error: "Concurrent modification, retry", Code: "CONCURRENT_MODIFICATION", Details: err.Error(),
		})
	case errors.Is(err, ErrReconcileRunning):
		h.writeError(w, http.StatusConflict, "Reconcile already running", err)
	case errors.Is(err, ledger.ErrAnchoringFailed):
		h.writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{
			Error: "Anchoring failed, retry", Code: string(rules.CodeAnchoringFailed), Details: err.Error(),
		})
	case errors.Is(err, context.Canceled):
		h.writeError(w, http.StatusRequestTimeout, "Request cancelled", err)
	default:
		h.log.WithError(err).Error("request failed")
		h.writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

// writeJSON writes data with the given status. The status line is already
// sent when encoding fails, so the error is only logged.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.WithError(err).WithField("status", status).Warn("failed to write response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	h.writeJSON(w, status, resp)
}
