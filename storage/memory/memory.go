// Package memory provides an in-process storage.Store for tests and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/community-ledger/ledger"
	"github.com/warp/community-ledger/loyalty"
	"github.com/warp/community-ledger/microcredit"
	"github.com/warp/community-ledger/partner"
	"github.com/warp/community-ledger/storage"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

// Store keeps everything in maps guarded by one RWMutex. WithTx holds the
// write lock for the whole callback and rolls back from a snapshot on error,
// so units of work are serialized.
type Store struct {
	mu sync.RWMutex
	st *state
}

type viewKey struct {
	member  ledger.MemberID
	partner ledger.PartnerID
}

type state struct {
	entries   []ledger.Entry
	entryIDs  map[ledger.EntryID]bool
	partners  map[ledger.PartnerID]partner.Partner
	offers    map[string]loyalty.Offer
	campaigns map[string]microcredit.Campaign
	supports  map[string]microcredit.Support
	views     map[viewKey]loyalty.BalanceView
	runs      []storage.ReconcileRun
}

var _ storage.Store = (*Store)(nil)

func New() *Store {
	return &Store{st: &state{
		entryIDs:  make(map[ledger.EntryID]bool),
		partners:  make(map[ledger.PartnerID]partner.Partner),
		offers:    make(map[string]loyalty.Offer),
		campaigns: make(map[string]microcredit.Campaign),
		supports:  make(map[string]microcredit.Support),
		views:     make(map[viewKey]loyalty.BalanceView),
	}}
}

func (m *Store) Close() error { return nil }

// WithTx executes fn with exclusive access. Writes are applied directly and
// undone from a snapshot if fn fails.
func (m *Store) WithTx(ctx context.Context, fn func(storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.st.snapshot()
	if err := fn(&txView{st: m.st}); err != nil {
		m.st = snap
		return err
	}
	return nil
}

// snapshot copies the mutable maps. Entries are append-only, so the
// snapshot shares their backing array and only remembers the length.
func (s *state) snapshot() *state {
	cp := &state{
		entries:   s.entries[:len(s.entries):len(s.entries)],
		entryIDs:  make(map[ledger.EntryID]bool, len(s.entryIDs)),
		partners:  make(map[ledger.PartnerID]partner.Partner, len(s.partners)),
		offers:    make(map[string]loyalty.Offer, len(s.offers)),
		campaigns: make(map[string]microcredit.Campaign, len(s.campaigns)),
		supports:  make(map[string]microcredit.Support, len(s.supports)),
		views:     make(map[viewKey]loyalty.BalanceView, len(s.views)),
		runs:      append([]storage.ReconcileRun(nil), s.runs...),
	}
	for k, v := range s.entryIDs {
		cp.entryIDs[k] = v
	}
	for k, v := range s.partners {
		cp.partners[k] = v
	}
	for k, v := range s.offers {
		cp.offers[k] = v
	}
	for k, v := range s.campaigns {
		cp.campaigns[k] = v
	}
	for k, v := range s.supports {
		cp.supports[k] = v
	}
	for k, v := range s.views {
		cp.views[k] = v
	}
	return cp
}

// =============================================================================
// READS (locked)
// =============================================================================

func (m *Store) Entries(ctx context.Context, f ledger.Filter) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.Entries(ctx, f)
}

func (m *Store) Partner(ctx context.Context, id ledger.PartnerID) (partner.Partner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.Partner(ctx, id)
}

func (m *Store) Offer(ctx context.Context, id string) (loyalty.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.Offer(ctx, id)
}

func (m *Store) Campaign(ctx context.Context, id string) (microcredit.Campaign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.Campaign(ctx, id)
}

func (m *Store) Campaigns(ctx context.Context) ([]microcredit.Campaign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.Campaigns(ctx)
}

func (m *Store) Support(ctx context.Context, id string) (microcredit.Support, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.Support(ctx, id)
}

func (m *Store) Supports(ctx context.Context, campaignID string) ([]microcredit.Support, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.Supports(ctx, campaignID)
}

func (m *Store) PointsView(ctx context.Context, member ledger.MemberID, p ledger.PartnerID) (loyalty.BalanceView, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.PointsView(ctx, member, p)
}

func (m *Store) PointsViews(ctx context.Context) ([]loyalty.BalanceView, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.PointsViews(ctx)
}

// =============================================================================
// REFERENCE DATA
// =============================================================================

func (m *Store) SavePartner(_ context.Context, p partner.Partner) error {
	if err := p.Validate(); err != nil {
		return err
	}
	p.PaymentMethods = append([]partner.PaymentMethod(nil), p.PaymentMethods...)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.partners[p.ID] = p
	return nil
}

func (m *Store) SaveOffer(_ context.Context, o loyalty.Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.st.partners[o.PartnerID]; !ok {
		return fmt.Errorf("partner %s: %w", o.PartnerID, storage.ErrNotFound)
	}
	m.st.offers[o.ID] = o
	return nil
}

func (m *Store) SaveReconcileRun(_ context.Context, r storage.ReconcileRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.st.runs {
		if m.st.runs[i].ID == r.ID {
			m.st.runs[i] = r
			return nil
		}
	}
	m.st.runs = append(m.st.runs, r)
	return nil
}

// ReconcileRuns returns the most recent runs first.
func (m *Store) ReconcileRuns(_ context.Context, limit int) ([]storage.ReconcileRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]storage.ReconcileRun, 0, len(m.st.runs))
	for i := len(m.st.runs) - 1; i >= 0; i-- {
		out = append(out, m.st.runs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// =============================================================================
// STATE - unlocked implementation shared by Store and txView
// =============================================================================

func (s *state) Entries(_ context.Context, f ledger.Filter) ([]ledger.Entry, error) {
	var out []ledger.Entry
	for _, e := range s.entries {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	return storage.Tail(out, f.Limit), nil
}

func (s *state) Partner(_ context.Context, id ledger.PartnerID) (partner.Partner, error) {
	p, ok := s.partners[id]
	if !ok {
		return partner.Partner{}, fmt.Errorf("partner %s: %w", id, storage.ErrNotFound)
	}
	return p, nil
}

func (s *state) Offer(_ context.Context, id string) (loyalty.Offer, error) {
	o, ok := s.offers[id]
	if !ok {
		return loyalty.Offer{}, fmt.Errorf("offer %s: %w", id, storage.ErrNotFound)
	}
	return o, nil
}

func (s *state) Campaign(_ context.Context, id string) (microcredit.Campaign, error) {
	c, ok := s.campaigns[id]
	if !ok {
		return microcredit.Campaign{}, fmt.Errorf("campaign %s: %w", id, storage.ErrNotFound)
	}
	return c, nil
}

func (s *state) Campaigns(_ context.Context) ([]microcredit.Campaign, error) {
	out := make([]microcredit.Campaign, 0, len(s.campaigns))
	for _, c := range s.campaigns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *state) Support(_ context.Context, id string) (microcredit.Support, error) {
	sup, ok := s.supports[id]
	if !ok {
		return microcredit.Support{}, fmt.Errorf("support %s: %w", id, storage.ErrNotFound)
	}
	return sup, nil
}

func (s *state) Supports(_ context.Context, campaignID string) ([]microcredit.Support, error) {
	var out []microcredit.Support
	for _, sup := range s.supports {
		if campaignID == "" || sup.CampaignID == campaignID {
			out = append(out, sup)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *state) PointsView(_ context.Context, member ledger.MemberID, p ledger.PartnerID) (loyalty.BalanceView, error) {
	v, ok := s.views[viewKey{member, p}]
	if !ok {
		return loyalty.BalanceView{Member: member, Partner: p}, nil
	}
	return v, nil
}

func (s *state) PointsViews(_ context.Context) ([]loyalty.BalanceView, error) {
	out := make([]loyalty.BalanceView, 0, len(s.views))
	for _, v := range s.views {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		return storage.ViewID(out[i].Member, out[i].Partner) < storage.ViewID(out[j].Member, out[j].Partner)
	})
	return out, nil
}

// =============================================================================
// TX VIEW
// =============================================================================

type txView struct {
	st *state
}

func (tv *txView) Entries(ctx context.Context, f ledger.Filter) ([]ledger.Entry, error) {
	return tv.st.Entries(ctx, f)
}

func (tv *txView) Partner(ctx context.Context, id ledger.PartnerID) (partner.Partner, error) {
	return tv.st.Partner(ctx, id)
}

func (tv *txView) Offer(ctx context.Context, id string) (loyalty.Offer, error) {
	return tv.st.Offer(ctx, id)
}

func (tv *txView) Campaign(ctx context.Context, id string) (microcredit.Campaign, error) {
	return tv.st.Campaign(ctx, id)
}

func (tv *txView) Campaigns(ctx context.Context) ([]microcredit.Campaign, error) {
	return tv.st.Campaigns(ctx)
}

func (tv *txView) Support(ctx context.Context, id string) (microcredit.Support, error) {
	return tv.st.Support(ctx, id)
}

func (tv *txView) Supports(ctx context.Context, campaignID string) ([]microcredit.Support, error) {
	return tv.st.Supports(ctx, campaignID)
}

func (tv *txView) PointsView(ctx context.Context, member ledger.MemberID, p ledger.PartnerID) (loyalty.BalanceView, error) {
	return tv.st.PointsView(ctx, member, p)
}

func (tv *txView) PointsViews(ctx context.Context) ([]loyalty.BalanceView, error) {
	return tv.st.PointsViews(ctx)
}

func (tv *txView) Append(_ context.Context, e ledger.Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if tv.st.entryIDs[e.ID] {
		return fmt.Errorf("entry %s: %w", e.ID, storage.ErrDuplicateEntry)
	}
	tv.st.entries = append(tv.st.entries, e)
	tv.st.entryIDs[e.ID] = true
	return nil
}

func (tv *txView) PutCampaign(_ context.Context, c microcredit.Campaign) (microcredit.Campaign, error) {
	stored := tv.st.campaigns[c.ID].Version
	if err := storage.CheckVersion("campaign", c.ID, stored, c.Version); err != nil {
		return c, err
	}
	c.Version++
	tv.st.campaigns[c.ID] = c
	return c, nil
}

func (tv *txView) PutSupport(_ context.Context, s microcredit.Support) (microcredit.Support, error) {
	stored := tv.st.supports[s.ID].Version
	if err := storage.CheckVersion("support", s.ID, stored, s.Version); err != nil {
		return s, err
	}
	s.Version++
	tv.st.supports[s.ID] = s
	return s, nil
}

func (tv *txView) PutPointsView(_ context.Context, v loyalty.BalanceView) (loyalty.BalanceView, error) {
	k := viewKey{v.Member, v.Partner}
	stored := tv.st.views[k].Version
	if err := storage.CheckVersion("points_view", storage.ViewID(v.Member, v.Partner), stored, v.Version); err != nil {
		return v, err
	}
	v.Version++
	tv.st.views[k] = v
	return v, nil
}
