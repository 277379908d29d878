/*
Package sqlite provides a SQLite-backed storage.Store.

PURPOSE:
  Persists the append-only entry log and the versioned documents in one
  SQLite database through database/sql and mattn/go-sqlite3.

APPEND-ONLY ENFORCEMENT:
  - entries has no UPDATE or DELETE statement anywhere in this package
  - seq (INTEGER PRIMARY KEY) records append order
  - id is UNIQUE; a second append of the same id is ErrDuplicateEntry

OPTIMISTIC CONCURRENCY:
  Documents carry a version column. Writes are conditional:

    version 0:  INSERT ... (a primary-key clash means someone else created it)
    version N:  UPDATE ... SET version = N+1 WHERE id = ? AND version = N

  Zero affected rows is a *ledger.ConflictError.

CONNECTIONS:
  The pool is capped at one connection. SQLite has a single writer anyway,
  and ":memory:" databases exist per connection, so one connection keeps
  tests and production on the same code path.

KEY TABLES:
  entries         immutable ledger
  partners        partner + payment methods (JSON)
  offers          loyalty offers
  campaigns       microcredit campaigns, terms as JSON
  supports        pledges
  point_balances  materialized (member, partner) balance views
  reconcile_runs  history of view reconciliation passes

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/community-ledger/ledger"
	"github.com/warp/community-ledger/loyalty"
	"github.com/warp/community-ledger/microcredit"
	"github.com/warp/community-ledger/partner"
	"github.com/warp/community-ledger/storage"
)

// Store implements storage.Store using SQLite.
type Store struct {
	reader
	db *sql.DB
	mu sync.Mutex // serializes units of work
}

var _ storage.Store = (*Store)(nil)

// New opens (and migrates) the database at dbPath.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{reader: reader{q: db}, db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Entries (append-only ledger)
	CREATE TABLE IF NOT EXISTS entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL,
		subject TEXT NOT NULL,
		counterpart TEXT NOT NULL,
		amount TEXT NOT NULL,
		tokens INTEGER NOT NULL DEFAULT 0,
		campaign_id TEXT NOT NULL DEFAULT '',
		support_id TEXT NOT NULL DEFAULT '',
		reference_json TEXT NOT NULL,
		receipt TEXT NOT NULL CHECK (receipt <> ''),
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_counterpart_subject
		ON entries(counterpart, subject);
	CREATE INDEX IF NOT EXISTS idx_entries_campaign
		ON entries(campaign_id) WHERE campaign_id <> '';
	CREATE INDEX IF NOT EXISTS idx_entries_support
		ON entries(support_id) WHERE support_id <> '';

	CREATE TABLE IF NOT EXISTS partners (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		payment_methods_json TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS offers (
		id TEXT PRIMARY KEY,
		partner_id TEXT NOT NULL REFERENCES partners(id),
		title TEXT NOT NULL,
		cost TEXT NOT NULL,
		expires_at TEXT
	);

	CREATE TABLE IF NOT EXISTS campaigns (
		id TEXT PRIMARY KEY,
		partner_id TEXT NOT NULL,
		title TEXT NOT NULL,
		status TEXT NOT NULL,
		terms_json TEXT NOT NULL,
		redeemable BOOLEAN NOT NULL,
		starts_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		redeem_starts_at TEXT NOT NULL,
		redeem_ends_at TEXT NOT NULL,
		min_allowed TEXT NOT NULL,
		max_allowed TEXT NOT NULL,
		max_amount TEXT NOT NULL,
		pledged TEXT NOT NULL,
		supporters INTEGER NOT NULL,
		issued_tokens INTEGER NOT NULL,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		published_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS supports (
		id TEXT PRIMARY KEY,
		campaign_id TEXT NOT NULL,
		partner_id TEXT NOT NULL,
		member_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL,
		initial_tokens INTEGER NOT NULL,
		redeemed_tokens INTEGER NOT NULL CHECK (redeemed_tokens BETWEEN 0 AND initial_tokens),
		payment_method TEXT NOT NULL,
		payment_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_supports_campaign
		ON supports(campaign_id);

	CREATE TABLE IF NOT EXISTS point_balances (
		member_id TEXT NOT NULL,
		partner_id TEXT NOT NULL,
		earned TEXT NOT NULL,
		redeemed TEXT NOT NULL,
		entries INTEGER NOT NULL,
		version INTEGER NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (member_id, partner_id)
	);

	CREATE TABLE IF NOT EXISTS reconcile_runs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		checked INTEGER NOT NULL DEFAULT 0,
		drifted INTEGER NOT NULL DEFAULT 0,
		repaired INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		completed_at TEXT
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(storage.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{reader: reader{q: sqlTx}, tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

type txStore struct {
	reader
	tx *sql.Tx
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// ENTRIES
// =============================================================================

const entryColumns = `id, kind, subject, counterpart, amount, tokens, reference_json, receipt, created_at`

func (ts *txStore) Append(ctx context.Context, e ledger.Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	refJSON, err := json.Marshal(e.Reference)
	if err != nil {
		return fmt.Errorf("failed to encode reference: %w", err)
	}

	_, err = ts.tx.ExecContext(ctx, `
		INSERT INTO entries
		(id, kind, subject, counterpart, amount, tokens, campaign_id, support_id,
		 reference_json, receipt, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.Kind, e.Subject, e.Counterpart, e.Amount.String(), e.Tokens,
		e.Reference.CampaignID, e.Reference.SupportID,
		string(refJSON), e.Receipt, formatTime(e.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("entry %s: %w", e.ID, storage.ErrDuplicateEntry)
		}
		return fmt.Errorf("failed to append entry: %w", err)
	}
	return nil
}

type reader struct {
	q querier
}

func (r reader) Entries(ctx context.Context, f ledger.Filter) ([]ledger.Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.Subject != "" {
		where, args = append(where, "subject = ?"), append(args, f.Subject)
	}
	if f.Counterpart != "" {
		where, args = append(where, "counterpart = ?"), append(args, f.Counterpart)
	}
	if f.CampaignID != "" {
		where, args = append(where, "campaign_id = ?"), append(args, f.CampaignID)
	}
	if f.SupportID != "" {
		where, args = append(where, "support_id = ?"), append(args, f.SupportID)
	}
	if len(f.Kinds) > 0 {
		marks := strings.TrimSuffix(strings.Repeat("?,", len(f.Kinds)), ",")
		where = append(where, "kind IN ("+marks+")")
		for _, k := range f.Kinds {
			args = append(args, k)
		}
	}

	query := "SELECT " + entryColumns + " FROM entries"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if f.Limit > 0 {
		query += " ORDER BY seq DESC LIMIT ?"
		args = append(args, f.Limit)
	} else {
		query += " ORDER BY seq ASC"
	}

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if f.Limit > 0 {
		slices.Reverse(entries)
	}
	return entries, nil
}

func scanEntry(rows *sql.Rows) (ledger.Entry, error) {
	var (
		e         ledger.Entry
		amount    string
		refJSON   string
		createdAt string
	)
	if err := rows.Scan(&e.ID, &e.Kind, &e.Subject, &e.Counterpart, &amount, &e.Tokens,
		&refJSON, &e.Receipt, &createdAt); err != nil {
		return e, fmt.Errorf("failed to scan entry: %w", err)
	}

	var err error
	if e.Amount, err = ledger.ParseMoney(amount); err != nil {
		return e, fmt.Errorf("entry %s: %w", e.ID, err)
	}
	if err := json.Unmarshal([]byte(refJSON), &e.Reference); err != nil {
		return e, fmt.Errorf("entry %s reference: %w", e.ID, err)
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return e, fmt.Errorf("entry %s: %w", e.ID, err)
	}
	return e, nil
}

// =============================================================================
// REFERENCE DATA
// =============================================================================

func (s *Store) SavePartner(ctx context.Context, p partner.Partner) error {
	if err := p.Validate(); err != nil {
		return err
	}
	methods, err := json.Marshal(p.PaymentMethods)
	if err != nil {
		return fmt.Errorf("failed to encode payment methods: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO partners (id, name, payment_methods_json) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			payment_methods_json = excluded.payment_methods_json
	`, p.ID, p.Name, string(methods))
	if err != nil {
		return fmt.Errorf("failed to save partner: %w", err)
	}
	return nil
}

func (r reader) Partner(ctx context.Context, id ledger.PartnerID) (partner.Partner, error) {
	var (
		p       partner.Partner
		methods string
	)
	err := r.q.QueryRowContext(ctx,
		`SELECT id, name, payment_methods_json FROM partners WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &methods)
	if errors.Is(err, sql.ErrNoRows) {
		return p, fmt.Errorf("partner %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return p, fmt.Errorf("failed to load partner: %w", err)
	}
	if err := json.Unmarshal([]byte(methods), &p.PaymentMethods); err != nil {
		return p, fmt.Errorf("partner %s payment methods: %w", id, err)
	}
	return p, nil
}

func (s *Store) SaveOffer(ctx context.Context, o loyalty.Offer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO offers (id, partner_id, title, cost, expires_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			partner_id = excluded.partner_id,
			title = excluded.title,
			cost = excluded.cost,
			expires_at = excluded.expires_at
	`, o.ID, o.PartnerID, o.Title, o.Cost.String(), nullTime(o.ExpiresAt))
	if err != nil {
		if isForeignKeyError(err) {
			return fmt.Errorf("partner %s: %w", o.PartnerID, storage.ErrNotFound)
		}
		return fmt.Errorf("failed to save offer: %w", err)
	}
	return nil
}

func (r reader) Offer(ctx context.Context, id string) (loyalty.Offer, error) {
	var (
		o         loyalty.Offer
		cost      string
		expiresAt sql.NullString
	)
	err := r.q.QueryRowContext(ctx,
		`SELECT id, partner_id, title, cost, expires_at FROM offers WHERE id = ?`, id,
	).Scan(&o.ID, &o.PartnerID, &o.Title, &cost, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return o, fmt.Errorf("offer %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return o, fmt.Errorf("failed to load offer: %w", err)
	}
	if o.Cost, err = ledger.ParseMoney(cost); err != nil {
		return o, fmt.Errorf("offer %s: %w", id, err)
	}
	if expiresAt.Valid {
		if o.ExpiresAt, err = parseTime(expiresAt.String); err != nil {
			return o, fmt.Errorf("offer %s: %w", id, err)
		}
	}
	return o, nil
}

// =============================================================================
// CAMPAIGNS
// =============================================================================

const campaignColumns = `id, partner_id, title, status, terms_json, redeemable,
	starts_at, expires_at, redeem_starts_at, redeem_ends_at,
	min_allowed, max_allowed, max_amount, pledged, supporters, issued_tokens,
	version, created_at, published_at`

func (ts *txStore) PutCampaign(ctx context.Context, c microcredit.Campaign) (microcredit.Campaign, error) {
	terms, err := json.Marshal(microcredit.TermsToJSON(c.Terms))
	if err != nil {
		return c, fmt.Errorf("failed to encode terms: %w", err)
	}
	args := []any{
		c.PartnerID, c.Title, c.Status, string(terms), c.Redeemable,
		formatTime(c.Window.StartsAt), formatTime(c.Window.ExpiresAt),
		formatTime(c.Redeem.StartsAt), formatTime(c.Redeem.EndsAt),
		c.Caps.MinAllowed.String(), c.Caps.MaxAllowed.String(), c.Caps.MaxAmount.String(),
		c.Totals.Pledged.String(), c.Totals.Supporters, c.Totals.IssuedTokens,
		formatTime(c.CreatedAt), formatTime(c.PublishedAt),
	}

	if c.Version == 0 {
		_, err = ts.tx.ExecContext(ctx, `
			INSERT INTO campaigns (partner_id, title, status, terms_json, redeemable,
				starts_at, expires_at, redeem_starts_at, redeem_ends_at,
				min_allowed, max_allowed, max_amount, pledged, supporters, issued_tokens,
				created_at, published_at, id, version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		`, append(args, c.ID)...)
		if isUniqueConstraintError(err) {
			return c, &ledger.ConflictError{Aggregate: "campaign", ID: c.ID, Expected: 0}
		}
	} else {
		var res sql.Result
		res, err = ts.tx.ExecContext(ctx, `
			UPDATE campaigns SET partner_id = ?, title = ?, status = ?, terms_json = ?, redeemable = ?,
				starts_at = ?, expires_at = ?, redeem_starts_at = ?, redeem_ends_at = ?,
				min_allowed = ?, max_allowed = ?, max_amount = ?,
				pledged = ?, supporters = ?, issued_tokens = ?,
				created_at = ?, published_at = ?, version = version + 1
			WHERE id = ? AND version = ?
		`, append(args, c.ID, c.Version)...)
		if err == nil {
			err = conflictUnlessOneRow(res, "campaign", c.ID, c.Version)
		}
	}
	if err != nil {
		return c, wrapWrite("campaign", err)
	}
	c.Version++
	return c, nil
}

func (r reader) Campaign(ctx context.Context, id string) (microcredit.Campaign, error) {
	rows, err := r.q.QueryContext(ctx, "SELECT "+campaignColumns+" FROM campaigns WHERE id = ?", id)
	if err != nil {
		return microcredit.Campaign{}, fmt.Errorf("failed to load campaign: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return microcredit.Campaign{}, err
		}
		return microcredit.Campaign{}, fmt.Errorf("campaign %s: %w", id, storage.ErrNotFound)
	}
	return scanCampaign(rows)
}

func (r reader) Campaigns(ctx context.Context) ([]microcredit.Campaign, error) {
	rows, err := r.q.QueryContext(ctx, "SELECT "+campaignColumns+" FROM campaigns ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query campaigns: %w", err)
	}
	defer rows.Close()

	var out []microcredit.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCampaign(rows *sql.Rows) (microcredit.Campaign, error) {
	var (
		c                                      microcredit.Campaign
		termsJSON                              string
		startsAt, expiresAt, rStarts, rEnds    string
		minAllowed, maxAllowed, maxAmount, pld string
		createdAt, publishedAt                 string
	)
	if err := rows.Scan(&c.ID, &c.PartnerID, &c.Title, &c.Status, &termsJSON, &c.Redeemable,
		&startsAt, &expiresAt, &rStarts, &rEnds,
		&minAllowed, &maxAllowed, &maxAmount, &pld, &c.Totals.Supporters, &c.Totals.IssuedTokens,
		&c.Version, &createdAt, &publishedAt); err != nil {
		return c, fmt.Errorf("failed to scan campaign: %w", err)
	}

	var tj microcredit.TermsJSON
	if err := json.Unmarshal([]byte(termsJSON), &tj); err != nil {
		return c, fmt.Errorf("campaign %s terms: %w", c.ID, err)
	}
	terms, err := microcredit.TermsFromJSON(&tj)
	if err != nil {
		return c, fmt.Errorf("campaign %s: %w", c.ID, err)
	}
	c.Terms = terms

	d := decoder{}
	c.Window.StartsAt = d.time(startsAt)
	c.Window.ExpiresAt = d.time(expiresAt)
	c.Redeem.StartsAt = d.time(rStarts)
	c.Redeem.EndsAt = d.time(rEnds)
	c.Caps.MinAllowed = d.money(minAllowed)
	c.Caps.MaxAllowed = d.money(maxAllowed)
	c.Caps.MaxAmount = d.money(maxAmount)
	c.Totals.Pledged = d.money(pld)
	c.CreatedAt = d.time(createdAt)
	c.PublishedAt = d.time(publishedAt)
	if d.err != nil {
		return c, fmt.Errorf("campaign %s: %w", c.ID, d.err)
	}
	return c, nil
}

// =============================================================================
// SUPPORTS
// =============================================================================

const supportColumns = `id, campaign_id, partner_id, member_id, amount, status,
	initial_tokens, redeemed_tokens, payment_method, payment_id, version, created_at, updated_at`

func (ts *txStore) PutSupport(ctx context.Context, s microcredit.Support) (microcredit.Support, error) {
	args := []any{
		s.CampaignID, s.PartnerID, s.MemberID, s.Amount.String(), s.Status,
		s.InitialTokens, s.RedeemedTokens, s.Payment.Method, s.Payment.ID,
		formatTime(s.CreatedAt), formatTime(s.UpdatedAt),
	}

	var err error
	if s.Version == 0 {
		_, err = ts.tx.ExecContext(ctx, `
			INSERT INTO supports (campaign_id, partner_id, member_id, amount, status,
				initial_tokens, redeemed_tokens, payment_method, payment_id,
				created_at, updated_at, id, version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		`, append(args, s.ID)...)
		if isUniqueConstraintError(err) {
			return s, &ledger.ConflictError{Aggregate: "support", ID: s.ID, Expected: 0}
		}
	} else {
		var res sql.Result
		res, err = ts.tx.ExecContext(ctx, `
			UPDATE supports SET campaign_id = ?, partner_id = ?, member_id = ?, amount = ?, status = ?,
				initial_tokens = ?, redeemed_tokens = ?, payment_method = ?, payment_id = ?,
				created_at = ?, updated_at = ?, version = version + 1
			WHERE id = ? AND version = ?
		`, append(args, s.ID, s.Version)...)
		if err == nil {
			err = conflictUnlessOneRow(res, "support", s.ID, s.Version)
		}
	}
	if err != nil {
		return s, wrapWrite("support", err)
	}
	s.Version++
	return s, nil
}

func (r reader) Support(ctx context.Context, id string) (microcredit.Support, error) {
	sups, err := r.querySupports(ctx, "SELECT "+supportColumns+" FROM supports WHERE id = ?", id)
	if err != nil {
		return microcredit.Support{}, err
	}
	if len(sups) == 0 {
		return microcredit.Support{}, fmt.Errorf("support %s: %w", id, storage.ErrNotFound)
	}
	return sups[0], nil
}

func (r reader) Supports(ctx context.Context, campaignID string) ([]microcredit.Support, error) {
	if campaignID == "" {
		return r.querySupports(ctx, "SELECT "+supportColumns+" FROM supports ORDER BY id")
	}
	return r.querySupports(ctx, "SELECT "+supportColumns+" FROM supports WHERE campaign_id = ? ORDER BY id", campaignID)
}

func (r reader) querySupports(ctx context.Context, query string, args ...any) ([]microcredit.Support, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query supports: %w", err)
	}
	defer rows.Close()

	var out []microcredit.Support
	for rows.Next() {
		var (
			s                    microcredit.Support
			amount               string
			createdAt, updatedAt string
		)
		if err := rows.Scan(&s.ID, &s.CampaignID, &s.PartnerID, &s.MemberID, &amount, &s.Status,
			&s.InitialTokens, &s.RedeemedTokens, &s.Payment.Method, &s.Payment.ID,
			&s.Version, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan support: %w", err)
		}
		d := decoder{}
		s.Amount = d.money(amount)
		s.CreatedAt = d.time(createdAt)
		s.UpdatedAt = d.time(updatedAt)
		if d.err != nil {
			return nil, fmt.Errorf("support %s: %w", s.ID, d.err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// =============================================================================
// POINT BALANCE VIEWS
// =============================================================================

func (ts *txStore) PutPointsView(ctx context.Context, v loyalty.BalanceView) (loyalty.BalanceView, error) {
	id := storage.ViewID(v.Member, v.Partner)

	var err error
	if v.Version == 0 {
		_, err = ts.tx.ExecContext(ctx, `
			INSERT INTO point_balances (member_id, partner_id, earned, redeemed, entries, version, updated_at)
			VALUES (?, ?, ?, ?, ?, 1, ?)
		`, v.Member, v.Partner, v.Earned.String(), v.Redeemed.String(), v.Entries, formatTime(v.UpdatedAt))
		if isUniqueConstraintError(err) {
			return v, &ledger.ConflictError{Aggregate: "points_view", ID: id, Expected: 0}
		}
	} else {
		var res sql.Result
		res, err = ts.tx.ExecContext(ctx, `
			UPDATE point_balances SET earned = ?, redeemed = ?, entries = ?, updated_at = ?,
				version = version + 1
			WHERE member_id = ? AND partner_id = ? AND version = ?
		`, v.Earned.String(), v.Redeemed.String(), v.Entries, formatTime(v.UpdatedAt),
			v.Member, v.Partner, v.Version)
		if err == nil {
			err = conflictUnlessOneRow(res, "points_view", id, v.Version)
		}
	}
	if err != nil {
		return v, wrapWrite("points view", err)
	}
	v.Version++
	return v, nil
}

const viewColumns = `member_id, partner_id, earned, redeemed, entries, version, updated_at`

func (r reader) PointsView(ctx context.Context, member ledger.MemberID, p ledger.PartnerID) (loyalty.BalanceView, error) {
	views, err := r.queryViews(ctx,
		"SELECT "+viewColumns+" FROM point_balances WHERE member_id = ? AND partner_id = ?", member, p)
	if err != nil {
		return loyalty.BalanceView{}, err
	}
	if len(views) == 0 {
		return loyalty.BalanceView{Member: member, Partner: p}, nil
	}
	return views[0], nil
}

func (r reader) PointsViews(ctx context.Context) ([]loyalty.BalanceView, error) {
	return r.queryViews(ctx, "SELECT "+viewColumns+" FROM point_balances ORDER BY member_id, partner_id")
}

func (r reader) queryViews(ctx context.Context, query string, args ...any) ([]loyalty.BalanceView, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query point balances: %w", err)
	}
	defer rows.Close()

	var out []loyalty.BalanceView
	for rows.Next() {
		var (
			v                loyalty.BalanceView
			earned, redeemed string
			updatedAt        string
		)
		if err := rows.Scan(&v.Member, &v.Partner, &earned, &redeemed, &v.Entries, &v.Version, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan point balance: %w", err)
		}
		d := decoder{}
		v.Earned = d.money(earned)
		v.Redeemed = d.money(redeemed)
		v.UpdatedAt = d.time(updatedAt)
		if d.err != nil {
			return nil, fmt.Errorf("point balance %s: %w", storage.ViewID(v.Member, v.Partner), d.err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// =============================================================================
// RECONCILE RUNS
// =============================================================================

func (s *Store) SaveReconcileRun(ctx context.Context, r storage.ReconcileRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var completedAt any
	if r.CompletedAt != nil {
		completedAt = formatTime(*r.CompletedAt)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reconcile_runs (id, status, checked, drifted, repaired, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			checked = excluded.checked,
			drifted = excluded.drifted,
			repaired = excluded.repaired,
			error = excluded.error,
			completed_at = excluded.completed_at
	`, r.ID, r.Status, r.Checked, r.Drifted, r.Repaired, r.Error, formatTime(r.StartedAt), completedAt)
	if err != nil {
		return fmt.Errorf("failed to save reconcile run: %w", err)
	}
	return nil
}

// ReconcileRuns returns the most recent runs first.
func (s *Store) ReconcileRuns(ctx context.Context, limit int) ([]storage.ReconcileRun, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, checked, drifted, repaired, error, started_at, completed_at
		FROM reconcile_runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query reconcile runs: %w", err)
	}
	defer rows.Close()

	var runs []storage.ReconcileRun
	for rows.Next() {
		var (
			r           storage.ReconcileRun
			startedAt   string
			completedAt sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Status, &r.Checked, &r.Drifted, &r.Repaired, &r.Error,
			&startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan reconcile run: %w", err)
		}
		d := decoder{}
		r.StartedAt = d.time(startedAt)
		if completedAt.Valid {
			t := d.time(completedAt.String)
			r.CompletedAt = &t
		}
		if d.err != nil {
			return nil, fmt.Errorf("reconcile run %s: %w", r.ID, d.err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

// timeLayout is fixed width so that stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

// decoder parses column values and keeps the first error.
type decoder struct {
	err error
}

func (d *decoder) money(s string) ledger.Money {
	m, err := ledger.ParseMoney(s)
	if err != nil && d.err == nil {
		d.err = err
	}
	return m
}

func (d *decoder) time(s string) time.Time {
	t, err := parseTime(s)
	if err != nil && d.err == nil {
		d.err = err
	}
	return t
}

func conflictUnlessOneRow(res sql.Result, aggregate, id string, expected int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return &ledger.ConflictError{Aggregate: aggregate, ID: id, Expected: expected}
	}
	return nil
}

func wrapWrite(what string, err error) error {
	if errors.Is(err, ledger.ErrConcurrentModification) {
		return err
	}
	return fmt.Errorf("failed to save %s: %w", what, err)
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func isForeignKeyError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintForeignKey
}
