/*
Package postgres provides a PostgreSQL-backed storage.Store on pgx/v5.

PURPOSE:
  The multi-instance deployment target. Unlike the SQLite store, several
  service processes can share one database, so the version checks here are
  what actually arbitrates concurrent writers.

CONCURRENCY MODEL:
  Transactions run at READ COMMITTED. A conditional update

    UPDATE ... SET version = version + 1 WHERE id = $n AND version = $m

  blocks behind a concurrent writer of the same row and re-evaluates its
  WHERE clause once that writer commits. The loser sees zero rows and gets
  a *ledger.ConflictError. A racing INSERT of a new document fails on the
  primary key (SQLSTATE 23505), which is reported the same way.

MONEY:
  Stored as NUMERIC, sent as decimal strings and read back with ::text so
  no value ever passes through float64.

USAGE:
  store, err := postgres.New(ctx, "postgres://ledger@localhost/ledger", postgres.PoolOptions{})
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/warp/community-ledger/ledger"
	"github.com/warp/community-ledger/loyalty"
	"github.com/warp/community-ledger/microcredit"
	"github.com/warp/community-ledger/partner"
	"github.com/warp/community-ledger/storage"
)

// PoolOptions tunes the connection pool. Zero values keep pgx defaults.
type PoolOptions struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// Store implements storage.Store using PostgreSQL.
type Store struct {
	reader
	pool *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

// New connects, pings, and migrates.
func New(ctx context.Context, dsn string, opts PoolOptions) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse dsn: %w", err)
	}
	if opts.MaxConns > 0 {
		poolConfig.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		poolConfig.MinConns = opts.MinConns
	}
	if opts.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = opts.MaxConnLifetime
	}
	if opts.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = opts.MaxConnIdleTime
	}
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}

	s := &Store{reader: reader{q: pool}, pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS entries (
		seq BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL,
		subject TEXT NOT NULL,
		counterpart TEXT NOT NULL,
		amount NUMERIC NOT NULL,
		tokens BIGINT NOT NULL DEFAULT 0,
		campaign_id TEXT NOT NULL DEFAULT '',
		support_id TEXT NOT NULL DEFAULT '',
		reference JSONB NOT NULL,
		receipt TEXT NOT NULL CHECK (receipt <> ''),
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_counterpart_subject ON entries(counterpart, subject);
	CREATE INDEX IF NOT EXISTS idx_entries_campaign ON entries(campaign_id) WHERE campaign_id <> '';
	CREATE INDEX IF NOT EXISTS idx_entries_support ON entries(support_id) WHERE support_id <> '';

	CREATE TABLE IF NOT EXISTS partners (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		payment_methods JSONB NOT NULL
	);

	CREATE TABLE IF NOT EXISTS offers (
		id TEXT PRIMARY KEY,
		partner_id TEXT NOT NULL REFERENCES partners(id),
		title TEXT NOT NULL,
		cost NUMERIC NOT NULL,
		expires_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS campaigns (
		id TEXT PRIMARY KEY,
		partner_id TEXT NOT NULL,
		title TEXT NOT NULL,
		status TEXT NOT NULL,
		terms JSONB NOT NULL,
		redeemable BOOLEAN NOT NULL,
		starts_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		redeem_starts_at TIMESTAMPTZ NOT NULL,
		redeem_ends_at TIMESTAMPTZ NOT NULL,
		min_allowed NUMERIC NOT NULL,
		max_allowed NUMERIC NOT NULL,
		max_amount NUMERIC NOT NULL,
		pledged NUMERIC NOT NULL,
		supporters BIGINT NOT NULL,
		issued_tokens BIGINT NOT NULL,
		version BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		published_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS supports (
		id TEXT PRIMARY KEY,
		campaign_id TEXT NOT NULL,
		partner_id TEXT NOT NULL,
		member_id TEXT NOT NULL,
		amount NUMERIC NOT NULL,
		status TEXT NOT NULL,
		initial_tokens BIGINT NOT NULL,
		redeemed_tokens BIGINT NOT NULL CHECK (redeemed_tokens BETWEEN 0 AND initial_tokens),
		payment_method TEXT NOT NULL,
		payment_id TEXT NOT NULL,
		version BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_supports_campaign ON supports(campaign_id);

	CREATE TABLE IF NOT EXISTS point_balances (
		member_id TEXT NOT NULL,
		partner_id TEXT NOT NULL,
		earned NUMERIC NOT NULL,
		redeemed NUMERIC NOT NULL,
		entries INTEGER NOT NULL,
		version BIGINT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (member_id, partner_id)
	);

	CREATE TABLE IF NOT EXISTS reconcile_runs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		checked INTEGER NOT NULL DEFAULT 0,
		drifted INTEGER NOT NULL DEFAULT 0,
		repaired INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ
	);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

func (s *Store) WithTx(ctx context.Context, fn func(storage.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&txStore{reader: reader{q: tx}, tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type txStore struct {
	reader
	tx pgx.Tx
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type reader struct {
	q querier
}

// =============================================================================
// ENTRIES
// =============================================================================

func (ts *txStore) Append(ctx context.Context, e ledger.Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	ref, err := json.Marshal(e.Reference)
	if err != nil {
		return fmt.Errorf("failed to encode reference: %w", err)
	}

	_, err = ts.tx.Exec(ctx, `
		INSERT INTO entries
		(id, kind, subject, counterpart, amount, tokens, campaign_id, support_id, reference, receipt, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		string(e.ID), string(e.Kind), string(e.Subject), string(e.Counterpart), e.Amount.String(), e.Tokens,
		e.Reference.CampaignID, e.Reference.SupportID, string(ref), e.Receipt, e.CreatedAt,
	)
	if err != nil {
		if hasSQLState(err, pgerrcode.UniqueViolation) {
			return fmt.Errorf("entry %s: %w", e.ID, storage.ErrDuplicateEntry)
		}
		return fmt.Errorf("failed to append entry: %w", err)
	}
	return nil
}

func (r reader) Entries(ctx context.Context, f ledger.Filter) ([]ledger.Entry, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.Subject != "" {
		add("subject = $%d", string(f.Subject))
	}
	if f.Counterpart != "" {
		add("counterpart = $%d", string(f.Counterpart))
	}
	if f.CampaignID != "" {
		add("campaign_id = $%d", f.CampaignID)
	}
	if f.SupportID != "" {
		add("support_id = $%d", f.SupportID)
	}
	if len(f.Kinds) > 0 {
		kinds := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			kinds[i] = string(k)
		}
		add("kind = ANY($%d)", kinds)
	}

	query := `SELECT id, kind, subject, counterpart, amount::text, tokens, reference, receipt, created_at FROM entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" ORDER BY seq DESC LIMIT $%d", len(args))
	} else {
		query += " ORDER BY seq ASC"
	}

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var (
			e      ledger.Entry
			id     string
			kind   string
			subj   string
			cpart  string
			amount string
			ref    []byte
		)
		if err := rows.Scan(&id, &kind, &subj, &cpart, &amount, &e.Tokens, &ref, &e.Receipt, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		e.ID, e.Kind = ledger.EntryID(id), ledger.EntryKind(kind)
		e.Subject, e.Counterpart = ledger.PartnerID(subj), ledger.MemberID(cpart)
		if e.Amount, err = ledger.ParseMoney(amount); err != nil {
			return nil, fmt.Errorf("entry %s: %w", id, err)
		}
		if err := json.Unmarshal(ref, &e.Reference); err != nil {
			return nil, fmt.Errorf("entry %s reference: %w", id, err)
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
	_, err = s.pool.Exec(ctx, `
		INSERT INTO partners (id, name, payment_methods) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, payment_methods = EXCLUDED.payment_methods
	`, string(p.ID), p.Name, string(methods))
	if err != nil {
		return fmt.Errorf("failed to save partner: %w", err)
	}
	return nil
}

func (r reader) Partner(ctx context.Context, id ledger.PartnerID) (partner.Partner, error) {
	var (
		p       partner.Partner
		name    string
		methods []byte
	)
	err := r.q.QueryRow(ctx, `SELECT name, payment_methods FROM partners WHERE id = $1`, string(id)).
		Scan(&name, &methods)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, fmt.Errorf("partner %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return p, fmt.Errorf("failed to load partner: %w", err)
	}
	p.ID, p.Name = id, name
	if err := json.Unmarshal(methods, &p.PaymentMethods); err != nil {
		return p, fmt.Errorf("partner %s payment methods: %w", id, err)
	}
	return p, nil
}

func (s *Store) SaveOffer(ctx context.Context, o loyalty.Offer) error {
	var expiresAt *time.Time
	if !o.ExpiresAt.IsZero() {
		expiresAt = &o.ExpiresAt
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO offers (id, partner_id, title, cost, expires_at) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			partner_id = EXCLUDED.partner_id,
			title = EXCLUDED.title,
			cost = EXCLUDED.cost,
			expires_at = EXCLUDED.expires_at
	`, o.ID, string(o.PartnerID), o.Title, o.Cost.String(), expiresAt)
	if err != nil {
		if hasSQLState(err, pgerrcode.ForeignKeyViolation) {
			return fmt.Errorf("partner %s: %w", o.PartnerID, storage.ErrNotFound)
		}
		return fmt.Errorf("failed to save offer: %w", err)
	}
	return nil
}

func (r reader) Offer(ctx context.Context, id string) (loyalty.Offer, error) {
	var (
		o         loyalty.Offer
		partnerID string
		cost      string
		expiresAt *time.Time
	)
	err := r.q.QueryRow(ctx, `SELECT partner_id, title, cost::text, expires_at FROM offers WHERE id = $1`, id).
		Scan(&partnerID, &o.Title, &cost, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return o, fmt.Errorf("offer %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return o, fmt.Errorf("failed to load offer: %w", err)
	}
	o.ID, o.PartnerID = id, ledger.PartnerID(partnerID)
	if o.Cost, err = ledger.ParseMoney(cost); err != nil {
		return o, fmt.Errorf("offer %s: %w", id, err)
	}
	if expiresAt != nil {
		o.ExpiresAt = *expiresAt
	}
	return o, nil
}

// =============================================================================
// CAMPAIGNS
// =============================================================================

const campaignSelect = `SELECT id, partner_id, title, status, terms, redeemable,
	starts_at, expires_at, redeem_starts_at, redeem_ends_at,
	min_allowed::text, max_allowed::text, max_amount::text, pledged::text, supporters, issued_tokens,
	version, created_at, published_at FROM campaigns`

func (ts *txStore) PutCampaign(ctx context.Context, c microcredit.Campaign) (microcredit.Campaign, error) {
	terms, err := json.Marshal(microcredit.TermsToJSON(c.Terms))
	if err != nil {
		return c, fmt.Errorf("failed to encode terms: %w", err)
	}
	args := []any{
		c.ID, string(c.PartnerID), c.Title, string(c.Status), string(terms), c.Redeemable,
		c.Window.StartsAt, c.Window.ExpiresAt, c.Redeem.StartsAt, c.Redeem.EndsAt,
		c.Caps.MinAllowed.String(), c.Caps.MaxAllowed.String(), c.Caps.MaxAmount.String(),
		c.Totals.Pledged.String(), c.Totals.Supporters, c.Totals.IssuedTokens,
		c.CreatedAt, c.PublishedAt,
	}

	if c.Version == 0 {
		_, err = ts.tx.Exec(ctx, `
			INSERT INTO campaigns (id, partner_id, title, status, terms, redeemable,
				starts_at, expires_at, redeem_starts_at, redeem_ends_at,
				min_allowed, max_allowed, max_amount, pledged, supporters, issued_tokens,
				created_at, published_at, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, 1)
		`, args...)
	} else {
		var tag pgconn.CommandTag
		tag, err = ts.tx.Exec(ctx, `
			UPDATE campaigns SET partner_id = $2, title = $3, status = $4, terms = $5, redeemable = $6,
				starts_at = $7, expires_at = $8, redeem_starts_at = $9, redeem_ends_at = $10,
				min_allowed = $11, max_allowed = $12, max_amount = $13,
				pledged = $14, supporters = $15, issued_tokens = $16,
				created_at = $17, published_at = $18, version = version + 1
			WHERE id = $1 AND version = $19
		`, append(args, c.Version)...)
		if err == nil && tag.RowsAffected() != 1 {
			err = &ledger.ConflictError{Aggregate: "campaign", ID: c.ID, Expected: c.Version}
		}
	}
	if err = writeErr("campaign", c.ID, err); err != nil {
		return c, err
	}
	c.Version++
	return c, nil
}

func (r reader) Campaign(ctx context.Context, id string) (microcredit.Campaign, error) {
	campaigns, err := r.queryCampaigns(ctx, campaignSelect+" WHERE id = $1", id)
	if err != nil {
		return microcredit.Campaign{}, err
	}
	if len(campaigns) == 0 {
		return microcredit.Campaign{}, fmt.Errorf("campaign %s: %w", id, storage.ErrNotFound)
	}
	return campaigns[0], nil
}

func (r reader) Campaigns(ctx context.Context) ([]microcredit.Campaign, error) {
	return r.queryCampaigns(ctx, campaignSelect+" ORDER BY id")
}

func (r reader) queryCampaigns(ctx context.Context, query string, args ...any) ([]microcredit.Campaign, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query campaigns: %w", err)
	}
	defer rows.Close()

	var out []microcredit.Campaign
	for rows.Next() {
		var (
			c                                      microcredit.Campaign
			partnerID, status                      string
			terms                                  []byte
			minAllowed, maxAllowed, maxAmount, pld string
		)
		if err := rows.Scan(&c.ID, &partnerID, &c.Title, &status, &terms, &c.Redeemable,
			&c.Window.StartsAt, &c.Window.ExpiresAt, &c.Redeem.StartsAt, &c.Redeem.EndsAt,
			&minAllowed, &maxAllowed, &maxAmount, &pld, &c.Totals.Supporters, &c.Totals.IssuedTokens,
			&c.Version, &c.CreatedAt, &c.PublishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan campaign: %w", err)
		}
		c.PartnerID, c.Status = ledger.PartnerID(partnerID), microcredit.Status(status)

		var tj microcredit.TermsJSON
		if err := json.Unmarshal(terms, &tj); err != nil {
			return nil, fmt.Errorf("campaign %s terms: %w", c.ID, err)
		}
		if c.Terms, err = microcredit.TermsFromJSON(&tj); err != nil {
			return nil, fmt.Errorf("campaign %s: %w", c.ID, err)
		}

		var m moneyDecoder
		c.Caps.MinAllowed = m.parse(minAllowed)
		c.Caps.MaxAllowed = m.parse(maxAllowed)
		c.Caps.MaxAmount = m.parse(maxAmount)
		c.Totals.Pledged = m.parse(pld)
		if m.err != nil {
			return nil, fmt.Errorf("campaign %s: %w", c.ID, m.err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// =============================================================================
// SUPPORTS
// =============================================================================

const supportSelect = `SELECT id, campaign_id, partner_id, member_id, amount::text, status,
	initial_tokens, redeemed_tokens, payment_method, payment_id, version, created_at, updated_at FROM supports`

func (ts *txStore) PutSupport(ctx context.Context, s microcredit.Support) (microcredit.Support, error) {
	args := []any{
		s.ID, s.CampaignID, string(s.PartnerID), string(s.MemberID), s.Amount.String(), string(s.Status),
		s.InitialTokens, s.RedeemedTokens, s.Payment.Method, s.Payment.ID, s.CreatedAt, s.UpdatedAt,
	}

	var err error
	if s.Version == 0 {
		_, err = ts.tx.Exec(ctx, `
			INSERT INTO supports (id, campaign_id, partner_id, member_id, amount, status,
				initial_tokens, redeemed_tokens, payment_method, payment_id, created_at, updated_at, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1)
		`, args...)
	} else {
		var tag pgconn.CommandTag
		tag, err = ts.tx.Exec(ctx, `
			UPDATE supports SET campaign_id = $2, partner_id = $3, member_id = $4, amount = $5, status = $6,
				initial_tokens = $7, redeemed_tokens = $8, payment_method = $9, payment_id = $10,
				created_at = $11, updated_at = $12, version = version + 1
			WHERE id = $1 AND version = $13
		`, append(args, s.Version)...)
		if err == nil && tag.RowsAffected() != 1 {
			err = &ledger.ConflictError{Aggregate: "support", ID: s.ID, Expected: s.Version}
		}
	}
	if err = writeErr("support", s.ID, err); err != nil {
		return s, err
	}
	s.Version++
	return s, nil
}

func (r reader) Support(ctx context.Context, id string) (microcredit.Support, error) {
	sups, err := r.querySupports(ctx, supportSelect+" WHERE id = $1", id)
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
		return r.querySupports(ctx, supportSelect+" ORDER BY id")
	}
	return r.querySupports(ctx, supportSelect+" WHERE campaign_id = $1 ORDER BY id", campaignID)
}

func (r reader) querySupports(ctx context.Context, query string, args ...any) ([]microcredit.Support, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query supports: %w", err)
	}
	defer rows.Close()

	var out []microcredit.Support
	for rows.Next() {
		var (
			s                   microcredit.Support
			partnerID, memberID string
			amount, status      string
		)
		if err := rows.Scan(&s.ID, &s.CampaignID, &partnerID, &memberID, &amount, &status,
			&s.InitialTokens, &s.RedeemedTokens, &s.Payment.Method, &s.Payment.ID,
			&s.Version, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan support: %w", err)
		}
		s.PartnerID, s.MemberID = ledger.PartnerID(partnerID), ledger.MemberID(memberID)
		s.Status = microcredit.SupportStatus(status)
		if s.Amount, err = ledger.ParseMoney(amount); err != nil {
			return nil, fmt.Errorf("support %s: %w", s.ID, err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// =============================================================================
// POINT BALANCE VIEWS
// =============================================================================

const viewSelect = `SELECT member_id, partner_id, earned::text, redeemed::text, entries, version, updated_at
	FROM point_balances`

func (ts *txStore) PutPointsView(ctx context.Context, v loyalty.BalanceView) (loyalty.BalanceView, error) {
	id := storage.ViewID(v.Member, v.Partner)

	var err error
	if v.Version == 0 {
		_, err = ts.tx.Exec(ctx, `
			INSERT INTO point_balances (member_id, partner_id, earned, redeemed, entries, updated_at, version)
			VALUES ($1, $2, $3, $4, $5, $6, 1)
		`, string(v.Member), string(v.Partner), v.Earned.String(), v.Redeemed.String(), v.Entries, v.UpdatedAt)
	} else {
		var tag pgconn.CommandTag
		tag, err = ts.tx.Exec(ctx, `
			UPDATE point_balances SET earned = $3, redeemed = $4, entries = $5, updated_at = $6,
				version = version + 1
			WHERE member_id = $1 AND partner_id = $2 AND version = $7
		`, string(v.Member), string(v.Partner), v.Earned.String(), v.Redeemed.String(), v.Entries, v.UpdatedAt, v.Version)
		if err == nil && tag.RowsAffected() != 1 {
			err = &ledger.ConflictError{Aggregate: "points_view", ID: id, Expected: v.Version}
		}
	}
	if err = writeErr("points_view", id, err); err != nil {
		return v, err
	}
	v.Version++
	return v, nil
}

func (r reader) PointsView(ctx context.Context, member ledger.MemberID, p ledger.PartnerID) (loyalty.BalanceView, error) {
	views, err := r.queryViews(ctx, viewSelect+" WHERE member_id = $1 AND partner_id = $2", string(member), string(p))
	if err != nil {
		return loyalty.BalanceView{}, err
	}
	if len(views) == 0 {
		return loyalty.BalanceView{Member: member, Partner: p}, nil
	}
	return views[0], nil
}

func (r reader) PointsViews(ctx context.Context) ([]loyalty.BalanceView, error) {
	return r.queryViews(ctx, viewSelect+" ORDER BY member_id, partner_id")
}

func (r reader) queryViews(ctx context.Context, query string, args ...any) ([]loyalty.BalanceView, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query point balances: %w", err)
	}
	defer rows.Close()

	var out []loyalty.BalanceView
	for rows.Next() {
		var (
			v                 loyalty.BalanceView
			member, partnerID string
			earned, redeemed  string
		)
		if err := rows.Scan(&member, &partnerID, &earned, &redeemed, &v.Entries, &v.Version, &v.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan point balance: %w", err)
		}
		v.Member, v.Partner = ledger.MemberID(member), ledger.PartnerID(partnerID)

		var m moneyDecoder
		v.Earned = m.parse(earned)
		v.Redeemed = m.parse(redeemed)
		if m.err != nil {
			return nil, fmt.Errorf("point balance %s: %w", storage.ViewID(v.Member, v.Partner), m.err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// =============================================================================
// RECONCILE RUNS
// =============================================================================

func (s *Store) SaveReconcileRun(ctx context.Context, r storage.ReconcileRun) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO reconcile_runs (id, status, checked, drifted, repaired, error, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			checked = EXCLUDED.checked,
			drifted = EXCLUDED.drifted,
			repaired = EXCLUDED.repaired,
			error = EXCLUDED.error,
			completed_at = EXCLUDED.completed_at
	`, r.ID, r.Status, r.Checked, r.Drifted, r.Repaired, r.Error, r.StartedAt, r.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to save reconcile run: %w", err)
	}
	return nil
}

// ReconcileRuns returns the most recent runs first.
func (s *Store) ReconcileRuns(ctx context.Context, limit int) ([]storage.ReconcileRun, error) {
	query := `SELECT id, status, checked, drifted, repaired, error, started_at, completed_at
		FROM reconcile_runs ORDER BY started_at DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reconcile runs: %w", err)
	}
	defer rows.Close()

	var runs []storage.ReconcileRun
	for rows.Next() {
		var r storage.ReconcileRun
		if err := rows.Scan(&r.ID, &r.Status, &r.Checked, &r.Drifted, &r.Repaired, &r.Error,
			&r.StartedAt, &r.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan reconcile run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

type moneyDecoder struct {
	err error
}

func (d *moneyDecoder) parse(s string) ledger.Money {
	m, err := ledger.ParseMoney(s)
	if err != nil && d.err == nil {
		d.err = err
	}
	return m
}

// writeErr maps a failed document write. A duplicate primary key on a
// version-0 insert means another writer created the document first.
func writeErr(aggregate, id string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ledger.ErrConcurrentModification):
		return err
	case hasSQLState(err, pgerrcode.UniqueViolation):
		return &ledger.ConflictError{Aggregate: aggregate, ID: id, Expected: 0}
	default:
		return fmt.Errorf("failed to save %s: %w", aggregate, err)
	}
}

func hasSQLState(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
