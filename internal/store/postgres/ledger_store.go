package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/binaryoptions/internal/domain"
)

// Postgres error codes translated into domain errors.
const (
	pgUniqueViolation = "23505"
	pgNumericOverflow = "22003"
)

// queryer is the subset of pgxpool.Pool and pgx.Tx the scan helpers need.
type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// LedgerStore implements domain.Ledger on PostgreSQL. Update takes a row
// lock on the market with SELECT ... FOR UPDATE, so updates to one market
// serialize while distinct markets proceed in parallel.
type LedgerStore struct {
	pool *pgxpool.Pool
}

// NewLedgerStore creates a LedgerStore backed by the given pool.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

func (s *LedgerStore) InitTreasury(ctx context.Context, t domain.Treasury) error {
	const q = `INSERT INTO treasury (admin, namespace, created_at) VALUES ($1, $2, $3)`
	if _, err := s.pool.Exec(ctx, q, t.Admin[:], t.Namespace, t.CreatedAt); err != nil {
		if pgCode(err) == pgUniqueViolation {
			return fmt.Errorf("postgres: treasury: %w", domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: init treasury: %w", err)
	}
	return nil
}

func (s *LedgerStore) GetTreasury(ctx context.Context) (domain.Treasury, error) {
	const q = `SELECT admin, namespace, created_at FROM treasury WHERE singleton`
	var (
		t     domain.Treasury
		admin []byte
	)
	if err := s.pool.QueryRow(ctx, q).Scan(&admin, &t.Namespace, &t.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Treasury{}, fmt.Errorf("postgres: treasury: %w", domain.ErrNotFound)
		}
		return domain.Treasury{}, fmt.Errorf("postgres: get treasury: %w", err)
	}
	var err error
	if t.Admin, err = domain.IdentityFromBytes(admin); err != nil {
		return domain.Treasury{}, fmt.Errorf("postgres: treasury admin: %w", err)
	}
	return t, nil
}

func (s *LedgerStore) CreateMarket(ctx context.Context, m domain.Market, custody domain.Custody, yes, no domain.Mint) error {
	record, err := m.MarshalBinary()
	if err != nil {
		return fmt.Errorf("postgres: encode market %s: %w", m.ID, err)
	}
	strike, err := toInt64(m.Strike)
	if err != nil {
		return fmt.Errorf("postgres: market %s strike: %w", m.ID, err)
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		const insertMarket = `
			INSERT INTO markets (id, creator, strike, expiry, asset, resolved, outcome, record)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
		if _, err := tx.Exec(ctx, insertMarket,
			m.ID[:], m.Creator[:], strike, m.Expiry, int16(m.Asset), m.Resolved, int16(m.Outcome), record,
		); err != nil {
			if pgCode(err) == pgUniqueViolation {
				return fmt.Errorf("postgres: market %s: %w", m.ID, domain.ErrDuplicateMarket)
			}
			return fmt.Errorf("postgres: insert market %s: %w", m.ID, err)
		}

		const insertCustody = `
			INSERT INTO custody (market, authority, balance, outstanding_pairs)
			VALUES ($1, $2, 0, 0)`
		if _, err := tx.Exec(ctx, insertCustody, custody.Market[:], custody.Authority[:]); err != nil {
			return fmt.Errorf("postgres: insert custody %s: %w", m.ID, err)
		}

		const insertMint = `INSERT INTO mints (id, market, class, supply) VALUES ($1, $2, $3, 0)`
		for _, mint := range []domain.Mint{yes, no} {
			if _, err := tx.Exec(ctx, insertMint, mint.ID[:], mint.Market[:], int16(mint.Class)); err != nil {
				if pgCode(err) == pgUniqueViolation {
					return fmt.Errorf("postgres: mint %s: %w", mint.ID, domain.ErrDuplicateMarket)
				}
				return fmt.Errorf("postgres: insert mint %s: %w", mint.ID, err)
			}
		}
		return nil
	})
}

// Update runs fn inside a transaction that holds the market row lock. Writes
// go straight to the transaction and disappear on rollback.
func (s *LedgerStore) Update(ctx context.Context, marketID domain.Identity, fn func(tx domain.LedgerTx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		const lock = `SELECT id FROM markets WHERE id = $1 FOR UPDATE`
		var locked []byte
		if err := tx.QueryRow(ctx, lock, marketID[:]).Scan(&locked); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("postgres: market %s: %w", marketID, domain.ErrNotFound)
			}
			return fmt.Errorf("postgres: lock market %s: %w", marketID, err)
		}

		ltx := &ledgerTx{tx: tx}
		var err error
		if ltx.market, err = getMarket(ctx, tx, marketID); err != nil {
			return err
		}
		if ltx.custody, err = getCustody(ctx, tx, marketID); err != nil {
			return err
		}
		if ltx.yes, err = getMintByClass(ctx, tx, marketID, domain.ClaimYes); err != nil {
			return err
		}
		if ltx.no, err = getMintByClass(ctx, tx, marketID, domain.ClaimNo); err != nil {
			return err
		}
		return fn(ltx)
	})
}

func (s *LedgerStore) GetMarket(ctx context.Context, id domain.Identity) (domain.Market, error) {
	return getMarket(ctx, s.pool, id)
}

func (s *LedgerStore) ListMarkets(ctx context.Context, f domain.MarketFilter) ([]domain.Market, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	switch f.State {
	case domain.MarketStateOpen:
		where = append(where, "NOT resolved")
	case domain.MarketStateResolved:
		where = append(where, "resolved")
	}
	if f.Asset != 0 {
		where = append(where, "asset = "+arg(int16(f.Asset)))
	}
	if !f.Creator.IsZero() {
		where = append(where, "creator = "+arg(f.Creator[:]))
	}

	query := `SELECT id, record FROM markets`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}
	if f.Offset > 0 {
		query += " OFFSET " + arg(f.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets: %w", err)
	}
	defer rows.Close()

	var out []domain.Market
	for rows.Next() {
		var id, record []byte
		if err := rows.Scan(&id, &record); err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		m, err := decodeMarket(id, record)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list markets rows: %w", err)
	}
	return out, nil
}

func (s *LedgerStore) GetCustody(ctx context.Context, marketID domain.Identity) (domain.Custody, error) {
	return getCustody(ctx, s.pool, marketID)
}

func (s *LedgerStore) GetMint(ctx context.Context, id domain.Identity) (domain.Mint, error) {
	const q = `SELECT id, market, class, supply FROM mints WHERE id = $1`
	return scanMint(s.pool.QueryRow(ctx, q, id[:]), id)
}

func (s *LedgerStore) GetClaimAccount(ctx context.Context, id domain.Identity) (domain.ClaimAccount, error) {
	a, ok, err := getClaimAccount(ctx, s.pool, id, false)
	if err != nil {
		return domain.ClaimAccount{}, err
	}
	if !ok {
		return domain.ClaimAccount{}, fmt.Errorf("postgres: claim account %s: %w", id, domain.ErrNotFound)
	}
	return a, nil
}

func (s *LedgerStore) ListClaimAccounts(ctx context.Context, owner domain.Identity) ([]domain.ClaimAccount, error) {
	const q = `SELECT id, owner, mint, balance FROM claim_accounts WHERE owner = $1 ORDER BY id`
	rows, err := s.pool.Query(ctx, q, owner[:])
	if err != nil {
		return nil, fmt.Errorf("postgres: list claim accounts: %w", err)
	}
	defer rows.Close()

	var out []domain.ClaimAccount
	for rows.Next() {
		a, err := scanClaimAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list claim accounts rows: %w", err)
	}
	return out, nil
}

func (s *LedgerStore) CollateralBalance(ctx context.Context, owner domain.Identity) (uint64, error) {
	const q = `SELECT balance FROM collateral_accounts WHERE owner = $1`
	var bal int64
	if err := s.pool.QueryRow(ctx, q, owner[:]).Scan(&bal); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("postgres: collateral %s: %w", owner, err)
	}
	return uint64(bal), nil
}

func (s *LedgerStore) CreditCollateral(ctx context.Context, owner domain.Identity, amount uint64) (uint64, error) {
	return creditCollateral(ctx, s.pool, owner, amount)
}

// --- shared helpers ---------------------------------------------------------

func getMarket(ctx context.Context, q queryer, id domain.Identity) (domain.Market, error) {
	var record []byte
	if err := q.QueryRow(ctx, `SELECT record FROM markets WHERE id = $1`, id[:]).Scan(&record); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, fmt.Errorf("postgres: market %s: %w", id, domain.ErrNotFound)
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", id, err)
	}
	return decodeMarket(id[:], record)
}

func decodeMarket(id, record []byte) (domain.Market, error) {
	mid, err := domain.IdentityFromBytes(id)
	if err != nil {
		return domain.Market{}, fmt.Errorf("postgres: market id: %w", err)
	}
	m := domain.Market{ID: mid}
	if err := m.UnmarshalBinary(record); err != nil {
		return domain.Market{}, fmt.Errorf("postgres: decode market %s: %w", mid, err)
	}
	return m, nil
}

func getCustody(ctx context.Context, q queryer, marketID domain.Identity) (domain.Custody, error) {
	const query = `SELECT authority, balance, outstanding_pairs FROM custody WHERE market = $1`
	var (
		authority      []byte
		balance, pairs int64
	)
	if err := q.QueryRow(ctx, query, marketID[:]).Scan(&authority, &balance, &pairs); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Custody{}, fmt.Errorf("postgres: custody %s: %w", marketID, domain.ErrNotFound)
		}
		return domain.Custody{}, fmt.Errorf("postgres: get custody %s: %w", marketID, err)
	}
	auth, err := domain.IdentityFromBytes(authority)
	if err != nil {
		return domain.Custody{}, fmt.Errorf("postgres: custody authority: %w", err)
	}
	return domain.Custody{
		Market:           marketID,
		Authority:        auth,
		Balance:          uint64(balance),
		OutstandingPairs: uint64(pairs),
	}, nil
}

func getMintByClass(ctx context.Context, q queryer, marketID domain.Identity, class domain.ClaimClass) (domain.Mint, error) {
	const query = `SELECT id, market, class, supply FROM mints WHERE market = $1 AND class = $2`
	return scanMint(q.QueryRow(ctx, query, marketID[:], int16(class)), marketID)
}

func scanMint(row pgx.Row, key domain.Identity) (domain.Mint, error) {
	var (
		id, market []byte
		class      int16
		supply     int64
	)
	if err := row.Scan(&id, &market, &class, &supply); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Mint{}, fmt.Errorf("postgres: mint %s: %w", key, domain.ErrNotFound)
		}
		return domain.Mint{}, fmt.Errorf("postgres: get mint %s: %w", key, err)
	}
	mid, err := domain.IdentityFromBytes(id)
	if err != nil {
		return domain.Mint{}, fmt.Errorf("postgres: mint id: %w", err)
	}
	mkt, err := domain.IdentityFromBytes(market)
	if err != nil {
		return domain.Mint{}, fmt.Errorf("postgres: mint market: %w", err)
	}
	return domain.Mint{ID: mid, Market: mkt, Class: domain.ClaimClass(class), Supply: uint64(supply)}, nil
}

func getClaimAccount(ctx context.Context, q queryer, id domain.Identity, forUpdate bool) (domain.ClaimAccount, bool, error) {
	query := `SELECT id, owner, mint, balance FROM claim_accounts WHERE id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}
	rows, err := q.Query(ctx, query, id[:])
	if err != nil {
		return domain.ClaimAccount{}, false, fmt.Errorf("postgres: get claim account %s: %w", id, err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return domain.ClaimAccount{}, false, fmt.Errorf("postgres: get claim account %s: %w", id, err)
		}
		return domain.ClaimAccount{}, false, nil
	}
	a, err := scanClaimAccount(rows)
	if err != nil {
		return domain.ClaimAccount{}, false, err
	}
	return a, true, nil
}

func scanClaimAccount(rows pgx.Rows) (domain.ClaimAccount, error) {
	var (
		id, owner, mint []byte
		balance         int64
	)
	if err := rows.Scan(&id, &owner, &mint, &balance); err != nil {
		return domain.ClaimAccount{}, fmt.Errorf("postgres: scan claim account: %w", err)
	}
	var (
		a   = domain.ClaimAccount{Balance: uint64(balance)}
		err error
	)
	if a.ID, err = domain.IdentityFromBytes(id); err != nil {
		return domain.ClaimAccount{}, fmt.Errorf("postgres: claim account id: %w", err)
	}
	if a.Owner, err = domain.IdentityFromBytes(owner); err != nil {
		return domain.ClaimAccount{}, fmt.Errorf("postgres: claim account owner: %w", err)
	}
	if a.Mint, err = domain.IdentityFromBytes(mint); err != nil {
		return domain.ClaimAccount{}, fmt.Errorf("postgres: claim account mint: %w", err)
	}
	return a, nil
}

func creditCollateral(ctx context.Context, q queryer, owner domain.Identity, amount uint64) (uint64, error) {
	amt, err := toInt64(amount)
	if err != nil {
		return 0, fmt.Errorf("postgres: collateral %s: %w", owner, err)
	}
	const query = `
		INSERT INTO collateral_accounts (owner, balance) VALUES ($1, $2)
		ON CONFLICT (owner) DO UPDATE SET
			balance    = collateral_accounts.balance + EXCLUDED.balance,
			updated_at = NOW()
		RETURNING balance`
	var bal int64
	if err := q.QueryRow(ctx, query, owner[:], amt).Scan(&bal); err != nil {
		if pgCode(err) == pgNumericOverflow {
			return 0, fmt.Errorf("postgres: collateral %s: %w", owner, domain.ErrArithmeticOverflow)
		}
		return 0, fmt.Errorf("postgres: credit collateral %s: %w", owner, err)
	}
	return uint64(bal), nil
}

// toInt64 rejects u64 amounts that do not fit a BIGINT column.
func toInt64(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, domain.ErrArithmeticOverflow
	}
	return int64(v), nil
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

var _ domain.Ledger = (*LedgerStore)(nil)
