package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/exchange/bridge/internal/ledger"
)

const (
	insertEntryQuery = `
		INSERT INTO bridge.ledger_entries
		(seq, tx_id, user_id, asset, amount_delta, reserved_delta, amount_after, reserved_after,
		 reason, ref_type, ref_id, created_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	upsertBalanceQuery = `
		INSERT INTO bridge.account_balances (user_id, asset, amount, reserved, updated_at_ms)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, asset) DO UPDATE
		SET amount = EXCLUDED.amount, reserved = EXCLUDED.reserved, updated_at_ms = EXCLUDED.updated_at_ms
	`
	loadBalancesQuery = `
		SELECT user_id, asset, amount, reserved, updated_at_ms
		FROM bridge.account_balances
		ORDER BY user_id, asset
	`

	amountReconciliationQuery = `
SELECT
    le.user_id,
    le.asset,
    SUM(le.amount_delta) AS ledger_sum,
    ab.amount AS balance
FROM bridge.ledger_entries le
JOIN bridge.account_balances ab
    ON le.user_id = ab.user_id AND le.asset = ab.asset
GROUP BY le.user_id, le.asset, ab.amount
HAVING SUM(le.amount_delta) != ab.amount;
`
	reservedReconciliationQuery = `
SELECT
    le.user_id,
    le.asset,
    SUM(le.reserved_delta) AS ledger_sum,
    ab.reserved AS balance
FROM bridge.ledger_entries le
JOIN bridge.account_balances ab
    ON le.user_id = ab.user_id AND le.asset = ab.asset
GROUP BY le.user_id, le.asset, ab.reserved
HAVING SUM(le.reserved_delta) != ab.reserved;
`
)

// SaveEntries stores a batch of journal entries and the resulting balance of
// every account they touch, in one database transaction. Entries must be in
// commit order.
func (s *Store) SaveEntries(ctx context.Context, entries []ledger.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	latest := make(map[ledger.Key]ledger.Entry, len(entries))
	var order []ledger.Key
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, insertEntryQuery,
			e.ID, e.TxID, e.UserID, e.Asset,
			e.AmountDelta, e.ReservedDelta, e.AmountAfter, e.ReservedAfter,
			int(e.Reason), e.RefType, e.RefID, e.CreatedAt.UnixMilli(),
		); err != nil {
			return fmt.Errorf("insert ledger entry: %w", err)
		}
		k := ledger.Key{UserID: e.UserID, Asset: e.Asset}
		if _, seen := latest[k]; !seen {
			order = append(order, k)
		}
		latest[k] = e
	}
	for _, k := range order {
		e := latest[k]
		if _, err := tx.ExecContext(ctx, upsertBalanceQuery,
			e.UserID, e.Asset, e.AmountAfter, e.ReservedAfter, e.CreatedAt.UnixMilli(),
		); err != nil {
			return fmt.Errorf("upsert balance: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// LoadBalances 加载全部余额快照
func (s *Store) LoadBalances(ctx context.Context) ([]ledger.Balance, error) {
	rows, err := s.db.QueryContext(ctx, loadBalancesQuery)
	if err != nil {
		return nil, fmt.Errorf("query balances: %w", err)
	}
	defer rows.Close()

	var out []ledger.Balance
	for rows.Next() {
		var (
			b  ledger.Balance
			ms int64
		)
		if err := rows.Scan(&b.UserID, &b.Asset, &b.Amount, &b.Reserved, &ms); err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		b.UpdatedAt = time.UnixMilli(ms)
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows balance: %w", err)
	}
	return out, nil
}

// Discrepancy is an account whose stored balance differs from the sum of its
// stored journal.
type Discrepancy struct {
	UserID    int64           `json:"userId"`
	Asset     string          `json:"asset"`
	Kind      string          `json:"kind"`
	LedgerSum decimal.Decimal `json:"ledgerSum"`
	Balance   decimal.Decimal `json:"balance"`
}

func (d Discrepancy) Diff() decimal.Decimal { return d.LedgerSum.Sub(d.Balance) }

// Discrepancies 对账：流水汇总与余额快照比对
func (s *Store) Discrepancies(ctx context.Context) ([]Discrepancy, error) {
	var out []Discrepancy
	for _, q := range []struct {
		kind  string
		query string
	}{
		{"amount", amountReconciliationQuery},
		{"reserved", reservedReconciliationQuery},
	} {
		found, err := s.discrepancies(ctx, q.kind, q.query)
		if err != nil {
			return nil, err
		}
		out = append(out, found...)
	}
	return out, nil
}

func (s *Store) discrepancies(ctx context.Context, kind, query string) ([]Discrepancy, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query %s reconciliation: %w", kind, err)
	}
	defer rows.Close()

	var out []Discrepancy
	for rows.Next() {
		d := Discrepancy{Kind: kind}
		if err := rows.Scan(&d.UserID, &d.Asset, &d.LedgerSum, &d.Balance); err != nil {
			return nil, fmt.Errorf("scan %s reconciliation: %w", kind, err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("rows %s reconciliation: %w", kind, err)
	}
	return out, nil
}
