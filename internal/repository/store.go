// Package repository 数据访问层
//
// Postgres holds the durable copy of the in-memory ledger: the journal, the
// latest balance of every account, orders and trades. Amounts are NUMERIC and
// scanned straight into decimal.Decimal.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

const uniqueViolation = "23505"

var ErrDuplicate = errors.New("duplicate record")

// Schema creates the tables used by Store.
const Schema = `
CREATE SCHEMA IF NOT EXISTS bridge;

CREATE TABLE IF NOT EXISTS bridge.ledger_entries (
    id             BIGSERIAL PRIMARY KEY,
    seq            BIGINT NOT NULL,
    tx_id          TEXT NOT NULL,
    user_id        BIGINT NOT NULL,
    asset          TEXT NOT NULL,
    amount_delta   NUMERIC(36, 18) NOT NULL,
    reserved_delta NUMERIC(36, 18) NOT NULL,
    amount_after   NUMERIC(36, 18) NOT NULL,
    reserved_after NUMERIC(36, 18) NOT NULL,
    reason         SMALLINT NOT NULL,
    ref_type       TEXT NOT NULL DEFAULT '',
    ref_id         TEXT NOT NULL DEFAULT '',
    created_at_ms  BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS ledger_entries_user_asset ON bridge.ledger_entries (user_id, asset);

CREATE TABLE IF NOT EXISTS bridge.account_balances (
    user_id       BIGINT NOT NULL,
    asset         TEXT NOT NULL,
    amount        NUMERIC(36, 18) NOT NULL,
    reserved      NUMERIC(36, 18) NOT NULL,
    updated_at_ms BIGINT NOT NULL,
    PRIMARY KEY (user_id, asset)
);

CREATE TABLE IF NOT EXISTS bridge.orders (
    order_id      BIGINT PRIMARY KEY,
    user_id       BIGINT NOT NULL,
    pair          TEXT NOT NULL,
    side          TEXT NOT NULL,
    order_type    TEXT NOT NULL,
    price         NUMERIC(36, 18) NOT NULL,
    amount        NUMERIC(36, 18) NOT NULL,
    filled        NUMERIC(36, 18) NOT NULL,
    remaining     NUMERIC(36, 18) NOT NULL,
    cancelled     NUMERIC(36, 18) NOT NULL,
    fee           NUMERIC(36, 18) NOT NULL,
    status        TEXT NOT NULL,
    created_at_ms BIGINT NOT NULL,
    updated_at_ms BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS bridge.trades (
    trade_id      BIGINT PRIMARY KEY,
    pair          TEXT NOT NULL,
    buy_order_id  BIGINT NOT NULL,
    sell_order_id BIGINT NOT NULL,
    buyer_id      BIGINT NOT NULL,
    seller_id     BIGINT NOT NULL,
    price         NUMERIC(36, 18) NOT NULL,
    amount        NUMERIC(36, 18) NOT NULL,
    buyer_fee     NUMERIC(36, 18) NOT NULL,
    seller_fee    NUMERIC(36, 18) NOT NULL,
    taker_side    TEXT NOT NULL,
    external      BOOLEAN NOT NULL DEFAULT FALSE,
    created_at_ms BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS trades_buyer ON bridge.trades (buyer_id, created_at_ms DESC);
CREATE INDEX IF NOT EXISTS trades_seller ON bridge.trades (seller_id, created_at_ms DESC);
`

// Store 仓储
type Store struct {
	db *sql.DB
}

// New 创建仓储
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates missing tables.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
