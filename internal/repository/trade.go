package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/exchange/bridge/internal/model"
)

const (
	insertTradeQuery = `
		INSERT INTO bridge.trades
		(trade_id, pair, buy_order_id, sell_order_id, buyer_id, seller_id,
		 price, amount, buyer_fee, seller_fee, taker_side, external, created_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	listTradesQuery = `
		SELECT trade_id, pair, buy_order_id, sell_order_id, buyer_id, seller_id,
		       price, amount, buyer_fee, seller_fee, taker_side, external, created_at_ms
		FROM bridge.trades
		WHERE (buyer_id = $1 OR seller_id = $1)
		  AND ($2 = '' OR pair = $2)
		ORDER BY created_at_ms DESC, trade_id DESC
		LIMIT $3
	`
	upsertOrderQuery = `
		INSERT INTO bridge.orders
		(order_id, user_id, pair, side, order_type, price, amount, filled, remaining, cancelled,
		 fee, status, created_at_ms, updated_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (order_id) DO UPDATE
		SET filled = EXCLUDED.filled, remaining = EXCLUDED.remaining, cancelled = EXCLUDED.cancelled,
		    fee = EXCLUDED.fee, status = EXCLUDED.status, updated_at_ms = EXCLUDED.updated_at_ms
		WHERE bridge.orders.updated_at_ms <= EXCLUDED.updated_at_ms
	`
)

// SaveTrade 保存成交记录
func (s *Store) SaveTrade(ctx context.Context, t *model.Trade) error {
	_, err := s.db.ExecContext(ctx, insertTradeQuery,
		t.ID, t.Pair.String(), t.BuyOrderID, t.SellOrderID, t.BuyerID, t.SellerID,
		t.Price, t.Amount, t.Fee, t.SellerFee, string(t.TakerSide), t.External, t.CreatedAt.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// ListTrades returns recent trades of a user, newest first.
func (s *Store) ListTrades(ctx context.Context, userID int64, pair string, limit int) ([]*model.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, listTradesQuery, userID, pair, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var trades []*model.Trade
	for rows.Next() {
		var (
			t         model.Trade
			pairStr   string
			takerSide string
			ms        int64
		)
		if err := rows.Scan(
			&t.ID, &pairStr, &t.BuyOrderID, &t.SellOrderID, &t.BuyerID, &t.SellerID,
			&t.Price, &t.Amount, &t.Fee, &t.SellerFee, &takerSide, &t.External, &ms,
		); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		if t.Pair, err = model.ParsePair(pairStr); err != nil {
			return nil, fmt.Errorf("scan trade %d: %w", t.ID, err)
		}
		t.TakerSide = model.Side(takerSide)
		t.CreatedAt = time.UnixMilli(ms)
		trades = append(trades, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows trade: %w", err)
	}
	return trades, nil
}

// UpsertOrder stores the latest state of an order. An older update never
// overwrites a newer one.
func (s *Store) UpsertOrder(ctx context.Context, o *model.Order) error {
	_, err := s.db.ExecContext(ctx, upsertOrderQuery,
		o.ID, o.UserID, o.Pair.String(), string(o.Side), string(o.Type),
		o.Price, o.Amount, o.Filled, o.Remaining, o.Cancelled, o.Fee,
		string(o.Status), o.CreatedAt.UnixMilli(), o.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert order: %w", err)
	}
	return nil
}
