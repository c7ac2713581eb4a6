// Package liquidity is the outside-venue fallback used for order remainders
// that may not rest in the book.
package liquidity

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/exchange/bridge/internal/model"
)

const amountPlaces = 8

// ErrNoLiquidity means the venue could not fill any part of the request.
var ErrNoLiquidity = errors.New("no external liquidity")

// Request asks for up to Amount base. For a BUY, MaxQuote bounds the quote
// that may be spent, fees excluded. A positive Limit is the worst acceptable
// price.
type Request struct {
	Pair     model.Pair
	Side     model.Side
	Amount   decimal.Decimal
	MaxQuote decimal.Decimal
	Limit    decimal.Decimal
}

func (r Request) acceptable(price decimal.Decimal) bool {
	if !r.Limit.IsPositive() {
		return true
	}
	if r.Side == model.SideBuy {
		return price.LessThanOrEqual(r.Limit)
	}
	return price.GreaterThanOrEqual(r.Limit)
}

// Fill is what the venue executed.
type Fill struct {
	Price  decimal.Decimal
	Amount decimal.Decimal
}

type Provider interface {
	Fill(ctx context.Context, req Request) (Fill, error)
}

// Noop never fills.
type Noop struct{}

func (Noop) Fill(context.Context, Request) (Fill, error) {
	return Fill{}, ErrNoLiquidity
}

// TickerKey is the Redis hash holding the outside last price of a pair.
func TickerKey(pair model.Pair) string {
	return fmt.Sprintf("market:%s:ticker", pair.String())
}

// Ticker fills at the last price an outside feed wrote to Redis, the way a
// market order would execute on the venue the feed tracks.
type Ticker struct {
	rdb redis.Cmdable
}

func NewTicker(rdb redis.Cmdable) *Ticker {
	return &Ticker{rdb: rdb}
}

func (t *Ticker) Fill(ctx context.Context, req Request) (Fill, error) {
	if !req.Amount.IsPositive() {
		return Fill{}, ErrNoLiquidity
	}
	raw, err := t.rdb.HGet(ctx, TickerKey(req.Pair), "last").Result()
	if errors.Is(err, redis.Nil) {
		return Fill{}, ErrNoLiquidity
	}
	if err != nil {
		return Fill{}, fmt.Errorf("read ticker: %w", err)
	}
	price, err := decimal.NewFromString(raw)
	if err != nil || !price.IsPositive() || !req.acceptable(price) {
		return Fill{}, ErrNoLiquidity
	}

	amount := req.Amount
	if req.Side == model.SideBuy {
		affordable := req.MaxQuote.Div(price).Truncate(amountPlaces)
		if affordable.LessThan(amount) {
			amount = affordable
		}
	}
	if !amount.IsPositive() {
		return Fill{}, ErrNoLiquidity
	}
	return Fill{Price: price, Amount: amount}, nil
}
