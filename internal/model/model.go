// Package model holds the order and trade types shared by the book, the engine
// and settlement.
package model

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/exchange/bridge/pkg/validate"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the counter side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

type OrderStatus string

const (
	StatusPending         OrderStatus = "PENDING"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusRejected        OrderStatus = "REJECTED"
)

// IsOpen reports whether the order may still rest in a book or be cancelled.
func (s OrderStatus) IsOpen() bool {
	return s == StatusPending || s == StatusPartiallyFilled
}

// Pair is a trading pair such as BTC/USDT.
type Pair struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

func ParsePair(s string) (Pair, error) {
	base, quote, err := validate.Pair(s)
	if err != nil {
		return Pair{}, err
	}
	return Pair{Base: base, Quote: quote}, nil
}

func (p Pair) String() string {
	return p.Base + "/" + p.Quote
}

// Order is owned by the engine of its pair. Filled, Remaining and Cancelled are
// maintained incrementally: Filled + Remaining + Cancelled == Amount, and
// Cancelled stays zero while the order is open.
type Order struct {
	ID            int64           `json:"id"`
	UserID        int64           `json:"userId"`
	Pair          Pair            `json:"pair"`
	Side          Side            `json:"side"`
	Type          OrderType       `json:"type"`
	Price         decimal.Decimal `json:"price"`
	Amount        decimal.Decimal `json:"amount"`
	Filled        decimal.Decimal `json:"filled"`
	Remaining     decimal.Decimal `json:"remaining"`
	Cancelled     decimal.Decimal `json:"cancelled"`
	Reserved      decimal.Decimal `json:"reserved"`
	Fee           decimal.Decimal `json:"fee"`
	Status        OrderStatus     `json:"status"`
	ImmediateFill bool            `json:"immediateFill"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// ReserveAsset is the asset locked while the order is open.
func (o *Order) ReserveAsset() string {
	if o.Side == SideBuy {
		return o.Pair.Quote
	}
	return o.Pair.Base
}

// ReceiveAsset is the asset the order's owner gets on a fill; fees are charged in it.
func (o *Order) ReceiveAsset() string {
	if o.Side == SideBuy {
		return o.Pair.Base
	}
	return o.Pair.Quote
}

// IsMarket reports whether the order has no limit price.
func (o *Order) IsMarket() bool {
	return o.Type == OrderTypeMarket
}

// Crosses reports whether o, as aggressor, can trade against resting.
func (o *Order) Crosses(resting *Order) bool {
	if o.IsMarket() {
		return true
	}
	if o.Side == SideBuy {
		return o.Price.GreaterThanOrEqual(resting.Price)
	}
	return o.Price.LessThanOrEqual(resting.Price)
}

// ApplyFill moves qty from Remaining to Filled and updates the status.
func (o *Order) ApplyFill(qty decimal.Decimal, at time.Time) {
	o.Filled = o.Filled.Add(qty)
	o.Remaining = o.Remaining.Sub(qty)
	if o.Remaining.IsZero() {
		o.Status = StatusFilled
	} else {
		o.Status = StatusPartiallyFilled
	}
	o.UpdatedAt = at
}

// CancelRemainder closes the order with a terminal status, moving Remaining to
// Cancelled.
func (o *Order) CancelRemainder(status OrderStatus, at time.Time) {
	o.Cancelled = o.Cancelled.Add(o.Remaining)
	o.Remaining = decimal.Zero
	o.Status = status
	o.UpdatedAt = at
}

// Clone returns a copy safe to hand out of the engine.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	return &c
}

// Trade is immutable once created. Fee is the buyer's fee in the base asset and
// SellerFee is the seller's fee in the quote asset.
type Trade struct {
	ID          int64           `json:"id"`
	BuyOrderID  int64           `json:"buyOrderId"`
	SellOrderID int64           `json:"sellOrderId"`
	Pair        Pair            `json:"pair"`
	Price       decimal.Decimal `json:"price"`
	Amount      decimal.Decimal `json:"amount"`
	Fee         decimal.Decimal `json:"fee"`
	SellerFee   decimal.Decimal `json:"sellerFee"`
	BuyerID     int64           `json:"buyerId"`
	SellerID    int64           `json:"sellerId"`
	TakerSide   Side            `json:"takerSide"`
	External    bool            `json:"external"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// QuoteValue is price × amount.
func (t Trade) QuoteValue() decimal.Decimal {
	return t.Price.Mul(t.Amount)
}

// Involves reports whether the user is either counterparty.
func (t Trade) Involves(userID int64) bool {
	return t.BuyerID == userID || t.SellerID == userID
}

// Market is a configured trading pair with its order size and precision rules.
// A negative precision disables the check.
type Market struct {
	Pair            Pair            `json:"pair"`
	MinAmount       decimal.Decimal `json:"minAmount"`
	MaxAmount       decimal.Decimal `json:"maxAmount"`
	PricePrecision  int32           `json:"pricePrecision"`
	AmountPrecision int32           `json:"amountPrecision"`
}
