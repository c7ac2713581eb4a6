package engine

import (
	"github.com/shopspring/decimal"

	"github.com/exchange/bridge/internal/model"
	commonerrors "github.com/exchange/bridge/pkg/errors"
	"github.com/exchange/bridge/pkg/validate"
)

// Request is one of PlaceOrder, CancelOrder or ResetPair.
type Request interface {
	Validate() error
	kind() string
}

// PlaceOrder 下单请求。MARKET 订单不带价格
type PlaceOrder struct {
	UserID        int64           `json:"userId"`
	Pair          string          `json:"pair"`
	Side          model.Side      `json:"side"`
	Type          model.OrderType `json:"type"`
	Price         decimal.Decimal `json:"price"`
	Amount        decimal.Decimal `json:"amount"`
	ImmediateFill bool            `json:"immediateFill"`
}

func (PlaceOrder) kind() string { return "place_order" }

func (r PlaceOrder) Validate() error {
	if r.UserID <= 0 {
		return commonerrors.Newf(commonerrors.CodeInvalidOrder, "invalid user id: %d", r.UserID)
	}
	if _, err := model.ParsePair(r.Pair); err != nil {
		return err
	}
	if err := validate.Side(string(r.Side)); err != nil {
		return err
	}
	if err := validate.OrderType(string(r.Type)); err != nil {
		return err
	}
	if !r.Amount.IsPositive() {
		return commonerrors.Newf(commonerrors.CodeInvalidOrder, "invalid amount: %s (must be > 0)", r.Amount)
	}
	switch r.Type {
	case model.OrderTypeLimit:
		if !r.Price.IsPositive() {
			return commonerrors.Newf(commonerrors.CodeInvalidOrder, "invalid price: %s (must be > 0)", r.Price)
		}
	case model.OrderTypeMarket:
		if !r.Price.IsZero() {
			return commonerrors.New(commonerrors.CodeInvalidOrder, "market order must not carry a price")
		}
	}
	return nil
}

// validateMarket applies the size and precision rules of the pair.
func (r PlaceOrder) validateMarket(m model.Market) error {
	if err := validate.Quantity(r.Amount, m.MinAmount, m.MaxAmount, m.AmountPrecision); err != nil {
		return err
	}
	if r.Type == model.OrderTypeLimit {
		return validate.Price(r.Price, m.PricePrecision)
	}
	return nil
}

// CancelOrder 撤单请求
type CancelOrder struct {
	OrderID int64 `json:"orderId"`
	UserID  int64 `json:"userId"`
}

func (CancelOrder) kind() string { return "cancel_order" }

func (r CancelOrder) Validate() error {
	if r.OrderID <= 0 {
		return commonerrors.Newf(commonerrors.CodeInvalidParam, "invalid order id: %d", r.OrderID)
	}
	if r.UserID <= 0 {
		return commonerrors.Newf(commonerrors.CodeInvalidParam, "invalid user id: %d", r.UserID)
	}
	return nil
}

// ResetPair cancels every open order of a pair and clears its book.
type ResetPair struct {
	Pair string `json:"pair"`
}

func (ResetPair) kind() string { return "reset_pair" }

func (r ResetPair) Validate() error {
	_, err := model.ParsePair(r.Pair)
	return err
}
