// Package settlement moves funds between counterparties when orders match.
package settlement

import (
	"context"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/exchange/bridge/internal/ledger"
	"github.com/exchange/bridge/internal/metrics"
	"github.com/exchange/bridge/internal/model"
	commonerrors "github.com/exchange/bridge/pkg/errors"
)

const refTypeTrade = "TRADE"

type IDGenerator interface {
	NextID() int64
}

// Match is one fill between two orders of the same pair.
type Match struct {
	Buy       *model.Order
	Sell      *model.Order
	Price     decimal.Decimal
	Amount    decimal.Decimal
	TakerSide model.Side
	// BuyerRelease is the part of the buyer's reservation freed because a BUY
	// LIMIT filled below its limit price.
	BuyerRelease decimal.Decimal
}

type Settler struct {
	ledger  *ledger.Ledger
	feeRate decimal.Decimal
	house   int64
	idGen   IDGenerator
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(l *ledger.Ledger, feeRate decimal.Decimal, houseID int64, idGen IDGenerator, m *metrics.Metrics) *Settler {
	return &Settler{
		ledger:  l,
		feeRate: feeRate,
		house:   houseID,
		idGen:   idGen,
		metrics: m,
		now:     time.Now,
	}
}

func (s *Settler) HouseID() int64 { return s.house }

// Fees returns the buyer fee in base and the seller fee in quote. Each side
// pays in the asset it receives.
func (s *Settler) Fees(price, amount decimal.Decimal) (buyerFee, sellerFee decimal.Decimal) {
	return amount.Mul(s.feeRate), price.Mul(amount).Mul(s.feeRate)
}

// ExecuteTrade settles a match in one ledger transaction. On error nothing
// has moved and no trade exists.
func (s *Settler) ExecuteTrade(ctx context.Context, m Match) (*model.Trade, error) {
	if m.Buy == nil || m.Sell == nil || m.Buy.Pair != m.Sell.Pair {
		return nil, commonerrors.New(commonerrors.CodeInvalidParam, "match needs a buy and a sell of one pair")
	}
	if !m.Price.IsPositive() || !m.Amount.IsPositive() {
		return nil, commonerrors.Newf(commonerrors.CodeInvalidAmount, "match price=%s amount=%s", m.Price, m.Amount)
	}

	start := s.now()
	pair := m.Buy.Pair
	quote := m.Price.Mul(m.Amount)
	buyerFee, sellerFee := s.Fees(m.Price, m.Amount)
	tradeID := s.idGen.NextID()
	ref := strconv.FormatInt(tradeID, 10)
	settle := ledger.Memo{Reason: ledger.ReasonTradeSettle, RefType: refTypeTrade, RefID: ref}
	fee := ledger.Memo{Reason: ledger.ReasonFee, RefType: refTypeTrade, RefID: ref}

	buyer, seller := m.Buy.UserID, m.Sell.UserID
	keys := []ledger.Key{
		{UserID: buyer, Asset: pair.Quote},
		{UserID: buyer, Asset: pair.Base},
		{UserID: seller, Asset: pair.Base},
		{UserID: seller, Asset: pair.Quote},
		{UserID: s.house, Asset: pair.Base},
		{UserID: s.house, Asset: pair.Quote},
	}

	err := s.ledger.Update(ctx, keys, func(tx *ledger.Tx) error {
		if err := tx.SettleReserved(buyer, pair.Quote, quote, settle); err != nil {
			return err
		}
		if m.BuyerRelease.IsPositive() {
			release := ledger.Memo{Reason: ledger.ReasonOrderRelease, RefType: refTypeTrade, RefID: ref}
			if err := tx.Release(buyer, pair.Quote, m.BuyerRelease, release); err != nil {
				return err
			}
		}
		if err := creditPositive(tx, buyer, pair.Base, m.Amount.Sub(buyerFee), settle); err != nil {
			return err
		}
		if err := tx.SettleReserved(seller, pair.Base, m.Amount, settle); err != nil {
			return err
		}
		if err := creditPositive(tx, seller, pair.Quote, quote.Sub(sellerFee), settle); err != nil {
			return err
		}
		if err := creditPositive(tx, s.house, pair.Base, buyerFee, fee); err != nil {
			return err
		}
		return creditPositive(tx, s.house, pair.Quote, sellerFee, fee)
	})
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveSettlementLatency(s.now().Sub(start))

	return &model.Trade{
		ID:          tradeID,
		BuyOrderID:  m.Buy.ID,
		SellOrderID: m.Sell.ID,
		Pair:        pair,
		Price:       m.Price,
		Amount:      m.Amount,
		Fee:         buyerFee,
		SellerFee:   sellerFee,
		BuyerID:     buyer,
		SellerID:    seller,
		TakerSide:   m.TakerSide,
		CreatedAt:   s.now(),
	}, nil
}

// ExecuteExternal settles a fill obtained from an outside venue for order.
// The order's reservation pays for it; the counter asset enters the ledger
// from outside under EXTERNAL_FILL. A BUY pays at most order.Reserved.
func (s *Settler) ExecuteExternal(ctx context.Context, order *model.Order, price, amount decimal.Decimal) (*model.Trade, error) {
	if !price.IsPositive() || !amount.IsPositive() {
		return nil, commonerrors.Newf(commonerrors.CodeInvalidAmount, "external fill price=%s amount=%s", price, amount)
	}

	start := s.now()
	pair := order.Pair
	quote := price.Mul(amount)
	buyerFee, sellerFee := s.Fees(price, amount)
	tradeID := s.idGen.NextID()
	ref := strconv.FormatInt(tradeID, 10)
	ext := ledger.Memo{Reason: ledger.ReasonExternalFill, RefType: refTypeTrade, RefID: ref}
	fee := ledger.Memo{Reason: ledger.ReasonFee, RefType: refTypeTrade, RefID: ref}
	user := order.UserID

	keys := []ledger.Key{
		{UserID: user, Asset: pair.Base},
		{UserID: user, Asset: pair.Quote},
		{UserID: s.house, Asset: order.ReceiveAsset()},
	}
	err := s.ledger.Update(ctx, keys, func(tx *ledger.Tx) error {
		if order.Side == model.SideBuy {
			if err := tx.SettleReserved(user, pair.Quote, quote, ext); err != nil {
				return err
			}
			if err := creditPositive(tx, user, pair.Base, amount.Sub(buyerFee), ext); err != nil {
				return err
			}
			return creditPositive(tx, s.house, pair.Base, buyerFee, fee)
		}
		if err := tx.SettleReserved(user, pair.Base, amount, ext); err != nil {
			return err
		}
		if err := creditPositive(tx, user, pair.Quote, quote.Sub(sellerFee), ext); err != nil {
			return err
		}
		return creditPositive(tx, s.house, pair.Quote, sellerFee, fee)
	})
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveSettlementLatency(s.now().Sub(start))

	t := &model.Trade{
		ID:        tradeID,
		Pair:      pair,
		Price:     price,
		Amount:    amount,
		TakerSide: order.Side,
		External:  true,
		CreatedAt: s.now(),
	}
	if order.Side == model.SideBuy {
		t.BuyOrderID, t.BuyerID, t.Fee = order.ID, user, buyerFee
	} else {
		t.SellOrderID, t.SellerID, t.SellerFee = order.ID, user, sellerFee
	}
	return t, nil
}

func creditPositive(tx *ledger.Tx, userID int64, asset string, amount decimal.Decimal, memo ledger.Memo) error {
	if !amount.IsPositive() {
		return nil
	}
	return tx.Credit(userID, asset, amount, memo)
}
