// Package engine 撮合引擎
//
// Each configured pair runs one Engine goroutine that owns the pair's book and
// orders. Commands are processed one at a time, so matching on a pair is
// single-writer; reads take a read lock and never wait on a match in flight
// for longer than one settlement step.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/exchange/bridge/internal/ledger"
	"github.com/exchange/bridge/internal/liquidity"
	"github.com/exchange/bridge/internal/metrics"
	"github.com/exchange/bridge/internal/model"
	"github.com/exchange/bridge/internal/orderbook"
	"github.com/exchange/bridge/internal/settlement"
	commonerrors "github.com/exchange/bridge/pkg/errors"
	"github.com/exchange/bridge/pkg/health"
	"github.com/exchange/bridge/pkg/logger"
)

const (
	refTypeOrder      = "ORDER"
	heartbeatInterval = time.Second
	defaultPlaces     = 8
)

var errStopped = commonerrors.New(commonerrors.CodeUnavailable, "engine stopped")

// SelfTradePolicy decides what happens when an order would cross a resting
// order of the same user.
type SelfTradePolicy string

const (
	SelfTradeAllow           SelfTradePolicy = "allow"
	SelfTradeCancelResting   SelfTradePolicy = "cancel_resting"
	SelfTradeCancelAggressor SelfTradePolicy = "cancel_aggressor"
)

func ParseSelfTradePolicy(s string) (SelfTradePolicy, error) {
	switch p := SelfTradePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case SelfTradeAllow, SelfTradeCancelResting, SelfTradeCancelAggressor:
		return p, nil
	case "":
		return SelfTradeCancelResting, nil
	default:
		return "", fmt.Errorf("unknown self-trade policy %q", s)
	}
}

type Options struct {
	SelfTrade         SelfTradePolicy
	MarketBuySlippage decimal.Decimal
	LiquidityTimeout  time.Duration
	QueueSize         int
	// TradeHistory and OrderHistory bound what each pair keeps in memory for
	// reads; open orders are never dropped.
	TradeHistory int
	OrderHistory int
}

func DefaultOptions() Options {
	return Options{
		SelfTrade:         SelfTradeCancelResting,
		MarketBuySlippage: decimal.RequireFromString("0.05"),
		LiquidityTimeout:  2 * time.Second,
		QueueSize:         1024,
		TradeHistory:      10000,
		OrderHistory:      100000,
	}
}

// Listener observes order and trade changes. Calls come from the engine
// goroutine and must not block.
type Listener interface {
	OrderUpdated(ctx context.Context, order *model.Order)
	TradeExecuted(ctx context.Context, trade *model.Trade)
}

type IDGenerator interface {
	NextID() int64
}

// OrderResult is the outcome of a request. Cancelled counts orders closed by
// a ResetPair.
type OrderResult struct {
	Order     *model.Order   `json:"order,omitempty"`
	Trades    []*model.Trade `json:"trades"`
	Cancelled int            `json:"cancelled,omitempty"`
}

// deps are shared by every engine of an Exchange.
type deps struct {
	ledger    *ledger.Ledger
	settler   *settlement.Settler
	liquidity liquidity.Provider
	log       *logger.Logger
	metrics   *metrics.Metrics
	listeners []Listener
	opts      Options
	forget    func(orderID int64)
}

type command struct {
	ctx     context.Context
	req     Request
	orderID int64
	reply   chan reply
}

type reply struct {
	res *OrderResult
	err error
}

// Engine 单交易对撮合引擎
type Engine struct {
	market model.Market
	pair   string
	d      *deps
	book   *orderbook.Book

	mu     sync.RWMutex
	orders map[int64]*model.Order
	closed []int64
	trades []*model.Trade

	cmdCh   chan *command
	monitor *health.LoopMonitor
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	now     func() time.Time
}

func newEngine(market model.Market, d *deps) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	queue := d.opts.QueueSize
	if queue <= 0 {
		queue = 1
	}
	return &Engine{
		market:  market,
		pair:    market.Pair.String(),
		d:       d,
		book:    orderbook.New(market.Pair.String()),
		orders:  make(map[int64]*model.Order),
		cmdCh:   make(chan *command, queue),
		monitor: &health.LoopMonitor{},
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		now:     time.Now,
	}
}

// Start 启动引擎
func (e *Engine) Start() {
	go e.run()
}

// Stop 停止引擎，等待当前命令处理完毕
func (e *Engine) Stop() {
	e.cancel()
	<-e.done
}

func (e *Engine) Monitor() *health.LoopMonitor { return e.monitor }

func (e *Engine) run() {
	defer close(e.done)
	defer e.monitor.Stop()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	e.monitor.Tick()
	e.d.log.Infof("engine started", map[string]interface{}{"pair": e.pair})
	for {
		select {
		case cmd := <-e.cmdCh:
			res, err := e.process(cmd)
			cmd.reply <- reply{res: res, err: err}
			e.monitor.Tick()
		case <-ticker.C:
			e.monitor.Tick()
		case <-e.ctx.Done():
			e.drain()
			e.d.log.Infof("engine stopped", map[string]interface{}{"pair": e.pair})
			return
		}
	}
}

func (e *Engine) drain() {
	for {
		select {
		case cmd := <-e.cmdCh:
			cmd.reply <- reply{err: errStopped}
		default:
			return
		}
	}
}

// submit blocks until the command is queued, then until it completes. A
// queued command always runs to completion.
func (e *Engine) submit(ctx context.Context, req Request, orderID int64) (*OrderResult, error) {
	select {
	case <-e.ctx.Done():
		return nil, errStopped
	default:
	}

	cmd := &command{ctx: ctx, req: req, orderID: orderID, reply: make(chan reply, 1)}
	select {
	case e.cmdCh <- cmd:
	case <-ctx.Done():
		return nil, commonerrors.Newf(commonerrors.CodeQueueFull, "pair %s queue full: %v", e.pair, ctx.Err())
	case <-e.ctx.Done():
		return nil, errStopped
	}

	select {
	case r := <-cmd.reply:
		return r.res, r.err
	case <-e.done:
		select {
		case r := <-cmd.reply:
			return r.res, r.err
		default:
			return nil, errStopped
		}
	}
}

func (e *Engine) process(cmd *command) (*OrderResult, error) {
	switch r := cmd.req.(type) {
	case PlaceOrder:
		return e.placeOrder(cmd.ctx, r, cmd.orderID)
	case CancelOrder:
		return e.cancelOrder(cmd.ctx, r)
	case ResetPair:
		return e.reset(cmd.ctx)
	default:
		return nil, commonerrors.Newf(commonerrors.CodeInvalidParam, "unsupported request %T", cmd.req)
	}
}

func (e *Engine) placeOrder(ctx context.Context, req PlaceOrder, id int64) (*OrderResult, error) {
	start := e.now()
	order := &model.Order{
		ID:            id,
		UserID:        req.UserID,
		Pair:          e.market.Pair,
		Side:          req.Side,
		Type:          req.Type,
		Price:         req.Price,
		Amount:        req.Amount,
		Remaining:     req.Amount,
		Status:        model.StatusPending,
		ImmediateFill: req.ImmediateFill,
		CreatedAt:     start,
		UpdatedAt:     start,
	}

	e.mu.Lock()
	reserve, err := e.reservation(order)
	if err == nil {
		_, err = e.d.ledger.Reserve(ctx, order.UserID, order.ReserveAsset(), reserve, e.memo(ledger.ReasonOrderReserve, order))
	}
	if err != nil {
		e.mu.Unlock()
		e.d.log.WithContext(ctx).WithError(err).Debugf("order rejected", map[string]interface{}{
			"pair": e.pair, "userId": order.UserID, "side": order.Side, "type": order.Type,
		})
		e.d.metrics.IncOrder(e.pair, string(model.StatusRejected))
		return nil, err
	}
	order.Reserved = reserve
	e.orders[id] = order
	e.notifyOrder(ctx, order)

	res := &OrderResult{}
	selfTrade, matchErr := e.match(ctx, order, res)

	if order.Remaining.IsPositive() {
		if order.Type == model.OrderTypeLimit && !order.ImmediateFill && !selfTrade {
			if err := e.book.Insert(order); err != nil {
				e.d.log.WithError(err).Errorf("rest order", map[string]interface{}{"pair": e.pair, "orderId": order.ID})
			}
		} else {
			if matchErr == nil && !selfTrade {
				// Reads during the liquidity call see the order with only its
				// internal fills applied and the remainder still reserved.
				e.mu.Unlock()
				fill, ok := e.external(ctx, order)
				e.mu.Lock()
				if ok {
					e.settleExternal(ctx, order, fill, res)
				}
			}
			e.closeRemainder(order, selfTrade)
		}
	}
	if !order.Status.IsOpen() {
		e.releaseLeftover(ctx, order)
		e.retire(order)
	}
	e.notifyOrder(ctx, order)
	res.Order = order.Clone()
	e.observeDepth()
	e.mu.Unlock()

	e.d.metrics.ObserveMatchingLatency(e.pair, e.now().Sub(start))
	e.d.metrics.AddTradesCreated(e.pair, len(res.Trades))
	e.d.metrics.IncOrder(e.pair, string(order.Status))
	return res, matchErr
}

// reservation is the amount locked for an order: quote for a BUY, base for a
// SELL. A MARKET BUY locks what taking the asks would cost, plus slippage.
func (e *Engine) reservation(o *model.Order) (decimal.Decimal, error) {
	if o.Side == model.SideSell {
		return o.Amount, nil
	}
	if !o.IsMarket() {
		return o.Amount.Mul(o.Price), nil
	}

	cost, covered, deepest := e.book.MarketCost(model.SideSell, o.Amount)
	if !covered.IsPositive() {
		return decimal.Zero, commonerrors.Newf(commonerrors.CodeInvalidOrder, "no reference price for market buy on %s", e.pair)
	}
	cost = cost.Add(o.Amount.Sub(covered).Mul(deepest))
	return cost.Mul(decimal.NewFromInt(1).Add(e.d.opts.MarketBuySlippage)), nil
}

// match runs the aggressor against the opposite side. It reports whether the
// aggressor was stopped by the self-trade policy, and the settlement error
// that ended the loop, if any.
func (e *Engine) match(ctx context.Context, order *model.Order, res *OrderResult) (bool, error) {
	for order.Remaining.IsPositive() {
		resting := e.book.Best(order.Side.Opposite())
		if resting == nil || !order.Crosses(resting) {
			return false, nil
		}

		if resting.UserID == order.UserID {
			switch e.d.opts.SelfTrade {
			case SelfTradeCancelAggressor:
				return true, nil
			case SelfTradeCancelResting:
				if err := e.cancelResting(ctx, resting); err != nil {
					return false, err
				}
				continue
			}
		}

		price := resting.Price
		qty := decimal.Min(order.Remaining, resting.Remaining)
		if order.IsMarket() && order.Side == model.SideBuy {
			affordable := order.Reserved.Div(price).Truncate(e.amountPlaces())
			qty = decimal.Min(qty, affordable)
			if !qty.IsPositive() {
				return false, nil
			}
		}

		buy, sell := order, resting
		if order.Side == model.SideSell {
			buy, sell = resting, order
		}
		release := decimal.Zero
		if !buy.IsMarket() {
			release = buy.Price.Sub(price).Mul(qty)
		}

		trade, err := e.d.settler.ExecuteTrade(ctx, settlement.Match{
			Buy:          buy,
			Sell:         sell,
			Price:        price,
			Amount:       qty,
			TakerSide:    order.Side,
			BuyerRelease: release,
		})
		if err != nil {
			e.d.log.WithContext(ctx).WithError(err).Errorf("settlement failed", map[string]interface{}{
				"pair": e.pair, "buyOrderId": buy.ID, "sellOrderId": sell.ID, "price": price, "amount": qty,
			})
			return false, err
		}

		now := e.now()
		order.ApplyFill(qty, now)
		resting.ApplyFill(qty, now)
		e.book.Fill(resting.ID, qty)
		buy.Reserved = buy.Reserved.Sub(price.Mul(qty)).Sub(release)
		sell.Reserved = sell.Reserved.Sub(qty)
		buy.Fee = buy.Fee.Add(trade.Fee)
		sell.Fee = sell.Fee.Add(trade.SellerFee)

		e.recordTrade(ctx, trade, res)
		if !resting.Status.IsOpen() {
			e.retire(resting)
		}
		e.notifyOrder(ctx, resting)
	}
	return false, nil
}

// external asks the liquidity provider once for the order's remainder. Any
// error or timeout means no fill.
func (e *Engine) external(ctx context.Context, order *model.Order) (liquidity.Fill, bool) {
	if e.d.liquidity == nil {
		return liquidity.Fill{}, false
	}
	req := liquidity.Request{Pair: order.Pair, Side: order.Side, Amount: order.Remaining}
	if order.Side == model.SideBuy {
		req.MaxQuote = order.Reserved
	}
	if !order.IsMarket() {
		req.Limit = order.Price
	}

	timeout := e.d.opts.LiquidityTimeout
	if timeout <= 0 {
		timeout = DefaultOptions().LiquidityTimeout
	}
	lctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	fill, err := e.d.liquidity.Fill(lctx, req)
	if err != nil {
		if !errors.Is(err, liquidity.ErrNoLiquidity) {
			e.d.log.WithError(err).Warnf("external liquidity failed", map[string]interface{}{"pair": e.pair, "orderId": order.ID})
		}
		return liquidity.Fill{}, false
	}

	valid := fill.Price.IsPositive() && fill.Amount.IsPositive() && fill.Amount.LessThanOrEqual(order.Remaining)
	if valid && order.Side == model.SideBuy {
		valid = fill.Price.Mul(fill.Amount).LessThanOrEqual(order.Reserved)
	}
	if valid && !order.IsMarket() {
		if order.Side == model.SideBuy {
			valid = fill.Price.LessThanOrEqual(order.Price)
		} else {
			valid = fill.Price.GreaterThanOrEqual(order.Price)
		}
	}
	if !valid {
		e.d.log.Warnf("external fill out of bounds", map[string]interface{}{
			"pair": e.pair, "orderId": order.ID, "price": fill.Price, "amount": fill.Amount,
		})
		return liquidity.Fill{}, false
	}
	return fill, true
}

func (e *Engine) settleExternal(ctx context.Context, order *model.Order, fill liquidity.Fill, res *OrderResult) {
	trade, err := e.d.settler.ExecuteExternal(ctx, order, fill.Price, fill.Amount)
	if err != nil {
		e.d.log.WithError(err).Errorf("external settlement failed", map[string]interface{}{"pair": e.pair, "orderId": order.ID})
		return
	}
	order.ApplyFill(fill.Amount, e.now())
	if order.Side == model.SideBuy {
		order.Reserved = order.Reserved.Sub(fill.Price.Mul(fill.Amount))
		order.Fee = order.Fee.Add(trade.Fee)
	} else {
		order.Reserved = order.Reserved.Sub(fill.Amount)
		order.Fee = order.Fee.Add(trade.SellerFee)
	}
	e.recordTrade(ctx, trade, res)
}

// closeRemainder ends an order that may not rest: FILLED if anything filled,
// otherwise REJECTED, or CANCELLED when stopped by self-trade prevention.
func (e *Engine) closeRemainder(order *model.Order, selfTrade bool) {
	if !order.Remaining.IsPositive() {
		return
	}
	status := model.StatusRejected
	switch {
	case order.Filled.IsPositive():
		status = model.StatusFilled
	case selfTrade:
		status = model.StatusCancelled
	}
	order.CancelRemainder(status, e.now())
}

func (e *Engine) releaseLeftover(ctx context.Context, order *model.Order) {
	if !order.Reserved.IsPositive() {
		return
	}
	if _, err := e.d.ledger.Release(ctx, order.UserID, order.ReserveAsset(), order.Reserved, e.memo(ledger.ReasonOrderRelease, order)); err != nil {
		e.d.log.WithError(err).Errorf("release reservation", map[string]interface{}{"pair": e.pair, "orderId": order.ID})
		return
	}
	order.Reserved = decimal.Zero
}

func (e *Engine) cancelResting(ctx context.Context, resting *model.Order) error {
	if resting.Reserved.IsPositive() {
		if _, err := e.d.ledger.Release(ctx, resting.UserID, resting.ReserveAsset(), resting.Reserved, e.memo(ledger.ReasonOrderRelease, resting)); err != nil {
			return err
		}
	}
	e.book.Remove(resting.ID)
	resting.Reserved = decimal.Zero
	resting.CancelRemainder(model.StatusCancelled, e.now())
	e.retire(resting)
	e.notifyOrder(ctx, resting)
	e.d.metrics.IncOrder(e.pair, string(model.StatusCancelled))
	return nil
}

func (e *Engine) cancelOrder(ctx context.Context, req CancelOrder) (*OrderResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	order, ok := e.orders[req.OrderID]
	if !ok {
		return nil, commonerrors.Newf(commonerrors.CodeNotFound, "order %d not found", req.OrderID)
	}
	if order.UserID != req.UserID {
		return nil, commonerrors.Newf(commonerrors.CodeForbidden, "order %d belongs to another user", req.OrderID)
	}
	if !order.Status.IsOpen() {
		return nil, commonerrors.Newf(commonerrors.CodeInvalidState, "order %d is %s", req.OrderID, order.Status)
	}
	if err := e.cancelResting(ctx, order); err != nil {
		return nil, err
	}
	e.observeDepth()
	return &OrderResult{Order: order.Clone()}, nil
}

// reset cancels every resting order with its release and clears the book.
func (e *Engine) reset(ctx context.Context) (*OrderResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var firstErr error
	n := 0
	for _, o := range e.book.Orders() {
		if err := e.cancelResting(ctx, o); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		n++
	}
	if firstErr == nil {
		e.book.Clear()
	}
	e.observeDepth()
	e.d.log.Infof("pair reset", map[string]interface{}{"pair": e.pair, "cancelled": n})
	return &OrderResult{Cancelled: n}, firstErr
}

func (e *Engine) recordTrade(ctx context.Context, trade *model.Trade, res *OrderResult) {
	res.Trades = append(res.Trades, trade)
	e.trades = append(e.trades, trade)
	if limit := e.d.opts.TradeHistory; limit > 0 && len(e.trades) > limit {
		e.trades = append(e.trades[:0:0], e.trades[len(e.trades)-limit:]...)
	}
	for _, li := range e.d.listeners {
		li.TradeExecuted(ctx, trade)
	}
}

// retire records a closed order; the oldest closed orders are forgotten once
// OrderHistory is exceeded.
func (e *Engine) retire(order *model.Order) {
	e.closed = append(e.closed, order.ID)
	limit := e.d.opts.OrderHistory
	if limit <= 0 || len(e.closed) <= limit {
		return
	}
	drop := e.closed[0]
	e.closed = e.closed[1:]
	delete(e.orders, drop)
	if e.d.forget != nil {
		e.d.forget(drop)
	}
}

func (e *Engine) notifyOrder(ctx context.Context, order *model.Order) {
	if len(e.d.listeners) == 0 {
		return
	}
	snapshot := order.Clone()
	for _, li := range e.d.listeners {
		li.OrderUpdated(ctx, snapshot)
	}
}

func (e *Engine) observeDepth() {
	e.d.metrics.SetOrderbookDepth(e.pair, string(model.SideBuy), e.book.Len(model.SideBuy))
	e.d.metrics.SetOrderbookDepth(e.pair, string(model.SideSell), e.book.Len(model.SideSell))
}

func (e *Engine) memo(reason ledger.Reason, order *model.Order) ledger.Memo {
	return ledger.Memo{Reason: reason, RefType: refTypeOrder, RefID: strconv.FormatInt(order.ID, 10)}
}

func (e *Engine) amountPlaces() int32 {
	if e.market.AmountPrecision >= 0 {
		return e.market.AmountPrecision
	}
	return defaultPlaces
}

// Order 查询订单
func (e *Engine) Order(id int64) (*model.Order, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	o, ok := e.orders[id]
	if !ok {
		return nil, false
	}
	return o.Clone(), true
}

// OpenOrders returns a user's open orders, oldest first.
func (e *Engine) OpenOrders(userID int64) []*model.Order {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []*model.Order
	for _, o := range e.book.Orders() {
		if o.UserID == userID {
			out = append(out, o.Clone())
		}
	}
	return out
}

// Trades returns up to limit recent trades of a user, newest first.
func (e *Engine) Trades(userID int64, limit int) []*model.Trade {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []*model.Trade
	for i := len(e.trades) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if e.trades[i].Involves(userID) {
			out = append(out, e.trades[i])
		}
	}
	return out
}

// Depth 获取深度
func (e *Engine) Depth(depth int) orderbook.Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.book.Depth(depth)
}
