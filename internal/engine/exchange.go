package engine

import (
	"context"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/exchange/bridge/internal/ledger"
	"github.com/exchange/bridge/internal/liquidity"
	"github.com/exchange/bridge/internal/metrics"
	"github.com/exchange/bridge/internal/model"
	"github.com/exchange/bridge/internal/orderbook"
	"github.com/exchange/bridge/internal/settlement"
	commonerrors "github.com/exchange/bridge/pkg/errors"
	"github.com/exchange/bridge/pkg/health"
	"github.com/exchange/bridge/pkg/logger"
	"github.com/exchange/bridge/pkg/tracing"
)

// DefaultTradeLimit is used by Trades when no limit is given.
const DefaultTradeLimit = 100

// Exchange routes requests to the engine of each configured pair. Engines are
// created on first reference and live until Stop.
type Exchange struct {
	markets map[string]model.Market
	ids     IDGenerator
	d       *deps

	mu      sync.RWMutex
	engines map[string]*Engine
	stopped bool

	idxMu sync.RWMutex
	index map[int64]*Engine
}

func New(markets []model.Market, l *ledger.Ledger, s *settlement.Settler, ids IDGenerator, opts Options, log *logger.Logger, m *metrics.Metrics) *Exchange {
	if log == nil {
		log = logger.Nop()
	}
	x := &Exchange{
		markets: make(map[string]model.Market, len(markets)),
		ids:     ids,
		engines: make(map[string]*Engine),
		index:   make(map[int64]*Engine),
	}
	for _, mk := range markets {
		x.markets[mk.Pair.String()] = mk
	}
	x.d = &deps{
		ledger:    l,
		settler:   s,
		liquidity: liquidity.Noop{},
		log:       log,
		metrics:   m,
		opts:      opts,
		forget:    x.forget,
	}
	return x
}

// SetLiquidity sets the outside venue. Call before the first request.
func (x *Exchange) SetLiquidity(p liquidity.Provider) {
	if p == nil {
		p = liquidity.Noop{}
	}
	x.d.liquidity = p
}

// AddListener registers an order and trade listener. Call before the first
// request.
func (x *Exchange) AddListener(li Listener) {
	if li != nil {
		x.d.listeners = append(x.d.listeners, li)
	}
}

// Markets returns the configured markets ordered by pair.
func (x *Exchange) Markets() []model.Market {
	out := make([]model.Market, 0, len(x.markets))
	for _, mk := range x.markets {
		out = append(out, mk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pair.String() < out[j].Pair.String() })
	return out
}

func (x *Exchange) engine(pair string) (*Engine, error) {
	x.mu.RLock()
	eng, ok := x.engines[pair]
	stopped := x.stopped
	x.mu.RUnlock()
	if ok {
		return eng, nil
	}
	if stopped {
		return nil, errStopped
	}
	mk, ok := x.markets[pair]
	if !ok {
		return nil, commonerrors.Newf(commonerrors.CodeSymbolNotFound, "pair %s is not configured", pair)
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if x.stopped {
		return nil, errStopped
	}
	// 双重检查
	if eng, ok = x.engines[pair]; ok {
		return eng, nil
	}
	eng = newEngine(mk, x.d)
	eng.Start()
	x.engines[pair] = eng
	return eng, nil
}

func (x *Exchange) forget(orderID int64) {
	x.idxMu.Lock()
	delete(x.index, orderID)
	x.idxMu.Unlock()
}

// Execute dispatches a request variant after validating it.
func (x *Exchange) Execute(ctx context.Context, req Request) (*OrderResult, error) {
	switch r := req.(type) {
	case PlaceOrder:
		return x.PlaceOrder(ctx, r)
	case CancelOrder:
		order, err := x.CancelOrder(ctx, r)
		if err != nil {
			return nil, err
		}
		return &OrderResult{Order: order}, nil
	case ResetPair:
		n, err := x.ResetPair(ctx, r)
		return &OrderResult{Cancelled: n}, err
	default:
		return nil, commonerrors.Newf(commonerrors.CodeInvalidParam, "unsupported request %T", req)
	}
}

// PlaceOrder validates, reserves, matches and settles an order. When a
// settlement step fails the error is returned together with the result as it
// stood: trades settled before the failure and the order's state.
func (x *Exchange) PlaceOrder(ctx context.Context, req PlaceOrder) (res *OrderResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "engine.PlaceOrder")
	defer func() { tracing.Finish(span, err) }()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.UserID == x.d.settler.HouseID() {
		return nil, commonerrors.New(commonerrors.CodeInvalidOrder, "fee account cannot place orders")
	}
	mk, ok := x.markets[req.Pair]
	if !ok {
		return nil, commonerrors.Newf(commonerrors.CodeInvalidOrder, "pair %s is not configured", req.Pair)
	}
	if err := req.validateMarket(mk); err != nil {
		return nil, err
	}
	eng, err := x.engine(req.Pair)
	if err != nil {
		return nil, err
	}

	id := x.ids.NextID()
	tracing.AddEvent(ctx, "order.accepted",
		attribute.Int64("order.id", id),
		attribute.String("order.pair", req.Pair),
		attribute.String("order.side", string(req.Side)),
	)
	x.idxMu.Lock()
	x.index[id] = eng
	x.idxMu.Unlock()

	res, err = eng.submit(ctx, req, id)
	if res == nil {
		x.forget(id)
	}
	return res, err
}

// CancelOrder cancels an open order of its owner and releases its
// reservation.
func (x *Exchange) CancelOrder(ctx context.Context, req CancelOrder) (order *model.Order, err error) {
	ctx, span := tracing.StartSpan(ctx, "engine.CancelOrder")
	defer func() { tracing.Finish(span, err) }()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	x.idxMu.RLock()
	eng, ok := x.index[req.OrderID]
	x.idxMu.RUnlock()
	if !ok {
		return nil, commonerrors.Newf(commonerrors.CodeNotFound, "order %d not found", req.OrderID)
	}
	res, err := eng.submit(ctx, req, req.OrderID)
	if err != nil {
		return nil, err
	}
	return res.Order, nil
}

// ResetPair cancels every open order of a pair, releasing reservations, and
// clears its book. It returns the number of cancelled orders.
func (x *Exchange) ResetPair(ctx context.Context, req ResetPair) (int, error) {
	if err := req.Validate(); err != nil {
		return 0, err
	}
	eng, err := x.engine(req.Pair)
	if err != nil {
		return 0, err
	}
	res, err := eng.submit(ctx, req, 0)
	if res == nil {
		return 0, err
	}
	return res.Cancelled, err
}

// Snapshot returns aggregated depth of a pair, best levels first.
func (x *Exchange) Snapshot(pair string, depth int) (orderbook.Snapshot, error) {
	eng, err := x.engine(pair)
	if err != nil {
		return orderbook.Snapshot{}, err
	}
	return eng.Depth(depth), nil
}

// Order 查询订单
func (x *Exchange) Order(orderID int64) (*model.Order, error) {
	x.idxMu.RLock()
	eng, ok := x.index[orderID]
	x.idxMu.RUnlock()
	if ok {
		if o, found := eng.Order(orderID); found {
			return o, nil
		}
	}
	return nil, commonerrors.Newf(commonerrors.CodeNotFound, "order %d not found", orderID)
}

// OpenOrders returns a user's open orders on one pair, or on every pair when
// pair is empty.
func (x *Exchange) OpenOrders(userID int64, pair string) ([]*model.Order, error) {
	engines, err := x.enginesFor(pair)
	if err != nil {
		return nil, err
	}
	var out []*model.Order
	for _, eng := range engines {
		out = append(out, eng.OpenOrders(userID)...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Trades returns up to limit trades of a user, newest first, on one pair or
// on every pair when pair is empty.
func (x *Exchange) Trades(userID int64, pair string, limit int) ([]*model.Trade, error) {
	if limit <= 0 {
		limit = DefaultTradeLimit
	}
	engines, err := x.enginesFor(pair)
	if err != nil {
		return nil, err
	}
	var out []*model.Trade
	for _, eng := range engines {
		out = append(out, eng.Trades(userID, limit)...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (x *Exchange) enginesFor(pair string) ([]*Engine, error) {
	if pair != "" {
		if _, ok := x.markets[pair]; !ok {
			return nil, commonerrors.Newf(commonerrors.CodeSymbolNotFound, "pair %s is not configured", pair)
		}
		x.mu.RLock()
		eng, ok := x.engines[pair]
		x.mu.RUnlock()
		if !ok {
			return nil, nil
		}
		return []*Engine{eng}, nil
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]*Engine, 0, len(x.engines))
	for _, eng := range x.engines {
		out = append(out, eng)
	}
	return out, nil
}

// Loops exposes each engine goroutine's heartbeat for health checks.
func (x *Exchange) Loops() map[string]*health.LoopMonitor {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make(map[string]*health.LoopMonitor, len(x.engines))
	for pair, eng := range x.engines {
		out["engine:"+pair] = eng.Monitor()
	}
	return out
}

// Stop stops every engine after its current command.
func (x *Exchange) Stop() {
	x.mu.Lock()
	x.stopped = true
	engines := make([]*Engine, 0, len(x.engines))
	for _, eng := range x.engines {
		engines = append(engines, eng)
	}
	x.mu.Unlock()

	for _, eng := range engines {
		eng.Stop()
	}
}
