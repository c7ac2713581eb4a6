// Package orderbook 订单簿实现
//
// A Book holds the resting orders of one pair. Price levels are kept in a
// red-black tree per side, each level is a FIFO of orders at that price. The
// book is not safe for concurrent use; it is owned by the engine of its pair.
package orderbook

import (
	"container/list"
	"sort"

	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/shopspring/decimal"

	"github.com/exchange/bridge/internal/model"
	commonerrors "github.com/exchange/bridge/pkg/errors"
)

// DefaultDepth is the snapshot depth used when none is given.
const DefaultDepth = 25

// level 价格档位
type level struct {
	price  decimal.Decimal
	orders *list.List // *model.Order
	total  decimal.Decimal
}

type entry struct {
	order   *model.Order
	element *list.Element
	level   *level
}

// PriceLevel is one aggregated row of a snapshot.
type PriceLevel struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
}

// Snapshot 深度快照
type Snapshot struct {
	Pair string       `json:"pair"`
	Bids []PriceLevel `json:"bids"`
	Asks []PriceLevel `json:"asks"`
}

// Book 订单簿
type Book struct {
	pair string

	// 买盘：价格降序；卖盘：价格升序。Left() 总是最优档位
	bids *redblacktree.Tree
	asks *redblacktree.Tree

	orders map[int64]*entry
	count  map[model.Side]int
}

func ascending(a, b interface{}) int {
	return a.(decimal.Decimal).Cmp(b.(decimal.Decimal))
}

func descending(a, b interface{}) int {
	return b.(decimal.Decimal).Cmp(a.(decimal.Decimal))
}

// New 创建订单簿
func New(pair string) *Book {
	return &Book{
		pair:   pair,
		bids:   redblacktree.NewWith(descending),
		asks:   redblacktree.NewWith(ascending),
		orders: make(map[int64]*entry),
		count:  make(map[model.Side]int, 2),
	}
}

func (b *Book) Pair() string { return b.pair }

func (b *Book) tree(side model.Side) *redblacktree.Tree {
	if side == model.SideBuy {
		return b.bids
	}
	return b.asks
}

// Insert appends the order at the tail of its price level. Only LIMIT orders
// with quantity remaining can rest.
func (b *Book) Insert(o *model.Order) error {
	if _, exists := b.orders[o.ID]; exists {
		return commonerrors.Newf(commonerrors.CodeInvalidState, "order %d already in book", o.ID)
	}
	if o.IsMarket() || !o.Price.IsPositive() || !o.Remaining.IsPositive() {
		return commonerrors.Newf(commonerrors.CodeInvalidOrder, "order %d cannot rest", o.ID)
	}

	t := b.tree(o.Side)
	var lvl *level
	if v, found := t.Get(o.Price); found {
		lvl = v.(*level)
	} else {
		lvl = &level{price: o.Price, orders: list.New()}
		t.Put(o.Price, lvl)
	}

	b.orders[o.ID] = &entry{order: o, element: lvl.orders.PushBack(o), level: lvl}
	b.count[o.Side]++
	lvl.total = lvl.total.Add(o.Remaining)
	return nil
}

// Best returns the highest-priority order of a side, or nil.
func (b *Book) Best(side model.Side) *model.Order {
	node := b.tree(side).Left()
	if node == nil {
		return nil
	}
	return node.Value.(*level).orders.Front().Value.(*model.Order)
}

// Get 获取订单
func (b *Book) Get(orderID int64) (*model.Order, bool) {
	e, ok := b.orders[orderID]
	if !ok {
		return nil, false
	}
	return e.order, true
}

// Remove takes an order out of the book. Removing an absent order is a no-op.
func (b *Book) Remove(orderID int64) bool {
	e, ok := b.orders[orderID]
	if !ok {
		return false
	}
	lvl := e.level
	lvl.orders.Remove(e.element)
	lvl.total = lvl.total.Sub(e.order.Remaining)
	if lvl.orders.Len() == 0 {
		b.tree(e.order.Side).Remove(lvl.price)
	}
	delete(b.orders, orderID)
	b.count[e.order.Side]--
	return true
}

// Fill keeps the level aggregate in step with a fill of qty that the caller
// has already applied to the order. A fully filled order leaves the book.
func (b *Book) Fill(orderID int64, qty decimal.Decimal) {
	e, ok := b.orders[orderID]
	if !ok {
		return
	}
	e.level.total = e.level.total.Sub(qty)
	if e.order.Remaining.IsPositive() {
		return
	}
	e.level.orders.Remove(e.element)
	if e.level.orders.Len() == 0 {
		b.tree(e.order.Side).Remove(e.level.price)
	}
	delete(b.orders, orderID)
	b.count[e.order.Side]--
}

// Snapshot aggregates up to depth levels of a side in priority order. A depth
// of zero or less returns every level.
func (b *Book) Snapshot(side model.Side, depth int) []PriceLevel {
	t := b.tree(side)
	n := t.Size()
	if depth > 0 && depth < n {
		n = depth
	}
	out := make([]PriceLevel, 0, n)
	it := t.Iterator()
	for it.Next() && len(out) < n {
		lvl := it.Value().(*level)
		if !lvl.total.IsPositive() {
			continue
		}
		out = append(out, PriceLevel{Price: lvl.price, Amount: lvl.total})
	}
	return out
}

// Depth returns both sides, best first.
func (b *Book) Depth(depth int) Snapshot {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return Snapshot{
		Pair: b.pair,
		Bids: b.Snapshot(model.SideBuy, depth),
		Asks: b.Snapshot(model.SideSell, depth),
	}
}

// MarketCost walks a side from the best level and returns the quote needed to
// take amount, the part of amount the book covers, and the price of the
// deepest level touched.
func (b *Book) MarketCost(side model.Side, amount decimal.Decimal) (cost, covered, deepest decimal.Decimal) {
	left := amount
	it := b.tree(side).Iterator()
	for it.Next() && left.IsPositive() {
		lvl := it.Value().(*level)
		take := decimal.Min(lvl.total, left)
		cost = cost.Add(lvl.price.Mul(take))
		covered = covered.Add(take)
		left = left.Sub(take)
		deepest = lvl.price
	}
	return cost, covered, deepest
}

// Len 某一方向挂单数量
func (b *Book) Len(side model.Side) int {
	return b.count[side]
}

// Orders returns every resting order, oldest id first.
func (b *Book) Orders() []*model.Order {
	out := make([]*model.Order, 0, len(b.orders))
	for _, e := range b.orders {
		out = append(out, e.order)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Clear drops every order and level.
func (b *Book) Clear() {
	b.bids.Clear()
	b.asks.Clear()
	b.orders = make(map[int64]*entry)
	b.count = make(map[model.Side]int, 2)
}
