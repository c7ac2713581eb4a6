package ledger

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/exchange/bridge/internal/metrics"
	commonerrors "github.com/exchange/bridge/pkg/errors"
)

// Tx is an all-or-nothing unit over a fixed set of balances. The balances are
// locked in key order by Begin and stay locked until Commit or Rollback, so no
// reader can observe a partially applied transaction. A Tx is not safe for
// concurrent use.
type Tx struct {
	l        *Ledger
	ctx      context.Context
	id       string
	accounts map[Key]*account
	order    []*account
	undo     map[Key]state
	entries  []Entry
	ops      []string
	external bool
	done     bool
}

// Begin locks the given balances, creating missing ones with zero values.
func (l *Ledger) Begin(ctx context.Context, keys ...Key) *Tx {
	if ctx == nil {
		ctx = context.Background()
	}
	uniq := make([]Key, 0, len(keys))
	seen := make(map[Key]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		uniq = append(uniq, k)
	}
	sort.Slice(uniq, func(i, j int) bool { return uniq[i].less(uniq[j]) })

	tx := &Tx{
		l:        l,
		ctx:      ctx,
		id:       uuid.NewString(),
		accounts: make(map[Key]*account, len(uniq)),
		order:    make([]*account, 0, len(uniq)),
		undo:     make(map[Key]state, len(uniq)),
	}

	l.auditMu.RLock()
	for _, k := range uniq {
		acc := l.account(k)
		acc.mu.Lock()
		tx.accounts[k] = acc
		tx.order = append(tx.order, acc)
	}
	return tx
}

// ID is the transaction id carried by every entry it produces.
func (tx *Tx) ID() string { return tx.id }

// Balance returns the in-transaction view of a locked balance.
func (tx *Tx) Balance(userID int64, asset string) (Balance, bool) {
	acc, ok := tx.accounts[Key{UserID: userID, Asset: asset}]
	if !ok {
		return Balance{}, false
	}
	return acc.bal, true
}

// Credit increases Amount.
func (tx *Tx) Credit(userID int64, asset string, amount decimal.Decimal, memo Memo) error {
	return tx.apply(metrics.BalanceOpCredit, userID, asset, amount, memo, func(b Balance) (decimal.Decimal, decimal.Decimal, error) {
		return amount, decimal.Zero, nil
	})
}

// Debit decreases Amount of unreserved funds; it fails with INSUFFICIENT_FUNDS
// when amount exceeds Amount or would eat into Reserved.
func (tx *Tx) Debit(userID int64, asset string, amount decimal.Decimal, memo Memo) error {
	return tx.apply(metrics.BalanceOpDebit, userID, asset, amount, memo, func(b Balance) (decimal.Decimal, decimal.Decimal, error) {
		if amount.GreaterThan(b.Amount) {
			return decimal.Zero, decimal.Zero, commonerrors.Newf(commonerrors.CodeInsufficientFunds,
				"debit %s %s exceeds amount %s", amount, asset, b.Amount)
		}
		if amount.GreaterThan(b.Available()) {
			return decimal.Zero, decimal.Zero, commonerrors.Newf(commonerrors.CodeInsufficientFunds,
				"debit %s %s exceeds available %s", amount, asset, b.Available())
		}
		return amount.Neg(), decimal.Zero, nil
	})
}

// Reserve moves amount from available to reserved.
func (tx *Tx) Reserve(userID int64, asset string, amount decimal.Decimal, memo Memo) error {
	return tx.apply(metrics.BalanceOpReserve, userID, asset, amount, memo, func(b Balance) (decimal.Decimal, decimal.Decimal, error) {
		if amount.GreaterThan(b.Available()) {
			return decimal.Zero, decimal.Zero, commonerrors.Newf(commonerrors.CodeInsufficientFunds,
				"reserve %s %s exceeds available %s", amount, asset, b.Available())
		}
		return decimal.Zero, amount, nil
	})
}

// Release returns reserved funds to available. Releasing more than is
// reserved is a programming error.
func (tx *Tx) Release(userID int64, asset string, amount decimal.Decimal, memo Memo) error {
	return tx.apply(metrics.BalanceOpRelease, userID, asset, amount, memo, func(b Balance) (decimal.Decimal, decimal.Decimal, error) {
		if amount.GreaterThan(b.Reserved) {
			return decimal.Zero, decimal.Zero, tx.l.invariant("release %s %s exceeds reserved %s (user=%d)", amount, asset, b.Reserved, userID)
		}
		return decimal.Zero, amount.Neg(), nil
	})
}

// SettleReserved consumes reserved funds: Amount and Reserved both drop.
// Available is not re-checked; the funds left it at reservation time.
func (tx *Tx) SettleReserved(userID int64, asset string, amount decimal.Decimal, memo Memo) error {
	return tx.apply(metrics.BalanceOpSettle, userID, asset, amount, memo, func(b Balance) (decimal.Decimal, decimal.Decimal, error) {
		if amount.GreaterThan(b.Reserved) {
			return decimal.Zero, decimal.Zero, tx.l.invariant("settle %s %s exceeds reserved %s (user=%d)", amount, asset, b.Reserved, userID)
		}
		return amount.Neg(), amount.Neg(), nil
	})
}

type deltaFunc func(Balance) (amountDelta, reservedDelta decimal.Decimal, err error)

func (tx *Tx) apply(op string, userID int64, asset string, amount decimal.Decimal, memo Memo, fn deltaFunc) error {
	if tx.done {
		return tx.l.invariant("ledger tx %s already finished", tx.id)
	}
	if !amount.IsPositive() {
		return commonerrors.Newf(commonerrors.CodeInvalidAmount, "%s amount must be positive, got %s", op, amount)
	}
	k := Key{UserID: userID, Asset: asset}
	acc, ok := tx.accounts[k]
	if !ok {
		return tx.l.invariant("balance user=%d asset=%s is not part of tx %s", userID, asset, tx.id)
	}

	dAmount, dReserved, err := fn(acc.bal)
	if err != nil {
		return err
	}

	next := acc.bal
	next.Amount = next.Amount.Add(dAmount)
	next.Reserved = next.Reserved.Add(dReserved)
	if !next.valid() {
		return tx.l.invariant("%s would leave user=%d asset=%s at amount=%s reserved=%s", op, userID, asset, next.Amount, next.Reserved)
	}

	if _, touched := tx.undo[k]; !touched {
		tx.undo[k] = acc.state
	}

	now := tx.l.now()
	next.UpdatedAt = now
	acc.bal = next
	acc.amountSum = acc.amountSum.Add(dAmount)
	acc.reservedSum = acc.reservedSum.Add(dReserved)

	tx.entries = append(tx.entries, Entry{
		TxID:          tx.id,
		UserID:        userID,
		Asset:         asset,
		AmountDelta:   dAmount,
		ReservedDelta: dReserved,
		AmountAfter:   next.Amount,
		ReservedAfter: next.Reserved,
		Reason:        memo.Reason,
		RefType:       memo.RefType,
		RefID:         memo.RefID,
		CreatedAt:     now,
	})
	tx.ops = append(tx.ops, op)
	if memo.Reason.External() {
		tx.external = true
	}
	return nil
}

// Commit publishes the transaction. A transaction without an external entry
// must leave every asset's total unchanged; otherwise it is rolled back with
// INVARIANT_VIOLATION.
func (tx *Tx) Commit() error {
	if tx.done {
		return tx.l.invariant("ledger tx %s already finished", tx.id)
	}

	net := make(map[string]decimal.Decimal)
	for _, e := range tx.entries {
		net[e.Asset] = net[e.Asset].Add(e.AmountDelta)
	}
	if !tx.external {
		for asset, d := range net {
			if !d.IsZero() {
				err := tx.l.invariant("internal tx %s changes total %s by %s", tx.id, asset, d)
				tx.Rollback()
				return err
			}
		}
	}

	for i := range tx.entries {
		tx.entries[i].ID = tx.l.seq.Add(1)
	}
	tx.l.recordCommit(tx.entries, net)
	tx.unlock()

	for _, op := range tx.ops {
		_ = tx.l.metrics.IncBalanceOperation(op)
	}
	tx.l.metrics.AddLedgerEntries(len(tx.entries))
	tx.l.notify(tx.ctx, tx.entries)
	return nil
}

// Rollback restores every touched balance. It is a no-op on a finished Tx.
func (tx *Tx) Rollback() {
	if tx.done {
		return
	}
	for k, prev := range tx.undo {
		tx.accounts[k].state = prev
	}
	tx.entries = nil
	tx.unlock()
}

func (tx *Tx) unlock() {
	for i := len(tx.order) - 1; i >= 0; i-- {
		tx.order[i].mu.Unlock()
	}
	tx.done = true
	tx.l.auditMu.RUnlock()
}
