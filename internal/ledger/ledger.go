// Package ledger owns per-(user, asset) balances and the reservation discipline
// used by order trading and external credit/debit flows.
//
// Every mutation runs inside a Tx that holds the per-balance locks of the
// balances it touches, checks invariants before it mutates, and either commits
// all of its changes or restores every touched balance on rollback.
package ledger

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/exchange/bridge/internal/metrics"
	commonerrors "github.com/exchange/bridge/pkg/errors"
	"github.com/exchange/bridge/pkg/logger"
)

const defaultJournalLimit = 10000

// Listener receives the entries of every committed transaction, in commit
// order per balance. OnCommit runs on the committing goroutine after the
// balance locks are released and must not block.
type Listener interface {
	OnCommit(ctx context.Context, entries []Entry)
}

type state struct {
	bal Balance
	// journal sums, including the opening balance restored on boot
	amountSum   decimal.Decimal
	reservedSum decimal.Decimal
}

type account struct {
	mu sync.Mutex
	state
}

type Ledger struct {
	mu       sync.RWMutex
	accounts map[Key]*account

	// Tx holds a read lock for its whole life; Audit takes the write lock to
	// observe a state with no transaction in flight.
	auditMu sync.RWMutex

	flowMu       sync.Mutex
	external     map[string]decimal.Decimal
	journal      []Entry
	journalLimit int

	listeners []Listener
	seq       atomic.Int64
	now       func() time.Time
	log       *logger.Logger
	metrics   *metrics.Metrics
}

// New creates an empty ledger. log and m may be nil.
func New(log *logger.Logger, m *metrics.Metrics) *Ledger {
	if log == nil {
		log = logger.Nop()
	}
	return &Ledger{
		accounts:     make(map[Key]*account),
		external:     make(map[string]decimal.Decimal),
		journalLimit: defaultJournalLimit,
		now:          time.Now,
		log:          log,
		metrics:      m,
	}
}

// AddListener registers a commit listener. Call before the ledger is shared.
func (l *Ledger) AddListener(li Listener) {
	if li == nil {
		return
	}
	l.mu.Lock()
	l.listeners = append(l.listeners, li)
	l.mu.Unlock()
}

func (l *Ledger) account(k Key) *account {
	l.mu.RLock()
	acc, ok := l.accounts[k]
	l.mu.RUnlock()
	if ok {
		return acc
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if acc, ok = l.accounts[k]; ok {
		return acc
	}
	acc = &account{state: state{bal: Balance{UserID: k.UserID, Asset: k.Asset}}}
	l.accounts[k] = acc
	return acc
}

// GetOrCreate returns the balance, creating a zero balance on first reference.
func (l *Ledger) GetOrCreate(userID int64, asset string) Balance {
	acc := l.account(Key{UserID: userID, Asset: asset})
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return acc.bal
}

// Get returns the balance without creating it.
func (l *Ledger) Get(userID int64, asset string) (Balance, bool) {
	l.mu.RLock()
	acc, ok := l.accounts[Key{UserID: userID, Asset: asset}]
	l.mu.RUnlock()
	if !ok {
		return Balance{}, false
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return acc.bal, true
}

// Balances returns all balances of a user ordered by asset.
func (l *Ledger) Balances(userID int64) []Balance {
	l.mu.RLock()
	accs := make([]*account, 0, 4)
	for k, acc := range l.accounts {
		if k.UserID == userID {
			accs = append(accs, acc)
		}
	}
	l.mu.RUnlock()

	out := make([]Balance, 0, len(accs))
	for _, acc := range accs {
		acc.mu.Lock()
		out = append(out, acc.bal)
		acc.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

func (l *Ledger) keys() []Key {
	l.mu.RLock()
	defer l.mu.RUnlock()
	keys := make([]Key, 0, len(l.accounts))
	for k := range l.accounts {
		keys = append(keys, k)
	}
	return keys
}

// Credit increases the total amount.
func (l *Ledger) Credit(ctx context.Context, userID int64, asset string, amount decimal.Decimal, memo Memo) (Balance, error) {
	return l.single(ctx, userID, asset, func(tx *Tx) error {
		return tx.Credit(userID, asset, amount, memo)
	})
}

// Debit decreases the total amount of unreserved funds.
func (l *Ledger) Debit(ctx context.Context, userID int64, asset string, amount decimal.Decimal, memo Memo) (Balance, error) {
	return l.single(ctx, userID, asset, func(tx *Tx) error {
		return tx.Debit(userID, asset, amount, memo)
	})
}

// Reserve moves available funds into reserved.
func (l *Ledger) Reserve(ctx context.Context, userID int64, asset string, amount decimal.Decimal, memo Memo) (Balance, error) {
	return l.single(ctx, userID, asset, func(tx *Tx) error {
		return tx.Reserve(userID, asset, amount, memo)
	})
}

// Release returns reserved funds to available.
func (l *Ledger) Release(ctx context.Context, userID int64, asset string, amount decimal.Decimal, memo Memo) (Balance, error) {
	return l.single(ctx, userID, asset, func(tx *Tx) error {
		return tx.Release(userID, asset, amount, memo)
	})
}

// SettleReserved consumes reserved funds permanently.
func (l *Ledger) SettleReserved(ctx context.Context, userID int64, asset string, amount decimal.Decimal, memo Memo) (Balance, error) {
	return l.single(ctx, userID, asset, func(tx *Tx) error {
		return tx.SettleReserved(userID, asset, amount, memo)
	})
}

func (l *Ledger) single(ctx context.Context, userID int64, asset string, fn func(*Tx) error) (Balance, error) {
	var out Balance
	err := l.Update(ctx, []Key{{UserID: userID, Asset: asset}}, func(tx *Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		out, _ = tx.Balance(userID, asset)
		return nil
	})
	return out, err
}

// Update runs fn inside a transaction over keys. fn's error rolls the
// transaction back and is returned; otherwise the transaction commits.
func (l *Ledger) Update(ctx context.Context, keys []Key, fn func(*Tx) error) (err error) {
	tx := l.Begin(ctx, keys...)
	defer func() {
		if !tx.done {
			tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Restore loads opening balances, e.g. from a persisted snapshot on boot.
// Restored amounts count as external inflow for conservation checks.
func (l *Ledger) Restore(balances []Balance) error {
	for _, b := range balances {
		if !b.valid() {
			return commonerrors.Newf(commonerrors.CodeInvariantViolation,
				"restore: invalid balance user=%d asset=%s amount=%s reserved=%s", b.UserID, b.Asset, b.Amount, b.Reserved)
		}
	}

	l.auditMu.Lock()
	defer l.auditMu.Unlock()
	for _, b := range balances {
		acc := l.account(Key{UserID: b.UserID, Asset: b.Asset})
		acc.mu.Lock()
		prev := acc.bal
		acc.bal.Amount = b.Amount
		acc.bal.Reserved = b.Reserved
		acc.bal.UpdatedAt = b.UpdatedAt
		acc.amountSum = acc.amountSum.Add(b.Amount.Sub(prev.Amount))
		acc.reservedSum = acc.reservedSum.Add(b.Reserved.Sub(prev.Reserved))
		acc.mu.Unlock()

		l.flowMu.Lock()
		l.external[b.Asset] = l.external[b.Asset].Add(b.Amount.Sub(prev.Amount))
		l.flowMu.Unlock()
	}
	return nil
}

// Entries returns up to limit recent journal entries of a user, newest first.
// Only the most recent entries of the whole ledger are kept in memory.
func (l *Ledger) Entries(userID int64, limit int) []Entry {
	if limit <= 0 {
		limit = 100
	}
	l.flowMu.Lock()
	defer l.flowMu.Unlock()
	out := make([]Entry, 0, limit)
	for i := len(l.journal) - 1; i >= 0 && len(out) < limit; i-- {
		if l.journal[i].UserID == userID {
			out = append(out, l.journal[i])
		}
	}
	return out
}

// ExternalFlow returns the net amount of an asset that entered the ledger.
func (l *Ledger) ExternalFlow(asset string) decimal.Decimal {
	l.flowMu.Lock()
	defer l.flowMu.Unlock()
	return l.external[asset]
}

func (l *Ledger) recordCommit(entries []Entry, net map[string]decimal.Decimal) {
	l.flowMu.Lock()
	for asset, d := range net {
		if !d.IsZero() {
			l.external[asset] = l.external[asset].Add(d)
		}
	}
	l.journal = append(l.journal, entries...)
	if over := len(l.journal) - l.journalLimit; over > 0 {
		l.journal = append(l.journal[:0:0], l.journal[over:]...)
	}
	l.flowMu.Unlock()
}

func (l *Ledger) notify(ctx context.Context, entries []Entry) {
	if len(entries) == 0 {
		return
	}
	l.mu.RLock()
	listeners := l.listeners
	l.mu.RUnlock()
	for _, li := range listeners {
		li.OnCommit(ctx, entries)
	}
}

func (l *Ledger) invariant(format string, args ...interface{}) error {
	err := commonerrors.Newf(commonerrors.CodeInvariantViolation, format, args...)
	l.metrics.IncInvariantViolation()
	l.log.WithError(err).Error("ledger invariant violation")
	return err
}
