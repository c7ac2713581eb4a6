package ledger

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Discrepancy kinds reported by Audit.
const (
	KindNegative     = "negative_balance"
	KindJournalDrift = "journal_drift"
	KindConservation = "conservation"
)

type Discrepancy struct {
	Kind     string          `json:"kind"`
	UserID   int64           `json:"userId,omitempty"`
	Asset    string          `json:"asset"`
	Expected decimal.Decimal `json:"expected"`
	Actual   decimal.Decimal `json:"actual"`
}

// Report is the result of one audit pass.
type Report struct {
	Balances      int                        `json:"balances"`
	Totals        map[string]decimal.Decimal `json:"totals"`
	Discrepancies []Discrepancy              `json:"discrepancies,omitempty"`
}

func (r Report) OK() bool { return len(r.Discrepancies) == 0 }

// Audit checks, with no transaction in flight, that every balance satisfies
// its invariants and equals the sum of its journal, and that each asset's
// total equals its net external flow (fees included, since the fee account is
// an ordinary balance).
func (l *Ledger) Audit() Report {
	l.auditMu.Lock()
	defer l.auditMu.Unlock()

	keys := l.keys()
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })

	rep := Report{Balances: len(keys), Totals: make(map[string]decimal.Decimal)}
	for _, k := range keys {
		acc := l.account(k)
		acc.mu.Lock()
		st := acc.state
		acc.mu.Unlock()

		if !st.bal.valid() {
			rep.Discrepancies = append(rep.Discrepancies, Discrepancy{
				Kind: KindNegative, UserID: k.UserID, Asset: k.Asset,
				Expected: st.bal.Reserved, Actual: st.bal.Amount,
			})
		}
		if !st.bal.Amount.Equal(st.amountSum) {
			rep.Discrepancies = append(rep.Discrepancies, Discrepancy{
				Kind: KindJournalDrift, UserID: k.UserID, Asset: k.Asset,
				Expected: st.amountSum, Actual: st.bal.Amount,
			})
		}
		if !st.bal.Reserved.Equal(st.reservedSum) {
			rep.Discrepancies = append(rep.Discrepancies, Discrepancy{
				Kind: KindJournalDrift, UserID: k.UserID, Asset: k.Asset,
				Expected: st.reservedSum, Actual: st.bal.Reserved,
			})
		}
		rep.Totals[k.Asset] = rep.Totals[k.Asset].Add(st.bal.Amount)
	}

	l.flowMu.Lock()
	assets := make(map[string]struct{}, len(l.external)+len(rep.Totals))
	for a := range l.external {
		assets[a] = struct{}{}
	}
	for a := range rep.Totals {
		assets[a] = struct{}{}
	}
	for a := range assets {
		ext := l.external[a]
		if !ext.Equal(rep.Totals[a]) {
			rep.Discrepancies = append(rep.Discrepancies, Discrepancy{
				Kind: KindConservation, Asset: a, Expected: ext, Actual: rep.Totals[a],
			})
		}
	}
	l.flowMu.Unlock()

	return rep
}
