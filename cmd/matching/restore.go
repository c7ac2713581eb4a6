package main

import (
	"context"
	"fmt"

	"github.com/exchange/bridge/internal/ledger"
	"github.com/exchange/bridge/pkg/logger"
)

const refTypeRestore = "RESTORE"

type balanceLoader interface {
	LoadBalances(ctx context.Context) ([]ledger.Balance, error)
}

// restoreBalances loads the persisted balance snapshot into the ledger. Open
// orders and pending withdrawals are not recovered, so any reservation left in
// the snapshot is released back to available.
func restoreBalances(ctx context.Context, loader balanceLoader, l *ledger.Ledger, log *logger.Logger) (restored, released int, err error) {
	if log == nil {
		log = logger.Nop()
	}
	balances, err := loader.LoadBalances(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("load balances: %w", err)
	}
	if err := l.Restore(balances); err != nil {
		return 0, 0, err
	}

	memo := ledger.Memo{Reason: ledger.ReasonOrderRelease, RefType: refTypeRestore}
	for _, b := range balances {
		if !b.Reserved.IsPositive() {
			continue
		}
		if _, err := l.Release(ctx, b.UserID, b.Asset, b.Reserved, memo); err != nil {
			return len(balances), released, fmt.Errorf("release user=%d asset=%s: %w", b.UserID, b.Asset, err)
		}
		released++
	}
	log.Infof("balances restored", map[string]interface{}{"balances": len(balances), "released": released})
	return len(balances), released, nil
}
