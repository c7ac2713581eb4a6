package ledger

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Key identifies one balance.
type Key struct {
	UserID int64
	Asset  string
}

func (k Key) less(o Key) bool {
	if k.UserID != o.UserID {
		return k.UserID < o.UserID
	}
	return k.Asset < o.Asset
}

// Balance is a copy of one (user, asset) balance. Available is always derived.
type Balance struct {
	UserID    int64
	Asset     string
	Amount    decimal.Decimal
	Reserved  decimal.Decimal
	UpdatedAt time.Time
}

func (b Balance) Available() decimal.Decimal {
	return b.Amount.Sub(b.Reserved)
}

func (b Balance) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		UserID    int64           `json:"userId"`
		Asset     string          `json:"asset"`
		Amount    decimal.Decimal `json:"amount"`
		Reserved  decimal.Decimal `json:"reserved"`
		Available decimal.Decimal `json:"available"`
		UpdatedAt time.Time       `json:"updatedAt"`
	}{b.UserID, b.Asset, b.Amount, b.Reserved, b.Available(), b.UpdatedAt})
}

// valid reports the balance invariants.
func (b Balance) valid() bool {
	return !b.Amount.IsNegative() && !b.Reserved.IsNegative() && b.Reserved.LessThanOrEqual(b.Amount)
}

// Reason 账本变动原因
type Reason int

const (
	ReasonOrderReserve    Reason = 1
	ReasonOrderRelease    Reason = 2
	ReasonTradeSettle     Reason = 3
	ReasonFee             Reason = 4
	ReasonDeposit         Reason = 5
	ReasonWithdraw        Reason = 6
	ReasonWithdrawReserve Reason = 7
	ReasonWithdrawRelease Reason = 8
	ReasonAdjust          Reason = 9
	ReasonTransfer        Reason = 10
	ReasonRefund          Reason = 11
	ReasonReward          Reason = 12
	ReasonExternalFill    Reason = 13
)

var reasonNames = map[Reason]string{
	ReasonOrderReserve:    "ORDER_RESERVE",
	ReasonOrderRelease:    "ORDER_RELEASE",
	ReasonTradeSettle:     "TRADE_SETTLE",
	ReasonFee:             "FEE",
	ReasonDeposit:         "DEPOSIT",
	ReasonWithdraw:        "WITHDRAW",
	ReasonWithdrawReserve: "WITHDRAW_RESERVE",
	ReasonWithdrawRelease: "WITHDRAW_RELEASE",
	ReasonAdjust:          "ADJUST",
	ReasonTransfer:        "TRANSFER",
	ReasonRefund:          "REFUND",
	ReasonReward:          "REWARD",
	ReasonExternalFill:    "EXTERNAL_FILL",
}

func (r Reason) String() string {
	if s, ok := reasonNames[r]; ok {
		return s
	}
	return "UNKNOWN"
}

// External reports whether funds cross the system boundary under this reason.
// A transaction without an external entry must net to zero per asset.
func (r Reason) External() bool {
	switch r {
	case ReasonDeposit, ReasonWithdraw, ReasonAdjust, ReasonRefund, ReasonReward, ReasonExternalFill:
		return true
	default:
		return false
	}
}

// Memo describes why a balance moves.
type Memo struct {
	Reason  Reason
	RefType string
	RefID   string
}

// Entry is one journal line produced by a committed transaction.
type Entry struct {
	ID            int64           `json:"id"`
	TxID          string          `json:"txId"`
	UserID        int64           `json:"userId"`
	Asset         string          `json:"asset"`
	AmountDelta   decimal.Decimal `json:"amountDelta"`
	ReservedDelta decimal.Decimal `json:"reservedDelta"`
	AmountAfter   decimal.Decimal `json:"amountAfter"`
	ReservedAfter decimal.Decimal `json:"reservedAfter"`
	Reason        Reason          `json:"reason"`
	RefType       string          `json:"refType,omitempty"`
	RefID         string          `json:"refId,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}
