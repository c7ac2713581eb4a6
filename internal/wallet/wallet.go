// Package wallet 资金出入口：充值、提现、划转、退款、奖励与人工调账
//
// Every flow is a ledger transaction. Withdrawals are two-phase: the request
// reserves amount plus fee, completion consumes the reservation and books the
// fee to the house account, cancellation releases it.
package wallet

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/exchange/bridge/internal/ledger"
	commonerrors "github.com/exchange/bridge/pkg/errors"
	"github.com/exchange/bridge/pkg/logger"
	"github.com/exchange/bridge/pkg/validate"
)

const (
	refTypeDeposit    = "DEPOSIT"
	refTypeWithdrawal = "WITHDRAWAL"
	refTypeTransfer   = "TRANSFER"
	refTypeAdmin      = "ADMIN"

	defaultListLimit = 50
	maxListLimit     = 100
)

// DefaultWithdrawFeeRate 提现手续费率 0.1%
var DefaultWithdrawFeeRate = decimal.RequireFromString("0.001")

type WithdrawStatus string

const (
	WithdrawStatusPending   WithdrawStatus = "PENDING"
	WithdrawStatusCompleted WithdrawStatus = "COMPLETED"
	WithdrawStatusCancelled WithdrawStatus = "CANCELLED"
)

// Withdrawal 提现单
type Withdrawal struct {
	ID             int64           `json:"id"`
	IdempotencyKey string          `json:"idempotencyKey"`
	UserID         int64           `json:"userId"`
	Asset          string          `json:"asset"`
	Amount         decimal.Decimal `json:"amount"`
	Fee            decimal.Decimal `json:"fee"`
	Address        string          `json:"address"`
	Status         WithdrawStatus  `json:"status"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Total is what the user gives up: amount plus fee.
func (w *Withdrawal) Total() decimal.Decimal { return w.Amount.Add(w.Fee) }

// IDGenerator ID 生成器接口
type IDGenerator interface {
	NextID() int64
}

type Options struct {
	Assets          []string
	WithdrawFeeRate decimal.Decimal
	HouseID         int64
}

// Service 钱包服务
type Service struct {
	ledger  *ledger.Ledger
	ids     IDGenerator
	log     *logger.Logger
	assets  map[string]struct{}
	feeRate decimal.Decimal
	house   int64
	now     func() time.Time

	mu          sync.Mutex
	withdrawals map[int64]*Withdrawal
	byKey       map[string]int64
	deposits    map[string]struct{}
}

func New(l *ledger.Ledger, ids IDGenerator, opts Options, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	assets := make(map[string]struct{}, len(opts.Assets))
	for _, a := range opts.Assets {
		assets[strings.ToUpper(strings.TrimSpace(a))] = struct{}{}
	}
	return &Service{
		ledger:      l,
		ids:         ids,
		log:         log,
		assets:      assets,
		feeRate:     opts.WithdrawFeeRate,
		house:       opts.HouseID,
		now:         time.Now,
		withdrawals: make(map[int64]*Withdrawal),
		byKey:       make(map[string]int64),
		deposits:    make(map[string]struct{}),
	}
}

func (s *Service) checkAsset(asset string) error {
	if err := validate.Asset(asset); err != nil {
		return err
	}
	if _, ok := s.assets[asset]; !ok {
		return commonerrors.Newf(commonerrors.CodeAssetNotFound, "asset %s is not supported", asset)
	}
	return nil
}

func checkAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return commonerrors.Newf(commonerrors.CodeInvalidAmount, "amount must be positive, got %s", amount)
	}
	return nil
}

func checkUser(userID int64) error {
	if userID <= 0 {
		return commonerrors.Newf(commonerrors.CodeInvalidParam, "invalid user id: %d", userID)
	}
	return nil
}

func (s *Service) check(userID int64, asset string, amount decimal.Decimal) error {
	if err := checkUser(userID); err != nil {
		return err
	}
	if err := s.checkAsset(asset); err != nil {
		return err
	}
	return checkAmount(amount)
}

// ========== 充值 ==========

// DepositRequest credits confirmed funds. TxRef identifies the inbound
// transfer; a TxRef already credited is ignored.
type DepositRequest struct {
	UserID int64           `json:"userId"`
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
	TxRef  string          `json:"txRef"`
}

// Deposit 充值入账（幂等）
func (s *Service) Deposit(ctx context.Context, req DepositRequest) (ledger.Balance, error) {
	if err := s.check(req.UserID, req.Asset, req.Amount); err != nil {
		return ledger.Balance{}, err
	}
	ref := strings.TrimSpace(req.TxRef)

	s.mu.Lock()
	defer s.mu.Unlock()
	if ref != "" {
		if _, seen := s.deposits[ref]; seen {
			return s.ledger.GetOrCreate(req.UserID, req.Asset), nil
		}
	}
	bal, err := s.ledger.Credit(ctx, req.UserID, req.Asset, req.Amount, ledger.Memo{
		Reason: ledger.ReasonDeposit, RefType: refTypeDeposit, RefID: ref,
	})
	if err != nil {
		return ledger.Balance{}, err
	}
	if ref != "" {
		s.deposits[ref] = struct{}{}
	}
	s.log.Infof("deposit credited", map[string]interface{}{
		"userId": req.UserID, "asset": req.Asset, "amount": req.Amount.String(), "txRef": ref,
	})
	return bal, nil
}

// ========== 提现 ==========

// WithdrawRequest 提现请求
type WithdrawRequest struct {
	IdempotencyKey string          `json:"idempotencyKey"`
	UserID         int64           `json:"userId"`
	Asset          string          `json:"asset"`
	Amount         decimal.Decimal `json:"amount"`
	Address        string          `json:"address"`
}

// RequestWithdrawal reserves amount plus fee and records a PENDING
// withdrawal. A repeated idempotency key returns the existing withdrawal.
func (s *Service) RequestWithdrawal(ctx context.Context, req WithdrawRequest) (*Withdrawal, error) {
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	req.Address = strings.TrimSpace(req.Address)
	if req.IdempotencyKey == "" || req.Address == "" {
		return nil, commonerrors.New(commonerrors.CodeInvalidParam, "idempotency key and address are required")
	}
	if err := s.check(req.UserID, req.Asset, req.Amount); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// 幂等检查
	if id, ok := s.byKey[req.IdempotencyKey]; ok {
		existing := s.withdrawals[id]
		if existing.UserID != req.UserID {
			return nil, commonerrors.New(commonerrors.CodeForbidden, "idempotency key belongs to another user")
		}
		return clone(existing), nil
	}

	now := s.now()
	w := &Withdrawal{
		ID:             s.ids.NextID(),
		IdempotencyKey: req.IdempotencyKey,
		UserID:         req.UserID,
		Asset:          req.Asset,
		Amount:         req.Amount,
		Fee:            req.Amount.Mul(s.feeRate),
		Address:        req.Address,
		Status:         WithdrawStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if _, err := s.ledger.Reserve(ctx, w.UserID, w.Asset, w.Total(), s.memo(ledger.ReasonWithdrawReserve, w)); err != nil {
		return nil, err
	}
	s.withdrawals[w.ID] = w
	s.byKey[w.IdempotencyKey] = w.ID
	return clone(w), nil
}

// CompleteWithdrawal 完成提现：扣除冻结金额，手续费记入平台账户
func (s *Service) CompleteWithdrawal(ctx context.Context, id int64) (*Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, err := s.pending(id, WithdrawStatusCompleted)
	if err != nil || w.Status == WithdrawStatusCompleted {
		return clone(w), err
	}

	keys := []ledger.Key{{UserID: w.UserID, Asset: w.Asset}}
	if w.Fee.IsPositive() {
		keys = append(keys, ledger.Key{UserID: s.house, Asset: w.Asset})
	}
	err = s.ledger.Update(ctx, keys, func(tx *ledger.Tx) error {
		if err := tx.SettleReserved(w.UserID, w.Asset, w.Amount, s.memo(ledger.ReasonWithdraw, w)); err != nil {
			return err
		}
		if !w.Fee.IsPositive() {
			return nil
		}
		if err := tx.SettleReserved(w.UserID, w.Asset, w.Fee, s.memo(ledger.ReasonFee, w)); err != nil {
			return err
		}
		return tx.Credit(s.house, w.Asset, w.Fee, s.memo(ledger.ReasonFee, w))
	})
	if err != nil {
		s.log.WithError(err).Errorf("complete withdrawal", map[string]interface{}{"withdrawalId": id})
		return nil, err
	}
	s.transition(w, WithdrawStatusCompleted)
	return clone(w), nil
}

// CancelWithdrawal 取消提现并解冻
func (s *Service) CancelWithdrawal(ctx context.Context, id int64) (*Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, err := s.pending(id, WithdrawStatusCancelled)
	if err != nil || w.Status == WithdrawStatusCancelled {
		return clone(w), err
	}
	if _, err := s.ledger.Release(ctx, w.UserID, w.Asset, w.Total(), s.memo(ledger.ReasonWithdrawRelease, w)); err != nil {
		return nil, err
	}
	s.transition(w, WithdrawStatusCancelled)
	return clone(w), nil
}

// pending returns the withdrawal if it may move to target. A withdrawal
// already at target is returned as is.
func (s *Service) pending(id int64, target WithdrawStatus) (*Withdrawal, error) {
	w, ok := s.withdrawals[id]
	if !ok {
		return nil, commonerrors.Newf(commonerrors.CodeNotFound, "withdrawal %d not found", id)
	}
	switch w.Status {
	case target, WithdrawStatusPending:
		return w, nil
	default:
		return nil, commonerrors.Newf(commonerrors.CodeInvalidState, "withdrawal %d: current=%s target=%s", id, w.Status, target)
	}
}

func (s *Service) transition(w *Withdrawal, status WithdrawStatus) {
	w.Status = status
	w.UpdatedAt = s.now()
	s.log.Infof("withdrawal "+strings.ToLower(string(status)), map[string]interface{}{
		"withdrawalId": w.ID, "userId": w.UserID, "asset": w.Asset, "amount": w.Amount.String(), "fee": w.Fee.String(),
	})
}

// Withdrawal 查询提现单
func (s *Service) Withdrawal(id int64) (*Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.withdrawals[id]
	if !ok {
		return nil, commonerrors.Newf(commonerrors.CodeNotFound, "withdrawal %d not found", id)
	}
	return clone(w), nil
}

// ListWithdrawals returns a user's withdrawals, newest first. userID 0 lists
// pending withdrawals of every user.
func (s *Service) ListWithdrawals(userID int64, limit int) []*Withdrawal {
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Withdrawal
	for _, w := range s.withdrawals {
		if (userID == 0 && w.Status == WithdrawStatusPending) || (userID != 0 && w.UserID == userID) {
			out = append(out, clone(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ========== 划转与调账 ==========

// Transfer moves available funds between two users in one transaction.
func (s *Service) Transfer(ctx context.Context, fromUserID, toUserID int64, asset string, amount decimal.Decimal) error {
	if err := s.check(fromUserID, asset, amount); err != nil {
		return err
	}
	if err := checkUser(toUserID); err != nil {
		return err
	}
	if fromUserID == toUserID {
		return commonerrors.New(commonerrors.CodeInvalidParam, "cannot transfer to self")
	}

	ref := strconv.FormatInt(s.ids.NextID(), 10)
	memo := ledger.Memo{Reason: ledger.ReasonTransfer, RefType: refTypeTransfer, RefID: ref}
	return s.ledger.Update(ctx, []ledger.Key{{UserID: fromUserID, Asset: asset}, {UserID: toUserID, Asset: asset}}, func(tx *ledger.Tx) error {
		if err := tx.Debit(fromUserID, asset, amount, memo); err != nil {
			return err
		}
		return tx.Credit(toUserID, asset, amount, memo)
	})
}

// Refund 退款入账
func (s *Service) Refund(ctx context.Context, userID int64, asset string, amount decimal.Decimal, ref string) (ledger.Balance, error) {
	return s.credit(ctx, userID, asset, amount, ledger.Memo{Reason: ledger.ReasonRefund, RefType: refTypeAdmin, RefID: ref})
}

// Reward 奖励发放
func (s *Service) Reward(ctx context.Context, userID int64, asset string, amount decimal.Decimal, ref string) (ledger.Balance, error) {
	return s.credit(ctx, userID, asset, amount, ledger.Memo{Reason: ledger.ReasonReward, RefType: refTypeAdmin, RefID: ref})
}

func (s *Service) credit(ctx context.Context, userID int64, asset string, amount decimal.Decimal, memo ledger.Memo) (ledger.Balance, error) {
	if err := s.check(userID, asset, amount); err != nil {
		return ledger.Balance{}, err
	}
	return s.ledger.Credit(ctx, userID, asset, amount, memo)
}

// Adjust applies a signed admin correction. A negative delta may only take
// available funds.
func (s *Service) Adjust(ctx context.Context, userID int64, asset string, delta decimal.Decimal, reason string) (ledger.Balance, error) {
	if delta.IsZero() {
		return ledger.Balance{}, commonerrors.New(commonerrors.CodeInvalidAmount, "adjustment must be non-zero")
	}
	if err := s.check(userID, asset, delta.Abs()); err != nil {
		return ledger.Balance{}, err
	}
	memo := ledger.Memo{Reason: ledger.ReasonAdjust, RefType: refTypeAdmin, RefID: reason}
	var (
		bal ledger.Balance
		err error
	)
	if delta.IsPositive() {
		bal, err = s.ledger.Credit(ctx, userID, asset, delta, memo)
	} else {
		bal, err = s.ledger.Debit(ctx, userID, asset, delta.Neg(), memo)
	}
	if err != nil {
		return ledger.Balance{}, err
	}
	s.log.Warnf("balance adjusted", map[string]interface{}{
		"userId": userID, "asset": asset, "delta": delta.String(), "reason": reason,
	})
	return bal, nil
}

func (s *Service) memo(reason ledger.Reason, w *Withdrawal) ledger.Memo {
	return ledger.Memo{Reason: reason, RefType: refTypeWithdrawal, RefID: strconv.FormatInt(w.ID, 10)}
}

func clone(w *Withdrawal) *Withdrawal {
	if w == nil {
		return nil
	}
	c := *w
	return &c
}
