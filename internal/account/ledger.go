// Package account 账本：AccountState 的唯一写入者（Actor 模型）。
// 所有读写都通过命令通道进入同一个 goroutine 顺序执行，对外只给深拷贝。
package account

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/tradesim/internal/domain"
)

var ledgerLog = logrus.WithField("component", "ledger")

var (
	// ErrInsufficientFunds 余额不足以覆盖 price*quantity
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInsufficientQuantity 卖出数量超过持仓
	ErrInsufficientQuantity = errors.New("insufficient quantity")
	// ErrInvalidState 写入会导致余额或持仓为负
	ErrInvalidState = errors.New("invalid account state")
	// ErrStaleDelta 乐观变更之后账本已被其它写入改变，无法精确回滚
	ErrStaleDelta = errors.New("ledger changed since optimistic update")
	// ErrStopped 账本主循环已退出
	ErrStopped = errors.New("ledger stopped")
	// ErrCommandPanic 命令处理 panic，状态可能只改了一半，需要对账修正
	ErrCommandPanic = errors.New("ledger command panicked")
)

// Ledger 账本
type Ledger struct {
	cmdChan chan Command
	done    chan struct{}
	seq     atomic.Uint64

	// 只在 Run 的 goroutine 内访问
	state domain.AccountState
}

// NewLedger 创建账本，需要单独启动 Run
func NewLedger() *Ledger {
	return &Ledger{
		cmdChan: make(chan Command, 64),
		done:    make(chan struct{}),
		state:   domain.AccountState{Balance: decimal.Zero},
	}
}

// Run 账本主循环（必须在独立 goroutine 中运行）
func (l *Ledger) Run(ctx context.Context) {
	defer close(l.done)
	ledgerLog.Debug("ledger started")
	for {
		select {
		case cmd := <-l.cmdChan:
			l.handleCommand(cmd)
		case <-ctx.Done():
			ledgerLog.Debug("ledger stopped")
			return
		}
	}
}

func (l *Ledger) nextID(t CommandType) string {
	return fmt.Sprintf("%s_%d", t, l.seq.Add(1))
}

// submit 投递命令；账本已停止或 ctx 结束时返回错误
func (l *Ledger) submit(ctx context.Context, cmd Command) error {
	select {
	case l.cmdChan <- cmd:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func await[T any](ctx context.Context, l *Ledger, reply chan T) (T, error) {
	var zero T
	select {
	case v := <-reply:
		return v, nil
	case <-l.done:
		return zero, ErrStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (l *Ledger) call(ctx context.Context, cmd Command, reply chan error) error {
	if err := l.submit(ctx, cmd); err != nil {
		return err
	}
	res, err := await(ctx, l, reply)
	if err != nil {
		return err
	}
	return res
}

// Snapshot 当前状态的深拷贝
func (l *Ledger) Snapshot(ctx context.Context) (domain.AccountState, error) {
	cmd := &snapshotCommand{id: l.nextID(CmdSnapshot), Reply: make(chan snapshotResult, 1)}
	if err := l.submit(ctx, cmd); err != nil {
		return domain.AccountState{}, err
	}
	res, err := await(ctx, l, cmd.Reply)
	if err != nil {
		return domain.AccountState{}, err
	}
	return res.State, res.Err
}

// SetBalance 直接设置余额（初始入金）
func (l *Ledger) SetBalance(ctx context.Context, balance decimal.Decimal) error {
	cmd := &setBalanceCommand{id: l.nextID(CmdSetBalance), Balance: balance, Reply: make(chan error, 1)}
	return l.call(ctx, cmd, cmd.Reply)
}

// ApplyOptimistic 校验资金/持仓并立即应用乐观变更，返回撤销记录。
// 校验失败时状态不变，返回 ErrInsufficientFunds / ErrInsufficientQuantity。
// ctx 只约束入队：命令一旦入队就一定会被执行，必须等到结果（Delta）才能撤销，
// 所以入队之后忽略 ctx 的取消，只在账本停止时返回。
func (l *Ledger) ApplyOptimistic(ctx context.Context, inst domain.Instrument, order domain.PendingOrder) (*Delta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := &applyOptimisticCommand{
		id:         l.nextID(CmdApplyOptimistic),
		Instrument: inst,
		Order:      order,
		Reply:      make(chan *applyResult, 1),
	}
	if err := l.submit(ctx, cmd); err != nil {
		return nil, err
	}
	res, err := await(context.WithoutCancel(ctx), l, cmd.Reply)
	if err != nil {
		return nil, err
	}
	return res.Delta, res.Err
}

// MergeBalance 用服务端返回的余额覆盖本地余额
func (l *Ledger) MergeBalance(ctx context.Context, balance decimal.Decimal) error {
	cmd := &mergeBalanceCommand{id: l.nextID(CmdMergeBalance), Balance: balance, Reply: make(chan error, 1)}
	return l.call(ctx, cmd, cmd.Reply)
}

// AppendTransaction 追加一条成交记录（通常是临时记录）
func (l *Ledger) AppendTransaction(ctx context.Context, tx domain.Transaction) error {
	cmd := &appendTransactionCommand{id: l.nextID(CmdAppendTransaction), Tx: tx, Reply: make(chan error, 1)}
	return l.call(ctx, cmd, cmd.Reply)
}

// Compensate 精确撤销 delta。之后账本若已被其它写入改变则返回 ErrStaleDelta，不做任何修改。
func (l *Ledger) Compensate(ctx context.Context, delta *Delta) error {
	if delta == nil {
		return nil
	}
	cmd := &compensateCommand{id: l.nextID(CmdCompensate), Delta: delta, Reply: make(chan error, 1)}
	return l.call(ctx, cmd, cmd.Reply)
}

// Authoritative 服务端权威数据。Balance 无效时保留本地余额。
type Authoritative struct {
	Balance      decimal.NullDecimal
	Holdings     []domain.Holding
	Transactions []domain.Transaction
}

// ReplaceAuthoritative 用服务端权威数据整体替换持仓和成交（原子）
func (l *Ledger) ReplaceAuthoritative(ctx context.Context, auth Authoritative) error {
	auth.Holdings = append([]domain.Holding(nil), auth.Holdings...)
	auth.Transactions = append([]domain.Transaction(nil), auth.Transactions...)
	cmd := &replaceAuthoritativeCommand{id: l.nextID(CmdReplaceAuthoritative), Data: auth, Reply: make(chan error, 1)}
	return l.call(ctx, cmd, cmd.Reply)
}

// Restore 用本地快照做热启动，仅在账本尚未有任何写入时生效
func (l *Ledger) Restore(ctx context.Context, state domain.AccountState) error {
	cmd := &restoreCommand{id: l.nextID(CmdRestore), State: state.Clone(), Reply: make(chan error, 1)}
	return l.call(ctx, cmd, cmd.Reply)
}

// handleCommand 处理命令（顺序执行，无锁）
func (l *Ledger) handleCommand(cmd Command) {
	defer func() {
		if r := recover(); r != nil {
			ledgerLog.Errorf("panic while handling %s (%s): %v", cmd.CommandType(), cmd.ID(), r)
			cmd.fail(errors.Wrapf(ErrCommandPanic, "%s: %v", cmd.CommandType(), r))
		}
	}()

	switch c := cmd.(type) {
	case *snapshotCommand:
		c.Reply <- snapshotResult{State: l.state.Clone()}
	case *setBalanceCommand:
		c.Reply <- l.handleSetBalance(c.Balance)
	case *applyOptimisticCommand:
		delta, err := l.handleApplyOptimistic(c.Instrument, c.Order)
		c.Reply <- &applyResult{Delta: delta, Err: err}
	case *mergeBalanceCommand:
		c.Reply <- l.handleSetBalance(c.Balance)
	case *appendTransactionCommand:
		l.state.Transactions = append(l.state.Transactions, c.Tx)
		l.bump()
		c.Reply <- nil
	case *compensateCommand:
		c.Reply <- l.handleCompensate(c.Delta)
	case *replaceAuthoritativeCommand:
		c.Reply <- l.handleReplace(c.Data)
	case *restoreCommand:
		c.Reply <- l.handleRestore(c.State)
	default:
		ledgerLog.Errorf("unknown command: %s", cmd.CommandType())
	}
}
