package account

import (
	"github.com/shopspring/decimal"

	"github.com/betbot/tradesim/internal/domain"
)

// Command 账本命令
type Command interface {
	CommandType() CommandType
	ID() string
	// fail 处理过程中出错（panic）时给调用方回一个错误，已经回复过则忽略
	fail(err error)
}

func failReply[T any](reply chan T, v T) {
	select {
	case reply <- v:
	default:
	}
}

// CommandType 命令类型
type CommandType string

const (
	CmdSnapshot             CommandType = "snapshot" // 只读
	CmdSetBalance           CommandType = "set_balance"
	CmdApplyOptimistic      CommandType = "apply_optimistic"
	CmdMergeBalance         CommandType = "merge_balance"
	CmdAppendTransaction    CommandType = "append_transaction"
	CmdCompensate           CommandType = "compensate"
	CmdReplaceAuthoritative CommandType = "replace_authoritative"
	CmdRestore              CommandType = "restore"
)

type snapshotCommand struct {
	id    string
	Reply chan snapshotResult
}

type snapshotResult struct {
	State domain.AccountState
	Err   error
}

func (c *snapshotCommand) CommandType() CommandType { return CmdSnapshot }
func (c *snapshotCommand) ID() string               { return c.id }
func (c *snapshotCommand) fail(err error)           { failReply(c.Reply, snapshotResult{Err: err}) }

type setBalanceCommand struct {
	id      string
	Balance decimal.Decimal
	Reply   chan error
}

func (c *setBalanceCommand) CommandType() CommandType { return CmdSetBalance }
func (c *setBalanceCommand) ID() string               { return c.id }
func (c *setBalanceCommand) fail(err error)           { failReply(c.Reply, err) }

// applyOptimisticCommand 校验与乐观变更在同一条命令里完成
type applyOptimisticCommand struct {
	id         string
	Instrument domain.Instrument
	Order      domain.PendingOrder
	Reply      chan *applyResult
}

func (c *applyOptimisticCommand) CommandType() CommandType { return CmdApplyOptimistic }
func (c *applyOptimisticCommand) ID() string               { return c.id }
func (c *applyOptimisticCommand) fail(err error)           { failReply(c.Reply, &applyResult{Err: err}) }

type applyResult struct {
	Delta *Delta
	Err   error
}

type mergeBalanceCommand struct {
	id      string
	Balance decimal.Decimal
	Reply   chan error
}

func (c *mergeBalanceCommand) CommandType() CommandType { return CmdMergeBalance }
func (c *mergeBalanceCommand) ID() string               { return c.id }
func (c *mergeBalanceCommand) fail(err error)           { failReply(c.Reply, err) }

type appendTransactionCommand struct {
	id    string
	Tx    domain.Transaction
	Reply chan error
}

func (c *appendTransactionCommand) CommandType() CommandType { return CmdAppendTransaction }
func (c *appendTransactionCommand) ID() string               { return c.id }
func (c *appendTransactionCommand) fail(err error)           { failReply(c.Reply, err) }

type compensateCommand struct {
	id    string
	Delta *Delta
	Reply chan error
}

func (c *compensateCommand) CommandType() CommandType { return CmdCompensate }
func (c *compensateCommand) ID() string               { return c.id }
func (c *compensateCommand) fail(err error)           { failReply(c.Reply, err) }

type replaceAuthoritativeCommand struct {
	id    string
	Data  Authoritative
	Reply chan error
}

func (c *replaceAuthoritativeCommand) CommandType() CommandType { return CmdReplaceAuthoritative }
func (c *replaceAuthoritativeCommand) ID() string               { return c.id }
func (c *replaceAuthoritativeCommand) fail(err error)           { failReply(c.Reply, err) }

type restoreCommand struct {
	id    string
	State domain.AccountState
	Reply chan error
}

func (c *restoreCommand) CommandType() CommandType { return CmdRestore }
func (c *restoreCommand) ID() string               { return c.id }
func (c *restoreCommand) fail(err error)           { failReply(c.Reply, err) }

// Delta 一次乐观变更的撤销记录
type Delta struct {
	Order          domain.PendingOrder
	PrevBalance    decimal.Decimal
	PrevHolding    *domain.Holding // nil 表示变更前没有该持仓
	HoldingRef     domain.InstrumentRef
	AppliedVersion uint64
	// Balance 乐观变更后的余额
	Balance decimal.Decimal
}
