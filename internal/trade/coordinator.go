// Package trade 买卖协调：前置校验、乐观变更、提交、余额合并、触发对账
package trade

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/tradesim/internal/account"
	"github.com/betbot/tradesim/internal/domain"
	"github.com/betbot/tradesim/internal/executor"
	"github.com/betbot/tradesim/internal/metrics"
)

var log = logrus.WithField("component", "trade")

// Executor 发送带鉴权的 JSON 请求（*executor.Executor 满足）
type Executor interface {
	DoJSON(ctx context.Context, method, path string, in, out any, opts *executor.Options) error
}

// Instruments 行情查找（*market.Cache 满足）
type Instruments interface {
	Resolve(ref domain.InstrumentRef) (domain.Instrument, bool)
}

// Reconciler 非阻塞地请求一次对账
type Reconciler interface {
	Trigger()
}

// Config 交易协调配置
type Config struct {
	TradePath string
	// Request 覆盖提交交易时的超时/重试，nil 使用执行器默认值
	Request *executor.Options
	// CompensateTimeout 回滚乐观变更的超时（调用方 ctx 可能已取消）
	CompensateTimeout time.Duration
	// OnAuthExpired 提交返回 executor.ErrAuthExpired 时调用（强制登出/重新登录），可为 nil
	OnAuthExpired func(ctx context.Context, err error)
}

// Outcome 一次交易的结果
type Outcome struct {
	Order             domain.PendingOrder `json:"order"`
	OptimisticBalance decimal.Decimal     `json:"optimistic_balance"`
	FinalBalance      decimal.Decimal     `json:"final_balance"`
	// Confirmed 服务端返回了 new_balance
	Confirmed   bool               `json:"confirmed"`
	Transaction domain.Transaction `json:"transaction"`
}

type tradeRequest struct {
	Instrument domain.InstrumentRef `json:"instrument"`
	Side       domain.Side          `json:"side"`
	Quantity   json.Number          `json:"quantity"`
}

type tradeResponse struct {
	NewBalance decimal.NullDecimal `json:"new_balance"`
}

// Coordinator 交易协调器。交易端到端串行执行。
type Coordinator struct {
	exec       Executor
	market     Instruments
	ledger     *account.Ledger
	reconciler Reconciler
	cfg        Config

	sem   chan struct{}
	now   func() time.Time
	newID func() string
}

func NewCoordinator(exec Executor, market Instruments, ledger *account.Ledger, reconciler Reconciler, cfg Config) *Coordinator {
	if cfg.TradePath == "" {
		cfg.TradePath = "/trade"
	}
	if cfg.CompensateTimeout <= 0 {
		cfg.CompensateTimeout = 5 * time.Second
	}
	return &Coordinator{
		exec:       exec,
		market:     market,
		ledger:     ledger,
		reconciler: reconciler,
		cfg:        cfg,
		sem:        make(chan struct{}, 1),
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// Buy 买入
func (c *Coordinator) Buy(ctx context.Context, ref domain.InstrumentRef, qty decimal.Decimal) (*Outcome, error) {
	return c.execute(ctx, domain.SideBuy, ref, qty)
}

// Sell 卖出
func (c *Coordinator) Sell(ctx context.Context, ref domain.InstrumentRef, qty decimal.Decimal) (*Outcome, error) {
	return c.execute(ctx, domain.SideSell, ref, qty)
}

// Execute 按方向分发
func (c *Coordinator) Execute(ctx context.Context, side domain.Side, ref domain.InstrumentRef, qty decimal.Decimal) (*Outcome, error) {
	switch side {
	case domain.SideBuy, domain.SideSell:
		return c.execute(ctx, side, ref, qty)
	}
	return nil, validationErr(CodeInvalidSide, "unknown side %q", side)
}

func (c *Coordinator) execute(ctx context.Context, side domain.Side, ref domain.InstrumentRef, qty decimal.Decimal) (*Outcome, error) {
	if !qty.IsPositive() {
		return nil, validationErr(CodeInvalidQuantity, "quantity must be positive, got %s", qty)
	}
	if ref.IsZero() {
		return nil, validationErr(CodeInvalidInstrument, "instrument is required")
	}

	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	inst, ok := c.market.Resolve(ref)
	if !ok {
		return nil, errors.Wrapf(ErrInstrumentNotFound, "%s", ref)
	}

	// 寻址只解析这一次，之后原样使用
	order := domain.PendingOrder{
		Ref:               inst.Address(),
		Side:              side,
		Quantity:          qty,
		PriceAtSubmission: inst.CurrentPrice,
	}

	delta, err := c.ledger.ApplyOptimistic(ctx, inst, order)
	if err != nil {
		return nil, fromLedger(err)
	}
	out := &Outcome{Order: order, OptimisticBalance: delta.Balance, FinalBalance: delta.Balance}

	// 调用方在乐观变更期间已经放弃：不再提交，撤销本次变更
	if err := ctx.Err(); err != nil {
		metrics.TradesFailed.Add(1)
		c.compensate(ctx, delta)
		c.reconciler.Trigger()
		return nil, errors.Wrapf(err, "%s %s %s abandoned before submit", side, qty, order.Ref)
	}

	var resp tradeResponse
	req := tradeRequest{Instrument: order.Ref, Side: side, Quantity: json.Number(qty.String())}
	if err := c.exec.DoJSON(ctx, http.MethodPost, c.cfg.TradePath, req, &resp, c.cfg.Request); err != nil {
		metrics.TradesFailed.Add(1)
		c.compensate(ctx, delta)
		c.reconciler.Trigger()
		if errors.Is(err, executor.ErrAuthExpired) && c.cfg.OnAuthExpired != nil {
			c.cfg.OnAuthExpired(ctx, err)
		}
		return nil, errors.Wrapf(err, "submit %s %s %s", side, qty, order.Ref)
	}
	metrics.TradesSubmitted.Add(1)

	if resp.NewBalance.Valid {
		if err := c.ledger.MergeBalance(ctx, resp.NewBalance.Decimal); err != nil {
			log.Warnf("merge server balance %s: %v", resp.NewBalance.Decimal, err)
		} else {
			out.FinalBalance = resp.NewBalance.Decimal
			out.Confirmed = true
		}
	}

	out.Transaction = domain.Transaction{
		ID:          c.newID(),
		Ref:         order.Ref,
		Side:        side,
		Quantity:    qty,
		Price:       order.PriceAtSubmission,
		Timestamp:   c.now().UTC(),
		Provisional: true,
	}
	if err := c.ledger.AppendTransaction(ctx, out.Transaction); err != nil {
		log.Warnf("append provisional transaction %s: %v", out.Transaction.ID, err)
	}

	c.reconciler.Trigger()
	log.Infof("%s %s %s @ %s done, balance %s", side, qty, order.Ref, order.PriceAtSubmission, out.FinalBalance)
	return out, nil
}

// compensate 提交失败后撤销本次乐观变更；账本已被其它写入改变时交给对账修正
func (c *Coordinator) compensate(ctx context.Context, delta *account.Delta) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CompensateTimeout)
	defer cancel()
	if err := c.ledger.Compensate(cctx, delta); err != nil {
		log.Warnf("compensate %s %s %s: %v", delta.Order.Side, delta.Order.Quantity, delta.Order.Ref, err)
	}
}
