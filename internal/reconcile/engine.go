// Package reconcile 从服务端拉取权威持仓和成交，整体替换本地账本
package reconcile

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/betbot/tradesim/internal/account"
	"github.com/betbot/tradesim/internal/domain"
	"github.com/betbot/tradesim/internal/executor"
	"github.com/betbot/tradesim/internal/metrics"
	"github.com/betbot/tradesim/pkg/persistence"
	"github.com/betbot/tradesim/pkg/sigchan"
	sdkhttp "github.com/betbot/tradesim/pkg/sdk/http"
)

var log = logrus.WithField("component", "reconcile")

// Executor 带鉴权的请求（*executor.Executor 满足）
type Executor interface {
	Execute(ctx context.Context, method, path string, body any, opts *executor.Options) (*sdkhttp.Response, error)
}

// Config 对账配置
type Config struct {
	PortfolioPath    string
	TransactionsPath string
	// Interval 定时对账间隔，0 表示只响应 Trigger
	Interval time.Duration
	// Timeout 单次 Refresh 的总超时
	Timeout time.Duration
	// BalancePath 可选的余额端点（返回 {"balance": ...}），portfolio 未附带余额时使用
	BalancePath string
	// OnAuthExpired 对账请求返回 executor.ErrAuthExpired 时调用，可为 nil
	OnAuthExpired func(ctx context.Context, err error)
}

// Engine 对账引擎
type Engine struct {
	exec    Executor
	ledger  *account.Ledger
	cfg     Config
	store   persistence.Store // 可为 nil
	trigger *sigchan.Chan

	mu sync.Mutex // Refresh 串行
}

func NewEngine(exec Executor, ledger *account.Ledger, store persistence.Store, cfg Config) *Engine {
	if cfg.PortfolioPath == "" {
		cfg.PortfolioPath = "/portfolio"
	}
	if cfg.TransactionsPath == "" {
		cfg.TransactionsPath = "/transactions"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Engine{
		exec:    exec,
		ledger:  ledger,
		cfg:     cfg,
		store:   store,
		trigger: sigchan.New(1),
	}
}

// Trigger 请求一次对账（非阻塞，未处理前多次触发合并为一次）
func (e *Engine) Trigger() {
	e.trigger.Emit()
}

// Refresh 拉取并替换。失败只记录日志，保留之前的状态。
func (e *Engine) Refresh(ctx context.Context) {
	if err := e.refresh(ctx); err != nil {
		metrics.ReconcileErrors.Add(1)
		log.Warnf("reconcile failed, keeping previous state: %v", err)
		if errors.Is(err, executor.ErrAuthExpired) && e.cfg.OnAuthExpired != nil {
			e.cfg.OnAuthExpired(ctx, err)
		}
	}
}

func (e *Engine) refresh(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	metrics.ReconcileRuns.Add(1)

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	var auth account.Authoritative
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		resp, err := e.exec.Execute(gctx, http.MethodGet, e.cfg.PortfolioPath, nil, nil)
		if err != nil {
			return errors.Wrap(err, "fetch portfolio")
		}
		records, err := decodeList[portfolioRecord](resp.Body, "holdings")
		if err != nil {
			return errors.Wrap(err, "portfolio")
		}
		if auth.Balance, err = decodeBalance(resp.Body); err != nil {
			return errors.Wrap(err, "portfolio")
		}
		auth.Holdings, err = toHoldings(records)
		return err
	})
	g.Go(func() error {
		resp, err := e.exec.Execute(gctx, http.MethodGet, e.cfg.TransactionsPath, nil, nil)
		if err != nil {
			return errors.Wrap(err, "fetch transactions")
		}
		records, err := decodeList[transactionRecord](resp.Body, "transactions")
		if err != nil {
			return errors.Wrap(err, "transactions")
		}
		auth.Transactions, err = toTransactions(records)
		return err
	})
	var balance decimal.NullDecimal
	if e.cfg.BalancePath != "" {
		g.Go(func() error {
			resp, err := e.exec.Execute(gctx, http.MethodGet, e.cfg.BalancePath, nil, nil)
			if err != nil {
				return errors.Wrap(err, "fetch balance")
			}
			if balance, err = decodeBalance(resp.Body); err != nil {
				return errors.Wrap(err, "balance")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if !auth.Balance.Valid {
		auth.Balance = balance
	}

	if err := e.ledger.ReplaceAuthoritative(ctx, auth); err != nil {
		return errors.Wrap(err, "replace account state")
	}
	log.Debugf("reconciled %d holdings, %d transactions", len(auth.Holdings), len(auth.Transactions))
	e.saveSnapshot(ctx)
	return nil
}

func (e *Engine) saveSnapshot(ctx context.Context) {
	if e.store == nil {
		return
	}
	st, err := e.ledger.Snapshot(ctx)
	if err != nil {
		log.Warnf("snapshot for persistence: %v", err)
		return
	}
	if err := e.store.Save(&st); err != nil {
		log.Warnf("save account snapshot: %v", err)
		return
	}
	metrics.SnapshotSaves.Add(1)
}

// Restore 启动时从本地快照恢复账本，没有快照时返回 false
func (e *Engine) Restore(ctx context.Context) (bool, error) {
	if e.store == nil {
		return false, nil
	}
	var st domain.AccountState
	if err := e.store.Load(&st); err != nil {
		if errors.Is(err, persistence.ErrNotExists) {
			return false, nil
		}
		return false, errors.Wrap(err, "load account snapshot")
	}
	if err := e.ledger.Restore(ctx, st); err != nil {
		return false, err
	}
	metrics.SnapshotLoads.Add(1)
	log.Infof("restored account snapshot v%d: balance %s, %d holdings", st.Version, st.Balance, len(st.Holdings))
	return true, nil
}

// Run 启动后先对账一次，之后响应 Trigger 和定时器，直到 ctx 结束
func (e *Engine) Run(ctx context.Context) {
	e.Refresh(ctx)

	var tick <-chan time.Time
	if e.cfg.Interval > 0 {
		ticker := time.NewTicker(e.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.trigger.C():
			e.Refresh(ctx)
		case <-tick:
			e.Refresh(ctx)
		}
	}
}
