package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/tradesim/internal/account"
	"github.com/betbot/tradesim/internal/auth"
	"github.com/betbot/tradesim/internal/controlplane/server"
	"github.com/betbot/tradesim/internal/credentials"
	"github.com/betbot/tradesim/internal/domain"
	"github.com/betbot/tradesim/internal/executor"
	"github.com/betbot/tradesim/internal/market"
	"github.com/betbot/tradesim/internal/metrics"
	"github.com/betbot/tradesim/internal/reconcile"
	"github.com/betbot/tradesim/internal/trade"
	"github.com/betbot/tradesim/pkg/config"
	"github.com/betbot/tradesim/pkg/logger"
	"github.com/betbot/tradesim/pkg/persistence"
	"github.com/betbot/tradesim/pkg/ratelimit"
	sdkhttp "github.com/betbot/tradesim/pkg/sdk/http"
	"github.com/betbot/tradesim/pkg/secretstore"
	"github.com/betbot/tradesim/pkg/shutdown"
	"github.com/betbot/tradesim/pkg/syncgroup"
)

func firstExistingFile(paths ...string) (string, bool) {
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	return "", false
}

func main() {
	configPath := flag.String("config", "", "配置文件路径（支持 .yaml, .yml, .json），默认 yml/tradesim.yaml")
	buy := flag.String("buy", "", "买入标的（数字 ID 或代码）")
	sell := flag.String("sell", "", "卖出标的（数字 ID 或代码）")
	qty := flag.String("qty", "", "交易数量")
	logout := flag.Bool("logout", false, "清除已保存的 token 后退出")
	once := flag.Bool("once", false, "执行完交易/对账后退出，不常驻")
	flag.Parse()

	path := *configPath
	if path == "" {
		if p, ok := firstExistingFile("yml/tradesim.yaml", "yml/tradesim.yml"); ok {
			path = p
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "配置无效: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		OutputFile: cfg.Log.File,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	}); err != nil {
		panic(fmt.Sprintf("初始化日志失败: %v", err))
	}
	if path != "" {
		logrus.Infof("使用配置文件: %s", path)
	}

	if err := run(cfg, options{buy: *buy, sell: *sell, qty: *qty, logout: *logout, once: *once}); err != nil {
		logrus.Errorf("%v", err)
		os.Exit(1)
	}
}

type options struct {
	buy, sell, qty string
	logout, once   bool
}

func run(cfg *config.Config, opts options) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	sm := shutdown.NewManager()
	workers := syncgroup.NewSyncGroup()
	defer func() {
		cancel()
		stop(sm, workers)
	}()

	// 凭证：配置了 secret_dir 用 badger 落盘，否则只在内存
	var kv credentials.KV = credentials.NewMemoryKV()
	var secrets *secretstore.Store
	if cfg.Auth.SecretDir != "" {
		var key []byte
		if cfg.Auth.SecretKey != "" {
			k, err := secretstore.ParseKey(cfg.Auth.SecretKey)
			if err != nil {
				return fmt.Errorf("解析 secret key 失败: %w", err)
			}
			key = k
		}
		ss, err := secretstore.Open(secretstore.OpenOptions{Path: cfg.Auth.SecretDir, EncryptionKey: key, Namespace: cfg.Auth.Username})
		if err != nil {
			return fmt.Errorf("打开 secret store 失败: %w", err)
		}
		sm.OnShutdown("secretstore", func(context.Context) { _ = ss.Close() })
		kv = ss
		secrets = ss
	}
	creds, err := credentials.NewStore(kv)
	if err != nil {
		return err
	}

	exec := executor.New(sdkhttp.NewClient(cfg.API.BaseURL), creds, ratelimit.NewRateLimitManager(), executor.Config{
		BaseDelay:   cfg.Request.BaseDelay(),
		Timeout:     cfg.Request.Timeout(),
		MaxRetries:  cfg.Request.MaxRetries,
		RefreshSkew: cfg.Request.RefreshSkew(),
	})
	session := auth.NewSession(exec, creds, "")

	snapshots := snapshotStore(cfg, secrets)
	if opts.logout {
		if snapshots != nil {
			if err := snapshots.Remove(); err != nil {
				logrus.Warnf("删除账户快照失败: %v", err)
			}
		}
		return session.Logout()
	}
	if cfg.Auth.Password != "" {
		// 鉴权过期时用它自动重新登录
		session.Remember(cfg.Auth.Username, cfg.Auth.Password)
	}
	if !session.Authenticated() {
		if cfg.Auth.Username == "" {
			return fmt.Errorf("未登录且没有配置用户名（TRADESIM_USERNAME / TRADESIM_PASSWORD）")
		}
		if err := session.Login(ctx, cfg.Auth.Username, cfg.Auth.Password); err != nil {
			return err
		}
	}

	ledger := account.NewLedger()
	workers.Go("ledger", func() { ledger.Run(ctx) })

	expire := func(ctx context.Context, err error) { session.Expire(ctx, err) }
	recon := reconcile.NewEngine(exec, ledger, snapshots, reconcile.Config{
		Interval:      cfg.Reconcile.Interval(),
		BalancePath:   cfg.Reconcile.BalancePath,
		OnAuthExpired: expire,
	})
	restored, err := recon.Restore(ctx)
	if err != nil {
		logrus.Warnf("恢复账户快照失败: %v", err)
	} else if restored {
		logrus.Info("已从本地快照恢复账户状态")
	}
	if !restored {
		// Validate 已经校验过格式
		if balance, ok, _ := cfg.Account.Initial(); ok {
			if err := ledger.SetBalance(ctx, balance); err != nil {
				return fmt.Errorf("设置起始余额失败: %w", err)
			}
			logrus.Infof("起始余额 %s", balance)
		}
	}

	quotes := market.NewCache(cfg.QuoteTTL())
	sm.OnShutdown("quotes", func(context.Context) { quotes.Close() })
	if cfg.API.QuoteFeedURL != "" {
		feed := market.NewFeed(market.FeedConfig{URL: cfg.API.QuoteFeedURL, Symbols: cfg.API.Symbols}, quotes)
		workers.Go("quote-feed", func() { feed.Run(ctx) })
	}

	coord := trade.NewCoordinator(exec, quotes, ledger, recon, trade.Config{OnAuthExpired: expire})

	if opts.once {
		recon.Refresh(ctx)
		if err := tradeFromFlags(ctx, coord, quotes, opts); err != nil {
			return err
		}
		recon.Refresh(ctx)
		printState(ctx, ledger)
		return nil
	}

	workers.Go("reconcile", func() { recon.Run(ctx) })

	if cfg.MetricsAddr != "" {
		if addr, err := metrics.StartAsync(ctx, cfg.MetricsAddr); err != nil {
			logrus.Warnf("启动 metrics 服务失败: %v", err)
		} else {
			logrus.Infof("metrics: http://%s/debug/metrics", addr)
		}
	}
	if cfg.ControlAddr != "" {
		srv, err := server.New(server.Deps{Trader: coord, Account: ledger, Reconciler: recon, Authenticated: session.Authenticated})
		if err != nil {
			return err
		}
		workers.Go("controlplane", func() {
			if err := srv.Serve(ctx, cfg.ControlAddr); err != nil {
				logrus.Errorf("控制面退出: %v", err)
				cancel()
			}
		})
	}

	if err := tradeFromFlags(ctx, coord, quotes, opts); err != nil {
		logrus.Errorf("交易失败: %v", err)
	}

	<-ctx.Done()
	logrus.Info("收到退出信号，正在关闭...")
	return nil
}

// stop 先等后台任务退出（ctx 已取消），再释放存储等资源
func stop(sm *shutdown.Manager, workers *syncgroup.SyncGroup) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := workers.Wait(ctx); err != nil {
		logrus.Warnf("%v", err)
	}
	sm.Shutdown(ctx)
}

// snapshotStore 优先 snapshot_dir 下的 JSON 文件，其次放进 secret store，都没有时不落盘
func snapshotStore(cfg *config.Config, secrets *secretstore.Store) persistence.Store {
	user := cfg.Auth.Username
	if user == "" {
		user = "default"
	}
	switch {
	case cfg.Reconcile.SnapshotDir != "":
		return persistence.NewJSONFileService(filepath.Clean(cfg.Reconcile.SnapshotDir)).NewStore("account", user, "snapshot")
	case secrets != nil:
		return persistence.NewKVService(secrets).NewStore("account", user, "snapshot")
	}
	return nil
}

// tradeFromFlags -buy/-sell 指定时下一笔单；报价还没到时最多等 10 秒
func tradeFromFlags(ctx context.Context, coord *trade.Coordinator, quotes *market.Cache, opts options) error {
	if opts.buy == "" && opts.sell == "" {
		return nil
	}
	if opts.buy != "" && opts.sell != "" {
		return fmt.Errorf("-buy 和 -sell 只能指定一个")
	}
	q, err := decimal.NewFromString(strings.TrimSpace(opts.qty))
	if err != nil {
		return fmt.Errorf("无效的数量 %q: %w", opts.qty, err)
	}
	side, target := domain.SideBuy, opts.buy
	if opts.sell != "" {
		side, target = domain.SideSell, opts.sell
	}
	ref := domain.ParseRef(target)

	// 报价没到时交给协调器返回 ErrInstrumentNotFound
	waitQuote(ctx, quotes, ref, 10*time.Second)

	out, err := coord.Execute(ctx, side, ref, q)
	if err != nil {
		return err
	}
	logrus.Infof("成交: %s %s %s @ %s，余额 %s（服务端确认=%v）",
		out.Order.Side, out.Order.Quantity, out.Order.Ref, out.Order.PriceAtSubmission, out.FinalBalance, out.Confirmed)
	return nil
}

func waitQuote(ctx context.Context, quotes *market.Cache, ref domain.InstrumentRef, max time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, max)
	defer cancel()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, ok := quotes.Resolve(ref); ok {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func printState(ctx context.Context, ledger *account.Ledger) {
	st, err := ledger.Snapshot(ctx)
	if err != nil {
		logrus.Warnf("读取账户失败: %v", err)
		return
	}
	logrus.Infof("余额 %s，持仓 %d，成交 %d", st.Balance, len(st.Holdings), len(st.Transactions))
	for _, h := range st.Holdings {
		logrus.Infof("  %s qty=%s avg=%s", h.Ref, h.Quantity, h.AverageCost)
	}
}
