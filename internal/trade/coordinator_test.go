package trade

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/tradesim/internal/account"
	"github.com/betbot/tradesim/internal/credentials"
	"github.com/betbot/tradesim/internal/domain"
	"github.com/betbot/tradesim/internal/executor"
	"github.com/betbot/tradesim/internal/market"
	sdkhttp "github.com/betbot/tradesim/pkg/sdk/http"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeExecutor struct {
	mu    sync.Mutex
	calls []tradeRequest
	reply func(req tradeRequest) (map[string]any, error)
	// observe 在提交时读取账本，验证乐观变更先于网络调用
	observe func()
}

func (f *fakeExecutor) DoJSON(_ context.Context, method, path string, in, out any, _ *executor.Options) error {
	req := in.(tradeRequest)
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.observe != nil {
		f.observe()
	}
	body, err := f.reply(req)
	if err != nil {
		return err
	}
	b, _ := json.Marshal(body)
	return json.Unmarshal(b, out)
}

func (f *fakeExecutor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type countingReconciler struct{ n atomic.Int32 }

func (r *countingReconciler) Trigger() { r.n.Add(1) }

type fixture struct {
	coord  *Coordinator
	ledger *account.Ledger
	exec   *fakeExecutor
	recon  *countingReconciler
	cache  *market.Cache
}

func newFixture(t *testing.T, balance string, reply func(tradeRequest) (map[string]any, error)) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ledger := account.NewLedger()
	go ledger.Run(ctx)
	require.NoError(t, ledger.SetBalance(ctx, d(balance)))

	cache := market.NewCache(0)
	t.Cleanup(cache.Close)
	require.NoError(t, cache.Put(domain.Instrument{ID: 7, Symbol: "AAPL", CurrentPrice: d("100")}))
	require.NoError(t, cache.Put(domain.Instrument{Symbol: "TSLA", CurrentPrice: d("250")}))

	exec := &fakeExecutor{reply: reply}
	recon := &countingReconciler{}
	return &fixture{
		coord:  NewCoordinator(exec, cache, ledger, recon, Config{}),
		ledger: ledger,
		exec:   exec,
		recon:  recon,
		cache:  cache,
	}
}

func (f *fixture) state(t *testing.T) domain.AccountState {
	st, err := f.ledger.Snapshot(context.Background())
	require.NoError(t, err)
	return st
}

func TestBuy_OptimisticThenServerBalance(t *testing.T) {
	f := newFixture(t, "1000", func(tradeRequest) (map[string]any, error) {
		return map[string]any{"new_balance": 500}, nil
	})
	var seenBalance decimal.Decimal
	f.exec.observe = func() { seenBalance = f.state(t).Balance }

	out, err := f.coord.Buy(context.Background(), domain.ByID(7), d("5"))
	require.NoError(t, err)

	assert.True(t, seenBalance.Equal(d("500")), "optimistic balance visible before submit")
	assert.True(t, out.OptimisticBalance.Equal(d("500")))
	assert.True(t, out.FinalBalance.Equal(d("500")))
	assert.True(t, out.Confirmed)

	st := f.state(t)
	require.Len(t, st.Holdings, 1)
	assert.True(t, st.Holdings[0].Quantity.Equal(d("5")))
	assert.True(t, st.Holdings[0].AverageCost.Equal(d("100")))
	require.Len(t, st.Transactions, 1)
	assert.True(t, st.Transactions[0].Provisional)
	assert.Equal(t, out.Transaction.ID, st.Transactions[0].ID)
	assert.EqualValues(t, 1, f.recon.n.Load())

	require.Len(t, f.exec.calls, 1)
	assert.Equal(t, tradeRequest{Instrument: domain.ByID(7), Side: domain.SideBuy, Quantity: "5"}, f.exec.calls[0])
}

func TestBuy_ServerBalanceOverridesOptimistic(t *testing.T) {
	f := newFixture(t, "1000", func(tradeRequest) (map[string]any, error) {
		return map[string]any{"new_balance": "499.5"}, nil
	})
	out, err := f.coord.Buy(context.Background(), domain.ByID(7), d("5"))
	require.NoError(t, err)
	assert.True(t, out.OptimisticBalance.Equal(d("500")))
	assert.True(t, out.FinalBalance.Equal(d("499.5")))
	assert.True(t, f.state(t).Balance.Equal(d("499.5")))
}

func TestTrade_WithoutNewBalanceKeepsOptimistic(t *testing.T) {
	f := newFixture(t, "1000", func(tradeRequest) (map[string]any, error) {
		return map[string]any{}, nil
	})
	out, err := f.coord.Buy(context.Background(), domain.BySymbol("tsla"), d("2"))
	require.NoError(t, err)
	assert.False(t, out.Confirmed)
	assert.True(t, out.FinalBalance.Equal(d("500")))
	// 只有 symbol 的标的按 symbol 寻址
	assert.Equal(t, domain.BySymbol("TSLA"), f.exec.calls[0].Instrument)
}

func TestSell_InsufficientQuantity(t *testing.T) {
	f := newFixture(t, "1000", func(tradeRequest) (map[string]any, error) {
		return map[string]any{}, nil
	})
	_, err := f.coord.Buy(context.Background(), domain.ByID(7), d("5"))
	require.NoError(t, err)
	before := f.state(t)

	_, err = f.coord.Sell(context.Background(), domain.ByID(7), d("10"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsufficientQuantity))
	assert.True(t, errors.Is(err, ErrValidation))
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, CodeInsufficientQuantity, verr.Code)

	assert.Equal(t, before, f.state(t))
	assert.Equal(t, 1, f.exec.count())
}

func TestBuy_InsufficientFunds(t *testing.T) {
	f := newFixture(t, "100", func(tradeRequest) (map[string]any, error) {
		t.Fatal("no submit expected")
		return nil, nil
	})
	_, err := f.coord.Buy(context.Background(), domain.ByID(7), d("2"))
	assert.True(t, errors.Is(err, ErrInsufficientFunds))
	assert.True(t, errors.Is(err, ErrValidation))
	assert.True(t, f.state(t).Balance.Equal(d("100")))
}

func TestTrade_NonPositiveQuantityMakesNoCalls(t *testing.T) {
	f := newFixture(t, "1000", func(tradeRequest) (map[string]any, error) {
		return map[string]any{}, nil
	})
	for _, q := range []string{"0", "-1", "-0.5"} {
		_, err := f.coord.Buy(context.Background(), domain.ByID(7), d(q))
		assert.True(t, errors.Is(err, ErrValidation), q)
		_, err = f.coord.Sell(context.Background(), domain.ByID(7), d(q))
		assert.True(t, errors.Is(err, ErrValidation), q)
	}
	assert.Equal(t, 0, f.exec.count())
	assert.EqualValues(t, 0, f.recon.n.Load())
	assert.True(t, f.state(t).Balance.Equal(d("1000")))
}

func TestTrade_UnknownInstrument(t *testing.T) {
	f := newFixture(t, "1000", func(tradeRequest) (map[string]any, error) {
		return map[string]any{}, nil
	})
	_, err := f.coord.Buy(context.Background(), domain.BySymbol("NOPE"), d("1"))
	assert.True(t, errors.Is(err, ErrInstrumentNotFound))
	assert.False(t, errors.Is(err, ErrValidation))

	_, err = f.coord.Buy(context.Background(), domain.InstrumentRef{}, d("1"))
	assert.True(t, errors.Is(err, ErrValidation))
	_, err = f.coord.Execute(context.Background(), domain.Side("HOLD"), domain.ByID(7), d("1"))
	assert.True(t, errors.Is(err, ErrValidation))
	assert.Equal(t, 0, f.exec.count())
}

func TestTrade_BuyThenSellRestoresBalance(t *testing.T) {
	f := newFixture(t, "1000", func(tradeRequest) (map[string]any, error) {
		return map[string]any{}, nil
	})
	for _, q := range []string{"3", "0.25", "7"} {
		_, err := f.coord.Buy(context.Background(), domain.ByID(7), d(q))
		require.NoError(t, err)
		_, err = f.coord.Sell(context.Background(), domain.ByID(7), d(q))
		require.NoError(t, err)
		st := f.state(t)
		assert.True(t, st.Balance.Equal(d("1000")), "qty %s balance %s", q, st.Balance)
		assert.Empty(t, st.Holdings)
	}
}

func TestTrade_SubmitFailureCompensatesAndTriggersReconcile(t *testing.T) {
	f := newFixture(t, "1000", func(tradeRequest) (map[string]any, error) {
		return nil, errors.Wrap(executor.ErrTimeout, "POST /trade")
	})
	_, err := f.coord.Buy(context.Background(), domain.ByID(7), d("5"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, executor.ErrTimeout))

	st := f.state(t)
	assert.True(t, st.Balance.Equal(d("1000")))
	assert.Empty(t, st.Holdings)
	assert.Empty(t, st.Transactions)
	assert.EqualValues(t, 1, f.recon.n.Load())
}

// 乐观变更在调用方 ctx 到期后才落地：不得提交，变更需撤销
func TestTrade_CallerGoneDuringApplyCompensates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ledger := account.NewLedger()
	go func() { _ = ledger.SetBalance(ctx, d("1000")) }()
	time.Sleep(10 * time.Millisecond)
	// 账本循环在调用方超时之后才启动
	time.AfterFunc(60*time.Millisecond, func() { go ledger.Run(ctx) })

	cache := market.NewCache(0)
	defer cache.Close()
	require.NoError(t, cache.Put(domain.Instrument{ID: 7, Symbol: "AAPL", CurrentPrice: d("100")}))

	exec := &fakeExecutor{reply: func(tradeRequest) (map[string]any, error) {
		return map[string]any{"new_balance": 500}, nil
	}}
	recon := &countingReconciler{}
	coord := NewCoordinator(exec, cache, ledger, recon, Config{})

	callCtx, callCancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer callCancel()
	_, err := coord.Buy(callCtx, domain.ByID(7), d("5"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	assert.Equal(t, 0, exec.count())
	assert.EqualValues(t, 1, recon.n.Load())
	st, err := ledger.Snapshot(ctx)
	require.NoError(t, err)
	assert.True(t, st.Balance.Equal(d("1000")), "balance %s", st.Balance)
	assert.Empty(t, st.Holdings)
}

func TestTrade_AuthExpiredInvokesHook(t *testing.T) {
	f := newFixture(t, "1000", func(tradeRequest) (map[string]any, error) {
		return nil, errors.Wrap(executor.ErrAuthExpired, "POST /trade")
	})
	var hooked []error
	f.coord.cfg.OnAuthExpired = func(_ context.Context, err error) { hooked = append(hooked, err) }

	_, err := f.coord.Buy(context.Background(), domain.ByID(7), d("5"))
	require.Error(t, err)
	require.Len(t, hooked, 1)
	assert.True(t, errors.Is(hooked[0], executor.ErrAuthExpired))
	assert.True(t, f.state(t).Balance.Equal(d("1000")))

	// 其它失败不触发
	f.exec.reply = func(tradeRequest) (map[string]any, error) { return nil, executor.ErrTimeout }
	_, err = f.coord.Buy(context.Background(), domain.ByID(7), d("5"))
	require.Error(t, err)
	assert.Len(t, hooked, 1)
}

func TestTrade_SerializesConcurrentTrades(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	f := newFixture(t, "1000", func(tradeRequest) (map[string]any, error) {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return map[string]any{}, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.coord.Buy(context.Background(), domain.ByID(7), d("1"))
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, maxInFlight.Load())
	assert.True(t, f.state(t).Balance.Equal(d("200")))
}

// 通过真实执行器和 HTTP 后端走一遍完整买入流程
func TestBuy_EndToEndOverHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/trade" || r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var req struct {
			Instrument json.RawMessage `json:"instrument"`
			Side       string          `json:"side"`
			Quantity   json.Number     `json:"quantity"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || string(req.Instrument) != "7" || req.Side != "BUY" || req.Quantity != "5" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"new_balance": 500}`))
	}))
	defer srv.Close()

	store, err := credentials.NewStore(nil)
	require.NoError(t, err)
	require.NoError(t, store.SetAccess("tok"))
	exec := executor.New(sdkhttp.NewClient(srv.URL), store, nil, executor.DefaultConfig())

	f := newFixture(t, "1000", nil)
	coord := NewCoordinator(exec, f.cache, f.ledger, f.recon, Config{})

	out, err := coord.Buy(context.Background(), domain.ByID(7), d("5"))
	require.NoError(t, err)
	assert.True(t, out.Confirmed)
	assert.True(t, out.FinalBalance.Equal(d("500")))
}
