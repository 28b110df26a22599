package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/tradesim/internal/credentials"
	sdkhttp "github.com/betbot/tradesim/pkg/sdk/http"
)

type fakeBackend struct {
	tradeCalls   atomic.Int32
	refreshCalls atomic.Int32
	trade        func(n int32, w http.ResponseWriter, r *http.Request)
	refresh      func(n int32, w http.ResponseWriter, r *http.Request)
}

func (b *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/auth/refresh":
		n := b.refreshCalls.Add(1)
		if b.refresh != nil {
			b.refresh(n, w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"access": "new"})
	default:
		n := b.tradeCalls.Add(1)
		b.trade(n, w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// bearerOnly 只接受指定 token 的处理器
func bearerOnly(token string) func(int32, http.ResponseWriter, *http.Request) {
	return func(_ int32, w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "token expired"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"new_balance": "500"})
	}
}

func newTestExecutor(t *testing.T, b *fakeBackend, access, refresh string, cfg Config) (*Executor, *credentials.Store, *[]time.Duration) {
	t.Helper()
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)

	store, err := credentials.NewStore(credentials.NewMemoryKV())
	require.NoError(t, err)
	require.NoError(t, store.SetAccess(access))
	require.NoError(t, store.SetRefresh(refresh))

	ex := New(sdkhttp.NewClient(srv.URL), store, nil, cfg)
	var mu sync.Mutex
	delays := &[]time.Duration{}
	ex.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		*delays = append(*delays, d)
		mu.Unlock()
		return ctx.Err()
	}
	return ex, store, delays
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BaseDelay = 10 * time.Millisecond
	cfg.Timeout = time.Second
	cfg.RefreshSkew = 0
	return cfg
}

func TestExecute_RetriesTimeoutsThenSucceeds(t *testing.T) {
	b := &fakeBackend{trade: func(n int32, w http.ResponseWriter, r *http.Request) {
		if n <= 2 {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"ok": "yes"})
	}}
	cfg := testConfig()
	cfg.Timeout = 50 * time.Millisecond
	cfg.MaxRetries = 2
	ex, _, delays := newTestExecutor(t, b, "tok", "", cfg)

	resp, err := ex.Execute(context.Background(), http.MethodGet, "/portfolio", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 3, b.tradeCalls.Load())
	// 线性退避：BaseDelay*1, BaseDelay*2
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, *delays)
}

func TestExecute_TimeoutExhaustsRetries(t *testing.T) {
	b := &fakeBackend{trade: func(_ int32, w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}}
	cfg := testConfig()
	cfg.Timeout = 30 * time.Millisecond
	ex, _, _ := newTestExecutor(t, b, "tok", "", cfg)

	_, err := ex.Execute(context.Background(), http.MethodGet, "/portfolio", nil, &Options{MaxRetries: 2})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout), "got %v", err)
	assert.True(t, IsRetryable(err))
	assert.EqualValues(t, 3, b.tradeCalls.Load())
}

func TestExecute_NoRetryOption(t *testing.T) {
	b := &fakeBackend{trade: func(_ int32, w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}}
	cfg := testConfig()
	cfg.Timeout = 30 * time.Millisecond
	ex, _, _ := newTestExecutor(t, b, "tok", "", cfg)

	_, err := ex.Execute(context.Background(), http.MethodGet, "/portfolio", nil, &Options{MaxRetries: -1})
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.EqualValues(t, 1, b.tradeCalls.Load())
}

func TestExecute_RefreshesOnceAndReplays(t *testing.T) {
	b := &fakeBackend{trade: bearerOnly("new")}
	ex, store, _ := newTestExecutor(t, b, "old", "r1", testConfig())

	var out struct {
		NewBalance string `json:"new_balance"`
	}
	err := ex.DoJSON(context.Background(), http.MethodPost, "/trade", map[string]any{"instrument": 7, "side": "BUY", "quantity": 5}, &out, nil)
	require.NoError(t, err)
	assert.Equal(t, "500", out.NewBalance)
	assert.EqualValues(t, 1, b.refreshCalls.Load())
	assert.EqualValues(t, 2, b.tradeCalls.Load())
	assert.Equal(t, "new", store.Access())
	assert.Equal(t, "r1", store.Refresh())
}

func TestExecute_RotatedRefreshTokenIsStored(t *testing.T) {
	b := &fakeBackend{
		trade: bearerOnly("a2"),
		refresh: func(_ int32, w http.ResponseWriter, r *http.Request) {
			var req refreshRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req.Refresh != "r1" || r.Header.Get("Authorization") != "" {
				writeJSON(w, http.StatusUnauthorized, nil)
				return
			}
			writeJSON(w, http.StatusOK, refreshResponse{Access: "a2", Refresh: "r2"})
		},
	}
	ex, store, _ := newTestExecutor(t, b, "a1", "r1", testConfig())

	_, err := ex.Execute(context.Background(), http.MethodGet, "/transactions", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, credentials.TokenPair{Access: "a2", Refresh: "r2"}, store.Pair())
}

func TestExecute_SecondUnauthorizedIsAuthExpired(t *testing.T) {
	b := &fakeBackend{trade: bearerOnly("never")}
	ex, _, _ := newTestExecutor(t, b, "old", "r1", testConfig())

	_, err := ex.Execute(context.Background(), http.MethodPost, "/trade", map[string]int{"quantity": 1}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuthExpired))
	assert.EqualValues(t, 1, b.refreshCalls.Load())
	assert.EqualValues(t, 2, b.tradeCalls.Load())
}

func TestExecute_RefreshFailures(t *testing.T) {
	t.Run("refresh rejected", func(t *testing.T) {
		b := &fakeBackend{
			trade: bearerOnly("new"),
			refresh: func(_ int32, w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "refresh revoked"})
			},
		}
		ex, store, _ := newTestExecutor(t, b, "old", "r1", testConfig())
		_, err := ex.Execute(context.Background(), http.MethodGet, "/portfolio", nil, nil)
		assert.True(t, errors.Is(err, ErrAuthExpired))
		assert.EqualValues(t, 1, b.tradeCalls.Load())
		assert.Equal(t, "old", store.Access())
	})

	t.Run("no refresh token", func(t *testing.T) {
		b := &fakeBackend{trade: bearerOnly("new")}
		ex, _, _ := newTestExecutor(t, b, "old", "", testConfig())
		_, err := ex.Execute(context.Background(), http.MethodGet, "/portfolio", nil, nil)
		assert.True(t, errors.Is(err, ErrAuthExpired))
		assert.EqualValues(t, 0, b.refreshCalls.Load())
	})
}

func TestExecute_LoginUnauthorizedIsHTTPError(t *testing.T) {
	b := &fakeBackend{trade: func(_ int32, w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "bad credentials"})
	}}
	ex, _, _ := newTestExecutor(t, b, "stale", "r1", testConfig())

	_, err := ex.Execute(context.Background(), http.MethodPost, "/auth/login", map[string]string{"username": "u"}, nil)
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusUnauthorized, httpErr.Status)
	assert.Equal(t, "bad credentials", httpErr.Message)
	assert.EqualValues(t, 0, b.refreshCalls.Load())
}

func TestExecute_HTTPErrorNotRetried(t *testing.T) {
	b := &fakeBackend{trade: func(_ int32, w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "boom"})
	}}
	ex, _, delays := newTestExecutor(t, b, "tok", "", testConfig())

	_, err := ex.Execute(context.Background(), http.MethodPost, "/trade", nil, nil)
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, 500, httpErr.Status)
	assert.Equal(t, "boom", httpErr.Message)
	assert.False(t, IsRetryable(err))
	assert.EqualValues(t, 1, b.tradeCalls.Load())
	assert.Empty(t, *delays)
}

func TestExecute_UnauthenticatedSendsNoHeader(t *testing.T) {
	b := &fakeBackend{trade: func(_ int32, w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			writeJSON(w, http.StatusBadRequest, nil)
			return
		}
		writeJSON(w, http.StatusOK, nil)
	}}
	ex, _, _ := newTestExecutor(t, b, "", "", testConfig())
	_, err := ex.Execute(context.Background(), http.MethodGet, "/portfolio", nil, nil)
	assert.NoError(t, err)
}

func TestExecute_NetworkErrorRetried(t *testing.T) {
	store, _ := credentials.NewStore(nil)
	// 没有监听的地址：连接直接失败
	ex := New(sdkhttp.NewClient("http://127.0.0.1:1"), store, nil, testConfig())
	ex.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	_, err := ex.Execute(context.Background(), http.MethodGet, "/portfolio", nil, &Options{MaxRetries: 1})
	assert.True(t, errors.Is(err, ErrNetwork), "got %v", err)
}

func TestExecute_CallerCancelStopsImmediately(t *testing.T) {
	b := &fakeBackend{trade: func(_ int32, w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}}
	ex, _, delays := newTestExecutor(t, b, "tok", "", testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := ex.Execute(ctx, http.MethodGet, "/portfolio", nil, nil)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	assert.False(t, errors.Is(err, ErrTimeout))
	assert.Empty(t, *delays)
}

func TestExecute_ConcurrentUnauthorizedShareOneRefresh(t *testing.T) {
	b := &fakeBackend{
		trade: bearerOnly("new"),
		refresh: func(_ int32, w http.ResponseWriter, _ *http.Request) {
			time.Sleep(50 * time.Millisecond)
			writeJSON(w, http.StatusOK, refreshResponse{Access: "new"})
		},
	}
	ex, _, _ := newTestExecutor(t, b, "old", "r1", testConfig())

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ex.Execute(context.Background(), http.MethodGet, "/portfolio", nil, nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.EqualValues(t, 1, b.refreshCalls.Load())
}

// 发起刷新的请求被取消，搭车的请求仍然拿到新 token
func TestExecute_RefreshSurvivesInitiatorCancel(t *testing.T) {
	b := &fakeBackend{
		trade: bearerOnly("new"),
		refresh: func(_ int32, w http.ResponseWriter, _ *http.Request) {
			time.Sleep(80 * time.Millisecond)
			writeJSON(w, http.StatusOK, refreshResponse{Access: "new"})
		},
	}
	ex, store, _ := newTestExecutor(t, b, "old", "r1", testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := ex.Execute(ctx, http.MethodGet, "/portfolio", nil, nil)
		first <- err
	}()
	require.Eventually(t, func() bool { return b.refreshCalls.Load() == 1 }, time.Second, 2*time.Millisecond)

	second := make(chan error, 1)
	go func() {
		_, err := ex.Execute(context.Background(), http.MethodGet, "/portfolio", nil, nil)
		second <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	err := <-first
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	assert.False(t, errors.Is(err, ErrAuthExpired))

	assert.NoError(t, <-second)
	assert.EqualValues(t, 1, b.refreshCalls.Load())
	assert.Equal(t, "new", store.Access())
}

func TestExecute_ProactiveRefreshBeforeExpiry(t *testing.T) {
	soon, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(5 * time.Second).Unix(),
	}).SignedString([]byte("k"))
	require.NoError(t, err)

	b := &fakeBackend{trade: bearerOnly("new")}
	cfg := testConfig()
	cfg.RefreshSkew = 30 * time.Second
	ex, store, _ := newTestExecutor(t, b, soon, "r1", cfg)

	_, err = ex.Execute(context.Background(), http.MethodGet, "/portfolio", nil, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, b.refreshCalls.Load())
	assert.EqualValues(t, 1, b.tradeCalls.Load())
	assert.Equal(t, "new", store.Access())
}

type recordingLimiter struct {
	mu   sync.Mutex
	keys []string
}

func (l *recordingLimiter) Wait(_ context.Context, endpoint string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keys = append(l.keys, endpoint)
	return nil
}

func TestExecute_WaitsOnLimiterPerAttempt(t *testing.T) {
	b := &fakeBackend{trade: bearerOnly("new")}
	ex, _, _ := newTestExecutor(t, b, "old", "r1", testConfig())
	lim := &recordingLimiter{}
	ex.limiter = lim

	_, err := ex.Execute(context.Background(), "get", "/portfolio", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"GET /portfolio", "POST /auth/refresh", "GET /portfolio"}, lim.keys)
}
