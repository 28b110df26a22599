// Package executor 发送带鉴权的 HTTP 请求：单次超时、线性退避重试、
// 401 时刷新 token 并重放一次。
package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/betbot/tradesim/internal/metrics"
	sdkhttp "github.com/betbot/tradesim/pkg/sdk/http"
)

var log = logrus.WithField("component", "executor")

// Transport 只发一次请求，只有传输失败才返回 error
type Transport interface {
	Do(ctx context.Context, method, endpoint string, opt *sdkhttp.RequestOptions) (*sdkhttp.Response, error)
}

// Credentials 执行器需要的凭证读写（*credentials.Store 满足）
type Credentials interface {
	Access() string
	Refresh() string
	SetAccess(token string) error
	SetRefresh(token string) error
	AccessExpiresAt() (time.Time, bool)
}

// Limiter 按端点限速（*ratelimit.RateLimitManager 满足），key 形如 "POST /trade"
type Limiter interface {
	Wait(ctx context.Context, endpoint string) error
}

// Config 执行器默认参数
type Config struct {
	BaseDelay   time.Duration // 第 n 次重试前等待 BaseDelay*n
	Timeout     time.Duration // 单次尝试超时
	MaxRetries  int
	LoginPath   string
	RefreshPath string
	// RefreshSkew access token 距离过期不足该时长时在首次尝试前主动刷新，0 关闭
	RefreshSkew time.Duration
}

func DefaultConfig() Config {
	return Config{
		BaseDelay:   500 * time.Millisecond,
		Timeout:     10 * time.Second,
		MaxRetries:  3,
		LoginPath:   "/auth/login",
		RefreshPath: "/auth/refresh",
		RefreshSkew: 30 * time.Second,
	}
}

// Options 单次调用的覆盖项。
// Timeout 为 0 使用默认值；MaxRetries 为 0 使用默认值，负数表示不重试。
type Options struct {
	Timeout    time.Duration
	MaxRetries int
}

// Executor 请求执行器，可并发使用
type Executor struct {
	transport Transport
	creds     Credentials
	limiter   Limiter
	cfg       Config

	refreshGroup singleflight.Group

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New 创建执行器。limiter 可为 nil。
func New(transport Transport, creds Credentials, limiter Limiter, cfg Config) *Executor {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.BaseDelay < 0 {
		cfg.BaseDelay = 0
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.LoginPath == "" {
		cfg.LoginPath = def.LoginPath
	}
	if cfg.RefreshPath == "" {
		cfg.RefreshPath = def.RefreshPath
	}
	return &Executor{
		transport: transport,
		creds:     creds,
		limiter:   limiter,
		cfg:       cfg,
		sleep:     sleepCtx,
		now:       time.Now,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) options(opts *Options) Options {
	o := Options{Timeout: e.cfg.Timeout, MaxRetries: e.cfg.MaxRetries}
	if opts == nil {
		return o
	}
	if opts.Timeout > 0 {
		o.Timeout = opts.Timeout
	}
	switch {
	case opts.MaxRetries < 0:
		o.MaxRetries = 0
	case opts.MaxRetries > 0:
		o.MaxRetries = opts.MaxRetries
	}
	return o
}

func (e *Executor) isAuthPath(path string) bool {
	return path == e.cfg.LoginPath || path == e.cfg.RefreshPath
}

// Execute 执行一个逻辑请求。
// 成功返回 2xx 响应；失败返回 ErrTimeout / ErrNetwork / ErrAuthExpired / *HTTPError，
// 或调用方 ctx 的错误。body 在每次尝试中原样重发。
func (e *Executor) Execute(ctx context.Context, method, path string, body any, opts *Options) (*sdkhttp.Response, error) {
	method = strings.ToUpper(method)
	o := e.options(opts)
	endpoint := method + " " + path
	run := newRequestRun(endpoint)
	authPath := e.isAuthPath(path)
	metrics.Requests.Add(1)

	if !authPath {
		e.refreshAhead(ctx)
	}

	fail := func(err error) (*sdkhttp.Response, error) {
		_ = run.to(StateFailed)
		metrics.RequestFailures.Add(1)
		log.Debugf("%s failed after %d attempt(s): %v", endpoint, run.attempts, err)
		return nil, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return fail(errors.Wrap(err, endpoint))
		}
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx, endpoint); err != nil {
				return fail(errors.Wrapf(err, "%s: rate limit wait", endpoint))
			}
		}

		token := ""
		if !authPath {
			token = e.creds.Access()
		}
		run.attempts++
		resp, err := e.attempt(ctx, method, path, body, token, o.Timeout)

		switch {
		case err != nil:
			if ctx.Err() != nil {
				return fail(errors.Wrap(ctx.Err(), endpoint))
			}
			if run.retries >= o.MaxRetries {
				return fail(err)
			}
			run.retries++
			metrics.RequestRetries.Add(1)
			if terr := run.to(StateRetrying); terr != nil {
				return fail(terr)
			}
			delay := e.cfg.BaseDelay * time.Duration(run.retries)
			log.Warnf("%s attempt %d failed: %v, retry %d/%d in %s", endpoint, run.attempts, err, run.retries, o.MaxRetries, delay)
			if serr := e.sleep(ctx, delay); serr != nil {
				return fail(errors.Wrap(serr, endpoint))
			}

		case resp.StatusCode == http.StatusUnauthorized && !authPath:
			if run.replayed {
				return fail(errors.Wrapf(ErrAuthExpired, "%s: rejected after token refresh", endpoint))
			}
			if terr := run.to(StateRefreshingAuth); terr != nil {
				return fail(terr)
			}
			if rerr := e.refreshAfter(ctx, token); rerr != nil {
				return fail(rerr)
			}
			if terr := run.to(StateReplayed); terr != nil {
				return fail(terr)
			}
			log.Infof("%s: token refreshed, replaying", endpoint)

		case resp.IsSuccess():
			_ = run.to(StateSucceeded)
			return resp, nil

		default:
			return fail(newHTTPError(resp.StatusCode, resp.Body))
		}
	}
}

// attempt 单次尝试：独立的超时 ctx，超时归类为 ErrTimeout，其余传输失败归类为 ErrNetwork
func (e *Executor) attempt(ctx context.Context, method, path string, body any, token string, timeout time.Duration) (*sdkhttp.Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opt := &sdkhttp.RequestOptions{Data: body}
	if token != "" {
		opt.Headers = map[string]string{"Authorization": "Bearer " + token}
	}
	resp, err := e.transport.Do(attemptCtx, method, path, opt)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return nil, errors.Wrapf(ErrTimeout, "%s %s after %s", method, path, timeout)
	}
	return nil, errors.Wrapf(ErrNetwork, "%s %s: %v", method, path, err)
}

// DoJSON Execute 之后把响应 body 解码到 out（out 为 nil 时忽略 body）
func (e *Executor) DoJSON(ctx context.Context, method, path string, in, out any, opts *Options) error {
	resp, err := e.Execute(ctx, method, path, in, opts)
	if err != nil {
		return err
	}
	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return errors.Wrapf(err, "decode %s %s response", method, path)
	}
	return nil
}
