package executor

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"

	"github.com/betbot/tradesim/internal/metrics"
)

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

type refreshResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh,omitempty"`
}

// refreshAfter 在 staleToken 被拒绝后换取新 token。
// 如果其它请求已经换过（当前 access 与 staleToken 不同），直接重放不再刷新；
// 并发刷新通过 singleflight 合并成一次网络调用。
// 共享的刷新不受发起者 ctx 取消影响（单次尝试仍受 cfg.Timeout 约束），
// 调用方 ctx 结束只让它自己提前返回。
func (e *Executor) refreshAfter(ctx context.Context, staleToken string) error {
	if cur := e.creds.Access(); cur != "" && cur != staleToken {
		log.Debugf("access token already rotated, skip refresh")
		return nil
	}
	detached := context.WithoutCancel(ctx)
	ch := e.refreshGroup.DoChan("refresh", func() (any, error) {
		// 上一轮刷新可能刚好在进入 DoChan 之前完成
		if cur := e.creds.Access(); cur != "" && cur != staleToken {
			return nil, nil
		}
		return nil, e.refresh(detached)
	})
	select {
	case res := <-ch:
		if res.Shared {
			log.Debugf("joined in-flight token refresh")
		}
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// refresh 调用刷新端点（单次尝试，不重试）。任何失败都归为 ErrAuthExpired。
func (e *Executor) refresh(ctx context.Context) error {
	rt := e.creds.Refresh()
	if rt == "" {
		return errors.Wrap(ErrAuthExpired, "no refresh token")
	}
	metrics.TokenRefreshes.Add(1)

	endpoint := http.MethodPost + " " + e.cfg.RefreshPath
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx, endpoint); err != nil {
			return errors.Wrapf(ErrAuthExpired, "refresh rate limit: %v", err)
		}
	}
	resp, err := e.attempt(ctx, http.MethodPost, e.cfg.RefreshPath, refreshRequest{Refresh: rt}, "", e.cfg.Timeout)
	if err != nil {
		return errors.Wrapf(ErrAuthExpired, "refresh: %v", err)
	}
	if !resp.IsSuccess() {
		return errors.Wrapf(ErrAuthExpired, "refresh: %v", newHTTPError(resp.StatusCode, resp.Body))
	}
	var out refreshResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil || out.Access == "" {
		return errors.Wrap(ErrAuthExpired, "refresh: response has no access token")
	}

	// 内存值是权威值，持久化失败只记录
	if err := e.creds.SetAccess(out.Access); err != nil {
		log.Warnf("persist refreshed access token: %v", err)
	}
	if out.Refresh != "" {
		if err := e.creds.SetRefresh(out.Refresh); err != nil {
			log.Warnf("persist rotated refresh token: %v", err)
		}
	}
	log.Infof("access token refreshed")
	return nil
}

// refreshAhead access token 即将过期时主动刷新。
// 不算作重放，失败时交给 401 路径处理。
func (e *Executor) refreshAhead(ctx context.Context) {
	if e.cfg.RefreshSkew <= 0 || e.creds.Refresh() == "" {
		return
	}
	exp, ok := e.creds.AccessExpiresAt()
	if !ok || exp.Sub(e.now()) > e.cfg.RefreshSkew {
		return
	}
	if err := e.refreshAfter(ctx, e.creds.Access()); err != nil {
		log.Warnf("proactive token refresh failed: %v", err)
	}
}
