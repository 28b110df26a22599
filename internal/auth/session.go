// Package auth 登录/登出，把服务端下发的 token 对写入凭证存储
package auth

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/betbot/tradesim/internal/credentials"
	"github.com/betbot/tradesim/internal/executor"
)

var log = logrus.WithField("component", "auth")

// ErrMissingCredentials 用户名或密码为空
var ErrMissingCredentials = errors.New("username and password are required")

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// ReloginTimeout 鉴权过期后自动重新登录的超时
const ReloginTimeout = 30 * time.Second

// Session 会话管理
type Session struct {
	exec      *executor.Executor
	creds     *credentials.Store
	loginPath string

	mu       sync.Mutex
	username string
	password string

	expireGroup singleflight.Group
}

func NewSession(exec *executor.Executor, creds *credentials.Store, loginPath string) *Session {
	if loginPath == "" {
		loginPath = executor.DefaultConfig().LoginPath
	}
	return &Session{exec: exec, creds: creds, loginPath: loginPath}
}

// Login 用户名密码登录。登录失败不会改动已保存的 token。
func (s *Session) Login(ctx context.Context, username, password string) error {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return ErrMissingCredentials
	}
	var out loginResponse
	if err := s.exec.DoJSON(ctx, http.MethodPost, s.loginPath, loginRequest{Username: username, Password: password}, &out, nil); err != nil {
		return errors.Wrap(err, "login")
	}
	if out.Access == "" {
		return errors.New("login: response has no access token")
	}

	if err := s.creds.SetAccess(out.Access); err != nil {
		log.Warnf("persist access token: %v", err)
	}
	if err := s.creds.SetRefresh(out.Refresh); err != nil {
		log.Warnf("persist refresh token: %v", err)
	}
	s.Remember(username, password)
	log.Infof("logged in as %s", username)
	return nil
}

// Remember 记住用于自动重新登录的用户名密码
func (s *Session) Remember(username, password string) {
	s.mu.Lock()
	s.username, s.password = strings.TrimSpace(username), password
	s.mu.Unlock()
}

func (s *Session) remembered() (string, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username, s.password, s.username != "" && s.password != ""
}

// Expire 处理请求返回的 executor.ErrAuthExpired：清空 token 对（强制登出），
// 记住了用户名密码时再重新登录一次。非鉴权过期的错误直接忽略并返回 false。
// 并发调用合并成一次登出/登录；重新登录不受调用方 ctx 取消影响。
func (s *Session) Expire(ctx context.Context, err error) bool {
	if !errors.Is(err, executor.ErrAuthExpired) {
		return false
	}
	_, _, _ = s.expireGroup.Do("expire", func() (any, error) {
		log.Warnf("session expired: %v", err)
		if lerr := s.Logout(); lerr != nil {
			log.Errorf("forced logout: %v", lerr)
		}
		username, password, ok := s.remembered()
		if !ok {
			log.Warn("no stored credentials, login required")
			return nil, nil
		}
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ReloginTimeout)
		defer cancel()
		if lerr := s.Login(lctx, username, password); lerr != nil {
			log.Errorf("relogin as %s: %v", username, lerr)
		}
		return nil, nil
	})
	return true
}

// Logout 清空 token 对
func (s *Session) Logout() error {
	if err := s.creds.Clear(); err != nil {
		return errors.Wrap(err, "logout")
	}
	log.Info("logged out")
	return nil
}

// Authenticated 是否持有 access token
func (s *Session) Authenticated() bool {
	return s.creds.Access() != ""
}
