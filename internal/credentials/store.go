// Package credentials 持有当前会话的 access/refresh token 对。
// 纯存储：不重试、不访问网络。
package credentials

import (
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// 持久化 KV 中使用的 key
const (
	KeyAccessToken  = "auth.access_token"
	KeyRefreshToken = "auth.refresh_token"
)

// KV 跨进程重启保留数据的外部存储（badger / 平台 keystore / 内存）
type KV interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Remove(key string) error
}

// TokenPair access 为空表示未登录；refresh 为空表示没有刷新凭证
type TokenPair struct {
	Access  string
	Refresh string
}

// Store 凭证存储。内存副本是本进程的权威值，写入时同步落到 KV。
type Store struct {
	mu   sync.RWMutex
	kv   KV
	pair TokenPair
}

// NewStore 从 kv 装载已保存的 token 对；kv 为 nil 时只在内存中保存
func NewStore(kv KV) (*Store, error) {
	s := &Store{kv: kv}
	if kv == nil {
		return s, nil
	}
	access, _, err := kv.Get(KeyAccessToken)
	if err != nil {
		return nil, errors.Wrap(err, "load access token")
	}
	refresh, _, err := kv.Get(KeyRefreshToken)
	if err != nil {
		return nil, errors.Wrap(err, "load refresh token")
	}
	s.pair = TokenPair{Access: access, Refresh: refresh}
	return s, nil
}

// Access 当前 access token，未登录时为空
func (s *Store) Access() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pair.Access
}

// Refresh 当前 refresh token
func (s *Store) Refresh() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pair.Refresh
}

// Pair 当前 token 对的拷贝
func (s *Store) Pair() TokenPair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pair
}

// SetAccess 设置 access token，空串等同于 null（之后请求不再带 Authorization）。
// 持久化失败时内存值仍然生效，错误返回给调用方。
func (s *Store) SetAccess(token string) error {
	return s.set(KeyAccessToken, strings.TrimSpace(token), func(p *TokenPair, v string) { p.Access = v })
}

// SetRefresh 设置 refresh token，空串等同于 null
func (s *Store) SetRefresh(token string) error {
	return s.set(KeyRefreshToken, strings.TrimSpace(token), func(p *TokenPair, v string) { p.Refresh = v })
}

// Clear 登出：清空 token 对
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pair = TokenPair{}
	if s.kv == nil {
		return nil
	}
	errAccess := s.kv.Remove(KeyAccessToken)
	errRefresh := s.kv.Remove(KeyRefreshToken)
	if errAccess != nil {
		return errors.Wrap(errAccess, "remove access token")
	}
	if errRefresh != nil {
		return errors.Wrap(errRefresh, "remove refresh token")
	}
	return nil
}

func (s *Store) set(key, value string, apply func(*TokenPair, string)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	apply(&s.pair, value)
	if s.kv == nil {
		return nil
	}
	var err error
	if value == "" {
		err = s.kv.Remove(key)
	} else {
		err = s.kv.Set(key, value)
	}
	return errors.Wrapf(err, "persist %s", key)
}

// AccessExpiresAt 读取 access token 的 exp（JWT，不校验签名）。
// 不透明 token 或没有 exp 时 ok=false。
func (s *Store) AccessExpiresAt() (time.Time, bool) {
	return TokenExpiry(s.Access())
}

// TokenExpiry 解析 JWT 的 exp claim，不做签名校验：客户端拿不到服务端密钥，只用来提前判断过期
func TokenExpiry(token string) (time.Time, bool) {
	if token == "" || strings.Count(token, ".") != 2 {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
