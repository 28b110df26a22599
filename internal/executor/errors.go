package executor

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrNetwork 传输层失败（没有拿到响应）
	ErrNetwork = errors.New("network error")
	// ErrTimeout 单次尝试超过超时时间
	ErrTimeout = errors.New("request timed out")
	// ErrAuthExpired 授权过期且刷新失败（或无法刷新），需要重新登录
	ErrAuthExpired = errors.New("authorization expired")
)

// HTTPError 非 2xx 且不可恢复的服务端响应
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("http %d: %s", e.Status, e.Message)
}

// IsRetryable 判断错误是否属于可重试的瞬时错误
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrTimeout)
}

// newHTTPError 优先取 JSON 里的 message/error 字段，否则截取原始 body
func newHTTPError(status int, body []byte) *HTTPError {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil {
		if payload.Message != "" {
			return &HTTPError{Status: status, Message: payload.Message}
		}
		if payload.Error != "" {
			return &HTTPError{Status: status, Message: payload.Error}
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return &HTTPError{Status: status, Message: msg}
}
