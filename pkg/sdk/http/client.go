package http

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

// Client 是对 resty 的薄封装：只负责发一次请求并把原始响应交回，
// 不做重试、不做鉴权（这些由上层 executor 的状态机负责）。
type Client struct {
	client *resty.Client
}

// Response 一次请求的原始结果
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// IsSuccess 2xx
func (r *Response) IsSuccess() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// NewClient 创建客户端。host 末尾的 / 会被去掉。
func NewClient(host string) *Client {
	host = strings.TrimSuffix(host, "/")

	// resty 会自动从环境变量读取代理配置（HTTP_PROXY, HTTPS_PROXY）
	// 超时由调用方 ctx 控制，这里只留一个兜底上限；重试在上层做，这里关闭
	client := resty.New().
		SetBaseURL(host).
		SetTimeout(2 * time.Minute).
		SetRetryCount(0)

	return &Client{client: client}
}

// RequestOptions 单次请求参数
type RequestOptions struct {
	Headers map[string]string
	Data    any
	Params  map[string]string
}

// 仅设置本次请求的默认 Header（不要再改 client 级 Header）
func (c *Client) newRequest(ctx context.Context) *resty.Request {
	r := c.client.R()
	if ctx != nil {
		r.SetContext(ctx)
	}
	r.SetHeader("Accept", "application/json")
	r.SetHeader("User-Agent", "tradesim-client")
	return r
}

// Do 发送一次请求。只有传输层失败（没有拿到响应）才返回 error，
// 非 2xx 响应通过 Response.StatusCode 交给调用方判断。
func (c *Client) Do(ctx context.Context, method, endpoint string, opt *RequestOptions) (*Response, error) {
	rc := c.newRequest(ctx)
	if opt != nil {
		for k, v := range opt.Headers {
			rc.SetHeader(k, v)
		}
		if len(opt.Params) > 0 {
			rc.SetQueryParams(opt.Params)
		}
		if opt.Data != nil {
			rc.SetHeader("Content-Type", "application/json")
			rc.SetBody(opt.Data)
		}
	}

	resp, err := rc.Execute(strings.ToUpper(method), endpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, endpoint)
	}
	return &Response{
		StatusCode: resp.StatusCode(),
		Header:     resp.Header(),
		Body:       resp.Body(),
	}, nil
}
