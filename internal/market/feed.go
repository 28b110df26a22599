package market

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/tradesim/internal/domain"
)

var feedLog = logrus.WithField("component", "quote_feed")

// FeedConfig 报价订阅配置
type FeedConfig struct {
	URL               string
	Symbols           []string // 非空时连接后发送订阅消息
	HandshakeTimeout  time.Duration
	ReconnectDelay    time.Duration // 第 n 次重连前等待 ReconnectDelay*n
	MaxReconnectDelay time.Duration
}

// quoteFrame 服务端推送的报价帧
type quoteFrame struct {
	ID     int64           `json:"id"`
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

type subscribeFrame struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols"`
}

// Feed websocket 报价订阅，把报价写入 Cache
type Feed struct {
	cfg   FeedConfig
	cache *Cache
}

func NewFeed(cfg FeedConfig, c *Cache) *Feed {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = 30 * time.Second
	}
	return &Feed{cfg: cfg, cache: c}
}

// Run 连接并读取报价直到 ctx 结束，断线后线性退避重连
func (f *Feed) Run(ctx context.Context) {
	attempts := 0
	for {
		err := f.session(ctx, func() { attempts = 0 })
		if ctx.Err() != nil {
			feedLog.Info("quote feed stopped")
			return
		}
		attempts++
		delay := f.cfg.ReconnectDelay * time.Duration(attempts)
		if delay > f.cfg.MaxReconnectDelay {
			delay = f.cfg.MaxReconnectDelay
		}
		feedLog.Warnf("quote feed disconnected: %v, reconnect in %s (attempt %d)", err, delay, attempts)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// session 一次连接的生命周期，onConnected 在握手成功后调用
func (f *Feed) session(ctx context.Context, onConnected func()) error {
	dialer := websocket.Dialer{HandshakeTimeout: f.cfg.HandshakeTimeout, Proxy: http.ProxyFromEnvironment}
	headers := make(http.Header)
	headers.Set("User-Agent", "tradesim-client")

	conn, _, err := dialer.DialContext(ctx, f.cfg.URL, headers)
	if err != nil {
		return errors.Wrap(err, "dial")
	}
	defer conn.Close()
	onConnected()
	feedLog.Infof("quote feed connected: %s", f.cfg.URL)

	if len(f.cfg.Symbols) > 0 {
		if err := conn.WriteJSON(subscribeFrame{Type: "subscribe", Symbols: f.cfg.Symbols}); err != nil {
			return errors.Wrap(err, "subscribe")
		}
	}

	// ctx 结束时关闭连接，解除 ReadMessage 阻塞
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return errors.Wrap(err, "read")
		}
		f.handleMessage(msg)
	}
}

// handleMessage 单帧或数组帧都接受；坏帧丢弃
func (f *Feed) handleMessage(msg []byte) {
	var frames []quoteFrame
	if len(msg) > 0 && msg[0] == '[' {
		if err := json.Unmarshal(msg, &frames); err != nil {
			feedLog.Debugf("drop malformed quote batch: %v", err)
			return
		}
	} else {
		var q quoteFrame
		if err := json.Unmarshal(msg, &q); err != nil {
			feedLog.Debugf("drop malformed quote: %v", err)
			return
		}
		frames = append(frames, q)
	}
	for _, q := range frames {
		inst := domain.Instrument{ID: q.ID, Symbol: q.Symbol, CurrentPrice: q.Price}
		if err := f.cache.Put(inst); err != nil {
			feedLog.Debugf("skip quote: %v", err)
		}
	}
}
