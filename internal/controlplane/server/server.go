// Package server 给展示层用的本地 HTTP 接口：读取账户、下单、手动对账
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/tradesim/internal/domain"
	"github.com/betbot/tradesim/internal/trade"
)

var log = logrus.WithField("component", "controlplane")

// Trader 交易入口（*trade.Coordinator 满足）
type Trader interface {
	Execute(ctx context.Context, side domain.Side, ref domain.InstrumentRef, qty decimal.Decimal) (*trade.Outcome, error)
}

// AccountReader 账户读取（*account.Ledger 满足）
type AccountReader interface {
	Snapshot(ctx context.Context) (domain.AccountState, error)
}

// Reconciler 对账（*reconcile.Engine 满足）
type Reconciler interface {
	Refresh(ctx context.Context)
}

type Deps struct {
	Trader     Trader
	Account    AccountReader
	Reconciler Reconciler
	// Authenticated 可为 nil
	Authenticated func() bool
}

type Server struct {
	deps Deps
}

func New(deps Deps) (*Server, error) {
	if deps.Trader == nil || deps.Account == nil || deps.Reconciler == nil {
		return nil, errors.New("trader, account and reconciler are required")
	}
	return &Server{deps: deps}, nil
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.wrap(s.handleHealth))
	r.GET("/account", s.wrap(s.handleAccountGet))
	r.POST("/trades", s.wrap(s.handleTradeCreate))
	r.POST("/reconcile", s.wrap(s.handleReconcile))
	return r
}

// wrap 把 net/http handler 适配成 gin handler
func (s *Server) wrap(h func(http.ResponseWriter, *http.Request)) gin.HandlerFunc {
	return func(c *gin.Context) {
		h(c.Writer, c.Request)
	}
}

// Serve 监听 addr 直到 ctx 结束
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.Router(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Infof("control plane listening on %s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
