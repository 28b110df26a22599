package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Side 买卖方向（线上格式 BUY / SELL）
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide 解析方向，兼容大小写和单字母写法（B/S）
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "B":
		return SideBuy, nil
	case "SELL", "S":
		return SideSell, nil
	}
	return "", fmt.Errorf("unknown side %q", s)
}

// PendingOrder 一次交易调用期间存在的临时订单，不持久化
type PendingOrder struct {
	Ref               InstrumentRef   `json:"instrument"`
	Side              Side            `json:"side"`
	Quantity          decimal.Decimal `json:"quantity"`
	PriceAtSubmission decimal.Decimal `json:"price"`
}

// Notional 名义金额 price * quantity
func (o PendingOrder) Notional() decimal.Decimal {
	return o.PriceAtSubmission.Mul(o.Quantity)
}
