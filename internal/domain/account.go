package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Holding 持仓：Quantity 归零即从集合中移除
type Holding struct {
	Ref         InstrumentRef   `json:"instrument"`
	Quantity    decimal.Decimal `json:"quantity"`
	AverageCost decimal.Decimal `json:"average_cost"`
}

// Transaction 成交记录。本地写入的是 Provisional=true 的临时记录，
// 下一次对账会被服务端权威列表整体替换。
type Transaction struct {
	ID          string          `json:"id"`
	Ref         InstrumentRef   `json:"instrument"`
	Side        Side            `json:"side"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Timestamp   time.Time       `json:"timestamp"`
	Provisional bool            `json:"provisional,omitempty"`
}

// AccountState 账户聚合（余额、持仓、成交）。
// 只由 account.Ledger 的单一 goroutine 写入，对外一律给深拷贝。
type AccountState struct {
	Balance      decimal.Decimal `json:"balance"`
	Holdings     []Holding       `json:"holdings"`
	Transactions []Transaction   `json:"transactions"`
	// Version 每次变更 +1
	Version uint64 `json:"version"`
}

// Clone 深拷贝（decimal 本身不可变，拷贝切片即可）
func (s AccountState) Clone() AccountState {
	out := s
	out.Holdings = append([]Holding(nil), s.Holdings...)
	out.Transactions = append([]Transaction(nil), s.Transactions...)
	return out
}

// HoldingIndex 查找持仓下标，找不到返回 -1
func (s *AccountState) HoldingIndex(match func(InstrumentRef) bool) int {
	for i := range s.Holdings {
		if match(s.Holdings[i].Ref) {
			return i
		}
	}
	return -1
}

// FindHolding 按引用精确查找
func (s AccountState) FindHolding(ref InstrumentRef) (Holding, bool) {
	key := ref.Key()
	for _, h := range s.Holdings {
		if h.Ref.Key() == key {
			return h, true
		}
	}
	return Holding{}, false
}
