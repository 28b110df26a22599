package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// RefKind 标的寻址方式
type RefKind uint8

const (
	RefNone     RefKind = iota
	RefByID             // 数字 ID
	RefBySymbol         // 代码（symbol）
)

// InstrumentRef 标的引用（tagged value：ById | BySymbol）。
// 在一次交易流程开始时解析一次，之后原样传递，不在中途重新推导。
type InstrumentRef struct {
	Kind   RefKind
	ID     int64
	Symbol string
}

// ByID 按数字 ID 引用
func ByID(id int64) InstrumentRef {
	return InstrumentRef{Kind: RefByID, ID: id}
}

// BySymbol 按代码引用（统一大写）
func BySymbol(symbol string) InstrumentRef {
	return InstrumentRef{Kind: RefBySymbol, Symbol: strings.ToUpper(strings.TrimSpace(symbol))}
}

// IsZero 未设置
func (r InstrumentRef) IsZero() bool {
	switch r.Kind {
	case RefByID:
		return r.ID <= 0
	case RefBySymbol:
		return r.Symbol == ""
	}
	return true
}

// Key 作为 map key 使用的规范形式：id:7 / sym:AAPL
func (r InstrumentRef) Key() string {
	switch r.Kind {
	case RefByID:
		return "id:" + strconv.FormatInt(r.ID, 10)
	case RefBySymbol:
		return "sym:" + r.Symbol
	}
	return ""
}

func (r InstrumentRef) String() string {
	switch r.Kind {
	case RefByID:
		return "#" + strconv.FormatInt(r.ID, 10)
	case RefBySymbol:
		return r.Symbol
	}
	return "<none>"
}

// MarshalJSON 线上格式：ById 编码为数字，BySymbol 编码为字符串
func (r InstrumentRef) MarshalJSON() ([]byte, error) {
	switch r.Kind {
	case RefByID:
		return []byte(strconv.FormatInt(r.ID, 10)), nil
	case RefBySymbol:
		return json.Marshal(r.Symbol)
	}
	return []byte("null"), nil
}

// UnmarshalJSON 数字 -> ById，字符串 -> BySymbol
func (r *InstrumentRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*r = InstrumentRef{}
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = BySymbol(s)
		return nil
	}
	id, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("instrument ref: %w", err)
	}
	*r = ByID(id)
	return nil
}

// Instrument 行情快照（一个 tick 内有效，不可变）
type Instrument struct {
	ID           int64           `json:"id,omitempty"`
	Symbol       string          `json:"symbol,omitempty"`
	CurrentPrice decimal.Decimal `json:"price"`
}

// Address 下单寻址：优先数字 ID，没有时退回 symbol
func (i Instrument) Address() InstrumentRef {
	if i.ID > 0 {
		return ByID(i.ID)
	}
	return BySymbol(i.Symbol)
}

// Refs 该标的所有可用引用（用于缓存多键索引）
func (i Instrument) Refs() []InstrumentRef {
	refs := make([]InstrumentRef, 0, 2)
	if i.ID > 0 {
		refs = append(refs, ByID(i.ID))
	}
	if s := BySymbol(i.Symbol); !s.IsZero() {
		refs = append(refs, s)
	}
	return refs
}

// Matches 引用是否指向该标的
func (i Instrument) Matches(ref InstrumentRef) bool {
	switch ref.Kind {
	case RefByID:
		return i.ID > 0 && ref.ID == i.ID
	case RefBySymbol:
		return ref.Symbol != "" && ref.Symbol == strings.ToUpper(i.Symbol)
	}
	return false
}

// ParseRef 命令行/表单输入：纯数字按 ID，其余按 symbol
func ParseRef(s string) InstrumentRef {
	s = strings.TrimSpace(s)
	if id, err := strconv.ParseInt(s, 10, 64); err == nil && id > 0 {
		return ByID(id)
	}
	return BySymbol(s)
}
