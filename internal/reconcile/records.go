package reconcile

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/betbot/tradesim/internal/domain"
)

// ErrNegativeQuantity 服务端返回了负数量，整次对账作废
var ErrNegativeQuantity = errors.New("negative quantity in server records")

// portfolioRecord GET /portfolio 的单条持仓
type portfolioRecord struct {
	Instrument   domain.InstrumentRef `json:"instrument"`
	Quantity     decimal.Decimal      `json:"quantity"`
	AveragePrice decimal.Decimal      `json:"average_price"`
	CurrentValue decimal.NullDecimal  `json:"current_value"`
}

// transactionRecord GET /transactions 的单条成交
type transactionRecord struct {
	ID         recordID             `json:"id"`
	Instrument domain.InstrumentRef `json:"instrument"`
	Type       string               `json:"type"`
	Quantity   decimal.Decimal      `json:"quantity"`
	Price      decimal.Decimal      `json:"price"`
	Timestamp  timestamp            `json:"timestamp"`
}

// recordID 数字或字符串形式的 id 统一成字符串
type recordID string

func (r *recordID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = recordID(s)
		return nil
	}
	if bytes.Equal(b, []byte("null")) {
		*r = ""
		return nil
	}
	*r = recordID(b)
	return nil
}

// timestamp 接受 RFC3339 字符串、unix 秒或毫秒
type timestamp time.Time

func (t *timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*t = timestamp(time.Time{})
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			*t = timestamp(fromUnix(n))
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return errors.Wrapf(err, "timestamp %q", s)
		}
		*t = timestamp(parsed.UTC())
		return nil
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return errors.Wrapf(err, "timestamp %s", b)
	}
	*t = timestamp(fromUnix(n))
	return nil
}

// fromUnix 大于 1e12 视为毫秒
func fromUnix(n int64) time.Time {
	if n > 1_000_000_000_000 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

// decodeList 列表可以是裸数组，也可以包在 {"<key>": [...]} 里
func decodeList[T any](body []byte, key string) ([]T, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return nil, nil
	}
	var out []T
	if body[0] == '[' {
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, errors.Wrap(err, "decode list")
		}
		return out, nil
	}
	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, errors.Wrap(err, "decode object")
	}
	raw, ok := wrapped[key]
	if !ok {
		return nil, errors.Errorf("response has no %q field", key)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.Wrapf(err, "decode %s", key)
	}
	return out, nil
}

// toHoldings 数量为 0 的记录丢弃，任何负数量让整批失败
func toHoldings(records []portfolioRecord) ([]domain.Holding, error) {
	holdings := make([]domain.Holding, 0, len(records))
	seen := make(map[string]int, len(records))
	for _, r := range records {
		if r.Instrument.IsZero() {
			return nil, errors.New("portfolio record without instrument")
		}
		if r.Quantity.IsNegative() || r.AveragePrice.IsNegative() {
			return nil, errors.Wrapf(ErrNegativeQuantity, "holding %s quantity %s avg %s", r.Instrument, r.Quantity, r.AveragePrice)
		}
		if r.Quantity.IsZero() {
			continue
		}
		// 同一标的重复出现时合并（加权均价）
		if i, ok := seen[r.Instrument.Key()]; ok {
			h := &holdings[i]
			qty := h.Quantity.Add(r.Quantity)
			h.AverageCost = h.AverageCost.Mul(h.Quantity).Add(r.AveragePrice.Mul(r.Quantity)).Div(qty)
			h.Quantity = qty
			continue
		}
		seen[r.Instrument.Key()] = len(holdings)
		holdings = append(holdings, domain.Holding{Ref: r.Instrument, Quantity: r.Quantity, AverageCost: r.AveragePrice})
	}
	return holdings, nil
}

func toTransactions(records []transactionRecord) ([]domain.Transaction, error) {
	txs := make([]domain.Transaction, 0, len(records))
	for _, r := range records {
		if r.Quantity.IsNegative() {
			return nil, errors.Wrapf(ErrNegativeQuantity, "transaction %s quantity %s", r.ID, r.Quantity)
		}
		if r.Quantity.IsZero() {
			continue
		}
		side, err := domain.ParseSide(r.Type)
		if err != nil {
			return nil, errors.Wrapf(err, "transaction %s", r.ID)
		}
		txs = append(txs, domain.Transaction{
			ID:        strings.TrimSpace(string(r.ID)),
			Ref:       r.Instrument,
			Side:      side,
			Quantity:  r.Quantity,
			Price:     r.Price,
			Timestamp: time.Time(r.Timestamp),
		})
	}
	return txs, nil
}

// decodeBalance 对象形式的 portfolio 可以附带 balance
func decodeBalance(body []byte) (decimal.NullDecimal, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return decimal.NullDecimal{}, nil
	}
	var payload struct {
		Balance decimal.NullDecimal `json:"balance"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return decimal.NullDecimal{}, errors.Wrap(err, "decode balance")
	}
	if payload.Balance.Valid && payload.Balance.Decimal.IsNegative() {
		return decimal.NullDecimal{}, errors.Errorf("negative balance %s", payload.Balance.Decimal)
	}
	return payload.Balance, nil
}
