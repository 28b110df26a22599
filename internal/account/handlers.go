package account

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/betbot/tradesim/internal/domain"
)

func (l *Ledger) bump() {
	l.state.Version++
}

func (l *Ledger) handleSetBalance(balance decimal.Decimal) error {
	if balance.IsNegative() {
		return errors.Wrapf(ErrInvalidState, "negative balance %s", balance)
	}
	l.state.Balance = balance
	l.bump()
	return nil
}

// handleApplyOptimistic 买入：余额扣 p*q，均价 (oldAvg*oldQty + p*q)/(oldQty+q)；
// 卖出：余额加 p*q，数量减 q，归零即移除，均价不变。
func (l *Ledger) handleApplyOptimistic(inst domain.Instrument, order domain.PendingOrder) (*Delta, error) {
	if !order.Quantity.IsPositive() || !order.PriceAtSubmission.IsPositive() {
		return nil, errors.Wrapf(ErrInvalidState, "quantity %s price %s", order.Quantity, order.PriceAtSubmission)
	}
	notional := order.Notional()
	idx := l.state.HoldingIndex(func(ref domain.InstrumentRef) bool {
		return inst.Matches(ref) || ref.Key() == order.Ref.Key()
	})

	delta := &Delta{
		Order:       order,
		PrevBalance: l.state.Balance,
		HoldingRef:  order.Ref,
	}
	if idx >= 0 {
		prev := l.state.Holdings[idx]
		delta.PrevHolding = &prev
		delta.HoldingRef = prev.Ref
	}

	switch order.Side {
	case domain.SideBuy:
		if l.state.Balance.LessThan(notional) {
			return nil, errors.Wrapf(ErrInsufficientFunds, "need %s, balance %s", notional, l.state.Balance)
		}
		l.state.Balance = l.state.Balance.Sub(notional)
		if idx < 0 {
			l.state.Holdings = append(l.state.Holdings, domain.Holding{
				Ref:         order.Ref,
				Quantity:    order.Quantity,
				AverageCost: order.PriceAtSubmission,
			})
		} else {
			h := &l.state.Holdings[idx]
			newQty := h.Quantity.Add(order.Quantity)
			h.AverageCost = h.AverageCost.Mul(h.Quantity).Add(notional).Div(newQty)
			h.Quantity = newQty
		}

	case domain.SideSell:
		if idx < 0 || l.state.Holdings[idx].Quantity.LessThan(order.Quantity) {
			held := decimal.Zero
			if idx >= 0 {
				held = l.state.Holdings[idx].Quantity
			}
			return nil, errors.Wrapf(ErrInsufficientQuantity, "sell %s of %s, holding %s", order.Quantity, order.Ref, held)
		}
		l.state.Balance = l.state.Balance.Add(notional)
		h := &l.state.Holdings[idx]
		h.Quantity = h.Quantity.Sub(order.Quantity)
		if h.Quantity.IsZero() {
			l.state.Holdings = append(l.state.Holdings[:idx], l.state.Holdings[idx+1:]...)
		}

	default:
		return nil, errors.Wrapf(ErrInvalidState, "unknown side %q", order.Side)
	}

	l.bump()
	delta.AppliedVersion = l.state.Version
	delta.Balance = l.state.Balance
	ledgerLog.Debugf("optimistic %s %s %s @ %s, balance %s -> %s",
		order.Side, order.Quantity, order.Ref, order.PriceAtSubmission, delta.PrevBalance, delta.Balance)
	return delta, nil
}

// handleCompensate 仅当 delta 之后没有其它写入时恢复变更前的余额和持仓
func (l *Ledger) handleCompensate(delta *Delta) error {
	if l.state.Version != delta.AppliedVersion {
		return errors.Wrapf(ErrStaleDelta, "applied at v%d, now v%d", delta.AppliedVersion, l.state.Version)
	}
	l.state.Balance = delta.PrevBalance

	key := delta.HoldingRef.Key()
	idx := l.state.HoldingIndex(func(ref domain.InstrumentRef) bool { return ref.Key() == key })
	switch {
	case delta.PrevHolding == nil && idx >= 0:
		l.state.Holdings = append(l.state.Holdings[:idx], l.state.Holdings[idx+1:]...)
	case delta.PrevHolding != nil && idx >= 0:
		l.state.Holdings[idx] = *delta.PrevHolding
	case delta.PrevHolding != nil && idx < 0:
		l.state.Holdings = append(l.state.Holdings, *delta.PrevHolding)
	}
	l.bump()
	ledgerLog.Infof("compensated %s %s %s, balance back to %s",
		delta.Order.Side, delta.Order.Quantity, delta.Order.Ref, delta.PrevBalance)
	return nil
}

func (l *Ledger) handleReplace(auth Authoritative) error {
	if auth.Balance.Valid && auth.Balance.Decimal.IsNegative() {
		return errors.Wrapf(ErrInvalidState, "negative balance %s", auth.Balance.Decimal)
	}
	for _, h := range auth.Holdings {
		if h.Quantity.IsNegative() || h.AverageCost.IsNegative() {
			return errors.Wrapf(ErrInvalidState, "holding %s quantity %s avg %s", h.Ref, h.Quantity, h.AverageCost)
		}
	}
	if auth.Balance.Valid {
		l.state.Balance = auth.Balance.Decimal
	}
	l.state.Holdings = auth.Holdings
	l.state.Transactions = auth.Transactions
	l.bump()
	return nil
}

func (l *Ledger) handleRestore(state domain.AccountState) error {
	if l.state.Version != 0 {
		return errors.Errorf("ledger already at v%d, skip restore", l.state.Version)
	}
	if state.Balance.IsNegative() {
		return errors.Wrapf(ErrInvalidState, "negative balance %s", state.Balance)
	}
	l.state = state
	if l.state.Version == 0 {
		l.bump()
	}
	return nil
}
