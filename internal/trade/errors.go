package trade

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/betbot/tradesim/internal/account"
)

var (
	// ErrValidation 所有校验错误的总类，errors.Is(err, ErrValidation) 对下面各种校验失败都成立
	ErrValidation = errors.New("validation failed")
	// ErrInstrumentNotFound 行情缓存中找不到标的
	ErrInstrumentNotFound = errors.New("instrument not found")

	ErrInsufficientFunds    = account.ErrInsufficientFunds
	ErrInsufficientQuantity = account.ErrInsufficientQuantity
)

// ValidationCode 校验失败原因
type ValidationCode string

const (
	CodeInvalidQuantity      ValidationCode = "invalid_quantity"
	CodeInvalidSide          ValidationCode = "invalid_side"
	CodeInvalidInstrument    ValidationCode = "invalid_instrument"
	CodeInsufficientFunds    ValidationCode = "insufficient_funds"
	CodeInsufficientQuantity ValidationCode = "insufficient_quantity"
)

// ValidationError 交易前置校验失败，发生在任何状态变更和网络调用之前
type ValidationError struct {
	Code ValidationCode
	Err  error
}

func (e *ValidationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("validation failed: %s", e.Code)
	}
	return fmt.Sprintf("validation failed: %s: %v", e.Code, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Is 让 ErrValidation 匹配所有 ValidationError
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func validationErr(code ValidationCode, format string, args ...any) error {
	return &ValidationError{Code: code, Err: errors.Errorf(format, args...)}
}

// fromLedger 把账本的资金/持仓不足转换为 ValidationError
func fromLedger(err error) error {
	switch {
	case errors.Is(err, account.ErrInsufficientFunds):
		return &ValidationError{Code: CodeInsufficientFunds, Err: err}
	case errors.Is(err, account.ErrInsufficientQuantity):
		return &ValidationError{Code: CodeInsufficientQuantity, Err: err}
	}
	return err
}
