package domain

import (
	"errors"
	"fmt"
)

// Categories. Every specific error below matches exactly one of them
// through errors.Is.
var (
	ErrValidation  = errors.New("validation error")
	ErrPayment     = errors.New("payment error")
	ErrConsistency = errors.New("consistency error")
	ErrSideEffect  = errors.New("side effect error")
)

var (
	ErrEmptyCart           = categorized(ErrValidation, "cart is empty")
	ErrMissingCustomer     = categorized(ErrValidation, "customer name is required")
	ErrOutOfStock          = categorized(ErrValidation, "product is out of stock")
	ErrInsufficientStock   = categorized(ErrValidation, "insufficient stock")
	ErrInsufficientPayment = categorized(ErrValidation, "amount paid is less than sale total")
	ErrInvalidInput        = categorized(ErrValidation, "invalid input")

	ErrPaymentInitiation = categorized(ErrPayment, "payment initiation failed")

	ErrStockConflict       = categorized(ErrConsistency, "stock changed while committing")
	ErrQuoteNotConvertible = categorized(ErrConsistency, "quote is not convertible")
	ErrSaleNotSettled      = categorized(ErrConsistency, "sale payment is not settled")
)

type categoryError struct {
	msg      string
	category error
}

func categorized(category error, msg string) error {
	return &categoryError{msg: msg, category: category}
}

func (e *categoryError) Error() string { return e.msg }

func (e *categoryError) Is(target error) bool { return target == e.category }

// StockError names the product that failed a stock check.
type StockError struct {
	ProductID string
	Requested int
	Available int
	Err       error
}

func (e *StockError) Error() string {
	return fmt.Sprintf("%v: product %s requested %d, available %d", e.Err, e.ProductID, e.Requested, e.Available)
}

func (e *StockError) Unwrap() error { return e.Err }

func NewStockError(kind error, productID string, requested, available int) error {
	return &StockError{ProductID: productID, Requested: requested, Available: available, Err: kind}
}

const (
	DevicePrinter = "printer"
	DeviceDrawer  = "cash_drawer"
)

// SideEffectError reports a device failure after a sale was already
// settled. The sale is not rolled back.
type SideEffectError struct {
	Device string
	Err    error
}

func (e *SideEffectError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Device, e.Err)
}

func (e *SideEffectError) Unwrap() []error { return []error{ErrSideEffect, e.Err} }
