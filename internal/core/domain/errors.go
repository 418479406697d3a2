package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRequest    = errors.New("invalid request")
	ErrInvalidBasket     = fmt.Errorf("%w: invalid basket", ErrInvalidRequest)
	ErrProductNotFound   = errors.New("one or more products not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrConcurrentUpdate means the guarded stock update lost a race or the
	// database aborted the transaction to break a deadlock. Safe to retry.
	ErrConcurrentUpdate = errors.New("concurrent stock update")

	ErrMissingCredential = errors.New("missing credential")
	ErrInvalidCredential = errors.New("invalid credential")
)

// StockError names the product that could not cover the requested quantity.
type StockError struct {
	ProductID   string
	ProductName string
	Requested   int
	Available   int
}

func (e *StockError) Error() string {
	name := e.ProductName
	if name == "" {
		name = e.ProductID
	}
	return fmt.Sprintf("insufficient stock for %s", name)
}

func (e *StockError) Unwrap() error { return ErrInsufficientStock }

type ErrorKind string

const (
	KindInvalidRequest    ErrorKind = "INVALID_REQUEST"
	KindProductNotFound   ErrorKind = "PRODUCT_NOT_FOUND"
	KindInsufficientStock ErrorKind = "INSUFFICIENT_STOCK"
	KindUnauthenticated   ErrorKind = "UNAUTHENTICATED"
	KindInternal          ErrorKind = "INTERNAL"
)

func KindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return KindInvalidRequest
	case errors.Is(err, ErrProductNotFound):
		return KindProductNotFound
	case errors.Is(err, ErrInsufficientStock):
		return KindInsufficientStock
	case errors.Is(err, ErrMissingCredential), errors.Is(err, ErrInvalidCredential):
		return KindUnauthenticated
	default:
		return KindInternal
	}
}
