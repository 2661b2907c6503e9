package models

import "errors"

// Domain error kinds. All are recoverable by the caller; handlers map each to
// a stable HTTP status. Wrap with fmt.Errorf("...: %w", Err...) to attach
// detail while keeping errors.Is checks working.
var (
	ErrEmptyCart           = errors.New("cart is empty")
	ErrInvalidCoupon       = errors.New("invalid or expired coupon")
	ErrProductUnavailable  = errors.New("product unavailable")
	ErrOutOfStock          = errors.New("out of stock")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrNotAuthorized       = errors.New("not authorized")
	ErrNotFound            = errors.New("not found")
	ErrConcurrencyConflict = errors.New("concurrent modification detected")
	ErrInvalidQuantity     = errors.New("quantity must be at least 1")
)

// StorageError wraps persistence-layer failures (connectivity, timeouts) so
// they are never conflated with the domain kinds above.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return "storage: " + e.Op + ": " + e.Err.Error() }

func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError wraps err as a StorageError; nil stays nil.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// IsStorageError reports whether err is a persistence failure.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
