package orders

import "errors"

var (
	// ErrOrderNotFound means the operation referenced a non-existent order.
	ErrOrderNotFound = errors.New("order not found")
	// ErrInvalidState means the order's status forbids the operation.
	ErrInvalidState = errors.New("order is not open")
	// ErrVersionConflict means a concurrent writer won the optimistic race.
	ErrVersionConflict = errors.New("order version conflict")
)
