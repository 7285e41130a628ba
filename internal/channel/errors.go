package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Category classifies a send failure for retry/stop policy
type Category string

const (
	CategoryConnection Category = "connection"
	CategorySession    Category = "session"
	CategoryRateLimit  Category = "rate_limit"
	CategoryBanned     Category = "banned_recipient"
	CategoryInvalid    Category = "invalid_recipient"
	CategoryTimeout    Category = "timeout"
	CategoryUnknown    Category = "unknown"
)

// Error is a categorized channel failure. Clients wrap their protocol
// errors in it so the engine can classify outcomes without knowing the
// protocol.
type Error struct {
	Category Category
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Category)
	}
	return fmt.Sprintf("%s: %v", e.Category, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a category
func NewError(cat Category, err error) *Error {
	return &Error{Category: cat, Err: err}
}

// Classify extracts the failure category from an error
func Classify(err error) Category {
	if err == nil {
		return ""
	}

	var ce *Error
	if errors.As(err, &ce) {
		return ce.Category
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}

	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return CategoryTimeout
		}
		return CategoryConnection
	}

	return CategoryUnknown
}

// Fatal reports whether the category indicates account-level breakage that
// must halt the whole campaign, not just fail one task
func Fatal(cat Category) bool {
	return cat == CategoryConnection || cat == CategorySession
}

// Retryable reports whether a task failing with this category may be
// revisited by a retry path
func Retryable(cat Category) bool {
	switch cat {
	case CategoryBanned, CategoryInvalid:
		return false
	}
	return true
}
