package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorKinds(t *testing.T) {
	tests := []struct {
		err  *Error
		kind error
		code string
	}{
		{NotFound("STOCK_NOT_FOUND", "Stock not found"), ErrNotFound, "STOCK_NOT_FOUND"},
		{Validation("quantity must be greater than 0"), ErrValidation, "VALIDATION_ERROR"},
		{InsufficientFunds("Insufficient funds"), ErrInsufficientFunds, "INSUFFICIENT_FUNDS"},
		{InsufficientHoldings("Insufficient holdings"), ErrInsufficientHoldings, "INSUFFICIENT_HOLDINGS"},
		{InvalidState("INVALID_ORDER_STATUS", "Cannot cancel this order"), ErrInvalidState, "INVALID_ORDER_STATUS"},
		{Conflict("EMAIL_EXISTS", "Email already registered"), ErrConflict, "EMAIL_EXISTS"},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			if !errors.Is(tt.err, tt.kind) {
				t.Errorf("errors.Is(%v, %v) = false", tt.err, tt.kind)
			}
			if tt.err.Code != tt.code {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.code)
			}

			wrapped := fmt.Errorf("placing order: %w", tt.err)
			var appErr *Error
			if !errors.As(wrapped, &appErr) {
				t.Fatal("errors.As failed through wrapping")
			}
			if !errors.Is(wrapped, tt.kind) {
				t.Error("kind lost through wrapping")
			}
		})
	}
}
