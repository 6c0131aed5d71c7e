package response

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/ksred/semicrypto-api/internal/types"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func handleWith(method string, data interface{}, err error) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(method, "/", nil)
	Handle(c, data, err)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON body %q: %v", w.Body.String(), err)
	}
	return resp
}

func TestHandle_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", types.NotFound("STOCK_NOT_FOUND", "Stock not found"), http.StatusNotFound, "STOCK_NOT_FOUND"},
		{"validation", types.Validation("bad quantity"), http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
		{"insufficient funds", types.InsufficientFunds("Insufficient funds"), http.StatusBadRequest, "INSUFFICIENT_FUNDS"},
		{"insufficient holdings", types.InsufficientHoldings("Insufficient holdings"), http.StatusBadRequest, "INSUFFICIENT_HOLDINGS"},
		{"invalid state", types.InvalidState("INVALID_ORDER_STATUS", "Cannot cancel"), http.StatusBadRequest, "INVALID_ORDER_STATUS"},
		{"conflict", types.Conflict("EMAIL_EXISTS", "taken"), http.StatusConflict, "EMAIL_EXISTS"},
		{"unauthorized", types.Unauthorized("INVALID_CREDENTIALS", "nope"), http.StatusUnauthorized, "INVALID_CREDENTIALS"},
		{"wrapped domain error", fmt.Errorf("outer: %w", types.NotFound("ORDER_NOT_FOUND", "Order not found")), http.StatusNotFound, "ORDER_NOT_FOUND"},
		{"outcome unknown", types.OutcomeUnknown("retry with the same key"), http.StatusGatewayTimeout, "OUTCOME_UNKNOWN"},
		{"gorm not found", gorm.ErrRecordNotFound, http.StatusNotFound, ErrCodeNotFound},
		{"gorm duplicate", gorm.ErrDuplicatedKey, http.StatusConflict, ErrCodeDuplicateResource},
		{"unknown", errors.New("disk on fire"), http.StatusInternalServerError, ErrCodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := handleWith(http.MethodGet, nil, tt.err)
			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
			resp := decode(t, w)
			if resp.Success {
				t.Error("success should be false")
			}
			if resp.Error == nil || resp.Error.Code != tt.code {
				t.Errorf("error = %+v, want code %s", resp.Error, tt.code)
			}
		})
	}
}

func TestHandle_InternalErrorHidesDetails(t *testing.T) {
	w := handleWith(http.MethodGet, nil, errors.New("connection string with password"))
	resp := decode(t, w)
	if resp.Error.Message != "An unexpected error occurred" {
		t.Errorf("message = %q, internal details leaked", resp.Error.Message)
	}
}

func TestSuccess_StatusByMethod(t *testing.T) {
	if w := handleWith(http.MethodPost, gin.H{"id": "1"}, nil); w.Code != http.StatusCreated {
		t.Errorf("POST status = %d, want 201", w.Code)
	}
	if w := handleWith(http.MethodPut, gin.H{"id": "1"}, nil); w.Code != http.StatusOK {
		t.Errorf("PUT status = %d, want 200", w.Code)
	}
}
