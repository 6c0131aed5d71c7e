package types

import (
	"time"

	"gorm.io/gorm"
)

type AccountStatus string

const (
	AccountActive    AccountStatus = "ACTIVE"
	AccountSuspended AccountStatus = "SUSPENDED"
	AccountDeleted   AccountStatus = "DELETED"
)

type KYCStatus string

const (
	KYCPending  KYCStatus = "PENDING"
	KYCVerified KYCStatus = "VERIFIED"
	KYCRejected KYCStatus = "REJECTED"
)

// User is a registered trader
type User struct {
	gorm.Model      `json:"-"`
	UserID          string        `gorm:"uniqueIndex" json:"id"`
	Email           string        `gorm:"uniqueIndex" json:"email"`
	PasswordHash    string        `json:"-"`
	FirstName       string        `json:"first_name"`
	LastName        string        `json:"last_name"`
	Phone           string        `json:"phone,omitempty"`
	Avatar          string        `json:"avatar,omitempty"`
	IsEmailVerified bool          `json:"is_email_verified"`
	AccountStatus   AccountStatus `json:"account_status"`
	KYCStatus       KYCStatus     `json:"kyc_status"`
	Theme           string        `json:"theme"`
	LastLogin       *time.Time    `json:"last_login,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// RefreshToken is an outstanding refresh token. Tokens are rotated on use
// and removed on logout.
type RefreshToken struct {
	gorm.Model
	Token     string    `gorm:"uniqueIndex"`
	UserID    string    `gorm:"index"`
	ExpiresAt time.Time
}
