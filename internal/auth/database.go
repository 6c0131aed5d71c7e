package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ksred/semicrypto-api/internal/types"
	"gorm.io/gorm"
)

var errRefreshTokenNotFound = errors.New("refresh token not found")

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// CreateUserWithPortfolio inserts a user, its portfolio and its first
// refresh token atomically
func (d *Database) CreateUserWithPortfolio(ctx context.Context, user *types.User, portfolio *types.Portfolio, token *types.RefreshToken) error {
	tx := d.db.WithContext(ctx).Begin()
	if err := tx.Error; err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := tx.Create(user).Error; err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Create(portfolio).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to create portfolio: %w", err)
	}
	if err := tx.Create(token).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to store refresh token: %w", err)
	}

	return tx.Commit().Error
}

func (d *Database) GetUserByEmail(ctx context.Context, email string) (*types.User, error) {
	var user types.User
	if err := d.db.WithContext(ctx).Where("email = ?", email).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

func (d *Database) GetUserByUserID(ctx context.Context, userID string) (*types.User, error) {
	var user types.User
	if err := d.db.WithContext(ctx).Where("user_id = ?", userID).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

// GetUsersByUserIDs returns the users with the given ids; unknown ids are skipped
func (d *Database) GetUsersByUserIDs(ctx context.Context, userIDs []string) ([]types.User, error) {
	users := []types.User{}
	if len(userIDs) == 0 {
		return users, nil
	}
	if err := d.db.WithContext(ctx).Where("user_id IN ?", userIDs).Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

// RecordLogin stores a new refresh token and the login time
func (d *Database) RecordLogin(ctx context.Context, userID string, at time.Time, token *types.RefreshToken) error {
	tx := d.db.WithContext(ctx).Begin()
	if err := tx.Error; err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}

	if err := tx.Model(&types.User{}).Where("user_id = ?", userID).Update("last_login", at).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to update last login: %w", err)
	}
	if err := tx.Create(token).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to store refresh token: %w", err)
	}

	return tx.Commit().Error
}

// RotateRefreshToken replaces old with next. It fails with
// errRefreshTokenNotFound if old is unknown or already used.
func (d *Database) RotateRefreshToken(ctx context.Context, userID, old string, next *types.RefreshToken) error {
	tx := d.db.WithContext(ctx).Begin()
	if err := tx.Error; err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}

	result := tx.Unscoped().Where("user_id = ? AND token = ?", userID, old).Delete(&types.RefreshToken{})
	if result.Error != nil {
		tx.Rollback()
		return fmt.Errorf("failed to revoke refresh token: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		tx.Rollback()
		return errRefreshTokenNotFound
	}
	if err := tx.Create(next).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to store refresh token: %w", err)
	}

	return tx.Commit().Error
}

// DeleteRefreshToken revokes one of the user's refresh tokens
func (d *Database) DeleteRefreshToken(ctx context.Context, userID, token string) error {
	return d.db.WithContext(ctx).Unscoped().
		Where("user_id = ? AND token = ?", userID, token).
		Delete(&types.RefreshToken{}).Error
}

// DeleteExpiredRefreshTokens removes tokens that can no longer be used
func (d *Database) DeleteExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error) {
	result := d.db.WithContext(ctx).Unscoped().Where("expires_at < ?", now).Delete(&types.RefreshToken{})
	return result.RowsAffected, result.Error
}

func (d *Database) MarkEmailVerified(ctx context.Context, userID string) error {
	return d.db.WithContext(ctx).Model(&types.User{}).
		Where("user_id = ?", userID).
		Update("is_email_verified", true).Error
}
