package migrations

import (
	"github.com/ksred/semicrypto-api/internal/types"
	"gorm.io/gorm"
)

// CreateCoreTables creates every table the API persists to
func CreateCoreTables(db *gorm.DB) error {
	return db.AutoMigrate(
		&types.User{},
		&types.RefreshToken{},
		&types.Stock{},
		&types.Portfolio{},
		&types.Holding{},
		&types.Order{},
		&types.IdempotencyRecord{},
		&types.ChatMessage{},
	)
}
