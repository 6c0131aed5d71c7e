package migrations

import (
	"gorm.io/gorm"
)

// AddQueryIndexes creates composite indexes for the hot read paths
func AddQueryIndexes(db *gorm.DB) error {
	// Using raw SQL for index creation to have more control over index types
	indexes := []string{
		// Order history is always read per user, newest first
		`CREATE INDEX IF NOT EXISTS idx_orders_user_created
		 ON orders(user_id, created_at DESC)`,

		// History filtered by status or side
		`CREATE INDEX IF NOT EXISTS idx_orders_user_status
		 ON orders(user_id, status)`,

		`CREATE INDEX IF NOT EXISTS idx_orders_user_side
		 ON orders(user_id, side)`,

		// Conversation reads
		`CREATE INDEX IF NOT EXISTS idx_chat_messages_pair_created
		 ON chat_messages(sender_id, recipient_id, created_at DESC)`,

		// Refresh token expiry sweeps
		`CREATE INDEX IF NOT EXISTS idx_refresh_tokens_expires_at
		 ON refresh_tokens(expires_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
