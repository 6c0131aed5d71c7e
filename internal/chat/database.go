package chat

import (
	"context"
	"errors"
	"time"

	"github.com/ksred/semicrypto-api/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// conversationRow is one partner in a user's conversation list
type conversationRow struct {
	PartnerID   string
	LastID      uint
	UnreadCount int64
}

func (d *Database) CreateMessage(ctx context.Context, message *types.ChatMessage) error {
	return d.db.WithContext(ctx).Create(message).Error
}

func (d *Database) GetMessage(ctx context.Context, messageID string) (*types.ChatMessage, error) {
	var message types.ChatMessage
	if err := d.db.WithContext(ctx).Where("message_id = ?", messageID).First(&message).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &message, nil
}

func conversation(db *gorm.DB, a, b string) *gorm.DB {
	return db.Model(&types.ChatMessage{}).
		Where("(sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?)", a, b, b, a)
}

// ListConversation returns one page of the messages between a and b, newest
// first, and the total number of messages between them
func (d *Database) ListConversation(ctx context.Context, a, b string, limit, offset int) ([]types.ChatMessage, int64, error) {
	db := d.db.WithContext(ctx)

	var total int64
	if err := conversation(db, a, b).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	messages := []types.ChatMessage{}
	if err := conversation(db, a, b).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Offset(offset).
		Find(&messages).Error; err != nil {
		return nil, 0, err
	}
	return messages, total, nil
}

// MarkConversationRead marks every unread message from sender to recipient as read
func (d *Database) MarkConversationRead(ctx context.Context, senderID, recipientID string, at time.Time) (int64, error) {
	result := d.db.WithContext(ctx).Model(&types.ChatMessage{}).
		Where("sender_id = ? AND recipient_id = ? AND is_read = ?", senderID, recipientID, false).
		Updates(map[string]interface{}{"is_read": true, "read_at": at})
	return result.RowsAffected, result.Error
}

// MarkRead marks a message as read if recipientID received it
func (d *Database) MarkRead(ctx context.Context, messageID, recipientID string, at time.Time) (bool, error) {
	result := d.db.WithContext(ctx).Model(&types.ChatMessage{}).
		Where("message_id = ? AND recipient_id = ?", messageID, recipientID).
		Updates(map[string]interface{}{"is_read": true, "read_at": at})
	return result.RowsAffected == 1, result.Error
}

// DeleteMessage removes a message if senderID sent it
func (d *Database) DeleteMessage(ctx context.Context, messageID, senderID string) (bool, error) {
	result := d.db.WithContext(ctx).
		Where("message_id = ? AND sender_id = ?", messageID, senderID).
		Delete(&types.ChatMessage{})
	return result.RowsAffected == 1, result.Error
}

// ListConversations returns the user's conversation partners, most recent
// first, with the id of the latest message and the unread count
func (d *Database) ListConversations(ctx context.Context, userID string, limit int) ([]conversationRow, error) {
	var rows []conversationRow
	err := d.db.WithContext(ctx).Raw(`
		SELECT
			CASE WHEN sender_id = ? THEN recipient_id ELSE sender_id END AS partner_id,
			MAX(id) AS last_id,
			SUM(CASE WHEN recipient_id = ? AND is_read = ? THEN 1 ELSE 0 END) AS unread_count
		FROM chat_messages
		WHERE (sender_id = ? OR recipient_id = ?) AND deleted_at IS NULL
		GROUP BY partner_id
		ORDER BY last_id DESC
		LIMIT ?`,
		userID, userID, false, userID, userID, limit,
	).Scan(&rows).Error
	return rows, err
}

// GetMessagesByIDs loads messages by primary key
func (d *Database) GetMessagesByIDs(ctx context.Context, ids []uint) (map[uint]types.ChatMessage, error) {
	byID := make(map[uint]types.ChatMessage, len(ids))
	if len(ids) == 0 {
		return byID, nil
	}

	var messages []types.ChatMessage
	if err := d.db.WithContext(ctx).Where("id IN ?", ids).Find(&messages).Error; err != nil {
		return nil, err
	}
	for _, m := range messages {
		byID[m.ID] = m
	}
	return byID, nil
}
