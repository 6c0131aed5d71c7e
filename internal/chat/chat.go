package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/semicrypto-api/internal/types"
	"github.com/ksred/semicrypto-api/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const (
	MaxContentLength = 1000

	defaultMessageLimit = 50
	maxMessageLimit     = 100
	maxConversations    = 50
)

// Directory resolves users for message routing
type Directory interface {
	GetUser(ctx context.Context, userID string) (*types.User, error)
	GetUsers(ctx context.Context, userIDs []string) (map[string]types.User, error)
}

// Publisher pushes events to a user's live connections
type Publisher interface {
	Publish(userID, eventType string, data interface{})
}

// Service handles direct messages between users
type Service struct {
	db     *Database
	users  Directory
	events Publisher
	now    func() time.Time
}

// NewService creates a new chat service with the given database connection
func NewService(gormDB *gorm.DB, users Directory) *Service {
	return &Service{
		db:    NewDatabase(gormDB),
		users: users,
		now:   time.Now,
	}
}

// SetPublisher enables delivery of new messages to connected recipients
func (s *Service) SetPublisher(p Publisher) {
	s.events = p
}

// Conversation summarizes the caller's exchange with one other user
type Conversation struct {
	UserID          string      `json:"user_id"`
	User            *types.User `json:"user,omitempty"`
	LastMessageTime time.Time   `json:"last_message_time"`
	UnreadCount     int64       `json:"unread_count"`
}

// GetMessages returns a page of the conversation between userID and
// partnerID in chronological order and marks the partner's messages as read
func (s *Service) GetMessages(ctx context.Context, userID, partnerID string, limit, offset int) ([]types.ChatMessage, types.Pagination, error) {
	if limit == 0 {
		limit = defaultMessageLimit
	}
	if limit < 1 || limit > maxMessageLimit {
		return nil, types.Pagination{}, types.Validation(fmt.Sprintf("Limit must be between 1 and %d", maxMessageLimit))
	}
	if offset < 0 {
		return nil, types.Pagination{}, types.Validation("Offset must not be negative")
	}

	if _, err := s.users.GetUser(ctx, partnerID); err != nil {
		return nil, types.Pagination{}, err
	}

	messages, total, err := s.db.ListConversation(ctx, userID, partnerID, limit, offset)
	if err != nil {
		return nil, types.Pagination{}, fmt.Errorf("failed to list messages: %w", err)
	}

	if _, err := s.db.MarkConversationRead(ctx, partnerID, userID, s.now()); err != nil {
		return nil, types.Pagination{}, fmt.Errorf("failed to mark messages read: %w", err)
	}

	// Oldest first
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, types.Pagination{Total: total, Limit: limit, Offset: offset}, nil
}

// SendMessage delivers a message from senderID to recipientID
func (s *Service) SendMessage(ctx context.Context, senderID, recipientID, content string) (*types.ChatMessage, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, types.ValidationCode("EMPTY_MESSAGE", "Message content is required")
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return nil, types.Validation(fmt.Sprintf("Message must be at most %d characters", MaxContentLength))
	}
	if recipientID == "" {
		return nil, types.Validation("Recipient ID is required")
	}

	if _, err := s.users.GetUser(ctx, recipientID); err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, types.NotFound("RECIPIENT_NOT_FOUND", "Recipient not found")
		}
		return nil, err
	}
	if recipientID == senderID {
		return nil, types.InvalidState("INVALID_RECIPIENT", "Cannot send message to yourself")
	}

	message := &types.ChatMessage{
		MessageID:   uuid.New().String(),
		SenderID:    senderID,
		RecipientID: recipientID,
		Content:     content,
	}
	if err := s.db.CreateMessage(ctx, message); err != nil {
		return nil, fmt.Errorf("failed to store message: %w", err)
	}

	log.Debug().
		Str("message_id", message.MessageID).
		Str("sender_id", senderID).
		Str("recipient_id", recipientID).
		Str("service", "chat").
		Msg("message sent")
	if s.events != nil {
		s.events.Publish(recipientID, "chat.message", map[string]interface{}{"message": message})
	}
	return message, nil
}

// GetConversations lists the caller's conversation partners, most recent first
func (s *Service) GetConversations(ctx context.Context, userID string) ([]Conversation, error) {
	rows, err := s.db.ListConversations(ctx, userID, maxConversations)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	partnerIDs := make([]string, len(rows))
	lastIDs := make([]uint, len(rows))
	for i, row := range rows {
		partnerIDs[i] = row.PartnerID
		lastIDs[i] = row.LastID
	}

	users, err := s.users.GetUsers(ctx, partnerIDs)
	if err != nil {
		return nil, err
	}
	lastMessages, err := s.db.GetMessagesByIDs(ctx, lastIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load last messages: %w", err)
	}

	conversations := make([]Conversation, 0, len(rows))
	for _, row := range rows {
		c := Conversation{
			UserID:          row.PartnerID,
			LastMessageTime: lastMessages[row.LastID].CreatedAt,
			UnreadCount:     row.UnreadCount,
		}
		if u, ok := users[row.PartnerID]; ok {
			c.User = &u
		}
		conversations = append(conversations, c)
	}
	return conversations, nil
}

// MarkAsRead marks a message received by userID as read
func (s *Service) MarkAsRead(ctx context.Context, userID, messageID string) (*types.ChatMessage, error) {
	now := s.now()
	ok, err := s.db.MarkRead(ctx, messageID, userID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to mark message read: %w", err)
	}
	if !ok {
		return nil, types.NotFound("MESSAGE_NOT_FOUND", "Message not found")
	}

	message, err := s.db.GetMessage(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch message: %w", err)
	}
	if message == nil {
		return nil, types.NotFound("MESSAGE_NOT_FOUND", "Message not found")
	}
	return message, nil
}

// DeleteMessage removes a message sent by userID
func (s *Service) DeleteMessage(ctx context.Context, userID, messageID string) error {
	ok, err := s.db.DeleteMessage(ctx, messageID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	if !ok {
		return types.NotFound("MESSAGE_NOT_FOUND", "Message not found")
	}
	return nil
}

// GinHandlers contains HTTP handlers for chat endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for chat endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GetMessagesHandler handles GET /chat/messages/:userId?limit=&offset=
func (h *GinHandlers) GetMessagesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var query struct {
			Limit  int `form:"limit"`
			Offset int `form:"offset"`
		}
		if err := c.ShouldBindQuery(&query); err != nil {
			response.ValidationFailed(c, "Limit and offset must be integers")
			return
		}

		messages, pagination, err := h.service.GetMessages(c.Request.Context(), c.GetString("userID"), c.Param("userId"), query.Limit, query.Offset)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.Success(c, gin.H{
			"messages":   messages,
			"pagination": pagination,
		})
	}
}

// SendMessageHandler handles POST /chat/messages
func (h *GinHandlers) SendMessageHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			RecipientID string `json:"recipientId" binding:"required"`
			Content     string `json:"content"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ValidationFailed(c, "Recipient ID is required")
			return
		}

		message, err := h.service.SendMessage(c.Request.Context(), c.GetString("userID"), req.RecipientID, req.Content)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.Created(c, "Message sent successfully", gin.H{"message": message})
	}
}

// GetChatUsersHandler handles GET /chat/users
func (h *GinHandlers) GetChatUsersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		conversations, err := h.service.GetConversations(c.Request.Context(), c.GetString("userID"))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.Success(c, gin.H{
			"users": conversations,
			"count": len(conversations),
		})
	}
}

// MarkAsReadHandler handles PUT /chat/messages/:messageId/read
func (h *GinHandlers) MarkAsReadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		message, err := h.service.MarkAsRead(c.Request.Context(), c.GetString("userID"), c.Param("messageId"))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.OK(c, "Message marked as read", gin.H{"message": message})
	}
}

// DeleteMessageHandler handles DELETE /chat/messages/:messageId
func (h *GinHandlers) DeleteMessageHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.service.DeleteMessage(c.Request.Context(), c.GetString("userID"), c.Param("messageId")); err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.OK(c, "Message deleted successfully", nil)
	}
}
