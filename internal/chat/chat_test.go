package chat

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/ksred/semicrypto-api/internal/auth"
	"github.com/ksred/semicrypto-api/internal/database/databasetest"
	"github.com/ksred/semicrypto-api/internal/types"
	"github.com/rs/zerolog"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	os.Exit(m.Run())
}

type fixture struct {
	svc        *Service
	ada, grace string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := databasetest.New(t)
	users := auth.NewService(db, auth.Options{JWTSecret: "a", RefreshTokenSecret: "r", StartingCash: 100})

	ids := make([]string, 0, 2)
	for _, email := range []string{"ada@example.com", "grace@example.com"} {
		u, _, err := users.Register(context.Background(), auth.RegisterRequest{
			Email: email, Password: "password123", FirstName: "Test", LastName: "User",
		})
		if err != nil {
			t.Fatalf("register %s: %v", email, err)
		}
		ids = append(ids, u.UserID)
	}

	return &fixture{svc: NewService(db, users), ada: ids[0], grace: ids[1]}
}

func (f *fixture) send(t *testing.T, from, to, content string) *types.ChatMessage {
	t.Helper()
	m, err := f.svc.SendMessage(context.Background(), from, to, content)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	return m
}

func code(err error) string {
	var appErr *types.Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

func TestSendMessage_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.SendMessage(ctx, f.ada, f.grace, "   "); code(err) != "EMPTY_MESSAGE" {
		t.Errorf("blank content: got %v", err)
	}
	if _, err := f.svc.SendMessage(ctx, f.ada, f.grace, strings.Repeat("x", MaxContentLength+1)); !errors.Is(err, types.ErrValidation) {
		t.Errorf("long content: got %v", err)
	}
	if _, err := f.svc.SendMessage(ctx, f.ada, "missing", "hi"); code(err) != "RECIPIENT_NOT_FOUND" {
		t.Errorf("unknown recipient: got %v", err)
	}
	if _, err := f.svc.SendMessage(ctx, f.ada, f.ada, "hi"); code(err) != "INVALID_RECIPIENT" {
		t.Errorf("self message: got %v", err)
	}

	m := f.send(t, f.ada, f.grace, "  hello  ")
	if m.Content != "hello" || m.IsRead {
		t.Errorf("message = %+v", m)
	}
}

func TestGetMessages_ChronologicalAndMarksRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.send(t, f.ada, f.grace, "one")
	f.send(t, f.grace, f.ada, "two")
	f.send(t, f.ada, f.grace, "three")

	messages, page, err := f.svc.GetMessages(ctx, f.grace, f.ada, 0, 0)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if page.Total != 3 || page.Limit != defaultMessageLimit {
		t.Errorf("page = %+v", page)
	}
	var got []string
	for _, m := range messages {
		got = append(got, m.Content)
	}
	if strings.Join(got, ",") != "one,two,three" {
		t.Errorf("messages = %v, want chronological", got)
	}

	// Grace read Ada's messages; Ada has not read Grace's
	convs, err := f.svc.GetConversations(ctx, f.grace)
	if err != nil {
		t.Fatalf("GetConversations: %v", err)
	}
	if len(convs) != 1 || convs[0].UnreadCount != 0 {
		t.Errorf("grace conversations = %+v", convs)
	}
	convs, err = f.svc.GetConversations(ctx, f.ada)
	if err != nil {
		t.Fatalf("GetConversations: %v", err)
	}
	if len(convs) != 1 || convs[0].UnreadCount != 1 || convs[0].UserID != f.grace {
		t.Fatalf("ada conversations = %+v", convs)
	}
	if convs[0].User == nil || convs[0].User.Email != "grace@example.com" {
		t.Errorf("conversation user = %+v", convs[0].User)
	}
	if convs[0].LastMessageTime.IsZero() || time.Since(convs[0].LastMessageTime) > time.Minute {
		t.Errorf("last message time = %v", convs[0].LastMessageTime)
	}

	if _, _, err := f.svc.GetMessages(ctx, f.ada, f.grace, 101, 0); !errors.Is(err, types.ErrValidation) {
		t.Errorf("limit 101: got %v", err)
	}
	if _, _, err := f.svc.GetMessages(ctx, f.ada, "missing", 10, 0); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("unknown partner: got %v", err)
	}
}

func TestGetMessages_Paginates(t *testing.T) {
	f := newFixture(t)
	for _, content := range []string{"a", "b", "c", "d"} {
		f.send(t, f.ada, f.grace, content)
	}

	messages, page, err := f.svc.GetMessages(context.Background(), f.ada, f.grace, 2, 0)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(messages) != 2 || page.Total != 4 {
		t.Fatalf("got %d messages, page %+v", len(messages), page)
	}
	if messages[0].Content != "c" || messages[1].Content != "d" {
		t.Errorf("first page should hold the newest messages oldest first, got %s,%s", messages[0].Content, messages[1].Content)
	}
}

func TestMarkAsRead_RecipientOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.send(t, f.ada, f.grace, "hi")

	if _, err := f.svc.MarkAsRead(ctx, f.ada, m.MessageID); code(err) != "MESSAGE_NOT_FOUND" {
		t.Errorf("sender marking read: got %v", err)
	}

	read, err := f.svc.MarkAsRead(ctx, f.grace, m.MessageID)
	if err != nil {
		t.Fatalf("MarkAsRead: %v", err)
	}
	if !read.IsRead || read.ReadAt == nil {
		t.Errorf("message = %+v", read)
	}
}

func TestDeleteMessage_SenderOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.send(t, f.ada, f.grace, "oops")

	if err := f.svc.DeleteMessage(ctx, f.grace, m.MessageID); code(err) != "MESSAGE_NOT_FOUND" {
		t.Errorf("recipient deleting: got %v", err)
	}
	if err := f.svc.DeleteMessage(ctx, f.ada, m.MessageID); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	if err := f.svc.DeleteMessage(ctx, f.ada, m.MessageID); code(err) != "MESSAGE_NOT_FOUND" {
		t.Errorf("second delete: got %v", err)
	}

	messages, _, err := f.svc.GetMessages(ctx, f.ada, f.grace, 10, 0)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(messages) != 0 {
		t.Errorf("deleted message still listed")
	}
	convs, err := f.svc.GetConversations(ctx, f.ada)
	if err != nil {
		t.Fatalf("GetConversations: %v", err)
	}
	if len(convs) != 0 {
		t.Errorf("conversations = %+v, want none", convs)
	}
}
