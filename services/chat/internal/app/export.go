package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatassist/pkg/domain"
	"chatassist/pkg/storage"
)

const markdownContentType = "text/markdown; charset=utf-8"

// Export is a downloadable transcript.
type Export struct {
	ConversationID string    `json:"conversationId"`
	Key            string    `json:"key"`
	URL            string    `json:"url"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

func exportKey(userID, conversationID string) string {
	return "exports/" + userID + "/" + conversationID + ".md"
}

// ExportConversation renders the conversation as Markdown, uploads it and
// returns a presigned download URL. A later export overwrites the object.
func (a *App) ExportConversation(ctx context.Context, user domain.User, conversationID string) (Export, error) {
	if a.objects == nil {
		return Export{}, ErrExportDisabled
	}
	conv, err := a.readableConversation(ctx, user, conversationID)
	if err != nil {
		return Export{}, err
	}
	messages, err := a.store.ListMessages(ctx, conv.ID)
	if err != nil {
		return Export{}, fmt.Errorf("list conversation messages: %w", err)
	}
	now := a.now()
	body := renderMarkdown(conv, messages, now)
	key := exportKey(conv.UserID, conv.ID)
	if err := a.objects.Put(ctx, key, bytes.NewReader(body), int64(len(body)), markdownContentType); err != nil {
		return Export{}, fmt.Errorf("upload export: %w", err)
	}
	url, err := a.objects.PresignGet(ctx, key, exportFilename(conv), a.exportURLExpiry)
	if err != nil {
		return Export{}, fmt.Errorf("presign export: %w", err)
	}
	a.logger.Info("conversation exported", "user_id", user.ID, "conversation_id", conv.ID, "messages", len(messages))
	return Export{ConversationID: conv.ID, Key: key, URL: url, ExpiresAt: now.Add(a.exportURLExpiry)}, nil
}

func (a *App) removeExport(ctx context.Context, userID, conversationID string) {
	if a.objects == nil {
		return
	}
	err := a.objects.Delete(ctx, exportKey(userID, conversationID))
	if err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
		a.logger.Warn("export not removed", "user_id", userID, "conversation_id", conversationID, "err", err)
	}
}

func renderMarkdown(conv domain.Conversation, messages []domain.Message, exportedAt time.Time) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", conv.Title)
	fmt.Fprintf(&b, "_Model: %s. Exported %s._\n", conv.Model, exportedAt.Format(time.RFC3339))
	for _, m := range messages {
		speaker := "You"
		if m.Role == domain.MessageRoleAssistant {
			speaker = "Assistant"
		}
		fmt.Fprintf(&b, "\n## %s (%s)\n\n%s\n", speaker, m.CreatedAt.UTC().Format(time.RFC3339), m.Content)
	}
	return []byte(b.String())
}

// exportFilename keeps letters, digits and dashes of the title.
func exportFilename(conv domain.Conversation) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r == ' ':
			return '-'
		}
		return -1
	}, conv.Title)
	name = strings.Trim(name, "-")
	if name == "" {
		name = conv.ID
	}
	return name + ".md"
}
