package store

import (
	"encoding/json"

	"gorm.io/datatypes"

	"chatassist/pkg/domain"
)

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Email:        u.Email,
		Tier:         string(u.Tier),
		MessageCount: u.MessageCount,
		TokenCount:   u.TokenCount,
		Role:         string(u.Role),
		Active:       u.Active,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

// userFromModel fails on rows whose enum columns hold unknown values.
func userFromModel(m UserModel) (domain.User, error) {
	u := domain.User{
		ID:           m.ID,
		Email:        m.Email,
		Tier:         domain.Tier(m.Tier),
		MessageCount: m.MessageCount,
		TokenCount:   m.TokenCount,
		Role:         domain.UserRole(m.Role),
		Active:       m.Active,
		CreatedAt:    m.CreatedAt.UTC(),
		UpdatedAt:    m.UpdatedAt.UTC(),
	}
	return u, validateUser(u)
}

func conversationToModel(c domain.Conversation) ConversationModel {
	return ConversationModel{
		ID:        c.ID,
		UserID:    c.UserID,
		Title:     c.Title,
		Model:     c.Model,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

func conversationFromModel(m ConversationModel) (domain.Conversation, error) {
	c := domain.Conversation{
		ID:        m.ID,
		UserID:    m.UserID,
		Title:     m.Title,
		Model:     m.Model,
		CreatedAt: m.CreatedAt.UTC(),
		UpdatedAt: m.UpdatedAt.UTC(),
	}
	return c, validateConversation(c)
}

func messageToModel(msg domain.Message) MessageModel {
	return MessageModel{
		ID:               msg.ID,
		ConversationID:   msg.ConversationID,
		UserID:           msg.UserID,
		Role:             string(msg.Role),
		Content:          msg.Content,
		PromptTokens:     msg.PromptTokens,
		CompletionTokens: msg.CompletionTokens,
		CreatedAt:        msg.CreatedAt,
	}
}

func messageFromModel(m MessageModel) (domain.Message, error) {
	msg := domain.Message{
		ID:               m.ID,
		ConversationID:   m.ConversationID,
		UserID:           m.UserID,
		Role:             domain.MessageRole(m.Role),
		Content:          m.Content,
		PromptTokens:     m.PromptTokens,
		CompletionTokens: m.CompletionTokens,
		CreatedAt:        m.CreatedAt.UTC(),
	}
	return msg, validateMessage(msg)
}

func usageToModel(e domain.UsageLogEntry) UsageLogModel {
	return UsageLogModel{
		ID:           e.ID,
		UserID:       e.UserID,
		MessageID:    e.MessageID,
		TokensUsed:   e.TokensUsed,
		CostEstimate: e.CostEstimate,
		CreatedAt:    e.CreatedAt,
	}
}

func usageFromModel(m UsageLogModel) domain.UsageLogEntry {
	return domain.UsageLogEntry{
		ID:           m.ID,
		UserID:       m.UserID,
		MessageID:    m.MessageID,
		TokensUsed:   m.TokensUsed,
		CostEstimate: m.CostEstimate,
		CreatedAt:    m.CreatedAt.UTC(),
	}
}

func settingsToModel(s domain.ChatSettings) ChatSettingsModel {
	return ChatSettingsModel{
		UserID:      s.UserID,
		Model:       s.Model,
		Temperature: s.Temperature,
		MaxTokens:   s.MaxTokens,
		UpdatedAt:   s.UpdatedAt,
	}
}

func settingsFromModel(m ChatSettingsModel) domain.ChatSettings {
	return domain.ChatSettings{
		UserID:      m.UserID,
		Model:       m.Model,
		Temperature: m.Temperature,
		MaxTokens:   m.MaxTokens,
		UpdatedAt:   m.UpdatedAt.UTC(),
	}
}

func adminLogToModel(l domain.AdminLog) (AdminLogModel, error) {
	details, err := encodeDetails(l.Details)
	if err != nil {
		return AdminLogModel{}, err
	}
	return AdminLogModel{
		ID:           l.ID,
		AdminID:      l.AdminID,
		Action:       string(l.Action),
		TargetUserID: l.TargetUserID,
		Details:      datatypes.JSON(details),
		CreatedAt:    l.CreatedAt,
	}, nil
}

func adminLogFromModel(m AdminLogModel) (domain.AdminLog, error) {
	details, err := decodeDetails(m.Details)
	if err != nil {
		return domain.AdminLog{}, invalid("admin log %s details: %v", m.ID, err)
	}
	return domain.AdminLog{
		ID:           m.ID,
		AdminID:      m.AdminID,
		Action:       domain.AdminAction(m.Action),
		TargetUserID: m.TargetUserID,
		Details:      details,
		CreatedAt:    m.CreatedAt.UTC(),
	}, nil
}

func encodeDetails(details map[string]string) ([]byte, error) {
	if len(details) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(details)
}

func decodeDetails(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out map[string]string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}
