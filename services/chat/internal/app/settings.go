package app

import (
	"context"
	"fmt"
	"math"
	"strings"

	"chatassist/pkg/domain"
	"chatassist/services/chat/internal/session"
)

const (
	minTemperature = 0
	maxTemperature = 2
	maxMaxTokens   = 32768
)

// SettingsUpdate carries the fields a user changed; nil leaves a field as is.
type SettingsUpdate struct {
	Model       *string  `json:"model"`
	Temperature *float64 `json:"temperature"`
	MaxTokens   *int     `json:"maxTokens"`
}

// Settings returns the saved settings of userID, or the defaults.
func (a *App) Settings(ctx context.Context, userID string) (domain.ChatSettings, error) {
	cs, ok, err := a.store.GetChatSettings(ctx, userID)
	if err != nil {
		return domain.ChatSettings{}, fmt.Errorf("load settings: %w", err)
	}
	if !ok {
		return domain.ChatSettings{
			UserID:      userID,
			Model:       a.defaults.Model,
			Temperature: a.defaults.Temperature,
			MaxTokens:   a.defaults.MaxTokens,
		}, nil
	}
	if !a.catalog.Contains(cs.Model) {
		cs.Model = a.defaults.Model
	}
	if cs.MaxTokens <= 0 {
		cs.MaxTokens = a.defaults.MaxTokens
	}
	return cs, nil
}

func (a *App) SaveSettings(ctx context.Context, userID string, update SettingsUpdate) (domain.ChatSettings, error) {
	cs, err := a.Settings(ctx, userID)
	if err != nil {
		return domain.ChatSettings{}, err
	}
	if update.Model != nil {
		model := strings.TrimSpace(*update.Model)
		if !a.catalog.Contains(model) {
			return domain.ChatSettings{}, fmt.Errorf("%w: unknown model %q", ErrInvalidSettings, model)
		}
		cs.Model = model
	}
	if update.Temperature != nil {
		t := *update.Temperature
		if math.IsNaN(t) || t < minTemperature || t > maxTemperature {
			return domain.ChatSettings{}, fmt.Errorf("%w: temperature must be between %d and %d", ErrInvalidSettings, minTemperature, maxTemperature)
		}
		cs.Temperature = t
	}
	if update.MaxTokens != nil {
		n := *update.MaxTokens
		if n < 1 || n > maxMaxTokens {
			return domain.ChatSettings{}, fmt.Errorf("%w: maxTokens must be between 1 and %d", ErrInvalidSettings, maxMaxTokens)
		}
		cs.MaxTokens = n
	}
	saved, err := a.store.SaveChatSettings(ctx, cs)
	if err != nil {
		return domain.ChatSettings{}, fmt.Errorf("save settings: %w", err)
	}
	return saved, nil
}

// Options resolves the generation options of userID for a session turn.
func (a *App) Options(ctx context.Context, userID string) (session.Options, error) {
	cs, err := a.Settings(ctx, userID)
	if err != nil {
		return session.Options{}, err
	}
	return session.Options{Model: cs.Model, Temperature: cs.Temperature, MaxTokens: cs.MaxTokens}, nil
}
