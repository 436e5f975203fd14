package session

import (
	"context"
	"errors"

	"chatassist/pkg/ai"
	"chatassist/pkg/domain"
	"chatassist/pkg/quota"
	"chatassist/pkg/store"
)

func (c *Controller) startTurn() *turn {
	t := &turn{id: newTurnID()}
	c.mu.Lock()
	c.turn = t
	c.setStateLocked(StateSending, t.id)
	c.mu.Unlock()
	c.flush()
	c.logger.Info("turn started", "turn_id", t.id)
	return t
}

// complete streams the reply to history and finalizes it. A cancelled
// turn never reaches Finalizing.
func (c *Controller) complete(ctx context.Context, t *turn, convID string, history []ai.ChatMessage, opts Options) (domain.Message, error) {
	started := c.now()
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	t.cancel = cancel
	c.setStateLocked(StateStreaming, t.id)
	if c.closed {
		c.cancelLocked(t)
	}
	c.mu.Unlock()
	c.flush()

	stream := c.completer.StreamComplete(streamCtx, ai.Request{
		Messages:    history,
		Model:       opts.Model,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	})
	var streamErr error
	for fragment, err := range stream.Fragments() {
		if err != nil {
			streamErr = err
			break
		}
		if !c.appendFragment(t, fragment) {
			break
		}
	}

	c.mu.Lock()
	if t.cancelled {
		c.finishLocked(t)
		c.mu.Unlock()
		c.flush()
		return domain.Message{}, ErrCancelled
	}
	if streamErr != nil {
		c.mu.Unlock()
		return domain.Message{}, c.failTurn(t, streamErr)
	}
	text := t.draft.String()
	c.setStateLocked(StateFinalizing, t.id)
	c.mu.Unlock()
	c.flush()

	usage := stream.Usage()
	reply, err := c.finalize(context.WithoutCancel(ctx), t, convID, text, usage)
	if err != nil {
		return domain.Message{}, c.failTurn(t, err)
	}
	c.logger.Info("turn completed",
		"turn_id", t.id,
		"conversation_id", convID,
		"message_id", reply.ID,
		"tokens", usage.Total(),
		"elapsed", c.now().Sub(started),
	)
	return reply, nil
}

func (c *Controller) appendFragment(t *turn, fragment string) bool {
	c.mu.Lock()
	if t.cancelled {
		c.mu.Unlock()
		return false
	}
	t.draft.WriteString(fragment)
	c.enqueue(Event{Kind: EventFragment, TurnID: t.id, Fragment: fragment})
	c.mu.Unlock()
	c.flush()
	return true
}

// finalize persists the reply and charges the user. The counter update is
// the commit point: if it fails the reply is deleted again. Ledger and
// conversation touch failures after it only warn.
func (c *Controller) finalize(ctx context.Context, t *turn, convID, text string, usage ai.Usage) (domain.Message, error) {
	if !usage.Reported() {
		c.logger.Warn("completion reported no usage", "turn_id", t.id)
		c.warn(t.id, "token usage was not reported, exchange counted with 0 tokens")
	}
	tokens := usage.Total()
	reply, err := c.store.CreateMessage(ctx, domain.Message{
		ConversationID:   convID,
		UserID:           c.identity.UserID,
		Role:             domain.MessageRoleAssistant,
		Content:          text,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
	})
	if err != nil {
		return domain.Message{}, err
	}
	if err := c.charge(ctx, tokens); err != nil {
		if derr := c.store.DeleteMessage(ctx, reply.ID); derr != nil {
			c.logger.Error("remove uncharged reply failed", "turn_id", t.id, "message_id", reply.ID, "err", derr)
		}
		return domain.Message{}, err
	}

	if _, err := c.ledger.Record(ctx, c.identity.UserID, reply.ID, tokens); err != nil {
		c.logger.Warn("usage log entry not written", "turn_id", t.id, "message_id", reply.ID, "err", err)
		c.warn(t.id, "usage log entry not written")
	}
	conv, touchErr := c.store.UpdateConversation(ctx, convID, store.ConversationPatch{})
	if touchErr != nil {
		c.logger.Warn("conversation not touched", "turn_id", t.id, "conversation_id", convID, "err", touchErr)
	}

	c.mu.Lock()
	c.messages = append(c.messages, reply)
	c.enqueue(Event{Kind: EventMessage, TurnID: t.id, Message: &reply})
	if touchErr == nil {
		c.conversation = &conv
		c.enqueue(Event{Kind: EventConversation, TurnID: t.id, Conversation: &conv})
	}
	c.finishLocked(t)
	c.mu.Unlock()
	c.flush()
	return reply, nil
}

// charge adds the exchange to the user's counters in place, so it neither
// undoes an admin edit nor loses a charge from another session.
func (c *Controller) charge(ctx context.Context, tokens int64) error {
	ch := c.guard.Charge(tokens)
	_, err := c.store.AddUserUsage(ctx, c.identity.UserID, store.UsageCharge{
		Messages: ch.Messages,
		Tokens:   ch.Tokens,
		At:       ch.At,
	})
	return err
}

// failTurn discards the draft, reports err and returns to Idle.
func (c *Controller) failTurn(t *turn, err error) error {
	code, text := Classify(err)
	ev := Event{Kind: EventError, TurnID: t.id, Code: code, Text: text}
	var denied *quota.DeniedError
	if errors.As(err, &denied) {
		ev.LimitKind = denied.Kind
	}
	c.mu.Lock()
	c.enqueue(ev)
	c.finishLocked(t)
	c.mu.Unlock()
	c.flush()

	switch code {
	case CodeCompletionFailed, CodeStorageFailed:
		c.logger.Error("turn failed", "turn_id", t.id, "code", code, "err", err)
	default:
		c.logger.Info("turn rejected", "turn_id", t.id, "code", code, "reason", text)
	}
	return err
}

func (c *Controller) finishLocked(t *turn) {
	t.draft.Reset()
	if c.turn == t {
		c.turn = nil
	}
	c.setStateLocked(StateIdle, t.id)
}
