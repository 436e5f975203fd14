package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"chatassist/internal/util"
	"chatassist/pkg/ai"
	"chatassist/pkg/domain"
	"chatassist/pkg/identity"
	"chatassist/pkg/quota"
	"chatassist/pkg/store"
)

// Store is the part of store.Store a controller needs.
type Store interface {
	GetUser(ctx context.Context, id string) (domain.User, bool, error)
	AddUserUsage(ctx context.Context, id string, charge store.UsageCharge) (domain.User, error)
	CreateConversation(ctx context.Context, c domain.Conversation) (domain.Conversation, error)
	GetConversation(ctx context.Context, id string) (domain.Conversation, bool, error)
	UpdateConversation(ctx context.Context, id string, patch store.ConversationPatch) (domain.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
	CreateMessage(ctx context.Context, m domain.Message) (domain.Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error)
	DeleteMessage(ctx context.Context, id string) error
}

// Ledger records one usage entry per completed exchange.
type Ledger interface {
	Record(ctx context.Context, userID, messageID string, tokensUsed int64) (domain.UsageLogEntry, error)
}

// Options are the generation parameters for one turn.
type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

func DefaultOptions() Options {
	return Options{Model: ai.DefaultModel, Temperature: ai.DefaultTemperature, MaxTokens: ai.DefaultMaxTokens}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if strings.TrimSpace(o.Model) == "" {
		o.Model = d.Model
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = d.MaxTokens
	}
	return o
}

// OptionsSource resolves a user's generation options at the start of a turn.
type OptionsSource interface {
	Options(ctx context.Context, userID string) (Options, error)
}

type Config struct {
	Identity  identity.Identity
	Store     Store
	Completer ai.Completer
	Guard     *quota.Guard
	Ledger    Ledger
	// Settings is optional; DefaultOptions is used without it.
	Settings OptionsSource
	Logger   *slog.Logger
	Now      func() time.Time
}

// Controller runs the exchange state machine for one identity and one
// session. Commands are serialized; at most one exchange is active.
type Controller struct {
	identity  identity.Identity
	store     Store
	completer ai.Completer
	guard     *quota.Guard
	ledger    Ledger
	settings  OptionsSource
	logger    *slog.Logger
	now       func() time.Time

	// cmd is held for the whole of a command. Cancel and Close never take it.
	cmd sync.Mutex

	done chan struct{}

	mu           sync.Mutex
	state        State
	closed       bool
	conversation *domain.Conversation
	messages     []domain.Message
	turn         *turn
	observers    map[int]func(Event)
	nextObserver int
	pending      []Event
	flushing     bool
}

type turn struct {
	id        string
	cancel    context.CancelFunc
	cancelled bool
	draft     strings.Builder
}

func New(cfg Config) (*Controller, error) {
	if !cfg.Identity.Valid() {
		return nil, errors.New("session identity is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("session store is required")
	}
	if cfg.Completer == nil {
		return nil, errors.New("session completer is required")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("session ledger is required")
	}
	if cfg.Guard == nil {
		cfg.Guard = quota.NewGuard()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Controller{
		identity:  cfg.Identity,
		store:     cfg.Store,
		completer: cfg.Completer,
		guard:     cfg.Guard,
		ledger:    cfg.Ledger,
		settings:  cfg.Settings,
		logger:    cfg.Logger.With("user_id", cfg.Identity.UserID),
		now:       cfg.Now,
		done:      make(chan struct{}),
		state:     StateIdle,
		observers: make(map[int]func(Event)),
	}, nil
}

func (c *Controller) Identity() identity.Identity { return c.identity }

// Done is closed by Close.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Idle reports whether no command is running and nobody is subscribed.
func (c *Controller) Idle() bool {
	if !c.cmd.TryLock() {
		return false
	}
	defer c.cmd.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.observers) == 0
}

// Subscribe registers fn for every later event. Events are delivered one at
// a time in order; fn may call Snapshot or issue commands.
func (c *Controller) Subscribe(fn func(Event)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextObserver
	c.nextObserver++
	c.observers[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.observers, id)
			c.mu.Unlock()
		})
	}
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{State: c.state, Messages: slices.Clone(c.messages)}
	if c.conversation != nil {
		conv := *c.conversation
		snap.Conversation = &conv
	}
	if c.turn != nil && c.state == StateStreaming {
		snap.Draft = c.turn.draft.String()
	}
	return snap
}

// Close cancels a streaming exchange and rejects further commands.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	if c.turn != nil && c.state == StateStreaming {
		c.cancelLocked(c.turn)
	}
	c.mu.Unlock()
	c.flush()
	c.logger.Info("session closed")
}

// Cancel stops the streaming exchange. The partial reply is discarded and
// nothing is charged.
func (c *Controller) Cancel() error {
	c.mu.Lock()
	t := c.turn
	if t == nil || c.state != StateStreaming {
		c.mu.Unlock()
		return ErrNotStreaming
	}
	c.cancelLocked(t)
	c.mu.Unlock()
	c.flush()
	c.logger.Info("turn cancelled", "turn_id", t.id)
	return nil
}

func (c *Controller) NewConversation(ctx context.Context) (domain.Conversation, error) {
	release, err := c.begin()
	if err != nil {
		return domain.Conversation{}, err
	}
	defer release()

	opts := c.options(ctx, "")
	conv, err := c.store.CreateConversation(ctx, domain.Conversation{
		UserID: c.identity.UserID,
		Title:  domain.DefaultConversationTitle,
		Model:  opts.Model,
	})
	if err != nil {
		return domain.Conversation{}, err
	}
	c.mu.Lock()
	c.conversation = &conv
	c.messages = nil
	c.enqueue(Event{Kind: EventConversation, Conversation: &conv}, Event{Kind: EventMessages})
	c.mu.Unlock()
	c.flush()
	return conv, nil
}

// SelectConversation makes id active and loads its messages in creation
// order. Conversations of other users are reported as not found.
func (c *Controller) SelectConversation(ctx context.Context, id string) error {
	release, err := c.begin()
	if err != nil {
		return err
	}
	defer release()

	conv, err := c.ownedConversation(ctx, id)
	if err != nil {
		return err
	}
	messages, err := c.store.ListMessages(ctx, conv.ID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conversation = &conv
	c.messages = messages
	c.enqueue(
		Event{Kind: EventConversation, Conversation: &conv},
		Event{Kind: EventMessages, Messages: slices.Clone(messages)},
	)
	c.mu.Unlock()
	c.flush()
	return nil
}

// DeleteConversation removes id with its messages. Deleting the active
// conversation leaves the controller idle with no messages.
func (c *Controller) DeleteConversation(ctx context.Context, id string) error {
	release, err := c.begin()
	if err != nil {
		return err
	}
	defer release()

	conv, err := c.ownedConversation(ctx, id)
	if err != nil {
		return err
	}
	if err := c.store.DeleteConversation(ctx, conv.ID); err != nil {
		return err
	}
	c.mu.Lock()
	events := []Event{{Kind: EventConversationDeleted, ConversationID: conv.ID}}
	if c.conversation != nil && c.conversation.ID == conv.ID {
		c.conversation = nil
		c.messages = nil
		c.state = StateIdle
		events = append(events, Event{Kind: EventMessages}, Event{Kind: EventState, State: StateIdle})
	}
	c.enqueue(events...)
	c.mu.Unlock()
	c.flush()
	c.logger.Info("conversation deleted", "conversation_id", conv.ID)
	return nil
}

// ConversationRemoved clears the active conversation if another session or
// an admin deleted it. A turn in flight is left to fail on its next write.
func (c *Controller) ConversationRemoved(id string) {
	c.mu.Lock()
	if c.conversation == nil || c.conversation.ID != id || c.state != StateIdle {
		c.mu.Unlock()
		return
	}
	c.conversation = nil
	c.messages = nil
	c.enqueue(Event{Kind: EventConversationDeleted, ConversationID: id}, Event{Kind: EventMessages})
	c.mu.Unlock()
	c.flush()
}

// Send runs one exchange for content and returns the persisted reply. The
// content is stored and titled as typed; blank input is rejected.
func (c *Controller) Send(ctx context.Context, content string) (domain.Message, error) {
	if strings.TrimSpace(content) == "" {
		return domain.Message{}, fmt.Errorf("%w: message is empty", ErrInvalidInput)
	}
	release, err := c.begin()
	if err != nil {
		return domain.Message{}, err
	}
	defer release()

	t := c.startTurn()
	if err := c.authorize(ctx); err != nil {
		return domain.Message{}, c.failTurn(t, err)
	}
	opts := c.options(ctx, t.id)

	conv, err := c.activeConversation(ctx, opts)
	if err != nil {
		return domain.Message{}, c.failTurn(t, err)
	}
	c.mu.Lock()
	first := len(c.messages) == 0
	c.mu.Unlock()

	userMsg, err := c.store.CreateMessage(ctx, domain.Message{
		ConversationID: conv.ID,
		UserID:         c.identity.UserID,
		Role:           domain.MessageRoleUser,
		Content:        content,
	})
	if err != nil {
		return domain.Message{}, c.failTurn(t, err)
	}
	c.mu.Lock()
	c.messages = append(c.messages, userMsg)
	c.enqueue(Event{Kind: EventMessage, TurnID: t.id, Message: &userMsg})
	c.mu.Unlock()
	c.flush()

	if first {
		c.retitle(ctx, t.id, conv.ID, deriveTitle(content))
	}
	return c.complete(ctx, t, conv.ID, c.history(), opts)
}

// Regenerate replaces the assistant message messageID, and everything after
// it, with a fresh reply to the user message before it. The exchange is
// authorized and charged like Send.
func (c *Controller) Regenerate(ctx context.Context, messageID string) (domain.Message, error) {
	release, err := c.begin()
	if err != nil {
		return domain.Message{}, err
	}
	defer release()

	c.mu.Lock()
	idx, err := regenerateTarget(c.messages, messageID)
	var convID string
	if c.conversation != nil {
		convID = c.conversation.ID
	}
	c.mu.Unlock()
	if err != nil {
		return domain.Message{}, err
	}

	t := c.startTurn()
	if err := c.authorize(ctx); err != nil {
		return domain.Message{}, c.failTurn(t, err)
	}
	opts := c.options(ctx, t.id)
	if err := c.truncate(ctx, convID, idx); err != nil {
		return domain.Message{}, c.failTurn(t, err)
	}
	return c.complete(ctx, t, convID, c.history(), opts)
}

func regenerateTarget(messages []domain.Message, id string) (int, error) {
	idx := slices.IndexFunc(messages, func(m domain.Message) bool { return m.ID == id })
	switch {
	case idx < 0:
		return -1, fmt.Errorf("%w: message %q is not in the active conversation", ErrInvalidInput, id)
	case messages[idx].Role != domain.MessageRoleAssistant:
		return -1, fmt.Errorf("%w: only assistant messages can be regenerated", ErrInvalidInput)
	case idx == 0 || messages[idx-1].Role != domain.MessageRoleUser:
		return -1, fmt.Errorf("%w: message has no preceding user message", ErrInvalidInput)
	}
	return idx, nil
}

func (c *Controller) begin() (release func(), err error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if !c.cmd.TryLock() {
		return nil, ErrBusy
	}
	return c.cmd.Unlock, nil
}

func (c *Controller) ownedConversation(ctx context.Context, id string) (domain.Conversation, error) {
	conv, ok, err := c.store.GetConversation(ctx, id)
	if err != nil {
		return domain.Conversation{}, err
	}
	if !ok || conv.UserID != c.identity.UserID {
		return domain.Conversation{}, ErrConversationNotFound
	}
	return conv, nil
}

func (c *Controller) activeConversation(ctx context.Context, opts Options) (domain.Conversation, error) {
	c.mu.Lock()
	active := c.conversation
	c.mu.Unlock()
	if active != nil {
		return *active, nil
	}
	conv, err := c.store.CreateConversation(ctx, domain.Conversation{
		UserID: c.identity.UserID,
		Title:  domain.DefaultConversationTitle,
		Model:  opts.Model,
	})
	if err != nil {
		return domain.Conversation{}, err
	}
	c.mu.Lock()
	c.conversation = &conv
	c.messages = nil
	c.enqueue(Event{Kind: EventConversation, Conversation: &conv}, Event{Kind: EventMessages})
	c.mu.Unlock()
	c.flush()
	return conv, nil
}

func (c *Controller) authorize(ctx context.Context) error {
	user, ok, err := c.store.GetUser(ctx, c.identity.UserID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: user %s", store.ErrNotFound, c.identity.UserID)
	}
	if !user.Active {
		return ErrUserDisabled
	}
	return c.guard.Authorize(user).Err()
}

func (c *Controller) options(ctx context.Context, turnID string) Options {
	if c.settings == nil {
		return DefaultOptions()
	}
	opts, err := c.settings.Options(ctx, c.identity.UserID)
	if err != nil {
		c.logger.Warn("chat settings unavailable", "turn_id", turnID, "err", err)
		c.warn(turnID, "chat settings unavailable, using defaults")
		return DefaultOptions()
	}
	return opts.withDefaults()
}

func (c *Controller) retitle(ctx context.Context, turnID, convID, title string) {
	conv, err := c.store.UpdateConversation(ctx, convID, store.ConversationPatch{Title: &title})
	if err != nil {
		c.logger.Warn("conversation title not saved", "turn_id", turnID, "conversation_id", convID, "err", err)
		c.warn(turnID, "conversation title not saved")
		return
	}
	c.mu.Lock()
	c.conversation = &conv
	c.enqueue(Event{Kind: EventConversation, TurnID: turnID, Conversation: &conv})
	c.mu.Unlock()
	c.flush()
}

// truncate deletes messages[idx:] from the store, then from memory. On a
// failed delete memory is reloaded from the store so both agree.
func (c *Controller) truncate(ctx context.Context, convID string, idx int) error {
	c.mu.Lock()
	tail := slices.Clone(c.messages[idx:])
	c.mu.Unlock()
	for _, m := range tail {
		if err := c.store.DeleteMessage(ctx, m.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			c.resync(ctx, convID)
			return err
		}
	}
	c.mu.Lock()
	c.messages = slices.Clone(c.messages[:idx])
	c.enqueue(Event{Kind: EventMessages, Messages: slices.Clone(c.messages)})
	c.mu.Unlock()
	c.flush()
	return nil
}

func (c *Controller) resync(ctx context.Context, convID string) {
	messages, err := c.store.ListMessages(ctx, convID)
	if err != nil {
		c.logger.Error("reload messages failed", "conversation_id", convID, "err", err)
		return
	}
	c.mu.Lock()
	c.messages = messages
	c.enqueue(Event{Kind: EventMessages, Messages: slices.Clone(messages)})
	c.mu.Unlock()
	c.flush()
}

func (c *Controller) history() []ai.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	history := make([]ai.ChatMessage, 0, len(c.messages))
	for _, m := range c.messages {
		history = append(history, ai.ChatMessage{Role: string(m.Role), Content: m.Content})
	}
	return history
}

func (c *Controller) warn(turnID, text string) {
	c.mu.Lock()
	c.enqueue(Event{Kind: EventWarning, TurnID: turnID, Text: text})
	c.mu.Unlock()
	c.flush()
}

func (c *Controller) setStateLocked(state State, turnID string) {
	c.state = state
	c.enqueue(Event{Kind: EventState, TurnID: turnID, State: state})
}

func (c *Controller) cancelLocked(t *turn) {
	t.cancelled = true
	if t.cancel != nil {
		t.cancel()
	}
	c.setStateLocked(StateCancelled, t.id)
}

// enqueue must be called with mu held.
func (c *Controller) enqueue(events ...Event) {
	c.pending = append(c.pending, events...)
}

// flush delivers pending events. Only one goroutine delivers at a time, so
// events reach every observer in enqueue order even when an observer issues
// commands of its own.
func (c *Controller) flush() {
	c.mu.Lock()
	if c.flushing {
		c.mu.Unlock()
		return
	}
	c.flushing = true
	for len(c.pending) > 0 {
		batch := c.pending
		c.pending = nil
		observers := make([]func(Event), 0, len(c.observers))
		ids := make([]int, 0, len(c.observers))
		for id := range c.observers {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		for _, id := range ids {
			observers = append(observers, c.observers[id])
		}
		c.mu.Unlock()
		for _, e := range batch {
			for _, fn := range observers {
				fn(e)
			}
		}
		c.mu.Lock()
	}
	c.flushing = false
	c.mu.Unlock()
}

func newTurnID() string { return util.NewID() }
