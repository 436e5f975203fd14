package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatassist/pkg/ai"
	"chatassist/pkg/domain"
	"chatassist/pkg/identity"
	"chatassist/pkg/ledger"
	"chatassist/pkg/quota"
	"chatassist/pkg/store"
)

const testUserID = "user-1"

type reply struct {
	fragments []string
	usage     ai.Usage
	err       error
	// gate, when set, is awaited after the first fragment.
	gate chan struct{}
}

type scriptedCompleter struct {
	mu       sync.Mutex
	replies  []reply
	requests []ai.Request
}

func (c *scriptedCompleter) Complete(context.Context, ai.Request) (ai.Response, error) {
	return ai.Response{}, errors.New("not used")
}

func (c *scriptedCompleter) StreamComplete(_ context.Context, req ai.Request) *ai.Stream {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	if len(c.replies) == 0 {
		c.mu.Unlock()
		return ai.FailedStream(errors.New("no scripted reply"))
	}
	r := c.replies[0]
	c.replies = c.replies[1:]
	c.mu.Unlock()

	return ai.NewStream("scripted", func(yield func(string) bool) (ai.Usage, error) {
		for i, f := range r.fragments {
			if !yield(f) {
				return r.usage, nil
			}
			if i == 0 && r.gate != nil {
				<-r.gate
			}
		}
		return r.usage, r.err
	})
}

func (c *scriptedCompleter) calls() []ai.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ai.Request(nil), c.requests...)
}

// faultyStore fails selected writes.
type faultyStore struct {
	*store.MemoryStore
	failMessage func(domain.Message) bool
	failCharge  bool
	// beforeCharge runs ahead of every counter update.
	beforeCharge func()
	failDelete   bool
}

var errInjected = &store.Failure{Op: "injected", Err: errors.New("disk on fire")}

func (s *faultyStore) CreateMessage(ctx context.Context, m domain.Message) (domain.Message, error) {
	if s.failMessage != nil && s.failMessage(m) {
		return domain.Message{}, errInjected
	}
	return s.MemoryStore.CreateMessage(ctx, m)
}

func (s *faultyStore) AddUserUsage(ctx context.Context, id string, charge store.UsageCharge) (domain.User, error) {
	if s.beforeCharge != nil {
		s.beforeCharge()
	}
	if s.failCharge {
		return domain.User{}, errInjected
	}
	return s.MemoryStore.AddUserUsage(ctx, id, charge)
}

func (s *faultyStore) DeleteMessage(ctx context.Context, id string) error {
	if s.failDelete {
		return errInjected
	}
	return s.MemoryStore.DeleteMessage(ctx, id)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) record(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) ofKind(kind EventKind) []Event {
	var out []Event
	for _, e := range r.all() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) states() []State {
	var out []State
	for _, e := range r.ofKind(EventState) {
		out = append(out, e.State)
	}
	return out
}

func (r *recorder) fragments() string {
	var b strings.Builder
	for _, e := range r.ofKind(EventFragment) {
		b.WriteString(e.Fragment)
	}
	return b.String()
}

type harness struct {
	ctrl      *Controller
	store     *faultyStore
	completer *scriptedCompleter
	events    *recorder
	logs      *bytes.Buffer
}

func newHarness(t *testing.T, replies ...reply) *harness {
	t.Helper()
	mem := store.NewMemoryStore()
	_, err := mem.CreateUser(context.Background(), domain.User{ID: testUserID, Email: "a@example.com", Active: true})
	require.NoError(t, err)

	h := &harness{
		store:     &faultyStore{MemoryStore: mem},
		completer: &scriptedCompleter{replies: replies},
		events:    &recorder{},
		logs:      &bytes.Buffer{},
	}
	h.ctrl, err = New(Config{
		Identity:  identity.Identity{UserID: testUserID, Email: "a@example.com", Role: domain.RoleUser},
		Store:     h.store,
		Completer: h.completer,
		Ledger:    ledger.New(mem),
		Logger:    slog.New(slog.NewJSONHandler(h.logs, nil)),
	})
	require.NoError(t, err)
	h.ctrl.Subscribe(h.events.record)
	return h
}

func (h *harness) user(t *testing.T) domain.User {
	t.Helper()
	u, ok, err := h.store.GetUser(context.Background(), testUserID)
	require.NoError(t, err)
	require.True(t, ok)
	return u
}

// logRecords returns the JSON log lines whose message is msg.
func (h *harness) logRecords(t *testing.T, msg string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(h.logs.Bytes()), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var rec map[string]any
		require.NoError(t, json.Unmarshal(line, &rec))
		if rec["msg"] == msg {
			out = append(out, rec)
		}
	}
	return out
}

func (h *harness) persisted(t *testing.T) []domain.Message {
	t.Helper()
	snap := h.ctrl.Snapshot()
	require.NotNil(t, snap.Conversation)
	msgs, err := h.store.ListMessages(context.Background(), snap.Conversation.ID)
	require.NoError(t, err)
	return msgs
}

func TestSendPersistsExchange(t *testing.T) {
	h := newHarness(t, reply{
		fragments: []string{"Hel", "lo", " world"},
		usage:     ai.Usage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10},
	})
	ctx := context.Background()

	got, err := h.ctrl.Send(ctx, "  hi there  ")
	require.NoError(t, err)
	require.Equal(t, "Hello world", got.Content)
	require.Equal(t, h.events.fragments(), got.Content)

	msgs := h.persisted(t)
	require.Len(t, msgs, 2)
	require.Equal(t, domain.MessageRoleUser, msgs[0].Role)
	require.Equal(t, "  hi there  ", msgs[0].Content)
	require.Equal(t, domain.MessageRoleAssistant, msgs[1].Role)
	require.Equal(t, got.ID, msgs[1].ID)
	require.Equal(t, int64(7), msgs[1].PromptTokens)
	require.Equal(t, int64(3), msgs[1].CompletionTokens)

	u := h.user(t)
	require.Equal(t, int64(1), u.MessageCount)
	require.Equal(t, int64(10), u.TokenCount)

	entries, err := h.store.ListUsageLogEntries(ctx, store.UsageFilter{UserID: testUserID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, got.ID, entries[0].MessageID)
	require.Equal(t, int64(10), entries[0].TokensUsed)
	require.InDelta(t, quota.CostEstimate(10), entries[0].CostEstimate, 1e-12)

	calls := h.completer.calls()
	require.Len(t, calls, 1)
	require.Equal(t, []ai.ChatMessage{{Role: ai.RoleUser, Content: "  hi there  "}}, calls[0].Messages)
	require.Equal(t, DefaultOptions().Model, calls[0].Model)

	require.Equal(t, []State{StateSending, StateStreaming, StateFinalizing, StateIdle}, h.events.states())
	snap := h.ctrl.Snapshot()
	require.Equal(t, StateIdle, snap.State)
	require.Len(t, snap.Messages, 2)
	require.Equal(t, "  hi there  ", snap.Conversation.Title)

	completed := h.logRecords(t, "turn completed")
	require.Len(t, completed, 1)
	require.EqualValues(t, 10, completed[0]["tokens"])
}

func TestSendIncludesHistory(t *testing.T) {
	usage := ai.Usage{TotalTokens: 5}
	h := newHarness(t,
		reply{fragments: []string{"one"}, usage: usage},
		reply{fragments: []string{"two"}, usage: usage},
	)
	ctx := context.Background()
	_, err := h.ctrl.Send(ctx, "first")
	require.NoError(t, err)
	_, err = h.ctrl.Send(ctx, "second")
	require.NoError(t, err)

	calls := h.completer.calls()
	require.Len(t, calls, 2)
	require.Equal(t, []ai.ChatMessage{
		{Role: ai.RoleUser, Content: "first"},
		{Role: ai.RoleAssistant, Content: "one"},
		{Role: ai.RoleUser, Content: "second"},
	}, calls[1].Messages)
	require.Len(t, h.persisted(t), 4)
	require.Equal(t, "first", h.ctrl.Snapshot().Conversation.Title)
	require.Equal(t, int64(10), h.user(t).TokenCount)
}

func TestTitleDerivation(t *testing.T) {
	long := strings.Repeat("abcdefghi ", 7) + "xyz"
	require.Len(t, long, 73)
	short := strings.Repeat("x", 30)

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "long", content: long, want: long[:50] + "..."},
		{name: "short", content: short, want: short},
		{name: "exactly fifty", content: strings.Repeat("y", 50), want: strings.Repeat("y", 50)},
		{name: "multibyte", content: strings.Repeat("é", 51), want: strings.Repeat("é", 50) + "..."},
		{name: "leading whitespace", content: "  " + strings.Repeat("x", 49), want: "  " + strings.Repeat("x", 48) + "..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, reply{fragments: []string{"ok"}, usage: ai.Usage{TotalTokens: 1}})
			_, err := h.ctrl.Send(context.Background(), tt.content)
			require.NoError(t, err)
			conv, ok, err := h.store.GetConversation(context.Background(), h.ctrl.Snapshot().Conversation.ID)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, tt.want, conv.Title)
			require.Equal(t, tt.content, h.persisted(t)[0].Content)
		})
	}
}

func TestSendRejectsEmptyInput(t *testing.T) {
	h := newHarness(t)
	for _, content := range []string{"", "   ", "\n\t"} {
		_, err := h.ctrl.Send(context.Background(), content)
		require.ErrorIs(t, err, ErrInvalidInput)
	}
	require.Empty(t, h.completer.calls())
	require.Empty(t, h.events.all())
	require.Nil(t, h.ctrl.Snapshot().Conversation)
}

func TestQuotaDeniedMakesNoCall(t *testing.T) {
	free := quota.LimitsFor(domain.TierFree)
	tests := []struct {
		name     string
		messages int64
		tokens   int64
		kind     quota.LimitKind
	}{
		{name: "messages", messages: free.Messages, kind: quota.LimitMessages},
		{name: "tokens", tokens: free.Tokens, kind: quota.LimitTokens},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, reply{fragments: []string{"never"}})
			u := h.user(t)
			u.MessageCount, u.TokenCount = tt.messages, tt.tokens
			_, err := h.store.UpdateUser(context.Background(), u)
			require.NoError(t, err)

			_, err = h.ctrl.Send(context.Background(), "hello")
			var denied *quota.DeniedError
			require.ErrorAs(t, err, &denied)
			require.Equal(t, tt.kind, denied.Kind)
			require.ErrorIs(t, err, quota.ErrDenied)

			require.Empty(t, h.completer.calls())
			require.Nil(t, h.ctrl.Snapshot().Conversation)
			n, err := h.store.CountConversations(context.Background())
			require.NoError(t, err)
			require.Zero(t, n)

			errs := h.events.ofKind(EventError)
			require.Len(t, errs, 1)
			require.Equal(t, CodeQuotaDenied, errs[0].Code)
			require.Equal(t, tt.kind, errs[0].LimitKind)
			require.Equal(t, []State{StateSending, StateIdle}, h.events.states())
		})
	}
}

func TestDisabledUserIsRejected(t *testing.T) {
	h := newHarness(t, reply{fragments: []string{"never"}})
	u := h.user(t)
	u.Active = false
	_, err := h.store.UpdateUser(context.Background(), u)
	require.NoError(t, err)

	_, err = h.ctrl.Send(context.Background(), "hello")
	require.ErrorIs(t, err, ErrUserDisabled)
	require.Empty(t, h.completer.calls())
}

func TestCancelDiscardsPartialReply(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, reply{
		fragments: []string{"partial", " late"},
		usage:     ai.Usage{TotalTokens: 9},
		gate:      gate,
	})
	firstFragment := make(chan struct{}, 1)
	h.ctrl.Subscribe(func(e Event) {
		if e.Kind == EventFragment {
			select {
			case firstFragment <- struct{}{}:
			default:
			}
		}
	})

	done := make(chan error, 1)
	go func() {
		_, err := h.ctrl.Send(context.Background(), "tell me a story")
		done <- err
	}()

	select {
	case <-firstFragment:
	case <-time.After(5 * time.Second):
		t.Fatal("no fragment arrived")
	}
	require.Equal(t, "partial", h.ctrl.Snapshot().Draft)
	_, err := h.ctrl.Send(context.Background(), "again")
	require.ErrorIs(t, err, ErrBusy)

	require.NoError(t, h.ctrl.Cancel())
	close(gate)

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("send did not return after cancel")
	}

	require.Equal(t, "partial", h.events.fragments())
	require.Equal(t, []State{StateSending, StateStreaming, StateCancelled, StateIdle}, h.events.states())
	require.ErrorIs(t, h.ctrl.Cancel(), ErrNotStreaming)

	msgs := h.persisted(t)
	require.Len(t, msgs, 1)
	require.Equal(t, domain.MessageRoleUser, msgs[0].Role)

	u := h.user(t)
	require.Zero(t, u.MessageCount)
	require.Zero(t, u.TokenCount)
	entries, err := h.store.ListUsageLogEntries(context.Background(), store.UsageFilter{})
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestCancelOutsideStreaming(t *testing.T) {
	h := newHarness(t)
	require.ErrorIs(t, h.ctrl.Cancel(), ErrNotStreaming)
	require.Empty(t, h.events.all())
}

func TestCompletionFailureDiscardsDraft(t *testing.T) {
	h := newHarness(t,
		reply{fragments: []string{"par"}, err: &ai.CompletionFailure{Provider: "scripted", Reason: "connection reset"}},
		reply{fragments: []string{"fine"}, usage: ai.Usage{TotalTokens: 4}},
	)
	ctx := context.Background()

	_, err := h.ctrl.Send(ctx, "hello")
	require.ErrorIs(t, err, ai.ErrCompletion)

	errs := h.events.ofKind(EventError)
	require.Len(t, errs, 1)
	require.Equal(t, CodeCompletionFailed, errs[0].Code)
	require.Equal(t, RetryMessage, errs[0].Text)

	snap := h.ctrl.Snapshot()
	require.Equal(t, StateIdle, snap.State)
	require.Empty(t, snap.Draft)
	require.Len(t, h.persisted(t), 1)
	require.Zero(t, h.user(t).MessageCount)

	_, err = h.ctrl.Send(ctx, "hello again")
	require.NoError(t, err)
	msgs := h.persisted(t)
	require.Len(t, msgs, 3)
	require.Equal(t, "fine", msgs[2].Content)
}

func TestEmptyCompletionIsFailure(t *testing.T) {
	h := newHarness(t, reply{})
	_, err := h.ctrl.Send(context.Background(), "hello")
	require.ErrorIs(t, err, ai.ErrCompletion)
	require.Len(t, h.persisted(t), 1)
}

func TestUserMessageWriteFailureKeepsConversation(t *testing.T) {
	h := newHarness(t, reply{fragments: []string{"ok"}, usage: ai.Usage{TotalTokens: 2}})
	h.store.failMessage = func(m domain.Message) bool { return m.Role == domain.MessageRoleUser }

	_, err := h.ctrl.Send(context.Background(), "hello")
	require.ErrorIs(t, err, store.ErrStorage)
	errs := h.events.ofKind(EventError)
	require.Len(t, errs, 1)
	require.Equal(t, CodeStorageFailed, errs[0].Code)
	require.Empty(t, h.completer.calls())

	snap := h.ctrl.Snapshot()
	require.NotNil(t, snap.Conversation)
	require.Equal(t, StateIdle, snap.State)

	h.store.failMessage = nil
	_, err = h.ctrl.Send(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, snap.Conversation.ID, h.ctrl.Snapshot().Conversation.ID)
	n, err := h.store.CountConversations(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestChargeFailureRemovesReply(t *testing.T) {
	h := newHarness(t, reply{fragments: []string{"ok"}, usage: ai.Usage{TotalTokens: 2}})
	h.store.failCharge = true

	_, err := h.ctrl.Send(context.Background(), "hello")
	require.ErrorIs(t, err, store.ErrStorage)

	msgs := h.persisted(t)
	require.Len(t, msgs, 1)
	require.Equal(t, domain.MessageRoleUser, msgs[0].Role)
	require.Len(t, h.ctrl.Snapshot().Messages, 1)
	entries, err := h.store.ListUsageLogEntries(context.Background(), store.UsageFilter{})
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestCompletedLogCountsTotalOnlyUsage(t *testing.T) {
	h := newHarness(t, reply{fragments: []string{"ok"}, usage: ai.Usage{TotalTokens: 1}})
	_, err := h.ctrl.Send(context.Background(), "hello")
	require.NoError(t, err)

	require.Equal(t, int64(1), h.user(t).TokenCount)
	completed := h.logRecords(t, "turn completed")
	require.Len(t, completed, 1)
	require.EqualValues(t, 1, completed[0]["tokens"])
}

func TestChargeKeepsConcurrentAdminEdit(t *testing.T) {
	h := newHarness(t, reply{fragments: []string{"ok"}, usage: ai.Usage{TotalTokens: 6}})
	ctx := context.Background()
	inactive, pro := false, domain.TierPro
	h.store.beforeCharge = func() {
		_, err := h.store.PatchUser(ctx, testUserID, store.UserPatch{Active: &inactive, Tier: &pro})
		require.NoError(t, err)
	}

	_, err := h.ctrl.Send(ctx, "hello")
	require.NoError(t, err)

	u := h.user(t)
	require.False(t, u.Active)
	require.Equal(t, domain.TierPro, u.Tier)
	require.Equal(t, int64(1), u.MessageCount)
	require.Equal(t, int64(6), u.TokenCount)
}

func TestMissingUsageWarns(t *testing.T) {
	h := newHarness(t, reply{fragments: []string{"no", " usage"}})
	_, err := h.ctrl.Send(context.Background(), "hello")
	require.NoError(t, err)

	require.Len(t, h.events.ofKind(EventWarning), 1)
	u := h.user(t)
	require.Equal(t, int64(1), u.MessageCount)
	require.Zero(t, u.TokenCount)
}

type fixedOptions struct {
	opts Options
	err  error
}

func (f fixedOptions) Options(context.Context, string) (Options, error) { return f.opts, f.err }

func TestSendUsesSettings(t *testing.T) {
	h := newHarness(t,
		reply{fragments: []string{"a"}, usage: ai.Usage{TotalTokens: 1}},
		reply{fragments: []string{"b"}, usage: ai.Usage{TotalTokens: 1}},
	)
	h.ctrl.settings = fixedOptions{opts: Options{Model: "llama-3.1-8b-instant", Temperature: 0.2, MaxTokens: 256}}
	_, err := h.ctrl.Send(context.Background(), "hello")
	require.NoError(t, err)

	h.ctrl.settings = fixedOptions{err: errors.New("settings offline")}
	_, err = h.ctrl.Send(context.Background(), "again")
	require.NoError(t, err)

	calls := h.completer.calls()
	require.Equal(t, "llama-3.1-8b-instant", calls[0].Model)
	require.Equal(t, 0.2, calls[0].Temperature)
	require.Equal(t, 256, calls[0].MaxTokens)
	require.Equal(t, DefaultOptions(), Options{Model: calls[1].Model, Temperature: calls[1].Temperature, MaxTokens: calls[1].MaxTokens})
	require.Equal(t, "llama-3.1-8b-instant", h.ctrl.Snapshot().Conversation.Model)
	require.Len(t, h.events.ofKind(EventWarning), 1)
}

func TestRegenerateReplacesReply(t *testing.T) {
	h := newHarness(t,
		reply{fragments: []string{"hello"}, usage: ai.Usage{TotalTokens: 10}},
		reply{fragments: []string{"hey", " there"}, usage: ai.Usage{TotalTokens: 12}},
	)
	ctx := context.Background()
	first, err := h.ctrl.Send(ctx, "hi")
	require.NoError(t, err)
	userMsg := h.ctrl.Snapshot().Messages[0]

	second, err := h.ctrl.Regenerate(ctx, first.ID)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
	require.Equal(t, "hey there", second.Content)

	msgs := h.persisted(t)
	require.Len(t, msgs, 2)
	require.Equal(t, userMsg, msgs[0])
	require.Equal(t, "hi", msgs[0].Content)
	require.Equal(t, second.ID, msgs[1].ID)
	require.Equal(t, msgs, h.ctrl.Snapshot().Messages)

	calls := h.completer.calls()
	require.Equal(t, []ai.ChatMessage{{Role: ai.RoleUser, Content: "hi"}}, calls[1].Messages)

	u := h.user(t)
	require.Equal(t, int64(2), u.MessageCount)
	require.Equal(t, int64(22), u.TokenCount)
	require.Equal(t, "hi", h.ctrl.Snapshot().Conversation.Title)
}

func TestRegenerateDropsLaterMessages(t *testing.T) {
	usage := ai.Usage{TotalTokens: 1}
	h := newHarness(t,
		reply{fragments: []string{"a1"}, usage: usage},
		reply{fragments: []string{"a2"}, usage: usage},
		reply{fragments: []string{"a1 again"}, usage: usage},
	)
	ctx := context.Background()
	first, err := h.ctrl.Send(ctx, "q1")
	require.NoError(t, err)
	_, err = h.ctrl.Send(ctx, "q2")
	require.NoError(t, err)

	_, err = h.ctrl.Regenerate(ctx, first.ID)
	require.NoError(t, err)
	msgs := h.persisted(t)
	require.Len(t, msgs, 2)
	require.Equal(t, "q1", msgs[0].Content)
	require.Equal(t, "a1 again", msgs[1].Content)
}

func TestRegenerateRejectsInvalidTargets(t *testing.T) {
	h := newHarness(t, reply{fragments: []string{"hello"}, usage: ai.Usage{TotalTokens: 1}})
	_, err := h.ctrl.Send(context.Background(), "hi")
	require.NoError(t, err)
	userMsg := h.ctrl.Snapshot().Messages[0]

	for _, id := range []string{userMsg.ID, "missing"} {
		_, err := h.ctrl.Regenerate(context.Background(), id)
		require.ErrorIs(t, err, ErrInvalidInput)
	}
	require.Len(t, h.completer.calls(), 1)
	require.Len(t, h.persisted(t), 2)
}

func TestRegenerateTarget(t *testing.T) {
	user := domain.Message{ID: "u", Role: domain.MessageRoleUser}
	asst := domain.Message{ID: "a", Role: domain.MessageRoleAssistant}
	asst2 := domain.Message{ID: "a2", Role: domain.MessageRoleAssistant}

	idx, err := regenerateTarget([]domain.Message{user, asst}, "a")
	require.NoError(t, err)
	require.Equal(t, 1, idx)

	_, err = regenerateTarget([]domain.Message{asst}, "a")
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = regenerateTarget([]domain.Message{user, asst, asst2}, "a2")
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestRegenerateDeniedKeepsMessages(t *testing.T) {
	h := newHarness(t, reply{fragments: []string{"hello"}, usage: ai.Usage{TotalTokens: 1}})
	first, err := h.ctrl.Send(context.Background(), "hi")
	require.NoError(t, err)

	u := h.user(t)
	u.MessageCount = quota.LimitsFor(u.Tier).Messages
	_, err = h.store.UpdateUser(context.Background(), u)
	require.NoError(t, err)

	_, err = h.ctrl.Regenerate(context.Background(), first.ID)
	require.ErrorIs(t, err, quota.ErrDenied)
	require.Len(t, h.persisted(t), 2)
	require.Len(t, h.ctrl.Snapshot().Messages, 2)
}

func TestRegenerateDeleteFailureResyncs(t *testing.T) {
	h := newHarness(t, reply{fragments: []string{"hello"}, usage: ai.Usage{TotalTokens: 1}})
	first, err := h.ctrl.Send(context.Background(), "hi")
	require.NoError(t, err)

	h.store.failDelete = true
	_, err = h.ctrl.Regenerate(context.Background(), first.ID)
	require.ErrorIs(t, err, store.ErrStorage)
	require.Equal(t, h.persisted(t), h.ctrl.Snapshot().Messages)
	require.Equal(t, StateIdle, h.ctrl.Snapshot().State)
}

func TestDeleteActiveConversation(t *testing.T) {
	usage := ai.Usage{TotalTokens: 1}
	h := newHarness(t,
		reply{fragments: []string{"one"}, usage: usage},
		reply{fragments: []string{"two"}, usage: usage},
	)
	ctx := context.Background()
	_, err := h.ctrl.Send(ctx, "a")
	require.NoError(t, err)
	_, err = h.ctrl.Send(ctx, "b")
	require.NoError(t, err)
	conv := h.ctrl.Snapshot().Conversation
	require.Len(t, h.persisted(t), 4)

	require.NoError(t, h.ctrl.DeleteConversation(ctx, conv.ID))

	snap := h.ctrl.Snapshot()
	require.Equal(t, StateIdle, snap.State)
	require.Nil(t, snap.Conversation)
	require.Empty(t, snap.Messages)
	n, err := h.store.CountMessages(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	_, ok, err := h.store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.False(t, ok)
	require.Len(t, h.events.ofKind(EventConversationDeleted), 1)
}

func TestDeleteInactiveConversationKeepsActive(t *testing.T) {
	h := newHarness(t, reply{fragments: []string{"one"}, usage: ai.Usage{TotalTokens: 1}})
	ctx := context.Background()
	other, err := h.store.CreateConversation(ctx, domain.Conversation{UserID: testUserID})
	require.NoError(t, err)
	_, err = h.ctrl.Send(ctx, "a")
	require.NoError(t, err)

	require.NoError(t, h.ctrl.DeleteConversation(ctx, other.ID))
	snap := h.ctrl.Snapshot()
	require.NotNil(t, snap.Conversation)
	require.Len(t, snap.Messages, 2)
}

func TestConversationRemovedElsewhere(t *testing.T) {
	h := newHarness(t, reply{fragments: []string{"one"}, usage: ai.Usage{TotalTokens: 1}})
	_, err := h.ctrl.Send(context.Background(), "a")
	require.NoError(t, err)
	conv := h.ctrl.Snapshot().Conversation

	h.ctrl.ConversationRemoved("unrelated")
	require.NotNil(t, h.ctrl.Snapshot().Conversation)

	h.ctrl.ConversationRemoved(conv.ID)
	snap := h.ctrl.Snapshot()
	require.Nil(t, snap.Conversation)
	require.Empty(t, snap.Messages)
	require.Len(t, h.events.ofKind(EventConversationDeleted), 1)
}

func TestForeignConversationIsHidden(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	foreign, err := h.store.CreateConversation(ctx, domain.Conversation{UserID: "someone-else"})
	require.NoError(t, err)

	require.ErrorIs(t, h.ctrl.SelectConversation(ctx, foreign.ID), ErrConversationNotFound)
	require.ErrorIs(t, h.ctrl.DeleteConversation(ctx, foreign.ID), ErrConversationNotFound)
	require.ErrorIs(t, h.ctrl.SelectConversation(ctx, "missing"), ErrConversationNotFound)
	_, ok, err := h.store.GetConversation(ctx, foreign.ID)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSelectConversationLoadsMessages(t *testing.T) {
	h := newHarness(t, reply{fragments: []string{"ok"}, usage: ai.Usage{TotalTokens: 1}})
	ctx := context.Background()
	conv, err := h.store.CreateConversation(ctx, domain.Conversation{UserID: testUserID, Title: "Earlier"})
	require.NoError(t, err)
	for _, m := range []domain.Message{
		{Role: domain.MessageRoleUser, Content: "q"},
		{Role: domain.MessageRoleAssistant, Content: "a"},
	} {
		m.ConversationID, m.UserID = conv.ID, testUserID
		_, err := h.store.CreateMessage(ctx, m)
		require.NoError(t, err)
	}

	require.NoError(t, h.ctrl.SelectConversation(ctx, conv.ID))
	snap := h.ctrl.Snapshot()
	require.Equal(t, conv.ID, snap.Conversation.ID)
	require.Len(t, snap.Messages, 2)
	require.Equal(t, "q", snap.Messages[0].Content)

	_, err = h.ctrl.Send(ctx, "follow up")
	require.NoError(t, err)
	require.Len(t, h.completer.calls()[0].Messages, 3)
	require.Equal(t, "Earlier", h.ctrl.Snapshot().Conversation.Title)
}

func TestNewConversationClearsMessages(t *testing.T) {
	h := newHarness(t, reply{fragments: []string{"ok"}, usage: ai.Usage{TotalTokens: 1}})
	ctx := context.Background()
	_, err := h.ctrl.Send(ctx, "a")
	require.NoError(t, err)
	before := h.ctrl.Snapshot().Conversation.ID

	conv, err := h.ctrl.NewConversation(ctx)
	require.NoError(t, err)
	require.NotEqual(t, before, conv.ID)
	require.Equal(t, domain.DefaultConversationTitle, conv.Title)
	snap := h.ctrl.Snapshot()
	require.Equal(t, conv.ID, snap.Conversation.ID)
	require.Empty(t, snap.Messages)
}

func TestClosedControllerRejectsCommands(t *testing.T) {
	h := newHarness(t)
	h.ctrl.Close()
	h.ctrl.Close()
	select {
	case <-h.ctrl.Done():
	default:
		t.Fatal("done channel still open")
	}

	_, err := h.ctrl.Send(context.Background(), "hello")
	require.ErrorIs(t, err, ErrClosed)
	_, err = h.ctrl.NewConversation(context.Background())
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, h.ctrl.SelectConversation(context.Background(), "x"), ErrClosed)
}

func TestSubscriberMayReadSnapshot(t *testing.T) {
	h := newHarness(t, reply{fragments: []string{"a", "b", "c"}, usage: ai.Usage{TotalTokens: 1}})
	var drafts []string
	unsubscribe := h.ctrl.Subscribe(func(e Event) {
		if e.Kind == EventFragment {
			drafts = append(drafts, h.ctrl.Snapshot().Draft)
		}
	})
	_, err := h.ctrl.Send(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "ab", "abc"}, drafts)

	unsubscribe()
	unsubscribe()
	h.completer.replies = []reply{{fragments: []string{"z"}, usage: ai.Usage{TotalTokens: 1}}}
	_, err = h.ctrl.Send(context.Background(), "more")
	require.NoError(t, err)
	require.Len(t, drafts, 3)
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	_, err = New(Config{Identity: identity.Identity{UserID: "u"}})
	require.Error(t, err)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		code ErrorCode
	}{
		{err: &quota.DeniedError{Kind: quota.LimitTokens, Reason: "token limit"}, code: CodeQuotaDenied},
		{err: ErrInvalidInput, code: CodeInvalidInput},
		{err: ErrUserDisabled, code: CodeForbidden},
		{err: &ai.CompletionFailure{Reason: "boom"}, code: CodeCompletionFailed},
		{err: errInjected, code: CodeStorageFailed},
	}
	for _, tt := range tests {
		code, _ := Classify(tt.err)
		require.Equal(t, tt.code, code, tt.err.Error())
	}
}
