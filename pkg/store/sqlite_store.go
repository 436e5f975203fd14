package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"chatassist/pkg/domain"
)

// SQLiteStore implements Store on an embedded SQLite file.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) the database file and its schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL DEFAULT '',
		tier TEXT NOT NULL,
		message_count INTEGER NOT NULL DEFAULT 0,
		token_count INTEGER NOT NULL DEFAULT 0,
		role TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_user_updated ON conversations(user_id, updated_at);
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages(conversation_id, created_at, id);
	CREATE TABLE IF NOT EXISTS usage_logs (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		tokens_used INTEGER NOT NULL,
		cost_estimate REAL NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_logs_user_created ON usage_logs(user_id, created_at);
	CREATE TABLE IF NOT EXISTS chat_settings (
		user_id TEXT PRIMARY KEY,
		model TEXT NOT NULL,
		temperature REAL NOT NULL,
		max_tokens INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS admin_logs (
		id TEXT PRIMARY KEY,
		admin_id TEXT NOT NULL,
		action TEXT NOT NULL,
		target_user_id TEXT NOT NULL DEFAULT '',
		details TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL
	);
	`)
	return err
}

func toUnix(t time.Time) int64 { return t.UTC().UnixNano() }

func fromUnix(n int64) time.Time { return time.Unix(0, n).UTC() }

type rowScanner interface {
	Scan(dest ...any) error
}

const userColumns = `id, email, tier, message_count, token_count, role, active, created_at, updated_at`

func scanUser(row rowScanner) (domain.User, error) {
	var (
		m                UserModel
		created, updated int64
	)
	if err := row.Scan(&m.ID, &m.Email, &m.Tier, &m.MessageCount, &m.TokenCount, &m.Role, &m.Active, &created, &updated); err != nil {
		return domain.User{}, err
	}
	m.CreatedAt, m.UpdatedAt = fromUnix(created), fromUnix(updated)
	return userFromModel(m)
}

func (s *SQLiteStore) CreateUser(ctx context.Context, u domain.User) (domain.User, error) {
	u, err := prepareUser(u, s.now())
	if err != nil {
		return domain.User{}, fail("create user", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, string(u.Tier), u.MessageCount, u.TokenCount, string(u.Role), u.Active, toUnix(u.CreatedAt), toUnix(u.UpdatedAt))
	if err != nil {
		return domain.User{}, fail("create user", err)
	}
	return u, nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (domain.User, bool, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, false, nil
	}
	if err != nil {
		return domain.User{}, false, fail("get user", err)
	}
	return u, true, nil
}

func (s *SQLiteStore) UpdateUser(ctx context.Context, u domain.User) (domain.User, error) {
	if err := validateUser(u); err != nil {
		return domain.User{}, fail("update user", err)
	}
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = s.now()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET email = ?, tier = ?, message_count = ?, token_count = ?, role = ?, active = ?, updated_at = ?
		WHERE id = ?`,
		u.Email, string(u.Tier), u.MessageCount, u.TokenCount, string(u.Role), u.Active, toUnix(u.UpdatedAt), u.ID)
	if err := affectedOne("update user", res, err); err != nil {
		return domain.User{}, err
	}
	return s.reloadUser(ctx, "update user", u.ID)
}

func (s *SQLiteStore) PatchUser(ctx context.Context, id string, patch UserPatch) (domain.User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, fail("update user", err)
	}
	defer tx.Rollback()

	current, err := scanUser(tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, fail("update user", ErrNotFound)
	}
	if err != nil {
		return domain.User{}, fail("update user", err)
	}
	out := applyUserPatch(current, patch, s.now())
	if err := validateUser(out); err != nil {
		return domain.User{}, fail("update user", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE users SET tier = ?, role = ?, active = ?, updated_at = ? WHERE id = ?`,
		string(out.Tier), string(out.Role), out.Active, toUnix(out.UpdatedAt), id); err != nil {
		return domain.User{}, fail("update user", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, fail("update user", err)
	}
	return s.reloadUser(ctx, "update user", id)
}

func (s *SQLiteStore) AddUserUsage(ctx context.Context, id string, charge UsageCharge) (domain.User, error) {
	if err := validateCharge(id, charge); err != nil {
		return domain.User{}, fail("charge user", err)
	}
	at := charge.At
	if at.IsZero() {
		at = s.now()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET message_count = message_count + ?, token_count = token_count + ?, updated_at = ?
		WHERE id = ?`,
		charge.Messages, charge.Tokens, toUnix(at), id)
	if err := affectedOne("charge user", res, err); err != nil {
		return domain.User{}, err
	}
	return s.reloadUser(ctx, "charge user", id)
}

func (s *SQLiteStore) reloadUser(ctx context.Context, op, id string) (domain.User, error) {
	stored, ok, err := s.GetUser(ctx, id)
	if err != nil {
		return domain.User{}, err
	}
	if !ok {
		return domain.User{}, fail(op, ErrNotFound)
	}
	return stored, nil
}

func (s *SQLiteStore) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at DESC, id ASC`)
	if err != nil {
		return nil, fail("list users", err)
	}
	defer rows.Close()
	users := make([]domain.User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fail("list users", err)
		}
		users = append(users, u)
	}
	return users, fail("list users", rows.Err())
}

const conversationColumns = `id, user_id, title, model, created_at, updated_at`

func scanConversation(row rowScanner) (domain.Conversation, error) {
	var (
		m                ConversationModel
		created, updated int64
	)
	if err := row.Scan(&m.ID, &m.UserID, &m.Title, &m.Model, &created, &updated); err != nil {
		return domain.Conversation{}, err
	}
	m.CreatedAt, m.UpdatedAt = fromUnix(created), fromUnix(updated)
	return conversationFromModel(m)
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, c domain.Conversation) (domain.Conversation, error) {
	c, err := prepareConversation(c, s.now())
	if err != nil {
		return domain.Conversation{}, fail("create conversation", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO conversations (`+conversationColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.Title, c.Model, toUnix(c.CreatedAt), toUnix(c.UpdatedAt))
	if err != nil {
		return domain.Conversation{}, fail("create conversation", err)
	}
	return c, nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (domain.Conversation, bool, error) {
	c, err := scanConversation(s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Conversation{}, false, nil
	}
	if err != nil {
		return domain.Conversation{}, false, fail("get conversation", err)
	}
	return c, true, nil
}

func (s *SQLiteStore) UpdateConversation(ctx context.Context, id string, patch ConversationPatch) (domain.Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Conversation{}, fail("update conversation", err)
	}
	defer tx.Rollback()

	current, err := scanConversation(tx.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Conversation{}, fail("update conversation", ErrNotFound)
	}
	if err != nil {
		return domain.Conversation{}, fail("update conversation", err)
	}
	out := applyPatch(current, patch, s.now())
	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET title = ?, model = ?, updated_at = ? WHERE id = ?`,
		out.Title, out.Model, toUnix(out.UpdatedAt), id); err != nil {
		return domain.Conversation{}, fail("update conversation", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Conversation{}, fail("update conversation", err)
	}
	return out, nil
}

func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fail("delete conversation", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fail("delete conversation", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err := affectedOne("delete conversation", res, err); err != nil {
		return err
	}
	return fail("delete conversation", tx.Commit())
}

func (s *SQLiteStore) ListConversations(ctx context.Context, userID string, order Order) ([]domain.Conversation, error) {
	order = order.normalized()
	dir := "ASC"
	if order.Desc {
		dir = "DESC"
	}
	// order.Field is one of two constants after normalized.
	query := fmt.Sprintf(`SELECT %s FROM conversations WHERE user_id = ? ORDER BY %s %s, id %s`,
		conversationColumns, order.Field, dir, dir)
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fail("list conversations", err)
	}
	defer rows.Close()
	out := make([]domain.Conversation, 0)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fail("list conversations", err)
		}
		out = append(out, c)
	}
	return out, fail("list conversations", rows.Err())
}

func (s *SQLiteStore) CountConversations(ctx context.Context) (int64, error) {
	return s.count(ctx, "count conversations", `SELECT COUNT(*) FROM conversations`)
}

const messageColumns = `id, conversation_id, user_id, role, content, prompt_tokens, completion_tokens, created_at`

func scanMessage(row rowScanner) (domain.Message, error) {
	var (
		m       MessageModel
		created int64
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &m.UserID, &m.Role, &m.Content, &m.PromptTokens, &m.CompletionTokens, &created); err != nil {
		return domain.Message{}, err
	}
	m.CreatedAt = fromUnix(created)
	return messageFromModel(m)
}

func (s *SQLiteStore) CreateMessage(ctx context.Context, m domain.Message) (domain.Message, error) {
	m, err := prepareMessage(m, s.now())
	if err != nil {
		return domain.Message{}, fail("create message", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.UserID, string(m.Role), m.Content, m.PromptTokens, m.CompletionTokens, toUnix(m.CreatedAt))
	if err != nil {
		return domain.Message{}, fail("create message", err)
	}
	return m, nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? ORDER BY created_at ASC, id ASC`, conversationID)
	if err != nil {
		return nil, fail("list messages", err)
	}
	defer rows.Close()
	out := make([]domain.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fail("list messages", err)
		}
		out = append(out, m)
	}
	return out, fail("list messages", rows.Err())
}

func (s *SQLiteStore) DeleteMessage(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	return affectedOne("delete message", res, err)
}

func (s *SQLiteStore) CountMessages(ctx context.Context) (int64, error) {
	return s.count(ctx, "count messages", `SELECT COUNT(*) FROM messages`)
}

func (s *SQLiteStore) AppendUsageLogEntry(ctx context.Context, e domain.UsageLogEntry) (domain.UsageLogEntry, error) {
	e, err := prepareUsageEntry(e, s.now())
	if err != nil {
		return domain.UsageLogEntry{}, fail("append usage", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO usage_logs (id, user_id, message_id, tokens_used, cost_estimate, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.MessageID, e.TokensUsed, e.CostEstimate, toUnix(e.CreatedAt))
	if err != nil {
		return domain.UsageLogEntry{}, fail("append usage", err)
	}
	return e, nil
}

func (s *SQLiteStore) ListUsageLogEntries(ctx context.Context, filter UsageFilter) ([]domain.UsageLogEntry, error) {
	query := `SELECT id, user_id, message_id, tokens_used, cost_estimate, created_at FROM usage_logs WHERE 1 = 1`
	var args []any
	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if !filter.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, toUnix(filter.Since))
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, fail("list usage", err)
	}
	defer rows.Close()
	out := make([]domain.UsageLogEntry, 0)
	for rows.Next() {
		var (
			e       domain.UsageLogEntry
			created int64
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.MessageID, &e.TokensUsed, &e.CostEstimate, &created); err != nil {
			return nil, fail("list usage", err)
		}
		e.CreatedAt = fromUnix(created)
		out = append(out, e)
	}
	return out, fail("list usage", rows.Err())
}

func (s *SQLiteStore) GetChatSettings(ctx context.Context, userID string) (domain.ChatSettings, bool, error) {
	var (
		cs      domain.ChatSettings
		updated int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT user_id, model, temperature, max_tokens, updated_at FROM chat_settings WHERE user_id = ?`, userID).
		Scan(&cs.UserID, &cs.Model, &cs.Temperature, &cs.MaxTokens, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ChatSettings{}, false, nil
	}
	if err != nil {
		return domain.ChatSettings{}, false, fail("get settings", err)
	}
	cs.UpdatedAt = fromUnix(updated)
	return cs, true, nil
}

func (s *SQLiteStore) SaveChatSettings(ctx context.Context, cs domain.ChatSettings) (domain.ChatSettings, error) {
	cs, err := prepareSettings(cs, s.now())
	if err != nil {
		return domain.ChatSettings{}, fail("save settings", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chat_settings (user_id, model, temperature, max_tokens, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET model = excluded.model, temperature = excluded.temperature,
			max_tokens = excluded.max_tokens, updated_at = excluded.updated_at`,
		cs.UserID, cs.Model, cs.Temperature, cs.MaxTokens, toUnix(cs.UpdatedAt))
	if err != nil {
		return domain.ChatSettings{}, fail("save settings", err)
	}
	return cs, nil
}

func (s *SQLiteStore) AppendAdminLog(ctx context.Context, l domain.AdminLog) (domain.AdminLog, error) {
	l, err := prepareAdminLog(l, s.now())
	if err != nil {
		return domain.AdminLog{}, fail("append admin log", err)
	}
	details, err := encodeDetails(l.Details)
	if err != nil {
		return domain.AdminLog{}, fail("append admin log", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO admin_logs (id, admin_id, action, target_user_id, details, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		l.ID, l.AdminID, string(l.Action), l.TargetUserID, string(details), toUnix(l.CreatedAt))
	if err != nil {
		return domain.AdminLog{}, fail("append admin log", err)
	}
	return l, nil
}

func (s *SQLiteStore) ListAdminLogs(ctx context.Context, limit int) ([]domain.AdminLog, error) {
	if limit <= 0 {
		limit = defaultAdminLogLimit
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, admin_id, action, target_user_id, details, created_at FROM admin_logs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fail("list admin logs", err)
	}
	defer rows.Close()
	out := make([]domain.AdminLog, 0)
	for rows.Next() {
		var (
			m       AdminLogModel
			details string
			created int64
		)
		if err := rows.Scan(&m.ID, &m.AdminID, &m.Action, &m.TargetUserID, &details, &created); err != nil {
			return nil, fail("list admin logs", err)
		}
		m.Details = []byte(details)
		m.CreatedAt = fromUnix(created)
		l, err := adminLogFromModel(m)
		if err != nil {
			return nil, fail("list admin logs", err)
		}
		out = append(out, l)
	}
	return out, fail("list admin logs", rows.Err())
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) count(ctx context.Context, op, query string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fail(op, err)
	}
	return n, nil
}

func affectedOne(op string, res sql.Result, err error) error {
	if err != nil {
		return fail(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fail(op, err)
	}
	if n == 0 {
		return fail(op, ErrNotFound)
	}
	return nil
}
