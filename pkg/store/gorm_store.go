package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"chatassist/pkg/domain"
)

const migrateLockID int64 = 51823317

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormStore opens the DB and runs auto-migrations under an advisory lock,
// so several instances can start at once.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		return tx.AutoMigrate(
			&UserModel{},
			&ConversationModel{},
			&MessageModel{},
			&UsageLogModel{},
			&ChatSettingsModel{},
			&AdminLogModel{},
		)
	}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return newGormStore(db), nil
}

func newGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

func (s *GormStore) CreateUser(ctx context.Context, u domain.User) (domain.User, error) {
	u, err := prepareUser(u, s.now())
	if err != nil {
		return domain.User{}, fail("create user", err)
	}
	model := userToModel(u)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.User{}, fail("create user", err)
	}
	return u, nil
}

func (s *GormStore) GetUser(ctx context.Context, id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, fail("get user", err)
	}
	u, err := userFromModel(model)
	if err != nil {
		return domain.User{}, false, fail("get user", err)
	}
	return u, true, nil
}

// UpdateUser writes every mutable column; the last writer wins. Quota
// charges and admin edits use AddUserUsage and PatchUser instead.
func (s *GormStore) UpdateUser(ctx context.Context, u domain.User) (domain.User, error) {
	if err := validateUser(u); err != nil {
		return domain.User{}, fail("update user", err)
	}
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = s.now()
	}
	res := s.db.WithContext(ctx).Model(&UserModel{}).Where("id = ?", u.ID).Updates(map[string]any{
		"email":         u.Email,
		"tier":          string(u.Tier),
		"message_count": u.MessageCount,
		"token_count":   u.TokenCount,
		"role":          string(u.Role),
		"active":        u.Active,
		"updated_at":    u.UpdatedAt,
	})
	if res.Error != nil {
		return domain.User{}, fail("update user", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.User{}, fail("update user", ErrNotFound)
	}
	return s.reloadUser(ctx, "update user", u.ID)
}

func (s *GormStore) PatchUser(ctx context.Context, id string, patch UserPatch) (domain.User, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model UserModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&model, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		current, err := userFromModel(model)
		if err != nil {
			return err
		}
		out := applyUserPatch(current, patch, s.now())
		if err := validateUser(out); err != nil {
			return err
		}
		return tx.Model(&UserModel{}).Where("id = ?", id).Updates(map[string]any{
			"tier":       string(out.Tier),
			"role":       string(out.Role),
			"active":     out.Active,
			"updated_at": out.UpdatedAt,
		}).Error
	})
	if err != nil {
		return domain.User{}, fail("update user", err)
	}
	return s.reloadUser(ctx, "update user", id)
}

func (s *GormStore) AddUserUsage(ctx context.Context, id string, charge UsageCharge) (domain.User, error) {
	if err := validateCharge(id, charge); err != nil {
		return domain.User{}, fail("charge user", err)
	}
	at := charge.At
	if at.IsZero() {
		at = s.now()
	}
	res := s.db.WithContext(ctx).Model(&UserModel{}).Where("id = ?", id).Updates(map[string]any{
		"message_count": gorm.Expr("message_count + ?", charge.Messages),
		"token_count":   gorm.Expr("token_count + ?", charge.Tokens),
		"updated_at":    at,
	})
	if res.Error != nil {
		return domain.User{}, fail("charge user", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.User{}, fail("charge user", ErrNotFound)
	}
	return s.reloadUser(ctx, "charge user", id)
}

func (s *GormStore) reloadUser(ctx context.Context, op, id string) (domain.User, error) {
	stored, ok, err := s.GetUser(ctx, id)
	if err != nil {
		return domain.User{}, err
	}
	if !ok {
		return domain.User{}, fail(op, ErrNotFound)
	}
	return stored, nil
}

func (s *GormStore) ListUsers(ctx context.Context) ([]domain.User, error) {
	var models []UserModel
	if err := s.db.WithContext(ctx).Order("created_at DESC").Order("id ASC").Find(&models).Error; err != nil {
		return nil, fail("list users", err)
	}
	users := make([]domain.User, 0, len(models))
	for _, m := range models {
		u, err := userFromModel(m)
		if err != nil {
			return nil, fail("list users", err)
		}
		users = append(users, u)
	}
	return users, nil
}

func (s *GormStore) CreateConversation(ctx context.Context, c domain.Conversation) (domain.Conversation, error) {
	c, err := prepareConversation(c, s.now())
	if err != nil {
		return domain.Conversation{}, fail("create conversation", err)
	}
	model := conversationToModel(c)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.Conversation{}, fail("create conversation", err)
	}
	return c, nil
}

func (s *GormStore) GetConversation(ctx context.Context, id string) (domain.Conversation, bool, error) {
	var model ConversationModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Conversation{}, false, nil
		}
		return domain.Conversation{}, false, fail("get conversation", err)
	}
	c, err := conversationFromModel(model)
	if err != nil {
		return domain.Conversation{}, false, fail("get conversation", err)
	}
	return c, true, nil
}

func (s *GormStore) UpdateConversation(ctx context.Context, id string, patch ConversationPatch) (domain.Conversation, error) {
	var out domain.Conversation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model ConversationModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&model, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		current, err := conversationFromModel(model)
		if err != nil {
			return err
		}
		out = applyPatch(current, patch, s.now())
		return tx.Model(&ConversationModel{}).Where("id = ?", id).Updates(map[string]any{
			"title":      out.Title,
			"model":      out.Model,
			"updated_at": out.UpdatedAt,
		}).Error
	})
	if err != nil {
		return domain.Conversation{}, fail("update conversation", err)
	}
	return out, nil
}

func (s *GormStore) DeleteConversation(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&MessageModel{}, "conversation_id = ?", id).Error; err != nil {
			return err
		}
		res := tx.Delete(&ConversationModel{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
	return fail("delete conversation", err)
}

func (s *GormStore) ListConversations(ctx context.Context, userID string, order Order) ([]domain.Conversation, error) {
	order = order.normalized()
	var models []ConversationModel
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).
		Order(clause.OrderByColumn{Column: clause.Column{Name: string(order.Field)}, Desc: order.Desc}).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "id"}, Desc: order.Desc}).
		Find(&models).Error; err != nil {
		return nil, fail("list conversations", err)
	}
	items := make([]domain.Conversation, 0, len(models))
	for _, m := range models {
		c, err := conversationFromModel(m)
		if err != nil {
			return nil, fail("list conversations", err)
		}
		items = append(items, c)
	}
	return items, nil
}

func (s *GormStore) CountConversations(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&ConversationModel{}).Count(&n).Error; err != nil {
		return 0, fail("count conversations", err)
	}
	return n, nil
}

func (s *GormStore) CreateMessage(ctx context.Context, m domain.Message) (domain.Message, error) {
	m, err := prepareMessage(m, s.now())
	if err != nil {
		return domain.Message{}, fail("create message", err)
	}
	model := messageToModel(m)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.Message{}, fail("create message", err)
	}
	return m, nil
}

func (s *GormStore) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	var models []MessageModel
	if err := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&models).Error; err != nil {
		return nil, fail("list messages", err)
	}
	msgs := make([]domain.Message, 0, len(models))
	for _, model := range models {
		msg, err := messageFromModel(model)
		if err != nil {
			return nil, fail("list messages", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (s *GormStore) DeleteMessage(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&MessageModel{}, "id = ?", id)
	if res.Error != nil {
		return fail("delete message", res.Error)
	}
	if res.RowsAffected == 0 {
		return fail("delete message", ErrNotFound)
	}
	return nil
}

func (s *GormStore) CountMessages(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&MessageModel{}).Count(&n).Error; err != nil {
		return 0, fail("count messages", err)
	}
	return n, nil
}

func (s *GormStore) AppendUsageLogEntry(ctx context.Context, e domain.UsageLogEntry) (domain.UsageLogEntry, error) {
	e, err := prepareUsageEntry(e, s.now())
	if err != nil {
		return domain.UsageLogEntry{}, fail("append usage", err)
	}
	model := usageToModel(e)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.UsageLogEntry{}, fail("append usage", err)
	}
	return e, nil
}

func (s *GormStore) ListUsageLogEntries(ctx context.Context, filter UsageFilter) ([]domain.UsageLogEntry, error) {
	query := s.db.WithContext(ctx).Model(&UsageLogModel{})
	if filter.UserID != "" {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if !filter.Since.IsZero() {
		query = query.Where("created_at >= ?", filter.Since.UTC())
	}
	var models []UsageLogModel
	if err := query.Order("created_at ASC").Order("id ASC").Find(&models).Error; err != nil {
		return nil, fail("list usage", err)
	}
	out := make([]domain.UsageLogEntry, 0, len(models))
	for _, m := range models {
		out = append(out, usageFromModel(m))
	}
	return out, nil
}

func (s *GormStore) GetChatSettings(ctx context.Context, userID string) (domain.ChatSettings, bool, error) {
	var model ChatSettingsModel
	if err := s.db.WithContext(ctx).First(&model, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ChatSettings{}, false, nil
		}
		return domain.ChatSettings{}, false, fail("get settings", err)
	}
	return settingsFromModel(model), true, nil
}

func (s *GormStore) SaveChatSettings(ctx context.Context, cs domain.ChatSettings) (domain.ChatSettings, error) {
	cs, err := prepareSettings(cs, s.now())
	if err != nil {
		return domain.ChatSettings{}, fail("save settings", err)
	}
	model := settingsToModel(cs)
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"model", "temperature", "max_tokens", "updated_at"}),
	}).Create(&model).Error; err != nil {
		return domain.ChatSettings{}, fail("save settings", err)
	}
	return cs, nil
}

func (s *GormStore) AppendAdminLog(ctx context.Context, l domain.AdminLog) (domain.AdminLog, error) {
	l, err := prepareAdminLog(l, s.now())
	if err != nil {
		return domain.AdminLog{}, fail("append admin log", err)
	}
	model, err := adminLogToModel(l)
	if err != nil {
		return domain.AdminLog{}, fail("append admin log", err)
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.AdminLog{}, fail("append admin log", err)
	}
	return l, nil
}

func (s *GormStore) ListAdminLogs(ctx context.Context, limit int) ([]domain.AdminLog, error) {
	if limit <= 0 {
		limit = defaultAdminLogLimit
	}
	var models []AdminLogModel
	if err := s.db.WithContext(ctx).Order("created_at DESC").Order("id DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, fail("list admin logs", err)
	}
	out := make([]domain.AdminLog, 0, len(models))
	for _, m := range models {
		l, err := adminLogFromModel(m)
		if err != nil {
			return nil, fail("list admin logs", err)
		}
		out = append(out, l)
	}
	return out, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
