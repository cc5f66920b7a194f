package repository

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/retailiq/analytics/models"
	"gorm.io/gorm"
)

// SessionUnavailableError signals that the session store is unreachable. It
// is fatal for the interaction: no turn can be durably recorded, so callers
// surface it immediately instead of retrying.
type SessionUnavailableError struct {
	Err error
}

func (e *SessionUnavailableError) Error() string {
	return fmt.Sprintf("session store unavailable: %v", e.Err)
}

func (e *SessionUnavailableError) Unwrap() error { return e.Err }

// GORMRepository is the session and memory store. Appends for the same
// session are serialized through a per-session mutex so two turns can never
// interleave their writes; independent sessions proceed concurrently.
type GORMRepository struct {
	db *gorm.DB

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewGORMRepository(db *gorm.DB) *GORMRepository {
	return &GORMRepository{
		db:    db,
		locks: make(map[string]*sync.Mutex),
	}
}

// AutoMigrate runs database migrations
func (r *GORMRepository) AutoMigrate() error {
	return r.db.AutoMigrate(
		&models.User{},
		&models.ChatSession{},
		&models.Turn{},
		&models.ToolCall{},
		&models.KnowledgeDocument{},
	)
}

func (r *GORMRepository) sessionLock(sessionID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[sessionID] = lock
	}
	return lock
}

// User operations
func (r *GORMRepository) CreateUser(ctx context.Context, user *models.User) error {
	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		slog.Error("Failed to create user", "error", err)
		return err
	}
	slog.Info("User created", "user_id", user.ID, "email", user.Email)
	return nil
}

func (r *GORMRepository) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).Where("email = ?", email).First(&user).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		slog.Error("Failed to get user by email", "error", err, "email", email)
		return nil, err
	}
	return &user, nil
}

func (r *GORMRepository) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&user).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		slog.Error("Failed to get user by ID", "error", err, "user_id", id)
		return nil, err
	}
	return &user, nil
}
