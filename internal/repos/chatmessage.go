package repos

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/rowanlabs/syncboard-backend/internal/domain"
	"github.com/rowanlabs/syncboard-backend/internal/pkg/apperr"
	"github.com/rowanlabs/syncboard-backend/internal/pkg/logger"
)

type ChatMessageRepo interface {
	Create(ctx context.Context, msg *domain.ChatMessage) (*domain.ChatMessage, error)
	UpdateContent(ctx context.Context, id uuid.UUID, content string) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByProject(ctx context.Context, projectID uuid.UUID, limit int) ([]*domain.ChatMessage, error)
}

type chatMessageRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewChatMessageRepo(db *gorm.DB, log *logger.Logger) ChatMessageRepo {
	return &chatMessageRepo{db: db, log: log.With("repo", "ChatMessageRepo")}
}

func (r *chatMessageRepo) Create(ctx context.Context, msg *domain.ChatMessage) (*domain.ChatMessage, error) {
	if msg == nil {
		return nil, fmt.Errorf("missing message: %w", apperr.ErrInvalidArgument)
	}
	if msg.ProjectID == uuid.Nil {
		return nil, fmt.Errorf("missing project_id: %w", apperr.ErrInvalidArgument)
	}
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if err := r.db.WithContext(ctx).Create(msg).Error; err != nil {
		return nil, fmt.Errorf("create chat message: %w", err)
	}
	return msg, nil
}

func (r *chatMessageRepo) UpdateContent(ctx context.Context, id uuid.UUID, content string) error {
	if id == uuid.Nil {
		return fmt.Errorf("missing message id: %w", apperr.ErrInvalidArgument)
	}
	res := r.db.WithContext(ctx).
		Model(&domain.ChatMessage{}).
		Where("id = ?", id).
		Update("content", content)
	if res.Error != nil {
		return fmt.Errorf("update chat message content: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

func (r *chatMessageRepo) Delete(ctx context.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return fmt.Errorf("missing message id: %w", apperr.ErrInvalidArgument)
	}
	// Hard delete: abandoned AI placeholders must not linger as soft-deleted rows.
	if err := r.db.WithContext(ctx).Unscoped().Delete(&domain.ChatMessage{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("delete chat message: %w", err)
	}
	return nil
}

func (r *chatMessageRepo) ListByProject(ctx context.Context, projectID uuid.UUID, limit int) ([]*domain.ChatMessage, error) {
	if projectID == uuid.Nil {
		return nil, fmt.Errorf("missing project_id: %w", apperr.ErrInvalidArgument)
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []*domain.ChatMessage
	err := r.db.WithContext(ctx).
		Model(&domain.ChatMessage{}).
		Where("project_id = ?", projectID).
		Order("created_at ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return []*domain.ChatMessage{}, nil
		}
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	return out, nil
}
