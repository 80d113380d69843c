// Package store is the durable, append-only ciphertext log.
package store

import (
	"context"
	"errors"
	"fmt"

	"downpour/internal/models"

	"gorm.io/gorm"
)

// DefaultHistoryLimit caps RecentHistory reads.
const DefaultHistoryLimit = 100

var ErrStoreUnavailable = errors.New("store unavailable")

// Record is what a sender contributes; ID and CreatedAt are assigned on append.
type Record struct {
	AnonID     string
	Username   string
	Ciphertext string
	IV         string
}

type Store interface {
	Append(ctx context.Context, roomID string, rec Record) (models.Message, error)
	RecentHistory(ctx context.Context, roomID string, limit int) ([]models.Message, error)
}

// GormStore 使用 gorm 持久化密文消息，按 (created_at, id) 定义房间内全序。
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Append(ctx context.Context, roomID string, rec Record) (models.Message, error) {
	msg := models.Message{
		RoomID:     roomID,
		AnonID:     rec.AnonID,
		Username:   rec.Username,
		Ciphertext: rec.Ciphertext,
		IV:         rec.IV,
	}
	if err := s.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return models.Message{}, fmt.Errorf("%w: append: %v", ErrStoreUnavailable, err)
	}
	return msg, nil
}

// RecentHistory 返回最近 limit 条消息，按到达顺序从旧到新。
func (s *GormStore) RecentHistory(ctx context.Context, roomID string, limit int) ([]models.Message, error) {
	if limit <= 0 || limit > DefaultHistoryLimit {
		limit = DefaultHistoryLimit
	}
	var msgs []models.Message
	err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("created_at desc, id desc").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("%w: recent history: %v", ErrStoreUnavailable, err)
	}
	// 反转为升序
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
