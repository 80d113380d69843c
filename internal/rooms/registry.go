// Package rooms is the durable set of joinable room identifiers. Rooms
// expire a fixed TTL after creation and have no explicit delete path.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"time"

	"downpour/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const DefaultTTL = 24 * time.Hour

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomExpired  = errors.New("room expired")
)

type Room struct {
	ID        string    `json:"roomId"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type Registry interface {
	Create(ctx context.Context) (Room, error)
	Lookup(ctx context.Context, roomID string) (Room, error)
}

// GormRegistry 将房间保存在数据库中，过期行由 Sweep 定期清理。
type GormRegistry struct {
	db  *gorm.DB
	ttl time.Duration
	now func() time.Time
}

func NewGormRegistry(db *gorm.DB, ttl time.Duration) *GormRegistry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &GormRegistry{db: db, ttl: ttl, now: time.Now}
}

func (r *GormRegistry) Create(ctx context.Context) (Room, error) {
	now := r.now()
	row := models.Room{RoomID: uuid.NewString(), CreatedAt: now, ExpiresAt: now.Add(r.ttl)}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return Room{}, fmt.Errorf("create room: %w", err)
	}
	return fromModel(row), nil
}

func (r *GormRegistry) Lookup(ctx context.Context, roomID string) (Room, error) {
	var row models.Room
	err := r.db.WithContext(ctx).Where("room_id = ?", roomID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Room{}, ErrRoomNotFound
	}
	if err != nil {
		return Room{}, fmt.Errorf("lookup room: %w", err)
	}
	if row.Expired(r.now()) {
		return Room{}, ErrRoomExpired
	}
	return fromModel(row), nil
}

// Sweep 删除所有已过期的房间，返回删除行数。
func (r *GormRegistry) Sweep(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).Where("expires_at <= ?", r.now()).Delete(&models.Room{})
	return res.RowsAffected, res.Error
}

// RunSweeper blocks until ctx is done.
func (r *GormRegistry) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.Sweep(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("sweep expired rooms")
				continue
			}
			if n > 0 {
				log.Info().Int64("rooms", n).Msg("swept expired rooms")
			}
		}
	}
}

func fromModel(m models.Room) Room {
	return Room{ID: m.RoomID, CreatedAt: m.CreatedAt, ExpiresAt: m.ExpiresAt}
}
