package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"downpour/internal/rooms"
	"downpour/internal/ws"
)

// RoomService 封装房间相关的业务逻辑。
type RoomService struct {
	reg rooms.Registry
	hub *ws.Hub
}

func NewRoomService(reg rooms.Registry, hub *ws.Hub) *RoomService {
	return &RoomService{reg: reg, hub: hub}
}

// RoomDTO 是对外输出的房间数据。
type RoomDTO struct {
	RoomID string `json:"roomId"`
	Online int    `json:"online"`
}

// Create 创建新房间，房间在 TTL 到期后自动失效。
func (s *RoomService) Create(ctx context.Context) (*RoomDTO, error) {
	room, err := s.reg.Create(ctx)
	if err != nil {
		return nil, err
	}
	return &RoomDTO{RoomID: room.ID}, nil
}

// Join 校验房间存在且未过期，附带当前在线人数。过期房间与不存在的房间对外一视同仁。
func (s *RoomService) Join(ctx context.Context, roomID string) (*RoomDTO, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return nil, ErrRoomIDRequired
	}
	room, err := s.reg.Lookup(ctx, roomID)
	if err != nil {
		if errors.Is(err, rooms.ErrRoomNotFound) || errors.Is(err, rooms.ErrRoomExpired) {
			return nil, fmt.Errorf("%w: %w", ErrRoomNotFound, err)
		}
		return nil, err
	}
	return &RoomDTO{RoomID: room.ID, Online: s.hub.Online(room.ID)}, nil
}
