package service

import (
	"context"

	"downpour/internal/protocol"
	"downpour/internal/store"
)

// MessageService 封装密文历史的读取。
type MessageService struct {
	store store.Store
	limit int
}

func NewMessageService(st store.Store, limit int) *MessageService {
	if limit <= 0 || limit > store.DefaultHistoryLimit {
		limit = store.DefaultHistoryLimit
	}
	return &MessageService{store: st, limit: limit}
}

// Transcript 返回房间最近的密文消息，按到达顺序升序排列，字段与实时推送的 message:receive 一致。
func (s *MessageService) Transcript(ctx context.Context, roomID string) ([]protocol.MessageReceived, error) {
	msgs, err := s.store.RecentHistory(ctx, roomID, s.limit)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.MessageReceived, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, protocol.MessageReceived{
			ID:         m.ID,
			Username:   m.Username,
			Ciphertext: m.Ciphertext,
			IV:         m.IV,
			CreatedAt:  m.CreatedAt,
		})
	}
	return out, nil
}
