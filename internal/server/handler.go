package server

import (
	"errors"
	"net/http"

	"downpour/internal/auth"
	"downpour/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	roomSvc *service.RoomService
	msgSvc  *service.MessageService
}

func NewHandler(roomSvc *service.RoomService, msgSvc *service.MessageService) *Handler {
	return &Handler{roomSvc: roomSvc, msgSvc: msgSvc}
}

// Session 返回当前匿名身份，cookie 由 AnonSession 中间件负责签发。
func (h *Handler) Session(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"anonId": auth.GetAnonID(c)})
}

// CreateRoom 创建一个新的临时房间。
func (h *Handler) CreateRoom(c *gin.Context) {
	room, err := h.roomSvc.Create(c.Request.Context())
	if err != nil {
		log.Error().Err(err).Str("anon_id", auth.GetAnonID(c)).Msg("create room")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"roomId": room.RoomID})
}

// JoinRoom 校验房间可加入，返回在线人数。
func (h *Handler) JoinRoom(c *gin.Context) {
	var req struct {
		RoomID string `json:"roomId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	room, err := h.roomSvc.Join(c.Request.Context(), req.RoomID)
	switch {
	case errors.Is(err, service.ErrRoomIDRequired):
		c.JSON(http.StatusBadRequest, gin.H{"error": "roomId required"})
	case errors.Is(err, service.ErrRoomNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
	case err != nil:
		log.Error().Err(err).Str("room_id", req.RoomID).Msg("join room")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to join room"})
	default:
		c.JSON(http.StatusOK, room)
	}
}

// Transcript 返回房间最近的密文历史，升序。
func (h *Handler) Transcript(c *gin.Context) {
	roomID := c.Param("roomId")
	msgs, err := h.msgSvc.Transcript(c.Request.Context(), roomID)
	if err != nil {
		log.Error().Err(err).Str("room_id", roomID).Msg("fetch transcript")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch transcript"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}
