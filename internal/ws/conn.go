package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"downpour/internal/auth"
	"downpour/internal/config"
	"downpour/internal/metrics"
	"downpour/internal/protocol"
	"downpour/internal/rooms"
	"downpour/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 1 << 20 // 1MB
)

// Client is one admitted connection, bound to exactly one room and identity
// for its whole lifetime.
type Client struct {
	hub          *Hub
	room         *RoomHub
	conn         *websocket.Conn
	send         chan []byte
	store        store.Store
	storeTimeout time.Duration
	anonID       string
	uname        string
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Serve 完成握手校验后把连接加入房间；校验失败的连接收到 close 帧后立即断开，房间内其他人不会收到任何通知。
func Serve(h *Hub, reg rooms.Registry, st store.Store, cfg config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := protocol.Claims{
			AnonID:   c.Query("anonId"),
			Username: c.Query("username"),
			RoomID:   c.Query("roomId"),
		}
		if claims.AnonID == "" {
			claims.AnonID, _ = auth.SessionAnonID(c.Request, cfg.SessionSecret)
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}

		claims, err = claims.Normalize()
		if err != nil {
			reason := "missing_claims"
			if errors.Is(err, protocol.ErrClaimTooLong) {
				reason = "claim_too_long"
			}
			reject(conn, reason, err.Error())
			return
		}
		if _, err := reg.Lookup(c.Request.Context(), claims.RoomID); err != nil {
			switch {
			case errors.Is(err, rooms.ErrRoomNotFound):
				reject(conn, "room_not_found", err.Error())
			case errors.Is(err, rooms.ErrRoomExpired):
				reject(conn, "room_expired", err.Error())
			default:
				log.Error().Err(err).Str("room_id", claims.RoomID).Msg("admission room lookup")
				reject(conn, "room_lookup_failed", "room lookup failed")
			}
			return
		}

		rh := h.acquire(claims.RoomID)
		client := &Client{
			hub:          h,
			room:         rh,
			conn:         conn,
			send:         make(chan []byte, 256),
			store:        st,
			storeTimeout: cfg.StoreTimeout,
			anonID:       claims.AnonID,
			uname:        claims.Username,
		}
		rh.post(joinEvent{client})

		go client.writePump()
		client.readPump()
	}
}

func reject(conn *websocket.Conn, reason, text string) {
	metrics.AdmissionsRejected.WithLabelValues(reason).Inc()
	log.Info().Str("reason", reason).Str("remote", conn.RemoteAddr().String()).Msg("admission rejected")
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}

func (c *Client) readPump() {
	defer func() {
		c.room.post(leaveEvent{c})
		c.hub.release(c.room)
		_ = c.conn.Close()
	}()
	wait := c.hub.pongWait
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(wait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wait))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		in, err := protocol.DecodeInbound(data)
		if err != nil {
			// malformed events are dropped without telling the sender
			log.Debug().Err(err).Str("room_id", c.room.roomID).Msg("drop inbound")
			continue
		}
		switch m := in.(type) {
		case protocol.TypingStart:
			c.room.post(typingEvent{c: c, typing: true})
		case protocol.TypingStop:
			c.room.post(typingEvent{c: c, typing: false})
		case protocol.SendMessage:
			c.sendMessage(m)
			// pongs are not read while the append is pending
			c.conn.SetReadDeadline(time.Now().Add(wait))
		}
	}
}

// sendMessage persists before fanning out. The append is the only blocking
// step and it runs on this connection's reader, so other rooms and other
// connections keep flowing while it is pending. Failures are not retried.
func (c *Client) sendMessage(m protocol.SendMessage) {
	ctx := context.Background()
	if c.storeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.storeTimeout)
		defer cancel()
	}
	msg, err := c.store.Append(ctx, c.room.roomID, store.Record{
		AnonID:     c.anonID,
		Username:   c.uname,
		Ciphertext: m.Ciphertext,
		IV:         m.IV,
	})
	if err != nil {
		metrics.PersistFailures.Inc()
		log.Error().Err(err).Str("room_id", c.room.roomID).Str("anon_id", c.anonID).Msg("persist message")
		frame, encErr := protocol.Encode(protocol.EventError, protocol.ErrorEvent{Message: "Message delivery failed"})
		if encErr == nil {
			c.room.post(noticeEvent{c: c, frame: frame})
		}
		return
	}
	c.room.post(deliverEvent{msg: msg})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			_ = w.Close()
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
