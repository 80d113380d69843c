package server

import (
	"net/http"
	"time"

	"downpour/internal/auth"
	"downpour/internal/config"
	"downpour/internal/metrics"
	"downpour/internal/mw"
	"downpour/internal/rooms"
	"downpour/internal/service"
	"downpour/internal/store"
	"downpour/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
// 调用方负责在停服时调用 limiter.Stop()。
func SetupRouter(cfg config.Config, reg rooms.Registry, st store.Store, hub *ws.Hub, limiter *mw.Limiter) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	if limiter != nil {
		r.Use(limiter.Middleware())
	}
	r.Use(mw.CORS(cfg.ClientOrigin, cfg.Env))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := NewHandler(service.NewRoomService(reg, hub), service.NewMessageService(st, cfg.HistoryLimit))

	api := r.Group("/api")
	api.Use(auth.AnonSession(cfg.SessionSecret, cfg.SessionTTL, cfg.Env != "dev"))
	api.GET("/session", h.Session)
	api.POST("/rooms/create", h.CreateRoom)
	api.POST("/rooms/join", h.JoinRoom)
	api.GET("/transcript/:roomId", h.Transcript)

	r.GET("/ws", ws.Serve(hub, reg, st, cfg))
	return r
}

// NewLimiter 按配置创建限速器。
func NewLimiter(cfg config.Config) *mw.Limiter {
	return mw.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst, 2*time.Minute)
}
