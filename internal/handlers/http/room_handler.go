package http

import (
	"context"
	"net/http"

	"confroom/internal/core/domain"
	"confroom/internal/core/services"
	"confroom/internal/infrastructure/middleware"
	"confroom/internal/infrastructure/monitoring"
	apperrors "confroom/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RoomController is the part of the room session exposed over the admin API.
type RoomController interface {
	Snapshot() services.RoomSnapshot
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context, reason string) error
	RemoteStream(id domain.StreamID) (*domain.Stream, bool)
	Subscribe(ctx context.Context, s *domain.Stream, opts domain.SubscribeOptions) error
	Unsubscribe(ctx context.Context, s *domain.Stream) error
	HardMute(ctx context.Context, kind domain.MediaKind) error
	HardUnmute(ctx context.Context, kind domain.MediaKind) error
}

var _ RoomController = (*services.Room)(nil)

type RoomHandler struct {
	room       RoomController
	health     *monitoring.HealthChecker
	gatherer   prometheus.Gatherer
	adminToken string
}

// NewRoomHandler builds the admin handler. A nil gatherer disables /metrics.
func NewRoomHandler(room RoomController, health *monitoring.HealthChecker, gatherer prometheus.Gatherer, adminToken string) *RoomHandler {
	return &RoomHandler{
		room:       room,
		health:     health,
		gatherer:   gatherer,
		adminToken: adminToken,
	}
}

func (h *RoomHandler) SetupRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
	if h.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api/v1/room")
	{
		api.GET("", h.GetRoom)

		admin := api.Group("", middleware.AdminAuthMiddleware(h.adminToken))
		admin.POST("/connect", h.Connect)
		admin.POST("/disconnect", h.Disconnect)
		admin.POST("/streams/:id/subscribe", h.Subscribe)
		admin.DELETE("/streams/:id/subscribe", h.Unsubscribe)
		admin.POST("/hard-mute", h.HardMute)
	}
}

func (h *RoomHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *RoomHandler) Ready(c *gin.Context) {
	status := h.health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (h *RoomHandler) GetRoom(c *gin.Context) {
	c.JSON(http.StatusOK, h.room.Snapshot())
}

func (h *RoomHandler) Connect(c *gin.Context) {
	if err := h.room.Connect(c.Request.Context()); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, h.room.Snapshot())
}

func (h *RoomHandler) Disconnect(c *gin.Context) {
	var req struct {
		Reason string `json:"reason" binding:"max=200"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Error(apperrors.NewInvalidInputError(err.Error()))
			return
		}
	}
	if err := h.room.Disconnect(c.Request.Context(), req.Reason); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *RoomHandler) Subscribe(c *gin.Context) {
	stream, ok := h.remoteStream(c)
	if !ok {
		return
	}

	var opts domain.SubscribeOptions
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&opts); err != nil {
			c.Error(apperrors.NewInvalidInputError(err.Error()))
			return
		}
	}
	if err := h.room.Subscribe(c.Request.Context(), stream, opts); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *RoomHandler) Unsubscribe(c *gin.Context) {
	stream, ok := h.remoteStream(c)
	if !ok {
		return
	}
	if err := h.room.Unsubscribe(c.Request.Context(), stream); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *RoomHandler) HardMute(c *gin.Context) {
	var req struct {
		Media domain.MediaKind `json:"media" binding:"required,oneof=audio video"`
		Mute  bool             `json:"mute"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	var err error
	if req.Mute {
		err = h.room.HardMute(c.Request.Context(), req.Media)
	} else {
		err = h.room.HardUnmute(c.Request.Context(), req.Media)
	}
	if err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *RoomHandler) remoteStream(c *gin.Context) (*domain.Stream, bool) {
	id := domain.StreamID(c.Param("id"))
	stream, ok := h.room.RemoteStream(id)
	if !ok {
		c.Error(apperrors.NewNotFoundError("stream " + string(id)))
		return nil, false
	}
	return stream, true
}

// NewRouter assembles the admin engine with the standard middleware chain.
func NewRouter(h *RoomHandler, rateLimit gin.HandlerFunc, logger *zap.SugaredLogger) *gin.Engine {
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(logger),
		middleware.TracingMiddleware(),
		rateLimit,
		middleware.ErrorHandlerMiddleware(logger),
	)
	h.SetupRoutes(router)
	return router
}
