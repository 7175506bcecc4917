package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/addonhub/internal/core"
)

// DeviceHandler exposes the device event queue to the desktop add-on.
type DeviceHandler struct {
	deviceService core.DeviceService
	pollTimeout   time.Duration
	logger        *zap.Logger
}

// NewDeviceHandler creates a new DeviceHandler. pollTimeout bounds each long-poll.
func NewDeviceHandler(ds core.DeviceService, pollTimeout time.Duration, logger *zap.Logger) *DeviceHandler {
	return &DeviceHandler{deviceService: ds, pollTimeout: pollTimeout, logger: logger}
}

// Register handles POST /devices/register.
func (h *DeviceHandler) Register(c *gin.Context) {
	id, ok := requireIdentity(c)
	if !ok {
		return
	}

	var req DeviceRegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request payload", Details: err.Error()})
		return
	}

	reg, err := h.deviceService.Register(c.Request.Context(), id.UserID, req.DeviceID)
	if err != nil {
		respondError(c, h.logger, "", err)
		return
	}
	c.JSON(http.StatusOK, reg)
}

// NextEvent handles GET /devices/:deviceId/events. It answers 204 when no
// event arrived within the poll window.
func (h *DeviceHandler) NextEvent(c *gin.Context) {
	id, ok := requireIdentity(c)
	if !ok {
		return
	}

	event, err := h.deviceService.Next(c.Request.Context(), id.UserID, c.Param("deviceId"), h.pollTimeout)
	if err != nil {
		if c.Request.Context().Err() != nil {
			// Client went away.
			return
		}
		respondError(c, h.logger, "", err)
		return
	}
	if event == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, event)
}

// Disconnect handles DELETE /devices/:deviceId.
func (h *DeviceHandler) Disconnect(c *gin.Context) {
	id, ok := requireIdentity(c)
	if !ok {
		return
	}

	if err := h.deviceService.Disconnect(c.Request.Context(), id.UserID, c.Param("deviceId")); err != nil {
		respondError(c, h.logger, "", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "Device disconnected"})
}
