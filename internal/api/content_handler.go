package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/addonhub/internal/core"
	"github.com/example/addonhub/internal/models"
)

// ContentHandler serves add-on scripts.
type ContentHandler struct {
	contentService core.ContentService
	upgradeURL     string
	logger         *zap.Logger
}

// NewContentHandler creates a new ContentHandler.
func NewContentHandler(cs core.ContentService, upgradeURL string, logger *zap.Logger) *ContentHandler {
	return &ContentHandler{contentService: cs, upgradeURL: upgradeURL, logger: logger}
}

// ListScripts handles GET /content/scripts?folder=.
func (h *ContentHandler) ListScripts(c *gin.Context) {
	if _, ok := requireIdentity(c); !ok {
		return
	}

	scripts, err := h.contentService.ListScripts(c.Request.Context(), c.Query("folder"))
	if err != nil {
		respondError(c, h.logger, h.upgradeURL, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scripts": scripts})
}

// Download handles POST /content/download. The payload is zlib compressed
// then encrypted and serialized as base64 by encoding/json.
func (h *ContentHandler) Download(c *gin.Context) {
	id, ok := requireIdentity(c)
	if !ok {
		return
	}

	var req models.DownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request payload", Details: err.Error()})
		return
	}

	res, err := h.contentService.Download(c.Request.Context(), id, req.Key, req.CurrentHash)
	if err != nil {
		respondError(c, h.logger, h.upgradeURL, err)
		return
	}
	h.logger.Debug("Script served", zap.String("userID", id.UserID), zap.String("deviceID", req.DeviceID),
		zap.String("key", res.Key), zap.Bool("unchanged", res.UpToDate))
	c.JSON(http.StatusOK, res)
}
