package controller

import (
	"io"
	"mime"
	"net/http"
	"path"

	"judgeflow/internal/common/storage"
	appErr "judgeflow/pkg/errors"
	"judgeflow/pkg/utils/logger"
	"judgeflow/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// StaticController serves stored artifacts under a fixed prefix.
type StaticController struct {
	storage storage.ObjectStorage
	prefix  string
}

// NewStaticController creates a static controller.
func NewStaticController(objectStorage storage.ObjectStorage, prefix string) *StaticController {
	return &StaticController{storage: objectStorage, prefix: prefix}
}

// Get streams one artifact. zstd-compressed objects are decoded on the fly.
func (h *StaticController) Get(c *gin.Context) {
	key, err := storage.CleanKey(c.Param("path"))
	if err != nil {
		response.Error(c, err)
		return
	}
	if h.storage == nil {
		response.Error(c, appErr.New(appErr.ServiceUnavailable).WithMessage("artifact storage is not configured"))
		return
	}
	objectKey := path.Join(h.prefix, key)

	ctx := c.Request.Context()
	reader, _, err := h.storage.GetObject(ctx, objectKey)
	if err != nil {
		response.Error(c, err)
		return
	}
	defer reader.Close()

	body, err := storage.DecodingReader(reader)
	if err != nil {
		response.Error(c, appErr.Wrapf(err, appErr.StorageError, "decode artifact failed"))
		return
	}
	defer body.Close()

	contentType := mime.TypeByExtension(path.Ext(key))
	if contentType == "" {
		contentType = "text/plain; charset=utf-8"
	}
	c.Header("Content-Type", contentType)
	c.Header("X-Content-Type-Options", "nosniff")
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, body); err != nil {
		logger.Warn(ctx, "stream artifact failed", zap.String("key", objectKey), zap.Error(err))
	}
}
