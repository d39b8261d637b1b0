package handlers

import (
	"context"
	"errors"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/faceshape-relay/internal/logging"
	"github.com/example/faceshape-relay/internal/upload"
	"github.com/example/faceshape-relay/internal/upstream"
	"github.com/example/faceshape-relay/internal/usecase"
)

// Error messages returned to callers. Internal details never leave the process.
const (
	MsgNoImage          = "No image uploaded"
	MsgUnsupportedImage = "Only .jpg, .jpeg, and .png formats are allowed!"
	MsgImageTooLarge    = "image exceeds maximum upload size"
	MsgDetectionFailed  = "Face shape detection failed"
	MsgStatusNotFound   = "request not found"
)

// LivenessText is served on GET /.
const LivenessText = "Face shape relay is running"

// multipartOverhead is the slack allowed on top of the image limit for form framing.
const multipartOverhead = 64 << 10

// Relayer is the relay use case as seen by the HTTP layer.
type Relayer interface {
	Relay(ctx context.Context, requestID string, img *upload.Image) (*usecase.Result, error)
	GetStatus(ctx context.Context, requestID string) (*usecase.Status, error)
}

// ImageSaver validates and stores uploads.
type ImageSaver interface {
	Save(fh *multipart.FileHeader) (*upload.Image, error)
}

// Deps carries everything RegisterRoutes needs.
type Deps struct {
	Relay          Relayer
	Images         ImageSaver
	MaxUploadBytes int64
	Logger         *zap.Logger
	// Auth guards the relay and status routes when non-nil.
	Auth gin.HandlerFunc
}

type handler struct {
	relay    Relayer
	images   ImageSaver
	maxBytes int64
	logger   *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, deps Deps) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handler{
		relay:    deps.Relay,
		images:   deps.Images,
		maxBytes: deps.MaxUploadBytes,
		logger:   logger.Named("http"),
	}

	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, LivenessText)
	})
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/")
	if deps.Auth != nil {
		protected.Use(deps.Auth)
	}
	protected.POST("/detect-face-shape", h.detectFaceShape)
	protected.GET("/requests/:id", h.requestStatus)
}

func (h *handler) detectFaceShape(c *gin.Context) {
	requestID := uuid.NewString()
	c.Header("X-Request-ID", requestID)
	opLogger := logging.WithOperation(h.logger, "http.detect_face_shape", requestID)

	if h.maxBytes > 0 {
		limit := h.maxBytes + multipartOverhead
		if c.Request.ContentLength > limit {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": MsgImageTooLarge})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
	}

	file, err := c.FormFile(upstream.FormField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": MsgImageTooLarge})
			return
		}
		opLogger.Info("no image uploaded", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": MsgNoImage})
		return
	}
	if h.maxBytes > 0 && file.Size > h.maxBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": MsgImageTooLarge})
		return
	}

	img, err := h.images.Save(file)
	if errors.Is(err, upload.ErrUnsupportedMediaType) {
		opLogger.Info("rejected upload", zap.String("filename", file.Filename), zap.String("content_type", file.Header.Get("Content-Type")))
		c.JSON(http.StatusBadRequest, gin.H{"error": MsgUnsupportedImage})
		return
	}
	if err != nil {
		wrapped := logging.NewOperationError("scratch.save", requestID, err)
		opLogger.Error("failed to store upload", zap.Error(wrapped))
		_ = c.Error(wrapped)
		c.JSON(http.StatusInternalServerError, gin.H{"error": MsgDetectionFailed})
		return
	}
	opLogger.Info("file received", zap.String("filename", img.Filename), zap.String("content_type", img.MIMEType), zap.Int64("size", img.Size))

	result, err := h.relay.Relay(c.Request.Context(), requestID, img)
	if err != nil {
		_ = c.Error(err)
		h.writeRelayError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", result.Body)
}

func (h *handler) writeRelayError(c *gin.Context, err error) {
	var rejected *upstream.RejectedError
	var unreachable *upstream.UnreachableError
	switch {
	case errors.As(err, &rejected):
		contentType := rejected.ContentType
		if contentType == "" {
			contentType = "application/json; charset=utf-8"
		}
		c.Data(rejected.StatusCode, contentType, rejected.Body)
	case errors.As(err, &unreachable), errors.Is(err, usecase.ErrInvalidUpstreamResponse):
		c.JSON(http.StatusBadGateway, gin.H{"error": MsgDetectionFailed})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": MsgDetectionFailed})
	}
}

func (h *handler) requestStatus(c *gin.Context) {
	requestID := c.Param("id")
	if _, err := uuid.Parse(requestID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a request id"})
		return
	}

	status, err := h.relay.GetStatus(c.Request.Context(), requestID)
	if errors.Is(err, usecase.ErrStatusNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": MsgStatusNotFound})
		return
	}
	if err != nil {
		logging.WithOperation(h.logger, "http.request_status", requestID).Error("failed to load status", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load request status"})
		return
	}
	c.JSON(http.StatusOK, status)
}
