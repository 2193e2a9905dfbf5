package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/Brownie44l1/beit-classifier/internal/inference"
)

// ImageField is the multipart form field holding an uploaded image.
const ImageField = "image"

type Handler struct {
	endpoint       *inference.EndpointHandler
	maxUploadBytes int64
}

func NewHandler(endpoint *inference.EndpointHandler, maxUploadBytes int64) *Handler {
	return &Handler{
		endpoint:       endpoint,
		maxUploadBytes: maxUploadBytes,
	}
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// Predict classifies a JSON request: {"inputs": "data:image/...;base64,..."} or the bare string.
func (h *Handler) Predict(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes))
	if err != nil {
		readFailed(c, err)
		return
	}
	result, err := h.endpoint.Handle(c.Request.Context(), body)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// PredictFromImage classifies an image uploaded as a multipart form file.
func (h *Handler) PredictFromImage(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)
	header, err := c.FormFile(ImageField)
	if errors.As(err, new(*http.MaxBytesError)) {
		readFailed(c, err)
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no image file provided, use '" + ImageField + "' as the form field name"})
		return
	}
	file, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read uploaded file"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		readFailed(c, err)
		return
	}
	klog.V(1).Infof("received file %q, %d bytes", header.Filename, len(data))

	img, err := inference.DecodeImage(data)
	if err != nil {
		h.fail(c, err)
		return
	}
	result, err := h.endpoint.HandleImage(c.Request.Context(), img)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) fail(c *gin.Context, err error) {
	requestID := c.GetString(RequestIDKey)
	if inference.IsInputError(err) {
		klog.Infof("request %s: bad input: %v", requestID, err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	klog.Errorf("request %s: prediction failed: %+v", requestID, err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "prediction failed"})
}

func readFailed(c *gin.Context, err error) {
	if errors.As(err, new(*http.MaxBytesError)) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request: " + err.Error()})
}
