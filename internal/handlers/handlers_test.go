package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/beit-classifier/internal/classification"
	"github.com/Brownie44l1/beit-classifier/internal/inference"
)

type fixedPipeline struct {
	err error
}

func (p fixedPipeline) Classify(context.Context, image.Image) (classification.Classifications, error) {
	if p.err != nil {
		return nil, p.err
	}
	return classification.Classifications{{Label: "real", Score: 0.9}, {Label: "fake", Score: 0.1}}, nil
}

func (fixedPipeline) Close() error { return nil }

func newTestRouter(p inference.Pipeline) *gin.Engine {
	gin.SetMode(gin.TestMode)
	return SetupRoutes(NewHandler(inference.NewEndpointHandler(p), 1<<20))
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{R: 200, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func postJSON(router *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	router := newTestRouter(fixedPipeline{})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, w.Body.String())
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
}

func TestPredict(t *testing.T) {
	router := newTestRouter(fixedPipeline{})
	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes(t))
	for _, path := range []string{"/", "/predict"} {
		w := postJSON(router, path, map[string]string{"inputs": dataURL})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.JSONEq(t, `[{"label":"real","score":0.9},{"label":"fake","score":0.1}]`, w.Body.String())
	}
}

func TestPredictBadInput(t *testing.T) {
	router := newTestRouter(fixedPipeline{})
	for name, body := range map[string]any{
		"no inputs":    map[string]string{"image": "x"},
		"no separator": map[string]string{"inputs": "iVBORw0KGgo="},
		"not base64":   map[string]string{"inputs": "data:image/png;base64,***"},
		"not an image": map[string]string{"inputs": "data:text/plain;base64,aGVsbG8="},
	} {
		t.Run(name, func(t *testing.T) {
			w := postJSON(router, "/predict", body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), `"error"`)
		})
	}
}

func TestPredictPipelineFailure(t *testing.T) {
	router := newTestRouter(fixedPipeline{err: errors.New("session failed")})
	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes(t))
	w := postJSON(router, "/predict", map[string]string{"inputs": dataURL})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "session failed")
}

func TestPredictTooLarge(t *testing.T) {
	router := newTestRouter(fixedPipeline{})
	w := postJSON(router, "/predict", map[string]string{"inputs": "data:," + strings.Repeat("A", 2<<20)})
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestPredictFromImage(t *testing.T) {
	router := newTestRouter(fixedPipeline{})

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile(ImageField, "face.png")
	require.NoError(t, err)
	_, err = part.Write(pngBytes(t))
	require.NoError(t, err)
	require.NoError(t, form.Close())

	req := httptest.NewRequest(http.MethodPost, "/predict/image", &body)
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set(RequestIDHeader, "req-1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "req-1", w.Header().Get(RequestIDHeader))

	var got classification.Classifications
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "real", got[0].Label)
}

func TestPredictFromImageMissingField(t *testing.T) {
	router := newTestRouter(fixedPipeline{})
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	require.NoError(t, form.WriteField("other", "value"))
	require.NoError(t, form.Close())

	req := httptest.NewRequest(http.MethodPost, "/predict/image", &body)
	req.Header.Set("Content-Type", form.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	router := newTestRouter(fixedPipeline{})
	req := httptest.NewRequest(http.MethodOptions, "/predict", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
