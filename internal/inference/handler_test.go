package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/beit-classifier/internal/classification"
)

// brightnessPipeline scores "light" by the mean brightness of the image.
type brightnessPipeline struct {
	calls int
}

func (p *brightnessPipeline) Classify(_ context.Context, img image.Image) (classification.Classifications, error) {
	p.calls++
	bounds := img.Bounds()
	var sum float64
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			sum += float64(r+g+b) / (3 * 0xffff)
		}
	}
	light := float32(sum / float64(bounds.Dx()*bounds.Dy()))
	cs, err := classification.FromLogits([]float32{4*light - 2, 2 - 4*light}, []string{"light", "dark"})
	if err != nil {
		return nil, err
	}
	return cs.TopK(5), nil
}

func (p *brightnessPipeline) Close() error { return nil }

func pngDataURL(t *testing.T, c color.Color) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

func requestBody(t *testing.T, inputs string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]string{"inputs": inputs})
	require.NoError(t, err)
	return body
}

func TestHandleWellFormed(t *testing.T) {
	h := NewEndpointHandler(&brightnessPipeline{})
	cs, err := h.Handle(context.Background(), requestBody(t, pngDataURL(t, color.White)))
	require.NoError(t, err)
	require.NotEmpty(t, cs)
	assert.Equal(t, "light", cs[0].Label)
	for i, c := range cs {
		assert.GreaterOrEqual(t, c.Score, 0.0)
		assert.LessOrEqual(t, c.Score, 1.0)
		if i > 0 {
			assert.GreaterOrEqual(t, cs[i-1].Score, c.Score)
		}
	}
}

func TestHandleRawString(t *testing.T) {
	h := NewEndpointHandler(&brightnessPipeline{})
	body, err := json.Marshal(pngDataURL(t, color.Black))
	require.NoError(t, err)
	cs, err := h.Handle(context.Background(), body)
	require.NoError(t, err)
	assert.Equal(t, "dark", cs[0].Label)
}

func TestHandleMissingSeparator(t *testing.T) {
	pipeline := &brightnessPipeline{}
	h := NewEndpointHandler(pipeline)
	dataURL := pngDataURL(t, color.White)
	headerless := dataURL[len("data:image/png;base64,"):]

	for range 3 {
		cs, err := h.HandleInputs(context.Background(), headerless)
		require.ErrorIs(t, err, ErrMissingSeparator)
		assert.Nil(t, cs)
	}
	assert.Zero(t, pipeline.calls)
}

func TestHandleNotAnImage(t *testing.T) {
	h := NewEndpointHandler(&brightnessPipeline{})
	inputs := "data:text/plain;base64," + base64.StdEncoding.EncodeToString([]byte("definitely not pixels"))
	_, err := h.HandleInputs(context.Background(), inputs)
	require.ErrorIs(t, err, ErrInvalidImage)
	assert.Contains(t, err.Error(), "text/plain")
	assert.True(t, IsInputError(err))
}

func TestHandleDeterministic(t *testing.T) {
	h := NewEndpointHandler(&brightnessPipeline{})
	body := requestBody(t, pngDataURL(t, color.Gray{Y: 90}))
	first, err := h.Handle(context.Background(), body)
	require.NoError(t, err)
	for range 3 {
		again, err := h.Handle(context.Background(), body)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestExtractPayload(t *testing.T) {
	for _, body := range []string{``, `{}`, `{"inputs": ""}`, `{"inputs": 12}`, `[1, 2]`, `""`, `not json`} {
		_, err := ExtractPayload([]byte(body))
		assert.ErrorIs(t, err, ErrMissingInputs, "body %q", body)
	}
	got, err := ExtractPayload([]byte(`{"inputs": "data:,abc", "parameters": {}}`))
	require.NoError(t, err)
	assert.Equal(t, "data:,abc", got)
}

func TestDecodeDataURL(t *testing.T) {
	want := []byte("hello")
	for _, s := range []string{
		"data:application/octet-stream;base64,aGVsbG8=",
		"data:application/octet-stream;base64,aGVsbG8",
		"anything,aGVs\nbG8=",
		",aGVsbG8=",
	} {
		got, err := DecodeDataURL(s)
		require.NoError(t, err, s)
		assert.Equal(t, want, got, s)
	}

	// Only the first comma separates the header.
	_, err := DecodeDataURL("data:a,b,c")
	assert.ErrorIs(t, err, ErrInvalidBase64)

	_, err = DecodeDataURL("aGVsbG8=")
	assert.ErrorIs(t, err, ErrMissingSeparator)
}

type failingPipeline struct{}

func (failingPipeline) Classify(context.Context, image.Image) (classification.Classifications, error) {
	return nil, errors.New("device lost")
}

func (failingPipeline) Close() error { return nil }

func TestHandlePipelineError(t *testing.T) {
	h := NewEndpointHandler(failingPipeline{})
	_, err := h.Handle(context.Background(), requestBody(t, pngDataURL(t, color.White)))
	require.Error(t, err)
	assert.False(t, IsInputError(err))
}

func TestHandlePostprocessors(t *testing.T) {
	h := NewEndpointHandler(&brightnessPipeline{}, classification.NewScoreFilter(0.5))
	cs, err := h.Handle(context.Background(), requestBody(t, pngDataURL(t, color.White)))
	require.NoError(t, err)
	require.Len(t, cs, 1)
	assert.Equal(t, "light", cs[0].Label)

	h = NewEndpointHandler(&brightnessPipeline{}, classification.NewLabelFilter("DARK"))
	cs, err = h.Handle(context.Background(), requestBody(t, pngDataURL(t, color.White)))
	require.NoError(t, err)
	require.Len(t, cs, 1)
	assert.Equal(t, "dark", cs[0].Label)
}
