package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tutortoise/object-detection-service/detections"
	"github.com/Tutortoise/object-detection-service/images"
	"github.com/Tutortoise/object-detection-service/models"
)

type fakeModel struct {
	loaded    bool
	device    string
	dets      []models.Detection
	err       error
	panicWith interface{}

	mu     sync.Mutex
	calls  int
	bounds []image.Rectangle
}

func (m *fakeModel) IsLoaded() bool { return m.loaded }

func (m *fakeModel) Device() string { return m.device }

func (m *fakeModel) Stats() (detections.PoolStats, bool) {
	if !m.loaded {
		return detections.PoolStats{}, false
	}
	return detections.PoolStats{Size: 2, Live: 2}, true
}

func (m *fakeModel) Detect(_ context.Context, img image.Image, _ *models.ProcessingTimings) ([]models.Detection, error) {
	m.mu.Lock()
	m.calls++
	m.bounds = append(m.bounds, img.Bounds())
	m.mu.Unlock()
	if m.panicWith != nil {
		panic(m.panicWith)
	}
	return m.dets, m.err
}

func (m *fakeModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func twoCars() []models.Detection {
	return []models.Detection{
		{ClassID: 2, ClassName: "car", Confidence: 0.912, Box: models.BoundingBox{X1: 1, Y1: 2, X2: 10, Y2: 12}},
		{ClassID: 2, ClassName: "car", Confidence: 0.7, Box: models.BoundingBox{X1: 15.5, Y1: 3, X2: 30, Y2: 20.25}},
	}
}

func newTestHandler(model *fakeModel, ratePerMin int) (*AppState, http.Handler) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	state := NewAppState(model, logrus.NewEntry(log), ratePerMin)
	return state, state.Handler([]string{"*"}, io.Discard)
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 7), G: uint8(y * 5), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func multipartRequest(t *testing.T, field string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("note", "ignored"))
	fw, err := mw.CreateFormFile(field, "upload.png")
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/detect", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

type countingBody struct {
	r io.Reader
	n int
}

func (c *countingBody) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

func TestDetectSuccess(t *testing.T) {
	model := &fakeModel{loaded: true, device: "cpu", dets: twoCars()}
	_, h := newTestHandler(model, 0)

	rec := serve(h, multipartRequest(t, "file", pngBytes(t, 32, 24)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{
		"success": true,
		"summary": {"total_detections": 2, "class_counts": {"car": 2}},
		"detections": [
			{"class_name": "car", "confidence": 0.912, "bounding_box": {"x1": 1, "y1": 2, "x2": 10, "y2": 12}},
			{"class_name": "car", "confidence": 0.7, "bounding_box": {"x1": 15.5, "y1": 3, "x2": 30, "y2": 20.25}}
		]
	}`, rec.Body.String())

	require.Equal(t, 1, model.callCount())
	assert.Equal(t, image.Rect(0, 0, 32, 24), model.bounds[0])
}

func TestDetectNothingFound(t *testing.T) {
	model := &fakeModel{loaded: true}
	_, h := newTestHandler(model, 0)

	rec := serve(h, multipartRequest(t, "file", pngBytes(t, 8, 8)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"summary":{"total_detections":0,"class_counts":{}},"detections":[]}`, rec.Body.String())
}

func TestDetectRawBody(t *testing.T) {
	model := &fakeModel{loaded: true, dets: twoCars()}
	_, h := newTestHandler(model, 0)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/detect", bytes.NewReader(pngBytes(t, 20, 10)))
	req.Header.Set("Content-Type", "image/png")
	rec := serve(h, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, image.Rect(0, 0, 20, 10), model.bounds[0])
}

func TestDetectBase64JSON(t *testing.T) {
	model := &fakeModel{loaded: true, dets: twoCars()}
	_, h := newTestHandler(model, 0)

	payload, err := json.Marshal(map[string]string{"image": base64.StdEncoding.EncodeToString(pngBytes(t, 12, 6))})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/detect", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := serve(h, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, image.Rect(0, 0, 12, 6), model.bounds[0])

	req = httptest.NewRequest(http.MethodPost, "/api/v1/detect", bytes.NewReader([]byte(`{"image":"not base64!"}`)))
	req.Header.Set("Content-Type", "application/json")
	rec = serve(h, req)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestDetectModelNotLoaded(t *testing.T) {
	model := &fakeModel{loaded: false}
	_, h := newTestHandler(model, 0)

	req := multipartRequest(t, "file", pngBytes(t, 8, 8))
	body := &countingBody{r: req.Body}
	req.Body = io.NopCloser(body)

	rec := serve(h, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"success":false,"error":"model is not loaded","code":"model_not_ready"}`, rec.Body.String())
	assert.Equal(t, 0, body.n, "body must not be read")
	assert.Equal(t, 0, model.callCount())

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"Unhealthy","model_loaded":false,"device":""}`, rec.Body.String())
}

func TestHealthLoaded(t *testing.T) {
	_, h := newTestHandler(&fakeModel{loaded: true, device: "cuda"}, 0)

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"Healthy","model_loaded":true,"device":"cuda"}`, rec.Body.String())
}

func TestDetectTooLarge(t *testing.T) {
	model := &fakeModel{loaded: true}
	_, h := newTestHandler(model, 0)
	big := make([]byte, 12<<20)

	rec := serve(h, multipartRequest(t, "file", big))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"success":false,"error":"file too large (max 10 MiB)","code":"payload_too_large"}`, rec.Body.String())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/detect", bytes.NewReader(big))
	req.Header.Set("Content-Type", "application/octet-stream")
	rec = serve(h, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "file too large (max 10 MiB)")

	assert.Equal(t, 0, model.callCount())
}

func TestDetectEmptyAndCorrupt(t *testing.T) {
	model := &fakeModel{loaded: true}
	_, h := newTestHandler(model, 0)

	rec := serve(h, multipartRequest(t, "file", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"success":false,"error":"empty file","code":"empty_payload"}`, rec.Body.String())

	rec = serve(h, multipartRequest(t, "file", []byte("definitely not an image")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp models.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, CodeDecodeError, resp.Code)
	assert.Contains(t, resp.Error, "failed to load image")

	assert.Equal(t, 0, model.callCount())
}

func TestDetectRejectsOversizedDimensions(t *testing.T) {
	model := &fakeModel{loaded: true}
	_, h := newTestHandler(model, 0)

	// A 16000x16000 greyscale header compresses to almost nothing but would
	// need gigabytes once decoded.
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:], 16000)
	binary.BigEndian.PutUint32(ihdr[4:], 16000)
	ihdr[8] = 8
	chunk := append([]byte("IHDR"), ihdr...)
	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")
	binary.Write(&buf, binary.BigEndian, uint32(len(ihdr)))
	buf.Write(chunk)
	binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(chunk))

	rec := serve(h, multipartRequest(t, "file", buf.Bytes()))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp models.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, CodeDecodeError, resp.Code)
	assert.Contains(t, resp.Error, "exceeds the limit")
	assert.Equal(t, 0, model.callCount())
}

func TestDetectMalformedRequest(t *testing.T) {
	_, h := newTestHandler(&fakeModel{loaded: true}, 0)
	invalid := `{"success":false,"error":"invalid input","code":"validation_error"}`

	rec := serve(h, multipartRequest(t, "image", pngBytes(t, 4, 4)))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.JSONEq(t, invalid, rec.Body.String())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/detect", bytes.NewReader([]byte("x")))
	rec = serve(h, req)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.JSONEq(t, invalid, rec.Body.String())

	req = httptest.NewRequest(http.MethodPost, "/api/v1/detect", bytes.NewReader([]byte("a=b")))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = serve(h, req)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestDetectDetectorErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		body   string
	}{
		{"busy", errors.Wrap(detections.ErrBusy, "acquire"), http.StatusServiceUnavailable,
			`{"success":false,"error":"all inference sessions are busy, try again later","code":"busy"}`},
		{"unloaded meanwhile", detections.ErrModelNotReady, http.StatusServiceUnavailable,
			`{"success":false,"error":"model is not loaded","code":"model_not_ready"}`},
		{"internal", errors.New("onnxruntime exploded at 0xdeadbeef"), http.StatusInternalServerError,
			`{"success":false,"error":"internal server error","code":"internal_error"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, h := newTestHandler(&fakeModel{loaded: true, err: tt.err}, 0)
			rec := serve(h, multipartRequest(t, "file", pngBytes(t, 4, 4)))
			assert.Equal(t, tt.status, rec.Code)
			assert.JSONEq(t, tt.body, rec.Body.String())
		})
	}
}

func TestDetectPanicRecovered(t *testing.T) {
	state, h := newTestHandler(&fakeModel{loaded: true, panicWith: "index out of range"}, 0)

	rec := serve(h, multipartRequest(t, "file", pngBytes(t, 4, 4)))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"success":false,"error":"internal server error","code":"internal_error"}`, rec.Body.String())
	assert.Equal(t, int64(1), state.Metrics.Snapshot().ServerErrors)
}

func TestNotFoundAndMethodNotAllowed(t *testing.T) {
	_, h := newTestHandler(&fakeModel{}, 0)

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/v2/nothing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"success":false,"error":"Not Found","code":"not_found"}`, rec.Body.String())

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/detect", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.JSONEq(t, `{"success":false,"error":"Method Not Allowed","code":"method_not_allowed"}`, rec.Body.String())
}

func TestRootInfo(t *testing.T) {
	_, h := newTestHandler(&fakeModel{}, 0)

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"RT-DETR object detection API","docs_url":"/docs","health_check":"/api/v1/health"}`, rec.Body.String())
}

func TestRateLimit(t *testing.T) {
	_, h := newTestHandler(&fakeModel{}, 1)

	first := serve(h, multipartRequest(t, "file", pngBytes(t, 4, 4)))
	assert.Equal(t, http.StatusServiceUnavailable, first.Code)

	second := serve(h, multipartRequest(t, "file", pngBytes(t, 4, 4)))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.JSONEq(t, `{"success":false,"error":"too many requests, slow down","code":"rate_limited"}`, second.Body.String())

	// health is never limited
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetrics(t *testing.T) {
	_, h := newTestHandler(&fakeModel{loaded: true, device: "cpu", dets: twoCars()}, 0)

	serve(h, multipartRequest(t, "file", pngBytes(t, 4, 4)))
	serve(h, multipartRequest(t, "file", nil))

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		ModelLoaded bool                  `json:"model_loaded"`
		Device      string                `json:"device"`
		Requests    RequestStats          `json:"requests"`
		Pool        *detections.PoolStats `json:"pool"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.ModelLoaded)
	assert.Equal(t, "cpu", body.Device)
	assert.Equal(t, int64(2), body.Requests.Total)
	assert.Equal(t, int64(1), body.Requests.Succeeded)
	assert.Equal(t, int64(1), body.Requests.ClientErrors)
	assert.Equal(t, int64(2), body.Requests.Objects)
	require.NotNil(t, body.Pool)
	assert.Equal(t, 2, body.Pool.Size)
}

func TestCORSHeaders(t *testing.T) {
	_, h := newTestHandler(&fakeModel{}, 0)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("Origin", "http://example.com")
	rec := serve(h, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMaxBodySizeFitsEncodedImage(t *testing.T) {
	assert.Greater(t, maxBodySize, images.MaxImageSize*4/3)
}
