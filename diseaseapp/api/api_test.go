package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/harrison-roh/plant-disease-detection/diseaseapp/constants"
	"github.com/harrison-roh/plant-disease-detection/diseaseapp/data"
	"github.com/harrison-roh/plant-disease-detection/diseaseapp/data/db"
	"github.com/harrison-roh/plant-disease-detection/diseaseapp/inference"
	"github.com/harrison-roh/plant-disease-detection/diseaseapp/preprocess"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClassifier struct {
	values []float32
	err    error
}

func (f *fakeClassifier) Forward(img *preprocess.NormalizedImage) (inference.Output, error) {
	if f.err != nil {
		return inference.Output{}, f.err
	}
	if len(img.Pix) != constants.InputSize*constants.InputSize*3 {
		return inference.Output{}, errors.New("unexpected input size")
	}
	return inference.Output{
		Shape:  []int64{1, int64(len(f.values))},
		Values: f.values,
	}, nil
}

func (f *fakeClassifier) Backend() string {
	return "Fake"
}

func (f *fakeClassifier) Close() error {
	return nil
}

func newRouter(handle inference.Handle, m *data.Manager) *gin.Engine {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(gin.CustomRecovery(Recovery), Metrics())
	Register(r, &APIs{
		I:        inference.New(inference.Config{Handle: handle}),
		M:        m,
		ModelURL: constants.ModelURL,
	})
	r.GET("/panic", func(c *gin.Context) {
		panic("unexpected")
	})

	return r
}

func leafPNG(t *testing.T) string {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.NRGBA{uint8(40 + x), uint8(120 + y*3), 30, 255})
		}
	}

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

// 폭이 0인 24bit BMP
func emptyBMP() string {
	var b bytes.Buffer
	b.WriteString("BM")
	binary.Write(&b, binary.LittleEndian, uint32(54))
	binary.Write(&b, binary.LittleEndian, uint32(0))
	binary.Write(&b, binary.LittleEndian, uint32(54))
	binary.Write(&b, binary.LittleEndian, uint32(40))
	binary.Write(&b, binary.LittleEndian, int32(0))
	binary.Write(&b, binary.LittleEndian, int32(1))
	binary.Write(&b, binary.LittleEndian, uint16(1))
	binary.Write(&b, binary.LittleEndian, uint16(24))
	b.Write(make([]byte, 24))
	return base64.StdEncoding.EncodeToString(b.Bytes())
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func predictBody(t *testing.T, image string) string {
	t.Helper()

	b, err := json.Marshal(map[string]string{"image": image})
	require.NoError(t, err)
	return string(b)
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]json.RawMessage {
	t.Helper()

	var res map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res), w.Body.String())
	return res
}

// all_predictions 객체의 키 순서대로 (label, probability) 반환
func ranked(t *testing.T, raw json.RawMessage) ([]string, []float64) {
	t.Helper()

	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	require.NoError(t, err)
	require.Equal(t, json.Delim('{'), tok)

	var (
		labels []string
		probs  []float64
	)
	for dec.More() {
		key, err := dec.Token()
		require.NoError(t, err)

		var p float64
		require.NoError(t, dec.Decode(&p))

		labels = append(labels, key.(string))
		probs = append(probs, p)
	}

	return labels, probs
}

func TestRoot(t *testing.T) {
	r := newRouter(inference.Absent(), &data.Manager{})

	w := do(r, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, w.Code)

	var res struct {
		Service       string            `json:"service"`
		Status        string            `json:"status"`
		Version       string            `json:"version"`
		Endpoints     map[string]string `json:"endpoints"`
		ModelStatus   string            `json:"model_status"`
		Documentation string            `json:"documentation"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))

	assert.Equal(t, "Plant Disease Detection API", res.Service)
	assert.Equal(t, "running", res.Status)
	assert.Equal(t, "1.0", res.Version)
	assert.Len(t, res.Endpoints, 3)
	assert.Contains(t, res.Endpoints, "POST /predict")
	assert.Equal(t, "not_loaded", res.ModelStatus)
	assert.NotEmpty(t, res.Documentation)
}

func TestHealthNotLoaded(t *testing.T) {
	r := newRouter(inference.Absent(), &data.Manager{})

	w := do(r, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{
		"status": "ok",
		"model": "not_loaded",
		"model_url": "hf://liriope/PlantDiseaseDetection",
		"input_size": 224,
		"backend": "TensorFlow"
	}`, w.Body.String())
}

func TestHealthLoaded(t *testing.T) {
	r := newRouter(inference.Loaded(&fakeClassifier{}, "test"), &data.Manager{})

	w := do(r, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	res := decode(t, w)
	assert.JSONEq(t, `"loaded"`, string(res["model"]))
	assert.JSONEq(t, `"Fake"`, string(res["backend"]))

	w = do(r, http.MethodGet, "/", "")
	assert.JSONEq(t, `"loaded"`, string(decode(t, w)["model_status"]))
}

func TestPredictMock(t *testing.T) {
	r := newRouter(inference.Absent(), &data.Manager{})
	body := predictBody(t, leafPNG(t))

	for n := 0; n < 20; n++ {
		w := do(r, http.MethodPost, "/predict", body)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.NotEmpty(t, w.Header().Get(RequestIDHeader))

		var res struct {
			Success           bool            `json:"success"`
			Disease           string          `json:"disease"`
			DiseaseCode       string          `json:"disease_code"`
			Confidence        float64         `json:"confidence"`
			ConfidencePercent int             `json:"confidence_percent"`
			ClassIdx          int             `json:"class_idx"`
			AllPredictions    json.RawMessage `json:"all_predictions"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))

		assert.True(t, res.Success)
		assert.GreaterOrEqual(t, res.Confidence, 0.0)
		assert.LessOrEqual(t, res.Confidence, 1.0)
		assert.Equal(t, int(math.RoundToEven(res.Confidence*100)), res.ConfidencePercent)
		require.GreaterOrEqual(t, res.ClassIdx, 0)
		require.Less(t, res.ClassIdx, len(constants.DiseaseClasses))
		assert.Equal(t, constants.DiseaseClasses[res.ClassIdx], res.DiseaseCode)
		assert.Equal(t, strings.ReplaceAll(res.DiseaseCode, "_", " "), res.Disease)

		labels, probs := ranked(t, res.AllPredictions)
		require.Len(t, labels, 5)
		assert.Equal(t, res.DiseaseCode, labels[0])
		assert.Equal(t, res.Confidence, probs[0])
		for k := 1; k < len(probs); k++ {
			assert.GreaterOrEqual(t, probs[k-1], probs[k])
		}
	}
}

func TestPredictWithModel(t *testing.T) {
	fc := &fakeClassifier{values: []float32{0.02, 0.81, 0.03, 0.04, 0.01, 0.02, 0.03, 0.01, 0.02, 0.01}}
	r := newRouter(inference.Loaded(fc, "test"), &data.Manager{})
	body := predictBody(t, leafPNG(t))

	var first map[string]json.RawMessage
	for n := 0; n < 3; n++ {
		w := do(r, http.MethodPost, "/predict", body)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		res := decode(t, w)
		assert.JSONEq(t, `true`, string(res["success"]))
		assert.JSONEq(t, `"Powdery Mildew"`, string(res["disease"]))
		assert.JSONEq(t, `"Powdery_Mildew"`, string(res["disease_code"]))
		assert.JSONEq(t, `1`, string(res["class_idx"]))
		assert.JSONEq(t, `81`, string(res["confidence_percent"]))

		labels, _ := ranked(t, res["all_predictions"])
		assert.Equal(t, []string{"Powdery_Mildew", "Blight", "Rust", "Canker", "Healthy"}, labels)

		if first == nil {
			first = res
			continue
		}
		assert.Equal(t, string(first["confidence"]), string(res["confidence"]))
		assert.Equal(t, string(first["class_idx"]), string(res["class_idx"]))
	}
}

func TestPredictNoImage(t *testing.T) {
	r := newRouter(inference.Absent(), &data.Manager{})

	for _, body := range []string{`{}`, `{"img": "abc"}`, `null`, `[1, 2]`, `not json`, ``} {
		w := do(r, http.MethodPost, "/predict", body)
		require.Equal(t, http.StatusBadRequest, w.Code, body)
		assert.JSONEq(t, `{"success": false, "error": "No image provided", "code": "NO_IMAGE"}`, w.Body.String(), body)
	}
}

func TestPredictInvalidImage(t *testing.T) {
	r := newRouter(inference.Absent(), &data.Manager{})

	bodies := []string{
		predictBody(t, "not-base64!!"),
		predictBody(t, ""),
		predictBody(t, base64.StdEncoding.EncodeToString([]byte("definitely not an image"))),
		`{"image": 42}`,
		`{"image": null}`,
		`{"image": {"data": "abc"}}`,
	}

	for _, body := range bodies {
		w := do(r, http.MethodPost, "/predict", body)
		require.Equal(t, http.StatusBadRequest, w.Code, body)
		assert.JSONEq(t, `{"success": false, "error": "Invalid image format", "code": "INVALID_IMAGE"}`, w.Body.String(), body)
	}
}

func TestPredictPreprocessingError(t *testing.T) {
	r := newRouter(inference.Absent(), &data.Manager{})

	w := do(r, http.MethodPost, "/predict", predictBody(t, emptyBMP()))
	require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
	assert.JSONEq(t, `{"success": false, "error": "Failed to process image", "code": "PREPROCESSING_ERROR"}`, w.Body.String())
}

func TestPredictServerError(t *testing.T) {
	fc := &fakeClassifier{err: errors.New("session closed")}
	r := newRouter(inference.Loaded(fc, "test"), &data.Manager{})

	w := do(r, http.MethodPost, "/predict", predictBody(t, leafPNG(t)))
	require.Equal(t, http.StatusInternalServerError, w.Code)

	res := decode(t, w)
	assert.JSONEq(t, `false`, string(res["success"]))
	assert.JSONEq(t, `"SERVER_ERROR"`, string(res["code"]))
	assert.Contains(t, string(res["error"]), "session closed")
}

func TestPredictNonFiniteOutput(t *testing.T) {
	nan := float32(math.NaN())
	inf := float32(math.Inf(1))

	for _, values := range [][]float32{
		{nan, 0.5, 0.1, 0.1, 0.1, 0.05, 0.05, 0.05, 0.03, 0.02},
		{0.1, inf, 0.1, 0.1, 0.1, 0.1, 0.1, 0.1, 0.1, 0.1},
	} {
		r := newRouter(inference.Loaded(&fakeClassifier{values: values}, "test"), &data.Manager{})

		w := do(r, http.MethodPost, "/predict", predictBody(t, leafPNG(t)))
		require.Equal(t, http.StatusInternalServerError, w.Code, w.Body.String())

		res := decode(t, w)
		assert.JSONEq(t, `false`, string(res["success"]))
		assert.JSONEq(t, `"SERVER_ERROR"`, string(res["code"]))
		assert.Contains(t, string(res["error"]), "Invalid model output")
	}
}

func TestNotFound(t *testing.T) {
	r := newRouter(inference.Absent(), &data.Manager{})

	for _, req := range [][2]string{
		{http.MethodGet, "/nope"},
		{http.MethodGet, "/predict"},
		{http.MethodDelete, "/health"},
	} {
		w := do(r, req[0], req[1], "")
		require.Equal(t, http.StatusNotFound, w.Code, req[1])
		assert.JSONEq(t, `{"error": "Endpoint not found"}`, w.Body.String())
	}
}

func TestRecovery(t *testing.T) {
	r := newRouter(inference.Absent(), &data.Manager{})

	w := do(r, http.MethodGet, "/panic", "")
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error": "Internal server error"}`, w.Body.String())
}

func TestPredictRecordsHistory(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS prediction_tab").
		WillReturnResult(sqlmock.NewResult(0, 0))
	conn, err := db.NewWithDB(context.Background(), sqlDB, db.Config{TableName: "prediction_tab"})
	require.NoError(t, err)

	fc := &fakeClassifier{values: []float32{0.9, 0.01, 0.01, 0.01, 0.01, 0.01, 0.01, 0.01, 0.02, 0.01}}
	r := newRouter(inference.Loaded(fc, "test"), &data.Manager{Conn: conn})

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO prediction_tab")).
		WithArgs(sqlmock.AnyArg(), 0, "Healthy", sqlmock.AnyArg(), false, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	w := do(r, http.MethodPost, "/predict", predictBody(t, leafPNG(t)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NoError(t, mock.ExpectationsWereMet())

	// 기록 실패는 응답에 영향을 주지 않음
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO prediction_tab")).
		WillReturnError(errors.New("deadlock"))

	w = do(r, http.MethodPost, "/predict", predictBody(t, leafPNG(t)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NoError(t, mock.ExpectationsWereMet())
}
