package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/harrison-roh/plant-disease-detection/diseaseapp/constants"
	"github.com/harrison-roh/plant-disease-detection/diseaseapp/data"
	"github.com/harrison-roh/plant-disease-detection/diseaseapp/inference"
	"github.com/harrison-roh/plant-disease-detection/diseaseapp/preprocess"
	logging "github.com/ipfs/go-log"
	"go.opentelemetry.io/otel"
)

var log = logging.Logger("diseaseapp/api")

// 예측 실패 코드
const (
	CodeNoImage            = "NO_IMAGE"
	CodeInvalidImage       = "INVALID_IMAGE"
	CodePreprocessingError = "PREPROCESSING_ERROR"
	CodeServerError        = "SERVER_ERROR"

	codeOK = "OK"
)

// RequestIDHeader 예측 요청마다 부여하는 id 헤더
const RequestIDHeader = "X-Request-Id"

// APIs api 핸들러
type APIs struct {
	I *inference.Inference
	M *data.Manager

	ModelURL string
}

// Register 라우트 등록
func Register(r *gin.Engine, a *APIs) {
	r.GET("/", a.Root)
	r.GET("/health", a.Health)
	r.POST("/predict", a.Predict)

	r.NoRoute(NotFound)
}

// Root api 정보 반환
func (a *APIs) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": constants.ServiceName,
		"status":  "running",
		"version": constants.ServiceVersion,
		"endpoints": gin.H{
			"GET /":         "API information (this endpoint)",
			"GET /health":   "Health check with model status",
			"POST /predict": "Predict disease from base64 image",
		},
		"model_status":  a.I.Handle().Status(),
		"documentation": `Send POST to /predict with JSON: {"image": "base64_string"}`,
	})
}

// Health 모델 상태를 포함한 상태 확인. 모델이 없어도 항상 성공
func (a *APIs) Health(c *gin.Context) {
	handle := a.I.Handle()

	backend := handle.Backend()
	if backend == "" {
		backend = constants.DefaultBackend
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"model":      handle.Status(),
		"model_url":  a.ModelURL,
		"input_size": constants.InputSize,
		"backend":    backend,
	})
}

// PredictResponse 예측 결과
type PredictResponse struct {
	Success           bool                        `json:"success"`
	Disease           string                      `json:"disease"`
	DiseaseCode       string                      `json:"disease_code"`
	Confidence        float64                     `json:"confidence"`
	ConfidencePercent int                         `json:"confidence_percent"`
	ClassIdx          int                         `json:"class_idx"`
	AllPredictions    inference.RankedPredictions `json:"all_predictions"`
}

// Predict base64 이미지로 질병 예측
func (a *APIs) Predict(c *gin.Context) {
	ctx, span := otel.Tracer("diseaseapp").Start(c.Request.Context(), "Predict")
	defer span.End()

	reqID := uuid.New().String()
	c.Header(RequestIDHeader, reqID)

	log.Infof("[predict %s] Received prediction request", reqID)

	encoded, ok, err := readImageField(c.Request.Body)
	if err != nil {
		log.Errorf("[predict %s] No image in request: %s", reqID, err)
		Error(c, http.StatusBadRequest, CodeNoImage, errors.New("No image provided"))
		return
	}
	if !ok {
		log.Errorf("[predict %s] Image is not a string", reqID)
		Error(c, http.StatusBadRequest, CodeInvalidImage, preprocess.ErrInvalidImage)
		return
	}

	img, err := preprocess.Decode(encoded)
	if err != nil {
		log.Errorf("[predict %s] Failed to decode image", reqID)
		Error(c, http.StatusBadRequest, CodeInvalidImage, preprocess.ErrInvalidImage)
		return
	}
	log.Debugf("[predict %s] Image decoded successfully", reqID)

	norm, err := preprocess.Normalize(img, constants.InputSize)
	if err != nil {
		log.Errorf("[predict %s] Failed to preprocess image", reqID)
		Error(c, http.StatusBadRequest, CodePreprocessingError, preprocess.ErrPreprocessing)
		return
	}
	log.Debugf("[predict %s] Image preprocessed", reqID)

	result, err := a.I.Infer(ctx, norm)
	if err != nil {
		log.Errorf("[predict %s] Unexpected error: %s", reqID, err)
		span.RecordError(err)
		Error(c, http.StatusInternalServerError, CodeServerError, err)
		return
	}

	res := PredictResponse{
		Success:           true,
		Disease:           result.Disease(),
		DiseaseCode:       result.Label,
		Confidence:        result.Confidence,
		ConfidencePercent: result.ConfidencePercent(),
		ClassIdx:          result.ClassIdx,
		AllPredictions:    result.Top,
	}

	a.M.Record(ctx, data.Prediction{
		ID:         reqID,
		ClassIdx:   result.ClassIdx,
		Disease:    result.Label,
		Confidence: result.Confidence,
		Mock:       result.Mock,
	})

	log.Infof("[predict %s] Response ready: %s (%d%%)", reqID, res.Disease, res.ConfidencePercent)
	predictRequests.WithLabelValues(codeOK).Inc()
	c.JSON(http.StatusOK, res)
}

// 요청 본문에서 image 필드를 읽음.
// 본문이 JSON 객체가 아니거나 image 필드가 없으면 에러, image가 문자열이 아니면 ok가 false
func readImageField(body io.Reader) (encoded string, ok bool, err error) {
	if body == nil {
		return "", false, errors.New("Empty body")
	}

	b, err := io.ReadAll(body)
	if err != nil {
		return "", false, err
	}

	var req map[string]json.RawMessage
	if err := json.Unmarshal(b, &req); err != nil {
		return "", false, err
	}

	raw, exists := req["image"]
	if !exists {
		return "", false, errors.New("Missing `image`")
	}

	if err := json.Unmarshal(raw, &encoded); err != nil {
		return "", false, nil
	}

	return encoded, true, nil
}

// NotFound 등록되지 않은 경로
func NotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, HTTPError{
		Error: "Endpoint not found",
	})
}

// Recovery 핸들러 panic을 500 응답으로 변환
func Recovery(c *gin.Context, err any) {
	log.Errorf("Internal server error: %v", err)
	c.AbortWithStatusJSON(http.StatusInternalServerError, HTTPError{
		Error: "Internal server error",
	})
}

// HTTPError api 에러 메시지
type HTTPError struct {
	Error string `json:"error"`
}

// PredictError 예측 실패 메시지
type PredictError struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

// Error 예측 실패 코드를 담은 json 응답 생성
func Error(c *gin.Context, status int, code string, err error) {
	predictRequests.WithLabelValues(code).Inc()
	c.JSON(status, PredictError{
		Success: false,
		Error:   fmt.Sprint(err),
		Code:    code,
	})
}
