package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"

	"github.com/harrison-roh/plant-disease-detection/diseaseapp/constants"
	"github.com/harrison-roh/plant-disease-detection/diseaseapp/preprocess"
	logging "github.com/ipfs/go-log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var log = logging.Logger("diseaseapp/inference")

// Output 모델 런타임의 출력 텐서
type Output struct {
	Shape  []int64
	Values []float32
}

// Classifier 정규화 된 이미지로 클래스별 확률을 계산하는 모델 런타임
type Classifier interface {
	Forward(img *preprocess.NormalizedImage) (Output, error)
	Backend() string
	Close() error
}

// Config 이미지 추론 설정정보
type Config struct {
	Handle Handle
	Labels []string
	TopK   int
}

// Inference 이미지 추론 및 응답 생성
type Inference struct {
	handle Handle
	labels []string
	topK   int

	rndMu sync.Mutex
	rnd   *rand.Rand
}

// Result 추론 결과
type Result struct {
	ClassIdx   int
	Confidence float64
	Label      string
	Top        RankedPredictions
	Probs      []float64
	Mock       bool
}

// Disease 사람이 읽을 수 있는 질병 이름
func (r *Result) Disease() string {
	return strings.ReplaceAll(r.Label, "_", " ")
}

// ConfidencePercent 0-100 범위의 정수 신뢰도
func (r *Result) ConfidencePercent() int {
	return int(math.RoundToEven(r.Confidence * 100))
}

// Handle 모델 핸들
func (i *Inference) Handle() Handle {
	return i.handle
}

// Labels 클래스 이름 목록의 복사본
func (i *Inference) Labels() []string {
	labels := make([]string, len(i.labels))
	copy(labels, i.labels)
	return labels
}

// Label 클래스 인덱스의 이름, 테이블 밖이면 Disease_Class_<idx>
func (i *Inference) Label(idx int) string {
	if idx >= 0 && idx < len(i.labels) {
		return i.labels[idx]
	}
	return fmt.Sprintf("Disease_Class_%d", idx)
}

// Infer 추론
func (i *Inference) Infer(ctx context.Context, img *preprocess.NormalizedImage) (*Result, error) {
	_, span := otel.Tracer("diseaseapp").Start(ctx, "Infer")
	defer span.End()

	var (
		probs []float64
		mock  bool
		err   error
	)

	if i.handle.IsLoaded() {
		log.Debugf("Running inference with %s model", i.handle.Backend())
		if probs, err = i.forward(img); err != nil {
			span.RecordError(err)
			return nil, err
		}
	} else {
		log.Warn("Model not loaded - using mock predictions")
		probs = i.mockProbs()
		mock = true
	}
	span.SetAttributes(attribute.Bool("mock", mock))

	result := i.rank(probs)
	result.Mock = mock

	log.Infof("Prediction: class %d, confidence %.2f%%", result.ClassIdx, result.Confidence*100)

	return result, nil
}

func (i *Inference) forward(img *preprocess.NormalizedImage) (probs []float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			probs, err = nil, fmt.Errorf("Inference panicked: %v", r)
		}
	}()

	out, err := i.handle.classifier.Forward(img)
	if err != nil {
		return nil, fmt.Errorf("Inference failed: %w", err)
	}

	if probs, err = squeeze(out); err != nil {
		return nil, err
	}
	if len(probs) != len(i.labels) {
		log.Warnf("The number of labels(%d) and predictions(%d) does not match", len(i.labels), len(probs))
	}

	return probs, nil
}

// 모델 출력이 배치 차원을 포함하는 경우 첫 번째 항목만 사용하여 항상 1차원 벡터로 변환
func squeeze(out Output) ([]float64, error) {
	values := out.Values
	if len(out.Shape) > 1 {
		if out.Shape[0] < 1 {
			return nil, fmt.Errorf("Empty batch in output shape %v", out.Shape)
		}

		n := int64(1)
		for _, d := range out.Shape[1:] {
			n *= d
		}
		if n > int64(len(values)) {
			return nil, fmt.Errorf("Output shape %v does not match %d values", out.Shape, len(values))
		}
		values = values[:n]
	}

	if len(values) == 0 {
		return nil, errors.New("Empty model output")
	}

	probs := make([]float64, len(values))
	for idx, v := range values {
		p := float64(v)
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return nil, fmt.Errorf("Invalid model output at class %d: %v", idx, p)
		}
		probs[idx] = p
	}

	return probs, nil
}

// 모든 클래스에 [0, 0.1) 범위의 기본값을 주고, 임의의 한 클래스를 [0.6, 0.95)로 덮어쓴 후 합이 1이 되도록 정규화
func (i *Inference) mockProbs() []float64 {
	i.rndMu.Lock()
	defer i.rndMu.Unlock()

	probs := make([]float64, len(i.labels))
	for idx := range probs {
		probs[idx] = i.rnd.Float64() * 0.1
	}
	probs[i.rnd.IntN(len(probs))] = 0.6 + i.rnd.Float64()*0.35

	var sum float64
	for _, p := range probs {
		sum += p
	}
	for idx := range probs {
		probs[idx] /= sum
	}

	return probs
}

func (i *Inference) rank(probs []float64) *Result {
	classIdx := 0
	for idx, p := range probs {
		if p > probs[classIdx] {
			classIdx = idx
		}
	}

	infers := make([]InferLabel, len(probs))
	for idx, p := range probs {
		infers[idx] = InferLabel{
			Idx:   idx,
			Label: i.Label(idx),
			Prob:  p,
		}
	}
	sort.Stable(sortByProb(infers))

	k := i.topK
	if k > len(infers) {
		k = len(infers)
	}

	return &Result{
		ClassIdx:   classIdx,
		Confidence: probs[classIdx],
		Label:      i.Label(classIdx),
		Top:        RankedPredictions(infers[:k]),
		Probs:      probs,
	}
}

// InferLabel 이미지 추론 항목
type InferLabel struct {
	Idx   int
	Label string
	Prob  float64
}

type sortByProb []InferLabel

func (s sortByProb) Len() int {
	return len(s)
}

func (s sortByProb) Swap(i, j int) {
	s[i], s[j] = s[j], s[i]
}

func (s sortByProb) Less(i, j int) bool {
	return s[i].Prob > s[j].Prob
}

// RankedPredictions 확률 내림차순으로 정렬 된 추론 항목.
// JSON 객체로 직렬화 할 때 키 순서를 유지
type RankedPredictions []InferLabel

// MarshalJSON {label: probability, ...}
func (r RankedPredictions) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte('{')
	for idx, infer := range r {
		if idx > 0 {
			buf.WriteByte(',')
		}

		key, err := json.Marshal(infer.Label)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(infer.Prob)
		if err != nil {
			return nil, err
		}

		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')

	return buf.Bytes(), nil
}

// New 이미지 추론 생성
func New(c Config) *Inference {
	labels := c.Labels
	if len(labels) == 0 {
		labels = constants.DiseaseClasses
	}

	topK := c.TopK
	if topK <= 0 {
		topK = constants.DefaultMultiClassMax
	}

	i := &Inference{
		handle: c.Handle,
		labels: make([]string, len(labels)),
		topK:   topK,
		rnd:    rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	copy(i.labels, labels)

	return i
}
