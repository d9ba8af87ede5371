package onnxmodel

import (
	"fmt"
	"sync"

	"github.com/harrison-roh/plant-disease-detection/diseaseapp/inference"
	"github.com/harrison-roh/plant-disease-detection/diseaseapp/preprocess"
	ort "github.com/yalue/onnxruntime_go"
)

// Backend 런타임 이름
const Backend = "ONNX Runtime"

// Options ONNX 세션 생성 옵션
type Options struct {
	// 비어 있으면 onnxruntime_go 기본 경로 사용
	LibraryPath string
	InputSize   int
	NumClasses  int
}

var (
	envOnce sync.Once
	envErr  error
)

func initEnvironment(libraryPath string) error {
	envOnce.Do(func() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			envErr = fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	})

	return envErr
}

// Model ONNX 이미지 분류 모델.
// 입출력 텐서가 세션에 고정되어 있으므로 Forward는 직렬화 됨
type Model struct {
	mu sync.Mutex

	layout       string
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

// Open .onnx 모델 로드
func Open(modelPath string, cfg inference.ModelConfig, o Options) (*Model, error) {
	if err := initEnvironment(o.LibraryPath); err != nil {
		return nil, err
	}

	size := int64(o.InputSize)
	inputShape := ort.NewShape(1, size, size, 3)
	if cfg.Layout == inference.LayoutNCHW {
		inputShape = ort.NewShape(1, 3, size, size)
	}
	outputShape := ort.NewShape(1, int64(o.NumClasses))

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{cfg.InputOperationName}, []string{cfg.OutputOperationName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &Model{
		layout:       cfg.Layout,
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

// Backend 런타임 이름
func (m *Model) Backend() string {
	return Backend
}

// InputShape 입력 텐서 형태
func (m *Model) InputShape() string {
	return m.inputTensor.GetShape().String()
}

// OutputShape 출력 텐서 형태
func (m *Model) OutputShape() string {
	return m.outputTensor.GetShape().String()
}

// Forward 추론
func (m *Model) Forward(img *preprocess.NormalizedImage) (inference.Output, error) {
	pix := img.Pix
	if m.layout == inference.LayoutNCHW {
		pix = img.CHW()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	input := m.inputTensor.GetData()
	if len(pix) != len(input) {
		return inference.Output{}, fmt.Errorf("Expected %d values, got %d", len(input), len(pix))
	}
	copy(input, pix)

	if err := m.session.Run(); err != nil {
		return inference.Output{}, fmt.Errorf("inference failed: %w", err)
	}

	output := m.outputTensor.GetData()
	values := make([]float32, len(output))
	copy(values, output)

	return inference.Output{
		Shape:  []int64(m.outputTensor.GetShape()),
		Values: values,
	}, nil
}

// Close 세션과 텐서 해제
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inputTensor != nil {
		m.inputTensor.Destroy()
	}
	if m.outputTensor != nil {
		m.outputTensor.Destroy()
	}
	if m.session != nil {
		return m.session.Destroy()
	}
	return nil
}
