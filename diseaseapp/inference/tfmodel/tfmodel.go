package tfmodel

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/harrison-roh/plant-disease-detection/diseaseapp/inference"
	"github.com/harrison-roh/plant-disease-detection/diseaseapp/preprocess"
	tf "github.com/wamuir/graft/tensorflow"
)

// Backend 런타임 이름
const Backend = "TensorFlow"

// Model TensorFlow 이미지 분류 모델
type Model struct {
	cfg inference.ModelConfig

	savedModel *tf.SavedModel
	graph      *tf.Graph
	session    *tf.Session

	input  tf.Output
	output tf.Output
}

// Open SavedModel 디렉토리 또는 frozen graph(.pb) 로드
func Open(modelPath string, cfg inference.ModelConfig) (*Model, error) {
	m := &Model{cfg: cfg}

	switch cfg.Type {
	case inference.TypeSavedModel:
		savedModel, err := tf.LoadSavedModel(modelPath, cfg.Tags, nil)
		if err != nil {
			return nil, fmt.Errorf("Fail to load saved model: %s: %w", modelPath, err)
		}
		m.savedModel = savedModel
		m.graph = savedModel.Graph
		m.session = savedModel.Session
	case inference.TypeGraph:
		mByte, err := os.ReadFile(modelPath)
		if err != nil {
			return nil, fmt.Errorf("Fail to read model: %s: %w", modelPath, err)
		}

		graph := tf.NewGraph()
		if err := graph.Import(mByte, ""); err != nil {
			return nil, fmt.Errorf("Fail to import model: %w", err)
		}

		session, err := tf.NewSession(graph, nil)
		if err != nil {
			return nil, fmt.Errorf("Fail to make model session: %w", err)
		}
		m.graph = graph
		m.session = session
	default:
		return nil, fmt.Errorf("Unsupported model type for %s: %s", Backend, cfg.Type)
	}

	inputOp := m.graph.Operation(cfg.InputOperationName)
	if inputOp == nil {
		m.Close()
		return nil, fmt.Errorf("Cannot find input operation: %s", cfg.InputOperationName)
	}
	outputOp := m.graph.Operation(cfg.OutputOperationName)
	if outputOp == nil {
		m.Close()
		return nil, fmt.Errorf("Cannot find output operation: %s", cfg.OutputOperationName)
	}
	m.input = inputOp.Output(0)
	m.output = outputOp.Output(0)

	return m, nil
}

// Backend 런타임 이름
func (m *Model) Backend() string {
	return Backend
}

// InputShape 입력 텐서 형태
func (m *Model) InputShape() string {
	return m.input.Shape().String()
}

// OutputShape 출력 텐서 형태
func (m *Model) OutputShape() string {
	return m.output.Shape().String()
}

// Forward 추론. tf.Session은 동시 Run을 지원
func (m *Model) Forward(img *preprocess.NormalizedImage) (inference.Output, error) {
	var (
		shape  []int64
		pix    []float32
		input  *tf.Tensor
		result []*tf.Tensor
		err    error
	)

	if m.cfg.Layout == inference.LayoutNCHW {
		shape, pix = img.CHWShape(), img.CHW()
	} else {
		shape, pix = img.Shape(), img.Pix
	}

	var buf bytes.Buffer
	if err = binary.Write(&buf, binary.NativeEndian, pix); err != nil {
		return inference.Output{}, err
	}
	if input, err = tf.ReadTensor(tf.Float, shape, &buf); err != nil {
		return inference.Output{}, err
	}

	if result, err = m.session.Run(
		map[tf.Output]*tf.Tensor{
			m.input: input,
		},
		[]tf.Output{
			m.output,
		},
		nil,
	); err != nil {
		return inference.Output{}, err
	}

	return readOutput(result[0])
}

func readOutput(t *tf.Tensor) (inference.Output, error) {
	if t.DataType() != tf.Float {
		return inference.Output{}, fmt.Errorf("Unexpected output type: %v", t.DataType())
	}

	shape := t.Shape()
	n := int64(1)
	for _, d := range shape {
		n *= d
	}

	var buf bytes.Buffer
	if _, err := t.WriteContentsTo(&buf); err != nil {
		return inference.Output{}, err
	}

	values := make([]float32, n)
	if err := binary.Read(&buf, binary.NativeEndian, values); err != nil {
		return inference.Output{}, err
	}

	return inference.Output{
		Shape:  shape,
		Values: values,
	}, nil
}

// Close 모델 세션 해제
func (m *Model) Close() error {
	if m.session != nil {
		return m.session.Close()
	}
	return nil
}
