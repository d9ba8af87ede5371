// Package backend 모델 아티팩트 종류에 맞는 런타임 선택
package backend

import (
	"fmt"

	"github.com/harrison-roh/plant-disease-detection/diseaseapp/inference"
	"github.com/harrison-roh/plant-disease-detection/diseaseapp/inference/onnxmodel"
	"github.com/harrison-roh/plant-disease-detection/diseaseapp/inference/tfmodel"
)

// Options 런타임 생성 옵션
type Options struct {
	InputSize   int
	NumClasses  int
	ONNXLibrary string
}

// Opener 아티팩트 설정에 따라 TensorFlow 또는 ONNX Runtime으로 모델을 여는 inference.Opener
func Opener(o Options) inference.Opener {
	return func(modelPath string) (inference.Classifier, error) {
		cfg, err := inference.LoadModelConfig(modelPath)
		if err != nil {
			return nil, err
		}

		switch cfg.Type {
		case inference.TypeSavedModel, inference.TypeGraph:
			m, err := tfmodel.Open(modelPath, cfg)
			if err != nil {
				return nil, err
			}
			return m, nil
		case inference.TypeONNX:
			m, err := onnxmodel.Open(modelPath, cfg, onnxmodel.Options{
				LibraryPath: o.ONNXLibrary,
				InputSize:   o.InputSize,
				NumClasses:  o.NumClasses,
			})
			if err != nil {
				return nil, err
			}
			return m, nil
		default:
			return nil, fmt.Errorf("Unknown model type: %s", cfg.Type)
		}
	}
}
