package inference

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"
)

// 모델 아티팩트 종류
const (
	TypeSavedModel = "savedmodel"
	TypeGraph      = "graph"
	TypeONNX       = "onnx"
)

// 입력 텐서 배치 형태
const (
	LayoutNHWC = "nhwc"
	LayoutNCHW = "nchw"
)

const savedModelConfigFile = "config.yaml"

// ModelConfig 모델 아티팩트 옆에 위치하는 설정정보
type ModelConfig struct {
	Name                string   `yaml:"name"`
	Type                string   `yaml:"type"`
	Tags                []string `yaml:"tags"`
	InputOperationName  string   `yaml:"inputOperationName"`
	OutputOperationName string   `yaml:"outputOperationName"`
	Layout              string   `yaml:"layout"`
	Description         string   `yaml:"description"`
}

// LoadModelConfig 모델 아티팩트의 설정정보 로드.
// SavedModel 디렉토리는 config.yaml, 파일은 확장자를 .yaml로 바꾼 파일을 사용하며,
// 설정 파일이 없으면 아티팩트 종류별 기본값을 사용
func LoadModelConfig(artifact string) (ModelConfig, error) {
	var cfg ModelConfig

	info, err := os.Stat(artifact)
	if err != nil {
		return cfg, err
	}

	var (
		cfgFile string
		kind    string
	)
	if info.IsDir() {
		cfgFile = filepath.Join(artifact, savedModelConfigFile)
		kind = TypeSavedModel
	} else {
		ext := filepath.Ext(artifact)
		cfgFile = strings.TrimSuffix(artifact, ext) + ".yaml"
		switch strings.ToLower(ext) {
		case ".pb":
			kind = TypeGraph
		case ".onnx":
			kind = TypeONNX
		}
	}

	cfgBytes, err := os.ReadFile(cfgFile)
	if err == nil {
		if err := yaml.Unmarshal(cfgBytes, &cfg); err != nil {
			return cfg, fmt.Errorf("Fail to parse model config(%s): %w", cfgFile, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return cfg, err
	}

	if cfg.Type == "" {
		cfg.Type = kind
	}
	if cfg.Name == "" {
		cfg.Name = filepath.Base(artifact)
	}

	return cfg, cfg.setDefaults()
}

func (cfg *ModelConfig) setDefaults() error {
	switch cfg.Type {
	case TypeSavedModel:
		if len(cfg.Tags) == 0 {
			cfg.Tags = []string{"serve"}
		}
		if cfg.InputOperationName == "" {
			cfg.InputOperationName = "serving_default_input_1"
		}
		if cfg.OutputOperationName == "" {
			cfg.OutputOperationName = "StatefulPartitionedCall"
		}
	case TypeGraph, TypeONNX:
		if cfg.InputOperationName == "" {
			cfg.InputOperationName = "input"
		}
		if cfg.OutputOperationName == "" {
			cfg.OutputOperationName = "output"
		}
	case "":
		return errors.New("Unsupported model format")
	default:
		return fmt.Errorf("Unknown model type: %s", cfg.Type)
	}

	cfg.Layout = strings.ToLower(cfg.Layout)
	switch cfg.Layout {
	case "":
		cfg.Layout = LayoutNHWC
	case LayoutNHWC, LayoutNCHW:
	default:
		return fmt.Errorf("Unknown input layout: %s", cfg.Layout)
	}

	return nil
}
