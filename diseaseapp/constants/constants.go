package constants

import "time"

const (
	ServiceName    string = "Plant Disease Detection API"
	ServiceVersion string = "1.0"

	// 원격 모델 식별자와 원격 저장소에서 받을 파일 이름.
	// 저장소에는 Keras 모델을 ONNX로 변환한 파일이 있어야 하며, 없으면 로컬 모델을 사용
	ModelURL  string = "hf://liriope/PlantDiseaseDetection"
	ModelFile string = "model.onnx"
	// 원격 모델 로드 실패 시 사용하는 로컬 모델 경로
	LocalModelPath string = "plant_disease_efficientnetb4"

	ModelFetchTimeout time.Duration = 60 * time.Second

	InputSize int = 224

	// 예약된 값으로, 현재 어떤 응답 분기에서도 사용하지 않음
	ConfidenceThreshold float64 = 0.30

	DefaultMultiClassMax int = 5

	ListenAddr  string = "0.0.0.0:8000"
	MetricsAddr string = ":5252"

	DefaultBackend string = "TensorFlow"
)

// DiseaseClasses 클래스 인덱스별 질병 이름
var DiseaseClasses = []string{
	"Healthy",
	"Powdery_Mildew",
	"Rust",
	"Blight",
	"Leaf_Spot",
	"Scab",
	"Canker",
	"Wilt",
	"Root_Rot",
	"Mosaic_Virus",
}
