package inference

const (
	handleAbsent = iota
	handleLoaded
)

const (
	StatusLoaded    = "loaded"
	StatusNotLoaded = "not_loaded"
)

// Handle 로드 된 모델 또는 명시적인 부재 상태.
// 시작 시 한 번 생성되고 이후에는 읽기만 함
type Handle struct {
	state      int
	classifier Classifier
	source     string
}

// Absent 모델이 없는 핸들
func Absent() Handle {
	return Handle{state: handleAbsent}
}

// Loaded source에서 로드 된 모델 핸들
func Loaded(c Classifier, source string) Handle {
	if c == nil {
		return Absent()
	}

	return Handle{
		state:      handleLoaded,
		classifier: c,
		source:     source,
	}
}

// IsLoaded 모델 로드 여부
func (h Handle) IsLoaded() bool {
	return h.state == handleLoaded
}

// Status "loaded" 또는 "not_loaded"
func (h Handle) Status() string {
	if h.IsLoaded() {
		return StatusLoaded
	}
	return StatusNotLoaded
}

// Backend 모델 런타임 이름, 모델이 없으면 빈 문자열
func (h Handle) Backend() string {
	if !h.IsLoaded() {
		return ""
	}
	return h.classifier.Backend()
}

// Source 모델을 로드한 위치
func (h Handle) Source() string {
	return h.source
}

// Close 모델 런타임 해제
func (h Handle) Close() error {
	if !h.IsLoaded() {
		return nil
	}
	return h.classifier.Close()
}
