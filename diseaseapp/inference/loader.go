package inference

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Strategy 모델을 가져오는 방법
type Strategy interface {
	Name() string
	Load(ctx context.Context) (Classifier, error)
}

// Opener 로컬 모델 아티팩트를 런타임으로 여는 함수
type Opener func(path string) (Classifier, error)

// Describer 모델 입출력 형태를 알려주는 런타임
type Describer interface {
	InputShape() string
	OutputShape() string
}

// Load strategies를 순서대로 시도하여 처음 성공한 모델 핸들 반환.
// 모두 실패하면 부재 상태의 핸들 반환
func Load(ctx context.Context, strategies ...Strategy) Handle {
	log.Info("Loading plant disease detection model...")

	for _, s := range strategies {
		log.Infof("Attempting to load model from %s", s.Name())

		c, err := s.Load(ctx)
		if err != nil {
			log.Warnf("Model loading from %s failed: %s", s.Name(), err)
			continue
		}
		if c == nil {
			log.Warnf("Model loading from %s returned no model", s.Name())
			continue
		}

		log.Infof("Model loaded successfully from %s (%s)", s.Name(), c.Backend())
		if d, ok := c.(Describer); ok {
			log.Infof("Model input shape: %s", d.InputShape())
			log.Infof("Model output shape: %s", d.OutputShape())
		}

		return Loaded(c, s.Name())
	}

	log.Error("All model sources failed, continuing without model - predictions will be mocked")

	return Absent()
}

// Local 로컬 파일 또는 디렉토리의 모델
type Local struct {
	Path string
	Open Opener
}

// Name 모델 위치
func (l *Local) Name() string {
	return fmt.Sprintf("local file %s", l.Path)
}

// Load 로컬 모델 로드
func (l *Local) Load(ctx context.Context) (Classifier, error) {
	if l.Path == "" {
		return nil, errors.New("Empty local model path")
	}
	if _, err := os.Stat(l.Path); err != nil {
		return nil, err
	}

	return l.Open(l.Path)
}

// Remote 원격 저장소의 모델. 캐시 디렉토리에 내려받은 후 로컬 모델과 같은 방법으로 로드
type Remote struct {
	URL      string
	File     string
	CacheDir string
	Timeout  time.Duration
	Client   *http.Client
	Open     Opener
}

// Name 모델 위치
func (r *Remote) Name() string {
	return fmt.Sprintf("remote %s", r.URL)
}

// Resolve 모델 식별자를 내려받을 URL로 변환.
// hf://<owner>/<repo> 는 Hugging Face 저장소의 File을 가리킴
func (r *Remote) Resolve() (string, error) {
	u, err := url.Parse(r.URL)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "hf":
		repo := strings.Trim(u.Host+u.Path, "/")
		if strings.Count(repo, "/") != 1 {
			return "", fmt.Errorf("Invalid Hugging Face repository: %s", r.URL)
		}
		if r.File == "" {
			return "", errors.New("Empty remote model file")
		}
		return fmt.Sprintf("https://huggingface.co/%s/resolve/main/%s", repo, r.File), nil
	case "http", "https":
		return u.String(), nil
	default:
		return "", fmt.Errorf("Unsupported model url: %s", r.URL)
	}
}

// Load 원격 모델을 내려받아 로드
func (r *Remote) Load(ctx context.Context) (Classifier, error) {
	src, err := r.Resolve()
	if err != nil {
		return nil, err
	}

	dst, err := r.cachePath(src)
	if err != nil {
		return nil, err
	}

	if err := r.download(ctx, src, dst); err != nil {
		return nil, err
	}
	log.Infof("Model downloaded: %s -> %s", src, dst)

	return r.Open(dst)
}

func (r *Remote) cachePath(src string) (string, error) {
	u, err := url.Parse(src)
	if err != nil {
		return "", err
	}

	dir := r.CacheDir
	if dir == "" {
		if dir, err = os.UserCacheDir(); err != nil {
			return "", err
		}
		dir = filepath.Join(dir, "plant-disease-detection")
	}

	return filepath.Join(dir, u.Host, filepath.FromSlash(strings.TrimPrefix(u.Path, "/"))), nil
}

func (r *Remote) download(ctx context.Context, src, dst string) error {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return err
	}

	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return fmt.Errorf("Unexpected status code %d from %s", res.StatusCode, src)
	}

	if err := os.MkdirAll(filepath.Dir(dst), os.ModePerm); err != nil {
		return err
	}

	// 다운로드가 끝난 파일만 dst에 보이도록 임시 파일에 먼저 기록
	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".*.part")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, res.Body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), dst)
}
