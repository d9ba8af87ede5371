package preprocess

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // gif 디코더 등록
	_ "image/jpeg" // jpeg 디코더 등록
	_ "image/png"  // png 디코더 등록
	"strings"

	"github.com/disintegration/imaging"
	logging "github.com/ipfs/go-log"
	_ "golang.org/x/image/bmp"  // bmp 디코더 등록
	_ "golang.org/x/image/tiff" // tiff 디코더 등록
	_ "golang.org/x/image/webp" // webp 디코더 등록
)

var log = logging.Logger("diseaseapp/preprocess")

var (
	// ErrInvalidImage base64 또는 이미지 디코딩 실패
	ErrInvalidImage = errors.New("Invalid image format")
	// ErrPreprocessing 리사이징 또는 배열 변환 실패
	ErrPreprocessing = errors.New("Failed to process image")
)

const channels = 3

// NormalizedImage [1, size, size, 3] (NHWC) 형태의 [0, 1] 범위로 정규화 된 이미지
type NormalizedImage struct {
	Size int
	Pix  []float32
}

// Shape 배치 차원을 포함한 텐서 형태
func (n *NormalizedImage) Shape() []int64 {
	return []int64{1, int64(n.Size), int64(n.Size), channels}
}

// At (y, x) 위치의 c 채널 값
func (n *NormalizedImage) At(y, x, c int) float32 {
	return n.Pix[(y*n.Size+x)*channels+c]
}

// CHWShape NCHW 배치 텐서 형태
func (n *NormalizedImage) CHWShape() []int64 {
	return []int64{1, channels, int64(n.Size), int64(n.Size)}
}

// CHW 채널 단위(planar)로 재배열한 복사본
func (n *NormalizedImage) CHW() []float32 {
	plane := n.Size * n.Size
	out := make([]float32, len(n.Pix))
	for i := 0; i < plane; i++ {
		for c := 0; c < channels; c++ {
			out[c*plane+i] = n.Pix[i*channels+c]
		}
	}

	return out
}

// Preprocess base64 이미지를 디코딩하고 정규화
func Preprocess(encoded string, size int) (*NormalizedImage, error) {
	img, err := Decode(encoded)
	if err != nil {
		return nil, err
	}

	return Normalize(img, size)
}

// Decode base64 문자열을 이미지로 디코딩
func Decode(encoded string) (image.Image, error) {
	data, err := base64.StdEncoding.DecodeString(cleanBase64(encoded))
	if err != nil {
		log.Errorf("Error decoding base64: %s", err)
		return nil, fmt.Errorf("%w: %s", ErrInvalidImage, err)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		log.Errorf("Error decoding image: %s", err)
		return nil, fmt.Errorf("%w: %s", ErrInvalidImage, err)
	}
	log.Debugf("Decoded %s image: %dx%d", format, img.Bounds().Dx(), img.Bounds().Dy())

	return img, nil
}

// Normalize 이미지를 RGB로 변환하여 size x size로 리사이징하고 [0, 1] 범위로 조정
func Normalize(img image.Image, size int) (norm *NormalizedImage, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Error preprocessing image: %v", r)
			norm, err = nil, fmt.Errorf("%w: %v", ErrPreprocessing, r)
		}
	}()

	if size <= 0 {
		return nil, fmt.Errorf("%w: invalid target size %d", ErrPreprocessing, size)
	}
	if img == nil || img.Bounds().Empty() {
		return nil, fmt.Errorf("%w: empty image", ErrPreprocessing)
	}

	// NRGBA로 변환하면 알파 채널은 합성 없이 버려지고, 흑백은 3채널로 복제
	resized := imaging.Resize(img, size, size, imaging.CatmullRom)
	if b := resized.Bounds(); b.Dx() != size || b.Dy() != size {
		return nil, fmt.Errorf("%w: resized to %dx%d", ErrPreprocessing, b.Dx(), b.Dy())
	}

	pix := make([]float32, size*size*channels)
	for y := 0; y < size; y++ {
		row := resized.Pix[y*resized.Stride:]
		for x := 0; x < size; x++ {
			o := (y*size + x) * channels
			for c := 0; c < channels; c++ {
				pix[o+c] = float32(row[x*4+c]) / 255
			}
		}
	}

	return &NormalizedImage{
		Size: size,
		Pix:  pix,
	}, nil
}

// "data:image/png;base64," 접두어와 base64 알파벳 이외의 문자를 제거
func cleanBase64(s string) string {
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 && strings.Contains(s[:i], ";base64") {
			s = s[i+1:]
		}
	}

	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r == '+', r == '/', r == '=':
			return r
		}
		return -1
	}, s)
}
