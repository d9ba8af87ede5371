package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var predictRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "diseaseapp_predict_requests_total",
	Help: "Number of prediction requests by result code",
}, []string{"code"})

var requestDurations = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "diseaseapp_request_duration_seconds",
	Help:    "A histogram of HTTP request durations",
	Buckets: prometheus.DefBuckets,
}, []string{"path", "method", "status"})

// ModelLoaded 모델 로드 여부 (1 또는 0)
var ModelLoaded = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "diseaseapp_model_loaded",
	Help: "Whether a real model is loaded (1) or predictions are mocked (0)",
})

// Metrics 요청 처리 시간을 기록하는 미들웨어
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		requestDurations.WithLabelValues(path, c.Request.Method, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}
