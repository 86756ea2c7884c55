package monitoring

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"carprice/pricing"
)

var (
	// PredictionsTotal 预测次数，按是否命中缓存区分
	PredictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carprice_predictions_total",
			Help: "Total number of successful price predictions",
		},
		[]string{"cached"},
	)

	// PredictedPrice 预测价格分布
	PredictedPrice = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "carprice_predicted_price",
			Help:    "Distribution of predicted selling prices",
			Buckets: prometheus.ExponentialBuckets(50000, 2, 10),
		},
	)

	// ExplanationDuration 特征归因耗时
	ExplanationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "carprice_explanation_duration_seconds",
			Help:    "Duration of feature attribution requests in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"visual"},
	)

	// HTTPRequestsTotal HTTP请求数
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carprice_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration HTTP请求耗时
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "carprice_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// WebSocketClients 当前连接的WebSocket客户端数
	WebSocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "carprice_websocket_clients",
			Help: "Number of connected prediction feed clients",
		},
	)

	// EventHandlerErrorsTotal 事件处理失败次数
	EventHandlerErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carprice_event_handler_errors_total",
			Help: "Prediction events dropped after a handler kept failing",
		},
		[]string{"handler"},
	)
)

// RecordPrediction 记录一次预测
func RecordPrediction(ev pricing.Event) {
	PredictionsTotal.WithLabelValues(strconv.FormatBool(ev.Cached)).Inc()
	PredictedPrice.Observe(ev.Price)
}

// RecordHTTPRequest 记录一次HTTP请求
func RecordHTTPRequest(method, route string, status int, d time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// RecordExplanation 记录一次特征归因
func RecordExplanation(visual bool, d time.Duration) {
	ExplanationDuration.WithLabelValues(strconv.FormatBool(visual)).Observe(d.Seconds())
}
