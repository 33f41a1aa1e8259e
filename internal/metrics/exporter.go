package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter Prometheus 指标导出器
// 所有方法对 nil 接收者安全，未启用指标时可以直接传 nil
type Exporter struct {
	registry *prometheus.Registry

	// SMTP 指标
	smtpConnections         prometheus.Gauge
	smtpConnectionsRejected prometheus.Counter
	smtpRcptRejected        *prometheus.CounterVec

	// 转发指标
	outcomes         *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
	breakerState     *prometheus.GaugeVec

	// TLS 指标
	tlsCertExpiry prometheus.Gauge
}

// NewExporter 创建指标导出器
func NewExporter() *Exporter {
	registry := prometheus.NewRegistry()

	exporter := &Exporter{
		registry: registry,

		smtpConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "submail_smtp_connections",
			Help: "当前 SMTP 连接数",
		}),
		smtpConnectionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "submail_smtp_connections_rejected_total",
			Help: "超过并发上限被拒绝的连接总数",
		}),
		smtpRcptRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "submail_smtp_rcpt_rejected_total",
			Help: "被拒绝的 RCPT 总数",
		}, []string{"reason"}),

		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "submail_outcomes_total",
			Help: "按状态统计的转发结果总数",
		}, []string{"status"}),
		deliveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "submail_delivery_duration_seconds",
			Help:    "外发投递耗时",
			Buckets: prometheus.DefBuckets,
		}, []string{"result"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "submail_transport_breaker_state",
			Help: "外发熔断器状态（0=closed, 1=half-open, 2=open），按目标域名或中继区分",
		}, []string{"target"}),

		tlsCertExpiry: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "submail_tls_cert_expiry_seconds",
			Help: "TLS 证书过期时间（Unix 秒）",
		}),
	}

	// 注册指标
	registry.MustRegister(
		exporter.smtpConnections,
		exporter.smtpConnectionsRejected,
		exporter.smtpRcptRejected,
		exporter.outcomes,
		exporter.deliveryDuration,
		exporter.breakerState,
		exporter.tlsCertExpiry,
	)

	return exporter
}

// Registry 返回指标注册表
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Handler 返回 HTTP 处理器
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// IncSMTPConnections 增加 SMTP 连接数
func (e *Exporter) IncSMTPConnections() {
	if e == nil {
		return
	}
	e.smtpConnections.Inc()
}

// DecSMTPConnections 减少 SMTP 连接数
func (e *Exporter) DecSMTPConnections() {
	if e == nil {
		return
	}
	e.smtpConnections.Dec()
}

// IncConnectionsRejected 增加被拒绝的连接数
func (e *Exporter) IncConnectionsRejected() {
	if e == nil {
		return
	}
	e.smtpConnectionsRejected.Inc()
}

// IncRcptRejected 增加被拒绝的 RCPT 数
func (e *Exporter) IncRcptRejected(reason string) {
	if e == nil {
		return
	}
	e.smtpRcptRejected.WithLabelValues(reason).Inc()
}

// IncOutcome 增加转发结果数
func (e *Exporter) IncOutcome(status string) {
	if e == nil {
		return
	}
	e.outcomes.WithLabelValues(status).Inc()
}

// ObserveDelivery 记录一次外发耗时
func (e *Exporter) ObserveDelivery(d time.Duration, err error) {
	if e == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	e.deliveryDuration.WithLabelValues(result).Observe(d.Seconds())
}

// SetBreakerState 设置熔断器状态
func (e *Exporter) SetBreakerState(target string, state int) {
	if e == nil {
		return
	}
	e.breakerState.WithLabelValues(target).Set(float64(state))
}

// SetTLSCertExpiry 设置 TLS 证书过期时间
func (e *Exporter) SetTLSCertExpiry(expiry time.Time) {
	if e == nil {
		return
	}
	e.tlsCertExpiry.Set(float64(expiry.Unix()))
}
