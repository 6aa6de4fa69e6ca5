package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry 创建自定义 Prometheus Registry，并注册常用采集器
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler 返回 Prometheus 指标 HTTP 处理器
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// AppMetrics 自定义业务指标
type AppMetrics struct {
	WSAccepted     prometheus.Counter
	MessageTotal   *prometheus.CounterVec // labels: type
	BroadcastTotal *prometheus.CounterVec // labels: type
	OnlineGauge    prometheus.Gauge       // 当前在线设备数
	HeartbeatTotal prometheus.Counter     // 心跳计数
	CommandTotal   *prometheus.CounterVec // labels: result=ok|timeout|failed|rejected
	PendingGauge   prometheus.Gauge       // 在途命令数
	EvictionTotal  prometheus.Counter     // 健康巡检剔除数
}

// NewAppMetrics 注册并返回业务指标
func NewAppMetrics(reg *prometheus.Registry) *AppMetrics {
	m := &AppMetrics{
		WSAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ws_accept_total",
			Help: "Total accepted WebSocket connections.",
		}),
		MessageTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ws_message_total",
			Help: "Inbound WebSocket messages by type.",
		}, []string{"type"}),
		BroadcastTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ws_broadcast_total",
			Help: "Broadcast frames forwarded by type.",
		}, []string{"type"}),
		OnlineGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "registry_online_count",
			Help: "Current number of registered online devices.",
		}),
		HeartbeatTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "registry_heartbeat_total",
			Help: "Total heartbeats observed.",
		}),
		CommandTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "command_total",
			Help: "Dispatched commands by result.",
		}, []string{"result"}),
		PendingGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "command_pending_count",
			Help: "Commands currently awaiting a device reply.",
		}),
		EvictionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "health_eviction_total",
			Help: "Devices evicted by the health sweep.",
		}),
	}
	reg.MustRegister(m.WSAccepted, m.MessageTotal, m.BroadcastTotal, m.OnlineGauge,
		m.HeartbeatTotal, m.CommandTotal, m.PendingGauge, m.EvictionTotal)
	return m
}
