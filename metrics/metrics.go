// Package metrics 暴露桥接器的 Prometheus 指标。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fireflycore/go-nacos-bridge/bridge"
)

var (
	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nacos_bridge_messages_total",
			Help: "Messages processed by the bridge, by direction and outcome",
		},
		[]string{"direction", "outcome"},
	)

	streamsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nacos_bridge_streams_active",
			Help: "Number of proxied streams currently open",
		},
	)

	streamsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nacos_bridge_streams_total",
			Help: "Proxied streams by classification",
		},
		[]string{"classification"},
	)
)

// Register 把所有指标注册到 r。
func Register(r prometheus.Registerer) {
	r.MustRegister(messagesTotal, streamsActive, streamsTotal)
}

// StreamStart 记录一个新流；grpcDetected 为 false 时该流整体透传。
func StreamStart(grpcDetected bool) {
	streamsActive.Inc()
	if grpcDetected {
		streamsTotal.WithLabelValues("grpc").Inc()
		return
	}
	streamsTotal.WithLabelValues("pass_through").Inc()
}

// StreamEnd 记录一个流结束。
func StreamEnd() { streamsActive.Dec() }

// Observer 把 bridge 的消息结果写入指标。
type Observer struct{}

var _ bridge.Observer = Observer{}

// ObserveMessage 实现 bridge.Observer。
func (Observer) ObserveMessage(direction bridge.Direction, outcome bridge.State) {
	messagesTotal.WithLabelValues(direction.String(), outcome.String()).Inc()
}
