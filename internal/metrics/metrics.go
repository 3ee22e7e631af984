// Package metrics は中継と突き合わせの動作状況をPrometheusのメトリクスとして公開する。
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gotifyup"

// 破棄理由のラベル値。
const (
	// DiscardDuplicate はウォーターマーク以下のIDのため破棄したことを表す。
	DiscardDuplicate = "duplicate"
	// DiscardOrphan は対応するRegistrationがないため配送しなかったことを表す。
	DiscardOrphan = "orphan"
)

// Metrics は各コンポーネントが更新するコレクタの集合。
// nilのMetricsに対する呼び出しは何もしない。
type Metrics struct {
	// messagesDelivered は購読者に配送したメッセージ数。
	messagesDelivered prometheus.Counter
	// messagesDiscarded は理由別の配送しなかったメッセージ数。
	messagesDiscarded *prometheus.CounterVec
	// deliveryFailures はバスへの送信に失敗した回数。
	deliveryFailures prometheus.Counter
	// streamConnects はストリームの接続成功回数。
	streamConnects prometheus.Counter
	// streamDisconnects はストリームの切断回数（接続失敗を含む）。
	streamDisconnects prometheus.Counter
	// watermark は現在のウォーターマーク。
	watermark prometheus.Gauge
	// mu はwatermarkValueを保護する。
	mu sync.Mutex
	// watermarkValue はゲージに設定済みの値。
	watermarkValue int64
	// registrations は結果別のRegister呼び出し数。
	registrations *prometheus.CounterVec
	// reconcileRemoved は突き合わせで削除したRegistration数。
	reconcileRemoved prometheus.Counter
	// reconcileFailures は突き合わせの失敗回数。
	reconcileFailures prometheus.Counter
}

// New はコレクタを生成してregに登録する。
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay", Name: "messages_delivered_total",
			Help: "Messages delivered to local subscribers.",
		}),
		messagesDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay", Name: "messages_discarded_total",
			Help: "Messages not delivered, by reason.",
		}, []string{"reason"}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay", Name: "delivery_failures_total",
			Help: "Messages the local bus refused to accept.",
		}),
		streamConnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay", Name: "stream_connects_total",
			Help: "Successful upstream stream connections.",
		}),
		streamDisconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay", Name: "stream_disconnects_total",
			Help: "Upstream stream closures and failed connection attempts.",
		}),
		watermark: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "relay", Name: "watermark",
			Help: "Highest processed upstream message id.",
		}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "registration", Name: "requests_total",
			Help: "Register calls, by result status.",
		}, []string{"status"}),
		reconcileRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reconcile", Name: "removed_total",
			Help: "Registrations removed because their upstream application disappeared.",
		}),
		reconcileFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reconcile", Name: "failures_total",
			Help: "Reconciliation ticks aborted by an error.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.messagesDelivered, m.messagesDiscarded, m.deliveryFailures,
			m.streamConnects, m.streamDisconnects, m.watermark,
			m.registrations, m.reconcileRemoved, m.reconcileFailures,
		)
	}
	return m
}

func (m *Metrics) MessageDelivered() {
	if m != nil {
		m.messagesDelivered.Inc()
	}
}

func (m *Metrics) MessageDiscarded(reason string) {
	if m != nil {
		m.messagesDiscarded.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) DeliveryFailed() {
	if m != nil {
		m.deliveryFailures.Inc()
	}
}

func (m *Metrics) StreamConnected() {
	if m != nil {
		m.streamConnects.Inc()
	}
}

func (m *Metrics) StreamDisconnected() {
	if m != nil {
		m.streamDisconnects.Inc()
	}
}

// SetWatermark はゲージをmax(現在値, id)に更新する。
func (m *Metrics) SetWatermark(id int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if id > m.watermarkValue {
		m.watermarkValue = id
		m.watermark.Set(float64(id))
	}
}

func (m *Metrics) Registration(status string) {
	if m != nil {
		m.registrations.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) ReconcileRemoved() {
	if m != nil {
		m.reconcileRemoved.Inc()
	}
}

func (m *Metrics) ReconcileFailed() {
	if m != nil {
		m.reconcileFailures.Inc()
	}
}
