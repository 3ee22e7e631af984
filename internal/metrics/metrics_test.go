package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics(t *testing.T) {
	t.Parallel()

	t.Run("カウンタが加算されること", func(t *testing.T) {
		t.Parallel()

		m := New(prometheus.NewRegistry())
		m.MessageDelivered()
		m.MessageDelivered()
		m.MessageDiscarded(DiscardOrphan)
		m.Registration("NEW_ENDPOINT")

		if got := testutil.ToFloat64(m.messagesDelivered); got != 2 {
			t.Errorf("delivered = %v, want 2", got)
		}
		if got := testutil.ToFloat64(m.messagesDiscarded.WithLabelValues(DiscardOrphan)); got != 1 {
			t.Errorf("discarded{orphan} = %v, want 1", got)
		}
		if got := testutil.ToFloat64(m.messagesDiscarded.WithLabelValues(DiscardDuplicate)); got != 0 {
			t.Errorf("discarded{duplicate} = %v, want 0", got)
		}
		if got := testutil.ToFloat64(m.registrations.WithLabelValues("NEW_ENDPOINT")); got != 1 {
			t.Errorf("registrations = %v, want 1", got)
		}
	})

	t.Run("ウォーターマークのゲージが減少しないこと", func(t *testing.T) {
		t.Parallel()

		m := New(nil)
		m.SetWatermark(5)
		m.SetWatermark(3)
		if got := testutil.ToFloat64(m.watermark); got != 5 {
			t.Errorf("watermark = %v, want 5", got)
		}
		m.SetWatermark(8)
		if got := testutil.ToFloat64(m.watermark); got != 8 {
			t.Errorf("watermark = %v, want 8", got)
		}
	})

	t.Run("nilのMetricsでもパニックしないこと", func(t *testing.T) {
		t.Parallel()

		var m *Metrics
		m.MessageDelivered()
		m.MessageDiscarded(DiscardDuplicate)
		m.DeliveryFailed()
		m.StreamConnected()
		m.StreamDisconnected()
		m.SetWatermark(1)
		m.Registration("x")
		m.ReconcileRemoved()
		m.ReconcileFailed()
	})

	t.Run("同じレジストリに二重登録するとパニックすること", func(t *testing.T) {
		t.Parallel()

		reg := prometheus.NewRegistry()
		New(reg)
		defer func() {
			if recover() == nil {
				t.Error("パニックが発生しなかった")
			}
		}()
		New(reg)
	})
}
