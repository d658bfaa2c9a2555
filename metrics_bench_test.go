package agendador

import (
	"testing"
	"time"
)

func BenchmarkMetrics(b *testing.B) {
	m := NewMetrics(MetricsConfig{Enabled: true, EnableLatencyHistograms: true})

	b.Run("inc", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			m.Inc(MetricRefreshRequested)
		}
	})

	b.Run("inc-parallel", func(b *testing.B) {
		b.ReportAllocs()
		b.RunParallel(func(pb *testing.PB) {
			for pb.Next() {
				m.Inc(MetricRequestRetried)
			}
		})
	})

	b.Run("observe-parallel", func(b *testing.B) {
		b.ReportAllocs()
		b.RunParallel(func(pb *testing.PB) {
			for pb.Next() {
				m.Observe(MetricRefreshLatency, 42*time.Millisecond)
			}
		})
	})

	b.Run("snapshot", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			_ = m.Snapshot()
		}
	})
}
