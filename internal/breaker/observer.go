package breaker

import (
	"go.uber.org/zap"

	"github.com/JakeFAU/company-crawler/internal/metrics"
)

// Observer is notified after each state transition, outside the breaker's lock.
type Observer interface {
	OnOpen(Snapshot)
	OnHalfOpen(Snapshot)
	OnClose(Snapshot)
}

// NopObserver ignores every transition.
type NopObserver struct{}

// OnOpen implements Observer.
func (NopObserver) OnOpen(Snapshot) {}

// OnHalfOpen implements Observer.
func (NopObserver) OnHalfOpen(Snapshot) {}

// OnClose implements Observer.
func (NopObserver) OnClose(Snapshot) {}

// MultiObserver fans a transition out to several observers in order.
type MultiObserver []Observer

// OnOpen implements Observer.
func (m MultiObserver) OnOpen(s Snapshot) {
	for _, o := range m {
		o.OnOpen(s)
	}
}

// OnHalfOpen implements Observer.
func (m MultiObserver) OnHalfOpen(s Snapshot) {
	for _, o := range m {
		o.OnHalfOpen(s)
	}
}

// OnClose implements Observer.
func (m MultiObserver) OnClose(s Snapshot) {
	for _, o := range m {
		o.OnClose(s)
	}
}

// LogObserver writes transitions to a zap logger.
type LogObserver struct {
	logger *zap.Logger
}

// NewLogObserver builds a LogObserver. A nil logger discards output.
func NewLogObserver(logger *zap.Logger) *LogObserver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogObserver{logger: logger.Named("breaker")}
}

// OnOpen implements Observer.
func (o *LogObserver) OnOpen(s Snapshot) {
	o.logger.Warn("circuit opened",
		zap.String("breaker", s.Name),
		zap.Int("failures", s.Failures),
		zap.Time("next_attempt", s.NextAttempt),
	)
}

// OnHalfOpen implements Observer.
func (o *LogObserver) OnHalfOpen(s Snapshot) {
	o.logger.Info("circuit half-open, allowing trial request", zap.String("breaker", s.Name))
}

// OnClose implements Observer.
func (o *LogObserver) OnClose(s Snapshot) {
	o.logger.Info("circuit closed", zap.String("breaker", s.Name))
}

// MetricsObserver reports transitions to Prometheus.
type MetricsObserver struct{}

// OnOpen implements Observer.
func (MetricsObserver) OnOpen(s Snapshot) {
	metrics.ObserveBreakerTransition(s.Name, StateOpen.String())
}

// OnHalfOpen implements Observer.
func (MetricsObserver) OnHalfOpen(s Snapshot) {
	metrics.ObserveBreakerTransition(s.Name, StateHalfOpen.String())
}

// OnClose implements Observer.
func (MetricsObserver) OnClose(s Snapshot) {
	metrics.ObserveBreakerTransition(s.Name, StateClosed.String())
}
