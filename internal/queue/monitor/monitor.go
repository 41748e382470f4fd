package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aridsondez/visqueue/internal/metrics"
	"github.com/aridsondez/visqueue/internal/queue"
	"github.com/aridsondez/visqueue/internal/queue/store"
)

// Monitor samples queue depth into the queue_messages gauge. It only reads;
// visibility expiry stays lazy in the backends.
type Monitor struct {
	backend  store.Backend
	interval time.Duration
	logger   logrus.FieldLogger

	stopOnce sync.Once
	stopCh   chan struct{}

	mu    sync.Mutex
	known map[string]struct{}
}

func New(backend store.Backend, interval time.Duration, logger logrus.FieldLogger) *Monitor {
	return &Monitor{
		backend:  backend,
		interval: interval,
		logger:   logger.WithField("component", "monitor"),
		stopCh:   make(chan struct{}),
		known:    make(map[string]struct{}),
	}
}

// Start samples every interval until ctx is cancelled or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Infof("monitor started, interval: %s", m.interval)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("monitor stopped (context cancelled)")
			return

		case <-m.stopCh:
			m.logger.Info("monitor stopped (stop signal)")
			return

		case <-ticker.C:
			if err := m.Sample(ctx); err != nil {
				m.logger.WithError(err).Warn("monitor sample failed")
			}
		}
	}
}

func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// Sample reads every queue's stats once and publishes them. Gauges of
// queues that no longer exist are removed.
func (m *Monitor) Sample(ctx context.Context) error {
	start := time.Now()
	defer func() { metrics.MonitorDuration.Observe(time.Since(start).Seconds()) }()

	names, err := m.backend.ListQueues(ctx)
	if err != nil {
		metrics.MonitorErrors.Inc()
		return err
	}

	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		st, err := m.backend.Stats(ctx, queue.Handle{Name: name})
		if err != nil {
			// dropped between list and stats
			if errors.Is(err, queue.ErrQueueNotFound) {
				continue
			}
			metrics.MonitorErrors.Inc()
			return err
		}
		seen[name] = struct{}{}
		metrics.QueueMessages.WithLabelValues(name, "visible").Set(float64(st.Visible))
		metrics.QueueMessages.WithLabelValues(name, "invisible").Set(float64(st.Invisible))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for name := range m.known {
		if _, ok := seen[name]; !ok {
			metrics.QueueMessages.DeleteLabelValues(name, "visible")
			metrics.QueueMessages.DeleteLabelValues(name, "invisible")
		}
	}
	m.known = seen
	return nil
}
