package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"skycourier/pkg/logger"
	embeddednats "skycourier/pkg/services/embedded-nats"
)

// Store is everything the workers persist into.
type Store interface {
	NotificationStore
	ProgressStore
}

type Manager struct {
	workers []Worker
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	lg      *logger.Logger
}

func NewManager(natsClient *embeddednats.EmbeddedNATS, store Store, lg *logger.Logger) (*Manager, error) {
	if natsClient.Connection() == nil {
		return nil, fmt.Errorf("NATS connection not initialized")
	}

	js := natsClient.JetStream()
	if js == nil {
		return nil, fmt.Errorf("JetStream not initialized")
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		ctx:    ctx,
		cancel: cancel,
		lg:     lg,
		workers: []Worker{
			NewNotificationWorker(js, store, lg),
			NewFlightProgressWorker(js, store, lg),
		},
	}, nil
}

func (m *Manager) Start() error {
	m.lg.Infof("[Workers] starting NATS workers")

	for _, worker := range m.workers {
		m.wg.Add(1)
		go func(w Worker) {
			defer m.wg.Done()

			m.lg.Infof("[Workers] starting worker: %s", w.Name())
			if err := w.Start(m.ctx); err != nil && !errors.Is(err, context.Canceled) {
				m.lg.Errorf("[Workers] worker %s error: %v", w.Name(), err)
			}
			m.lg.Infof("[Workers] worker %s stopped", w.Name())
		}(worker)
	}

	m.lg.Infof("[Workers] started %d workers", len(m.workers))
	return nil
}

// Stop cancels the workers and waits for in-flight batches. The NATS
// connection belongs to the embedded server and stays open.
func (m *Manager) Stop() error {
	m.lg.Infof("[Workers] stopping NATS workers")

	m.cancel()

	for _, worker := range m.workers {
		if err := worker.Stop(); err != nil {
			m.lg.Warnf("[Workers] error stopping worker %s: %v", worker.Name(), err)
		}
	}

	m.wg.Wait()

	m.lg.Infof("[Workers] all workers stopped")
	return nil
}
