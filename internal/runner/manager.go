package runner

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/subscout/api/schemas"
	"github.com/xkilldash9x/subscout/internal/config"
	"github.com/xkilldash9x/subscout/internal/metrics"
)

// Manager owns every live Runner keyed by queue id. Runners are evicted once
// they reach a terminal state.
type Manager struct {
	cfg       config.RunnerConfig
	publisher Publisher
	logger    *zap.Logger

	// base outlives the requests that start runners.
	base   context.Context
	cancel context.CancelFunc
	slots  chan struct{}

	mu      sync.Mutex
	runners map[string]*Runner
	wg      sync.WaitGroup
}

func NewManager(cfg config.RunnerConfig, publisher Publisher, logger *zap.Logger) *Manager {
	concurrency := cfg.MaxConcurrent
	if concurrency <= 0 {
		concurrency = 4
	}
	base, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg,
		publisher: publisher,
		logger:    logger.Named("runner_manager"),
		base:      base,
		cancel:    cancel,
		slots:     make(chan struct{}, concurrency),
		runners:   make(map[string]*Runner),
	}
}

func notFound(id string) error {
	return schemas.NewServerError(schemas.CodeRunnerNotFound, "No running action with id \""+id+"\".")
}

// Start registers a runner for id and runs job in the background. Jobs beyond
// the concurrency limit stay pending until a slot frees up.
func (m *Manager) Start(id string, job Job) (*Runner, error) {
	m.mu.Lock()
	if m.base.Err() != nil {
		m.mu.Unlock()
		return nil, schemas.NewServerError(schemas.CodeInvalidQueueItem, "The service is shutting down.")
	}
	if _, exists := m.runners[id]; exists {
		m.mu.Unlock()
		return nil, schemas.NewServerError(schemas.CodeInvalidQueueItem, "An action with id \""+id+"\" is already running.")
	}
	r := newRunner(id, m.publisher, m.cfg.AnswerTimeout, m.logger)
	m.runners[id] = r
	m.wg.Add(1)
	n := len(m.runners)
	m.mu.Unlock()

	metrics.SetRunnersActive(n)
	metrics.RecordRunnerTransition(string(StatePending))
	m.logger.Info("Runner started.", zap.String("queue_id", id))

	go func() {
		defer m.wg.Done()
		defer m.evict(id)

		select {
		case m.slots <- struct{}{}:
			defer func() { <-m.slots }()
		case <-r.token.Done():
		case <-m.base.Done():
			r.Cancel()
		}
		r.run(m.base, job)
	}()
	return r, nil
}

func (m *Manager) evict(id string) {
	m.mu.Lock()
	delete(m.runners, id)
	n := len(m.runners)
	m.mu.Unlock()
	metrics.SetRunnersActive(n)
}

// Get returns the live runner for id.
func (m *Manager) Get(id string) (*Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runners[id]
	if !ok {
		return nil, notFound(id)
	}
	return r, nil
}

// Answer routes value to the question runner id is waiting on.
func (m *Manager) Answer(id string, value *string) error {
	r, err := m.Get(id)
	if err != nil {
		return err
	}
	if err := r.Answer(value); err != nil {
		return schemas.NewServerError(schemas.CodeInvalidQueueItem, "The action is not waiting for an answer.")
	}
	return nil
}

// Cancel revokes runner id.
func (m *Manager) Cancel(id string) error {
	r, err := m.Get(id)
	if err != nil {
		return err
	}
	r.Cancel()
	return nil
}

// Len is the number of live runners.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runners)
}

// Shutdown cancels every runner and waits for them to finish or ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.cancel()
	for _, r := range m.runners {
		r.Cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("All runners stopped.")
		return nil
	case <-ctx.Done():
		m.logger.Warn("Timed out waiting for runners to stop.", zap.Int("remaining", m.Len()))
		return ctx.Err()
	}
}

// WaitIdle blocks until no runner is live, polling every interval. Tests and
// the CLI use it to drain.
func (m *Manager) WaitIdle(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for m.Len() > 0 {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
