package orchestrator

import (
	"context"
	"errors"
	"sort"
	"sync"

	"tickerflow/internal/models"
	"tickerflow/logger"
)

// ErrUnknownCategory is returned for a category with no configuration.
var ErrUnknownCategory = errors.New("category not configured")

// Builder creates the supervisor for a category.
type Builder func(category models.Category) (*Supervisor, error)

// Manager starts each category at most once and keeps its supervisor.
type Manager struct {
	build      Builder
	reconciler *Reconciler
	log        *logger.Entry

	mu          sync.Mutex
	supervisors map[models.Category]*Supervisor
}

// NewManager returns a manager. reconciler may be nil to disable the
// periodic refresh.
func NewManager(build Builder, reconciler *Reconciler) *Manager {
	return &Manager{
		build:       build,
		reconciler:  reconciler,
		log:         logger.GetLogger().WithComponent("manager"),
		supervisors: make(map[models.Category]*Supervisor),
	}
}

// Start launches ingestion for category under ctx. It reports false without
// error when the category is already running. A failed start leaves nothing
// behind so it can be triggered again.
func (m *Manager) Start(ctx context.Context, category models.Category) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.supervisors[category]; ok {
		return false, nil
	}

	sup, err := m.build(category)
	if err != nil {
		return false, err
	}
	if err := sup.Start(ctx); err != nil {
		m.log.WithError(err).WithField("category", string(category)).Error("category failed to start")
		return false, err
	}
	m.supervisors[category] = sup

	if m.reconciler != nil {
		if err := m.reconciler.Register(string(category), sup.Reconcile); err != nil {
			m.log.WithError(err).WithField("category", string(category)).Warn("failed to schedule reconciliation")
		}
	}
	return true, nil
}

// Running reports whether category has been started.
func (m *Manager) Running(category models.Category) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.supervisors[category]
	return ok
}

// Status returns one entry per started category, ordered by name.
func (m *Manager) Status() []Status {
	m.mu.Lock()
	sups := make([]*Supervisor, 0, len(m.supervisors))
	for _, s := range m.supervisors {
		sups = append(sups, s)
	}
	m.mu.Unlock()

	out := make([]Status, 0, len(sups))
	for _, s := range sups {
		out = append(out, s.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}

// Wait blocks until every supervisor's feeds have returned.
func (m *Manager) Wait() {
	m.mu.Lock()
	sups := make([]*Supervisor, 0, len(m.supervisors))
	for _, s := range m.supervisors {
		sups = append(sups, s)
	}
	m.mu.Unlock()

	for _, s := range sups {
		s.Wait()
	}
}
