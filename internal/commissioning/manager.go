package commissioning

import (
	"context"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/iliyamo/campground-power/internal/model"
)

// AreaLister returns the areas the pairing service manages.
type AreaLister interface {
	Areas(ctx context.Context) ([]model.Area, error)
}

// Factory builds the Coordinator for a newly discovered area.
type Factory func(area model.Area) *Coordinator

// Manager keeps one Coordinator per area.
type Manager struct {
	lister AreaLister
	build  Factory

	mu     sync.RWMutex
	coords map[string]*Coordinator
	runCtx context.Context
	closed bool
}

// NewManager returns an empty Manager.  Areas are discovered by Refresh.
func NewManager(lister AreaLister, build Factory) *Manager {
	return &Manager{
		lister: lister,
		build:  build,
		coords: make(map[string]*Coordinator),
		runCtx: context.Background(),
	}
}

// Run refreshes the area list immediately and then every interval until
// ctx is cancelled.  Coordinators are connected with ctx.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	m.mu.Lock()
	m.runCtx = ctx
	m.mu.Unlock()

	if _, err := m.Refresh(ctx); err != nil {
		log.WithField("component", "coordinator").WithError(err).Warn("initial area refresh failed")
	}
	if interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if _, err := m.Refresh(ctx); err != nil {
				log.WithField("component", "coordinator").WithError(err).Warn("area refresh failed")
			}
		}
	}
}

// Refresh reconciles the coordinators with the gateway's area list.  New
// areas get a connected Coordinator; vanished areas are shut down unless
// they still hold an active session.
func (m *Manager) Refresh(ctx context.Context) ([]model.Area, error) {
	areas, err := m.lister.Areas(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShutdown
	}
	seen := make(map[string]bool, len(areas))
	var (
		added   []*Coordinator
		removed []*Coordinator
	)
	for _, a := range areas {
		seen[a.ID] = true
		if _, ok := m.coords[a.ID]; ok {
			continue
		}
		c := m.build(a)
		m.coords[a.ID] = c
		added = append(added, c)
	}
	var vanished []*Coordinator
	for id, c := range m.coords {
		if !seen[id] {
			vanished = append(vanished, c)
		}
	}
	runCtx := m.runCtx
	m.mu.Unlock()

	// Sessions are inspected without holding mu.
	var idleOnes []*Coordinator
	for _, c := range vanished {
		if !c.Snapshot().Active() {
			idleOnes = append(idleOnes, c)
		}
	}
	if len(idleOnes) > 0 {
		m.mu.Lock()
		for _, c := range idleOnes {
			if m.coords[c.Area().ID] == c {
				delete(m.coords, c.Area().ID)
				removed = append(removed, c)
			}
		}
		m.mu.Unlock()
	}

	for _, c := range added {
		if err := c.Connect(runCtx); err != nil {
			return nil, err
		}
		log.WithFields(log.Fields{"component": "coordinator", "area": c.Area().ID}).Info("area coordinator started")
	}
	for _, c := range removed {
		c.Shutdown()
	}
	return m.Areas(), nil
}

// Get returns the Coordinator of area id.
func (m *Manager) Get(id string) (*Coordinator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.coords[id]
	if !ok {
		return nil, ErrUnknownArea
	}
	return c, nil
}

// Areas lists the known areas sorted by id.
func (m *Manager) Areas() []model.Area {
	m.mu.RLock()
	out := make([]model.Area, 0, len(m.coords))
	for _, c := range m.coords {
		out = append(out, c.Area())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Shutdown stops every Coordinator.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	coords := m.coords
	m.coords = make(map[string]*Coordinator)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range coords {
		wg.Add(1)
		go func(c *Coordinator) {
			defer wg.Done()
			c.Shutdown()
		}(c)
	}
	wg.Wait()
}
