package session

import (
	"sync"

	"nimbusd/pkg/config"
	"nimbusd/pkg/inference"
	"nimbusd/pkg/models"
	"nimbusd/pkg/persona"
	"nimbusd/pkg/store"
)

// Manager hands out one controller per owner so the HTTP layer can route
// concurrent requests from the same owner through a single state machine.
type Manager struct {
	store  *store.Store
	llm    *inference.Client
	engine *persona.Engine
	cfg    config.SessionConfig

	mu          sync.Mutex
	controllers map[string]*Controller
}

// NewManager builds a manager sharing the given collaborators across all
// controllers.
func NewManager(st *store.Store, llm *inference.Client, eng *persona.Engine, cfg config.SessionConfig) *Manager {
	return &Manager{
		store:       st,
		llm:         llm,
		engine:      eng,
		cfg:         cfg,
		controllers: make(map[string]*Controller),
	}
}

// Get returns the owner's controller, creating it on first use.
func (m *Manager) Get(owner models.Owner) *Controller {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := owner.Key()
	if c, ok := m.controllers[key]; ok {
		return c
	}
	c := NewController(owner, m.store, m.llm, m.engine, m.cfg)
	m.controllers[key] = c
	return c
}

// Drop forgets the owner's controller. Called after a guest namespace is
// merged away or purged.
func (m *Manager) Drop(owner models.Owner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.controllers, owner.Key())
}
