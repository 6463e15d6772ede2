package queue

import "sync"

// Manager is one transport's queue_list + queue_byname: every live
// per-destination Queue for that transport, indexed by name.
type Manager struct {
	Config *TransportConfig

	mu     sync.Mutex
	byName map[string]*Queue
}

func NewManager(config *TransportConfig) *Manager {
	return &Manager{Config: config, byName: make(map[string]*Queue)}
}

// Find returns the named queue, or nil.
func (m *Manager) Find(name string) *Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byName[name]
}

// Obtain finds or creates the named queue, mirroring the
// find-then-create pattern every qmgr_queue_create call site uses.
func (m *Manager) Obtain(name, nexthop string) *Queue {
	m.mu.Lock()
	defer m.mu.Unlock()

	if q, ok := m.byName[name]; ok {
		return q
	}
	q := New(m.Config, name, nexthop)
	m.byName[name] = q
	return q
}

// Done removes the queue from this transport's registry after
// disposing of it; it is the caller's job to have already drained its
// entry lists (Queue.Done panics otherwise).
func (m *Manager) Done(q *Queue) {
	q.Done()
	m.mu.Lock()
	delete(m.byName, q.Name)
	m.mu.Unlock()
}
