package supervisor

import (
	"sort"
	"sync"
	"time"
)

// Phase is a session's lifecycle stage.
type Phase string

const (
	PhasePending    Phase = "pending"
	PhaseConnecting Phase = "connecting"
	PhaseWaiting    Phase = "waiting"
	PhaseRunning    Phase = "running"
	PhaseStopping   Phase = "stopping"
	PhaseStopped    Phase = "stopped"
	PhaseFailed     Phase = "failed"
)

// SessionInfo is a point-in-time view of one session.
type SessionInfo struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Phase     Phase     `json:"phase"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
}

// Registry tracks the phase of every session. It is safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*SessionInfo
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*SessionInfo)}
}

func (r *Registry) add(id, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[id] = &SessionInfo{ID: id, Path: path, Phase: PhasePending}
}

func (r *Registry) set(id string, p Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	s.Phase = p
	if p == PhaseRunning && s.StartedAt.IsZero() {
		s.StartedAt = time.Now()
	}
}

func (r *Registry) fail(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	s.Phase = PhaseFailed
	if err != nil {
		s.Error = err.Error()
	}
}

// Get returns the session with id.
func (r *Registry) Get(id string) (SessionInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return SessionInfo{}, false
	}
	return *s, true
}

// Snapshot returns every session ordered by path then id.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.Lock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].ID < out[j].ID
	})
	return out
}
