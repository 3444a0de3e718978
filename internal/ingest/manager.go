package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cnc-iiot/backend/internal/models"
)

// MaxMachines bounds the number of live pipelines a Manager keeps.
const MaxMachines = 64

// Manager owns one pipeline per machine. Lines of one machine are applied
// strictly in order; different machines ingest concurrently and only meet
// in the store's write lock.
type Manager struct {
	store    Store
	defaults Options
	logger   *slog.Logger

	mu       sync.RWMutex
	machines map[string]*machineState
}

type machineState struct {
	mu       sync.Mutex // held for the whole of a run
	pipeline *Pipeline  // guarded by mu

	// guarded by Manager.mu
	refs        int
	lastUsed    time.Time
	running     bool
	activeJobID int64 // snapshot taken when the last run ended
}

// MachineStatus is a snapshot of one managed machine.
type MachineStatus struct {
	MachineID   string    `json:"machineId"`
	ActiveJobID int64     `json:"activeJobId,omitempty"`
	Running     bool      `json:"running"`
	LastUsed    time.Time `json:"lastUsed"`
}

// NewManager creates a manager whose pipelines use defaults with the
// machine id filled in.
func NewManager(store Store, defaults Options) *Manager {
	logger := defaults.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    store,
		defaults: defaults,
		logger:   logger.With("component", "ingest-manager"),
		machines: make(map[string]*machineState),
	}
}

// acquire returns the machine's state with a reference held so it cannot be
// evicted while a caller waits for or holds its lock.
func (m *Manager) acquire(machineID string) *machineState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.machines[machineID]
	if !ok {
		m.evictIdleLocked()
		st = &machineState{}
		m.machines[machineID] = st
	}
	st.refs++
	st.lastUsed = time.Now()
	return st
}

func (m *Manager) release(st *machineState) {
	m.mu.Lock()
	st.refs--
	st.lastUsed = time.Now()
	m.mu.Unlock()
}

// finishRun publishes the run's end. It is called with st.mu held so a
// queued run cannot start before running is cleared.
func (m *Manager) finishRun(st *machineState) {
	var jobID int64
	if st.pipeline != nil {
		if job := st.pipeline.ActiveJob(); job != nil {
			jobID = job.ID
		}
	}
	m.mu.Lock()
	st.running = false
	st.activeJobID = jobID
	m.mu.Unlock()
}

// Ingest runs r through the machine's pipeline. Concurrent calls for the
// same machine queue behind each other.
func (m *Manager) Ingest(ctx context.Context, machineID, source string, r io.Reader) (summary *models.RunSummary, err error) {
	if machineID == "" {
		return nil, fmt.Errorf("ingest: machine id is required")
	}
	st := m.acquire(machineID)
	defer m.release(st)

	st.mu.Lock()
	m.mu.Lock()
	st.running = true
	m.mu.Unlock()
	defer func() {
		m.finishRun(st)
		st.mu.Unlock()
	}()

	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error("ingest panicked", "machine", machineID, "panic", rec)
			// The tracker may be half-updated; rebuild it from the store next time.
			st.pipeline = nil
			err = fmt.Errorf("ingest panicked: %v", rec)
		}
	}()

	if st.pipeline == nil {
		opts := m.defaults
		opts.MachineID = machineID
		p, err := New(m.store, opts)
		if err != nil {
			return nil, err
		}
		if err := p.Resume(ctx); err != nil {
			return nil, err
		}
		st.pipeline = p
	}

	return st.pipeline.Run(ctx, source, r)
}

// Machines returns the managed machines sorted by id. It never touches a
// pipeline; ActiveJobID is as of the machine's last completed run.
func (m *Manager) Machines() []MachineStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]MachineStatus, 0, len(m.machines))
	for id, st := range m.machines {
		out = append(out, MachineStatus{
			MachineID:   id,
			ActiveJobID: st.activeJobID,
			Running:     st.running,
			LastUsed:    st.lastUsed,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MachineID < out[j].MachineID })
	return out
}

// CleanupIdle drops pipelines unused for maxAge. A dropped pipeline is
// rebuilt from the store on the machine's next run.
func (m *Manager) CleanupIdle(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for id, st := range m.machines {
		if st.refs > 0 || st.lastUsed.After(cutoff) {
			continue
		}
		delete(m.machines, id)
		removed++
		m.logger.Info("dropped idle pipeline", "machine", id, "idle", time.Since(st.lastUsed).Round(time.Second))
	}
	return removed
}

// evictIdleLocked makes room when the manager is at capacity by dropping the
// least recently used idle machine. m.mu must be held.
func (m *Manager) evictIdleLocked() {
	if len(m.machines) < MaxMachines {
		return
	}
	var oldestID string
	var oldest time.Time
	for id, st := range m.machines {
		if st.refs > 0 {
			continue
		}
		if oldestID == "" || st.lastUsed.Before(oldest) {
			oldestID, oldest = id, st.lastUsed
		}
	}
	if oldestID != "" {
		delete(m.machines, oldestID)
	}
}
