package manager

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"mitavoice/internal/backend"
	"mitavoice/internal/catalog"
	"mitavoice/internal/installer"
	"mitavoice/pkg/types"
)

type Manager struct {
	mu         sync.RWMutex
	state      State
	err        string
	active     string
	selected   string
	installing string

	catalog   *catalog.Controller
	backends  map[string]backend.Backend
	rvc       backend.Backend
	comps     Components
	inst      *installer.Installer
	runtime   *backend.Runtime
	dialogs   backend.Dialogs
	protected []string

	// Voiceover admission per backend name.
	slots map[string]*slot
	ops   map[string]OpStatus
	// opCancel holds the cancel funcs of running operations.
	opCancel map[string]context.CancelFunc

	// installSem serializes installs and uninstalls process-wide.
	installSem *semaphore.Weighted
	compLocks  sync.Map // component key -> *sync.RWMutex

	// Queue config
	maxQueueDepth int
	maxWait       time.Duration
	drainTimeout  time.Duration

	publisher EventPublisher
	metrics   *Metrics
	sink      AudioSink
	game      GameSlot
	log       zerolog.Logger

	startTime       time.Time
	installsTotal   atomic.Uint64
	voiceoversTotal atomic.Uint64
}

func New(cat *catalog.Controller, backends map[string]backend.Backend, comps Components, inst *installer.Installer) *Manager {
	// Delegate to NewWithConfig to centralize defaults and option parsing
	return NewWithConfig(ManagerConfig{
		Catalog:    cat,
		Backends:   backends,
		Components: comps,
		Installer:  inst,
	})
}

func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state != StateError || m.active != ""
}

// Runtime returns the process-wide language and compile-mode state.
func (m *Manager) Runtime() *backend.Runtime { return m.runtime }

// Catalog returns the settings controller.
func (m *Manager) Catalog() *catalog.Controller { return m.catalog }

// ModelIDs returns the ids served by a backend, sorted.
func (m *Manager) ModelIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.backends))
	for id := range m.backends {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) backendFor(id string) (backend.Backend, error) {
	m.mu.RLock()
	b := m.backends[id]
	m.mu.RUnlock()
	if b == nil {
		return nil, ErrModelNotFound(id)
	}
	return b, nil
}

// uniqueBackends returns each backend once, ordered by name.
func (m *Manager) uniqueBackends() []backend.Backend {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[backend.Backend]bool)
	var out []backend.Backend
	for _, b := range m.backends {
		if !seen[b] {
			seen[b] = true
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// ListModels returns the catalog merged with live install state.
func (m *Manager) ListModels(ctx context.Context) []types.VoiceModel {
	var descs []catalog.Descriptor
	if m.catalog != nil {
		descs = m.catalog.Descriptors()
	}
	out := make([]types.VoiceModel, 0, len(descs))
	for _, d := range descs {
		vm := types.VoiceModel{
			ID:         d.ID,
			Name:       d.Name,
			MinVRAMGB:  d.MinVRAMGB,
			RecVRAMGB:  d.RecVRAMGB,
			SizeGB:     d.SizeGB,
			Components: d.Components,
			Params:     m.catalog.Params(d.ID),
		}
		for _, v := range d.Vendors {
			vm.Vendors = append(vm.Vendors, string(v))
		}
		if c, err := m.catalog.Compatibility(d.ID); err == nil {
			vm.Supported = c.Supported
			vm.CompatReason = c.Reason
		}
		vm.Installed = m.IsModelInstalled(ctx, d.ID)
		vm.Initialized = vm.Installed && m.IsModelInitialized(d.ID)
		out = append(out, vm)
	}
	return out
}

// IsModelInstalled delegates to the backend serving id.
func (m *Manager) IsModelInstalled(ctx context.Context, id string) bool {
	b, err := m.backendFor(id)
	if err != nil {
		return false
	}
	return b.IsInstalled(ctx, id)
}

// IsModelInitialized delegates to the backend serving id.
func (m *Manager) IsModelInitialized(id string) bool {
	b, err := m.backendFor(id)
	if err != nil {
		return false
	}
	return b.IsInitialized(id)
}

// Select makes id the model used by voiceovers that name none. It does not
// initialize anything.
func (m *Manager) Select(id string) error {
	if _, err := m.backendFor(id); err != nil {
		return err
	}
	m.mu.Lock()
	m.selected = id
	m.mu.Unlock()
	return nil
}

// SetCharacter changes the default voice used by requests that name none
// and by warm-ups.
func (m *Manager) SetCharacter(ch backend.Character) {
	m.runtime.SetCharacter(ch)
}

// Active returns the initialized model id, or "".
func (m *Manager) Active() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// Close releases every backend's worker processes.
func (m *Manager) Close() error {
	m.cancelOps()
	var first error
	for _, b := range m.uniqueBackends() {
		if err := b.Close(); err != nil && first == nil {
			first = err
		}
	}
	m.mu.Lock()
	m.active = ""
	m.mu.Unlock()
	return first
}

// lockComponents takes the per-component locks of keys in sorted order.
// Installs take them exclusively; initialize and voiceover share them.
func (m *Manager) lockComponents(keys []string, exclusive bool) func() {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	var held []*sync.RWMutex
	for i, k := range sorted {
		if i > 0 && sorted[i-1] == k {
			continue
		}
		v, _ := m.compLocks.LoadOrStore(k, &sync.RWMutex{})
		l := v.(*sync.RWMutex)
		if exclusive {
			l.Lock()
		} else {
			l.RLock()
		}
		held = append(held, l)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			if exclusive {
				held[i].Unlock()
			} else {
				held[i].RUnlock()
			}
		}
	}
}

func (m *Manager) requirements(id string) []string {
	if m.comps == nil {
		return nil
	}
	return m.comps.Requirements(id)
}

func (m *Manager) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		m.err = ""
		return
	}
	m.err = err.Error()
}
