package manager

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"mitavoice/internal/backend"
	"mitavoice/internal/catalog"
	"mitavoice/internal/installer"
	"mitavoice/internal/resolver"
)

// Defaults applied when corresponding ManagerConfig fields are unset.
const (
	defaultMaxQueueDepth = 32
	defaultMaxWait       = 30 * time.Second
	defaultDrainTimeout  = 30 * time.Second
)

// ManagerConfig encapsulates all tunables for Manager construction.
type ManagerConfig struct {
	Catalog *catalog.Controller
	// Backends maps every model id to the backend serving it. Several ids
	// may share one backend.
	Backends map[string]backend.Backend
	// RVC is the shared RVC handler; it is closed when its component is removed.
	RVC        backend.Backend
	Components Components
	Installer  *installer.Installer
	Runtime    *backend.Runtime
	Dialogs    backend.Dialogs
	// Protected distributions are never reported as orphans.
	Protected     []string
	DefaultModel  string
	Character     string
	// CharacterPitch overrides the RVC pitch of Character when set.
	CharacterPitch *int
	MaxQueueDepth  int
	MaxWait        time.Duration
	DrainTimeout   time.Duration
	Publisher      EventPublisher
	Metrics        *Metrics
	Sink           AudioSink
	Game           GameSlot
	Logger         zerolog.Logger
}

// NewWithConfig constructs a Manager from ManagerConfig.
func NewWithConfig(cfg ManagerConfig) *Manager {
	m := &Manager{
		state:      StateReady,
		catalog:    cfg.Catalog,
		backends:   make(map[string]backend.Backend, len(cfg.Backends)),
		rvc:        cfg.RVC,
		comps:      cfg.Components,
		inst:       cfg.Installer,
		runtime:    cfg.Runtime,
		dialogs:    cfg.Dialogs,
		selected:   cfg.DefaultModel,
		slots:      make(map[string]*slot),
		ops:        make(map[string]OpStatus),
		opCancel:   make(map[string]context.CancelFunc),
		installSem: semaphore.NewWeighted(1),
		metrics:    cfg.Metrics,
		sink:       cfg.Sink,
		game:       cfg.Game,
		log:        cfg.Logger,
	}
	for id, b := range cfg.Backends {
		m.backends[id] = b
	}
	if m.runtime == nil {
		m.runtime = backend.NewRuntime("")
	}
	if cfg.Character != "" {
		m.runtime.SetCharacter(backend.Character{Short: cfg.Character, Pitch: cfg.CharacterPitch})
	}
	if m.dialogs == nil {
		m.dialogs = backend.Headless{Logger: cfg.Logger}
	}
	m.protected = cfg.Protected
	if m.protected == nil {
		m.protected = resolver.DefaultProtected
	}
	// Apply defaults if unset
	if cfg.MaxQueueDepth <= 0 {
		m.maxQueueDepth = defaultMaxQueueDepth
	} else {
		m.maxQueueDepth = cfg.MaxQueueDepth
	}
	if cfg.MaxWait <= 0 {
		m.maxWait = defaultMaxWait
	} else {
		m.maxWait = cfg.MaxWait
	}
	if cfg.DrainTimeout <= 0 {
		m.drainTimeout = defaultDrainTimeout
	} else {
		m.drainTimeout = cfg.DrainTimeout
	}
	m.publisher = logPublisher{m: m}
	if cfg.Publisher != nil {
		m.publisher = multiPublisher{logPublisher{m: m}, cfg.Publisher}
	}
	for _, b := range m.backends {
		if _, ok := m.slots[b.Name()]; !ok {
			m.slots[b.Name()] = &slot{
				name:    b.Name(),
				State:   StateReady,
				genCh:   make(chan struct{}, 1),
				queueCh: make(chan struct{}, m.maxQueueDepth),
			}
		}
	}
	m.startTime = time.Now()
	return m
}
