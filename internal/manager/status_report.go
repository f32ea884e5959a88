package manager

import (
	"context"
	"time"

	"mitavoice/pkg/types"
)

// Snapshot returns a read-only view of the manager state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{State: m.state, Active: m.active, Selected: m.selected, Err: m.err}
}

// Status builds a detailed status response for /status.
func (m *Manager) Status(ctx context.Context) types.StatusResponse {
	ids := m.ModelIDs()
	models := make([]types.ModelStatus, 0, len(ids))
	for _, id := range ids {
		ms := types.ModelStatus{ModelID: id, Supported: true}
		ms.Installed = m.IsModelInstalled(ctx, id)
		ms.Initialized = ms.Installed && m.IsModelInitialized(id)
		if m.catalog != nil {
			if c, err := m.catalog.Compatibility(id); err == nil {
				ms.Supported = c.Supported
			}
		}
		if b, err := m.backendFor(id); err == nil {
			m.mu.RLock()
			if s := m.slots[b.Name()]; s != nil {
				ms.QueueLen = len(s.queueCh)
				ms.Inflight = len(s.genCh)
				ms.MaxQueueDepth = cap(s.queueCh)
			}
			m.mu.RUnlock()
		}
		models = append(models, ms)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	resp := types.StatusResponse{
		State:           string(m.state),
		ActiveModel:     m.active,
		SelectedModel:   m.selected,
		Language:        m.runtime.Language(),
		Character:       m.runtime.Character().Name(),
		Installing:      m.installing,
		Models:          models,
		LastError:       m.err,
		UptimeSeconds:   int64(time.Since(m.startTime).Seconds()),
		ServerTimeUnix:  time.Now().Unix(),
		InstallsTotal:   m.installsTotal.Load(),
		VoiceoversTotal: m.voiceoversTotal.Load(),
	}
	if v, set := m.runtime.Compiled(); set {
		resp.CompileMode = "eager"
		if v {
			resp.CompileMode = "compiled"
		}
	}
	if m.catalog != nil {
		resp.GPU = m.catalog.GPU().Name
	}
	return resp
}
