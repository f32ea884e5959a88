package manager

import (
	"context"
	"sort"
	"strings"

	"mitavoice/internal/backend"
	"mitavoice/internal/catalog"
	"mitavoice/internal/installer"
	"mitavoice/internal/resolver"
)

// UninstallModel removes the signature component of id after cleaning up
// every backend that depends on it.
func (m *Manager) UninstallModel(ctx context.Context, id string, cb installer.Callbacks) bool {
	b, err := m.backendFor(id)
	if err != nil {
		cb.SendLog("ERROR: " + err.Error())
		return false
	}
	comp := b.SignatureComponent(id)
	return m.uninstall(ctx, comp, cb, func() bool {
		b.SetCallbacks(cb)
		defer b.SetCallbacks(installer.Callbacks{})
		return b.Uninstall(ctx, id)
	})
}

// UninstallComponent removes one component by key (or distribution name)
// and cascades the cleanup to every model requiring it.
func (m *Manager) UninstallComponent(ctx context.Context, key string, cb installer.Callbacks) bool {
	if k, ok := backend.ComponentForDist(key); ok {
		key = k
	}
	if _, ok := backend.LookupComponent(key); !ok || m.comps == nil {
		cb.SendLog("ERROR: unknown component " + key)
		return false
	}
	return m.uninstall(ctx, key, cb, func() bool {
		return m.comps.UninstallComponent(ctx, key, cb)
	})
}

func (m *Manager) uninstall(ctx context.Context, comp string, cb installer.Callbacks, remove func() bool) bool {
	if !m.installSem.TryAcquire(1) {
		cb.SendLog("ERROR: " + ErrInstallInProgress.Error())
		return false
	}
	defer m.installSem.Release(1)

	affected := m.dependents(comp)
	cleaned := m.cascade(comp, affected)
	unlock := m.lockComponents([]string{comp}, true)
	ok := remove()
	unlock()
	for _, b := range cleaned {
		m.undrain(b)
	}
	if m.inst != nil {
		m.inst.InvalidateCaches()
	}
	if ok && m.catalog != nil {
		for _, id := range affected {
			if !m.IsModelInstalled(ctx, id) {
				if err := m.catalog.MarkInstalled(id, false); err != nil {
					m.log.Warn().Err(err).Str("model", id).Msg("record uninstalled model")
				}
			}
		}
	}
	orphans, err := m.Orphans()
	if err != nil {
		m.log.Warn().Err(err).Msg("orphan scan failed")
	}
	if len(orphans) > 0 {
		cb.SendLog("Packages no longer needed: " + strings.Join(orphans, ", "))
	}
	m.publisher.Publish(Event{Name: EventUninstallCascade, ModelID: strings.Join(affected, ","), Fields: map[string]any{
		"component": comp,
		"ok":        ok,
		"orphans":   orphans,
	}})
	m.log.Info().Str("component", comp).Strs("models", affected).Bool("ok", ok).Int("orphans", len(orphans)).Msg("uninstall done")
	return ok
}

// dependents returns the model ids whose requirements include comp.
func (m *Manager) dependents(comp string) []string {
	var out []string
	for _, id := range m.ModelIDs() {
		for _, r := range m.requirements(id) {
			if r == comp {
				out = append(out, id)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// cascade drains and cleans up every backend serving one of ids, forgets
// the active model when it is among them and drops the shared RVC engine
// when comp is RVC. It returns the drained backends.
func (m *Manager) cascade(comp string, ids []string) []backend.Backend {
	seen := make(map[backend.Backend]bool)
	var out []backend.Backend
	m.mu.Lock()
	for _, id := range ids {
		if id == m.active {
			m.active = ""
		}
	}
	for _, id := range ids {
		if b := m.backends[id]; b != nil && !seen[b] {
			seen[b] = true
			out = append(out, b)
		}
	}
	m.mu.Unlock()
	for _, b := range out {
		m.drain(b)
		b.CleanupState()
	}
	if comp == catalog.ComponentRVC && m.rvc != nil {
		if err := m.rvc.Close(); err != nil {
			m.log.Warn().Err(err).Msg("close shared rvc")
		}
	}
	return out
}

// Orphans reports the distributions in the library directory that neither
// the protected set nor any installed model needs.
func (m *Manager) Orphans() ([]string, error) {
	if m.inst == nil {
		return nil, ErrDependencyUnavailable("no library directory configured")
	}
	return resolver.FindOrphans(m.inst.LibDir(), m.protected, m.mainDists())
}

// mainDists lists the distributions of every component an installed model
// requires, plus the vendor runtime they run on.
func (m *Manager) mainDists() []string {
	ctx := context.Background()
	seen := make(map[string]bool)
	var out []string
	for _, id := range m.ModelIDs() {
		if !m.IsModelInstalled(ctx, id) {
			continue
		}
		for _, key := range m.requirements(id) {
			c, ok := backend.LookupComponent(key)
			if !ok || seen[c.Dist] {
				continue
			}
			seen[c.Dist] = true
			out = append(out, c.Dist)
		}
	}
	if len(out) > 0 && m.catalog != nil {
		out = append(out, resolver.VendorRuntime(m.catalog.GPU().Vendor)...)
	}
	return out
}

// SweepOrphans uninstalls every orphaned distribution and returns them.
func (m *Manager) SweepOrphans(ctx context.Context, cb installer.Callbacks) ([]string, bool) {
	orphans, err := m.Orphans()
	if err != nil {
		cb.SendLog("ERROR: " + err.Error())
		return nil, false
	}
	if len(orphans) == 0 {
		return nil, true
	}
	if !m.installSem.TryAcquire(1) {
		cb.SendLog("ERROR: " + ErrInstallInProgress.Error())
		return orphans, false
	}
	defer m.installSem.Release(1)
	ok := m.inst.WithCallbacks(cb).UninstallPackages(ctx, orphans, "Removing unused packages")
	m.log.Info().Strs("orphans", orphans).Bool("ok", ok).Msg("orphan sweep")
	return orphans, ok
}
