package backend

import (
	"context"

	"mitavoice/internal/catalog"
	"mitavoice/internal/installer"
	"mitavoice/internal/triton"
)

// Component is one installable package a backend depends on.
type Component struct {
	Key string
	// Spec is the pip requirement.
	Spec string
	// Import is the module probed to decide presence.
	Import string
	// Dist is the distribution name pip uninstalls.
	Dist string
}

var components = map[string]Component{
	catalog.ComponentRVC:    {Key: catalog.ComponentRVC, Spec: "tts-with-rvc", Import: "tts_with_rvc", Dist: "tts-with-rvc"},
	catalog.ComponentFish:   {Key: catalog.ComponentFish, Spec: "fish-speech-lib", Import: "fish_speech_lib", Dist: "fish-speech-lib"},
	catalog.ComponentTriton: {Key: catalog.ComponentTriton, Spec: triton.Spec, Import: triton.Module, Dist: triton.DistName},
	catalog.ComponentF5:     {Key: catalog.ComponentF5, Spec: "f5-tts", Import: "f5_tts", Dist: "f5-tts"},
}

// LookupComponent returns the component registered under key.
func LookupComponent(key string) (Component, bool) {
	c, ok := components[key]
	return c, ok
}

// ComponentForDist maps a distribution name back to its component key.
func ComponentForDist(dist string) (string, bool) {
	for k, c := range components {
		if c.Dist == dist || c.Import == dist {
			return k, true
		}
	}
	return "", false
}

// requirements used when the catalog does not describe a mode.
var fallbackRequirements = map[string][]string{
	"low":        {catalog.ComponentRVC},
	"low+":       {catalog.ComponentRVC},
	"medium":     {catalog.ComponentFish},
	"medium+":    {catalog.ComponentFish, catalog.ComponentTriton},
	"medium+low": {catalog.ComponentFish, catalog.ComponentTriton, catalog.ComponentRVC},
	"high":       {catalog.ComponentF5},
	"high+low":   {catalog.ComponentF5, catalog.ComponentRVC},
}

// Requirements returns the component keys mode needs.
func (e *Env) Requirements(mode string) []string {
	if e.Catalog != nil {
		if d, ok := e.Catalog.Descriptor(mode); ok && len(d.Components) > 0 {
			return d.Components
		}
	}
	return fallbackRequirements[mode]
}

// ComponentInstalled reports whether key is present in the library directory.
func (e *Env) ComponentInstalled(ctx context.Context, key string) bool {
	if key == catalog.ComponentTriton && e.Triton != nil {
		return e.Triton.IsInstalled()
	}
	c, ok := components[key]
	if !ok {
		return false
	}
	return e.Installer.IsImportable(ctx, c.Import)
}

// ComponentsInstalled reports whether every requirement of mode is present.
func (e *Env) ComponentsInstalled(ctx context.Context, mode string) bool {
	reqs := e.Requirements(mode)
	if len(reqs) == 0 {
		return false
	}
	for _, k := range reqs {
		if !e.ComponentInstalled(ctx, k) {
			return false
		}
	}
	return true
}

// UninstallComponent removes the distribution behind key.
func (e *Env) UninstallComponent(ctx context.Context, key string, cb installer.Callbacks) bool {
	c, ok := components[key]
	if !ok {
		e.Logger.Error().Str("component", key).Msg("unknown component")
		return false
	}
	return e.Installer.WithCallbacks(cb).UninstallPackages(ctx, []string{c.Dist}, "Removing "+c.Dist)
}
