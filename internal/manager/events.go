package manager

// Event represents a manager lifecycle event.
// Minimal and stable: name + model ID and optional fields via key/values.
type Event struct {
	Name    string         `json:"name"`
	ModelID string         `json:"model_id,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Event names.
const (
	EventInstallStart     = "install_start"
	EventInstallDone      = "install_done"
	EventInitStart        = "init_start"
	EventInitDone         = "init_done"
	EventInitConflict     = "init_conflict"
	EventVoiceoverDone    = "voiceover_done"
	EventLanguageChanged  = "language_changed"
	EventUninstallCascade = "uninstall_cascade"
	EventDrainTimeout     = "drain_timeout"
)

// EventPublisher receives events from the manager. Implementations should be
// lightweight and non-blocking; Publish must not panic.
type EventPublisher interface {
	Publish(Event)
}

// logPublisher is the default; it writes every event as a debug log line.
type logPublisher struct{ m *Manager }

func (p logPublisher) Publish(e Event) {
	ev := p.m.log.Debug().Str("event", e.Name).Str("model", e.ModelID)
	if len(e.Fields) > 0 {
		ev = ev.Fields(e.Fields)
	}
	ev.Msg("manager event")
}

// multiPublisher fans an event out to several publishers.
type multiPublisher []EventPublisher

func (mp multiPublisher) Publish(e Event) {
	for _, p := range mp {
		p.Publish(e)
	}
}
