package manager

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"mitavoice/internal/installer"
)

var (
	// ErrOpNotFound is returned for an unknown operation id.
	ErrOpNotFound = errors.New("operation not found")
	// ErrOpFinished is returned when canceling an operation that already ended.
	ErrOpFinished = errors.New("operation already finished")
)

// OpStatus is the state of a background operation.
type OpStatus struct {
	ID       string    `json:"id"`
	Kind     string    `json:"kind"`
	ModelID  string    `json:"model_id"`
	Done     bool      `json:"done"`
	Canceled bool      `json:"canceled,omitempty"`
	Progress int       `json:"progress"`
	Stage    string    `json:"stage,omitempty"`
	Error    string    `json:"error,omitempty"`
	Started  time.Time `json:"started"`
}

func (m *Manager) nextOpID() string { return uuid.NewString() }

// Op returns the status of a background operation.
func (m *Manager) Op(id string) (OpStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	op, ok := m.ops[id]
	return op, ok
}

// CancelOp cancels a running operation. The operation reports Done once its
// work has unwound.
func (m *Manager) CancelOp(id string) error {
	m.mu.Lock()
	op, ok := m.ops[id]
	if !ok {
		m.mu.Unlock()
		return ErrOpNotFound
	}
	cancel := m.opCancel[id]
	if op.Done || cancel == nil {
		m.mu.Unlock()
		return ErrOpFinished
	}
	op.Canceled = true
	m.ops[id] = op
	m.mu.Unlock()
	m.log.Info().Str("op", id).Str("kind", op.Kind).Str("model", op.ModelID).Msg("operation canceled")
	cancel()
	return nil
}

// updateOp applies fn to a running operation.
func (m *Manager) updateOp(id string, fn func(*OpStatus)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if op, ok := m.ops[id]; ok && !op.Done {
		fn(&op)
		m.ops[id] = op
	}
}

// opCallbacks records progress and stage on the operation and forwards
// everything to cb.
func (m *Manager) opCallbacks(id string, cb installer.Callbacks) installer.Callbacks {
	return installer.Callbacks{
		Title: cb.Title,
		Log:   cb.Log,
		Status: func(s string) {
			m.updateOp(id, func(op *OpStatus) { op.Stage = s })
			cb.SendStatus(s)
		},
		Progress: func(p int) {
			m.updateOp(id, func(op *OpStatus) { op.Progress = p })
			cb.SendProgress(p)
		},
	}
}

func (m *Manager) startOp(id, kind, modelID string, run func(ctx context.Context) error) string {
	op := OpStatus{ID: id, Kind: kind, ModelID: modelID, Started: time.Now()}
	// Background work is not tied to the request that started it.
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.ops[op.ID] = op
	m.opCancel[op.ID] = cancel
	m.mu.Unlock()
	go func() {
		defer cancel()
		err := run(ctx)
		m.mu.Lock()
		op = m.ops[id]
		op.Done = true
		if err == nil {
			op.Progress = 100
		} else {
			op.Error = err.Error()
		}
		m.ops[id] = op
		delete(m.opCancel, id)
		m.mu.Unlock()
	}()
	return op.ID
}

// cancelOps cancels every running operation.
func (m *Manager) cancelOps() {
	m.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(m.opCancel))
	for _, c := range m.opCancel {
		cancels = append(cancels, c)
	}
	m.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

// InstallAsync starts the install of modelID in the background and returns
// an operation id. It fails fast when another install is running or the
// hardware gate refuses the model. Progress lands on the operation and on cb.
func (m *Manager) InstallAsync(modelID string, cb installer.Callbacks) (string, error) {
	if _, err := m.backendFor(modelID); err != nil {
		return "", err
	}
	if err := m.gateInstall(modelID, cb); err != nil {
		return "", err
	}
	m.mu.RLock()
	busy := m.installing != ""
	m.mu.RUnlock()
	if busy {
		return "", ErrInstallInProgress
	}
	id := m.nextOpID()
	return m.startOp(id, "install", modelID, func(ctx context.Context) error {
		return m.installApproved(ctx, modelID, m.opCallbacks(id, cb))
	}), nil
}

// Switch kicks off an async select, install check and initialize of
// modelID and returns an operation ID. Callers can poll Op() or Status()
// to observe the transition.
func (m *Manager) Switch(ctx context.Context, modelID string, warmup bool) (string, error) {
	if err := m.Select(modelID); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return m.startOp(m.nextOpID(), "switch", modelID, func(bg context.Context) error {
		if !m.IsModelInstalled(bg, modelID) {
			return ErrNotInstalled(modelID)
		}
		return m.InitializeModel(bg, modelID, warmup)
	}), nil
}
