package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mitavoice/internal/backend"
	"mitavoice/internal/installer"
	"mitavoice/internal/manager"
	"mitavoice/pkg/types"
)

// Service defines the orchestrator methods required by the HTTP API layer.
type Service interface {
	ListModels(ctx context.Context) []types.VoiceModel
	Status(ctx context.Context) types.StatusResponse
	Ready() bool
	InstallAsync(modelID string, cb installer.Callbacks) (string, error)
	Switch(ctx context.Context, modelID string, warmup bool) (string, error)
	Op(id string) (manager.OpStatus, bool)
	CancelOp(id string) error
	UninstallModel(ctx context.Context, modelID string, cb installer.Callbacks) bool
	ResolveModel(modelID string) string
	Voiceover(ctx context.Context, req backend.Request) (string, error)
	Deliver(path string, toGame bool) error
	ChangeVoiceLanguage(lang string) error
	Orphans() ([]string, error)
	SweepOrphans(ctx context.Context, cb installer.Callbacks) ([]string, bool)
}

// Settings persists per-model parameter changes.
type Settings interface {
	SetParam(modelID, key string, v any) error
}

// SoundSource is the game bridge slot polled by GET /sound.
type SoundSource interface {
	Take() string
}

// Options carries the optional collaborators of the mux.
type Options struct {
	// Characters lists the voices found in the models directory.
	Characters func() ([]types.Character, error)
	Settings   Settings
	Sound      SoundSource
	// Game serves the game bridge websocket.
	Game http.Handler
	// Events returns the recent orchestrator events, oldest first.
	Events func() []manager.Event
}

func NewMux(svc Service, opts Options) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer, metrics
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
			MaxAge:         300,
		}))
	}

	// The game websocket must not sit behind the compressing writer.
	if opts.Game != nil {
		r.Handle("/ws/game", opts.Game)
	}

	r.Group(func(r chi.Router) {
		// Compression for JSON endpoints
		r.Use(middleware.Compress(5))
		h := &handlers{svc: svc, opts: opts}

		r.Get("/models", h.models)
		r.Get("/characters", h.characters)
		r.Get("/status", h.status)
		r.Get("/events", h.events)
		r.Get("/ops/{id}", h.op)
		r.Delete("/ops/{id}", h.cancelOp)
		r.Post("/models/{id}/install", h.install)
		r.Post("/models/{id}/initialize", h.initialize)
		r.Put("/models/{id}/params", h.params)
		r.Delete("/models/{id}", h.uninstall)
		r.Post("/voiceover", h.voiceover)
		r.Post("/language", h.language)
		r.Get("/sound", h.sound)
		r.Get("/orphans", h.orphans)
		r.Post("/orphans/sweep", h.sweep)

		r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
			if svc.Ready() {
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte("ready"))
				return
			}
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("loading"))
		})
		MountSwagger(r)
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}

type handlers struct {
	svc  Service
	opts Options
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zlog.Error().Err(err).Msg("encode response")
	}
}

// decodeJSON enforces the content type and body limit, then decodes into v.
// An empty body leaves v untouched when allowEmpty is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) bool {
	if allowEmpty && r.ContentLength == 0 {
		return true
	}
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		// Size overflows also land here; report them as bad requests
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// installLog routes install callbacks of modelID to the structured logger.
func installLog(modelID string) installer.Callbacks {
	return installer.Callbacks{
		Status:   func(s string) { zlog.Info().Str("model", modelID).Str("status", s).Msg("install status") },
		Log:      func(s string) { zlog.Debug().Str("model", modelID).Msg(s) },
		Progress: func(p int) { zlog.Debug().Str("model", modelID).Int("progress", p).Msg("install progress") },
	}
}

func (h *handlers) models(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.ModelsResponse{Models: h.svc.ListModels(r.Context())})
}

func (h *handlers) characters(w http.ResponseWriter, r *http.Request) {
	if h.opts.Characters == nil {
		writeJSON(w, http.StatusOK, types.CharactersResponse{Characters: []types.Character{}})
		return
	}
	chars, err := h.opts.Characters()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, types.CharactersResponse{Characters: chars})
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Status(r.Context()))
}

func (h *handlers) events(w http.ResponseWriter, r *http.Request) {
	events := []manager.Event{}
	if h.opts.Events != nil {
		events = append(events, h.opts.Events()...)
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *handlers) op(w http.ResponseWriter, r *http.Request) {
	op, ok := h.svc.Op(chi.URLParam(r, "id"))
	if !ok {
		writeJSONError(w, http.StatusNotFound, "operation not found")
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (h *handlers) cancelOp(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := chi.URLParam(r, "id")
	if err := h.svc.CancelOp(id); err != nil {
		logEnd(r, "cancel_op", writeError(w, err), start, err)
		return
	}
	op, _ := h.svc.Op(id)
	writeJSON(w, http.StatusAccepted, op)
	logEnd(r, "cancel_op", http.StatusAccepted, start, nil)
}

func (h *handlers) install(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := chi.URLParam(r, "id")
	op, err := h.svc.InstallAsync(id, installLog(id))
	if err != nil {
		logEnd(r, "install", writeError(w, err), start, err)
		return
	}
	writeJSON(w, http.StatusAccepted, types.OpResponse{OpID: op, Model: id})
	logEnd(r, "install", http.StatusAccepted, start, nil)
}

func (h *handlers) initialize(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := chi.URLParam(r, "id")
	req := types.InitializeRequest{Warmup: true}
	if !decodeJSON(w, r, &req, true) {
		return
	}
	op, err := h.svc.Switch(r.Context(), id, req.Warmup)
	if err != nil {
		logEnd(r, "initialize", writeError(w, err), start, err)
		return
	}
	writeJSON(w, http.StatusAccepted, types.OpResponse{OpID: op, Model: id})
	logEnd(r, "initialize", http.StatusAccepted, start, nil)
}

func (h *handlers) params(w http.ResponseWriter, r *http.Request) {
	if h.opts.Settings == nil {
		writeJSONError(w, http.StatusNotImplemented, "settings are read-only")
		return
	}
	id := chi.URLParam(r, "id")
	var values map[string]any
	if !decodeJSON(w, r, &values, false) {
		return
	}
	for k, v := range values {
		if err := h.opts.Settings.SetParam(id, k, v); err != nil {
			status := statusFor(err)
			if status == http.StatusInternalServerError {
				status = http.StatusBadRequest
			}
			writeJSONError(w, status, err.Error())
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) uninstall(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := chi.URLParam(r, "id")
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	if !h.svc.UninstallModel(ctx, id, installLog(id)) {
		writeJSONError(w, http.StatusConflict, "uninstall of "+id+" failed")
		logEnd(r, "uninstall", http.StatusConflict, start, nil)
		return
	}
	orphans, err := h.svc.Orphans()
	if err != nil {
		zlog.Warn().Err(err).Msg("orphan scan")
	}
	writeJSON(w, http.StatusOK, types.OrphansResponse{Orphans: nonNil(orphans)})
	logEnd(r, "uninstall", http.StatusOK, start, nil)
}

func (h *handlers) voiceover(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req types.VoiceoverRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSONError(w, http.StatusBadRequest, "text is required")
		return
	}
	// Join server base context with request context so shutdown cancels work too.
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	if voiceoverTimeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, voiceoverTimeout)
		defer tcancel()
	}
	model := h.svc.ResolveModel(req.Model)
	path, err := h.svc.Voiceover(ctx, backend.Request{
		ModelID:   model,
		Text:      req.Text,
		Character: backend.Character{Short: req.Character, Pitch: req.Pitch},
	})
	if err != nil {
		// If the client went away there is nobody to answer.
		if r.Context().Err() != nil {
			return
		}
		logEnd(r, "voiceover", writeError(w, err), start, err)
		return
	}
	if path == "" {
		writeJSONError(w, http.StatusInternalServerError, "voice output failed")
		logEnd(r, "voiceover", http.StatusInternalServerError, start, nil)
		return
	}
	if err := h.svc.Deliver(path, req.ToGame); err != nil && req.ToGame {
		zlog.Warn().Err(err).Str("path", path).Msg("deliver to game")
	}
	writeJSON(w, http.StatusOK, types.VoiceoverResponse{Path: path, Model: model, DurationMS: time.Since(start).Milliseconds()})
	logEnd(r, "voiceover", http.StatusOK, start, nil)
}

func (h *handlers) language(w http.ResponseWriter, r *http.Request) {
	var req types.LanguageRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if err := h.svc.ChangeVoiceLanguage(req.Language); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) sound(w http.ResponseWriter, r *http.Request) {
	var resp types.SoundResponse
	if h.opts.Sound != nil {
		resp.Path = h.opts.Sound.Take()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) orphans(w http.ResponseWriter, r *http.Request) {
	orphans, err := h.svc.Orphans()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.OrphansResponse{Orphans: nonNil(orphans)})
}

func (h *handlers) sweep(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	orphans, ok := h.svc.SweepOrphans(ctx, installLog(""))
	if !ok {
		writeJSONError(w, http.StatusConflict, "orphan sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, types.OrphansResponse{Orphans: nonNil(orphans), Removed: len(orphans) > 0})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
