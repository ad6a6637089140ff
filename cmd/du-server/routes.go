package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/opencui/structi-sub001/internal/agents"
	"github.com/opencui/structi-sub001/internal/db"
	"github.com/opencui/structi-sub001/internal/domain"
	"github.com/opencui/structi-sub001/internal/extractor"
	"github.com/opencui/structi-sub001/internal/matcher"
	"github.com/opencui/structi-sub001/internal/meta"
	"github.com/opencui/structi-sub001/internal/orchestrator"
)

const maxBundleBytes = 8 << 20

type engine interface {
	Understand(ctx context.Context, req domain.UnderstandRequest) (domain.UnderstandResponse, error)
	Analyze(ctx context.Context, rt *agents.Runtime, utterance string, exps domain.DialogExpectations) (*orchestrator.Trace, error)
}

type registry interface {
	Runtime(ctx context.Context, agent string) (*agents.Runtime, error)
	Reload(ctx context.Context, agent string) (*agents.Runtime, error)
	List() []agents.Info
}

// bundleStore is only present when Postgres is configured.
type bundleStore interface {
	SaveBundle(ctx context.Context, b *meta.Bundle) error
	RecentTurns(ctx context.Context, agent, sessionID string, limit int) ([]domain.TurnRecord, error)
}

type server struct {
	engine   engine
	registry registry
	store    bundleStore
	metrics  http.Handler
	logger   *slog.Logger

	// servesStoredBundles is set when the registry loads bundles from the
	// store, so a published bundle is what the next reload serves.
	servesStoredBundles bool
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
	r.Post("/v1/understand", s.understand)
	r.Post("/v1/debug/analyze", s.analyze)
	r.Get("/v1/agents", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"agents": s.registry.List()})
	})
	r.Post("/v1/agents/{agent}/reload", s.reload)
	if s.store != nil {
		r.Get("/v1/agents/{agent}/turns", s.turns)
		if s.servesStoredBundles {
			r.Put("/v1/agents/{agent}/bundle", s.publishBundle)
		}
	}
	return r
}

func (s *server) understand(w http.ResponseWriter, req *http.Request) {
	var in domain.UnderstandRequest
	if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}
	resp, err := s.engine.Understand(req.Context(), in)
	if err != nil {
		s.fail(w, "understand failed", in.Agent, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) analyze(w http.ResponseWriter, req *http.Request) {
	var in domain.UnderstandRequest
	if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}
	if in.Agent == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "agent is required"})
		return
	}
	rt, err := s.registry.Runtime(req.Context(), in.Agent)
	if err != nil {
		s.fail(w, "analyze failed", in.Agent, err)
		return
	}
	trace, err := s.engine.Analyze(req.Context(), rt, in.Utterance, in.Expectations)
	if err != nil {
		s.fail(w, "analyze failed", in.Agent, err)
		return
	}
	writeJSON(w, http.StatusOK, trace)
}

func (s *server) reload(w http.ResponseWriter, req *http.Request) {
	agent := chi.URLParam(req, "agent")
	rt, err := s.registry.Reload(req.Context(), agent)
	if err != nil {
		s.fail(w, "reload failed", agent, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent": rt.Agent, "version": rt.Version, "built_at": rt.BuiltAt})
}

func (s *server) publishBundle(w http.ResponseWriter, req *http.Request) {
	agent := chi.URLParam(req, "agent")
	raw, err := io.ReadAll(io.LimitReader(req.Body, maxBundleBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "read body failed"})
		return
	}
	b, err := meta.DecodeYAML(raw)
	if err != nil {
		s.fail(w, "publish bundle failed", agent, err)
		return
	}
	if b.Agent != agent {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "bundle agent does not match path"})
		return
	}
	if err := s.store.SaveBundle(req.Context(), b); err != nil {
		s.fail(w, "publish bundle failed", agent, err)
		return
	}
	rt, err := s.registry.Reload(req.Context(), agent)
	if err != nil {
		s.fail(w, "reload after publish failed", agent, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent": rt.Agent, "version": rt.Version})
}

func (s *server) turns(w http.ResponseWriter, req *http.Request) {
	agent := chi.URLParam(req, "agent")
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	turns, err := s.store.RecentTurns(req.Context(), agent, req.URL.Query().Get("session_id"), limit)
	if err != nil {
		s.fail(w, "list turns failed", agent, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"turns": turns})
}

func (s *server) fail(w http.ResponseWriter, msg, agent string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(msg, "agent", agent, "error", err)
	} else {
		s.logger.Warn(msg, "agent", agent, "error", err)
	}
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest),
		errors.Is(err, domain.ErrEmptyTopic),
		errors.Is(err, meta.ErrInvalidBundle):
		return http.StatusBadRequest
	case errors.Is(err, agents.ErrAgentNotFound):
		return http.StatusNotFound
	case errors.Is(err, db.ErrStaleBundle):
		return http.StatusConflict
	case errors.Is(err, matcher.ErrUnsupported):
		return http.StatusUnprocessableEntity
	case errors.Is(err, extractor.ErrModelSkew):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
