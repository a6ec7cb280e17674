// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server exposes the session API over HTTP: start a session
// for a registered agent, poll its results, send follow-up messages,
// stop it. Health and Prometheus metrics ride on the same listener.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kadirpekel/conductor/pkg/agent"
	"github.com/kadirpekel/conductor/pkg/agenterr"
	"github.com/kadirpekel/conductor/pkg/config"
	"github.com/kadirpekel/conductor/pkg/protocol"
	"github.com/kadirpekel/conductor/pkg/registry"
	"github.com/kadirpekel/conductor/pkg/session"
)

// Server hosts the HTTP session surface over a session manager and a
// set of registered agent specs.
type Server struct {
	sessions *session.Manager
	agents   *registry.BaseRegistry[*agent.Spec]
	registry *prometheus.Registry
	auth     config.AuthConfig
	logger   *slog.Logger
}

// New builds a server. promRegistry and logger may be nil.
func New(sessions *session.Manager, auth config.AuthConfig, promRegistry *prometheus.Registry, logger *slog.Logger) *Server {
	if promRegistry == nil {
		promRegistry = prometheus.NewRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		sessions: sessions,
		agents:   registry.NewBaseRegistry[*agent.Spec](),
		registry: promRegistry,
		auth:     auth,
		logger:   logger,
	}
}

// RegisterAgent makes an agent spec startable via the API.
func (s *Server) RegisterAgent(spec *agent.Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	return s.agents.Register(spec.Name, spec)
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		if s.auth.Enabled {
			r.Use(BearerAuth(s.auth, s.logger))
		}

		r.Get("/v1/agents", s.handleListAgents)
		r.Post("/v1/agents/{name}/sessions", s.handleStartSession)
		r.Get("/v1/sessions/{id}", s.handleGetResults)
		r.Post("/v1/sessions/{id}/messages", s.handleSendMessage)
		r.Delete("/v1/sessions/{id}", s.handleStopSession)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": s.agents.Names()})
}

type startSessionRequest struct {
	Input map[string]any `json:"input,omitempty"`
	State map[string]any `json:"state,omitempty"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	spec, ok := s.agents.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown agent '"+name+"'")
		return
	}

	var req startSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, err := s.sessions.Start(r.Context(), spec, req.Input, agent.State(req.State))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"session_id": sess.ID,
		"agent":      sess.Agent,
		"status":     string(sess.Status()),
	})
}

func (s *Server) handleGetResults(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.sessions.Get(id); !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, s.sessions.GetResults(id))
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// accept either {"text": ...} or a full parts envelope
	var raw struct {
		Text  string            `json:"text"`
		Parts []json.RawMessage `json:"parts"`
	}
	if err := decodeBody(r, &raw); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var parts []protocol.Part
	switch {
	case len(raw.Parts) > 0:
		for _, rawPart := range raw.Parts {
			part, err := protocol.UnmarshalPart(rawPart)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			parts = append(parts, part)
		}
	case raw.Text != "":
		parts = []protocol.Part{protocol.TextPart{Text: raw.Text}}
	default:
		writeError(w, http.StatusBadRequest, "message requires text or parts")
		return
	}

	if err := s.sessions.SendMessage(r.Context(), id, parts); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sessions.Stop(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stopped": true})
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.New("malformed request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": msg})
}

func statusFor(err error) int {
	if agenterr.IsNotFound(err) {
		return http.StatusNotFound
	}
	switch agenterr.ClassOf(err) {
	case agenterr.ClassInvalid:
		return http.StatusBadRequest
	case agenterr.ClassExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
