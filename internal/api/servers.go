package api

import (
	"errors"
	"net/http"
	"slices"

	"github.com/nugget/tadpole/internal/config"
	"github.com/nugget/tadpole/internal/directory"
)

// ServerRequest is the body of server create and update requests.
// Absent fields keep their current value on update.
type ServerRequest struct {
	Name          *string           `json:"name"`
	URL           *string           `json:"url"`
	Enabled       *bool             `json:"enabled"`
	Prompt        *string           `json:"prompt"`
	DisabledTools []string          `json:"disabled_tools"`
	Headers       map[string]string `json:"headers"`

	// Launch is only accepted from the config file. It is decoded so a
	// request carrying it can be refused.
	Launch *config.LaunchConfig `json:"launch"`
}

// errLaunchNotAllowed refuses launch settings over the API: they name a
// local command to execute.
var errLaunchNotAllowed = errors.New("launch settings can only be set in the config file")

// check rejects fields the API may not set.
func (req ServerRequest) check() error {
	if req.Launch != nil {
		return errLaunchNotAllowed
	}
	return nil
}

func (req ServerRequest) apply(s directory.Server) directory.Server {
	if req.Name != nil {
		s.Name = *req.Name
	}
	if req.URL != nil {
		s.URL = *req.URL
	}
	if req.Enabled != nil {
		s.Enabled = *req.Enabled
	}
	if req.Prompt != nil {
		s.Prompt = *req.Prompt
	}
	if req.DisabledTools != nil {
		s.DisabledTools = slices.Clone(req.DisabledTools)
	}
	if req.Headers != nil {
		s.Headers = req.Headers
	}
	return s
}

// ToolToggleRequest is the body of POST /v1/servers/{id}/tools/{tool}.
type ToolToggleRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) view(id string) (directory.View, bool) {
	for _, v := range s.deps.Directory.Views() {
		if v.ID == id {
			return v, true
		}
	}
	return directory.View{}, false
}

func (s *Server) writeView(w http.ResponseWriter, id string, code int) {
	v, ok := s.view(id)
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "unknown server "+id)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, v, s.logger)
}

func (s *Server) handleServerList(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"servers": s.deps.Directory.Views()}, s.logger)
}

func (s *Server) handleServerGet(w http.ResponseWriter, r *http.Request) {
	s.writeView(w, r.PathValue("id"), http.StatusOK)
}

func (s *Server) handleServerAdd(w http.ResponseWriter, r *http.Request) {
	var req ServerRequest
	if err := decode(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.check(); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	srv := req.apply(directory.Server{Enabled: true})
	added, err := s.deps.Directory.Add(srv)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeView(w, added.ID, http.StatusCreated)
}

func (s *Server) handleServerUpdate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req ServerRequest
	if err := decode(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.check(); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	cur, err := s.deps.Directory.Get(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if _, err := s.deps.Directory.Update(id, req.apply(cur)); err != nil {
		s.fail(w, err)
		return
	}
	s.writeView(w, id, http.StatusOK)
}

func (s *Server) handleServerRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Directory.Remove(r.PathValue("id")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleServerToggle(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Directory.Toggle(id); err != nil {
		s.fail(w, err)
		return
	}
	s.writeView(w, id, http.StatusOK)
}

func (s *Server) handleServerSelect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Directory.Select(id); err != nil {
		s.fail(w, err)
		return
	}
	s.writeView(w, id, http.StatusOK)
}

func (s *Server) handleServerConnect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	descs, err := s.deps.Directory.Probe(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	v, _ := s.view(id)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, directory.ServerTools{Server: v.Server, Tools: descs}, s.logger)
}

func (s *Server) handleServerDisconnect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Directory.Disconnect(id); err != nil {
		s.fail(w, err)
		return
	}
	s.writeView(w, id, http.StatusOK)
}

func (s *Server) handleServerTools(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Directory.Get(id); err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"server_id": id,
		"tools":     s.deps.Directory.Registry().AllTools(id),
	}, s.logger)
}

func (s *Server) handleToolToggle(w http.ResponseWriter, r *http.Request) {
	id, tool := r.PathValue("id"), r.PathValue("tool")
	var req ToolToggleRequest
	if err := decode(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.deps.Directory.SetToolEnabled(id, tool, req.Enabled); err != nil {
		s.fail(w, err)
		return
	}
	s.writeView(w, id, http.StatusOK)
}

func (s *Server) handleAggregateTools(w http.ResponseWriter, r *http.Request) {
	agg, err := s.deps.Directory.AggregateTools(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"servers": agg}, s.logger)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	var models []string
	if s.deps.Models != nil {
		models = s.deps.Models()
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"models":   models,
		"selected": s.deps.Directory.SelectedModel(),
	}, s.logger)
}

func (s *Server) handleModelSelect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model string `json:"model"`
	}
	if err := decode(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.deps.Models != nil && req.Model != "" && !slices.Contains(s.deps.Models(), req.Model) {
		s.errorResponse(w, http.StatusBadRequest, "unknown model "+req.Model)
		return
	}
	if err := s.deps.Directory.SelectModel(req.Model); err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"selected": req.Model}, s.logger)
}
