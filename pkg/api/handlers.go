package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/thc1006/flakeguard-sub006/internal/apperrors"
	"github.com/thc1006/flakeguard-sub006/internal/validation"
	"github.com/thc1006/flakeguard-sub006/pkg/policy"
	"github.com/thc1006/flakeguard-sub006/pkg/queue"
	"github.com/thc1006/flakeguard-sub006/pkg/shared/logging"
)

type handlers struct {
	deps Deps
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *handlers) writeError(w http.ResponseWriter, err error) {
	h.deps.Logger.WithFields(logging.NewFields().Component("api").Error(err).ToLogrus()).Warn("request failed")
	writeJSON(w, apperrors.GetStatusCode(err), errorResponse{Error: apperrors.SafeErrorMessage(err)})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// listRepositories handles `GET /repositories?limit,offset,search`.
func (h *handlers) listRepositories(w http.ResponseWriter, r *http.Request) {
	limit := intParam(r, "limit", 50)
	offset := intParam(r, "offset", 0)
	search := r.URL.Query().Get("search")

	repos, err := h.deps.Repositories.List(r.Context(), limit, offset, search)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, repos)
}

// getRepository handles `GET /repositories/{id}`.
func (h *handlers) getRepository(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, apperrors.New(apperrors.ErrorTypeValidation, "invalid repository id"))
		return
	}
	repo, err := h.deps.Repositories.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, repo)
}

// quarantinePlanRequest is the body for `POST /v1/quarantine/plan`
// (spec.md §6.3: `{repositoryId, policy?, lookbackDays?, includeAnnotations?}`).
type quarantinePlanRequest struct {
	RepositoryID       string `json:"repositoryId" validate:"required,uuid"`
	Policy             string `json:"policy,omitempty"`
	LookbackDays       int    `json:"lookbackDays,omitempty" validate:"omitempty,min=1,max=365"`
	IncludeAnnotations bool   `json:"includeAnnotations,omitempty"`
}

func (h *handlers) quarantinePlan(w http.ResponseWriter, r *http.Request) {
	var req quarantinePlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperrors.Wrap(err, apperrors.ErrorTypeValidation, "malformed request body"))
		return
	}
	if err := validation.Struct(req); err != nil {
		h.writeError(w, err)
		return
	}
	repoID := uuid.MustParse(req.RepositoryID)

	cfg := h.deps.PolicyDefaults
	var override *policy.Override
	if req.Policy != "" {
		if err := yaml.Unmarshal([]byte(req.Policy), &cfg); err != nil {
			h.writeError(w, apperrors.Wrap(err, apperrors.ErrorTypeValidation, "malformed inline policy"))
			return
		}
	} else if rec, err := h.deps.PolicyOverrides.Get(r.Context(), repoID); err == nil {
		var ov policy.Override
		if err := yaml.Unmarshal([]byte(rec.YAMLBody), &ov); err == nil {
			override = &ov
		}
	} else if !apperrors.IsType(err, apperrors.ErrorTypeNotFound) {
		h.writeError(w, err)
		return
	}

	lookbackDays := req.LookbackDays
	if lookbackDays == 0 {
		lookbackDays = cfg.LookbackDays
	}

	plan, err := h.deps.Query.QuarantinePlan(r.Context(), repoID, lookbackDays, cfg, override)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !req.IncludeAnnotations {
		for i := range plan {
			plan[i].Annotation = ""
		}
	}
	writeJSON(w, http.StatusOK, plan)
}

// quarantinePolicy handles `GET /v1/quarantine/policy`: the process-wide
// default thresholds, for a UI collaborator to pre-fill an override form.
func (h *handlers) quarantinePolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.PolicyDefaults)
}

// listTasks handles `GET /tasks?limit,offset,type,status`.
func (h *handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	limit := intParam(r, "limit", 50)
	offset := intParam(r, "offset", 0)
	jobType := queue.JobType(r.URL.Query().Get("type"))
	state := queue.State(r.URL.Query().Get("status"))

	jobs, err := h.deps.Queue.List(r.Context(), limit, offset, jobType, state)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func intParam(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
