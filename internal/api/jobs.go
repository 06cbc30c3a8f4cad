package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/user/opspanel/internal/db"
	"github.com/user/opspanel/internal/execmon"
	"github.com/user/opspanel/internal/template"
)

type startJobRequest struct {
	Kind     string `json:"kind"`
	TargetID string `json:"target_id"`
	Template string `json:"template"`
}

type jobDetailResponse struct {
	Job     *db.Job           `json:"job"`
	Session *execmon.Snapshot `json:"session,omitempty"`
}

// resolveStreamTarget maps a job onto the backend's event stream URL. The
// backend speaks HTTP for its REST surface and websocket on the same host
// for job event streams.
func resolveStreamTarget(backendURL, kind, jobID string) (string, error) {
	u, err := url.Parse(backendURL)
	if err != nil {
		return "", fmt.Errorf("invalid backend URL %q: %w", backendURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported backend scheme %q", u.Scheme)
	}
	u.Path = "/api/jobs/" + kind + "/" + jobID + "/events"
	return u.String(), nil
}

func validJobKind(kind string) bool {
	switch kind {
	case template.KindPlaybook, template.KindImageBuild, template.KindEnvBuild:
		return true
	}
	return false
}

func (h *handler) startJob(w http.ResponseWriter, r *http.Request) {
	var req startJobRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !validJobKind(req.Kind) {
		jsonError(w, http.StatusBadRequest, "kind must be playbook, image_build or env_build")
		return
	}
	if req.Template != "" && h.templates.Get(req.Template) == nil {
		jsonError(w, http.StatusBadRequest, "unknown template: "+req.Template)
		return
	}

	id, err := db.NewID()
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}

	target, err := resolveStreamTarget(h.backendURL, req.Kind, id)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}

	job := &db.Job{
		ID:       id,
		Kind:     req.Kind,
		TargetID: req.TargetID,
		Target:   target,
		Status:   execmon.Connecting.String(),
	}
	if err := h.jobRepo.Create(r.Context(), job); err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// The session must outlive this request, so it is not tied to the
	// request context.
	ctrl := h.monitors.Controller(job.ID)
	if err := ctrl.Start(context.Background(), target, execmon.StartOptions{SessionID: job.ID}); err != nil {
		if errors.Is(err, execmon.ErrSessionActive) {
			jsonError(w, http.StatusConflict, "job already has an active session")
			return
		}
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}

	jsonResponse(w, http.StatusCreated, job)
}

func (h *handler) listJobs(w http.ResponseWriter, r *http.Request) {
	filter := db.JobFilter{
		Kind:   r.URL.Query().Get("kind"),
		Status: r.URL.Query().Get("status"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			jsonError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = limit
	}

	jobs, err := h.jobRepo.List(r.Context(), filter)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, jobs)
}

func (h *handler) getJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := h.jobRepo.Get(r.Context(), id)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if job == nil {
		jsonError(w, http.StatusNotFound, "job not found")
		return
	}

	resp := jobDetailResponse{Job: job}
	if ctrl := h.monitors.Lookup(id); ctrl != nil {
		if snap, err := ctrl.Snapshot(); err == nil {
			resp.Session = &snap
		}
	}
	jsonResponse(w, http.StatusOK, resp)
}

func (h *handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctrl := h.monitors.Lookup(id)
	if ctrl == nil {
		jsonError(w, http.StatusNotFound, "job is not being monitored")
		return
	}
	if err := ctrl.Cancel(); err != nil {
		if errors.Is(err, execmon.ErrNotActive) {
			jsonError(w, http.StatusConflict, "job has no active session")
			return
		}
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	snap, _ := ctrl.Snapshot()
	jsonResponse(w, http.StatusOK, snap)
}

func (h *handler) retryJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctrl := h.monitors.Lookup(id)
	if ctrl == nil {
		jsonError(w, http.StatusNotFound, "job is not being monitored")
		return
	}
	if err := ctrl.Retry(context.Background()); err != nil {
		if errors.Is(err, execmon.ErrNotRetryable) {
			jsonError(w, http.StatusConflict, "only failed jobs can be retried")
			return
		}
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	snap, _ := ctrl.Snapshot()
	jsonResponse(w, http.StatusOK, snap)
}

func (h *handler) resetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctrl := h.monitors.Lookup(id)
	if ctrl == nil {
		jsonError(w, http.StatusNotFound, "job is not being monitored")
		return
	}
	if err := ctrl.Reset(); err != nil {
		if errors.Is(err, execmon.ErrSessionActive) {
			jsonError(w, http.StatusConflict, "cannot reset while a session is active")
			return
		}
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResponse(w, http.StatusNoContent, nil)
}

func (h *handler) exportJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctrl := h.monitors.Lookup(id)
	if ctrl == nil {
		jsonError(w, http.StatusNotFound, "job is not being monitored")
		return
	}
	snap, err := ctrl.Snapshot()
	if err != nil {
		jsonError(w, http.StatusNotFound, "job has no session to export")
		return
	}

	report := execmon.ExportTranscript(snap, time.Now().UTC())
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="job-`+id+`.txt"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(report))
}
