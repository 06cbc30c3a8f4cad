package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/user/opspanel/internal/db"
	"github.com/user/opspanel/internal/execmon"
)

type createDownloadRequest struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type downloadDetailResponse struct {
	Download   *db.Download        `json:"download"`
	LastStatus *execmon.PollStatus `json:"last_status,omitempty"`
	LastPollAt time.Time           `json:"last_poll_at,omitempty"`
}

func (h *handler) createDownload(w http.ResponseWriter, r *http.Request) {
	var req createDownloadRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" || req.URL == "" {
		jsonError(w, http.StatusBadRequest, "name and url are required")
		return
	}

	dl := &db.Download{Name: req.Name, URL: req.URL}
	if err := h.downloadRepo.Create(r.Context(), dl); err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}

	poller := h.monitors.Poller(dl.ID, h.downloadStatusFetcher(dl.ID))
	poller.Start(context.Background(), h.pollInterval)

	jsonResponse(w, http.StatusCreated, dl)
}

// downloadStatusFetcher builds the poll companion's fetch function for one
// download, hitting the backend's status endpoint.
func (h *handler) downloadStatusFetcher(downloadID string) execmon.StatusFetcher {
	statusURL := fmt.Sprintf("%s/api/downloads/%s/status", h.backendURL, downloadID)
	return func(ctx context.Context) (execmon.PollStatus, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
		if err != nil {
			return execmon.PollStatus{}, err
		}
		resp, err := h.httpClient.Do(req)
		if err != nil {
			return execmon.PollStatus{}, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return execmon.PollStatus{}, fmt.Errorf("status endpoint returned %d", resp.StatusCode)
		}
		var status execmon.PollStatus
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return execmon.PollStatus{}, fmt.Errorf("failed to decode status response: %w", err)
		}
		return status, nil
	}
}

func (h *handler) listDownloads(w http.ResponseWriter, r *http.Request) {
	downloads, err := h.downloadRepo.List(r.Context())
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, downloads)
}

func (h *handler) getDownload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	dl, err := h.downloadRepo.Get(r.Context(), id)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if dl == nil {
		jsonError(w, http.StatusNotFound, "download not found")
		return
	}

	resp := downloadDetailResponse{Download: dl}
	if p := h.monitors.LookupPoller(id); p != nil {
		status, at := p.Last()
		if !at.IsZero() {
			resp.LastStatus = &status
			resp.LastPollAt = at
		}
	}
	jsonResponse(w, http.StatusOK, resp)
}

func (h *handler) deleteDownload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	dl, err := h.downloadRepo.Get(r.Context(), id)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if dl == nil {
		jsonError(w, http.StatusNotFound, "download not found")
		return
	}

	if p := h.monitors.LookupPoller(id); p != nil {
		p.Stop()
	}
	if err := h.downloadRepo.Delete(r.Context(), id); err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResponse(w, http.StatusNoContent, nil)
}
