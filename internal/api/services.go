package api

import (
	"net/http"

	"github.com/user/opspanel/internal/db"
)

type createServiceRequest struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Status   string `json:"status"`
	ImageID  string `json:"image_id"`
	Template string `json:"template"`
}

type updateServiceRequest struct {
	Name     *string `json:"name"`
	Kind     *string `json:"kind"`
	Host     *string `json:"host"`
	Port     *int    `json:"port"`
	Status   *string `json:"status"`
	ImageID  *string `json:"image_id"`
	Template *string `json:"template"`
}

func (h *handler) createService(w http.ResponseWriter, r *http.Request) {
	var req createServiceRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" || req.Host == "" {
		jsonError(w, http.StatusBadRequest, "name and host are required")
		return
	}
	status := req.Status
	if status == "" {
		status = "stopped"
	}

	svc := &db.Service{
		Name:     req.Name,
		Kind:     req.Kind,
		Host:     req.Host,
		Port:     req.Port,
		Status:   status,
		ImageID:  req.ImageID,
		Template: req.Template,
	}
	if err := h.serviceRepo.Create(r.Context(), svc); err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResponse(w, http.StatusCreated, svc)
}

func (h *handler) listServices(w http.ResponseWriter, r *http.Request) {
	services, err := h.serviceRepo.List(r.Context())
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, services)
}

func (h *handler) getService(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	svc, err := h.serviceRepo.Get(r.Context(), id)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if svc == nil {
		jsonError(w, http.StatusNotFound, "service not found")
		return
	}
	jsonResponse(w, http.StatusOK, svc)
}

func (h *handler) updateService(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	svc, err := h.serviceRepo.Get(r.Context(), id)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if svc == nil {
		jsonError(w, http.StatusNotFound, "service not found")
		return
	}

	var req updateServiceRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Name != nil {
		svc.Name = *req.Name
	}
	if req.Kind != nil {
		svc.Kind = *req.Kind
	}
	if req.Host != nil {
		svc.Host = *req.Host
	}
	if req.Port != nil {
		svc.Port = *req.Port
	}
	if req.Status != nil {
		svc.Status = *req.Status
	}
	if req.ImageID != nil {
		svc.ImageID = *req.ImageID
	}
	if req.Template != nil {
		svc.Template = *req.Template
	}

	if svc.Name == "" || svc.Host == "" {
		jsonError(w, http.StatusBadRequest, "name and host cannot be empty")
		return
	}

	if err := h.serviceRepo.Update(r.Context(), svc); err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, svc)
}

func (h *handler) deleteService(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	svc, err := h.serviceRepo.Get(r.Context(), id)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if svc == nil {
		jsonError(w, http.StatusNotFound, "service not found")
		return
	}
	if err := h.serviceRepo.Delete(r.Context(), id); err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResponse(w, http.StatusNoContent, nil)
}
