package api

import (
	"net/http"
)

func (h *handler) listImages(w http.ResponseWriter, r *http.Request) {
	images, err := h.imageRepo.List(r.Context())
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, images)
}

func (h *handler) getImage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	img, err := h.imageRepo.Get(r.Context(), id)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if img == nil {
		jsonError(w, http.StatusNotFound, "image not found")
		return
	}
	jsonResponse(w, http.StatusOK, img)
}

func (h *handler) deleteImage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	img, err := h.imageRepo.Get(r.Context(), id)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if img == nil {
		jsonError(w, http.StatusNotFound, "image not found")
		return
	}
	if err := h.imageRepo.Delete(r.Context(), id); err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResponse(w, http.StatusNoContent, nil)
}
