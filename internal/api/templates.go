package api

import (
	"errors"
	"net/http"

	"github.com/user/opspanel/internal/template"
)

func (h *handler) listTemplates(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")
	if kind != "" {
		jsonResponse(w, http.StatusOK, h.templates.ListByKind(kind))
		return
	}
	jsonResponse(w, http.StatusOK, h.templates.List())
}

func (h *handler) getTemplate(w http.ResponseWriter, r *http.Request) {
	tpl := h.templates.Get(r.PathValue("id"))
	if tpl == nil {
		jsonError(w, http.StatusNotFound, "template not found")
		return
	}
	jsonResponse(w, http.StatusOK, tpl)
}

func (h *handler) putTemplate(w http.ResponseWriter, r *http.Request) {
	var tpl template.Template
	if err := decodeJSON(r, &tpl); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	tpl.ID = r.PathValue("id")

	if err := h.templates.Save(&tpl); err != nil {
		switch {
		case errors.Is(err, template.ErrInvalidTemplate):
			jsonError(w, http.StatusBadRequest, err.Error())
		default:
			jsonError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	jsonResponse(w, http.StatusOK, h.templates.Get(tpl.ID))
}

func (h *handler) deleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := h.templates.Delete(r.PathValue("id")); err != nil {
		switch {
		case errors.Is(err, template.ErrTemplateNotFound):
			jsonError(w, http.StatusNotFound, "template not found")
		default:
			jsonError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	jsonResponse(w, http.StatusNoContent, nil)
}
