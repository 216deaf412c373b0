package api

import (
	"net/http"
	"strconv"

	"github.com/dunamismax/diptych/internal/domain"
)

func (s *Server) handleSubmitPreview(w http.ResponseWriter, r *http.Request) {
	var req domain.PreviewRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := req.Diptych.Normalize(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.admit(w, r, 1) {
		return
	}

	previewID, err := s.previews.Submit(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, "submit preview", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"preview_id": previewID,
		"status":     domain.PreviewStatusPending,
		"status_url": "/v1/previews/" + previewID,
		"image_url":  "/v1/previews/" + previewID + "/image",
	})
}

func (s *Server) handlePreviewStatus(w http.ResponseWriter, r *http.Request) {
	previewID, ok := pathID(w, r, "preview")
	if !ok {
		return
	}
	job, err := s.previews.Status(previewID)
	if err != nil {
		s.writeServiceError(w, "load preview", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handlePreviewImage(w http.ResponseWriter, r *http.Request) {
	previewID, ok := pathID(w, r, "preview")
	if !ok {
		return
	}
	job, err := s.previews.Status(previewID)
	if err != nil {
		s.writeServiceError(w, "load preview", err)
		return
	}
	if job.Status == domain.PreviewStatusError {
		writeError(w, http.StatusUnprocessableEntity, job.Error)
		return
	}

	data, err := s.previews.Result(previewID)
	if err != nil {
		s.writeServiceError(w, "load preview", err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
