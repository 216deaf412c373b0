package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/dunamismax/diptych/internal/domain"
	"github.com/dunamismax/diptych/internal/id"
	"github.com/dunamismax/diptych/internal/layout"
	"github.com/dunamismax/diptych/internal/queue"
)

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeBatchRequest(w, r)
	if !ok || !s.admit(w, r, len(req.Jobs)) {
		return
	}

	b, err := s.batches.Submit(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, "submit batch", err)
		return
	}
	snap := b.Snapshot()
	writeJSON(w, http.StatusAccepted, map[string]any{
		"batch_id":     snap.ID,
		"state":        snap.State,
		"total":        snap.Total,
		"output_dir":   snap.OutputDir,
		"progress_url": "/v1/batches/" + snap.ID,
	})
}

// handleEnqueueBatch hands the batch to a worker process. The record is saved
// before enqueueing so the handle can be polled immediately.
func (s *Server) handleEnqueueBatch(w http.ResponseWriter, r *http.Request) {
	if s.queueClient == nil {
		writeError(w, http.StatusServiceUnavailable, "batch queue is not configured")
		return
	}
	req, ok := s.decodeBatchRequest(w, r)
	if !ok || !s.admit(w, r, len(req.Jobs)) {
		return
	}

	now := time.Now().UTC()
	record := domain.BatchRecord{
		ID:           id.New(),
		Status:       domain.BatchStatusIdle,
		Total:        len(req.Jobs),
		ZipRequested: req.Zip,
		FinalPaths:   []string{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.records.Save(r.Context(), record); err != nil {
		s.logger.Printf("save batch record failed batch_id=%s err=%v", record.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to create batch")
		return
	}

	taskInfo, err := s.queueClient.EnqueueGenerateBatch(r.Context(), queue.GenerateBatchPayload{
		BatchID:     record.ID,
		Request:     req,
		RequestedAt: now,
	})
	if err != nil {
		s.logger.Printf("enqueue failed batch_id=%s err=%v", record.ID, err)
		record.Status = domain.BatchStatusFailed
		record.Error = "enqueue failed"
		record.UpdatedAt = time.Now().UTC()
		if saveErr := s.records.Save(r.Context(), record); saveErr != nil {
			s.logger.Printf("save batch record failed batch_id=%s err=%v", record.ID, saveErr)
		}
		writeError(w, http.StatusInternalServerError, "failed to enqueue batch")
		return
	}
	s.metrics.batchesEnqueued.WithLabelValues(taskInfo.Queue).Inc()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"batch_id":     record.ID,
		"state":        record.Status,
		"total":        record.Total,
		"queue":        taskInfo.Queue,
		"task_id":      taskInfo.ID,
		"task_state":   taskInfo.State.String(),
		"progress_url": "/v1/batches/" + record.ID,
	})
}

func (s *Server) handleBatchProgress(w http.ResponseWriter, r *http.Request) {
	batchID, ok := pathID(w, r, "batch")
	if !ok {
		return
	}
	snap, err := s.batches.Progress(r.Context(), batchID)
	if err != nil {
		s.writeServiceError(w, "load batch", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleFinalizeBatch(w http.ResponseWriter, r *http.Request) {
	batchID, ok := pathID(w, r, "batch")
	if !ok {
		return
	}
	out, err := s.batches.Finalize(r.Context(), batchID)
	if err != nil {
		s.writeServiceError(w, "finalize batch", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// decodeBatchRequest rejects malformed or unrenderable batches with 400 before
// any handle is issued.
func (s *Server) decodeBatchRequest(w http.ResponseWriter, r *http.Request) (domain.BatchRequest, bool) {
	var req domain.BatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return domain.BatchRequest{}, false
	}
	req, err := req.Normalize()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return domain.BatchRequest{}, false
	}
	for i, job := range req.Jobs {
		if _, err := layout.Resolve(job.Config, job.Config.DPI); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("jobs[%d]: %v", i, err))
			return domain.BatchRequest{}, false
		}
	}
	return req, true
}
