package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/MOMISBACK/pactengine/internal/service"
)

// SweepRunner triggers one pass of a maintenance job.
type SweepRunner interface {
	RunExpirySweep(ctx context.Context) (int, error)
	RunRenewalSweep(ctx context.Context) (int, error)
	RunArchiveSweep(ctx context.Context) (int, error)
}

// SweepHandler lets operators run a sweep on demand.
type SweepHandler struct {
	sweeper SweepRunner
	logger  *slog.Logger
}

// NewSweepHandler creates a SweepHandler.
func NewSweepHandler(sweeper SweepRunner, logger *slog.Logger) *SweepHandler {
	return &SweepHandler{sweeper: sweeper, logger: logHandler(logger, "sweep")}
}

// Trigger runs the named job synchronously.
// POST /api/admin/sweeps/{job}
func (h *SweepHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	job := pathParam(r, "job")

	var run func(context.Context) (int, error)
	switch job {
	case service.JobExpiry:
		run = h.sweeper.RunExpirySweep
	case service.JobRenewal:
		run = h.sweeper.RunRenewalSweep
	case service.JobArchive:
		run = h.sweeper.RunArchiveSweep
	default:
		writeError(w, http.StatusNotFound, "unknown sweep "+job)
		return
	}

	n, err := run(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, job+" sweep", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job":       job,
		"processed": n,
	})
}
