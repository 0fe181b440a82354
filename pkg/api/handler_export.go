package api

import (
	"encoding/json"
	"io"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/dalston-ai/dalston/pkg/models"
)

// exportHandler handles GET /v1/audio/transcriptions/:id/export/:format.
// Only completed jobs have a transcript to export.
func (s *Server) exportHandler(c *echo.Context) error {
	jobID := c.Param("id")
	format := c.Param("format")
	if jobID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "job id is required")
	}
	switch format {
	case "srt", "vtt", "txt", "json":
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "format must be one of srt, vtt, txt, json")
	}

	principal := principalFrom(c)
	ctx := c.Request().Context()
	job, err := s.jobs.GetForTenant(ctx, principal.TenantID, jobID)
	if err != nil {
		return mapStoreError(err)
	}
	if job.Status != models.JobStatusCompleted || job.TranscriptRef == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "job has no transcript to export")
	}

	rc, err := s.blobs.Open(ctx, job.TranscriptRef)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to read transcript")
	}
	defer func() { _ = rc.Close() }()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to read transcript")
	}

	if format == "json" {
		return c.Blob(http.StatusOK, "application/json", raw)
	}

	var transcript models.Transcript
	if err := json.Unmarshal(raw, &transcript); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "stored transcript is malformed")
	}

	switch format {
	case "srt":
		return c.Blob(http.StatusOK, "application/x-subrip", []byte(formatSRT(&transcript)))
	case "vtt":
		return c.Blob(http.StatusOK, "text/vtt", []byte(formatVTT(&transcript)))
	default:
		return c.Blob(http.StatusOK, "text/plain; charset=utf-8", []byte(formatTXT(&transcript)))
	}
}
