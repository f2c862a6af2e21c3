package jobs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/subpage-forge/internal/transcode"
)

// Tracker はブラウザセッションごとに投入済みの job_id を記録します。
type Tracker interface {
	Track(c *gin.Context, jobID string)
	Tracked(c *gin.Context, jobID string) bool
}

// HandlerOptions はハンドラー共通の依存関係です。
type HandlerOptions struct {
	Tracker Tracker
}

func (o HandlerOptions) track(c *gin.Context, jobID string) {
	if o.Tracker != nil {
		o.Tracker.Track(c, jobID)
	}
}

func (o HandlerOptions) tracked(c *gin.Context, jobID string) bool {
	return o.Tracker != nil && o.Tracker.Tracked(c, jobID)
}

// SubmitHandler は POST /api/jobs のハンドラーを返します。
func SubmitHandler(m *Manager, opts HandlerOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "request body could not be read",
			})
			return
		}

		result, err := m.Submit(c.Request.Context(), body)
		if result != nil {
			opts.track(c, result.Job.JobID)
		}
		if err != nil {
			if errors.Is(err, ErrTransientDispatch) && result != nil {
				c.JSON(http.StatusBadGateway, gin.H{
					"code":    "DISPATCH_FAILED",
					"message": "the generation engine did not accept the job; retry via the dispatch endpoint",
					"jobId":   result.Job.JobID,
				})
				return
			}
			respondWithError(c, err)
			return
		}

		payload := gin.H{
			"jobId":      result.Job.JobID,
			"status":     DeriveStatus(result.Cities),
			"dispatched": result.Dispatched,
			"cities":     NewJobData(&Snapshot{Job: result.Job, Cities: result.Cities}).Cities,
		}
		if result.Job.ErrorMessage != "" {
			payload["error"] = result.Job.ErrorMessage
		}
		c.JSON(http.StatusAccepted, payload)
	}
}

// RedispatchHandler は POST /api/jobs/:id/dispatch のハンドラーを返します。
func RedispatchHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := strings.TrimSpace(c.Param("id"))
		if jobID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "job id is required",
			})
			return
		}
		if err := m.Redispatch(c.Request.Context(), jobID); err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"jobId": jobID, "dispatched": true})
	}
}

// CallbackHandler は POST /api/subpage-callback のハンドラーを返します。
func CallbackHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "request body could not be read",
			})
			return
		}

		result, err := m.Ingest(c.Request.Context(), body)
		if err != nil {
			respondWithError(c, err)
			return
		}

		updated := make([]string, 0, len(result.Updated))
		for _, rec := range result.Updated {
			updated = append(updated, rec.SubpageID)
		}
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"job_id":  result.JobID,
			"updated": updated,
		})
	}
}

// JobDataHandler は GET /api/job-data?job_id= のハンドラーを返します。
func JobDataHandler(m *Manager, opts HandlerOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := strings.TrimSpace(c.Query("job_id"))
		if jobID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "job_id query parameter is required",
			})
			return
		}

		snap, err := m.Status(c.Request.Context(), jobID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				c.JSON(http.StatusOK, JobDataResponse{
					Success: false,
					Found:   false,
					Status:  StatusPending,
					Message: "job data not found yet",
					Tracked: opts.tracked(c, jobID),
				})
				return
			}
			respondWithError(c, err)
			return
		}

		data := NewJobData(snap)
		c.Header("Cache-Control", "no-store")
		c.JSON(http.StatusOK, JobDataResponse{
			Success: true,
			Found:   true,
			Status:  data.Status,
			Tracked: opts.tracked(c, jobID),
			Data:    data,
		})
	}
}

// JobStatusHandler は GET /api/job-status?job_id= の単数形ビューを返します。
func JobStatusHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := strings.TrimSpace(c.Query("job_id"))
		if jobID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "job_id query parameter is required",
			})
			return
		}

		snap, err := m.Status(c.Request.Context(), jobID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				c.JSON(http.StatusOK, gin.H{
					"job_id": jobID,
					"found":  false,
					"status": StatusPending,
				})
				return
			}
			respondWithError(c, err)
			return
		}

		var first CityRecord
		if len(snap.Cities) > 0 {
			first = snap.Cities[0]
		}
		c.JSON(http.StatusOK, gin.H{
			"job_id":         snap.Job.JobID,
			"found":          true,
			"domain":         snap.Job.Domain,
			"status":         DeriveStatus(snap.Cities),
			"city":           first.Name,
			"postcode":       first.Postcode,
			"country":        first.Country,
			"subpage_id":     first.SubpageID,
			"city_status":    first.Status,
			"generated_html": first.GeneratedContent,
		})
	}
}

// TSXHandler は GET /api/jobs/:id/subpages/:subpageId/tsx のハンドラーを返します。
func TSXHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := strings.TrimSpace(c.Param("id"))
		subpageID := strings.TrimSpace(c.Param("subpageId"))
		if jobID == "" || subpageID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "job id and subpage id are required",
			})
			return
		}

		snap, err := m.Status(c.Request.Context(), jobID)
		if err != nil {
			respondWithError(c, err)
			return
		}

		var rec *CityRecord
		for i := range snap.Cities {
			if snap.Cities[i].SubpageID == subpageID {
				rec = &snap.Cities[i]
				break
			}
		}
		if rec == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "SUBPAGE_NOT_FOUND",
				"message": fmt.Sprintf("subpage %s does not exist in job %s", subpageID, jobID),
			})
			return
		}
		if rec.Status != CityCompleted {
			c.JSON(http.StatusConflict, gin.H{
				"code":    "SUBPAGE_NOT_READY",
				"message": fmt.Sprintf("subpage %s is %s", subpageID, rec.Status),
			})
			return
		}

		source := transcode.Transcode(rec.GeneratedContent, rec.Name, snap.Job.Domain)
		filename := transcode.FileName(rec.Name)
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", filename, url.PathEscape(filename)))
		c.Header("Cache-Control", "no-store")
		c.Header("X-Job-Id", jobID)
		c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(source))
	}
}

func respondWithError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": err.Error(),
		})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "JOB_NOT_FOUND",
			"message": err.Error(),
		})
	case errors.Is(err, ErrDuplicateJob):
		c.JSON(http.StatusConflict, gin.H{
			"code":    "DUPLICATE_JOB",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{
			"code":    "INVALID_TRANSITION",
			"message": err.Error(),
		})
	case errors.Is(err, ErrTransientDispatch):
		c.JSON(http.StatusBadGateway, gin.H{
			"code":    "DISPATCH_FAILED",
			"message": err.Error(),
		})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "the request was canceled",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "an internal server error occurred",
		})
	}
}
