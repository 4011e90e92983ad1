package handlers

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/upsetiq/upsetiq/internal/pipeline"
	"github.com/upsetiq/upsetiq/pkg/utils"
)

type PipelineHandler struct {
	scheduler *pipeline.Scheduler
}

func NewPipelineHandler(scheduler *pipeline.Scheduler) *PipelineHandler {
	return &PipelineHandler{scheduler: scheduler}
}

// GetStatus returns the schedule state of every registered job.
func (h *PipelineHandler) GetStatus(c *gin.Context) {
	utils.SendSuccess(c, h.scheduler.Status())
}

// GetRuns returns recent job runs, optionally filtered by job name.
func (h *PipelineHandler) GetRuns(c *gin.Context) {
	jobName := c.Query("job")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	runs, err := h.scheduler.Runs(jobName, limit)
	if err != nil {
		utils.SendInternalError(c, "Failed to fetch pipeline runs")
		return
	}
	utils.SendSuccess(c, runs)
}

// RunJob triggers an immediate out-of-cadence execution.
func (h *PipelineHandler) RunJob(c *gin.Context) {
	jobID := c.Param("id")

	if err := h.scheduler.RunNow(jobID); err != nil {
		switch {
		case errors.Is(err, pipeline.ErrUnknownJob):
			utils.SendNotFound(c, "Unknown job: "+jobID)
		case errors.Is(err, utils.ErrAlreadyRunning):
			utils.SendConflict(c, "Job is already running: "+jobID)
		default:
			utils.SendInternalError(c, "Failed to trigger job")
		}
		return
	}

	utils.SendSuccess(c, gin.H{"job": jobID, "triggered": true})
}

// PauseJob stops a job's cadence without unregistering it.
func (h *PipelineHandler) PauseJob(c *gin.Context) {
	jobID := c.Param("id")
	if err := h.scheduler.Pause(jobID); err != nil {
		utils.SendNotFound(c, "Unknown job: "+jobID)
		return
	}
	utils.SendSuccess(c, gin.H{"job": jobID, "paused": true})
}

// ResumeJob re-enables a paused job.
func (h *PipelineHandler) ResumeJob(c *gin.Context) {
	jobID := c.Param("id")
	if err := h.scheduler.Resume(jobID); err != nil {
		utils.SendNotFound(c, "Unknown job: "+jobID)
		return
	}
	utils.SendSuccess(c, gin.H{"job": jobID, "paused": false})
}
