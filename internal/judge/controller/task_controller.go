package controller

import (
	"strconv"

	"judgeflow/internal/judge/model"
	"judgeflow/internal/judge/service"
	"judgeflow/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// TaskController handles task creation and queue inspection.
type TaskController struct {
	tasks *service.TaskService
}

// NewTaskController creates a new controller.
func NewTaskController(tasks *service.TaskService) *TaskController {
	return &TaskController{tasks: tasks}
}

// Create validates and enqueues one judge task.
func (h *TaskController) Create(c *gin.Context) {
	var req model.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request body")
		return
	}
	jobID, err := h.tasks.Create(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, "task created", gin.H{"jobId": jobID})
}

// Status returns queue state and attempts for one job.
func (h *TaskController) Status(c *gin.Context) {
	jobID := c.Param("jobId")
	if jobID == "" {
		response.BadRequest(c, "Invalid job id")
		return
	}
	status, err := h.tasks.Status(c.Request.Context(), jobID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, status)
}

// Counts returns the number of jobs per queue state.
func (h *TaskController) Counts(c *gin.Context) {
	counts, err := h.tasks.Counts(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, counts)
}

// Result returns the terminal result of a judge record.
func (h *TaskController) Result(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("judgeRecordId"), 10, 64)
	if err != nil || id <= 0 {
		response.BadRequest(c, "Invalid judge record id")
		return
	}
	result, err := h.tasks.Result(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, result)
}
