package controller

import (
	"net/http"

	"runbox/internal/exec/model"
	"runbox/internal/exec/service"
	appErr "runbox/pkg/errors"
	"runbox/pkg/utils/logger"
	"runbox/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ExecController handles code execution requests.
type ExecController struct {
	service *service.Service
	podName string
}

// NewExecController creates a new controller.
func NewExecController(svc *service.Service, podName string) *ExecController {
	return &ExecController{service: svc, podName: podName}
}

// RunCode executes a snippet synchronously and returns the full outcome.
//
// The body is always a RunCodeResponse, including on internal failures,
// so callers can switch on its status field alone. Only request
// validation and admission rejections use the error envelope.
func (h *ExecController) RunCode(c *gin.Context) {
	var req model.RunCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}

	resp, err := h.service.RunCode(c.Request.Context(), req)
	if err != nil {
		code := appErr.GetCode(err)
		if status := code.HTTPStatus(); status >= http.StatusInternalServerError {
			logger.Error(c.Request.Context(), "run code failed",
				zap.Int("code", int(code)),
				zap.Error(err),
			)
			c.JSON(status, model.SandboxErrorResponse(err.Error(), h.podName))
			return
		}
		response.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Submit queues a snippet for asynchronous execution.
func (h *ExecController) Submit(c *gin.Context) {
	var req model.RunCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}

	resp, err := h.service.SubmitCode(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	c.JSON(http.StatusAccepted, resp)
}

// GetExecution returns the stored status for one execution.
func (h *ExecController) GetExecution(c *gin.Context) {
	executionID := c.Param("id")
	if executionID == "" {
		response.BadRequest(c, "Invalid execution id")
		return
	}

	status, err := h.service.GetExecution(c.Request.Context(), executionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// Languages lists the configured language profiles.
func (h *ExecController) Languages(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"languages": h.service.Languages()})
}

// Healthz reports process liveness.
func (h *ExecController) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Readyz reports whether the service can accept work.
func (h *ExecController) Readyz(c *gin.Context) {
	if err := h.service.Readiness(c.Request.Context()); err != nil {
		response.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
