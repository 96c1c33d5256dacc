// Package controller exposes the runner over HTTP.
package controller

import (
	"context"

	"acarunner/internal/grading/model"
	"acarunner/internal/grading/plugin"
	"acarunner/internal/grading/service"
	appErr "acarunner/pkg/errors"
	"acarunner/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// Runner is the service surface the handlers need.
type Runner interface {
	Run(ctx context.Context, req service.RunRequest) (service.RunResponse, error)
	Status(ctx context.Context, submissionID string) (model.RunStatus, error)
}

// Catalog lists registered languages.
type Catalog interface {
	SupportedLanguages() []string
	AllInfo() map[string]plugin.Info
}

// RunnerController handles runner requests.
type RunnerController struct {
	runner  Runner
	catalog Catalog
}

// NewRunnerController creates a new controller.
func NewRunnerController(runner Runner, catalog Catalog) *RunnerController {
	return &RunnerController{runner: runner, catalog: catalog}
}

// Register mounts the handlers on r.
func (h *RunnerController) Register(r gin.IRouter) {
	r.GET("/health", h.Health)
	r.GET("/languages", h.Languages)
	r.POST("/run", h.Run)
	r.GET("/runs/:submissionId", h.GetStatus)
}

// Health reports liveness and the registered languages.
func (h *RunnerController) Health(c *gin.Context) {
	response.Success(c, gin.H{
		"ok":                  true,
		"supported_languages": h.catalog.SupportedLanguages(),
	})
}

// Languages returns configuration for each registered language.
func (h *RunnerController) Languages(c *gin.Context) {
	response.Success(c, gin.H{
		"supported_languages": h.catalog.SupportedLanguages(),
		"languages_info":      h.catalog.AllInfo(),
	})
}

// Run grades one submission synchronously.
func (h *RunnerController) Run(c *gin.Context) {
	var req service.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErr.Wrapf(err, appErr.InvalidFormat, "invalid run request"))
		return
	}
	resp, err := h.runner.Run(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, resp)
}

// GetStatus returns the last recorded run status for one submission.
func (h *RunnerController) GetStatus(c *gin.Context) {
	submissionID := c.Param("submissionId")
	if submissionID == "" {
		response.BadRequest(c, "Invalid submission id")
		return
	}
	status, err := h.runner.Status(c.Request.Context(), submissionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, status)
}
