package handlers

import (
	"net/http"
	"strings"

	"opsdesk/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// WorkflowHandler 工作流定义管理处理器
type WorkflowHandler struct {
	registry *services.WorkflowRegistry
	logger   *logrus.Logger
}

// NewWorkflowHandler 创建工作流处理器
func NewWorkflowHandler(registry *services.WorkflowRegistry, logger *logrus.Logger) *WorkflowHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &WorkflowHandler{registry: registry, logger: logger}
}

// List 列出全部工作流定义（含未激活）
// @Router /api/workflows [get]
func (h *WorkflowHandler) List(c *gin.Context) {
	defs, err := h.registry.ListDefinitions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list workflows", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflows": defs, "total": len(defs)})
}

// Create 创建工作流定义；配置在写入时校验
// @Router /api/workflows [post]
func (h *WorkflowHandler) Create(c *gin.Context) {
	var req services.WorkflowDefinitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Message: err.Error()})
		return
	}

	def, err := h.registry.CreateDefinition(c.Request.Context(), &req)
	if err != nil {
		if isValidationError(err) {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid workflow definition", Message: err.Error()})
			return
		}
		h.logger.Errorf("Failed to create workflow: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to create workflow", Message: err.Error()})
		return
	}

	c.JSON(http.StatusCreated, def)
}

// Update 替换工作流定义
// @Router /api/workflows/{id} [put]
func (h *WorkflowHandler) Update(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	var req services.WorkflowDefinitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Message: err.Error()})
		return
	}

	def, err := h.registry.UpdateDefinition(c.Request.Context(), id, &req)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "Workflow not found"})
			return
		}
		if isValidationError(err) {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid workflow definition", Message: err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to update workflow", Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, def)
}

// Delete 删除工作流定义
// @Router /api/workflows/{id} [delete]
func (h *WorkflowHandler) Delete(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	if err := h.registry.DeleteDefinition(c.Request.Context(), id); err != nil {
		if strings.Contains(err.Error(), "not found") {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "Workflow not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to delete workflow", Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func isValidationError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unsupported trigger type") ||
		strings.Contains(msg, "required") ||
		strings.Contains(msg, "invalid") ||
		strings.Contains(msg, "must be")
}
