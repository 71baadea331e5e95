package handlers

import (
	"net/http"

	"opsdesk/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// SLAHandler SLA跟踪管理处理器
type SLAHandler struct {
	slaService    *services.SLAService
	ticketService *services.TicketService
	logger        *logrus.Logger
}

// NewSLAHandler 创建SLA处理器
func NewSLAHandler(slaService *services.SLAService, ticketService *services.TicketService, logger *logrus.Logger) *SLAHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &SLAHandler{
		slaService:    slaService,
		ticketService: ticketService,
		logger:        logger,
	}
}

// RunCheck 手工触发一轮SLA检查（正常情况由后台定时器驱动）
// @Router /api/sla/check [post]
func (h *SLAHandler) RunCheck(c *gin.Context) {
	result, err := h.slaService.RunSLACheck(c.Request.Context())
	if err != nil {
		h.logger.Errorf("Manual SLA check failed: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "SLA check failed", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// Pause 暂停工单的SLA计时
// @Router /api/tickets/{id}/sla/pause [post]
func (h *SLAHandler) Pause(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	if err := h.ticketService.PauseSLA(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to pause SLA", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Resume 恢复工单的SLA计时
// @Router /api/tickets/{id}/sla/resume [post]
func (h *SLAHandler) Resume(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	if err := h.ticketService.ResumeSLA(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to resume SLA", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
