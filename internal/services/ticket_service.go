package services

import (
	"context"
	"fmt"
	"time"

	"opsdesk/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// TicketService 工单管理服务：所有外部变更从这里进入，并向工作流引擎
// 发出触发事件。
type TicketService struct {
	db     *gorm.DB
	logger *logrus.Logger
	sla    *SLAService
	engine *WorkflowEngine
}

// NewTicketService 创建工单服务
func NewTicketService(db *gorm.DB, logger *logrus.Logger, sla *SLAService) *TicketService {
	if logger == nil {
		logger = logrus.New()
	}
	return &TicketService{
		db:     db,
		logger: logger,
		sla:    sla,
	}
}

// SetEngine 注入工作流引擎（可选）
func (s *TicketService) SetEngine(engine *WorkflowEngine) {
	s.engine = engine
}

// TicketCreateRequest 创建工单请求
type TicketCreateRequest struct {
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
	ClientID    uint   `json:"client_id" binding:"required"`
	RequesterID uint   `json:"requester_id" binding:"required"`
	Category    string `json:"category"`
	Priority    string `json:"priority"`
	Source      string `json:"source"`
	Tags        string `json:"tags"`
}

var validTicketStatuses = map[string]bool{
	"open": true, "assigned": true, "in_progress": true,
	"resolved": true, "closed": true, "cancelled": true,
}

// CreateTicket 创建工单，开启SLA跟踪并发出 ticket_created 事件
func (s *TicketService) CreateTicket(ctx context.Context, req *TicketCreateRequest) (*models.Ticket, error) {
	if req == nil {
		return nil, fmt.Errorf("request required")
	}

	// 验证请求人是否存在
	var requester models.User
	if err := s.db.WithContext(ctx).First(&requester, req.RequesterID).Error; err != nil {
		return nil, fmt.Errorf("requester not found: %w", err)
	}

	// 设置默认值
	if req.Category == "" {
		req.Category = "general"
	}
	if req.Priority == "" {
		req.Priority = "normal"
	}
	if req.Source == "" {
		req.Source = "web"
	}

	now := time.Now()
	ticket := &models.Ticket{
		Title:       req.Title,
		Description: req.Description,
		ClientID:    req.ClientID,
		RequesterID: req.RequesterID,
		Category:    req.Category,
		Priority:    req.Priority,
		Status:      "open",
		Source:      req.Source,
		Tags:        req.Tags,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.WithContext(ctx).Create(ticket).Error; err != nil {
		return nil, fmt.Errorf("create ticket: %w", err)
	}

	if _, err := s.sla.StartTracking(ctx, ticket); err != nil {
		s.logger.Warnf("ticket %d: start SLA tracking failed: %v", ticket.ID, err)
	}

	s.emit(ctx, models.TriggerTicketCreated, map[string]interface{}{
		"ticket_id": ticket.ID,
		"title":     ticket.Title,
		"priority":  ticket.Priority,
		"client_id": ticket.ClientID,
		"category":  ticket.Category,
		"source":    ticket.Source,
	})

	s.logger.Infof("Created ticket %d: %s (priority=%s)", ticket.ID, ticket.Title, ticket.Priority)
	return ticket, nil
}

// GetTicketByID 获取工单
func (s *TicketService) GetTicketByID(ctx context.Context, ticketID uint) (*models.Ticket, error) {
	var ticket models.Ticket
	if err := s.db.WithContext(ctx).Preload("SLATracking").First(&ticket, ticketID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("ticket not found")
		}
		return nil, fmt.Errorf("get ticket: %w", err)
	}
	return &ticket, nil
}

// UpdateTicketStatus 变更工单状态并发出 ticket_status_changed 事件
func (s *TicketService) UpdateTicketStatus(ctx context.Context, ticketID uint, toStatus string, userID uint) error {
	if !validTicketStatuses[toStatus] {
		return fmt.Errorf("invalid status: %s", toStatus)
	}

	var ticket models.Ticket
	if err := s.db.WithContext(ctx).First(&ticket, ticketID).Error; err != nil {
		return fmt.Errorf("ticket not found: %w", err)
	}
	if ticket.Status == toStatus {
		return nil
	}

	now := time.Now()
	updates := map[string]interface{}{
		"status":     toStatus,
		"updated_at": now,
	}
	if toStatus == "resolved" {
		updates["resolved_at"] = now
	}
	if toStatus == "closed" {
		updates["closed_at"] = now
	}

	if err := s.db.WithContext(ctx).Model(&models.Ticket{}).
		Where("id = ?", ticketID).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("update ticket status: %w", err)
	}

	if toStatus == "resolved" {
		if err := s.sla.RecordResolution(ctx, ticketID, now); err != nil {
			s.logger.Warnf("ticket %d: record resolution failed: %v", ticketID, err)
		}
	}

	s.emit(ctx, models.TriggerTicketStatusChanged, map[string]interface{}{
		"ticket_id":   ticketID,
		"from_status": ticket.Status,
		"to_status":   toStatus,
		"priority":    ticket.Priority,
		"client_id":   ticket.ClientID,
		"user_id":     userID,
	})

	s.logger.Infof("Ticket %d status: %s -> %s", ticketID, ticket.Status, toStatus)
	return nil
}

// AssignTicket 指派工单并发出 ticket_assigned 事件
func (s *TicketService) AssignTicket(ctx context.Context, ticketID, userID uint) error {
	var assignee models.User
	if err := s.db.WithContext(ctx).First(&assignee, userID).Error; err != nil {
		return fmt.Errorf("assignee not found: %w", err)
	}

	var ticket models.Ticket
	if err := s.db.WithContext(ctx).First(&ticket, ticketID).Error; err != nil {
		return fmt.Errorf("ticket not found: %w", err)
	}

	if err := s.db.WithContext(ctx).Model(&models.Ticket{}).
		Where("id = ?", ticketID).
		Updates(map[string]interface{}{
			"assigned_to": userID,
			"status":      "assigned",
			"updated_at":  time.Now(),
		}).Error; err != nil {
		return fmt.Errorf("assign ticket: %w", err)
	}

	s.emit(ctx, models.TriggerTicketAssigned, map[string]interface{}{
		"ticket_id":   ticketID,
		"assigned_to": userID,
		"priority":    ticket.Priority,
		"client_id":   ticket.ClientID,
	})

	s.logger.Infof("Ticket %d assigned to user %d", ticketID, userID)
	return nil
}

// AddComment 添加评论；非请求人的首条回复会记录首次响应时间
func (s *TicketService) AddComment(ctx context.Context, ticketID, userID uint, content, commentType string) (*models.TicketComment, error) {
	if content == "" {
		return nil, fmt.Errorf("content required")
	}
	if commentType == "" {
		commentType = "comment"
	}

	var ticket models.Ticket
	if err := s.db.WithContext(ctx).First(&ticket, ticketID).Error; err != nil {
		return nil, fmt.Errorf("ticket not found: %w", err)
	}

	now := time.Now()
	comment := &models.TicketComment{
		TicketID:  ticketID,
		UserID:    userID,
		Content:   content,
		Type:      commentType,
		CreatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(comment).Error; err != nil {
		return nil, fmt.Errorf("create comment: %w", err)
	}

	if commentType == "comment" && userID != ticket.RequesterID {
		if err := s.sla.RecordFirstResponse(ctx, ticketID, now); err != nil {
			s.logger.Warnf("ticket %d: record first response failed: %v", ticketID, err)
		}
	}

	s.emit(ctx, models.TriggerReplyAdded, map[string]interface{}{
		"ticket_id":    ticketID,
		"user_id":      userID,
		"comment_type": commentType,
		"priority":     ticket.Priority,
	})

	return comment, nil
}

// PauseSLA 暂停工单的SLA计时
func (s *TicketService) PauseSLA(ctx context.Context, ticketID uint) error {
	return s.sla.PauseTracking(ctx, ticketID)
}

// ResumeSLA 恢复工单的SLA计时
func (s *TicketService) ResumeSLA(ctx context.Context, ticketID uint) error {
	return s.sla.ResumeTracking(ctx, ticketID)
}

func (s *TicketService) emit(ctx context.Context, triggerType string, payload map[string]interface{}) {
	if s.engine == nil {
		return
	}
	ids, err := s.engine.ProcessEvent(ctx, NewTriggerEvent(triggerType, payload))
	if err != nil {
		s.logger.Errorf("process %s event: %v", triggerType, err)
		return
	}
	if len(ids) > 0 {
		s.logger.Debugf("%s event matched %d workflow(s)", triggerType, len(ids))
	}
}
