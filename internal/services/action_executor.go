package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"opsdesk/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"
)

// Action 工作流中的一个有序动作
type Action struct {
	Name          string                 `json:"name"`
	ActionType    string                 `json:"action_type"`
	Parameters    map[string]interface{} `json:"parameters"`
	DelaySeconds  int                    `json:"delay_seconds"`
	StopOnFailure bool                   `json:"stop_on_failure"`
}

// ParseActions parses the stored JSON action list of a definition.
func ParseActions(raw string) ([]Action, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var actions []Action
	if err := json.Unmarshal([]byte(raw), &actions); err != nil {
		return nil, fmt.Errorf("invalid actions: %w", err)
	}
	for i := range actions {
		if actions[i].DelaySeconds < 0 {
			actions[i].DelaySeconds = 0
		}
	}
	return actions, nil
}

// ExecutionContext carries the triggering event into action execution.
type ExecutionContext struct {
	Event    TriggerEvent
	TicketID uint
}

// ActionExecutor dispatches one typed action against its collaborator:
// the ticket store, the notification sender, the broadcaster or an
// outbound webhook target.
type ActionExecutor struct {
	db         *gorm.DB
	logger     *logrus.Logger
	notifier   Notifier
	hub        *WebSocketHub
	httpClient *http.Client
}

func NewActionExecutor(db *gorm.DB, logger *logrus.Logger) *ActionExecutor {
	if logger == nil {
		logger = logrus.New()
	}
	return &ActionExecutor{
		db:     db,
		logger: logger,
		httpClient: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// SetNotifier 注入通知发送器（可选）
func (e *ActionExecutor) SetNotifier(n Notifier) {
	e.notifier = n
}

// SetHub 注入实时广播（可选）
func (e *ActionExecutor) SetHub(hub *WebSocketHub) {
	e.hub = hub
}

// Execute runs a single action. The per-action delay is handled by the
// engine; this call is expected to return promptly.
func (e *ActionExecutor) Execute(ctx context.Context, act Action, ec ExecutionContext) error {
	switch act.ActionType {
	case "send_email":
		return e.sendEmail(ctx, act, ec)
	case "update_ticket":
		return e.updateTicket(ctx, act, ec)
	case "assign_ticket":
		return e.assignTicket(ctx, act, ec)
	case "escalate":
		return e.escalate(ctx, act, ec)
	case "add_comment":
		return e.addComment(ctx, act, ec)
	case "webhook":
		return e.callWebhook(ctx, act, ec)
	case "broadcast":
		return e.broadcastEvent(act, ec)
	default:
		return fmt.Errorf("unsupported action type: %s", act.ActionType)
	}
}

func (e *ActionExecutor) sendEmail(ctx context.Context, act Action, ec ExecutionContext) error {
	if e.notifier == nil {
		return fmt.Errorf("notifier not configured")
	}
	to := paramString(act.Parameters, "to")
	subject := paramString(act.Parameters, "subject")
	body := paramString(act.Parameters, "body")
	if to == "" {
		return fmt.Errorf("to param required")
	}
	if subject == "" {
		subject = fmt.Sprintf("Workflow notification (%s)", ec.Event.TriggerType)
	}
	return e.notifier.Send(ctx, to, subject, body)
}

func (e *ActionExecutor) updateTicket(ctx context.Context, act Action, ec ExecutionContext) error {
	if ec.TicketID == 0 {
		return fmt.Errorf("event has no ticket")
	}

	updates := map[string]interface{}{}
	for _, field := range []string{"priority", "status", "category"} {
		if v := paramString(act.Parameters, field); v != "" {
			updates[field] = v
		}
	}
	if len(updates) == 0 && paramString(act.Parameters, "add_tag") == "" {
		return fmt.Errorf("no ticket fields to update")
	}

	if tag := paramString(act.Parameters, "add_tag"); tag != "" {
		var ticket models.Ticket
		if err := e.db.WithContext(ctx).First(&ticket, ec.TicketID).Error; err != nil {
			return fmt.Errorf("load ticket: %w", err)
		}
		tags := ticket.Tags
		if tags == "" {
			tags = tag
		} else if !strings.Contains(tags, tag) {
			tags = tags + "," + tag
		}
		updates["tags"] = tags
	}
	updates["updated_at"] = time.Now()

	return e.db.WithContext(ctx).Model(&models.Ticket{}).
		Where("id = ?", ec.TicketID).
		Updates(updates).Error
}

func (e *ActionExecutor) assignTicket(ctx context.Context, act Action, ec ExecutionContext) error {
	if ec.TicketID == 0 {
		return fmt.Errorf("event has no ticket")
	}
	userID := paramUint(act.Parameters, "user_id")
	if userID == 0 {
		return fmt.Errorf("user_id param required")
	}
	return e.db.WithContext(ctx).Model(&models.Ticket{}).
		Where("id = ?", ec.TicketID).
		Updates(map[string]interface{}{
			"assigned_to": userID,
			"status":      "assigned",
			"updated_at":  time.Now(),
		}).Error
}

// escalate reassigns the ticket and leaves a system comment so the
// hand-off is visible in the timeline.
func (e *ActionExecutor) escalate(ctx context.Context, act Action, ec ExecutionContext) error {
	if err := e.assignTicket(ctx, act, ec); err != nil {
		return err
	}
	comment := &models.TicketComment{
		TicketID:  ec.TicketID,
		UserID:    0,
		Content:   fmt.Sprintf("Ticket escalated by workflow (trigger: %s)", ec.Event.TriggerType),
		Type:      "system",
		CreatedAt: time.Now(),
	}
	if err := e.db.WithContext(ctx).Create(comment).Error; err != nil {
		e.logger.Warnf("escalate: record comment failed: %v", err)
	}
	return nil
}

func (e *ActionExecutor) addComment(ctx context.Context, act Action, ec ExecutionContext) error {
	if ec.TicketID == 0 {
		return fmt.Errorf("event has no ticket")
	}
	content := paramString(act.Parameters, "content")
	if content == "" {
		return fmt.Errorf("content param required")
	}
	comment := &models.TicketComment{
		TicketID:  ec.TicketID,
		UserID:    0,
		Content:   content,
		Type:      "system",
		CreatedAt: time.Now(),
	}
	return e.db.WithContext(ctx).Create(comment).Error
}

func (e *ActionExecutor) callWebhook(ctx context.Context, act Action, ec ExecutionContext) error {
	url := paramString(act.Parameters, "url")
	if url == "" {
		return fmt.Errorf("url param required")
	}

	payload := map[string]interface{}{
		"event_id":     ec.Event.EventID,
		"trigger_type": ec.Event.TriggerType,
		"occurred_at":  ec.Event.OccurredAt,
		"payload":      ec.Event.Payload,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook %s returned %d", url, resp.StatusCode)
	}
	return nil
}

func (e *ActionExecutor) broadcastEvent(act Action, ec ExecutionContext) error {
	if e.hub == nil {
		return fmt.Errorf("broadcaster not configured")
	}
	eventType := paramString(act.Parameters, "event")
	if eventType == "" {
		eventType = "workflow_event"
	}
	e.hub.Broadcast(eventType, map[string]interface{}{
		"message":      paramString(act.Parameters, "message"),
		"ticket_id":    ec.TicketID,
		"trigger_type": ec.Event.TriggerType,
	})
	return nil
}

func paramString(params map[string]interface{}, key string) string {
	if params == nil {
		return ""
	}
	v, ok := params[key]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

// paramUint tolerates JSON numbers (float64) and numeric strings.
func paramUint(params map[string]interface{}, key string) uint {
	switch v := params[key].(type) {
	case float64:
		if v > 0 {
			return uint(v)
		}
	case int:
		if v > 0 {
			return uint(v)
		}
	case string:
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return uint(n)
		}
	}
	return 0
}
