package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"opsdesk/internal/metrics"
	"opsdesk/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// SLAService SLA 跟踪与违约检测服务
type SLAService struct {
	db       *gorm.DB
	logger   *logrus.Logger
	tracer   trace.Tracer
	notifier Notifier
	hub      *WebSocketHub
	engine   *WorkflowEngine

	warningThresholds []int // minutes, descending
	warningTolerance  int   // ± minutes
}

// NewSLAService 创建SLA服务
func NewSLAService(db *gorm.DB, logger *logrus.Logger) *SLAService {
	if logger == nil {
		logger = logrus.New()
	}
	return &SLAService{
		db:                db,
		logger:            logger,
		tracer:            otel.Tracer("opsdesk.sla"),
		warningThresholds: []int{60, 30, 15, 5},
		warningTolerance:  5,
	}
}

// SetNotifier 注入通知发送器（可选）
func (s *SLAService) SetNotifier(n Notifier) {
	s.notifier = n
}

// SetHub 注入实时广播（可选）
func (s *SLAService) SetHub(hub *WebSocketHub) {
	s.hub = hub
}

// SetEngine wires breach feedback into the workflow engine (optional).
func (s *SLAService) SetEngine(engine *WorkflowEngine) {
	s.engine = engine
}

// SetWarningThresholds overrides the approaching-breach bands.
func (s *SLAService) SetWarningThresholds(thresholds []int, tolerance int) {
	if len(thresholds) > 0 {
		s.warningThresholds = thresholds
	}
	if tolerance > 0 {
		s.warningTolerance = tolerance
	}
}

// SLACheckResult 一次检查运行的汇总结果（审计面）
type SLACheckResult struct {
	TicketsChecked       int      `json:"tickets_checked"`
	BreachesDetected     int      `json:"breaches_detected"`
	EscalationsTriggered int      `json:"escalations_triggered"`
	NotificationsSent    int      `json:"notifications_sent"`
	Errors               []string `json:"errors"`
}

// CalculateDueDates derives both deadlines from the rule and the ticket
// creation time. Computed once; never rewritten afterwards.
func CalculateDueDates(rule *models.SLARule, createdAt time.Time) (responseDue, resolutionDue time.Time) {
	responseDue = createdAt.Add(time.Duration(rule.ResponseTimeMinutes) * time.Minute)
	resolutionDue = createdAt.Add(time.Duration(rule.ResolutionTimeHours) * time.Hour)
	return responseDue, resolutionDue
}

// StartTracking creates the SLA tracking row for a freshly opened ticket.
// Returns (nil, nil) when the ticket's client has no active SLA policy or
// the policy has no rule for the ticket's priority.
func (s *SLAService) StartTracking(ctx context.Context, ticket *models.Ticket) (*models.TicketSLATracking, error) {
	ctx, span := s.tracer.Start(ctx, "sla.start_tracking")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("sla.ticket.id", int64(ticket.ID)),
		attribute.String("sla.ticket.priority", ticket.Priority),
	)

	rule, err := s.ruleForTicket(ctx, ticket)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if rule == nil {
		s.logger.Debugf("no SLA rule for ticket %d (priority %s)", ticket.ID, ticket.Priority)
		return nil, nil
	}

	responseDue, resolutionDue := CalculateDueDates(rule, ticket.CreatedAt)
	now := time.Now()
	tracking := &models.TicketSLATracking{
		TicketID:        ticket.ID,
		PolicyID:        rule.PolicyID,
		RuleID:          rule.ID,
		ResponseDueAt:   responseDue,
		ResolutionDueAt: resolutionDue,
		WarningsSent:    "{}",
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.db.WithContext(ctx).Create(tracking).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("create SLA tracking: %w", err)
	}

	s.logger.Infof("SLA tracking started: ticket=%d rule=%d response_due=%s resolution_due=%s",
		ticket.ID, rule.ID, responseDue.Format(time.RFC3339), resolutionDue.Format(time.RFC3339))
	return tracking, nil
}

// ruleForTicket resolves client -> active policy -> rule by priority.
func (s *SLAService) ruleForTicket(ctx context.Context, ticket *models.Ticket) (*models.SLARule, error) {
	var client models.Client
	if err := s.db.WithContext(ctx).First(&client, ticket.ClientID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("load client: %w", err)
	}
	if client.SLAPolicyID == nil {
		return nil, nil
	}

	var policy models.SLAPolicy
	if err := s.db.WithContext(ctx).Where("id = ? AND is_active = ?", *client.SLAPolicyID, true).First(&policy).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("load SLA policy: %w", err)
	}

	var rule models.SLARule
	if err := s.db.WithContext(ctx).Where("policy_id = ? AND priority = ?", policy.ID, ticket.Priority).First(&rule).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("load SLA rule: %w", err)
	}
	return &rule, nil
}

// RecordFirstResponse stamps the first-response milestone. Conditional on
// the column being empty so replays are no-ops.
func (s *SLAService) RecordFirstResponse(ctx context.Context, ticketID uint, at time.Time) error {
	return s.db.WithContext(ctx).Model(&models.TicketSLATracking{}).
		Where("ticket_id = ? AND first_response_at IS NULL", ticketID).
		Updates(map[string]interface{}{
			"first_response_at": at,
			"updated_at":        time.Now(),
		}).Error
}

// RecordResolution stamps the resolution milestone.
func (s *SLAService) RecordResolution(ctx context.Context, ticketID uint, at time.Time) error {
	return s.db.WithContext(ctx).Model(&models.TicketSLATracking{}).
		Where("ticket_id = ? AND resolved_at IS NULL", ticketID).
		Updates(map[string]interface{}{
			"resolved_at": at,
			"updated_at":  time.Now(),
		}).Error
}

// PauseTracking sets pause_start; a no-op when already paused. Breach
// checks are skipped entirely while paused.
func (s *SLAService) PauseTracking(ctx context.Context, ticketID uint) error {
	result := s.db.WithContext(ctx).Model(&models.TicketSLATracking{}).
		Where("ticket_id = ? AND pause_start IS NULL", ticketID).
		Updates(map[string]interface{}{
			"pause_start": time.Now(),
			"updated_at":  time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("pause SLA tracking: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		s.logger.Infof("SLA tracking paused: ticket=%d", ticketID)
	}
	return nil
}

// ResumeTracking accrues the paused window into pause_duration_minutes
// and clears pause_start. The due timestamps are never rewritten.
func (s *SLAService) ResumeTracking(ctx context.Context, ticketID uint) error {
	var tracking models.TicketSLATracking
	if err := s.db.WithContext(ctx).Where("ticket_id = ?", ticketID).First(&tracking).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return fmt.Errorf("SLA tracking not found")
		}
		return fmt.Errorf("load SLA tracking: %w", err)
	}
	if tracking.PauseStart == nil {
		return nil
	}

	pausedMinutes := int(time.Since(*tracking.PauseStart).Minutes())
	if pausedMinutes < 0 {
		pausedMinutes = 0
	}
	if err := s.db.WithContext(ctx).Model(&models.TicketSLATracking{}).
		Where("id = ?", tracking.ID).
		Updates(map[string]interface{}{
			"pause_start":            nil,
			"pause_duration_minutes": tracking.PauseDurationMinutes + pausedMinutes,
			"updated_at":             time.Now(),
		}).Error; err != nil {
		return fmt.Errorf("resume SLA tracking: %w", err)
	}

	s.logger.Infof("SLA tracking resumed: ticket=%d paused=%dm", ticketID, pausedMinutes)
	return nil
}

// RunSLACheck scans every open ticket with active tracking and applies
// breach, escalation and warning detection. Per-ticket errors go into the
// aggregate result; the result is always returned.
func (s *SLAService) RunSLACheck(ctx context.Context) (*SLACheckResult, error) {
	ctx, span := s.tracer.Start(ctx, "sla.run_check")
	defer span.End()

	result := &SLACheckResult{Errors: []string{}}

	var rows []models.TicketSLATracking
	if err := s.db.WithContext(ctx).
		Preload("Rule").Preload("Ticket").
		Joins("JOIN tickets ON tickets.id = ticket_sla_trackings.ticket_id").
		Where("tickets.status IN ?", models.OpenTicketStatuses).
		Find(&rows).Error; err != nil {
		span.RecordError(err)
		return result, fmt.Errorf("load SLA tracking rows: %w", err)
	}

	now := time.Now()
	for i := range rows {
		result.TicketsChecked++
		s.checkTicket(ctx, now, &rows[i], result)
	}

	metrics.AddSLACheck(result.BreachesDetected, result.EscalationsTriggered, result.NotificationsSent)
	s.logger.Infof("SLA check completed: checked=%d breaches=%d escalations=%d notifications=%d errors=%d",
		result.TicketsChecked, result.BreachesDetected, result.EscalationsTriggered,
		result.NotificationsSent, len(result.Errors))
	span.SetAttributes(
		attribute.Int("sla.check.tickets_checked", result.TicketsChecked),
		attribute.Int("sla.check.breaches_detected", result.BreachesDetected),
		attribute.Int("sla.check.escalations_triggered", result.EscalationsTriggered),
	)

	return result, nil
}

// checkTicket applies breach detection for one tracking row. Paused
// tickets accrue no breach time and are skipped entirely.
func (s *SLAService) checkTicket(ctx context.Context, now time.Time, tr *models.TicketSLATracking, result *SLACheckResult) {
	if tr.PauseStart != nil {
		return
	}
	if tr.Rule.ID == 0 {
		result.Errors = append(result.Errors, fmt.Sprintf("ticket %d: SLA rule %d missing", tr.TicketID, tr.RuleID))
		return
	}

	// response breach
	if tr.FirstResponseAt == nil && !tr.ResponseBreached && now.After(tr.ResponseDueAt) {
		minutes := int(now.Sub(tr.ResponseDueAt).Minutes())
		if s.markBreach(ctx, tr, "response", minutes, result) {
			result.BreachesDetected++
		}
	}

	// resolution breach; escalation only on the newly detected one
	if tr.ResolvedAt == nil && !tr.ResolutionBreached && now.After(tr.ResolutionDueAt) {
		minutes := int(now.Sub(tr.ResolutionDueAt).Minutes())
		if s.markBreach(ctx, tr, "resolution", minutes, result) {
			result.BreachesDetected++
			s.maybeEscalate(ctx, now, tr, minutes, result)
		}
	}

	s.checkWarnings(ctx, now, tr)
}

// markBreach performs the conditional breach write. Returns true only
// when this call actually flipped the flag, so an overlapping re-run is a
// no-op rather than a double-count.
func (s *SLAService) markBreach(ctx context.Context, tr *models.TicketSLATracking, breachType string, minutes int, result *SLACheckResult) bool {
	column := breachType + "_breached"
	updates := map[string]interface{}{
		column:                         true,
		breachType + "_breach_minutes": minutes,
		"breach_notifications_sent":    gorm.Expr("breach_notifications_sent + 1"),
		"updated_at":                   time.Now(),
	}

	write := s.db.WithContext(ctx).Model(&models.TicketSLATracking{}).
		Where("id = ? AND "+column+" = ?", tr.ID, false).
		Updates(updates)
	if write.Error != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("ticket %d: mark %s breach: %v", tr.TicketID, breachType, write.Error))
		return false
	}
	if write.RowsAffected == 0 {
		return false // another tick already claimed this breach
	}

	if err := s.db.WithContext(ctx).Model(&models.Ticket{}).
		Where("id = ?", tr.TicketID).
		Update("sla_breached", true).Error; err != nil {
		s.logger.Errorf("flag ticket %d sla_breached: %v", tr.TicketID, err)
	}

	s.logger.Warnf("SLA breach detected: ticket=%d type=%s minutes=%d", tr.TicketID, breachType, minutes)

	result.NotificationsSent += s.sendBreachNotifications(ctx, tr, breachType, minutes, result)

	if s.hub != nil {
		s.hub.Broadcast("sla_breach", map[string]interface{}{
			"ticket_id":       tr.TicketID,
			"breach_type":     breachType,
			"minutes_overdue": minutes,
		})
	}

	if s.engine != nil {
		evt := NewTriggerEvent(models.TriggerSLABreach, map[string]interface{}{
			"ticket_id":       tr.TicketID,
			"breach_type":     breachType,
			"minutes_overdue": minutes,
			"priority":        tr.Ticket.Priority,
			"client_id":       tr.Ticket.ClientID,
		})
		if _, err := s.engine.ProcessEvent(ctx, evt); err != nil {
			s.logger.Errorf("emit SLA breach event for ticket %d: %v", tr.TicketID, err)
		}
	}

	return true
}

func (s *SLAService) sendBreachNotifications(ctx context.Context, tr *models.TicketSLATracking, breachType string, minutes int, result *SLACheckResult) int {
	if s.notifier == nil || tr.Rule.BreachNotificationEmails == "" {
		return 0
	}

	subject := fmt.Sprintf("SLA %s breach: ticket #%d", breachType, tr.TicketID)
	body := fmt.Sprintf("Ticket #%d (%s) has breached its %s SLA by %d minute(s).",
		tr.TicketID, tr.Ticket.Title, breachType, minutes)

	sent := 0
	for _, recipient := range strings.Split(tr.Rule.BreachNotificationEmails, ",") {
		recipient = strings.TrimSpace(recipient)
		if recipient == "" {
			continue
		}
		if err := s.notifier.Send(ctx, recipient, subject, body); err != nil {
			s.logger.Errorf("breach notification to %s failed: %v", recipient, err)
			result.Errors = append(result.Errors, fmt.Sprintf("ticket %d: notify %s: %v", tr.TicketID, recipient, err))
			continue
		}
		sent++
	}
	return sent
}

// maybeEscalate reassigns the ticket to the configured fallback owner
// when the fresh resolution breach is already past the escalation window.
func (s *SLAService) maybeEscalate(ctx context.Context, now time.Time, tr *models.TicketSLATracking, breachMinutes int, result *SLACheckResult) {
	rule := tr.Rule
	if rule.EscalationTimeMinutes == nil || rule.EscalationTarget == nil {
		return
	}
	if breachMinutes < *rule.EscalationTimeMinutes {
		return
	}

	write := s.db.WithContext(ctx).Model(&models.TicketSLATracking{}).
		Where("id = ? AND escalated_at IS NULL", tr.ID).
		Updates(map[string]interface{}{
			"escalated_at": now,
			"escalated_to": *rule.EscalationTarget,
			"updated_at":   now,
		})
	if write.Error != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("ticket %d: escalate: %v", tr.TicketID, write.Error))
		return
	}
	if write.RowsAffected == 0 {
		return
	}

	if err := s.db.WithContext(ctx).Model(&models.Ticket{}).
		Where("id = ?", tr.TicketID).
		Updates(map[string]interface{}{
			"assigned_to": *rule.EscalationTarget,
			"updated_at":  now,
		}).Error; err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("ticket %d: reassign on escalation: %v", tr.TicketID, err))
		return
	}

	result.EscalationsTriggered++
	s.logger.Warnf("SLA escalation: ticket=%d reassigned to user %d", tr.TicketID, *rule.EscalationTarget)

	if s.notifier != nil {
		var target models.User
		if err := s.db.WithContext(ctx).First(&target, *rule.EscalationTarget).Error; err == nil && target.Email != "" {
			subject := fmt.Sprintf("Ticket #%d escalated to you", tr.TicketID)
			body := fmt.Sprintf("Ticket #%d (%s) breached its resolution SLA by %d minute(s) and has been escalated to you.",
				tr.TicketID, tr.Ticket.Title, breachMinutes)
			if err := s.notifier.Send(ctx, target.Email, subject, body); err != nil {
				s.logger.Errorf("escalation notice to %s failed: %v", target.Email, err)
				result.Errors = append(result.Errors, fmt.Sprintf("ticket %d: escalation notice: %v", tr.TicketID, err))
			} else {
				result.NotificationsSent++
			}
		}
	}

	if s.hub != nil {
		s.hub.Broadcast("sla_escalation", map[string]interface{}{
			"ticket_id":    tr.TicketID,
			"escalated_to": *rule.EscalationTarget,
		})
	}
}

// checkWarnings fires the approaching-breach broadcast once per threshold
// band. Fired bands are persisted on the row so any poll interval still
// hits each band at most once.
func (s *SLAService) checkWarnings(ctx context.Context, now time.Time, tr *models.TicketSLATracking) {
	if s.hub == nil {
		return
	}

	sent := map[string]bool{}
	if tr.WarningsSent != "" {
		if err := json.Unmarshal([]byte(tr.WarningsSent), &sent); err != nil {
			s.logger.Warnf("ticket %d: invalid warnings_sent, resetting: %v", tr.TicketID, err)
			sent = map[string]bool{}
		}
	}

	changed := false
	if tr.FirstResponseAt == nil && !tr.ResponseBreached {
		changed = s.fireWarning(now, tr, "response", tr.ResponseDueAt, sent) || changed
	}
	if tr.ResolvedAt == nil && !tr.ResolutionBreached {
		changed = s.fireWarning(now, tr, "resolution", tr.ResolutionDueAt, sent) || changed
	}

	if changed {
		raw, err := json.Marshal(sent)
		if err != nil {
			return
		}
		if err := s.db.WithContext(ctx).Model(&models.TicketSLATracking{}).
			Where("id = ?", tr.ID).
			Updates(map[string]interface{}{
				"warnings_sent": string(raw),
				"updated_at":    now,
			}).Error; err != nil {
			s.logger.Errorf("persist warnings for ticket %d: %v", tr.TicketID, err)
		}
	}
}

// fireWarning matches the closest unfired band within tolerance and
// broadcasts it. Returns true when the sent-set changed.
func (s *SLAService) fireWarning(now time.Time, tr *models.TicketSLATracking, kind string, dueAt time.Time, sent map[string]bool) bool {
	minutesUntil := int(dueAt.Sub(now).Minutes())
	if minutesUntil <= 0 {
		return false
	}

	for _, threshold := range s.warningThresholds {
		diff := minutesUntil - threshold
		if diff < -s.warningTolerance || diff > s.warningTolerance {
			continue
		}
		key := fmt.Sprintf("%s:%d", kind, threshold)
		if sent[key] {
			continue
		}
		sent[key] = true

		s.hub.Broadcast("sla_warning", map[string]interface{}{
			"ticket_id":            tr.TicketID,
			"warning_type":         kind,
			"minutes_until_breach": minutesUntil,
			"threshold":            threshold,
		})
		s.logger.Infof("SLA warning: ticket=%d type=%s threshold=%dm remaining=%dm",
			tr.TicketID, kind, threshold, minutesUntil)
		return true
	}
	return false
}

// StartMonitor 启动周期性SLA检查
func (s *SLAService) StartMonitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	s.logger.Info("Starting SLA monitoring service")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("SLA monitoring service stopped")
			return
		case <-ticker.C:
			if _, err := s.RunSLACheck(ctx); err != nil {
				s.logger.Errorf("SLA check error: %v", err)
			}
		}
	}
}
