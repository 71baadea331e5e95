package models

import "time"

// SLAPolicy SLA 策略：按优先级分组的一组规则
type SLAPolicy struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Name        string    `gorm:"unique;not null" json:"name"`
	Description string    `json:"description"`
	IsActive    bool      `gorm:"default:true" json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	Rules []SLARule `gorm:"foreignKey:PolicyID" json:"rules,omitempty"`
}

// SLARule 某一优先级下的响应/解决时限与升级配置
type SLARule struct {
	ID                       uint      `gorm:"primaryKey" json:"id"`
	PolicyID                 uint      `gorm:"index" json:"policy_id"`
	Priority                 string    `gorm:"not null" json:"priority"` // low, normal, high, critical
	ResponseTimeMinutes      int       `gorm:"not null" json:"response_time_minutes"`
	ResolutionTimeHours      int       `gorm:"not null" json:"resolution_time_hours"`
	EscalationTimeMinutes    *int      `json:"escalation_time_minutes"` // nil 表示不升级
	EscalationTarget         *uint     `json:"escalation_target"`       // user id
	BreachNotificationEmails string    `json:"breach_notification_emails"` // 逗号分隔
	CreatedAt                time.Time `json:"created_at"`
	UpdatedAt                time.Time `json:"updated_at"`
}

// TicketSLATracking 每个受 SLA 管理的工单一行。到期时间在创建时算定后不再
// 改写；暂停只累加 pause_duration_minutes，检测在暂停期间整体跳过。
type TicketSLATracking struct {
	ID                      uint       `gorm:"primaryKey" json:"id"`
	TicketID                uint       `gorm:"uniqueIndex" json:"ticket_id"`
	PolicyID                uint       `gorm:"index" json:"policy_id"`
	RuleID                  uint       `gorm:"index" json:"rule_id"`
	ResponseDueAt           time.Time  `json:"response_due_at"`
	ResolutionDueAt         time.Time  `json:"resolution_due_at"`
	FirstResponseAt         *time.Time `json:"first_response_at"`
	ResolvedAt              *time.Time `json:"resolved_at"`
	ResponseBreached        bool       `gorm:"default:false" json:"response_breached"`
	ResolutionBreached      bool       `gorm:"default:false" json:"resolution_breached"`
	ResponseBreachMinutes   *int       `json:"response_breach_minutes"`
	ResolutionBreachMinutes *int       `json:"resolution_breach_minutes"`
	PauseStart              *time.Time `json:"pause_start"`
	PauseDurationMinutes    int        `gorm:"default:0" json:"pause_duration_minutes"`
	EscalatedAt             *time.Time `json:"escalated_at"`
	EscalatedTo             *uint      `json:"escalated_to"`
	BreachNotificationsSent int        `gorm:"default:0" json:"breach_notifications_sent"`
	WarningsSent            string     `gorm:"type:text" json:"warnings_sent"` // JSON: {"response:60":true, ...}
	CreatedAt               time.Time  `json:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at"`

	Ticket Ticket  `gorm:"foreignKey:TicketID" json:"ticket,omitempty"`
	Rule   SLARule `gorm:"foreignKey:RuleID" json:"rule,omitempty"`
}
