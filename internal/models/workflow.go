package models

import "time"

// Workflow trigger types. The SLA checker emits TriggerSLABreach back into
// the engine; everything else comes from ticket mutations.
const (
	TriggerTicketCreated       = "ticket_created"
	TriggerTicketStatusChanged = "ticket_status_changed"
	TriggerTicketAssigned      = "ticket_assigned"
	TriggerReplyAdded          = "reply_added"
	TriggerSLABreach           = "sla_breach"
)

// Workflow instance statuses.
const (
	InstancePending   = "pending"
	InstanceRunning   = "running"
	InstanceCompleted = "completed"
	InstanceFailed    = "failed"
	InstanceCancelled = "cancelled"
)

// WorkflowDefinition 工作流定义：触发器 + 条件 + 有序动作
type WorkflowDefinition struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	Name             string    `gorm:"unique;not null" json:"name"`
	Description      string    `json:"description"`
	TriggerType      string    `gorm:"not null;index" json:"trigger_type"`
	TriggerConfig    string    `gorm:"type:text" json:"trigger_config"` // JSON: {priority, client_id, to_status, breach_type, ...}
	Conditions       string    `gorm:"type:text" json:"conditions"`     // JSON ConditionGroup, 可为空
	Actions          string    `gorm:"type:text" json:"actions"`        // JSON: [{name,action_type,parameters,delay_seconds,stop_on_failure}]
	IsActive         bool      `gorm:"default:true" json:"is_active"`
	ExecutionOrder   int       `gorm:"default:0;index" json:"execution_order"`
	StopOnFirstMatch bool      `gorm:"default:false" json:"stop_on_first_match"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// WorkflowInstance 一次定义针对一个事件的执行记录
type WorkflowInstance struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	WorkflowID       uint       `gorm:"index" json:"workflow_id"`
	TriggerEventID   string     `gorm:"index" json:"trigger_event_id"`
	Status           string     `gorm:"index" json:"status"` // pending, running, completed, failed, cancelled
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at"`
	ActionsCompleted int        `gorm:"default:0" json:"actions_completed"`
	TotalActions     int        `gorm:"default:0" json:"total_actions"`
	ErrorMessage     string     `gorm:"type:text" json:"error_message"`
	ExecutionLog     string     `gorm:"type:text" json:"execution_log"` // JSON: [ActionLogEntry]
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`

	Workflow WorkflowDefinition `gorm:"foreignKey:WorkflowID" json:"workflow,omitempty"`
}

// ActionLogEntry 执行日志里的单条动作结果
type ActionLogEntry struct {
	Index      int       `json:"index"`
	Name       string    `json:"name"`
	ActionType string    `json:"action_type"`
	Status     string    `json:"status"` // success, failed
	Error      string    `json:"error,omitempty"`
	ExecutedAt time.Time `json:"executed_at"`
}
