package models

import (
	"time"

	"gorm.io/gorm"
)

// User 用户模型（客户/技术员/管理员）
type User struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	Username  string         `gorm:"unique;not null" json:"username"`
	Email     string         `gorm:"unique;not null" json:"email"`
	Name      string         `json:"name"`
	Role      string         `gorm:"default:'technician'" json:"role"` // customer, technician, admin
	Status    string         `gorm:"default:'active'" json:"status"`   // active, inactive
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// Client MSP 客户（公司）信息
type Client struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	Name        string         `gorm:"not null" json:"name"`
	Company     string         `json:"company"`
	SLAPolicyID *uint          `gorm:"index" json:"sla_policy_id"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
}

// Ticket 工单模型
type Ticket struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	Title       string         `gorm:"not null" json:"title"`
	Description string         `gorm:"type:text" json:"description"`
	ClientID    uint           `gorm:"index" json:"client_id"`
	RequesterID uint           `gorm:"index" json:"requester_id"`
	AssignedTo  *uint          `gorm:"index" json:"assigned_to"`
	Category    string         `json:"category"`                         // technical, billing, general
	Priority    string         `gorm:"default:'normal'" json:"priority"` // low, normal, high, critical
	Status      string         `gorm:"default:'open'" json:"status"`     // open, assigned, in_progress, resolved, closed, cancelled
	Source      string         `json:"source"`                           // web, email, phone
	Tags        string         `json:"tags"`                             // 标签，逗号分隔
	SLABreached bool           `gorm:"default:false" json:"sla_breached"`
	ResolvedAt  *time.Time     `json:"resolved_at"`
	ClosedAt    *time.Time     `json:"closed_at"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`

	// 关联关系
	Client      Client          `gorm:"foreignKey:ClientID" json:"client,omitempty"`
	Requester   User            `gorm:"foreignKey:RequesterID" json:"requester,omitempty"`
	Assignee    *User           `gorm:"foreignKey:AssignedTo" json:"assignee,omitempty"`
	Comments    []TicketComment `gorm:"foreignKey:TicketID" json:"comments,omitempty"`
	SLATracking *TicketSLATracking `gorm:"foreignKey:TicketID" json:"sla_tracking,omitempty"`
}

// TicketComment 工单评论/回复
type TicketComment struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	TicketID  uint      `gorm:"index" json:"ticket_id"`
	UserID    uint      `gorm:"index" json:"user_id"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	Type      string    `gorm:"default:'comment'" json:"type"` // comment, internal_note, system
	CreatedAt time.Time `json:"created_at"`

	Ticket Ticket `gorm:"foreignKey:TicketID" json:"ticket,omitempty"`
	User   User   `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

// OpenTicketStatuses 视为“未关闭”的工单状态集合
var OpenTicketStatuses = []string{"open", "assigned", "in_progress"}
