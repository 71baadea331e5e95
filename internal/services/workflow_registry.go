package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"opsdesk/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// CompiledWorkflow is a definition with its JSON columns parsed once at
// load time. Snapshots are immutable; a reload swaps the whole slice.
type CompiledWorkflow struct {
	Definition    models.WorkflowDefinition
	TriggerConfig map[string]interface{}
	Conditions    *ConditionGroup
	Actions       []Action
}

// WorkflowRegistry caches active workflow definitions in execution order.
// Writers go through the CRUD methods below, which persist and then
// trigger a full reload; readers always see a consistent snapshot.
type WorkflowRegistry struct {
	db     *gorm.DB
	logger *logrus.Logger

	mu       sync.RWMutex
	snapshot []*CompiledWorkflow
}

func NewWorkflowRegistry(db *gorm.DB, logger *logrus.Logger) *WorkflowRegistry {
	if logger == nil {
		logger = logrus.New()
	}
	return &WorkflowRegistry{db: db, logger: logger}
}

// Reload replaces the snapshot with all active definitions ordered by
// execution_order. Definitions with malformed JSON are logged and skipped
// so one bad row cannot take down matching for the rest.
func (r *WorkflowRegistry) Reload(ctx context.Context) error {
	var defs []models.WorkflowDefinition
	if err := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("execution_order ASC, id ASC").
		Find(&defs).Error; err != nil {
		return fmt.Errorf("load workflow definitions: %w", err)
	}

	compiled := make([]*CompiledWorkflow, 0, len(defs))
	for _, def := range defs {
		cw, err := compileWorkflow(def)
		if err != nil {
			r.logger.Warnf("workflow registry: skipping %q: %v", def.Name, err)
			continue
		}
		compiled = append(compiled, cw)
	}

	r.mu.Lock()
	r.snapshot = compiled
	r.mu.Unlock()

	r.logger.Infof("workflow registry reloaded: %d active definitions (%d stored)", len(compiled), len(defs))
	return nil
}

// Snapshot returns the current compiled definitions. The slice must be
// treated as read-only.
func (r *WorkflowRegistry) Snapshot() []*CompiledWorkflow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot
}

// StartAutoReload periodically refreshes the snapshot to pick up writes
// from other processes. Interval <= 0 disables the loop.
func (r *WorkflowRegistry) StartAutoReload(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Reload(ctx); err != nil {
				r.logger.Errorf("workflow registry reload: %v", err)
			}
		}
	}
}

func compileWorkflow(def models.WorkflowDefinition) (*CompiledWorkflow, error) {
	cw := &CompiledWorkflow{Definition: def}

	if strings.TrimSpace(def.TriggerConfig) != "" {
		if err := json.Unmarshal([]byte(def.TriggerConfig), &cw.TriggerConfig); err != nil {
			return nil, fmt.Errorf("invalid trigger config: %w", err)
		}
	}

	conditions, err := ParseConditionGroup(def.Conditions)
	if err != nil {
		return nil, err
	}
	cw.Conditions = conditions

	actions, err := ParseActions(def.Actions)
	if err != nil {
		return nil, err
	}
	cw.Actions = actions

	return cw, nil
}

// WorkflowDefinitionRequest 创建/更新工作流定义的请求
type WorkflowDefinitionRequest struct {
	Name             string          `json:"name" binding:"required"`
	Description      string          `json:"description"`
	TriggerType      string          `json:"trigger_type" binding:"required"`
	TriggerConfig    json.RawMessage `json:"trigger_config"`
	Conditions       *ConditionGroup `json:"conditions"`
	Actions          []Action        `json:"actions"`
	IsActive         *bool           `json:"is_active"`
	ExecutionOrder   int             `json:"execution_order"`
	StopOnFirstMatch bool            `json:"stop_on_first_match"`
}

func isSupportedTrigger(triggerType string) bool {
	switch triggerType {
	case models.TriggerTicketCreated, models.TriggerTicketStatusChanged,
		models.TriggerTicketAssigned, models.TriggerReplyAdded, models.TriggerSLABreach:
		return true
	default:
		return false
	}
}

// CreateDefinition validates, persists and reloads. Invalid configuration
// fails here, at write time, not at evaluation time.
func (r *WorkflowRegistry) CreateDefinition(ctx context.Context, req *WorkflowDefinitionRequest) (*models.WorkflowDefinition, error) {
	if req == nil {
		return nil, fmt.Errorf("request required")
	}
	def, err := r.definitionFromRequest(req)
	if err != nil {
		return nil, err
	}

	if err := r.db.WithContext(ctx).Create(def).Error; err != nil {
		return nil, fmt.Errorf("create workflow definition: %w", err)
	}
	if err := r.Reload(ctx); err != nil {
		r.logger.Errorf("reload after create: %v", err)
	}
	return def, nil
}

// UpdateDefinition replaces a stored definition wholesale and reloads.
func (r *WorkflowRegistry) UpdateDefinition(ctx context.Context, id uint, req *WorkflowDefinitionRequest) (*models.WorkflowDefinition, error) {
	var existing models.WorkflowDefinition
	if err := r.db.WithContext(ctx).First(&existing, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("workflow definition not found")
		}
		return nil, fmt.Errorf("find workflow definition: %w", err)
	}

	def, err := r.definitionFromRequest(req)
	if err != nil {
		return nil, err
	}
	def.ID = existing.ID
	def.CreatedAt = existing.CreatedAt

	if err := r.db.WithContext(ctx).Save(def).Error; err != nil {
		return nil, fmt.Errorf("update workflow definition: %w", err)
	}
	if err := r.Reload(ctx); err != nil {
		r.logger.Errorf("reload after update: %v", err)
	}
	return def, nil
}

// DeleteDefinition removes a definition and reloads.
func (r *WorkflowRegistry) DeleteDefinition(ctx context.Context, id uint) error {
	result := r.db.WithContext(ctx).Delete(&models.WorkflowDefinition{}, id)
	if result.Error != nil {
		return fmt.Errorf("delete workflow definition: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("workflow definition not found")
	}
	if err := r.Reload(ctx); err != nil {
		r.logger.Errorf("reload after delete: %v", err)
	}
	return nil
}

// ListDefinitions 返回全部定义（含未激活）
func (r *WorkflowRegistry) ListDefinitions(ctx context.Context) ([]models.WorkflowDefinition, error) {
	var defs []models.WorkflowDefinition
	if err := r.db.WithContext(ctx).Order("execution_order ASC, id ASC").Find(&defs).Error; err != nil {
		return nil, err
	}
	return defs, nil
}

func (r *WorkflowRegistry) definitionFromRequest(req *WorkflowDefinitionRequest) (*models.WorkflowDefinition, error) {
	if !isSupportedTrigger(req.TriggerType) {
		return nil, fmt.Errorf("unsupported trigger type: %s", req.TriggerType)
	}
	if len(req.Actions) == 0 {
		return nil, fmt.Errorf("at least one action required")
	}
	for i, act := range req.Actions {
		if act.ActionType == "" {
			return nil, fmt.Errorf("action %d: action_type required", i)
		}
		if act.DelaySeconds < 0 {
			return nil, fmt.Errorf("action %d: delay_seconds must be >= 0", i)
		}
	}

	triggerConfig := ""
	if len(req.TriggerConfig) > 0 {
		var m map[string]interface{}
		if err := json.Unmarshal(req.TriggerConfig, &m); err != nil {
			return nil, fmt.Errorf("invalid trigger config: %w", err)
		}
		triggerConfig = string(req.TriggerConfig)
	}

	conditions := ""
	if req.Conditions != nil {
		raw, err := json.Marshal(req.Conditions)
		if err != nil {
			return nil, fmt.Errorf("invalid conditions: %w", err)
		}
		conditions = string(raw)
	}

	actionsJSON, err := json.Marshal(req.Actions)
	if err != nil {
		return nil, fmt.Errorf("invalid actions: %w", err)
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	now := time.Now()
	return &models.WorkflowDefinition{
		Name:             req.Name,
		Description:      req.Description,
		TriggerType:      req.TriggerType,
		TriggerConfig:    triggerConfig,
		Conditions:       conditions,
		Actions:          string(actionsJSON),
		IsActive:         active,
		ExecutionOrder:   req.ExecutionOrder,
		StopOnFirstMatch: req.StopOnFirstMatch,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}
