package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"opsdesk/internal/metrics"
	"opsdesk/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// WorkflowEngine consumes trigger events, matches them against the
// registry snapshot and drives sequential action execution per matched
// definition. Each matched instance runs in its own goroutine so a
// delayed action never stalls other instances or events.
type WorkflowEngine struct {
	db       *gorm.DB
	registry *WorkflowRegistry
	executor *ActionExecutor
	logger   *logrus.Logger
	tracer   trace.Tracer
	wg       sync.WaitGroup

	// lifeCtx bounds every in-flight instance; Shutdown cancels it so a
	// delayed action cannot hold up process exit.
	lifeCtx context.Context
	stop    context.CancelFunc
}

func NewWorkflowEngine(db *gorm.DB, registry *WorkflowRegistry, executor *ActionExecutor, logger *logrus.Logger) *WorkflowEngine {
	if logger == nil {
		logger = logrus.New()
	}
	lifeCtx, stop := context.WithCancel(context.Background())
	return &WorkflowEngine{
		db:       db,
		registry: registry,
		executor: executor,
		logger:   logger,
		tracer:   otel.Tracer("opsdesk.workflow"),
		lifeCtx:  lifeCtx,
		stop:     stop,
	}
}

// ProcessEvent matches the event against all active definitions in
// execution order and starts one instance per match. It returns the ids
// of the instances created plus any start failures; one broken
// definition never stops the rest, and execution itself is asynchronous.
func (e *WorkflowEngine) ProcessEvent(ctx context.Context, evt TriggerEvent) ([]uint, error) {
	ctx, span := e.tracer.Start(ctx, "workflow.process_event")
	defer span.End()

	span.SetAttributes(
		attribute.String("workflow.event.id", evt.EventID),
		attribute.String("workflow.event.trigger_type", evt.TriggerType),
	)

	var (
		instanceIDs []uint
		errs        []error
	)
	for _, cw := range e.registry.Snapshot() {
		if cw.Definition.TriggerType != evt.TriggerType {
			continue
		}
		if !matchesTriggerConfig(evt.TriggerType, cw.TriggerConfig, evt.Payload) {
			continue
		}
		if !EvaluateGroup(cw.Conditions, evt.Payload) {
			continue
		}

		instance, err := e.startInstance(ctx, cw, evt)
		if err != nil {
			e.logger.Errorf("workflow %q: start instance failed: %v", cw.Definition.Name, err)
			errs = append(errs, fmt.Errorf("workflow %q: %w", cw.Definition.Name, err))
			continue
		}
		instanceIDs = append(instanceIDs, instance.ID)
		metrics.IncWorkflowRun(evt.TriggerType)

		if cw.Definition.StopOnFirstMatch {
			e.logger.Debugf("workflow %q: stop_on_first_match, skipping remaining definitions", cw.Definition.Name)
			break
		}
	}

	span.SetAttributes(attribute.Int("workflow.instances.created", len(instanceIDs)))
	return instanceIDs, errors.Join(errs...)
}

// Wait blocks until all in-flight instances finish.
func (e *WorkflowEngine) Wait() {
	e.wg.Wait()
}

// Shutdown cancels every in-flight instance and waits for them to
// persist their final state. Instances parked in an action delay wake
// immediately and finish as cancelled with their log intact.
func (e *WorkflowEngine) Shutdown() {
	e.stop()
	e.wg.Wait()
}

func (e *WorkflowEngine) startInstance(ctx context.Context, cw *CompiledWorkflow, evt TriggerEvent) (*models.WorkflowInstance, error) {
	now := time.Now()
	instance := &models.WorkflowInstance{
		WorkflowID:     cw.Definition.ID,
		TriggerEventID: evt.EventID,
		Status:         models.InstanceRunning,
		StartedAt:      now,
		TotalActions:   len(cw.Actions),
		ExecutionLog:   "[]",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.db.WithContext(ctx).Create(instance).Error; err != nil {
		return nil, fmt.Errorf("create instance: %w", err)
	}

	e.logger.Infof("workflow %q matched event %s, instance %d (%d actions)",
		cw.Definition.Name, evt.EventID, instance.ID, len(cw.Actions))

	// detach from the caller's request context but stay bound to the
	// engine lifecycle, so Shutdown cancels runCtx
	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	unlink := context.AfterFunc(e.lifeCtx, cancelRun)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer unlink()
		defer cancelRun()
		e.runInstance(runCtx, cw, instance, evt)
	}()

	return instance, nil
}

// runInstance executes the action list strictly in order. Failures with
// stop_on_failure mark the instance failed and halt; other failures are
// logged and execution continues. The per-action execution log is
// append-only and survives early termination.
func (e *WorkflowEngine) runInstance(ctx context.Context, cw *CompiledWorkflow, instance *models.WorkflowInstance, evt TriggerEvent) {
	ctx, span := e.tracer.Start(ctx, "workflow.run_instance")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("workflow.instance.id", int64(instance.ID)),
		attribute.String("workflow.definition.name", cw.Definition.Name),
	)

	ec := ExecutionContext{Event: evt, TicketID: payloadTicketID(evt.Payload)}
	var log []models.ActionLogEntry

	for i, act := range cw.Actions {
		if act.DelaySeconds > 0 {
			timer := time.NewTimer(time.Duration(act.DelaySeconds) * time.Second)
			select {
			case <-ctx.Done():
				timer.Stop()
				e.finishInstance(instance, log, models.InstanceCancelled,
					fmt.Sprintf("cancelled while waiting before action %d", i+1))
				return
			case <-timer.C:
			}
		}

		err := e.executor.Execute(ctx, act, ec)
		entry := models.ActionLogEntry{
			Index:      i,
			Name:       act.Name,
			ActionType: act.ActionType,
			Status:     "success",
			ExecutedAt: time.Now(),
		}
		if err != nil {
			entry.Status = "failed"
			entry.Error = err.Error()
		}
		log = append(log, entry)
		instance.ActionsCompleted = i + 1
		e.persistProgress(instance, log)

		if err != nil {
			e.logger.Warnf("workflow %q action %q failed: %v", cw.Definition.Name, act.Name, err)
			if act.StopOnFailure {
				e.finishInstance(instance, log, models.InstanceFailed,
					fmt.Sprintf("action %q failed: %v", act.Name, err))
				metrics.IncWorkflowFailed()
				span.SetAttributes(attribute.String("workflow.instance.status", models.InstanceFailed))
				return
			}
		}
	}

	e.finishInstance(instance, log, models.InstanceCompleted, "")
	metrics.IncWorkflowCompleted()
	span.SetAttributes(attribute.String("workflow.instance.status", models.InstanceCompleted))
}

func (e *WorkflowEngine) persistProgress(instance *models.WorkflowInstance, log []models.ActionLogEntry) {
	raw, err := json.Marshal(log)
	if err != nil {
		e.logger.Errorf("marshal execution log: %v", err)
		raw = []byte("[]")
	}
	if err := e.db.Model(&models.WorkflowInstance{}).
		Where("id = ?", instance.ID).
		Updates(map[string]interface{}{
			"actions_completed": instance.ActionsCompleted,
			"execution_log":     string(raw),
			"updated_at":        time.Now(),
		}).Error; err != nil {
		e.logger.Errorf("persist instance %d progress: %v", instance.ID, err)
	}
}

func (e *WorkflowEngine) finishInstance(instance *models.WorkflowInstance, log []models.ActionLogEntry, status, errMsg string) {
	raw, err := json.Marshal(log)
	if err != nil {
		raw = []byte("[]")
	}
	now := time.Now()
	if err := e.db.Model(&models.WorkflowInstance{}).
		Where("id = ?", instance.ID).
		Updates(map[string]interface{}{
			"status":            status,
			"completed_at":      now,
			"actions_completed": instance.ActionsCompleted,
			"execution_log":     string(raw),
			"error_message":     errMsg,
			"updated_at":        now,
		}).Error; err != nil {
		e.logger.Errorf("finish instance %d: %v", instance.ID, err)
	}
}

// matchesTriggerConfig is the cheap trigger-type-specific pre-filter that
// runs before the general condition tree.
func matchesTriggerConfig(triggerType string, cfg, payload map[string]interface{}) bool {
	if len(cfg) == 0 {
		return true
	}

	var keys []string
	switch triggerType {
	case models.TriggerTicketCreated:
		keys = []string{"priority", "client_id", "category", "source"}
	case models.TriggerTicketStatusChanged:
		keys = []string{"to_status", "from_status", "priority"}
	case models.TriggerTicketAssigned:
		keys = []string{"assigned_to", "priority"}
	case models.TriggerReplyAdded:
		keys = []string{"comment_type", "priority"}
	case models.TriggerSLABreach:
		keys = []string{"breach_type", "priority"}
	default:
		for k := range cfg {
			keys = append(keys, k)
		}
	}

	for _, key := range keys {
		want, ok := cfg[key]
		if !ok {
			continue
		}
		got, present := payload[key]
		if !present {
			return false
		}
		if !strings.EqualFold(fmt.Sprintf("%v", want), fmt.Sprintf("%v", got)) {
			return false
		}
	}
	return true
}

// payloadTicketID tolerates the numeric types a payload may carry.
func payloadTicketID(payload map[string]interface{}) uint {
	switch v := payload["ticket_id"].(type) {
	case uint:
		return v
	case int:
		if v > 0 {
			return uint(v)
		}
	case int64:
		if v > 0 {
			return uint(v)
		}
	case float64:
		if v > 0 {
			return uint(v)
		}
	}
	return 0
}
