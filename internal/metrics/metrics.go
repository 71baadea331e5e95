package metrics

import (
	"sync"
	"sync/atomic"
)

// workflowStats holds counters for workflow instance runs.
// Kept simple/thread-safe for use from the engine and exposition.
type workflowStats struct {
	runs      uint64
	completed uint64
	failed    uint64
	mu        sync.Mutex
	byTrigger map[string]uint64
}

var wf workflowStats

// IncWorkflowRun increments run counters for the given trigger type.
func IncWorkflowRun(triggerType string) {
	if triggerType == "" {
		triggerType = "unknown"
	}
	atomic.AddUint64(&wf.runs, 1)
	wf.mu.Lock()
	if wf.byTrigger == nil {
		wf.byTrigger = make(map[string]uint64)
	}
	wf.byTrigger[triggerType]++
	wf.mu.Unlock()
}

func IncWorkflowCompleted() { atomic.AddUint64(&wf.completed, 1) }
func IncWorkflowFailed()    { atomic.AddUint64(&wf.failed, 1) }

// WorkflowSnapshot returns a copy of the current counters.
func WorkflowSnapshot() (runs, completed, failed uint64, byTrigger map[string]uint64) {
	runs = atomic.LoadUint64(&wf.runs)
	completed = atomic.LoadUint64(&wf.completed)
	failed = atomic.LoadUint64(&wf.failed)
	wf.mu.Lock()
	defer wf.mu.Unlock()
	byTrigger = make(map[string]uint64, len(wf.byTrigger))
	for k, v := range wf.byTrigger {
		byTrigger[k] = v
	}
	return runs, completed, failed, byTrigger
}

// slaStats aggregates checker tick outcomes.
type slaStats struct {
	ticks         uint64
	breaches      uint64
	escalations   uint64
	notifications uint64
}

var sla slaStats

// AddSLACheck records one checker tick's aggregate result.
func AddSLACheck(breaches, escalations, notifications int) {
	atomic.AddUint64(&sla.ticks, 1)
	atomic.AddUint64(&sla.breaches, uint64(breaches))
	atomic.AddUint64(&sla.escalations, uint64(escalations))
	atomic.AddUint64(&sla.notifications, uint64(notifications))
}

// SLASnapshot returns the accumulated checker counters.
func SLASnapshot() (ticks, breaches, escalations, notifications uint64) {
	return atomic.LoadUint64(&sla.ticks),
		atomic.LoadUint64(&sla.breaches),
		atomic.LoadUint64(&sla.escalations),
		atomic.LoadUint64(&sla.notifications)
}
