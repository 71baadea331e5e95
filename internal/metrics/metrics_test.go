package metrics

import "testing"

func TestWorkflowCounters(t *testing.T) {
	runs0, completed0, failed0, byTrigger0 := WorkflowSnapshot()

	IncWorkflowRun("ticket_created")
	IncWorkflowRun("ticket_created")
	IncWorkflowRun("")
	IncWorkflowCompleted()
	IncWorkflowFailed()

	runs, completed, failed, byTrigger := WorkflowSnapshot()
	if runs-runs0 != 3 {
		t.Errorf("runs delta = %d, want 3", runs-runs0)
	}
	if completed-completed0 != 1 {
		t.Errorf("completed delta = %d, want 1", completed-completed0)
	}
	if failed-failed0 != 1 {
		t.Errorf("failed delta = %d, want 1", failed-failed0)
	}
	if byTrigger["ticket_created"]-byTrigger0["ticket_created"] != 2 {
		t.Errorf("ticket_created delta = %d, want 2", byTrigger["ticket_created"]-byTrigger0["ticket_created"])
	}
	// 空触发器类型归入 unknown
	if byTrigger["unknown"]-byTrigger0["unknown"] != 1 {
		t.Errorf("unknown delta = %d, want 1", byTrigger["unknown"]-byTrigger0["unknown"])
	}

	// 快照是副本，修改不影响内部状态
	byTrigger["ticket_created"] = 999
	_, _, _, fresh := WorkflowSnapshot()
	if fresh["ticket_created"] == 999 {
		t.Error("snapshot map should be a copy")
	}
}

func TestSLACounters(t *testing.T) {
	ticks0, breaches0, escalations0, notifications0 := SLASnapshot()

	AddSLACheck(2, 1, 3)
	AddSLACheck(0, 0, 0)

	ticks, breaches, escalations, notifications := SLASnapshot()
	if ticks-ticks0 != 2 {
		t.Errorf("ticks delta = %d, want 2", ticks-ticks0)
	}
	if breaches-breaches0 != 2 {
		t.Errorf("breaches delta = %d, want 2", breaches-breaches0)
	}
	if escalations-escalations0 != 1 {
		t.Errorf("escalations delta = %d, want 1", escalations-escalations0)
	}
	if notifications-notifications0 != 3 {
		t.Errorf("notifications delta = %d, want 3", notifications-notifications0)
	}
}
