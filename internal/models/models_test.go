package models

import "testing"

func TestCanTransitionSession(t *testing.T) {
	cases := []struct {
		from, to SessionStatus
		want     bool
	}{
		{SessionCreating, SessionRunning, true},
		{SessionCreating, SessionFailed, true},
		{SessionCreating, SessionTerminated, false},
		{SessionRunning, SessionTerminated, true},
		{SessionRunning, SessionCompleted, true},
		{SessionRunning, SessionCreating, false},
		{SessionCompleted, SessionRunning, false},
		{SessionRunning, SessionRunning, true},
	}
	for _, c := range cases {
		if got := CanTransitionSession(c.from, c.to); got != c.want {
			t.Errorf("CanTransitionSession(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestCanTransitionExecution(t *testing.T) {
	cases := []struct {
		from, to ExecutionStatus
		want     bool
	}{
		{ExecutionPending, ExecutionRunning, true},
		{ExecutionRunning, ExecutionCompleted, true},
		{ExecutionRunning, ExecutionCrashed, true},
		{ExecutionCrashed, ExecutionPending, true},
		{ExecutionCompleted, ExecutionRunning, false},
		{ExecutionPending, ExecutionCompleted, false},
	}
	for _, c := range cases {
		if got := CanTransitionExecution(c.from, c.to); got != c.want {
			t.Errorf("CanTransitionExecution(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestSessionIsTerminal(t *testing.T) {
	for _, s := range []SessionStatus{SessionCompleted, SessionFailed, SessionTimeout, SessionTerminated} {
		sess := &Session{Status: s}
		if !sess.IsTerminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	for _, s := range []SessionStatus{SessionCreating, SessionRunning} {
		sess := &Session{Status: s}
		if sess.IsTerminal() {
			t.Errorf("expected %s to not be terminal", s)
		}
	}
}

func TestExecutionIsTerminal(t *testing.T) {
	exec := &Execution{Status: ExecutionCrashed}
	if exec.IsTerminal() {
		t.Error("CRASHED should not be terminal: it may retry to PENDING")
	}
	exec.Status = ExecutionCompleted
	if !exec.IsTerminal() {
		t.Error("COMPLETED should be terminal")
	}
}

func TestRuntimeNodeHasCapacity(t *testing.T) {
	n := &RuntimeNode{
		Status:            NodeOnline,
		TotalCPU:          4,
		TotalMemoryMB:     8192,
		AllocatedCPU:      2,
		AllocatedMemoryMB: 4096,
		RunningContainers: 2,
		MaxContainers:     10,
	}
	if !n.HasCapacity(1, 2048) {
		t.Error("expected capacity for a 1 CPU / 2GB request")
	}
	if n.HasCapacity(4, 1024) {
		t.Error("expected no capacity when CPU request exceeds remaining headroom")
	}

	n.Status = NodeDraining
	if n.HasCapacity(0.1, 1) {
		t.Error("a draining node must never report capacity")
	}

	n.Status = NodeOnline
	n.RunningContainers = n.MaxContainers
	if n.HasCapacity(0.1, 1) {
		t.Error("a node at its container cap must never report capacity")
	}
}

func TestRuntimeNodeUtilization(t *testing.T) {
	n := &RuntimeNode{TotalCPU: 0, TotalMemoryMB: 0}
	if u := n.Utilization(); u != 0 {
		t.Errorf("utilization on a zero-capacity node should be 0, got %v", u)
	}

	n = &RuntimeNode{TotalCPU: 4, AllocatedCPU: 2, TotalMemoryMB: 1000, AllocatedMemoryMB: 500}
	if u := n.Utilization(); u != 1.0 {
		t.Errorf("expected utilization 1.0 (0.5 cpu + 0.5 mem), got %v", u)
	}
}
