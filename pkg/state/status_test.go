package state

import "testing"

// TestStateMachineTransitions walks the lifecycle: the happy path is
// permitted end to end, removed is terminal, and skipping states is
// rejected.
func TestStateMachineTransitions(t *testing.T) {
	happyPath := []ResourceState{
		StateUnknown, StateCreating, StateActive, StateUpdating,
		StateActive, StateMaintenance, StateActive, StateInactive,
		StateActive, StateDeleting, StateRemoved,
	}
	for i := 1; i < len(happyPath); i++ {
		from, to := happyPath[i-1], happyPath[i]
		if !from.CanTransitionTo(to) {
			t.Errorf("%s -> %s should be permitted", from, to)
		}
	}

	denied := []struct{ from, to ResourceState }{
		{StateUnknown, StateActive},
		{StateCreating, StateDeleting},
		{StateRemoved, StateActive},
		{StateRemoved, StateCreating},
		{StateMaintenance, StateDrifted},
		{StateDeleting, StateActive},
	}
	for _, d := range denied {
		if d.from.CanTransitionTo(d.to) {
			t.Errorf("%s -> %s should be rejected", d.from, d.to)
		}
	}
}

// TestErrorAndDriftReachableFromActive verifies the unplanned states
// hang off active and recover back to it.
func TestErrorAndDriftReachableFromActive(t *testing.T) {
	for _, target := range []ResourceState{StateError, StateDrifted} {
		if !StateActive.CanTransitionTo(target) {
			t.Errorf("active -> %s should be permitted", target)
		}
		if !target.CanTransitionTo(StateActive) {
			t.Errorf("%s -> active should be permitted", target)
		}
	}
}

// TestTypeValidation verifies the closed enums reject unknown members.
func TestTypeValidation(t *testing.T) {
	if err := ResourceTypeServer.Validate(); err != nil {
		t.Errorf("server should validate: %v", err)
	}
	if err := ResourceType("mainframe").Validate(); err == nil {
		t.Error("unknown resource type should be rejected")
	}
	if err := StateActive.Validate(); err != nil {
		t.Errorf("active should validate: %v", err)
	}
	if err := ResourceState("hibernating").Validate(); err == nil {
		t.Error("unknown state should be rejected")
	}
	if err := StrategyMergeProperties.Validate(); err != nil {
		t.Errorf("merge_properties should validate: %v", err)
	}
	if err := ConflictStrategy("coin_flip").Validate(); err == nil {
		t.Error("unknown strategy should be rejected")
	}
}

// TestSeverityOrdering verifies rank ordering and single-step
// escalation with critical as the ceiling.
func TestSeverityOrdering(t *testing.T) {
	ordered := []DriftSeverity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
	for i := 1; i < len(ordered); i++ {
		if ordered[i-1].Rank() >= ordered[i].Rank() {
			t.Errorf("%s should rank below %s", ordered[i-1], ordered[i])
		}
		if ordered[i-1].Escalate() != ordered[i] {
			t.Errorf("%s should escalate to %s", ordered[i-1], ordered[i])
		}
	}
	if SeverityCritical.Escalate() != SeverityCritical {
		t.Error("critical must stay critical")
	}
}

// TestEventTypeSeverity verifies drift and conflict events log as
// warnings while lifecycle events stay informational.
func TestEventTypeSeverity(t *testing.T) {
	if EventTypeDriftDetected.Severity() != "warning" {
		t.Error("drift_detected should be a warning")
	}
	if EventTypeConflictResolved.Severity() != "warning" {
		t.Error("conflict_resolved should be a warning")
	}
	if EventTypeCreated.Severity() != "info" {
		t.Error("created should be info")
	}
}

// TestResourceValidate verifies required fields.
func TestResourceValidate(t *testing.T) {
	valid := &Resource{ID: "res-1", Type: ResourceTypeServer, Name: "web-1"}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid resource rejected: %v", err)
	}
	for name, r := range map[string]*Resource{
		"missing id":   {Type: ResourceTypeServer, Name: "web-1"},
		"missing name": {ID: "res-1", Type: ResourceTypeServer},
		"bad type":     {ID: "res-1", Type: "mainframe", Name: "web-1"},
		"bad state":    {ID: "res-1", Type: ResourceTypeServer, Name: "web-1", State: "hibernating"},
	} {
		if err := r.Validate(); err == nil {
			t.Errorf("%s should be rejected", name)
		}
	}
}
