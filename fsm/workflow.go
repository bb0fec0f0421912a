package fsm

// WorkflowStatus is the persisted single-letter status code of a workflow.
// A workflow's status mirrors the status of the run currently driving it.
type WorkflowStatus string

const (
	WorkflowRegistering   WorkflowStatus = "G"
	WorkflowQueued        WorkflowStatus = "Q"
	WorkflowInstantiating WorkflowStatus = "I"
	WorkflowLaunched      WorkflowStatus = "O"
	WorkflowRunning       WorkflowStatus = "R"
	WorkflowDone          WorkflowStatus = "D"
	WorkflowFailed        WorkflowStatus = "F"
	WorkflowHalted        WorkflowStatus = "H"
	WorkflowAborted       WorkflowStatus = "A"
)

// ValidWorkflowTransitions defines which workflow transitions are allowed.
// Done and Aborted are terminal; Failed and Halted workflows can be resumed,
// which re-queues them under a fresh workflow run.
var ValidWorkflowTransitions = map[WorkflowStatus][]WorkflowStatus{
	WorkflowRegistering:   {WorkflowQueued, WorkflowAborted, WorkflowHalted},
	WorkflowQueued:        {WorkflowInstantiating, WorkflowHalted, WorkflowFailed},
	WorkflowInstantiating: {WorkflowLaunched, WorkflowHalted, WorkflowFailed},
	WorkflowLaunched:      {WorkflowRunning, WorkflowHalted, WorkflowFailed},
	WorkflowRunning:       {WorkflowDone, WorkflowFailed, WorkflowHalted},
	WorkflowHalted:        {WorkflowQueued},
	WorkflowFailed:        {WorkflowQueued},
}

// CanTransitionTo checks if a transition to the target status is legal.
func (s WorkflowStatus) CanTransitionTo(target WorkflowStatus) bool {
	for _, valid := range ValidWorkflowTransitions[s] {
		if valid == target {
			return true
		}
	}
	return false
}

// IsTerminal returns true if the workflow can never run again.
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowDone || s == WorkflowAborted
}

// Resumable reports whether a new workflow run may take over the workflow.
func (s WorkflowStatus) Resumable() bool {
	return s == WorkflowFailed || s == WorkflowHalted
}

// Label returns the long form of the status code for logs and API payloads.
func (s WorkflowStatus) Label() string {
	switch s {
	case WorkflowRegistering:
		return "REGISTERING"
	case WorkflowQueued:
		return "QUEUED"
	case WorkflowInstantiating:
		return "INSTANTIATING"
	case WorkflowLaunched:
		return "LAUNCHED"
	case WorkflowRunning:
		return "RUNNING"
	case WorkflowDone:
		return "DONE"
	case WorkflowFailed:
		return "FAILED"
	case WorkflowHalted:
		return "HALTED"
	case WorkflowAborted:
		return "ABORTED"
	}
	return "UNKNOWN"
}
