package fsm

// WorkflowRunStatus is the persisted single-letter status code of a workflow
// run. Exactly one run per workflow may be in a live status at any time; the
// heartbeat columns on the run are what the reaper watches.
type WorkflowRunStatus string

const (
	RunRegistering   WorkflowRunStatus = "G"
	RunBound         WorkflowRunStatus = "B"
	RunInstantiating WorkflowRunStatus = "I"
	RunLaunched      WorkflowRunStatus = "O"
	RunRunning       WorkflowRunStatus = "R"
	RunHotResume     WorkflowRunStatus = "H"
	RunDone          WorkflowRunStatus = "D"
	RunStopped       WorkflowRunStatus = "S"
	RunCold          WorkflowRunStatus = "C"
	RunError         WorkflowRunStatus = "E"
	RunTerminated    WorkflowRunStatus = "T"
)

// ValidRunTransitions defines which workflow-run transitions are allowed.
// HotResume is the wind-down state a client puts the live run into before a
// successor run takes over; the reaper or the resume itself terminalizes it.
var ValidRunTransitions = map[WorkflowRunStatus][]WorkflowRunStatus{
	RunRegistering:   {RunBound, RunCold, RunError, RunTerminated},
	RunBound:         {RunInstantiating, RunHotResume, RunStopped, RunCold, RunError, RunTerminated},
	RunInstantiating: {RunLaunched, RunHotResume, RunStopped, RunCold, RunError, RunTerminated},
	RunLaunched:      {RunRunning, RunHotResume, RunStopped, RunCold, RunError, RunTerminated},
	RunRunning:       {RunDone, RunHotResume, RunStopped, RunCold, RunError, RunTerminated},
	RunHotResume:     {RunStopped, RunCold, RunError, RunTerminated},
	// Terminal states: D, S, C, E, T.
}

// CanTransitionTo checks if a transition to the target status is legal.
func (s WorkflowRunStatus) CanTransitionTo(target WorkflowRunStatus) bool {
	for _, valid := range ValidRunTransitions[s] {
		if valid == target {
			return true
		}
	}
	return false
}

// IsTerminal returns true once the run can never change status again.
func (s WorkflowRunStatus) IsTerminal() bool {
	switch s {
	case RunDone, RunStopped, RunCold, RunError, RunTerminated:
		return true
	}
	return false
}

// Live reports whether the run still owns its workflow. Live runs are the
// ones whose heartbeats matter and the ones a resume has to displace.
func (s WorkflowRunStatus) Live() bool {
	return !s.IsTerminal()
}

// WorkflowStatusFor maps a run status onto the status its workflow should
// carry while this run drives it.
func (s WorkflowRunStatus) WorkflowStatusFor() (WorkflowStatus, bool) {
	switch s {
	case RunBound:
		return WorkflowQueued, true
	case RunInstantiating:
		return WorkflowInstantiating, true
	case RunLaunched:
		return WorkflowLaunched, true
	case RunRunning:
		return WorkflowRunning, true
	case RunDone:
		return WorkflowDone, true
	case RunError:
		return WorkflowFailed, true
	case RunStopped, RunCold, RunHotResume:
		return WorkflowHalted, true
	}
	return "", false
}

// Label returns the long form of the status code for logs and API payloads.
func (s WorkflowRunStatus) Label() string {
	switch s {
	case RunRegistering:
		return "REGISTERING"
	case RunBound:
		return "BOUND"
	case RunInstantiating:
		return "INSTANTIATING"
	case RunLaunched:
		return "LAUNCHED"
	case RunRunning:
		return "RUNNING"
	case RunHotResume:
		return "HOT_RESUME"
	case RunDone:
		return "DONE"
	case RunStopped:
		return "STOPPED"
	case RunCold:
		return "COLD_RESUME"
	case RunError:
		return "ERROR"
	case RunTerminated:
		return "TERMINATED"
	}
	return "UNKNOWN"
}
