// Package fsm defines the state spaces of the jobmon entities and the legal
// transitions between states. It is pure bookkeeping: nothing in this package
// touches the database. The engine package applies these rules inside
// transactions; everything else treats the tables here as the single source
// of truth for what a status value may become next.
package fsm

// TaskStatus is the persisted single-letter status code of a task.
type TaskStatus string

const (
	TaskRegistering   TaskStatus = "G"
	TaskQueued        TaskStatus = "Q"
	TaskInstantiating TaskStatus = "I"
	TaskLaunched      TaskStatus = "O"
	TaskRunning       TaskStatus = "R"
	TaskAdjusting     TaskStatus = "A"
	TaskDone          TaskStatus = "D"
	TaskErrorFatal    TaskStatus = "F"
	TaskHalted        TaskStatus = "H"
)

// ValidTaskTransitions defines which task transitions are allowed through the
// regular transition path. The resume reset is the one privileged exception:
// it regresses any non-Done task back to Registering without consulting this
// table. Instantiating and launched tasks may re-queue or adjust directly
// because an instance can fail at submission or before its running report
// arrives.
var ValidTaskTransitions = map[TaskStatus][]TaskStatus{
	TaskRegistering:   {TaskQueued, TaskHalted},
	TaskQueued:        {TaskInstantiating, TaskErrorFatal, TaskHalted},
	TaskInstantiating: {TaskLaunched, TaskQueued, TaskErrorFatal, TaskHalted},
	TaskLaunched:      {TaskRunning, TaskDone, TaskQueued, TaskAdjusting, TaskErrorFatal, TaskHalted},
	TaskRunning:       {TaskDone, TaskQueued, TaskAdjusting, TaskErrorFatal, TaskHalted},
	TaskAdjusting:     {TaskQueued, TaskHalted},
	// Terminal states: done, error-fatal, halted (resume is the only way out).
}

// CanTransitionTo checks if a transition to the target status is legal.
func (s TaskStatus) CanTransitionTo(target TaskStatus) bool {
	for _, valid := range ValidTaskTransitions[s] {
		if valid == target {
			return true
		}
	}
	return false
}

// IsTerminal returns true if no regular transition leads out of the status.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskDone || s == TaskErrorFatal || s == TaskHalted
}

// Active reports whether the task currently owns cluster-side activity.
func (s TaskStatus) Active() bool {
	return s == TaskInstantiating || s == TaskLaunched || s == TaskRunning
}

// Label returns the long form of the status code for logs and API payloads.
func (s TaskStatus) Label() string {
	switch s {
	case TaskRegistering:
		return "REGISTERING"
	case TaskQueued:
		return "QUEUED"
	case TaskInstantiating:
		return "INSTANTIATING"
	case TaskLaunched:
		return "LAUNCHED"
	case TaskRunning:
		return "RUNNING"
	case TaskAdjusting:
		return "ADJUSTING_RESOURCES"
	case TaskDone:
		return "DONE"
	case TaskErrorFatal:
		return "ERROR_FATAL"
	case TaskHalted:
		return "HALTED"
	}
	return "UNKNOWN"
}
