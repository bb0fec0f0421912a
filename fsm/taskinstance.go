package fsm

// TaskInstanceStatus is the persisted single-letter status code of one
// execution attempt of a task.
type TaskInstanceStatus string

const (
	InstanceQueued          TaskInstanceStatus = "Q"
	InstanceInstantiated    TaskInstanceStatus = "I"
	InstanceBatchSubmitted  TaskInstanceStatus = "B"
	InstanceLaunched        TaskInstanceStatus = "O"
	InstanceRunning         TaskInstanceStatus = "R"
	InstanceDone            TaskInstanceStatus = "D"
	InstanceError           TaskInstanceStatus = "E"
	InstanceResourceError   TaskInstanceStatus = "Z"
	InstanceUnknownError    TaskInstanceStatus = "U"
	InstanceKillSelf        TaskInstanceStatus = "K"
	InstanceErrorFatal      TaskInstanceStatus = "F"
	InstanceNoHeartbeat     TaskInstanceStatus = "X"
	InstanceNoDistributorID TaskInstanceStatus = "W"
)

// ValidInstanceTransitions defines which task-instance transitions are
// allowed. The worker's running report may overtake the distributor's batch
// bookkeeping, so instantiated and batch-submitted instances can jump straight
// to running, and launched instances may report a result without ever
// reporting running.
var ValidInstanceTransitions = map[TaskInstanceStatus][]TaskInstanceStatus{
	InstanceQueued:         {InstanceInstantiated, InstanceKillSelf, InstanceNoHeartbeat},
	InstanceInstantiated:   {InstanceBatchSubmitted, InstanceRunning, InstanceKillSelf, InstanceNoHeartbeat, InstanceNoDistributorID},
	InstanceBatchSubmitted: {InstanceLaunched, InstanceRunning, InstanceKillSelf, InstanceNoHeartbeat, InstanceNoDistributorID, InstanceUnknownError, InstanceResourceError},
	InstanceLaunched:       {InstanceRunning, InstanceDone, InstanceError, InstanceResourceError, InstanceUnknownError, InstanceKillSelf, InstanceNoHeartbeat},
	InstanceRunning:        {InstanceDone, InstanceError, InstanceResourceError, InstanceUnknownError, InstanceKillSelf, InstanceNoHeartbeat},
	InstanceKillSelf:       {InstanceErrorFatal, InstanceNoHeartbeat},
	// Terminal states: D, E, Z, U, F, X, W.
}

// CanTransitionTo checks if a transition to the target status is legal.
func (s TaskInstanceStatus) CanTransitionTo(target TaskInstanceStatus) bool {
	for _, valid := range ValidInstanceTransitions[s] {
		if valid == target {
			return true
		}
	}
	return false
}

// IsTerminal returns true once the instance can never change status again.
func (s TaskInstanceStatus) IsTerminal() bool {
	switch s {
	case InstanceDone, InstanceError, InstanceResourceError, InstanceUnknownError,
		InstanceErrorFatal, InstanceNoHeartbeat, InstanceNoDistributorID:
		return true
	}
	return false
}

// TriggersAggregation reports whether reaching the status must re-evaluate
// the parent task. Kill-self and fatal instances are excluded: the array kill
// sweep moves their task in the same transaction.
func (s TaskInstanceStatus) TriggersAggregation() bool {
	switch s {
	case InstanceRunning, InstanceDone, InstanceError, InstanceResourceError,
		InstanceUnknownError, InstanceNoHeartbeat, InstanceNoDistributorID:
		return true
	}
	return false
}

// AggregateTask decides the parent task's next status after one of its
// instances reached the given status. retriesLeft is true while
// num_attempts < max_attempts. A running instance simply pulls the task
// along. Resource errors route through the adjusting state so the
// distributor can rebind with scaled resources; every other recoverable
// error re-queues the task as bound.
func AggregateTask(instance TaskInstanceStatus, retriesLeft bool) (TaskStatus, bool) {
	switch instance {
	case InstanceRunning:
		return TaskRunning, true
	case InstanceDone:
		return TaskDone, true
	case InstanceResourceError:
		if retriesLeft {
			return TaskAdjusting, true
		}
		return TaskErrorFatal, true
	case InstanceError, InstanceUnknownError, InstanceNoHeartbeat, InstanceNoDistributorID:
		if retriesLeft {
			return TaskQueued, true
		}
		return TaskErrorFatal, true
	}
	return "", false
}

// Label returns the long form of the status code for logs and API payloads.
func (s TaskInstanceStatus) Label() string {
	switch s {
	case InstanceQueued:
		return "QUEUED"
	case InstanceInstantiated:
		return "INSTANTIATED"
	case InstanceBatchSubmitted:
		return "BATCH_SUBMITTED"
	case InstanceLaunched:
		return "LAUNCHED"
	case InstanceRunning:
		return "RUNNING"
	case InstanceDone:
		return "DONE"
	case InstanceError:
		return "ERROR"
	case InstanceResourceError:
		return "RESOURCE_ERROR"
	case InstanceUnknownError:
		return "UNKNOWN_ERROR"
	case InstanceKillSelf:
		return "KILL_SELF"
	case InstanceErrorFatal:
		return "ERROR_FATAL"
	case InstanceNoHeartbeat:
		return "NO_HEARTBEAT"
	case InstanceNoDistributorID:
		return "NO_DISTRIBUTOR_ID"
	}
	return "UNKNOWN"
}
