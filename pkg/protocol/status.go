package protocol

// QuestStatus is the lifecycle state of a quest.
type QuestStatus string

// Quest status constants.
const (
	QuestPending   QuestStatus = "pending"
	QuestActive    QuestStatus = "active"
	QuestCompleted QuestStatus = "completed"
	QuestFailed    QuestStatus = "failed"
	QuestCancelled QuestStatus = "cancelled"
)

// Valid reports whether s is a known quest status.
func (s QuestStatus) Valid() bool {
	switch s {
	case QuestPending, QuestActive, QuestCompleted, QuestFailed, QuestCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further recomputation applies.
func (s QuestStatus) Terminal() bool {
	return s == QuestCompleted || s == QuestFailed || s == QuestCancelled
}

// JobStatus is the lifecycle state of a job.
type JobStatus string

// Job status constants.
const (
	JobPending  JobStatus = "pending"
	JobAssigned JobStatus = "assigned"
	JobRunning  JobStatus = "running"
	JobDone     JobStatus = "done"
	JobFailed   JobStatus = "failed"
	JobBlocked  JobStatus = "blocked" // a dependency failed
)

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobAssigned, JobRunning, JobDone, JobFailed, JobBlocked:
		return true
	default:
		return false
	}
}

// Terminal reports whether the job has a final outcome.
func (s JobStatus) Terminal() bool {
	return s == JobDone || s == JobFailed
}

// InFlight reports whether the job is waiting for or held by a bee.
func (s JobStatus) InFlight() bool {
	return s == JobPending || s == JobAssigned || s == JobRunning
}

// BeeStatus is the state of a bee's lifecycle state machine.
type BeeStatus string

// Bee status constants.
const (
	BeeStarting BeeStatus = "starting"
	BeeIdle     BeeStatus = "idle"
	BeeWorking  BeeStatus = "working"
	BeePaused   BeeStatus = "paused"
	BeeStopped  BeeStatus = "stopped"
	BeeCrashed  BeeStatus = "crashed"
)

// Valid reports whether s is a known bee status.
func (s BeeStatus) Valid() bool {
	switch s {
	case BeeStarting, BeeIdle, BeeWorking, BeePaused, BeeStopped, BeeCrashed:
		return true
	default:
		return false
	}
}

// Live reports whether a bee in this state may still own a running agent.
func (s BeeStatus) Live() bool {
	return s == BeeStarting || s == BeeWorking
}

// beeTransitions lists every allowed edge except the universal "-> stopped".
var beeTransitions = map[BeeStatus][]BeeStatus{ //nolint:gochecknoglobals // immutable table
	BeeStarting: {BeeWorking, BeeCrashed},
	BeeWorking:  {BeeIdle, BeeCrashed, BeePaused},
	BeePaused:   {BeeStarting},
}

// CanTransition reports whether the bee state machine allows s -> to.
// Every state except stopped may move to stopped.
func (s BeeStatus) CanTransition(to BeeStatus) bool {
	if to == BeeStopped {
		return s != BeeStopped
	}
	for _, next := range beeTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// CellStatus is the lifecycle state of a worktree.
type CellStatus string

// Cell status constants.
const (
	CellActive  CellStatus = "active"
	CellMerged  CellStatus = "merged"
	CellRemoved CellStatus = "removed"
)

// Valid reports whether s is a known cell status.
func (s CellStatus) Valid() bool {
	switch s {
	case CellActive, CellMerged, CellRemoved:
		return true
	default:
		return false
	}
}

// Outcome is the result a bee reports for its job.
type Outcome string

// Outcome constants.
const (
	OutcomeDone   Outcome = "done"
	OutcomeFailed Outcome = "failed"
)

// JobStatus maps an outcome to the terminal job status it produces.
func (o Outcome) JobStatus() JobStatus {
	if o == OutcomeDone {
		return JobDone
	}
	return JobFailed
}
