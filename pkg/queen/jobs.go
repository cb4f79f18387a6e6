package queen

import (
	"context"
	"errors"
	"fmt"

	"hive/pkg/protocol"
	"hive/pkg/store"
)

// JobSpec describes a job to create.
type JobSpec struct {
	Title       string
	Description string
	QuestID     string
	CombID      string
	DependsOn   []string
}

// CreateQuest records a pending quest. combID may be empty.
func (q *Queen) CreateQuest(ctx context.Context, name, combID string) (protocol.Quest, error) {
	var out protocol.Quest
	err := q.do(ctx, func(ctx context.Context) error {
		var err error
		out, err = q.st.CreateQuest(ctx, name, combID)
		return err
	})
	return out, err
}

// CreateJob records a pending job and its dependency edges. Dependencies
// must exist in the same comb and must not close a cycle.
func (q *Queen) CreateJob(ctx context.Context, spec JobSpec) (protocol.Job, error) {
	var out protocol.Job
	err := q.do(ctx, func(ctx context.Context) error {
		var err error
		out, err = q.createJob(ctx, spec)
		return err
	})
	return out, err
}

func (q *Queen) createJob(ctx context.Context, spec JobSpec) (protocol.Job, error) {
	id := protocol.NewID(protocol.PrefixJob)
	if len(spec.DependsOn) > 0 {
		graph, err := q.st.DependencyGraph(ctx, spec.CombID)
		if err != nil {
			return protocol.Job{}, err
		}
		graph[id] = spec.DependsOn
		if dep, ok := findCycle(graph, id); ok {
			return protocol.Job{}, &protocol.InvalidDependencyError{JobID: id, DependsOn: dep, Reason: "cycle"}
		}
	}
	job, err := q.st.CreateJob(ctx, protocol.Job{
		ID:          id,
		Title:       spec.Title,
		Description: spec.Description,
		QuestID:     spec.QuestID,
		CombID:      spec.CombID,
		DependsOn:   spec.DependsOn,
	})
	if err != nil {
		return protocol.Job{}, err
	}
	q.log.Info("job created", "job_id", job.ID, "quest_id", job.QuestID, "depends_on", len(job.DependsOn))
	return job, nil
}

// findCycle walks the graph from start and reports the first direct
// dependency of start that leads back to it.
func findCycle(graph map[string][]string, start string) (string, bool) {
	visited := make(map[string]bool)
	var reaches func(n string) bool
	reaches = func(n string) bool {
		if n == start {
			return true
		}
		if visited[n] {
			return false
		}
		visited[n] = true
		for _, next := range graph[n] {
			if reaches(next) {
				return true
			}
		}
		return false
	}
	for _, dep := range graph[start] {
		if reaches(dep) {
			return dep, true
		}
	}
	return "", false
}

// AssignJob creates a bee for a pending job whose dependencies are all done
// and launches it in the job's comb. The quest becomes active.
func (q *Queen) AssignJob(ctx context.Context, jobID string) (string, error) {
	var beeID string
	err := q.do(ctx, func(ctx context.Context) error {
		var err error
		beeID, err = q.assignJob(ctx, jobID)
		return err
	})
	return beeID, err
}

func (q *Queen) assignJob(ctx context.Context, jobID string) (string, error) {
	if q.sup == nil {
		return "", ErrNoSupervisor
	}
	job, err := q.st.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	switch job.Status {
	case protocol.JobPending:
	case protocol.JobBlocked:
		return "", fmt.Errorf("job %s: %w", jobID, protocol.ErrBlocked)
	default:
		return "", fmt.Errorf("job %s is %s: %w", jobID, job.Status, protocol.ErrAlreadyAssigned)
	}
	for _, dep := range job.DependsOn {
		d, err := q.st.GetJob(ctx, dep)
		if err != nil {
			return "", err
		}
		if d.Status != protocol.JobDone {
			return "", fmt.Errorf("job %s waits on %s (%s): %w", jobID, dep, d.Status, protocol.ErrBlocked)
		}
	}

	rec, err := q.st.CreateBee(ctx, job.CombID, job.ID)
	if err != nil {
		return "", err
	}
	if err := q.st.AssignJob(ctx, job.ID, rec.ID); err != nil {
		q.discardBee(ctx, rec, "assignment failed")
		return "", err
	}
	quest, err := q.st.GetQuest(ctx, job.QuestID)
	if err == nil && quest.Status != protocol.QuestActive && quest.Status != protocol.QuestCancelled {
		if err := q.st.SetQuestStatus(ctx, quest.ID, protocol.QuestActive); err != nil {
			q.log.Warn("activate quest failed", "quest_id", quest.ID, "error", err)
		}
	}
	if err := q.sup.Launch(rec); err != nil {
		if uerr := q.st.UnassignJob(ctx, job.ID); uerr != nil {
			q.log.Warn("unassign job failed", "job_id", job.ID, "error", uerr)
		}
		q.discardBee(ctx, rec, "launch failed")
		return "", fmt.Errorf("launch bee for %s: %w", job.ID, err)
	}
	q.log.Info("job assigned", "job_id", job.ID, "bee_id", rec.ID, "comb_id", job.CombID)
	return rec.ID, nil
}

// discardBee stops a bee that never ran.
func (q *Queen) discardBee(ctx context.Context, rec protocol.Bee, reason string) {
	if _, err := q.st.TransitionBee(ctx, rec.ID, protocol.BeeStopped); err != nil {
		q.log.Warn("discard bee failed", "bee_id", rec.ID, "error", err)
		return
	}
	q.announce(ctx, rec, protocol.BeeStopped, reason)
}

// AssignNext assigns the oldest pending job in the comb whose dependencies
// are done. It returns ErrNoReadyJob when there is none.
func (q *Queen) AssignNext(ctx context.Context, combID string) (string, error) {
	var beeID string
	err := q.do(ctx, func(ctx context.Context) error {
		var err error
		beeID, err = q.assignNext(ctx, combID)
		return err
	})
	return beeID, err
}

func (q *Queen) assignNext(ctx context.Context, combID string) (string, error) {
	jobs, err := q.st.ListJobs(ctx, store.JobFilter{CombID: combID})
	if err != nil {
		return "", err
	}
	status := make(map[string]protocol.JobStatus, len(jobs))
	for _, j := range jobs {
		status[j.ID] = j.Status
	}
	for _, j := range jobs {
		if j.Status != protocol.JobPending || !depsDone(j, status) {
			continue
		}
		return q.assignJob(ctx, j.ID)
	}
	return "", ErrNoReadyJob
}

func depsDone(j protocol.Job, status map[string]protocol.JobStatus) bool {
	for _, dep := range j.DependsOn {
		if status[dep] != protocol.JobDone {
			return false
		}
	}
	return true
}

// autoAssign fills the comb up to the configured bee cap.
func (q *Queen) autoAssign(ctx context.Context, combID string) {
	if q.cfg.MaxBeesPerComb <= 0 || q.sup == nil || combID == "" {
		return
	}
	for q.sup.CombActive(combID) < q.cfg.MaxBeesPerComb {
		beeID, err := q.assignNext(ctx, combID)
		if errors.Is(err, ErrNoReadyJob) {
			return
		}
		if err != nil {
			q.log.Warn("auto-assign failed", "comb_id", combID, "error", err)
			return
		}
		q.log.Debug("auto-assigned", "comb_id", combID, "bee_id", beeID)
	}
}

func (q *Queen) autoAssignAll(ctx context.Context) {
	if q.cfg.MaxBeesPerComb <= 0 || q.sup == nil {
		return
	}
	combs, err := q.st.ListCombs(ctx)
	if err != nil {
		q.log.Warn("list combs failed", "error", err)
		return
	}
	for _, c := range combs {
		q.autoAssign(ctx, c.ID)
	}
}

// HandleCompletion records a job outcome. Completing an already finished
// job is a no-op. A failure blocks every pending job that transitively
// depends on it. The job's quest is then recomputed.
func (q *Queen) HandleCompletion(ctx context.Context, jobID string, outcome protocol.Outcome, reason string) error {
	return q.do(ctx, func(ctx context.Context) error {
		return q.handleCompletion(ctx, jobID, outcome, reason)
	})
}

func (q *Queen) handleCompletion(ctx context.Context, jobID string, outcome protocol.Outcome, reason string) error {
	if outcome != protocol.OutcomeDone && outcome != protocol.OutcomeFailed {
		return &protocol.FieldError{Field: "outcome", Value: string(outcome)}
	}
	job, err := q.st.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	changed, err := q.st.FinishJob(ctx, jobID, outcome.JobStatus(), reason)
	if err != nil {
		return err
	}
	if !changed {
		q.log.Debug("completion for finished job ignored", "job_id", jobID, "status", job.Status)
		return nil
	}
	q.m.JobFinished(outcome)
	q.log.Info("job finished", "job_id", jobID, "outcome", outcome, "reason", reason)

	if outcome == protocol.OutcomeFailed {
		if err := q.blockDependents(ctx, job); err != nil {
			return err
		}
	}
	return q.recomputeQuest(ctx, job.QuestID)
}

// blockDependents marks pending jobs downstream of failed as blocked.
func (q *Queen) blockDependents(ctx context.Context, failed protocol.Job) error {
	graph, err := q.st.DependencyGraph(ctx, failed.CombID)
	if err != nil {
		return err
	}
	dependents := make(map[string][]string)
	for job, deps := range graph {
		for _, d := range deps {
			dependents[d] = append(dependents[d], job)
		}
	}
	seen := map[string]bool{failed.ID: true}
	quests := make(map[string]bool)
	queue := []string{failed.ID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range dependents[cur] {
			if seen[next] {
				continue
			}
			seen[next] = true
			queue = append(queue, next)
			j, err := q.st.GetJob(ctx, next)
			if err != nil {
				return err
			}
			if j.Status != protocol.JobPending {
				continue
			}
			if err := q.st.SetJobStatus(ctx, next, protocol.JobBlocked, "dependency "+failed.ID+" failed"); err != nil {
				return err
			}
			q.log.Info("job blocked", "job_id", next, "failed_dependency", failed.ID)
			if j.QuestID != failed.QuestID {
				quests[j.QuestID] = true
			}
		}
	}
	for id := range quests {
		if err := q.recomputeQuest(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// recomputeQuest derives a quest's status from its jobs: completed when
// every job is done, failed when some job failed and none is still in
// flight, active otherwise. Cancelled quests are left alone.
func (q *Queen) recomputeQuest(ctx context.Context, questID string) error {
	quest, err := q.st.GetQuest(ctx, questID)
	if err != nil {
		return err
	}
	if quest.Status == protocol.QuestCancelled {
		return nil
	}
	jobs, err := q.st.ListJobs(ctx, store.JobFilter{QuestID: questID})
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return nil
	}
	var done, failed, inFlight int
	for _, j := range jobs {
		switch {
		case j.Status == protocol.JobDone:
			done++
		case j.Status == protocol.JobFailed:
			failed++
		case j.Status.InFlight():
			inFlight++
		}
	}
	next := protocol.QuestActive
	switch {
	case done == len(jobs):
		next = protocol.QuestCompleted
	case failed > 0 && inFlight == 0:
		next = protocol.QuestFailed
	}
	if next == quest.Status {
		return nil
	}
	if err := q.st.SetQuestStatus(ctx, questID, next); err != nil {
		return err
	}
	q.log.Info("quest status", "quest_id", questID, "from", quest.Status, "to", next)
	return nil
}

// RetryJob returns a failed or blocked job to pending and releases jobs
// that were blocked only because of it.
func (q *Queen) RetryJob(ctx context.Context, jobID string) error {
	return q.do(ctx, func(ctx context.Context) error {
		return q.retryJob(ctx, jobID)
	})
}

func (q *Queen) retryJob(ctx context.Context, jobID string) error {
	job, err := q.st.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	quest, err := q.st.GetQuest(ctx, job.QuestID)
	if err != nil {
		return err
	}
	if quest.Status == protocol.QuestCancelled {
		return fmt.Errorf("job %s: quest %s is cancelled: %w", jobID, quest.ID, protocol.ErrInvalidTransition)
	}
	ok, err := q.st.ResetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job %s is %s, only failed or blocked jobs can be retried: %w", jobID, job.Status, protocol.ErrInvalidTransition)
	}
	if err := q.unblock(ctx, job.CombID); err != nil {
		return err
	}
	q.log.Info("job retried", "job_id", jobID)
	return q.recomputeQuest(ctx, job.QuestID)
}

// unblock returns blocked jobs to pending once no dependency upstream of
// them has failed.
func (q *Queen) unblock(ctx context.Context, combID string) error {
	jobs, err := q.st.ListJobs(ctx, store.JobFilter{CombID: combID})
	if err != nil {
		return err
	}
	byID := make(map[string]protocol.Job, len(jobs))
	for _, j := range jobs {
		byID[j.ID] = j
	}
	memo := make(map[string]bool)
	var failedUpstream func(id string) bool
	failedUpstream = func(id string) bool {
		if v, ok := memo[id]; ok {
			return v
		}
		memo[id] = false
		for _, dep := range byID[id].DependsOn {
			if byID[dep].Status == protocol.JobFailed || failedUpstream(dep) {
				memo[id] = true
				return true
			}
		}
		return false
	}
	quests := make(map[string]bool)
	for _, j := range jobs {
		if j.Status != protocol.JobBlocked || failedUpstream(j.ID) {
			continue
		}
		if err := q.st.SetJobStatus(ctx, j.ID, protocol.JobPending, ""); err != nil {
			return err
		}
		quests[j.QuestID] = true
		q.log.Info("job unblocked", "job_id", j.ID)
	}
	for id := range quests {
		if err := q.recomputeQuest(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// CancelQuest cancels a quest: jobs not yet started fail, running bees are
// stopped, and the quest is never recomputed again.
func (q *Queen) CancelQuest(ctx context.Context, questID string) error {
	return q.do(ctx, func(ctx context.Context) error {
		return q.cancelQuest(ctx, questID)
	})
}

func (q *Queen) cancelQuest(ctx context.Context, questID string) error {
	quest, err := q.st.GetQuest(ctx, questID)
	if err != nil {
		return err
	}
	if quest.Status == protocol.QuestCancelled {
		return nil
	}
	if err := q.st.SetQuestStatus(ctx, questID, protocol.QuestCancelled); err != nil {
		return err
	}
	jobs, err := q.st.ListJobs(ctx, store.JobFilter{QuestID: questID})
	if err != nil {
		return err
	}
	const reason = "quest cancelled"
	for _, j := range jobs {
		switch j.Status {
		case protocol.JobPending, protocol.JobBlocked:
			if _, err := q.st.FinishJob(ctx, j.ID, protocol.JobFailed, reason); err != nil {
				return err
			}
		case protocol.JobAssigned, protocol.JobRunning:
			if j.BeeID == "" {
				continue
			}
			if err := q.stopBee(ctx, j.BeeID, reason); err != nil {
				q.log.Warn("stop bee for cancelled quest", "bee_id", j.BeeID, "error", err)
			}
		}
	}
	q.log.Info("quest cancelled", "quest_id", questID)
	return nil
}
