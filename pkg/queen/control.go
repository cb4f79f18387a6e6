package queen

import (
	"context"
	"errors"
	"fmt"

	"hive/pkg/comb"
	"hive/pkg/protocol"
)

// HandleEscalation forwards a bee's request for human attention to the
// operator topic. Nothing is resolved automatically.
func (q *Queen) HandleEscalation(ctx context.Context, beeID, reason string) error {
	return q.do(ctx, func(ctx context.Context) error {
		return q.handleEscalation(ctx, beeID, reason)
	})
}

func (q *Queen) handleEscalation(ctx context.Context, beeID, reason string) error {
	meta := map[string]string{protocol.MetaBeeID: beeID, protocol.MetaReason: reason}
	if b, err := q.st.GetBee(ctx, beeID); err == nil {
		meta[protocol.MetaJobID] = b.JobID
		meta[protocol.MetaCombID] = b.CombID
	}
	q.log.Warn("escalation", "bee_id", beeID, "reason", reason)
	q.send(ctx, protocol.TopicOperator, protocol.SubjectEscalation, reason, meta)
	return nil
}

// StopBee terminates a bee. A running bee is stopped by its comb and
// reports its own job failure; a bee with no goroutine (paused, or left
// behind by a previous daemon) is stopped here and its job failed.
func (q *Queen) StopBee(ctx context.Context, beeID string) error {
	return q.do(ctx, func(ctx context.Context) error {
		return q.stopBee(ctx, beeID, "stopped by operator")
	})
}

func (q *Queen) stopBee(ctx context.Context, beeID, reason string) error {
	b, err := q.st.GetBee(ctx, beeID)
	if err != nil {
		return err
	}
	if q.sup != nil {
		err := q.sup.Stop(b.CombID, beeID, reason)
		if err == nil {
			return nil
		}
		if !errors.Is(err, comb.ErrNotRunning) {
			return err
		}
	}
	if _, err := q.st.TransitionBee(ctx, beeID, protocol.BeeStopped); err != nil {
		return fmt.Errorf("stop bee %s: %w", beeID, err)
	}
	q.m.BeeTransition(protocol.BeeStopped)
	q.announce(ctx, b, protocol.BeeStopped, reason)

	if q.cells != nil && b.CellID != "" {
		if err := q.cells.Remove(ctx, b.CellID); err != nil {
			q.log.Warn("remove cell failed", "bee_id", beeID, "cell_id", b.CellID, "error", err)
		}
	}
	if b.JobID != "" {
		return q.handleCompletion(ctx, b.JobID, protocol.OutcomeFailed, reason)
	}
	return nil
}

// PauseBee asks a running bee to hand off. It keeps its job, cell and
// agent session until resumed.
func (q *Queen) PauseBee(ctx context.Context, beeID string) error {
	return q.do(ctx, func(ctx context.Context) error {
		return q.pauseBee(ctx, beeID)
	})
}

func (q *Queen) pauseBee(ctx context.Context, beeID string) error {
	if q.sup == nil {
		return ErrNoSupervisor
	}
	b, err := q.st.GetBee(ctx, beeID)
	if err != nil {
		return err
	}
	return q.sup.Pause(b.CombID, beeID, "paused by operator")
}

// ResumeBee relaunches a paused bee.
func (q *Queen) ResumeBee(ctx context.Context, beeID string) error {
	return q.do(ctx, func(ctx context.Context) error {
		return q.resumeBee(ctx, beeID)
	})
}

func (q *Queen) resumeBee(ctx context.Context, beeID string) error {
	if q.sup == nil {
		return ErrNoSupervisor
	}
	b, err := q.st.GetBee(ctx, beeID)
	if err != nil {
		return err
	}
	if b.Status != protocol.BeePaused {
		return &protocol.TransitionError{BeeID: beeID, From: b.Status, To: protocol.BeeStarting}
	}
	return q.sup.Resume(ctx, b.CombID, beeID)
}

// applyCommand executes an operator directive and reports the result on
// the operator topic.
func (q *Queen) applyCommand(ctx context.Context, w protocol.Waggle) {
	meta := w.Meta()
	op := protocol.Directive(meta[protocol.MetaOp])
	target := meta[protocol.MetaTarget]

	var (
		err    error
		result = map[string]string{protocol.MetaOp: string(op), protocol.MetaTarget: target, "command_id": w.ID}
	)
	switch {
	case !op.Valid():
		err = &protocol.FieldError{Field: "op", Value: string(op)}
	case !protocol.HasPrefix(target, op.TargetKind()):
		err = &protocol.FieldError{Field: "target", Value: target}
	default:
		switch op {
		case protocol.DirectiveAssign:
			var beeID string
			beeID, err = q.assignJob(ctx, target)
			result[protocol.MetaBeeID] = beeID
		case protocol.DirectiveRetry:
			err = q.retryJob(ctx, target)
		case protocol.DirectiveCancel:
			err = q.cancelQuest(ctx, target)
		case protocol.DirectiveStop:
			err = q.stopBee(ctx, target, "stopped by operator")
		case protocol.DirectivePause:
			err = q.pauseBee(ctx, target)
		case protocol.DirectiveResume:
			err = q.resumeBee(ctx, target)
		}
	}

	body := "ok"
	if err != nil {
		body = err.Error()
		result["error"] = body
		q.log.Warn("command failed", "op", op, "target", target, "error", err)
	} else {
		q.log.Info("command applied", "op", op, "target", target)
	}
	q.send(ctx, protocol.TopicOperator, protocol.SubjectCommand, body, result)
}
