package projection

import (
	"fmt"
	"time"

	"github.com/driftline/exceptionflow/internal/event"
	"github.com/driftline/exceptionflow/internal/playbook"
)

// StepState is the derived state of one playbook step.
type StepState string

const (
	StepStateCompleted StepState = "completed"
	StepStatePending   StepState = "pending"
	// StepStateSkipped is reserved for playbooks that branch past steps.
	// No current action kind skips, so replay never produces it yet.
	StepStateSkipped StepState = "skipped"
)

// StepProgress is the derived view of one step.
type StepProgress struct {
	Ordinal     int
	Action      playbook.ActionKind
	State       StepState
	CompletedAt time.Time
	Detail      string
}

// PlaybookProgress is the derived execution view of the assigned playbook.
// It carries no stored state of its own: replaying the same history against
// the same definition always yields the same progress.
type PlaybookProgress struct {
	PlaybookID  string
	Steps       []StepProgress
	CurrentStep int
	Completed   bool
	CompletedAt time.Time
}

// Progress replays an exception's history against a playbook definition.
// Step completions recorded before the latest assignment of this playbook
// (or before a recalculation that reset execution) do not count: a reset
// starts the derived view over.
func Progress(events []event.Event, pb playbook.Playbook) (PlaybookProgress, error) {
	progress := PlaybookProgress{PlaybookID: pb.ID}

	completedAt := make(map[int]time.Time, len(pb.Steps))
	details := make(map[int]string, len(pb.Steps))

	for _, evt := range events {
		switch evt.Type {
		case event.TypePlaybookAssigned:
			payload, err := event.DecodePayload[event.PlaybookAssignedPayload](evt)
			if err != nil {
				return PlaybookProgress{}, err
			}
			if payload.PlaybookID == pb.ID {
				clear(completedAt)
				clear(details)
				progress.Completed = false
				progress.CompletedAt = time.Time{}
			}

		case event.TypePlaybookRecalculated:
			payload, err := event.DecodePayload[event.PlaybookRecalculatedPayload](evt)
			if err != nil {
				return PlaybookProgress{}, err
			}
			if payload.PlaybookID == pb.ID && payload.CurrentStepReset {
				clear(completedAt)
				clear(details)
				progress.Completed = false
				progress.CompletedAt = time.Time{}
			}

		case event.TypePlaybookStepCompleted:
			payload, err := event.DecodePayload[event.PlaybookStepCompletedPayload](evt)
			if err != nil {
				return PlaybookProgress{}, err
			}
			if payload.PlaybookID == pb.ID {
				completedAt[payload.StepOrdinal] = evt.Timestamp
				details[payload.StepOrdinal] = payload.Detail
			}

		case event.TypePlaybookCompleted:
			payload, err := event.DecodePayload[event.PlaybookCompletedPayload](evt)
			if err != nil {
				return PlaybookProgress{}, err
			}
			if payload.PlaybookID == pb.ID {
				progress.Completed = true
				progress.CompletedAt = evt.Timestamp
			}
		}
	}

	progress.Steps = make([]StepProgress, 0, len(pb.Steps))
	for _, step := range pb.Steps {
		sp := StepProgress{Ordinal: step.Ordinal, Action: step.Action, State: StepStatePending}
		if at, ok := completedAt[step.Ordinal]; ok {
			sp.State = StepStateCompleted
			sp.CompletedAt = at
			sp.Detail = details[step.Ordinal]
		} else if progress.Completed {
			// A completion marker covers every step, even in histories
			// that lack the per-ordinal events (imports, backfills).
			sp.State = StepStateCompleted
			sp.CompletedAt = progress.CompletedAt
		}
		if sp.State == StepStatePending && progress.CurrentStep == 0 {
			progress.CurrentStep = step.Ordinal
		}
		progress.Steps = append(progress.Steps, sp)
	}
	if progress.Completed {
		progress.CurrentStep = 0
	}
	return progress, nil
}

// StepsCompleted counts derived completed steps.
func (p PlaybookProgress) StepsCompleted() int {
	var n int
	for _, step := range p.Steps {
		if step.State == StepStateCompleted {
			n++
		}
	}
	return n
}

// NextOrdinal returns the ordinal the executor must complete next, or an
// error when the playbook already ran to completion.
func (p PlaybookProgress) NextOrdinal() (int, error) {
	if p.Completed {
		return 0, fmt.Errorf("playbook %s already completed", p.PlaybookID)
	}
	if p.CurrentStep == 0 {
		return 0, fmt.Errorf("playbook %s has no pending steps", p.PlaybookID)
	}
	return p.CurrentStep, nil
}
