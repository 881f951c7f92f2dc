// Package pipeline drives exceptions through the processing stages. The
// machine never mutates snapshots: each advance folds the journal, runs one
// stage handler, and appends exactly one stage event (or a StageFailed
// record). The journal stays the only source of truth.
package pipeline

import (
	"github.com/driftline/exceptionflow/internal/event"
	"github.com/driftline/exceptionflow/internal/exception"
)

// transition is one edge of the stage graph.
type transition struct {
	next      exception.Stage
	eventType event.Type
}

// transitions maps each stage to its successor and the event type recording
// the completed work. ESCALATED has no entry: it is released only through an
// explicit approval, and FEEDBACK_CAPTURED is terminal.
var transitions = map[exception.Stage]transition{
	exception.StageIngested:          {next: exception.StageNormalized, eventType: event.TypeExceptionCreated},
	exception.StageNormalized:        {next: exception.StageTriaged, eventType: event.TypeTriageCompleted},
	exception.StageTriaged:           {next: exception.StagePolicyEvaluated, eventType: event.TypePolicyEvaluated},
	exception.StagePolicyEvaluated:   {next: exception.StageResolutionPlanned, eventType: event.TypeResolutionSuggested},
	exception.StageResolutionPlanned: {next: exception.StageFeedbackCaptured, eventType: event.TypeFeedbackCaptured},
}

// Next returns the successor stage, or false when the pipeline cannot
// advance from the given stage without an explicit input.
func Next(stage exception.Stage) (exception.Stage, bool) {
	t, ok := transitions[stage]
	if !ok {
		return "", false
	}
	return t.next, true
}
