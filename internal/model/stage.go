package model

import "fmt"

var stageTransitions = map[Stage]map[Stage]bool{
	StageJoined: {
		StageTransferringVideo: true,
		StageFailed:            true,
	},
	StageTransferringVideo: {
		StageTransferComplete: true,
		StageFailed:           true,
	},
	StageTransferComplete: {
		StageResolvingTemplate: true,
		StageFailed:            true,
	},
	StageResolvingTemplate: {
		StageNotifying: true,
		StageFailed:    true,
	},
	StageNotifying: {
		StageSent:   true,
		StageFailed: true,
	},
	StageSent:   {},
	StageFailed: {},
}

// IsKnownStage reports whether s is part of the pipeline
func IsKnownStage(s Stage) bool {
	_, ok := stageTransitions[s]
	return ok
}

// CanAdvance reports whether a record may move from one stage to the next.
// Stages only move forward; sent and failed absorb.
func CanAdvance(from, to Stage) bool {
	next, ok := stageTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// IsTerminal reports whether s is sent or failed
func (s Stage) IsTerminal() bool {
	return s == StageSent || s == StageFailed
}

// Advance moves the outcome to the given stage and keeps Status in step with it
func (o *RecordOutcome) Advance(to Stage) error {
	if !CanAdvance(o.Stage, to) {
		return fmt.Errorf("invalid stage transition: %q -> %q", o.Stage, to)
	}
	o.Stage = to
	switch to {
	case StageSent:
		o.Status = RecordStatusSucceeded
	case StageFailed:
		o.Status = RecordStatusFailed
	default:
		o.Status = RecordStatusInProgress
	}
	return nil
}

// Fail moves the outcome to failed, recording where and why it stopped
func (o *RecordOutcome) Fail(code, reason string) error {
	stage := o.Stage
	if err := o.Advance(StageFailed); err != nil {
		return err
	}
	o.FailureStage = stage
	o.FailureCode = code
	o.FailureReason = reason
	return nil
}
