package pipeline

import (
	"fmt"
	"time"

	"github.com/yajmaan/sevaflow/internal/model"
)

// Step titles shown on the dashboard
var stepTitles = map[model.StepID]string{
	model.StepParse:    "Parse CSV Files",
	model.StepDownload: "Download Canva Videos",
	model.StepUpload:   "Upload Videos",
	model.StepMap:      "Map Video Links",
	model.StepWhatsApp: "Send WhatsApp Messages",
}

// stepView is what the projection needs from one record outcome
type stepView struct {
	stage        model.Stage
	status       model.RecordStatus
	downloaded   bool
	hosted       bool
	failureStage model.Stage
}

func viewOf(o *model.RecordOutcome) stepView {
	return stepView{
		stage:        o.Stage,
		status:       o.Status,
		downloaded:   o.Downloaded,
		hosted:       o.HostedVideoURL != "",
		failureStage: o.FailureStage,
	}
}

func (v stepView) failed() bool { return v.status == model.RecordStatusFailed }

// progressed reports whether the record got as far as stage, counting where it
// failed for failed records
func (v stepView) progressed(stage model.Stage) bool {
	at := v.stage
	if v.failed() {
		at = v.failureStage
	}
	return stageOrder[at] >= stageOrder[stage]
}

// passed reports whether the record completed stage
func (v stepView) passed(stage model.Stage) bool {
	return !v.failed() && stageOrder[v.stage] > stageOrder[stage]
}

var stageOrder = map[model.Stage]int{
	model.StageJoined:            0,
	model.StageTransferringVideo: 1,
	model.StageTransferComplete:  2,
	model.StageResolvingTemplate: 3,
	model.StageNotifying:         4,
	model.StageSent:              5,
}

// stepRule defines one dashboard step in terms of record views
type stepRule struct {
	id       model.StepID
	reached  func(stepView) bool
	done     func(stepView) bool
	failedAt func(stepView) bool
	details  func(done, failed, total int) string
}

var stepRules = []stepRule{
	{
		id:      model.StepDownload,
		reached: func(v stepView) bool { return v.progressed(model.StageTransferringVideo) },
		done:    func(v stepView) bool { return v.downloaded },
		failedAt: func(v stepView) bool {
			return v.failed() && v.failureStage == model.StageTransferringVideo && !v.downloaded
		},
		details: func(done, failed, total int) string {
			return countDetails("videos downloaded", done, failed, total)
		},
	},
	{
		id:      model.StepUpload,
		reached: func(v stepView) bool { return v.downloaded },
		done: func(v stepView) bool {
			return v.passed(model.StageTransferringVideo) || (v.failed() && v.progressed(model.StageTransferComplete))
		},
		failedAt: func(v stepView) bool {
			return v.failed() && v.failureStage == model.StageTransferringVideo && v.downloaded
		},
		details: func(done, failed, total int) string {
			return countDetails("videos hosted", done, failed, total)
		},
	},
	{
		id:      model.StepMap,
		reached: func(v stepView) bool { return v.hosted },
		done:    func(v stepView) bool { return v.hosted },
		failedAt: func(v stepView) bool {
			return v.failed() && (v.failureStage == model.StageTransferComplete || v.failureStage == model.StageResolvingTemplate)
		},
		details: func(done, failed, total int) string {
			return countDetails("links mapped", done, failed, total)
		},
	},
	{
		id:      model.StepWhatsApp,
		reached: func(v stepView) bool { return v.progressed(model.StageNotifying) },
		done:    func(v stepView) bool { return v.status.IsTerminal() },
		failedAt: func(v stepView) bool {
			return v.failed() && v.failureStage == model.StageNotifying
		},
		details: func(done, failed, total int) string {
			return countDetails("messages settled", done, failed, total)
		},
	},
}

func countDetails(what string, done, failed, total int) string {
	if failed > 0 {
		return fmt.Sprintf("%d/%d %s, %d failed", done, total, what, failed)
	}
	return fmt.Sprintf("%d/%d %s", done, total, what)
}

// Project derives the dashboard snapshot from the record outcomes. It is the
// only place step state is computed; nothing stores it independently.
func Project(batchID string, status model.BatchStatus, parseDetails string, outcomes []model.RecordOutcome, now time.Time) model.ProgressSnapshot {
	views := make([]stepView, len(outcomes))
	for i := range outcomes {
		views[i] = viewOf(&outcomes[i])
	}
	return project(batchID, status, parseDetails, views, now)
}

func project(batchID string, status model.BatchStatus, parseDetails string, outcomes []stepView, now time.Time) model.ProgressSnapshot {
	snap := model.ProgressSnapshot{
		BatchID:   batchID,
		Status:    status,
		UpdatedAt: now,
		Steps: []model.StepProgress{{
			ID:       model.StepParse,
			Title:    stepTitles[model.StepParse],
			Status:   model.StepStatusCompleted,
			Progress: 100,
			Details:  parseDetails,
		}},
	}

	total := len(outcomes)
	finished := status.IsFinished()
	stopped := status == model.BatchStatusCancelled || status == model.BatchStatusFailed
	for _, rule := range stepRules {
		var reached, done, failed, settled int
		for _, v := range outcomes {
			if rule.reached(v) {
				reached++
			}
			isDone := rule.done(v)
			if isDone {
				done++
			}
			if rule.failedAt(v) {
				failed++
			}
			// undispatched records of a finished batch will never move again
			if isDone || v.failed() || (finished && v.status == model.RecordStatusPending) {
				settled++
			}
		}

		step := model.StepProgress{
			ID:       rule.id,
			Title:    stepTitles[rule.id],
			Progress: percent(done, total),
			Details:  rule.details(done, failed, total),
		}
		switch {
		case settled == total && (failed > 0 || (done < total && stopped)):
			step.Status = model.StepStatusError
		case settled == total && (total > 0 || finished):
			step.Status = model.StepStatusCompleted
		case reached > 0:
			step.Status = model.StepStatusProcessing
		default:
			step.Status = model.StepStatusPending
		}
		snap.Steps = append(snap.Steps, step)
	}
	snap.CurrentStep = currentStep(snap.Steps)
	return snap
}

func currentStep(steps []model.StepProgress) model.StepID {
	for _, step := range steps {
		if step.Status != model.StepStatusCompleted {
			return step.ID
		}
	}
	return steps[len(steps)-1].ID
}

// ParseFailedSnapshot is the snapshot of a batch whose tables never joined
func ParseFailedSnapshot(batchID, details string, now time.Time) model.ProgressSnapshot {
	snap := model.ProgressSnapshot{
		BatchID:   batchID,
		Status:    model.BatchStatusFailed,
		UpdatedAt: now,
		Steps: []model.StepProgress{{
			ID:      model.StepParse,
			Title:   stepTitles[model.StepParse],
			Status:  model.StepStatusError,
			Details: details,
		}},
	}
	for _, rule := range stepRules {
		snap.Steps = append(snap.Steps, model.StepProgress{
			ID:     rule.id,
			Title:  stepTitles[rule.id],
			Status: model.StepStatusPending,
		})
	}
	snap.CurrentStep = model.StepParse
	return snap
}

func percent(n, total int) int {
	if total == 0 {
		return 100
	}
	return n * 100 / total
}
