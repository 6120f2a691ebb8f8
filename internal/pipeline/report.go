package pipeline

import (
	"time"

	"github.com/yajmaan/sevaflow/internal/model"
)

// BuildReport folds outcomes into a batch report. outcomes[i] belongs to
// items[i]; records are listed in work item order.
func BuildReport(batchID string, status model.BatchStatus, items []model.WorkItem, outcomes []model.RecordOutcome, startedAt, finishedAt *time.Time) model.BatchReport {
	report := model.BatchReport{
		BatchID:    batchID,
		Status:     status,
		Total:      len(items),
		Counts:     make(map[model.RecordStatus]int, len(model.AllRecordStatuses)),
		Failures:   []model.FailureEntry{},
		Records:    make([]model.RecordResult, 0, len(items)),
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
	}
	for _, s := range model.AllRecordStatuses {
		report.Counts[s] = 0
	}

	for i := range items {
		out := outcomes[i]
		report.Counts[out.Status]++
		identity := items[i].Record.Identity()
		if out.Status == model.RecordStatusFailed {
			report.Failures = append(report.Failures, model.FailureEntry{
				RecordIdentity: identity,
				FailureStage:   out.FailureStage,
				FailureCode:    out.FailureCode,
				Reason:         out.FailureReason,
			})
		}
		report.Records = append(report.Records, model.RecordResult{
			WorkItemID:     items[i].ID,
			RecordIdentity: identity,
			Name:           items[i].Record.Name,
			Outcome:        out,
		})
	}
	return report
}
