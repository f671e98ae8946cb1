package multiagent

import (
	"time"

	"orchestra-ai/internal/domain"
)

// Aggregate combines the results of one task request. results must already be
// in dispatch order; they are copied, never reordered or dropped. start is the
// instant the first invocation was dispatched.
func Aggregate(taskID string, start time.Time, results []domain.TaskResult) domain.AggregatedResponse {
	out := make([]domain.TaskResult, len(results))
	copy(out, results)

	end := start
	succeeded := 0
	for _, r := range out {
		if r.EndedAt.After(end) {
			end = r.EndedAt
		}
		if r.Succeeded() {
			succeeded++
		}
	}

	status := domain.OverallFailed
	switch {
	case len(out) > 0 && succeeded == len(out):
		status = domain.OverallSucceeded
	case succeeded > 0:
		status = domain.OverallPartial
	}

	return domain.AggregatedResponse{
		TaskID:          taskID,
		Results:         out,
		OverallStatus:   status,
		TotalDurationMS: domain.DurationBetween(start, end),
		StartedAt:       start,
		EndedAt:         end,
	}
}
