package domain

import "time"

type ScheduleStatus string

const (
	ScheduleStatusPending ScheduleStatus = "pending"
	ScheduleStatusDone    ScheduleStatus = "done"
)

// ScheduleBatch is a set of prompts pending execution on a future date. Size
// always equals len(PromptIDs).
type ScheduleBatch struct {
	ID           string
	ScheduledFor time.Time
	Status       ScheduleStatus
	PromptIDs    []string
	Size         int
}

// Survivors returns the batch's prompt ids that are present in live, in batch order.
func (b ScheduleBatch) Survivors(live []string) []string {
	alive := make(map[string]struct{}, len(live))
	for _, id := range live {
		alive[id] = struct{}{}
	}

	out := make([]string, 0, len(b.PromptIDs))
	for _, id := range b.PromptIDs {
		if _, ok := alive[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// Overlaps reports whether the batch references any of ids.
func (b ScheduleBatch) Overlaps(ids map[string]struct{}) bool {
	for _, id := range b.PromptIDs {
		if _, ok := ids[id]; ok {
			return true
		}
	}
	return false
}
