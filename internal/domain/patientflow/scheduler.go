package patientflow

import "sort"

// Less reports whether a is served before b: priority rank first, then
// token number.
func Less(a, b *QueueEntry) bool {
	ra, rb := a.Priority.Rank(), b.Priority.Rank()
	if ra != rb {
		return ra < rb
	}
	return a.TokenNumber < b.TokenNumber
}

// Schedule returns the entries whose status is in statuses, in serving order,
// truncated to limit when limit > 0. With no statuses it selects every
// non-terminal entry. The input slice is not modified.
func Schedule(entries []*QueueEntry, statuses []Status, limit int) []*QueueEntry {
	include := make(map[Status]bool, len(statuses))
	for _, s := range statuses {
		include[s] = true
	}

	out := make([]*QueueEntry, 0, len(entries))
	for _, e := range entries {
		if len(include) == 0 {
			if e.Status.IsTerminal() {
				continue
			}
		} else if !include[e.Status] {
			continue
		}
		out = append(out, e)
	}

	sort.SliceStable(out, func(i, j int) bool { return Less(out[i], out[j]) })

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Board is the token-board view of the queue.
type Board struct {
	NowServing []*QueueEntry `json:"now_serving"`
	UpNext     []*QueueEntry `json:"up_next"`
	Waiting    []*QueueEntry `json:"waiting"`
}

// UpNextSize is the number of entries shown in the "up next" panel.
const UpNextSize = 5

// BuildBoard splits a snapshot into the now serving / up next / waiting panels.
func BuildBoard(entries []*QueueEntry) Board {
	return Board{
		NowServing: Schedule(entries, []Status{StatusWithDoctor}, 0),
		UpNext:     Schedule(entries, []Status{StatusVitalsTaken, StatusLabCompleted}, UpNextSize),
		Waiting:    Schedule(entries, []Status{StatusRegistered, StatusWaitingVitals}, 0),
	}
}
