package storage

import (
	"sort"
	"time"
)

// taskTable is the in-memory task index shared by the memory and file drivers.
type taskTable map[string]TaskRecord

func (t taskTable) put(r TaskRecord) {
	t[r.ID] = r
}

func (t taskTable) cancel(queue, taskType string, includeRunning bool, now time.Time) []TaskRecord {
	var changed []TaskRecord
	for id, r := range t {
		if r.Queue != queue || r.TaskType != taskType {
			continue
		}
		if r.State != TaskPending && !(includeRunning && r.State == TaskRunning) {
			continue
		}
		r.State = TaskCancelled
		r.UpdatedAt = now
		t[id] = r
		changed = append(changed, r)
	}
	sortRecords(changed)
	return changed
}

func (t taskTable) list(f TaskFilter) []TaskRecord {
	out := make([]TaskRecord, 0, len(t))
	for _, r := range t {
		if f.matches(r) {
			out = append(out, r)
		}
	}
	sortRecords(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func (t taskTable) prune(before time.Time) int {
	n := 0
	for id, r := range t {
		if r.State.Finished() && r.UpdatedAt.Before(before) {
			delete(t, id)
			n++
		}
	}
	return n
}

func sortRecords(rs []TaskRecord) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].ActivateAt.Equal(rs[j].ActivateAt) {
			return rs[i].ActivateAt.Before(rs[j].ActivateAt)
		}
		return rs[i].ID < rs[j].ID
	})
}

func ids(rs []TaskRecord) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.ID)
	}
	return out
}
