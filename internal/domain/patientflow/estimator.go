package patientflow

import (
	"fmt"
	"strconv"
	"strings"
)

// Estimator computes the expected wait in minutes for an entry in the given
// status and priority. A nil result means no estimate.
type Estimator interface {
	Estimate(status Status, priority Priority) *int
}

// WaitTable is a static (status, priority) -> minutes lookup. Statuses that
// are absent have no estimate.
type WaitTable map[Status]map[Priority]int

// DefaultWaitTable is the front-desk heuristic: it does not look at queue
// depth or historical service times.
func DefaultWaitTable() WaitTable {
	return WaitTable{
		StatusRegistered: {
			PriorityEmergency: 0,
			PriorityUrgent:    10,
			PriorityNormal:    30,
		},
		StatusWaitingVitals: {
			PriorityEmergency: 10,
			PriorityUrgent:    10,
			PriorityNormal:    10,
		},
		StatusVitalsTaken: {
			PriorityEmergency: 0,
			PriorityUrgent:    5,
			PriorityNormal:    15,
		},
	}
}

func (t WaitTable) Estimate(status Status, priority Priority) *int {
	row, ok := t[status]
	if !ok {
		return nil
	}
	minutes, ok := row[priority]
	if !ok {
		return nil
	}
	return &minutes
}

// String renders the table in the format accepted by ParseWaitTable.
func (t WaitTable) String() string {
	var parts []string
	for _, s := range allStatuses {
		row, ok := t[s]
		if !ok {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%d/%d/%d", s,
			row[PriorityEmergency], row[PriorityUrgent], row[PriorityNormal]))
	}
	return strings.Join(parts, ";")
}

// ParseWaitTable parses "status=emergency/urgent/normal" rows separated by
// semicolons, e.g. "registered=0/10/30;waiting_vitals=10/10/10".
// An empty string yields DefaultWaitTable.
func ParseWaitTable(s string) (WaitTable, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultWaitTable(), nil
	}

	table := WaitTable{}
	for _, row := range strings.Split(s, ";") {
		row = strings.TrimSpace(row)
		if row == "" {
			continue
		}
		key, values, ok := strings.Cut(row, "=")
		if !ok {
			return nil, fmt.Errorf("wait table row %q: expected status=emergency/urgent/normal", row)
		}
		status := Status(strings.TrimSpace(key))
		if !status.Valid() {
			return nil, fmt.Errorf("wait table row %q: unknown status %q", row, status)
		}
		if status.IsTerminal() {
			return nil, fmt.Errorf("wait table row %q: terminal status has no wait", row)
		}
		fields := strings.Split(values, "/")
		if len(fields) != 3 {
			return nil, fmt.Errorf("wait table row %q: expected 3 values, got %d", row, len(fields))
		}
		minutes := make([]int, 3)
		for i, f := range fields {
			n, err := strconv.Atoi(strings.TrimSpace(f))
			if err != nil {
				return nil, fmt.Errorf("wait table row %q: %w", row, err)
			}
			if n < 0 {
				return nil, fmt.Errorf("wait table row %q: negative wait %d", row, n)
			}
			minutes[i] = n
		}
		table[status] = map[Priority]int{
			PriorityEmergency: minutes[0],
			PriorityUrgent:    minutes[1],
			PriorityNormal:    minutes[2],
		}
	}
	return table, nil
}
