package patientflow

// transitionSources lists, for each target status, the statuses it may be
// entered from. Cancellation is handled separately: it is reachable from any
// non-terminal status.
var transitionSources = map[Status][]Status{
	StatusWaitingVitals: {StatusRegistered},
	StatusVitalsTaken:   {StatusRegistered, StatusWaitingVitals},
	StatusWithDoctor:    {StatusVitalsTaken, StatusLabCompleted},
	StatusLabOrdered:    {StatusWithDoctor},
	StatusLabCompleted:  {StatusLabOrdered},
	StatusPharmacy:      {StatusWithDoctor},
	StatusAdmission:     {StatusWithDoctor},
	StatusCompleted:     {StatusWithDoctor, StatusPharmacy, StatusAdmission},
}

var allStatuses = []Status{
	StatusRegistered,
	StatusWaitingVitals,
	StatusVitalsTaken,
	StatusWithDoctor,
	StatusLabOrdered,
	StatusLabCompleted,
	StatusPharmacy,
	StatusAdmission,
	StatusCompleted,
	StatusCancelled,
}

// AllStatuses returns every workflow status in workflow order.
func AllStatuses() []Status {
	return append([]Status(nil), allStatuses...)
}

// ActiveStatuses returns the non-terminal statuses in workflow order.
func ActiveStatuses() []Status {
	var out []Status
	for _, s := range allStatuses {
		if !s.IsTerminal() {
			out = append(out, s)
		}
	}
	return out
}

func (s Status) Valid() bool {
	for _, known := range allStatuses {
		if s == known {
			return true
		}
	}
	return false
}

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanTransition reports whether the workflow permits moving from one status
// to another.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() || from.IsTerminal() {
		return false
	}
	if to == StatusCancelled {
		return true
	}
	for _, src := range transitionSources[to] {
		if src == from {
			return true
		}
	}
	return false
}

func checkTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return transitionError(from, to)
	}
	return nil
}

// TransitionMatrix returns, for each status, the statuses reachable from it.
func TransitionMatrix() map[Status][]Status {
	m := make(map[Status][]Status, len(allStatuses))
	for _, from := range allStatuses {
		targets := []Status{}
		for _, to := range allStatuses {
			if CanTransition(from, to) {
				targets = append(targets, to)
			}
		}
		m[from] = targets
	}
	return m
}
