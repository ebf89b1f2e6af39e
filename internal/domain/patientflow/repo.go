package patientflow

import (
	"context"

	"github.com/google/uuid"
)

// QueueFilter narrows a List call. Zero-valued fields do not filter.
type QueueFilter struct {
	Statuses  []Status
	PatientID string
	DoctorID  string
}

func (f QueueFilter) matches(e *QueueEntry) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if e.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.PatientID != "" && e.PatientID != f.PatientID {
		return false
	}
	if f.DoctorID != "" && (e.DoctorID == nil || *e.DoctorID != f.DoctorID) {
		return false
	}
	return true
}

// QueueRepository persists queue entries. Implementations return copies:
// mutating a returned entry never changes stored state until Update.
// GetByID and Update return ErrEntryNotFound for unknown ids; Create returns
// ErrDuplicateTokenAllocation when the token is already taken.
type QueueRepository interface {
	TokenSource
	Create(ctx context.Context, e *QueueEntry) error
	GetByID(ctx context.Context, id uuid.UUID) (*QueueEntry, error)
	Update(ctx context.Context, e *QueueEntry) error
	List(ctx context.Context, filter QueueFilter) ([]*QueueEntry, error)
}
