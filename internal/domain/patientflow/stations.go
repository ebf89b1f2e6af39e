package patientflow

import (
	"context"

	"github.com/google/uuid"
)

// Station is a physical service point in the clinic.
type Station string

const (
	StationRegistration Station = "registration"
	StationVitals       Station = "vitals"
	StationConsultation Station = "consultation"
	StationLab          Station = "lab"
	StationPharmacy     Station = "pharmacy"
)

// Stations maps each station to the statuses it serves.
var Stations = map[Station][]Status{
	StationRegistration: {StatusRegistered},
	StationVitals:       {StatusRegistered, StatusWaitingVitals},
	StationConsultation: {StatusVitalsTaken, StatusLabCompleted, StatusWithDoctor},
	StationLab:          {StatusLabOrdered},
	StationPharmacy:     {StatusPharmacy},
}

func ParseStation(s string) (Station, error) {
	st := Station(s)
	if _, ok := Stations[st]; !ok {
		return "", validationError("unknown station %q", s)
	}
	return st, nil
}

// StationQueue returns the station's work list in serving order.
func (s *Service) StationQueue(ctx context.Context, station Station, limit int) ([]*QueueEntry, error) {
	statuses, ok := Stations[station]
	if !ok {
		return nil, validationError("unknown station %q", station)
	}
	return s.ScheduledQueue(ctx, statuses, limit)
}

// RegistrationDesk admits patients and handles cancellations.
type RegistrationDesk interface {
	Register(ctx context.Context, r Registration) (*QueueEntry, error)
	UpdatePatientStatus(ctx context.Context, id uuid.UUID, status Status) (*QueueEntry, error)
	UpdatePriority(ctx context.Context, id uuid.UUID, priority Priority) (*QueueEntry, error)
}

// VitalsStation takes vitals for waiting patients.
type VitalsStation interface {
	RecordVitals(ctx context.Context, id uuid.UUID, v Vitals) (*QueueEntry, error)
}

// ConsultationRoom is the doctor's surface.
type ConsultationRoom interface {
	AssignDoctor(ctx context.Context, id uuid.UUID, doctorID, doctorName string) (*QueueEntry, error)
	OrderLabTests(ctx context.Context, id uuid.UUID, orders []LabTestOrder) (*QueueEntry, error)
	RecordDiagnosis(ctx context.Context, id uuid.UUID, d Diagnosis) (*QueueEntry, error)
	PrescribeMedications(ctx context.Context, id uuid.UUID, meds []Medication) (*QueueEntry, error)
	GetDoctorQueue(ctx context.Context, doctorID string) ([]*QueueEntry, error)
}

type LabBench interface {
	UpdateLabTestStatus(ctx context.Context, id, testID uuid.UUID, upd LabTestUpdate) (*QueueEntry, error)
}

type PharmacyCounter interface {
	UpdatePatientStatus(ctx context.Context, id uuid.UUID, status Status) (*QueueEntry, error)
}

var (
	_ RegistrationDesk = (*Service)(nil)
	_ VitalsStation    = (*Service)(nil)
	_ ConsultationRoom = (*Service)(nil)
	_ LabBench         = (*Service)(nil)
	_ PharmacyCounter  = (*Service)(nil)
)
