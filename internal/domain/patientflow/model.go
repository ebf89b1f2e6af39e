package patientflow

import (
	"time"

	"github.com/google/uuid"
)

// Status is a queue entry's position in the clinical workflow.
type Status string

const (
	StatusRegistered    Status = "registered"
	StatusWaitingVitals Status = "waiting_vitals"
	StatusVitalsTaken   Status = "vitals_taken"
	StatusWithDoctor    Status = "with_doctor"
	StatusLabOrdered    Status = "lab_ordered"
	StatusLabCompleted  Status = "lab_completed"
	StatusPharmacy      Status = "pharmacy"
	StatusAdmission     Status = "admission"
	StatusCompleted     Status = "completed"
	StatusCancelled     Status = "cancelled"
)

// Priority is the urgency tier of a visit.
type Priority string

const (
	PriorityNormal    Priority = "normal"
	PriorityUrgent    Priority = "urgent"
	PriorityEmergency Priority = "emergency"
)

// Rank orders priorities for service: lower is served first.
func (p Priority) Rank() int {
	switch p {
	case PriorityEmergency:
		return 0
	case PriorityUrgent:
		return 1
	default:
		return 2
	}
}

func (p Priority) Valid() bool {
	return p == PriorityNormal || p == PriorityUrgent || p == PriorityEmergency
}

// LabTestStatus tracks a single ordered test.
type LabTestStatus string

const (
	LabTestOrdered         LabTestStatus = "ordered"
	LabTestSampleCollected LabTestStatus = "sample_collected"
	LabTestProcessing      LabTestStatus = "processing"
	LabTestCompleted       LabTestStatus = "completed"
	LabTestCancelled       LabTestStatus = "cancelled"
)

func (s LabTestStatus) Valid() bool {
	switch s {
	case LabTestOrdered, LabTestSampleCollected, LabTestProcessing, LabTestCompleted, LabTestCancelled:
		return true
	}
	return false
}

// Resolved reports whether the test no longer blocks the lab step.
func (s LabTestStatus) Resolved() bool {
	return s == LabTestCompleted || s == LabTestCancelled
}

// DiagnosisType distinguishes working from confirmed diagnoses.
type DiagnosisType string

const (
	DiagnosisProvisional DiagnosisType = "provisional"
	DiagnosisFinal       DiagnosisType = "final"
)

// Vitals is the single vitals record captured at the vitals station.
type Vitals struct {
	Temperature            float64   `json:"temperature" validate:"required,gt=0"`
	BloodPressureSystolic  int       `json:"blood_pressure_systolic" validate:"required,gt=0"`
	BloodPressureDiastolic int       `json:"blood_pressure_diastolic" validate:"required,gt=0"`
	PulseRate              int       `json:"pulse_rate" validate:"required,gt=0"`
	RespiratoryRate        int       `json:"respiratory_rate" validate:"required,gt=0"`
	OxygenSaturation       int       `json:"oxygen_saturation" validate:"required,gt=0,lte=100"`
	Height                 *float64  `json:"height,omitempty" validate:"omitempty,gt=0"`
	Weight                 *float64  `json:"weight,omitempty" validate:"omitempty,gt=0"`
	BMI                    *float64  `json:"bmi,omitempty" validate:"omitempty,gt=0"`
	Notes                  *string   `json:"notes,omitempty"`
	RecordedBy             string    `json:"recorded_by" validate:"required"`
	RecordedAt             time.Time `json:"recorded_at"`
}

type LabTest struct {
	ID               uuid.UUID     `json:"id"`
	Name             string        `json:"name"`
	Status           LabTestStatus `json:"status"`
	OrderedBy        string        `json:"ordered_by"`
	OrderedAt        time.Time     `json:"ordered_at"`
	Results          *string       `json:"results,omitempty"`
	ResultUploadedBy *string       `json:"result_uploaded_by,omitempty"`
	ResultUploadedAt *time.Time    `json:"result_uploaded_at,omitempty"`
}

// LabTestOrder is the caller-supplied part of a lab test.
type LabTestOrder struct {
	Name      string `json:"name" validate:"required"`
	OrderedBy string `json:"ordered_by" validate:"required"`
}

type Medication struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name" validate:"required"`
	Dosage       string    `json:"dosage" validate:"required"`
	Frequency    string    `json:"frequency" validate:"required"`
	Duration     string    `json:"duration"`
	Instructions string    `json:"instructions"`
}

type Diagnosis struct {
	ID          uuid.UUID     `json:"id"`
	Description string        `json:"description" validate:"required"`
	Type        DiagnosisType `json:"type" validate:"required,oneof=provisional final"`
	ICDCode     *string       `json:"icd_code,omitempty"`
}

// QueueEntry tracks one patient visit across the clinical workflow.
type QueueEntry struct {
	ID                uuid.UUID    `json:"id"`
	PatientID         string       `json:"patient_id"`
	PatientName       string       `json:"patient_name"`
	TokenNumber       int          `json:"token_number"`
	Status            Status       `json:"status"`
	Priority          Priority     `json:"priority"`
	DoctorID          *string      `json:"doctor_id,omitempty"`
	DoctorName        *string      `json:"doctor_name,omitempty"`
	RegisteredAt      time.Time    `json:"registered_at"`
	LastUpdatedAt     time.Time    `json:"last_updated_at"`
	EstimatedWaitTime *int         `json:"estimated_wait_time,omitempty"`
	Vitals            *Vitals      `json:"vitals,omitempty"`
	LabTests          []LabTest    `json:"lab_tests,omitempty"`
	Medications       []Medication `json:"medications,omitempty"`
	Diagnosis         []Diagnosis  `json:"diagnosis,omitempty"`
	ChiefComplaints   *string      `json:"chief_complaints,omitempty"`
	Notes             *string      `json:"notes,omitempty"`
}

// Clone returns a deep copy so callers never share mutable state with the store.
func (e *QueueEntry) Clone() *QueueEntry {
	if e == nil {
		return nil
	}
	c := *e
	c.DoctorID = cloneString(e.DoctorID)
	c.DoctorName = cloneString(e.DoctorName)
	c.ChiefComplaints = cloneString(e.ChiefComplaints)
	c.Notes = cloneString(e.Notes)
	if e.EstimatedWaitTime != nil {
		w := *e.EstimatedWaitTime
		c.EstimatedWaitTime = &w
	}
	if e.Vitals != nil {
		v := *e.Vitals
		v.Height = cloneFloat(e.Vitals.Height)
		v.Weight = cloneFloat(e.Vitals.Weight)
		v.BMI = cloneFloat(e.Vitals.BMI)
		v.Notes = cloneString(e.Vitals.Notes)
		c.Vitals = &v
	}
	if e.LabTests != nil {
		c.LabTests = make([]LabTest, len(e.LabTests))
		for i, t := range e.LabTests {
			t.Results = cloneString(t.Results)
			t.ResultUploadedBy = cloneString(t.ResultUploadedBy)
			if t.ResultUploadedAt != nil {
				at := *t.ResultUploadedAt
				t.ResultUploadedAt = &at
			}
			c.LabTests[i] = t
		}
	}
	if e.Medications != nil {
		c.Medications = append([]Medication(nil), e.Medications...)
	}
	if e.Diagnosis != nil {
		c.Diagnosis = make([]Diagnosis, len(e.Diagnosis))
		for i, d := range e.Diagnosis {
			d.ICDCode = cloneString(d.ICDCode)
			c.Diagnosis[i] = d
		}
	}
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}
