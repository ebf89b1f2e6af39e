package patientflow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/patientflow/internal/platform/notification"
)

// EventPublisher receives queue events after a mutation has been stored.
// Publish must not block.
type EventPublisher interface {
	Publish(ev notification.Event)
}

// ContactBook stores the phone number a patient gave at registration.
type ContactBook interface {
	SetPhoneNumber(ctx context.Context, patientID, phone string) error
}

type discardPublisher struct{}

func (discardPublisher) Publish(notification.Event) {}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func validateStruct(v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return validationError("%v", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param()))
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s is %s", fe.Field(), fe.Tag()))
	}
	return validationError("%s", strings.Join(msgs, "; "))
}

// Service is the queue store. Every mutation of an entry runs under that
// entry's lock, is checked against the transition table, and publishes its
// events only after the new state has been stored.
type Service struct {
	repo      QueueRepository
	tokens    *TokenAllocator
	locks     *entryLocks
	estimator Estimator
	events    EventPublisher
	contacts  ContactBook
	logger    zerolog.Logger
	now       func() time.Time
}

// NewService creates a Service. A nil estimator uses DefaultWaitTable and a
// nil publisher discards events.
func NewService(repo QueueRepository, estimator Estimator, events EventPublisher) *Service {
	if estimator == nil {
		estimator = DefaultWaitTable()
	}
	if events == nil {
		events = discardPublisher{}
	}
	return &Service{
		repo:      repo,
		tokens:    NewTokenAllocator(repo),
		locks:     newEntryLocks(),
		estimator: estimator,
		events:    events,
		logger:    zerolog.Nop(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) SetLogger(l zerolog.Logger) {
	s.logger = l.With().Str("component", "patientflow").Logger()
}

// SetContactBook attaches an optional store for patient phone numbers.
func (s *Service) SetContactBook(c ContactBook) {
	s.contacts = c
}

// -- Registration --

// Registration is the input to Register.
type Registration struct {
	PatientID       string   `json:"patient_id" validate:"required"`
	PatientName     string   `json:"patient_name" validate:"required"`
	Priority        Priority `json:"priority" validate:"omitempty,oneof=normal urgent emergency"`
	Phone           *string  `json:"phone,omitempty" validate:"omitempty,e164"`
	ChiefComplaints *string  `json:"chief_complaints,omitempty"`
	Notes           *string  `json:"notes,omitempty"`
}

// RegisterPatient creates a new visit in status registered with the next
// serving token.
func (s *Service) RegisterPatient(ctx context.Context, patientID, patientName string, priority Priority) (*QueueEntry, error) {
	return s.Register(ctx, Registration{PatientID: patientID, PatientName: patientName, Priority: priority})
}

func (s *Service) Register(ctx context.Context, r Registration) (*QueueEntry, error) {
	if r.Priority == "" {
		r.Priority = PriorityNormal
	}
	if err := validateStruct(r); err != nil {
		return nil, err
	}

	now := s.now()
	entry := &QueueEntry{
		ID:                uuid.New(),
		PatientID:         r.PatientID,
		PatientName:       r.PatientName,
		Status:            StatusRegistered,
		Priority:          r.Priority,
		RegisteredAt:      now,
		LastUpdatedAt:     now,
		EstimatedWaitTime: s.estimator.Estimate(StatusRegistered, r.Priority),
		ChiefComplaints:   r.ChiefComplaints,
		Notes:             r.Notes,
	}

	_, err := s.tokens.Allocate(ctx, func(token int) error {
		entry.TokenNumber = token
		return s.repo.Create(ctx, entry)
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateTokenAllocation) {
			s.logger.Error().Err(err).Str("patient_id", r.PatientID).Msg("token allocation collided")
		}
		return nil, err
	}

	if r.Phone != nil && s.contacts != nil {
		if err := s.contacts.SetPhoneNumber(ctx, r.PatientID, *r.Phone); err != nil {
			s.logger.Warn().Err(err).Str("patient_id", r.PatientID).Msg("failed to store phone number")
		}
	}

	s.logger.Info().
		Str("queue_id", entry.ID.String()).
		Int("token", entry.TokenNumber).
		Str("priority", string(entry.Priority)).
		Msg("patient registered")

	if entry.Priority == PriorityEmergency {
		s.publish(s.emergencyEvent(entry))
	}
	return entry, nil
}

// -- Status --

func (s *Service) UpdatePatientStatus(ctx context.Context, id uuid.UUID, status Status) (*QueueEntry, error) {
	if !status.Valid() {
		return nil, validationError("unknown status %q", status)
	}
	return s.mutate(ctx, id, func(e *QueueEntry) ([]notification.Event, error) {
		if err := s.transition(e, status); err != nil {
			return nil, err
		}
		if status == StatusWaitingVitals {
			return []notification.Event{s.event(notification.EventPatientNotification, e,
				notification.DestinationVitals,
				fmt.Sprintf("Patient %s (Token #%d) is ready for vitals", e.PatientName, e.TokenNumber))}, nil
		}
		return nil, nil
	})
}

// AssignDoctor attaches a doctor and moves the entry to with_doctor.
func (s *Service) AssignDoctor(ctx context.Context, id uuid.UUID, doctorID, doctorName string) (*QueueEntry, error) {
	if strings.TrimSpace(doctorID) == "" {
		return nil, validationError("doctor_id is required")
	}
	if strings.TrimSpace(doctorName) == "" {
		return nil, validationError("doctor_name is required")
	}
	return s.mutate(ctx, id, func(e *QueueEntry) ([]notification.Event, error) {
		if err := s.transition(e, StatusWithDoctor); err != nil {
			return nil, err
		}
		e.DoctorID = &doctorID
		e.DoctorName = &doctorName
		return []notification.Event{s.event(notification.EventDoctorNotification, e,
			notification.DoctorDestination(doctorID),
			fmt.Sprintf("Patient %s (Token #%d) has been assigned to you", e.PatientName, e.TokenNumber))}, nil
	})
}

// UpdatePriority changes the urgency tier and recomputes the estimate for the
// current status. Escalating to emergency alerts the emergency destination.
func (s *Service) UpdatePriority(ctx context.Context, id uuid.UUID, priority Priority) (*QueueEntry, error) {
	if !priority.Valid() {
		return nil, validationError("unknown priority %q", priority)
	}
	return s.mutate(ctx, id, func(e *QueueEntry) ([]notification.Event, error) {
		if err := requireActive(e); err != nil {
			return nil, err
		}
		previous := e.Priority
		e.Priority = priority
		e.EstimatedWaitTime = s.estimator.Estimate(e.Status, priority)
		if priority == PriorityEmergency && previous != PriorityEmergency {
			return []notification.Event{s.emergencyEvent(e)}, nil
		}
		return nil, nil
	})
}

// -- Vitals --

// RecordVitals stores the vitals record and moves the entry to vitals_taken.
// It is only accepted while the patient is still waiting for vitals.
func (s *Service) RecordVitals(ctx context.Context, id uuid.UUID, v Vitals) (*QueueEntry, error) {
	return s.mutate(ctx, id, func(e *QueueEntry) ([]notification.Event, error) {
		if e.Status != StatusRegistered && e.Status != StatusWaitingVitals {
			return nil, transitionError(e.Status, StatusVitalsTaken)
		}
		if err := validateStruct(v); err != nil {
			return nil, err
		}
		if v.BMI == nil && v.Height != nil && v.Weight != nil {
			bmi := BMI(*v.Height, *v.Weight)
			v.BMI = &bmi
		}
		if v.RecordedAt.IsZero() {
			v.RecordedAt = s.now()
		}
		if err := s.transition(e, StatusVitalsTaken); err != nil {
			return nil, err
		}
		e.Vitals = &v

		dest := notification.DestinationDoctors
		if e.DoctorID != nil {
			dest = notification.DoctorDestination(*e.DoctorID)
		}
		return []notification.Event{s.event(notification.EventDoctorNotification, e, dest,
			fmt.Sprintf("Patient %s (Token #%d) vitals recorded and ready for consultation", e.PatientName, e.TokenNumber))}, nil
	})
}

// BMI computes body-mass index from height in centimetres and weight in
// kilograms, rounded to one decimal.
func BMI(heightCM, weightKG float64) float64 {
	m := heightCM / 100
	return math.Round(weightKG/(m*m)*10) / 10
}

// -- Lab --

// LabTestUpdate is the input to UpdateLabTestStatus.
type LabTestUpdate struct {
	Status     LabTestStatus `json:"status"`
	Results    *string       `json:"results,omitempty"`
	UploadedBy string        `json:"uploaded_by,omitempty"`
}

func (s *Service) OrderLabTests(ctx context.Context, id uuid.UUID, orders []LabTestOrder) (*QueueEntry, error) {
	if len(orders) == 0 {
		return nil, validationError("at least one lab test is required")
	}
	for i := range orders {
		if err := validateStruct(orders[i]); err != nil {
			return nil, err
		}
	}
	return s.mutate(ctx, id, func(e *QueueEntry) ([]notification.Event, error) {
		if err := s.transition(e, StatusLabOrdered); err != nil {
			return nil, err
		}
		now := s.now()
		for _, o := range orders {
			e.LabTests = append(e.LabTests, LabTest{
				ID:        uuid.New(),
				Name:      o.Name,
				Status:    LabTestOrdered,
				OrderedBy: o.OrderedBy,
				OrderedAt: now,
			})
		}
		return nil, nil
	})
}

// UpdateLabTestStatus updates one test. Once every test on the entry is
// completed or cancelled, a lab_ordered entry moves to lab_completed.
func (s *Service) UpdateLabTestStatus(ctx context.Context, id, testID uuid.UUID, upd LabTestUpdate) (*QueueEntry, error) {
	if !upd.Status.Valid() {
		return nil, validationError("unknown lab test status %q", upd.Status)
	}
	return s.mutate(ctx, id, func(e *QueueEntry) ([]notification.Event, error) {
		if err := requireActive(e); err != nil {
			return nil, err
		}
		idx := -1
		for i := range e.LabTests {
			if e.LabTests[i].ID == testID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("%w: lab test %s", ErrEntryNotFound, testID)
		}

		test := &e.LabTests[idx]
		test.Status = upd.Status
		if upd.Results != nil {
			at := s.now()
			results := *upd.Results
			test.Results = &results
			test.ResultUploadedAt = &at
			if upd.UploadedBy != "" {
				by := upd.UploadedBy
				test.ResultUploadedBy = &by
			}
		}

		if e.Status != StatusLabOrdered || !allResolved(e.LabTests) {
			return nil, nil
		}
		if err := s.transition(e, StatusLabCompleted); err != nil {
			return nil, err
		}
		dest := notification.DestinationDoctors
		if e.DoctorID != nil {
			dest = notification.DoctorDestination(*e.DoctorID)
		}
		return []notification.Event{s.event(notification.EventDoctorNotification, e, dest,
			fmt.Sprintf("Lab results are ready for patient %s (Token #%d)", e.PatientName, e.TokenNumber))}, nil
	})
}

func allResolved(tests []LabTest) bool {
	for _, t := range tests {
		if !t.Status.Resolved() {
			return false
		}
	}
	return true
}

// -- Consultation --

func (s *Service) RecordDiagnosis(ctx context.Context, id uuid.UUID, d Diagnosis) (*QueueEntry, error) {
	if err := validateStruct(d); err != nil {
		return nil, err
	}
	return s.mutate(ctx, id, func(e *QueueEntry) ([]notification.Event, error) {
		if err := requireActive(e); err != nil {
			return nil, err
		}
		d.ID = uuid.New()
		e.Diagnosis = append(e.Diagnosis, d)
		return nil, nil
	})
}

// PrescribeMedications appends prescriptions and hands the patient to the
// pharmacy.
func (s *Service) PrescribeMedications(ctx context.Context, id uuid.UUID, meds []Medication) (*QueueEntry, error) {
	if len(meds) == 0 {
		return nil, validationError("at least one medication is required")
	}
	for i := range meds {
		if err := validateStruct(meds[i]); err != nil {
			return nil, err
		}
	}
	return s.mutate(ctx, id, func(e *QueueEntry) ([]notification.Event, error) {
		if err := s.transition(e, StatusPharmacy); err != nil {
			return nil, err
		}
		for _, m := range meds {
			m.ID = uuid.New()
			e.Medications = append(e.Medications, m)
		}
		return []notification.Event{s.event(notification.EventPrescriptionReady, e,
			notification.DestinationPharmacy,
			fmt.Sprintf("New prescription for patient %s (Token #%d)", e.PatientName, e.TokenNumber))}, nil
	})
}

// -- Announcements --

// CallToken announces that the entry's token is being served at destination,
// e.g. "Room 3". It does not change the entry.
func (s *Service) CallToken(ctx context.Context, id uuid.UUID, destination string) (*QueueEntry, error) {
	if strings.TrimSpace(destination) == "" {
		return nil, validationError("destination is required")
	}
	e, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := requireActive(e); err != nil {
		return nil, err
	}
	s.publish(s.event(notification.EventPatientNotification, e,
		notification.PatientDestination(e.PatientID),
		fmt.Sprintf("Token #%d for %s has been called to %s", e.TokenNumber, e.PatientName, destination)))
	return e, nil
}

func (s *Service) NotifyPatient(ctx context.Context, id uuid.UUID, message string) error {
	if strings.TrimSpace(message) == "" {
		return validationError("message is required")
	}
	e, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	s.publish(s.event(notification.EventPatientNotification, e, notification.PatientDestination(e.PatientID), message))
	return nil
}

func (s *Service) NotifyDoctor(_ context.Context, doctorID, message string) error {
	if strings.TrimSpace(doctorID) == "" {
		return validationError("doctor_id is required")
	}
	if strings.TrimSpace(message) == "" {
		return validationError("message is required")
	}
	s.publish(notification.Event{
		Type:        notification.EventDoctorNotification,
		DoctorID:    doctorID,
		Message:     message,
		Destination: notification.DoctorDestination(doctorID),
		OccurredAt:  s.now(),
	})
	return nil
}

// -- Queries --

func (s *Service) GetQueueEntry(ctx context.Context, id uuid.UUID) (*QueueEntry, error) {
	return s.repo.GetByID(ctx, id)
}

// GetQueueByStatus returns the entries in status, in serving order.
func (s *Service) GetQueueByStatus(ctx context.Context, status Status) ([]*QueueEntry, error) {
	if !status.Valid() {
		return nil, validationError("unknown status %q", status)
	}
	entries, err := s.repo.List(ctx, QueueFilter{Statuses: []Status{status}})
	if err != nil {
		return nil, err
	}
	return Schedule(entries, []Status{status}, 0), nil
}

// GetPatientQueue returns the patient's active visit, or the most recent one
// when none is active.
func (s *Service) GetPatientQueue(ctx context.Context, patientID string) (*QueueEntry, error) {
	entries, err := s.repo.List(ctx, QueueFilter{PatientID: patientID})
	if err != nil {
		return nil, err
	}
	var active, latest *QueueEntry
	for _, e := range entries {
		if latest == nil || e.TokenNumber > latest.TokenNumber {
			latest = e
		}
		if !e.Status.IsTerminal() && (active == nil || e.TokenNumber > active.TokenNumber) {
			active = e
		}
	}
	if active != nil {
		return active, nil
	}
	if latest != nil {
		return latest, nil
	}
	return nil, fmt.Errorf("%w: patient %s", ErrEntryNotFound, patientID)
}

// GetDoctorQueue returns the doctor's active entries in serving order.
func (s *Service) GetDoctorQueue(ctx context.Context, doctorID string) ([]*QueueEntry, error) {
	entries, err := s.repo.List(ctx, QueueFilter{DoctorID: doctorID})
	if err != nil {
		return nil, err
	}
	return Schedule(entries, nil, 0), nil
}

// ListQueue returns a snapshot ordered by token number.
func (s *Service) ListQueue(ctx context.Context, filter QueueFilter) ([]*QueueEntry, error) {
	for _, st := range filter.Statuses {
		if !st.Valid() {
			return nil, validationError("unknown status %q", st)
		}
	}
	return s.repo.List(ctx, filter)
}

// ScheduledQueue returns entries in the given statuses (all active when
// empty) in serving order, truncated to limit when limit > 0.
func (s *Service) ScheduledQueue(ctx context.Context, statuses []Status, limit int) ([]*QueueEntry, error) {
	filter := QueueFilter{Statuses: statuses}
	if len(statuses) == 0 {
		filter.Statuses = ActiveStatuses()
	}
	entries, err := s.ListQueue(ctx, filter)
	if err != nil {
		return nil, err
	}
	return Schedule(entries, statuses, limit), nil
}

func (s *Service) Board(ctx context.Context) (Board, error) {
	entries, err := s.repo.List(ctx, QueueFilter{Statuses: ActiveStatuses()})
	if err != nil {
		return Board{}, err
	}
	return BuildBoard(entries), nil
}

// -- internals --

// mutate loads the entry under its lock, applies fn to a private copy and
// stores the result. Events returned by fn are published after the lock is
// released and only if the update succeeded.
func (s *Service) mutate(ctx context.Context, id uuid.UUID, fn func(e *QueueEntry) ([]notification.Event, error)) (*QueueEntry, error) {
	entry, events, err := s.applyLocked(ctx, id, fn)
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		s.publish(ev)
	}
	return entry, nil
}

func (s *Service) applyLocked(ctx context.Context, id uuid.UUID, fn func(e *QueueEntry) ([]notification.Event, error)) (*QueueEntry, []notification.Event, error) {
	release := s.locks.Lock(id)
	defer release()

	entry, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	from := entry.Status
	events, err := fn(entry)
	if err != nil {
		return nil, nil, err
	}
	entry.LastUpdatedAt = s.now()
	if err := s.repo.Update(ctx, entry); err != nil {
		return nil, nil, err
	}
	if entry.Status != from {
		s.logger.Info().
			Str("queue_id", entry.ID.String()).
			Int("token", entry.TokenNumber).
			Str("from", string(from)).
			Str("to", string(entry.Status)).
			Msg("status changed")
	}
	return entry, events, nil
}

// transition is the single place an entry's status changes.
func (s *Service) transition(e *QueueEntry, to Status) error {
	if err := checkTransition(e.Status, to); err != nil {
		return err
	}
	e.Status = to
	e.EstimatedWaitTime = s.estimator.Estimate(to, e.Priority)
	return nil
}

func requireActive(e *QueueEntry) error {
	if e.Status.IsTerminal() {
		return fmt.Errorf("%w: entry is %s", ErrInvalidStateTransition, e.Status)
	}
	return nil
}

func (s *Service) event(typ notification.EventType, e *QueueEntry, destination, message string) notification.Event {
	ev := notification.Event{
		Type:        typ,
		QueueID:     e.ID.String(),
		PatientID:   e.PatientID,
		PatientName: e.PatientName,
		TokenNumber: e.TokenNumber,
		Message:     message,
		Destination: destination,
		Priority:    string(e.Priority),
		OccurredAt:  s.now(),
	}
	if e.DoctorID != nil {
		ev.DoctorID = *e.DoctorID
	}
	return ev
}

func (s *Service) emergencyEvent(e *QueueEntry) notification.Event {
	return s.event(notification.EventPatientNotification, e, notification.DestinationEmergency,
		fmt.Sprintf("EMERGENCY: Patient %s (Token #%d) needs immediate attention", e.PatientName, e.TokenNumber))
}

func (s *Service) publish(ev notification.Event) {
	s.events.Publish(ev)
}
