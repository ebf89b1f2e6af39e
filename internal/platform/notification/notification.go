// Package notification fans queue events out to named subscribers: token
// boards, SMS and push gateways, pharmacy email and peer instances. Delivery
// is best effort: Publish never blocks, events that do not fit a subscriber's
// buffer are dropped, and failed deliveries are not retried.
package notification

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

// EventType names the kind of queue event.
type EventType string

const (
	EventPatientNotification EventType = "patient-notification"
	EventDoctorNotification  EventType = "doctor-notification"
	EventPrescriptionReady   EventType = "prescription-ready"
)

// Event is a structured notification about a queue entry.
type Event struct {
	ID          string    `json:"id"`
	Type        EventType `json:"type"`
	QueueID     string    `json:"queue_id,omitempty"`
	PatientID   string    `json:"patient_id,omitempty"`
	PatientName string    `json:"patient_name,omitempty"`
	TokenNumber int       `json:"token_number,omitempty"`
	Message     string    `json:"message"`
	Destination string    `json:"destination"`
	Priority    string    `json:"priority,omitempty"`
	DoctorID    string    `json:"doctor_id,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Destinations used by the queue. Doctor and patient destinations are
// addressed per id.
const (
	DestinationEmergency = "emergency"
	DestinationVitals    = "vitals"
	DestinationDoctors   = "doctors"
	DestinationPharmacy  = "pharmacy"
)

func DoctorDestination(doctorID string) string   { return "doctor:" + doctorID }
func PatientDestination(patientID string) string { return "patient:" + patientID }

// ---------------------------------------------------------------------------
// Subscribers
// ---------------------------------------------------------------------------

// Subscriber receives events from the Dispatcher on its own goroutine.
type Subscriber interface {
	Deliver(ctx context.Context, event Event) error
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc func(ctx context.Context, event Event) error

func (f SubscriberFunc) Deliver(ctx context.Context, event Event) error { return f(ctx, event) }

type subscription struct {
	name      string
	sub       Subscriber
	types     map[EventType]bool
	queue     chan Event
	delivered atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
}

func (s *subscription) wants(t EventType) bool {
	return len(s.types) == 0 || s.types[t]
}

// SubscriberStats reports delivery counters for one subscriber.
type SubscriberStats struct {
	Name      string      `json:"name"`
	Types     []EventType `json:"types,omitempty"`
	Delivered int64       `json:"delivered"`
	Dropped   int64       `json:"dropped"`
	Failed    int64       `json:"failed"`
	Pending   int         `json:"pending"`
}

// ---------------------------------------------------------------------------
// Dispatcher
// ---------------------------------------------------------------------------

// Config tunes the Dispatcher.
type Config struct {
	BufferSize      int
	DeliveryTimeout time.Duration
}

// DefaultConfig returns the dispatcher defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize:      64,
		DeliveryTimeout: 5 * time.Second,
	}
}

// Dispatcher is a publish/subscribe fan-out. Each subscriber owns a bounded
// buffer drained by a dedicated goroutine.
type Dispatcher struct {
	cfg    Config
	logger zerolog.Logger

	mu     sync.RWMutex
	subs   map[string]*subscription
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher creates a Dispatcher. Zero config values fall back to
// DefaultConfig.
func NewDispatcher(cfg Config, logger zerolog.Logger) *Dispatcher {
	def := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = def.DeliveryTimeout
	}
	return &Dispatcher{
		cfg:    cfg,
		logger: logger.With().Str("component", "notification").Logger(),
		subs:   make(map[string]*subscription),
	}
}

// Subscribe registers sub under name. With no types the subscriber receives
// every event.
func (d *Dispatcher) Subscribe(name string, sub Subscriber, types ...EventType) error {
	if name == "" {
		return fmt.Errorf("subscriber name is required")
	}
	if sub == nil {
		return fmt.Errorf("subscriber %q is nil", name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return fmt.Errorf("dispatcher is closed")
	}
	if _, exists := d.subs[name]; exists {
		return fmt.Errorf("subscriber %q already registered", name)
	}

	s := &subscription{
		name:  name,
		sub:   sub,
		types: make(map[EventType]bool, len(types)),
		queue: make(chan Event, d.cfg.BufferSize),
	}
	for _, t := range types {
		s.types[t] = true
	}
	d.subs[name] = s

	d.wg.Add(1)
	go d.run(s)

	d.logger.Info().Str("subscriber", name).Msg("subscriber registered")
	return nil
}

// Unsubscribe removes a subscriber. Events already buffered are still
// delivered.
func (d *Dispatcher) Unsubscribe(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.subs[name]
	if !ok {
		return
	}
	delete(d.subs, name)
	close(s.queue)
}

// Publish hands the event to every interested subscriber without blocking.
func (d *Dispatcher) Publish(event Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return
	}

	for _, s := range d.subs {
		if !s.wants(event.Type) {
			continue
		}
		select {
		case s.queue <- event:
		default:
			s.dropped.Add(1)
			d.logger.Warn().
				Str("subscriber", s.name).
				Str("event_type", string(event.Type)).
				Str("queue_id", event.QueueID).
				Msg("subscriber buffer full, event dropped")
		}
	}
}

// Close stops accepting events and waits for buffered events to drain.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for name, s := range d.subs {
		close(s.queue)
		delete(d.subs, name)
	}
	d.mu.Unlock()

	d.wg.Wait()
}

// Stats returns per-subscriber counters sorted by name.
func (d *Dispatcher) Stats() []SubscriberStats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]SubscriberStats, 0, len(d.subs))
	for _, s := range d.subs {
		st := SubscriberStats{
			Name:      s.name,
			Delivered: s.delivered.Load(),
			Dropped:   s.dropped.Load(),
			Failed:    s.failed.Load(),
			Pending:   len(s.queue),
		}
		for t := range s.types {
			st.Types = append(st.Types, t)
		}
		sort.Slice(st.Types, func(i, j int) bool { return st.Types[i] < st.Types[j] })
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (d *Dispatcher) run(s *subscription) {
	defer d.wg.Done()
	for event := range s.queue {
		if err := d.deliver(s, event); err != nil {
			s.failed.Add(1)
			d.logger.Error().Err(err).
				Str("subscriber", s.name).
				Str("event_type", string(event.Type)).
				Str("queue_id", event.QueueID).
				Msg("notification delivery failed")
			continue
		}
		s.delivered.Add(1)
	}
}

func (d *Dispatcher) deliver(s *subscription, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.DeliveryTimeout)
	defer cancel()
	return s.sub.Deliver(ctx, event)
}

// ---------------------------------------------------------------------------
// HTTP Handler
// ---------------------------------------------------------------------------

// StatsHandler exposes dispatcher counters over HTTP.
type StatsHandler struct {
	dispatcher *Dispatcher
}

func NewStatsHandler(d *Dispatcher) *StatsHandler {
	return &StatsHandler{dispatcher: d}
}

// RegisterRoutes registers GET /notifications/stats on the given group.
func (h *StatsHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/notifications/stats", h.HandleStats)
}

func (h *StatsHandler) HandleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"subscribers": h.dispatcher.Stats(),
	})
}
