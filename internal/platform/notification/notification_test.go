package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"firebase.google.com/go/v4/messaging"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Test doubles
// ---------------------------------------------------------------------------

type recorder struct {
	mu     sync.Mutex
	events []Event
	got    chan Event
}

func newRecorder() *recorder {
	return &recorder{got: make(chan Event, 16)}
}

func (r *recorder) Deliver(_ context.Context, ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.got <- ev
	return nil
}

func (r *recorder) wait(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-r.got:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

type emailCall struct {
	To      string
	Subject string
	Body    string
}

type mockEmailSender struct {
	mu    sync.Mutex
	calls []emailCall
	err   error
}

func (m *mockEmailSender) SendEmail(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, emailCall{To: to, Subject: subject, Body: body})
	return m.err
}

type smsCall struct {
	To   string
	Body string
}

type mockSMSSender struct {
	mu    sync.Mutex
	calls []smsCall
}

func (m *mockSMSSender) SendSMS(_ context.Context, to, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, smsCall{To: to, Body: body})
	return nil
}

type mockPushClient struct {
	messages []*messaging.Message
}

func (m *mockPushClient) Send(_ context.Context, msg *messaging.Message) (string, error) {
	m.messages = append(m.messages, msg)
	return "projects/test/messages/1", nil
}

type fakeRedis struct {
	mu        sync.Mutex
	published map[string][]string
	hashes    map[string]map[string]string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		published: make(map[string][]string),
		hashes:    make(map[string]map[string]string),
	}
}

func (f *fakeRedis) Publish(_ context.Context, channel string, message interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var s string
	switch m := message.(type) {
	case []byte:
		s = string(m)
	case string:
		s = m
	}
	f.published[channel] = append(f.published[channel], s)
	return redis.NewIntResult(1, nil)
}

func (f *fakeRedis) HGet(_ context.Context, key, field string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.hashes[key][field]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) HSet(_ context.Context, key string, values ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hashes[key]
	if !ok {
		h = make(map[string]string)
		f.hashes[key] = h
	}
	for i := 0; i+1 < len(values); i += 2 {
		h[values[i].(string)] = values[i+1].(string)
	}
	return redis.NewIntResult(int64(len(values)/2), nil)
}

func testEvent(typ EventType, dest string) Event {
	return Event{
		Type:        typ,
		QueueID:     "q-1",
		PatientID:   "p-1",
		PatientName: "Alice",
		TokenNumber: 7,
		Message:     "Patient Alice (Token #7) has been assigned to you",
		Destination: dest,
		Priority:    "normal",
	}
}

// ---------------------------------------------------------------------------
// Dispatcher Tests
// ---------------------------------------------------------------------------

func TestDispatcher_FanOut(t *testing.T) {
	d := NewDispatcher(Config{}, zerolog.Nop())
	a, b := newRecorder(), newRecorder()
	if err := d.Subscribe("a", a); err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	if err := d.Subscribe("b", b); err != nil {
		t.Fatalf("subscribe b: %v", err)
	}

	d.Publish(testEvent(EventDoctorNotification, DoctorDestination("d1")))

	for _, r := range []*recorder{a, b} {
		ev := r.wait(t)
		if ev.ID == "" {
			t.Error("expected event id to be assigned")
		}
		if ev.OccurredAt.IsZero() {
			t.Error("expected occurred_at to be set")
		}
		if ev.Destination != "doctor:d1" {
			t.Errorf("destination = %q, want %q", ev.Destination, "doctor:d1")
		}
	}
	d.Close()
}

func TestDispatcher_TypeFilter(t *testing.T) {
	d := NewDispatcher(Config{}, zerolog.Nop())
	pharmacy := newRecorder()
	if err := d.Subscribe("pharmacy", pharmacy, EventPrescriptionReady); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	d.Publish(testEvent(EventPatientNotification, PatientDestination("p-1")))
	d.Publish(testEvent(EventPrescriptionReady, DestinationPharmacy))
	d.Close()

	if len(pharmacy.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(pharmacy.events))
	}
	if pharmacy.events[0].Type != EventPrescriptionReady {
		t.Errorf("type = %q, want %q", pharmacy.events[0].Type, EventPrescriptionReady)
	}
}

func TestDispatcher_SubscribeValidation(t *testing.T) {
	d := NewDispatcher(Config{}, zerolog.Nop())
	defer d.Close()

	if err := d.Subscribe("", newRecorder()); err == nil {
		t.Error("expected error for empty name")
	}
	if err := d.Subscribe("nil", nil); err == nil {
		t.Error("expected error for nil subscriber")
	}
	if err := d.Subscribe("dup", newRecorder()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := d.Subscribe("dup", newRecorder()); err == nil {
		t.Error("expected error for duplicate name")
	}
}

func TestDispatcher_FullBufferDrops(t *testing.T) {
	d := NewDispatcher(Config{BufferSize: 1}, zerolog.Nop())

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	slow := SubscriberFunc(func(ctx context.Context, ev Event) error {
		started <- struct{}{}
		<-release
		return nil
	})
	if err := d.Subscribe("slow", slow); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	d.Publish(testEvent(EventPatientNotification, "vitals"))
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never started")
	}

	// One event fits in the buffer; the next is dropped.
	d.Publish(testEvent(EventPatientNotification, "vitals"))
	d.Publish(testEvent(EventPatientNotification, "vitals"))

	stats := d.Stats()
	if len(stats) != 1 {
		t.Fatalf("expected 1 subscriber in stats, got %d", len(stats))
	}
	if stats[0].Dropped != 1 {
		t.Errorf("dropped = %d, want 1", stats[0].Dropped)
	}

	close(release)
	d.Close()
}

func TestDispatcher_PublishDoesNotBlock(t *testing.T) {
	d := NewDispatcher(Config{BufferSize: 1}, zerolog.Nop())
	block := make(chan struct{})
	_ = d.Subscribe("stuck", SubscriberFunc(func(ctx context.Context, ev Event) error {
		<-block
		return nil
	}))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			d.Publish(testEvent(EventPatientNotification, "vitals"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a stuck subscriber")
	}
	close(block)
	d.Close()
}

func TestDispatcher_FailuresAndPanicsCounted(t *testing.T) {
	d := NewDispatcher(Config{}, zerolog.Nop())
	_ = d.Subscribe("failing", SubscriberFunc(func(ctx context.Context, ev Event) error {
		return errors.New("gateway down")
	}))
	_ = d.Subscribe("panicking", SubscriberFunc(func(ctx context.Context, ev Event) error {
		panic("boom")
	}))
	ok := newRecorder()
	_ = d.Subscribe("ok", ok)

	d.Publish(testEvent(EventDoctorNotification, DestinationDoctors))
	ok.wait(t)

	// Close drains the queues, so counters are final afterwards. Read them
	// before Close removes the subscriptions.
	var failing, panicking SubscriberStats
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, s := range d.Stats() {
			switch s.Name {
			case "failing":
				failing = s
			case "panicking":
				panicking = s
			}
		}
		if failing.Failed == 1 && panicking.Failed == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if failing.Failed != 1 {
		t.Errorf("failing.Failed = %d, want 1", failing.Failed)
	}
	if panicking.Failed != 1 {
		t.Errorf("panicking.Failed = %d, want 1", panicking.Failed)
	}
	d.Close()
}

func TestDispatcher_Unsubscribe(t *testing.T) {
	d := NewDispatcher(Config{}, zerolog.Nop())
	r := newRecorder()
	_ = d.Subscribe("board", r)
	d.Unsubscribe("board")
	d.Unsubscribe("board")

	d.Publish(testEvent(EventPatientNotification, "vitals"))
	d.Close()

	if len(r.events) != 0 {
		t.Errorf("expected no events after unsubscribe, got %d", len(r.events))
	}
	if len(d.Stats()) != 0 {
		t.Errorf("expected no subscribers, got %d", len(d.Stats()))
	}
}

func TestDispatcher_CloseIsIdempotent(t *testing.T) {
	d := NewDispatcher(Config{}, zerolog.Nop())
	_ = d.Subscribe("a", newRecorder())
	d.Close()
	d.Close()
	d.Publish(testEvent(EventPatientNotification, "vitals"))
	if err := d.Subscribe("b", newRecorder()); err == nil {
		t.Error("expected error subscribing to a closed dispatcher")
	}
}

func TestDispatcher_ConcurrentPublish(t *testing.T) {
	d := NewDispatcher(Config{BufferSize: 1000}, zerolog.Nop())
	var mu sync.Mutex
	count := 0
	_ = d.Subscribe("counter", SubscriberFunc(func(ctx context.Context, ev Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				d.Publish(testEvent(EventPatientNotification, "vitals"))
			}
		}()
	}
	wg.Wait()
	d.Close()

	if count != 200 {
		t.Errorf("delivered = %d, want 200", count)
	}
}

// ---------------------------------------------------------------------------
// Template Engine Tests
// ---------------------------------------------------------------------------

func TestTemplateEngine_RegisterAndRender(t *testing.T) {
	eng := NewTemplateEngine()
	eng.RegisterTemplate(Template{
		ID:      "test-tpl",
		Name:    "Test Template",
		Subject: "Hello {{name}}",
		Body:    "Dear {{name}}, your token is {{token}}.",
	})

	subject, body, err := eng.Render("test-tpl", map[string]string{
		"name":  "Alice",
		"token": "12",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if subject != "Hello Alice" {
		t.Errorf("subject = %q, want %q", subject, "Hello Alice")
	}
	if body != "Dear Alice, your token is 12." {
		t.Errorf("body = %q, want %q", body, "Dear Alice, your token is 12.")
	}
}

func TestTemplateEngine_RenderMissing(t *testing.T) {
	eng := NewTemplateEngine()
	_, _, err := eng.Render("nonexistent", nil)
	if err == nil {
		t.Fatal("expected error for missing template, got nil")
	}
}

func TestTemplateEngine_BuiltInTemplates(t *testing.T) {
	eng := NewTemplateEngine()
	data := TemplateData(testEvent(EventPrescriptionReady, DestinationPharmacy))
	for _, id := range []string{TemplatePatientSMS, TemplateTokenCalledSMS, TemplatePrescriptionEmail} {
		subject, body, err := eng.Render(id, data)
		if err != nil {
			t.Errorf("built-in template %q not found: %v", id, err)
			continue
		}
		if strings.Contains(subject, "{{") || strings.Contains(body, "{{") {
			t.Errorf("template %q left placeholders: %q / %q", id, subject, body)
		}
	}
}

func TestTemplateEngine_RenderMissingKey(t *testing.T) {
	eng := NewTemplateEngine()
	_, body, err := eng.Render(TemplatePatientSMS, map[string]string{"token_number": "3"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if body != "Token #3: {{message}}" {
		t.Errorf("body = %q, want %q", body, "Token #3: {{message}}")
	}
}

// ---------------------------------------------------------------------------
// Sink Tests
// ---------------------------------------------------------------------------

func TestSMSSink_PatientDestination(t *testing.T) {
	sender := &mockSMSSender{}
	dir := NewMemoryPhoneDirectory()
	_ = dir.SetPhoneNumber(context.Background(), "p-1", "+15550001")
	sink := NewSMSSink(sender, dir, NewTemplateEngine(), zerolog.Nop())

	ev := testEvent(EventPatientNotification, PatientDestination("p-1"))
	ev.Message = "Please proceed to Room 3"
	if err := sink.Deliver(context.Background(), ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sender.calls) != 1 {
		t.Fatalf("expected 1 sms, got %d", len(sender.calls))
	}
	if sender.calls[0].To != "+15550001" {
		t.Errorf("to = %q, want %q", sender.calls[0].To, "+15550001")
	}
	if sender.calls[0].Body != "Token #7: Please proceed to Room 3" {
		t.Errorf("body = %q", sender.calls[0].Body)
	}
}

func TestSMSSink_SkipsStaffAndUnknownNumbers(t *testing.T) {
	sender := &mockSMSSender{}
	sink := NewSMSSink(sender, NewMemoryPhoneDirectory(), NewTemplateEngine(), zerolog.Nop())

	if err := sink.Deliver(context.Background(), testEvent(EventDoctorNotification, DestinationDoctors)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := sink.Deliver(context.Background(), testEvent(EventPatientNotification, PatientDestination("p-1"))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sender.calls) != 0 {
		t.Errorf("expected no sms, got %d", len(sender.calls))
	}
}

func TestEmailSink_Prescription(t *testing.T) {
	sender := &mockEmailSender{}
	sink := NewEmailSink(sender, "pharmacy@clinic.test", NewTemplateEngine())

	ev := testEvent(EventPrescriptionReady, DestinationPharmacy)
	ev.Message = "New prescription for patient Alice (Token #7)"
	if err := sink.Deliver(context.Background(), ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := sink.Deliver(context.Background(), testEvent(EventPatientNotification, "vitals")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(sender.calls) != 1 {
		t.Fatalf("expected 1 email, got %d", len(sender.calls))
	}
	call := sender.calls[0]
	if call.To != "pharmacy@clinic.test" {
		t.Errorf("to = %q, want %q", call.To, "pharmacy@clinic.test")
	}
	if call.Subject != "New prescription: Alice (Token #7)" {
		t.Errorf("subject = %q", call.Subject)
	}
	if !strings.HasPrefix(call.Body, "New prescription for patient Alice (Token #7)") {
		t.Errorf("body = %q", call.Body)
	}
}

func TestEmailSink_SenderError(t *testing.T) {
	sender := &mockEmailSender{err: errors.New("smtp refused")}
	sink := NewEmailSink(sender, "pharmacy@clinic.test", NewTemplateEngine())
	if err := sink.Deliver(context.Background(), testEvent(EventPrescriptionReady, DestinationPharmacy)); err == nil {
		t.Fatal("expected error from sender")
	}
}

func TestGomailSender_RequiresConfig(t *testing.T) {
	if _, err := NewGomailSender(SMTPConfig{From: "a@b.c"}); err == nil {
		t.Error("expected error for missing host")
	}
	if _, err := NewGomailSender(SMTPConfig{Host: "smtp.test"}); err == nil {
		t.Error("expected error for missing from address")
	}
}

func TestTwilioSMSSender_RequiresConfig(t *testing.T) {
	if _, err := NewTwilioSMSSender(TwilioConfig{FromNumber: "+1555"}); err == nil {
		t.Error("expected error for missing credentials")
	}
	if _, err := NewTwilioSMSSender(TwilioConfig{AccountSID: "AC1", AuthToken: "tok"}); err == nil {
		t.Error("expected error for missing sender number")
	}
}

func TestPushSink_Topic(t *testing.T) {
	tests := []struct {
		dest string
		want string
	}{
		{"doctor:d1", "doctor-d1"},
		{"emergency", "emergency"},
		{"patient:abc 123", "patient-abc-123"},
	}
	for _, tt := range tests {
		if got := Topic(tt.dest); got != tt.want {
			t.Errorf("Topic(%q) = %q, want %q", tt.dest, got, tt.want)
		}
	}
}

func TestPushSink_Deliver(t *testing.T) {
	client := &mockPushClient{}
	sink := NewPushSink(client)

	ev := testEvent(EventDoctorNotification, DestinationEmergency)
	ev.Priority = "emergency"
	if err := sink.Deliver(context.Background(), ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(client.messages) != 1 {
		t.Fatalf("expected 1 push, got %d", len(client.messages))
	}
	msg := client.messages[0]
	if msg.Topic != "emergency" {
		t.Errorf("topic = %q, want %q", msg.Topic, "emergency")
	}
	if msg.Android == nil || msg.Android.Priority != "high" {
		t.Error("expected high android priority for emergency")
	}
	if msg.Data["token_number"] != "7" {
		t.Errorf("token_number = %q, want %q", msg.Data["token_number"], "7")
	}
}

func TestRedisPublisher_Deliver(t *testing.T) {
	fake := newFakeRedis()
	pub := NewRedisPublisher(fake, "patientflow:events")

	if err := pub.Deliver(context.Background(), testEvent(EventPatientNotification, "vitals")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msgs := fake.published["patientflow:events"]
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	var ev Event
	if err := json.Unmarshal([]byte(msgs[0]), &ev); err != nil {
		t.Fatalf("invalid payload: %v", err)
	}
	if ev.TokenNumber != 7 || ev.Destination != "vitals" {
		t.Errorf("unexpected payload: %+v", ev)
	}
}

func TestRedisPhoneDirectory(t *testing.T) {
	fake := newFakeRedis()
	dir := NewRedisPhoneDirectory(fake, "")
	ctx := context.Background()

	if _, err := dir.PhoneNumber(ctx, "p-1"); !errors.Is(err, ErrNoPhoneNumber) {
		t.Errorf("expected ErrNoPhoneNumber, got %v", err)
	}
	if err := dir.SetPhoneNumber(ctx, "p-1", "+15550001"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	phone, err := dir.PhoneNumber(ctx, "p-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if phone != "+15550001" {
		t.Errorf("phone = %q, want %q", phone, "+15550001")
	}
	if _, ok := fake.hashes[DefaultPhoneKey]; !ok {
		t.Errorf("expected hash %q to be used", DefaultPhoneKey)
	}
}

// ---------------------------------------------------------------------------
// Handler Tests
// ---------------------------------------------------------------------------

func TestStatsHandler(t *testing.T) {
	d := NewDispatcher(Config{}, zerolog.Nop())
	r := newRecorder()
	_ = d.Subscribe("board", r)
	d.Publish(testEvent(EventPatientNotification, "vitals"))
	r.wait(t)

	// Delivered is incremented after Deliver returns.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && d.Stats()[0].Delivered == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	h := NewStatsHandler(d)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/notifications/stats", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.HandleStats(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp struct {
		Subscribers []SubscriberStats `json:"subscribers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(resp.Subscribers) != 1 || resp.Subscribers[0].Name != "board" {
		t.Fatalf("unexpected subscribers: %+v", resp.Subscribers)
	}
	if resp.Subscribers[0].Delivered != 1 {
		t.Errorf("delivered = %d, want 1", resp.Subscribers[0].Delivered)
	}
	d.Close()
}
