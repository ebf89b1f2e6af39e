package notification

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Built-in template ids.
const (
	TemplatePatientSMS        = "patient-sms"
	TemplateTokenCalledSMS    = "token-called-sms"
	TemplatePrescriptionEmail = "prescription-email"
)

// Template defines a reusable message template. Placeholders use {{key}}.
type Template struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateEngine manages templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		templates: make(map[string]*Template),
	}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:   TemplatePatientSMS,
			Name: "Patient Update",
			Body: "Token #{{token_number}}: {{message}}",
		},
		{
			ID:   TemplateTokenCalledSMS,
			Name: "Token Called",
			Body: "{{patient_name}}, token #{{token_number}} has been called. Please proceed to {{destination}}.",
		},
		{
			ID:      TemplatePrescriptionEmail,
			Name:    "Prescription Ready",
			Subject: "New prescription: {{patient_name}} (Token #{{token_number}})",
			Body:    "{{message}}\n\nQueue entry: {{queue_id}}\nPatient: {{patient_name}} ({{patient_id}})\nPriority: {{priority}}",
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render looks up a template by ID and performs {{key}} replacement using the
// supplied data map. Keys present in the template but absent from data are left
// as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// TemplateData flattens an event into template placeholders.
func TemplateData(ev Event) map[string]string {
	return map[string]string{
		"queue_id":     ev.QueueID,
		"patient_id":   ev.PatientID,
		"patient_name": ev.PatientName,
		"token_number": strconv.Itoa(ev.TokenNumber),
		"message":      ev.Message,
		"destination":  ev.Destination,
		"priority":     ev.Priority,
		"doctor_id":    ev.DoctorID,
	}
}
