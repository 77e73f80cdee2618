package notification

import (
	"fmt"
	"strings"
	"sync"
)

// Template defines a reusable notification template.
type Template struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Built-in template IDs.
const (
	TemplateRiskEscalation   = "risk-escalation"
	TemplateConfirmDiagnosis = "confirm-diagnosis"
	TemplateApproveTreatment = "approve-treatment"
)

// TemplateEngine manages notification templates and renders them with data.
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
			ID:      TemplateRiskEscalation,
			Name:    "Risk Escalation",
			Subject: "[{{priority}}] Risk escalated for patient {{patient_id}}",
			Body: "Patient {{patient_id}} moved from {{previous_priority}} to {{priority}} (score {{score}}). " +
				"Review is due by {{due_at}}. Action: {{action_id}}.",
		},
		{
			ID:      TemplateConfirmDiagnosis,
			Name:    "Confirm Diagnosis",
			Subject: "[{{priority}}] Diagnosis onset needs confirmation for patient {{patient_id}}",
			Body: "A possible diagnosis onset ({{trigger}}, stage {{stage}}) was detected for patient {{patient_id}}. " +
				"Please confirm or decline by {{due_at}}. Action: {{action_id}}.",
		},
		{
			ID:      TemplateApproveTreatment,
			Name:    "Approve Treatment",
			Subject: "[{{priority}}] Treatment protocol awaiting approval for patient {{patient_id}}",
			Body:    "A treatment protocol was drafted for patient {{patient_id}}. Please approve or decline by {{due_at}}. Action: {{action_id}}.",
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
