// Package notify delivers alert messages over outbound channels (webhook,
// MQTT, Redis pub/sub, log) and renders their text from templates.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Message is a channel-neutral notification. Payload carries the structured
// JSON form; Subject and Body are the rendered human-readable text.
type Message struct {
	ID         string            `json:"id"`
	Subject    string            `json:"subject"`
	Body       string            `json:"body"`
	Priority   string            `json:"priority"`
	Payload    []byte            `json:"-"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Channel is one delivery route. Send must honor ctx cancellation and must be
// safe to call again with the same message: receivers deduplicate by ID.
type Channel interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Template is a reusable message layout with {{key}} placeholders.
type Template struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateCriticalValue is the layout used for critical laboratory values.
const TemplateCriticalValue = "critical-value"

type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]*Template)}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:      TemplateCriticalValue,
			Name:    "Critical Laboratory Value",
			Subject: "CRITICAL lab value for {{patient}} ({{department}})",
			Body: "Critical result for patient {{patient}} on request {{request_id}}: {{parameters}}. " +
				"Ordering clinician: {{clinician}}. Priority: {{priority}}.",
		},
		{
			ID:      "critical-value-short",
			Name:    "Critical Laboratory Value (pager)",
			Subject: "CRIT {{patient}}",
			Body:    "CRIT {{patient}} {{parameters}}",
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
