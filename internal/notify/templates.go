package notify

import (
	"fmt"
	"strings"
	"sync"
	"text/template"
)

type messageTemplate struct {
	subject *template.Template
	body    *template.Template
}

// Templates is a registry of named subject/body text templates.
type Templates struct {
	mu sync.RWMutex
	m  map[string]messageTemplate
}

// NewTemplates returns a registry preloaded with the dictionary's built-in
// notification templates.
func NewTemplates() *Templates {
	t := &Templates{m: make(map[string]messageTemplate)}
	for name, tpl := range defaultTemplates {
		if err := t.Add(name, tpl[0], tpl[1]); err != nil {
			panic(fmt.Sprintf("notify: built-in template %s: %v", name, err))
		}
	}
	return t
}

var defaultTemplates = map[string][2]string{
	"generic":        {"{{.subject}}", "{{.message}}"},
	"welcome":        {"Üdvözöljük a Nyelvszó szótárban", "Hello {{.name}}, your account is ready."},
	"entry_updated":  {"Entry {{.entryId}} updated", "{{.editor}} changed entry {{.entryId}} ({{.operation}})."},
	"entry_created":  {"New entry: {{.hungarian}}", "{{.hungarian}} / {{.english}} was added by {{.editor}}."},
	"mention":        {"{{.from}} mentioned you", "{{.from}} in {{.roomId}}: {{.message}}"},
	"role_changed":   {"Your role changed", "Your role is now {{.role}}."},
	"delivery_alert": {"Notification delivery failed", "Task {{.taskId}} to {{.recipient}} via {{.channel}} failed: {{.error}}"},
}

// Add parses and registers a template, replacing any existing one of the same
// name.
func (t *Templates) Add(name, subject, body string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("notify: template name is required")
	}
	s, err := template.New(name + ".subject").Option("missingkey=zero").Parse(subject)
	if err != nil {
		return fmt.Errorf("parse subject: %w", err)
	}
	b, err := template.New(name + ".body").Option("missingkey=zero").Parse(body)
	if err != nil {
		return fmt.Errorf("parse body: %w", err)
	}
	t.mu.Lock()
	t.m[name] = messageTemplate{subject: s, body: b}
	t.mu.Unlock()
	return nil
}

// Has reports whether name is registered.
func (t *Templates) Has(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.m[name]
	return ok
}

// Render executes the named template against data.
func (t *Templates) Render(name string, data map[string]any) (Message, error) {
	t.mu.RLock()
	tpl, ok := t.m[name]
	t.mu.RUnlock()
	if !ok {
		return Message{}, fmt.Errorf("%w: %s", ErrUnknownTemplate, name)
	}
	if data == nil {
		data = map[string]any{}
	}

	var subject, body strings.Builder
	if err := tpl.subject.Execute(&subject, data); err != nil {
		return Message{}, fmt.Errorf("render %s subject: %w", name, err)
	}
	if err := tpl.body.Execute(&body, data); err != nil {
		return Message{}, fmt.Errorf("render %s body: %w", name, err)
	}
	return Message{
		Template: name,
		Subject:  strings.ReplaceAll(subject.String(), "<no value>", ""),
		Body:     strings.ReplaceAll(body.String(), "<no value>", ""),
		Data:     data,
	}, nil
}
