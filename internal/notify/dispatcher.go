// Package notify turns engine trigger events into rendered notification
// messages. Delivery transports (email, SMS, chat) live behind the Sender
// interface; the dispatcher itself is best-effort and never fails a
// transition.
package notify

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/pitabwire/hazen/internal/workflow"
	"github.com/pitabwire/hazen/model"
)

// Template renders messages for one trigger event. Title and Body may use
// {{variable}} placeholders; unknown variables render as empty strings.
type Template struct {
	Trigger string `yaml:"trigger" json:"trigger"`
	Title   string `yaml:"title"   json:"title"`
	Body    string `yaml:"body"    json:"body"`
}

// Message is one rendered notification for one recipient.
type Message struct {
	ID        string        `json:"id"`
	Trigger   string        `json:"trigger"`
	CaseID    string        `json:"case_id"`
	CaseCode  string        `json:"case_code"`
	Recipient model.UserRef `json:"recipient"`
	CC        bool          `json:"cc"`
	Title     string        `json:"title"`
	Body      string        `json:"body"`
	CreatedAt time.Time     `json:"created_at"`
}

// Sender delivers a rendered message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Dispatcher matches trigger events against templates and hands rendered
// messages to the sender. Handler recipients and CC observers of one event
// are queued as one unit.
type Dispatcher struct {
	templates map[string]Template
	sender    Sender
	logger    *zap.Logger
}

// NewDispatcher creates a Dispatcher. Events with no matching template are
// dropped silently.
func NewDispatcher(templates []Template, sender Sender, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	byTrigger := make(map[string]Template, len(templates))
	for _, tpl := range templates {
		byTrigger[tpl.Trigger] = tpl
	}
	return &Dispatcher{templates: byTrigger, sender: sender, logger: logger}
}

// Dispatch implements workflow.Notifier.
func (d *Dispatcher) Dispatch(ctx context.Context, evt workflow.NotificationEvent) {
	tpl, ok := d.templates[evt.Trigger]
	if !ok {
		return
	}

	vars := eventVars(evt)
	now := time.Now().UTC()

	send := func(recipient model.UserRef, cc bool) {
		vars["recipient_name"] = recipient.Name
		msg := Message{
			ID:        uuid.New().String(),
			Trigger:   evt.Trigger,
			CaseID:    evt.Case.ID,
			CaseCode:  evt.Case.Code,
			Recipient: recipient,
			CC:        cc,
			Title:     render(tpl.Title, vars),
			Body:      render(tpl.Body, vars),
			CreatedAt: now,
		}
		if err := d.sender.Send(ctx, msg); err != nil {
			d.logger.Warn("notification delivery failed",
				zap.String("trigger", evt.Trigger),
				zap.String("case_id", evt.Case.ID),
				zap.String("recipient_id", recipient.ID),
				zap.Error(err))
		}
	}

	for _, u := range evt.Recipients {
		send(u, false)
	}
	for _, u := range evt.CC {
		send(u, true)
	}
}

func eventVars(evt workflow.NotificationEvent) map[string]string {
	return map[string]string{
		"code":             evt.Case.Code,
		"status":           evt.Case.Status,
		"step_id":          evt.Case.CurrentStepID,
		"hazard_type":      evt.Case.HazardType,
		"location":         evt.Case.Location,
		"description":      evt.Case.Description,
		"risk_level":       evt.Case.RiskLevel,
		"reporter_name":    evt.Case.ReporterName,
		"responsible_name": evt.Case.ResponsibleName,
		"executor_name":    evt.Case.CurrentExecutorName,
		"comment":          evt.Comment,
	}
}

// render substitutes {{variable}} placeholders. Unknown variables become
// empty strings.
func render(text string, vars map[string]string) string {
	var b strings.Builder
	for {
		start := strings.Index(text, "{{")
		if start < 0 {
			b.WriteString(text)
			return b.String()
		}
		end := strings.Index(text[start:], "}}")
		if end < 0 {
			b.WriteString(text)
			return b.String()
		}
		b.WriteString(text[:start])
		name := strings.TrimSpace(text[start+2 : start+end])
		b.WriteString(vars[name])
		text = text[start+end+2:]
	}
}

// DefaultTemplates covers every engine trigger with a plain rendering.
func DefaultTemplates() []Template {
	return []Template{
		{
			Trigger: workflow.TriggerReported,
			Title:   "New hazard {{code}} reported",
			Body:    "{{reporter_name}} reported a {{risk_level}} hazard at {{location}}: {{description}}",
		},
		{
			Trigger: workflow.TriggerAdvanced,
			Title:   "Hazard {{code}} needs your action",
			Body:    "Hazard {{code}} moved to step {{step_id}} ({{status}}). {{comment}}",
		},
		{
			Trigger: workflow.TriggerRejected,
			Title:   "Hazard {{code}} was sent back",
			Body:    "Hazard {{code}} returned to step {{step_id}}: {{comment}}",
		},
		{
			Trigger: workflow.TriggerClosed,
			Title:   "Hazard {{code}} closed",
			Body:    "Hazard {{code}} at {{location}} has been resolved and closed.",
		},
		{
			Trigger: workflow.TriggerVoided,
			Title:   "Hazard {{code}} voided",
			Body:    "Hazard {{code}} was voided: {{comment}}",
		},
		{
			Trigger: workflow.TriggerOverdue,
			Title:   "Hazard {{code}} is overdue",
			Body:    "The rectification deadline for hazard {{code}} at {{location}} has passed.",
		},
	}
}

// LoadTemplates reads templates from a YAML file.
func LoadTemplates(path string) ([]Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var templates []Template
	if err := yaml.Unmarshal(data, &templates); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return templates, nil
}
