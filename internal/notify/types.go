// Package notify queues notification requests as per-recipient, per-channel
// delivery tasks and drains them on a fixed interval with bounded retries and
// exponential backoff. Tasks live in memory only; nothing survives a restart.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Priority orders due tasks; higher values are processed first. The zero
// value is PriorityNormal.
type Priority int

const (
	PriorityLow Priority = iota - 1
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "normal"
	}
}

// ParsePriority maps a name to a Priority; unknown names are PriorityNormal.
func ParsePriority(s string) Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "urgent":
		return PriorityUrgent
	default:
		return PriorityNormal
	}
}

func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*p = ParsePriority(s)
	return nil
}

// Status is the lifecycle state of a Task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDelivered  Status = "delivered"
	StatusFailed     Status = "failed"
)

// Channel names used by the application.
const (
	ChannelLive  = "live"
	ChannelEmail = "email"
	ChannelSMS   = "sms"
)

var (
	// ErrNoRecipients is returned for a request without recipients.
	ErrNoRecipients = errors.New("notify: no recipients")
	// ErrUnknownTemplate is returned when a request names an unregistered template.
	ErrUnknownTemplate = errors.New("notify: unknown template")
	// ErrUnknownChannel is recorded on tasks whose channel is not registered.
	ErrUnknownChannel = errors.New("notify: unknown channel")
)

// Request asks for one notification to be delivered to several recipients.
type Request struct {
	Recipients []string       `json:"recipients"`
	Template   string         `json:"template"`
	Data       map[string]any `json:"data,omitempty"`
	// Channels defaults to the live-connection channel when empty.
	Channels []string `json:"channels,omitempty"`
	Priority Priority `json:"priority"`
	// DeliveryGuarantee raises the attempt budget from one to several.
	DeliveryGuarantee bool `json:"deliveryGuarantee"`
}

// Message is a rendered notification.
type Message struct {
	Template string         `json:"template"`
	Subject  string         `json:"subject,omitempty"`
	Body     string         `json:"body"`
	Data     map[string]any `json:"data,omitempty"`
}

// Task is one delivery attempt unit for a recipient/channel pair.
type Task struct {
	ID             string         `json:"id"`
	NotificationID string         `json:"notificationId"`
	Recipient      string         `json:"recipient"`
	Channel        string         `json:"channel"`
	Template       string         `json:"template"`
	Data           map[string]any `json:"data,omitempty"`
	Message        *Message       `json:"message,omitempty"`
	Priority       Priority       `json:"priority"`
	Status         Status         `json:"status"`
	Attempts       int            `json:"attempts"`
	MaxAttempts    int            `json:"maxAttempts"`
	NextAttemptAt  time.Time      `json:"nextAttemptAt"`
	LastError      string         `json:"lastError,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// Channel delivers rendered messages to one medium.
type Channel interface {
	Name() string
	Send(ctx context.Context, recipient string, msg Message) error
}

// Stats summarizes the task table.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Delivered  int `json:"delivered"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}
