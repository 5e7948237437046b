package models

import (
	"encoding/json"
	"time"
)

type DeliveryStatus string

const (
	StatusSent   DeliveryStatus = "Sent"
	StatusFailed DeliveryStatus = "Failed"
)

type JobState string

const (
	StateIdle             JobState = "idle"
	StateScheduled        JobState = "scheduled"
	StateConnecting       JobState = "connecting"
	StateSending          JobState = "sending"
	StateCompleted        JobState = "completed"
	StateConnectionFailed JobState = "connection_failed"
)

// Recipient is one row of the uploaded table. Fields holds every column
// (normalized header -> value); the shared column order lives on the Job.
type Recipient struct {
	Fields map[string]string
}

func (r Recipient) Email() string {
	return r.Fields["email"]
}

// SenderIdentity is the operator's own info, merged into every template
// context under the your_* keys.
type SenderIdentity struct {
	Name        string
	Email       string
	Mobile      string
	LinkedIn    string
	GitHub      string
	AppPassword string
}

func (s SenderIdentity) TemplateFields() map[string]string {
	return map[string]string{
		"your_name":     s.Name,
		"your_email":    s.Email,
		"your_mobile":   s.Mobile,
		"your_linkedin": s.LinkedIn,
		"your_github":   s.GitHub,
		"app_password":  s.AppPassword,
	}
}

// Job is one bulk-send run. Recipients keep the upload order; that order
// is also the delivery-log row order.
type Job struct {
	Columns         []string
	Recipients      []Recipient
	SubjectTemplate string
	BodyTemplate    string
	AttachmentPath  string
	Sender          SenderIdentity
	Delay           time.Duration
	ScheduledAt     time.Time
}

// LogRow is one per-recipient outcome: the recipient's original columns
// plus Status and Error.
type LogRow struct {
	Fields map[string]string
	Status DeliveryStatus
	Error  string
}

// MarshalJSON flattens the row into a single object, the shape the
// progress endpoint serves: every recipient column plus Status and Error.
func (r LogRow) MarshalJSON() ([]byte, error) {
	m := make(map[string]string, len(r.Fields)+2)
	for k, v := range r.Fields {
		m[k] = v
	}
	m["Status"] = string(r.Status)
	m["Error"] = r.Error
	return json.Marshal(m)
}

type Progress struct {
	Total  int      `json:"total"`
	Sent   int      `json:"sent"`
	Failed int      `json:"failed"`
	Logs   []LogRow `json:"logs"`
}
