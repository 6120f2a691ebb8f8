package model

import (
	"fmt"
	"time"
)

// UserRecord is one validated roster row
type UserRecord struct {
	Name        string `json:"name"`
	CountryCode string `json:"countryCode"`
	PhoneNumber string `json:"phoneNumber"`
	BatchID     string `json:"batchId"`
	TempleID    string `json:"templeId"`
}

// Identity returns the (batch, temple, phone) key that must be unique per batch
func (r UserRecord) Identity() string {
	return fmt.Sprintf("%s/%s/%s", r.BatchID, r.TempleID, r.PhoneNumber)
}

// BatchLink maps a batch ID to the source video for that batch
type BatchLink struct {
	BatchID        string `json:"batchId"`
	SourceVideoURL string `json:"sourceVideoUrl"`
}

// TemplateConfig is the message template configured for one temple
type TemplateConfig struct {
	TempleID     string `json:"temple_id" yaml:"temple_id" validate:"required"`
	Header       string `json:"header" yaml:"header" validate:"required"`
	Description  string `json:"description" yaml:"description" validate:"required"`
	TemplateName string `json:"template_name" yaml:"template_name" validate:"required"`
}

// WorkItem joins one roster row with its link and template. It is created once
// by the joiner and never mutated afterwards.
type WorkItem struct {
	ID       string          `json:"id"`
	Seq      int             `json:"seq"`
	Record   UserRecord      `json:"record"`
	Link     BatchLink       `json:"link"`
	Template *TemplateConfig `json:"template"`
}

// RecordOutcome is the mutable processing state of one work item
type RecordOutcome struct {
	Stage           Stage          `json:"stage"`
	Status          RecordStatus   `json:"status"`
	Downloaded      bool           `json:"downloaded"`
	HostedVideoURL  string         `json:"hostedVideoUrl,omitempty"`
	RenderedMessage string         `json:"renderedMessage,omitempty"`
	MessageID       string         `json:"messageId,omitempty"`
	Attempts        map[string]int `json:"attempts,omitempty"`
	Warnings        []string       `json:"warnings,omitempty"`
	FailureStage    Stage          `json:"failureStage,omitempty"`
	FailureCode     string         `json:"failureCode,omitempty"`
	FailureReason   string         `json:"failureReason,omitempty"`
	StartedAt       *time.Time     `json:"startedAt,omitempty"`
	FinishedAt      *time.Time     `json:"finishedAt,omitempty"`
}

// NewRecordOutcome returns the outcome of a freshly joined item
func NewRecordOutcome() RecordOutcome {
	return RecordOutcome{
		Stage:  StageJoined,
		Status: RecordStatusPending,
	}
}

// Clone returns a deep copy safe to hand to readers
func (o RecordOutcome) Clone() RecordOutcome {
	c := o
	if o.Attempts != nil {
		c.Attempts = make(map[string]int, len(o.Attempts))
		for k, v := range o.Attempts {
			c.Attempts[k] = v
		}
	}
	if o.Warnings != nil {
		c.Warnings = append([]string(nil), o.Warnings...)
	}
	return c
}
