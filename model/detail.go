package model

import (
	"encoding/json"
	"time"
)

// Display defaults used by detail resolution.
const (
	NotCompleted     = "Not Completed"
	UnknownActivity  = "Unknown"
	UnknownSource    = "Unknown"
	UserTaskActivity = "user task"
)

// ExecutionHistoryEntry is one recorded event of an instance run. Attributes
// are kept raw: the service sends either a JSON object or a string that
// contains one.
type ExecutionHistoryEntry struct {
	ID          string          `json:"id,omitempty"`
	Name        string          `json:"name,omitempty"`
	Status      string          `json:"status,omitempty"`
	StartedTime *time.Time      `json:"startedTime,omitempty"`
	EndTime     *time.Time      `json:"endTime,omitempty"`
	Attributes  json.RawMessage `json:"attributes,omitempty"`
}

// Attachment is a named, downloadable file linked to an entity record.
type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// EntityAttachment is the attachment field of an entity record as sent by
// the entity service.
type EntityAttachment struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// EntityRecord is one record of an entity. Fields holds every field of the
// record; Attachment is set when the record exposes an attachment field.
type EntityRecord struct {
	ID         string            `json:"id,omitempty"`
	Fields     map[string]any    `json:"fields,omitempty"`
	Attachment *EntityAttachment `json:"attachment,omitempty"`
}

// InstanceDetail is the merged view-model of the selected instance. It is
// rebuilt on every selection and never patched across selections.
type InstanceDetail struct {
	InstanceID            string                       `json:"instanceId"`
	Requestor             string                       `json:"requestor,omitempty"`
	EndDate               string                       `json:"endDate,omitempty"`
	ActivityType          string                       `json:"activityType,omitempty"`
	TaskLink              string                       `json:"taskLink,omitempty"`
	EmbedTaskLink         string                       `json:"embedTaskLink,omitempty"`
	Attachment            *Attachment                  `json:"attachment,omitempty"`
	AttachmentsConfigured bool                         `json:"attachmentsConfigured"`
	Variables             map[string][]DisplayVariable `json:"variables,omitempty"`
	Loading               bool                         `json:"loading"`
	Error                 string                       `json:"error,omitempty"`
}

// Clone returns a deep copy of the detail.
func (d InstanceDetail) Clone() InstanceDetail {
	out := d
	if d.Attachment != nil {
		a := *d.Attachment
		out.Attachment = &a
	}
	if d.Variables != nil {
		out.Variables = make(map[string][]DisplayVariable, len(d.Variables))
		for k, v := range d.Variables {
			out.Variables[k] = append([]DisplayVariable(nil), v...)
		}
	}
	return out
}
