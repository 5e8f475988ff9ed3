package job

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusComplete   Status = "complete"
	StatusError      Status = "error"
)

// IsTerminal returns true for statuses that represent a final state.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusError
}

// Valid returns true for the four known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusComplete, StatusError:
		return true
	}
	return false
}

// rank orders statuses along the lifecycle: pending < processing < terminal.
// Both terminal statuses share a rank; a terminal job never moves again.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusProcessing:
		return 1
	case StatusComplete, StatusError:
		return 2
	}
	return -1
}

// CanTransitionTo reports whether moving from s to next is a forward step.
// Repeating the current status is allowed (idempotent webhook replays);
// moving backward, or rewriting one terminal status into the other, is not.
func (s Status) CanTransitionTo(next Status) bool {
	if s == next {
		return true
	}
	if s.IsTerminal() {
		return false
	}
	return next.rank() > s.rank()
}

// Job tracks one upload-and-process lifecycle from initiation to terminal state.
type Job struct {
	ID          string            `json:"job_id"`
	FileName    string            `json:"file_name"`
	FileSize    int64             `json:"file_size"`
	FileType    string            `json:"file_type"`
	Status      Status            `json:"status"`
	Result      json.RawMessage   `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Version     int64             `json:"version"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// Update is the partial mutation applied by a webhook callback.
// Result and Error replace the stored values only when non-nil.
type Update struct {
	Status Status
	Result json.RawMessage
	Error  *string
}

// Metadata keys set at job creation. The webhook never touches metadata.
const (
	MetaOwner        = "owner"
	MetaStorageKey   = "storage_key"
	MetaOriginalName = "original_name"
)

// Clone returns a deep copy so callers cannot mutate stored state.
func (j *Job) Clone() *Job {
	c := *j
	if j.Metadata != nil {
		c.Metadata = make(map[string]string, len(j.Metadata))
		for k, v := range j.Metadata {
			c.Metadata[k] = v
		}
	}
	if j.Result != nil {
		c.Result = append(json.RawMessage(nil), j.Result...)
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// applyUpdate merges u into j in place. The caller holds whatever lock or
// transaction makes this atomic.
func (j *Job) applyUpdate(u Update, now time.Time) {
	j.Status = u.Status
	if u.Result != nil {
		j.Result = append(json.RawMessage(nil), u.Result...)
	}
	if u.Error != nil {
		j.Error = *u.Error
	}
	j.UpdatedAt = now
	j.Version++
	if u.Status.IsTerminal() && j.CompletedAt == nil {
		t := now
		j.CompletedAt = &t
	}
}
