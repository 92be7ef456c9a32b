package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state of a job record. The zero value is not a
// valid stored state; it is only reported to callers for unknown ids.
type Status uint8

const (
	StatusNone              Status = 0
	StatusQueued            Status = 1
	StatusAssigned          Status = 2
	StatusDone              Status = 3
	StatusFailed            Status = 4
	StatusMarkedForDeletion Status = 5
)

var statusNames = map[Status]string{
	StatusNone:              "none",
	StatusQueued:            "queued",
	StatusAssigned:          "assigned",
	StatusDone:              "done",
	StatusFailed:            "failed",
	StatusMarkedForDeletion: "marked_for_deletion",
}

// ParseStatus converts a stored status code into a Status. Only the five
// persisted states are accepted.
func ParseStatus(code int64) (Status, error) {
	if code < int64(StatusQueued) || code > int64(StatusMarkedForDeletion) {
		return StatusNone, fmt.Errorf("invalid job status code %d", code)
	}
	return Status(code), nil
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Pending reports whether a worker is still expected to act on the job.
func (s Status) Pending() bool {
	return s == StatusQueued || s == StatusAssigned
}

// Terminal reports whether the job has a final worker outcome.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// External is the status surfaced to submitters. Eviction is internal, so a
// job marked for deletion is reported as if it did not exist.
func (s Status) External() Status {
	if s == StatusMarkedForDeletion {
		return StatusNone
	}
	return s
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(uint8(s))
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var code int64
	if err := json.Unmarshal(data, &code); err != nil {
		return fmt.Errorf("decode job status: %w", err)
	}
	// Zero is valid on the wire: it is how unknown ids are reported.
	if code == 0 {
		*s = StatusNone
		return nil
	}
	parsed, err := ParseStatus(code)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Scan implements sql.Scanner so pgx can read the smallint column directly.
func (s *Status) Scan(src any) error {
	var code int64
	switch v := src.(type) {
	case int64:
		code = v
	case int32:
		code = int64(v)
	case int16:
		code = int64(v)
	case nil:
		return fmt.Errorf("job status is null")
	default:
		return fmt.Errorf("unsupported job status type %T", src)
	}
	parsed, err := ParseStatus(code)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Value implements driver.Valuer.
func (s Status) Value() (driver.Value, error) {
	if _, err := ParseStatus(int64(s)); err != nil {
		return nil, err
	}
	return int64(s), nil
}

// Job is the persisted unit of work. The id is chosen by the submitter.
type Job struct {
	ID           string    `db:"id"            json:"id"`
	Status       Status    `db:"status"        json:"status"`
	Text         string    `db:"text"          json:"text"`
	CreatedAt    time.Time `db:"created_at"    json:"created_at"`
	LastModified time.Time `db:"last_modified" json:"last_modified"`
}
