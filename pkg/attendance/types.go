package attendance

import (
	"errors"
	"time"
)

// Status is a daily attendance mark
type Status string

const (
	StatusPresent Status = "present"
	StatusAbsent  Status = "absent"
	StatusLate    Status = "late"
	StatusExcused Status = "excused"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusPresent, StatusAbsent, StatusLate, StatusExcused:
		return true
	}
	return false
}

// DateLayout is the format of attendance dates
const DateLayout = "2006-01-02"

// ErrStudentNotFound is returned when a marked student is missing from the
// school or has no class
var ErrStudentNotFound = errors.New("student not found")

// Record is one student's attendance on one day
type Record struct {
	ID          int64     `json:"id"`
	SchoolID    int64     `json:"school_id"`
	ClassID     int64     `json:"class_id"`
	StudentID   int64     `json:"student_id"`
	Date        string    `json:"date"`
	Status      Status    `json:"status"`
	MarkedBy    int64     `json:"marked_by"`
	CreatedAt   time.Time `json:"created_at"`
	StudentName string    `json:"student_name,omitempty"`
}

// Mark is one line of a bulk marking request
type Mark struct {
	StudentID int64  `json:"student_id" validate:"required,gt=0"`
	Status    Status `json:"status" validate:"required,oneof=present absent late excused"`
}

// Filter narrows an attendance listing within a scope
type Filter struct {
	ClassID   *int64
	StudentID *int64
	Date      string
	From      string
	To        string
	Limit     int
	Offset    int
}
