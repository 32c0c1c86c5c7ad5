package records

import (
	"errors"
	"time"
)

// ErrStudentNotFound is returned when no student has the requested id
var ErrStudentNotFound = errors.New("student not found")

// Student is a student record
type Student struct {
	ID        int64  `json:"id"`
	SchoolID  int64  `json:"school_id"`
	ClassID   *int64 `json:"class_id,omitempty"`
	UserID    *int64 `json:"user_id,omitempty"`
	Name      string `json:"name"`
	ClassName string `json:"class_name,omitempty"`
}

// StudentFilter narrows a student listing within a scope
type StudentFilter struct {
	ClassID *int64
	Search  string
	Limit   int
	Offset  int
}

// Grade is one recorded score
type Grade struct {
	ID        int64     `json:"id"`
	StudentID int64     `json:"student_id"`
	ClassID   int64     `json:"class_id"`
	SubjectID int64     `json:"subject_id"`
	Term      string    `json:"term"`
	Score     float64   `json:"score"`
	CreatedAt time.Time `json:"created_at"`
}

// Fee is one billed item and what has been paid against it
type Fee struct {
	ID          int64     `json:"id"`
	StudentID   int64     `json:"student_id"`
	Description string    `json:"description"`
	AmountDue   float64   `json:"amount_due"`
	AmountPaid  float64   `json:"amount_paid"`
	Balance     float64   `json:"balance"`
	CreatedAt   time.Time `json:"created_at"`
}

// FeeStatement is a student's fees with running totals
type FeeStatement struct {
	Fees      []*Fee  `json:"fees"`
	TotalDue  float64 `json:"total_due"`
	TotalPaid float64 `json:"total_paid"`
	Balance   float64 `json:"balance"`
}
