package models

import "time"

// Student represents a learner registered in the institution.
type Student struct {
	ID        string    `db:"id" json:"id"`
	NIS       string    `db:"nis" json:"nis"`
	FullName  string    `db:"full_name" json:"full_name"`
	Gender    string    `db:"gender" json:"gender"`
	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// StudentDetail contains student information with enrollment context.
type StudentDetail struct {
	Student
	CurrentClassID   *string `db:"current_class_id" json:"current_class_id,omitempty"`
	CurrentClassName *string `db:"current_class_name" json:"current_class_name,omitempty"`
}
