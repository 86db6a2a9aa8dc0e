package domain

import "time"

// Template is the channel content definition the delivery collaborator renders.
// The execution core only loads and hands it over; rendering is external.
type Template struct {
	ID          string
	ProjectID   string
	Name        string
	Subject     string
	Body        string
	FromAddress string
	CreatedAt   time.Time
}
