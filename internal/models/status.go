package models

import "fmt"

// Status is the status vocabulary shared by reservations and properties.
type Status int

const (
	StatusSold              Status = 0
	StatusAvailable         Status = 1
	StatusRequested         Status = 5
	StatusReserved          Status = 6
	StatusNotaryAppointment Status = 7
	StatusNotaryPreparation Status = 9
)

var statusNames = map[Status]string{
	StatusSold:              "sold",
	StatusAvailable:         "available",
	StatusRequested:         "requested",
	StatusReserved:          "reserved",
	StatusNotaryAppointment: "notary_appointment",
	StatusNotaryPreparation: "notary_preparation",
}

func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Terminal reports whether a reservation in this status can no longer move.
// Available is terminal for a reservation: it marks a cancelled one.
func (s Status) Terminal() bool {
	return s == StatusSold || s == StatusAvailable
}

func StatusPtr(s Status) *Status {
	return &s
}
