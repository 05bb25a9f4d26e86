package domain

import (
	"errors"
	"fmt"
)

// RoomName identifies one media session. Both call participants derive it
// independently, so the derivation must be deterministic.
type RoomName string

type Direction string

const (
	PatientToDoctor Direction = "patient-to-doctor"
	DoctorToPatient Direction = "doctor-to-patient"
)

func (d Direction) Valid() bool {
	return d == PatientToDoctor || d == DoctorToPatient
}

// CallerRole returns the role of the side that dialed.
func (d Direction) CallerRole() Role {
	if d == DoctorToPatient {
		return RoleDoctor
	}
	return RolePatient
}

// ConsultationRoom derives the shared room name for a patient/doctor pair.
// The format is part of the wire contract: the recipient recomputes the same
// name without any rendezvous round-trip, so it must stay byte-identical
// regardless of call direction.
func ConsultationRoom(patientID, doctorID UserID) RoomName {
	return RoomName(fmt.Sprintf("patient-%s-doctor-%s", patientID, doctorID))
}

var (
	ErrInviteNoCaller     = errors.New("invite: caller id empty")
	ErrInviteNoRoom       = errors.New("invite: room empty")
	ErrInviteBadDirection = errors.New("invite: bad direction")
)

// Invite is one incoming-call proposal. Not persisted; the recipient holds at
// most one live instance at a time.
type Invite struct {
	From      UserID    `json:"from"`
	FromName  string    `json:"fromName"`
	Room      RoomName  `json:"channelName"`
	Direction Direction `json:"type"`
}

func (i Invite) Validate() error {
	if i.From == "" {
		return ErrInviteNoCaller
	}
	if i.Room == "" {
		return ErrInviteNoRoom
	}
	if !i.Direction.Valid() {
		return ErrInviteBadDirection
	}
	return nil
}
