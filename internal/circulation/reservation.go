// internal/circulation/reservation.go
package circulation

import (
	"fmt"
	"time"
)

// ReservationState is the effective state of a reservation.
type ReservationState int

const (
	ReservationActive ReservationState = iota
	ReservationCompleted
	ReservationExpired
)

var reservationStateNames = [...]string{"active", "completed", "expired"}

func (s ReservationState) String() string {
	if int(s) < len(reservationStateNames) {
		return reservationStateNames[s]
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (s ReservationState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no further transition can happen.
func (s ReservationState) Terminal() bool {
	return s != ReservationActive
}

// ReservationClassification pairs the stored status with the effective state.
type ReservationClassification struct {
	ReservationID string            `json:"reservation_id"`
	StoredStatus  ReservationStatus `json:"stored_status"`
	State         ReservationState  `json:"state"`
	Diverged      bool              `json:"diverged"`
	Warning       error             `json:"-"`
}

// ClassifyReservation derives the effective state of r at now. Completion only comes
// from the stored status; expiry is derived once now, read in loc, falls on a calendar
// day strictly after the target date as written.
func ClassifyReservation(r Reservation, now time.Time, loc *time.Location) (ReservationClassification, error) {
	if r.TargetDate.IsZero() {
		return ReservationClassification{}, fmt.Errorf("%w: reservation %s has no target date", ErrInvalidArgument, r.ID)
	}
	if loc == nil {
		loc = time.UTC
	}

	c := ReservationClassification{
		ReservationID: r.ID,
		StoredStatus:  r.StoredStatus,
	}

	switch r.StoredStatus {
	case ReservationStatusCompleted:
		c.State = ReservationCompleted
		return c, nil
	case ReservationStatusExpired:
		c.State = ReservationExpired
		return c, nil
	case ReservationStatusActive:
	default:
		c.Warning = fmt.Errorf("%w: reservation %s has status %q", ErrUnknownState, r.ID, r.StoredStatus)
	}

	if pastDay(now, r.TargetDate, loc) {
		c.State = ReservationExpired
		c.Diverged = c.Warning == nil
	} else {
		c.State = ReservationActive
	}
	return c, nil
}
