// internal/circulation/engine.go
package circulation

import (
	"fmt"
	"time"
)

// Engine applies one Policy to loans and reservations. It holds no mutable state and
// is safe for concurrent use.
type Engine struct {
	policy Policy
}

// NewEngine validates policy and returns an engine bound to it.
func NewEngine(policy Policy) (*Engine, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	return &Engine{policy: policy}, nil
}

// Policy returns the rules the engine was built with.
func (e *Engine) Policy() Policy {
	return e.policy
}

// ClassifyLoan classifies loan at now using the policy's warning window.
func (e *Engine) ClassifyLoan(loan Loan, now time.Time) (LoanClassification, error) {
	return ClassifyLoan(loan, now, e.policy.WarningWindow)
}

// ClassifyReservation classifies r at now in the policy's time zone.
func (e *Engine) ClassifyReservation(r Reservation, now time.Time) (ReservationClassification, error) {
	return ClassifyReservation(r, now, e.policy.location())
}

// Fee returns the fine owed on loan at now at the policy rate.
func (e *Engine) Fee(loan Loan, now time.Time) (int64, error) {
	return LoanFee(loan, now, e.policy.FeeRatePerDay)
}

// LoanView is a loan together with its classification and fee, ready for display.
type LoanView struct {
	Loan           Loan               `json:"loan"`
	Classification LoanClassification `json:"classification"`
	Fee            int64              `json:"fee"`
}

// ViewLoan classifies loan and prices it in one step.
func (e *Engine) ViewLoan(loan Loan, now time.Time) (LoanView, error) {
	c, err := e.ClassifyLoan(loan, now)
	if err != nil {
		return LoanView{}, err
	}
	fee, err := e.Fee(loan, now)
	if err != nil {
		return LoanView{}, err
	}
	return LoanView{Loan: loan, Classification: c, Fee: fee}, nil
}

// ReservationView is a reservation together with its classification.
type ReservationView struct {
	Reservation    Reservation               `json:"reservation"`
	Classification ReservationClassification `json:"classification"`
}

// ViewReservation classifies r for display.
func (e *Engine) ViewReservation(r Reservation, now time.Time) (ReservationView, error) {
	c, err := e.ClassifyReservation(r, now)
	if err != nil {
		return ReservationView{}, err
	}
	return ReservationView{Reservation: r, Classification: c}, nil
}
