// internal/circulation/policy.go
package circulation

import (
	"fmt"
	"time"
)

// Policy holds the circulation rules that vary per deployment.
type Policy struct {
	// FeeRatePerDay is the fine, in currency units, for each day late.
	FeeRatePerDay int64
	// WarningWindow is how close to its due date an unreturned loan becomes due soon.
	WarningWindow time.Duration
	// HomeLoanPeriod and RoomLoanPeriod set the pacted return date at issue time.
	HomeLoanPeriod time.Duration
	RoomLoanPeriod time.Duration
	// SanctionMultiplier turns days late into days of borrowing suspension.
	SanctionMultiplier int
	// Location decides calendar days for reservation expiry.
	Location *time.Location
}

// DefaultPolicy returns the rules the library runs with out of the box.
func DefaultPolicy() Policy {
	return Policy{
		FeeRatePerDay:      500,
		WarningWindow:      2 * day,
		HomeLoanPeriod:     7 * day,
		RoomLoanPeriod:     4 * time.Hour,
		SanctionMultiplier: 2,
		Location:           time.UTC,
	}
}

// Validate rejects policies that would make the engine produce nonsense.
func (p Policy) Validate() error {
	switch {
	case p.FeeRatePerDay < 0:
		return fmt.Errorf("%w: fee rate must not be negative", ErrInvalidArgument)
	case p.WarningWindow < 0:
		return fmt.Errorf("%w: warning window must not be negative", ErrInvalidArgument)
	case p.HomeLoanPeriod <= 0 || p.RoomLoanPeriod <= 0:
		return fmt.Errorf("%w: loan periods must be positive", ErrInvalidArgument)
	case p.SanctionMultiplier < 0:
		return fmt.Errorf("%w: sanction multiplier must not be negative", ErrInvalidArgument)
	}
	return nil
}

func (p Policy) location() *time.Location {
	if p.Location == nil {
		return time.UTC
	}
	return p.Location
}

// LoanPeriod returns how long a loan of type t runs.
func (p Policy) LoanPeriod(t LoanType) (time.Duration, error) {
	switch t {
	case LoanTakeHome:
		return p.HomeLoanPeriod, nil
	case LoanInRoom:
		return p.RoomLoanPeriod, nil
	default:
		return 0, fmt.Errorf("%w: unknown loan type %q", ErrInvalidArgument, t)
	}
}

// SanctionUntil returns when a borrower who returned an item daysLate days late may
// borrow again, or nil when no sanction applies.
func (p Policy) SanctionUntil(returnedAt time.Time, daysLate int) *time.Time {
	if daysLate <= 0 || p.SanctionMultiplier == 0 {
		return nil
	}
	until := returnedAt.AddDate(0, 0, daysLate*p.SanctionMultiplier)
	return &until
}
