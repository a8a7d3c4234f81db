// internal/circulation/fee.go
package circulation

import (
	"fmt"
	"math"
	"time"
)

// ComputeFee returns daysLate * ratePerDay. Accrual is linear with no cap.
func ComputeFee(daysLate int, ratePerDay int64) (int64, error) {
	if daysLate < 0 {
		return 0, fmt.Errorf("%w: days late must not be negative, got %d", ErrInvalidArgument, daysLate)
	}
	if ratePerDay < 0 {
		return 0, fmt.Errorf("%w: fee rate must not be negative, got %d", ErrInvalidArgument, ratePerDay)
	}
	if daysLate > 0 && ratePerDay > math.MaxInt64/int64(daysLate) {
		return 0, fmt.Errorf("%w: fee for %d days at %d per day overflows", ErrInvalidArgument, daysLate, ratePerDay)
	}
	return int64(daysLate) * ratePerDay, nil
}

// LoanFee computes the fine owed on loan as of now. A returned loan is charged up to
// its actual return date, so the amount stops growing once the item is back.
func LoanFee(loan Loan, now time.Time, ratePerDay int64) (int64, error) {
	if err := validateLoan(loan); err != nil {
		return 0, err
	}
	return ComputeFee(DaysLate(loan.PactedReturnDate, asOf(loan, now)), ratePerDay)
}

func asOf(loan Loan, now time.Time) time.Time {
	if loan.Returned() {
		return *loan.ActualReturnDate
	}
	return now
}
