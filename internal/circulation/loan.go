// internal/circulation/loan.go
package circulation

import (
	"fmt"
	"time"
)

// LoanState is the effective state of a loan, derived from its dates.
type LoanState int

const (
	LoanActive LoanState = iota
	LoanDueSoon
	LoanOverdue
	LoanReturned
)

var loanStateNames = [...]string{"active", "due_soon", "overdue", "returned"}

func (s LoanState) String() string {
	if int(s) < len(loanStateNames) {
		return loanStateNames[s]
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (s LoanState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no further transition can happen.
func (s LoanState) Terminal() bool {
	return s == LoanReturned
}

// LoanClassification pairs what the backend stored with what is true right now.
type LoanClassification struct {
	LoanID       string     `json:"loan_id"`
	StoredStatus LoanStatus `json:"stored_status"`
	State        LoanState  `json:"state"`
	DaysLate     int        `json:"days_late"`
	// Diverged is set when the stored status does not describe State.
	Diverged bool `json:"diverged"`
	// Warning wraps ErrUnknownState when the stored status is not recognized.
	Warning error `json:"-"`
}

// ClassifyLoan derives the effective state of loan at now. An unreturned loan becomes
// due soon once its pacted return date is within window.
func ClassifyLoan(loan Loan, now time.Time, window time.Duration) (LoanClassification, error) {
	if err := validateLoan(loan); err != nil {
		return LoanClassification{}, err
	}
	if window < 0 {
		return LoanClassification{}, fmt.Errorf("%w: warning window must not be negative", ErrInvalidArgument)
	}

	c := LoanClassification{
		LoanID:       loan.ID,
		StoredStatus: loan.StoredStatus,
		DaysLate:     DaysLate(loan.PactedReturnDate, asOf(loan, now)),
	}

	switch {
	case loan.Returned():
		c.State = LoanReturned
	case now.After(loan.PactedReturnDate):
		c.State = LoanOverdue
	case loan.PactedReturnDate.Sub(now) <= window:
		c.State = LoanDueSoon
	default:
		c.State = LoanActive
	}

	stored, known := storedLoanState(loan.StoredStatus)
	if !known {
		c.Warning = fmt.Errorf("%w: loan %s has status %q", ErrUnknownState, loan.ID, loan.StoredStatus)
	}
	c.Diverged = known && stored != c.State.stored()
	return c, nil
}

// stored folds an effective state back onto the three values the backend persists.
func (s LoanState) stored() LoanStatus {
	switch s {
	case LoanReturned:
		return LoanStatusReturned
	case LoanOverdue:
		return LoanStatusOverdue
	default:
		return LoanStatusActive
	}
}

func storedLoanState(s LoanStatus) (LoanStatus, bool) {
	switch s {
	case LoanStatusActive, LoanStatusReturned, LoanStatusOverdue:
		return s, true
	default:
		return LoanStatusActive, false
	}
}

func validateLoan(loan Loan) error {
	if loan.LoanDate.IsZero() {
		return fmt.Errorf("%w: loan %s has no loan date", ErrInvalidArgument, loan.ID)
	}
	if loan.PactedReturnDate.IsZero() {
		return fmt.Errorf("%w: loan %s has no pacted return date", ErrInvalidArgument, loan.ID)
	}
	if loan.PactedReturnDate.Before(loan.LoanDate) {
		return fmt.Errorf("%w: loan %s is due before it was issued", ErrInvalidArgument, loan.ID)
	}
	if loan.Returned() && loan.ActualReturnDate.Before(loan.LoanDate) {
		return fmt.Errorf("%w: loan %s was returned before it was issued", ErrInvalidArgument, loan.ID)
	}
	return nil
}
