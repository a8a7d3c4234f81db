// internal/circulation/batch.go
package circulation

import (
	"time"
)

// Overdue returns the views of loans that are overdue at now. Loans that cannot be
// classified are skipped.
func (e *Engine) Overdue(loans []Loan, now time.Time) []LoanView {
	var overdue []LoanView
	for _, loan := range loans {
		v, err := e.ViewLoan(loan, now)
		if err != nil || v.Classification.State != LoanOverdue {
			continue
		}
		overdue = append(overdue, v)
	}
	return overdue
}

// Discrepancy is a record whose stored status no longer matches its effective state.
type Discrepancy struct {
	Kind      string `json:"kind"`
	ID        string `json:"id"`
	Stored    string `json:"stored"`
	Effective string `json:"effective"`
	Reason    string `json:"reason,omitempty"`
}

// Report summarizes a reconciliation pass.
type Report struct {
	GeneratedAt   time.Time     `json:"generated_at"`
	Loans         int           `json:"loans"`
	Reservations  int           `json:"reservations"`
	Discrepancies []Discrepancy `json:"discrepancies"`
}

// Reconcile lists every loan and reservation whose stored status disagrees with its
// effective state at now, including records that cannot be classified at all.
func (e *Engine) Reconcile(loans []Loan, reservations []Reservation, now time.Time) Report {
	report := Report{
		GeneratedAt:  now,
		Loans:        len(loans),
		Reservations: len(reservations),
	}

	for _, loan := range loans {
		c, err := e.ClassifyLoan(loan, now)
		switch {
		case err != nil:
			report.Discrepancies = append(report.Discrepancies, Discrepancy{
				Kind: "loan", ID: loan.ID, Stored: string(loan.StoredStatus), Reason: err.Error(),
			})
		case c.Diverged || c.Warning != nil:
			d := Discrepancy{Kind: "loan", ID: loan.ID, Stored: string(loan.StoredStatus), Effective: c.State.String()}
			if c.Warning != nil {
				d.Reason = c.Warning.Error()
			}
			report.Discrepancies = append(report.Discrepancies, d)
		}
	}

	for _, r := range reservations {
		c, err := e.ClassifyReservation(r, now)
		switch {
		case err != nil:
			report.Discrepancies = append(report.Discrepancies, Discrepancy{
				Kind: "reservation", ID: r.ID, Stored: string(r.StoredStatus), Reason: err.Error(),
			})
		case c.Diverged || c.Warning != nil:
			d := Discrepancy{Kind: "reservation", ID: r.ID, Stored: string(r.StoredStatus), Effective: c.State.String()}
			if c.Warning != nil {
				d.Reason = c.Warning.Error()
			}
			report.Discrepancies = append(report.Discrepancies, d)
		}
	}

	return report
}
