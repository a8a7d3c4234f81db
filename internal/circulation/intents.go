// internal/circulation/intents.go
package circulation

import (
	"fmt"
	"strings"
	"time"

	"becirculation/internal/access"
)

// IntentKind names a state change the engine asks the backend of record to perform.
type IntentKind string

const (
	IntentIssueLoan           IntentKind = "IssueLoan"
	IntentReturnLoan          IntentKind = "ReturnLoan"
	IntentCreateReservation   IntentKind = "CreateReservation"
	IntentCompleteReservation IntentKind = "CompleteReservation"
	IntentCancelReservation   IntentKind = "CancelReservation"
)

// IssueLoanRequest is what staff submit to lend an item.
type IssueLoanRequest struct {
	ItemID string   `json:"item_id"`
	UserID string   `json:"user_id"`
	Type   LoanType `json:"tipo_prestamo"`
}

// IssueLoanIntent is a permitted, fully dated loan ready for the backend.
type IssueLoanIntent struct {
	ItemID           string    `json:"item_id"`
	UserID           string    `json:"user_id"`
	Type             LoanType  `json:"tipo_prestamo"`
	LoanDate         time.Time `json:"fecha_prestamo"`
	PactedReturnDate time.Time `json:"fecha_devolucion_pactada"`
}

// ReturnLoanIntent records a return along with what the borrower owes for it.
type ReturnLoanIntent struct {
	LoanID        string     `json:"loan_id"`
	ItemID        string     `json:"item_id"`
	UserID        string     `json:"user_id"`
	ReturnDate    time.Time  `json:"fecha_devolucion_real"`
	DaysLate      int        `json:"dias_atraso"`
	Fee           int64      `json:"multa"`
	SanctionUntil *time.Time `json:"sancion_hasta,omitempty"`
}

// CreateReservationRequest is what a borrower or staff member submits to reserve.
type CreateReservationRequest struct {
	DocumentID string    `json:"document_id"`
	UserID     string    `json:"user_id"`
	TargetDate time.Time `json:"fecha_reserva"`
}

// CreateReservationIntent is a permitted reservation ready for the backend.
type CreateReservationIntent struct {
	DocumentID string    `json:"document_id"`
	UserID     string    `json:"user_id"`
	TargetDate time.Time `json:"fecha_reserva"`
	CreatedAt  time.Time `json:"fecha_creacion"`
}

// ReservationTransitionIntent completes or cancels an active reservation.
type ReservationTransitionIntent struct {
	Kind          IntentKind `json:"kind"`
	ReservationID string     `json:"reservation_id"`
	UserID        string     `json:"user_id"`
	At            time.Time  `json:"at"`
}

// PrepareIssueLoan checks that actor may lend to borrower and dates the loan.
func (e *Engine) PrepareIssueLoan(actor access.Actor, req IssueLoanRequest, borrower Borrower, now time.Time) (IssueLoanIntent, error) {
	if err := access.Authorize(actor, access.OpCreateLoan); err != nil {
		return IssueLoanIntent{}, err
	}
	if strings.TrimSpace(req.ItemID) == "" || strings.TrimSpace(req.UserID) == "" {
		return IssueLoanIntent{}, fmt.Errorf("%w: item and borrower are required", ErrInvalidArgument)
	}
	period, err := e.policy.LoanPeriod(req.Type)
	if err != nil {
		return IssueLoanIntent{}, err
	}
	if borrower.ID != req.UserID {
		return IssueLoanIntent{}, fmt.Errorf("%w: borrower record %s does not match %s", ErrInvalidArgument, borrower.ID, req.UserID)
	}
	if !borrower.Active {
		return IssueLoanIntent{}, fmt.Errorf("%w: borrower %s is inactive", ErrPolicyDenied, borrower.ID)
	}
	if borrower.Sanctioned(now) {
		return IssueLoanIntent{}, fmt.Errorf("%w: borrower %s is sanctioned until %s",
			ErrPolicyDenied, borrower.ID, borrower.SanctionUntil.Format(time.DateOnly))
	}

	return IssueLoanIntent{
		ItemID:           req.ItemID,
		UserID:           req.UserID,
		Type:             req.Type,
		LoanDate:         now,
		PactedReturnDate: now.Add(period),
	}, nil
}

// PrepareReturn checks that actor may take loan back and prices the return.
func (e *Engine) PrepareReturn(actor access.Actor, loan Loan, now time.Time) (ReturnLoanIntent, error) {
	if err := access.Authorize(actor, access.OpProcessReturn); err != nil {
		return ReturnLoanIntent{}, err
	}
	c, err := e.ClassifyLoan(loan, now)
	if err != nil {
		return ReturnLoanIntent{}, err
	}
	if c.State.Terminal() {
		return ReturnLoanIntent{}, fmt.Errorf("%w: loan %s is already returned", ErrInvalidArgument, loan.ID)
	}
	if now.Before(loan.LoanDate) {
		return ReturnLoanIntent{}, fmt.Errorf("%w: loan %s cannot be returned before it was issued", ErrInvalidArgument, loan.ID)
	}

	fee, err := ComputeFee(c.DaysLate, e.policy.FeeRatePerDay)
	if err != nil {
		return ReturnLoanIntent{}, err
	}
	return ReturnLoanIntent{
		LoanID:        loan.ID,
		ItemID:        loan.ItemID,
		UserID:        loan.UserID,
		ReturnDate:    now,
		DaysLate:      c.DaysLate,
		Fee:           fee,
		SanctionUntil: e.policy.SanctionUntil(now, c.DaysLate),
	}, nil
}

// PrepareReservation checks a reservation request against the borrower's existing
// reservations. A borrower may hold one active reservation per document.
func (e *Engine) PrepareReservation(actor access.Actor, req CreateReservationRequest, existing []Reservation, now time.Time) (CreateReservationIntent, error) {
	if err := access.AuthorizeFor(actor, access.OpCreateReservation, access.OpManageReservations, req.UserID); err != nil {
		return CreateReservationIntent{}, err
	}
	if strings.TrimSpace(req.DocumentID) == "" || strings.TrimSpace(req.UserID) == "" {
		return CreateReservationIntent{}, fmt.Errorf("%w: document and borrower are required", ErrInvalidArgument)
	}
	if req.TargetDate.IsZero() {
		return CreateReservationIntent{}, fmt.Errorf("%w: reservation date is required", ErrInvalidArgument)
	}
	if pastDay(now, req.TargetDate, e.policy.location()) {
		return CreateReservationIntent{}, fmt.Errorf("%w: reservation date %s is in the past",
			ErrInvalidArgument, req.TargetDate.Format(time.DateOnly))
	}

	for _, r := range existing {
		if r.DocumentID != req.DocumentID || r.UserID != req.UserID {
			continue
		}
		c, err := e.ClassifyReservation(r, now)
		if err != nil {
			continue
		}
		if c.State == ReservationActive {
			return CreateReservationIntent{}, fmt.Errorf("%w: borrower %s already holds reservation %s for document %s",
				ErrInvalidArgument, req.UserID, r.ID, req.DocumentID)
		}
	}

	return CreateReservationIntent{
		DocumentID: req.DocumentID,
		UserID:     req.UserID,
		TargetDate: req.TargetDate,
		CreatedAt:  now,
	}, nil
}

// PrepareCompleteReservation confirms pickup of an active reservation.
func (e *Engine) PrepareCompleteReservation(actor access.Actor, r Reservation, now time.Time) (ReservationTransitionIntent, error) {
	return e.prepareTransition(actor, access.OpCompleteReservation, IntentCompleteReservation, r, now)
}

// PrepareCancelReservation withdraws an active reservation.
func (e *Engine) PrepareCancelReservation(actor access.Actor, r Reservation, now time.Time) (ReservationTransitionIntent, error) {
	return e.prepareTransition(actor, access.OpCancelReservation, IntentCancelReservation, r, now)
}

func (e *Engine) prepareTransition(actor access.Actor, op access.Operation, kind IntentKind, r Reservation, now time.Time) (ReservationTransitionIntent, error) {
	if err := access.AuthorizeFor(actor, op, access.OpManageReservations, r.UserID); err != nil {
		return ReservationTransitionIntent{}, err
	}
	c, err := e.ClassifyReservation(r, now)
	if err != nil {
		return ReservationTransitionIntent{}, err
	}
	if c.State.Terminal() {
		return ReservationTransitionIntent{}, fmt.Errorf("%w: reservation %s is %s", ErrInvalidArgument, r.ID, c.State)
	}
	return ReservationTransitionIntent{
		Kind:          kind,
		ReservationID: r.ID,
		UserID:        r.UserID,
		At:            now,
	}, nil
}
