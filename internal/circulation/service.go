// internal/circulation/service.go
package circulation

import (
	"context"

	"becirculation/internal/access"
)

// Service defines the interface for the circulation service.
type Service interface {
	GetLoan(ctx context.Context, actor access.Actor, id string) (*LoanView, error)
	ListLoans(ctx context.Context, actor access.Actor, userID string) ([]LoanView, error)
	OverdueLoans(ctx context.Context, actor access.Actor) ([]LoanView, error)
	IssueLoan(ctx context.Context, actor access.Actor, req IssueLoanRequest) (*LoanView, error)
	ReturnLoan(ctx context.Context, actor access.Actor, loanID string) (*ReturnLoanIntent, error)

	GetReservation(ctx context.Context, actor access.Actor, id string) (*ReservationView, error)
	ListReservations(ctx context.Context, actor access.Actor, filter ReservationFilter) ([]ReservationView, error)
	CreateReservation(ctx context.Context, actor access.Actor, req CreateReservationRequest) (*ReservationView, error)
	CompleteReservation(ctx context.Context, actor access.Actor, id string) (*ReservationView, error)
	CancelReservation(ctx context.Context, actor access.Actor, id string) (*ReservationView, error)

	Reconcile(ctx context.Context, actor access.Actor) (*Report, error)
}

// LoanFilter narrows a loan listing on the backend of record.
type LoanFilter struct {
	UserID string
	Status LoanStatus
}

// ReservationFilter narrows a reservation listing on the backend of record.
type ReservationFilter struct {
	UserID     string
	DocumentID string
}

// Backend is the backend of record. It owns every loan, reservation and user, and
// executes the intents the engine approves.
type Backend interface {
	GetLoan(ctx context.Context, id string) (*Loan, error)
	ListLoans(ctx context.Context, filter LoanFilter) ([]Loan, error)
	GetReservation(ctx context.Context, id string) (*Reservation, error)
	ListReservations(ctx context.Context, filter ReservationFilter) ([]Reservation, error)
	GetBorrower(ctx context.Context, id string) (*Borrower, error)

	IssueLoan(ctx context.Context, intent IssueLoanIntent) (*Loan, error)
	ReturnLoan(ctx context.Context, intent ReturnLoanIntent) (*Loan, error)
	CreateReservation(ctx context.Context, intent CreateReservationIntent) (*Reservation, error)
	CompleteReservation(ctx context.Context, intent ReservationTransitionIntent) (*Reservation, error)
	CancelReservation(ctx context.Context, intent ReservationTransitionIntent) (*Reservation, error)
}

// JournalEntry identifies an intent recorded before dispatch.
type JournalEntry struct {
	AggregateKey string
	Kind         IntentKind
	Version      int
}

// Journal records intents around their dispatch to the backend so a second dispatch
// of the same intent on the same record is refused while the first is in flight.
type Journal interface {
	Begin(ctx context.Context, aggregateKey string, kind IntentKind, payload any) (JournalEntry, error)
	Commit(ctx context.Context, entry JournalEntry) error
	Abort(ctx context.Context, entry JournalEntry, cause error) error
}
