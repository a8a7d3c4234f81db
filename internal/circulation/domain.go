// internal/circulation/domain.go
package circulation

import (
	"time"
)

// LoanType distinguishes in-room reading from take-home loans.
type LoanType string

const (
	LoanInRoom   LoanType = "sala"
	LoanTakeHome LoanType = "domicilio"
)

// Valid reports whether t is a recognized loan type.
func (t LoanType) Valid() bool {
	return t == LoanInRoom || t == LoanTakeHome
}

// LoanStatus is the status the backend of record last persisted for a loan.
type LoanStatus string

const (
	LoanStatusActive   LoanStatus = "activo"
	LoanStatusReturned LoanStatus = "devuelto"
	LoanStatusOverdue  LoanStatus = "vencido"
)

// ReservationStatus is the status the backend of record last persisted for a reservation.
type ReservationStatus string

const (
	ReservationStatusActive    ReservationStatus = "activa"
	ReservationStatusCompleted ReservationStatus = "completada"
	ReservationStatusExpired   ReservationStatus = "expirada"
)

// Loan is one physical-item checkout as supplied by the backend of record.
type Loan struct {
	ID               string     `json:"id"`
	ItemID           string     `json:"item_id"`
	UserID           string     `json:"user_id"`
	Type             LoanType   `json:"tipo_prestamo"`
	LoanDate         time.Time  `json:"fecha_prestamo"`
	PactedReturnDate time.Time  `json:"fecha_devolucion_pactada"`
	ActualReturnDate *time.Time `json:"fecha_devolucion_real,omitempty"`
	StoredStatus     LoanStatus `json:"estado"`
}

// Returned reports whether an actual return has been recorded.
func (l Loan) Returned() bool {
	return l.ActualReturnDate != nil && !l.ActualReturnDate.IsZero()
}

// Reservation is a borrower's claim on a document for a future pickup day.
type Reservation struct {
	ID           string            `json:"id"`
	DocumentID   string            `json:"document_id"`
	UserID       string            `json:"user_id"`
	TargetDate   time.Time         `json:"fecha_reserva"`
	CreatedAt    time.Time         `json:"fecha_creacion"`
	StoredStatus ReservationStatus `json:"estado"`
}

// Borrower is the circulation-relevant slice of a user record.
type Borrower struct {
	ID            string     `json:"id"`
	Active        bool       `json:"activo"`
	SanctionUntil *time.Time `json:"sancion_hasta,omitempty"`
}

// Sanctioned reports whether the borrower is still serving a sanction at now.
func (b Borrower) Sanctioned(now time.Time) bool {
	return b.SanctionUntil != nil && b.SanctionUntil.After(now)
}
