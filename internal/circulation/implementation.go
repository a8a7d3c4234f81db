// internal/circulation/implementation.go
package circulation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"becirculation/internal/access"
)

// service implements the Service interface.
type service struct {
	engine  *Engine
	backend Backend
	journal Journal
	logger  *slog.Logger
	now     func() time.Time

	tracer          trace.Tracer
	classifications metric.Int64Counter
	intents         metric.Int64Counter
}

// Option customizes a service.
type Option func(*service)

// WithJournal records every dispatched intent in j.
func WithJournal(j Journal) Option {
	return func(s *service) { s.journal = j }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *service) { s.now = now }
}

// WithLogger replaces the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *service) { s.logger = logger }
}

// NewService creates a new circulation service instance.
func NewService(engine *Engine, backend Backend, opts ...Option) Service {
	s := &service{
		engine:  engine,
		backend: backend,
		journal: noJournal{},
		logger:  slog.Default(),
		now:     time.Now,
		tracer:  otel.Tracer("becirculation/circulation"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "circulation")

	meter := otel.Meter("becirculation/circulation")
	s.classifications = s.counter(meter, "circulation.classifications",
		"Loans and reservations classified, by effective state")
	s.intents = s.counter(meter, "circulation.intents",
		"Intents dispatched to the backend of record, by kind and outcome")
	return s
}

// counter registers an instrument on meter. A meter that refuses the instrument
// leaves the service running without that metric.
func (s *service) counter(meter metric.Meter, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		s.logger.Warn("metric disabled", "metric", name, "error", err)
		return noop.Int64Counter{}
	}
	return c
}

// GetLoan fetches one loan and classifies it.
func (s *service) GetLoan(ctx context.Context, actor access.Actor, id string) (*LoanView, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.get_loan", trace.WithAttributes(attribute.String("loan.id", id)))
	defer span.End()

	loan, err := s.backend.GetLoan(ctx, id)
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("failed to get loan: %w", err))
	}
	if err := access.AuthorizeFor(actor, access.OpViewOwnCirculation, access.OpViewAllCirculation, loan.UserID); err != nil {
		return nil, s.fail(span, err)
	}

	v, err := s.engine.ViewLoan(*loan, s.now())
	if err != nil {
		return nil, s.fail(span, err)
	}
	s.observeLoan(ctx, v.Classification)
	span.SetAttributes(attribute.String("loan.state", v.Classification.State.String()))
	return &v, nil
}

// ListLoans classifies a borrower's loans, or everyone's when userID is empty and the
// actor may see all circulation. Readers always get their own.
func (s *service) ListLoans(ctx context.Context, actor access.Actor, userID string) ([]LoanView, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.list_loans")
	defer span.End()

	userID = s.scope(actor, userID)
	if err := s.authorizeListing(actor, userID); err != nil {
		return nil, s.fail(span, err)
	}

	loans, err := s.backend.ListLoans(ctx, LoanFilter{UserID: userID})
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("failed to list loans: %w", err))
	}

	now := s.now()
	views := make([]LoanView, 0, len(loans))
	for _, loan := range loans {
		v, err := s.engine.ViewLoan(loan, now)
		if err != nil {
			s.logger.WarnContext(ctx, "skipping unclassifiable loan", "loan_id", loan.ID, "error", err)
			continue
		}
		s.observeLoan(ctx, v.Classification)
		views = append(views, v)
	}
	span.SetAttributes(attribute.Int("loans.count", len(views)))
	return views, nil
}

// OverdueLoans lists every loan that is overdue right now, whatever its stored status.
func (s *service) OverdueLoans(ctx context.Context, actor access.Actor) ([]LoanView, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.overdue_loans")
	defer span.End()

	if err := access.Authorize(actor, access.OpViewAllCirculation); err != nil {
		return nil, s.fail(span, err)
	}

	loans, err := s.backend.ListLoans(ctx, LoanFilter{})
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("failed to list loans: %w", err))
	}

	overdue := s.engine.Overdue(loans, s.now())
	span.SetAttributes(attribute.Int("loans.overdue", len(overdue)))
	return overdue, nil
}

// IssueLoan validates the borrower and dispatches the loan to the backend.
func (s *service) IssueLoan(ctx context.Context, actor access.Actor, req IssueLoanRequest) (*LoanView, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.issue_loan",
		trace.WithAttributes(attribute.String("item.id", req.ItemID), attribute.String("user.id", req.UserID)))
	defer span.End()

	if err := access.Authorize(actor, access.OpCreateLoan); err != nil {
		return nil, s.fail(span, err)
	}

	borrower, err := s.backend.GetBorrower(ctx, req.UserID)
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("failed to get borrower: %w", err))
	}

	intent, err := s.engine.PrepareIssueLoan(actor, req, *borrower, s.now())
	if err != nil {
		return nil, s.fail(span, err)
	}

	var loan *Loan
	err = s.dispatch(ctx, "item:"+req.ItemID, IntentIssueLoan, intent, func(ctx context.Context) error {
		var err error
		loan, err = s.backend.IssueLoan(ctx, intent)
		return err
	})
	if err != nil {
		return nil, s.fail(span, err)
	}

	v, err := s.engine.ViewLoan(*loan, s.now())
	if err != nil {
		return nil, s.fail(span, err)
	}
	return &v, nil
}

// ReturnLoan prices the return and dispatches it to the backend.
func (s *service) ReturnLoan(ctx context.Context, actor access.Actor, loanID string) (*ReturnLoanIntent, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.return_loan", trace.WithAttributes(attribute.String("loan.id", loanID)))
	defer span.End()

	if err := access.Authorize(actor, access.OpProcessReturn); err != nil {
		return nil, s.fail(span, err)
	}

	loan, err := s.backend.GetLoan(ctx, loanID)
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("failed to get loan: %w", err))
	}

	intent, err := s.engine.PrepareReturn(actor, *loan, s.now())
	if err != nil {
		return nil, s.fail(span, err)
	}

	err = s.dispatch(ctx, "loan:"+loan.ID, IntentReturnLoan, intent, func(ctx context.Context) error {
		_, err := s.backend.ReturnLoan(ctx, intent)
		return err
	})
	if err != nil {
		return nil, s.fail(span, err)
	}

	span.SetAttributes(attribute.Int("loan.days_late", intent.DaysLate), attribute.Int64("loan.fee", intent.Fee))
	if intent.DaysLate > 0 {
		s.logger.InfoContext(ctx, "late return", "loan_id", loan.ID, "days_late", intent.DaysLate, "fee", intent.Fee)
	}
	return &intent, nil
}

// GetReservation fetches one reservation and classifies it.
func (s *service) GetReservation(ctx context.Context, actor access.Actor, id string) (*ReservationView, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.get_reservation", trace.WithAttributes(attribute.String("reservation.id", id)))
	defer span.End()

	r, err := s.backend.GetReservation(ctx, id)
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("failed to get reservation: %w", err))
	}
	if err := access.AuthorizeFor(actor, access.OpViewOwnCirculation, access.OpViewAllCirculation, r.UserID); err != nil {
		return nil, s.fail(span, err)
	}

	v, err := s.engine.ViewReservation(*r, s.now())
	if err != nil {
		return nil, s.fail(span, err)
	}
	s.observeReservation(ctx, v.Classification)
	return &v, nil
}

// ListReservations classifies reservations matching filter.
func (s *service) ListReservations(ctx context.Context, actor access.Actor, filter ReservationFilter) ([]ReservationView, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.list_reservations")
	defer span.End()

	filter.UserID = s.scope(actor, filter.UserID)
	if err := s.authorizeListing(actor, filter.UserID); err != nil {
		return nil, s.fail(span, err)
	}

	reservations, err := s.backend.ListReservations(ctx, filter)
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("failed to list reservations: %w", err))
	}

	now := s.now()
	views := make([]ReservationView, 0, len(reservations))
	for _, r := range reservations {
		v, err := s.engine.ViewReservation(r, now)
		if err != nil {
			s.logger.WarnContext(ctx, "skipping unclassifiable reservation", "reservation_id", r.ID, "error", err)
			continue
		}
		s.observeReservation(ctx, v.Classification)
		views = append(views, v)
	}
	span.SetAttributes(attribute.Int("reservations.count", len(views)))
	return views, nil
}

// CreateReservation checks for a duplicate and dispatches the reservation.
func (s *service) CreateReservation(ctx context.Context, actor access.Actor, req CreateReservationRequest) (*ReservationView, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.create_reservation",
		trace.WithAttributes(attribute.String("document.id", req.DocumentID), attribute.String("user.id", req.UserID)))
	defer span.End()

	if err := access.AuthorizeFor(actor, access.OpCreateReservation, access.OpManageReservations, req.UserID); err != nil {
		return nil, s.fail(span, err)
	}

	existing, err := s.backend.ListReservations(ctx, ReservationFilter{UserID: req.UserID, DocumentID: req.DocumentID})
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("failed to list reservations: %w", err))
	}

	intent, err := s.engine.PrepareReservation(actor, req, existing, s.now())
	if err != nil {
		return nil, s.fail(span, err)
	}

	var created *Reservation
	key := "reservation:" + req.UserID + ":" + req.DocumentID
	err = s.dispatch(ctx, key, IntentCreateReservation, intent, func(ctx context.Context) error {
		var err error
		created, err = s.backend.CreateReservation(ctx, intent)
		return err
	})
	if err != nil {
		return nil, s.fail(span, err)
	}

	v, err := s.engine.ViewReservation(*created, s.now())
	if err != nil {
		return nil, s.fail(span, err)
	}
	return &v, nil
}

// CompleteReservation confirms pickup.
func (s *service) CompleteReservation(ctx context.Context, actor access.Actor, id string) (*ReservationView, error) {
	return s.transition(ctx, actor, id, IntentCompleteReservation)
}

// CancelReservation withdraws a reservation.
func (s *service) CancelReservation(ctx context.Context, actor access.Actor, id string) (*ReservationView, error) {
	return s.transition(ctx, actor, id, IntentCancelReservation)
}

func (s *service) transition(ctx context.Context, actor access.Actor, id string, kind IntentKind) (*ReservationView, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.transition_reservation",
		trace.WithAttributes(attribute.String("reservation.id", id), attribute.String("intent.kind", string(kind))))
	defer span.End()

	r, err := s.backend.GetReservation(ctx, id)
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("failed to get reservation: %w", err))
	}

	var (
		intent ReservationTransitionIntent
		call   func(context.Context, ReservationTransitionIntent) (*Reservation, error)
	)
	now := s.now()
	switch kind {
	case IntentCompleteReservation:
		intent, err = s.engine.PrepareCompleteReservation(actor, *r, now)
		call = s.backend.CompleteReservation
	case IntentCancelReservation:
		intent, err = s.engine.PrepareCancelReservation(actor, *r, now)
		call = s.backend.CancelReservation
	default:
		err = fmt.Errorf("%w: %s is not a reservation transition", ErrInvalidArgument, kind)
	}
	if err != nil {
		return nil, s.fail(span, err)
	}

	var updated *Reservation
	err = s.dispatch(ctx, "reservation:"+r.ID, kind, intent, func(ctx context.Context) error {
		var err error
		updated, err = call(ctx, intent)
		return err
	})
	if err != nil {
		return nil, s.fail(span, err)
	}

	v, err := s.engine.ViewReservation(*updated, s.now())
	if err != nil {
		return nil, s.fail(span, err)
	}
	return &v, nil
}

// Reconcile compares every stored status with its effective state.
func (s *service) Reconcile(ctx context.Context, actor access.Actor) (*Report, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.reconcile")
	defer span.End()

	if err := access.Authorize(actor, access.OpViewAllCirculation); err != nil {
		return nil, s.fail(span, err)
	}

	loans, err := s.backend.ListLoans(ctx, LoanFilter{})
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("failed to list loans: %w", err))
	}
	reservations, err := s.backend.ListReservations(ctx, ReservationFilter{})
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("failed to list reservations: %w", err))
	}

	report := s.engine.Reconcile(loans, reservations, s.now())
	span.SetAttributes(attribute.Int("reconcile.discrepancies", len(report.Discrepancies)))
	return &report, nil
}

// dispatch runs call between a journal Begin and its Commit. When call fails the
// journal entry is aborted so the intent may be retried.
func (s *service) dispatch(ctx context.Context, key string, kind IntentKind, payload any, call func(context.Context) error) error {
	entry, err := s.journal.Begin(ctx, key, kind, payload)
	if err != nil {
		s.countIntent(ctx, kind, "rejected")
		return fmt.Errorf("failed to record intent: %w", err)
	}

	if err := call(ctx); err != nil {
		s.logger.WarnContext(ctx, "compensating failed dispatch", "intent", kind, "key", key, "error", err)
		if abortErr := s.journal.Abort(ctx, entry, err); abortErr != nil {
			s.logger.ErrorContext(ctx, "failed to abort journal entry", "intent", kind, "key", key, "error", abortErr)
		}
		s.countIntent(ctx, kind, "failed")
		return fmt.Errorf("failed to dispatch %s: %w", kind, err)
	}

	if err := s.journal.Commit(ctx, entry); err != nil {
		// The backend already applied the intent; only the audit trail is behind.
		s.logger.ErrorContext(ctx, "failed to commit journal entry", "intent", kind, "key", key, "error", err)
	}
	s.countIntent(ctx, kind, "dispatched")
	return nil
}

// scope defaults an empty user filter to the actor's own records unless the actor
// may see everyone's.
func (s *service) scope(actor access.Actor, userID string) string {
	if userID == "" && !access.CanPerform(actor.Role, access.OpViewAllCirculation) {
		return actor.ID
	}
	return userID
}

func (s *service) authorizeListing(actor access.Actor, userID string) error {
	if userID == "" {
		return access.Authorize(actor, access.OpViewAllCirculation)
	}
	return access.AuthorizeFor(actor, access.OpViewOwnCirculation, access.OpViewAllCirculation, userID)
}

func (s *service) observeLoan(ctx context.Context, c LoanClassification) {
	if c.Warning != nil {
		s.logger.WarnContext(ctx, "unrecognized loan status", "loan_id", c.LoanID, "stored_status", c.StoredStatus, "error", c.Warning)
	}
	s.classifications.Add(ctx, 1, metric.WithAttributes(
		attribute.String("record", "loan"),
		attribute.String("state", c.State.String()),
		attribute.Bool("diverged", c.Diverged),
	))
}

func (s *service) observeReservation(ctx context.Context, c ReservationClassification) {
	if c.Warning != nil {
		s.logger.WarnContext(ctx, "unrecognized reservation status", "reservation_id", c.ReservationID, "stored_status", c.StoredStatus, "error", c.Warning)
	}
	s.classifications.Add(ctx, 1, metric.WithAttributes(
		attribute.String("record", "reservation"),
		attribute.String("state", c.State.String()),
		attribute.Bool("diverged", c.Diverged),
	))
}

func (s *service) countIntent(ctx context.Context, kind IntentKind, outcome string) {
	s.intents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("outcome", outcome),
	))
}

func (s *service) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// noJournal is used when no journal is configured.
type noJournal struct{}

func (noJournal) Begin(_ context.Context, key string, kind IntentKind, _ any) (JournalEntry, error) {
	return JournalEntry{AggregateKey: key, Kind: kind}, nil
}

func (noJournal) Commit(context.Context, JournalEntry) error { return nil }

func (noJournal) Abort(context.Context, JournalEntry, error) error { return nil }
