package circulation

import (
	"errors"
	"math"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func date(s string) time.Time {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return t
}

func ptr[T any](v T) *T { return &v }

func activeLoan(loanDate, due time.Time) Loan {
	return Loan{
		ID:               "loan-1",
		ItemID:           "item-1",
		UserID:           "user-1",
		Type:             LoanTakeHome,
		LoanDate:         loanDate,
		PactedReturnDate: due,
		StoredStatus:     LoanStatusActive,
	}
}

func TestDaysLate(t *testing.T) {
	due := date("2024-02-10")
	tests := []struct {
		name string
		now  time.Time
		want int
	}{
		{"before due", due.Add(-time.Hour), 0},
		{"exactly due", due, 0},
		{"one second late", due.Add(time.Second), 1},
		{"exactly one day", due.Add(24 * time.Hour), 1},
		{"one day and a minute", due.Add(24*time.Hour + time.Minute), 2},
		{"five days", date("2024-02-15"), 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DaysLate(due, tt.now))
		})
	}
}

func TestDaysLateIsMonotonic(t *testing.T) {
	due := date("2024-02-10")
	rapid.Check(t, func(t *rapid.T) {
		a := rapid.Int64Range(-1e7, 1e7).Draw(t, "a")
		b := rapid.Int64Range(0, 1e7).Draw(t, "delta")
		earlier := due.Add(time.Duration(a) * time.Second)
		later := earlier.Add(time.Duration(b) * time.Second)
		if DaysLate(due, earlier) > DaysLate(due, later) {
			t.Fatalf("days late decreased from %v to %v", earlier, later)
		}
		if DaysLate(due, earlier) < 0 {
			t.Fatalf("negative days late")
		}
	})
}

func TestComputeFee(t *testing.T) {
	fee, err := ComputeFee(5, 500)
	require.NoError(t, err)
	assert.Equal(t, int64(2500), fee)

	rapid.Check(t, func(t *rapid.T) {
		rate := rapid.Int64Range(0, 100000).Draw(t, "rate")
		d := rapid.IntRange(0, 10000).Draw(t, "days")
		fee, err := ComputeFee(d, rate)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if d == 0 && fee != 0 {
			t.Fatalf("fee for zero days is %d", fee)
		}
		if fee != int64(d)*rate {
			t.Fatalf("fee %d != %d * %d", fee, d, rate)
		}
	})
}

func TestComputeFeeRejectsNegatives(t *testing.T) {
	_, err := ComputeFee(-1, 500)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = ComputeFee(1, -500)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestLoanFeeScenario(t *testing.T) {
	loan := activeLoan(date("2024-02-03"), date("2024-02-10"))
	now := date("2024-02-15")

	assert.Equal(t, 5, DaysLate(loan.PactedReturnDate, now))
	fee, err := LoanFee(loan, now, 500)
	require.NoError(t, err)
	assert.Equal(t, int64(2500), fee)
}

func TestLoanFeeStopsAtReturn(t *testing.T) {
	loan := activeLoan(date("2024-02-03"), date("2024-02-10"))
	loan.ActualReturnDate = ptr(date("2024-02-12"))
	loan.StoredStatus = LoanStatusReturned

	fee, err := LoanFee(loan, date("2024-06-01"), 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), fee)
}

func TestClassifyLoan(t *testing.T) {
	loanDate := date("2024-02-03")
	due := date("2024-02-10")
	window := 48 * time.Hour

	tests := []struct {
		name string
		loan func() Loan
		now  time.Time
		want LoanState
	}{
		{"well before due", func() Loan { return activeLoan(loanDate, due) }, date("2024-02-04"), LoanActive},
		{"inside warning window", func() Loan { return activeLoan(loanDate, due) }, date("2024-02-08").Add(time.Hour), LoanDueSoon},
		{"window boundary", func() Loan { return activeLoan(loanDate, due) }, date("2024-02-08"), LoanDueSoon},
		{"on due instant", func() Loan { return activeLoan(loanDate, due) }, due, LoanDueSoon},
		{"past due", func() Loan { return activeLoan(loanDate, due) }, due.Add(time.Nanosecond), LoanOverdue},
		{"returned late", func() Loan {
			l := activeLoan(loanDate, due)
			l.ActualReturnDate = ptr(date("2024-02-20"))
			return l
		}, date("2024-03-01"), LoanReturned},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := ClassifyLoan(tt.loan(), tt.now, window)
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.State)
		})
	}
}

func TestClassifyLoanStoredVersusEffective(t *testing.T) {
	loan := activeLoan(date("2024-02-03"), date("2024-02-10"))

	c, err := ClassifyLoan(loan, date("2024-02-15"), 0)
	require.NoError(t, err)
	assert.Equal(t, LoanOverdue, c.State)
	assert.Equal(t, LoanStatusActive, c.StoredStatus)
	assert.True(t, c.Diverged)
	assert.NoError(t, c.Warning)

	loan.StoredStatus = LoanStatusOverdue
	c, err = ClassifyLoan(loan, date("2024-02-15"), 0)
	require.NoError(t, err)
	assert.False(t, c.Diverged)
}

func TestClassifyLoanUnknownStatusDegrades(t *testing.T) {
	loan := activeLoan(date("2024-02-03"), date("2024-02-10"))
	loan.StoredStatus = "perdido"

	c, err := ClassifyLoan(loan, date("2024-02-04"), 0)
	require.NoError(t, err)
	assert.Equal(t, LoanActive, c.State)
	assert.True(t, errors.Is(c.Warning, ErrUnknownState))
	assert.False(t, c.Diverged)
}

func TestClassifyLoanRejectsMalformedDates(t *testing.T) {
	loan := activeLoan(date("2024-02-03"), date("2024-02-10"))
	loan.ActualReturnDate = ptr(date("2024-02-01"))
	_, err := ClassifyLoan(loan, date("2024-02-04"), 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = ClassifyLoan(activeLoan(date("2024-02-10"), date("2024-02-03")), date("2024-02-04"), 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = ClassifyLoan(Loan{ID: "empty"}, date("2024-02-04"), 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = ClassifyLoan(activeLoan(date("2024-02-03"), date("2024-02-10")), date("2024-02-04"), -time.Hour)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func genLoan(t *rapid.T) Loan {
	base := date("2024-01-01")
	loanDate := base.Add(time.Duration(rapid.Int64Range(0, 1e7).Draw(t, "loanOffset")) * time.Second)
	due := loanDate.Add(time.Duration(rapid.Int64Range(0, 3e6).Draw(t, "period")) * time.Second)
	loan := activeLoan(loanDate, due)
	loan.StoredStatus = rapid.SampledFrom([]LoanStatus{
		LoanStatusActive, LoanStatusReturned, LoanStatusOverdue, "desconocido",
	}).Draw(t, "stored")
	if rapid.Bool().Draw(t, "returned") {
		returned := loanDate.Add(time.Duration(rapid.Int64Range(0, 1e7).Draw(t, "returnOffset")) * time.Second)
		loan.ActualReturnDate = &returned
	}
	return loan
}

func TestClassifyLoanProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		loan := genLoan(t)
		now := date("2023-12-01").Add(time.Duration(rapid.Int64Range(0, 3e7).Draw(t, "now")) * time.Second)
		window := time.Duration(rapid.Int64Range(0, 7*86400).Draw(t, "window")) * time.Second

		first, err := ClassifyLoan(loan, now, window)
		if err != nil {
			t.Fatalf("well-formed loan rejected: %v", err)
		}
		second, _ := ClassifyLoan(loan, now, window)
		if first.State != second.State || first.DaysLate != second.DaysLate || first.Diverged != second.Diverged {
			t.Fatalf("classification not idempotent: %+v vs %+v", first, second)
		}

		if loan.Returned() && first.State != LoanReturned {
			t.Fatalf("returned loan classified %s", first.State)
		}
		if !loan.Returned() && now.After(loan.PactedReturnDate) && first.State != LoanOverdue {
			t.Fatalf("late unreturned loan classified %s", first.State)
		}
		if first.State != LoanOverdue && first.State != LoanReturned && first.DaysLate != 0 {
			t.Fatalf("%s loan reports %d days late", first.State, first.DaysLate)
		}
	})
}

func TestClassifyReservationScenarios(t *testing.T) {
	r := Reservation{
		ID:           "res-1",
		DocumentID:   "doc-1",
		UserID:       "user-1",
		TargetDate:   date("2024-03-01"),
		CreatedAt:    date("2024-02-20"),
		StoredStatus: ReservationStatusActive,
	}

	c, err := ClassifyReservation(r, date("2024-03-02"), time.UTC)
	require.NoError(t, err)
	assert.Equal(t, ReservationExpired, c.State)
	assert.True(t, c.Diverged)

	c, err = ClassifyReservation(r, date("2024-03-01"), time.UTC)
	require.NoError(t, err)
	assert.Equal(t, ReservationActive, c.State)

	c, err = ClassifyReservation(r, date("2024-03-01").Add(23*time.Hour+59*time.Minute), time.UTC)
	require.NoError(t, err)
	assert.Equal(t, ReservationActive, c.State, "still the target day")
}

func TestClassifyReservationTerminalStates(t *testing.T) {
	r := Reservation{ID: "res-1", TargetDate: date("2024-03-01")}

	r.StoredStatus = ReservationStatusCompleted
	c, err := ClassifyReservation(r, date("2025-01-01"), time.UTC)
	require.NoError(t, err)
	assert.Equal(t, ReservationCompleted, c.State)

	r.StoredStatus = ReservationStatusExpired
	c, err = ClassifyReservation(r, date("2024-01-01"), time.UTC)
	require.NoError(t, err)
	assert.Equal(t, ReservationExpired, c.State)
	assert.True(t, c.State.Terminal())
}

func TestClassifyReservationUnknownStatus(t *testing.T) {
	r := Reservation{ID: "res-1", TargetDate: date("2024-03-01"), StoredStatus: "pendiente"}
	c, err := ClassifyReservation(r, date("2024-02-01"), time.UTC)
	require.NoError(t, err)
	assert.Equal(t, ReservationActive, c.State)
	assert.ErrorIs(t, c.Warning, ErrUnknownState)

	_, err = ClassifyReservation(Reservation{ID: "res-2"}, date("2024-02-01"), time.UTC)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestClassifyReservationUsesLocationCalendar(t *testing.T) {
	santiago := time.FixedZone("CLT", -3*60*60)
	r := Reservation{
		ID:           "res-1",
		TargetDate:   time.Date(2024, 3, 1, 0, 0, 0, 0, santiago),
		StoredStatus: ReservationStatusActive,
	}
	// 02:00 UTC on March 2nd is still March 1st in Santiago.
	now := time.Date(2024, 3, 2, 2, 0, 0, 0, time.UTC)

	c, err := ClassifyReservation(r, now, santiago)
	require.NoError(t, err)
	assert.Equal(t, ReservationActive, c.State)
}

func TestNewEngineRejectsInvalidPolicy(t *testing.T) {
	p := DefaultPolicy()
	p.FeeRatePerDay = -1
	_, err := NewEngine(p)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	p = DefaultPolicy()
	p.HomeLoanPeriod = 0
	_, err = NewEngine(p)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestViewLoan(t *testing.T) {
	e, err := NewEngine(DefaultPolicy())
	require.NoError(t, err)

	v, err := e.ViewLoan(activeLoan(date("2024-02-03"), date("2024-02-10")), date("2024-02-15"))
	require.NoError(t, err)
	assert.Equal(t, LoanOverdue, v.Classification.State)
	assert.Equal(t, 5, v.Classification.DaysLate)
	assert.Equal(t, int64(2500), v.Fee)
}

func TestOverdueAndReconcile(t *testing.T) {
	e, err := NewEngine(DefaultPolicy())
	require.NoError(t, err)
	now := date("2024-02-15")

	late := activeLoan(date("2024-02-03"), date("2024-02-10"))
	onTime := activeLoan(date("2024-02-10"), date("2024-02-17"))
	onTime.ID = "loan-2"
	broken := activeLoan(date("2024-02-10"), date("2024-02-01"))
	broken.ID = "loan-3"
	unknown := activeLoan(date("2024-02-10"), date("2024-02-28"))
	unknown.ID = "loan-4"
	unknown.StoredStatus = "extraviado"

	overdue := e.Overdue([]Loan{late, onTime, broken}, now)
	require.Len(t, overdue, 1)
	assert.Equal(t, "loan-1", overdue[0].Loan.ID)

	stale := Reservation{ID: "res-1", TargetDate: date("2024-02-10"), StoredStatus: ReservationStatusActive}
	fresh := Reservation{ID: "res-2", TargetDate: date("2024-02-20"), StoredStatus: ReservationStatusActive}

	report := e.Reconcile([]Loan{late, onTime, broken, unknown}, []Reservation{stale, fresh}, now)
	assert.Equal(t, 4, report.Loans)
	assert.Equal(t, 2, report.Reservations)

	ids := map[string]Discrepancy{}
	for _, d := range report.Discrepancies {
		ids[d.ID] = d
	}
	assert.Len(t, ids, 4)
	assert.Equal(t, "overdue", ids["loan-1"].Effective)
	assert.NotEmpty(t, ids["loan-3"].Reason)
	assert.Contains(t, ids["loan-4"].Reason, "extraviado")
	assert.Equal(t, "expired", ids["res-1"].Effective)
}

func TestReservationTargetDateKeepsItsCalendarDay(t *testing.T) {
	santiago, err := time.LoadLocation("America/Santiago")
	require.NoError(t, err)
	p := DefaultPolicy()
	p.Location = santiago
	e, err := NewEngine(p)
	require.NoError(t, err)

	// Borrowers send the picked date as UTC midnight.
	target := date("2024-03-01")
	r := Reservation{ID: "res-1", UserID: "user-1", DocumentID: "doc-1", TargetDate: target, StoredStatus: ReservationStatusActive}

	noonOnTargetDay := time.Date(2024, 3, 1, 12, 0, 0, 0, santiago)
	c, err := e.ClassifyReservation(r, noonOnTargetDay)
	require.NoError(t, err)
	assert.Equal(t, ReservationActive, c.State)

	lateOnTargetDay := time.Date(2024, 3, 1, 23, 30, 0, 0, santiago)
	c, err = e.ClassifyReservation(r, lateOnTargetDay)
	require.NoError(t, err)
	assert.Equal(t, ReservationActive, c.State, "still March 1st in Santiago although March 2nd in UTC")

	c, err = e.ClassifyReservation(r, time.Date(2024, 3, 2, 0, 30, 0, 0, santiago))
	require.NoError(t, err)
	assert.Equal(t, ReservationExpired, c.State)

	req := CreateReservationRequest{DocumentID: "doc-1", UserID: "user-1", TargetDate: target}
	_, err = e.PrepareReservation(reader, req, nil, noonOnTargetDay)
	assert.NoError(t, err, "reserving for today is allowed")
}

func TestComputeFeeRejectsOverflow(t *testing.T) {
	_, err := ComputeFee(2, math.MaxInt64/2+1)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	fee, err := ComputeFee(1, math.MaxInt64)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), fee)
}
