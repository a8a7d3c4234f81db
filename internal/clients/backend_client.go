// internal/clients/backend_client.go
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"becirculation/internal/access"
	"becirculation/internal/circulation"
)

// BackendClient talks to the library backend of record over its REST API. It
// forwards the caller's bearer token, so the backend applies its own checks too.
type BackendClient struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	tracer  trace.Tracer
}

var _ circulation.Backend = (*BackendClient)(nil)

// BackendOption customizes a BackendClient.
type BackendOption func(*BackendClient)

// WithHTTPClient replaces the default client, which has a ten second timeout.
func WithHTTPClient(c *http.Client) BackendOption {
	return func(b *BackendClient) { b.http = c }
}

// WithRateLimit caps outgoing requests per second.
func WithRateLimit(rps float64, burst int) BackendOption {
	return func(b *BackendClient) { b.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

func NewBackendClient(baseURL string, opts ...BackendOption) *BackendClient {
	c := &BackendClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Inf, 0),
		tracer:  otel.Tracer("becirculation/clients"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "backend",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return c
}

// loanDTO is a loan document as the backend serializes it.
type loanDTO struct {
	MongoID string `json:"_id"`
	circulation.Loan
}

func (d loanDTO) loan() circulation.Loan {
	l := d.Loan
	if l.ID == "" {
		l.ID = d.MongoID
	}
	return l
}

type reservationDTO struct {
	MongoID string `json:"_id"`
	circulation.Reservation
}

func (d reservationDTO) reservation() circulation.Reservation {
	r := d.Reservation
	if r.ID == "" {
		r.ID = d.MongoID
	}
	return r
}

type userDTO struct {
	MongoID string `json:"_id"`
	circulation.Borrower
}

func (c *BackendClient) GetLoan(ctx context.Context, id string) (*circulation.Loan, error) {
	var dto loanDTO
	if err := c.do(ctx, http.MethodGet, "/loans/"+url.PathEscape(id), nil, nil, &dto); err != nil {
		return nil, err
	}
	loan := dto.loan()
	return &loan, nil
}

func (c *BackendClient) ListLoans(ctx context.Context, filter circulation.LoanFilter) ([]circulation.Loan, error) {
	q := url.Values{}
	if filter.UserID != "" {
		q.Set("user_id", filter.UserID)
	}
	if filter.Status != "" {
		q.Set("estado", string(filter.Status))
	}

	var dtos []loanDTO
	if err := c.do(ctx, http.MethodGet, "/loans/", q, nil, &dtos); err != nil {
		return nil, err
	}
	loans := make([]circulation.Loan, len(dtos))
	for i, d := range dtos {
		loans[i] = d.loan()
	}
	return loans, nil
}

func (c *BackendClient) GetReservation(ctx context.Context, id string) (*circulation.Reservation, error) {
	var dto reservationDTO
	if err := c.do(ctx, http.MethodGet, "/reservations/"+url.PathEscape(id), nil, nil, &dto); err != nil {
		return nil, err
	}
	r := dto.reservation()
	return &r, nil
}

func (c *BackendClient) ListReservations(ctx context.Context, filter circulation.ReservationFilter) ([]circulation.Reservation, error) {
	q := url.Values{}
	if filter.UserID != "" {
		q.Set("user_id", filter.UserID)
	}
	if filter.DocumentID != "" {
		q.Set("document_id", filter.DocumentID)
	}

	var dtos []reservationDTO
	if err := c.do(ctx, http.MethodGet, "/reservations/", q, nil, &dtos); err != nil {
		return nil, err
	}
	reservations := make([]circulation.Reservation, len(dtos))
	for i, d := range dtos {
		reservations[i] = d.reservation()
	}
	return reservations, nil
}

func (c *BackendClient) GetBorrower(ctx context.Context, id string) (*circulation.Borrower, error) {
	var dto userDTO
	if err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(id), nil, nil, &dto); err != nil {
		return nil, err
	}
	b := dto.Borrower
	if b.ID == "" {
		b.ID = dto.MongoID
	}
	return &b, nil
}

func (c *BackendClient) IssueLoan(ctx context.Context, intent circulation.IssueLoanIntent) (*circulation.Loan, error) {
	var dto loanDTO
	if err := c.do(ctx, http.MethodPost, "/loans/", nil, intent, &dto); err != nil {
		return nil, err
	}
	loan := dto.loan()
	return &loan, nil
}

func (c *BackendClient) ReturnLoan(ctx context.Context, intent circulation.ReturnLoanIntent) (*circulation.Loan, error) {
	var dto loanDTO
	path := "/loans/" + url.PathEscape(intent.LoanID) + "/return"
	if err := c.do(ctx, http.MethodPost, path, nil, intent, &dto); err != nil {
		return nil, err
	}
	loan := dto.loan()
	return &loan, nil
}

func (c *BackendClient) CreateReservation(ctx context.Context, intent circulation.CreateReservationIntent) (*circulation.Reservation, error) {
	var dto reservationDTO
	if err := c.do(ctx, http.MethodPost, "/reservations/", nil, intent, &dto); err != nil {
		return nil, err
	}
	r := dto.reservation()
	return &r, nil
}

func (c *BackendClient) CompleteReservation(ctx context.Context, intent circulation.ReservationTransitionIntent) (*circulation.Reservation, error) {
	return c.transition(ctx, intent, "complete")
}

func (c *BackendClient) CancelReservation(ctx context.Context, intent circulation.ReservationTransitionIntent) (*circulation.Reservation, error) {
	return c.transition(ctx, intent, "cancel")
}

func (c *BackendClient) transition(ctx context.Context, intent circulation.ReservationTransitionIntent, action string) (*circulation.Reservation, error) {
	var dto reservationDTO
	path := "/reservations/" + url.PathEscape(intent.ReservationID) + "/" + action
	if err := c.do(ctx, http.MethodPost, path, nil, intent, &dto); err != nil {
		return nil, err
	}
	r := dto.reservation()
	return &r, nil
}

// statusError is a non-2xx answer from the backend.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("backend returned %d", e.code)
	}
	return fmt.Sprintf("backend returned %d: %s", e.code, e.body)
}

func (e *statusError) Unwrap() error {
	switch {
	case e.code == http.StatusNotFound:
		return circulation.ErrNotFound
	case e.code == http.StatusConflict:
		return circulation.ErrConflict
	case e.code == http.StatusUnauthorized || e.code == http.StatusForbidden:
		return circulation.ErrPolicyDenied
	case e.code == http.StatusBadRequest || e.code == http.StatusUnprocessableEntity:
		return circulation.ErrInvalidArgument
	default:
		return circulation.ErrUpstream
	}
}

// do sends one request through the limiter and the breaker. Only transport failures
// and 5xx answers count against the breaker.
func (c *BackendClient) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	ctx, span := c.tracer.Start(ctx, "backend "+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.method", method), attribute.String("http.path", path)))
	defer span.End()

	err := c.roundTrip(ctx, span, method, path, query, in, out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *BackendClient) roundTrip(ctx context.Context, span trace.Span, method, path string, query url.Values, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := access.TokenFrom(ctx); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	result, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			defer resp.Body.Close()
			return nil, &statusError{code: resp.StatusCode, body: readSnippet(resp.Body)}
		}
		return resp, nil
	})
	if err != nil {
		var se *statusError
		if errors.As(err, &se) {
			span.SetAttributes(attribute.Int("http.status_code", se.code))
			return se
		}
		return fmt.Errorf("%s %s: %v: %w", method, path, err, circulation.ErrUpstream)
	}

	resp := result.(*http.Response)
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &statusError{code: resp.StatusCode, body: readSnippet(resp.Body)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %v: %w", err, circulation.ErrUpstream)
	}
	return nil
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	return string(bytes.TrimSpace(b))
}
