// internal/journal/journal.go
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"becirculation/internal/circulation"
)

// Stage is how far an intent got.
type Stage string

const (
	StageRequested  Stage = "requested"
	StageDispatched Stage = "dispatched"
	StageAborted    Stage = "aborted"
)

// DefaultPendingTTL bounds how long a requested intent blocks another one on the same
// aggregate. A crash between Begin and Commit leaves the entry pending forever.
const DefaultPendingTTL = 2 * time.Minute

var _ circulation.Journal = (*Store)(nil)

// jsonNull is the payload of records that close an intent.
var jsonNull = []byte("null")

// aggregateNamespace seeds the name-based aggregate IDs.
var aggregateNamespace = uuid.MustParse("4f1c7a52-3d8e-5b6a-9e0f-2a7c1b9d8e43")

// recordColumns selects a Record. Rows written before closing entries carried a
// "null" payload have SQL NULL there, which a json.RawMessage cannot scan.
const recordColumns = `id, aggregate_id, aggregate_key, intent_kind, stage,
	COALESCE(payload, 'null'::jsonb) AS payload, cause, version, created_at`

// Record is one row of an aggregate's intent history.
type Record struct {
	ID           int64           `json:"id" db:"id"`
	AggregateID  uuid.UUID       `json:"aggregate_id" db:"aggregate_id"`
	AggregateKey string          `json:"aggregate_key" db:"aggregate_key"`
	IntentKind   string          `json:"intent_kind" db:"intent_kind"`
	Stage        Stage           `json:"stage" db:"stage"`
	Payload      json.RawMessage `json:"payload,omitempty" db:"payload"`
	Cause        sql.NullString  `json:"-" db:"cause"`
	Version      int             `json:"version" db:"version"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// Store is an append-only intent journal in Postgres. Every aggregate key has its own
// versioned stream; appends use optimistic concurrency on that version.
type Store struct {
	db         *sqlx.DB
	tracer     trace.Tracer
	pendingTTL time.Duration
	now        func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithPendingTTL overrides DefaultPendingTTL.
func WithPendingTTL(ttl time.Duration) Option {
	return func(s *Store) { s.pendingTTL = ttl }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(db *sqlx.DB, opts ...Option) *Store {
	s := &Store{
		db:         db,
		tracer:     otel.Tracer("becirculation/journal"),
		pendingTTL: DefaultPendingTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AggregateID maps an aggregate key such as "loan:42" to its stream ID.
func AggregateID(key string) uuid.UUID {
	return uuid.NewSHA1(aggregateNamespace, []byte(key))
}

const schema = `
CREATE TABLE IF NOT EXISTS circulation_intents (
	id BIGSERIAL PRIMARY KEY,
	aggregate_id UUID NOT NULL,
	aggregate_key TEXT NOT NULL,
	intent_kind TEXT NOT NULL,
	stage TEXT NOT NULL,
	payload JSONB,
	cause TEXT,
	version INT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (aggregate_id, version)
)`

// Migrate creates the journal table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create journal schema: %w", err)
	}
	return nil
}

// Begin records that an intent is about to be dispatched. It fails with
// circulation.ErrConflict while another intent on the same key is still pending.
func (s *Store) Begin(ctx context.Context, key string, kind circulation.IntentKind, payload any) (circulation.JournalEntry, error) {
	ctx, span := s.start(ctx, "journal.begin", key, kind)
	defer span.End()

	data, err := json.Marshal(payload)
	if err != nil {
		return circulation.JournalEntry{}, s.fail(span, fmt.Errorf("marshal payload: %w", err))
	}

	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return circulation.JournalEntry{}, s.fail(span, fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback()

	id := AggregateID(key)
	var last Record
	err = tx.GetContext(ctx, &last, `
		SELECT `+recordColumns+`
		FROM circulation_intents
		WHERE aggregate_id = $1
		ORDER BY version DESC
		LIMIT 1
	`, id)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return circulation.JournalEntry{}, s.fail(span, fmt.Errorf("query last intent: %w", err))
	}

	now := s.now().UTC()
	if last.Stage == StageRequested && now.Sub(last.CreatedAt) < s.pendingTTL {
		span.SetAttributes(attribute.Bool("conflict.detected", true))
		return circulation.JournalEntry{}, s.fail(span,
			fmt.Errorf("%s has a pending %s: %w", key, last.IntentKind, circulation.ErrConflict))
	}

	version := last.Version + 1
	if err := insert(ctx, tx, id, key, string(kind), StageRequested, data, sql.NullString{}, version, now); err != nil {
		return circulation.JournalEntry{}, s.fail(span, err)
	}
	if err := tx.Commit(); err != nil {
		return circulation.JournalEntry{}, s.fail(span, fmt.Errorf("commit transaction: %w", err))
	}

	span.SetAttributes(attribute.Int("journal.version", version))
	return circulation.JournalEntry{AggregateKey: key, Kind: kind, Version: version}, nil
}

// Commit marks entry as dispatched.
func (s *Store) Commit(ctx context.Context, entry circulation.JournalEntry) error {
	ctx, span := s.start(ctx, "journal.commit", entry.AggregateKey, entry.Kind)
	defer span.End()

	return s.fail(span, s.close(ctx, entry, StageDispatched, sql.NullString{}))
}

// Abort marks entry as aborted and keeps the cause.
func (s *Store) Abort(ctx context.Context, entry circulation.JournalEntry, cause error) error {
	ctx, span := s.start(ctx, "journal.abort", entry.AggregateKey, entry.Kind)
	defer span.End()

	var reason sql.NullString
	if cause != nil {
		reason = sql.NullString{String: cause.Error(), Valid: true}
	}
	return s.fail(span, s.close(ctx, entry, StageAborted, reason))
}

func (s *Store) close(ctx context.Context, entry circulation.JournalEntry, stage Stage, cause sql.NullString) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	id := AggregateID(entry.AggregateKey)
	var current int
	if err := tx.GetContext(ctx, &current, `
		SELECT COALESCE(MAX(version), 0)
		FROM circulation_intents
		WHERE aggregate_id = $1
	`, id); err != nil {
		return fmt.Errorf("query current version: %w", err)
	}
	if current != entry.Version {
		return fmt.Errorf("%s moved from version %d to %d: %w", entry.AggregateKey, entry.Version, current, circulation.ErrConflict)
	}

	if err := insert(ctx, tx, id, entry.AggregateKey, string(entry.Kind), stage, jsonNull, cause, entry.Version+1, s.now().UTC()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func insert(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, key, kind string, stage Stage, payload []byte, cause sql.NullString, version int, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO circulation_intents (aggregate_id, aggregate_key, intent_kind, stage, payload, cause, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, id, key, kind, stage, payload, cause, version, at)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("%s version %d already written: %w", key, version, circulation.ErrConflict)
		}
		return fmt.Errorf("insert intent: %w", err)
	}
	return nil
}

// History returns every record for key, oldest first.
func (s *Store) History(ctx context.Context, key string) ([]Record, error) {
	ctx, span := s.tracer.Start(ctx, "journal.history", trace.WithAttributes(attribute.String("aggregate.key", key)))
	defer span.End()

	var records []Record
	err := s.db.SelectContext(ctx, &records, `
		SELECT `+recordColumns+`
		FROM circulation_intents
		WHERE aggregate_id = $1
		ORDER BY version ASC
	`, AggregateID(key))
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("query history: %w", err))
	}

	span.SetAttributes(attribute.Int("journal.records", len(records)))
	return records, nil
}

func (s *Store) start(ctx context.Context, name, key string, kind circulation.IntentKind) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("aggregate.key", key),
		attribute.String("intent.kind", string(kind)),
	))
}

func (s *Store) fail(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
