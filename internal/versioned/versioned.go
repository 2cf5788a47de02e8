// Package versioned implements optimistic locking for bun-backed entities.
// Every mutation is a single conditional UPDATE matching both primary key and
// version; the loser of a concurrent race observes a conflict instead of
// silently overwriting the winner.
package versioned

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/khayson/storefront/internal/database"
)

var tracer = otel.Tracer("github.com/khayson/storefront/versioned")

// ErrNotFound is returned when no row exists for the requested id.
var ErrNotFound = errors.New("record not found")

// Record is any entity participating in optimistic locking.
type Record interface {
	RecordID() int64
	RecordVersion() int64
	SetRecordVersion(int64)
	Touch(time.Time)
}

// ConflictError signals that a write lost an optimistic-locking race: the
// persisted version had already moved past the version the writer read.
type ConflictError struct {
	Entity   string
	Expected int64
	Actual   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("stale %s record: expected version %d, persisted version is %d", e.Entity, e.Expected, e.Actual)
}

// WriteResult reports the outcome of a guarded write. Exactly one of the two
// outcomes holds: Applied with NewVersion set, or a conflict with
// CurrentVersion carrying the version that won.
type WriteResult struct {
	Applied        bool
	NewVersion     int64
	CurrentVersion int64
}

// Store provides optimistic-locking reads and writes for one entity type.
// P must be a pointer to the bun model struct.
type Store[T any, P interface {
	Record
	*T
}] struct {
	writer *bun.DB
	reader *bun.DB
	entity string
}

// NewStore builds a store over the configured connections. entity names the
// record type in conflict errors and trace spans ("order", "product", ...).
func NewStore[T any, P interface {
	Record
	*T
}](conns *database.Connections, entity string) *Store[T, P] {
	return &Store[T, P]{
		writer: conns.Writer,
		reader: conns.Reader,
		entity: entity,
	}
}

// Load returns the current snapshot of the record and, implicitly, the
// version it was read at. Loads never mutate state.
func (s *Store[T, P]) Load(ctx context.Context, id int64) (P, error) {
	ctx, span := tracer.Start(ctx, "versioned.Load", trace.WithAttributes(
		attribute.String("record.entity", s.entity),
		attribute.Int64("record.id", id),
	))
	defer span.End()

	rec := P(new(T))
	err := s.reader.NewSelect().Model(rec).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		span.SetStatus(codes.Error, "not found")
		return nil, ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "select failed")
		return nil, fmt.Errorf("load %s: %w", s.entity, err)
	}
	return rec, nil
}

// Insert persists a brand new record at version 0. Creation is not a
// conflict case; it is distinct from the guarded write path.
func (s *Store[T, P]) Insert(ctx context.Context, rec P) error {
	ctx, span := tracer.Start(ctx, "versioned.Insert", trace.WithAttributes(
		attribute.String("record.entity", s.entity),
	))
	defer span.End()

	rec.SetRecordVersion(0)
	rec.Touch(time.Now().UTC())
	if _, err := s.writer.NewInsert().Model(rec).Exec(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		return fmt.Errorf("insert %s: %w", s.entity, err)
	}
	return nil
}

// GuardedWrite applies the already-mutated columns of rec as one conditional
// update matching id and expected version, bumping the version by exactly 1.
// A zero-row match means another writer got there first; the result then
// carries the version currently persisted so the caller can re-Load and
// decide whether to retry, merge, or abort. The store itself never retries.
//
// columns lists the changed columns; version and updated_at are always
// written alongside them. Infrastructure failures come back as ordinary
// errors and leave rec's in-memory version untouched.
func (s *Store[T, P]) GuardedWrite(ctx context.Context, rec P, expected int64, columns ...string) (WriteResult, error) {
	ctx, span := tracer.Start(ctx, "versioned.GuardedWrite", trace.WithAttributes(
		attribute.String("record.entity", s.entity),
		attribute.Int64("record.id", rec.RecordID()),
		attribute.Int64("record.expected_version", expected),
	))
	defer span.End()

	rec.SetRecordVersion(expected + 1)
	rec.Touch(time.Now().UTC())

	res, err := s.writer.NewUpdate().
		Model(rec).
		Column(append(columns, "version", "updated_at")...).
		Where("id = ?", rec.RecordID()).
		Where("version = ?", expected).
		Exec(ctx)
	if err != nil {
		rec.SetRecordVersion(expected)
		span.RecordError(err)
		span.SetStatus(codes.Error, "update failed")
		return WriteResult{}, fmt.Errorf("guarded write %s: %w", s.entity, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		rec.SetRecordVersion(expected)
		return WriteResult{}, fmt.Errorf("guarded write %s: rows affected: %w", s.entity, err)
	}
	if affected == 0 {
		rec.SetRecordVersion(expected)
		current, err := s.currentVersion(ctx, rec.RecordID())
		if err != nil {
			return WriteResult{}, err
		}
		span.SetAttributes(attribute.Int64("record.current_version", current))
		span.SetStatus(codes.Error, "version conflict")
		return WriteResult{CurrentVersion: current}, nil
	}

	return WriteResult{Applied: true, NewVersion: expected + 1}, nil
}

// Bump increments the version without touching any other column, conditioned
// on the version rec believes it holds. A stale in-memory belief surfaces as
// a ConflictError rather than a silent increment. This is the path for admin
// overrides that must still participate in the versioning contract.
func (s *Store[T, P]) Bump(ctx context.Context, rec P) error {
	expected := rec.RecordVersion()
	res, err := s.GuardedWrite(ctx, rec, expected)
	if err != nil {
		return err
	}
	if !res.Applied {
		return &ConflictError{Entity: s.entity, Expected: expected, Actual: res.CurrentVersion}
	}
	return nil
}

// Entity returns the record type name used for conflicts and spans.
func (s *Store[T, P]) Entity() string { return s.entity }

func (s *Store[T, P]) currentVersion(ctx context.Context, id int64) (int64, error) {
	var version int64
	err := s.writer.NewSelect().
		Model((*T)(nil)).
		Column("version").
		Where("id = ?", id).
		Scan(ctx, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read current version of %s: %w", s.entity, err)
	}
	return version, nil
}
