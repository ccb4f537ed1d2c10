package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/regelapi/internal/domain"
)

// InsertRequest inserts a request record.
// Uses ON CONFLICT(id) DO NOTHING: a request is created at most once per
// correlation id, and a second insert returns 0 without touching the first.
//
// Note: The correlation id must already be mapped (foreign key constraint).
func (s *Store) InsertRequest(ctx context.Context, req domain.Request) (int64, error) {
	if err := req.RequestInput.Validate(); err != nil {
		return 0, err
	}
	input, err := marshalInput(req.RequestInput)
	if err != nil {
		return 0, fmt.Errorf("insert request: %w", err)
	}
	createdAt := req.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO requests (id, subject_id, case_id, computation_date, input, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		string(req.ID),
		req.SubjectID,
		req.CaseID,
		req.ComputationDate.Format(domain.DateLayout),
		input,
		toMillis(createdAt),
	)
	if err != nil {
		return 0, fmt.Errorf("insert request: %w", err)
	}
	return result.RowsAffected()
}

// InsertResultSet inserts rs stamped with the store clock.
// See InsertResultSetAt.
func (s *Store) InsertResultSet(ctx context.Context, rs domain.ResultSet) (int64, error) {
	return s.InsertResultSetAt(ctx, rs, time.Time{})
}

// InsertResultSetAt inserts rs, using observedAt (or the store clock when
// zero) for its created and updated timestamps.
//
// Returns 1 when inserted and 0 when a result set with the same id, or any
// result set for the same request, already exists. Duplicates are never an
// error and never overwrite the stored payload. Fails with ORPHAN_RESULT when
// the request does not exist.
func (s *Store) InsertResultSetAt(ctx context.Context, rs domain.ResultSet, observedAt time.Time) (int64, error) {
	if rs.ID == "" {
		return 0, fmt.Errorf("insert result set: id is required")
	}
	results, err := marshalResults(rs.Results)
	if err != nil {
		return 0, fmt.Errorf("insert result set %s: %w", rs.ID, err)
	}
	if observedAt.IsZero() {
		observedAt = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("insert result set %s: begin tx: %w", rs.ID, err)
	}
	defer tx.Rollback() // No-op if committed

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM requests WHERE id = ?`, string(rs.RequestID)).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.OrphanResult(rs.ID, rs.RequestID)
	}
	if err != nil {
		return 0, fmt.Errorf("insert result set %s: check request: %w", rs.ID, err)
	}

	// A reclaimed request stays answered.
	var reclaimed int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM reclaimed_results WHERE request_id = ?`, string(rs.RequestID)).Scan(&reclaimed)
	if err != nil {
		return 0, fmt.Errorf("insert result set %s: check tombstone: %w", rs.ID, err)
	}
	if reclaimed > 0 {
		return 0, nil
	}

	// ON CONFLICT DO NOTHING covers both the primary key and UNIQUE(request_id).
	result, err := tx.ExecContext(ctx, `
		INSERT INTO result_sets
		(id, request_id, threshold_id, period_id, base_id, rate_id, results, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		rs.ID,
		string(rs.RequestID),
		nullableID(rs.ComponentID(domain.KindThreshold)),
		nullableID(rs.ComponentID(domain.KindPeriod)),
		nullableID(rs.ComponentID(domain.KindBase)),
		nullableID(rs.ComponentID(domain.KindDailyRate)),
		results,
		toMillis(observedAt),
		toMillis(observedAt),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return 0, domain.OrphanResult(rs.ID, rs.RequestID)
		}
		return 0, fmt.Errorf("insert result set %s: %w", rs.ID, err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("insert result set %s: rows affected: %w", rs.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("insert result set %s: commit: %w", rs.ID, err)
	}
	return inserted, nil
}

// InsertConsumption records that a downstream consumer took ownership of a
// result set. The first record wins; later ones return 0.
//
// Fails with NOT_FOUND when the result set does not exist.
func (s *Store) InsertConsumption(ctx context.Context, rec domain.ConsumptionRecord) (int64, error) {
	receivedAt := rec.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = s.now()
	}
	consumedAt := rec.ConsumedAt
	if consumedAt.IsZero() {
		consumedAt = receivedAt
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO consumption_records (result_set_id, consumer, consumed_at, received_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(result_set_id) DO NOTHING
	`, rec.ResultSetID, rec.Consumer, toMillis(consumedAt), toMillis(receivedAt))
	if err != nil {
		if isForeignKeyViolation(err) {
			return 0, domain.ResultSetNotFound(rec.ResultSetID)
		}
		return 0, fmt.Errorf("insert consumption %s: %w", rec.ResultSetID, err)
	}
	return result.RowsAffected()
}

// Delete removes a result set and its consumption record in one transaction
// and leaves a tombstone so the request does not read as Pending again.
// Requests and mappings are never deleted.
//
// Fails with NOT_FOUND when the result set does not exist.
func (s *Store) Delete(ctx context.Context, rs domain.ResultSet) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete result set %s: begin tx: %w", rs.ID, err)
	}
	defer tx.Rollback() // No-op if committed

	var requestID string
	err = tx.QueryRowContext(ctx, `SELECT request_id FROM result_sets WHERE id = ?`, rs.ID).Scan(&requestID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ResultSetNotFound(rs.ID)
	}
	if err != nil {
		return fmt.Errorf("delete result set %s: %w", rs.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM consumption_records WHERE result_set_id = ?`, rs.ID); err != nil {
		return fmt.Errorf("delete consumption %s: %w", rs.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM result_sets WHERE id = ?`, rs.ID); err != nil {
		return fmt.Errorf("delete result set %s: %w", rs.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO reclaimed_results (request_id, result_set_id, reclaimed_at)
		VALUES (?, ?, ?)
		ON CONFLICT(request_id) DO NOTHING
	`, requestID, rs.ID, toMillis(s.now())); err != nil {
		return fmt.Errorf("tombstone result set %s: %w", rs.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete result set %s: commit: %w", rs.ID, err)
	}
	return nil
}

func isForeignKeyViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintForeignKey
}
