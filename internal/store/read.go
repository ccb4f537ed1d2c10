package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/regelapi/internal/domain"
)

const requestColumns = `
	r.id, m.external_key, m.context, r.subject_id, r.case_id,
	r.computation_date, r.input, r.created_at
`

const resultSetColumns = `id, request_id, results, created_at, updated_at`

// GetRequest retrieves a request by correlation id.
// Fails with NOT_FOUND if absent.
func (s *Store) GetRequest(ctx context.Context, id domain.CorrelationID) (domain.Request, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+requestColumns+`
		FROM requests r
		JOIN external_mappings m ON m.id = r.id
		WHERE r.id = ?
	`, string(id))

	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Request{}, domain.RequestNotFound(id)
	}
	if err != nil {
		return domain.Request{}, fmt.Errorf("get request %s: %w", id, err)
	}
	return req, nil
}

// Status derives the status of a request.
//
// Returns Done when a result set exists and Pending when none exists.
// Fails with NOT_FOUND when the request does not exist, or when its result
// set has been reclaimed by retention cleanup.
func (s *Store) Status(ctx context.Context, id domain.CorrelationID) (domain.Status, error) {
	var requestID string
	var resultSetID, reclaimedID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT r.id, rs.id, rr.result_set_id
		FROM requests r
		LEFT JOIN result_sets rs ON rs.request_id = r.id
		LEFT JOIN reclaimed_results rr ON rr.request_id = r.id
		WHERE r.id = ?
	`, string(id)).Scan(&requestID, &resultSetID, &reclaimedID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Status{}, domain.RequestNotFound(id)
	}
	if err != nil {
		return domain.Status{}, fmt.Errorf("status %s: %w", id, err)
	}

	switch {
	case resultSetID.Valid:
		return domain.Done(resultSetID.String), nil
	case reclaimedID.Valid:
		return domain.Status{}, domain.ResultSetNotFound(reclaimedID.String)
	default:
		return domain.Pending(), nil
	}
}

// Reclaimed reports whether the result set answering request id has been
// removed by retention cleanup.
func (s *Store) Reclaimed(ctx context.Context, id domain.CorrelationID) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM reclaimed_results WHERE request_id = ?
	`, string(id)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("reclaimed %s: %w", id, err)
	}
	return n > 0, nil
}

// GetResultSet retrieves the result set answering a request.
// Fails with NOT_FOUND if absent.
func (s *Store) GetResultSet(ctx context.Context, requestID domain.CorrelationID) (domain.ResultSet, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+resultSetColumns+`
		FROM result_sets
		WHERE request_id = ?
	`, string(requestID))

	rs, err := scanResultSet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ResultSet{}, domain.ResultSetNotFound(string(requestID))
	}
	if err != nil {
		return domain.ResultSet{}, fmt.Errorf("get result set for %s: %w", requestID, err)
	}
	return rs, nil
}

// GetResultSetByComponentID retrieves a result set by its own id or by the
// id of any of its four sub-results. Fails with NOT_FOUND if none match.
func (s *Store) GetResultSetByComponentID(ctx context.Context, id string) (domain.ResultSet, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+resultSetColumns+`
		FROM result_sets
		WHERE id = ?1 OR threshold_id = ?1 OR period_id = ?1 OR base_id = ?1 OR rate_id = ?1
		LIMIT 1
	`, id)

	rs, err := scanResultSet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ResultSet{}, domain.ResultSetNotFound(id)
	}
	if err != nil {
		return domain.ResultSet{}, fmt.Errorf("get result set by component %s: %w", id, err)
	}
	return rs, nil
}

// GetConsumption retrieves the consumption record of a result set.
// Returns (record, false, nil) when the result set has not been consumed.
func (s *Store) GetConsumption(ctx context.Context, resultSetID string) (domain.ConsumptionRecord, bool, error) {
	var rec domain.ConsumptionRecord
	var consumedAt, receivedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT result_set_id, consumer, consumed_at, received_at
		FROM consumption_records
		WHERE result_set_id = ?
	`, resultSetID).Scan(&rec.ResultSetID, &rec.Consumer, &consumedAt, &receivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ConsumptionRecord{}, false, nil
	}
	if err != nil {
		return domain.ConsumptionRecord{}, false, fmt.Errorf("get consumption %s: %w", resultSetID, err)
	}
	rec.ConsumedAt = fromMillis(consumedAt)
	rec.ReceivedAt = fromMillis(receivedAt)
	return rec, true, nil
}

// ConsumedBefore lists result sets whose consumption record is older than
// cutoff, ordered by (consumed_at, id) and starting after the cursor. Read-only.
func (s *Store) ConsumedBefore(ctx context.Context, cutoff time.Time, after domain.ReclaimCursor, limit int) ([]domain.ReclaimCandidate, error) {
	return s.queryCandidates(ctx, `
		SELECT rs.id, rs.request_id, rs.results, rs.created_at, rs.updated_at, c.consumed_at
		FROM result_sets rs
		JOIN consumption_records c ON c.result_set_id = rs.id
		WHERE c.consumed_at < ?1
		  AND (?3 = '' OR c.consumed_at > ?2 OR (c.consumed_at = ?2 AND rs.id > ?3))
		ORDER BY c.consumed_at ASC, rs.id ASC
		LIMIT ?4
	`, toMillis(cutoff), cursorMillis(after), after.ID, limit)
}

// UnconsumedBefore lists result sets without a consumption record that were
// created before cutoff, ordered by (created_at, id) and starting after the
// cursor. Read-only.
func (s *Store) UnconsumedBefore(ctx context.Context, cutoff time.Time, after domain.ReclaimCursor, limit int) ([]domain.ReclaimCandidate, error) {
	return s.queryCandidates(ctx, `
		SELECT rs.id, rs.request_id, rs.results, rs.created_at, rs.updated_at, NULL
		FROM result_sets rs
		LEFT JOIN consumption_records c ON c.result_set_id = rs.id
		WHERE c.result_set_id IS NULL AND rs.created_at < ?1
		  AND (?3 = '' OR rs.created_at > ?2 OR (rs.created_at = ?2 AND rs.id > ?3))
		ORDER BY rs.created_at ASC, rs.id ASC
		LIMIT ?4
	`, toMillis(cutoff), cursorMillis(after), after.ID, limit)
}

func cursorMillis(c domain.ReclaimCursor) int64 {
	if c.IsZero() {
		return 0
	}
	return toMillis(c.At)
}

func (s *Store) queryCandidates(ctx context.Context, query string, args ...any) ([]domain.ReclaimCandidate, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query reclaim candidates: %w", err)
	}
	defer rows.Close()

	candidates := []domain.ReclaimCandidate{}
	for rows.Next() {
		var c domain.ReclaimCandidate
		var requestID, results string
		var createdAt, updatedAt int64
		var consumedAt sql.NullInt64
		if err := rows.Scan(&c.ID, &requestID, &results, &createdAt, &updatedAt, &consumedAt); err != nil {
			return nil, err
		}
		decoded, err := unmarshalResults(results)
		if err != nil {
			return nil, err
		}
		c.RequestID = domain.CorrelationID(requestID)
		c.Results = decoded
		c.CreatedAt = fromMillis(createdAt)
		c.UpdatedAt = fromMillis(updatedAt)
		if consumedAt.Valid {
			c.ConsumedAt = fromMillis(consumedAt.Int64)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reclaim candidates: %w", err)
	}
	return candidates, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (domain.Request, error) {
	var req domain.Request
	var id, key, kind, computationDate, input string
	var createdAt int64

	if err := row.Scan(
		&id, &key, &kind, &req.SubjectID, &req.CaseID,
		&computationDate, &input, &createdAt,
	); err != nil {
		return domain.Request{}, err
	}

	in, err := unmarshalInput(input, computationDate)
	if err != nil {
		return domain.Request{}, err
	}
	req.RequestInput = in
	req.ID = domain.CorrelationID(id)
	req.Reference = domain.ExternalReference{Key: key, Context: domain.Context(kind)}
	req.CreatedAt = fromMillis(createdAt)
	return req, nil
}

func scanResultSet(row scanner) (domain.ResultSet, error) {
	var rs domain.ResultSet
	var requestID, results string
	var createdAt, updatedAt int64

	if err := row.Scan(&rs.ID, &requestID, &results, &createdAt, &updatedAt); err != nil {
		return domain.ResultSet{}, err
	}

	decoded, err := unmarshalResults(results)
	if err != nil {
		return domain.ResultSet{}, err
	}
	rs.RequestID = domain.CorrelationID(requestID)
	rs.Results = decoded
	rs.CreatedAt = fromMillis(createdAt)
	rs.UpdatedAt = fromMillis(updatedAt)
	return rs, nil
}
