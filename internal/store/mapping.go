package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/regelapi/internal/domain"
)

// normalizeKey makes visually identical keys map to the same correlation id.
func normalizeKey(key string) string {
	return norm.NFC.String(strings.TrimSpace(key))
}

// ResolveOrCreate returns the correlation id mapped to ref, creating the
// mapping when it does not exist yet.
//
// Lookup and insert run in one transaction. A concurrent creator in another
// process that wins the UNIQUE(external_key, context) race makes the insert a
// no-op, and the follow-up read returns the winner's id. Store failures are
// reported as MAPPING_STORE_UNAVAILABLE and left to the caller to retry.
func (s *Store) ResolveOrCreate(ctx context.Context, ref domain.ExternalReference) (domain.CorrelationID, error) {
	if err := ref.Validate(); err != nil {
		return "", err
	}
	key := normalizeKey(ref.Key)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", domain.MappingStoreUnavailable(err)
	}
	defer tx.Rollback() // No-op if committed

	id, err := lookupMapping(ctx, tx, key, ref.Context)
	if err == nil {
		if err := tx.Commit(); err != nil {
			return "", domain.MappingStoreUnavailable(err)
		}
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", domain.MappingStoreUnavailable(err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO external_mappings (id, external_key, context, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(external_key, context) DO NOTHING
	`, s.ids.Generate(), key, string(ref.Context), toMillis(s.now()))
	if err != nil {
		return "", domain.MappingStoreUnavailable(err)
	}

	id, err = lookupMapping(ctx, tx, key, ref.Context)
	if err != nil {
		return "", domain.MappingStoreUnavailable(err)
	}

	if err := tx.Commit(); err != nil {
		return "", domain.MappingStoreUnavailable(err)
	}
	return id, nil
}

// LookupMapping returns the correlation id mapped to ref without creating one.
func (s *Store) LookupMapping(ctx context.Context, ref domain.ExternalReference) (domain.CorrelationID, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM external_mappings
		WHERE external_key = ? AND context = ?
	`, normalizeKey(ref.Key), string(ref.Context)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, domain.MappingStoreUnavailable(err)
	}
	return domain.CorrelationID(id), true, nil
}

func lookupMapping(ctx context.Context, q querier, key string, c domain.Context) (domain.CorrelationID, error) {
	var id string
	err := q.QueryRowContext(ctx, `
		SELECT id FROM external_mappings
		WHERE external_key = ? AND context = ?
	`, key, string(c)).Scan(&id)
	if err != nil {
		return "", err
	}
	return domain.CorrelationID(id), nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
