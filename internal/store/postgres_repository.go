/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface using the pgx driver. Claims carry a version column, and every
 * update is a single conditional write guarded on that version, so concurrent
 * workflow operations against the same transfer id can never interleave a
 * stale read into a winning write.
 *
 * @dependencies
 * - context, errors, fmt, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: PostgreSQL driver and connection pooling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/neosantara/transfer-service/internal/domain"
)

// PostgresRepository is the PostgreSQL-backed claim store.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new repository backed by the given pool.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const claimColumns = `
	transfer_id, status, source_installation_id, target_installation_ids,
	claimed_by_installation_id, expiration_ms, resource_ids, version,
	created_at, updated_at
`

func scanClaim(row pgx.Row) (*domain.Claim, error) {
	var claim domain.Claim
	err := row.Scan(
		&claim.TransferID,
		&claim.Status,
		&claim.SourceInstallationID,
		&claim.TargetInstallationIDs,
		&claim.ClaimedByInstallationID,
		&claim.Expiration,
		&claim.ResourceIDs,
		&claim.Version,
		&claim.CreatedAt,
		&claim.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrClaimNotFound
		}
		return nil, fmt.Errorf("failed to scan claim: %w", err)
	}
	if claim.TargetInstallationIDs == nil {
		claim.TargetInstallationIDs = []string{}
	}
	return &claim, nil
}

// GetClaim fetches a claim by its transfer id.
func (r *PostgresRepository) GetClaim(ctx context.Context, transferID string) (*domain.Claim, error) {
	query := `SELECT ` + claimColumns + ` FROM transfer_claims WHERE transfer_id = $1`
	return scanClaim(r.db.QueryRow(ctx, query, transferID))
}

// InsertClaim persists a new claim. An existing transfer id is never
// overwritten; the conflict is reported to the caller instead.
func (r *PostgresRepository) InsertClaim(ctx context.Context, claim *domain.Claim) error {
	query := `
		INSERT INTO transfer_claims (
			transfer_id, status, source_installation_id, target_installation_ids,
			claimed_by_installation_id, expiration_ms, resource_ids, version,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (transfer_id) DO NOTHING
	`
	now := time.Now().UTC()
	claim.Version = 1
	claim.CreatedAt = now
	claim.UpdatedAt = now

	tag, err := r.db.Exec(ctx, query,
		claim.TransferID,
		claim.Status,
		claim.SourceInstallationID,
		claim.TargetInstallationIDs,
		claim.ClaimedByInstallationID,
		claim.Expiration,
		claim.ResourceIDs,
		claim.Version,
		claim.CreatedAt,
		claim.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert claim: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimExists
	}
	return nil
}

// UpdateClaim performs the conditional write that backs every state
// transition. The WHERE clause pins both the transfer id and the version the
// caller read, so a concurrent writer that got there first makes this a
// zero-row update rather than a lost-update overwrite.
func (r *PostgresRepository) UpdateClaim(ctx context.Context, claim *domain.Claim, expectedVersion int64) error {
	query := `
		UPDATE transfer_claims
		SET status = $1,
		    target_installation_ids = $2,
		    claimed_by_installation_id = $3,
		    version = version + 1,
		    updated_at = $4
		WHERE transfer_id = $5 AND version = $6
	`
	now := time.Now().UTC()
	tag, err := r.db.Exec(ctx, query,
		claim.Status,
		claim.TargetInstallationIDs,
		claim.ClaimedByInstallationID,
		now,
		claim.TransferID,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update claim: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	claim.Version = expectedVersion + 1
	claim.UpdatedAt = now
	return nil
}

// DeleteClaim removes a claim by transfer id.
func (r *PostgresRepository) DeleteClaim(ctx context.Context, transferID string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM transfer_claims WHERE transfer_id = $1`, transferID)
	if err != nil {
		return fmt.Errorf("failed to delete claim: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimNotFound
	}
	return nil
}

// PurgeExpiredClaims deletes dead claims whose expiration predates the
// cutoff. Completed claims are kept as the durable record of the handoff.
func (r *PostgresRepository) PurgeExpiredClaims(ctx context.Context, expiredBefore time.Time) (int64, error) {
	query := `
		DELETE FROM transfer_claims
		WHERE expiration_ms < $1 AND status <> $2
	`
	tag, err := r.db.Exec(ctx, query, expiredBefore.UnixMilli(), domain.StatusComplete)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired claims: %w", err)
	}
	return tag.RowsAffected(), nil
}
