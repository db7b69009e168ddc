/**
 * @description
 * This file defines the `Repository` interface, the contract for all claim
 * persistence required by the transfer-service. The workflow engine never
 * assumes the store serializes read-then-write sequences, so every mutation
 * of an existing claim goes through UpdateClaim, a conditional write that
 * succeeds only when the caller holds the latest version.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/neosantara/transfer-service/internal/domain"
)

var (
	ErrClaimNotFound   = errors.New("transfer request not found")
	ErrClaimExists     = errors.New("transfer request already exists")
	ErrVersionConflict = errors.New("transfer request was modified concurrently")
)

// Repository defines the set of methods for interacting with the claim store.
type Repository interface {
	// GetClaim returns the claim for the transfer id, or ErrClaimNotFound.
	GetClaim(ctx context.Context, transferID string) (*domain.Claim, error)

	// InsertClaim persists a brand-new claim. It returns ErrClaimExists if a
	// claim with the same transfer id is already stored; the existing claim
	// is never overwritten.
	InsertClaim(ctx context.Context, claim *domain.Claim) error

	// UpdateClaim writes the claim back conditionally: the write succeeds only
	// if the stored version equals expectedVersion, and bumps the version by
	// one. A mismatch returns ErrVersionConflict and leaves the row untouched.
	UpdateClaim(ctx context.Context, claim *domain.Claim, expectedVersion int64) error

	// DeleteClaim removes the claim. Returns ErrClaimNotFound if absent.
	DeleteClaim(ctx context.Context, transferID string) error

	// PurgeExpiredClaims deletes claims that expired before the cutoff and
	// never completed. Used by the retention janitor, not by the workflow.
	PurgeExpiredClaims(ctx context.Context, expiredBefore time.Time) (int64, error)
}
