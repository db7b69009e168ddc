/**
 * @description
 * This file contains the core business logic for the transfer-service. The
 * `Service` struct implements the claim workflow: a source installation
 * creates a transfer request, prospective targets verify against it, and one
 * target accepts it, at which point every resource in the claim is reassigned
 * through the Resource Ledger and the claim is marked complete.
 *
 * Key features:
 * - Every state transition is a conditional write guarded on the claim
 *   version, so concurrent operations on the same transfer id cannot race a
 *   stale read into a winning write.
 * - Accept confirms every resource reassignment before the completing write;
 *   a reassignment failure leaves the claim in `verified` and retryable.
 * - A retried accept from the winning installation short-circuits to success
 *   without touching the ledger again.
 * - Publishes lifecycle events to RabbitMQ for asynchronous consumers.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For event identifiers.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/rabbitmq: For event publishing.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/neosantara/transfer-service/internal/domain"
	"github.com/neosantara/transfer-service/internal/store"
	"github.com/neosantara/transfer-service/pkg/rabbitmq"
)

var (
	ErrInvalidTransferRequest = errors.New("transfer request input failed validation")
	ErrNotTransferTarget      = errors.New("caller is not a target of the transfer request")
	ErrTransferCompleted      = errors.New("transfer request has already been completed")
	ErrTransferNotVerified    = errors.New("transfer request has not been verified")
	ErrTransferExpired        = errors.New("transfer request has expired")
)

// maxTransitionAttempts bounds the conditional-write retry loops. Contention
// on a single transfer id is a handful of installations at most, so a small
// bound is plenty; exhausting it surfaces as a retryable conflict.
const maxTransitionAttempts = 5

// RateLimitError reports that a caller exceeded its per-installation
// verify/accept budget.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return "too many requests for this installation"
}

// ResourceLedger is the ownership system of record. Replaying a reassignment
// toward the same target must be a safe no-op on the ledger side, and a
// reassignment whose source no longer owns the resource must fail.
type ResourceLedger interface {
	ReassignResource(ctx context.Context, transferID, sourceInstallationID, resourceID, targetInstallationID string) error
}

// RateLimiter is the distributed fixed-window limiter contract.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Service provides the core business logic for transfer claims.
type Service struct {
	repo          store.Repository
	ledger        ResourceLedger
	eventProducer rabbitmq.Publisher
	eventExchange string
	claimTTL      time.Duration

	rateLimiter          RateLimiter
	verifyLimitPerMinute int
	acceptLimitPerMinute int

	now func() time.Time
}

// NewService creates a new transfer service instance.
func NewService(repo store.Repository, ledger ResourceLedger, producer rabbitmq.Publisher, eventExchange string, claimTTL time.Duration) *Service {
	if claimTTL <= 0 {
		claimTTL = domain.DefaultClaimTTL
	}
	return &Service{
		repo:          repo,
		ledger:        ledger,
		eventProducer: producer,
		eventExchange: eventExchange,
		claimTTL:      claimTTL,
		now:           time.Now,
	}
}

// SetRateLimiter enables per-installation rate limiting on verify and accept.
// A nil limiter or non-positive limit disables the corresponding check.
func (s *Service) SetRateLimiter(limiter RateLimiter, verifyLimitPerMinute, acceptLimitPerMinute int) {
	s.rateLimiter = limiter
	s.verifyLimitPerMinute = verifyLimitPerMinute
	s.acceptLimitPerMinute = acceptLimitPerMinute
}

// CreateTransfer registers a new transfer request on behalf of the source
// installation. The stored expiration is always server-computed; the
// client-proposed expiration is validated for presence only.
func (s *Service) CreateTransfer(ctx context.Context, transferID, callerInstallationID string, req domain.CreateTransferRequest) (*domain.Claim, error) {
	if !domain.ValidTransferID(transferID) {
		return nil, ErrInvalidTransferRequest
	}
	if !req.Validate() {
		return nil, ErrInvalidTransferRequest
	}

	claim := &domain.Claim{
		TransferID:            transferID,
		Status:                domain.StatusUnclaimed,
		SourceInstallationID:  callerInstallationID,
		TargetInstallationIDs: []string{},
		Expiration:            s.now().Add(s.claimTTL).UnixMilli(),
		ResourceIDs:           req.ResourceIDs,
	}

	if err := s.repo.InsertClaim(ctx, claim); err != nil {
		return nil, err
	}

	log.Printf("level=info component=app op=create_transfer transfer_id=%s source_installation_id=%s resources=%d", transferID, callerInstallationID, len(claim.ResourceIDs))
	s.publishEvent(ctx, "transfer.request.created", claim)
	return claim, nil
}

// VerifyTransfer registers the calling installation as a prospective target
// of the transfer request. Verifying twice from the same installation is a
// no-op on membership, and a claim with multiple verified targets stays
// acceptable by any one of them.
func (s *Service) VerifyTransfer(ctx context.Context, transferID, callerInstallationID string) (*domain.Claim, error) {
	if !domain.ValidTransferID(transferID) {
		return nil, ErrInvalidTransferRequest
	}
	if err := s.checkRateLimit(ctx, "transfer_verify", callerInstallationID, s.verifyLimitPerMinute); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		claim, err := s.repo.GetClaim(ctx, transferID)
		if err != nil {
			return nil, err
		}

		if claim.Status == domain.StatusComplete {
			return nil, ErrTransferCompleted
		}
		if claim.ExpiredAt(s.now()) {
			return nil, ErrTransferExpired
		}

		readVersion := claim.Version
		claim.AddTarget(callerInstallationID)
		claim.Status = domain.StatusVerified

		err = s.repo.UpdateClaim(ctx, claim, readVersion)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}

		log.Printf("level=info component=app op=verify_transfer transfer_id=%s target_installation_id=%s targets=%d", transferID, callerInstallationID, len(claim.TargetInstallationIDs))
		s.publishEvent(ctx, "transfer.request.verified", claim)
		return claim, nil
	}

	return nil, fmt.Errorf("verify transfer %s: %w", transferID, store.ErrVersionConflict)
}

// AcceptTransfer completes the transfer for the calling installation. Guards
// run in a fixed order: existence, target membership, idempotent retry,
// verified status, expiry. Every resource is reassigned through the ledger
// before the completing write; a reassignment failure leaves the claim in
// `verified` so the accept can be retried safely.
func (s *Service) AcceptTransfer(ctx context.Context, transferID, callerInstallationID string) (*domain.Claim, error) {
	if !domain.ValidTransferID(transferID) {
		return nil, ErrInvalidTransferRequest
	}
	if err := s.checkRateLimit(ctx, "transfer_accept", callerInstallationID, s.acceptLimitPerMinute); err != nil {
		return nil, err
	}

	claim, err := s.repo.GetClaim(ctx, transferID)
	if err != nil {
		return nil, err
	}

	if !claim.HasTarget(callerInstallationID) {
		return nil, ErrNotTransferTarget
	}
	if claim.Status == domain.StatusComplete {
		if claim.ClaimedByInstallationID != nil && *claim.ClaimedByInstallationID == callerInstallationID {
			// Safe retry of a finished accept: no further side effects.
			return claim, nil
		}
		return nil, ErrTransferCompleted
	}
	if claim.Status != domain.StatusVerified {
		return nil, ErrTransferNotVerified
	}
	if claim.ExpiredAt(s.now()) {
		return nil, ErrTransferExpired
	}

	// Reassign every resource before recording completion. Sequential on
	// purpose: the first failure aborts with nothing committed to the claim,
	// and the ledger's per-target idempotency makes a full replay safe while
	// a racing accept from another target fails its first reassignment.
	for _, resourceID := range claim.ResourceIDs {
		if err := s.ledger.ReassignResource(ctx, claim.TransferID, claim.SourceInstallationID, resourceID, callerInstallationID); err != nil {
			log.Printf("level=error component=app op=accept_transfer transfer_id=%s resource_id=%s msg=\"resource reassignment failed; claim remains verified\" err=%v", transferID, resourceID, err)
			return nil, fmt.Errorf("resource reassignment failed for %s: %w", resourceID, err)
		}
	}

	return s.completeClaim(ctx, claim, callerInstallationID)
}

// completeClaim performs the completing conditional write. A version conflict
// means another operation slipped in between our read and our write: if that
// operation completed the claim, the accept either short-circuits (same
// caller) or reports a conflict; if it was only a concurrent verify, the
// write is retried against the fresh version without touching the ledger
// again.
func (s *Service) completeClaim(ctx context.Context, claim *domain.Claim, callerInstallationID string) (*domain.Claim, error) {
	claimedBy := callerInstallationID

	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		readVersion := claim.Version
		claim.Status = domain.StatusComplete
		claim.ClaimedByInstallationID = &claimedBy

		err := s.repo.UpdateClaim(ctx, claim, readVersion)
		if err == nil {
			log.Printf("level=info component=app op=accept_transfer transfer_id=%s claimed_by_installation_id=%s resources=%d", claim.TransferID, callerInstallationID, len(claim.ResourceIDs))
			s.publishEvent(ctx, "transfer.request.completed", claim)
			return claim, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return nil, err
		}

		latest, getErr := s.repo.GetClaim(ctx, claim.TransferID)
		if getErr != nil {
			return nil, getErr
		}
		if latest.Status == domain.StatusComplete {
			if latest.ClaimedByInstallationID != nil && *latest.ClaimedByInstallationID == callerInstallationID {
				return latest, nil
			}
			return nil, ErrTransferCompleted
		}
		claim = latest
	}

	return nil, fmt.Errorf("complete transfer %s: %w", claim.TransferID, store.ErrVersionConflict)
}

// GetTransfer returns the current claim snapshot for introspection.
func (s *Service) GetTransfer(ctx context.Context, transferID string) (*domain.Claim, error) {
	if !domain.ValidTransferID(transferID) {
		return nil, ErrInvalidTransferRequest
	}
	return s.repo.GetClaim(ctx, transferID)
}

// DeleteTransfer removes a claim. This is a maintenance operation for test
// cleanup and retention, not part of the claim workflow itself.
func (s *Service) DeleteTransfer(ctx context.Context, transferID string) error {
	if !domain.ValidTransferID(transferID) {
		return ErrInvalidTransferRequest
	}
	claim, err := s.repo.GetClaim(ctx, transferID)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteClaim(ctx, transferID); err != nil {
		return err
	}
	log.Printf("level=info component=app op=delete_transfer transfer_id=%s", transferID)
	s.publishEvent(ctx, "transfer.request.deleted", claim)
	return nil
}

func (s *Service) checkRateLimit(ctx context.Context, scope, installationID string, limit int) error {
	if s.rateLimiter == nil || limit <= 0 {
		return nil
	}
	count, retryAfter, err := s.rateLimiter.ConsumeRateLimit(ctx, scope, installationID, limit, time.Minute)
	if err != nil {
		// Fail open: a limiter outage must not take the workflow down.
		log.Printf("level=warn component=app op=rate_limit scope=%s installation_id=%s msg=\"rate limiter unavailable; allowing request\" err=%v", scope, installationID, err)
		return nil
	}
	if count > limit {
		log.Printf("level=warn component=app op=rate_limit scope=%s installation_id=%s outcome=reject count=%d limit=%d", scope, installationID, count, limit)
		return &RateLimitError{RetryAfterSeconds: retryAfter}
	}
	return nil
}

func (s *Service) publishEvent(ctx context.Context, routingKey string, claim *domain.Claim) {
	if s.eventProducer == nil {
		return
	}
	event := domain.TransferEvent{
		EventID:              uuid.NewString(),
		TransferID:           claim.TransferID,
		Status:               claim.Status,
		SourceInstallationID: claim.SourceInstallationID,
		ResourceIDs:          claim.ResourceIDs,
		Timestamp:            s.now().UTC(),
	}
	if claim.ClaimedByInstallationID != nil {
		event.ClaimedByInstallationID = *claim.ClaimedByInstallationID
	}
	if err := s.eventProducer.Publish(ctx, s.eventExchange, routingKey, event); err != nil {
		log.Printf("level=warn component=app op=publish_event routing_key=%s transfer_id=%s err=%v", routingKey, claim.TransferID, err)
	}
}
