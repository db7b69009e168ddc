package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/neosantara/transfer-service/internal/domain"
	"github.com/neosantara/transfer-service/internal/store"
)

func TestConcurrentVerifies_AllTargetsRecorded(t *testing.T) {
	svc, repo, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateTransfer(ctx, "tx1", "A", validCreateRequest("r1")); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	installations := []string{"B", "C", "D", "E"}
	var wg sync.WaitGroup
	errs := make([]error, len(installations))
	for i, installation := range installations {
		wg.Add(1)
		go func(i int, installation string) {
			defer wg.Done()
			_, errs[i] = svc.VerifyTransfer(ctx, "tx1", installation)
		}(i, installation)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("verify from %s failed: %v", installations[i], err)
		}
	}

	claim, err := repo.GetClaim(ctx, "tx1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if claim.Status != domain.StatusVerified {
		t.Fatalf("expected status verified, got %q", claim.Status)
	}
	for _, installation := range installations {
		if !claim.HasTarget(installation) {
			t.Fatalf("installation %s missing from target set %v", installation, claim.TargetInstallationIDs)
		}
	}
}

// ownershipLedger mimics the real ledger contract: replaying a reassignment
// toward the current owner is a no-op, and a reassignment whose source no
// longer owns the resource is rejected.
type ownershipLedger struct {
	mu     sync.Mutex
	owners map[string]string // resourceID -> current owner
}

func newOwnershipLedger() *ownershipLedger {
	return &ownershipLedger{owners: make(map[string]string)}
}

func (l *ownershipLedger) ReassignResource(ctx context.Context, transferID, sourceInstallationID, resourceID, targetInstallationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	owner, ok := l.owners[resourceID]
	if !ok {
		owner = sourceInstallationID
	}
	if owner == targetInstallationID {
		return nil
	}
	if owner != sourceInstallationID {
		return fmt.Errorf("resource %s is owned by %s, not %s", resourceID, owner, sourceInstallationID)
	}
	l.owners[resourceID] = targetInstallationID
	return nil
}

func (l *ownershipLedger) ownerOf(resourceID string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owners[resourceID]
}

func TestConcurrentAccepts_ExactlyOneWinner(t *testing.T) {
	repo := newMemoryRepo()
	ledger := newOwnershipLedger()
	svc := NewService(repo, ledger, &recordingPublisher{}, "transfer.events", domain.DefaultClaimTTL)
	ctx := context.Background()

	resources := []string{"r1", "r2", "r3"}
	if _, err := svc.CreateTransfer(ctx, "tx1", "A", validCreateRequest(resources...)); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	installations := []string{"B", "C", "D"}
	for _, installation := range installations {
		if _, err := svc.VerifyTransfer(ctx, "tx1", installation); err != nil {
			t.Fatalf("verify from %s failed: %v", installation, err)
		}
	}

	var wg sync.WaitGroup
	winners := make([]*domain.Claim, len(installations))
	errs := make([]error, len(installations))
	for i, installation := range installations {
		wg.Add(1)
		go func(i int, installation string) {
			defer wg.Done()
			winners[i], errs[i] = svc.AcceptTransfer(ctx, "tx1", installation)
		}(i, installation)
	}
	wg.Wait()

	var successCount int
	var winner string
	for i, err := range errs {
		switch {
		case err == nil:
			successCount++
			winner = installations[i]
			if winners[i].Status != domain.StatusComplete {
				t.Fatalf("winner claim not complete: %+v", winners[i])
			}
		case errors.Is(err, ErrTransferCompleted):
		case strings.Contains(err.Error(), "reassignment failed"):
			// Loser that raced the ledger directly: its reassignment was
			// rejected because ownership had already moved.
		default:
			t.Fatalf("unexpected error from %s: %v", installations[i], err)
		}
	}
	if successCount != 1 {
		t.Fatalf("expected exactly one winning accept, got %d", successCount)
	}

	claim, err := repo.GetClaim(ctx, "tx1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if claim.Status != domain.StatusComplete {
		t.Fatalf("expected stored status complete, got %q", claim.Status)
	}
	if claim.ClaimedByInstallationID == nil || *claim.ClaimedByInstallationID != winner {
		t.Fatalf("expected claimedBy %s, got %v", winner, claim.ClaimedByInstallationID)
	}

	// The recorded completion must agree with actual ownership: every
	// resource belongs to the installation the claim says won.
	for _, resourceID := range resources {
		if owner := ledger.ownerOf(resourceID); owner != winner {
			t.Fatalf("resource %s owned by %q but completion recorded for %q", resourceID, owner, winner)
		}
	}
}

// acceptDuringReassignLedger runs a full competing accept from installation C
// right after the first successful reassignment, before the caller's
// completing write.
type acceptDuringReassignLedger struct {
	inner          *ownershipLedger
	svc            *Service
	fired          bool
	interleavedErr error
}

func (l *acceptDuringReassignLedger) ReassignResource(ctx context.Context, transferID, sourceInstallationID, resourceID, targetInstallationID string) error {
	err := l.inner.ReassignResource(ctx, transferID, sourceInstallationID, resourceID, targetInstallationID)
	if err == nil && !l.fired {
		l.fired = true
		_, l.interleavedErr = l.svc.AcceptTransfer(ctx, transferID, "C")
	}
	return err
}

func TestAccept_InterleavedAcceptCannotRecordForeignCompletion(t *testing.T) {
	// B's reassignment lands, then C's entire accept runs before B's
	// completing write. C's reassignment carries its own identity, so the
	// ledger rejects it (A no longer owns the resource) and C aborts; the
	// recorded completion and actual ownership both belong to B.
	repo := newMemoryRepo()
	ledger := newOwnershipLedger()
	svc := NewService(repo, ledger, &recordingPublisher{}, "transfer.events", domain.DefaultClaimTTL)
	ctx := context.Background()

	if _, err := svc.CreateTransfer(ctx, "tx1", "A", validCreateRequest("r1")); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := svc.VerifyTransfer(ctx, "tx1", "B"); err != nil {
		t.Fatalf("verify B failed: %v", err)
	}
	if _, err := svc.VerifyTransfer(ctx, "tx1", "C"); err != nil {
		t.Fatalf("verify C failed: %v", err)
	}

	interposer := &acceptDuringReassignLedger{inner: ledger, svc: svc}
	svc.ledger = interposer

	claim, err := svc.AcceptTransfer(ctx, "tx1", "B")
	if err != nil {
		t.Fatalf("accept by B failed: %v", err)
	}
	if claim.ClaimedByInstallationID == nil || *claim.ClaimedByInstallationID != "B" {
		t.Fatalf("expected claimedBy B, got %v", claim.ClaimedByInstallationID)
	}

	if interposer.interleavedErr == nil {
		t.Fatal("expected the interleaved accept by C to fail")
	}
	if errors.Is(interposer.interleavedErr, ErrTransferCompleted) {
		t.Fatalf("C must fail at the ledger, not see a completed claim: %v", interposer.interleavedErr)
	}

	stored, _ := repo.GetClaim(ctx, "tx1")
	if stored.ClaimedByInstallationID == nil || *stored.ClaimedByInstallationID != "B" {
		t.Fatalf("expected stored claimedBy B, got %v", stored.ClaimedByInstallationID)
	}
	if owner := ledger.ownerOf("r1"); owner != "B" {
		t.Fatalf("expected r1 owned by B, got %q", owner)
	}
}

func TestAccept_ConcurrentVerifyConflictDoesNotReplayLedger(t *testing.T) {
	// A verify that lands between accept's read and its completing write makes
	// the conditional write fail once. The accept must retry the write against
	// the fresh version without invoking the ledger a second time.
	repo := newMemoryRepo()
	ledger := newRecordingLedger()
	svc := NewService(repo, ledger, &recordingPublisher{}, "transfer.events", domain.DefaultClaimTTL)
	ctx := context.Background()

	if _, err := svc.CreateTransfer(ctx, "tx1", "A", validCreateRequest("r1", "r2")); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := svc.VerifyTransfer(ctx, "tx1", "B"); err != nil {
		t.Fatalf("verify failed: %v", err)
	}

	// Sneak a concurrent verify in after accept has read the claim but before
	// it writes, by wrapping the ledger to mutate the claim mid-accept.
	sneaky := &verifyDuringReassignLedger{inner: ledger, svc: svc}
	svc.ledger = sneaky

	claim, err := svc.AcceptTransfer(ctx, "tx1", "B")
	if err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	if claim.Status != domain.StatusComplete {
		t.Fatalf("expected complete, got %q", claim.Status)
	}
	if ledger.callCount() != 2 {
		t.Fatalf("expected exactly 2 ledger calls (one per resource), got %d: %v", ledger.callCount(), ledger.calls)
	}

	stored, _ := repo.GetClaim(ctx, "tx1")
	if !stored.HasTarget("C") {
		t.Fatalf("concurrent verify lost: target set %v", stored.TargetInstallationIDs)
	}
	if stored.ClaimedByInstallationID == nil || *stored.ClaimedByInstallationID != "B" {
		t.Fatalf("expected claimedBy B, got %v", stored.ClaimedByInstallationID)
	}
}

// verifyDuringReassignLedger triggers a competing verify during the first
// resource reassignment, which bumps the stored version past what the
// in-flight accept read.
type verifyDuringReassignLedger struct {
	inner *recordingLedger
	svc   *Service
	once  sync.Once
}

func (l *verifyDuringReassignLedger) ReassignResource(ctx context.Context, transferID, sourceInstallationID, resourceID, targetInstallationID string) error {
	l.once.Do(func() {
		if _, err := l.svc.VerifyTransfer(ctx, transferID, "C"); err != nil {
			panic(err)
		}
	})
	return l.inner.ReassignResource(ctx, transferID, sourceInstallationID, resourceID, targetInstallationID)
}

func TestJanitorPurgesOnlyLongExpiredClaims(t *testing.T) {
	repo := newMemoryRepo()
	ctx := context.Background()

	now := time.Now()
	seed := func(id string, status string, expiration time.Time) {
		claim := &domain.Claim{
			TransferID:            id,
			Status:                status,
			SourceInstallationID:  "A",
			TargetInstallationIDs: []string{},
			Expiration:            expiration.UnixMilli(),
			ResourceIDs:           []string{"r1"},
		}
		if err := repo.InsertClaim(ctx, claim); err != nil {
			t.Fatalf("seed %s failed: %v", id, err)
		}
	}

	retention := 30 * 24 * time.Hour
	seed("long-expired", domain.StatusUnclaimed, now.Add(-retention-time.Hour))
	seed("recently-expired", domain.StatusVerified, now.Add(-time.Hour))
	seed("live", domain.StatusVerified, now.Add(time.Hour))
	seed("completed-old", domain.StatusComplete, now.Add(-retention-time.Hour))

	j := NewJanitor(repo, "0 3 * * *", retention)
	j.now = func() time.Time { return now }
	j.PurgeExpiredClaims()

	if _, err := repo.GetClaim(ctx, "long-expired"); !errors.Is(err, store.ErrClaimNotFound) {
		t.Fatalf("expected long-expired claim to be purged, got %v", err)
	}
	for _, id := range []string{"recently-expired", "live", "completed-old"} {
		if _, err := repo.GetClaim(ctx, id); err != nil {
			t.Fatalf("claim %s must survive the purge: %v", id, err)
		}
	}
}
