/**
 * @description
 * This file defines the domain models for resource transfer claims. A claim is
 * the persistent record governing a single resource-ownership handoff between
 * two installations: the source creates it, prospective targets verify against
 * it, and exactly one target may later accept it to complete the transfer.
 *
 * @dependencies
 * - time: Standard Go library.
 */

package domain

import (
	"regexp"
	"time"
)

// Claim statuses. Transitions are strictly monotonic:
// unclaimed -> verified -> complete.
const (
	StatusUnclaimed = "unclaimed"
	StatusVerified  = "verified"
	StatusComplete  = "complete"
)

// DefaultClaimTTL is the server-controlled lifetime of a new claim. The
// client-proposed expiration is validated for presence but never stored.
const DefaultClaimTTL = 7 * 24 * time.Hour

// transferIDPattern matches the opaque transfer identifiers accepted on the
// wire: 1-64 characters of letters, digits, underscore, or hyphen.
var transferIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Claim is the persistent record for a single resource transfer request.
type Claim struct {
	TransferID              string    `json:"transferId"`
	Status                  string    `json:"status"`
	SourceInstallationID    string    `json:"sourceInstallationId"`
	TargetInstallationIDs   []string  `json:"targetInstallationIds"`
	ClaimedByInstallationID *string   `json:"claimedByInstallationId,omitempty"`
	Expiration              int64     `json:"expiration"` // epoch milliseconds
	ResourceIDs             []string  `json:"resourceIds"`
	Version                 int64     `json:"-"`
	CreatedAt               time.Time `json:"createdAt"`
	UpdatedAt               time.Time `json:"updatedAt"`
}

// HasTarget reports whether the installation has verified against this claim.
func (c *Claim) HasTarget(installationID string) bool {
	for _, id := range c.TargetInstallationIDs {
		if id == installationID {
			return true
		}
	}
	return false
}

// AddTarget adds the installation to the target set. Adding an existing
// member is a no-op, so verifying twice from the same installation leaves
// the membership unchanged.
func (c *Claim) AddTarget(installationID string) {
	if c.HasTarget(installationID) {
		return
	}
	c.TargetInstallationIDs = append(c.TargetInstallationIDs, installationID)
}

// ExpiredAt reports whether the claim's expiration has passed at the given
// instant. Expiry is a guard derived from the stored timestamp; it is never
// persisted as a status of its own.
func (c *Claim) ExpiredAt(now time.Time) bool {
	return c.Expiration < now.UnixMilli()
}

// ValidTransferID reports whether the caller-supplied transfer identifier is
// acceptable on the wire.
func ValidTransferID(transferID string) bool {
	return transferIDPattern.MatchString(transferID)
}

// CreateTransferRequest is the inbound payload for creating a transfer
// request. The expiration field must be present but the stored expiration is
// always computed server-side.
type CreateTransferRequest struct {
	ResourceIDs []string `json:"resourceIds"`
	Expiration  *int64   `json:"expiration"`
}

// Validate checks the create payload for the malformed-input cases that must
// be rejected before any durable write.
func (r *CreateTransferRequest) Validate() bool {
	if len(r.ResourceIDs) == 0 {
		return false
	}
	for _, id := range r.ResourceIDs {
		if id == "" {
			return false
		}
	}
	return r.Expiration != nil
}

// TransferEvent is the payload published to the message broker on claim
// lifecycle transitions.
type TransferEvent struct {
	EventID                 string    `json:"event_id"`
	TransferID              string    `json:"transfer_id"`
	Status                  string    `json:"status"`
	SourceInstallationID    string    `json:"source_installation_id"`
	ClaimedByInstallationID string    `json:"claimed_by_installation_id,omitempty"`
	ResourceIDs             []string  `json:"resource_ids"`
	Timestamp               time.Time `json:"timestamp"`
}
