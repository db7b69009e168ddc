/**
 * @description
 * This package provides a client for the Resource Ledger API, the system of
 * record for which installation owns which resource. It exposes the single
 * "reassign ownership" primitive the claim workflow needs, encapsulating
 * authenticated request construction and error-response parsing.
 *
 * Reassignment is expected to be retried: every request carries a
 * deterministic Idempotency-Key derived from the transfer id, resource id,
 * and target installation, so replaying a reassignment after a partial accept
 * is a safe no-op on the ledger side. A competing reassignment of the same
 * resource toward a different target carries a different key, so the ledger
 * evaluates it as a fresh request and rejects it once ownership has moved.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, io, net/http, time: Standard Go libraries.
 */
package ledgerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// Client is a client for the Resource Ledger API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new Resource Ledger API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// ReassignRequest is the payload for a resource ownership reassignment.
type ReassignRequest struct {
	SourceInstallationID string `json:"sourceInstallationId"`
	TargetInstallationID string `json:"targetInstallationId"`
}

// ReassignResponse is the expected response from the reassignment endpoint.
type ReassignResponse struct {
	Data struct {
		ResourceID string `json:"resourceId"`
		OwnerID    string `json:"ownerId"`
		Status     string `json:"status"`
	} `json:"data"`
}

// ErrorResponse represents an error from the Resource Ledger API.
type ErrorResponse struct {
	Errors []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Status string `json:"status"`
	} `json:"errors"`
}

func (e *ErrorResponse) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("ledger api error: %s - %s", e.Errors[0].Title, e.Errors[0].Detail)
	}
	return "unknown ledger api error"
}

// ReassignResource moves ownership of a single resource from the source
// installation to the target installation. The transfer id and target only
// scope the idempotency key; the ledger itself is keyed by resource.
func (c *Client) ReassignResource(ctx context.Context, transferID, sourceInstallationID, resourceID, targetInstallationID string) error {
	payload := ReassignRequest{
		SourceInstallationID: sourceInstallationID,
		TargetInstallationID: targetInstallationID,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal reassign request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/resources/%s/owner", c.BaseURL, resourceID)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create reassign request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-ledger-key", c.APIKey)
	req.Header.Set("Idempotency-Key", transferID+"/"+resourceID+"/"+targetInstallationID)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute reassign request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read reassign response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=ledger_client op=reassign resource_id=%s status=%d msg=\"non-2xx response (unparsable error body)\"", resourceID, resp.StatusCode)
			return fmt.Errorf("failed to decode error response (status %d)", resp.StatusCode)
		}
		log.Printf("level=warn component=ledger_client op=reassign resource_id=%s status=%d title=%q detail=%q", resourceID, resp.StatusCode, firstErrorTitle(errResp), firstErrorDetail(errResp))
		return &errResp
	}

	var successResp ReassignResponse
	if err := json.Unmarshal(bodyBytes, &successResp); err != nil {
		return fmt.Errorf("failed to decode success response: %w", err)
	}

	return nil
}

func firstErrorTitle(resp ErrorResponse) string {
	if len(resp.Errors) == 0 {
		return ""
	}
	return resp.Errors[0].Title
}

func firstErrorDetail(resp ErrorResponse) string {
	if len(resp.Errors) == 0 {
		return ""
	}
	return resp.Errors[0].Detail
}
