package ledgerclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestReassignResource_SendsAuthenticatedIdempotentRequest(t *testing.T) {
	var gotPath, gotKey, gotIdempotencyKey string
	var gotBody ReassignRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-ledger-key")
		gotIdempotencyKey = r.Header.Get("Idempotency-Key")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"resourceId":"r1","ownerId":"B","status":"active"}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret-key")
	if err := client.ReassignResource(context.Background(), "tx1", "A", "r1", "B"); err != nil {
		t.Fatalf("ReassignResource returned error: %v", err)
	}

	if gotPath != "/v1/resources/r1/owner" {
		t.Fatalf("unexpected request path %q", gotPath)
	}
	if gotKey != "secret-key" {
		t.Fatalf("expected x-ledger-key header, got %q", gotKey)
	}
	if gotIdempotencyKey != "tx1/r1/B" {
		t.Fatalf("expected deterministic idempotency key tx1/r1/B, got %q", gotIdempotencyKey)
	}
	if gotBody.SourceInstallationID != "A" || gotBody.TargetInstallationID != "B" {
		t.Fatalf("unexpected payload: %+v", gotBody)
	}
}

func TestReassignResource_DistinctTargetsCarryDistinctIdempotencyKeys(t *testing.T) {
	var keys []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keys = append(keys, r.Header.Get("Idempotency-Key"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"resourceId":"r1","ownerId":"B","status":"active"}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret-key")
	if err := client.ReassignResource(context.Background(), "tx1", "A", "r1", "B"); err != nil {
		t.Fatalf("reassign to B returned error: %v", err)
	}
	if err := client.ReassignResource(context.Background(), "tx1", "A", "r1", "C"); err != nil {
		t.Fatalf("reassign to C returned error: %v", err)
	}

	if len(keys) != 2 || keys[0] == keys[1] {
		t.Fatalf("reassignments toward different targets must not share an idempotency key, got %v", keys)
	}
}

func TestReassignResource_ParsesErrorResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"errors":[{"title":"Ownership conflict","detail":"resource is frozen","status":"422"}]}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret-key")
	err := client.ReassignResource(context.Background(), "tx1", "A", "r1", "B")
	if err == nil {
		t.Fatal("expected error for non-2xx response")
	}

	var ledgerErr *ErrorResponse
	if !errors.As(err, &ledgerErr) {
		t.Fatalf("expected *ErrorResponse, got %T: %v", err, err)
	}
	if !strings.Contains(ledgerErr.Error(), "Ownership conflict") {
		t.Fatalf("expected error title in message, got %q", ledgerErr.Error())
	}
}

func TestReassignResource_UnparsableErrorBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream unavailable"))
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret-key")
	err := client.ReassignResource(context.Background(), "tx1", "A", "r1", "B")
	if err == nil {
		t.Fatal("expected error for non-2xx response")
	}
	if !strings.Contains(err.Error(), "502") {
		t.Fatalf("expected status code in error, got %q", err.Error())
	}
}
