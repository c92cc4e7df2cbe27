package claims

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/policyledger-system/internal/model"
)

func testContexts(claimsService string) []model.LossContext {
	return []model.LossContext{
		{
			Identity: model.LossIdentity{
				ID:       "loss-1",
				EventID:  "event-1",
				PolicyID: "policy-1",
				ClientID: "client-1",
				IssuerID: "issuer-1",
			},
			ClaimsService: claimsService,
			OracleData:    json.RawMessage(`{"wind_speed": 210}`),
		},
	}
}

func TestDispatch_SendsRequestToLastContextTarget(t *testing.T) {
	received := make(chan ComputeRequest, 1)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/api/losses/compute" {
			t.Errorf("path = %s, want /api/losses/compute", r.URL.Path)
		}

		var req ComputeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		received <- req

		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	client := NewClient("ledger.local:8080", zap.NewNop())

	contexts := append(testContexts("ignored.claims"), testContexts(ts.URL)...)
	requestID, err := client.Dispatch(contexts)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if requestID == "" {
		t.Fatalf("Dispatch must return a correlation id")
	}

	select {
	case req := <-received:
		if req.RequestID != requestID {
			t.Fatalf("request id = %s, want %s", req.RequestID, requestID)
		}
		if len(req.LossContexts) != 2 {
			t.Fatalf("full context list must be sent, got %d contexts", len(req.LossContexts))
		}
		if !strings.Contains(req.CallbackURL, "ledger.local") {
			t.Fatalf("callback url = %s, want ledger.local address", req.CallbackURL)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("claims service did not receive the dispatch")
	}
}

func TestDispatch_EmptyContexts(t *testing.T) {
	client := NewClient("ledger.local:8080", zap.NewNop())

	if _, err := client.Dispatch(nil); err == nil {
		t.Fatalf("expected error for empty context list")
	}
}

func TestDispatch_MissingClaimsService(t *testing.T) {
	client := NewClient("ledger.local:8080", zap.NewNop())

	contexts := testContexts("")
	if _, err := client.Dispatch(contexts); err == nil {
		t.Fatalf("expected error for missing claims service reference")
	}
}

func TestConsume_ExactlyOnce(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	client := NewClient("ledger.local:8080", zap.NewNop())

	requestID, err := client.Dispatch(testContexts(ts.URL))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if !client.Consume(requestID) {
		t.Fatalf("first Consume must succeed")
	}
	if client.Consume(requestID) {
		t.Fatalf("second Consume must fail")
	}
	if client.Consume("unknown-id") {
		t.Fatalf("Consume of unknown id must fail")
	}
}

func TestPendingRegistry(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	client := NewClient("ledger.local:8080", zap.NewNop())

	if client.pendingCount() != 0 {
		t.Fatalf("fresh client must have no pending requests")
	}

	requestID, err := client.Dispatch(testContexts(ts.URL))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if client.pendingCount() != 1 {
		t.Fatalf("pendingCount = %d, want 1", client.pendingCount())
	}

	client.Consume(requestID)
	if client.pendingCount() != 0 {
		t.Fatalf("pendingCount = %d, want 0 after consume", client.pendingCount())
	}
}
