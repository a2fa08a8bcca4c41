package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/callsync/internal/calls"
)

func samplePayload() calls.CreateCallPayload {
	return calls.CreateCallPayload{
		UserLeadID:     5,
		UserID:         1,
		CallDate:       time.Unix(1700000000, 0).UTC(),
		IdempotencyKey: "key-1",
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(Config{BaseURL: server.URL + "/", AccessToken: "device-token"})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	return client
}

func TestCreateCallSendsPayloadAndDecodesResponse(t *testing.T) {
	var received calls.CreateCallPayload
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/calls" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer device-token" {
			t.Errorf("unexpected authorization header %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"success":true,"data":{"id":42,"userLeadId":5,"userId":1,"callDate":"2023-11-14T22:13:20Z"}}`))
	})

	data, err := client.CreateCall(context.Background(), samplePayload())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if data.ID != 42 {
		t.Fatalf("expected id 42, got %d", data.ID)
	}
	if received.IdempotencyKey != "key-1" || received.UserLeadID != 5 {
		t.Fatalf("unexpected payload received: %+v", received)
	}
}

func TestCreateCallClassifiesFailures(t *testing.T) {
	testCases := []struct {
		name      string
		status    int
		body      string
		permanent bool
	}{
		{name: "bad request", status: http.StatusBadRequest, body: `{"success":false,"error":"invalid_request"}`, permanent: true},
		{name: "forbidden", status: http.StatusForbidden, body: `{"success":false,"error":"forbidden"}`, permanent: true},
		{name: "not found", status: http.StatusNotFound, body: ``, permanent: true},
		{name: "conflict", status: http.StatusConflict, body: ``, permanent: true},
		{name: "unprocessable", status: http.StatusUnprocessableEntity, body: ``, permanent: true},
		{name: "unauthorized", status: http.StatusUnauthorized, body: `{"error":"invalid_token"}`, permanent: false},
		{name: "request timeout", status: http.StatusRequestTimeout, body: ``, permanent: false},
		{name: "throttled", status: http.StatusTooManyRequests, body: ``, permanent: false},
		{name: "server error", status: http.StatusInternalServerError, body: `<html>oops</html>`, permanent: false},
		{name: "unavailable", status: http.StatusServiceUnavailable, body: ``, permanent: false},
		{name: "unsuccessful envelope", status: http.StatusOK, body: `{"success":false,"error":"busy"}`, permanent: false},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(testCase.status)
				_, _ = w.Write([]byte(testCase.body))
			})
			_, err := client.CreateCall(context.Background(), samplePayload())
			if err == nil {
				t.Fatalf("expected error for status %d", testCase.status)
			}
			if !errors.Is(err, ErrRejected) {
				t.Fatalf("expected ErrRejected, got %v", err)
			}
			if IsPermanent(err) != testCase.permanent {
				t.Fatalf("expected permanent=%v for status %d", testCase.permanent, testCase.status)
			}
			var requestErr *RequestError
			if !errors.As(err, &requestErr) || requestErr.StatusCode != testCase.status {
				t.Fatalf("expected RequestError with status %d, got %v", testCase.status, err)
			}
		})
	}
}

func TestCreateCallRejectsMissingIdentifier(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"success":true,"data":{}}`))
	})
	_, err := client.CreateCall(context.Background(), samplePayload())
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
	if IsPermanent(err) {
		t.Fatalf("malformed responses must be retryable")
	}
}

func TestCreateCallReportsTransportErrorsAsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	baseURL := server.URL
	server.Close()

	client, err := NewClient(Config{BaseURL: baseURL})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	_, err = client.CreateCall(context.Background(), samplePayload())
	if err == nil {
		t.Fatalf("expected transport error")
	}
	if IsPermanent(err) {
		t.Fatalf("transport errors must be retryable")
	}
}

func TestCreateCallHonoursContextDeadline(t *testing.T) {
	release := make(chan struct{})
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.CreateCall(ctx, samplePayload())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if IsPermanent(err) {
		t.Fatalf("timeouts must be retryable")
	}
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(Config{BaseURL: "  "}); err == nil {
		t.Fatalf("expected error for blank base url")
	}
}
