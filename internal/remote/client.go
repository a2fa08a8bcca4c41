package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/callsync/internal/calls"
)

const (
	createCallPath   = "/api/calls"
	maxResponseBytes = 1 << 20
	defaultTimeout   = 15 * time.Second
)

var (
	// ErrRejected indicates that the server answered but did not accept the call.
	ErrRejected = errors.New("remote: call rejected")
	// ErrMalformedResponse indicates a 2xx response without a usable call identifier.
	ErrMalformedResponse = errors.New("remote: malformed response")
)

var permanentStatuses = map[int]struct{}{
	http.StatusBadRequest:          {},
	http.StatusForbidden:           {},
	http.StatusNotFound:            {},
	http.StatusConflict:            {},
	http.StatusUnprocessableEntity: {},
}

// RequestError describes a delivery attempt the server answered with a failure.
type RequestError struct {
	StatusCode int
	Code       string
	Message    string
	Permanent  bool
}

func (e *RequestError) Error() string {
	parts := []string{fmt.Sprintf("HTTP %d", e.StatusCode)}
	if e.Code != "" {
		parts = append(parts, e.Code)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	return strings.Join(parts, ": ")
}

func (e *RequestError) Unwrap() error {
	return ErrRejected
}

// IsPermanent reports whether retrying the same payload cannot succeed.
// Transport failures, timeouts, 5xx, 408, 429, 401 and unsuccessful 2xx envelopes are retryable.
func IsPermanent(err error) bool {
	var requestErr *RequestError
	if errors.As(err, &requestErr) {
		return requestErr.Permanent
	}
	return false
}

// Config describes the remote create-call endpoint.
type Config struct {
	BaseURL     string
	AccessToken string
	HTTPClient  *http.Client
}

// Client delivers queued calls to the server.
type Client struct {
	endpoint    string
	accessToken string
	httpClient  *http.Client
}

// NewClient validates the configuration and constructs a Client.
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("remote: base url is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		endpoint:    baseURL + createCallPath,
		accessToken: strings.TrimSpace(cfg.AccessToken),
		httpClient:  httpClient,
	}, nil
}

// CreateCall posts the payload and returns the server representation of the stored call.
// A repeated idempotency key yields the call created by the first delivery.
func (c *Client) CreateCall(ctx context.Context, payload calls.CreateCallPayload) (calls.CallData, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return calls.CallData{}, fmt.Errorf("remote: encode payload: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return calls.CallData{}, fmt.Errorf("remote: build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	if c.accessToken != "" {
		request.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return calls.CallData{}, fmt.Errorf("remote: send: %w", err)
	}
	defer response.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return calls.CallData{}, fmt.Errorf("remote: read response: %w", err)
	}

	var envelope calls.CreateCallResponse
	decodeErr := json.Unmarshal(raw, &envelope)

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		_, permanent := permanentStatuses[response.StatusCode]
		return calls.CallData{}, &RequestError{
			StatusCode: response.StatusCode,
			Code:       envelope.Error,
			Message:    envelope.Message,
			Permanent:  permanent,
		}
	}
	if decodeErr != nil {
		return calls.CallData{}, fmt.Errorf("%w: %v", ErrMalformedResponse, decodeErr)
	}
	if !envelope.Success {
		return calls.CallData{}, &RequestError{
			StatusCode: response.StatusCode,
			Code:       envelope.Error,
			Message:    envelope.Message,
		}
	}
	if envelope.Data == nil || envelope.Data.ID <= 0 {
		return calls.CallData{}, fmt.Errorf("%w: missing call id", ErrMalformedResponse)
	}
	return *envelope.Data, nil
}
