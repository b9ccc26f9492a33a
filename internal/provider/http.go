package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/shohag/smsrelay/internal/failure"
	"github.com/shohag/smsrelay/internal/signing"
)

type httpPayload struct {
	ID          string `json:"id"`
	Destination string `json:"to"`
	Sender      string `json:"from,omitempty"`
	Message     string `json:"message"`
}

type httpResponse struct {
	MessageID string `json:"message_id"`
	ID        string `json:"id"`
}

// HTTPAdapter posts each message as signed JSON to the provider's endpoint.
// Any 2xx response is an acceptance.
type HTTPAdapter struct {
	client *http.Client
	secret string
}

// NewHTTPAdapter builds the adapter. secret signs requests for providers
// that do not carry their own.
func NewHTTPAdapter(timeout time.Duration, secret string) *HTTPAdapter {
	return &HTTPAdapter{
		client: &http.Client{Timeout: timeout},
		secret: secret,
	}
}

func (a *HTTPAdapter) Name() string { return "http" }

func (a *HTTPAdapter) Send(ctx context.Context, req Request) (*Result, error) {
	if req.Config.Endpoint == "" {
		return nil, fmt.Errorf("http adapter: provider has no endpoint")
	}

	payload, err := json.Marshal(httpPayload{
		ID:          req.QueueID,
		Destination: req.Destination,
		Sender:      req.Sender,
		Message:     req.Message,
	})
	if err != nil {
		return nil, err
	}

	secret := req.Config.Secret
	if secret == "" {
		secret = a.secret
	}
	signature, timestamp := signing.Sign(secret, payload)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Config.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", "SMSRelay/1.0")
	httpReq.Header.Set(signing.HeaderID, req.QueueID)
	httpReq.Header.Set(signing.HeaderTimestamp, strconv.FormatInt(timestamp, 10))
	httpReq.Header.Set(signing.HeaderSignature, signature)
	if req.Config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Config.APIKey)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if rejected(resp.StatusCode) {
			return nil, failure.New(failure.CodeRejected, "provider responded %d: %s", resp.StatusCode, bytes.TrimSpace(body))
		}
		return nil, fmt.Errorf("provider responded %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var out httpResponse
	_ = json.Unmarshal(body, &out)
	id := out.MessageID
	if id == "" {
		id = out.ID
	}
	if id == "" {
		id = resp.Header.Get("X-Message-ID")
	}
	return &Result{MessageID: id}, nil
}

// rejected reports whether status is a client error that a retry cannot fix.
// 408 and 429 are the provider asking us to come back later.
func rejected(status int) bool {
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests {
		return false
	}
	return status >= 400 && status < 500
}
