// Package paystack talks to the Paystack REST API and verifies its webhook signatures.
package paystack

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/smsverify/pkg/fulfillment"
)

const (
	DefaultBaseURL = "https://api.paystack.co"

	// SignatureHeader carries the hex HMAC-SHA512 of the raw webhook body.
	SignatureHeader         = "x-paystack-signature"
	FallbackSignatureHeader = "signature"

	initializePath        = "/transaction/initialize"
	defaultRequestTimeout = 15 * time.Second
	maxResponseBytes      = 1 << 20
)

var (
	// ErrGateway reports a failed or rejected gateway call.
	ErrGateway = errors.New("payment gateway error")
	// ErrInvalidSignature reports a missing or mismatching webhook signature.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrInvalidConfig reports an unusable client configuration.
	ErrInvalidConfig = errors.New("invalid paystack config")
)

// Client initializes Paystack transactions.
type Client struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithBaseURL points the client at another API root.
func WithBaseURL(baseURL string) ClientOption {
	return func(client *Client) {
		if trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/"); trimmed != "" {
			client.baseURL = trimmed
		}
	}
}

// WithHTTPClient swaps the transport.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(client *Client) {
		if httpClient != nil {
			client.httpClient = httpClient
		}
	}
}

// NewClient builds a Client authenticated with secretKey.
func NewClient(secretKey string, options ...ClientOption) (*Client, error) {
	if strings.TrimSpace(secretKey) == "" {
		return nil, fmt.Errorf("%w: secret key is required", ErrInvalidConfig)
	}
	client := &Client{
		baseURL:    DefaultBaseURL,
		secretKey:  secretKey,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
	}
	for _, option := range options {
		if option != nil {
			option(client)
		}
	}
	return client, nil
}

type initializeRequest struct {
	Email       string         `json:"email"`
	Amount      int64          `json:"amount"`
	Reference   string         `json:"reference"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CallbackURL string         `json:"callback_url,omitempty"`
}

type initializeResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		AuthorizationURL string `json:"authorization_url"`
		AccessCode       string `json:"access_code"`
		Reference        string `json:"reference"`
	} `json:"data"`
}

// InitializeCharge creates a transaction and returns the hosted payment page.
func (client *Client) InitializeCharge(ctx context.Context, request fulfillment.ChargeRequest) (fulfillment.Charge, error) {
	payload, err := json.Marshal(initializeRequest{
		Email:       request.Email,
		Amount:      request.AmountMinor,
		Reference:   request.Reference,
		Metadata:    request.Metadata,
		CallbackURL: request.CallbackURL,
	})
	if err != nil {
		return fulfillment.Charge{}, fmt.Errorf("encode initialize request: %w", err)
	}
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, client.baseURL+initializePath, bytes.NewReader(payload))
	if err != nil {
		return fulfillment.Charge{}, fmt.Errorf("build initialize request: %w", err)
	}
	httpRequest.Header.Set("Authorization", "Bearer "+client.secretKey)
	httpRequest.Header.Set("Content-Type", "application/json")

	response, err := client.httpClient.Do(httpRequest)
	if err != nil {
		return fulfillment.Charge{}, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return fulfillment.Charge{}, fmt.Errorf("%w: read response: %v", ErrGateway, err)
	}
	var decoded initializeResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return fulfillment.Charge{}, fmt.Errorf("%w: status %d: decode response: %v", ErrGateway, response.StatusCode, err)
	}
	if response.StatusCode >= http.StatusBadRequest || !decoded.Status {
		return fulfillment.Charge{}, fmt.Errorf("%w: status %d: %s", ErrGateway, response.StatusCode, decoded.Message)
	}
	if decoded.Data.AuthorizationURL == "" {
		return fulfillment.Charge{}, fmt.Errorf("%w: response has no authorization url", ErrGateway)
	}
	reference := decoded.Data.Reference
	if reference == "" {
		reference = request.Reference
	}
	return fulfillment.Charge{
		AuthorizationURL: decoded.Data.AuthorizationURL,
		AccessCode:       decoded.Data.AccessCode,
		Reference:        reference,
	}, nil
}

// Sign returns the hex HMAC-SHA512 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks signature against the raw body in constant time.
func VerifySignature(secret string, body []byte, signature string) error {
	signature = strings.ToLower(strings.TrimSpace(signature))
	if secret == "" || signature == "" {
		return ErrInvalidSignature
	}
	expected := Sign(secret, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}

// SignatureFromHeader reads the signature header, falling back to the generic name.
func SignatureFromHeader(header http.Header) string {
	if signature := header.Get(SignatureHeader); signature != "" {
		return signature
	}
	return header.Get(FallbackSignatureHeader)
}

// Event is a decoded webhook delivery.
type Event struct {
	Event string    `json:"event"`
	Data  EventData `json:"data"`
}

// EventData is the transaction carried by a charge event.
type EventData struct {
	Reference string         `json:"reference"`
	Amount    int64          `json:"amount"`
	Currency  string         `json:"currency"`
	Status    string         `json:"status"`
	Metadata  EventMetadata  `json:"metadata"`
	Customer  map[string]any `json:"customer,omitempty"`
}

// EventMetadata is the metadata object echoed back by the gateway. Paystack sends an
// empty string instead of an object when a charge had no metadata.
type EventMetadata map[string]any

// UnmarshalJSON accepts an object, null or a string.
func (metadata *EventMetadata) UnmarshalJSON(raw []byte) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		*metadata = EventMetadata{}
		return nil
	}
	values := map[string]any{}
	if err := json.Unmarshal(trimmed, &values); err != nil {
		return err
	}
	*metadata = values
	return nil
}

// String returns the metadata value under key when it is a non-empty scalar.
func (metadata EventMetadata) String(key string) string {
	switch value := metadata[key].(type) {
	case string:
		return strings.TrimSpace(value)
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	default:
		return ""
	}
}

// ParseEvent decodes a verified webhook body.
func ParseEvent(body []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		return Event{}, fmt.Errorf("decode webhook event: %w", err)
	}
	if event.Data.Metadata == nil {
		event.Data.Metadata = EventMetadata{}
	}
	return event, nil
}
